/*
Copyright 2024 The ReefOS Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package syncutil

import (
	"reefos.dev/kernel/pkg/genwait"
	"reefos.dev/kernel/pkg/sched"
)

// Rwsem is a readers-writer lock (spec.md §4.2 rwsem_t): any number of
// readers may hold it concurrently, but a writer requires exclusive
// access and new readers queue behind a pending writer to avoid writer
// starvation.
type Rwsem struct {
	table *genwait.Table

	readers      int
	writerHeld   bool
	writerWaitN  int
}

// NewRwsem creates an unheld rwsem on table.
func NewRwsem(table *genwait.Table) *Rwsem {
	return &Rwsem{table: table}
}

func (r *Rwsem) tryReadAcquire() bool {
	if r.writerHeld || r.writerWaitN > 0 {
		return false
	}
	r.readers++
	return true
}

// RLock acquires the rwsem for reading.
func (r *Rwsem) RLock(self *sched.Thread) {
	for {
		if r.tryReadAcquire() {
			return
		}
		r.table.Wait(self, readKey{r}, "rwsem-read", 0)
	}
}

// RUnlock releases one reader's hold, waking a pending writer once the
// last reader leaves.
func (r *Rwsem) RUnlock() {
	if r.readers == 0 {
		sched.FatalAssert("syncutil: runlock of rwsem with no readers held")
	}
	r.readers--
	if r.readers == 0 {
		r.table.WakeOne(writeKey{r})
	}
}

func (r *Rwsem) tryWriteAcquire() bool {
	if r.writerHeld || r.readers > 0 {
		return false
	}
	r.writerHeld = true
	return true
}

// Lock acquires the rwsem for exclusive writing.
func (r *Rwsem) Lock(self *sched.Thread) {
	r.writerWaitN++
	defer func() { r.writerWaitN-- }()
	for {
		if r.tryWriteAcquire() {
			return
		}
		r.table.Wait(self, writeKey{r}, "rwsem-write", 0)
	}
}

// Unlock releases an exclusive hold, waking a pending writer first (to
// avoid reader starvation of writers) and otherwise every blocked reader.
func (r *Rwsem) Unlock() {
	if !r.writerHeld {
		sched.FatalAssert("syncutil: unlock of rwsem not held for writing")
	}
	r.writerHeld = false
	if r.table.Waiting(writeKey{r}) > 0 {
		r.table.WakeOne(writeKey{r})
		return
	}
	r.table.WakeAll(readKey{r})
}

// readKey/writeKey give reader and writer waiters distinct genwait
// identities on the same Rwsem, since genwait keys by object identity.
type readKey struct{ r *Rwsem }
type writeKey struct{ r *Rwsem }
