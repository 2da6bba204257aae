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

// Package syncutil provides the blocking synchronization primitives
// built on top of pkg/genwait (spec.md §4.2): Mutex, RecursiveMutex,
// Rwsem, Semaphore, and Condvar. Each primitive is a small struct that
// owns its own wait-channel identity and routes contention through a
// shared genwait.Table. The primitives hold plain data fields with no
// lock of their own: they rely on only one scheduled thread running at
// a time, and leave scheduling logic to genwait.
package syncutil

import (
	"reefos.dev/kernel/pkg/genwait"
	"reefos.dev/kernel/pkg/sched"
)

// Mutex is a non-recursive mutual exclusion lock (spec.md §4.2 mutex_t).
// A thread that already holds it deadlocks on a second Lock, matching the
// original's documented contract.
type Mutex struct {
	table *genwait.Table
	held  bool
	owner uint32
}

// NewMutex creates an unlocked mutex that waits on table.
func NewMutex(table *genwait.Table) *Mutex {
	return &Mutex{table: table}
}

// Lock blocks self until the mutex is free, then acquires it. Because
// only one thread ever holds the scheduler's baton at a time, the
// try-then-park sequence below can't race with a concurrent Unlock: no
// other thread runs between the failed tryAcquire and registering as a
// waiter.
func (m *Mutex) Lock(self *sched.Thread) {
	for {
		if m.tryAcquire(self) {
			return
		}
		m.table.Wait(self, m, "mutex", 0)
	}
}

// tryAcquire performs the uncontended fast path; genwait's caller holds no
// lock of its own here, so this relies on the Mutex only ever being driven
// by threads that already serialize through the scheduler's baton.
func (m *Mutex) tryAcquire(self *sched.Thread) bool {
	if m.held {
		return false
	}
	m.held = true
	m.owner = self.ID
	return true
}

// TryLock attempts to acquire the mutex without blocking.
func (m *Mutex) TryLock(self *sched.Thread) bool {
	return m.tryAcquire(self)
}

// Unlock releases the mutex and wakes one waiter, if any.
func (m *Mutex) Unlock(self *sched.Thread) {
	if !m.held || m.owner != self.ID {
		sched.FatalAssert("syncutil: unlock of mutex not held by thread %d", self.ID)
	}
	m.held = false
	m.owner = 0
	m.table.WakeOne(m)
}
