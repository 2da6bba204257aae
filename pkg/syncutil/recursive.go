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

// RecursiveMutex may be locked more than once by the same thread; it only
// becomes free again after a matching number of Unlock calls (spec.md
// §4.2 mutex_t in MUTEX_TYPE_RECURSIVE mode).
type RecursiveMutex struct {
	table *genwait.Table
	owner uint32
	count int
}

// NewRecursiveMutex creates an unlocked recursive mutex on table.
func NewRecursiveMutex(table *genwait.Table) *RecursiveMutex {
	return &RecursiveMutex{table: table}
}

func (m *RecursiveMutex) tryAcquire(self *sched.Thread) bool {
	if m.count == 0 {
		m.owner = self.ID
		m.count = 1
		return true
	}
	if m.owner == self.ID {
		m.count++
		return true
	}
	return false
}

// Lock acquires the mutex, incrementing the hold count if self already
// owns it.
func (m *RecursiveMutex) Lock(self *sched.Thread) {
	for {
		if m.tryAcquire(self) {
			return
		}
		m.table.Wait(self, m, "recursive-mutex", 0)
	}
}

// Unlock decrements the hold count, releasing the mutex and waking one
// waiter only once the count reaches zero.
func (m *RecursiveMutex) Unlock(self *sched.Thread) {
	if m.count == 0 || m.owner != self.ID {
		sched.FatalAssert("syncutil: unlock of recursive mutex not held by thread %d", self.ID)
	}
	m.count--
	if m.count == 0 {
		m.owner = 0
		m.table.WakeOne(m)
	}
}
