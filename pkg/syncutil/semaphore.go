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

// Semaphore is a counting semaphore (spec.md §4.2 semaphore_t): Wait
// blocks while the count is zero, Signal increments it and wakes one
// waiter.
type Semaphore struct {
	table *genwait.Table
	count int
}

// NewSemaphore creates a semaphore with the given initial count.
func NewSemaphore(table *genwait.Table, initial int) *Semaphore {
	return &Semaphore{table: table, count: initial}
}

// Wait blocks self until the count is positive, then decrements it.
// timeoutMs == 0 waits forever; a positive value matches genwait's own
// timeout semantics and is returned verbatim.
func (s *Semaphore) Wait(self *sched.Thread, timeoutMs int) genwait.Result {
	for {
		if s.count > 0 {
			s.count--
			return genwait.Ok
		}
		res := s.table.Wait(self, s, "semaphore", timeoutMs)
		if res != genwait.Ok {
			return res
		}
	}
}

// Signal increments the count and wakes one waiter, if any.
func (s *Semaphore) Signal() {
	s.count++
	s.table.WakeOne(s)
}

// Count returns the current semaphore value.
func (s *Semaphore) Count() int { return s.count }
