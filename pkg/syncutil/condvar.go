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

// Condvar is a condition variable (spec.md §4.2 condvar_t) always used
// together with a Mutex: Wait atomically releases the mutex and parks,
// re-acquiring it before returning, exactly like pthread_cond_wait.
type Condvar struct {
	table *genwait.Table
}

// NewCondvar creates a condition variable on table.
func NewCondvar(table *genwait.Table) *Condvar {
	return &Condvar{table: table}
}

// Wait releases m, blocks self until Signal or Broadcast wakes it (or
// timeoutMs elapses; 0 waits forever), then re-acquires m before
// returning. The mutex must be held by self on entry.
func (c *Condvar) Wait(self *sched.Thread, m *Mutex, timeoutMs int) genwait.Result {
	m.Unlock(self)
	res := c.table.Wait(self, c, "condvar", timeoutMs)
	m.Lock(self)
	return res
}

// Signal wakes one thread blocked in Wait.
func (c *Condvar) Signal() {
	c.table.WakeOne(c)
}

// Broadcast wakes every thread blocked in Wait.
func (c *Condvar) Broadcast() {
	c.table.WakeAll(c)
}
