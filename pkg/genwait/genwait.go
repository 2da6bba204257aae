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

// Package genwait implements the generalized wait-on-object primitive
// (spec.md §4.2, §3.2): any value can be a wait channel, and threads block
// on it with a label, an optional timeout, and an optional signal slot.
// Every other synchronization primitive in pkg/syncutil is a thin
// composition over this package.
package genwait

import (
	"sync"
	"time"

	"reefos.dev/kernel/pkg/sched"
)

// Result mirrors sched.WaitResult under genwait's own name, matching
// spec.md's three-way wait() contract (Ok | Timeout | Interrupted).
type Result int

const (
	Ok Result = iota
	Timeout
	Interrupted
)

func fromSched(r sched.WaitResult) Result {
	switch r {
	case sched.WaitTimeout:
		return Timeout
	case sched.WaitInterrupted:
		return Interrupted
	default:
		return Ok
	}
}

// sentinelSleep is the distinguished address reserved for pure-sleep
// waits (spec.md §3.2's 0xFFFF_FFFF). No code ever wakes it; it exists so
// callers that want "block on nothing, just a timeout" can still go
// through the same Wait/Wake bookkeeping path as everything else.
var sentinelSleep = new(struct{})

// SentinelSleepObject returns the reserved pure-sleep wait channel.
func SentinelSleepObject() interface{} { return sentinelSleep }

type waiter struct {
	thread *sched.Thread
	label  string
}

// Table owns the object -> waiters association for one scheduler. A
// production boot normally has exactly one Table, shared by every sync
// primitive and protocol socket in the system.
type Table struct {
	sc *sched.Scheduler

	mu      sync.Mutex
	waiters map[interface{}][]waiter
}

// NewTable creates a wait table bound to sc.
func NewTable(sc *sched.Scheduler) *Table {
	return &Table{sc: sc, waiters: make(map[interface{}][]waiter)}
}

// Wait blocks the current thread on object. timeoutMs == 0 means wait
// forever. Must not be called from interrupt context (spec.md §4.2); this
// hosted port has no interrupt context of its own, so that constraint is
// enforced by convention — callers representing interrupt-like work (e.g.
// device RX callbacks) must use TryLock-style non-blocking entry points
// instead of Wait.
func (g *Table) Wait(self *sched.Thread, object interface{}, label string, timeoutMs int) Result {
	g.mu.Lock()
	g.waiters[object] = append(g.waiters[object], waiter{thread: self, label: label})
	g.mu.Unlock()

	var deadline time.Time
	if timeoutMs > 0 {
		deadline = time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
	}
	res := g.sc.Park(self, object, deadline)

	g.mu.Lock()
	g.removeWaiterLocked(object, self)
	g.mu.Unlock()

	return fromSched(res)
}

func (g *Table) removeWaiterLocked(object interface{}, self *sched.Thread) {
	ws := g.waiters[object]
	for i, w := range ws {
		if w.thread == self {
			g.waiters[object] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(g.waiters[object]) == 0 {
		delete(g.waiters, object)
	}
}

// WakeOne wakes the highest-priority waiter on object (ties broken by
// insertion order). No-op if nobody is waiting.
func (g *Table) WakeOne(object interface{}) {
	g.mu.Lock()
	ws := g.waiters[object]
	if len(ws) == 0 {
		g.mu.Unlock()
		return
	}
	best := 0
	for i, w := range ws[1:] {
		if w.thread.Priority < ws[best].thread.Priority {
			best = i + 1
		}
	}
	victim := ws[best].thread
	g.waiters[object] = append(append([]waiter{}, ws[:best]...), ws[best+1:]...)
	if len(g.waiters[object]) == 0 {
		delete(g.waiters, object)
	}
	g.mu.Unlock()

	g.sc.Ready(victim, sched.InsertHead)
}

// WakeAll wakes every waiter on object.
func (g *Table) WakeAll(object interface{}) {
	g.mu.Lock()
	ws := g.waiters[object]
	delete(g.waiters, object)
	g.mu.Unlock()

	for _, w := range ws {
		g.sc.Ready(w.thread, sched.InsertHead)
	}
}

// Waiting reports how many threads currently block on object; used by
// sync primitives to decide fast paths (e.g. an uncontended mutex never
// touches the wait table).
func (g *Table) Waiting(object interface{}) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.waiters[object])
}
