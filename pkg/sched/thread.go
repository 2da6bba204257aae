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

// Package sched implements the pre-emptive priority round-robin thread
// scheduler described in spec.md §4.1: joinable/detached threads, timed
// waits via pkg/genwait, a reaper thread, and cooperative fallback.
package sched

import (
	"sync"
	"sync/atomic"
	"time"
)

// State is a thread's lifecycle state (spec.md §3.1).
type State int

const (
	StateZombie State = iota
	StateRunning
	StateReady
	StateWait
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateZombie:
		return "zombie"
	case StateRunning:
		return "running"
	case StateReady:
		return "ready"
	case StateWait:
		return "wait"
	case StateFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Flag is a bitmask of per-thread flags.
type Flag int

const (
	FlagQueued Flag = 1 << iota
	FlagDetached
	FlagOwnsUserspaceReent
)

// PrioMax is the lowest-priority sentinel a thread may hold (spec.md §3.1).
const PrioMax = 40

// DefaultPriority is the priority assigned by spawn unless overridden.
const DefaultPriority = 10

// DefaultStackSize is the stack buffer size given to a new thread.
const DefaultStackSize = 64 * 1024

var nextID uint32

// Thread is a schedulable unit of execution. Most fields are guarded by
// the owning Scheduler's mutex; entry and arg are immutable after
// creation.
type Thread struct {
	ID       uint32
	Label    string
	Priority int
	State    State
	Flags    Flag

	stack     []byte
	stackBase uintptrSurrogate

	entry func(self *Thread, arg interface{}) interface{}
	arg   interface{}

	retval interface{}

	// waitObj/waitDeadline mirror genwait's bookkeeping for this thread
	// while it's blocked; nil/zero when not blocked.
	waitObj      interface{}
	waitDeadline time.Time
	waitResult   WaitResult

	cwd   string
	errno int

	tls map[string]interface{}

	done chan struct{} // closed when Finished or destroyed; join() blocks on this

	mu sync.Mutex
}

// uintptrSurrogate stands in for the native stack-pointer type; a hosted
// Go goroutine has no addressable machine stack, so the scheduler tracks
// only the logical invariant (stack buffer allocated, never shrunk below
// its base) rather than a real register value.
type uintptrSurrogate = int

func newThread(label string, prio int, entry func(self *Thread, arg interface{}) interface{}, arg interface{}, detached bool) *Thread {
	id := atomic.AddUint32(&nextID, 1)
	flags := Flag(0)
	if detached {
		flags |= FlagDetached
	}
	t := &Thread{
		ID:       id,
		Label:    label,
		Priority: prio,
		State:    StateReady,
		Flags:    flags,
		stack:    make([]byte, DefaultStackSize),
		entry:    entry,
		arg:      arg,
		tls:      make(map[string]interface{}),
		done:     make(chan struct{}),
	}
	return t
}

// Detached reports whether the thread was created (or later marked)
// detached.
func (t *Thread) Detached() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Flags&FlagDetached != 0
}

// SetTLS sets a thread-local key/value pair for t.
func (t *Thread) SetTLS(key string, value interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tls[key] = value
}

// TLS retrieves a thread-local value previously set with SetTLS.
func (t *Thread) TLS(key string) (interface{}, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.tls[key]
	return v, ok
}

// Errno returns the thread's saved errno slot, for POSIX-adjacent calls.
func (t *Thread) Errno() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.errno
}

// SetErrno sets the thread's saved errno slot.
func (t *Thread) SetErrno(e int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errno = e
}

// Cwd returns the thread's current-working-directory string.
func (t *Thread) Cwd() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cwd
}

// SetCwd sets the thread's current-working-directory string.
func (t *Thread) SetCwd(dir string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cwd = dir
}

func (t *Thread) checkStack() {
	// Stack-underrun check (spec.md §4.1): in this hosted port there is no
	// machine stack pointer to compare against a base address, so the
	// invariant we can still assert is that the stack buffer itself was
	// never released out from under a thread still referencing it.
	if t.stack == nil {
		panic("sched: stack underrun: thread " + t.Label + " has no stack buffer")
	}
}
