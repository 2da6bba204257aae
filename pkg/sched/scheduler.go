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

package sched

import (
	"fmt"
	"os"
	"sync"
	"time"

	"reefos.dev/kernel/pkg/klog"
)

var logger = klog.New("sched")

// Mode selects cooperative or pre-emptive scheduling (spec.md §4.1).
type Mode int

const (
	ModePreemptive Mode = iota
	ModeCooperative
)

// WaitResult is returned by Park to distinguish how a blocked thread woke.
type WaitResult int

const (
	WaitOK WaitResult = iota
	WaitTimeout
	WaitInterrupted
)

// Scheduler is a single-CPU priority round-robin scheduler. Every Thread it
// manages is backed by a real goroutine, but only one thread's goroutine is
// ever logically "running" at a time: the rest are parked on a private
// channel, and control passes between them by direct hand-off (a baton),
// the hosted-Go equivalent of a native context switch.
type Scheduler struct {
	mu sync.Mutex

	mode   Mode
	tickHz int

	rq      runQueue
	current *Thread
	threads map[uint32]*Thread

	turn map[uint32]chan struct{}

	idle   *Thread
	reaper *Thread

	zombies   chan *Thread
	joiners   map[uint32][]chan struct{}

	tickStop chan struct{}
	newWork  chan struct{}

	exitOnce sync.Once
	exitCh   chan struct{}
}

// wakeIdleLocked signals the idle thread that the run queue gained a
// member, the hosted equivalent of an interrupt pulling a real CPU out of
// halt. Caller must hold s.mu.
func (s *Scheduler) wakeIdleLocked() {
	select {
	case s.newWork <- struct{}{}:
	default:
	}
}

// New creates a scheduler in the given mode with a ticker at tickHz. The
// ticker drives both genwait timeout expiry (always) and pre-emption
// requests (only in ModePreemptive); tickHz == 0 disables it entirely,
// useful for tests that never rely on timed waits. New immediately spawns
// the idle and reaper threads, which always exist while the scheduler
// runs (spec.md §3.1).
func New(mode Mode, tickHz int) *Scheduler {
	s := &Scheduler{
		mode:    mode,
		tickHz:  tickHz,
		threads: make(map[uint32]*Thread),
		turn:    make(map[uint32]chan struct{}),
		zombies: make(chan *Thread, 64),
		joiners: make(map[uint32][]chan struct{}),
		newWork: make(chan struct{}, 1),
		exitCh:  make(chan struct{}),
	}

	// Both idle and reaper are pure housekeeping and must never outrank
	// real work: they share the lowest scheduling priority, and both
	// loops give the baton straight back (via newWork) whenever they
	// have nothing to do.
	s.idle = s.newThreadLocked("idle", PrioMax, s.idleLoop, nil, true)
	s.reaper = s.newThreadLocked("reaper", PrioMax, s.reaperLoop, nil, true)

	s.mu.Lock()
	s.rq.insert(s.idle, insertTail)
	s.rq.insert(s.reaper, insertTail)
	s.startGoroutine(s.idle)
	s.startGoroutine(s.reaper)

	// Nothing has ever held the baton yet: bootstrap the dispatch loop by
	// handing the first turn to whichever thread pickNextLocked chooses
	// (idle and reaper tie at PrioMax, so insertion order picks idle).
	// From here on every turn hand-off is driven by the threads
	// themselves yielding/parking.
	first := s.pickNextLocked()
	s.current = first
	first.State = StateRunning
	s.mu.Unlock()

	s.turn[first.ID] <- struct{}{}

	// The ticker always runs when tickHz > 0, in both modes: it's what
	// drives genwait timeout expiry (spec.md §4.2 check_timeouts), not
	// just pre-emption. Cooperative mode only differs in tick() never
	// setting flagPreemptRequested.
	if tickHz > 0 {
		s.tickStop = make(chan struct{})
		go s.tickerLoop()
	}
	return s
}

func (s *Scheduler) newThreadLocked(label string, prio int, entry func(self *Thread, arg interface{}) interface{}, arg interface{}, detached bool) *Thread {
	t := newThread(label, prio, entry, arg, detached)
	s.threads[t.ID] = t
	s.turn[t.ID] = make(chan struct{}, 1)
	return t
}

func (s *Scheduler) startGoroutine(t *Thread) {
	turn := s.turn[t.ID]
	go func() {
		<-turn // wait for our first turn
		var rv interface{}
		func() {
			defer func() {
				if r := recover(); r != nil {
					if es, ok := r.(exitSignal); ok {
						rv = es.rv
					} else {
						panic(r)
					}
				}
			}()
			rv = t.entry(t, t.arg)
		}()
		s.finish(t, rv)
	}()
}

// Spawn creates a Ready thread running entry(self, arg) at
// DefaultPriority and returns it (spec.md §4.1 spawn). entry receives its
// own *Thread so it can call back into the scheduler (Yield, Sleep,
// Exit, ...) without a closure racing the Spawn call that creates it. In
// cooperative mode the thread is merely enqueued; in pre-emptive mode it
// may run as soon as the scheduler next dispatches.
func (s *Scheduler) Spawn(label string, detached bool, entry func(self *Thread, arg interface{}) interface{}, arg interface{}) *Thread {
	return s.SpawnPriority(label, DefaultPriority, detached, entry, arg)
}

// SpawnPriority is Spawn with an explicit initial priority, for callers
// that must not race a separate SetPriority call against the new
// thread's first dispatch.
func (s *Scheduler) SpawnPriority(label string, prio int, detached bool, entry func(self *Thread, arg interface{}) interface{}, arg interface{}) *Thread {
	s.mu.Lock()
	t := s.newThreadLocked(label, prio, entry, arg, detached)
	s.rq.insert(t, insertTail)
	s.wakeIdleLocked()
	s.startGoroutine(t)
	s.mu.Unlock()
	return t
}

// SetPriority changes t's scheduling priority.
func (s *Scheduler) SetPriority(t *Thread, prio int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.Priority = prio
	if t.Flags&FlagQueued != 0 {
		s.rq.remove(t)
		s.rq.insert(t, insertTail)
	}
}

// SetMode switches between cooperative and pre-emptive scheduling. The
// ticker itself keeps running either way — it also drives genwait timeout
// expiry — only whether tick() requests pre-emption changes.
func (s *Scheduler) SetMode(mode Mode) {
	s.mu.Lock()
	s.mode = mode
	s.mu.Unlock()
}

func (s *Scheduler) tickerLoop() {
	hz := s.tickHz
	if hz <= 0 {
		hz = 100
	}
	ticker := time.NewTicker(time.Second / time.Duration(hz))
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.tick()
		case <-s.tickStop:
			return
		}
	}
}

// tick is the periodic timer entry point: it performs the wake-check pass
// and, if a higher-priority thread than the one currently running became
// Ready, marks the running thread for pre-emption at its next checkpoint
// (Yield, a blocking genwait call, or a blocking socket/filesystem call) —
// the hosted equivalent of a timer interrupt forcing a context switch.
func (s *Scheduler) tick() {
	s.mu.Lock()
	now := time.Now()
	s.wakeExpiredLocked(now)
	cur := s.current
	preemptive := s.mode == ModePreemptive
	if preemptive && cur != nil && s.rq.len() > 0 && s.rq.threads[0].Priority < cur.Priority {
		cur.mu.Lock()
		cur.Flags |= flagPreemptRequested
		cur.mu.Unlock()
	}
	s.mu.Unlock()
}

const flagPreemptRequested Flag = 1 << 30

// wakeExpiredLocked unblocks every thread whose wait deadline has passed
// (spec.md §4.1 step 1 / §4.2 check_timeouts). Caller must hold s.mu.
func (s *Scheduler) wakeExpiredLocked(now time.Time) {
	for _, t := range s.threads {
		if t.State == StateWait && !t.waitDeadline.IsZero() && !now.Before(t.waitDeadline) {
			t.waitResult = WaitTimeout
			t.waitObj = nil
			t.waitDeadline = time.Time{}
			s.rq.insert(t, insertHead)
			s.wakeIdleLocked()
		}
	}
}

// Yield voluntarily re-enters the scheduler (spec.md §4.1 yield()).
func (s *Scheduler) Yield(self *Thread) {
	s.reschedule(self, insertTail)
}

// Sleep blocks the current thread for at least ms milliseconds; ms == 0
// yields (spec.md §4.1 sleep()).
func (s *Scheduler) Sleep(self *Thread, ms int) {
	if ms <= 0 {
		s.Yield(self)
		return
	}
	s.mu.Lock()
	self.State = StateWait
	self.waitObj = nil
	self.waitDeadline = time.Now().Add(time.Duration(ms) * time.Millisecond)
	s.mu.Unlock()
	s.parkAndSwitch(self)
}

// Park blocks self on an opaque wait channel until Ready(self, ...) is
// called or deadline passes (zero deadline means wait forever). It is the
// primitive pkg/genwait builds wait/wake_one/wake_all on top of.
func (s *Scheduler) Park(self *Thread, waitObj interface{}, deadline time.Time) WaitResult {
	s.mu.Lock()
	self.State = StateWait
	self.waitObj = waitObj
	self.waitDeadline = deadline
	self.waitResult = WaitOK
	s.mu.Unlock()
	s.parkAndSwitch(self)
	return self.waitResult
}

// InsertPolicy is the exported name for the run-queue placement a caller
// outside this package (pkg/genwait) can request when readying a thread.
type InsertPolicy = insertPolicy

const (
	// InsertTail places a woken thread after every ready peer of equal or
	// higher priority — the policy for ordinary time-slice requeues.
	InsertTail = insertTail
	// InsertHead places a woken thread in front of its equal-priority
	// peers — the policy genwait's WakeOne/WakeAll use, matching spec.md
	// §3.3's "pre-empted by wake" placement.
	InsertHead = insertHead
)

// Ready makes a Wait-state thread Ready again, using the given insertion
// policy (spec.md §3.3). It does not itself yield the caller.
func (s *Scheduler) Ready(t *Thread, policy insertPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.State != StateWait {
		return
	}
	t.waitObj = nil
	t.waitDeadline = time.Time{}
	s.rq.insert(t, policy)
	s.wakeIdleLocked()
}

// parkAndSwitch hands off the CPU from self, having already marked self as
// not Running, and blocks self's goroutine until it is redispatched.
func (s *Scheduler) parkAndSwitch(self *Thread) {
	s.mu.Lock()
	next := s.pickNextLocked()
	s.current = next
	next.State = StateRunning
	sameThread := next.ID == self.ID
	s.mu.Unlock()

	if sameThread {
		return
	}
	s.turn[next.ID] <- struct{}{}
	<-s.turn[self.ID]
}

// reschedule is the voluntary scheduling-point entry: self gives up the
// CPU, is requeued with policy (if still eligible to run at all), and the
// dispatcher picks whoever runs next.
func (s *Scheduler) reschedule(self *Thread, policy insertPolicy) {
	s.mu.Lock()
	self.mu.Lock()
	self.Flags &^= flagPreemptRequested
	self.mu.Unlock()
	s.rq.insert(self, policy)
	next := s.pickNextLocked()
	s.current = next
	next.State = StateRunning
	sameThread := next.ID == self.ID
	s.mu.Unlock()

	if sameThread {
		return
	}
	s.turn[next.ID] <- struct{}{}
	<-s.turn[self.ID]
}

// Checkpoint is a scheduling-point callers embed in otherwise
// long-running loops; it performs a voluntary yield only if the timer
// tick has asked this thread to step aside for a higher-priority one.
func (s *Scheduler) Checkpoint(self *Thread) {
	self.mu.Lock()
	pending := self.Flags&flagPreemptRequested != 0
	self.mu.Unlock()
	if pending && s.Mode() == ModePreemptive {
		s.Yield(self)
	}
}

func (s *Scheduler) pickNextLocked() *Thread {
	now := time.Now()
	s.wakeExpiredLocked(now)
	if t := s.rq.popHighest(); t != nil {
		return t
	}
	return s.idle
}

// Mode reports the scheduler's current mode.
func (s *Scheduler) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Exit returns from the current thread with value rv (spec.md §4.1
// exit()). Detached threads become Zombie (reaped asynchronously);
// joinable threads become Finished and wake all joiners.
func (s *Scheduler) Exit(self *Thread, rv interface{}) {
	panic(exitSignal{rv})
}

type exitSignal struct{ rv interface{} }

func (s *Scheduler) finish(t *Thread, rv interface{}) {
	s.mu.Lock()
	t.retval = rv
	detached := t.Flags&FlagDetached != 0
	if detached {
		t.State = StateZombie
	} else {
		t.State = StateFinished
	}
	close(t.done)
	waiters := s.joiners[t.ID]
	delete(s.joiners, t.ID)

	// The thread that just finished never gets requeued; pick whoever
	// runs next and hand off immediately.
	next := s.pickNextLocked()
	s.current = next
	next.State = StateRunning
	onlyHousekeeping := s.onlyHousekeepingLeftLocked()
	s.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}
	if detached {
		s.zombies <- t
	}
	if onlyHousekeeping {
		s.exitOnce.Do(func() { close(s.exitCh) })
	}

	s.turn[next.ID] <- struct{}{}
	// This goroutine now exits; it never waits on its own turn channel
	// again.
}

func (s *Scheduler) onlyHousekeepingLeftLocked() bool {
	for id, t := range s.threads {
		if id == s.idle.ID || id == s.reaper.ID {
			continue
		}
		if t.State != StateZombie && t.State != StateFinished {
			return false
		}
	}
	return true
}

// idleLoop is the thread chosen whenever the run queue is otherwise
// empty (spec.md §3.1: "the idle thread ... always exists"). It parks
// until signalled that new work arrived, then yields so the dispatcher
// can pick the newly-Ready thread.
func (s *Scheduler) idleLoop(self *Thread, _ interface{}) interface{} {
	for {
		select {
		case <-s.newWork:
			s.Yield(s.idle)
		case <-s.exitCh:
			return nil
		}
	}
}

// reaperLoop destroys detached threads once they've finished (spec.md
// §4.1 "a detached thread's resources are reclaimed asynchronously").
// Like idleLoop it shares the newWork signal so that whichever of the
// two housekeeping threads is holding the baton gives it straight back
// the moment anything else becomes Ready.
func (s *Scheduler) reaperLoop(self *Thread, _ interface{}) interface{} {
	for {
		select {
		case z := <-s.zombies:
			s.mu.Lock()
			delete(s.threads, z.ID)
			delete(s.turn, z.ID)
			s.mu.Unlock()
		case <-s.newWork:
			s.Yield(s.reaper)
		case <-s.exitCh:
			return nil
		}
	}
}

// Join blocks until t is Finished, then destroys it and returns its
// return value. Fails if t is detached or unknown (spec.md §4.1 join()).
func (s *Scheduler) Join(self *Thread, t *Thread) (interface{}, error) {
	s.mu.Lock()
	if _, ok := s.threads[t.ID]; !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("sched: join: unknown thread %d", t.ID)
	}
	if t.Detached() {
		s.mu.Unlock()
		return nil, fmt.Errorf("sched: join: thread %d is detached", t.ID)
	}
	if t.State == StateFinished {
		rv := t.retval
		delete(s.threads, t.ID)
		delete(s.turn, t.ID)
		s.mu.Unlock()
		return rv, nil
	}
	ch := make(chan struct{})
	s.joiners[t.ID] = append(s.joiners[t.ID], ch)
	s.mu.Unlock()

	if self != nil {
		self.State = StateWait
		s.parkUntilClosed(self, ch)
	} else {
		<-ch
	}

	s.mu.Lock()
	rv := t.retval
	delete(s.threads, t.ID)
	delete(s.turn, t.ID)
	s.mu.Unlock()
	return rv, nil
}

// parkUntilClosed parks self on the scheduler while waiting for an
// out-of-band channel (used by Join, which isn't expressed as a genwait
// object since it keys on thread identity rather than an opaque pointer).
func (s *Scheduler) parkUntilClosed(self *Thread, ch chan struct{}) {
	s.mu.Lock()
	next := s.pickNextLocked()
	s.current = next
	next.State = StateRunning
	sameThread := next.ID == self.ID
	s.mu.Unlock()

	if !sameThread {
		s.turn[next.ID] <- struct{}{}
	}
	<-ch
	if !sameThread {
		<-s.turn[self.ID]
	}
}

// Detach marks t detached; fails if already detached. If t has already
// finished, it is destroyed immediately (spec.md §4.1 detach()).
func (s *Scheduler) Detach(t *Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.Flags&FlagDetached != 0 {
		return fmt.Errorf("sched: detach: thread %d already detached", t.ID)
	}
	t.Flags |= FlagDetached
	if t.State == StateFinished {
		t.State = StateZombie
		delete(s.threads, t.ID)
		delete(s.turn, t.ID)
	}
	return nil
}

// Shutdown halts the tick goroutine. Called once all user threads have
// exited and the process is ready to terminate (spec.md §4.1 failure
// semantics: a scheduler with only idle+reaper left exits the process).
func (s *Scheduler) Shutdown() {
	if s.tickStop != nil {
		close(s.tickStop)
	}
}

// Wait blocks the calling OS goroutine (not a scheduled Thread) until the
// scheduler has nothing left to run but idle and reaper — i.e. until the
// process's user work is done.
func (s *Scheduler) Wait() {
	<-s.exitCh
}

// FatalAssert panics with a scheduler-invariant failure; stack underrun
// and run-queue corruption are fatal assertions, not recoverable errors
// (spec.md §7): better to halt than continue atop a broken invariant.
func FatalAssert(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	logger.Printf("FATAL: %s", msg)
	fmt.Fprintln(os.Stderr, "sched: fatal: "+msg)
	panic("sched: fatal: " + msg)
}
