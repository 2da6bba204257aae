package syncutil

import (
	"testing"
	"time"

	"reefos.dev/kernel/pkg/genwait"
	"reefos.dev/kernel/pkg/sched"
)

func TestSemaphoreBlocksUntilSignaled(t *testing.T) {
	s := sched.New(sched.ModeCooperative, 0)
	table := genwait.NewTable(s)
	sem := NewSemaphore(table, 0)

	acquired := make(chan struct{})
	s.Spawn("consumer", true, func(self *sched.Thread, arg interface{}) interface{} {
		sem.Wait(self, 0)
		close(acquired)
		return nil
	}, nil)

	select {
	case <-acquired:
		t.Fatal("consumer acquired before Signal")
	case <-time.After(50 * time.Millisecond):
	}

	sem.Signal()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("consumer never woke after Signal")
	}
}

func TestCondvarBroadcastWakesAllWaiters(t *testing.T) {
	s := sched.New(sched.ModeCooperative, 0)
	table := genwait.NewTable(s)
	m := NewMutex(table)
	cv := NewCondvar(table)

	const n = 3
	woken := make(chan struct{}, n)
	ready := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		s.Spawn("waiter", true, func(self *sched.Thread, arg interface{}) interface{} {
			m.Lock(self)
			ready <- struct{}{}
			cv.Wait(self, m, 0)
			m.Unlock(self)
			woken <- struct{}{}
			return nil
		}, nil)
	}

	for i := 0; i < n; i++ {
		select {
		case <-ready:
		case <-time.After(time.Second):
			t.Fatal("waiter never reached cv.Wait")
		}
	}
	// Give each waiter a chance to actually register in the wait table
	// (ready fires just before cv.Wait, not after).
	deadline := time.Now().Add(time.Second)
	for table.Waiting(cv) < n && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	cv.Broadcast()

	for i := 0; i < n; i++ {
		select {
		case <-woken:
		case <-time.After(time.Second):
			t.Fatal("not all waiters woke from Broadcast")
		}
	}
}
