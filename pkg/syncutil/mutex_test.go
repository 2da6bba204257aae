package syncutil

import (
	"testing"
	"time"

	"reefos.dev/kernel/pkg/genwait"
	"reefos.dev/kernel/pkg/sched"
)

func TestMutexSerializesIncrements(t *testing.T) {
	s := sched.New(sched.ModeCooperative, 0)
	table := genwait.NewTable(s)
	m := NewMutex(table)

	const perThread = 50
	const nThreads = 4
	counter := 0

	done := make(chan struct{}, nThreads)
	for i := 0; i < nThreads; i++ {
		s.Spawn("counter", true, func(self *sched.Thread, arg interface{}) interface{} {
			for j := 0; j < perThread; j++ {
				m.Lock(self)
				counter++
				m.Unlock(self)
			}
			done <- struct{}{}
			return nil
		}, nil)
	}

	for i := 0; i < nThreads; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("counters never finished")
		}
	}

	if counter != perThread*nThreads {
		t.Fatalf("counter = %d, want %d", counter, perThread*nThreads)
	}
}

func TestRecursiveMutexAllowsReentry(t *testing.T) {
	s := sched.New(sched.ModeCooperative, 0)
	table := genwait.NewTable(s)
	m := NewRecursiveMutex(table)

	done := make(chan struct{})
	s.Spawn("reentrant", true, func(self *sched.Thread, arg interface{}) interface{} {
		m.Lock(self)
		m.Lock(self)
		m.Unlock(self)
		m.Unlock(self)
		close(done)
		return nil
	}, nil)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reentrant lock/unlock never completed")
	}
}
