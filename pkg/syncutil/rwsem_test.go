package syncutil

import (
	"testing"
	"time"

	"reefos.dev/kernel/pkg/genwait"
	"reefos.dev/kernel/pkg/sched"
)

func TestRwsemAllowsConcurrentReadersExclusiveWriter(t *testing.T) {
	s := sched.New(sched.ModeCooperative, 0)
	table := genwait.NewTable(s)
	r := NewRwsem(table)

	readersDone := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		s.Spawn("reader", true, func(self *sched.Thread, arg interface{}) interface{} {
			r.RLock(self)
			r.RUnlock()
			readersDone <- struct{}{}
			return nil
		}, nil)
	}
	// The writer is spawned before waiting on the readers: once every
	// user thread has finished the scheduler exits, so a thread spawned
	// after that would never be dispatched.
	writerDone := make(chan struct{})
	s.Spawn("writer", true, func(self *sched.Thread, arg interface{}) interface{} {
		r.Lock(self)
		r.Unlock()
		close(writerDone)
		return nil
	}, nil)

	for i := 0; i < 2; i++ {
		select {
		case <-readersDone:
		case <-time.After(time.Second):
			t.Fatal("reader never completed")
		}
	}
	select {
	case <-writerDone:
	case <-time.After(time.Second):
		t.Fatal("writer never completed")
	}
}
