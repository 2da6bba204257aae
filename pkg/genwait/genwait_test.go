package genwait

import (
	"testing"
	"time"

	"reefos.dev/kernel/pkg/sched"
)

func TestWaitTimesOutWhenNeverWoken(t *testing.T) {
	// tickHz must be > 0 here: timeout expiry is driven by the periodic
	// ticker even in cooperative mode (spec.md §4.2 check_timeouts), and
	// nothing else in this test would ever trigger a re-scan of waiters.
	s := sched.New(sched.ModeCooperative, 200)
	table := NewTable(s)
	obj := new(struct{})

	result := make(chan Result, 1)
	s.Spawn("waiter", true, func(self *sched.Thread, arg interface{}) interface{} {
		result <- table.Wait(self, obj, "test", 20)
		return nil
	}, nil)

	select {
	case r := <-result:
		if r != Timeout {
			t.Fatalf("Wait() = %v, want Timeout", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("wait never returned")
	}
}

func TestWakeOneWakesExactlyOneWaiter(t *testing.T) {
	s := sched.New(sched.ModeCooperative, 0)
	table := NewTable(s)
	obj := new(struct{})

	results := make(chan Result, 2)
	for i := 0; i < 2; i++ {
		s.SpawnPriority("waiter", 10, true, func(self *sched.Thread, arg interface{}) interface{} {
			results <- table.Wait(self, obj, "test", 0)
			return nil
		}, nil)
	}

	// The table's own mutex serializes Wait registration; poll until both
	// waiters are parked before waking one, rather than racing a fixed
	// sleep against however long dispatch takes.
	deadline := time.Now().Add(time.Second)
	for table.Waiting(obj) < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if n := table.Waiting(obj); n != 2 {
		t.Fatalf("Waiting(obj) = %d, want 2", n)
	}

	table.WakeOne(obj)

	select {
	case r := <-results:
		if r != Ok {
			t.Fatalf("first waiter result = %v, want Ok", r)
		}
	case <-time.After(time.Second):
		t.Fatal("woken waiter never returned")
	}

	if n := table.Waiting(obj); n != 1 {
		t.Fatalf("Waiting(obj) after WakeOne = %d, want 1", n)
	}
	table.WakeAll(obj)
	select {
	case <-results:
	case <-time.After(time.Second):
		t.Fatal("second waiter never returned after WakeAll")
	}
}
