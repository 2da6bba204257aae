package sched

import "testing"

func mkThread(id uint32, prio int) *Thread {
	return &Thread{ID: id, Priority: prio}
}

func TestInsertTailOrdersByPriorityFIFOWithinBand(t *testing.T) {
	var q runQueue
	q.insert(mkThread(1, 10), insertTail)
	q.insert(mkThread(2, 5), insertTail)
	q.insert(mkThread(3, 10), insertTail)

	want := []uint32{2, 1, 3}
	for _, id := range want {
		got := q.popHighest()
		if got == nil || got.ID != id {
			t.Fatalf("popHighest() = %v, want thread %d", got, id)
		}
	}
}

func TestInsertHeadPlacesBeforeEqualPriorityPeers(t *testing.T) {
	var q runQueue
	q.insert(mkThread(1, 10), insertTail)
	q.insert(mkThread(2, 10), insertHead)

	if got := q.popHighest(); got == nil || got.ID != 2 {
		t.Fatalf("popHighest() = %v, want thread 2 (insertHead peer)", got)
	}
	if got := q.popHighest(); got == nil || got.ID != 1 {
		t.Fatalf("popHighest() = %v, want thread 1", got)
	}
}

func TestRemoveDropsQueuedThread(t *testing.T) {
	var q runQueue
	a := mkThread(1, 10)
	b := mkThread(2, 10)
	q.insert(a, insertTail)
	q.insert(b, insertTail)

	if !q.remove(a) {
		t.Fatal("remove(a) = false, want true")
	}
	if q.remove(a) {
		t.Fatal("second remove(a) = true, want false (already removed)")
	}
	if got := q.popHighest(); got != b {
		t.Fatalf("popHighest() = %v, want thread b", got)
	}
	if q.popHighest() != nil {
		t.Fatal("expected empty queue")
	}
}
