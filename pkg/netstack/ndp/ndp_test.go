package ndp

import (
	"testing"
	"time"
)

func TestResolveFlushesPending(t *testing.T) {
	c := NewCache()
	ip := [16]byte{0xfe, 0x80, 15: 1}
	c.QueuePending(ip, []byte("frame"))

	pending := c.Resolve(ip, [6]byte{1, 2, 3, 4, 5, 6})
	if string(pending) != "frame" {
		t.Fatalf("expected queued frame flushed, got %q", pending)
	}
	if hw, ok := c.Lookup(ip); !ok || hw != ([6]byte{1, 2, 3, 4, 5, 6}) {
		t.Fatalf("expected resolved entry, got %v ok=%v", hw, ok)
	}
}

func TestLookupMissBeforeResolve(t *testing.T) {
	c := NewCache()
	if _, ok := c.Lookup([16]byte{1}); ok {
		t.Fatal("expected miss on unresolved address")
	}
}

func TestExpireDropsStaleEntries(t *testing.T) {
	c := NewCache()
	ip := [16]byte{0xfe, 0x80, 15: 2}
	c.Resolve(ip, [6]byte{9, 9, 9, 9, 9, 9})

	c.Expire(time.Now().Add(EntryAge + time.Second))
	if _, ok := c.Lookup(ip); ok {
		t.Fatal("expected stale entry expired")
	}
}
