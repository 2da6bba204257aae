package block

import (
	"testing"

	"reefos.dev/kernel/pkg/device"
)

func newTestCache(t *testing.T, capacity int) (*Cache, *device.MemBlockDevice) {
	t.Helper()
	dev := device.NewMemBlockDevice(10, 64)
	c, err := New(dev, capacity, 1024, 64, 0, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, dev
}

func TestReadThroughOnMiss(t *testing.T) {
	c, dev := newTestCache(t, 4)
	dev.WriteBlocks(5, 1, append([]byte("hello..."), make([]byte, 1024-8)...))

	slot, err := c.Read(5)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(slot.Data[:5]) != "hello" {
		t.Fatalf("expected read-through content, got %q", slot.Data[:5])
	}
}

func TestMarkDirtyRequiresCachedSlot(t *testing.T) {
	c, _ := newTestCache(t, 4)
	if err := c.MarkDirty(5); err == nil {
		t.Fatal("expected error marking dirty an uncached block")
	}
	if _, err := c.Read(5); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if err := c.MarkDirty(5); err != nil {
		t.Fatalf("MarkDirty: %v", err)
	}
}

func TestEvictionWritesBackDirtySlot(t *testing.T) {
	c, dev := newTestCache(t, 1)
	slot, _ := c.Read(0)
	copy(slot.Data, []byte("dirty!!!"))
	c.MarkDirty(0)

	// Reading a second block with capacity 1 evicts block 0, which must
	// write back before reuse.
	if _, err := c.Read(1); err != nil {
		t.Fatalf("Read: %v", err)
	}

	buf := make([]byte, 1024)
	dev.ReadBlocks(0, 1, buf)
	if string(buf[:8]) != "dirty!!!" {
		t.Fatalf("expected evicted dirty slot written back, got %q", buf[:8])
	}
}

func TestBitmapFindFirstZero(t *testing.T) {
	bm := make([]byte, 4)
	SetBit(bm, 0)
	SetBit(bm, 1)
	SetBit(bm, 2)

	idx, ok := FindFirstZero(bm, 0, 32)
	if !ok || idx != 3 {
		t.Fatalf("expected first zero at 3, got %d ok=%v", idx, ok)
	}
}

func TestBitmapPopCount(t *testing.T) {
	bm := make([]byte, 4)
	SetBit(bm, 0)
	SetBit(bm, 5)
	SetBit(bm, 10)
	if got := PopCount(bm, 32); got != 3 {
		t.Fatalf("expected 3 set bits, got %d", got)
	}
	ClearBit(bm, 5)
	if got := PopCount(bm, 32); got != 2 {
		t.Fatalf("expected 2 set bits after clear, got %d", got)
	}
}
