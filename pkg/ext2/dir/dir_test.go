package dir

import (
	"testing"

	"reefos.dev/kernel/pkg/device"
	"reefos.dev/kernel/pkg/ext2/block"
	"reefos.dev/kernel/pkg/ext2/inode"
)

func newFixture(t *testing.T) (*block.Cache, inode.Allocator) {
	t.Helper()
	dev := device.NewMemBlockDevice(10, 64)
	bc, err := block.New(dev, 16, 1024, 64, 0, false)
	if err != nil {
		t.Fatalf("block.New: %v", err)
	}
	next := uint32(10)
	alloc := func() (uint32, error) {
		bn := next
		next++
		return bn, nil
	}
	return bc, alloc
}

func TestCreateEmptyThenLookupDotDot(t *testing.T) {
	bc, alloc := newFixture(t)
	d := inode.Disk{}
	if err := CreateEmpty(bc, &d, 1024, 0, 100, 2, alloc); err != nil {
		t.Fatalf("CreateEmpty: %v", err)
	}

	e, ok, err := Lookup(bc, d, 1024, 0, "..")
	if err != nil || !ok {
		t.Fatalf("expected '..' entry, ok=%v err=%v", ok, err)
	}
	if e.Inode != 2 {
		t.Fatalf("expected parent inode 2, got %d", e.Inode)
	}

	empty, err := IsEmpty(bc, d, 1024, 0)
	if err != nil || !empty {
		t.Fatalf("expected fresh directory empty, got empty=%v err=%v", empty, err)
	}
}

func TestAddEntryThenLookup(t *testing.T) {
	bc, alloc := newFixture(t)
	d := inode.Disk{}
	if err := CreateEmpty(bc, &d, 1024, 0, 100, 2, alloc); err != nil {
		t.Fatalf("CreateEmpty: %v", err)
	}
	if err := AddEntry(bc, &d, 1024, 0, "hello.txt", 50, FTRegFile, alloc); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}

	e, ok, err := Lookup(bc, d, 1024, 0, "hello.txt")
	if err != nil || !ok {
		t.Fatalf("expected entry found, ok=%v err=%v", ok, err)
	}
	if e.Inode != 50 || e.FileType != FTRegFile {
		t.Fatalf("unexpected entry: %+v", e)
	}

	empty, _ := IsEmpty(bc, d, 1024, 0)
	if empty {
		t.Fatal("expected directory non-empty after adding a file")
	}
}

func TestAddThenRemoveEntryPreservesRecLenInvariant(t *testing.T) {
	bc, alloc := newFixture(t)
	d := inode.Disk{}
	CreateEmpty(bc, &d, 1024, 0, 100, 2, alloc)
	AddEntry(bc, &d, 1024, 0, "a", 50, FTRegFile, alloc)
	AddEntry(bc, &d, 1024, 0, "bb", 51, FTRegFile, alloc)

	removedIno, err := RemoveEntry(bc, d, 1024, 0, "a")
	if err != nil || removedIno != 50 {
		t.Fatalf("RemoveEntry: ino=%d err=%v", removedIno, err)
	}

	if _, ok, _ := Lookup(bc, d, 1024, 0, "a"); ok {
		t.Fatal("expected 'a' gone after removal")
	}
	if _, ok, _ := Lookup(bc, d, 1024, 0, "bb"); !ok {
		t.Fatal("expected 'bb' to survive removal of 'a'")
	}

	// sum(rec_len) == block_size invariant (spec.md §8)
	fsBlock, err := inode.ReadBlock(bc, d, 1024, 0)
	if err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	slot, err := bc.Read(fsBlock)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	var total uint16
	off := 0
	for off < len(slot.Data) {
		e, ok := ParseEntry(slot.Data, off)
		if !ok {
			t.Fatalf("malformed entry at offset %d", off)
		}
		total += e.RecLen
		off += int(e.RecLen)
	}
	if total != 1024 {
		t.Fatalf("expected rec_len sum == block size, got %d", total)
	}
}

func TestRedirectEntryRewritesInode(t *testing.T) {
	bc, alloc := newFixture(t)
	d := inode.Disk{}
	CreateEmpty(bc, &d, 1024, 0, 100, 2, alloc)

	if err := RedirectEntry(bc, d, 1024, 0, "..", 999); err != nil {
		t.Fatalf("RedirectEntry: %v", err)
	}
	e, ok, _ := Lookup(bc, d, 1024, 0, "..")
	if !ok || e.Inode != 999 {
		t.Fatalf("expected '..' redirected to 999, got %+v ok=%v", e, ok)
	}
}
