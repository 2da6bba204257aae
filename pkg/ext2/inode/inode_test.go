package inode

import (
	"testing"

	"reefos.dev/kernel/pkg/device"
	"reefos.dev/kernel/pkg/ext2/block"
)

func TestDiskRoundTrips(t *testing.T) {
	d := Disk{Mode: TypeReg | 0644, LinksCount: 1, SizeLo: 42}
	d.Block[0] = 7
	got := ParseDisk(MarshalDisk(d))
	if got.Mode != d.Mode || got.SizeLo != d.SizeLo || got.Block[0] != 7 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestSize64HonorsLargeFile(t *testing.T) {
	d := Disk{Mode: TypeReg, SizeLo: 100, DirACL: 1}
	if got := d.Size64(false); got != 100 {
		t.Fatalf("expected 32-bit size without large-file, got %d", got)
	}
	if got := d.Size64(true); got != (uint64(1)<<32 | 100) {
		t.Fatalf("expected 64-bit size with large-file, got %d", got)
	}
}

func TestCacheGetMissReadsThroughAndCaches(t *testing.T) {
	reads := 0
	c := New(4, func(fs, n uint32) (Disk, error) {
		reads++
		return Disk{Mode: TypeReg, LinksCount: 1}, nil
	}, func(fs, n uint32, d Disk) error { return nil })

	s1, err := c.Get(0, 5)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	c.Put(s1)

	s2, err := c.Get(0, 5)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if s1 != s2 {
		t.Fatal("expected revived slot to be the same object")
	}
	if reads != 1 {
		t.Fatalf("expected exactly one disk read, got %d", reads)
	}
}

func TestCacheDirtySlotWrittenBackBeforeEviction(t *testing.T) {
	written := map[uint32]Disk{}
	c := New(1, func(fs, n uint32) (Disk, error) {
		return Disk{Mode: TypeReg}, nil
	}, func(fs, n uint32, d Disk) error {
		written[n] = d
		return nil
	})

	s1, _ := c.Get(0, 1)
	c.MarkDirty(s1)
	s1.Disk.SizeLo = 99
	c.Put(s1)

	if _, err := c.Get(0, 2); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if written[1].SizeLo != 99 {
		t.Fatalf("expected dirty slot written back by the time it is evicted, got %+v", written[1])
	}
}

func TestReadBlockDirect(t *testing.T) {
	dev := device.NewMemBlockDevice(10, 64)
	bc, err := block.New(dev, 8, 1024, 64, 0, false)
	if err != nil {
		t.Fatalf("block.New: %v", err)
	}
	d := Disk{}
	d.Block[3] = 20

	bn, err := ReadBlock(bc, d, 1024, 3)
	if err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	if bn != 20 {
		t.Fatalf("expected direct block 20, got %d", bn)
	}
}

func TestAllocAndReadSinglyIndirectBlock(t *testing.T) {
	dev := device.NewMemBlockDevice(10, 128)
	bc, err := block.New(dev, 16, 1024, 128, 0, false)
	if err != nil {
		t.Fatalf("block.New: %v", err)
	}
	next := uint32(30)
	alloc := func() (uint32, error) {
		bn := next
		next++
		return bn, nil
	}

	d := Disk{}
	logicalBlock := uint32(DirectBlocks + 5) // inside the singly-indirect table
	bn, err := AllocBlock(bc, &d, 1024, 0, logicalBlock, alloc)
	if err != nil {
		t.Fatalf("AllocBlock: %v", err)
	}
	if bn == 0 {
		t.Fatal("expected non-zero allocated block")
	}
	if d.Block[12] == 0 {
		t.Fatal("expected singly-indirect table pointer populated")
	}

	got, err := ReadBlock(bc, d, 1024, logicalBlock)
	if err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	if got != bn {
		t.Fatalf("expected ReadBlock to find allocated block %d, got %d", bn, got)
	}
}
