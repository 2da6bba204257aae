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

// Package block implements the ext2 block cache and the block-number
// translation between the filesystem's block size and the underlying
// device's native block size (spec.md §4.8).
package block

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"reefos.dev/kernel/pkg/device"
	"reefos.dev/kernel/pkg/errs"
)

// Slot is one cached filesystem block (spec.md §3.4): a data buffer
// plus a dirty flag. Valid is implicit in the slot's presence in the
// cache — a slot the cache doesn't hold is, by definition, not valid.
type Slot struct {
	Block uint32
	Dirty bool
	Data  []byte
}

// Cache is the ext2 block cache: a fixed-capacity MRU index over block
// slots, backed by github.com/hashicorp/golang-lru/v2 (the same "oldest
// entry evicted first" shape spec.md §3.4 describes, with the eviction
// callback used to write back dirty data before the slot is reused —
// the Go analogue of the teacher's own pkg/lru, generalized with a
// write-back hook ext2 needs and the reference implementation does not).
type Cache struct {
	mu        sync.Mutex
	dev       device.BlockDevice
	blockSize uint32
	fsBlocks  uint32
	shift     uint32 // s_log_block_size - device_log_block_size + 10
	cache     *lru.Cache[uint32, *Slot]
	readOnly  bool
}

// New creates a cache of the given slot capacity over dev, for a
// filesystem with the given block size (in bytes) and total block
// count. shift is the left-shift applied to a filesystem block number
// to obtain the device's native block number (spec.md §6.1).
func New(dev device.BlockDevice, capacity int, blockSize, fsBlocks uint32, shift uint32, readOnly bool) (*Cache, error) {
	c := &Cache{dev: dev, blockSize: blockSize, fsBlocks: fsBlocks, shift: shift, readOnly: readOnly}
	backing, err := lru.NewWithEvict(capacity, func(_ uint32, slot *Slot) {
		if slot.Dirty && !c.readOnly {
			c.writeThrough(slot.Block, slot.Data)
		}
	})
	if err != nil {
		return nil, err
	}
	c.cache = backing
	return c, nil
}

func (c *Cache) writeThrough(fsBlock uint32, data []byte) error {
	if fsBlock >= c.fsBlocks {
		return errs.ErrInvalidArgument
	}
	if err := c.dev.WriteBlocks(uint64(fsBlock)<<c.shift, 1<<c.shift, data); err != nil {
		return errs.ErrIO
	}
	return nil
}

func (c *Cache) readThrough(fsBlock uint32) ([]byte, error) {
	if fsBlock >= c.fsBlocks {
		return nil, errs.ErrInvalidArgument
	}
	buf := make([]byte, c.blockSize)
	if err := c.dev.ReadBlocks(uint64(fsBlock)<<c.shift, 1<<c.shift, buf); err != nil {
		return nil, errs.ErrIO
	}
	return buf, nil
}

// Read returns the slot holding fsBlock, fetching it from the device on
// a cache miss and bubbling it to the MRU position either way.
func (c *Cache) Read(fsBlock uint32) (*Slot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if slot, ok := c.cache.Get(fsBlock); ok {
		return slot, nil
	}
	data, err := c.readThrough(fsBlock)
	if err != nil {
		return nil, err
	}
	slot := &Slot{Block: fsBlock, Data: data}
	c.cache.Add(fsBlock, slot)
	return slot, nil
}

// MarkDirty flags fsBlock's cached slot dirty and bubbles it to MRU.
// Blocks not currently cached cannot be marked dirty — spec.md §4.8's
// invariant that callers always hold a cached slot pointer before
// mutating it.
func (c *Cache) MarkDirty(fsBlock uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	slot, ok := c.cache.Get(fsBlock)
	if !ok {
		return errs.ErrInvalidArgument
	}
	slot.Dirty = true
	return nil
}

// WriteBack flushes every dirty slot to the device and clears Dirty.
// A no-op on a read-only mount.
func (c *Cache) WriteBack() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readOnly {
		return nil
	}
	for _, key := range c.cache.Keys() {
		slot, ok := c.cache.Peek(key)
		if !ok || !slot.Dirty {
			continue
		}
		if err := c.writeThrough(slot.Block, slot.Data); err != nil {
			return err
		}
		slot.Dirty = false
	}
	return nil
}

// Bitmap utilities, operating on a packed little-endian uint32 array
// (spec.md §4.8).

// Test reports whether bit i is set.
func Test(bitmap []byte, i uint32) bool {
	return bitmap[i/8]&(1<<(i%8)) != 0
}

// SetBit sets bit i.
func SetBit(bitmap []byte, i uint32) {
	bitmap[i/8] |= 1 << (i % 8)
}

// ClearBit clears bit i.
func ClearBit(bitmap []byte, i uint32) {
	bitmap[i/8] &^= 1 << (i % 8)
}

// FindFirstZero scans [start, limit) for the first clear bit, returning
// ok=false if the whole range is set.
func FindFirstZero(bitmap []byte, start, limit uint32) (idx uint32, ok bool) {
	for i := start; i < limit; i++ {
		if !Test(bitmap, i) {
			return i, true
		}
	}
	return 0, false
}

// PopCount counts set bits in the first n bits of bitmap (used by the
// bitmap-count invariant in spec.md §8).
func PopCount(bitmap []byte, n uint32) uint32 {
	var count uint32
	for i := uint32(0); i < n; i++ {
		if Test(bitmap, i) {
			count++
		}
	}
	return count
}
