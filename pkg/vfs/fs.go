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

package vfs

import (
	"sync"
	"time"

	"reefos.dev/kernel/pkg/device"
	"reefos.dev/kernel/pkg/errs"
	"reefos.dev/kernel/pkg/ext2/block"
	"reefos.dev/kernel/pkg/ext2/inode"
	"reefos.dev/kernel/pkg/ext2/superblock"
)

// blockCacheSlots is the default MRU block-cache capacity per mount.
const blockCacheSlots = 256

// inodeCacheSlots is the default inode-cache capacity per mount.
const inodeCacheSlots = 128

// Filesystem is one mounted ext2 volume: the parsed superblock and
// block-group descriptor table, the block and inode caches layered on
// top of the underlying device, and the counters that track free
// blocks/inodes (spec.md §3.6).
type Filesystem struct {
	mu sync.Mutex

	id       uint32
	dev      device.BlockDevice
	readOnly bool

	sb      superblock.Superblock
	sbDirty superblock.Dirty
	groups  []superblock.GroupDesc

	blocks *block.Cache
	inodes *inode.Cache
}

// nextFSID hands out distinct small identifiers for the inode cache's
// (fs, number) key space, since a process may mount more than one ext2
// volume at once.
var (
	fsIDMu   sync.Mutex
	nextFSID uint32 = 1
)

func allocFSID() uint32 {
	fsIDMu.Lock()
	defer fsIDMu.Unlock()
	id := nextFSID
	nextFSID++
	return id
}

// Mount reads the superblock and block-group descriptor table off dev
// and wires up the block and inode caches (spec.md §3.6, §6.3).
func Mount(dev device.BlockDevice, readOnly bool) (*Filesystem, error) {
	sb, err := superblock.Read(dev)
	if err != nil {
		return nil, err
	}

	devLog := dev.LogBlockSize()
	fsLog := 10 + sb.LogBlockSize
	var shift uint32
	if fsLog >= devLog {
		shift = fsLog - devLog
	}

	fs := &Filesystem{
		id:       allocFSID(),
		dev:      dev,
		readOnly: readOnly,
		sb:       sb,
	}

	bc, err := block.New(dev, blockCacheSlots, sb.BlockSize(), sb.BlocksCount, shift, readOnly)
	if err != nil {
		return nil, err
	}
	fs.blocks = bc

	if err := fs.readGroupDescs(); err != nil {
		return nil, err
	}

	fs.inodes = inode.New(inodeCacheSlots, fs.readInode, fs.writeInode)
	return fs, nil
}

// groupDescBlock returns the filesystem block holding the start of the
// block-group descriptor table, which immediately follows the primary
// superblock's block.
func (fs *Filesystem) groupDescBlock() uint32 {
	return fs.sb.FirstDataBlock + 1
}

func (fs *Filesystem) readGroupDescs() error {
	count := superblock.GroupCount(fs.sb)
	bytesNeeded := count * 32
	blocksNeeded := (bytesNeeded + fs.sb.BlockSize() - 1) / fs.sb.BlockSize()

	buf := make([]byte, 0, blocksNeeded*fs.sb.BlockSize())
	base := fs.groupDescBlock()
	for i := uint32(0); i < blocksNeeded; i++ {
		slot, err := fs.blocks.Read(base + i)
		if err != nil {
			return err
		}
		buf = append(buf, slot.Data...)
	}
	fs.groups = superblock.ParseGroupDescs(buf, count)
	return nil
}

func (fs *Filesystem) writeGroupDescs() error {
	buf := superblock.MarshalGroupDescs(fs.groups)
	base := fs.groupDescBlock()
	bs := fs.sb.BlockSize()
	for i := 0; uint32(i)*bs < uint32(len(buf)); i++ {
		fsBlock := base + uint32(i)
		slot, err := fs.blocks.Read(fsBlock)
		if err != nil {
			return err
		}
		start := uint32(i) * bs
		end := start + bs
		if end > uint32(len(buf)) {
			end = uint32(len(buf))
		}
		copy(slot.Data, buf[start:end])
		if err := fs.blocks.MarkDirty(fsBlock); err != nil {
			return err
		}
	}
	return nil
}

// writeSuperblockLocked flushes the in-memory superblock (and its sparse
// backup copies) to the block cache.
func (fs *Filesystem) writeSuperblockLocked() error {
	if fs.readOnly || !fs.sbDirty.IsSet() {
		return nil
	}
	buf := superblock.Marshal(fs.sb)
	for _, bg := range superblock.BackupGroups(fs.sb) {
		fsBlock := superblock.FirstBlockOfGroup(fs.sb, bg)
		slot, err := fs.blocks.Read(fsBlock)
		if err != nil {
			return err
		}
		if bg == 0 && fs.sb.FirstDataBlock == 0 {
			// Block sizes above 1 KiB: the primary sits 1024 bytes into block 0.
			copy(slot.Data[superblock.Offset:superblock.Offset+superblock.Size], buf)
		} else {
			copy(slot.Data[:superblock.Size], buf)
		}
		if err := fs.blocks.MarkDirty(fsBlock); err != nil {
			return err
		}
	}
	fs.sbDirty.Clear()
	return nil
}

// Sync flushes the superblock, group descriptor table, and every dirty
// block to the underlying device (spec.md §3.4).
func (fs *Filesystem) Sync() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.writeSuperblockLocked(); err != nil {
		return err
	}
	if err := fs.writeGroupDescs(); err != nil {
		return err
	}
	return fs.blocks.WriteBack()
}

// readInode is the inode cache's read-through hook.
func (fs *Filesystem) readInode(_ uint32, n uint32) (inode.Disk, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if n == 0 || n > fs.sb.InodesCount {
		return inode.Disk{}, errs.ErrInvalidArgument
	}
	bg := (n - 1) / fs.sb.InodesPerGroup
	idx := (n - 1) % fs.sb.InodesPerGroup
	if int(bg) >= len(fs.groups) {
		return inode.Disk{}, errs.ErrInvalidArgument
	}
	inodeSize := uint32(fs.sb.InodeSize)
	if inodeSize == 0 {
		inodeSize = inode.Size
	}
	perBlock := fs.sb.BlockSize() / inodeSize
	tableBlock := fs.groups[bg].InodeTable + idx/perBlock
	off := (idx % perBlock) * inodeSize

	slot, err := fs.blocks.Read(tableBlock)
	if err != nil {
		return inode.Disk{}, err
	}
	return inode.ParseDisk(slot.Data[off : off+inode.Size]), nil
}

// writeInode is the inode cache's write-back hook.
func (fs *Filesystem) writeInode(_ uint32, n uint32, d inode.Disk) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.readOnly {
		return errs.ErrReadOnly
	}
	bg := (n - 1) / fs.sb.InodesPerGroup
	idx := (n - 1) % fs.sb.InodesPerGroup
	inodeSize := uint32(fs.sb.InodeSize)
	if inodeSize == 0 {
		inodeSize = inode.Size
	}
	perBlock := fs.sb.BlockSize() / inodeSize
	tableBlock := fs.groups[bg].InodeTable + idx/perBlock
	off := (idx % perBlock) * inodeSize

	slot, err := fs.blocks.Read(tableBlock)
	if err != nil {
		return err
	}
	copy(slot.Data[off:off+inode.Size], inode.MarshalDisk(d))
	return fs.blocks.MarkDirty(tableBlock)
}

// allocBlockInGroup scans block group bg's bitmap for a free block.
func (fs *Filesystem) allocBlockInGroup(bg uint32) (uint32, bool, error) {
	g := fs.groups[bg]
	if g.FreeBlocks == 0 {
		return 0, false, nil
	}
	slot, err := fs.blocks.Read(g.BlockBitmap)
	if err != nil {
		return 0, false, err
	}
	idx, ok := block.FindFirstZero(slot.Data, 0, fs.sb.BlocksPerGroup)
	if !ok {
		return 0, false, nil
	}
	block.SetBit(slot.Data, idx)
	if err := fs.blocks.MarkDirty(g.BlockBitmap); err != nil {
		return 0, false, err
	}
	fs.groups[bg].FreeBlocks--
	fs.sb.FreeBlocksCount--
	fs.sbDirty.Set()

	bn := fs.sb.FirstDataBlock + bg*fs.sb.BlocksPerGroup + idx
	return bn, true, nil
}

// AllocBlock allocates a free filesystem block, preferring group
// preferredGroup and falling back to a scan of every group on
// exhaustion (spec.md §4.9 "inode_alloc_block" / the analogous block
// allocator it relies on).
func (fs *Filesystem) AllocBlock(preferredGroup uint32) (uint32, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.readOnly {
		return 0, errs.ErrReadOnly
	}
	n := uint32(len(fs.groups))
	if n == 0 {
		return 0, errs.ErrNoSpace
	}
	for i := uint32(0); i < n; i++ {
		bg := (preferredGroup + i) % n
		bn, ok, err := fs.allocBlockInGroup(bg)
		if err != nil {
			return 0, err
		}
		if ok {
			return bn, nil
		}
	}
	return 0, errs.ErrNoSpace
}

// FreeBlock clears bn's bit in its group's block bitmap and restores
// the free-block counters.
func (fs *Filesystem) FreeBlock(bn uint32) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.readOnly {
		return errs.ErrReadOnly
	}
	if bn < fs.sb.FirstDataBlock {
		return nil
	}
	rel := bn - fs.sb.FirstDataBlock
	bg := rel / fs.sb.BlocksPerGroup
	idx := rel % fs.sb.BlocksPerGroup
	if int(bg) >= len(fs.groups) {
		return errs.ErrInvalidArgument
	}
	slot, err := fs.blocks.Read(fs.groups[bg].BlockBitmap)
	if err != nil {
		return err
	}
	block.ClearBit(slot.Data, idx)
	if err := fs.blocks.MarkDirty(fs.groups[bg].BlockBitmap); err != nil {
		return err
	}
	fs.groups[bg].FreeBlocks++
	fs.sb.FreeBlocksCount++
	fs.sbDirty.Set()
	return nil
}

// AllocInode allocates a free inode, preferring parent's block group
// (spec.md §4.9 "inode_alloc": "prefer the parent's block group; on
// exhaustion scan all groups").
func (fs *Filesystem) AllocInode(preferredGroup uint32, isDir bool) (uint32, error) {
	fs.mu.Lock()
	if fs.readOnly {
		fs.mu.Unlock()
		return 0, errs.ErrReadOnly
	}
	n := uint32(len(fs.groups))
	var found uint32
	var ok bool
	for i := uint32(0); i < n && !ok; i++ {
		bg := (preferredGroup + i) % n
		g := fs.groups[bg]
		if g.FreeInodes == 0 {
			continue
		}
		slot, err := fs.blocks.Read(g.InodeBitmap)
		if err != nil {
			fs.mu.Unlock()
			return 0, err
		}
		idx, hit := block.FindFirstZero(slot.Data, 0, fs.sb.InodesPerGroup)
		if !hit {
			continue
		}
		block.SetBit(slot.Data, idx)
		if err := fs.blocks.MarkDirty(g.InodeBitmap); err != nil {
			fs.mu.Unlock()
			return 0, err
		}
		fs.groups[bg].FreeInodes--
		if isDir {
			fs.groups[bg].UsedDirs++
		}
		fs.sb.FreeInodesCount--
		fs.sbDirty.Set()
		found = bg*fs.sb.InodesPerGroup + idx + 1
		ok = true
	}
	fs.mu.Unlock()
	if !ok {
		return 0, errs.ErrNoSpace
	}

	slot, err := fs.inodes.Get(fs.id, found)
	if err != nil {
		return 0, err
	}
	slot.Disk = inode.Disk{}
	fs.inodes.MarkDirty(slot)
	if err := fs.inodes.Put(slot); err != nil {
		return 0, err
	}
	return found, nil
}

// FreeInode clears n's bit in the inode bitmap and restores the
// free-inode counters. isDir decrements the group's used-directory
// count to match.
func (fs *Filesystem) FreeInode(n uint32, isDir bool) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.readOnly {
		return errs.ErrReadOnly
	}
	bg := (n - 1) / fs.sb.InodesPerGroup
	idx := (n - 1) % fs.sb.InodesPerGroup
	if int(bg) >= len(fs.groups) {
		return errs.ErrInvalidArgument
	}
	slot, err := fs.blocks.Read(fs.groups[bg].InodeBitmap)
	if err != nil {
		return err
	}
	block.ClearBit(slot.Data, idx)
	if err := fs.blocks.MarkDirty(fs.groups[bg].InodeBitmap); err != nil {
		return err
	}
	fs.groups[bg].FreeInodes++
	if isDir && fs.groups[bg].UsedDirs > 0 {
		fs.groups[bg].UsedDirs--
	}
	fs.sb.FreeInodesCount++
	fs.sbDirty.Set()
	return nil
}

// FreeAll walks d's direct, singly-, doubly-, and triply-indirect
// blocks, freeing every allocated data and indirect-table block
// (spec.md §4.9 "inode_free_all"). forDelete additionally frees the
// inode itself and stamps Dtime.
func (fs *Filesystem) FreeAll(n uint32, d *inode.Disk, isDir bool, forDelete bool) error {
	bpi := fs.sb.BlockSize() / 4

	var freeIndirect func(table uint32, depth int) error
	freeIndirect = func(table uint32, depth int) error {
		if table == 0 {
			return nil
		}
		if depth > 0 {
			slot, err := fs.blocks.Read(table)
			if err != nil {
				return err
			}
			ptrs := make([]uint32, bpi)
			for i := range ptrs {
				ptrs[i] = le32(slot.Data, int(i)*4)
			}
			for _, p := range ptrs {
				if p != 0 {
					if err := freeIndirect(p, depth-1); err != nil {
						return err
					}
				}
			}
		}
		return fs.FreeBlock(table)
	}

	for i := 0; i < inode.DirectBlocks; i++ {
		if d.Block[i] != 0 {
			if err := fs.FreeBlock(d.Block[i]); err != nil {
				return err
			}
			d.Block[i] = 0
		}
	}
	if err := freeIndirect(d.Block[12], 0); err != nil {
		return err
	}
	if err := freeIndirect(d.Block[13], 1); err != nil {
		return err
	}
	if err := freeIndirect(d.Block[14], 2); err != nil {
		return err
	}
	d.Block[12], d.Block[13], d.Block[14] = 0, 0, 0
	d.Blocks = 0

	if forDelete {
		d.Dtime = uint32(time.Now().Unix())
		if err := fs.FreeInode(n, isDir); err != nil {
			return err
		}
	}
	return nil
}

func le32(b []byte, off int) uint32 {
	return uint32(b[off]) | uint32(b[off+1])<<8 | uint32(b[off+2])<<16 | uint32(b[off+3])<<24
}

// GetInode returns a referenced inode handle, validating the inode
// bitmap before trusting what's on disk (spec.md §4.9: "validate in the
// inode bitmap — reject unallocated inodes").
func (fs *Filesystem) GetInode(n uint32) (*inode.Slot, error) {
	if !fs.inodeAllocated(n) {
		return nil, errs.ErrNotFound
	}
	return fs.inodes.Get(fs.id, n)
}

func (fs *Filesystem) inodeAllocated(n uint32) bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if n == 0 || n > fs.sb.InodesCount {
		return false
	}
	bg := (n - 1) / fs.sb.InodesPerGroup
	idx := (n - 1) % fs.sb.InodesPerGroup
	if int(bg) >= len(fs.groups) {
		return false
	}
	slot, err := fs.blocks.Read(fs.groups[bg].InodeBitmap)
	if err != nil {
		return false
	}
	return block.Test(slot.Data, idx)
}

// PutInode releases a reference obtained from GetInode.
func (fs *Filesystem) PutInode(slot *inode.Slot) error {
	return fs.inodes.Put(slot)
}

// MarkInodeDirty flags slot dirty; the next Put or eviction writes it
// back.
func (fs *Filesystem) MarkInodeDirty(slot *inode.Slot) {
	fs.inodes.MarkDirty(slot)
}

// Blocks exposes the mount's block cache to callers (dir, path
// resolution) that need it directly.
func (fs *Filesystem) Blocks() *block.Cache { return fs.blocks }

// BlockSize returns the filesystem's native block size in bytes.
func (fs *Filesystem) BlockSize() uint32 { return fs.sb.BlockSize() }

// LogBlockSize returns s_log_block_size.
func (fs *Filesystem) LogBlockSize() uint32 { return fs.sb.LogBlockSize }

// LargeFile reports whether the ro_compat LARGE_FILE feature is set.
func (fs *Filesystem) LargeFile() bool {
	return fs.sb.FeatureROCompat&superblock.FeatureROLargeFile != 0
}

// ReadOnly reports whether the mount rejects mutation.
func (fs *Filesystem) ReadOnly() bool { return fs.readOnly }

// symlinkTarget reads a symlink inode's target path.
func (fs *Filesystem) symlinkTarget(d inode.Disk) (string, error) {
	return inode.ReadSymlink(fs.blocks, d, fs.sb.BlockSize())
}

// writeSymlinkTarget stores a symlink target, inline in i_block when it
// fits (NUL included) or else in allocated data blocks, mirroring the
// read-side split in inode.ReadSymlink (spec.md §4.10).
func (fs *Filesystem) writeSymlinkTarget(d *inode.Disk, target string) error {
	if len(target) > inode.SymlinkMax {
		return errs.ErrNameTooLong
	}
	if len(target)+1 <= 60 {
		var raw [60]byte
		copy(raw[:], target)
		for i := 0; i < 15; i++ {
			d.Block[i] = le32(raw[i*4:], 0)
		}
		d.Blocks = 0
		d.SizeLo = uint32(len(target))
		return nil
	}

	blockSize := fs.sb.BlockSize()
	remaining := []byte(target)
	var lb uint32
	for len(remaining) > 0 {
		bn, err := inode.AllocBlock(fs.blocks, d, blockSize, fs.sb.LogBlockSize, lb, func() (uint32, error) {
			return fs.AllocBlock(0)
		})
		if err != nil {
			return err
		}
		slot, err := fs.blocks.Read(bn)
		if err != nil {
			return err
		}
		written := copy(slot.Data, remaining)
		if err := fs.blocks.MarkDirty(bn); err != nil {
			return err
		}
		remaining = remaining[written:]
		lb++
	}
	d.SizeLo = uint32(len(target))
	return nil
}

// blockAllocator adapts this mount's block allocator to the
// inode.Allocator signature dir and inode operations expect.
func (fs *Filesystem) blockAllocator(preferredGroup uint32) inode.Allocator {
	return func() (uint32, error) { return fs.AllocBlock(preferredGroup) }
}

// syncDirSize recomputes a directory inode's i_size from its current
// block count. dir.AddEntry/CreateEmpty grow d.Blocks when they append
// a data block but, like the original driver, leave i_size to the
// caller — every directory-mutating VFS operation calls this
// afterward.
func (fs *Filesystem) syncDirSize(d *inode.Disk) {
	d.SizeLo = (d.Blocks / (2 << fs.sb.LogBlockSize)) * fs.sb.BlockSize()
}
