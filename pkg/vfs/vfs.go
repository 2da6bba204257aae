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

	"reefos.dev/kernel/pkg/errs"
	"reefos.dev/kernel/pkg/ext2/dir"
	"reefos.dev/kernel/pkg/ext2/inode"
)

// OpenMode is the bitmask passed to Open (spec.md §6.5).
type OpenMode uint32

const (
	ORDONLY OpenMode = 1 << iota
	OWRONLY
	ORDWR
	OTRUNC
	OCREAT
	ODIR
	OAPPEND
	ONONBLOCK
	OASYNC
)

func (m OpenMode) writable() bool { return m&(OWRONLY|ORDWR) != 0 }
func (m OpenMode) readable() bool { return m&(ORDONLY|ORDWR) != 0 }

// Whence selects the reference point for Seek.
type Whence int

const (
	SeekSet Whence = iota
	SeekCur
	SeekEnd
)

// StatType classifies what a path names (spec.md §6.5).
type StatType int

const (
	TypeNone StatType = iota
	TypeFile
	TypeDir
	TypePipe
	TypeSymlink
	TypeMeta
)

// Stat describes a path's metadata.
type Stat struct {
	Type  StatType
	Read  bool
	Write bool
	Size  uint64
	Mtime time.Time
}

// handle is one open file descriptor's state.
type handle struct {
	mu     sync.Mutex
	ino    uint32
	slot   *inode.Slot
	mode   OpenMode
	offset int64
	isDir  bool
}

// VFS is the POSIX-style adaptor in front of a mounted ext2 filesystem:
// a small-integer descriptor table plus open/close/read/write/seek/
// readdir/stat/mkdir/rmdir/rename/link/symlink/unlink (spec.md §6.5).
type VFS struct {
	fs *Filesystem

	mu      sync.Mutex
	fds     map[int]*handle
	nextFD  int
	renameM sync.Mutex
}

// New wraps fs in a POSIX descriptor-table adaptor.
func New(fs *Filesystem) *VFS {
	return &VFS{fs: fs, fds: make(map[int]*handle), nextFD: 3}
}

func statTypeOf(d inode.Disk) StatType {
	switch d.Mode & inode.TypeMask {
	case inode.TypeDir:
		return TypeDir
	case inode.TypeLink:
		return TypeSymlink
	case inode.TypeFifo:
		return TypePipe
	case inode.TypeChr, inode.TypeBlock, inode.TypeSock:
		return TypeMeta
	default:
		return TypeFile
	}
}

func fileTypeOf(d inode.Disk) uint8 {
	switch d.Mode & inode.TypeMask {
	case inode.TypeDir:
		return dir.FTDir
	case inode.TypeLink:
		return dir.FTSymlink
	case inode.TypeChr:
		return dir.FTChrdev
	case inode.TypeBlock:
		return dir.FTBlkdev
	case inode.TypeFifo:
		return dir.FTFifo
	case inode.TypeSock:
		return dir.FTSock
	default:
		return dir.FTRegFile
	}
}

func statFromDisk(fs *Filesystem, d inode.Disk) Stat {
	return Stat{
		Type:  statTypeOf(d),
		Read:  true,
		Write: !fs.ReadOnly(),
		Size:  d.Size64(fs.LargeFile()),
		Mtime: time.Unix(int64(d.Mtime), 0),
	}
}

// groupOfInode picks the block group an inode number sits in, used to
// seed AllocInode/AllocBlock locality hints from a known parent.
func (fs *Filesystem) groupOfInode(n uint32) uint32 {
	if fs.sb.InodesPerGroup == 0 {
		return 0
	}
	return (n - 1) / fs.sb.InodesPerGroup
}

func (vfs *VFS) allocFD(h *handle) int {
	vfs.mu.Lock()
	defer vfs.mu.Unlock()
	fd := vfs.nextFD
	vfs.nextFD++
	vfs.fds[fd] = h
	return fd
}

func (vfs *VFS) handleFor(fd int) (*handle, error) {
	vfs.mu.Lock()
	defer vfs.mu.Unlock()
	h, ok := vfs.fds[fd]
	if !ok {
		return nil, errs.ErrBadFileDescriptor
	}
	return h, nil
}

// Open resolves path under mode, optionally creating it when O_CREAT is
// set and truncating an existing regular file when O_TRUNC is set
// (spec.md §6.5).
func (vfs *VFS) Open(path string, mode OpenMode) (int, error) {
	ino, walkErr := vfs.fs.Walk(path, true)
	if walkErr != nil {
		if walkErr != errs.ErrNotFound || mode&OCREAT == 0 {
			return -1, walkErr
		}
		parentIno, name, err := vfs.fs.ResolveParent(path)
		if err != nil {
			return -1, err
		}
		pslot, err := vfs.fs.GetInode(parentIno)
		if err != nil {
			return -1, err
		}
		if pslot.Disk.Mode&inode.TypeMask != inode.TypeDir {
			vfs.fs.PutInode(pslot)
			return -1, errs.ErrNotADirectory
		}
		newIno, err := vfs.fs.AllocInode(vfs.fs.groupOfInode(parentIno), false)
		if err != nil {
			vfs.fs.PutInode(pslot)
			return -1, err
		}
		nslot, err := vfs.fs.GetInode(newIno)
		if err != nil {
			vfs.fs.PutInode(pslot)
			return -1, err
		}
		nslot.Disk.Mode = inode.TypeReg | 0644
		nslot.Disk.LinksCount = 1
		vfs.fs.MarkInodeDirty(nslot)

		if err := dir.AddEntry(vfs.fs.blocks, &pslot.Disk, vfs.fs.BlockSize(), vfs.fs.LogBlockSize(),
			name, newIno, dir.FTRegFile, vfs.fs.blockAllocator(vfs.fs.groupOfInode(parentIno))); err != nil {
			vfs.fs.PutInode(nslot)
			vfs.fs.PutInode(pslot)
			return -1, err
		}
		vfs.fs.syncDirSize(&pslot.Disk)
		vfs.fs.MarkInodeDirty(pslot)
		vfs.fs.PutInode(pslot)
		ino = newIno

		h := &handle{ino: ino, slot: nslot, mode: mode}
		return vfs.allocFD(h), nil
	}

	slot, err := vfs.fs.GetInode(ino)
	if err != nil {
		return -1, err
	}
	isDir := slot.Disk.Mode&inode.TypeMask == inode.TypeDir
	if mode&ODIR != 0 && !isDir {
		vfs.fs.PutInode(slot)
		return -1, errs.ErrNotADirectory
	}
	if isDir && mode.writable() {
		vfs.fs.PutInode(slot)
		return -1, errs.ErrIsADirectory
	}
	if mode&OTRUNC != 0 && mode.writable() && !isDir {
		if err := vfs.fs.FreeAll(ino, &slot.Disk, false, false); err != nil {
			vfs.fs.PutInode(slot)
			return -1, err
		}
		slot.Disk.SetSize64(0, vfs.fs.LargeFile())
		vfs.fs.MarkInodeDirty(slot)
	}

	h := &handle{ino: ino, slot: slot, mode: mode, isDir: isDir}
	if mode&OAPPEND != 0 {
		h.offset = int64(slot.Disk.Size64(vfs.fs.LargeFile()))
	}
	return vfs.allocFD(h), nil
}

// Close releases fd's inode reference.
func (vfs *VFS) Close(fd int) error {
	vfs.mu.Lock()
	h, ok := vfs.fds[fd]
	if ok {
		delete(vfs.fds, fd)
	}
	vfs.mu.Unlock()
	if !ok {
		return errs.ErrBadFileDescriptor
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return vfs.fs.PutInode(h.slot)
}

// Read copies up to len(buf) bytes starting at fd's current offset,
// advancing the offset by the amount read.
func (vfs *VFS) Read(fd int, buf []byte) (int, error) {
	h, err := vfs.handleFor(fd)
	if err != nil {
		return 0, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.mode.readable() {
		return 0, errs.ErrBadFileDescriptor
	}

	size := int64(h.slot.Disk.Size64(vfs.fs.LargeFile()))
	if h.offset >= size {
		return 0, nil
	}
	blockSize := int64(vfs.fs.BlockSize())
	n := 0
	for n < len(buf) && h.offset < size {
		lb := uint32(h.offset / blockSize)
		inBlock := h.offset % blockSize
		fsBlock, err := inode.ReadBlock(vfs.fs.blocks, h.slot.Disk, vfs.fs.BlockSize(), lb)
		if err != nil {
			return n, err
		}
		want := len(buf) - n
		avail := int(blockSize - inBlock)
		if int64(avail) > size-h.offset {
			avail = int(size - h.offset)
		}
		if want > avail {
			want = avail
		}
		if fsBlock == 0 {
			for i := 0; i < want; i++ {
				buf[n+i] = 0
			}
		} else {
			slot, err := vfs.fs.blocks.Read(fsBlock)
			if err != nil {
				return n, err
			}
			copy(buf[n:n+want], slot.Data[inBlock:int(inBlock)+want])
		}
		n += want
		h.offset += int64(want)
	}
	return n, nil
}

// Write stores buf at fd's current offset (or at EOF when O_APPEND is
// set), extending the file and allocating blocks as needed.
func (vfs *VFS) Write(fd int, buf []byte) (int, error) {
	h, err := vfs.handleFor(fd)
	if err != nil {
		return 0, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.mode.writable() {
		return 0, errs.ErrBadFileDescriptor
	}
	if vfs.fs.ReadOnly() {
		return 0, errs.ErrReadOnly
	}
	if h.mode&OAPPEND != 0 {
		h.offset = int64(h.slot.Disk.Size64(vfs.fs.LargeFile()))
	}

	blockSize := int64(vfs.fs.BlockSize())
	n := 0
	alloc := vfs.fs.blockAllocator(vfs.fs.groupOfInode(h.ino))
	for n < len(buf) {
		lb := uint32(h.offset / blockSize)
		inBlock := h.offset % blockSize
		fsBlock, err := inode.AllocBlock(vfs.fs.blocks, &h.slot.Disk, vfs.fs.BlockSize(), vfs.fs.LogBlockSize(), lb, alloc)
		if err != nil {
			return n, err
		}
		slot, err := vfs.fs.blocks.Read(fsBlock)
		if err != nil {
			return n, err
		}
		want := len(buf) - n
		avail := int(blockSize - inBlock)
		if want > avail {
			want = avail
		}
		copy(slot.Data[inBlock:int(inBlock)+want], buf[n:n+want])
		if err := vfs.fs.blocks.MarkDirty(fsBlock); err != nil {
			return n, err
		}
		n += want
		h.offset += int64(want)
	}

	if uint64(h.offset) > h.slot.Disk.Size64(vfs.fs.LargeFile()) {
		h.slot.Disk.SetSize64(uint64(h.offset), vfs.fs.LargeFile())
	}
	vfs.fs.MarkInodeDirty(h.slot)
	return n, nil
}

// Seek repositions fd's offset per whence (spec.md §6.5).
func (vfs *VFS) Seek(fd int, off int64, whence Whence) (int64, error) {
	h, err := vfs.handleFor(fd)
	if err != nil {
		return 0, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	switch whence {
	case SeekSet:
		h.offset = off
	case SeekCur:
		h.offset += off
	case SeekEnd:
		h.offset = int64(h.slot.Disk.Size64(vfs.fs.LargeFile())) + off
	default:
		return 0, errs.ErrInvalidArgument
	}
	if h.offset < 0 {
		h.offset = 0
		return 0, errs.ErrInvalidArgument
	}
	return h.offset, nil
}

// Tell returns fd's current offset.
func (vfs *VFS) Tell(fd int) (int64, error) {
	h, err := vfs.handleFor(fd)
	if err != nil {
		return 0, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.offset, nil
}

// Total returns fd's file size.
func (vfs *VFS) Total(fd int) (int64, error) {
	h, err := vfs.handleFor(fd)
	if err != nil {
		return 0, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return int64(h.slot.Disk.Size64(vfs.fs.LargeFile())), nil
}

// DirEntry is one entry returned by Readdir.
type DirEntry struct {
	Name string
	Ino  uint32
	Type StatType
}

// Readdir lists fd's entries; fd must refer to a directory, whether or
// not it was opened with O_DIR.
func (vfs *VFS) Readdir(fd int) ([]DirEntry, error) {
	h, err := vfs.handleFor(fd)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.isDir {
		return nil, errs.ErrNotADirectory
	}
	entries, err := dir.List(vfs.fs.blocks, h.slot.Disk, vfs.fs.BlockSize(), vfs.fs.LogBlockSize())
	if err != nil {
		return nil, err
	}
	out := make([]DirEntry, 0, len(entries))
	for _, e := range entries {
		t := TypeFile
		switch e.FileType {
		case dir.FTDir:
			t = TypeDir
		case dir.FTSymlink:
			t = TypeSymlink
		case dir.FTFifo, dir.FTSock:
			t = TypePipe
		case dir.FTChrdev, dir.FTBlkdev:
			t = TypeMeta
		}
		out = append(out, DirEntry{Name: e.Name, Ino: e.Inode, Type: t})
	}
	return out, nil
}

// Stat resolves path, following a trailing symlink, and reports its
// metadata (spec.md §6.5).
func (vfs *VFS) Stat(path string) (Stat, error) {
	ino, err := vfs.fs.Walk(path, true)
	if err != nil {
		return Stat{}, err
	}
	slot, err := vfs.fs.GetInode(ino)
	if err != nil {
		return Stat{}, err
	}
	defer vfs.fs.PutInode(slot)
	return statFromDisk(vfs.fs, slot.Disk), nil
}

// Lstat resolves path without following a trailing symlink, so a
// symlink itself reports Type == TypeSymlink.
func (vfs *VFS) Lstat(path string) (Stat, error) {
	ino, err := vfs.fs.Walk(path, false)
	if err != nil {
		return Stat{}, err
	}
	slot, err := vfs.fs.GetInode(ino)
	if err != nil {
		return Stat{}, err
	}
	defer vfs.fs.PutInode(slot)
	return statFromDisk(vfs.fs, slot.Disk), nil
}

// Readlink returns the target of the symlink at path, without
// following it (spec.md §4.10's inline/data-block split, read back
// through fs.symlinkTarget).
func (vfs *VFS) Readlink(path string) (string, error) {
	ino, err := vfs.fs.Walk(path, false)
	if err != nil {
		return "", err
	}
	slot, err := vfs.fs.GetInode(ino)
	if err != nil {
		return "", err
	}
	defer vfs.fs.PutInode(slot)
	if statTypeOf(slot.Disk) != TypeSymlink {
		return "", errs.ErrInvalidArgument
	}
	return vfs.fs.symlinkTarget(slot.Disk)
}

// Mkdir creates an empty directory at path (spec.md §4.10
// "dir_create_empty").
func (vfs *VFS) Mkdir(path string) error {
	if vfs.fs.ReadOnly() {
		return errs.ErrReadOnly
	}
	parentIno, name, err := vfs.fs.ResolveParent(path)
	if err != nil {
		return err
	}
	pslot, err := vfs.fs.GetInode(parentIno)
	if err != nil {
		return err
	}
	defer vfs.fs.PutInode(pslot)
	if pslot.Disk.Mode&inode.TypeMask != inode.TypeDir {
		return errs.ErrNotADirectory
	}
	if _, ok, err := dir.Lookup(vfs.fs.blocks, pslot.Disk, vfs.fs.BlockSize(), vfs.fs.LogBlockSize(), name); err != nil {
		return err
	} else if ok {
		return errs.ErrAlreadyExists
	}

	group := vfs.fs.groupOfInode(parentIno)
	newIno, err := vfs.fs.AllocInode(group, true)
	if err != nil {
		return err
	}
	nslot, err := vfs.fs.GetInode(newIno)
	if err != nil {
		return err
	}
	nslot.Disk.Mode = inode.TypeDir | 0755
	if err := dir.CreateEmpty(vfs.fs.blocks, &nslot.Disk, vfs.fs.BlockSize(), vfs.fs.LogBlockSize(), newIno, parentIno, vfs.fs.blockAllocator(group)); err != nil {
		vfs.fs.PutInode(nslot)
		return err
	}
	vfs.fs.syncDirSize(&nslot.Disk)
	vfs.fs.MarkInodeDirty(nslot)
	if err := vfs.fs.PutInode(nslot); err != nil {
		return err
	}

	if err := dir.AddEntry(vfs.fs.blocks, &pslot.Disk, vfs.fs.BlockSize(), vfs.fs.LogBlockSize(), name, newIno, dir.FTDir, vfs.fs.blockAllocator(group)); err != nil {
		return err
	}
	pslot.Disk.LinksCount++ // the new subdirectory's ".." now references this directory
	vfs.fs.syncDirSize(&pslot.Disk)
	vfs.fs.MarkInodeDirty(pslot)
	return nil
}

// Rmdir removes the empty directory at path.
func (vfs *VFS) Rmdir(path string) error {
	if vfs.fs.ReadOnly() {
		return errs.ErrReadOnly
	}
	parentIno, name, err := vfs.fs.ResolveParent(path)
	if err != nil {
		return err
	}
	pslot, err := vfs.fs.GetInode(parentIno)
	if err != nil {
		return err
	}
	defer vfs.fs.PutInode(pslot)

	e, ok, err := dir.Lookup(vfs.fs.blocks, pslot.Disk, vfs.fs.BlockSize(), vfs.fs.LogBlockSize(), name)
	if err != nil {
		return err
	}
	if !ok {
		return errs.ErrNotFound
	}
	tslot, err := vfs.fs.GetInode(e.Inode)
	if err != nil {
		return err
	}
	defer vfs.fs.PutInode(tslot)
	if tslot.Disk.Mode&inode.TypeMask != inode.TypeDir {
		return errs.ErrNotADirectory
	}
	empty, err := dir.IsEmpty(vfs.fs.blocks, tslot.Disk, vfs.fs.BlockSize(), vfs.fs.LogBlockSize())
	if err != nil {
		return err
	}
	if !empty {
		return errs.ErrNotPermitted
	}

	if _, err := dir.RemoveEntry(vfs.fs.blocks, pslot.Disk, vfs.fs.BlockSize(), vfs.fs.LogBlockSize(), name); err != nil {
		return err
	}
	pslot.Disk.LinksCount--
	vfs.fs.MarkInodeDirty(pslot)

	if err := vfs.fs.FreeAll(e.Inode, &tslot.Disk, true, true); err != nil {
		return err
	}
	vfs.fs.MarkInodeDirty(tslot)
	return nil
}

// Unlink removes the directory entry at path and decrements the
// target's link count, freeing it when it reaches zero (spec.md §4.9
// "inode_deref").
func (vfs *VFS) Unlink(path string) error {
	if vfs.fs.ReadOnly() {
		return errs.ErrReadOnly
	}
	parentIno, name, err := vfs.fs.ResolveParent(path)
	if err != nil {
		return err
	}
	pslot, err := vfs.fs.GetInode(parentIno)
	if err != nil {
		return err
	}
	defer vfs.fs.PutInode(pslot)

	e, ok, err := dir.Lookup(vfs.fs.blocks, pslot.Disk, vfs.fs.BlockSize(), vfs.fs.LogBlockSize(), name)
	if err != nil {
		return err
	}
	if !ok {
		return errs.ErrNotFound
	}
	tslot, err := vfs.fs.GetInode(e.Inode)
	if err != nil {
		return err
	}
	if tslot.Disk.Mode&inode.TypeMask == inode.TypeDir {
		vfs.fs.PutInode(tslot)
		return errs.ErrIsADirectory
	}

	if _, err := dir.RemoveEntry(vfs.fs.blocks, pslot.Disk, vfs.fs.BlockSize(), vfs.fs.LogBlockSize(), name); err != nil {
		vfs.fs.PutInode(tslot)
		return err
	}

	return vfs.derefAndPut(e.Inode, tslot, false)
}

// derefAndPut decrements slot's link count, freeing the inode's data
// (and the inode itself) once it reaches zero, then releases the
// reference.
func (vfs *VFS) derefAndPut(ino uint32, slot *inode.Slot, isDir bool) error {
	if isDir {
		slot.Disk.LinksCount = 0
	} else if slot.Disk.LinksCount > 0 {
		slot.Disk.LinksCount--
	}
	if slot.Disk.LinksCount == 0 {
		if err := vfs.fs.FreeAll(ino, &slot.Disk, isDir, true); err != nil {
			vfs.fs.PutInode(slot)
			return err
		}
	}
	vfs.fs.MarkInodeDirty(slot)
	return vfs.fs.PutInode(slot)
}

// Link creates a new hard link at newPath pointing at oldPath's inode.
// Hard-linking a directory is refused, as ext2 forbids it.
func (vfs *VFS) Link(oldPath, newPath string) error {
	if vfs.fs.ReadOnly() {
		return errs.ErrReadOnly
	}
	oldIno, err := vfs.fs.Walk(oldPath, true)
	if err != nil {
		return err
	}
	oslot, err := vfs.fs.GetInode(oldIno)
	if err != nil {
		return err
	}
	defer vfs.fs.PutInode(oslot)
	if oslot.Disk.Mode&inode.TypeMask == inode.TypeDir {
		return errs.ErrNotPermitted
	}

	parentIno, name, err := vfs.fs.ResolveParent(newPath)
	if err != nil {
		return err
	}
	pslot, err := vfs.fs.GetInode(parentIno)
	if err != nil {
		return err
	}
	defer vfs.fs.PutInode(pslot)
	if _, ok, err := dir.Lookup(vfs.fs.blocks, pslot.Disk, vfs.fs.BlockSize(), vfs.fs.LogBlockSize(), name); err != nil {
		return err
	} else if ok {
		return errs.ErrAlreadyExists
	}

	if err := dir.AddEntry(vfs.fs.blocks, &pslot.Disk, vfs.fs.BlockSize(), vfs.fs.LogBlockSize(),
		name, oldIno, fileTypeOf(oslot.Disk), vfs.fs.blockAllocator(vfs.fs.groupOfInode(parentIno))); err != nil {
		return err
	}
	vfs.fs.syncDirSize(&pslot.Disk)
	vfs.fs.MarkInodeDirty(pslot)
	oslot.Disk.LinksCount++
	vfs.fs.MarkInodeDirty(oslot)
	return nil
}

// Symlink creates a symbolic link at linkPath whose target is target,
// stored inline or in data blocks per inode.ReadSymlink's convention
// (spec.md §4.10).
func (vfs *VFS) Symlink(target, linkPath string) error {
	if vfs.fs.ReadOnly() {
		return errs.ErrReadOnly
	}
	parentIno, name, err := vfs.fs.ResolveParent(linkPath)
	if err != nil {
		return err
	}
	pslot, err := vfs.fs.GetInode(parentIno)
	if err != nil {
		return err
	}
	defer vfs.fs.PutInode(pslot)
	if _, ok, err := dir.Lookup(vfs.fs.blocks, pslot.Disk, vfs.fs.BlockSize(), vfs.fs.LogBlockSize(), name); err != nil {
		return err
	} else if ok {
		return errs.ErrAlreadyExists
	}

	group := vfs.fs.groupOfInode(parentIno)
	newIno, err := vfs.fs.AllocInode(group, false)
	if err != nil {
		return err
	}
	nslot, err := vfs.fs.GetInode(newIno)
	if err != nil {
		return err
	}
	nslot.Disk.Mode = inode.TypeLink | 0777
	nslot.Disk.LinksCount = 1
	if err := vfs.fs.writeSymlinkTarget(&nslot.Disk, target); err != nil {
		vfs.fs.PutInode(nslot)
		return err
	}
	vfs.fs.MarkInodeDirty(nslot)
	if err := vfs.fs.PutInode(nslot); err != nil {
		return err
	}

	if err := dir.AddEntry(vfs.fs.blocks, &pslot.Disk, vfs.fs.BlockSize(), vfs.fs.LogBlockSize(), name, newIno, dir.FTSymlink, vfs.fs.blockAllocator(group)); err != nil {
		return err
	}
	vfs.fs.syncDirSize(&pslot.Disk)
	vfs.fs.MarkInodeDirty(pslot)
	return nil
}

// Rename moves the entry at oldPath to newPath, possibly across
// directories. Every return path unlocks the rename mutex — the
// original driver this is modeled on left a stale errno and called
// mutex_lock instead of mutex_unlock on its success path; this
// implementation always unlocks (spec.md Design Notes).
func (vfs *VFS) Rename(oldPath, newPath string) (err error) {
	if vfs.fs.ReadOnly() {
		return errs.ErrReadOnly
	}
	vfs.renameM.Lock()
	defer vfs.renameM.Unlock()

	oldParentIno, oldName, err := vfs.fs.ResolveParent(oldPath)
	if err != nil {
		return err
	}
	newParentIno, newName, err := vfs.fs.ResolveParent(newPath)
	if err != nil {
		return err
	}

	opslot, err := vfs.fs.GetInode(oldParentIno)
	if err != nil {
		return err
	}
	defer vfs.fs.PutInode(opslot)

	e, ok, err := dir.Lookup(vfs.fs.blocks, opslot.Disk, vfs.fs.BlockSize(), vfs.fs.LogBlockSize(), oldName)
	if err != nil {
		return err
	}
	if !ok {
		return errs.ErrNotFound
	}
	movingIno := e.Inode
	movingType := e.FileType
	movingIsDir := movingType == dir.FTDir

	var npslot *inode.Slot
	if newParentIno == oldParentIno {
		npslot = opslot
	} else {
		npslot, err = vfs.fs.GetInode(newParentIno)
		if err != nil {
			return err
		}
		defer vfs.fs.PutInode(npslot)
	}
	if npslot.Disk.Mode&inode.TypeMask != inode.TypeDir {
		return errs.ErrNotADirectory
	}

	if existing, ok, err := dir.Lookup(vfs.fs.blocks, npslot.Disk, vfs.fs.BlockSize(), vfs.fs.LogBlockSize(), newName); err != nil {
		return err
	} else if ok && existing.Inode != movingIno {
		if existing.FileType == dir.FTDir {
			eslot, err := vfs.fs.GetInode(existing.Inode)
			if err != nil {
				return err
			}
			empty, err := dir.IsEmpty(vfs.fs.blocks, eslot.Disk, vfs.fs.BlockSize(), vfs.fs.LogBlockSize())
			if err != nil {
				vfs.fs.PutInode(eslot)
				return err
			}
			if !empty {
				vfs.fs.PutInode(eslot)
				return errs.ErrNotPermitted
			}
			if _, err := dir.RemoveEntry(vfs.fs.blocks, npslot.Disk, vfs.fs.BlockSize(), vfs.fs.LogBlockSize(), newName); err != nil {
				vfs.fs.PutInode(eslot)
				return err
			}
			npslot.Disk.LinksCount--
			if err := vfs.derefAndPut(existing.Inode, eslot, true); err != nil {
				return err
			}
		} else {
			eslot, err := vfs.fs.GetInode(existing.Inode)
			if err != nil {
				return err
			}
			if _, err := dir.RemoveEntry(vfs.fs.blocks, npslot.Disk, vfs.fs.BlockSize(), vfs.fs.LogBlockSize(), newName); err != nil {
				vfs.fs.PutInode(eslot)
				return err
			}
			if err := vfs.derefAndPut(existing.Inode, eslot, false); err != nil {
				return err
			}
		}
	}

	if err := dir.AddEntry(vfs.fs.blocks, &npslot.Disk, vfs.fs.BlockSize(), vfs.fs.LogBlockSize(),
		newName, movingIno, movingType, vfs.fs.blockAllocator(vfs.fs.groupOfInode(newParentIno))); err != nil {
		return err
	}
	vfs.fs.syncDirSize(&npslot.Disk)
	if _, err := dir.RemoveEntry(vfs.fs.blocks, opslot.Disk, vfs.fs.BlockSize(), vfs.fs.LogBlockSize(), oldName); err != nil {
		return err
	}

	if movingIsDir && newParentIno != oldParentIno {
		mslot, err := vfs.fs.GetInode(movingIno)
		if err != nil {
			return err
		}
		if err := dir.RedirectEntry(vfs.fs.blocks, mslot.Disk, vfs.fs.BlockSize(), vfs.fs.LogBlockSize(), "..", newParentIno); err != nil {
			vfs.fs.PutInode(mslot)
			return err
		}
		vfs.fs.PutInode(mslot)
		opslot.Disk.LinksCount--
		npslot.Disk.LinksCount++
	}

	vfs.fs.MarkInodeDirty(opslot)
	if npslot != opslot {
		vfs.fs.MarkInodeDirty(npslot)
	}
	return nil
}

// Fcntl commands (a minimal F_GETFL/F_SETFL subset restricted to the
// O_APPEND/O_NONBLOCK flags this VFS actually tracks per descriptor).
const (
	FGetFL = iota
	FSetFL
)

// Fcntl implements the small F_GETFL/F_SETFL subset this VFS needs.
func (vfs *VFS) Fcntl(fd int, cmd int, arg OpenMode) (OpenMode, error) {
	h, err := vfs.handleFor(fd)
	if err != nil {
		return 0, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	switch cmd {
	case FGetFL:
		return h.mode, nil
	case FSetFL:
		h.mode = (h.mode &^ (OAPPEND | ONONBLOCK)) | (arg & (OAPPEND | ONONBLOCK))
		return h.mode, nil
	default:
		return 0, errs.ErrInvalidArgument
	}
}

// Ioctl is unsupported on plain ext2 files and directories in this
// filesystem; device nodes route through pkg/device instead.
func (vfs *VFS) Ioctl(fd int, _ uintptr, _ []byte) error {
	if _, err := vfs.handleFor(fd); err != nil {
		return err
	}
	return errs.ErrInvalidArgument
}
