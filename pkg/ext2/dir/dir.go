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

// Package dir implements ext2 directory entries: packed variable-length
// directory records, lookup, add/remove/redirect, and creation of an
// empty directory (spec.md §4.10). Path resolution with symlink
// following is in pkg/vfs.
package dir

import (
	"encoding/binary"

	"reefos.dev/kernel/pkg/errs"
	"reefos.dev/kernel/pkg/ext2/block"
	"reefos.dev/kernel/pkg/ext2/inode"
)

// file_type values.
const (
	FTUnknown = 0
	FTRegFile = 1
	FTDir     = 2
	FTChrdev  = 3
	FTBlkdev  = 4
	FTFifo    = 5
	FTSock    = 6
	FTSymlink = 7
)

const entryHeaderLen = 8 // inode(4) + rec_len(2) + name_len(1) + file_type(1)

// Entry is one parsed directory record.
type Entry struct {
	Inode    uint32
	RecLen   uint16
	NameLen  uint8
	FileType uint8
	Name     string
}

// ParseEntry decodes one directory record starting at buf[off], or
// reports ok=false on a malformed zero-length record, which terminates
// any scan defensively (spec.md §4.10).
func ParseEntry(buf []byte, off int) (e Entry, ok bool) {
	if off+entryHeaderLen > len(buf) {
		return Entry{}, false
	}
	recLen := binary.LittleEndian.Uint16(buf[off+4 : off+6])
	if recLen == 0 {
		return Entry{}, false
	}
	nameLen := buf[off+6]
	name := ""
	if int(nameLen) > 0 && off+entryHeaderLen+int(nameLen) <= len(buf) {
		name = string(buf[off+entryHeaderLen : off+entryHeaderLen+int(nameLen)])
	}
	return Entry{
		Inode:    binary.LittleEndian.Uint32(buf[off : off+4]),
		RecLen:   recLen,
		NameLen:  nameLen,
		FileType: buf[off+7],
		Name:     name,
	}, true
}

func writeEntry(buf []byte, off int, e Entry) {
	binary.LittleEndian.PutUint32(buf[off:off+4], e.Inode)
	binary.LittleEndian.PutUint16(buf[off+4:off+6], e.RecLen)
	buf[off+6] = e.NameLen
	buf[off+7] = e.FileType
	copy(buf[off+entryHeaderLen:off+entryHeaderLen+int(e.NameLen)], e.Name)
}

// dataBlockCount returns how many data blocks dir currently occupies,
// the same i_blocks/(2<<log_block_size) conversion directory.c uses.
func dataBlockCount(d inode.Disk, logBlockSize uint32) uint32 {
	return d.Blocks / (2 << logBlockSize)
}

// forEachBlock reads every data block of dir in turn, invoking fn with
// the block's bytes and its filesystem block number. Stops early if fn
// returns true.
func forEachBlock(bc *block.Cache, d inode.Disk, blockSize, logBlockSize uint32, fn func(buf []byte, fsBlock uint32) (stop bool, err error)) error {
	blocks := dataBlockCount(d, logBlockSize)
	for i := uint32(0); i < blocks; i++ {
		fsBlock, err := inode.ReadBlock(bc, d, blockSize, i)
		if err != nil {
			return err
		}
		if fsBlock == 0 {
			continue
		}
		slot, err := bc.Read(fsBlock)
		if err != nil {
			return err
		}
		stop, err := fn(slot.Data, fsBlock)
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
	}
	return nil
}

// IsEmpty reports whether dir contains only "." and ".." entries
// (spec.md §4.10).
func IsEmpty(bc *block.Cache, d inode.Disk, blockSize, logBlockSize uint32) (bool, error) {
	empty := true
	err := forEachBlock(bc, d, blockSize, logBlockSize, func(buf []byte, _ uint32) (bool, error) {
		off := 0
		for off < len(buf) {
			e, ok := ParseEntry(buf, off)
			if !ok {
				return false, errs.ErrIO
			}
			if e.Inode != 0 {
				if e.NameLen > 2 || e.Name != "." && e.Name != ".." {
					empty = false
					return true, nil
				}
			}
			off += int(e.RecLen)
		}
		return false, nil
	})
	return empty, err
}

// Lookup finds the entry named name in dir via linear scan across its
// data blocks.
func Lookup(bc *block.Cache, d inode.Disk, blockSize, logBlockSize uint32, name string) (Entry, bool, error) {
	var found Entry
	var ok bool
	err := forEachBlock(bc, d, blockSize, logBlockSize, func(buf []byte, _ uint32) (bool, error) {
		off := 0
		for off < len(buf) {
			e, valid := ParseEntry(buf, off)
			if !valid {
				return false, errs.ErrIO
			}
			if e.Inode != 0 && e.Name == name {
				found, ok = e, true
				return true, nil
			}
			off += int(e.RecLen)
		}
		return false, nil
	})
	return found, ok, err
}

// List returns every non-deleted entry in dir, in on-disk order.
func List(bc *block.Cache, d inode.Disk, blockSize, logBlockSize uint32) ([]Entry, error) {
	var entries []Entry
	err := forEachBlock(bc, d, blockSize, logBlockSize, func(buf []byte, _ uint32) (bool, error) {
		off := 0
		for off < len(buf) {
			e, ok := ParseEntry(buf, off)
			if !ok {
				return false, errs.ErrIO
			}
			if e.Inode != 0 {
				entries = append(entries, e)
			}
			off += int(e.RecLen)
		}
		return false, nil
	})
	return entries, err
}

// AddEntry inserts a new directory record for name → ino, splitting
// the first existing entry with enough slack; if no block has room, a
// new block is allocated via alloc (spec.md §4.10).
func AddEntry(bc *block.Cache, d *inode.Disk, blockSize, logBlockSize uint32, name string, ino uint32, fileType uint8, alloc inode.Allocator) error {
	needed := entryHeaderLen + len(name)
	needed = (needed + 3) &^ 3 // 4-byte aligned, matching ext2 rec_len rounding

	var placed bool
	err := forEachBlock(bc, *d, blockSize, logBlockSize, func(buf []byte, fsBlock uint32) (bool, error) {
		off := 0
		for off < len(buf) {
			e, ok := ParseEntry(buf, off)
			if !ok {
				return false, errs.ErrIO
			}
			used := entryHeaderLen + int(e.NameLen)
			used = (used + 3) &^ 3
			slack := int(e.RecLen) - used
			if e.Inode == 0 {
				used = 0
				slack = int(e.RecLen)
			}
			if slack >= needed {
				newOff := off + used
				newRecLen := int(e.RecLen) - used
				if e.Inode != 0 {
					e.RecLen = uint16(used)
					writeEntry(buf, off, e)
				}
				writeEntry(buf, newOff, Entry{
					Inode: ino, RecLen: uint16(newRecLen),
					NameLen: uint8(len(name)), FileType: fileType, Name: name,
				})
				bc.MarkDirty(fsBlock)
				placed = true
				return true, nil
			}
			off += int(e.RecLen)
		}
		return false, nil
	})
	if err != nil {
		return err
	}
	if placed {
		return nil
	}

	bn, err := alloc()
	if err != nil {
		return err
	}
	slot, err := bc.Read(bn)
	if err != nil {
		return err
	}
	for i := range slot.Data {
		slot.Data[i] = 0
	}
	writeEntry(slot.Data, 0, Entry{
		Inode: ino, RecLen: uint16(blockSize),
		NameLen: uint8(len(name)), FileType: fileType, Name: name,
	})
	if err := bc.MarkDirty(bn); err != nil {
		return err
	}
	blocks := dataBlockCount(*d, logBlockSize)
	if _, err := inode.AllocBlock(bc, d, blockSize, logBlockSize, blocks, func() (uint32, error) { return bn, nil }); err != nil {
		return err
	}
	return nil
}

// RemoveEntry deletes the record named name: if it isn't first in its
// block, the previous entry's rec_len is extended to absorb it;
// otherwise the entry is zeroed in place (spec.md §4.10).
func RemoveEntry(bc *block.Cache, d inode.Disk, blockSize, logBlockSize uint32, name string) (removedIno uint32, err error) {
	found := false
	err = forEachBlock(bc, d, blockSize, logBlockSize, func(buf []byte, fsBlock uint32) (bool, error) {
		off := 0
		prevOff := -1
		for off < len(buf) {
			e, ok := ParseEntry(buf, off)
			if !ok {
				return false, errs.ErrIO
			}
			if e.Inode != 0 && e.Name == name {
				removedIno = e.Inode
				if prevOff >= 0 {
					prev, _ := ParseEntry(buf, prevOff)
					prev.RecLen += e.RecLen
					writeEntry(buf, prevOff, prev)
					for i := off; i < off+int(e.RecLen); i++ {
						buf[i] = 0
					}
				} else {
					e.Inode = 0
					e.NameLen = 0
					e.FileType = 0
					e.Name = ""
					writeEntry(buf, off, e)
				}
				bc.MarkDirty(fsBlock)
				found = true
				return true, nil
			}
			prevOff = off
			off += int(e.RecLen)
		}
		return false, nil
	})
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, errs.ErrNotFound
	}
	return removedIno, nil
}

// RedirectEntry rewrites the inode field of the record named name
// (used to repoint ".." on a directory rename).
func RedirectEntry(bc *block.Cache, d inode.Disk, blockSize, logBlockSize uint32, name string, newIno uint32) error {
	found := false
	err := forEachBlock(bc, d, blockSize, logBlockSize, func(buf []byte, fsBlock uint32) (bool, error) {
		off := 0
		for off < len(buf) {
			e, ok := ParseEntry(buf, off)
			if !ok {
				return false, errs.ErrIO
			}
			if e.Inode != 0 && e.Name == name {
				binary.LittleEndian.PutUint32(buf[off:off+4], newIno)
				bc.MarkDirty(fsBlock)
				found = true
				return true, nil
			}
			off += int(e.RecLen)
		}
		return false, nil
	})
	if err != nil {
		return err
	}
	if !found {
		return errs.ErrNotFound
	}
	return nil
}

// CreateEmpty populates a brand-new directory block with "." and ".."
// entries (spec.md §4.10).
func CreateEmpty(bc *block.Cache, d *inode.Disk, blockSize, logBlockSize uint32, selfIno, parentIno uint32, alloc inode.Allocator) error {
	bn, err := alloc()
	if err != nil {
		return err
	}
	slot, err := bc.Read(bn)
	if err != nil {
		return err
	}
	for i := range slot.Data {
		slot.Data[i] = 0
	}
	dotLen := 12 // 4-byte aligned entryHeaderLen(8) + name_len(1) rounds to 12
	writeEntry(slot.Data, 0, Entry{Inode: selfIno, RecLen: uint16(dotLen), NameLen: 1, FileType: FTDir, Name: "."})
	writeEntry(slot.Data, dotLen, Entry{
		Inode: parentIno, RecLen: uint16(int(blockSize) - dotLen),
		NameLen: 2, FileType: FTDir, Name: "..",
	})
	if err := bc.MarkDirty(bn); err != nil {
		return err
	}
	if _, err := inode.AllocBlock(bc, d, blockSize, logBlockSize, 0, func() (uint32, error) { return bn, nil }); err != nil {
		return err
	}
	d.LinksCount = 2 // "." plus the parent's entry pointing here
	return nil
}
