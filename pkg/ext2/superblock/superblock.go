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

// Package superblock parses and serializes the ext2 on-disk superblock
// and block-group descriptor table (spec.md §6.3).
package superblock

import (
	"encoding/binary"

	"github.com/google/uuid"
	"reefos.dev/kernel/pkg/device"
	"reefos.dev/kernel/pkg/errs"
)

// Offset, in bytes, of the primary superblock from the start of the
// volume. Always 1024 regardless of filesystem block size.
const Offset = 1024

// Size is the on-disk superblock record size; everything past
// s_first_meta_bg is reserved padding to round out to one disk sector
// pair.
const Size = 1024

const Magic = 0xEF53

// s_state values.
const (
	StateValid = 1
	StateError = 2
)

// s_feature_ro_compat bits.
const (
	FeatureROSparseSuper = 0x0001
	FeatureROLargeFile   = 0x0002
)

// Superblock is the parsed ext2 superblock (spec.md §6.3). Field names
// mirror the on-disk layout directly so they read the same as the ext2
// documentation.
type Superblock struct {
	InodesCount      uint32
	BlocksCount      uint32
	RBlocksCount     uint32
	FreeBlocksCount  uint32
	FreeInodesCount  uint32
	FirstDataBlock   uint32
	LogBlockSize     uint32
	LogFragSize      uint32
	BlocksPerGroup   uint32
	FragsPerGroup    uint32
	InodesPerGroup   uint32
	Mtime, Wtime     uint32
	MntCount         uint16
	MaxMntCount      uint16
	Magic            uint16
	State            uint16
	Errors           uint16
	MinorRevLevel    uint16
	Lastcheck        uint32
	CheckInterval    uint32
	CreatorOS        uint32
	RevLevel         uint32
	DefResuid        uint16
	DefResgid        uint16
	FirstIno         uint32
	InodeSize        uint16
	BlockGroupNr     uint16
	FeatureCompat    uint32
	FeatureIncompat  uint32
	FeatureROCompat  uint32
	UUID             uuid.UUID
	VolumeName       [16]byte
	LastMounted      [64]byte
	AlgoBitmap       uint32
	PreallocBlocks   uint8
	PreallocDirBlock uint8
}

// BlockSize is 1024 << LogBlockSize, the filesystem's native block size
// in bytes.
func (sb *Superblock) BlockSize() uint32 { return 1024 << sb.LogBlockSize }

// Dirty tracks whether any superblock-resident counter (free blocks,
// free inodes) has changed since the last write-back (spec.md §3.6).
type Dirty struct {
	value bool
}

func (d *Dirty) Set()      { d.value = true }
func (d *Dirty) Clear()    { d.value = false }
func (d *Dirty) IsSet() bool { return d.value }

// Parse decodes a 1024-byte little-endian superblock record, the exact
// wire layout read from 1024 bytes into the volume, or from any backup
// copy.
func Parse(b []byte) (Superblock, error) {
	if len(b) < 264 {
		return Superblock{}, errs.ErrInvalidArgument
	}
	le := binary.LittleEndian
	sb := Superblock{
		InodesCount:     le.Uint32(b[0:4]),
		BlocksCount:     le.Uint32(b[4:8]),
		RBlocksCount:    le.Uint32(b[8:12]),
		FreeBlocksCount: le.Uint32(b[12:16]),
		FreeInodesCount: le.Uint32(b[16:20]),
		FirstDataBlock:  le.Uint32(b[20:24]),
		LogBlockSize:    le.Uint32(b[24:28]),
		LogFragSize:     le.Uint32(b[28:32]),
		BlocksPerGroup:  le.Uint32(b[32:36]),
		FragsPerGroup:   le.Uint32(b[36:40]),
		InodesPerGroup:  le.Uint32(b[40:44]),
		Mtime:           le.Uint32(b[44:48]),
		Wtime:           le.Uint32(b[48:52]),
		MntCount:        le.Uint16(b[52:54]),
		MaxMntCount:     le.Uint16(b[54:56]),
		Magic:           le.Uint16(b[56:58]),
		State:           le.Uint16(b[58:60]),
		Errors:          le.Uint16(b[60:62]),
		MinorRevLevel:   le.Uint16(b[62:64]),
		Lastcheck:       le.Uint32(b[64:68]),
		CheckInterval:   le.Uint32(b[68:72]),
		CreatorOS:       le.Uint32(b[72:76]),
		RevLevel:        le.Uint32(b[76:80]),
		DefResuid:       le.Uint16(b[80:82]),
		DefResgid:       le.Uint16(b[82:84]),
	}
	if sb.Magic != Magic {
		return Superblock{}, errs.ErrInvalidArgument
	}

	if sb.RevLevel >= 1 {
		sb.FirstIno = le.Uint32(b[84:88])
		sb.InodeSize = le.Uint16(b[88:90])
		sb.BlockGroupNr = le.Uint16(b[90:92])
		sb.FeatureCompat = le.Uint32(b[92:96])
		sb.FeatureIncompat = le.Uint32(b[96:100])
		sb.FeatureROCompat = le.Uint32(b[100:104])
		if u, err := uuid.FromBytes(b[104:120]); err == nil {
			sb.UUID = u
		}
		copy(sb.VolumeName[:], b[120:136])
		copy(sb.LastMounted[:], b[136:200])
		sb.AlgoBitmap = le.Uint32(b[200:204])
		sb.PreallocBlocks = b[204]
		sb.PreallocDirBlock = b[205]
	} else {
		sb.InodeSize = 128
	}
	return sb, nil
}

// Marshal encodes sb back into a 1024-byte superblock record, zero-
// padding past the fields this driver understands — the padding is
// preserved verbatim across a read-modify-write by callers that keep
// the original buffer around, but Marshal on its own only emits the
// fields above (good enough for images this driver itself created).
func Marshal(sb Superblock) []byte {
	b := make([]byte, Size)
	le := binary.LittleEndian
	le.PutUint32(b[0:4], sb.InodesCount)
	le.PutUint32(b[4:8], sb.BlocksCount)
	le.PutUint32(b[8:12], sb.RBlocksCount)
	le.PutUint32(b[12:16], sb.FreeBlocksCount)
	le.PutUint32(b[16:20], sb.FreeInodesCount)
	le.PutUint32(b[20:24], sb.FirstDataBlock)
	le.PutUint32(b[24:28], sb.LogBlockSize)
	le.PutUint32(b[28:32], sb.LogFragSize)
	le.PutUint32(b[32:36], sb.BlocksPerGroup)
	le.PutUint32(b[36:40], sb.FragsPerGroup)
	le.PutUint32(b[40:44], sb.InodesPerGroup)
	le.PutUint32(b[44:48], sb.Mtime)
	le.PutUint32(b[48:52], sb.Wtime)
	le.PutUint16(b[52:54], sb.MntCount)
	le.PutUint16(b[54:56], sb.MaxMntCount)
	le.PutUint16(b[56:58], sb.Magic)
	le.PutUint16(b[58:60], sb.State)
	le.PutUint16(b[60:62], sb.Errors)
	le.PutUint16(b[62:64], sb.MinorRevLevel)
	le.PutUint32(b[64:68], sb.Lastcheck)
	le.PutUint32(b[68:72], sb.CheckInterval)
	le.PutUint32(b[72:76], sb.CreatorOS)
	le.PutUint32(b[76:80], sb.RevLevel)
	le.PutUint16(b[80:82], sb.DefResuid)
	le.PutUint16(b[82:84], sb.DefResgid)
	if sb.RevLevel >= 1 {
		le.PutUint32(b[84:88], sb.FirstIno)
		le.PutUint16(b[88:90], sb.InodeSize)
		le.PutUint16(b[90:92], sb.BlockGroupNr)
		le.PutUint32(b[92:96], sb.FeatureCompat)
		le.PutUint32(b[96:100], sb.FeatureIncompat)
		le.PutUint32(b[100:104], sb.FeatureROCompat)
		copy(b[104:120], sb.UUID[:])
		copy(b[120:136], sb.VolumeName[:])
		copy(b[136:200], sb.LastMounted[:])
		le.PutUint32(b[200:204], sb.AlgoBitmap)
		b[204] = sb.PreallocBlocks
		b[205] = sb.PreallocDirBlock
	}
	return b
}

// Read locates and parses the primary superblock from bd, shifting
// Offset by the device's own native block size the way the on-disk
// block-number convention requires (spec.md §6.1).
func Read(bd device.BlockDevice) (Superblock, error) {
	logDevBlock := bd.LogBlockSize()
	if logDevBlock > 10 {
		buf := make([]byte, 1<<logDevBlock)
		if err := bd.ReadBlocks(0, 1, buf); err != nil {
			return Superblock{}, errs.ErrIO
		}
		return Parse(buf[Offset : Offset+Size])
	}
	if logDevBlock == 10 {
		buf := make([]byte, 1024)
		if err := bd.ReadBlocks(1, 1, buf); err != nil {
			return Superblock{}, errs.ErrIO
		}
		return Parse(buf)
	}
	start := uint64(Offset >> logDevBlock)
	buf := make([]byte, 1024)
	if err := bd.ReadBlocks(start, uint32(1024>>logDevBlock), buf); err != nil {
		return Superblock{}, errs.ErrIO
	}
	return Parse(buf)
}

// GroupDesc is one 32-byte block-group descriptor (spec.md §6.3).
type GroupDesc struct {
	BlockBitmap    uint32
	InodeBitmap    uint32
	InodeTable     uint32
	FreeBlocks     uint16
	FreeInodes     uint16
	UsedDirs       uint16
}

const groupDescSize = 32

// GroupCount returns the number of block groups the volume is divided
// into, derived from block count and blocks-per-group.
func GroupCount(sb Superblock) uint32 {
	bc := sb.BlocksCount - sb.FirstDataBlock
	n := bc / sb.BlocksPerGroup
	if bc%sb.BlocksPerGroup != 0 {
		n++
	}
	return n
}

// ParseGroupDescs decodes the block-group descriptor table, which
// immediately follows the (primary or backup) superblock's block.
func ParseGroupDescs(b []byte, count uint32) []GroupDesc {
	le := binary.LittleEndian
	out := make([]GroupDesc, count)
	for i := range out {
		off := i * groupDescSize
		out[i] = GroupDesc{
			BlockBitmap: le.Uint32(b[off : off+4]),
			InodeBitmap: le.Uint32(b[off+4 : off+8]),
			InodeTable:  le.Uint32(b[off+8 : off+12]),
			FreeBlocks:  le.Uint16(b[off+12 : off+14]),
			FreeInodes:  le.Uint16(b[off+14 : off+16]),
			UsedDirs:    le.Uint16(b[off+16 : off+18]),
		}
	}
	return out
}

// MarshalGroupDescs is the inverse of ParseGroupDescs.
func MarshalGroupDescs(descs []GroupDesc) []byte {
	le := binary.LittleEndian
	b := make([]byte, len(descs)*groupDescSize)
	for i, d := range descs {
		off := i * groupDescSize
		le.PutUint32(b[off:off+4], d.BlockBitmap)
		le.PutUint32(b[off+4:off+8], d.InodeBitmap)
		le.PutUint32(b[off+8:off+12], d.InodeTable)
		le.PutUint16(b[off+12:off+14], d.FreeBlocks)
		le.PutUint16(b[off+14:off+16], d.FreeInodes)
		le.PutUint16(b[off+16:off+18], d.UsedDirs)
	}
	return b
}

// HasSparseSuper reports whether the sparse-superblock feature is
// enabled: if not, every block group carries a superblock and
// block-group-descriptor-table backup.
func HasSparseSuper(sb Superblock) bool {
	return sb.RevLevel >= 1 && sb.FeatureROCompat&FeatureROSparseSuper != 0
}

// BackupGroups lists every block group holding a superblock + group
// descriptor table copy, group 0 (which carries the primary) included,
// per the sparse-superblock placement rule: groups 0 and 1, and groups
// that are a power of 3, 5, or 7 (spec.md §6.3).
func BackupGroups(sb Superblock) []uint32 {
	count := GroupCount(sb)
	if !HasSparseSuper(sb) {
		groups := make([]uint32, count)
		for i := range groups {
			groups[i] = uint32(i)
		}
		return groups
	}

	groups := []uint32{0}
	if count > 1 {
		groups = append(groups, 1)
	}
	for _, base := range []uint32{3, 5, 7} {
		for p := base; p < count; p *= base {
			groups = append(groups, p)
		}
	}
	return groups
}

// FirstBlockOfGroup returns the block number, in filesystem blocks,
// where block group bg's superblock (if it carries one) would sit.
func FirstBlockOfGroup(sb Superblock, bg uint32) uint32 {
	if bg == 0 {
		return sb.FirstDataBlock
	}
	return sb.FirstDataBlock + bg*sb.BlocksPerGroup
}
