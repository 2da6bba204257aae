package vfs

import (
	"testing"

	"reefos.dev/kernel/pkg/device"
	"reefos.dev/kernel/pkg/ext2/block"
	"reefos.dev/kernel/pkg/ext2/inode"
	"reefos.dev/kernel/pkg/ext2/superblock"
)

// newTestFilesystem builds the smallest possible single-group ext2
// image in memory — one block bitmap block, one inode bitmap block, a
// four-block inode table, and a populated root directory — and mounts
// it, so VFS-level tests exercise the real on-disk format rather than a
// mock.
func newTestFilesystem(t *testing.T) *Filesystem {
	t.Helper()

	const (
		blockSize      = 1024
		blockCount     = 64
		inodesPerGroup = 32
		inodeSize      = 128
		firstDataBlock = 1

		sbBlock       = firstDataBlock     // 1
		groupDescBlk  = sbBlock + 1         // 2
		blockBitmapBlk = groupDescBlk + 1   // 3
		inodeBitmapBlk = blockBitmapBlk + 1 // 4
		inodeTableBlk  = inodeBitmapBlk + 1 // 5
		inodeTableBlks = (inodesPerGroup * inodeSize) / blockSize // 4 -> blocks 5..8
		rootDataBlk    = inodeTableBlk + inodeTableBlks           // 9
	)

	dev := device.NewMemBlockDevice(10, blockCount) // 1<<10 == 1024-byte device blocks

	sb := superblock.Superblock{
		InodesCount:     inodesPerGroup,
		BlocksCount:     blockCount,
		FreeBlocksCount: blockCount - firstDataBlock - (rootDataBlk - firstDataBlock + 1),
		FreeInodesCount: inodesPerGroup - 2,
		FirstDataBlock:  firstDataBlock,
		LogBlockSize:    0, // 1024 << 0 == 1024
		BlocksPerGroup:  blockCount,
		InodesPerGroup:  inodesPerGroup,
		Magic:           superblock.Magic,
		State:           superblock.StateValid,
	}

	writeBlock := func(bn uint32, data []byte) {
		buf := make([]byte, blockSize)
		copy(buf, data)
		if err := dev.WriteBlocks(uint64(bn), 1, buf); err != nil {
			t.Fatalf("WriteBlocks(%d): %v", bn, err)
		}
	}

	sbBuf := make([]byte, blockSize)
	copy(sbBuf, superblock.Marshal(sb))
	writeBlock(sbBlock, sbBuf)

	writeBlock(groupDescBlk, superblock.MarshalGroupDescs([]superblock.GroupDesc{{
		BlockBitmap: blockBitmapBlk,
		InodeBitmap: inodeBitmapBlk,
		InodeTable:  inodeTableBlk,
		FreeBlocks:  uint16(sb.FreeBlocksCount),
		FreeInodes:  uint16(sb.FreeInodesCount),
		UsedDirs:    1,
	}}))

	blockBitmap := make([]byte, blockSize)
	for bn := firstDataBlock; bn <= int(rootDataBlk); bn++ {
		block.SetBit(blockBitmap, uint32(bn-firstDataBlock))
	}
	writeBlock(blockBitmapBlk, blockBitmap)

	inodeBitmap := make([]byte, blockSize)
	block.SetBit(inodeBitmap, 0) // inode 1, reserved
	block.SetBit(inodeBitmap, 1) // inode 2, root
	writeBlock(inodeBitmapBlk, inodeBitmap)

	for i := 0; i < inodeTableBlks; i++ {
		writeBlock(uint32(inodeTableBlk+i), nil)
	}
	rootDisk := inode.Disk{
		Mode:       inode.TypeDir | 0755,
		LinksCount: 2,
		SizeLo:     blockSize,
		Blocks:     2, // one filesystem block, in 512-byte sectors
	}
	rootDisk.Block[0] = rootDataBlk
	rootTableSlot := make([]byte, blockSize)
	copy(rootTableSlot[128:256], inode.MarshalDisk(rootDisk)) // inode 2 is the second record
	writeBlock(inodeTableBlk, rootTableSlot)

	dirBuf := make([]byte, blockSize)
	writeDirEntry(dirBuf, 0, 2, 12, 1, 2, ".")
	writeDirEntry(dirBuf, 12, 2, blockSize-12, 2, 2, "..")
	writeBlock(rootDataBlk, dirBuf)

	fs, err := Mount(dev, false)
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	return fs
}

// writeDirEntry is a minimal local copy of the directory record layout
// (inode, rec_len, name_len, file_type, name) used only to seed the
// synthetic root directory block above.
func writeDirEntry(buf []byte, off int, ino uint32, recLen uint16, nameLen, fileType uint8, name string) {
	buf[off] = byte(ino)
	buf[off+1] = byte(ino >> 8)
	buf[off+2] = byte(ino >> 16)
	buf[off+3] = byte(ino >> 24)
	buf[off+4] = byte(recLen)
	buf[off+5] = byte(recLen >> 8)
	buf[off+6] = nameLen
	buf[off+7] = fileType
	copy(buf[off+8:off+8+len(name)], name)
}
