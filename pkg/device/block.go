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

// Package device defines the narrow hardware-facing contracts the rest
// of the kernel consumes (spec.md §6.1, §6.2): a block device abstract
// enough to back either a real file or a raw disk, and an Ethernet
// interface abstract enough to back either a raw AF_PACKET socket or a
// loopback test double.
package device

import (
	"errors"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// BlockDevice is the abstract storage contract the ext2 driver is built
// against (spec.md §6.1). Block numbers passed here are in the device's
// own native block size, never the filesystem's — pkg/ext2 is
// responsible for the shift by s_log_block_size - device_log_block_size
// + 10.
type BlockDevice interface {
	Init() error
	Shutdown() error
	ReadBlocks(start uint64, count uint32, out []byte) error
	WriteBlocks(start uint64, count uint32, in []byte) error
	LogBlockSize() uint32
	CountBlocks() uint64
}

// FileBlockDevice backs a BlockDevice with a regular file or block
// special file opened via the standard library, the hosted stand-in for
// a raw disk the kernel would otherwise drive directly.
type FileBlockDevice struct {
	f            *os.File
	logBlockSize uint32
	blockSize    int64
	blockCount   uint64
}

// OpenFileBlockDevice opens path as a block device with 1<<logBlockSize
// byte blocks (matching ext2's own log2 block-size convention).
func OpenFileBlockDevice(path string, logBlockSize uint32, readOnly bool) (*FileBlockDevice, error) {
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, err
	}
	blockSize := int64(1) << logBlockSize
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	size := fi.Size()
	if size == 0 {
		// Block special files report size 0 through Stat; fall back to
		// BLKGETSIZE64 the way a raw-disk-aware driver must.
		if sz, ioctlErr := blockDeviceSize(f); ioctlErr == nil {
			size = sz
		}
	}
	return &FileBlockDevice{
		f:            f,
		logBlockSize: logBlockSize,
		blockSize:    blockSize,
		blockCount:   uint64(size / blockSize),
	}, nil
}

func blockDeviceSize(f *os.File) (int64, error) {
	sz, err := unix.IoctlGetInt(int(f.Fd()), unix.BLKGETSIZE64)
	return int64(sz), err
}

func (d *FileBlockDevice) Init() error     { return nil }
func (d *FileBlockDevice) Shutdown() error { return d.f.Close() }

func (d *FileBlockDevice) ReadBlocks(start uint64, count uint32, out []byte) error {
	need := int64(count) * d.blockSize
	if int64(len(out)) < need {
		return errors.New("device: read buffer too small")
	}
	_, err := d.f.ReadAt(out[:need], int64(start)*d.blockSize)
	if err != nil && err != io.EOF {
		return err
	}
	return nil
}

func (d *FileBlockDevice) WriteBlocks(start uint64, count uint32, in []byte) error {
	need := int64(count) * d.blockSize
	if int64(len(in)) < need {
		return errors.New("device: write buffer too small")
	}
	_, err := d.f.WriteAt(in[:need], int64(start)*d.blockSize)
	return err
}

func (d *FileBlockDevice) LogBlockSize() uint32 { return d.logBlockSize }
func (d *FileBlockDevice) CountBlocks() uint64  { return d.blockCount }

// MemBlockDevice is an in-memory BlockDevice, used by ext2 tests that
// need a throwaway filesystem image without touching the host disk.
type MemBlockDevice struct {
	logBlockSize uint32
	blockSize    int64
	data         []byte
}

// NewMemBlockDevice allocates a zero-filled in-memory device of the
// given block count and log2 block size.
func NewMemBlockDevice(logBlockSize uint32, blockCount uint64) *MemBlockDevice {
	blockSize := int64(1) << logBlockSize
	return &MemBlockDevice{
		logBlockSize: logBlockSize,
		blockSize:    blockSize,
		data:         make([]byte, blockSize*int64(blockCount)),
	}
}

func (d *MemBlockDevice) Init() error     { return nil }
func (d *MemBlockDevice) Shutdown() error { return nil }

func (d *MemBlockDevice) ReadBlocks(start uint64, count uint32, out []byte) error {
	off := int64(start) * d.blockSize
	need := int64(count) * d.blockSize
	if off+need > int64(len(d.data)) {
		return errors.New("device: read past end of device")
	}
	copy(out, d.data[off:off+need])
	return nil
}

func (d *MemBlockDevice) WriteBlocks(start uint64, count uint32, in []byte) error {
	off := int64(start) * d.blockSize
	need := int64(count) * d.blockSize
	if off+need > int64(len(d.data)) {
		return errors.New("device: write past end of device")
	}
	copy(d.data[off:off+need], in[:need])
	return nil
}

func (d *MemBlockDevice) LogBlockSize() uint32 { return d.logBlockSize }
func (d *MemBlockDevice) CountBlocks() uint64  { return uint64(len(d.data)) / uint64(d.blockSize) }
