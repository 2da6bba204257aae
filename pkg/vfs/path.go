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
	"strings"

	"reefos.dev/kernel/pkg/errs"
	"reefos.dev/kernel/pkg/ext2/dir"
	"reefos.dev/kernel/pkg/ext2/inode"
)

// SymloopMax bounds symlink indirections during path resolution
// (spec.md §4.10).
const SymloopMax = 16

func splitPath(path string) []string {
	parts := strings.Split(path, "/")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Walk resolves path starting at the root inode, following symlinks
// encountered mid-path unconditionally and the final component's
// symlink only when followFinal is set (spec.md §4.10).
func (fs *Filesystem) Walk(path string, followFinal bool) (uint32, error) {
	return fs.walkFrom(inode.RootIno, splitPath(path), followFinal, 0)
}

func (fs *Filesystem) walkFrom(startDir uint32, parts []string, followFinal bool, depth int) (uint32, error) {
	curDir := startDir
	if len(parts) == 0 {
		return curDir, nil
	}
	for i, part := range parts {
		last := i == len(parts)-1

		dslot, err := fs.GetInode(curDir)
		if err != nil {
			return 0, err
		}
		dd := dslot.Disk
		fs.PutInode(dslot)
		if dd.Mode&inode.TypeMask != inode.TypeDir {
			return 0, errs.ErrNotADirectory
		}

		e, ok, err := dir.Lookup(fs.blocks, dd, fs.BlockSize(), fs.LogBlockSize(), part)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, errs.ErrNotFound
		}

		if !last || followFinal {
			tslot, err := fs.GetInode(e.Inode)
			if err != nil {
				return 0, err
			}
			td := tslot.Disk
			fs.PutInode(tslot)
			if td.Mode&inode.TypeMask == inode.TypeLink {
				if depth+1 > SymloopMax {
					return 0, errs.ErrTooManySymlinks
				}
				target, err := fs.symlinkTarget(td)
				if err != nil {
					return 0, err
				}
				if strings.HasPrefix(target, "/") {
					return 0, errs.ErrCrossDevice
				}
				rest := append(splitPath(target), parts[i+1:]...)
				return fs.walkFrom(curDir, rest, followFinal, depth+1)
			}
		}

		curDir = e.Inode
	}
	return curDir, nil
}

// ResolveParent walks path's directory components and returns the
// parent directory's inode number plus the final path component's
// name, without requiring the final component to exist. Used by
// create-shaped operations (open O_CREAT, mkdir, rename, link,
// symlink, unlink).
func (fs *Filesystem) ResolveParent(path string) (parentIno uint32, name string, err error) {
	parts := splitPath(path)
	if len(parts) == 0 {
		return 0, "", errs.ErrInvalidArgument
	}
	name = parts[len(parts)-1]
	parentIno, err = fs.walkFrom(inode.RootIno, parts[:len(parts)-1], true, 0)
	if err != nil {
		return 0, "", err
	}
	return parentIno, name, nil
}
