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

// Package vfs is the POSIX-style surface this kernel exposes to user
// code: a descriptor table plus open/close/read/write/seek/readdir/
// stat/mkdir/rmdir/rename/link/symlink/unlink, backed by the ext2
// driver (spec.md §6.5).
package vfs

import (
	"errors"
	"syscall"

	"reefos.dev/kernel/pkg/errs"
)

// Errno maps an errs sentinel to the POSIX errno a syscall-shaped
// caller expects, the seam spec.md §1 calls out explicitly
// ("call sites that need a POSIX errno translate through
// pkg/vfs/errno.go").
func Errno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	switch {
	case errors.Is(err, errs.ErrNoMemory):
		return syscall.ENOMEM
	case errors.Is(err, errs.ErrNoFileDescriptor):
		return syscall.EMFILE
	case errors.Is(err, errs.ErrNoSpace):
		return syscall.ENOSPC
	case errors.Is(err, errs.ErrReadOnly):
		return syscall.EROFS
	case errors.Is(err, errs.ErrNotPermitted):
		return syscall.EPERM
	case errors.Is(err, errs.ErrBadFileDescriptor):
		return syscall.EBADF
	case errors.Is(err, errs.ErrNotFound):
		return syscall.ENOENT
	case errors.Is(err, errs.ErrAlreadyExists):
		return syscall.EEXIST
	case errors.Is(err, errs.ErrNotADirectory):
		return syscall.ENOTDIR
	case errors.Is(err, errs.ErrIsADirectory):
		return syscall.EISDIR
	case errors.Is(err, errs.ErrNameTooLong):
		return syscall.ENAMETOOLONG
	case errors.Is(err, errs.ErrCrossDevice):
		return syscall.EXDEV
	case errors.Is(err, errs.ErrTooManySymlinks):
		return syscall.ELOOP
	case errors.Is(err, errs.ErrNotConnected):
		return syscall.ENOTCONN
	case errors.Is(err, errs.ErrAlreadyConnected):
		return syscall.EISCONN
	case errors.Is(err, errs.ErrConnectionRefused):
		return syscall.ECONNREFUSED
	case errors.Is(err, errs.ErrConnectionReset):
		return syscall.ECONNRESET
	case errors.Is(err, errs.ErrInProgress):
		return syscall.EINPROGRESS
	case errors.Is(err, errs.ErrWouldBlock):
		return syscall.EAGAIN
	case errors.Is(err, errs.ErrPipeClosed):
		return syscall.EPIPE
	case errors.Is(err, errs.ErrMessageSize):
		return syscall.EMSGSIZE
	case errors.Is(err, errs.ErrIO):
		return syscall.EIO
	case errors.Is(err, errs.ErrInvalidArgument):
		return syscall.EINVAL
	case errors.Is(err, errs.ErrOverflow):
		return syscall.EOVERFLOW
	case errors.Is(err, errs.ErrAddressNotAvailable):
		return syscall.EADDRNOTAVAIL
	case errors.Is(err, errs.ErrNetworkDown):
		return syscall.ENETDOWN
	case errors.Is(err, errs.ErrNetworkUnreachable):
		return syscall.ENETUNREACH
	case errors.Is(err, errs.ErrProtocolNotSupported):
		return syscall.EPROTONOSUPPORT
	case errors.Is(err, errs.ErrAddressFamilyNotSupported):
		return syscall.EAFNOSUPPORT
	case errors.Is(err, errs.ErrInterrupted):
		return syscall.EINTR
	case errors.Is(err, errs.ErrTimedOut):
		return syscall.ETIMEDOUT
	default:
		return syscall.EIO
	}
}
