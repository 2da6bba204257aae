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

// Command reefmount exposes a mounted ext2 volume to the host kernel
// through FUSE, so a console image built by the rest of this tree can
// be inspected and edited with ordinary host tools.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path"
	"syscall"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"

	"reefos.dev/kernel/pkg/device"
	"reefos.dev/kernel/pkg/klog"
	"reefos.dev/kernel/pkg/vfs"
)

var (
	devicePath = flag.String("device", "", "path to the ext2 image to mount (required)")
	mountPoint = flag.String("mountpoint", "", "host directory to mount the volume on (required)")
	readOnly   = flag.Bool("readonly", false, "mount the volume read-only")
	verbosity  = flag.Int("v", 0, "log verbosity")
)

var log = klog.New("reefmount")

func usage() {
	fmt.Fprintf(os.Stderr, "usage: reefmount -device path -mountpoint dir [-readonly] [-v level]\n")
	flag.PrintDefaults()
	os.Exit(2)
}

func main() {
	flag.Usage = usage
	flag.Parse()
	klog.SetVerbosity(*verbosity)

	if *devicePath == "" || *mountPoint == "" {
		usage()
	}

	dev, err := device.OpenFileBlockDevice(*devicePath, 9, *readOnly) // 512-byte sectors
	if err != nil {
		log.Printf("fatal: open %s: %v", *devicePath, err)
		os.Exit(1)
	}

	fsys, err := vfs.Mount(dev, *readOnly)
	if err != nil {
		dev.Shutdown()
		log.Printf("fatal: mount %s: %v", *devicePath, err)
		os.Exit(1)
	}

	rfs := &reefFS{vfs: vfs.New(fsys)}

	opts := []fuse.MountOption{
		fuse.FSName("reef"),
		fuse.Subtype("ext2"),
		fuse.VolumeName(path.Base(*mountPoint)),
	}
	if *readOnly {
		opts = append(opts, fuse.ReadOnly())
	}

	conn, err := fuse.Mount(*mountPoint, opts...)
	if err != nil {
		fsys.Sync()
		dev.Shutdown()
		log.Printf("fatal: mount fuse at %s: %v", *mountPoint, err)
		os.Exit(1)
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	doneServe := make(chan error, 1)
	go func() { doneServe <- fusefs.Serve(conn, rfs) }()

	select {
	case err := <-doneServe:
		log.Printf("fuse server returned: %v", err)
	case sig := <-sigc:
		log.Printf("signal %s received, unmounting", sig)
	}

	if err := fuse.Unmount(*mountPoint); err != nil {
		log.Printf("unmount: %v", err)
	}
	if err := fsys.Sync(); err != nil {
		log.Printf("sync: %v", err)
	}
	dev.Shutdown()
}

// reefFS is the FUSE front-end onto a mounted volume; it holds nothing
// beyond the POSIX descriptor-table adaptor every node and handle
// dispatches through.
type reefFS struct {
	vfs *vfs.VFS
}

func (r *reefFS) Root() (fusefs.Node, error) {
	return &reefNode{fs: r, path: "/"}, nil
}

// reefNode is one path inside the mounted volume. FUSE addresses nodes
// by object identity, not by name, so each Lookup/Mkdir/Create/Symlink
// call mints a fresh reefNode for the child path rather than caching
// one — path.Join keeps everything rooted at "/" regardless of what
// the host OS's own path separator looks like.
type reefNode struct {
	fs   *reefFS
	path string
}

func errno(err error) error {
	if err == nil {
		return nil
	}
	return fuse.Errno(vfs.Errno(err))
}

func (n *reefNode) child(name string) string {
	return path.Join(n.path, name)
}

func (n *reefNode) Attr(ctx context.Context, a *fuse.Attr) error {
	st, err := n.fs.vfs.Lstat(n.path)
	if err != nil {
		return errno(err)
	}
	a.Size = st.Size
	a.Mtime = st.Mtime
	a.Mode = attrMode(st)
	return nil
}

func attrMode(st vfs.Stat) os.FileMode {
	var m os.FileMode
	switch st.Type {
	case vfs.TypeDir:
		m = os.ModeDir | 0755
	case vfs.TypeSymlink:
		m = os.ModeSymlink | 0777
	case vfs.TypePipe:
		m = os.ModeNamedPipe | 0644
	case vfs.TypeMeta:
		m = os.ModeDevice | 0644
	default:
		m = 0644
	}
	if m&os.ModeSymlink == 0 && !st.Write {
		m &^= 0222
	}
	return m
}

func direntType(t vfs.StatType) fuse.DirentType {
	switch t {
	case vfs.TypeDir:
		return fuse.DT_Dir
	case vfs.TypeSymlink:
		return fuse.DT_Link
	case vfs.TypePipe:
		return fuse.DT_FIFO
	case vfs.TypeMeta:
		return fuse.DT_Block
	default:
		return fuse.DT_File
	}
}

func (n *reefNode) Lookup(ctx context.Context, name string) (fusefs.Node, error) {
	child := n.child(name)
	if _, err := n.fs.vfs.Lstat(child); err != nil {
		return nil, errno(err)
	}
	return &reefNode{fs: n.fs, path: child}, nil
}

func (n *reefNode) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	fd, err := n.fs.vfs.Open(n.path, vfs.ODIR|vfs.ORDONLY)
	if err != nil {
		return nil, errno(err)
	}
	defer n.fs.vfs.Close(fd)

	entries, err := n.fs.vfs.Readdir(fd)
	if err != nil {
		return nil, errno(err)
	}
	out := make([]fuse.Dirent, 0, len(entries))
	for _, e := range entries {
		out = append(out, fuse.Dirent{Inode: uint64(e.Ino), Name: e.Name, Type: direntType(e.Type)})
	}
	return out, nil
}

// openMode translates a FUSE open request's access mode and append bit
// into this filesystem's OpenMode bitmask; FUSE's own read/write
// permission checks happen before Open is ever called, so only the
// bits that change Open's own behavior need carrying through.
func openMode(flags fuse.OpenFlags) vfs.OpenMode {
	var m vfs.OpenMode
	switch {
	case flags.IsWriteOnly():
		m = vfs.OWRONLY
	case flags.IsReadWrite():
		m = vfs.ORDWR
	default:
		m = vfs.ORDONLY
	}
	if flags&fuse.OpenAppend != 0 {
		m |= vfs.OAPPEND
	}
	if flags&fuse.OpenTruncate != 0 {
		m |= vfs.OTRUNC
	}
	return m
}

func (n *reefNode) Open(ctx context.Context, req *fuse.OpenRequest, resp *fuse.OpenResponse) (fusefs.Handle, error) {
	fd, err := n.fs.vfs.Open(n.path, openMode(req.Flags))
	if err != nil {
		return nil, errno(err)
	}
	return &reefHandle{fs: n.fs, fd: fd}, nil
}

func (n *reefNode) Create(ctx context.Context, req *fuse.CreateRequest, resp *fuse.CreateResponse) (fusefs.Node, fusefs.Handle, error) {
	child := n.child(req.Name)
	mode := openMode(req.Flags) | vfs.OCREAT
	fd, err := n.fs.vfs.Open(child, mode)
	if err != nil {
		return nil, nil, errno(err)
	}
	return &reefNode{fs: n.fs, path: child}, &reefHandle{fs: n.fs, fd: fd}, nil
}

func (n *reefNode) Mkdir(ctx context.Context, req *fuse.MkdirRequest) (fusefs.Node, error) {
	child := n.child(req.Name)
	if err := n.fs.vfs.Mkdir(child); err != nil {
		return nil, errno(err)
	}
	return &reefNode{fs: n.fs, path: child}, nil
}

func (n *reefNode) Remove(ctx context.Context, req *fuse.RemoveRequest) error {
	child := n.child(req.Name)
	if req.Dir {
		return errno(n.fs.vfs.Rmdir(child))
	}
	return errno(n.fs.vfs.Unlink(child))
}

func (n *reefNode) Rename(ctx context.Context, req *fuse.RenameRequest, newDir fusefs.Node) error {
	nd, ok := newDir.(*reefNode)
	if !ok {
		return fuse.Errno(syscall.EXDEV)
	}
	return errno(n.fs.vfs.Rename(n.child(req.OldName), nd.child(req.NewName)))
}

func (n *reefNode) Link(ctx context.Context, req *fuse.LinkRequest, old fusefs.Node) (fusefs.Node, error) {
	oldNode, ok := old.(*reefNode)
	if !ok {
		return nil, fuse.Errno(syscall.EXDEV)
	}
	child := n.child(req.NewName)
	if err := n.fs.vfs.Link(oldNode.path, child); err != nil {
		return nil, errno(err)
	}
	return &reefNode{fs: n.fs, path: child}, nil
}

func (n *reefNode) Symlink(ctx context.Context, req *fuse.SymlinkRequest) (fusefs.Node, error) {
	child := n.child(req.NewName)
	if err := n.fs.vfs.Symlink(req.Target, child); err != nil {
		return nil, errno(err)
	}
	return &reefNode{fs: n.fs, path: child}, nil
}

func (n *reefNode) Readlink(ctx context.Context, req *fuse.ReadlinkRequest) (string, error) {
	target, err := n.fs.vfs.Readlink(n.path)
	if err != nil {
		return "", errno(err)
	}
	return target, nil
}

// reefHandle is one open file descriptor, threaded straight through to
// the POSIX adaptor's own fd table.
type reefHandle struct {
	fs *reefFS
	fd int
}

func (h *reefHandle) Read(ctx context.Context, req *fuse.ReadRequest, resp *fuse.ReadResponse) error {
	if _, err := h.fs.vfs.Seek(h.fd, req.Offset, vfs.SeekSet); err != nil {
		return errno(err)
	}
	buf := make([]byte, req.Size)
	n, err := h.fs.vfs.Read(h.fd, buf)
	if err != nil {
		return errno(err)
	}
	resp.Data = buf[:n]
	return nil
}

func (h *reefHandle) Write(ctx context.Context, req *fuse.WriteRequest, resp *fuse.WriteResponse) error {
	if _, err := h.fs.vfs.Seek(h.fd, req.Offset, vfs.SeekSet); err != nil {
		return errno(err)
	}
	n, err := h.fs.vfs.Write(h.fd, req.Data)
	if err != nil {
		return errno(err)
	}
	resp.Size = n
	return nil
}

func (h *reefHandle) Release(ctx context.Context, req *fuse.ReleaseRequest) error {
	return errno(h.fs.vfs.Close(h.fd))
}
