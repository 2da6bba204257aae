package vfs

import (
	"testing"

	"reefos.dev/kernel/pkg/errs"
)

func TestCreateWriteReadBack(t *testing.T) {
	fs := newTestFilesystem(t)
	v := New(fs)

	fd, err := v.Open("/a", OCREAT|OWRONLY)
	if err != nil {
		t.Fatalf("Open create: %v", err)
	}
	n, err := v.Write(fd, []byte("hello"))
	if err != nil || n != 5 {
		t.Fatalf("Write: n=%d err=%v", n, err)
	}
	if err := v.Close(fd); err != nil {
		t.Fatalf("Close: %v", err)
	}

	fd2, err := v.Open("/a", ORDONLY)
	if err != nil {
		t.Fatalf("Open read: %v", err)
	}
	buf := make([]byte, 5)
	n2, err := v.Read(fd2, buf)
	if err != nil || n2 != 5 || string(buf) != "hello" {
		t.Fatalf("Read: n=%d buf=%q err=%v", n2, buf, err)
	}
	if err := v.Close(fd2); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st, err := v.Stat("/a")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if st.Type != TypeFile || st.Size != 5 {
		t.Fatalf("unexpected stat: %+v", st)
	}
}

func TestRenameAcrossDirectories(t *testing.T) {
	fs := newTestFilesystem(t)
	v := New(fs)

	if err := v.Mkdir("/d1"); err != nil {
		t.Fatalf("Mkdir /d1: %v", err)
	}
	if err := v.Mkdir("/d2"); err != nil {
		t.Fatalf("Mkdir /d2: %v", err)
	}
	fd, err := v.Open("/d1/f", OCREAT|OWRONLY)
	if err != nil {
		t.Fatalf("Open create: %v", err)
	}
	if err := v.Close(fd); err != nil {
		t.Fatalf("Close: %v", err)
	}

	d1Before, err := v.Stat("/d1")
	if err != nil {
		t.Fatalf("Stat /d1: %v", err)
	}
	d2Before, err := v.Stat("/d2")
	if err != nil {
		t.Fatalf("Stat /d2: %v", err)
	}

	if err := v.Rename("/d1/f", "/d2/f"); err != nil {
		t.Fatalf("Rename: %v", err)
	}

	if _, err := v.Stat("/d1/f"); err != errs.ErrNotFound {
		t.Fatalf("expected /d1/f gone, got err=%v", err)
	}
	st, err := v.Stat("/d2/f")
	if err != nil || st.Type != TypeFile {
		t.Fatalf("expected /d2/f to be a file, got %+v err=%v", st, err)
	}

	d1After, _ := v.Stat("/d1")
	d2After, _ := v.Stat("/d2")
	if d1Before != d1After || d2Before != d2After {
		t.Fatalf("expected directory stats (type, size, mtime) unchanged for a file rename: before=%+v/%+v after=%+v/%+v",
			d1Before, d2Before, d1After, d2After)
	}
}

func TestMkdirThenRmdirRemovesDirectory(t *testing.T) {
	fs := newTestFilesystem(t)
	v := New(fs)

	if err := v.Mkdir("/sub"); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	fd, err := v.Open("/sub", ODIR|ORDONLY)
	if err != nil {
		t.Fatalf("Open dir: %v", err)
	}
	entries, err := v.Readdir(fd)
	if err != nil {
		t.Fatalf("Readdir: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected only '.' and '..' in a fresh directory, got %+v", entries)
	}
	v.Close(fd)

	if err := v.Rmdir("/sub"); err != nil {
		t.Fatalf("Rmdir: %v", err)
	}
	if _, err := v.Stat("/sub"); err == nil {
		t.Fatal("expected /sub gone after Rmdir")
	}
}

func TestSymlinkResolvesThroughStat(t *testing.T) {
	fs := newTestFilesystem(t)
	v := New(fs)

	fd, err := v.Open("/target", OCREAT|OWRONLY)
	if err != nil {
		t.Fatalf("Open create: %v", err)
	}
	v.Write(fd, []byte("data"))
	v.Close(fd)

	if err := v.Symlink("target", "/link"); err != nil {
		t.Fatalf("Symlink: %v", err)
	}

	lst, err := v.Lstat("/link")
	if err != nil || lst.Type != TypeSymlink {
		t.Fatalf("expected Lstat to report a symlink, got %+v err=%v", lst, err)
	}
	st, err := v.Stat("/link")
	if err != nil || st.Type != TypeFile || st.Size != 4 {
		t.Fatalf("expected Stat to follow the symlink to the 4-byte target, got %+v err=%v", st, err)
	}
}
