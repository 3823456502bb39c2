package squashfs_test

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"testing"
	"time"

	"github.com/aperturerobotics/squashfs"
)

func s256(buf []byte) string {
	hash := sha256.Sum256(buf)
	return hex.EncodeToString(hash[:])
}

// buildZlibLikeImage constructs a small synthetic image shaped like a
// library package install: headers, a static and a shared library (the
// shared one reached via a symlink), and a pkg-config file.
func buildZlibLikeImage(t *testing.T) *squashfs.Reader {
	t.Helper()
	tree := squashfs.NewTree()
	h := squashfs.Header{Mode: 0644}

	zlibH := bytes.Repeat([]byte("z"), 97323)
	mustPush(t, tree.PushDirAll("include", squashfs.Header{Mode: 0755}))
	mustPush(t, tree.PushFile("include/zlib.h", h, squashfs.NewOwnedSource(zlibH)))

	mustPush(t, tree.PushDirAll("lib", squashfs.Header{Mode: 0755}))
	mustPush(t, tree.PushFile("lib/libz.a", h, squashfs.NewOwnedSource([]byte("static archive contents"))))
	mustPush(t, tree.PushFile("lib/libz.so.1.2.11", h, squashfs.NewOwnedSource([]byte("shared object contents"))))
	mustPush(t, tree.PushSymlink("lib/libz.so", squashfs.Header{Mode: 0777}, "libz.so.1.2.11"))

	mustPush(t, tree.PushDirAll("pkgconfig", squashfs.Header{Mode: 0755}))
	mustPush(t, tree.PushFile("pkgconfig/zlib.pc", h, squashfs.NewOwnedSource([]byte("Name: zlib\nVersion: 1.2.11\n"))))

	w, err := squashfs.NewWriter(tree)
	if err != nil {
		t.Fatalf("NewWriter failed: %s", err)
	}
	var buf bytes.Buffer
	if err := w.Finalize(&buf); err != nil {
		t.Fatalf("Finalize failed: %s", err)
	}
	r, err := squashfs.OpenAt(bytes.NewReader(buf.Bytes()), 0)
	if err != nil {
		t.Fatalf("failed to open built image: %s", err)
	}
	return r
}

func mustPush(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("tree construction failed: %s", err)
	}
}

func TestSquashfs(t *testing.T) {
	sqfs := buildZlibLikeImage(t)
	defer sqfs.Close()

	data, err := fs.ReadFile(sqfs, "pkgconfig/zlib.pc")
	if err != nil {
		t.Errorf("failed to read pkgconfig/zlib.pc: %s", err)
	} else {
		want := s256([]byte("Name: zlib\nVersion: 1.2.11\n"))
		if s256(data) != want {
			t.Errorf("invalid hash for pkgconfig/zlib.pc")
		}
	}

	// Given the tree layout above, post-order inode assignment walks
	// include (ino 1,2), lib (ino 3,4,5,6), pkgconfig (ino 7,8), root (9):
	// lib's children sort as libz.a, libz.so, libz.so.1.2.11.
	ino, err := sqfs.FindInode("lib/libz.a", false)
	if err != nil {
		t.Errorf("failed to find lib/libz.a: %s", err)
	} else if ino.Ino != 3 {
		t.Errorf("invalid inode found for lib/libz.a: got %d, want 3", ino.Ino)
	}

	res, err := fs.Glob(sqfs, "lib/*.so")
	if err != nil {
		t.Errorf("failed to glob lib/*.so: %s", err)
	} else if len(res) != 1 || res[0] != "lib/libz.so" {
		t.Errorf("bad response for glob lib/*.so: %v", res)
	}

	st, err := fs.Stat(sqfs, "include/zlib.h")
	if err != nil {
		t.Errorf("failed to stat include/zlib.h: %s", err)
	} else if st.Size() != 97323 {
		t.Errorf("bad file size on stat include/zlib.h: %d", st.Size())
	}

	// stat follows symlinks, lstat doesn't
	st, err = fs.Stat(sqfs, "lib")
	if err != nil {
		t.Errorf("failed to stat lib: %s", err)
	} else if !st.IsDir() {
		t.Errorf("stat(lib) did not return a directory")
	}

	st, err = sqfs.Lstat("lib/libz.so")
	if err != nil {
		t.Errorf("failed to lstat lib/libz.so: %s", err)
	} else if st.Mode()&fs.ModeSymlink == 0 {
		t.Errorf("lstat(lib/libz.so) should report a symlink")
	}

	st, err = fs.Stat(sqfs, "lib/libz.so")
	if err != nil {
		t.Errorf("failed to stat lib/libz.so: %s", err)
	} else if st.Mode()&fs.ModeSymlink != 0 {
		t.Errorf("stat(lib/libz.so) should have followed the symlink")
	}

	_, err = fs.ReadFile(sqfs, "pkgconfig/zlib.pc/foo")
	if !errors.Is(err, squashfs.ErrNotDirectory) {
		t.Errorf("readfile pkgconfig/zlib.pc/foo returned unexpected err=%s", err)
	}
}

func TestSymlinkCycleDepth(t *testing.T) {
	tree := squashfs.NewTree()
	mustPush(t, tree.PushFile("target.txt", squashfs.Header{Mode: 0644}, squashfs.NewOwnedSource([]byte("payload"))))

	const chainLen = 50
	for i := 0; i < chainLen; i++ {
		name := fmt.Sprintf("link%d", i)
		target := "target.txt"
		if i > 0 {
			target = fmt.Sprintf("link%d", i-1)
		}
		mustPush(t, tree.PushSymlink(name, squashfs.Header{Mode: 0777}, target))
	}

	w, err := squashfs.NewWriter(tree)
	if err != nil {
		t.Fatalf("NewWriter failed: %s", err)
	}
	var buf bytes.Buffer
	if err := w.Finalize(&buf); err != nil {
		t.Fatalf("Finalize failed: %s", err)
	}
	sqfs, err := squashfs.OpenAt(bytes.NewReader(buf.Bytes()), 0)
	if err != nil {
		t.Fatalf("failed to open built image: %s", err)
	}

	_, err = sqfs.FindInode(fmt.Sprintf("link%d", chainLen-1), true)
	if !errors.Is(err, squashfs.ErrTooManySymlinks) {
		t.Errorf("expected ErrTooManySymlinks for a %d-deep symlink chain, got %v", chainLen, err)
	}

	// a short chain within the limit should resolve fine
	_, err = sqfs.FindInode("link2", true)
	if err != nil {
		t.Errorf("failed to resolve short symlink chain: %s", err)
	}
}

func TestLargeDirectoryLookup(t *testing.T) {
	tree := squashfs.NewTree()
	h := squashfs.Header{Mode: 0644}
	mustPush(t, tree.PushDirAll("bigdir", squashfs.Header{Mode: 0755}))
	for i := 0; i < 2000; i++ {
		name := fmt.Sprintf("bigdir/%05d.txt", i)
		mustPush(t, tree.PushFile(name, h, squashfs.NewOwnedSource(nil)))
	}

	w, err := squashfs.NewWriter(tree)
	if err != nil {
		t.Fatalf("NewWriter failed: %s", err)
	}
	var buf bytes.Buffer
	if err := w.Finalize(&buf); err != nil {
		t.Fatalf("Finalize failed: %s", err)
	}
	sqfs, err := squashfs.OpenAt(bytes.NewReader(buf.Bytes()), 0)
	if err != nil {
		t.Fatalf("failed to open built image: %s", err)
	}

	t1 := time.Now()
	data, err := fs.ReadFile(sqfs, "bigdir/01999.txt")
	d := time.Since(t1)
	if err != nil {
		t.Errorf("failed to read bigdir/01999.txt: %s", err)
	} else if string(data) != "" {
		t.Errorf("invalid value for bigdir/01999.txt")
	}
	if d > 50*time.Millisecond {
		t.Errorf("read of bigdir/01999.txt took too long: %s", d)
	}

	if _, err := fs.ReadFile(sqfs, "bigdir/00999.txt"); err != nil {
		t.Errorf("failed to read bigdir/00999.txt: %s", err)
	}
	if _, err := fs.ReadFile(sqfs, "bigdir/99999.txt"); err == nil {
		t.Errorf("expected failure reading nonexistent bigdir/99999.txt")
	}
}
