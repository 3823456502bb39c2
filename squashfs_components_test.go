package squashfs_test

import (
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"testing"

	"github.com/aperturerobotics/squashfs"
)

// TestCompression tests the basic compression functionality
func TestCompression(t *testing.T) {
	compressionTypes := []squashfs.Compression{
		squashfs.GZip,
		squashfs.LZMA,
		squashfs.LZO,
		squashfs.XZ,
		squashfs.LZ4,
		squashfs.ZSTD,
	}

	expectedNames := []string{
		"GZip",
		"LZMA",
		"LZO",
		"XZ",
		"LZ4",
		"ZSTD",
	}

	for i, compType := range compressionTypes {
		if compType.String() != expectedNames[i] {
			t.Errorf("expected compression type %d name to be %s, got %s",
				compType, expectedNames[i], compType.String())
		}
	}

	unknownType := squashfs.Compression(99)
	if unknownType.String() != "Compression(99)" {
		t.Errorf("expected unknown compression type to be Compression(99), got %s", unknownType.String())
	}
}

// TestFileOperations tests various file operations
func TestFileOperations(t *testing.T) {
	sqfs := buildZlibLikeImage(t)
	defer sqfs.Close()

	entries, err := sqfs.ReadDir("include")
	if err != nil {
		t.Errorf("failed to read directory 'include': %s", err)
	}
	if len(entries) < 1 {
		t.Errorf("expected at least 1 entry in 'include', got %d", len(entries))
	}

	for _, entry := range entries {
		name := entry.Name()

		info, err := entry.Info()
		if err != nil {
			t.Errorf("failed to get info for %s: %s", name, err)
			continue
		}

		if info.Name() != name {
			t.Errorf("info.Name() returned %s, expected %s", info.Name(), name)
		}

		if info.IsDir() != entry.IsDir() {
			t.Errorf("isDir mismatch for %s: entry.IsDir()=%v, info.IsDir()=%v",
				name, entry.IsDir(), info.IsDir())
		}
	}

	file, err := sqfs.Open("include/zlib.h")
	if err != nil {
		t.Errorf("failed to open include/zlib.h: %s", err)
	} else {
		defer file.Close()

		fileInfo, err := file.Stat()
		if err != nil {
			t.Errorf("failed to get stat on open file: %s", err)
		} else if fileInfo.Name() != "zlib.h" {
			t.Errorf("expected filename to be zlib.h, got %s", fileInfo.Name())
		}

		buf := make([]byte, 100)
		n, err := file.Read(buf)
		if err != nil && err != io.EOF {
			t.Errorf("failed to read from file: %s", err)
		}
		if n == 0 {
			t.Errorf("read 0 bytes from file")
		}
	}

	_, err = sqfs.ReadDir("nonexistent")
	if err == nil {
		t.Errorf("expected error when reading non-existent directory")
	}

	_, err = sqfs.Open("nonexistent/file.txt")
	if err == nil {
		t.Errorf("expected error when opening non-existent file")
	}
}

// TestSymlinkHandling tests resolving paths that traverse a symlink
func TestSymlinkHandling(t *testing.T) {
	sqfs := buildZlibLikeImage(t)
	defer sqfs.Close()

	ino, err := sqfs.FindInode("lib/libz.so", true)
	if err != nil {
		t.Errorf("failed to find inode 'lib/libz.so': %s", err)
	} else if ino.Type.IsSymlink() {
		t.Errorf("following the symlink should have returned the target inode")
	}

	target, err := func() ([]byte, error) {
		i, err := sqfs.FindInode("lib/libz.so", false)
		if err != nil {
			return nil, err
		}
		return i.Readlink()
	}()
	if err != nil {
		t.Errorf("failed to read symlink lib/libz.so: %s", err)
	} else if string(target) != "libz.so.1.2.11" {
		t.Errorf("expected symlink target 'libz.so.1.2.11', got %q", target)
	}
}

// TestInodeAttributes tests access to inode attributes
func TestInodeAttributes(t *testing.T) {
	sqfs := buildZlibLikeImage(t)
	defer sqfs.Close()

	ino, err := sqfs.FindInode("include/zlib.h", false)
	if err != nil {
		t.Errorf("failed to find include/zlib.h: %s", err)
	} else {
		uid := ino.GetUid()
		gid := ino.GetGid()
		t.Logf("uid: %d, gid: %d", uid, gid)
	}

	fileInfo, err := fs.Stat(sqfs, "include/zlib.h")
	if err != nil {
		t.Errorf("failed to stat include/zlib.h: %s", err)
	} else {
		mode := fileInfo.Mode()
		if mode.IsDir() {
			t.Errorf("include/zlib.h should not be a directory")
		}
		if !mode.IsRegular() {
			t.Errorf("include/zlib.h should be a regular file")
		}
		if mode&0400 == 0 {
			t.Errorf("include/zlib.h should have read permission")
		}
	}
}

// TestSubFS tests the fs.Sub interface for creating sub-filesystems
func TestSubFS(t *testing.T) {
	sqfs := buildZlibLikeImage(t)
	defer sqfs.Close()

	subFS, err := fs.Sub(sqfs, "include")
	if err != nil {
		t.Fatalf("failed to create sub-filesystem: %s", err)
	}

	data, err := fs.ReadFile(subFS, "zlib.h")
	if err != nil {
		t.Errorf("failed to read zlib.h from sub-filesystem: %s", err)
	} else if len(data) == 0 {
		t.Errorf("read 0 bytes from zlib.h in sub-filesystem")
	}

	entries, err := fs.ReadDir(subFS, ".")
	if err != nil {
		t.Errorf("failed to read directory entries from sub-filesystem: %s", err)
	} else if len(entries) == 0 {
		t.Errorf("no entries found in sub-filesystem")
	}

	_, err = fs.ReadFile(subFS, "../lib/libz.a")
	if err == nil {
		t.Errorf("should not be able to access files outside the sub-filesystem")
	}
}

// TestErrorCases tests various error conditions
func TestErrorCases(t *testing.T) {
	sqfs := buildZlibLikeImage(t)
	defer sqfs.Close()

	_, err := sqfs.Open("..")
	if err == nil {
		t.Errorf("expected error opening invalid path '..'")
	}

	dir, err := sqfs.Open("include")
	if err != nil {
		t.Errorf("failed to open directory: %s", err)
	} else {
		defer dir.Close()

		buf := make([]byte, 100)
		_, err = dir.Read(buf)
		if err == nil {
			t.Errorf("expected error reading from directory")
		}
	}

	_, err = fs.ReadFile(sqfs, "include/nonexistent.h")
	if err == nil {
		t.Errorf("expected error reading non-existent file")
	}

	_, err = sqfs.FindInode(string(make([]byte, 1000)), false)
	if err == nil {
		t.Errorf("expected error with very long path")
	}
}

// TestFileServerCompatibility tests compatibility with http.FileServer
func TestFileServerCompatibility(t *testing.T) {
	sqfs := buildZlibLikeImage(t)
	defer sqfs.Close()

	var fsys fs.FS = sqfs
	var _ fs.StatFS = sqfs

	_, err := fs.Stat(fsys, "include/zlib.h")
	if err != nil {
		t.Errorf("fs.Stat failed: %s", err)
	}

	_, err = fs.ReadDir(fsys, "include")
	if err != nil {
		t.Errorf("fs.ReadDir failed: %s", err)
	}

	f, err := fsys.Open("include/zlib.h")
	if err != nil {
		t.Errorf("Open failed: %s", err)
	} else {
		defer f.Close()

		_, err = f.Stat()
		if err != nil {
			t.Errorf("file.Stat failed: %s", err)
		}

		buf := make([]byte, 100)
		_, err = f.Read(buf)
		if err != nil && err != io.EOF {
			t.Errorf("file.Read failed: %s", err)
		}

		if _, ok := f.(io.ReadSeeker); !ok {
			t.Errorf("file doesn't implement io.ReadSeeker interface")
		}
	}
}

// TestDirectoryReadingPerformance exercises lookups deep into a large
// directory listing that spans several metadata blocks
func TestDirectoryReadingPerformance(t *testing.T) {
	tree := squashfs.NewTree()
	h := squashfs.Header{Mode: 0644}
	mustPush(t, tree.PushDirAll("bigdir", squashfs.Header{Mode: 0755}))
	for i := 0; i < 2000; i++ {
		name := formatBigdirName(i)
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

	for _, name := range []string{
		formatBigdirName(1000),
		formatBigdirName(1500),
		formatBigdirName(1999),
	} {
		if _, err := fs.Stat(sqfs, name); err != nil && err != fs.ErrNotExist {
			t.Errorf("unexpected error accessing %s: %s", name, err)
		}
	}
}

func formatBigdirName(i int) string {
	return fmt.Sprintf("bigdir/%04d.txt", i)
}

// TestSquashFSNew tests creation of a SquashFS reader from an arbitrary ReaderAt via OpenAt
func TestSquashFSNew(t *testing.T) {
	tree := squashfs.NewTree()
	mustPush(t, tree.PushFile("pkgconfig.txt", squashfs.Header{Mode: 0644}, squashfs.NewOwnedSource([]byte("Name: zlib\n"))))

	w, err := squashfs.NewWriter(tree)
	if err != nil {
		t.Fatalf("NewWriter failed: %s", err)
	}
	var imgBuf bytes.Buffer
	if err := w.Finalize(&imgBuf); err != nil {
		t.Fatalf("Finalize failed: %s", err)
	}

	sb, err := squashfs.New(bytes.NewReader(imgBuf.Bytes()))
	if err != nil {
		t.Fatalf("failed to create superblock with New: %s", err)
	}
	if sb.Magic == 0 {
		t.Errorf("expected a non-zero magic value")
	}

	sqfs, err := squashfs.OpenAt(bytes.NewReader(imgBuf.Bytes()), 0)
	if err != nil {
		t.Fatalf("failed to create squashfs reader with OpenAt: %s", err)
	}
	data, err := fs.ReadFile(sqfs, "pkgconfig.txt")
	if err != nil {
		t.Errorf("failed to read file using OpenAt-created squashfs: %s", err)
	} else if len(data) == 0 {
		t.Errorf("read 0 bytes from file")
	}
}
