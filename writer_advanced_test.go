package squashfs_test

import (
	"bytes"
	"fmt"
	"io/fs"
	"strings"
	"testing"

	"github.com/aperturerobotics/squashfs"
)

func buildAndOpen(t *testing.T, tree *squashfs.Tree, opts ...squashfs.WriterOption) *squashfs.Reader {
	t.Helper()
	w, err := squashfs.NewWriter(tree, opts...)
	if err != nil {
		t.Fatalf("NewWriter failed: %s", err)
	}
	var buf bytes.Buffer
	if err := w.Finalize(&buf); err != nil {
		t.Fatalf("Finalize failed: %s", err)
	}
	t.Logf("created squashfs image: %d bytes", buf.Len())
	r, err := squashfs.OpenAt(bytes.NewReader(buf.Bytes()), 0)
	if err != nil {
		t.Fatalf("failed to read back squashfs: %s", err)
	}
	return r
}

func TestWriterDialectsAndOptions(t *testing.T) {
	for _, kind := range []*squashfs.Kind{squashfs.KindLE, squashfs.KindBE, squashfs.KindAVMBE} {
		t.Run(kind.Name, func(t *testing.T) {
			tree := squashfs.NewTree()
			h := squashfs.Header{Mode: 0644}
			if err := tree.PushFile("a.txt", h, squashfs.NewOwnedSource([]byte("alpha"))); err != nil {
				t.Fatalf("PushFile failed: %s", err)
			}
			if err := tree.PushFile("b.txt", h, squashfs.NewOwnedSource([]byte("beta"))); err != nil {
				t.Fatalf("PushFile failed: %s", err)
			}

			w, err := squashfs.NewWriter(tree,
				squashfs.WithKind(kind),
				squashfs.WithFragments(false),
				squashfs.WithExportable(true),
			)
			if err != nil {
				t.Fatalf("NewWriter failed: %s", err)
			}
			var imgBuf bytes.Buffer
			if err := w.Finalize(&imgBuf); err != nil {
				t.Fatalf("Finalize failed: %s", err)
			}
			img := imgBuf.Bytes()

			sqfs, err := squashfs.OpenAt(bytes.NewReader(img), 0)
			if err != nil {
				t.Fatalf("failed to read back squashfs: %s", err)
			}
			defer sqfs.Close()

			sb := sqfs.Superblock()
			if sb.VMajor != kind.VMajor || sb.VMinor != kind.VMinor {
				t.Errorf("expected version %d.%d, got %d.%d", kind.VMajor, kind.VMinor, sb.VMajor, sb.VMinor)
			}
			if !sb.Flags.Has(squashfs.EXPORTABLE) {
				t.Errorf("expected EXPORTABLE flag to be set")
			}
			if sb.FragCount != 0 {
				t.Errorf("expected no fragment blocks with fragments disabled, got %d", sb.FragCount)
			}

			data, err := fs.ReadFile(sqfs, "a.txt")
			if err != nil {
				t.Fatalf("failed to read a.txt: %s", err)
			}
			if string(data) != "alpha" {
				t.Errorf("expected content 'alpha', got %q", data)
			}

			aIno, err := sqfs.FindInode("a.txt", false)
			if err != nil {
				t.Fatalf("failed to find a.txt: %s", err)
			}

			// Open a second, independent reader over the same image so the
			// inode-ref cache populated by FindInode above can't shortcut
			// the lookup below; this forces GetInode through exportLookup.
			sqfs2, err := squashfs.OpenAt(bytes.NewReader(img), 0)
			if err != nil {
				t.Fatalf("failed to reopen squashfs: %s", err)
			}
			defer sqfs2.Close()

			// GetInode takes public inode numbers, in which the root and
			// on-disk inode 1 trade places.
			root, err := sqfs.FindInode(".", false)
			if err != nil {
				t.Fatalf("failed to find root: %s", err)
			}
			pub := uint64(aIno.Ino)
			if aIno.Ino == 1 {
				pub = uint64(root.Ino)
			}
			ino, err := sqfs2.Superblock().GetInode(pub)
			if err != nil {
				t.Fatalf("GetInode via export table failed: %s", err)
			}
			if ino.IsDir() {
				t.Errorf("expected a.txt export lookup to resolve to a regular file")
			}
		})
	}
}

func TestWriterWithSubdirectories(t *testing.T) {
	tree := squashfs.NewTree()
	h := squashfs.Header{Mode: 0644}

	files := map[string]string{
		"file1.txt":             "hello world",
		"dir1/file2.txt":        "file in dir1",
		"dir1/file3.txt":        "another file in dir1",
		"dir1/subdir/file4.txt": "file in subdir",
		"dir2/file5.txt":        "file in dir2",
	}
	for p, content := range files {
		if err := tree.PushDirAll(fsDir(p), squashfs.Header{Mode: 0755}); err != nil {
			t.Fatalf("PushDirAll(%s) failed: %s", p, err)
		}
		if err := tree.PushFile(p, h, squashfs.NewOwnedSource([]byte(content))); err != nil {
			t.Fatalf("PushFile(%s) failed: %s", p, err)
		}
	}
	if err := tree.PushDirAll("empty_dir", squashfs.Header{Mode: 0755}); err != nil {
		t.Fatalf("PushDirAll(empty_dir) failed: %s", err)
	}

	sqfs := buildAndOpen(t, tree)

	entries, err := sqfs.ReadDir(".")
	if err != nil {
		t.Fatalf("failed to read root directory: %s", err)
	}
	t.Logf("root directory has %d entries", len(entries))

	entries, err = sqfs.ReadDir("dir1")
	if err != nil {
		t.Fatalf("failed to read dir1: %s", err)
	}
	if len(entries) < 2 {
		t.Errorf("expected at least 2 entries in dir1, got %d", len(entries))
	}

	data, err := fs.ReadFile(sqfs, "file1.txt")
	if err != nil {
		t.Fatalf("failed to read file1.txt: %s", err)
	}
	if string(data) != "hello world" {
		t.Errorf("expected 'hello world', got %q", data)
	}

	data, err = fs.ReadFile(sqfs, "dir1/subdir/file4.txt")
	if err != nil {
		t.Fatalf("failed to read dir1/subdir/file4.txt: %s", err)
	}
	if string(data) != "file in subdir" {
		t.Errorf("expected 'file in subdir', got %q", data)
	}
}

func fsDir(p string) string {
	idx := strings.LastIndexByte(p, '/')
	if idx < 0 {
		return "."
	}
	return p[:idx]
}

func TestWriterWithLargeDirectory(t *testing.T) {
	tree := squashfs.NewTree()
	h := squashfs.Header{Mode: 0644}

	for i := 0; i < 1000; i++ {
		name := fmt.Sprintf("file_%04d.txt", i)
		content := fmt.Sprintf("content of file %d", i)
		if err := tree.PushFile(name, h, squashfs.NewOwnedSource([]byte(content))); err != nil {
			t.Fatalf("PushFile(%s) failed: %s", name, err)
		}
	}

	sqfs := buildAndOpen(t, tree)

	entries, err := sqfs.ReadDir(".")
	if err != nil {
		t.Fatalf("failed to read root directory: %s", err)
	}
	if len(entries) != 1000 {
		t.Errorf("expected 1000 entries, got %d", len(entries))
	}

	data, err := fs.ReadFile(sqfs, "file_0500.txt")
	if err != nil {
		t.Fatalf("failed to read file_0500.txt: %s", err)
	}
	if string(data) != "content of file 500" {
		t.Errorf("expected 'content of file 500', got %q", data)
	}

	if _, err := fs.ReadFile(sqfs, "file_0000.txt"); err != nil {
		t.Fatalf("failed to read file_0000.txt: %s", err)
	}
	if _, err := fs.ReadFile(sqfs, "file_0999.txt"); err != nil {
		t.Fatalf("failed to read file_0999.txt: %s", err)
	}
}

func TestWriterWithNestedDirectories(t *testing.T) {
	tree := squashfs.NewTree()

	path := ""
	for i := 0; i < 10; i++ {
		if i > 0 {
			path += "/"
		}
		path += fmt.Sprintf("level%d", i)
	}
	if err := tree.PushDirAll(path, squashfs.Header{Mode: 0755}); err != nil {
		t.Fatalf("PushDirAll failed: %s", err)
	}
	if err := tree.PushFile(path+"/deep_file.txt", squashfs.Header{Mode: 0644}, squashfs.NewOwnedSource([]byte("deeply nested content"))); err != nil {
		t.Fatalf("PushFile failed: %s", err)
	}

	sqfs := buildAndOpen(t, tree)

	data, err := fs.ReadFile(sqfs, path+"/deep_file.txt")
	if err != nil {
		t.Fatalf("failed to read deep_file.txt: %s", err)
	}
	if string(data) != "deeply nested content" {
		t.Errorf("expected 'deeply nested content', got %q", data)
	}

	parts := strings.Split(path, "/")
	for i := range parts {
		dirPath := strings.Join(parts[:i+1], "/")
		entries, err := sqfs.ReadDir(dirPath)
		if err != nil {
			t.Fatalf("failed to read directory %s: %s", dirPath, err)
		}
		if len(entries) == 0 {
			t.Errorf("directory %s is empty", dirPath)
		}
	}
}

func TestWriterMixedContent(t *testing.T) {
	tree := squashfs.NewTree()
	h := squashfs.Header{Mode: 0644}

	if err := tree.PushFile("empty.txt", h, squashfs.NewOwnedSource(nil)); err != nil {
		t.Fatalf("PushFile(empty.txt) failed: %s", err)
	}
	if err := tree.PushFile("small.txt", h, squashfs.NewOwnedSource([]byte("x"))); err != nil {
		t.Fatalf("PushFile(small.txt) failed: %s", err)
	}
	if err := tree.PushFile("medium.txt", h, squashfs.NewOwnedSource(bytes.Repeat([]byte("medium content\n"), 100))); err != nil {
		t.Fatalf("PushFile(medium.txt) failed: %s", err)
	}
	large := bytes.Repeat([]byte("large content\n"), 80000)
	if err := tree.PushFile("large.txt", h, squashfs.NewOwnedSource(large)); err != nil {
		t.Fatalf("PushFile(large.txt) failed: %s", err)
	}
	if err := tree.PushDirAll("data", squashfs.Header{Mode: 0755}); err != nil {
		t.Fatalf("PushDirAll(data) failed: %s", err)
	}
	if err := tree.PushFile("data/file1.dat", h, squashfs.NewOwnedSource([]byte("data1"))); err != nil {
		t.Fatalf("PushFile(data/file1.dat) failed: %s", err)
	}
	if err := tree.PushFile("data/file2.dat", h, squashfs.NewOwnedSource([]byte("data2"))); err != nil {
		t.Fatalf("PushFile(data/file2.dat) failed: %s", err)
	}

	sqfs := buildAndOpen(t, tree)

	data, err := fs.ReadFile(sqfs, "empty.txt")
	if err != nil {
		t.Fatalf("failed to read empty.txt: %s", err)
	}
	if len(data) != 0 {
		t.Errorf("expected empty file, got %d bytes", len(data))
	}

	data, err = fs.ReadFile(sqfs, "large.txt")
	if err != nil {
		t.Fatalf("failed to read large.txt: %s", err)
	}
	if len(data) != len(large) {
		t.Errorf("expected %d bytes, got %d", len(large), len(data))
	}
	if !bytes.Equal(data, large) {
		t.Errorf("large.txt content mismatch after round-trip")
	}
}
