package squashfs

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path"
	"strings"
)

// Reader is the read-only filesystem view over a SquashFS v4.0 image,
// implementing fs.FS, fs.StatFS, fs.ReadDirFS and fs.ReadFileFS so that the
// standard library's fs.Glob, fs.WalkDir and fs.ReadFile all work against
// an opened image without any package-specific API.
type Reader struct {
	sb   *Superblock
	file *os.File // non-nil only when opened via Open(path)
}

var (
	_ fs.FS         = (*Reader)(nil)
	_ fs.StatFS     = (*Reader)(nil)
	_ fs.ReadDirFS  = (*Reader)(nil)
	_ fs.ReadFileFS = (*Reader)(nil)
)

// Open opens the SquashFS image at path, auto-detecting its dialect from
// the magic bytes at offset 0.
func Open(path string, opts ...Option) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	sb, err := New(f, opts...)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &Reader{sb: sb, file: f}, nil
}

// OpenAt opens an image already available as an io.ReaderAt, e.g. a slice
// of a larger firmware blob located by DetectKind.
func OpenAt(ra readerAt, offset int64, opts ...Option) (*Reader, error) {
	sb, err := NewAt(ra, offset, opts...)
	if err != nil {
		return nil, err
	}
	return &Reader{sb: sb}, nil
}

type readerAt interface {
	ReadAt(p []byte, off int64) (int, error)
}

// Close releases the underlying file, if Open(path) was used to create this
// Reader. It is a no-op when the reader was constructed from a caller-owned
// io.ReaderAt via OpenAt.
func (r *Reader) Close() error {
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

// Superblock exposes the parsed superblock for callers that need low-level
// details (compression kind, flags, table offsets).
func (r *Reader) Superblock() *Superblock { return r.sb }

const maxSymlinkDepth = 40

func validPath(name string) bool {
	return fs.ValidPath(name)
}

// FindInode resolves name (a fs.ValidPath-style path, "." for root) to its
// Inode, following symlinks along the way when followSymlink is true.
func (r *Reader) FindInode(name string, followSymlink bool) (*Inode, error) {
	return r.findInode(name, followSymlink, 0)
}

// findInode is FindInode with the number of symlinks already followed on the
// way to name, so that maxSymlinkDepth bounds the whole resolution chain.
func (r *Reader) findInode(name string, followSymlink bool, depth int) (*Inode, error) {
	if !validPath(name) {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrInvalid}
	}

	cur, err := r.sb.GetInode(1)
	if err != nil {
		return nil, err
	}
	if name == "." {
		return cur, nil
	}

	rest := name
	soFar := ""
	for rest != "" {
		var comp string
		if idx := strings.IndexByte(rest, '/'); idx >= 0 {
			comp, rest = rest[:idx], rest[idx+1:]
		} else {
			comp, rest = rest, ""
		}
		if soFar == "" {
			soFar = comp
		} else {
			soFar = soFar + "/" + comp
		}

		if !cur.IsDir() {
			return nil, &fs.PathError{Op: "open", Path: name, Err: ErrNotDirectory}
		}
		next, err := cur.LookupRelativeInode(context.Background(), comp)
		if err != nil {
			return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
		}

		for next.Type.IsSymlink() && (followSymlink || rest != "") {
			depth++
			if depth > maxSymlinkDepth {
				return nil, &fs.PathError{Op: "open", Path: name, Err: ErrTooManySymlinks}
			}
			target, err := next.Readlink()
			if err != nil {
				return nil, err
			}
			resolved, err := r.findInode(resolveSymlink(soFar, string(target)), true, depth)
			if err != nil {
				return nil, err
			}
			next = resolved
		}

		cur = next
	}

	return cur, nil
}

func resolveSymlink(from, target string) string {
	if path.IsAbs(target) {
		return strings.TrimPrefix(path.Clean(target), "/")
	}
	return path.Clean(path.Join(path.Dir(from), target))
}

// Open implements fs.FS.
func (r *Reader) Open(name string) (fs.File, error) {
	ino, err := r.FindInode(name, true)
	if err != nil {
		return nil, err
	}
	return ino.OpenFile(name), nil
}

// Stat implements fs.StatFS, following symlinks.
func (r *Reader) Stat(name string) (fs.FileInfo, error) {
	ino, err := r.FindInode(name, true)
	if err != nil {
		return nil, err
	}
	return &fileinfo{name: path.Base(name), ino: ino}, nil
}

// Lstat returns file info without following a trailing symlink.
func (r *Reader) Lstat(name string) (fs.FileInfo, error) {
	ino, err := r.FindInode(name, false)
	if err != nil {
		return nil, err
	}
	return &fileinfo{name: path.Base(name), ino: ino}, nil
}

// ReadDir implements fs.ReadDirFS.
func (r *Reader) ReadDir(name string) ([]fs.DirEntry, error) {
	ino, err := r.FindInode(name, true)
	if err != nil {
		return nil, err
	}
	if !ino.IsDir() {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: ErrNotDirectory}
	}
	fd := &FileDir{ino: ino, name: name}
	return fd.ReadDir(-1)
}

// ReadFile implements fs.ReadFileFS.
func (r *Reader) ReadFile(name string) ([]byte, error) {
	ino, err := r.FindInode(name, true)
	if err != nil {
		return nil, err
	}
	if ino.IsDir() {
		return nil, &fs.PathError{Op: "read", Path: name, Err: ErrNotAFile}
	}
	if ino.Size == 0 {
		return []byte{}, nil
	}
	buf := make([]byte, ino.Size)
	n, err := ino.ReadAt(buf, 0)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// ToWriter clones this image's tree into a fresh Tree whose regular files
// are borrowed (not copied) from this Reader, so the result can be edited
// and re-packed by Writer without materializing unrelated file contents in
// memory.
func (r *Reader) ToWriter() (*Tree, error) {
	t := NewTree()
	root, err := r.sb.GetInode(1)
	if err != nil {
		return nil, err
	}

	var walk func(dirPath string, ino *Inode) error
	walk = func(dirPath string, ino *Inode) error {
		entries, err := (&FileDir{ino: ino, name: dirPath}).ReadDir(-1)
		if err != nil {
			return err
		}
		for _, e := range entries {
			info, err := e.Info()
			if err != nil {
				return err
			}
			fi := info.(*fileinfo)
			childPath := path.Join(dirPath, e.Name())
			h := Header{Mode: fi.Mode().Perm(), Uid: fi.ino.GetUid(), Gid: fi.ino.GetGid(), ModTime: fi.ModTime()}

			switch {
			case fi.ino.IsDir():
				if err := t.PushDir(childPath, h); err != nil {
					return err
				}
				if err := walk(childPath, fi.ino); err != nil {
					return err
				}
			case fi.ino.Type.IsSymlink():
				target, err := fi.ino.Readlink()
				if err != nil {
					return err
				}
				if err := t.PushSymlink(childPath, h, string(target)); err != nil {
					return err
				}
			case fi.ino.Type.Basic() == BlockDevType || fi.ino.Type.Basic() == CharDevType:
				char := fi.ino.Type.Basic() == CharDevType
				if err := t.PushDevice(childPath, h, char, fi.ino.Rdev>>8, fi.ino.Rdev&0xff); err != nil {
					return err
				}
			case fi.ino.Type.Basic() == FifoType:
				if err := t.PushFifo(childPath, h); err != nil {
					return err
				}
			case fi.ino.Type.Basic() == SocketType:
				if err := t.PushSocket(childPath, h); err != nil {
					return err
				}
			default:
				ino := fi.ino
				src := NewBorrowedSource(int64(ino.Size), func() (io.ReadCloser, error) {
					return &inodeReadCloser{ino: ino}, nil
				})
				if err := t.PushFile(childPath, h, src); err != nil {
					return err
				}
			}
		}
		return nil
	}

	if err := walk(".", root); err != nil {
		return nil, err
	}
	return t, nil
}

// inodeReadCloser adapts an *Inode (io.ReaderAt) into a sequential
// io.ReadCloser for FileSource.Open.
type inodeReadCloser struct {
	ino *Inode
	off int64
}

func (r *inodeReadCloser) Read(p []byte) (int, error) {
	n, err := r.ino.ReadAt(p, r.off)
	r.off += int64(n)
	return n, err
}

func (r *inodeReadCloser) Close() error { return nil }
