package squashfs

import (
	"io"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"
)

// FileSource abstracts where a regular file's bytes come from when building
// an image: either owned in-memory data, or a borrowed, lazily-opened
// handle onto something else (another squashfs image, the host filesystem,
// a network blob). Borrowed sources let Reader.ToWriter clone a tree
// without ever materializing file contents in memory.
type FileSource interface {
	// Open returns a fresh reader positioned at the start of the file.
	// Called once per pass the writer needs to stream the data (dedup
	// hashing, then actual packing), so it must be safe to call more than
	// once.
	Open() (io.ReadCloser, error)
	// Size is the exact byte length of the file.
	Size() int64
}

type ownedSource struct{ data []byte }

func (o ownedSource) Open() (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(string(o.data))), nil
}
func (o ownedSource) Size() int64 { return int64(len(o.data)) }

// NewOwnedSource wraps an in-memory byte slice as a FileSource.
func NewOwnedSource(data []byte) FileSource { return ownedSource{data: data} }

type borrowedSource struct {
	open func() (io.ReadCloser, error)
	size int64
}

func (b borrowedSource) Open() (io.ReadCloser, error) { return b.open() }
func (b borrowedSource) Size() int64                  { return b.size }

// NewBorrowedSource wraps a lazily-invoked opener as a FileSource, letting
// the writer pull bytes without the caller copying them up front.
func NewBorrowedSource(size int64, open func() (io.ReadCloser, error)) FileSource {
	return borrowedSource{open: open, size: size}
}

// Header carries the common per-entry metadata every node in a Tree has:
// permissions, ownership and modification time. It mirrors the common
// inode header fields so a Node round-trips losslessly.
type Header struct {
	Mode    fs.FileMode // permission bits only; type comes from the payload
	Uid     uint32
	Gid     uint32
	ModTime time.Time
}

func defaultHeader() Header {
	return Header{Mode: 0755, ModTime: time.Unix(0, 0)}
}

// DirPayload marks a Node as a directory; its children live in Tree.nodes.
type DirPayload struct{}

// FilePayload marks a Node as a regular file backed by a FileSource.
type FilePayload struct {
	Source FileSource
}

// SymlinkPayload marks a Node as a symbolic link.
type SymlinkPayload struct {
	Target string
}

// DevicePayload marks a Node as a block or character device.
type DevicePayload struct {
	Char        bool
	Major       uint32
	Minor       uint32
}

// FifoPayload marks a Node as a named pipe.
type FifoPayload struct{}

// SocketPayload marks a Node as a UNIX domain socket.
type SocketPayload struct{}

// Node is one entry of a Tree: a path, its metadata Header, and a payload
// identifying its type (DirPayload, FilePayload, SymlinkPayload,
// DevicePayload, FifoPayload or SocketPayload).
type Node struct {
	Path    string // fs.ValidPath-style, "." for root
	Header  Header
	Payload any
}

func (n *Node) isDir() bool { _, ok := n.Payload.(DirPayload); return ok }

// Tree is an in-memory, path-indexed filesystem staged for writing. It is a
// single-writer structure: callers build it up with the Push* methods (or
// clone one from a Reader via ToWriter) and then hand it to NewWriter.
type Tree struct {
	nodes map[string]*Node
	order []string // insertion order, for stable diagnostics only
}

// NewTree returns an empty Tree containing only the root directory.
func NewTree() *Tree {
	t := &Tree{nodes: make(map[string]*Node)}
	t.nodes["."] = &Node{Path: ".", Header: defaultHeader(), Payload: DirPayload{}}
	t.order = append(t.order, ".")
	return t
}

func clean(p string) string {
	p = path.Clean(strings.TrimPrefix(p, "/"))
	if p == "" {
		return "."
	}
	return p
}

func (t *Tree) parentOf(p string) (*Node, error) {
	dir := path.Dir(p)
	parent, ok := t.nodes[dir]
	if !ok {
		return nil, ErrInvalidFilePath
	}
	if !parent.isDir() {
		return nil, ErrInvalidFilePath
	}
	return parent, nil
}

func (t *Tree) insert(p string, n *Node) error {
	if p == "" {
		return ErrUndefinedFileName
	}
	if strings.IndexByte(p, 0) >= 0 {
		return ErrInvalidFilePath
	}
	p = clean(p)
	if p == "." {
		return ErrInvalidFilePath
	}
	if path.Base(p) == "" {
		return ErrUndefinedFileName
	}
	if _, exists := t.nodes[p]; exists {
		return ErrDuplicatedFileName
	}
	if _, err := t.parentOf(p); err != nil {
		return err
	}
	n.Path = p
	t.nodes[p] = n
	t.order = append(t.order, p)
	return nil
}

// PushDir inserts an empty directory at p. Missing ancestor directories are
// not created implicitly; use PushDirAll for that.
func (t *Tree) PushDir(p string, h Header) error {
	return t.insert(p, &Node{Header: h, Payload: DirPayload{}})
}

// PushDirAll inserts a directory at p, creating any missing ancestors with
// the default header.
func (t *Tree) PushDirAll(p string, h Header) error {
	p = clean(p)
	if p == "." {
		return nil
	}
	dir := path.Dir(p)
	if dir != "." {
		if _, ok := t.nodes[dir]; !ok {
			if err := t.PushDirAll(dir, defaultHeader()); err != nil {
				return err
			}
		}
	}
	if _, exists := t.nodes[p]; exists {
		return nil
	}
	return t.insert(p, &Node{Header: h, Payload: DirPayload{}})
}

// PushFile inserts a regular file at p, backed by src.
func (t *Tree) PushFile(p string, h Header, src FileSource) error {
	return t.insert(p, &Node{Header: h, Payload: FilePayload{Source: src}})
}

// PushSymlink inserts a symbolic link at p pointing at target.
func (t *Tree) PushSymlink(p string, h Header, target string) error {
	return t.insert(p, &Node{Header: h, Payload: SymlinkPayload{Target: target}})
}

// PushDevice inserts a block or character device node at p.
func (t *Tree) PushDevice(p string, h Header, char bool, major, minor uint32) error {
	return t.insert(p, &Node{Header: h, Payload: DevicePayload{Char: char, Major: major, Minor: minor}})
}

// PushFifo inserts a named pipe at p.
func (t *Tree) PushFifo(p string, h Header) error {
	return t.insert(p, &Node{Header: h, Payload: FifoPayload{}})
}

// PushSocket inserts a UNIX domain socket at p.
func (t *Tree) PushSocket(p string, h Header) error {
	return t.insert(p, &Node{Header: h, Payload: SocketPayload{}})
}

// Replace overwrites the node already at p (which must exist) with a new
// payload/header, e.g. to swap a placeholder file for its real contents.
func (t *Tree) Replace(p string, h Header, payload any) error {
	p = clean(p)
	n, ok := t.nodes[p]
	if !ok {
		return ErrInvalidFilePath
	}
	if _, isDir := payload.(DirPayload); isDir != n.isDir() {
		return ErrInvalidFilePath
	}
	n.Header = h
	n.Payload = payload
	return nil
}

// SetHeader updates only the metadata of the node at p.
func (t *Tree) SetHeader(p string, h Header) error {
	n, ok := t.nodes[clean(p)]
	if !ok {
		return ErrInvalidFilePath
	}
	n.Header = h
	return nil
}

// Lookup returns the node at p, if any.
func (t *Tree) Lookup(p string) (*Node, bool) {
	n, ok := t.nodes[clean(p)]
	return n, ok
}

// children returns the direct children of dir, sorted bytewise by name as
// SquashFS directory listings require.
func (t *Tree) children(dir string) []*Node {
	var out []*Node
	for p, n := range t.nodes {
		if p == dir {
			continue
		}
		if path.Dir(p) != dir {
			continue
		}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		return path.Base(out[i].Path) < path.Base(out[j].Path)
	})
	return out
}

// Walk visits every node in the tree in a pre-order, parent-before-child
// traversal; fn returning an error stops the walk and propagates it.
func (t *Tree) Walk(fn func(n *Node) error) error {
	var visit func(p string) error
	visit = func(p string) error {
		n := t.nodes[p]
		if err := fn(n); err != nil {
			return err
		}
		if !n.isDir() {
			return nil
		}
		for _, c := range t.children(p) {
			if err := visit(c.Path); err != nil {
				return err
			}
		}
		return nil
	}
	return visit(".")
}
