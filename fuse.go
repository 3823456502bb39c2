//go:build fuse

package squashfs

import (
	"context"
	"io"
	"log"
	"os"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
)

// Lookup implements the go-fuse RawFileSystem-adjacent node interface,
// resolving a single path component relative to this inode.
func (i *Inode) Lookup(ctx context.Context, name string) (uint64, error) {
	res, err := i.LookupRelativeInode(ctx, name)
	if err != nil {
		return 0, err
	}
	return res.publicInodeNum(), nil
}

// Open always succeeds; the image is read-only so the kernel page cache
// never goes stale underneath it.
func (i *Inode) Open(flags uint32) (uint32, error) {
	return fuse.FOPEN_KEEP_CACHE, nil
}

func (i *Inode) OpenDir() (uint32, error) {
	if i.IsDir() {
		return fuse.FOPEN_KEEP_CACHE, nil
	}
	return 0, os.ErrInvalid
}

// publicInodeNum returns an inode number suitable for a mount that may
// stack several images behind one apparent inode space. FUSE requires the
// root to be inode 1, so the root's real on-disk inode number and 1 are
// swapped whenever they differ.
func (i *Inode) publicInodeNum() uint64 {
	rt := i.sb.runtime()
	switch {
	case i.Ino == uint32(rt.rootInoN):
		return 1 + i.sb.inoOfft
	case i.Ino == 1:
		return rt.rootInoN + i.sb.inoOfft
	default:
		return uint64(i.Ino) + i.sb.inoOfft
	}
}

// FillAttr populates a fuse.Attr from this inode, resolving uid/gid through
// the image's id table.
func (i *Inode) FillAttr(attr *fuse.Attr) error {
	attr.Size = i.Size
	attr.Blocks = uint64(len(i.Blocks)) + 1
	attr.Mode = ModeToUnix(i.Mode())
	attr.Nlink = i.NLink
	if attr.Nlink == 0 {
		attr.Nlink = 1
	}
	attr.Rdev = i.Rdev
	attr.Blksize = i.sb.BlockSize
	attr.Atime = uint64(i.ModTime)
	attr.Mtime = uint64(i.ModTime)
	attr.Ctime = uint64(i.ModTime)
	attr.Owner.Uid = i.GetUid()
	attr.Owner.Gid = i.GetGid()
	return nil
}

// fillEntry fills a fuse.EntryOut structure with this inode's identity and
// attributes, using a one second attribute/entry cache timeout since the
// image cannot change underneath a live mount.
func (i *Inode) fillEntry(entry *fuse.EntryOut) {
	entry.NodeId = i.publicInodeNum()
	entry.Attr.Ino = entry.NodeId
	i.FillAttr(&entry.Attr)
	entry.SetEntryTimeout(time.Second)
	entry.SetAttrTimeout(time.Second)
}

// ReadDir streams this directory's entries into a fuse.DirEntryList,
// synthesizing "." and ".." before walking the on-disk listing.
func (i *Inode) ReadDir(input *fuse.ReadIn, out *fuse.DirEntryList, plus bool) error {
	if !i.IsDir() {
		return os.ErrInvalid
	}

	pos := input.Offset + 1
	dr, err := i.sb.dirReader(i, nil)
	if err != nil {
		return err
	}

	var name string
	var inoR inodeRef
	cur := uint64(0)
	for {
		cur++
		if cur > 2 {
			name, inoR, err = dr.next()
			if err != nil {
				if err == io.EOF {
					return nil
				}
				return err
			}
		}
		if cur < pos {
			continue
		}

		switch cur {
		case 1:
			if !i.addDirEntry(out, plus, ".", i, uint32(i.Perm)) {
				return nil
			}
			continue
		case 2:
			// TODO: surface the real parent attributes instead of self.
			if !i.addDirEntry(out, plus, "..", i, uint32(i.Perm)) {
				return nil
			}
			continue
		}

		ino, err := i.sb.GetInodeRef(inoR)
		if err != nil {
			log.Printf("squashfs: fuse readdir: failed to load inode: %s", err)
			return err
		}
		i.sb.setInodeRefCache(ino.Ino, inoR)

		if !i.addDirEntry(out, plus, name, ino, uint32(ino.Perm)) {
			return nil
		}
	}
}

func (i *Inode) addDirEntry(out *fuse.DirEntryList, plus bool, name string, target *Inode, mode uint32) bool {
	if !plus {
		return out.Add(0, name, target.publicInodeNum(), mode)
	}
	entry := out.AddDirLookupEntry(fuse.DirEntry{Mode: mode, Name: name, Ino: target.publicInodeNum()})
	if entry == nil {
		return false
	}
	target.fillEntry(entry)
	return true
}
