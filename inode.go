package squashfs

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"sync/atomic"
)

// Inode is the parsed, in-memory form of a single SquashFS inode: the
// fixed common header plus whichever type-specific fields apply. Basic and
// extended variants of the same type (e.g. FileType/XFileType) are folded
// into the same struct, differing only in which fields are populated.
type Inode struct {
	// refcnt is first for 64-bit alignment on 32-bit platforms; atomic ops
	// panic otherwise. Used by the FUSE adapter to track open handles.
	refcnt uint64

	sb *Superblock

	Type    Type
	Perm    uint16
	UidIdx  uint16
	GidIdx  uint16
	ModTime int32
	Ino     uint32

	StartBlock uint64
	NLink      uint32
	Size       uint64 // meaning varies by type; see spec for each
	Offset     uint32 // within-block offset of this inode's directory listing
	ParentIno  uint32 // directories only
	SymTarget  []byte
	IdxCount   uint16 // extended directory index entry count
	XattrIdx   uint32
	Sparse     uint64

	FragBlock uint32
	FragOfft  uint32

	Blocks     []uint32
	BlocksOfft []uint64

	// Rdev is the raw device number for BlockDevType/CharDevType inodes.
	Rdev uint32
}

const noFragment = 0xffffffff

// GetInode resolves a public inode number (as would appear in an fs.FileInfo
// exposed by this package) to its parsed Inode. Inode 1 always means the
// root of the tree.
func (sb *Superblock) GetInode(ino uint64) (*Inode, error) {
	rt := sb.runtime()
	if ino == 1 {
		return rt.rootIno, nil
	}
	if ino == rt.rootInoN {
		ino = 1
	}

	if ref, ok := sb.lookupInodeRefCache(uint32(ino)); ok {
		return sb.GetInodeRef(ref)
	}

	if sb.ExportTableStart != 0xFFFFFFFFFFFFFFFF && sb.Flags.Has(EXPORTABLE) {
		ref, err := sb.exportLookup(uint32(ino))
		if err == nil {
			return sb.GetInodeRef(ref)
		}
	}

	return nil, fs.ErrNotExist
}

// GetInodeRef parses the inode located at the given inode-table reference.
func (sb *Superblock) GetInodeRef(inor inodeRef) (*Inode, error) {
	r, err := sb.newInodeReader(inor)
	if err != nil {
		return nil, err
	}

	ino := &Inode{sb: sb}
	order := sb.kind.MetaOrder

	for _, f := range []any{&ino.Type, &ino.Perm, &ino.UidIdx, &ino.GidIdx, &ino.ModTime, &ino.Ino} {
		if err := binary.Read(r, order, f); err != nil {
			return nil, fmt.Errorf("squashfs: reading inode header: %w", err)
		}
	}

	switch ino.Type {
	case DirType:
		var u32 uint32
		var u16 uint16
		if err := binary.Read(r, order, &u32); err != nil {
			return nil, err
		}
		ino.StartBlock = uint64(u32)
		if err := binary.Read(r, order, &ino.NLink); err != nil {
			return nil, err
		}
		if err := binary.Read(r, order, &u16); err != nil {
			return nil, err
		}
		ino.Size = uint64(u16)
		if err := binary.Read(r, order, &u16); err != nil {
			return nil, err
		}
		ino.Offset = uint32(u16)
		if err := binary.Read(r, order, &ino.ParentIno); err != nil {
			return nil, err
		}

	case XDirType:
		var u32 uint32
		var u16 uint16
		if err := binary.Read(r, order, &ino.NLink); err != nil {
			return nil, err
		}
		if err := binary.Read(r, order, &u32); err != nil {
			return nil, err
		}
		ino.Size = uint64(u32)
		if err := binary.Read(r, order, &u32); err != nil {
			return nil, err
		}
		ino.StartBlock = uint64(u32)
		if err := binary.Read(r, order, &ino.ParentIno); err != nil {
			return nil, err
		}
		if err := binary.Read(r, order, &ino.IdxCount); err != nil {
			return nil, err
		}
		if err := binary.Read(r, order, &u16); err != nil {
			return nil, err
		}
		ino.Offset = uint32(u16)
		if err := binary.Read(r, order, &ino.XattrIdx); err != nil {
			return nil, err
		}

	case FileType:
		var u32 uint32
		if err := binary.Read(r, order, &u32); err != nil {
			return nil, err
		}
		ino.StartBlock = uint64(u32)
		if err := binary.Read(r, order, &ino.FragBlock); err != nil {
			return nil, err
		}
		if err := binary.Read(r, order, &ino.FragOfft); err != nil {
			return nil, err
		}
		if err := binary.Read(r, order, &u32); err != nil {
			return nil, err
		}
		ino.Size = uint64(u32)
		if err := ino.readBlockSizes(r); err != nil {
			return nil, err
		}

	case XFileType:
		if err := binary.Read(r, order, &ino.StartBlock); err != nil {
			return nil, err
		}
		if err := binary.Read(r, order, &ino.Size); err != nil {
			return nil, err
		}
		if err := binary.Read(r, order, &ino.Sparse); err != nil {
			return nil, err
		}
		if err := binary.Read(r, order, &ino.NLink); err != nil {
			return nil, err
		}
		if err := binary.Read(r, order, &ino.FragBlock); err != nil {
			return nil, err
		}
		if err := binary.Read(r, order, &ino.FragOfft); err != nil {
			return nil, err
		}
		if err := binary.Read(r, order, &ino.XattrIdx); err != nil {
			return nil, err
		}
		if err := ino.readBlockSizes(r); err != nil {
			return nil, err
		}

	case SymlinkType, XSymlinkType:
		if err := binary.Read(r, order, &ino.NLink); err != nil {
			return nil, err
		}
		var u32 uint32
		if err := binary.Read(r, order, &u32); err != nil {
			return nil, err
		}
		if u32 > 4096 {
			return nil, fmt.Errorf("squashfs: %w: symlink target too long", ErrCorruptedInode)
		}
		ino.Size = uint64(u32)
		buf := make([]byte, u32)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		ino.SymTarget = buf
		if ino.Type == XSymlinkType {
			if err := binary.Read(r, order, &ino.XattrIdx); err != nil {
				return nil, err
			}
		}

	case BlockDevType, CharDevType:
		if err := binary.Read(r, order, &ino.NLink); err != nil {
			return nil, err
		}
		if err := binary.Read(r, order, &ino.Rdev); err != nil {
			return nil, err
		}

	case XBlockDevType, XCharDevType:
		if err := binary.Read(r, order, &ino.NLink); err != nil {
			return nil, err
		}
		if err := binary.Read(r, order, &ino.Rdev); err != nil {
			return nil, err
		}
		if err := binary.Read(r, order, &ino.XattrIdx); err != nil {
			return nil, err
		}

	case FifoType, SocketType:
		if err := binary.Read(r, order, &ino.NLink); err != nil {
			return nil, err
		}

	case XFifoType, XSocketType:
		if err := binary.Read(r, order, &ino.NLink); err != nil {
			return nil, err
		}
		if err := binary.Read(r, order, &ino.XattrIdx); err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("squashfs: %w: unknown inode type %d", ErrCorruptedInode, ino.Type)
	}

	return ino, nil
}

// readBlockSizes reads the variable-length array of per-block size
// descriptors that follows basic and extended file inodes.
func (ino *Inode) readBlockSizes(r io.Reader) error {
	order := ino.sb.kind.MetaOrder
	blocks := int(ino.Size / uint64(ino.sb.BlockSize))
	if ino.FragBlock == noFragment && ino.Size%uint64(ino.sb.BlockSize) != 0 {
		blocks++
	}

	ino.Blocks = make([]uint32, blocks)
	ino.BlocksOfft = make([]uint64, blocks)

	offt := uint64(0)
	for i := 0; i < blocks; i++ {
		var u32 uint32
		if err := binary.Read(r, order, &u32); err != nil {
			return err
		}
		ino.Blocks[i] = u32
		ino.BlocksOfft[i] = offt
		offt += uint64(u32 &^ dataBlockUncompressedBit)
	}

	if ino.FragBlock != noFragment {
		ino.Blocks = append(ino.Blocks, noFragment)
	}
	return nil
}

// fragmentBlock locates and decompresses the fragment block described by
// blockIndex in the fragment table, returning its full decompressed payload.
func (sb *Superblock) fragmentBlock(blockIndex uint32) ([]byte, error) {
	sub := int64(blockIndex) / 512 * 8
	blInfo := make([]byte, 8)
	if _, err := sb.fs.ReadAt(blInfo, sb.abs(sb.FragTableStart)+sub); err != nil {
		return nil, err
	}

	t, err := sb.newTableReader(sb.abs(int64(sb.kind.MetaOrder.Uint64(blInfo))), int(blockIndex%512)*16)
	if err != nil {
		return nil, err
	}

	var start uint64
	var size uint32
	if err := binary.Read(t, sb.kind.MetaOrder, &start); err != nil {
		return nil, err
	}
	if err := binary.Read(t, sb.kind.MetaOrder, &size); err != nil {
		return nil, err
	}

	return sb.readDataBlock(int64(start), size)
}

// dataBlockUncompressedBit (bit 24) is the only flag a data/fragment block
// size descriptor may legitimately carry; every higher bit, including the
// top bit (31) some other squashfs implementations use for the same
// "stored uncompressed" meaning, is reserved and must be zero. A descriptor
// that sets both conventions at once, or any other reserved bit, is
// corrupt: spec §3.3 requires rejecting it rather than silently masking it
// off, which is what readBlockSizes' offset accumulation used to do.
const dataBlockUncompressedBit = 1 << 24

// dataBlockValidBits covers the size field (bits 0-23, enough for the 1MiB
// maximum block size) plus the single flag bit at bit 24.
const dataBlockValidBits = uint32(1<<25 - 1)

// readDataBlock reads a single data/fragment block at the given absolute
// offset, decompressing it unless its flag bit marks it stored raw.
func (sb *Superblock) readDataBlock(offset int64, size uint32) ([]byte, error) {
	if size&^dataBlockValidBits != 0 {
		return nil, fmt.Errorf("squashfs: data block descriptor 0x%x: %w", size, ErrInconsistentBlockFlags)
	}

	uncompressed := size&dataBlockUncompressedBit != 0
	n := size &^ dataBlockUncompressedBit

	buf := make([]byte, n)
	if _, err := sb.fs.ReadAt(buf, sb.abs(uint64(offset))); err != nil {
		return nil, err
	}
	if uncompressed || n == 0 {
		return buf, nil
	}
	return sb.decompress(buf)
}

func (i *Inode) ReadAt(p []byte, off int64) (int, error) {
	switch i.Type.Basic() {
	case FileType:
	default:
		return 0, fs.ErrInvalid
	}

	if uint64(off) >= i.Size {
		return 0, io.EOF
	}
	if uint64(off+int64(len(p))) > i.Size {
		p = p[:int64(i.Size)-off]
	}

	block := int(off / int64(i.sb.BlockSize))
	offset := int(off % int64(i.sb.BlockSize))
	n := 0

	for {
		var buf []byte

		switch {
		case i.Blocks[block] == noFragment:
			frag, err := i.sb.fragmentBlock(i.FragBlock)
			if err != nil {
				return n, err
			}
			buf = frag
			if i.FragOfft != 0 {
				buf = buf[i.FragOfft:]
			}
		case i.Blocks[block] == 0:
			buf = make([]byte, i.sb.BlockSize)
		default:
			var err error
			buf, err = i.sb.readDataBlock(int64(i.StartBlock+i.BlocksOfft[block]), i.Blocks[block])
			if err != nil {
				return n, err
			}
		}

		if offset > 0 {
			buf = buf[offset:]
		}

		l := copy(p, buf)
		n += l
		if l == len(p) {
			return n, nil
		}

		p = p[l:]
		block++
		offset = 0
	}
}

func (i *Inode) LookupRelativeInode(ctx context.Context, name string) (*Inode, error) {
	if !i.IsDir() {
		return nil, fs.ErrInvalid
	}

	dr, err := i.sb.dirReader(i, nil)
	if err != nil {
		return nil, err
	}
	for {
		ename, inoR, err := dr.next()
		if err != nil {
			if err == io.EOF {
				return nil, fs.ErrNotExist
			}
			return nil, err
		}

		if name == ename {
			found, err := i.sb.GetInodeRef(inoR)
			if err != nil {
				return nil, err
			}
			i.sb.setInodeRefCache(found.Ino, inoR)
			return found, nil
		}
	}
}

func (i *Inode) LookupRelativeInodePath(ctx context.Context, name string) (*Inode, error) {
	cur := i

	for {
		if len(name) == 0 {
			return cur, nil
		}
		pos := strings.IndexByte(name, '/')
		if pos == -1 {
			return cur.LookupRelativeInode(ctx, name)
		}
		if pos == 0 {
			name = name[1:]
			continue
		}
		t, err := cur.LookupRelativeInode(ctx, name[:pos])
		if err != nil {
			return nil, err
		}
		cur = t
		name = name[pos+1:]
	}
}

func (i *Inode) Mode() fs.FileMode {
	return UnixToMode(uint32(i.Perm)) | i.Type.Mode()
}

func (i *Inode) IsDir() bool {
	return i.Type.IsDir()
}

func (i *Inode) Readlink() ([]byte, error) {
	if i.Type.IsSymlink() {
		return i.SymTarget, nil
	}
	return nil, fs.ErrInvalid
}

// GetUid resolves this inode's UidIdx through the image's id table. It
// returns 0 if the id table cannot be read.
func (i *Inode) GetUid() uint32 {
	t, err := i.sb.idTable()
	if err != nil {
		return 0
	}
	v, err := t.lookup(i.UidIdx)
	if err != nil {
		return 0
	}
	return v
}

// GetGid resolves this inode's GidIdx through the image's id table. It
// returns 0 if the id table cannot be read.
func (i *Inode) GetGid() uint32 {
	t, err := i.sb.idTable()
	if err != nil {
		return 0
	}
	v, err := t.lookup(i.GidIdx)
	if err != nil {
		return 0
	}
	return v
}

func (i *Inode) AddRef(count uint64) uint64 {
	return atomic.AddUint64(&i.refcnt, count)
}

func (i *Inode) DelRef(count uint64) uint64 {
	return atomic.AddUint64(&i.refcnt, ^(count - 1))
}
