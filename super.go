package squashfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"reflect"
	"sync"
)

// SuperblockSize is the fixed, on-disk size of the v4.0 superblock: 5
// fields of 4 bytes, 6 fields of 2 bytes and 8 fields of 8 bytes, laid out
// byte for byte as read below. See https://dr-emann.github.io/squashfs/
const SuperblockSize = 96

// Superblock is the 96-byte header of a SquashFS v4.0 image, plus the
// resolved Kind (dialect) and parsed compression-options region that every
// other reader in this package consults.
type Superblock struct {
	fs   io.ReaderAt
	base int64
	kind *Kind

	// CompOptions holds the codec-specific value returned by
	// CompressionAction.ParseOptions, or nil if the image carries no
	// compression-options block.
	CompOptions any

	// inoOfft lets callers remap inode numbers reported through fs.FileInfo,
	// e.g. when stacking several images behind one apparent inode space.
	inoOfft uint64

	runtimeOnce sync.Once
	rt          *superRuntime

	Magic             uint32
	InodeCnt          uint32
	ModTime           int32
	BlockSize         uint32
	FragCount         uint32
	Comp              Compression
	BlockLog          uint16
	Flags             SquashFlags
	IdCount           uint16
	VMajor            uint16
	VMinor            uint16
	RootInode         uint64
	BytesUsed         uint64
	IdTableStart      uint64
	XattrIdTableStart uint64
	InodeTableStart   uint64
	DirTableStart     uint64
	FragTableStart    uint64
	ExportTableStart  uint64
}

// New reads and validates the superblock of fs, auto-detecting its Kind
// (dialect) from the magic bytes at offset 0. Use NewAt to open an image
// embedded at a non-zero offset within a larger file.
func New(fs io.ReaderAt, opts ...Option) (*Superblock, error) {
	return NewAt(fs, 0, opts...)
}

// NewAt reads and validates the superblock of fs starting at the given
// byte offset, as produced by DetectKind for images embedded in firmware
// blobs or other containers.
func NewAt(fs io.ReaderAt, offset int64, opts ...Option) (*Superblock, error) {
	head := make([]byte, SuperblockSize)
	if _, err := fs.ReadAt(head, offset); err != nil {
		return nil, fmt.Errorf("squashfs: reading superblock: %w", err)
	}

	kind := matchKind(head)
	if kind == nil {
		return nil, ErrInvalidFile
	}

	sb := &Superblock{fs: fs, base: offset, kind: kind}
	if err := sb.unmarshalBinary(head); err != nil {
		return nil, err
	}

	for _, opt := range opts {
		if err := opt(sb); err != nil {
			return nil, err
		}
	}

	if err := sb.validate(); err != nil {
		return nil, err
	}

	if err := sb.readCompressionOptions(); err != nil {
		return nil, err
	}

	root, err := sb.GetInodeRef(inodeRef(sb.RootInode))
	if err != nil {
		return nil, fmt.Errorf("squashfs: reading root inode: %w", err)
	}
	rt := sb.runtime()
	rt.rootIno = root
	rt.rootInoN = uint64(root.Ino)

	return sb, nil
}

// Kind returns the resolved on-disk dialect of this image.
func (s *Superblock) Kind() *Kind { return s.kind }

func (s *Superblock) unmarshalBinary(data []byte) error {
	v := reflect.ValueOf(s).Elem()
	r := bytes.NewReader(data)

	for i := 0; i < v.NumField(); i++ {
		name := v.Type().Field(i).Name
		if name[0] < 'A' || name[0] > 'Z' {
			continue
		}
		if err := binary.Read(r, s.kind.SuperOrder, v.Field(i).Addr().Interface()); err != nil {
			return fmt.Errorf("squashfs: decoding superblock field %s: %w", name, err)
		}
	}

	return nil
}

// validate enforces the structural invariants spec.md requires before any
// table is touched: magic/version already implied by kind selection, block
// size a power of two within range and consistent with block_log, and every
// table start within the claimed image length.
func (s *Superblock) validate() error {
	if s.VMajor != s.kind.VMajor || s.VMinor != s.kind.VMinor {
		return ErrInvalidVersion
	}

	if s.BlockSize < 4096 || s.BlockSize > 1048576 || s.BlockSize&(s.BlockSize-1) != 0 {
		return ErrInvalidBlockSize
	}
	if uint32(1)<<s.BlockLog != s.BlockSize {
		return ErrInvalidBlockLog
	}

	for _, off := range []uint64{
		s.IdTableStart, s.InodeTableStart, s.DirTableStart, s.FragTableStart,
	} {
		if off != 0xFFFFFFFFFFFFFFFF && off >= s.BytesUsed {
			return ErrInvalidOffset
		}
	}
	if s.XattrIdTableStart != 0xFFFFFFFFFFFFFFFF && s.XattrIdTableStart >= s.BytesUsed {
		return ErrInvalidOffset
	}
	if s.ExportTableStart != 0xFFFFFFFFFFFFFFFF && s.ExportTableStart >= s.BytesUsed {
		return ErrInvalidOffset
	}

	return nil
}

// readCompressionOptions loads the compression-options metadata block that
// immediately follows the superblock when COMPRESSOR_OPTIONS is set. This
// must happen before any other table is read, since every other block on
// disk is compressed with these options.
func (s *Superblock) readCompressionOptions() error {
	if !s.Flags.Has(COMPRESSOR_OPTIONS) {
		return nil
	}

	action, err := lookupCompression(s.Comp)
	if err != nil {
		return err
	}

	mr := newMetadataReader(s, s.base+int64(SuperblockSize))
	data, err := mr.readBlock()
	if err != nil {
		return fmt.Errorf("squashfs: reading compression options: %w", err)
	}

	opts, err := action.ParseOptions(data)
	if err != nil {
		return err
	}
	s.CompOptions = opts
	return nil
}

// marshalBinary encodes the superblock's exported fields back to their
// on-disk byte order, the write-side mirror of unmarshalBinary.
func (s *Superblock) marshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	v := reflect.ValueOf(s).Elem()

	for i := 0; i < v.NumField(); i++ {
		name := v.Type().Field(i).Name
		if name[0] < 'A' || name[0] > 'Z' {
			continue
		}
		if err := binary.Write(&buf, s.kind.SuperOrder, v.Field(i).Interface()); err != nil {
			return nil, fmt.Errorf("squashfs: encoding superblock field %s: %w", name, err)
		}
	}

	return buf.Bytes(), nil
}

// abs converts an offset recorded in the image (relative to the start of the
// superblock) into an offset in the underlying reader by adding the image's
// base offset.
func (s *Superblock) abs(off uint64) int64 {
	return s.base + int64(off)
}
