package squashfs

import (
	"bytes"
	"fmt"
	"io"
)

// metadataBlockLimit is the maximum size of the uncompressed payload of a
// single metadata block (inode table, directory table, the various index
// tables, and the compression-options region).
const metadataBlockLimit = 8192

// metadataReader decodes a SquashFS metadata block stream: a sequence of
// length-prefixed, optionally-compressed 8KiB-max chunks forming one
// logical, byte-addressable stream. Reads transparently cross block
// boundaries. Blocks are cached by their absolute on-disk offset so that
// repeated lookups into the same inode/directory/table block - the common
// case when walking a tree - do not re-read and re-decompress it every
// time, resolving the caching gap the unadorned block-at-a-time reader
// left as a TODO.
type metadataReader struct {
	sb  *Superblock
	pos int64 // absolute offset of the next block to read

	buf    []byte // decompressed payload of the current block
	offset int    // read cursor within buf
}

func newMetadataReader(sb *Superblock, at int64) *metadataReader {
	return &metadataReader{sb: sb, pos: at}
}

// newTableReader returns a metadataReader positioned at the block found at
// absolute disk offset tableOff, with the first skip bytes of its
// decompressed payload discarded. This matches the (index, offset) addressing
// used by inode refs and directory index entries.
func (sb *Superblock) newTableReader(tableOff int64, skip int) (*metadataReader, error) {
	mr := newMetadataReader(sb, tableOff)
	if skip > 0 {
		if _, err := mr.discard(skip); err != nil {
			return nil, err
		}
	}
	return mr, nil
}

// newInodeReader returns a metadataReader positioned at the inode referenced
// by ref, relative to the inode table's base offset.
func (sb *Superblock) newInodeReader(ref inodeRef) (*metadataReader, error) {
	base := sb.abs(sb.InodeTableStart) + int64(ref.Index())
	return sb.newTableReader(base, int(ref.Offset()))
}

func (mr *metadataReader) discard(n int) (int, error) {
	buf := make([]byte, 4096)
	total := 0
	for total < n {
		want := n - total
		if want > len(buf) {
			want = len(buf)
		}
		got, err := mr.Read(buf[:want])
		total += got
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (mr *metadataReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if mr.buf == nil || mr.offset >= len(mr.buf) {
		if err := mr.fillBlock(); err != nil {
			return 0, err
		}
	}
	n := copy(p, mr.buf[mr.offset:])
	mr.offset += n
	if n < len(p) {
		more, err := mr.Read(p[n:])
		return n + more, err
	}
	return n, nil
}

// fillBlock reads and decompresses the metadata block at mr.pos, advancing
// mr.pos past it, and caches the decompressed payload for future readers
// that land on the same offset.
func (mr *metadataReader) fillBlock() error {
	sb := mr.sb
	rt := sb.runtime()

	rt.metaL.Lock()
	if cached, ok := rt.metaCache[mr.pos]; ok {
		rt.metaL.Unlock()
		// need the on-disk block length to advance mr.pos; re-derive it
		// from the header since only the payload is cached.
		hdr := make([]byte, 2)
		if _, err := sb.fs.ReadAt(hdr, mr.pos); err != nil {
			return err
		}
		raw := sb.kind.MetaOrder.Uint16(hdr)
		blockLen := int64(raw &^ 0x8000)
		mr.buf = cached
		mr.offset = 0
		mr.pos += 2 + blockLen
		return nil
	}
	rt.metaL.Unlock()

	hdr := make([]byte, 2)
	if _, err := sb.fs.ReadAt(hdr, mr.pos); err != nil {
		return fmt.Errorf("squashfs: reading metadata header at %d: %w", mr.pos, err)
	}
	raw := sb.kind.MetaOrder.Uint16(hdr)
	uncompressed := raw&0x8000 != 0
	blockLen := int64(raw &^ 0x8000)
	if blockLen == 0 && !uncompressed {
		return fmt.Errorf("squashfs: %w: empty metadata block", ErrCorruptedDirectory)
	}

	data := make([]byte, blockLen)
	if _, err := sb.fs.ReadAt(data, mr.pos+2); err != nil {
		return fmt.Errorf("squashfs: reading metadata block at %d: %w", mr.pos, err)
	}

	var payload []byte
	if uncompressed {
		payload = data
	} else {
		var err error
		payload, err = sb.decompress(data)
		if err != nil {
			return err
		}
	}
	if len(payload) > metadataBlockLimit {
		return fmt.Errorf("squashfs: %w: oversized metadata block", ErrCorruptedDirectory)
	}

	rt.metaL.Lock()
	rt.metaCache[mr.pos] = payload
	rt.metaL.Unlock()

	mr.buf = payload
	mr.offset = 0
	mr.pos += 2 + blockLen
	return nil
}

// readBlock reads exactly one metadata block (used by the superblock's own
// compression-options read, which never spans multiple blocks).
func (mr *metadataReader) readBlock() ([]byte, error) {
	if err := mr.fillBlock(); err != nil {
		return nil, err
	}
	return mr.buf, nil
}

// metadataWriter accumulates a metadata block stream for the writer
// pipeline: callers Write() logical bytes, and the stream is flushed into
// 8KiB-max chunks, each independently compressed (falling back to storing
// raw if compression does not shrink the chunk, matching mksquashfs's own
// heuristic), and framed with a length+flag header.
type metadataWriter struct {
	kind   *Kind
	action CompressionAction
	opts   any

	pending bytes.Buffer
	out     bytes.Buffer
}

func newMetadataWriter(kind *Kind, action CompressionAction, opts any) *metadataWriter {
	return &metadataWriter{kind: kind, action: action, opts: opts}
}

func (mw *metadataWriter) Write(p []byte) (int, error) {
	n, _ := mw.pending.Write(p)
	for mw.pending.Len() >= metadataBlockLimit {
		chunk := mw.pending.Next(metadataBlockLimit)
		if err := mw.flushChunk(chunk); err != nil {
			return n, err
		}
	}
	return n, nil
}

// Mark returns a (blockOffset, byteOffset) checkpoint usable as an
// inodeRef/DirIndexEntry position: the offset of the block that will hold
// the next byte written, relative to the start of this writer's output, and
// the offset of that byte within the block once flushed.
func (mw *metadataWriter) Mark() (blockOffset uint32, byteOffset uint16) {
	return uint32(mw.out.Len()), uint16(mw.pending.Len())
}

func (mw *metadataWriter) flushChunk(chunk []byte) error {
	compressed, err := mw.action.Compress(chunk, mw.opts, uint32(len(chunk)))
	if err != nil {
		return err
	}

	var hdr [2]byte
	if len(compressed) >= len(chunk) {
		mw.kind.MetaOrder.PutUint16(hdr[:], uint16(len(chunk))|0x8000)
		mw.out.Write(hdr[:])
		mw.out.Write(chunk)
		return nil
	}

	mw.kind.MetaOrder.PutUint16(hdr[:], uint16(len(compressed)))
	mw.out.Write(hdr[:])
	mw.out.Write(compressed)
	return nil
}

// Close flushes any remaining buffered bytes as a final, possibly
// undersized, block.
func (mw *metadataWriter) Close() error {
	if mw.pending.Len() == 0 {
		return nil
	}
	return mw.flushChunk(mw.pending.Next(mw.pending.Len()))
}

func (mw *metadataWriter) Bytes() []byte { return mw.out.Bytes() }
func (mw *metadataWriter) Len() int      { return mw.out.Len() }

var _ io.Writer = (*metadataWriter)(nil)
