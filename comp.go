package squashfs

import (
	"bytes"
	"fmt"
	"io"
	"sync"
)

// Compression identifies the compressor used for the metadata, data and
// fragment blocks of an image. It is encoded as a u16 tag in the superblock.
type Compression uint16

const (
	GZip Compression = 1
	LZMA Compression = 2 // legacy; no codec is registered, so use fails with ErrInvalidCompressor
	LZO  Compression = 3
	XZ   Compression = 4
	LZ4  Compression = 5
	ZSTD Compression = 6
)

func (s Compression) String() string {
	switch s {
	case GZip:
		return "GZip"
	case LZMA:
		return "LZMA"
	case LZO:
		return "LZO"
	case XZ:
		return "XZ"
	case LZ4:
		return "LZ4"
	case ZSTD:
		return "ZSTD"
	}
	return fmt.Sprintf("Compression(%d)", s)
}

// CompressionAction is the pluggable compressor contract (spec §4.2). Each
// registered codec is an immutable capability object selected by the
// superblock's (or writer's) Compression id; there
// is no process-wide mutable compressor state beyond the registry mapping a
// Compression id to its CompressionAction.
type CompressionAction interface {
	// Decompress returns the uncompressed bytes of buf.
	Decompress(buf []byte) ([]byte, error)
	// Compress returns the compressed form of buf, parameterized with the
	// options region (may be nil) and the configured block size.
	Compress(buf []byte, opts any, blockSize uint32) ([]byte, error)
	// ParseOptions parses a compression-options metadata block into a
	// codec-specific options value.
	ParseOptions(data []byte) (any, error)
	// SerializeOptions encodes opts (or the codec default, if opts is nil)
	// into the bytes written to the compression-options region. Returning
	// a nil/empty slice means this codec emits no options.
	SerializeOptions(opts any) ([]byte, error)
}

var (
	compRegistryMu sync.RWMutex
	compRegistry   = map[Compression]CompressionAction{}
)

// RegisterCompression installs the CompressionAction used for id. Codec
// files call this from an init() func, matching the teacher's
// RegisterCompHandler pattern.
func RegisterCompression(id Compression, action CompressionAction) {
	compRegistryMu.Lock()
	defer compRegistryMu.Unlock()
	compRegistry[id] = action
}

func lookupCompression(id Compression) (CompressionAction, error) {
	compRegistryMu.RLock()
	defer compRegistryMu.RUnlock()
	a, ok := compRegistry[id]
	if !ok {
		return nil, fmt.Errorf("squashfs: compressor %s: %w", id, ErrInvalidCompressor)
	}
	return a, nil
}

// decompress is the Superblock-bound convenience used by metadata.go and
// inode.go; it keeps the teacher's sb.Comp.decompress(buf) call shape.
func (sb *Superblock) decompress(buf []byte) ([]byte, error) {
	a, err := lookupCompression(sb.Comp)
	if err != nil {
		return nil, err
	}
	out, err := a.Decompress(buf)
	if err != nil {
		return nil, fmt.Errorf("squashfs: %w: %s", ErrCorruptedCompressedData, err)
	}
	return out, nil
}

// readAllDecompressor is a helper for codecs whose Decompress is naturally
// expressed as an io.Reader wrapper.
func readAllDecompressor(mk func(r io.Reader) (io.Reader, error)) func([]byte) ([]byte, error) {
	return func(buf []byte) ([]byte, error) {
		r, err := mk(bytes.NewReader(buf))
		if err != nil {
			return nil, err
		}
		return io.ReadAll(r)
	}
}
