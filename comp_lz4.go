package squashfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
)

// Lz4Options mirrors the on-disk lz4 compression-options block: a version
// word (always 1) and a flags word (bit 0 selects the HC, "high
// compression", variant over the fast one).
type Lz4Options struct {
	Version uint32
	Flags   uint32
}

const lz4FlagHC = 1 << 0

func DefaultLz4Options() Lz4Options {
	return Lz4Options{Version: 1}
}

type lz4Action struct{}

func (lz4Action) Decompress(buf []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(buf))
	return io.ReadAll(r)
}

func (lz4Action) Compress(buf []byte, opts any, blockSize uint32) ([]byte, error) {
	var out bytes.Buffer
	w := lz4.NewWriter(&out)
	if o, ok := opts.(Lz4Options); ok && o.Flags&lz4FlagHC != 0 {
		if err := w.Apply(lz4.CompressionLevelOption(lz4.Level9)); err != nil {
			return nil, err
		}
	}
	if _, err := w.Write(buf); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func (lz4Action) ParseOptions(data []byte) (any, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("squashfs: lz4 options: %w", ErrInvalidCompressionOption)
	}
	return Lz4Options{
		Version: binary.LittleEndian.Uint32(data[0:4]),
		Flags:   binary.LittleEndian.Uint32(data[4:8]),
	}, nil
}

func (lz4Action) SerializeOptions(opts any) ([]byte, error) {
	o, ok := opts.(Lz4Options)
	if !ok {
		o = DefaultLz4Options()
	}
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], o.Version)
	binary.LittleEndian.PutUint32(buf[4:8], o.Flags)
	return buf, nil
}

func init() {
	RegisterCompression(LZ4, lz4Action{})
}
