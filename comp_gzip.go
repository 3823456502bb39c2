package squashfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// GzipOptions mirrors the on-disk gzip compression-options block: a
// compression level, window size (8-15) and a strategy bitmask. SquashFS's
// "gzip" compressor stores zlib streams, which is what this codec reads and
// writes.
type GzipOptions struct {
	Level      uint32
	WindowSize uint16
	Strategies uint16
}

// DefaultGzipOptions matches mksquashfs's own defaults.
func DefaultGzipOptions() GzipOptions {
	return GzipOptions{Level: 9, WindowSize: 15}
}

type gzipAction struct{}

func (gzipAction) Decompress(buf []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (gzipAction) Compress(buf []byte, opts any, blockSize uint32) ([]byte, error) {
	level := zlib.DefaultCompression
	if o, ok := opts.(GzipOptions); ok && o.Level != 0 {
		level = int(o.Level)
	}
	var out bytes.Buffer
	w, err := zlib.NewWriterLevel(&out, level)
	if err != nil {
		return nil, err
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

func (gzipAction) ParseOptions(data []byte) (any, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("squashfs: gzip options: %w", ErrInvalidCompressionOption)
	}
	return GzipOptions{
		Level:      binary.LittleEndian.Uint32(data[0:4]),
		WindowSize: binary.LittleEndian.Uint16(data[4:6]),
		Strategies: binary.LittleEndian.Uint16(data[6:8]),
	}, nil
}

func (gzipAction) SerializeOptions(opts any) ([]byte, error) {
	o, ok := opts.(GzipOptions)
	if !ok {
		o = DefaultGzipOptions()
	}
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], o.Level)
	binary.LittleEndian.PutUint16(buf[4:6], o.WindowSize)
	binary.LittleEndian.PutUint16(buf[6:8], o.Strategies)
	return buf, nil
}

func init() {
	RegisterCompression(GZip, gzipAction{})
}
