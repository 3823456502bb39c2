package squashfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ulikunitz/xz"
)

// XzFilter identifies the BCJ (branch/call/jump) filter applied before the
// LZMA2 stage, named the way upstream mksquashfs names them.
type XzFilter uint32

const (
	XzFilterNone XzFilter = iota
	XzFilterX86
	XzFilterARM
	XzFilterARM64
	XzFilterARMThumb
	XzFilterPowerPC
	XzFilterIA64
	XzFilterSPARC
)

// XzOptions mirrors the on-disk xz compression-options block.
type XzOptions struct {
	DictSize uint32
	Filters  XzFilter
	Flags    uint32
}

func DefaultXzOptions() XzOptions {
	return XzOptions{DictSize: 1 << 20, Filters: XzFilterNone}
}

type xzAction struct{}

func (xzAction) Decompress(buf []byte) ([]byte, error) {
	r, err := xz.NewReader(bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}

func (xzAction) Compress(buf []byte, opts any, blockSize uint32) ([]byte, error) {
	var out bytes.Buffer
	cfg := xz.WriterConfig{}
	if o, ok := opts.(XzOptions); ok && o.DictSize != 0 {
		cfg.DictCap = int(o.DictSize)
	}
	w, err := cfg.NewWriter(&out)
	if err != nil {
		// fall back to the library's own defaults if the requested
		// dictionary size is out of its accepted range
		out.Reset()
		w, err = xz.NewWriter(&out)
		if err != nil {
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

func (xzAction) ParseOptions(data []byte) (any, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("squashfs: xz options: %w", ErrInvalidCompressionOption)
	}
	o := XzOptions{
		DictSize: binary.LittleEndian.Uint32(data[0:4]),
		Filters:  XzFilter(binary.LittleEndian.Uint32(data[4:8])),
	}
	if len(data) >= 12 {
		o.Flags = binary.LittleEndian.Uint32(data[8:12])
	}
	return o, nil
}

func (xzAction) SerializeOptions(opts any) ([]byte, error) {
	o, ok := opts.(XzOptions)
	if !ok {
		o = DefaultXzOptions()
	}
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], o.DictSize)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(o.Filters))
	return buf, nil
}

func init() {
	RegisterCompression(XZ, xzAction{})
}
