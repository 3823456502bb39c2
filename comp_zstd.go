package squashfs

import (
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// ZstdOptions mirrors the on-disk zstd compression-options block: a single
// compression level in [1,22].
type ZstdOptions struct {
	Level uint32
}

func DefaultZstdOptions() ZstdOptions {
	return ZstdOptions{Level: 15}
}

type zstdAction struct{}

func (zstdAction) Decompress(buf []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return dec.DecodeAll(buf, nil)
}

func (zstdAction) Compress(buf []byte, opts any, blockSize uint32) ([]byte, error) {
	level := zstd.SpeedDefault
	if o, ok := opts.(ZstdOptions); ok && o.Level != 0 {
		switch {
		case o.Level <= 3:
			level = zstd.SpeedFastest
		case o.Level <= 15:
			level = zstd.SpeedDefault
		case o.Level <= 19:
			level = zstd.SpeedBetterCompression
		default:
			level = zstd.SpeedBestCompression
		}
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level))
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(buf, nil), nil
}

func (zstdAction) ParseOptions(data []byte) (any, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("squashfs: zstd options: %w", ErrInvalidCompressionOption)
	}
	return ZstdOptions{Level: binary.LittleEndian.Uint32(data[0:4])}, nil
}

func (zstdAction) SerializeOptions(opts any) ([]byte, error) {
	o, ok := opts.(ZstdOptions)
	if !ok {
		o = DefaultZstdOptions()
	}
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, o.Level)
	return buf, nil
}

func init() {
	RegisterCompression(ZSTD, zstdAction{})
}
