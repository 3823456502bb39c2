package squashfs

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
)

// Kind describes one on-disk dialect of SquashFS v4.0: the magic bytes,
// the version pair, and the endianness used for the superblock, metadata
// length words and data integers. The compressor is not part of a Kind; it
// is selected by the superblock's compression id. It is an immutable
// value shared by every binary-layout codec in this package; there is no
// global mutable dialect state.
type Kind struct {
	Name string

	Magic [4]byte

	// SuperOrder is the byte order of the superblock's fixed fields.
	SuperOrder binary.ByteOrder
	// MetaOrder is the byte order of metadata block length words and the
	// data they carry (inodes, directory entries, tables).
	MetaOrder binary.ByteOrder
	// DataOrder records the dialect's byte order for data integers. The
	// reader and writer do not consult it: block size descriptors are part
	// of file inodes and use MetaOrder.
	DataOrder binary.ByteOrder

	VMajor, VMinor uint16

	// AVMVendor marks the AVM Fritz!Box dialect. The reader and writer do
	// not consult it; fragment table entries are handled the same way for
	// every Kind.
	AVMVendor bool
}

// KindLE is the standard little-endian SquashFS v4.0 dialect used by Linux
// and mksquashfs by default.
var KindLE = &Kind{
	Name:       "le_v4_0",
	Magic:      [4]byte{'h', 's', 'q', 's'},
	SuperOrder: binary.LittleEndian,
	MetaOrder:  binary.LittleEndian,
	DataOrder:  binary.LittleEndian,
	VMajor:     4,
	VMinor:     0,
}

// KindBE is the big-endian SquashFS v4.0 dialect.
var KindBE = &Kind{
	Name:       "be_v4_0",
	Magic:      [4]byte{'s', 'q', 's', 'h'},
	SuperOrder: binary.BigEndian,
	MetaOrder:  binary.BigEndian,
	DataOrder:  binary.BigEndian,
	VMajor:     4,
	VMinor:     0,
}

// KindAVMBE is the AVM Fritz!Box vendor variant: big-endian throughout, with
// the same "sqsh" magic as KindBE, so magic-based detection resolves such
// images to KindBE. It selects no dialect-specific compression or fragment
// handling.
var KindAVMBE = &Kind{
	Name:       "avm_be_v4_0",
	Magic:      [4]byte{'s', 'q', 's', 'h'},
	SuperOrder: binary.BigEndian,
	MetaOrder:  binary.BigEndian,
	DataOrder:  binary.BigEndian,
	VMajor:     4,
	VMinor:     0,
	AVMVendor:  true,
}

// MagicU32 returns the magic bytes reinterpreted as a u32 in this kind's own
// superblock byte order, the form the Magic field is stored as on disk.
func (k *Kind) MagicU32() uint32 {
	return k.SuperOrder.Uint32(k.Magic[:])
}

var (
	kindsMu sync.RWMutex
	kinds   = map[string]*Kind{
		KindLE.Name:    KindLE,
		KindBE.Name:    KindBE,
		KindAVMBE.Name: KindAVMBE,
	}
)

// RegisterKind makes a user-defined dialect available to DetectKind and to
// callers that look kinds up by name.
func RegisterKind(k *Kind) {
	kindsMu.Lock()
	defer kindsMu.Unlock()
	kinds[k.Name] = k
}

// LookupKind returns a registered Kind by name, e.g. "le_v4_0".
func LookupKind(name string) (*Kind, bool) {
	kindsMu.RLock()
	defer kindsMu.RUnlock()
	k, ok := kinds[name]
	return k, ok
}

// registeredKinds returns a snapshot of all registered kinds, LE/BE/AVM
// first so detection prefers the common dialects.
func registeredKinds() []*Kind {
	kindsMu.RLock()
	defer kindsMu.RUnlock()
	out := make([]*Kind, 0, len(kinds))
	out = append(out, KindLE, KindBE, KindAVMBE)
	for name, k := range kinds {
		if name == KindLE.Name || name == KindBE.Name || name == KindAVMBE.Name {
			continue
		}
		out = append(out, k)
	}
	return out
}

// matchKind returns the registered Kind whose magic matches the 4 bytes at
// the start of head, or nil.
func matchKind(head []byte) *Kind {
	if len(head) < 4 {
		return nil
	}
	for _, k := range registeredKinds() {
		if head[0] == k.Magic[0] && head[1] == k.Magic[1] && head[2] == k.Magic[2] && head[3] == k.Magic[3] {
			return k
		}
	}
	return nil
}

// DetectKind scans fs for a known magic, starting at offset and advancing in
// 4KiB strides up to maxScan bytes (maxScan<=0 scans only the exact offset).
// It is used to implement an --auto-offset style lookup for images embedded
// in a larger file (e.g. a firmware blob).
func DetectKind(fs io.ReaderAt, offset int64, maxScan int64) (*Kind, int64, error) {
	buf := make([]byte, 4)
	if maxScan <= 0 {
		maxScan = 0
	}
	for scanned := int64(0); scanned <= maxScan; scanned += 4096 {
		pos := offset + scanned
		_, err := fs.ReadAt(buf, pos)
		if err != nil {
			if scanned == 0 {
				return nil, 0, err
			}
			break
		}
		if k := matchKind(buf); k != nil {
			return k, pos, nil
		}
	}
	return nil, 0, fmt.Errorf("squashfs: %w", ErrInvalidFile)
}
