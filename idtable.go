package squashfs

import (
	"encoding/binary"
	"fmt"
)

// idTableEntrySize is the width of one id (uid or gid) table entry.
const idTableEntrySize = 4

// idTable resolves inode UidIdx/GidIdx fields to real 32-bit uid/gid
// values. SquashFS stores ids in a deduplicated array pointed at by a block
// of metadata-block offsets, itself anchored at IdTableStart - the same
// two-level index shape used by the fragment and export tables.
type idTable struct {
	sb  *Superblock
	ids []uint32
}

func (sb *Superblock) loadIDTable() (*idTable, error) {
	if sb.IdCount == 0 {
		return &idTable{sb: sb}, nil
	}

	blocks := (int(sb.IdCount)*idTableEntrySize + metadataBlockLimit - 1) / metadataBlockLimit
	idx := make([]byte, blocks*8)
	if _, err := sb.fs.ReadAt(idx, sb.abs(sb.IdTableStart)); err != nil {
		return nil, fmt.Errorf("squashfs: reading id table index: %w", err)
	}

	ids := make([]uint32, 0, sb.IdCount)
	for b := 0; b < blocks; b++ {
		blockOff := sb.kind.MetaOrder.Uint64(idx[b*8 : b*8+8])
		mr := newMetadataReader(sb, sb.abs(blockOff))
		for len(ids) < int(sb.IdCount) {
			var v uint32
			if err := readUint32(mr, sb.kind.MetaOrder, &v); err != nil {
				break
			}
			ids = append(ids, v)
			if len(ids)%(metadataBlockLimit/idTableEntrySize) == 0 {
				break
			}
		}
	}

	return &idTable{sb: sb, ids: ids}, nil
}

// idTable returns the image's deduplicated uid/gid array, loading and
// caching it on first use.
func (sb *Superblock) idTable() (*idTable, error) {
	rt := sb.runtime()
	rt.idTblOnce.Do(func() {
		rt.idTbl, rt.idTblErr = sb.loadIDTable()
	})
	return rt.idTbl, rt.idTblErr
}

func (t *idTable) lookup(i uint16) (uint32, error) {
	if int(i) >= len(t.ids) {
		return 0, fmt.Errorf("squashfs: id table index %d out of range", i)
	}
	return t.ids[i], nil
}

func readUint32(mr *metadataReader, order binary.ByteOrder, out *uint32) error {
	buf := make([]byte, 4)
	if _, err := mr.Read(buf); err != nil {
		return err
	}
	*out = order.Uint32(buf)
	return nil
}
