package squashfs

import "fmt"

// exportEntrySize is the width of one NFS export table entry: an inodeRef.
const exportEntrySize = 8

// exportLookup resolves a 1-based public inode number to the inodeRef of
// its inode table entry via the NFS export table, for images built with
// EXPORTABLE set. Entry i of the table (0-based) holds the inodeRef for
// inode number i+1.
func (sb *Superblock) exportLookup(ino uint32) (inodeRef, error) {
	if sb.ExportTableStart == 0xFFFFFFFFFFFFFFFF || ino == 0 {
		return 0, ErrInodeNotExported
	}

	entryIdx := uint64(ino - 1)
	perBlock := uint64(metadataBlockLimit / exportEntrySize)
	blockNum := entryIdx / perBlock
	within := entryIdx % perBlock

	idxOff := sb.abs(sb.ExportTableStart) + int64(blockNum)*8
	idx := make([]byte, 8)
	if _, err := sb.fs.ReadAt(idx, idxOff); err != nil {
		return 0, fmt.Errorf("squashfs: reading export table index: %w", err)
	}

	blockOff := sb.kind.MetaOrder.Uint64(idx)
	mr, err := sb.newTableReader(sb.abs(blockOff), int(within)*exportEntrySize)
	if err != nil {
		return 0, err
	}

	buf := make([]byte, exportEntrySize)
	if _, err := mr.Read(buf); err != nil {
		return 0, err
	}

	ref := inodeRef(sb.kind.MetaOrder.Uint64(buf))
	if ref == 0 {
		return 0, ErrInodeNotExported
	}
	return ref, nil
}
