package squashfs

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"
	"path"
	"time"
)

// Writer builds a SquashFS v4.0 image from a Tree. It buffers the whole
// image in memory - data blocks, metadata streams and tables alike - and
// emits the finished byte stream in one Finalize() call, mirroring how the
// teacher's own Writer staged everything before a single serialize pass,
// generalized here to operate over a Tree instead of an fs.WalkDir closure
// and extended with fragment packing, whole-file and fragment-tail dedup,
// and sparse holes.
type Writer struct {
	tree *Tree

	kind       *Kind
	comp       Compression
	compAction CompressionAction
	compOpts   any
	blockSize  uint32
	dedup      bool
	fragments  bool
	exportable bool
	paddingKiB int
}

// WriterOption configures a Writer constructed by NewWriter.
type WriterOption func(*Writer)

func WithKind(k *Kind) WriterOption { return func(w *Writer) { w.kind = k } }

// WithCompression selects the codec and its options region for the image.
func WithCompression(c Compression, opts any) WriterOption {
	return func(w *Writer) { w.comp = c; w.compOpts = opts }
}

func WithBlockSize(n uint32) WriterOption { return func(w *Writer) { w.blockSize = n } }

func WithDedup(on bool) WriterOption { return func(w *Writer) { w.dedup = on } }

func WithFragments(on bool) WriterOption { return func(w *Writer) { w.fragments = on } }

func WithExportable(on bool) WriterOption { return func(w *Writer) { w.exportable = on } }

// WithPadding sets the image's trailing pad size in KiB; 0 disables padding.
func WithPadding(kib int) WriterOption { return func(w *Writer) { w.paddingKiB = kib } }

// NewWriter prepares a Writer over tree. Defaults: little-endian v4.0 kind,
// gzip compression, 128KiB blocks, dedup/fragments/exportable all on, 4KiB
// padding - mksquashfs's own out-of-the-box defaults.
func NewWriter(tree *Tree, opts ...WriterOption) (*Writer, error) {
	w := &Writer{
		tree:       tree,
		kind:       KindLE,
		comp:       GZip,
		blockSize:  131072,
		dedup:      true,
		fragments:  true,
		exportable: true,
		paddingKiB: 4,
	}
	for _, o := range opts {
		o(w)
	}

	action, err := lookupCompression(w.comp)
	if err != nil {
		return nil, err
	}
	w.compAction = action

	if w.blockSize < 4096 || w.blockSize > 1048576 || w.blockSize&(w.blockSize-1) != 0 {
		return nil, ErrInvalidBlockSize
	}

	return w, nil
}

func blockLog(size uint32) uint16 {
	l := uint16(0)
	for size > 1 {
		size >>= 1
		l++
	}
	return l
}

func isAllZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// nodeType returns the basic (non-extended) type tag for n, the form
// directory entries store on disk - unsquashfs and friends expect 1-7 in a
// directory listing even when the referenced inode itself uses an extended
// variant (8-14).
func nodeType(n *Node) Type {
	switch pl := n.Payload.(type) {
	case DirPayload:
		return DirType
	case FilePayload:
		return FileType
	case SymlinkPayload:
		return SymlinkType
	case DevicePayload:
		if pl.Char {
			return CharDevType
		}
		return BlockDevType
	case FifoPayload:
		return FifoType
	case SocketPayload:
		return SocketType
	}
	return FileType
}

// idBuilder deduplicates uid/gid values into the compact array the on-disk
// id table stores, handing each distinct value a stable index.
type idBuilder struct {
	values []uint32
	index  map[uint32]uint16
}

func newIDBuilder() *idBuilder { return &idBuilder{index: map[uint32]uint16{}} }

func (b *idBuilder) idOf(v uint32) uint16 {
	if i, ok := b.index[v]; ok {
		return i
	}
	i := uint16(len(b.values))
	b.values = append(b.values, v)
	b.index[v] = i
	return i
}

// builtNode is the per-Node bookkeeping accumulated while data blocks are
// packed, before the inode/directory tables are serialized.
type builtNode struct {
	node *Node
	ino  uint32 // assigned public inode number

	blocks     []uint32 // on-disk block-size descriptors, full blocks only
	startBlock uint64
	fragBlock  uint32
	fragOfft   uint32
	size       uint64

	ref inodeRef // filled in once this node's inode is serialized
}

type fragRef struct {
	block  uint32
	offset uint32
}

// Finalize streams the complete image to out.
func (w *Writer) Finalize(out io.Writer) error {
	// The image is laid out as [superblock][optional compression-options
	// block][data region][tables...], so every offset packFile/flushFragBuf
	// record into a builtNode or fragEntry must be rebased by dataBase -
	// the data region's absolute start - not left relative to the
	// standalone data buffer. The compression-options block (if any) is
	// serialized up front so dataBase is known before any block is packed,
	// the same way the teacher's own writer fixed offset = SuperblockSize
	// before its single serialize pass.
	var optsBytes []byte
	if w.compOpts != nil {
		serialized, err := w.compAction.SerializeOptions(w.compOpts)
		if err != nil {
			return err
		}
		optsBytes = compressMetaBlock(w.kind, w.compAction, nil, serialized)
	}
	dataBase := uint64(SuperblockSize) + uint64(len(optsBytes))

	var data bytes.Buffer

	// wholeFileDedup maps a file's full-content hash to the builtNode that
	// first wrote it. SquashFS data blocks carry no per-block offset - a
	// file's blocks are read sequentially from its own StartBlock using
	// only their sizes - so a duplicate block can only be spliced into
	// another file's layout when the two files are byte-for-byte
	// identical and therefore share the same StartBlock and block list
	// outright. Fragment entries are addressed independently (by block
	// index and in-block offset), so fragment tails can still be
	// deduplicated at sub-file granularity below.
	wholeFileDedup := map[[32]byte]*builtNode{}
	fragIndex := map[[32]byte]fragRef{}
	var fragEntries []fragEntry
	var fragBuf bytes.Buffer

	compressChunk := func(raw []byte) (uint32, []byte) {
		compressed, err := w.compAction.Compress(raw, w.compOpts, w.blockSize)
		if err != nil || len(compressed) >= len(raw) {
			return uint32(len(raw)) | dataBlockUncompressedBit, raw
		}
		return uint32(len(compressed)), compressed
	}

	flushFragBuf := func() {
		if fragBuf.Len() == 0 {
			return
		}
		raw := append([]byte(nil), fragBuf.Bytes()...)
		sz, store := compressChunk(raw)
		fragEntries = append(fragEntries, fragEntry{Start: dataBase + uint64(data.Len()), Size: sz})
		data.Write(store)
		fragBuf.Reset()
	}

	writeDataBlock := func(raw []byte) uint32 {
		sz, store := compressChunk(raw)
		data.Write(store)
		return sz
	}

	built := map[string]*builtNode{}

	packFile := func(bn *builtNode, src FileSource) error {
		rc, err := src.Open()
		if err != nil {
			return err
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return fmt.Errorf("squashfs: reading %s: %w", bn.node.Path, err)
		}
		if int64(len(content)) != src.Size() {
			return fmt.Errorf("squashfs: %s: source reported size %d, read %d bytes", bn.node.Path, src.Size(), len(content))
		}

		if w.dedup {
			h := sha256.Sum256(content)
			if prior, ok := wholeFileDedup[h]; ok {
				bn.blocks = prior.blocks
				bn.startBlock = prior.startBlock
				bn.fragBlock = prior.fragBlock
				bn.fragOfft = prior.fragOfft
				return nil
			}
			wholeFileDedup[h] = bn
		}

		bn.fragBlock = noFragment
		bn.startBlock = dataBase + uint64(data.Len())
		remaining := int64(len(content))
		pos := int64(0)

		for remaining > 0 {
			n := int64(w.blockSize)
			last := false
			if remaining <= n {
				n = remaining
				last = true
			}
			chunk := content[pos : pos+n]
			pos += n
			remaining -= n

			if last && w.fragments && n < int64(w.blockSize) {
				h := sha256.Sum256(chunk)
				if w.dedup {
					if ref, ok := fragIndex[h]; ok {
						bn.fragBlock, bn.fragOfft = ref.block, ref.offset
						continue
					}
				}
				if fragBuf.Len()+len(chunk) > int(w.blockSize) {
					flushFragBuf()
				}
				off := uint32(fragBuf.Len())
				blockNum := uint32(len(fragEntries))
				fragBuf.Write(chunk)
				bn.fragBlock, bn.fragOfft = blockNum, off
				if w.dedup {
					fragIndex[h] = fragRef{block: blockNum, offset: off}
				}
				continue
			}

			if isAllZero(chunk) {
				bn.blocks = append(bn.blocks, 0)
				continue
			}

			bn.blocks = append(bn.blocks, writeDataBlock(chunk))
		}
		return nil
	}

	// Pass 1: pack every file's bytes. Tree.Walk is parent-before-child;
	// packing order does not matter since files never reference each other.
	if err := w.tree.Walk(func(n *Node) error {
		bn := &builtNode{node: n}
		built[n.Path] = bn
		if fp, ok := n.Payload.(FilePayload); ok {
			bn.size = uint64(fp.Source.Size())
			if err := packFile(bn, fp.Source); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return err
	}
	flushFragBuf()

	// Assign inode numbers post-order (children before parents) so every
	// directory already knows its children's numbers when it emits them,
	// matching the order the serialize pass below uses.
	var nodesPostOrder []*builtNode
	var collect func(p string)
	collect = func(p string) {
		for _, c := range w.tree.children(p) {
			collect(c.Path)
		}
		nodesPostOrder = append(nodesPostOrder, built[p])
	}
	collect(".")
	for i, bn := range nodesPostOrder {
		bn.ino = uint32(i + 1)
	}
	inodeCount := uint32(len(nodesPostOrder))
	byIno := make([]*builtNode, inodeCount+1)
	for _, bn := range nodesPostOrder {
		byIno[bn.ino] = bn
	}

	ids := newIDBuilder()
	inodeMW := newMetadataWriter(w.kind, w.compAction, w.compOpts)
	dirMW := newMetadataWriter(w.kind, w.compAction, w.compOpts)

	var rootRef inodeRef
	var serialize func(p string) error
	serialize = func(p string) error {
		for _, c := range w.tree.children(p) {
			if err := serialize(c.Path); err != nil {
				return err
			}
		}

		bn := built[p]
		var err error
		switch pl := bn.node.Payload.(type) {
		case DirPayload:
			bn.ref, err = w.serializeDir(dirMW, inodeMW, bn, ids, built)
		case FilePayload:
			bn.ref, err = w.serializeFile(inodeMW, bn, ids)
		case SymlinkPayload:
			bn.ref, err = w.serializeSymlink(inodeMW, bn, pl, ids)
		case DevicePayload:
			bn.ref, err = w.serializeDevice(inodeMW, bn, pl, ids)
		case FifoPayload, SocketPayload:
			bn.ref, err = w.serializeSimple(inodeMW, bn, ids)
		}
		if err != nil {
			return err
		}
		if p == "." {
			rootRef = bn.ref
		}
		return nil
	}
	if err := serialize("."); err != nil {
		return err
	}
	if err := inodeMW.Close(); err != nil {
		return err
	}
	if err := dirMW.Close(); err != nil {
		return err
	}

	return w.assemble(out, optsBytes, &data, inodeMW, dirMW, fragEntries, ids, byIno, rootRef, inodeCount)
}

const inodeHeaderSize = 16

func (w *Writer) writeInodeHeader(mw *metadataWriter, typ Type, bn *builtNode, ids *idBuilder) {
	var hdr [inodeHeaderSize]byte
	order := w.kind.MetaOrder
	order.PutUint16(hdr[0:2], uint16(typ))
	order.PutUint16(hdr[2:4], uint16(bn.node.Header.Mode.Perm()))
	order.PutUint16(hdr[4:6], ids.idOf(bn.node.Header.Uid))
	order.PutUint16(hdr[6:8], ids.idOf(bn.node.Header.Gid))
	order.PutUint32(hdr[8:12], uint32(bn.node.Header.ModTime.Unix()))
	order.PutUint32(hdr[12:16], bn.ino)
	mw.Write(hdr[:])
}

func (w *Writer) serializeDir(dirMW, inodeMW *metadataWriter, bn *builtNode, ids *idBuilder, built map[string]*builtNode) (inodeRef, error) {
	ref := markRef(inodeMW)

	// Tree.children already returns entries sorted bytewise by name.
	children := w.tree.children(bn.node.Path)
	builtChildren := make([]*builtNode, len(children))
	for i, c := range children {
		builtChildren[i] = built[c.Path]
	}

	startBlock, startByte := dirMW.Mark()
	bodySize := 0
	nlink := uint32(2)

	idx := 0
	for idx < len(builtChildren) {
		first := builtChildren[idx]
		if first.node.isDir() {
			nlink++
		}
		headerIno := first.ino
		headerBlock := uint32(first.ref.Index())

		group := []*builtNode{first}
		idx++
		for idx < len(builtChildren) && len(group) < 256 {
			cand := builtChildren[idx]
			if uint32(cand.ref.Index()) != headerBlock {
				break
			}
			delta := int64(cand.ino) - int64(headerIno)
			if delta < -32768 || delta > 32767 {
				break
			}
			if cand.node.isDir() {
				nlink++
			}
			group = append(group, cand)
			idx++
		}

		var hdr [12]byte
		order := w.kind.MetaOrder
		order.PutUint32(hdr[0:4], uint32(len(group)-1))
		order.PutUint32(hdr[4:8], headerBlock)
		order.PutUint32(hdr[8:12], headerIno)
		dirMW.Write(hdr[:])
		bodySize += len(hdr)

		for _, g := range group {
			name := path.Base(g.node.Path)
			var e [8]byte
			order.PutUint16(e[0:2], uint16(g.ref.Offset()))
			order.PutUint16(e[2:4], uint16(int16(int64(g.ino)-int64(headerIno))))
			order.PutUint16(e[4:6], uint16(nodeType(g.node)))
			order.PutUint16(e[6:8], uint16(len(name)-1))
			dirMW.Write(e[:])
			dirMW.Write([]byte(name))
			bodySize += len(e) + len(name)
		}
	}

	parentIno := bn.ino
	if bn.node.Path != "." {
		if parent, ok := built[path.Dir(bn.node.Path)]; ok {
			parentIno = parent.ino
		}
	}

	w.writeInodeHeader(inodeMW, XDirType, bn, ids)
	order := w.kind.MetaOrder
	var body [20]byte
	order.PutUint32(body[0:4], nlink)
	order.PutUint32(body[4:8], uint32(bodySize+3))
	order.PutUint32(body[8:12], startBlock)
	order.PutUint32(body[12:16], parentIno)
	inodeMW.Write(body[0:16])
	var idxCount [2]byte
	order.PutUint16(idxCount[:], 0)
	inodeMW.Write(idxCount[:])
	var off [2]byte
	order.PutUint16(off[:], startByte)
	inodeMW.Write(off[:])
	var xattr [4]byte
	order.PutUint32(xattr[:], 0xffffffff)
	inodeMW.Write(xattr[:])

	return ref, nil
}

func markRef(mw *metadataWriter) inodeRef {
	block, off := mw.Mark()
	return inodeRef((uint64(block) << 16) | uint64(off))
}

func (w *Writer) serializeFile(inodeMW *metadataWriter, bn *builtNode, ids *idBuilder) (inodeRef, error) {
	ref := markRef(inodeMW)
	w.writeInodeHeader(inodeMW, XFileType, bn, ids)

	order := w.kind.MetaOrder
	var body [36]byte
	order.PutUint64(body[0:8], bn.startBlock)
	order.PutUint64(body[8:16], bn.size)
	order.PutUint64(body[16:24], 0) // sparse: holes are represented as zero-size blocks instead
	order.PutUint32(body[24:28], 1) // nlink
	order.PutUint32(body[28:32], bn.fragBlock)
	order.PutUint32(body[32:36], bn.fragOfft)
	inodeMW.Write(body[:])
	var xattr [4]byte
	order.PutUint32(xattr[:], 0xffffffff)
	inodeMW.Write(xattr[:])

	for _, b := range bn.blocks {
		var bb [4]byte
		order.PutUint32(bb[:], b)
		inodeMW.Write(bb[:])
	}

	return ref, nil
}

func (w *Writer) serializeSymlink(inodeMW *metadataWriter, bn *builtNode, pl SymlinkPayload, ids *idBuilder) (inodeRef, error) {
	ref := markRef(inodeMW)
	w.writeInodeHeader(inodeMW, SymlinkType, bn, ids)

	order := w.kind.MetaOrder
	var nlink [4]byte
	order.PutUint32(nlink[:], 1)
	inodeMW.Write(nlink[:])
	var sz [4]byte
	order.PutUint32(sz[:], uint32(len(pl.Target)))
	inodeMW.Write(sz[:])
	inodeMW.Write([]byte(pl.Target))

	return ref, nil
}

func makedev(major, minor uint32) uint32 {
	return (minor & 0xff) | (major << 8) | ((minor &^ 0xff) << 12)
}

func (w *Writer) serializeDevice(inodeMW *metadataWriter, bn *builtNode, pl DevicePayload, ids *idBuilder) (inodeRef, error) {
	ref := markRef(inodeMW)
	typ := BlockDevType
	if pl.Char {
		typ = CharDevType
	}
	w.writeInodeHeader(inodeMW, typ, bn, ids)

	order := w.kind.MetaOrder
	var nlink [4]byte
	order.PutUint32(nlink[:], 1)
	inodeMW.Write(nlink[:])
	var rdev [4]byte
	order.PutUint32(rdev[:], makedev(pl.Major, pl.Minor))
	inodeMW.Write(rdev[:])

	return ref, nil
}

func (w *Writer) serializeSimple(inodeMW *metadataWriter, bn *builtNode, ids *idBuilder) (inodeRef, error) {
	ref := markRef(inodeMW)
	typ := FifoType
	if _, ok := bn.node.Payload.(SocketPayload); ok {
		typ = SocketType
	}
	w.writeInodeHeader(inodeMW, typ, bn, ids)

	order := w.kind.MetaOrder
	var nlink [4]byte
	order.PutUint32(nlink[:], 1)
	inodeMW.Write(nlink[:])

	return ref, nil
}

func compressMetaBlock(kind *Kind, action CompressionAction, opts any, payload []byte) []byte {
	compressed, err := action.Compress(payload, opts, uint32(len(payload)))
	var hdr [2]byte
	if err != nil || len(compressed) >= len(payload) {
		kind.MetaOrder.PutUint16(hdr[:], uint16(len(payload))|0x8000)
		out := make([]byte, 0, 2+len(payload))
		out = append(out, hdr[:]...)
		return append(out, payload...)
	}
	kind.MetaOrder.PutUint16(hdr[:], uint16(len(compressed)))
	out := make([]byte, 0, 2+len(compressed))
	out = append(out, hdr[:]...)
	return append(out, compressed...)
}

// packIndexedTable packs count entries of entrySize bytes (written by
// writeEntry) into 8KiB metadata blocks, appends those blocks to img, and
// returns the table's own index array (absolute block offsets) - the shape
// shared by the id, fragment and export tables.
func packIndexedTable(img *bytes.Buffer, kind *Kind, action CompressionAction, opts any, count, entrySize int, writeEntry func(i int, w *bytes.Buffer)) []uint64 {
	perBlock := metadataBlockLimit / entrySize
	var offsets []uint64

	for i := 0; i < count; i += perBlock {
		end := i + perBlock
		if end > count {
			end = count
		}
		var payload bytes.Buffer
		for j := i; j < end; j++ {
			writeEntry(j, &payload)
		}
		offsets = append(offsets, uint64(img.Len()))
		img.Write(compressMetaBlock(kind, action, opts, payload.Bytes()))
	}

	return offsets
}

func writeIndexArray(img *bytes.Buffer, kind *Kind, offsets []uint64) uint64 {
	start := uint64(img.Len())
	for _, o := range offsets {
		var b [8]byte
		kind.MetaOrder.PutUint64(b[:], o)
		img.Write(b[:])
	}
	return start
}

const noTable = 0xFFFFFFFFFFFFFFFF

func (w *Writer) assemble(out io.Writer, optsBytes []byte, data *bytes.Buffer, inodeMW, dirMW *metadataWriter, fragEntries []fragEntry, ids *idBuilder, byIno []*builtNode, rootRef inodeRef, inodeCount uint32) error {
	var img bytes.Buffer
	img.Write(make([]byte, SuperblockSize))

	flags := SquashFlags(0)
	if w.dedup {
		flags |= DUPLICATES
	}
	if !w.fragments {
		flags |= NO_FRAGMENTS
	}
	if optsBytes != nil {
		flags |= COMPRESSOR_OPTIONS
		img.Write(optsBytes)
	}

	// data.Bytes() must land exactly at dataBase (SuperblockSize +
	// len(optsBytes)) for the startBlock/fragEntry offsets recorded during
	// packing, which were already rebased to that absolute position, to
	// resolve correctly through Superblock.abs.
	img.Write(data.Bytes())

	inodeTableStart := uint64(img.Len())
	img.Write(inodeMW.Bytes())

	dirTableStart := uint64(img.Len())
	img.Write(dirMW.Bytes())

	fragTableStart := uint64(noTable)
	if len(fragEntries) > 0 {
		offsets := packIndexedTable(&img, w.kind, w.compAction, w.compOpts, len(fragEntries), fragEntrySize, func(i int, p *bytes.Buffer) {
			var b [fragEntrySize]byte
			w.kind.MetaOrder.PutUint64(b[0:8], fragEntries[i].Start)
			w.kind.MetaOrder.PutUint32(b[8:12], fragEntries[i].Size)
			p.Write(b[:])
		})
		fragTableStart = writeIndexArray(&img, w.kind, offsets)
	}

	exportTableStart := uint64(noTable)
	if w.exportable {
		offsets := packIndexedTable(&img, w.kind, w.compAction, w.compOpts, int(inodeCount), exportEntrySize, func(i int, p *bytes.Buffer) {
			var b [exportEntrySize]byte
			w.kind.MetaOrder.PutUint64(b[:], uint64(byIno[i+1].ref))
			p.Write(b[:])
		})
		exportTableStart = writeIndexArray(&img, w.kind, offsets)
		flags |= EXPORTABLE
	}

	idTableStart := uint64(noTable)
	if len(ids.values) > 0 {
		offsets := packIndexedTable(&img, w.kind, w.compAction, w.compOpts, len(ids.values), idTableEntrySize, func(i int, p *bytes.Buffer) {
			var b [idTableEntrySize]byte
			w.kind.MetaOrder.PutUint32(b[:], ids.values[i])
			p.Write(b[:])
		})
		idTableStart = writeIndexArray(&img, w.kind, offsets)
	}

	bytesUsed := uint64(img.Len())
	if w.paddingKiB > 0 {
		pad := w.paddingKiB * 1024
		if rem := int(bytesUsed) % pad; rem != 0 {
			img.Write(make([]byte, pad-rem))
		}
	}

	sb := &Superblock{
		kind:              w.kind,
		Magic:             w.kind.MagicU32(),
		InodeCnt:          inodeCount,
		ModTime:           int32(time.Now().Unix()),
		BlockSize:         w.blockSize,
		FragCount:         uint32(len(fragEntries)),
		Comp:              w.comp,
		BlockLog:          blockLog(w.blockSize),
		Flags:             flags,
		IdCount:           uint16(len(ids.values)),
		VMajor:            w.kind.VMajor,
		VMinor:            w.kind.VMinor,
		RootInode:         uint64(rootRef),
		BytesUsed:         bytesUsed,
		IdTableStart:      idTableStart,
		XattrIdTableStart: noTable,
		InodeTableStart:   inodeTableStart,
		DirTableStart:     dirTableStart,
		FragTableStart:    fragTableStart,
		ExportTableStart:  exportTableStart,
	}
	sbBytes, err := sb.marshalBinary()
	if err != nil {
		return err
	}
	copy(img.Bytes()[0:SuperblockSize], sbBytes)

	_, err = out.Write(img.Bytes())
	return err
}
