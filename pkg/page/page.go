// ABOUTME: Fixed 4096-byte page layouts shared by every on-disk page kind
// ABOUTME: Implements the byte-exact header/free/internal/leaf/output formats

package page

import "encoding/binary"

const (
	// Size is the fixed page size in bytes (P in the design doc).
	Size = 4096

	// KeySize is the width of a key: a 64-bit unsigned integer.
	KeySize = 8

	// ValueSize is the width of a value payload.
	ValueSize = 120

	// InternalOrder is the internal node fan-out (I).
	InternalOrder = 249

	// LeafOrder is the leaf node fan-out (L).
	LeafOrder = 32

	// LeafMaxRecords is the number of records a leaf holds (L-1).
	LeafMaxRecords = LeafOrder - 1

	// InternalMaxKeys is the maximum key count an internal node holds (I-1).
	InternalMaxKeys = InternalOrder - 1

	// OutputSlots is the number of result rows the join output page holds.
	OutputSlots = 16
)

const (
	offFreeHead   = 0
	offRootOffset = 8
	offNumPages   = 16
	offPageLSN    = 24

	offParent  = 0
	offIsLeaf  = 8
	offNumKeys = 12
	offSibling = 120

	internalRecordsStart = 112
	internalRecordSize   = KeySize + 8 // key + child offset

	leafRecordsStart = 128
	leafRecordSize   = KeySize + ValueSize

	outputSlotSize = KeySize + ValueSize + KeySize + ValueSize
)

// Page is a single fixed-size block, the unit of I/O and cache. The same
// byte layout is reinterpreted as a header, free, internal, leaf, or
// output page depending on context — callers are expected to know which
// kind they're holding, exactly as the on-disk format has no page-kind
// tag of its own (is_leaf distinguishes internal from leaf; header and
// free pages are only ever reached via free_head/num_pages bookkeeping).
type Page [Size]byte

// New returns a zeroed page.
func New() *Page {
	return &Page{}
}

// FromBytes reinterprets an existing Size-byte buffer as a Page.
func FromBytes(b []byte) *Page {
	if len(b) != Size {
		panic("page: buffer is not exactly one block")
	}
	return (*Page)(b)
}

// Bytes returns the page's backing storage.
func (p *Page) Bytes() []byte {
	return p[:]
}

func (p *Page) u64(off int) uint64 {
	return binary.LittleEndian.Uint64(p[off:])
}

func (p *Page) setU64(off int, v uint64) {
	binary.LittleEndian.PutUint64(p[off:], v)
}

func (p *Page) u32(off int) uint32 {
	return binary.LittleEndian.Uint32(p[off:])
}

func (p *Page) setU32(off int, v uint32) {
	binary.LittleEndian.PutUint32(p[off:], v)
}

// --- Header page (offset 0 of each table file) ---

// FreeHead returns the offset of the first free page, or 0 if none.
func (p *Page) FreeHead() uint64 { return p.u64(offFreeHead) }

// SetFreeHead sets the head of the free list.
func (p *Page) SetFreeHead(v uint64) { p.setU64(offFreeHead, v) }

// RootOffset returns the offset of the tree root, or 0 for an empty tree.
func (p *Page) RootOffset() uint64 { return p.u64(offRootOffset) }

// SetRootOffset records the tree root's offset.
func (p *Page) SetRootOffset(v uint64) { p.setU64(offRootOffset, v) }

// NumPages returns the total number of pages allocated to the file,
// including the header itself.
func (p *Page) NumPages() uint64 { return p.u64(offNumPages) }

// SetNumPages records the file's current page count.
func (p *Page) SetNumPages(v uint64) { p.setU64(offNumPages, v) }

// PageLSN returns the LSN of the last log record reflected in this page.
// Shared across header, internal, and leaf pages — all three reserve the
// same byte range for it.
func (p *Page) PageLSN() uint64 { return p.u64(offPageLSN) }

// SetPageLSN records the LSN of the last applied log record.
func (p *Page) SetPageLSN(v uint64) { p.setU64(offPageLSN, v) }

// --- Free page ---

// FreeNext returns the next free page in the chain, or 0 if this is the
// last one.
func (p *Page) FreeNext() uint64 { return p.u64(0) }

// SetFreeNext links this free page to the next one in the chain.
func (p *Page) SetFreeNext(v uint64) { p.setU64(0, v) }

// --- Internal and leaf node pages (shared header fields) ---

// Parent returns the offset of this node's parent, or 0 if it is the root.
func (p *Page) Parent() uint64 { return p.u64(offParent) }

// SetParent records this node's parent offset.
func (p *Page) SetParent(v uint64) { p.setU64(offParent, v) }

// IsLeaf reports whether this node is a leaf.
func (p *Page) IsLeaf() bool { return p.u32(offIsLeaf) == 1 }

// SetLeaf marks this node as a leaf (true) or internal node (false).
func (p *Page) SetLeaf(leaf bool) {
	if leaf {
		p.setU32(offIsLeaf, 1)
	} else {
		p.setU32(offIsLeaf, 0)
	}
}

// NumKeys returns the number of keys currently stored in this node.
func (p *Page) NumKeys() int { return int(p.u32(offNumKeys)) }

// SetNumKeys records the node's key count.
func (p *Page) SetNumKeys(n int) { p.setU32(offNumKeys, uint32(n)) }

// --- Leaf node records ---

// Sibling returns the offset of the next leaf in key order, or 0 if this
// is the last leaf.
func (p *Page) Sibling() uint64 { return p.u64(offSibling) }

// SetSibling links this leaf to its right neighbor.
func (p *Page) SetSibling(v uint64) { p.setU64(offSibling, v) }

func leafRecordOffset(i int) int {
	return leafRecordsStart + i*leafRecordSize
}

// LeafKey returns the key stored in leaf record slot i.
func (p *Page) LeafKey(i int) uint64 { return p.u64(leafRecordOffset(i)) }

// SetLeafKey sets the key in leaf record slot i.
func (p *Page) SetLeafKey(i int, k uint64) { p.setU64(leafRecordOffset(i), k) }

// LeafValue returns the value bytes in leaf record slot i. The returned
// slice aliases the page's storage.
func (p *Page) LeafValue(i int) []byte {
	off := leafRecordOffset(i) + KeySize
	return p[off : off+ValueSize]
}

// LeafValueOffset returns the byte offset of slot i's value field within
// the page, for callers (the transaction log) that need the exact on-page
// location of a mutation rather than a copy of its bytes.
func (p *Page) LeafValueOffset(i int) int {
	return leafRecordOffset(i) + KeySize
}

// SetLeafValue copies v into leaf record slot i, right-padding with
// zero bytes and truncating to ValueSize.
func (p *Page) SetLeafValue(i int, v []byte) {
	off := leafRecordOffset(i) + KeySize
	dst := p[off : off+ValueSize]
	n := copy(dst, v)
	for j := n; j < ValueSize; j++ {
		dst[j] = 0
	}
}

// SetLeafRecord writes a full (key, value) record into slot i.
func (p *Page) SetLeafRecord(i int, key uint64, val []byte) {
	p.SetLeafKey(i, key)
	p.SetLeafValue(i, val)
}

// ClearLeafRecord zeroes out leaf record slot i.
func (p *Page) ClearLeafRecord(i int) {
	off := leafRecordOffset(i)
	clear(p[off : off+leafRecordSize])
}

// --- Internal node records ---

func internalRecordOffset(i int) int {
	return internalRecordsStart + i*internalRecordSize
}

// KeyAt returns the separator key stored at record slot i (1 <= i <=
// NumKeys); slot 0's key field is unused.
func (p *Page) KeyAt(i int) uint64 { return p.u64(internalRecordOffset(i)) }

// SetKeyAt sets the separator key at record slot i.
func (p *Page) SetKeyAt(i int, k uint64) { p.setU64(internalRecordOffset(i), k) }

// ChildAt returns the child pointer stored at record slot i. Slot 0
// holds the leftmost child; slot i (i>=1) holds the child covering keys
// >= KeyAt(i).
func (p *Page) ChildAt(i int) uint64 {
	return p.u64(internalRecordOffset(i) + KeySize)
}

// SetChildAt sets the child pointer at record slot i.
func (p *Page) SetChildAt(i int, v uint64) {
	p.setU64(internalRecordOffset(i)+KeySize, v)
}

// ClearInternalRecord zeroes out internal record slot i.
func (p *Page) ClearInternalRecord(i int) {
	off := internalRecordOffset(i)
	clear(p[off : off+internalRecordSize])
}

// --- Output page (join result buffer) ---

func outputSlotOffset(i int) int {
	return i * outputSlotSize
}

// OutputSlot returns the i'th buffered join result row.
func (p *Page) OutputSlot(i int) (key1 uint64, val1 []byte, key2 uint64, val2 []byte) {
	off := outputSlotOffset(i)
	key1 = p.u64(off)
	val1 = p[off+KeySize : off+KeySize+ValueSize]
	off2 := off + KeySize + ValueSize
	key2 = p.u64(off2)
	val2 = p[off2+KeySize : off2+KeySize+ValueSize]
	return
}

// SetOutputSlot writes a join result row into slot i.
func (p *Page) SetOutputSlot(i int, key1 uint64, val1 []byte, key2 uint64, val2 []byte) {
	off := outputSlotOffset(i)
	p.setU64(off, key1)
	dst1 := p[off+KeySize : off+KeySize+ValueSize]
	n := copy(dst1, val1)
	for j := n; j < ValueSize; j++ {
		dst1[j] = 0
	}
	off2 := off + KeySize + ValueSize
	p.setU64(off2, key2)
	dst2 := p[off2+KeySize : off2+KeySize+ValueSize]
	n = copy(dst2, val2)
	for j := n; j < ValueSize; j++ {
		dst2[j] = 0
	}
}
