package btree

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/rohanmehta/ridgedb/core/storage/page"
)

// nodeType distinguishes a leaf (holding RIDs) from an internal node
// (holding child page ids).
type nodeType uint32

const (
	nodeInvalid nodeType = iota
	nodeLeaf
	nodeInternal
)

// Header layout, matching the 24-byte common B+Tree page header:
// PageType(4) | LSN(4) | CurrentSize(4) | MaxSize(4) | ParentPageID(4) | PageID(4)
const (
	headerSize     = 24
	leafHeaderSize = headerSize + 4 // + NextPageID
	checksumSize   = 4
)

// node is the in-memory decoded form of one B+Tree page. Keys are
// fixed-size byte strings (KeySize, set by the owning tree); leaves carry
// RID values, internal nodes carry child page ids.
type node struct {
	id       page.ID
	typ      nodeType
	size     int32
	maxSize  int32
	parentID page.ID
	lsn      page.LSN
	nextID   page.ID // leaf only; page.InvalidID for internal nodes

	keys     [][]byte
	rids     []page.RID // leaf only, parallel to keys
	children []page.ID  // internal only, len(children) == size, children[i] follows keys[i]

	keySize int
}

func newLeaf(id, parentID page.ID, maxSize int32, keySize int) *node {
	return &node{
		id: id, typ: nodeLeaf, maxSize: maxSize, parentID: parentID,
		nextID: page.InvalidID, keySize: keySize,
	}
}

func newInternal(id, parentID page.ID, maxSize int32, keySize int) *node {
	return &node{
		id: id, typ: nodeInternal, maxSize: maxSize, parentID: parentID,
		keySize: keySize,
	}
}

func (n *node) isLeaf() bool { return n.typ == nodeLeaf }

// isFull implements the split convention
// documented in DESIGN.md: a leaf's logical capacity is maxSize-1 entries
// and it overflows (triggering a split) the instant a post-insert size
// reaches maxSize; an internal node's logical capacity is maxSize entries
// and it overflows at maxSize+1.
func (n *node) isFull() bool {
	if n.isLeaf() {
		return n.size >= n.maxSize
	}
	return n.size > n.maxSize
}

// minSize is the floor below which a non-root node must be coalesced or
// redistributed.
func (n *node) minSize() int32 {
	return (n.maxSize + 1) / 2
}

func (n *node) isUnderflow() bool {
	return n.size < n.minSize()
}

// findKeyIndex returns the index of key if present, and whether it was
// found, using the node's keys in sorted order (binary search).
func (n *node) findKeyIndex(key []byte) (int, bool) {
	lo, hi := 0, int(n.size)
	for lo < hi {
		mid := (lo + hi) / 2
		switch bytes.Compare(n.keys[mid], key) {
		case 0:
			return mid, true
		case -1:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return lo, false
}

// lookupChild returns the child page id to descend into for key, in an
// internal node using the convention that children[i] covers keys in
// [keys[i], keys[i+1]) (keys[0] is an unused sentinel that is never compared,
// matching bustub's internal page layout).
func (n *node) lookupChild(key []byte) page.ID {
	lo, hi := 1, int(n.size)
	for lo < hi {
		mid := (lo + hi) / 2
		if bytes.Compare(n.keys[mid], key) <= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return n.children[lo-1]
}

// insertLeaf inserts (key, rid) in sorted position. Caller must have
// already checked the key isn't present.
func (n *node) insertLeaf(key []byte, rid page.RID) {
	idx, _ := n.findKeyIndex(key)
	n.keys = append(n.keys, nil)
	n.rids = append(n.rids, page.RID{})
	copy(n.keys[idx+1:], n.keys[idx:])
	copy(n.rids[idx+1:], n.rids[idx:])
	n.keys[idx] = append([]byte(nil), key...)
	n.rids[idx] = rid
	n.size++
}

// removeLeafAt removes the slot at idx.
func (n *node) removeLeafAt(idx int) {
	n.keys = append(n.keys[:idx], n.keys[idx+1:]...)
	n.rids = append(n.rids[:idx], n.rids[idx+1:]...)
	n.size--
}

// insertInternalAt inserts a (key, child) pair at position idx (idx==0 is
// only used for the sentinel slot created by a fresh split).
func (n *node) insertInternalAt(idx int, key []byte, child page.ID) {
	n.keys = append(n.keys, nil)
	n.children = append(n.children, page.InvalidID)
	copy(n.keys[idx+1:], n.keys[idx:])
	copy(n.children[idx+1:], n.children[idx:])
	n.keys[idx] = append([]byte(nil), key...)
	n.children[idx] = child
	n.size++
}

// insertInternalAfterChild finds the correct slot for a new (separatorKey, child)
// pair given the existing child it follows and inserts it there.
func (n *node) insertInternalAfterChild(after page.ID, separatorKey []byte, child page.ID) {
	for i, c := range n.children {
		if c == after {
			n.insertInternalAt(i+1, separatorKey, child)
			return
		}
	}
}

func (n *node) removeInternalAt(idx int) {
	n.keys = append(n.keys[:idx], n.keys[idx+1:]...)
	n.children = append(n.children[:idx], n.children[idx+1:]...)
	n.size--
}

func (n *node) childIndex(id page.ID) int {
	for i, c := range n.children {
		if c == id {
			return i
		}
	}
	return -1
}

// serialize encodes the node into a page-sized buffer, including the
// trailing CRC32 checksum.
func (n *node) serialize(buf []byte) error {
	for i := range buf {
		buf[i] = 0
	}
	binary.BigEndian.PutUint32(buf[0:4], uint32(n.typ))
	binary.BigEndian.PutUint32(buf[4:8], uint32(n.lsn))
	binary.BigEndian.PutUint32(buf[8:12], uint32(n.size))
	binary.BigEndian.PutUint32(buf[12:16], uint32(n.maxSize))
	binary.BigEndian.PutUint32(buf[16:20], uint32(int32(n.parentID)))
	binary.BigEndian.PutUint32(buf[20:24], uint32(int32(n.id)))

	off := headerSize
	if n.isLeaf() {
		binary.BigEndian.PutUint32(buf[24:28], uint32(int32(n.nextID)))
		off = leafHeaderSize
	}

	slotSize := n.keySize + n.valueSize()
	need := off + int(n.size)*slotSize + checksumSize
	if need > len(buf) {
		return fmt.Errorf("%w: node with %d entries does not fit in one page", ErrCorruptNode, n.size)
	}
	for i := 0; i < int(n.size); i++ {
		start := off + i*slotSize
		if len(n.keys[i]) != n.keySize {
			return fmt.Errorf("%w: key %d has length %d, want %d", ErrWrongKeySize, i, len(n.keys[i]), n.keySize)
		}
		copy(buf[start:start+n.keySize], n.keys[i])
		vstart := start + n.keySize
		if n.isLeaf() {
			binary.BigEndian.PutUint32(buf[vstart:vstart+4], uint32(int32(n.rids[i].PageID)))
			binary.BigEndian.PutUint32(buf[vstart+4:vstart+8], n.rids[i].Slot)
		} else {
			binary.BigEndian.PutUint32(buf[vstart:vstart+4], uint32(int32(n.children[i])))
		}
	}

	sum := crc32.ChecksumIEEE(buf[:len(buf)-checksumSize])
	binary.BigEndian.PutUint32(buf[len(buf)-checksumSize:], sum)
	return nil
}

func (n *node) valueSize() int {
	if n.isLeaf() {
		return 8
	}
	return 4
}

// deserializeNode decodes buf (a full page.Size buffer) into a node. keySize
// must be supplied by the caller (the tree's configuration), since it is
// not itself stored in the fixed 24-byte header.
func deserializeNode(buf []byte, keySize int) (*node, error) {
	want := crc32.ChecksumIEEE(buf[:len(buf)-checksumSize])
	got := binary.BigEndian.Uint32(buf[len(buf)-checksumSize:])
	if want != got {
		return nil, ErrChecksumMismatch
	}

	typ := nodeType(binary.BigEndian.Uint32(buf[0:4]))
	if typ != nodeLeaf && typ != nodeInternal {
		return nil, fmt.Errorf("%w: unrecognized node type %d", ErrCorruptNode, typ)
	}
	n := &node{
		typ:      typ,
		lsn:      page.LSN(binary.BigEndian.Uint32(buf[4:8])),
		size:     int32(binary.BigEndian.Uint32(buf[8:12])),
		maxSize:  int32(binary.BigEndian.Uint32(buf[12:16])),
		parentID: page.ID(int32(binary.BigEndian.Uint32(buf[16:20]))),
		id:       page.ID(int32(binary.BigEndian.Uint32(buf[20:24]))),
		keySize:  keySize,
	}

	off := headerSize
	if n.isLeaf() {
		n.nextID = page.ID(int32(binary.BigEndian.Uint32(buf[24:28])))
		off = leafHeaderSize
	}

	slotSize := keySize + n.valueSize()
	n.keys = make([][]byte, n.size)
	if n.isLeaf() {
		n.rids = make([]page.RID, n.size)
	} else {
		n.children = make([]page.ID, n.size)
	}
	for i := 0; i < int(n.size); i++ {
		start := off + i*slotSize
		key := make([]byte, keySize)
		copy(key, buf[start:start+keySize])
		n.keys[i] = key
		vstart := start + keySize
		if n.isLeaf() {
			n.rids[i] = page.RID{
				PageID: page.ID(int32(binary.BigEndian.Uint32(buf[vstart : vstart+4]))),
				Slot:   binary.BigEndian.Uint32(buf[vstart+4 : vstart+8]),
			}
		} else {
			n.children[i] = page.ID(int32(binary.BigEndian.Uint32(buf[vstart : vstart+4])))
		}
	}
	return n, nil
}
