package btree

import (
	"encoding/binary"
	"fmt"

	"github.com/rohanmehta/ridgedb/core/storage/page"
)

// headerPage is the decoded form of the reserved page 0: a small directory
// mapping index names to their root page id, so several named B+Trees can
// share one disk file and buffer pool. Grounded on bustub's HeaderPage.
type headerPage struct {
	records map[string]page.ID
	order   []string // insertion order, for deterministic re-encoding
}

const headerCountOffset = 0
const headerRecordsOffset = 4

func decodeHeaderPage(buf []byte) *headerPage {
	h := &headerPage{records: make(map[string]page.ID)}
	count := binary.BigEndian.Uint32(buf[headerCountOffset : headerCountOffset+4])
	off := headerRecordsOffset
	for i := uint32(0); i < count; i++ {
		nameLen := int(binary.BigEndian.Uint16(buf[off : off+2]))
		off += 2
		name := string(buf[off : off+nameLen])
		off += nameLen
		rootID := page.ID(int32(binary.BigEndian.Uint32(buf[off : off+4])))
		off += 4
		h.records[name] = rootID
		h.order = append(h.order, name)
	}
	return h
}

func (h *headerPage) encode(buf []byte) error {
	for i := range buf {
		buf[i] = 0
	}
	off := headerRecordsOffset
	count := uint32(0)
	for _, name := range h.order {
		rootID, ok := h.records[name]
		if !ok {
			continue // was deleted
		}
		need := off + 2 + len(name) + 4
		if need > len(buf) {
			return fmt.Errorf("btree: header page directory overflowed %d bytes", len(buf))
		}
		binary.BigEndian.PutUint16(buf[off:off+2], uint16(len(name)))
		off += 2
		copy(buf[off:off+len(name)], name)
		off += len(name)
		binary.BigEndian.PutUint32(buf[off:off+4], uint32(int32(rootID)))
		off += 4
		count++
	}
	binary.BigEndian.PutUint32(buf[headerCountOffset:headerCountOffset+4], count)
	return nil
}

func (h *headerPage) lookup(name string) (page.ID, bool) {
	id, ok := h.records[name]
	return id, ok
}

func (h *headerPage) insert(name string, rootID page.ID) {
	if _, exists := h.records[name]; !exists {
		h.order = append(h.order, name)
	}
	h.records[name] = rootID
}

func (h *headerPage) update(name string, rootID page.ID) {
	h.records[name] = rootID
}

func (h *headerPage) remove(name string) {
	delete(h.records, name)
}
