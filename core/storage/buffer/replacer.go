package buffer

import (
	"container/list"
	"sync"

	"github.com/rohanmehta/ridgedb/core/storage/page"
)

// LRUReplacer tracks which frames are eligible for eviction. A frame enters
// the replacer via Unpin and leaves it via Pin or Victim. Frames never
// placed in the replacer (still on the pool's free list, or currently
// pinned) are not tracked here at all.
type LRUReplacer struct {
	mu    sync.Mutex
	order *list.List // front = least recently used, back = most recently used
	elems map[page.FrameID]*list.Element
}

// NewLRUReplacer returns an empty replacer sized for capacity frames.
func NewLRUReplacer(capacity int) *LRUReplacer {
	return &LRUReplacer{
		order: list.New(),
		elems: make(map[page.FrameID]*list.Element, capacity),
	}
}

// Unpin marks frameID as a victim candidate. A frame already tracked is a
// no-op.
func (r *LRUReplacer) Unpin(frameID page.FrameID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.elems[frameID]; ok {
		return
	}
	r.elems[frameID] = r.order.PushBack(frameID)
}

// Pin removes frameID from victim candidacy, if present. Called when a
// frame's pin count rises from 0 to 1.
func (r *LRUReplacer) Pin(frameID page.FrameID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.elems[frameID]; ok {
		r.order.Remove(e)
		delete(r.elems, frameID)
	}
}

// Victim evicts and returns the least-recently-used tracked frame. The
// second return value is false if the replacer holds nothing evictable.
func (r *LRUReplacer) Victim() (page.FrameID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	front := r.order.Front()
	if front == nil {
		return 0, false
	}
	r.order.Remove(front)
	frameID := front.Value.(page.FrameID)
	delete(r.elems, frameID)
	return frameID, true
}

// Size reports how many frames are currently evictable.
func (r *LRUReplacer) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.order.Len()
}
