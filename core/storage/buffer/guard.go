package buffer

import (
	"context"

	"go.uber.org/zap"

	"github.com/rohanmehta/ridgedb/core/storage/page"
	"github.com/rohanmehta/ridgedb/pkg/logger"
)

// LatchMode selects whether FetchGuard/NewGuard takes the page's content
// latch for reading or writing, in addition to pinning it.
type LatchMode int

const (
	// NoLatch pins the page but takes no content latch. Used by callers
	// that only need the pin (e.g. holding a page alive across a longer
	// operation while latching it manually).
	NoLatch LatchMode = iota
	ReadLatch
	WriteLatch
)

// Guard is a scoped, single-owner handle on a pinned (and optionally
// latched) page: it guarantees the pin is released and the latch dropped
// exactly once, on every exit path, mirroring the RAII page_ptr pattern the
// B+Tree's latch-crabbing descent relies on.
//
// A Guard is not safe for concurrent use by multiple goroutines.
type Guard struct {
	bpm      *PoolManager
	p        *page.Page
	mode     LatchMode
	dirty    bool
	deleted  bool
	released bool
}

// FetchGuard fetches id, pins it, and takes the requested content latch,
// wrapping the result in a Guard.
func (bpm *PoolManager) FetchGuard(ctx context.Context, id page.ID, mode LatchMode) (*Guard, error) {
	p, err := bpm.Fetch(ctx, id)
	if err != nil {
		return nil, err
	}
	g := &Guard{bpm: bpm, p: p, mode: mode}
	g.latch()
	return g, nil
}

// NewGuard allocates a fresh page, pins it, and takes the requested content
// latch, returning both the Guard and the new page's id.
func (bpm *PoolManager) NewGuard(ctx context.Context, mode LatchMode) (*Guard, page.ID, error) {
	p, id, err := bpm.New(ctx)
	if err != nil {
		return nil, page.InvalidID, err
	}
	g := &Guard{bpm: bpm, p: p, mode: mode}
	g.latch()
	return g, id, nil
}

func (g *Guard) latch() {
	switch g.mode {
	case ReadLatch:
		g.p.RLatch()
	case WriteLatch:
		g.p.WLatch()
	}
}

func (g *Guard) unlatch() {
	switch g.mode {
	case ReadLatch:
		g.p.RUnlatch()
	case WriteLatch:
		g.p.WUnlatch()
	}
}

// Page returns the underlying page for reading or mutating its Data().
func (g *Guard) Page() *page.Page { return g.p }

// ID is a convenience accessor for g.Page().ID().
func (g *Guard) ID() page.ID { return g.p.ID() }

// MarkDirty records that the guard's release should mark the page dirty.
func (g *Guard) MarkDirty() { g.dirty = true }

// MarkDeleted records that the guard's release should delete the page from
// the pool (and free its on-disk allocation) instead of merely unpinning
// it. Requires the page have no other pinners at release time.
func (g *Guard) MarkDeleted() { g.deleted = true }

// Release idempotently drops the content latch (if any), unpins the page,
// and — if MarkDeleted was called — deletes it from the pool. Safe to call
// more than once; only the first call has effect.
func (g *Guard) Release() error {
	if g.released {
		return nil
	}
	g.released = true
	g.unlatch()
	if g.deleted {
		// The pin taken by Fetch/New must be dropped before Delete, which
		// requires a zero pin count.
		if err := g.bpm.Unpin(g.p.ID(), false); err != nil {
			return err
		}
		return g.bpm.Delete(g.p.ID())
	}
	return g.bpm.Unpin(g.p.ID(), g.dirty)
}

// warnIfLeaked is a best-effort guard against forgetting Release in test
// code; production code paths always call Release explicitly.
func (g *Guard) warnIfLeaked(log *zap.Logger) {
	if !g.released {
		log.Warn("buffer: page guard released via finalizer, not explicit Release", logger.PageID(g.p.ID()))
		_ = g.Release()
	}
}
