// Package buffer implements the fixed-size page cache: a pool of frames,
// an LRU replacer choosing what to evict, and scoped Guard handles that
// make pin/unpin symmetric for callers.
package buffer

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/rohanmehta/ridgedb/core/storage/disk"
	"github.com/rohanmehta/ridgedb/core/storage/page"
	"github.com/rohanmehta/ridgedb/core/storage/wal"
	"github.com/rohanmehta/ridgedb/pkg/logger"
)

// PoolManager is the single owner of a fixed set of in-memory frames. All
// page content for the rest of the system passes through it: nothing reads
// or writes disk.Manager directly.
type PoolManager struct {
	mu sync.Mutex

	poolSize int
	frames   []*page.Page
	pageTbl  map[page.ID]page.FrameID
	freeList []page.FrameID
	replacer *LRUReplacer

	disk *disk.Manager
	log  *zap.Logger
	m    *Metrics
	wal  wal.Manager
}

// NewPoolManager allocates poolSize frames backed by d. log and m may be
// nil; nil produces a no-op logger and no-op metrics respectively. logMgr is
// the write-ahead log collaborator every fresh page is stamped with; nil
// falls back to a SequenceOnlyManager, since the buffer pool never operates
// without one (spec.md §1/§6: the log manager is an opaque dependency of the
// page cache, present but not itself replayed by this repo).
func NewPoolManager(poolSize int, d *disk.Manager, log *zap.Logger, m *Metrics, logMgr wal.Manager) *PoolManager {
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = &Metrics{}
	}
	if logMgr == nil {
		logMgr = wal.NewSequenceOnlyManager()
	}
	frames := make([]*page.Page, poolSize)
	free := make([]page.FrameID, poolSize)
	for i := 0; i < poolSize; i++ {
		frames[i] = page.NewPage()
		free[i] = page.FrameID(i)
	}
	return &PoolManager{
		poolSize: poolSize,
		frames:   frames,
		pageTbl:  make(map[page.ID]page.FrameID, poolSize),
		freeList: free,
		replacer: NewLRUReplacer(poolSize),
		disk:     d,
		log:      log,
		m:        m,
		wal:      logMgr,
	}
}

// PoolSize returns the number of frames this pool manages.
func (bpm *PoolManager) PoolSize() int { return bpm.poolSize }

// getFrame returns a frame to reuse, preferring the free list, then asking
// the replacer for a victim. If the victim is dirty it is flushed first.
// Caller must hold bpm.mu.
func (bpm *PoolManager) getFrame(ctx context.Context) (page.FrameID, bool) {
	if n := len(bpm.freeList); n > 0 {
		id := bpm.freeList[n-1]
		bpm.freeList = bpm.freeList[:n-1]
		return id, true
	}
	frameID, ok := bpm.replacer.Victim()
	if !ok {
		return 0, false
	}
	victim := bpm.frames[frameID]
	if victim.IsDirty() {
		if err := bpm.disk.WritePage(victim.ID(), victim.Data()); err != nil {
			bpm.log.Error("buffer pool: failed writing back victim page", logger.PageID(victim.ID()), zap.Error(err))
		}
	}
	delete(bpm.pageTbl, victim.ID())
	bpm.m.recordEviction(ctx)
	return frameID, true
}

// Fetch returns the page identified by id, pinning it. If the page is not
// resident it is read from disk into a recycled frame first.
func (bpm *PoolManager) Fetch(ctx context.Context, id page.ID) (*page.Page, error) {
	if id == page.InvalidID {
		return nil, ErrPageNotFound
	}
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	if frameID, ok := bpm.pageTbl[id]; ok {
		p := bpm.frames[frameID]
		if p.PinCount() == 0 {
			bpm.replacer.Pin(frameID)
		}
		p.Pin()
		bpm.m.recordHit(ctx)
		return p, nil
	}

	frameID, ok := bpm.getFrame(ctx)
	if !ok {
		return nil, ErrPoolFull
	}
	p := bpm.frames[frameID]
	p.Reset()
	p.SetID(id)
	if err := bpm.disk.ReadPage(id, p.Data()); err != nil {
		// Leave the frame on the free list rather than stranding it with a
		// half-initialized identity.
		p.SetID(page.InvalidID)
		bpm.freeList = append(bpm.freeList, frameID)
		return nil, fmt.Errorf("buffer pool: fetch page %d: %w", id, err)
	}
	bpm.pageTbl[id] = frameID
	p.Pin()
	bpm.replacer.Pin(frameID)
	bpm.m.recordMiss(ctx)
	return p, nil
}

// New allocates a fresh page on disk, pins it in a frame, and returns both
// the page and its new id.
func (bpm *PoolManager) New(ctx context.Context) (*page.Page, page.ID, error) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	if bpm.replacer.Size() == 0 && len(bpm.freeList) == 0 {
		return nil, page.InvalidID, ErrPoolFull
	}
	frameID, ok := bpm.getFrame(ctx)
	if !ok {
		return nil, page.InvalidID, ErrPoolFull
	}
	id := bpm.disk.AllocatePage()
	p := bpm.frames[frameID]
	p.Reset()
	p.SetID(id)
	p.SetLSN(page.LSN(bpm.wal.NextLSN()))
	p.Pin()
	bpm.pageTbl[id] = frameID
	return p, id, nil
}

// Unpin decrements a page's pin count, ORing in dirty. Once the pin count
// reaches zero the frame becomes eligible for eviction. Returns
// ErrPageNotFound if id is not resident, ErrNotPinned if already at zero.
func (bpm *PoolManager) Unpin(id page.ID, dirty bool) error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	frameID, ok := bpm.pageTbl[id]
	if !ok {
		return ErrPageNotFound
	}
	p := bpm.frames[frameID]
	if p.PinCount() <= 0 {
		return ErrNotPinned
	}
	if dirty {
		p.SetDirty()
	}
	p.Unpin()
	if p.PinCount() == 0 {
		bpm.replacer.Unpin(frameID)
	}
	return nil
}

// Flush writes id's current content to disk unconditionally. It does not
// clear the dirty flag: see DESIGN.md, "FlushPage and the dirty bit".
func (bpm *PoolManager) Flush(id page.ID) error {
	bpm.mu.Lock()
	frameID, ok := bpm.pageTbl[id]
	bpm.mu.Unlock()
	if !ok {
		return ErrPageNotFound
	}
	p := bpm.frames[frameID]
	p.WLatch()
	defer p.WUnlatch()
	return bpm.disk.WritePage(id, p.Data())
}

// FlushAll writes every resident page's content to disk, skipping frames
// that hold no page.
func (bpm *PoolManager) FlushAll() error {
	bpm.mu.Lock()
	frames := make([]*page.Page, len(bpm.frames))
	copy(frames, bpm.frames)
	bpm.mu.Unlock()

	for _, p := range frames {
		p.WLatch()
		id := p.ID()
		if id != page.InvalidID {
			if err := bpm.disk.WritePage(id, p.Data()); err != nil {
				p.WUnlatch()
				return err
			}
		}
		p.WUnlatch()
	}
	return nil
}

// Delete removes id from the pool and frees its on-disk allocation. It
// fails with ErrPagePinned if anyone still holds a pin on it. Deleting a
// page that isn't resident only deallocates it on disk and succeeds.
func (bpm *PoolManager) Delete(id page.ID) error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	frameID, ok := bpm.pageTbl[id]
	if !ok {
		bpm.disk.DeallocatePage(id)
		return nil
	}
	p := bpm.frames[frameID]
	if p.PinCount() != 0 {
		return ErrPagePinned
	}
	bpm.replacer.Pin(frameID)
	bpm.disk.DeallocatePage(id)
	delete(bpm.pageTbl, id)
	p.SetID(page.InvalidID)
	p.Reset()
	bpm.freeList = append(bpm.freeList, frameID)
	return nil
}
