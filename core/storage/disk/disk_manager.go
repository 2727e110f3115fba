// Package disk implements the page-granular file backend the buffer pool
// reads through and writes back to. It knows nothing about page contents —
// it moves fixed-size byte slots between a file and caller-supplied
// buffers, and hands out fresh page ids.
package disk

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/rohanmehta/ridgedb/core/storage/page"
)

// Manager reads and writes fixed page.Size slots of a single backing file.
// Page id 0 (page.HeaderID) is reserved by convention for the index
// directory; the manager itself only treats it as an ordinary offset.
type Manager struct {
	mu        sync.Mutex
	file      *os.File
	log       *zap.Logger
	nextID    page.ID
	freeList  []page.ID
	numFlush  uint64
	closed    bool
}

// New opens (creating if necessary) path as the backing file for a
// Manager. The header page is pre-formatted with zeroes on first creation
// so that it is always safely readable.
func New(path string, log *zap.Logger) (*Manager, error) {
	if log == nil {
		log = zap.NewNop()
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("disk: open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("disk: stat %s: %w", path, err)
	}
	m := &Manager{file: f, log: log}
	if info.Size() == 0 {
		var zero [page.Size]byte
		if _, err := f.WriteAt(zero[:], int64(page.HeaderID)*page.Size); err != nil {
			f.Close()
			return nil, fmt.Errorf("disk: format header page: %w", err)
		}
		m.nextID = page.HeaderID + 1
	} else {
		m.nextID = page.ID(info.Size() / page.Size)
	}
	return m, nil
}

// AllocatePage reserves a fresh page id. It prefers reusing an id returned
// by DeallocatePage before growing the file.
func (m *Manager) AllocatePage() page.ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n := len(m.freeList); n > 0 {
		id := m.freeList[n-1]
		m.freeList = m.freeList[:n-1]
		return id
	}
	id := m.nextID
	m.nextID++
	return id
}

// DeallocatePage marks id as free for reuse by a future AllocatePage. It
// does not shrink or touch the backing file; see DESIGN.md.
func (m *Manager) DeallocatePage(id page.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.freeList = append(m.freeList, id)
}

// ReadPage fills buf (which must be page.Size bytes) with the on-disk
// content of id.
func (m *Manager) ReadPage(id page.ID, buf []byte) error {
	if id == page.InvalidID {
		return ErrInvalidPageID
	}
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}
	n, err := m.file.ReadAt(buf[:page.Size], int64(id)*page.Size)
	if n != page.Size {
		return fmt.Errorf("%w: page %d: %v", ErrShortRead, id, err)
	}
	if err != nil {
		return fmt.Errorf("disk: read page %d: %w", id, err)
	}
	return nil
}

// WritePage persists buf (page.Size bytes) as the content of id.
func (m *Manager) WritePage(id page.ID, buf []byte) error {
	if id == page.InvalidID {
		return ErrInvalidPageID
	}
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}
	n, err := m.file.WriteAt(buf[:page.Size], int64(id)*page.Size)
	if n != page.Size {
		return fmt.Errorf("%w: page %d: %v", ErrShortWrite, id, err)
	}
	if err != nil {
		return fmt.Errorf("disk: write page %d: %w", id, err)
	}
	m.mu.Lock()
	m.numFlush++
	m.mu.Unlock()
	return nil
}

// NumFlushes reports how many WritePage calls have succeeded, for tests and
// metrics.
func (m *Manager) NumFlushes() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.numFlush
}

// Close syncs and closes the backing file. Further ReadPage and WritePage
// calls return ErrClosed; a second Close returns nil.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if err := m.file.Sync(); err != nil {
		m.log.Warn("disk manager: sync on close failed", zap.Error(err))
	}
	return m.file.Close()
}
