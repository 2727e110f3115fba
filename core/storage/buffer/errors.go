package buffer

import "errors"

var (
	// ErrPoolFull is returned by Fetch and New when every frame is pinned
	// and the replacer has nothing left to evict.
	ErrPoolFull = errors.New("buffer: pool exhausted, no evictable frame")
	// ErrPagePinned is returned by Delete when the target page still has a
	// positive pin count.
	ErrPagePinned = errors.New("buffer: page is pinned, cannot delete")
	// ErrPageNotFound is returned by Flush and Unpin when the page is not
	// currently resident in the pool.
	ErrPageNotFound = errors.New("buffer: page not resident")
	// ErrNotPinned is returned by Unpin when a page's pin count is already
	// zero.
	ErrNotPinned = errors.New("buffer: page is not pinned")
)
