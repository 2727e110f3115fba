// Package commonutils holds small helpers shared across the storage core
// that don't belong to any single package.
package commonutils

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
)

// CopyToSyncMap copies the entries of src into dst. Used by components that
// start from a plain map during construction but need sync.Map semantics
// once concurrent access begins.
func CopyToSyncMap[K comparable, V any](src map[K]V, dst *sync.Map) {
	for k, v := range src {
		dst.Store(k, v)
	}
}

// GoID returns the numeric id of the calling goroutine, for correlating log
// lines in tests that exercise hand-over-hand latching across goroutines.
// Not reliable across Go runtime versions; debug use only.
func GoID() int64 {
	b := make([]byte, 64)
	b = b[:runtime.Stack(b, false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	i := bytes.IndexByte(b, ' ')
	if i < 0 {
		return -1
	}
	n, err := strconv.ParseInt(string(b[:i]), 10, 64)
	if err != nil {
		return -1
	}
	return n
}
