package btree

import (
	"context"

	"github.com/rohanmehta/ridgedb/core/storage/buffer"
	"github.com/rohanmehta/ridgedb/core/storage/page"
)

// Iterator walks leaf entries in ascending key order via the leaf linked
// list, read-latching one leaf at a time.
type Iterator struct {
	t       *Tree
	ctx     context.Context
	guard   *buffer.Guard
	leaf    *node
	idx     int
	done    bool
	started bool
}

// Seek positions an Iterator at the first key >= key. Pass a nil key to
// start at the smallest key in the tree.
func (t *Tree) Seek(ctx context.Context, key []byte) (*Iterator, error) {
	it := &Iterator{t: t, ctx: ctx}
	t.rootLatch.RLock()
	root := t.rootID
	t.rootLatch.RUnlock()
	if root == page.InvalidID {
		it.done = true
		return it, nil
	}

	var prev *buffer.Guard
	cur := root
	for {
		g, n, err := t.fetchNode(ctx, cur, buffer.ReadLatch)
		if err != nil {
			if prev != nil {
				prev.Release()
			}
			return nil, err
		}
		if prev != nil {
			prev.Release()
		}
		if n.isLeaf() {
			idx := 0
			if key != nil {
				idx, _ = n.findKeyIndex(key)
			}
			it.guard, it.leaf, it.idx = g, n, idx
			it.started = true
			if idx >= int(n.size) {
				it.advanceLeaf()
			}
			return it, nil
		}
		if key == nil {
			cur = n.children[0]
		} else {
			cur = n.lookupChild(key)
		}
		prev = g
	}
}

// advanceLeaf moves to the next leaf page once idx runs off the end of the
// current one, releasing the old leaf's latch before taking the next.
func (it *Iterator) advanceLeaf() {
	for it.idx >= int(it.leaf.size) {
		nextID := it.leaf.nextID
		it.guard.Release()
		if nextID == page.InvalidID {
			it.done = true
			return
		}
		g, n, err := it.t.fetchNode(it.ctx, nextID, buffer.ReadLatch)
		if err != nil {
			it.done = true
			return
		}
		it.guard, it.leaf, it.idx = g, n, 0
	}
}

// Valid reports whether Key/Value return a usable entry.
func (it *Iterator) Valid() bool {
	return !it.done
}

// Key returns the current entry's key. Only valid while Valid() is true.
func (it *Iterator) Key() []byte { return it.leaf.keys[it.idx] }

// Value returns the current entry's RID. Only valid while Valid() is true.
func (it *Iterator) Value() page.RID { return it.leaf.rids[it.idx] }

// Next advances to the following entry.
func (it *Iterator) Next() {
	if it.done {
		return
	}
	it.idx++
	if it.idx >= int(it.leaf.size) {
		it.advanceLeaf()
	}
}

// Close releases any latch the iterator still holds. Safe to call more
// than once, and safe to call on an exhausted iterator.
func (it *Iterator) Close() {
	if it.guard != nil && !it.done {
		it.guard.Release()
		it.done = true
	}
}
