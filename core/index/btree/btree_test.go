package btree

import (
	"context"
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/rohanmehta/ridgedb/core/storage/buffer"
	"github.com/rohanmehta/ridgedb/core/storage/disk"
	"github.com/rohanmehta/ridgedb/core/storage/page"
)

func int64Key(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func newTestTree(t *testing.T, leafMax, internalMax int32) (*Tree, *buffer.PoolManager) {
	t.Helper()
	d, err := disk.New(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	bpm := buffer.NewPoolManager(64, d, nil, nil, nil)
	cfg := Config{LeafMaxSize: leafMax, InternalMaxSize: internalMax, KeySize: 8}
	tr, err := Create(context.Background(), "idx", bpm, cfg, nil, nil)
	require.NoError(t, err)
	return tr, bpm
}

func TestTree_InsertAndGetValue(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTree(t, 4, 4)

	ok, err := tr.Insert(ctx, int64Key(10), page.RID{PageID: 1, Slot: 0})
	require.NoError(t, err)
	require.True(t, ok)

	rid, err := tr.GetValue(ctx, int64Key(10))
	require.NoError(t, err)
	require.Equal(t, page.ID(1), rid.PageID)
}

func TestTree_DuplicateInsertReturnsFalse(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTree(t, 4, 4)

	_, err := tr.Insert(ctx, int64Key(5), page.RID{PageID: 1})
	require.NoError(t, err)
	ok, err := tr.Insert(ctx, int64Key(5), page.RID{PageID: 2})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTree_GetValueMissingKey(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTree(t, 4, 4)
	_, err := tr.GetValue(ctx, int64Key(1))
	require.ErrorIs(t, err, ErrKeyNotFound)
}

// TestTree_SequentialInsertCausesSplits inserts keys 1..10 into a tree with
// leaf_max_size = internal_max_size = 4 (so a leaf overflows its 3-entry
// capacity on its 4th insert), and checks every key is still reachable
// afterward, exercising leaf splits, internal splits, and new-root
// creation.
func TestTree_SequentialInsertCausesSplits(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTree(t, 4, 4)

	for i := int64(1); i <= 10; i++ {
		ok, err := tr.Insert(ctx, int64Key(i), page.RID{PageID: page.ID(i), Slot: 0})
		require.NoError(t, err)
		require.True(t, ok, "insert %d", i)
	}

	for i := int64(1); i <= 10; i++ {
		rid, err := tr.GetValue(ctx, int64Key(i))
		require.NoError(t, err, "lookup %d", i)
		require.Equal(t, page.ID(i), rid.PageID)
	}
}

// TestTree_RemoveTriggersCoalesce builds the same 10-key tree, then removes
// a run of keys (5, 6, 7) from the middle, checking survivors are still
// reachable and removed keys are gone — exercising redistribute/coalesce.
func TestTree_RemoveTriggersCoalesce(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTree(t, 4, 4)
	for i := int64(1); i <= 10; i++ {
		_, err := tr.Insert(ctx, int64Key(i), page.RID{PageID: page.ID(i)})
		require.NoError(t, err)
	}

	for _, k := range []int64{5, 6, 7} {
		require.NoError(t, tr.Remove(ctx, int64Key(k)))
	}

	for _, k := range []int64{5, 6, 7} {
		_, err := tr.GetValue(ctx, int64Key(k))
		require.ErrorIs(t, err, ErrKeyNotFound)
	}
	for _, k := range []int64{1, 2, 3, 4, 8, 9, 10} {
		rid, err := tr.GetValue(ctx, int64Key(k))
		require.NoError(t, err, "key %d should survive", k)
		require.Equal(t, page.ID(k), rid.PageID)
	}
}

// TestTree_OddMaxSizeRemoveTriggersCoalesce uses an odd leaf_max_size (5,
// min_size 3), where a naive size-sum merge check and the spec's literal
// "sibling.size > min_size" check disagree on some reachable underflow
// states (see DESIGN.md). Removing most of a 20-key tree forces a mix of
// redistributes and merges across that boundary; every survivor must stay
// reachable and every removed key must stay gone.
func TestTree_OddMaxSizeRemoveTriggersCoalesce(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTree(t, 5, 5)

	for i := int64(1); i <= 20; i++ {
		_, err := tr.Insert(ctx, int64Key(i), page.RID{PageID: page.ID(i)})
		require.NoError(t, err)
	}

	removed := []int64{3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17}
	for _, k := range removed {
		require.NoError(t, tr.Remove(ctx, int64Key(k)), "remove %d", k)
	}

	for _, k := range removed {
		_, err := tr.GetValue(ctx, int64Key(k))
		require.ErrorIs(t, err, ErrKeyNotFound, "key %d should be gone", k)
	}
	for _, k := range []int64{1, 2, 18, 19, 20} {
		rid, err := tr.GetValue(ctx, int64Key(k))
		require.NoError(t, err, "key %d should survive", k)
		require.Equal(t, page.ID(k), rid.PageID)
	}
}

func TestTree_RemoveAllKeysEmptiesTree(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTree(t, 4, 4)
	for i := int64(1); i <= 6; i++ {
		_, err := tr.Insert(ctx, int64Key(i), page.RID{PageID: page.ID(i)})
		require.NoError(t, err)
	}
	for i := int64(1); i <= 6; i++ {
		require.NoError(t, tr.Remove(ctx, int64Key(i)))
	}
	require.True(t, tr.IsEmpty())
}

func TestTree_SeekIteratesInOrder(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTree(t, 4, 4)
	for _, i := range []int64{5, 1, 3, 2, 4} {
		_, err := tr.Insert(ctx, int64Key(i), page.RID{PageID: page.ID(i)})
		require.NoError(t, err)
	}

	it, err := tr.Seek(ctx, nil)
	require.NoError(t, err)
	defer it.Close()

	var got []int64
	for it.Valid() {
		got = append(got, int64(binary.BigEndian.Uint64(it.Key())))
		it.Next()
	}
	require.Equal(t, []int64{1, 2, 3, 4, 5}, got)
}

func TestTree_WrongKeySizeRejected(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTree(t, 4, 4)
	_, err := tr.Insert(ctx, []byte{1, 2, 3}, page.RID{})
	require.ErrorIs(t, err, ErrWrongKeySize)
}

func TestOpen_UnknownIndexFails(t *testing.T) {
	d, err := disk.New(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	defer d.Close()
	bpm := buffer.NewPoolManager(16, d, nil, nil, nil)
	_, err = Open(context.Background(), "missing", bpm, Config{KeySize: 8, LeafMaxSize: 4, InternalMaxSize: 4}, nil, nil)
	require.ErrorIs(t, err, ErrIndexNotFound)
}

func TestCreate_DuplicateNameFails(t *testing.T) {
	d, err := disk.New(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	defer d.Close()
	bpm := buffer.NewPoolManager(16, d, nil, nil, nil)
	cfg := Config{KeySize: 8, LeafMaxSize: 4, InternalMaxSize: 4}
	_, err = Create(context.Background(), "idx", bpm, cfg, nil, nil)
	require.NoError(t, err)
	_, err = Create(context.Background(), "idx", bpm, cfg, nil, nil)
	require.ErrorIs(t, err, ErrIndexExists)
}

// TestTree_ConcurrentInsertsAllSucceed fans out concurrent inserts of
// disjoint keys across goroutines and checks every key is retrievable
// afterward, exercising the latch-crabbing descent under contention.
func TestTree_ConcurrentInsertsAllSucceed(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTree(t, 8, 8)

	var g errgroup.Group
	const n = 200
	for i := 0; i < n; i++ {
		i := int64(i)
		g.Go(func() error {
			_, err := tr.Insert(ctx, int64Key(i), page.RID{PageID: page.ID(i)})
			return err
		})
	}
	require.NoError(t, g.Wait())

	for i := int64(0); i < n; i++ {
		rid, err := tr.GetValue(ctx, int64Key(i))
		require.NoError(t, err, "key %d", i)
		require.Equal(t, page.ID(i), rid.PageID)
	}
}
