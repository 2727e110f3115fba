package transaction

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rohanmehta/ridgedb/core/storage/page"
)

func TestNew_StartsGrowing(t *testing.T) {
	txn := New(1, RepeatableRead)
	require.Equal(t, Growing, txn.State())
	require.Equal(t, RepeatableRead, txn.IsolationLevel())
	require.NotEqual(t, ID(0), txn.ID())
}

func TestGrantAndRevokeLockSets(t *testing.T) {
	txn := New(1, ReadCommitted)
	rid := page.RID{PageID: 7, Slot: 2}

	require.False(t, txn.HoldsShared(rid))
	txn.GrantShared(rid)
	require.True(t, txn.HoldsShared(rid))
	require.Contains(t, txn.SharedRIDs(), rid)

	txn.RevokeShared(rid)
	require.False(t, txn.HoldsShared(rid))

	txn.GrantExclusive(rid)
	require.True(t, txn.HoldsExclusive(rid))
	require.Contains(t, txn.ExclusiveRIDs(), rid)
}

func TestStateString(t *testing.T) {
	require.Equal(t, "GROWING", Growing.String())
	require.Equal(t, "SHRINKING", Shrinking.String())
	require.Equal(t, "COMMITTED", Committed.String())
	require.Equal(t, "ABORTED", Aborted.String())
}

func TestManager_BeginAssignsDistinctIncreasingIDs(t *testing.T) {
	m := NewManager()
	t1 := m.Begin(ReadCommitted)
	t2 := m.Begin(ReadCommitted)
	require.Less(t, int64(t1.ID()), int64(t2.ID()))

	got, ok := m.GetTransaction(t1.ID())
	require.True(t, ok)
	require.Same(t, t1, got)
}

func TestManager_CommitForgetsTransaction(t *testing.T) {
	m := NewManager()
	txn := m.Begin(ReadCommitted)
	m.Commit(txn)
	require.Equal(t, Committed, txn.State())
	_, ok := m.GetTransaction(txn.ID())
	require.False(t, ok)
}

func TestManager_ForgetDropsAbortedTransaction(t *testing.T) {
	m := NewManager()
	txn := m.Begin(ReadCommitted)
	txn.SetState(Aborted)
	m.Forget(txn)
	_, ok := m.GetTransaction(txn.ID())
	require.False(t, ok)
}
