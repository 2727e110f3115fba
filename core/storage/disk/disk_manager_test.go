package disk

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rohanmehta/ridgedb/core/storage/page"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	m, err := New(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestManager_AllocateStartsAfterHeaderPage(t *testing.T) {
	m := newTestManager(t)
	id := m.AllocatePage()
	require.Equal(t, page.HeaderID+1, id)
}

func TestManager_WriteReadRoundTrip(t *testing.T) {
	m := newTestManager(t)
	id := m.AllocatePage()

	var buf [page.Size]byte
	copy(buf[:], "hello page")
	require.NoError(t, m.WritePage(id, buf[:]))

	var out [page.Size]byte
	require.NoError(t, m.ReadPage(id, out[:]))
	require.Equal(t, buf, out)
}

func TestManager_HeaderPageIsZeroedOnCreate(t *testing.T) {
	m := newTestManager(t)
	var out [page.Size]byte
	require.NoError(t, m.ReadPage(page.HeaderID, out[:]))
	var zero [page.Size]byte
	require.Equal(t, zero, out)
}

func TestManager_DeallocateReusesID(t *testing.T) {
	m := newTestManager(t)
	id := m.AllocatePage()
	m.DeallocatePage(id)
	reused := m.AllocatePage()
	require.Equal(t, id, reused)
}

func TestManager_ReadInvalidPageID(t *testing.T) {
	m := newTestManager(t)
	var buf [page.Size]byte
	err := m.ReadPage(page.InvalidID, buf[:])
	require.ErrorIs(t, err, ErrInvalidPageID)
}

func TestManager_OperationsFailAfterClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	m, err := New(path, nil)
	require.NoError(t, err)
	id := m.AllocatePage()
	require.NoError(t, m.Close())

	var buf [page.Size]byte
	require.ErrorIs(t, m.ReadPage(id, buf[:]), ErrClosed)
	require.ErrorIs(t, m.WritePage(id, buf[:]), ErrClosed)
}
