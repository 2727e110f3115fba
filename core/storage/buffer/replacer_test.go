package buffer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rohanmehta/ridgedb/core/storage/page"
)

// TestLRUReplacer_VictimOrder exercises the canonical scenario: unpin
// three frames in order 1, 2, 3, pin 2 back out, then victim twice. The
// victim order must be the remaining unpinned frames oldest-first: 1, 3.
func TestLRUReplacer_VictimOrder(t *testing.T) {
	r := NewLRUReplacer(7)
	r.Unpin(1)
	r.Unpin(2)
	r.Unpin(3)
	require.Equal(t, 3, r.Size())

	r.Pin(2)
	require.Equal(t, 2, r.Size())

	victim, ok := r.Victim()
	require.True(t, ok)
	require.Equal(t, page.FrameID(1), victim)

	victim, ok = r.Victim()
	require.True(t, ok)
	require.Equal(t, page.FrameID(3), victim)

	require.Equal(t, 0, r.Size())
	_, ok = r.Victim()
	require.False(t, ok)
}

func TestLRUReplacer_UnpinIsIdempotent(t *testing.T) {
	r := NewLRUReplacer(2)
	r.Unpin(5)
	r.Unpin(5)
	require.Equal(t, 1, r.Size())
}

func TestLRUReplacer_PinUnknownFrameIsNoop(t *testing.T) {
	r := NewLRUReplacer(2)
	require.NotPanics(t, func() { r.Pin(9) })
}
