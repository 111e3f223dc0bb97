package conflict

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"dag-consensus/models"
)

func id(b byte) models.VertexID {
	var v models.VertexID
	v[0] = b
	return v
}

func TestRegisterFirstMemberPreferred(t *testing.T) {
	tr := NewTracker(nil)
	require.True(t, tr.Register("utxo-1", id(2)))
	require.True(t, tr.Register("utxo-1", id(1)))

	pref, ok := tr.Preferred("utxo-1")
	require.True(t, ok)
	require.Equal(t, id(2), pref)
	require.Equal(t, []models.VertexID{id(1), id(2)}, tr.Members("utxo-1"))

	key, ok := tr.KeyOf(id(1))
	require.True(t, ok)
	require.Equal(t, "utxo-1", key)

	_, ok = tr.KeyOf(id(9))
	require.False(t, ok)
}

func TestEmptyKeyIgnored(t *testing.T) {
	tr := NewTracker(nil)
	require.True(t, tr.Register("", id(1)))
	require.Zero(t, tr.Len())
}

func TestSetPreferred(t *testing.T) {
	tr := NewTracker(nil)
	tr.Register("k", id(1))
	tr.Register("k", id(2))

	require.NoError(t, tr.SetPreferred("k", id(2)))
	pref, _ := tr.Preferred("k")
	require.Equal(t, id(2), pref)

	require.Error(t, tr.SetPreferred("k", id(7)))
	require.Error(t, tr.SetPreferred("missing", id(1)))
}

func TestFinalizeRejectsSiblings(t *testing.T) {
	tr := NewTracker(nil)
	for i := byte(1); i <= 3; i++ {
		tr.Register("k", id(i))
	}

	var gotWinner models.VertexID
	var gotLosers []models.VertexID
	err := tr.Finalize("k", id(2), func(w models.VertexID, losers []models.VertexID) {
		gotWinner, gotLosers = w, losers
	})
	require.NoError(t, err)
	require.Equal(t, id(2), gotWinner)
	require.Equal(t, []models.VertexID{id(1), id(3)}, gotLosers)

	w, ok := tr.Winner("k")
	require.True(t, ok)
	require.Equal(t, id(2), w)
	require.Equal(t, []models.VertexID{id(2)}, tr.LiveMembers("k"))

	// idempotent for the same winner
	require.NoError(t, tr.Finalize("k", id(2), nil))
}

func TestFinalizeSecondWinnerFails(t *testing.T) {
	tr := NewTracker(nil)
	tr.Register("k", id(1))
	tr.Register("k", id(2))
	require.NoError(t, tr.Finalize("k", id(1), nil))

	called := false
	err := tr.Finalize("k", id(2), func(models.VertexID, []models.VertexID) { called = true })
	require.ErrorIs(t, err, models.ErrConflictResolution)
	require.False(t, called)
}

func TestRegisterAfterFinalize(t *testing.T) {
	tr := NewTracker(nil)
	tr.Register("k", id(1))
	require.NoError(t, tr.Finalize("k", id(1), nil))

	require.False(t, tr.Register("k", id(5)))
	require.True(t, tr.Register("k", id(1)))
	require.Equal(t, []models.VertexID{id(1)}, tr.LiveMembers("k"))
}

func TestMarkRejectedMovesPreference(t *testing.T) {
	tr := NewTracker(nil)
	tr.Register("k", id(1))
	tr.Register("k", id(2))

	applied := false
	pref := tr.MarkRejected("k", id(1), func() { applied = true })
	require.True(t, applied)
	require.Equal(t, id(2), pref)

	require.Error(t, tr.Finalize("k", id(1), nil))
	require.NoError(t, tr.Finalize("k", id(2), nil))

	pref = tr.MarkRejected("k", id(2), nil)
	require.Equal(t, id(2), pref)
}

func TestForget(t *testing.T) {
	tr := NewTracker(nil)
	tr.Register("a", id(1))
	tr.Register("a", id(2))
	tr.Register("b", id(3))
	require.Equal(t, 2, tr.Len())

	tr.Forget([]models.VertexID{id(1), id(3)})
	require.Equal(t, 1, tr.Len())
	require.Equal(t, []models.VertexID{id(2)}, tr.Members("a"))
	_, ok := tr.KeyOf(id(3))
	require.False(t, ok)
}

func TestViewObservesFinalizeAtomically(t *testing.T) {
	tr := NewTracker(nil)
	for i := byte(1); i <= 4; i++ {
		tr.Register("k", id(i))
	}

	var mu sync.Mutex
	status := map[models.VertexID]models.Status{}
	for i := byte(1); i <= 4; i++ {
		status[id(i)] = models.Pending
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 2000; i++ {
			tr.View("k", func() {
				mu.Lock()
				defer mu.Unlock()
				final, rejected := 0, 0
				for _, s := range status {
					switch s {
					case models.Final:
						final++
					case models.Rejected:
						rejected++
					}
				}
				if final == 1 && rejected != 3 || final == 0 && rejected != 0 {
					t.Errorf("observed partial cascade: final=%d rejected=%d", final, rejected)
				}
			})
		}
	}()

	err := tr.Finalize("k", id(3), func(w models.VertexID, losers []models.VertexID) {
		for _, l := range losers {
			mu.Lock()
			status[l] = models.Rejected
			mu.Unlock()
		}
		mu.Lock()
		status[w] = models.Final
		mu.Unlock()
	})
	require.NoError(t, err)
	wg.Wait()
}
