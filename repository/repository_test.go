package repository

import (
	"testing"

	"github.com/stretchr/testify/require"

	"dag-consensus/db"
	"dag-consensus/models"
)

func newTestRepo(t *testing.T) *VertexRepository {
	t.Helper()
	ldb, err := db.NewMemLevelDB()
	require.NoError(t, err)
	t.Cleanup(func() { ldb.Close() })
	return NewVertexRepository(ldb)
}

func vid(b byte) models.VertexID {
	var id models.VertexID
	id[0] = b
	return id
}

func TestVertexRoundTrip(t *testing.T) {
	repo := newTestRepo(t)
	recs := []*models.VertexRecord{
		{Vertex: &models.Vertex{ID: vid(1), Payload: []byte("g")}, Status: models.Final},
		{Vertex: &models.Vertex{ID: vid(2), Parents: []models.VertexID{vid(1)}}, Status: models.Pending, Height: 1,
			Confidence: models.Confidence{Preference: vid(2), Consecutive: 2, Successes: 2}},
	}
	require.NoError(t, repo.PutVertices(recs))

	got, err := repo.GetVertex(vid(2))
	require.NoError(t, err)
	require.Equal(t, models.Pending, got.Status)
	require.Equal(t, []models.VertexID{vid(1)}, got.Vertex.Parents)
	require.EqualValues(t, 2, got.Confidence.Consecutive)

	_, err = repo.GetVertex(vid(9))
	require.ErrorIs(t, err, models.ErrNotFound)

	all, err := repo.GetAllVertices()
	require.NoError(t, err)
	require.Len(t, all, 2)

	require.NoError(t, repo.DeleteVertices([]models.VertexID{vid(1)}))
	all, err = repo.GetAllVertices()
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestConflictsAndTips(t *testing.T) {
	repo := newTestRepo(t)

	tips, err := repo.GetTips()
	require.NoError(t, err)
	require.Empty(t, tips)

	require.NoError(t, repo.PutConflict("utxo:1", []models.VertexID{vid(1), vid(2)}))
	require.NoError(t, repo.PutConflict("utxo:2", []models.VertexID{vid(3)}))
	require.NoError(t, repo.PutTips([]models.VertexID{vid(2), vid(3)}))

	sets, err := repo.GetConflicts()
	require.NoError(t, err)
	require.Equal(t, map[string][]models.VertexID{
		"utxo:1": {vid(1), vid(2)},
		"utxo:2": {vid(3)},
	}, sets)

	tips, err = repo.GetTips()
	require.NoError(t, err)
	require.Equal(t, []models.VertexID{vid(2), vid(3)}, tips)

	// conflict and tip keys stay out of the vertex scan
	all, err := repo.GetAllVertices()
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestLatestCheckpoint(t *testing.T) {
	repo := newTestRepo(t)
	cp, err := repo.GetLatestCheckpoint()
	require.NoError(t, err)
	require.Nil(t, cp)

	require.NoError(t, repo.PutCheckpoint(&models.Checkpoint{ID: "a", Timestamp: 10, FinalizedCount: 1}))
	require.NoError(t, repo.PutCheckpoint(&models.Checkpoint{ID: "b", Timestamp: 30, FinalizedCount: 3}))
	require.NoError(t, repo.PutCheckpoint(&models.Checkpoint{ID: "c", Timestamp: 20, FinalizedCount: 2}))

	cp, err = repo.GetLatestCheckpoint()
	require.NoError(t, err)
	require.Equal(t, "b", cp.ID)
	require.EqualValues(t, 3, cp.FinalizedCount)
}
