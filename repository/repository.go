package repository

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"

	"dag-consensus/db"
	"dag-consensus/models"
)

const (
	vertexPrefix     = "vertex:"
	conflictPrefix   = "conflict:"
	checkpointPrefix = "checkpoint:"
	tipsKey          = "tips"
)

// It abstracts the storage layer from the consensus engine
type VertexRepositoryInterface interface {
	PutVertices(recs []*models.VertexRecord) error
	GetVertex(id models.VertexID) (*models.VertexRecord, error)
	GetAllVertices() ([]*models.VertexRecord, error)
	DeleteVertices(ids []models.VertexID) error
	PutConflict(key string, members []models.VertexID) error
	GetConflicts() (map[string][]models.VertexID, error)
	PutTips(tips []models.VertexID) error
	GetTips() ([]models.VertexID, error)
	PutCheckpoint(cp *models.Checkpoint) error
	GetLatestCheckpoint() (*models.Checkpoint, error)
}

// VertexRepository implements the VertexRepositoryInterface using LevelDB as the storage backend
type VertexRepository struct {
	db *db.LevelDB
}

// NewVertexRepository creates and returns a new VertexRepository instance
func NewVertexRepository(db *db.LevelDB) *VertexRepository {
	return &VertexRepository{db: db}
}

func vertexKey(id models.VertexID) []byte {
	return []byte(vertexPrefix + id.String())
}

// PutVertices stores vertex records in one batch
func (r *VertexRepository) PutVertices(recs []*models.VertexRecord) error {
	batch := new(db.Batch)
	for _, rec := range recs {
		data, err := json.Marshal(rec)
		if err != nil {
			return errors.Wrapf(err, "encode vertex %s", rec.Vertex.ID.Short())
		}
		batch.Put(vertexKey(rec.Vertex.ID), data)
	}
	return r.db.Write(batch)
}

// GetVertex retrieves a vertex record by its ID
func (r *VertexRepository) GetVertex(id models.VertexID) (*models.VertexRecord, error) {
	data, err := r.db.Get(vertexKey(id))
	if err == db.ErrNotFound {
		return nil, models.NewVertexError(models.ErrNotFound, id, "not stored")
	}
	if err != nil {
		return nil, err
	}
	var rec models.VertexRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, errors.Wrapf(err, "decode vertex %s", id.Short())
	}
	return &rec, nil
}

// GetAllVertices retrieves every stored vertex record
func (r *VertexRepository) GetAllVertices() ([]*models.VertexRecord, error) {
	iter := r.db.NewPrefixIterator([]byte(vertexPrefix))
	defer iter.Release()

	var recs []*models.VertexRecord
	for iter.Next() {
		var rec models.VertexRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, errors.Wrapf(err, "decode %s", iter.Key())
		}
		recs = append(recs, &rec)
	}
	return recs, iter.Error()
}

// DeleteVertices removes pruned vertex records
func (r *VertexRepository) DeleteVertices(ids []models.VertexID) error {
	batch := new(db.Batch)
	for _, id := range ids {
		batch.Delete(vertexKey(id))
	}
	return r.db.Write(batch)
}

// PutConflict stores the members of a conflict set
func (r *VertexRepository) PutConflict(key string, members []models.VertexID) error {
	data, err := json.Marshal(members)
	if err != nil {
		return err
	}
	return r.db.Put([]byte(conflictPrefix+key), data)
}

// GetConflicts returns every stored conflict set
func (r *VertexRepository) GetConflicts() (map[string][]models.VertexID, error) {
	iter := r.db.NewPrefixIterator([]byte(conflictPrefix))
	defer iter.Release()

	sets := make(map[string][]models.VertexID)
	for iter.Next() {
		var members []models.VertexID
		if err := json.Unmarshal(iter.Value(), &members); err != nil {
			return nil, errors.Wrapf(err, "decode %s", iter.Key())
		}
		sets[strings.TrimPrefix(string(iter.Key()), conflictPrefix)] = members
	}
	return sets, iter.Error()
}

// PutTips replaces the materialized tip set
func (r *VertexRepository) PutTips(tips []models.VertexID) error {
	data, err := json.Marshal(tips)
	if err != nil {
		return err
	}
	return r.db.Put([]byte(tipsKey), data)
}

// GetTips returns the materialized tip set, empty if none was stored
func (r *VertexRepository) GetTips() ([]models.VertexID, error) {
	data, err := r.db.Get([]byte(tipsKey))
	if err == db.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var tips []models.VertexID
	if err := json.Unmarshal(data, &tips); err != nil {
		return nil, errors.Wrap(err, "decode tips")
	}
	return tips, nil
}

// Creates a new checkpoint of the decided graph state
func (r *VertexRepository) PutCheckpoint(cp *models.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	return r.db.Put([]byte(checkpointPrefix+cp.ID), data)
}

// Retrieves the most recent checkpoint
func (r *VertexRepository) GetLatestCheckpoint() (*models.Checkpoint, error) {
	iter := r.db.NewPrefixIterator([]byte(checkpointPrefix))
	defer iter.Release()

	var latest *models.Checkpoint
	for iter.Next() {
		var cp models.Checkpoint
		if err := json.Unmarshal(iter.Value(), &cp); err != nil {
			return nil, err
		}
		if latest == nil || cp.Timestamp > latest.Timestamp {
			latest = &cp
		}
	}
	return latest, iter.Error()
}
