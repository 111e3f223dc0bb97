package consensus

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"dag-consensus/models"
)

// store collects what changed since the last flush. Marking never blocks on I/O; the
// writer goroutine turns the marks into repository batches. A nil store ignores
// every mark.
type store struct {
	mu         sync.Mutex
	vertices   map[models.VertexID]struct{}
	conflicts  map[string]struct{}
	deleted    []models.VertexID
	tips       bool
	checkpoint bool

	wake chan struct{}
}

func newStore() *store {
	return &store{
		vertices:  make(map[models.VertexID]struct{}),
		conflicts: make(map[string]struct{}),
		wake:      make(chan struct{}, 1),
	}
}

func (s *store) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *store) markVertex(id models.VertexID) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.vertices[id] = struct{}{}
	s.mu.Unlock()
	s.signal()
}

func (s *store) markConflict(key string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.conflicts[key] = struct{}{}
	s.mu.Unlock()
	s.signal()
}

func (s *store) markTips() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.tips = true
	s.mu.Unlock()
	s.signal()
}

func (s *store) markCheckpoint() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.checkpoint = true
	s.mu.Unlock()
	s.signal()
}

// forget schedules the deletion of pruned rejected vertices.
func (s *store) forget(ids []models.VertexID) {
	if s == nil || len(ids) == 0 {
		return
	}
	s.mu.Lock()
	s.deleted = append(s.deleted, ids...)
	for _, id := range ids {
		delete(s.vertices, id)
	}
	s.mu.Unlock()
	s.signal()
}

type changes struct {
	vertices   []models.VertexID
	conflicts  []string
	deleted    []models.VertexID
	tips       bool
	checkpoint bool
}

func (s *store) take() changes {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := changes{
		deleted:    s.deleted,
		tips:       s.tips,
		checkpoint: s.checkpoint,
	}
	for id := range s.vertices {
		c.vertices = append(c.vertices, id)
	}
	for key := range s.conflicts {
		c.conflicts = append(c.conflicts, key)
	}
	s.vertices = make(map[models.VertexID]struct{})
	s.conflicts = make(map[string]struct{})
	s.deleted = nil
	s.tips = false
	s.checkpoint = false
	return c
}

func (e *Engine) persistLoop(ctx context.Context) {
	defer close(e.writerDone)
	for {
		select {
		case <-ctx.Done():
			e.store.markCheckpoint()
			e.flush()
			return
		case <-e.store.wake:
			e.flush()
		}
	}
}

func (e *Engine) flush() {
	c := e.store.take()

	recs := make([]*models.VertexRecord, 0, len(c.vertices))
	for _, id := range c.vertices {
		if ent, ok := e.lookup(id); ok {
			recs = append(recs, ent.record())
		}
	}
	if len(recs) > 0 {
		if err := e.repo.PutVertices(recs); err != nil {
			e.log.Error("Failed to store vertices", zap.Int("count", len(recs)), zap.Error(err))
		}
	}
	for _, key := range c.conflicts {
		if err := e.repo.PutConflict(key, e.tracker.Members(key)); err != nil {
			e.log.Error("Failed to store conflict set", zap.String("conflict_key", key), zap.Error(err))
		}
	}
	if len(c.deleted) > 0 {
		if err := e.repo.DeleteVertices(c.deleted); err != nil {
			e.log.Error("Failed to delete pruned vertices", zap.Int("count", len(c.deleted)), zap.Error(err))
		}
	}
	if c.tips {
		if err := e.repo.PutTips(e.graph.Tips()); err != nil {
			e.log.Error("Failed to store tips", zap.Error(err))
		}
	}
	if c.checkpoint {
		cp := e.checkpoint()
		if err := e.repo.PutCheckpoint(cp); err != nil {
			e.log.Error("Failed to store checkpoint", zap.Error(err))
		}
	}
}

func (e *Engine) checkpoint() *models.Checkpoint {
	now := models.NowMillis()
	return &models.Checkpoint{
		ID:             fmt.Sprintf("%020d", now),
		Tips:           e.graph.Tips(),
		FinalizedCount: e.counts.finalized.Load(),
		RejectedCount:  e.counts.rejected.Load(),
		FinalHeight:    e.counts.finalHeight.Load(),
		Timestamp:      now,
	}
}

// restore replays the stored vertices in height order. Decided vertices keep their
// status, pending ones resume voting with their stored confidence.
func (e *Engine) restore(ctx context.Context) error {
	if e.repo == nil {
		return nil
	}
	recs, err := e.repo.GetAllVertices()
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		return nil
	}
	if cp, err := e.repo.GetLatestCheckpoint(); err == nil && cp != nil {
		e.log.Info("Restoring from checkpoint",
			zap.String("checkpoint", cp.ID),
			zap.Uint64("finalized", cp.FinalizedCount),
			zap.Uint64("final_height", cp.FinalHeight))
	}

	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Height != recs[j].Height {
			return recs[i].Height < recs[j].Height
		}
		return recs[i].Vertex.ID.Less(recs[j].Vertex.ID)
	})
	e.restoring = make(map[models.VertexID]*models.VertexRecord, len(recs))
	for _, rec := range recs {
		e.restoring[rec.Vertex.ID] = rec
	}

	var restored []*entry
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			e.restoring = nil
			return err
		}
		v := rec.Vertex
		if !e.parentsPresent(v) {
			// the ancestry was pruned; only undecided vertices are worth waiting for
			if rec.Status.Decided() {
				continue
			}
		}
		if _, err := e.graph.Insert(v); err != nil {
			e.log.Debug("Stored vertex not restored", zap.Stringer("vertex", v.ID), zap.Error(err))
			continue
		}
		if ent, ok := e.lookup(v.ID); ok {
			restored = append(restored, ent)
		}
	}
	e.restoring = nil

	var decided []models.VertexID
	for _, ent := range restored {
		v := ent.vertex
		switch ent.getStatus() {
		case models.Pending:
			winner, finalized := e.tracker.Winner(v.ConflictKey)
			if e.hasRejectedParent(v) || (finalized && winner != v.ID) {
				e.reject([]models.VertexID{v.ID})
				continue
			}
			conf := ent.record().Confidence
			e.openInstance(ent, &conf)
		case models.Accepted:
			e.bury(ent)
			decided = append(decided, v.ID)
		case models.Final:
			e.bury(ent)
		}
	}
	if err := e.finalizeFrom(decided); err != nil {
		return err
	}
	e.log.Info("Restored vertices",
		zap.Int("stored", len(recs)),
		zap.Int("restored", len(restored)),
		zap.Int64("pending", e.counts.pending.Load()),
		zap.Uint64("finalized", e.counts.finalized.Load()))
	return nil
}

func (e *Engine) parentsPresent(v *models.Vertex) bool {
	for _, p := range v.Parents {
		if !e.graph.Contains(p) {
			return false
		}
	}
	return true
}

// restoreConflict rebuilds the conflict tracker for a replayed vertex.
func (e *Engine) restoreConflict(ent *entry) {
	key := ent.vertex.ConflictKey
	if key == "" {
		return
	}
	e.tracker.Register(key, ent.vertex.ID)
	switch ent.status {
	case models.Final:
		if err := e.tracker.Finalize(key, ent.vertex.ID, nil); err != nil {
			e.log.Error("Stored conflict set has two final members",
				zap.String("conflict_key", key),
				zap.Stringer("vertex", ent.vertex.ID),
				zap.Error(err))
		}
	case models.Rejected:
		e.tracker.MarkRejected(key, ent.vertex.ID, nil)
	case models.Accepted:
		_ = e.tracker.SetPreferred(key, ent.vertex.ID)
	}
}
