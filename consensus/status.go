package consensus

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"dag-consensus/models"
	"dag-consensus/voting"
)

// entry is the consensus state of one vertex. The vertex, height and insertion time
// never change; everything else is guarded by mu.
type entry struct {
	vertex     *models.Vertex
	height     uint64
	insertedAt time.Time

	mu         sync.RWMutex
	status     models.Status
	confidence models.Confidence
	// burial is the length of the longest chain of accepted descendants, capped at beta.
	burial int
	// elected is set when the voting instance decided for the vertex. It stays Pending
	// until every parent is Accepted or Final.
	elected   bool
	decidedAt time.Time
}

func (ent *entry) getStatus() models.Status {
	ent.mu.RLock()
	defer ent.mu.RUnlock()
	return ent.status
}

func (ent *entry) getBurial() int {
	ent.mu.RLock()
	defer ent.mu.RUnlock()
	return ent.burial
}

// raiseBurial stores depth if it exceeds the current burial.
func (ent *entry) raiseBurial(depth int) bool {
	ent.mu.Lock()
	defer ent.mu.Unlock()
	if depth <= ent.burial {
		return false
	}
	ent.burial = depth
	return true
}

// elect flags a pending vertex its instance decided for.
func (ent *entry) elect() bool {
	ent.mu.Lock()
	defer ent.mu.Unlock()
	if ent.status != models.Pending {
		return false
	}
	ent.elected = true
	return true
}

func (ent *entry) isElected() bool {
	ent.mu.RLock()
	defer ent.mu.RUnlock()
	return ent.elected
}

func (ent *entry) setConfidence(c models.Confidence) {
	ent.mu.Lock()
	ent.confidence = c
	ent.mu.Unlock()
}

func (ent *entry) record() *models.VertexRecord {
	ent.mu.RLock()
	defer ent.mu.RUnlock()
	rec := &models.VertexRecord{
		Vertex:     ent.vertex,
		Status:     ent.status,
		Confidence: ent.confidence,
		Height:     ent.height,
		InsertedAt: ent.insertedAt.UnixMilli(),
	}
	if !ent.decidedAt.IsZero() {
		rec.DecidedAt = ent.decidedAt.UnixMilli()
	}
	return rec
}

func (e *Engine) lookup(id models.VertexID) (*entry, bool) {
	v, ok := e.entries.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*entry), true
}

// statusOf returns Pending for unknown ids, so that nothing depends on them being
// decided.
func (e *Engine) statusOf(id models.VertexID) models.Status {
	if ent, ok := e.lookup(id); ok {
		return ent.getStatus()
	}
	return models.Pending
}

func pending(s models.Status) bool  { return s == models.Pending }
func accepted(s models.Status) bool { return s == models.Accepted }

// chosen reports whether voting on id is over in its favour.
func (e *Engine) chosen(id models.VertexID) bool {
	ent, ok := e.lookup(id)
	if !ok {
		return false
	}
	ent.mu.RLock()
	defer ent.mu.RUnlock()
	return ent.status == models.Accepted || ent.status == models.Final || ent.elected
}

// isRepoll tells the engine's filler vertices apart. Application vertices always carry
// a payload, see SubmitVertex.
func isRepoll(v *models.Vertex) bool {
	return len(v.Payload) == 0 && v.ConflictKey == ""
}

// transition moves ent to status to when allowed accepts its current status, and
// returns the status it left.
func (e *Engine) transition(ent *entry, to models.Status, allowed func(models.Status) bool) (models.Status, bool) {
	now := time.Now()
	ent.mu.Lock()
	from := ent.status
	if from == to || !allowed(from) {
		ent.mu.Unlock()
		return from, false
	}
	ent.status = to
	if to.Decided() {
		ent.decidedAt = now
	}
	ent.mu.Unlock()

	e.count(ent, from, -1)
	e.count(ent, to, 1)
	switch to {
	case models.Final:
		latency := now.Sub(ent.insertedAt)
		e.counts.latency.Add(int64(latency))
		e.metrics.Finalized(latency)
		for {
			h := e.counts.finalHeight.Load()
			if ent.height <= h || e.counts.finalHeight.CompareAndSwap(h, ent.height) {
				break
			}
		}
	case models.Rejected:
		e.metrics.Rejected()
	}
	e.store.markVertex(ent.vertex.ID)
	if to.Decided() {
		e.store.markTips()
		e.notify(ent.vertex.ID)
	}
	return from, true
}

func (e *Engine) count(ent *entry, s models.Status, delta int64) {
	switch s {
	case models.Pending:
		e.counts.pending.Add(delta)
	case models.Accepted:
		e.counts.accepted.Add(delta)
		if !isRepoll(ent.vertex) {
			e.counts.burying.Add(delta)
		}
	case models.Final:
		if delta > 0 {
			e.counts.finalized.Add(1)
		}
	case models.Rejected:
		if delta > 0 {
			e.counts.rejected.Add(1)
		}
	}
}

// track is the graph insert hook. It runs under the graph frontier lock, in causal
// order, so every parent already has an entry.
func (e *Engine) track(v *models.Vertex, height uint64) {
	ent := &entry{
		vertex:     v,
		height:     height,
		insertedAt: time.Now(),
		status:     models.Pending,
		confidence: models.Confidence{Preference: v.ID},
	}
	rec, restoring := e.restoring[v.ID]
	if restoring {
		ent.status = rec.Status
		ent.confidence = rec.Confidence
		ent.insertedAt = time.UnixMilli(rec.InsertedAt)
		if rec.DecidedAt > 0 {
			ent.decidedAt = time.UnixMilli(rec.DecidedAt)
		}
	}
	e.entries.Store(v.ID, ent)
	e.count(ent, ent.status, 1)
	if ent.status == models.Final {
		e.counts.finalHeight.Store(max(e.counts.finalHeight.Load(), height))
	}

	if restoring {
		e.restoreConflict(ent)
		return
	}
	e.store.markVertex(v.ID)
	e.store.markTips()
	if v.ConflictKey != "" {
		e.store.markConflict(v.ConflictKey)
	}

	registered := e.tracker.Register(v.ConflictKey, v.ID)
	if !registered || e.hasRejectedParent(v) {
		e.log.Debug("Vertex lost on arrival",
			zap.Stringer("vertex", v.ID),
			zap.String("conflict_key", v.ConflictKey),
			zap.Bool("conflict_finalized", !registered))
		e.reject([]models.VertexID{v.ID})
		return
	}
	e.openInstance(ent, nil)
}

func (e *Engine) hasRejectedParent(v *models.Vertex) bool {
	for _, p := range v.Parents {
		if e.statusOf(p) == models.Rejected {
			return true
		}
	}
	return false
}

// openInstance starts voting for a pending vertex. Conflict set members share one
// instance, which is not reopened once it decided for one of them.
func (e *Engine) openInstance(ent *entry, restored *models.Confidence) {
	id := ent.vertex.ID
	key := ent.vertex.ConflictKey
	vkey := voting.KeyFor(id, key)

	if key == "" {
		if restored != nil {
			e.voter.Restore(vkey, *restored)
		} else {
			e.voter.Add(vkey, id)
		}
		e.active.Store(vkey, target{key: vkey, vertex: id})
		return
	}

	pref, ok := e.tracker.Preferred(key)
	if !ok {
		return
	}
	if e.chosen(pref) {
		return
	}
	if _, open := e.voter.Preference(vkey); !open {
		if restored != nil && !restored.Preference.IsEmpty() && e.tracker.SetPreferred(key, restored.Preference) == nil {
			e.voter.Restore(vkey, *restored)
		} else {
			e.voter.Add(vkey, pref)
		}
	}
	e.active.Store(vkey, target{key: vkey, conflictKey: key})
}

func (e *Engine) dropped(v *models.Vertex, err error) {
	e.log.Debug("Buffered vertex dropped", zap.Stringer("vertex", v.ID), zap.Error(err))
	e.notify(v.ID)
}

// GetStatus returns the consensus status of id. Vertices waiting for parents report
// Pending together with an ErrMissingParent error; evicted ones report ErrDropped.
//
// Members of a conflict set are read under the set lock, so a reader never sees a
// finalized member next to a sibling that is not yet rejected.
func (e *Engine) GetStatus(id models.VertexID) (models.Status, error) {
	ent, ok := e.lookup(id)
	if !ok {
		return e.statusOutsideGraph(id)
	}
	var s models.Status
	e.tracker.View(ent.vertex.ConflictKey, func() {
		s = ent.getStatus()
	})
	return s, nil
}

func (e *Engine) statusOutsideGraph(id models.VertexID) (models.Status, error) {
	switch {
	case e.graph.IsOrphan(id):
		missing := e.graph.MissingAncestors(id)
		reason := "awaiting parents"
		if len(missing) > 0 {
			reason = "awaiting " + missing[0].Short()
		}
		return models.Pending, &models.VertexError{Kind: models.ErrMissingParent, ID: id, Reason: reason}
	case e.graph.IsDropped(id):
		return models.Pending, &models.VertexError{Kind: models.ErrDropped, ID: id}
	case e.repo != nil:
		// pruned vertices keep their record
		rec, err := e.repo.GetVertex(id)
		if err != nil {
			return models.Pending, err
		}
		return rec.Status, nil
	}
	return models.Pending, models.NewVertexError(models.ErrNotFound, id, "unknown vertex")
}

// GetVertex returns the vertex with its consensus state.
func (e *Engine) GetVertex(id models.VertexID) (*models.VertexRecord, error) {
	ent, ok := e.lookup(id)
	if !ok {
		if e.repo != nil && !e.graph.IsOrphan(id) {
			return e.repo.GetVertex(id)
		}
		_, err := e.statusOutsideGraph(id)
		return nil, err
	}
	var rec *models.VertexRecord
	e.tracker.View(ent.vertex.ConflictKey, func() {
		rec = ent.record()
	})
	return rec, nil
}

func (e *Engine) watch(id models.VertexID) chan struct{} {
	ch := make(chan struct{})
	e.waitMu.Lock()
	e.waiters[id] = append(e.waiters[id], ch)
	e.waitMu.Unlock()
	return ch
}

func (e *Engine) unwatch(id models.VertexID, ch chan struct{}) {
	e.waitMu.Lock()
	defer e.waitMu.Unlock()
	chans := e.waiters[id]
	for i, c := range chans {
		if c == ch {
			chans = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(chans) == 0 {
		delete(e.waiters, id)
		return
	}
	e.waiters[id] = chans
}

func (e *Engine) notify(id models.VertexID) {
	e.waitMu.Lock()
	chans := e.waiters[id]
	delete(e.waiters, id)
	e.waitMu.Unlock()
	for _, ch := range chans {
		close(ch)
	}
}

// WaitFor blocks until id is Final or Rejected. When ctx ends first it returns the
// current status with ErrTimeout; the vertex itself is unaffected.
func (e *Engine) WaitFor(ctx context.Context, id models.VertexID) (models.Status, error) {
	for {
		ch := e.watch(id)
		s, err := e.GetStatus(id)
		switch {
		case err == nil && s.Decided():
			e.unwatch(id, ch)
			return s, nil
		case err != nil && !errors.Is(err, models.ErrMissingParent):
			e.unwatch(id, ch)
			return s, err
		}

		select {
		case <-ch:
		case <-ctx.Done():
			e.unwatch(id, ch)
			return s, models.NewVertexError(models.ErrTimeout, id, "still %s", s)
		}
	}
}
