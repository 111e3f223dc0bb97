package consensus

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"dag-consensus/models"
	"dag-consensus/network"
	"dag-consensus/tipselect"
)

// Submission is a vertex requested by the application.
type Submission struct {
	Payload []byte
	// Parents are chosen by the tip selector when empty.
	Parents     []models.VertexID
	ConflictKey string
}

var (
	_ network.Responder = (*Engine)(nil)
	_ network.Receiver  = (*Engine)(nil)
)

// SubmitVertex creates a local vertex, inserts it and broadcasts it. Only
// validation errors and ErrNotRunning are returned; a vertex naming absent parents
// is buffered and its id returned. The payload must not be empty: empty vertices are
// the engine's repoll vertices.
func (e *Engine) SubmitVertex(ctx context.Context, s Submission) (models.VertexID, error) {
	if st := e.State(); st != Running {
		return models.EmptyID, errors.Wrapf(models.ErrNotRunning, "engine is %s", st)
	}
	if err := ctx.Err(); err != nil {
		return models.EmptyID, err
	}

	parents := s.Parents
	if len(parents) == 0 {
		parents = e.selectParents()
	}
	v := e.newVertex(s.Payload, parents, s.ConflictKey)
	if len(v.Payload) == 0 {
		return v.ID, models.NewVertexError(models.ErrValidation, v.ID, "empty payload")
	}
	if err := e.validate(v); err != nil {
		return v.ID, err
	}

	if _, err := e.graph.Insert(v); err != nil {
		if !errors.Is(err, models.ErrMissingParent) {
			return v.ID, err
		}
		e.log.Info("Submitted vertex waits for parents", zap.Stringer("vertex", v.ID), zap.Error(err))
	}
	e.broadcast(v)
	return v.ID, nil
}

// SubmitAndWait submits a vertex and waits until it is decided. ErrTimeout is
// returned when ctx ends first; the vertex keeps being voted on.
func (e *Engine) SubmitAndWait(ctx context.Context, s Submission) (models.VertexID, models.Status, error) {
	id, err := e.SubmitVertex(ctx, s)
	if err != nil {
		return id, models.Pending, err
	}
	status, err := e.WaitFor(ctx, id)
	return id, status, err
}

// ReceiveVertex takes a vertex pushed by a peer. A vertex with absent parents is
// buffered and reported with the soft ErrMissingParent.
func (e *Engine) ReceiveVertex(v *models.Vertex) error {
	if st := e.State(); st != Running {
		return errors.Wrapf(models.ErrNotRunning, "engine is %s", st)
	}
	if err := e.validate(v); err != nil {
		e.log.Debug("Rejected remote vertex", zap.Stringer("vertex", v.ID), zap.Error(err))
		return err
	}
	_, err := e.graph.Insert(v)
	return err
}

// Opinion answers a peer query from local state only: the preferred member of a known
// conflict set, the vertex itself when it is known and not rejected, a "no" when it
// is rejected, and an abstention when it is unknown.
func (e *Engine) Opinion(q network.Query) network.Opinion {
	if q.ConflictKey != "" {
		if pref, ok := e.tracker.Preferred(q.ConflictKey); ok {
			return network.Opinion{Vote: pref}
		}
	}
	ent, ok := e.lookup(q.VertexID)
	if !ok {
		return network.Opinion{Abstain: true}
	}
	if ent.getStatus() == models.Rejected {
		return network.Opinion{Vote: models.EmptyID}
	}
	return network.Opinion{Vote: q.VertexID}
}

func (e *Engine) newVertex(payload []byte, parents []models.VertexID, conflictKey string) *models.Vertex {
	ps := models.CanonicalParents(parents)
	v := &models.Vertex{
		ID:          e.crypto.Hash(payload, ps),
		Payload:     payload,
		Parents:     ps,
		ConflictKey: conflictKey,
		Timestamp:   models.NowMillis(),
	}
	if e.signer != nil {
		e.signer.Sign(v)
	}
	return v
}

func (e *Engine) validate(v *models.Vertex) error {
	if v == nil {
		return errors.Wrap(models.ErrValidation, "nil vertex")
	}
	switch {
	case e.cfg.MaxPayloadSize > 0 && len(v.Payload) > e.cfg.MaxPayloadSize:
		return models.NewVertexError(models.ErrValidation, v.ID, "payload of %d bytes exceeds %d", len(v.Payload), e.cfg.MaxPayloadSize)
	case len(v.Parents) > e.cfg.MaxVertexParents:
		return models.NewVertexError(models.ErrValidation, v.ID, "%d parents exceed %d", len(v.Parents), e.cfg.MaxVertexParents)
	case v.HasParent(v.ID):
		return models.NewVertexError(models.ErrValidation, v.ID, "vertex references itself")
	case len(v.Payload) == 0 && v.ConflictKey != "":
		return models.NewVertexError(models.ErrValidation, v.ID, "empty vertex in conflict set %q", v.ConflictKey)
	case len(v.Payload) == 0 && v.IsGenesis():
		return models.NewVertexError(models.ErrValidation, v.ID, "empty vertex without parents")
	}
	canonical := models.CanonicalParents(v.Parents)
	if len(canonical) != len(v.Parents) {
		return models.NewVertexError(models.ErrValidation, v.ID, "duplicate parents")
	}
	for i := range canonical {
		if canonical[i] != v.Parents[i] {
			return models.NewVertexError(models.ErrValidation, v.ID, "parents not in canonical order")
		}
	}
	if id := e.crypto.Hash(v.Payload, v.Parents); id != v.ID {
		return models.NewVertexError(models.ErrValidation, v.ID, "id does not match content, expected %s", id.Short())
	}
	if known, err := e.graph.GetVertex(v.ID); err == nil && known.ConflictKey != v.ConflictKey {
		return models.NewVertexError(models.ErrValidation, v.ID, "known under conflict key %q, got %q", known.ConflictKey, v.ConflictKey)
	}
	if len(v.Signature) > 0 || len(v.Author) > 0 {
		if !e.crypto.Verify(v.SigningBytes(), v.Signature, v.Author) {
			return models.NewVertexError(models.ErrValidation, v.ID, "bad signature")
		}
	} else if e.cfg.RequireSignatures {
		return models.NewVertexError(models.ErrValidation, v.ID, "unsigned vertex")
	}
	return nil
}

// selectParents draws parents from the tips that are not rejected. When every tip is
// rejected it falls back to the closest live ancestors. An empty graph yields a
// genesis vertex.
func (e *Engine) selectParents() []models.VertexID {
	var candidates []tipselect.Candidate
	var rejected []models.VertexID
	for _, info := range e.graph.TipInfos() {
		c, ok := e.candidate(info.ID)
		if !ok {
			rejected = append(rejected, info.ID)
			continue
		}
		c.Weight, c.Height, c.Timestamp = info.Weight, info.Height, info.Timestamp
		candidates = append(candidates, c)
	}
	if len(candidates) == 0 {
		candidates = e.liveAncestors(rejected)
	}
	if len(candidates) == 0 {
		return nil
	}
	e.rndMu.Lock()
	defer e.rndMu.Unlock()
	return tipselect.Select(candidates, e.cfg.Tips, e.rnd)
}

func (e *Engine) candidate(id models.VertexID) (tipselect.Candidate, bool) {
	ent, ok := e.lookup(id)
	if !ok {
		return tipselect.Candidate{}, false
	}
	ent.mu.RLock()
	defer ent.mu.RUnlock()
	if ent.status == models.Rejected {
		return tipselect.Candidate{}, false
	}
	return tipselect.Candidate{
		ID:         id,
		Height:     ent.height,
		Timestamp:  ent.vertex.Timestamp,
		Confidence: ent.confidence.Consecutive,
		Accepted:   ent.status == models.Accepted || ent.status == models.Final,
	}, true
}

func (e *Engine) liveAncestors(from []models.VertexID) []tipselect.Candidate {
	var out []tipselect.Candidate
	visited := make(map[models.VertexID]struct{})
	queue := from
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if _, seen := visited[id]; seen {
			continue
		}
		visited[id] = struct{}{}
		if c, ok := e.candidate(id); ok {
			c.Weight = e.graph.Weight(id)
			out = append(out, c)
			continue
		}
		if v, err := e.graph.GetVertex(id); err == nil {
			queue = append(queue, v.Parents...)
		}
	}
	return out
}

func (e *Engine) broadcast(v *models.Vertex) {
	e.bgMu.RLock()
	defer e.bgMu.RUnlock()
	if e.bgClosed {
		return
	}
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		timeout := e.cfg.BroadcastTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(e.roundCtx, timeout)
		defer cancel()
		if err := e.net.Broadcast(ctx, v); err != nil {
			e.log.Debug("Broadcast failed", zap.Stringer("vertex", v.ID), zap.Error(err))
		}
	}()
}
