package consensus

import (
	"context"
	"sort"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"dag-consensus/models"
	"dag-consensus/network"
	"dag-consensus/tipselect"
	"dag-consensus/voting"
)

// Step runs one round for every instance that is due and waits for them. It then
// issues a repoll vertex when burial cannot progress otherwise. Round failures are
// absorbed; only a conflict resolution violation is returned.
func (e *Engine) Step(ctx context.Context) error {
	return e.step(ctx)
}

func (e *Engine) step(ctx context.Context) error {
	if e.State() != Running {
		return errors.Wrapf(models.ErrNotRunning, "engine is %s", e.State())
	}

	var due []target
	e.active.Range(func(_, value interface{}) bool {
		t := value.(target)
		if e.voter.Due(t.key) {
			due = append(due, t)
		}
		return true
	})
	sort.Slice(due, func(i, j int) bool { return due[i].key < due[j].key })

	// rounds run on roundCtx so that draining lets them complete
	var g errgroup.Group
	for _, t := range due {
		if ctx.Err() != nil {
			break
		}
		if err := e.roundSem.Acquire(ctx, 1); err != nil {
			break
		}
		t := t
		g.Go(func() error {
			defer e.roundSem.Release(1)
			return e.runRound(e.roundCtx, t)
		})
	}
	err := g.Wait()

	if ctx.Err() == nil {
		e.repoll()
	}
	e.observe()
	return err
}

func (e *Engine) runRound(ctx context.Context, t target) error {
	q := network.Query{ConflictKey: t.conflictKey}
	if t.conflictKey != "" {
		q.Members = e.tracker.LiveMembers(t.conflictKey)
	}

	res, err := e.voter.Poll(ctx, t.key, q, func() []voting.Choice {
		return e.choices(t)
	})
	switch {
	case errors.Is(err, models.ErrQuorumNotReached):
		e.counts.quorumFailures.Add(1)
		e.metrics.QuorumFailure()
		e.log.Debug("Round discarded", zap.String("instance", t.key), zap.Error(err))
		return nil
	case err != nil:
		// in flight, decided meanwhile or cancelled by a hard stop
		return nil
	case res.Votes == nil:
		return nil
	}

	e.counts.rounds.Add(1)
	e.metrics.Round()
	e.checkAnswers(t, res.Votes)
	e.recordConfidence(t, res.Confidence)

	if res.Flipped && t.conflictKey != "" {
		if err := e.tracker.SetPreferred(t.conflictKey, res.Preference); err != nil {
			e.log.Debug("Preference not recorded", zap.String("conflict_key", t.conflictKey), zap.Error(err))
		}
	}
	if res.Decided {
		return e.accept(t, res.Preference)
	}
	return nil
}

func (e *Engine) choices(t target) []voting.Choice {
	if t.conflictKey == "" {
		return []voting.Choice{{ID: t.vertex, Weight: e.graph.Weight(t.vertex)}}
	}
	members := e.tracker.LiveMembers(t.conflictKey)
	out := make([]voting.Choice, len(members))
	for i, id := range members {
		out[i] = voting.Choice{ID: id, Weight: e.graph.Weight(id)}
	}
	return out
}

// checkAnswers counts votes no honest peer can give: a vertex known locally that is
// neither the queried vertex nor a member of the queried conflict set.
func (e *Engine) checkAnswers(t target, votes map[network.PeerID]models.VertexID) {
	for peer, vote := range votes {
		if vote.IsEmpty() {
			continue
		}
		var bad bool
		if t.conflictKey == "" {
			bad = vote != t.vertex
		} else if ent, ok := e.lookup(vote); ok {
			bad = ent.vertex.ConflictKey != t.conflictKey
		}
		if bad {
			e.counts.byzantine.Add(1)
			e.metrics.ByzantineAnswer()
			e.log.Debug("Peer answered outside the queried set",
				zap.String("peer", string(peer)),
				zap.String("instance", t.key),
				zap.Stringer("vote", vote))
		}
	}
}

func (e *Engine) recordConfidence(t target, c models.Confidence) {
	ids := []models.VertexID{t.vertex}
	if t.conflictKey != "" {
		ids = e.tracker.LiveMembers(t.conflictKey)
	}
	for _, id := range ids {
		if ent, ok := e.lookup(id); ok {
			ent.setConfidence(c)
			e.store.markVertex(id)
		}
	}
}

// accept records that the instance of t decided for id. The vertex turns Accepted
// once all its parents are Accepted or Final; until then it stays Pending and is no
// longer polled.
func (e *Engine) accept(t target, id models.VertexID) error {
	ent, ok := e.lookup(id)
	if !ok || !ent.elect() {
		return nil
	}
	// elected first: a member arriving now must not reopen the instance
	e.voter.Remove(t.key)
	e.active.Delete(t.key)
	return e.promote([]models.VertexID{id})
}

// promote accepts every elected vertex of ids whose parents are accepted, then
// retries their children.
func (e *Engine) promote(ids []models.VertexID) error {
	var firstErr error
	queue := ids
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		ent, ok := e.lookup(id)
		if !ok || !ent.isElected() || !e.parentsAccepted(ent.vertex) {
			continue
		}
		if _, ok := e.transition(ent, models.Accepted, pending); !ok {
			continue
		}
		e.log.Debug("Vertex accepted",
			zap.Stringer("vertex", id),
			zap.String("conflict_key", ent.vertex.ConflictKey))

		changed := e.bury(ent)
		if err := e.finalizeFrom(append([]models.VertexID{id}, changed...)); err != nil && firstErr == nil {
			firstErr = err
		}
		children, _ := e.graph.GetChildren(id)
		queue = append(queue, children...)
	}
	return firstErr
}

// parentsAccepted: every parent is Accepted or Final. Pruned parents were decided.
func (e *Engine) parentsAccepted(v *models.Vertex) bool {
	for _, p := range v.Parents {
		parent, ok := e.lookup(p)
		if !ok {
			continue
		}
		if s := parent.getStatus(); s != models.Accepted && s != models.Final {
			return false
		}
	}
	return true
}

// bury sets the burial of a newly accepted vertex from its accepted children and
// raises its ancestors. It returns the ancestors whose burial grew.
func (e *Engine) bury(ent *entry) []models.VertexID {
	beta := e.cfg.Voting.Beta
	ent.raiseBurial(e.burialFromChildren(ent.vertex.ID))

	type item struct {
		id    models.VertexID
		depth int
	}
	var queue []item
	enqueueParents := func(v *models.Vertex, depth int) {
		if depth > beta {
			depth = beta
		}
		for _, p := range v.Parents {
			queue = append(queue, item{id: p, depth: depth})
		}
	}
	enqueueParents(ent.vertex, ent.getBurial()+1)

	var changed []models.VertexID
	for len(queue) > 0 {
		it := queue[0]
		queue = queue[1:]
		p, ok := e.lookup(it.id)
		if !ok || !p.raiseBurial(it.depth) {
			continue
		}
		changed = append(changed, it.id)
		// a pending ancestor passes its burial on once it is accepted itself
		if p.getStatus() == models.Accepted {
			enqueueParents(p.vertex, it.depth+1)
		}
	}
	return changed
}

func (e *Engine) burialFromChildren(id models.VertexID) int {
	children, err := e.graph.GetChildren(id)
	if err != nil {
		return 0
	}
	depth := 0
	for _, c := range children {
		child, ok := e.lookup(c)
		if !ok {
			continue
		}
		if s := child.getStatus(); s == models.Accepted || s == models.Final {
			if d := child.getBurial() + 1; d > depth {
				depth = d
			}
		}
	}
	if depth > e.cfg.Voting.Beta {
		depth = e.cfg.Voting.Beta
	}
	return depth
}

// finalizable: accepted, buried by beta accepted descendants and on top of Final
// parents only. Pruned parents were decided.
func (e *Engine) finalizable(ent *entry) bool {
	ent.mu.RLock()
	ready := ent.status == models.Accepted && ent.burial >= e.cfg.Voting.Beta
	ent.mu.RUnlock()
	if !ready {
		return false
	}
	for _, p := range ent.vertex.Parents {
		parent, ok := e.lookup(p)
		if ok && parent.getStatus() != models.Final {
			return false
		}
	}
	return true
}

// finalizeFrom finalizes every candidate that meets both gates, then retries their
// children whose parents may all be Final now.
func (e *Engine) finalizeFrom(candidates []models.VertexID) error {
	var firstErr error
	queue := candidates
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		ent, ok := e.lookup(id)
		if !ok || !e.finalizable(ent) {
			continue
		}
		done, err := e.finalize(ent)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if !done {
			continue
		}
		children, _ := e.graph.GetChildren(id)
		queue = append(queue, children...)
	}
	return firstErr
}

func (e *Engine) finalize(ent *entry) (bool, error) {
	id := ent.vertex.ID
	key := ent.vertex.ConflictKey
	if key == "" {
		_, done := e.transition(ent, models.Final, accepted)
		if done {
			e.log.Debug("Vertex final", zap.Stringer("vertex", id))
		}
		return done, nil
	}

	var (
		done   bool
		losers []models.VertexID
	)
	err := e.tracker.Finalize(key, id, func(_ models.VertexID, ls []models.VertexID) {
		_, done = e.transition(ent, models.Final, accepted)
		for _, l := range ls {
			loser, ok := e.lookup(l)
			if !ok {
				continue
			}
			if from, ok := e.transition(loser, models.Rejected, pending); !ok && from == models.Accepted {
				e.log.Error("Accepted member lost its conflict set",
					zap.String("conflict_key", key),
					zap.Stringer("vertex", l),
					zap.Stringer("winner", id))
			}
		}
		losers = ls
	})
	if err != nil {
		if errors.Is(err, models.ErrConflictResolution) {
			e.metrics.ConflictViolated()
			e.log.Error("Conflict set safety violated",
				zap.String("conflict_key", key),
				zap.Stringer("vertex", id),
				zap.Stringers("members", e.tracker.Members(key)),
				zap.Error(err))
		}
		return false, err
	}

	vkey := voting.KeyFor(id, key)
	e.voter.Remove(vkey)
	e.active.Delete(vkey)
	e.store.markConflict(key)
	e.log.Debug("Conflict set final",
		zap.String("conflict_key", key),
		zap.Stringer("winner", id),
		zap.Int("rejected", len(losers)))

	var children []models.VertexID
	for _, l := range losers {
		c, _ := e.graph.GetChildren(l)
		children = append(children, c...)
	}
	e.reject(children)
	return done, nil
}

// reject rejects ids and all their pending descendants. Accepted vertices only have
// accepted ancestors, so the cascade never reaches them.
func (e *Engine) reject(ids []models.VertexID) {
	queue := ids
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		ent, ok := e.lookup(id)
		if !ok || !e.rejectOne(ent) {
			continue
		}
		children, _ := e.graph.GetChildren(id)
		queue = append(queue, children...)
	}
}

func (e *Engine) rejectOne(ent *entry) bool {
	id := ent.vertex.ID
	key := ent.vertex.ConflictKey
	vkey := voting.KeyFor(id, key)
	if ent.getStatus() != models.Pending {
		return false
	}
	if key == "" {
		if _, ok := e.transition(ent, models.Rejected, pending); !ok {
			return false
		}
		e.voter.Remove(vkey)
		e.active.Delete(vkey)
		return true
	}

	var (
		elected bool
		ok      bool
	)
	pref := e.tracker.MarkRejected(key, id, func() {
		elected = ent.isElected()
		_, ok = e.transition(ent, models.Rejected, pending)
	})
	if !ok {
		return false
	}
	e.store.markConflict(key)
	if _, finalized := e.tracker.Winner(key); finalized {
		return true
	}
	if pref.IsEmpty() {
		e.voter.Remove(vkey)
		e.active.Delete(vkey)
		return true
	}

	cur, open := e.voter.Preference(vkey)
	if (open && cur == id) || (!open && elected) {
		// the preferred member lost through its ancestry, vote again
		e.voter.Reopen(vkey, pref)
		e.active.Store(vkey, target{key: vkey, conflictKey: key})
		e.log.Debug("Conflict set reopened",
			zap.String("conflict_key", key),
			zap.Stringer("rejected", id),
			zap.Stringer("preference", pref))
	}
	return true
}

// repoll issues an empty vertex on the accepted tips when accepted application
// vertices wait for burial and no earlier repoll vertex is still pending.
func (e *Engine) repoll() {
	if !e.cfg.Repoll || e.counts.burying.Load() == 0 {
		return
	}

	var candidates []tipselect.Candidate
	for _, info := range e.graph.TipInfos() {
		ent, ok := e.lookup(info.ID)
		if !ok {
			continue
		}
		ent.mu.RLock()
		s, conf := ent.status, ent.confidence.Consecutive
		ent.mu.RUnlock()
		if s == models.Pending && isRepoll(ent.vertex) {
			return
		}
		if s != models.Accepted && s != models.Final {
			continue
		}
		candidates = append(candidates, tipselect.Candidate{
			ID:         info.ID,
			Weight:     info.Weight,
			Height:     info.Height,
			Timestamp:  info.Timestamp,
			Confidence: conf,
			Accepted:   true,
		})
	}
	if len(candidates) == 0 {
		return
	}

	e.rndMu.Lock()
	parents := tipselect.Select(candidates, e.cfg.Tips, e.rnd)
	e.rndMu.Unlock()

	v := e.newVertex(nil, parents, "")
	if e.graph.Contains(v.ID) {
		return
	}
	if _, err := e.graph.Insert(v); err != nil {
		e.log.Warn("Repoll vertex not inserted", zap.Stringer("vertex", v.ID), zap.Error(err))
		return
	}
	e.counts.repolls.Add(1)
	e.metrics.Repoll()
	e.log.Debug("Issued repoll vertex", zap.Stringer("vertex", v.ID), zap.Int("parents", len(parents)))
	e.broadcast(v)
}
