package dag

import (
	"time"

	"go.uber.org/zap"

	"dag-consensus/models"
)

// orphan is a vertex that we don't yet have all the parents for, plus an
// expiration time to prevent buffering it forever.
type orphan struct {
	vertex     *models.Vertex
	expiration time.Time
}

// IsOrphan reports whether id is currently buffered awaiting parents.
func (g *Graph) IsOrphan(id models.VertexID) bool {
	g.orphanLock.RLock()
	defer g.orphanLock.RUnlock()
	_, exists := g.orphans[id]
	return exists
}

// IsDropped reports whether id was recently evicted from the missing-parent buffer.
func (g *Graph) IsDropped(id models.VertexID) bool {
	return g.dropped.Contains(id)
}

// OrphanCount returns the number of buffered vertices.
func (g *Graph) OrphanCount() int {
	g.orphanLock.RLock()
	defer g.orphanLock.RUnlock()
	return len(g.orphans)
}

// MissingAncestors returns the ids blocking a buffered vertex, walking through
// buffered ancestors.
func (g *Graph) MissingAncestors(id models.VertexID) []models.VertexID {
	g.orphanLock.RLock()
	defer g.orphanLock.RUnlock()

	var missing []models.VertexID
	visited := make(map[models.VertexID]bool)
	queue := []models.VertexID{id}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if visited[current] {
			continue
		}
		visited[current] = true
		if o, ok := g.orphans[current]; ok {
			queue = append(queue, o.vertex.Parents...)
		} else if current != id && !g.Contains(current) {
			missing = append(missing, current)
		}
	}
	return models.SortIDs(missing)
}

// EvictExpired drops buffered vertices whose timeout elapsed and returns how many.
func (g *Graph) EvictExpired() int {
	g.frontierMu.Lock()
	defer g.frontierMu.Unlock()
	return g.evictExpired(g.now())
}

// evictExpired must be called with frontierMu held.
func (g *Graph) evictExpired(now time.Time) int {
	var expired []*orphan
	g.orphanLock.RLock()
	for _, o := range g.orphans {
		if now.After(o.expiration) {
			expired = append(expired, o)
		}
	}
	g.orphanLock.RUnlock()

	for _, o := range expired {
		g.dropOrphan(o, "parents did not arrive before timeout")
	}
	return len(expired)
}

func (g *Graph) dropOrphan(o *orphan, reason string) {
	g.removeOrphan(o)
	g.dropped.Add(o.vertex.ID, struct{}{})
	err := models.NewVertexError(models.ErrDropped, o.vertex.ID, "%s", reason)
	g.log.Info("Dropped buffered vertex", zap.Stringer("vertex", o.vertex.ID), zap.String("reason", reason))
	if g.hooks.OnDrop != nil {
		g.hooks.OnDrop(o.vertex, err)
	}
}

// addOrphan buffers v under each of its missing parents. It lazily cleans up
// expired vertices and evicts the oldest one when the buffer is full.
// Must be called with frontierMu held.
func (g *Graph) addOrphan(v *models.Vertex, missing []models.VertexID) {
	now := g.now()
	g.evictExpired(now)

	if g.OrphanCount() >= g.cfg.MaxOrphans {
		var oldest *orphan
		g.orphanLock.RLock()
		for _, o := range g.orphans {
			if oldest == nil || o.expiration.Before(oldest.expiration) {
				oldest = o
			}
		}
		g.orphanLock.RUnlock()
		if oldest != nil {
			g.dropOrphan(oldest, "missing-parent buffer full")
		}
	}

	o := &orphan{vertex: v, expiration: now.Add(g.cfg.OrphanTimeout)}

	g.orphanLock.Lock()
	defer g.orphanLock.Unlock()
	g.orphans[v.ID] = o
	for _, p := range missing {
		g.prevOrphans[p] = append(g.prevOrphans[p], o)
	}
	g.log.Debug("Buffered vertex with missing parents",
		zap.Stringer("vertex", v.ID), zap.Int("missing", len(missing)))
}

func (g *Graph) removeOrphan(o *orphan) {
	g.orphanLock.Lock()
	defer g.orphanLock.Unlock()

	id := o.vertex.ID
	delete(g.orphans, id)
	for _, p := range o.vertex.Parents {
		waiting := g.prevOrphans[p]
		for i := 0; i < len(waiting); i++ {
			if waiting[i].vertex.ID == id {
				waiting = append(waiting[:i], waiting[i+1:]...)
				i--
			}
		}
		if len(waiting) == 0 {
			delete(g.prevOrphans, p)
			continue
		}
		g.prevOrphans[p] = waiting
	}
}

// processOrphans links every buffered vertex that no longer misses a parent once id
// arrived, repeating for the vertices it releases. Must be called with frontierMu held.
func (g *Graph) processOrphans(id models.VertexID) []*node {
	var released []*node
	queue := []models.VertexID{id}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		g.orphanLock.RLock()
		waiting := append([]*orphan(nil), g.prevOrphans[current]...)
		g.orphanLock.RUnlock()

		for _, o := range waiting {
			if len(g.missingParents(o.vertex)) > 0 {
				continue
			}
			g.removeOrphan(o)
			released = append(released, g.link(o.vertex))
			queue = append(queue, o.vertex.ID)
		}
	}
	return released
}
