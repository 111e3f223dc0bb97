package dag

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"dag-consensus/models"
)

// Config parameterizes the graph.
type Config struct {
	Shards        int
	OrphanTimeout time.Duration
	MaxOrphans    int
	// WeightDepth bounds how many ancestor levels receive weight from a new vertex.
	// Zero means unbounded.
	WeightDepth   int
	DroppedMemory int
}

// DefaultConfig returns the configuration used when none is supplied.
func DefaultConfig() Config {
	return Config{
		Shards:        32,
		OrphanTimeout: 30 * time.Second,
		MaxOrphans:    1024,
		WeightDepth:   0,
		DroppedMemory: 4096,
	}
}

// Hooks are invoked while the frontier lock is held, in causal order.
// They must not call back into graph mutators.
type Hooks struct {
	// OnInsert is called for every vertex entering the graph, including vertices
	// released from the missing-parent buffer.
	OnInsert func(v *models.Vertex, height uint64)
	// OnDrop is called for buffered vertices evicted before their parents arrived.
	OnDrop func(v *models.Vertex, err error)
}

// TipInfo describes a tip for parent selection.
type TipInfo struct {
	ID        models.VertexID
	Weight    uint64
	Height    uint64
	Timestamp int64
}

type node struct {
	vertex *models.Vertex
	height uint64
	weight atomic.Uint64

	mu       sync.RWMutex
	children map[models.VertexID]struct{}
}

type shard struct {
	mu    sync.RWMutex
	nodes map[models.VertexID]*node
}

// Graph owns vertex adjacency and the tip frontier.
//
// Lookups go through sharded maps and never contend with writers on other shards.
// Structural mutation (insert, orphan release, prune) is serialized by frontierMu so
// adjacency and the tip set are never observed half updated. Tips() serves a snapshot
// published at the end of every mutation and does not block writers.
type Graph struct {
	cfg   Config
	log   *zap.Logger
	hooks Hooks

	shards []*shard
	size   atomic.Int64

	frontierMu sync.Mutex
	tips       map[models.VertexID]struct{}
	tipsView   atomic.Pointer[[]models.VertexID]

	orphanLock  sync.RWMutex
	orphans     map[models.VertexID]*orphan
	prevOrphans map[models.VertexID][]*orphan
	dropped     *lru.Cache

	now func() time.Time
}

// New creates an empty graph.
func New(cfg Config, log *zap.Logger, hooks Hooks) (*Graph, error) {
	if cfg.Shards <= 0 {
		cfg.Shards = DefaultConfig().Shards
	}
	if cfg.MaxOrphans <= 0 {
		cfg.MaxOrphans = DefaultConfig().MaxOrphans
	}
	if cfg.DroppedMemory <= 0 {
		cfg.DroppedMemory = DefaultConfig().DroppedMemory
	}
	if cfg.OrphanTimeout <= 0 {
		cfg.OrphanTimeout = DefaultConfig().OrphanTimeout
	}
	dropped, err := lru.New(cfg.DroppedMemory)
	if err != nil {
		return nil, errors.Wrap(err, "create dropped vertex cache")
	}
	if log == nil {
		log = zap.NewNop()
	}

	g := &Graph{
		cfg:         cfg,
		log:         log,
		hooks:       hooks,
		shards:      make([]*shard, cfg.Shards),
		tips:        make(map[models.VertexID]struct{}),
		orphans:     make(map[models.VertexID]*orphan),
		prevOrphans: make(map[models.VertexID][]*orphan),
		dropped:     dropped,
		now:         time.Now,
	}
	for i := range g.shards {
		g.shards[i] = &shard{nodes: make(map[models.VertexID]*node)}
	}
	g.publishTips()
	return g, nil
}

func (g *Graph) shardFor(id models.VertexID) *shard {
	// ids are hashes, the leading bytes are uniformly distributed
	idx := (uint32(id[0])<<8 | uint32(id[1])) % uint32(len(g.shards))
	return g.shards[idx]
}

func (g *Graph) lookup(id models.VertexID) (*node, bool) {
	s := g.shardFor(id)
	s.mu.RLock()
	n, ok := s.nodes[id]
	s.mu.RUnlock()
	return n, ok
}

// Insert adds a vertex whose parents are all present and returns its subtree weight.
//
// Inserting a present id is a no-op. A vertex naming itself as parent is a validation
// error. If any parent is absent the vertex is buffered and ErrMissingParent is
// returned; it is inserted automatically when the last missing parent arrives.
// Because parents must already be present and the id must be new, no insertion can
// close a cycle.
func (g *Graph) Insert(v *models.Vertex) (uint64, error) {
	if v == nil {
		return 0, errors.Wrap(models.ErrValidation, "nil vertex")
	}
	if v.HasParent(v.ID) {
		return 0, models.NewVertexError(models.ErrValidation, v.ID, "vertex references itself")
	}

	g.frontierMu.Lock()
	if n, ok := g.lookup(v.ID); ok {
		g.frontierMu.Unlock()
		return n.weight.Load(), nil
	}
	if g.IsOrphan(v.ID) {
		g.frontierMu.Unlock()
		return 0, models.NewVertexError(models.ErrMissingParent, v.ID, "already buffered")
	}

	missing := g.missingParents(v)
	if len(missing) > 0 {
		g.addOrphan(v, missing)
		g.frontierMu.Unlock()
		return 0, models.NewVertexError(models.ErrMissingParent, v.ID, "%d parent(s) absent, first %s",
			len(missing), missing[0].Short())
	}

	inserted := []*node{g.link(v)}
	inserted = append(inserted, g.processOrphans(v.ID)...)
	g.publishTips()
	if g.hooks.OnInsert != nil {
		for _, n := range inserted {
			g.hooks.OnInsert(n.vertex, n.height)
		}
	}
	g.frontierMu.Unlock()

	for _, n := range inserted {
		g.propagateWeight(n)
	}
	return inserted[0].weight.Load(), nil
}

func (g *Graph) missingParents(v *models.Vertex) []models.VertexID {
	var missing []models.VertexID
	for _, p := range v.Parents {
		if _, ok := g.lookup(p); !ok {
			missing = append(missing, p)
		}
	}
	return missing
}

// link must be called with frontierMu held and all parents present.
func (g *Graph) link(v *models.Vertex) *node {
	n := &node{vertex: v, children: make(map[models.VertexID]struct{})}
	n.weight.Store(1)
	for _, pid := range v.Parents {
		p, _ := g.lookup(pid)
		if h := p.height + 1; h > n.height {
			n.height = h
		}
		p.mu.Lock()
		p.children[v.ID] = struct{}{}
		p.mu.Unlock()
		delete(g.tips, pid)
	}

	s := g.shardFor(v.ID)
	s.mu.Lock()
	s.nodes[v.ID] = n
	s.mu.Unlock()
	g.size.Add(1)
	g.dropped.Remove(v.ID)

	g.tips[v.ID] = struct{}{}
	g.log.Debug("Vertex linked",
		zap.Stringer("vertex", v.ID),
		zap.Int("parents", len(v.Parents)),
		zap.Uint64("height", n.height))
	return n
}

// propagateWeight credits every ancestor of n (within WeightDepth levels) once.
func (g *Graph) propagateWeight(n *node) {
	visited := make(map[models.VertexID]struct{})
	frontier := n.vertex.Parents
	for depth := 1; len(frontier) > 0; depth++ {
		if g.cfg.WeightDepth > 0 && depth > g.cfg.WeightDepth {
			return
		}
		var next []models.VertexID
		for _, id := range frontier {
			if _, seen := visited[id]; seen {
				continue
			}
			visited[id] = struct{}{}
			p, ok := g.lookup(id)
			if !ok {
				// pruned
				continue
			}
			p.weight.Add(1)
			next = append(next, p.vertex.Parents...)
		}
		frontier = next
	}
}

func (g *Graph) publishTips() {
	view := make([]models.VertexID, 0, len(g.tips))
	for id := range g.tips {
		view = append(view, id)
	}
	models.SortIDs(view)
	g.tipsView.Store(&view)
}

// Contains reports whether id is in the graph (buffered vertices are not).
func (g *Graph) Contains(id models.VertexID) bool {
	_, ok := g.lookup(id)
	return ok
}

// GetVertex returns the vertex with the given id.
func (g *Graph) GetVertex(id models.VertexID) (*models.Vertex, error) {
	n, ok := g.lookup(id)
	if !ok {
		return nil, errors.Wrapf(models.ErrNotFound, "vertex %s", id.Short())
	}
	return n.vertex, nil
}

// GetChildren returns the sorted ids of the vertices referencing id.
func (g *Graph) GetChildren(id models.VertexID) ([]models.VertexID, error) {
	n, ok := g.lookup(id)
	if !ok {
		return nil, errors.Wrapf(models.ErrNotFound, "vertex %s", id.Short())
	}
	n.mu.RLock()
	children := make([]models.VertexID, 0, len(n.children))
	for c := range n.children {
		children = append(children, c)
	}
	n.mu.RUnlock()
	return models.SortIDs(children), nil
}

// Weight returns the cached subtree weight of id, zero if unknown.
func (g *Graph) Weight(id models.VertexID) uint64 {
	if n, ok := g.lookup(id); ok {
		return n.weight.Load()
	}
	return 0
}

// Height returns the height of id.
func (g *Graph) Height(id models.VertexID) (uint64, bool) {
	if n, ok := g.lookup(id); ok {
		return n.height, true
	}
	return 0, false
}

// Tips returns the vertices without children, as of the last completed mutation.
func (g *Graph) Tips() []models.VertexID {
	view := *g.tipsView.Load()
	out := make([]models.VertexID, len(view))
	copy(out, view)
	return out
}

// TipInfos returns the tips together with their selection attributes.
func (g *Graph) TipInfos() []TipInfo {
	tips := g.Tips()
	infos := make([]TipInfo, 0, len(tips))
	for _, id := range tips {
		n, ok := g.lookup(id)
		if !ok {
			continue
		}
		infos = append(infos, TipInfo{
			ID:        id,
			Weight:    n.weight.Load(),
			Height:    n.height,
			Timestamp: n.vertex.Timestamp,
		})
	}
	return infos
}

// Len returns the number of vertices in the graph.
func (g *Graph) Len() int {
	return int(g.size.Load())
}

// Vertices returns all vertices ordered by height then id.
func (g *Graph) Vertices() []*models.Vertex {
	var nodes []*node
	for _, s := range g.shards {
		s.mu.RLock()
		for _, n := range s.nodes {
			nodes = append(nodes, n)
		}
		s.mu.RUnlock()
	}
	sortNodes(nodes)
	out := make([]*models.Vertex, len(nodes))
	for i, n := range nodes {
		out[i] = n.vertex
	}
	return out
}

func sortNodes(nodes []*node) {
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].height != nodes[j].height {
			return nodes[i].height < nodes[j].height
		}
		return nodes[i].vertex.ID.Less(nodes[j].vertex.ID)
	})
}

// Prune removes vertices sufficiently below the finalized frontier.
//
// The frontier is the greatest height of a Final vertex. A vertex at or below
// frontier-depth is removed only when it is decided, all its children are decided
// and none of its parents remain, so pruning proceeds from the oldest layer upward
// and no pending vertex ever loses a parent.
func (g *Graph) Prune(depth uint64, status func(models.VertexID) models.Status) []models.VertexID {
	g.frontierMu.Lock()
	defer g.frontierMu.Unlock()

	var all []*node
	var frontier uint64
	haveFinal := false
	for _, s := range g.shards {
		s.mu.RLock()
		for id, n := range s.nodes {
			all = append(all, n)
			if status(id) == models.Final && (!haveFinal || n.height > frontier) {
				frontier = n.height
				haveFinal = true
			}
		}
		s.mu.RUnlock()
	}
	if !haveFinal || frontier < depth {
		return nil
	}
	limit := frontier - depth
	sortNodes(all)

	var pruned []models.VertexID
	for _, n := range all {
		if n.height > limit {
			break
		}
		if !g.prunable(n, status) {
			continue
		}
		id := n.vertex.ID
		s := g.shardFor(id)
		s.mu.Lock()
		delete(s.nodes, id)
		s.mu.Unlock()
		g.size.Add(-1)
		delete(g.tips, id)
		pruned = append(pruned, id)
	}
	if len(pruned) > 0 {
		g.publishTips()
		g.log.Debug("Pruned vertices", zap.Int("count", len(pruned)), zap.Uint64("limit_height", limit))
	}
	return pruned
}

func (g *Graph) prunable(n *node, status func(models.VertexID) models.Status) bool {
	if !status(n.vertex.ID).Decided() {
		return false
	}
	for _, p := range n.vertex.Parents {
		if g.Contains(p) {
			return false
		}
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	for c := range n.children {
		if g.Contains(c) && !status(c).Decided() {
			return false
		}
	}
	return true
}
