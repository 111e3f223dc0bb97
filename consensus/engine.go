// Package consensus ties the graph, the conflict tracker and the voting engine together.
//
// An Engine accepts vertices from the application and from peers, schedules query
// rounds for every undecided vertex and drives each one from Pending to Accepted once
// its polling streak reaches beta and its parents are accepted, then to Final once beta
// further accepted vertices bury it and all its parents are Final. Accepted vertices
// are never rejected. Finalizing a conflict set member rejects its siblings, and
// rejection spreads to every pending descendant.
package consensus

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"dag-consensus/conflict"
	"dag-consensus/crypto"
	"dag-consensus/dag"
	"dag-consensus/metrics"
	"dag-consensus/models"
	"dag-consensus/network"
	"dag-consensus/repository"
	"dag-consensus/voting"
)

// State is the lifecycle state of an Engine.
type State int32

const (
	Idle State = iota
	Running
	Draining
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Deps are the collaborators of an Engine. Only Network is mandatory.
type Deps struct {
	Network network.Network
	Crypto  crypto.Crypto
	// Signer signs locally created vertices. Unsigned vertices are created when nil.
	Signer *crypto.Signer
	// Repo persists vertices, conflict sets and tips. Nothing is stored when nil.
	Repo    repository.VertexRepositoryInterface
	Metrics *metrics.Metrics
	Log     *zap.Logger
}

// target is a voting instance the scheduler polls.
type target struct {
	key         string
	vertex      models.VertexID // conflict-free instances only
	conflictKey string
}

type counters struct {
	pending  atomic.Int64
	accepted atomic.Int64
	// burying counts accepted vertices carrying a payload; repolls stop at zero.
	burying        atomic.Int64
	finalized      atomic.Uint64
	rejected       atomic.Uint64
	rounds         atomic.Uint64
	quorumFailures atomic.Uint64
	repolls        atomic.Uint64
	byzantine      atomic.Uint64
	latency        atomic.Int64 // summed finality latency in ns
	finalHeight    atomic.Uint64
}

// Engine is the consensus orchestrator.
type Engine struct {
	cfg     Config
	log     *zap.Logger
	net     network.Network
	crypto  crypto.Crypto
	signer  *crypto.Signer
	repo    repository.VertexRepositoryInterface
	metrics *metrics.Metrics
	store   *store

	graph   *dag.Graph
	tracker *conflict.Tracker
	voter   *voting.Engine

	entries sync.Map // models.VertexID -> *entry
	active  sync.Map // voting key -> target

	state     atomic.Int32
	startedAt atomic.Int64
	counts    counters

	rndMu sync.Mutex
	rnd   *rand.Rand

	// restoring holds the stored records while Start replays them.
	restoring map[models.VertexID]*models.VertexRecord

	waitMu  sync.Mutex
	waiters map[models.VertexID][]chan struct{}

	roundSem     *semaphore.Weighted
	roundCtx     context.Context
	cancelRounds context.CancelFunc
	cancelLoops  context.CancelFunc
	loops        sync.WaitGroup

	bgMu     sync.RWMutex
	bgClosed bool
	bg       sync.WaitGroup

	writerCancel context.CancelFunc
	writerDone   chan struct{}
}

// New creates an Idle engine.
func New(cfg Config, deps Deps) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid consensus config")
	}
	if deps.Network == nil {
		return nil, errors.New("consensus engine needs a network")
	}
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	if deps.Crypto == nil {
		deps.Crypto = crypto.Default{}
	}
	m := deps.Metrics
	if m == nil {
		var err error
		if m, err = metrics.New("dag", nil); err != nil {
			return nil, err
		}
	}

	e := &Engine{
		cfg:      cfg,
		log:      log.Named("consensus"),
		net:      deps.Network,
		crypto:   deps.Crypto,
		signer:   deps.Signer,
		repo:     deps.Repo,
		metrics:  m,
		tracker:  conflict.NewTracker(log.Named("conflict")),
		rnd:      rand.New(rand.NewSource(cfg.Seed + 1)),
		waiters:  make(map[models.VertexID][]chan struct{}),
		roundSem: semaphore.NewWeighted(int64(cfg.MaxConcurrentRounds)),
	}
	if deps.Repo != nil {
		e.store = newStore()
	}
	e.roundCtx, e.cancelRounds = context.WithCancel(context.Background())

	var err error
	e.voter, err = voting.NewEngine(cfg.Voting, deps.Network, log.Named("voting"), cfg.Seed)
	if err != nil {
		return nil, err
	}
	e.graph, err = dag.New(cfg.Graph, log.Named("graph"), dag.Hooks{
		OnInsert: e.track,
		OnDrop:   e.dropped,
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// State returns the lifecycle state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// Start restores stored vertices and begins scheduling rounds.
func (e *Engine) Start(ctx context.Context) error {
	if e.State() != Idle {
		return errors.Errorf("cannot start engine in state %s", e.State())
	}
	if err := e.restore(ctx); err != nil {
		return errors.Wrap(err, "restore vertices")
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	e.cancelLoops = cancel
	if e.store != nil {
		writerCtx, writerCancel := context.WithCancel(context.Background())
		e.writerCancel = writerCancel
		e.writerDone = make(chan struct{})
		go e.persistLoop(writerCtx)
	}

	e.startedAt.Store(time.Now().UnixNano())
	e.state.Store(int32(Running))

	if e.cfg.RoundInterval > 0 {
		e.loops.Add(1)
		go e.schedule(loopCtx)
	}
	e.loops.Add(1)
	go e.maintain(loopCtx)

	e.log.Info("Consensus engine started",
		zap.Int("k", e.cfg.Voting.K),
		zap.Float64("alpha", e.cfg.Voting.Alpha),
		zap.Int("beta", e.cfg.Voting.Beta),
		zap.Int("quorum", e.cfg.Voting.Quorum),
		zap.Stringer("tip_policy", e.cfg.Tips.Policy),
		zap.Int("vertices", e.graph.Len()))
	return nil
}

// Stop refuses new vertices, lets in-flight rounds complete and flushes the store.
// If ctx ends first the rounds still running are cancelled.
func (e *Engine) Stop(ctx context.Context) error {
	if e.state.CompareAndSwap(int32(Idle), int32(Stopped)) {
		return nil
	}
	if !e.state.CompareAndSwap(int32(Running), int32(Draining)) {
		return errors.Errorf("cannot stop engine in state %s", e.State())
	}
	e.log.Info("Consensus engine draining")
	e.cancelLoops()

	drained := make(chan struct{})
	go func() {
		e.loops.Wait()
		e.bgMu.Lock()
		e.bgClosed = true
		e.bgMu.Unlock()
		e.bg.Wait()
		close(drained)
	}()

	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = errors.Wrap(ctx.Err(), "drain interrupted")
		e.cancelRounds()
		<-drained
	}
	e.cancelRounds()

	if e.writerCancel != nil {
		e.writerCancel()
		<-e.writerDone
	}
	e.state.Store(int32(Stopped))
	e.log.Info("Consensus engine stopped",
		zap.Uint64("finalized", e.counts.finalized.Load()),
		zap.Uint64("rejected", e.counts.rejected.Load()),
		zap.Int64("pending", e.counts.pending.Load()))
	return err
}

func (e *Engine) schedule(ctx context.Context) {
	defer e.loops.Done()
	ticker := time.NewTicker(e.cfg.RoundInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.step(ctx); err != nil && ctx.Err() == nil {
				e.log.Error("Consensus step failed", zap.Error(err))
			}
		}
	}
}

func (e *Engine) maintain(ctx context.Context) {
	defer e.loops.Done()
	interval := e.cfg.OrphanCheckInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var pruneC <-chan time.Time
	if e.cfg.PruneDepth > 0 && e.cfg.PruneInterval > 0 {
		pruneTicker := time.NewTicker(e.cfg.PruneInterval)
		defer pruneTicker.Stop()
		pruneC = pruneTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := e.graph.EvictExpired(); n > 0 {
				e.log.Info("Evicted vertices with missing parents", zap.Int("count", n))
			}
			e.observe()
		case <-pruneC:
			e.Prune()
		}
	}
}

// Prune removes decided vertices more than PruneDepth levels below the finalized
// frontier and returns their ids.
func (e *Engine) Prune() []models.VertexID {
	if e.cfg.PruneDepth == 0 {
		return nil
	}
	pruned := e.graph.Prune(e.cfg.PruneDepth, e.statusOf)
	if len(pruned) == 0 {
		return nil
	}
	var rejected []models.VertexID
	for _, id := range pruned {
		if ent, ok := e.lookup(id); ok && ent.getStatus() == models.Rejected {
			rejected = append(rejected, id)
		}
		e.entries.Delete(id)
	}
	e.tracker.Forget(pruned)
	e.store.forget(rejected)
	e.store.markTips()
	e.store.markCheckpoint()
	e.log.Info("Pruned decided vertices",
		zap.Int("pruned", len(pruned)),
		zap.Int("rejected", len(rejected)),
		zap.Int("remaining", e.graph.Len()))
	return pruned
}

// GetTips returns the vertices without children.
func (e *Engine) GetTips() []models.VertexID {
	return e.graph.Tips()
}

// GetMetrics returns a snapshot of the engine counters.
func (e *Engine) GetMetrics() models.Metrics {
	m := models.Metrics{
		PendingCount:     int(e.counts.pending.Load()),
		AcceptedCount:    int(e.counts.accepted.Load()),
		FinalizedCount:   e.counts.finalized.Load(),
		RejectedCount:    e.counts.rejected.Load(),
		OrphanCount:      e.graph.OrphanCount(),
		RoundsTotal:      e.counts.rounds.Load(),
		QuorumFailures:   e.counts.quorumFailures.Load(),
		RepollVertices:   e.counts.repolls.Load(),
		ByzantineAnswers: e.counts.byzantine.Load(),
	}
	if started := e.startedAt.Load(); started > 0 {
		if elapsed := time.Since(time.Unix(0, started)).Seconds(); elapsed > 0 {
			m.RoundsPerSec = float64(m.RoundsTotal) / elapsed
		}
	}
	if m.FinalizedCount > 0 {
		m.AvgFinalityLatency = time.Duration(e.counts.latency.Load() / int64(m.FinalizedCount))
	}
	return m
}

func (e *Engine) observe() {
	e.metrics.Observe(e.GetMetrics(), len(e.graph.Tips()))
}
