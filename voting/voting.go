// Package voting runs the repeated sampling rounds that build confidence in a
// preference until it is accepted.
//
// An instance is keyed either by a vertex id (conflict-free vertices) or by a conflict
// key, in which case its preference is one of the set's members. Each round samples k
// peers; with n answers, at least alpha*n votes for the preference make the round
// successful. Otherwise the plurality among the live choices becomes the new
// preference. An instance decides once beta rounds in a row succeeded.
package voting

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"dag-consensus/models"
	"dag-consensus/network"
)

const numShards = 32

// ErrRoundInFlight is returned when an instance is polled while its previous round has
// not completed.
var ErrRoundInFlight = errors.New("round already in flight")

// Params are the protocol parameters.
type Params struct {
	K      int
	Alpha  float64
	Beta   int
	Quorum int

	RoundTimeout        time.Duration
	MaxRoundRetries     int
	FinalityTimeout     time.Duration
	StalledPollInterval time.Duration
}

// DefaultParams returns k=10, alpha=0.8, beta=3.
func DefaultParams() Params {
	p := Params{
		K:                   10,
		Alpha:               0.8,
		Beta:                3,
		RoundTimeout:        500 * time.Millisecond,
		MaxRoundRetries:     10,
		FinalityTimeout:     5 * time.Second,
		StalledPollInterval: time.Second,
	}
	p.Quorum = DefaultQuorum(p.K, p.Alpha)
	return p
}

// DefaultQuorum is ceil(alpha*k) clamped to [1, k].
func DefaultQuorum(k int, alpha float64) int {
	q := int(math.Ceil(alpha*float64(k) - 1e-9))
	if q < 1 {
		q = 1
	}
	if q > k {
		q = k
	}
	return q
}

// Validate checks the parameter ranges.
func (p Params) Validate() error {
	switch {
	case p.K < 1:
		return errors.Errorf("k must be at least 1, got %d", p.K)
	case p.Alpha <= 0.5 || p.Alpha > 1:
		return errors.Errorf("alpha must be in (0.5, 1], got %v", p.Alpha)
	case p.Beta < 1:
		return errors.Errorf("beta must be at least 1, got %d", p.Beta)
	case p.Quorum < 1 || p.Quorum > p.K:
		return errors.Errorf("quorum must be in [1, k=%d], got %d", p.K, p.Quorum)
	case p.RoundTimeout <= 0:
		return errors.New("round timeout must be positive")
	}
	return nil
}

// threshold is the smallest vote count reaching alpha of n answers.
func (p Params) threshold(n int) int {
	return int(math.Ceil(p.Alpha*float64(n) - 1e-9))
}

// Choice is a live option of an instance together with its subtree weight, which
// breaks plurality ties.
type Choice struct {
	ID     models.VertexID
	Weight uint64
}

// Result describes one completed round.
type Result struct {
	Key        string
	Previous   models.VertexID
	Preference models.VertexID
	Responses  int
	Agree      int
	Successful bool
	Flipped    bool
	// Decided is set on the round that reached beta.
	Decided    bool
	Confidence models.Confidence
	Votes      map[network.PeerID]models.VertexID
}

type instance struct {
	mu           sync.Mutex
	preference   models.VertexID
	consecutive  uint32
	successes    uint32
	lastRound    time.Time
	lastProgress time.Time
	decided      bool
	failures     int
	stalled      bool
	inFlight     bool
}

type shard struct {
	mu        sync.RWMutex
	instances map[string]*instance
}

// Engine holds all voting instances.
type Engine struct {
	params Params
	net    network.Network
	log    *zap.Logger

	shards [numShards]*shard

	rndMu sync.Mutex
	rnd   *rand.Rand

	now func() time.Time
}

// NewEngine creates a voting engine sampling peers from net.
func NewEngine(params Params, net network.Network, log *zap.Logger, seed int64) (*Engine, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	e := &Engine{
		params: params,
		net:    net,
		log:    log,
		rnd:    rand.New(rand.NewSource(seed)),
		now:    time.Now,
	}
	for i := range e.shards {
		e.shards[i] = &shard{instances: make(map[string]*instance)}
	}
	return e, nil
}

// Params returns the engine parameters.
func (e *Engine) Params() Params {
	return e.params
}

// KeyFor returns the instance key of a vertex.
func KeyFor(id models.VertexID, conflictKey string) string {
	if conflictKey != "" {
		return "c/" + conflictKey
	}
	return "v/" + id.String()
}

func (e *Engine) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return e.shards[h.Sum32()%numShards]
}

func (e *Engine) get(key string) (*instance, bool) {
	sh := e.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	inst, ok := sh.instances[key]
	return inst, ok
}

// Add opens an instance with an initial preference. It is a no-op when the instance
// exists already.
func (e *Engine) Add(key string, preference models.VertexID) bool {
	sh := e.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.instances[key]; ok {
		return false
	}
	sh.instances[key] = &instance{preference: preference, lastProgress: e.now()}
	return true
}

// Restore opens an instance with a previously persisted confidence.
func (e *Engine) Restore(key string, c models.Confidence) {
	sh := e.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.instances[key] = &instance{
		preference:   c.Preference,
		consecutive:  c.Consecutive,
		successes:    c.Successes,
		lastRound:    c.LastRound,
		lastProgress: e.now(),
	}
}

// Remove drops an instance.
func (e *Engine) Remove(key string) {
	sh := e.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.instances, key)
}

// Reopen restarts voting on an instance with a new preference, used when a decided
// preference lost through its ancestry.
func (e *Engine) Reopen(key string, preference models.VertexID) {
	inst, ok := e.get(key)
	if !ok {
		e.Add(key, preference)
		return
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	inst.preference = preference
	inst.consecutive = 0
	inst.successes = 0
	inst.decided = false
	inst.failures = 0
	inst.stalled = false
	inst.lastProgress = e.now()
}

// SetPreference overrides the preference without touching the counters.
func (e *Engine) SetPreference(key string, preference models.VertexID) {
	if inst, ok := e.get(key); ok {
		inst.mu.Lock()
		inst.preference = preference
		inst.mu.Unlock()
	}
}

// Confidence returns the confidence of an instance.
func (e *Engine) Confidence(key string) (models.Confidence, bool) {
	inst, ok := e.get(key)
	if !ok {
		return models.Confidence{}, false
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.confidence(), true
}

// Preference returns the current preference of an instance.
func (e *Engine) Preference(key string) (models.VertexID, bool) {
	inst, ok := e.get(key)
	if !ok {
		return models.EmptyID, false
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.preference, true
}

// Decided reports whether an instance reached beta.
func (e *Engine) Decided(key string) bool {
	inst, ok := e.get(key)
	if !ok {
		return false
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.decided
}

// Due reports whether an undecided instance should be polled now. Stalled instances,
// those out of retries or without success for FinalityTimeout, are polled only every
// StalledPollInterval.
func (e *Engine) Due(key string) bool {
	inst, ok := e.get(key)
	if !ok {
		return false
	}
	now := e.now()
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.decided || inst.inFlight {
		return false
	}
	if !inst.isStalled(now, e.params) {
		return true
	}
	return now.Sub(inst.lastRound) >= e.params.StalledPollInterval
}

// Stalled reports whether an instance is currently considered stalled.
func (e *Engine) Stalled(key string) bool {
	inst, ok := e.get(key)
	if !ok {
		return false
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return !inst.decided && inst.isStalled(e.now(), e.params)
}

// Sample draws up to k distinct peers uniformly.
func (e *Engine) Sample() []network.PeerID {
	peers := e.net.Peers()
	e.rndMu.Lock()
	e.rnd.Shuffle(len(peers), func(i, j int) { peers[i], peers[j] = peers[j], peers[i] })
	e.rndMu.Unlock()
	if len(peers) > e.params.K {
		peers = peers[:e.params.K]
	}
	return peers
}

// Poll runs one round for key: it samples k peers, waits for a quorum of answers and
// records them. choices returns the live options with their weights; it is read after
// the answers arrived.
func (e *Engine) Poll(ctx context.Context, key string, q network.Query, choices func() []Choice) (Result, error) {
	inst, ok := e.get(key)
	if !ok {
		return Result{}, errors.Errorf("unknown voting instance %q", key)
	}
	inst.mu.Lock()
	if inst.decided {
		inst.mu.Unlock()
		return Result{Key: key, Preference: inst.preference, Confidence: inst.confidence()}, nil
	}
	if inst.inFlight {
		inst.mu.Unlock()
		return Result{}, ErrRoundInFlight
	}
	inst.inFlight = true
	q.VertexID = inst.preference
	inst.mu.Unlock()

	votes := network.QueryPeers(ctx, e.net, e.Sample(), q, e.params.Quorum, e.params.RoundTimeout)
	live := choices()

	inst.mu.Lock()
	defer inst.mu.Unlock()
	inst.inFlight = false
	if err := ctx.Err(); err != nil {
		return Result{Key: key, Preference: inst.preference, Confidence: inst.confidence()}, err
	}
	return e.record(key, inst, votes, live)
}

// Record applies a set of answers to key without querying the network.
func (e *Engine) Record(key string, votes map[network.PeerID]models.VertexID, choices []Choice) (Result, error) {
	inst, ok := e.get(key)
	if !ok {
		return Result{}, errors.Errorf("unknown voting instance %q", key)
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.decided {
		return Result{Key: key, Preference: inst.preference, Confidence: inst.confidence()}, nil
	}
	return e.record(key, inst, votes, choices)
}

// record must be called with inst.mu held.
func (e *Engine) record(key string, inst *instance, votes map[network.PeerID]models.VertexID, choices []Choice) (Result, error) {
	now := e.now()
	res := Result{
		Key:       key,
		Previous:  inst.preference,
		Responses: len(votes),
		Votes:     votes,
	}

	if len(votes) < e.params.Quorum {
		inst.failures++
		inst.lastRound = now
		if !inst.stalled && e.params.MaxRoundRetries > 0 && inst.failures >= e.params.MaxRoundRetries {
			inst.stalled = true
			e.log.Info("Voting stalled",
				zap.String("instance", key),
				zap.Int("failures", inst.failures))
		}
		res.Preference = inst.preference
		res.Confidence = inst.confidence()
		return res, errors.Wrapf(models.ErrQuorumNotReached, "%s: %d of %d answers", key, len(votes), e.params.Quorum)
	}
	inst.failures = 0

	tally := make(map[models.VertexID]int, len(choices))
	for _, v := range votes {
		tally[v]++
	}
	res.Agree = tally[inst.preference]

	switch {
	case res.Agree >= e.params.threshold(len(votes)):
		inst.consecutive++
		inst.successes++
		inst.stalled = false
		inst.lastProgress = now
		res.Successful = true
	default:
		if top, ok := plurality(tally, choices); ok && top != inst.preference {
			inst.preference = top
			inst.consecutive = 1
			inst.successes = 1
			res.Flipped = true
			e.log.Debug("Preference flipped",
				zap.String("instance", key),
				zap.Stringer("from", res.Previous),
				zap.Stringer("to", top),
				zap.Int("votes", tally[top]),
				zap.Int("responses", len(votes)))
		} else {
			inst.consecutive = 0
		}
	}
	inst.lastRound = now

	if int(inst.consecutive) >= e.params.Beta {
		inst.decided = true
		res.Decided = true
	}
	res.Preference = inst.preference
	res.Confidence = inst.confidence()
	return res, nil
}

// plurality returns the live choice with most votes. Ties go to the higher weight,
// then to the lower id. Choices without any vote never win.
func plurality(tally map[models.VertexID]int, choices []Choice) (models.VertexID, bool) {
	sorted := make([]Choice, len(choices))
	copy(sorted, choices)
	sort.Slice(sorted, func(i, j int) bool {
		ci, cj := tally[sorted[i].ID], tally[sorted[j].ID]
		if ci != cj {
			return ci > cj
		}
		if sorted[i].Weight != sorted[j].Weight {
			return sorted[i].Weight > sorted[j].Weight
		}
		return sorted[i].ID.Less(sorted[j].ID)
	})
	if len(sorted) == 0 || tally[sorted[0].ID] == 0 {
		return models.EmptyID, false
	}
	return sorted[0].ID, true
}

func (inst *instance) confidence() models.Confidence {
	return models.Confidence{
		Preference:  inst.preference,
		Consecutive: inst.consecutive,
		Successes:   inst.successes,
		LastRound:   inst.lastRound,
	}
}

func (inst *instance) isStalled(now time.Time, p Params) bool {
	if inst.stalled {
		return true
	}
	return p.FinalityTimeout > 0 && now.Sub(inst.lastProgress) >= p.FinalityTimeout
}

// Len returns the number of instances.
func (e *Engine) Len() int {
	n := 0
	for _, sh := range e.shards {
		sh.mu.RLock()
		n += len(sh.instances)
		sh.mu.RUnlock()
	}
	return n
}
