// Package conflict groups mutually exclusive vertices by an application supplied key
// and enforces that at most one member of a group is ever finalized.
package conflict

import (
	"hash/fnv"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"dag-consensus/models"
)

const numShards = 16

// Set is a group of mutually exclusive vertices.
type Set struct {
	mu        sync.RWMutex
	key       string
	members   []models.VertexID // registration order
	memberSet map[models.VertexID]struct{}
	rejected  map[models.VertexID]struct{}
	preferred models.VertexID
	winner    models.VertexID
	finalized bool
}

func (s *Set) isLive(id models.VertexID) bool {
	_, member := s.memberSet[id]
	_, rejected := s.rejected[id]
	return member && !rejected
}

func (s *Set) firstLive() (models.VertexID, bool) {
	for _, id := range s.members {
		if s.isLive(id) {
			return id, true
		}
	}
	return models.EmptyID, false
}

type shard struct {
	mu   sync.RWMutex
	sets map[string]*Set
}

// Tracker holds every conflict set. Each set has its own lock; the shard locks only
// guard set creation and lookup.
type Tracker struct {
	log      *zap.Logger
	shards   [numShards]*shard
	byVertex sync.Map // models.VertexID -> string
}

// NewTracker creates an empty tracker.
func NewTracker(log *zap.Logger) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	t := &Tracker{log: log}
	for i := range t.shards {
		t.shards[i] = &shard{sets: make(map[string]*Set)}
	}
	return t
}

func (t *Tracker) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return t.shards[h.Sum32()%numShards]
}

func (t *Tracker) get(key string) (*Set, bool) {
	sh := t.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	s, ok := sh.sets[key]
	return s, ok
}

func (t *Tracker) getOrCreate(key string) *Set {
	sh := t.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	s, ok := sh.sets[key]
	if !ok {
		s = &Set{
			key:       key,
			memberSet: make(map[models.VertexID]struct{}),
			rejected:  make(map[models.VertexID]struct{}),
		}
		sh.sets[key] = s
	}
	return s
}

// Register adds id to the set named key. The first registered member becomes the
// preferred one. It returns false when the set was already finalized for
// another member, in which case the new member is lost from the start.
// An empty key means the vertex is conflict-free and is ignored.
func (t *Tracker) Register(key string, id models.VertexID) bool {
	if key == "" {
		return true
	}
	s := t.getOrCreate(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.memberSet[id]; ok {
		return !s.finalized || s.winner == id
	}
	s.members = append(s.members, id)
	s.memberSet[id] = struct{}{}
	t.byVertex.Store(id, key)

	if s.finalized {
		s.rejected[id] = struct{}{}
		return false
	}
	if s.preferred.IsEmpty() {
		s.preferred = id
	}
	if len(s.members) > 1 {
		t.log.Debug("Conflict registered",
			zap.String("conflict_key", key),
			zap.Stringer("vertex", id),
			zap.Int("members", len(s.members)))
	}
	return true
}

// KeyOf returns the conflict key id was registered under.
func (t *Tracker) KeyOf(id models.VertexID) (string, bool) {
	key, ok := t.byVertex.Load(id)
	if !ok {
		return "", false
	}
	return key.(string), true
}

// Members returns the ids registered under key, sorted.
func (t *Tracker) Members(key string) []models.VertexID {
	s, ok := t.get(key)
	if !ok {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.VertexID, len(s.members))
	copy(out, s.members)
	return models.SortIDs(out)
}

// LiveMembers returns the members not rejected yet, sorted.
func (t *Tracker) LiveMembers(key string) []models.VertexID {
	s, ok := t.get(key)
	if !ok {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.VertexID
	for _, id := range s.members {
		if s.isLive(id) {
			out = append(out, id)
		}
	}
	return models.SortIDs(out)
}

// Preferred returns the local opinion for key: the winner once finalized, the current
// preference otherwise.
func (t *Tracker) Preferred(key string) (models.VertexID, bool) {
	s, ok := t.get(key)
	if !ok {
		return models.EmptyID, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.finalized {
		return s.winner, true
	}
	return s.preferred, !s.preferred.IsEmpty()
}

// SetPreferred records a preference flip.
func (t *Tracker) SetPreferred(key string, id models.VertexID) error {
	s, ok := t.get(key)
	if !ok {
		return errors.Errorf("unknown conflict set %q", key)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized {
		return errors.Errorf("conflict set %q already finalized", key)
	}
	if !s.isLive(id) {
		return errors.Errorf("vertex %s is not a live member of conflict set %q", id.Short(), key)
	}
	s.preferred = id
	return nil
}

// Winner returns the finalized member of key.
func (t *Tracker) Winner(key string) (models.VertexID, bool) {
	s, ok := t.get(key)
	if !ok {
		return models.EmptyID, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.winner, s.finalized
}

// MarkRejected records that a member was rejected for reasons outside the set (its
// ancestry was rejected). If it was preferred, the preference moves to the first live
// member. It returns the new preference, empty when no live member remains.
func (t *Tracker) MarkRejected(key string, id models.VertexID, apply func()) models.VertexID {
	s, ok := t.get(key)
	if !ok {
		if apply != nil {
			apply()
		}
		return models.EmptyID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, member := s.memberSet[id]; member {
		s.rejected[id] = struct{}{}
	}
	if apply != nil {
		apply()
	}
	if s.finalized {
		return s.winner
	}
	if s.preferred == id {
		s.preferred, _ = s.firstLive()
	}
	return s.preferred
}

// Finalize marks winner as the single finalized member of key. apply runs while
// the set lock is held and receives the members that lose; readers going
// through View never observe the set half updated.
//
// Finalizing a second, different member is a safety violation and returns
// ErrConflictResolution without calling apply.
func (t *Tracker) Finalize(key string, winner models.VertexID, apply func(winner models.VertexID, losers []models.VertexID)) error {
	s, ok := t.get(key)
	if !ok {
		return errors.Errorf("unknown conflict set %q", key)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finalized {
		if s.winner == winner {
			return nil
		}
		t.log.Error("Second member of a conflict set reached finality",
			zap.String("conflict_key", key),
			zap.Stringer("winner", s.winner),
			zap.Stringer("challenger", winner),
			zap.Int("members", len(s.members)))
		return models.NewVertexError(models.ErrConflictResolution, winner,
			"conflict set %q already finalized %s", key, s.winner.Short())
	}
	if !s.isLive(winner) {
		return models.NewVertexError(models.ErrConflictResolution, winner,
			"not a live member of conflict set %q", key)
	}

	var losers []models.VertexID
	for _, id := range s.members {
		if id == winner {
			continue
		}
		if _, already := s.rejected[id]; !already {
			losers = append(losers, id)
		}
		s.rejected[id] = struct{}{}
	}
	s.finalized = true
	s.winner = winner
	s.preferred = winner
	if apply != nil {
		apply(winner, models.SortIDs(losers))
	}
	t.log.Debug("Conflict set finalized",
		zap.String("conflict_key", key),
		zap.Stringer("winner", winner),
		zap.Int("rejected", len(losers)))
	return nil
}

// View runs fn while holding the read lock of key's set, so that fn observes the
// member statuses either entirely before or entirely after a Finalize.
func (t *Tracker) View(key string, fn func()) {
	s, ok := t.get(key)
	if !ok {
		fn()
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn()
}

// Forget drops pruned vertices. A set loses its entry once all members are gone.
func (t *Tracker) Forget(ids []models.VertexID) {
	for _, id := range ids {
		key, ok := t.KeyOf(id)
		if !ok {
			continue
		}
		t.byVertex.Delete(id)
		s, ok := t.get(key)
		if !ok {
			continue
		}
		s.mu.Lock()
		delete(s.memberSet, id)
		for i, m := range s.members {
			if m == id {
				s.members = append(s.members[:i], s.members[i+1:]...)
				break
			}
		}
		empty := len(s.members) == 0
		s.mu.Unlock()

		if empty {
			sh := t.shardFor(key)
			sh.mu.Lock()
			if cur, ok := sh.sets[key]; ok && cur == s {
				delete(sh.sets, key)
			}
			sh.mu.Unlock()
		}
	}
}

// Len returns the number of tracked conflict sets.
func (t *Tracker) Len() int {
	n := 0
	for _, sh := range t.shards {
		sh.mu.RLock()
		n += len(sh.sets)
		sh.mu.RUnlock()
	}
	return n
}
