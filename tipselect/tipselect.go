// Package tipselect chooses parents for locally created vertices.
package tipselect

import (
	"math"
	"math/rand"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"dag-consensus/models"
)

// Policy selects how parents are drawn from the tip set.
type Policy uint8

const (
	// Random draws tips uniformly.
	Random Policy = iota
	// WeightedByConfidence draws tips with probability growing with their confidence.
	WeightedByConfidence
	// MostRecentTips takes the newest tips.
	MostRecentTips
	// HybridWeighted always takes the strongest tip and fills up by weighted draw.
	HybridWeighted
)

var policyNames = map[Policy]string{
	Random:               "random",
	WeightedByConfidence: "weighted",
	MostRecentTips:       "recent",
	HybridWeighted:       "hybrid",
}

func (p Policy) String() string {
	if name, ok := policyNames[p]; ok {
		return name
	}
	return "unknown"
}

// ParsePolicy parses a policy name as used in configuration files.
func ParsePolicy(s string) (Policy, error) {
	for p, name := range policyNames {
		if strings.EqualFold(name, s) {
			return p, nil
		}
	}
	return 0, errors.Errorf("unknown tip selection policy %q", s)
}

// Config parameterizes selection.
type Config struct {
	Policy     Policy
	MinParents int
	MaxParents int
	// Alpha scales the exponential bias toward stronger tips.
	Alpha float64
}

// DefaultConfig returns the configuration used when none is supplied.
func DefaultConfig() Config {
	return Config{
		Policy:     HybridWeighted,
		MinParents: 1,
		MaxParents: 2,
		Alpha:      0.5,
	}
}

// Candidate is a tip together with what the policies weigh.
type Candidate struct {
	ID         models.VertexID
	Weight     uint64
	Height     uint64
	Timestamp  int64
	Confidence uint32
	Accepted   bool
}

// score is the strength used by the weighted policies. Accepted tips count as if
// they had collected their whole streak again.
func (c Candidate) score() float64 {
	s := float64(c.Confidence) + math.Log1p(float64(c.Weight))
	if c.Accepted {
		s *= 2
	}
	return s
}

// Select returns up to MaxParents distinct tip ids, sorted. When the frontier is too
// small to choose from (fewer tips than MinParents, as near genesis) every tip is
// returned.
func Select(candidates []Candidate, cfg Config, rnd *rand.Rand) []models.VertexID {
	if cfg.MaxParents < 1 {
		cfg.MaxParents = 1
	}
	if len(candidates) <= cfg.MinParents || len(candidates) <= cfg.MaxParents {
		return ids(candidates)
	}

	var chosen []Candidate
	switch cfg.Policy {
	case Random:
		chosen = selectRandom(candidates, cfg.MaxParents, rnd)
	case WeightedByConfidence:
		chosen = selectWeighted(candidates, cfg.MaxParents, cfg.Alpha, rnd)
	case MostRecentTips:
		chosen = selectRecent(candidates, cfg.MaxParents)
	case HybridWeighted:
		chosen = selectHybrid(candidates, cfg.MaxParents, cfg.Alpha, rnd)
	default:
		chosen = selectRandom(candidates, cfg.MaxParents, rnd)
	}
	return ids(chosen)
}

func ids(candidates []Candidate) []models.VertexID {
	out := make([]models.VertexID, len(candidates))
	for i, c := range candidates {
		out[i] = c.ID
	}
	return models.SortIDs(out)
}

func clone(candidates []Candidate) []Candidate {
	out := make([]Candidate, len(candidates))
	copy(out, candidates)
	// callers may hand candidates in map order
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Less(out[j].ID) })
	return out
}

func selectRandom(candidates []Candidate, n int, rnd *rand.Rand) []Candidate {
	pool := clone(candidates)
	rnd.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	if n > len(pool) {
		n = len(pool)
	}
	return pool[:n]
}

// selectWeighted draws n tips without replacement, each with probability
// proportional to exp(alpha*score).
func selectWeighted(candidates []Candidate, n int, alpha float64, rnd *rand.Rand) []Candidate {
	pool := clone(candidates)
	var chosen []Candidate
	for len(chosen) < n && len(pool) > 0 {
		weights := make([]float64, len(pool))
		var total float64
		for i, c := range pool {
			w := math.Exp(alpha * c.score())
			if math.IsInf(w, 0) || math.IsNaN(w) {
				w = math.MaxFloat64 / float64(len(pool))
			}
			weights[i] = w
			total += w
		}

		idx := 0
		if total <= 0 || math.IsInf(total, 0) {
			// fallback uniform
			idx = rnd.Intn(len(pool))
		} else {
			p := rnd.Float64() * total
			acc := 0.0
			for i, w := range weights {
				acc += w
				if p <= acc {
					idx = i
					break
				}
			}
		}
		chosen = append(chosen, pool[idx])
		pool = append(pool[:idx], pool[idx+1:]...)
	}
	return chosen
}

func selectRecent(candidates []Candidate, n int) []Candidate {
	pool := clone(candidates)
	sort.SliceStable(pool, func(i, j int) bool {
		if pool[i].Timestamp != pool[j].Timestamp {
			return pool[i].Timestamp > pool[j].Timestamp
		}
		return pool[i].Height > pool[j].Height
	})
	return pool[:n]
}

func selectHybrid(candidates []Candidate, n int, alpha float64, rnd *rand.Rand) []Candidate {
	pool := clone(candidates)
	best := 0
	for i, c := range pool {
		if c.score() > pool[best].score() {
			best = i
		}
	}
	chosen := []Candidate{pool[best]}
	pool = append(pool[:best], pool[best+1:]...)
	return append(chosen, selectWeighted(pool, n-1, alpha, rnd)...)
}
