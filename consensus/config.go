package consensus

import (
	"time"

	"github.com/pkg/errors"

	"dag-consensus/dag"
	"dag-consensus/tipselect"
	"dag-consensus/voting"
)

// Config parameterizes an Engine.
type Config struct {
	Voting voting.Params
	Graph  dag.Config
	Tips   tipselect.Config

	// RoundInterval is the pause between scheduler passes. Zero disables the
	// background scheduler; rounds then only run through Step.
	RoundInterval       time.Duration
	MaxConcurrentRounds int
	// Repoll issues empty vertices on accepted tips so burial progresses
	// without application traffic.
	Repoll bool

	PruneDepth          uint64
	PruneInterval       time.Duration
	OrphanCheckInterval time.Duration

	MaxPayloadSize    int
	MaxVertexParents  int
	RequireSignatures bool
	BroadcastTimeout  time.Duration

	// Seed feeds peer sampling and tip selection.
	Seed int64
}

// DefaultConfig returns the configuration used when none is supplied.
func DefaultConfig() Config {
	return Config{
		Voting:              voting.DefaultParams(),
		Graph:               dag.DefaultConfig(),
		Tips:                tipselect.DefaultConfig(),
		RoundInterval:       50 * time.Millisecond,
		MaxConcurrentRounds: 64,
		Repoll:              true,
		PruneDepth:          0,
		PruneInterval:       time.Minute,
		OrphanCheckInterval: time.Second,
		MaxPayloadSize:      1 << 20,
		MaxVertexParents:    16,
		BroadcastTimeout:    2 * time.Second,
		Seed:                time.Now().UnixNano(),
	}
}

// Validate checks the configuration ranges.
func (c Config) Validate() error {
	if err := c.Voting.Validate(); err != nil {
		return errors.Wrap(err, "voting")
	}
	switch {
	case c.Tips.MinParents < 1:
		return errors.Errorf("min parents must be at least 1, got %d", c.Tips.MinParents)
	case c.Tips.MaxParents < c.Tips.MinParents:
		return errors.Errorf("max parents %d below min parents %d", c.Tips.MaxParents, c.Tips.MinParents)
	case c.MaxConcurrentRounds < 1:
		return errors.Errorf("max concurrent rounds must be at least 1, got %d", c.MaxConcurrentRounds)
	case c.MaxPayloadSize < 0:
		return errors.Errorf("max payload size must not be negative, got %d", c.MaxPayloadSize)
	case c.MaxVertexParents < c.Tips.MaxParents:
		return errors.Errorf("max vertex parents %d below max selected parents %d", c.MaxVertexParents, c.Tips.MaxParents)
	case c.RoundInterval < 0:
		return errors.New("round interval must not be negative")
	}
	return nil
}
