package models

import (
	"time"

	"github.com/pkg/errors"
)

// Status is the consensus status of a vertex.
type Status uint8

const (
	Pending Status = iota
	Accepted
	Final
	Rejected
)

var statusStrings = map[Status]string{
	Pending:  "pending",
	Accepted: "accepted",
	Final:    "final",
	Rejected: "rejected",
}

func (s Status) String() string {
	if str, ok := statusStrings[s]; ok {
		return str
	}
	return "unknown"
}

// Decided reports whether s is terminal.
func (s Status) Decided() bool {
	return s == Final || s == Rejected
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	for status, str := range statusStrings {
		if str == string(text) {
			*s = status
			return nil
		}
	}
	return errors.Errorf("unknown status %q", text)
}

// Confidence is the voting state backing a vertex' current preferred outcome.
type Confidence struct {
	Preference  VertexID  `json:"preference"`
	Consecutive uint32    `json:"consecutive"` // successful rounds in a row
	Successes   uint32    `json:"successes"`   // successful rounds since the last flip
	LastRound   time.Time `json:"last_round"`
}

// Metrics is a point-in-time summary of the engine.
type Metrics struct {
	PendingCount       int           `json:"pending_count"`
	AcceptedCount      int           `json:"accepted_count"`
	FinalizedCount     uint64        `json:"finalized_count"`
	RejectedCount      uint64        `json:"rejected_count"`
	OrphanCount        int           `json:"orphan_count"`
	RoundsTotal        uint64        `json:"rounds_total"`
	QuorumFailures     uint64        `json:"quorum_failures"`
	RepollVertices     uint64        `json:"repoll_vertices"`
	ByzantineAnswers   uint64        `json:"byzantine_answers"`
	RoundsPerSec       float64       `json:"rounds_per_sec"`
	AvgFinalityLatency time.Duration `json:"avg_finality_latency"`
}
