package models

import (
	"bytes"
	"encoding/hex"
	"sort"
	"time"

	"github.com/pkg/errors"
)

// IDLen is the size of a vertex id in bytes.
const IDLen = 32

// VertexID is the content-derived identifier of a vertex
// (hash of payload followed by the ordered parent ids).
type VertexID [IDLen]byte

// EmptyID is the zero id. Peers use it as an explicit "no" answer.
var EmptyID VertexID

func (id VertexID) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns the first 8 hex characters, for logs.
func (id VertexID) Short() string {
	return hex.EncodeToString(id[:4])
}

func (id VertexID) IsEmpty() bool {
	return id == EmptyID
}

// Less orders ids by their bytes.
func (id VertexID) Less(other VertexID) bool {
	return bytes.Compare(id[:], other[:]) < 0
}

func (id VertexID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *VertexID) UnmarshalText(text []byte) error {
	parsed, err := ParseVertexID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParseVertexID decodes a hex encoded vertex id.
func ParseVertexID(s string) (VertexID, error) {
	var id VertexID
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, errors.Wrapf(err, "invalid vertex id %q", s)
	}
	if len(raw) != IDLen {
		return id, errors.Errorf("invalid vertex id %q: expected %d bytes, got %d", s, IDLen, len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

// SortIDs sorts ids in place, ascending by bytes, and returns them.
func SortIDs(ids []VertexID) []VertexID {
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
	return ids
}

// Vertex is a DAG node wrapping an application payload. It is immutable once created.
type Vertex struct {
	ID          VertexID   `json:"id"`
	Payload     []byte     `json:"payload"`
	Parents     []VertexID `json:"parents"`      // sorted ascending, distinct
	ConflictKey string     `json:"conflict_key"` // application supplied, empty when conflict-free
	Timestamp   int64      `json:"timestamp"`    // unix ms
	Author      []byte     `json:"author,omitempty"`
	Signature   []byte     `json:"signature,omitempty"`
}

// SigningBytes is the message an author signs: the id followed by the conflict key,
// which the id does not cover.
func (v *Vertex) SigningBytes() []byte {
	msg := make([]byte, 0, IDLen+len(v.ConflictKey))
	msg = append(msg, v.ID[:]...)
	return append(msg, v.ConflictKey...)
}

// IsGenesis reports whether the vertex has no parents.
func (v *Vertex) IsGenesis() bool {
	return len(v.Parents) == 0
}

// HasParent reports whether id is one of the vertex parents.
func (v *Vertex) HasParent(id VertexID) bool {
	for _, p := range v.Parents {
		if p == id {
			return true
		}
	}
	return false
}

// CanonicalParents returns a sorted copy of parents with duplicates removed.
func CanonicalParents(parents []VertexID) []VertexID {
	out := make([]VertexID, 0, len(parents))
	seen := make(map[VertexID]struct{}, len(parents))
	for _, p := range parents {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return SortIDs(out)
}

// NowMillis returns current time in milliseconds
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
