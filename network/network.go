// Package network defines how an engine reaches its peers: opinion queries used by
// voting rounds and vertex broadcast.
package network

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"dag-consensus/models"
)

// PeerID names a peer.
type PeerID string

// ErrUnreachable is returned by transports for peers that cannot be contacted.
var ErrUnreachable = errors.New("peer unreachable")

// Query asks a peer for its preferred member of a conflict set, or for its opinion of
// a single vertex when ConflictKey is empty.
type Query struct {
	VertexID    models.VertexID   `json:"vertex_id"`
	ConflictKey string            `json:"conflict_key,omitempty"`
	Members     []models.VertexID `json:"members,omitempty"`
}

// Opinion is a peer's answer. A zero Vote that is not an abstention is a "no".
type Opinion struct {
	Vote    models.VertexID `json:"vote"`
	Abstain bool            `json:"abstain"`
}

// Network is the transport collaborator of the engine.
type Network interface {
	// Peers lists the peers that can be sampled, excluding the local node.
	Peers() []PeerID
	// QueryPeer asks one peer. Implementations must honour ctx.
	QueryPeer(ctx context.Context, peer PeerID, q Query) (Opinion, error)
	// Broadcast propagates a locally created vertex.
	Broadcast(ctx context.Context, v *models.Vertex) error
}

// Responder answers opinion queries from local state only.
type Responder interface {
	Opinion(q Query) Opinion
}

// Receiver accepts vertices pushed by peers.
type Receiver interface {
	ReceiveVertex(v *models.Vertex) error
}

// QueryPeers fans q out to sample concurrently and collects votes until quorum of them
// arrived or timeout elapsed, whichever comes first. Abstentions and failed queries are
// left out of the result. Answers arriving after the quorum is met are discarded.
func QueryPeers(ctx context.Context, n Network, sample []PeerID, q Query, quorum int, timeout time.Duration) map[PeerID]models.VertexID {
	votes := make(map[PeerID]models.VertexID, len(sample))
	if len(sample) == 0 {
		return votes
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type answer struct {
		peer    PeerID
		opinion Opinion
	}
	answers := make(chan answer, len(sample))

	g, gctx := errgroup.WithContext(ctx)
	for _, peer := range sample {
		peer := peer
		g.Go(func() error {
			op, err := n.QueryPeer(gctx, peer, q)
			if err != nil || op.Abstain {
				op = Opinion{Abstain: true}
			}
			answers <- answer{peer: peer, opinion: op}
			return nil
		})
	}

collect:
	for received := 0; received < len(sample); received++ {
		select {
		case a := <-answers:
			if !a.opinion.Abstain {
				votes[a.peer] = a.opinion.Vote
			}
		case <-ctx.Done():
			break collect
		}
		if quorum > 0 && len(votes) >= quorum {
			break
		}
	}
	cancel()
	_ = g.Wait()
	return votes
}
