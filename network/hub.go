package network

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"dag-consensus/models"
)

// Behaviour controls how a peer registered on a Hub answers queries.
type Behaviour uint8

const (
	// Honest peers answer through their Responder.
	Honest Behaviour = iota
	// Silent peers abstain from every query.
	Silent
	// Byzantine peers answer through the function set with SetByzantine.
	Byzantine
)

// ResponderFunc adapts a function to Responder.
type ResponderFunc func(q Query) Opinion

func (f ResponderFunc) Opinion(q Query) Opinion { return f(q) }

// Echo agrees with whatever it is asked about.
func Echo() Responder {
	return ResponderFunc(func(q Query) Opinion {
		return Opinion{Vote: q.VertexID}
	})
}

// Prefer votes for id whenever it is a member of the queried set and agrees
// otherwise.
func Prefer(id models.VertexID) Responder {
	return ResponderFunc(func(q Query) Opinion {
		for _, m := range q.Members {
			if m == id {
				return Opinion{Vote: id}
			}
		}
		return Opinion{Vote: q.VertexID}
	})
}

// Contrarian never votes for the asked preference: it names another member of the set
// when there is one and says no otherwise.
func Contrarian() Responder {
	return ResponderFunc(func(q Query) Opinion {
		for _, m := range q.Members {
			if m != q.VertexID {
				return Opinion{Vote: m}
			}
		}
		return Opinion{Vote: models.EmptyID}
	})
}

type hubPeer struct {
	responder Responder
	receiver  Receiver
	behaviour Behaviour
	byzantine Responder
}

// Hub connects engines in one process. It simulates partitions, silent peers and
// Byzantine responders for tests and local clusters.
type Hub struct {
	mu        sync.RWMutex
	log       *zap.Logger
	peers     map[PeerID]*hubPeer
	partition map[PeerID]int
	isolated  int
}

// NewHub creates an empty hub.
func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		log:       log,
		peers:     make(map[PeerID]*hubPeer),
		partition: make(map[PeerID]int),
	}
}

// Register attaches a peer. receiver may be nil for peers that only vote.
func (h *Hub) Register(id PeerID, responder Responder, receiver Receiver) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.peers[id] = &hubPeer{responder: responder, receiver: receiver}
}

// SetBehaviour changes how id answers.
func (h *Hub) SetBehaviour(id PeerID, b Behaviour) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p, ok := h.peers[id]; ok {
		p.behaviour = b
	}
}

// SetByzantine makes id answer through r.
func (h *Hub) SetByzantine(id PeerID, r Responder) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p, ok := h.peers[id]; ok {
		p.behaviour = Byzantine
		p.byzantine = r
	}
}

// Partition splits the peers into groups that cannot reach each other. Peers not named
// in any group end up together in group zero.
func (h *Hub) Partition(groups ...[]PeerID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.partition = make(map[PeerID]int)
	for i, group := range groups {
		for _, id := range group {
			h.partition[id] = i + 1
		}
	}
	h.log.Info("Hub partitioned", zap.Int("groups", len(groups)))
}

// Isolate cuts id off from every other peer.
func (h *Hub) Isolate(id PeerID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.isolated++
	h.partition[id] = -h.isolated
}

// Heal removes all partitions.
func (h *Hub) Heal() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.partition = make(map[PeerID]int)
}

func (h *Hub) reachable(a, b PeerID) bool {
	return h.partition[a] == h.partition[b]
}

// Endpoint returns the view of the hub seen by self.
func (h *Hub) Endpoint(self PeerID) Network {
	return &endpoint{hub: h, self: self}
}

type endpoint struct {
	hub  *Hub
	self PeerID
}

func (e *endpoint) Peers() []PeerID {
	e.hub.mu.RLock()
	defer e.hub.mu.RUnlock()
	out := make([]PeerID, 0, len(e.hub.peers))
	for id := range e.hub.peers {
		if id != e.self {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (e *endpoint) QueryPeer(ctx context.Context, peer PeerID, q Query) (Opinion, error) {
	e.hub.mu.RLock()
	p, ok := e.hub.peers[peer]
	reachable := ok && e.hub.reachable(e.self, peer)
	var r Responder
	if ok {
		switch p.behaviour {
		case Honest:
			r = p.responder
		case Byzantine:
			r = p.byzantine
		}
	}
	e.hub.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return Opinion{}, err
	}
	if !reachable {
		return Opinion{}, ErrUnreachable
	}
	if r == nil {
		return Opinion{Abstain: true}, nil
	}
	return r.Opinion(q), nil
}

func (e *endpoint) Broadcast(ctx context.Context, v *models.Vertex) error {
	e.hub.mu.RLock()
	var receivers []Receiver
	for id, p := range e.hub.peers {
		if id == e.self || p.receiver == nil || !e.hub.reachable(e.self, id) {
			continue
		}
		receivers = append(receivers, p.receiver)
	}
	e.hub.mu.RUnlock()

	for _, r := range receivers {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.ReceiveVertex(v); err != nil {
			e.hub.log.Debug("Peer did not take vertex",
				zap.String("from", string(e.self)),
				zap.Stringer("vertex", v.ID),
				zap.Error(err))
		}
	}
	return nil
}
