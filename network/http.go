package network

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"dag-consensus/models"
)

// HTTP paths served by every node, see routers.RegisterRoutes.
const (
	OpinionPath = "/opinion"
	ReceivePath = "/vertices/receive"
)

// Peer is a remote node reachable over HTTP.
type Peer struct {
	ID  PeerID `mapstructure:"id" json:"id"`
	URL string `mapstructure:"url" json:"url"`
}

// HTTPTransport talks to peers through their JSON API.
type HTTPTransport struct {
	self   PeerID
	peers  map[PeerID]string
	order  []PeerID
	client *http.Client
	log    *zap.Logger
}

// NewHTTPTransport creates a transport for the given peer list. Entries naming self are
// skipped.
func NewHTTPTransport(self PeerID, peers []Peer, timeout time.Duration, log *zap.Logger) (*HTTPTransport, error) {
	if log == nil {
		log = zap.NewNop()
	}
	t := &HTTPTransport{
		self:   self,
		peers:  make(map[PeerID]string, len(peers)),
		client: &http.Client{Timeout: timeout},
		log:    log,
	}
	for _, p := range peers {
		if p.ID == "" || p.URL == "" {
			return nil, errors.Errorf("peer entry needs both id and url: %+v", p)
		}
		if p.ID == self {
			continue
		}
		if _, dup := t.peers[p.ID]; dup {
			return nil, errors.Errorf("duplicate peer id %q", p.ID)
		}
		t.peers[p.ID] = strings.TrimRight(p.URL, "/")
		t.order = append(t.order, p.ID)
	}
	return t, nil
}

func (t *HTTPTransport) Peers() []PeerID {
	out := make([]PeerID, len(t.order))
	copy(out, t.order)
	return out
}

func (t *HTTPTransport) post(ctx context.Context, url string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return errors.Errorf("%s answered %s", url, resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (t *HTTPTransport) QueryPeer(ctx context.Context, peer PeerID, q Query) (Opinion, error) {
	base, ok := t.peers[peer]
	if !ok {
		return Opinion{}, errors.Wrapf(ErrUnreachable, "unknown peer %q", peer)
	}
	var op Opinion
	if err := t.post(ctx, base+OpinionPath, q, &op); err != nil {
		return Opinion{}, errors.Wrapf(err, "query %s", peer)
	}
	return op, nil
}

func (t *HTTPTransport) Broadcast(ctx context.Context, v *models.Vertex) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range t.order {
		id, url := id, t.peers[id]+ReceivePath
		g.Go(func() error {
			if err := t.post(gctx, url, v, nil); err != nil {
				// one unreachable peer must not stop the others
				t.log.Debug("Broadcast to peer failed",
					zap.String("peer", string(id)),
					zap.Stringer("vertex", v.ID),
					zap.Error(err))
			}
			return nil
		})
	}
	return g.Wait()
}
