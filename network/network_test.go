package network

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"dag-consensus/models"
)

func vid(b byte) models.VertexID {
	var id models.VertexID
	id[0] = b
	return id
}

type blocking struct{}

func (blocking) Peers() []PeerID { return []PeerID{"slow"} }

func (blocking) QueryPeer(ctx context.Context, _ PeerID, _ Query) (Opinion, error) {
	<-ctx.Done()
	return Opinion{}, ctx.Err()
}

func (blocking) Broadcast(context.Context, *models.Vertex) error { return nil }

type recorder struct {
	got atomic.Int32
}

func (r *recorder) ReceiveVertex(*models.Vertex) error {
	r.got.Add(1)
	return nil
}

func TestQueryPeersCollectsVotes(t *testing.T) {
	hub := NewHub(nil)
	hub.Register("a", Echo(), nil)
	hub.Register("b", Echo(), nil)
	hub.Register("c", Contrarian(), nil)
	hub.Register("d", Echo(), nil)
	hub.SetBehaviour("d", Silent)

	ep := hub.Endpoint("self")
	require.Equal(t, []PeerID{"a", "b", "c", "d"}, ep.Peers())

	votes := QueryPeers(context.Background(), ep, ep.Peers(), Query{VertexID: vid(1)}, 0, time.Second)
	require.Len(t, votes, 3)
	require.Equal(t, vid(1), votes["a"])
	require.Equal(t, vid(1), votes["b"])
	require.Equal(t, models.EmptyID, votes["c"])
}

func TestQueryPeersStopsAtQuorum(t *testing.T) {
	hub := NewHub(nil)
	for _, id := range []PeerID{"a", "b", "c", "d", "e"} {
		hub.Register(id, Echo(), nil)
	}
	ep := hub.Endpoint("self")
	votes := QueryPeers(context.Background(), ep, ep.Peers(), Query{VertexID: vid(1)}, 2, time.Second)
	require.GreaterOrEqual(t, len(votes), 2)
	require.LessOrEqual(t, len(votes), 5)
}

func TestQueryPeersTimesOut(t *testing.T) {
	start := time.Now()
	votes := QueryPeers(context.Background(), blocking{}, []PeerID{"slow"}, Query{}, 1, 20*time.Millisecond)
	require.Empty(t, votes)
	require.Less(t, time.Since(start), time.Second)
}

func TestHubPartition(t *testing.T) {
	hub := NewHub(nil)
	ra, rb := &recorder{}, &recorder{}
	hub.Register("a", Echo(), ra)
	hub.Register("b", Echo(), rb)
	hub.Register("c", Echo(), nil)

	hub.Partition([]PeerID{"a"}, []PeerID{"b", "c"})
	ep := hub.Endpoint("c")
	_, err := ep.QueryPeer(context.Background(), "a", Query{})
	require.ErrorIs(t, err, ErrUnreachable)
	op, err := ep.QueryPeer(context.Background(), "b", Query{VertexID: vid(4)})
	require.NoError(t, err)
	require.Equal(t, vid(4), op.Vote)

	require.NoError(t, ep.Broadcast(context.Background(), &models.Vertex{ID: vid(4)}))
	require.Zero(t, ra.got.Load())
	require.EqualValues(t, 1, rb.got.Load())

	hub.Heal()
	hub.Isolate("b")
	_, err = ep.QueryPeer(context.Background(), "b", Query{})
	require.ErrorIs(t, err, ErrUnreachable)
	_, err = ep.QueryPeer(context.Background(), "a", Query{})
	require.NoError(t, err)
}

func TestPreferAndByzantine(t *testing.T) {
	hub := NewHub(nil)
	hub.Register("a", Prefer(vid(2)), nil)
	hub.Register("b", Echo(), nil)
	hub.SetByzantine("b", Contrarian())

	q := Query{VertexID: vid(1), ConflictKey: "k", Members: []models.VertexID{vid(1), vid(2)}}
	ep := hub.Endpoint("self")
	op, err := ep.QueryPeer(context.Background(), "a", q)
	require.NoError(t, err)
	require.Equal(t, vid(2), op.Vote)

	op, err = ep.QueryPeer(context.Background(), "b", q)
	require.NoError(t, err)
	require.Equal(t, vid(2), op.Vote)
}

func TestHTTPTransport(t *testing.T) {
	var received atomic.Int32
	r := mux.NewRouter()
	r.HandleFunc(OpinionPath, func(w http.ResponseWriter, req *http.Request) {
		var q Query
		if err := json.NewDecoder(req.Body).Decode(&q); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(Opinion{Vote: q.VertexID})
	}).Methods(http.MethodPost)
	r.HandleFunc(ReceivePath, func(w http.ResponseWriter, req *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusAccepted)
	}).Methods(http.MethodPost)
	srv := httptest.NewServer(r)
	defer srv.Close()

	tr, err := NewHTTPTransport("me", []Peer{
		{ID: "me", URL: "http://127.0.0.1:1"},
		{ID: "p1", URL: srv.URL + "/"},
	}, time.Second, nil)
	require.NoError(t, err)
	require.Equal(t, []PeerID{"p1"}, tr.Peers())

	op, err := tr.QueryPeer(context.Background(), "p1", Query{VertexID: vid(9)})
	require.NoError(t, err)
	require.Equal(t, vid(9), op.Vote)

	_, err = tr.QueryPeer(context.Background(), "nobody", Query{})
	require.ErrorIs(t, err, ErrUnreachable)

	require.NoError(t, tr.Broadcast(context.Background(), &models.Vertex{ID: vid(9)}))
	require.EqualValues(t, 1, received.Load())

	_, err = NewHTTPTransport("me", []Peer{{ID: "x"}}, time.Second, nil)
	require.Error(t, err)
}
