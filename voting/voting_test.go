package voting

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dag-consensus/models"
	"dag-consensus/network"
)

func vid(b byte) models.VertexID {
	var id models.VertexID
	id[0] = b
	return id
}

func testParams() Params {
	p := DefaultParams()
	p.RoundTimeout = time.Second
	return p
}

func newTestEngine(t *testing.T, p Params, net network.Network) *Engine {
	t.Helper()
	if net == nil {
		net = network.NewHub(nil).Endpoint("self")
	}
	e, err := NewEngine(p, net, nil, 1)
	require.NoError(t, err)
	return e
}

// votes returns n answers, the first yes of them for yes and the rest for no.
func votes(n, yes int, yesID, noID models.VertexID) map[network.PeerID]models.VertexID {
	out := make(map[network.PeerID]models.VertexID, n)
	for i := 0; i < n; i++ {
		v := noID
		if i < yes {
			v = yesID
		}
		out[network.PeerID(fmt.Sprintf("p%02d", i))] = v
	}
	return out
}

func TestDefaultQuorum(t *testing.T) {
	require.Equal(t, 8, DefaultQuorum(10, 0.8))
	require.Equal(t, 7, DefaultQuorum(10, 0.7))
	require.Equal(t, 1, DefaultQuorum(1, 0.6))
	require.Equal(t, 20, DefaultQuorum(20, 1))
}

func TestParamsValidate(t *testing.T) {
	require.NoError(t, DefaultParams().Validate())

	bad := []func(*Params){
		func(p *Params) { p.K = 0 },
		func(p *Params) { p.Alpha = 0.5 },
		func(p *Params) { p.Alpha = 1.01 },
		func(p *Params) { p.Beta = 0 },
		func(p *Params) { p.Quorum = 11 },
		func(p *Params) { p.Quorum = 0 },
	}
	for i, mutate := range bad {
		p := DefaultParams()
		mutate(&p)
		require.Error(t, p.Validate(), "case %d", i)
	}
}

func TestSuccessfulRoundsDecide(t *testing.T) {
	e := newTestEngine(t, testParams(), nil)
	key := KeyFor(vid(1), "")
	require.True(t, e.Add(key, vid(1)))
	require.False(t, e.Add(key, vid(2)))

	choices := []Choice{{ID: vid(1)}}
	for round := 1; round <= 3; round++ {
		res, err := e.Record(key, votes(10, 8, vid(1), models.EmptyID), choices)
		require.NoError(t, err)
		require.True(t, res.Successful)
		require.EqualValues(t, round, res.Confidence.Consecutive)
		require.EqualValues(t, round, res.Confidence.Successes)
		require.Equal(t, round == 3, res.Decided)
	}
	require.True(t, e.Decided(key))
	require.False(t, e.Due(key))
}

func TestFailedRoundResetsStreakButNotSuccesses(t *testing.T) {
	e := newTestEngine(t, testParams(), nil)
	key := KeyFor(vid(1), "")
	e.Add(key, vid(1))
	choices := []Choice{{ID: vid(1)}}

	_, err := e.Record(key, votes(10, 10, vid(1), models.EmptyID), choices)
	require.NoError(t, err)
	_, err = e.Record(key, votes(10, 10, vid(1), models.EmptyID), choices)
	require.NoError(t, err)

	// 7 of 10 is below alpha and "no" is not a live choice, so there is no flip
	res, err := e.Record(key, votes(10, 7, vid(1), models.EmptyID), choices)
	require.NoError(t, err)
	require.False(t, res.Successful)
	require.False(t, res.Flipped)
	require.Zero(t, res.Confidence.Consecutive)
	require.EqualValues(t, 2, res.Confidence.Successes)
	require.Equal(t, vid(1), res.Preference)
}

func TestAlphaAppliesToResponders(t *testing.T) {
	e := newTestEngine(t, testParams(), nil)
	key := KeyFor(vid(1), "")
	e.Add(key, vid(1))

	// 8 answers out of 10 sampled, 7 agreeing: 7 >= ceil(0.8*8) = 7
	res, err := e.Record(key, votes(8, 7, vid(1), models.EmptyID), []Choice{{ID: vid(1)}})
	require.NoError(t, err)
	require.True(t, res.Successful)
	require.Equal(t, 8, res.Responses)
	require.Equal(t, 7, res.Agree)
}

func TestQuorumNotReached(t *testing.T) {
	p := testParams()
	p.MaxRoundRetries = 2
	e := newTestEngine(t, p, nil)
	key := KeyFor(vid(1), "")
	e.Add(key, vid(1))

	_, err := e.Record(key, votes(7, 7, vid(1), vid(1)), nil)
	require.ErrorIs(t, err, models.ErrQuorumNotReached)
	require.False(t, e.Stalled(key))

	_, err = e.Record(key, votes(0, 0, vid(1), vid(1)), nil)
	require.ErrorIs(t, err, models.ErrQuorumNotReached)
	require.True(t, e.Stalled(key))
	require.False(t, e.Decided(key))

	conf, ok := e.Confidence(key)
	require.True(t, ok)
	require.Zero(t, conf.Consecutive)

	// a successful round un-stalls
	res, err := e.Record(key, votes(10, 10, vid(1), vid(1)), []Choice{{ID: vid(1)}})
	require.NoError(t, err)
	require.True(t, res.Successful)
	require.False(t, e.Stalled(key))
}

func TestFlipToPlurality(t *testing.T) {
	e := newTestEngine(t, testParams(), nil)
	key := KeyFor(models.EmptyID, "utxo")
	e.Add(key, vid(1))
	choices := []Choice{{ID: vid(1)}, {ID: vid(2)}}

	_, err := e.Record(key, votes(10, 10, vid(1), vid(2)), choices)
	require.NoError(t, err)

	res, err := e.Record(key, votes(10, 3, vid(1), vid(2)), choices)
	require.NoError(t, err)
	require.True(t, res.Flipped)
	require.Equal(t, vid(1), res.Previous)
	require.Equal(t, vid(2), res.Preference)
	require.EqualValues(t, 1, res.Confidence.Consecutive)
	require.EqualValues(t, 1, res.Confidence.Successes)

	pref, ok := e.Preference(key)
	require.True(t, ok)
	require.Equal(t, vid(2), pref)
}

func TestUnknownAnswersNeverFlip(t *testing.T) {
	e := newTestEngine(t, testParams(), nil)
	key := KeyFor(models.EmptyID, "utxo")
	e.Add(key, vid(1))

	res, err := e.Record(key, votes(10, 2, vid(1), vid(9)), []Choice{{ID: vid(1)}, {ID: vid(2)}})
	require.NoError(t, err)
	require.False(t, res.Flipped)
	require.Equal(t, vid(1), res.Preference)
}

func TestPluralityTieBreak(t *testing.T) {
	tally := map[models.VertexID]int{vid(1): 4, vid(2): 4, vid(3): 2}

	top, ok := plurality(tally, []Choice{{ID: vid(1), Weight: 1}, {ID: vid(2), Weight: 5}, {ID: vid(3), Weight: 9}})
	require.True(t, ok)
	require.Equal(t, vid(2), top)

	top, ok = plurality(tally, []Choice{{ID: vid(2), Weight: 5}, {ID: vid(1), Weight: 5}})
	require.True(t, ok)
	require.Equal(t, vid(1), top)

	_, ok = plurality(map[models.VertexID]int{vid(7): 3}, []Choice{{ID: vid(1)}})
	require.False(t, ok)
}

func TestReopen(t *testing.T) {
	p := testParams()
	p.Beta = 1
	e := newTestEngine(t, p, nil)
	key := KeyFor(models.EmptyID, "utxo")
	e.Add(key, vid(1))

	res, err := e.Record(key, votes(10, 10, vid(1), vid(2)), []Choice{{ID: vid(1)}, {ID: vid(2)}})
	require.NoError(t, err)
	require.True(t, res.Decided)

	e.Reopen(key, vid(2))
	require.False(t, e.Decided(key))
	conf, _ := e.Confidence(key)
	require.Equal(t, vid(2), conf.Preference)
	require.Zero(t, conf.Consecutive)
	require.Zero(t, conf.Successes)
}

func TestStalledAfterFinalityTimeout(t *testing.T) {
	p := testParams()
	p.FinalityTimeout = time.Minute
	p.StalledPollInterval = 10 * time.Second
	e := newTestEngine(t, p, nil)

	now := time.Unix(1000, 0)
	e.now = func() time.Time { return now }
	key := KeyFor(vid(1), "")
	e.Add(key, vid(1))
	require.True(t, e.Due(key))

	now = now.Add(2 * time.Minute)
	require.True(t, e.Stalled(key))
	require.True(t, e.Due(key))

	_, err := e.Record(key, votes(0, 0, vid(1), vid(1)), nil)
	require.ErrorIs(t, err, models.ErrQuorumNotReached)
	require.False(t, e.Due(key))

	now = now.Add(11 * time.Second)
	require.True(t, e.Due(key))
}

func TestPollOverHub(t *testing.T) {
	hub := network.NewHub(nil)
	for i := 0; i < 12; i++ {
		hub.Register(network.PeerID(fmt.Sprintf("peer-%02d", i)), network.Echo(), nil)
	}
	p := testParams()
	e := newTestEngine(t, p, hub.Endpoint("self"))

	key := KeyFor(vid(1), "")
	e.Add(key, vid(1))
	require.Len(t, e.Sample(), p.K)

	choices := func() []Choice { return []Choice{{ID: vid(1)}} }
	var res Result
	var err error
	for i := 0; i < p.Beta; i++ {
		res, err = e.Poll(context.Background(), key, network.Query{}, choices)
		require.NoError(t, err)
		require.True(t, res.Successful)
		require.GreaterOrEqual(t, res.Responses, p.Quorum)
	}
	require.True(t, res.Decided)
}

func TestPollPartitioned(t *testing.T) {
	hub := network.NewHub(nil)
	for i := 0; i < 10; i++ {
		hub.Register(network.PeerID(fmt.Sprintf("peer-%02d", i)), network.Echo(), nil)
	}
	hub.Register("self", network.Echo(), nil)
	hub.Isolate("self")

	e := newTestEngine(t, testParams(), hub.Endpoint("self"))
	key := KeyFor(vid(1), "")
	e.Add(key, vid(1))

	for i := 0; i < 5; i++ {
		_, err := e.Poll(context.Background(), key, network.Query{}, func() []Choice { return nil })
		require.ErrorIs(t, err, models.ErrQuorumNotReached)
	}
	require.False(t, e.Decided(key))
}
