package path

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/veilrelay/veil/introduction"
)

func TestNewPathStartsBuilding(t *testing.T) {
	require := require.New(t)

	hops := []introduction.RouterID{{1}, {2}, {3}}
	p, err := New(hops)
	require.NoError(err)
	require.Equal(StateBuilding, p.State())
	require.Equal(introduction.RouterID{3}, p.Terminal())
	require.Equal(hops, p.Hops())
}

func TestTwoPathsGetDistinctIDs(t *testing.T) {
	require := require.New(t)

	a, err := New([]introduction.RouterID{{1}})
	require.NoError(err)
	b, err := New([]introduction.RouterID{{1}})
	require.NoError(err)
	require.NotEqual(a.ID(), b.ID())
}

func TestMarkEstablishedIsOneWayFromBuilding(t *testing.T) {
	require := require.New(t)

	p, err := New([]introduction.RouterID{{1}})
	require.NoError(err)

	now := time.Now()
	p.MarkEstablished(now)
	require.Equal(StateEstablished, p.State())

	p.MarkDead()
	require.Equal(StateDead, p.State())

	// once dead, MarkEstablished must not revive it
	p.MarkEstablished(now)
	require.Equal(StateDead, p.State())
}

func TestExpiredOnlyAppliesToEstablishedPaths(t *testing.T) {
	require := require.New(t)

	p, err := New([]introduction.RouterID{{1}})
	require.NoError(err)

	now := time.Now()
	require.False(p.Expired(now, time.Millisecond), "a building path is never expired")

	p.MarkEstablished(now.Add(-time.Hour))
	require.True(p.Expired(now, time.Minute))
	require.False(p.Expired(now, 2*time.Hour))
}

func TestRecordLatencyKillsOverThreshold(t *testing.T) {
	require := require.New(t)

	p, err := New([]introduction.RouterID{{1}})
	require.NoError(err)
	p.MarkEstablished(time.Now())

	p.RecordLatency(50*time.Millisecond, 100*time.Millisecond)
	require.Equal(StateEstablished, p.State())
	require.Equal(50*time.Millisecond, p.Latency())

	p.RecordLatency(150*time.Millisecond, 100*time.Millisecond)
	require.Equal(StateDead, p.State())
}

func TestRecordLatencyIgnoresZeroCeiling(t *testing.T) {
	require := require.New(t)

	p, err := New([]introduction.RouterID{{1}})
	require.NoError(err)
	p.MarkEstablished(time.Now())

	p.RecordLatency(time.Hour, 0)
	require.Equal(StateEstablished, p.State(), "a zero ceiling means no latency-based death")
}

type fakeNodeDB struct {
	routers []introduction.RouterID
}

func (f *fakeNodeDB) GetRC(id introduction.RouterID) (*RouterContact, bool) {
	for _, r := range f.routers {
		if r == id {
			return &RouterContact{ID: r}, true
		}
	}
	return nil, false
}

func (f *fakeNodeDB) RandomRouters(n int, exclude map[introduction.RouterID]bool) []introduction.RouterID {
	out := make([]introduction.RouterID, 0, n)
	for _, r := range f.routers {
		if exclude != nil && exclude[r] {
			continue
		}
		out = append(out, r)
		if len(out) == n {
			break
		}
	}
	return out
}

func TestDefaultHopSelectorExcludesChosen(t *testing.T) {
	require := require.New(t)

	db := &fakeNodeDB{routers: []introduction.RouterID{{1}}}
	chosen := map[introduction.RouterID]bool{{1}: true}

	var cur introduction.RouterID
	err := DefaultHopSelector(db, introduction.RouterID{}, &cur, 0, 1, chosen)
	require.Error(err, "no routers remain once the only candidate is excluded")
}
