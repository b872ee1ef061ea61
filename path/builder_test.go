package path

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/veilrelay/veil/introduction"
)

func alwaysBuild(hops []introduction.RouterID) (*Path, error) {
	return New(hops)
}

func TestBuilderTickBuildsUpToDesired(t *testing.T) {
	require := require.New(t)

	db := &fakeNodeDB{routers: []introduction.RouterID{{1}, {2}, {3}, {4}, {5}}}
	b := NewBuilder(2, 4, db, alwaysBuild, nil)

	b.Tick(time.Now())
	require.Len(b.Paths(), 2)

	// idempotent: ticking again with the desired count already met builds nothing new
	b.Tick(time.Now())
	require.Len(b.Paths(), 2)
}

func TestBuilderTickReplacesDeadPaths(t *testing.T) {
	require := require.New(t)

	db := &fakeNodeDB{routers: []introduction.RouterID{{1}, {2}, {3}, {4}, {5}, {6}}}
	b := NewBuilder(2, 4, db, alwaysBuild, nil)
	b.Tick(time.Now())
	require.Len(b.Paths(), 2)

	b.Paths()[0].MarkDead()
	b.Tick(time.Now())
	require.Len(b.Paths(), 2, "a dead path should be replaced on the next tick")
}

func TestBuilderRespectsMaxCap(t *testing.T) {
	require := require.New(t)

	db := &fakeNodeDB{routers: []introduction.RouterID{{1}, {2}, {3}, {4}, {5}, {6}, {7}, {8}, {9}}}
	b := NewBuilder(10, 3, db, alwaysBuild, nil)
	b.Tick(time.Now())
	require.LessOrEqual(len(b.Paths()), 3)
}

func TestGetEstablishedPathClosestTo(t *testing.T) {
	require := require.New(t)

	db := &fakeNodeDB{}
	b := NewBuilder(0, 0, db, alwaysBuild, nil)

	near, err := New([]introduction.RouterID{{0x01}})
	require.NoError(err)
	near.MarkEstablished(time.Now())

	far, err := New([]introduction.RouterID{{0xFF}})
	require.NoError(err)
	far.MarkEstablished(time.Now())

	b.paths = []*Path{near, far}

	best := b.GetEstablishedPathClosestTo(introduction.RouterID{0x00})
	require.Equal(near.ID(), best.ID())
}

func TestGetEstablishedPathClosestToIgnoresBuilding(t *testing.T) {
	require := require.New(t)

	db := &fakeNodeDB{}
	b := NewBuilder(0, 0, db, alwaysBuild, nil)

	building, err := New([]introduction.RouterID{{0x01}})
	require.NoError(err)
	// left in StateBuilding deliberately

	b.paths = []*Path{building}
	require.Nil(b.GetEstablishedPathClosestTo(introduction.RouterID{0x00}))
}

func TestManualRebuildForcesExtraBuilds(t *testing.T) {
	require := require.New(t)

	db := &fakeNodeDB{routers: []introduction.RouterID{{1}, {2}, {3}}}
	b := NewBuilder(0, 5, db, alwaysBuild, nil)
	b.ManualRebuild(2)
	b.Tick(time.Now())
	require.Len(b.Paths(), 2)
}

func TestBuildFailureIsSkippedNotFatal(t *testing.T) {
	require := require.New(t)

	db := &fakeNodeDB{routers: []introduction.RouterID{{1}, {2}, {3}}}
	failing := func(hops []introduction.RouterID) (*Path, error) {
		return nil, fmt.Errorf("boom")
	}
	b := NewBuilder(2, 4, db, failing, nil)
	require.NotPanics(func() { b.Tick(time.Now()) })
	require.Empty(b.Paths())
}

func TestNotifyLatencyTargetsMatchingTerminal(t *testing.T) {
	require := require.New(t)

	db := &fakeNodeDB{}
	b := NewBuilder(0, 0, db, alwaysBuild, nil)
	b.SetMinLatency(10 * time.Millisecond)

	p, err := New([]introduction.RouterID{{1}, {2}})
	require.NoError(err)
	p.MarkEstablished(time.Now())
	b.paths = []*Path{p}

	b.NotifyLatency(introduction.RouterID{2}, 50*time.Millisecond)
	require.Equal(StateDead, p.State())
}

func TestPinnedTerminalHopSelector(t *testing.T) {
	require := require.New(t)

	pinned := introduction.RouterID{0xAA}
	selector := func(db NodeDB, prev introduction.RouterID, cur *introduction.RouterID, index, total int, chosen map[introduction.RouterID]bool) error {
		if index == total-1 {
			*cur = pinned
			return nil
		}
		return DefaultHopSelector(db, prev, cur, index, total, chosen)
	}

	db := &fakeNodeDB{routers: []introduction.RouterID{{1}, {2}}}
	b := NewBuilder(1, 1, db, alwaysBuild, selector)
	b.Tick(time.Now())

	require.Len(b.Paths(), 1)
	require.Equal(pinned, b.Paths()[0].Terminal())
}
