package service

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/veilrelay/veil/crypt"
	"github.com/veilrelay/veil/crypto"
	"github.com/veilrelay/veil/disk"
	"github.com/veilrelay/veil/identity"
	"github.com/veilrelay/veil/introduction"
	"github.com/veilrelay/veil/linklayer"
	"github.com/veilrelay/veil/nodedb"
)

// newFakeNodeDB opens a real, bbolt-backed node database seeded with the
// given routers, so it can be plugged into ep.nodedb (a concrete
// *nodedb.DB field, not an interface).
func newFakeNodeDB(t *testing.T, routers ...introduction.RouterID) *nodedb.DB {
	t.Helper()
	w := disk.New()
	t.Cleanup(w.Halt)

	db, err := nodedb.Open(filepath.Join(t.TempDir(), "nodes.db"), w)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	for _, r := range routers {
		require.NoError(t, db.Put(&nodedb.Contact{ID: r}))
	}
	return db
}

// newTestEndpoint builds an Endpoint with just enough live state
// (identity, a draining logic loop, a real crypto pool) for
// OutboundContext to be exercised end to end, without going through
// Start (which would touch disk and netns).
func newTestEndpoint(t *testing.T, db *nodedb.DB, link linklayer.Layer) *Endpoint {
	t.Helper()
	ep := &Endpoint{
		name:           "test",
		identity:       identity.New(),
		link:           link,
		crypto:         crypto.NewPool(2),
		nodedb:         db,
		sessions:       make(map[crypt.ConvoTag]*Session),
		outbound:       make(map[identity.Address]*OutboundContext),
		outboundByPath: make(map[introduction.PathID]*OutboundContext),
		pendingRemote:  make(map[identity.Address][]pendingSend),
		opCh:           make(chan func(), 64),
	}
	ep.Go(func() {
		for {
			select {
			case <-ep.HaltCh():
				return
			case fn := <-ep.opCh:
				fn()
			}
		}
	})
	t.Cleanup(func() {
		ep.Halt()
		ep.crypto.Halt()
	})
	return ep
}

func introSetFor(t *testing.T, id *identity.Identity, intros ...introduction.Introduction) *introduction.IntroSet {
	t.Helper()
	is := &introduction.IntroSet{I: intros, Version: 1}
	require.NoError(t, is.Sign(id))
	return is
}

// establishOutboundPath drives oc's builder to a single established path
// terminating at oc.remoteIntro.Router, the way a real link layer's
// PathConfirmMessage would via HandlePathBuilt.
func establishOutboundPath(t *testing.T, oc *OutboundContext) {
	t.Helper()
	oc.builder.Tick(time.Now())
	require.NotEmpty(t, oc.builder.Paths())
	for _, p := range oc.builder.Paths() {
		p.MarkEstablished(time.Now())
	}
}

func TestNewOutboundContextStartsHandshaking(t *testing.T) {
	require := require.New(t)

	remoteID := identity.New()
	target := introduction.RouterID{0xAA}
	chosen := introduction.Introduction{Router: target, Expiry: time.Now().Add(time.Hour)}
	is := introSetFor(t, remoteID, chosen)

	db := newFakeNodeDB(t, target, introduction.RouterID{1}, introduction.RouterID{2})
	link := linklayer.NewLoopback(0)
	ep := newTestEndpoint(t, db, link)

	var remote identity.Address
	remote[0] = 0x42
	oc := newOutboundContext(ep, remote, is, chosen)

	require.Equal(sendHandshaking, oc.State())
	require.Equal(remote, oc.Remote())
}

func TestAsyncEncryptAndSendToHandshakeThenFastPath(t *testing.T) {
	require := require.New(t)

	remoteID := identity.New()
	target := introduction.RouterID{0xAA}
	chosen := introduction.Introduction{Router: target, Expiry: time.Now().Add(time.Hour)}
	is := introSetFor(t, remoteID, chosen)

	db := newFakeNodeDB(t, target, introduction.RouterID{1}, introduction.RouterID{2}, introduction.RouterID{3})
	link := linklayer.NewLoopback(0)
	ep := newTestEndpoint(t, db, link)

	var remote identity.Address
	remote[0] = 0x42
	oc := newOutboundContext(ep, remote, is, chosen)
	establishOutboundPath(t, oc)

	oc.AsyncEncryptAndSendTo([]byte("hello"), crypt.ProtocolType(1))

	require.Eventually(func() bool {
		return len(link.Sent()) == 1
	}, 2*time.Second, 5*time.Millisecond, "handshake send should land on the loopback link")

	require.Eventually(func() bool {
		return oc.State() == sendEstablished
	}, 2*time.Second, 5*time.Millisecond)
	require.True(oc.hasSentBefore())

	oc.AsyncEncryptAndSendTo([]byte("world"), crypt.ProtocolType(1))
	require.Eventually(func() bool {
		return len(link.Sent()) == 2
	}, 2*time.Second, 5*time.Millisecond, "fast-path send should also land on the loopback link")
}

func TestShiftIntroductionThrottledByMinInterval(t *testing.T) {
	require := require.New(t)

	remoteID := identity.New()
	now := time.Now()
	current := introduction.Introduction{Router: introduction.RouterID{0xAA}, Expiry: now.Add(time.Hour)}
	other := introduction.Introduction{Router: introduction.RouterID{0xBB}, Expiry: now.Add(time.Hour)}
	is := introSetFor(t, remoteID, current, other)

	db := newFakeNodeDB(t, current.Router, other.Router, introduction.RouterID{1}, introduction.RouterID{2})
	ep := newTestEndpoint(t, db, linklayer.NewLoopback(0))

	var remote identity.Address
	oc := newOutboundContext(ep, remote, is, current)
	oc.lastShift = now

	require.False(oc.ShiftIntroduction(now.Add(time.Second)), "a shift within MinShiftInterval must be refused")
	require.Equal(current, oc.remoteIntro)
}

func TestShiftIntroductionSkipsCurrentBadAndExpiringSoon(t *testing.T) {
	require := require.New(t)

	remoteID := identity.New()
	now := time.Now()
	current := introduction.Introduction{Router: introduction.RouterID{0xAA}, Expiry: now.Add(time.Hour)}
	bad := introduction.Introduction{Router: introduction.RouterID{0xBB}, Expiry: now.Add(time.Hour)}
	expiringSoon := introduction.Introduction{Router: introduction.RouterID{0xCC}, Expiry: now.Add(time.Second)}
	good := introduction.Introduction{Router: introduction.RouterID{0xDD}, Expiry: now.Add(time.Hour)}
	is := introSetFor(t, remoteID, current, bad, expiringSoon, good)

	db := newFakeNodeDB(t, current.Router, bad.Router, expiringSoon.Router, good.Router, introduction.RouterID{1}, introduction.RouterID{2})
	ep := newTestEndpoint(t, db, linklayer.NewLoopback(0))

	var remote identity.Address
	oc := newOutboundContext(ep, remote, is, current)
	oc.badIntros[bad] = now

	require.True(oc.ShiftIntroduction(now))
	require.Equal(good, oc.remoteIntro)
}

func TestShiftIntroductionRebuildsOnlyWhenRouterChanges(t *testing.T) {
	require := require.New(t)

	remoteID := identity.New()
	now := time.Now()
	current := introduction.Introduction{Router: introduction.RouterID{0xAA}, PathID: introduction.PathID{1}, Expiry: now.Add(time.Hour)}
	sameRouter := introduction.Introduction{Router: introduction.RouterID{0xAA}, PathID: introduction.PathID{2}, Expiry: now.Add(time.Hour)}
	is := introSetFor(t, remoteID, current, sameRouter)

	db := newFakeNodeDB(t, current.Router, introduction.RouterID{1}, introduction.RouterID{2})
	ep := newTestEndpoint(t, db, linklayer.NewLoopback(0))

	var remote identity.Address
	oc := newOutboundContext(ep, remote, is, current)

	require.True(oc.ShiftIntroduction(now))
	require.Equal(sameRouter, oc.remoteIntro)

	// A shift that keeps the router requests no extra build: the next
	// Tick builds only the ordinary desired count.
	oc.builder.Tick(now)
	require.Len(oc.builder.Paths(), OutboundContextDesiredPaths)
}

func TestMarkCurrentIntroBadMarksRotatingAndShifts(t *testing.T) {
	require := require.New(t)

	remoteID := identity.New()
	now := time.Now()
	current := introduction.Introduction{Router: introduction.RouterID{0xAA}, Expiry: now.Add(time.Hour)}
	replacement := introduction.Introduction{Router: introduction.RouterID{0xBB}, Expiry: now.Add(time.Hour)}
	is := introSetFor(t, remoteID, current, replacement)

	db := newFakeNodeDB(t, current.Router, replacement.Router, introduction.RouterID{1}, introduction.RouterID{2})
	ep := newTestEndpoint(t, db, linklayer.NewLoopback(0))

	var remote identity.Address
	oc := newOutboundContext(ep, remote, is, current)
	oc.setEstablished(crypt.NewConvoTag(), [32]byte{9})

	found := oc.MarkCurrentIntroBad(now)
	require.True(found)
	require.Equal(replacement, oc.remoteIntro)
	require.Equal(sendRotating, oc.State(), "a router change must stay rotating until a path to the new router is confirmed")
	require.Contains(oc.badIntros, current)

	oc.Tick(now)
	for _, p := range oc.builder.Paths() {
		p.MarkEstablished(now)
	}
	require.NotEmpty(oc.builder.Paths(), "the manual rebuild requested by the router change should have started a build")

	oc.Tick(now)
	require.Equal(sendEstablished, oc.State(), "resuming once a path to the new router is confirmed established")
}

func TestAsyncEncryptAndSendToQueuesWhileRotating(t *testing.T) {
	require := require.New(t)

	remoteID := identity.New()
	target := introduction.RouterID{0xAA}
	chosen := introduction.Introduction{Router: target, Expiry: time.Now().Add(time.Hour)}
	is := introSetFor(t, remoteID, chosen)

	db := newFakeNodeDB(t, target, introduction.RouterID{1}, introduction.RouterID{2}, introduction.RouterID{3})
	link := linklayer.NewLoopback(0)
	ep := newTestEndpoint(t, db, link)

	var remote identity.Address
	oc := newOutboundContext(ep, remote, is, chosen)
	oc.setEstablished(crypt.NewConvoTag(), [32]byte{9})
	oc.nextSeq()
	oc.markRotating()

	oc.AsyncEncryptAndSendTo([]byte("held"), crypt.ProtocolType(1))
	require.Empty(link.Sent(), "a send while rotating must be held, not transmitted against a not-yet-built path")

	establishOutboundPath(t, oc)
	oc.resumeEstablished()
	oc.flushRotatingQueue()

	require.Eventually(func() bool {
		return len(link.Sent()) == 1
	}, 2*time.Second, 5*time.Millisecond, "the queued send should flush once resumed")
}

func TestMarkCurrentIntroBadNoReplacementStaysRotating(t *testing.T) {
	require := require.New(t)

	remoteID := identity.New()
	now := time.Now()
	current := introduction.Introduction{Router: introduction.RouterID{0xAA}, Expiry: now.Add(time.Hour)}
	is := introSetFor(t, remoteID, current)

	db := newFakeNodeDB(t, current.Router)
	ep := newTestEndpoint(t, db, linklayer.NewLoopback(0))

	var remote identity.Address
	oc := newOutboundContext(ep, remote, is, current)
	oc.setEstablished(crypt.NewConvoTag(), [32]byte{9})

	found := oc.MarkCurrentIntroBad(now)
	require.False(found)
	require.Equal(sendRotating, oc.State(), "with no replacement available the context stays rotating")
}

func TestHandleDataDropOnCurrentIntroMarksBad(t *testing.T) {
	require := require.New(t)

	remoteID := identity.New()
	now := time.Now()
	current := introduction.Introduction{Router: introduction.RouterID{0xAA}, PathID: introduction.PathID{7}, Expiry: now.Add(time.Hour)}
	replacement := introduction.Introduction{Router: introduction.RouterID{0xBB}, Expiry: now.Add(time.Hour)}
	is := introSetFor(t, remoteID, current, replacement)

	db := newFakeNodeDB(t, current.Router, replacement.Router, introduction.RouterID{1}, introduction.RouterID{2})
	ep := newTestEndpoint(t, db, linklayer.NewLoopback(0))

	var remote identity.Address
	oc := newOutboundContext(ep, remote, is, current)

	oc.HandleDataDrop(current.PathID, current.Router, 5)
	require.Equal(replacement, oc.remoteIntro)
	require.Contains(oc.badIntros, current)
}

func TestHandleDataDropOnStalePathRefreshesIntroSetInstead(t *testing.T) {
	require := require.New(t)

	remoteID := identity.New()
	now := time.Now()
	current := introduction.Introduction{Router: introduction.RouterID{0xAA}, PathID: introduction.PathID{7}, Expiry: now.Add(time.Hour)}
	is := introSetFor(t, remoteID, current)

	db := newFakeNodeDB(t, current.Router, introduction.RouterID{1}, introduction.RouterID{2})
	ep := newTestEndpoint(t, db, linklayer.NewLoopback(0))

	var remote identity.Address
	oc := newOutboundContext(ep, remote, is, current)

	oc.HandleDataDrop(introduction.PathID{99}, current.Router, 5)
	require.Equal(current, oc.remoteIntro, "a drop naming a different path must not touch remoteIntro")
	require.Empty(oc.badIntros)
}

func TestOutboundTickEnsuresRouterAndShiftsExpiring(t *testing.T) {
	require := require.New(t)

	remoteID := identity.New()
	now := time.Now()
	expiringSoon := introduction.Introduction{Router: introduction.RouterID{0xAA}, Expiry: now.Add(time.Second)}
	good := introduction.Introduction{Router: introduction.RouterID{0xBB}, Expiry: now.Add(time.Hour)}
	is := introSetFor(t, remoteID, expiringSoon, good)

	db := newFakeNodeDB(t, expiringSoon.Router, good.Router, introduction.RouterID{1}, introduction.RouterID{2})
	ep := newTestEndpoint(t, db, linklayer.NewLoopback(0))

	var remote identity.Address
	oc := newOutboundContext(ep, remote, is, expiringSoon)

	done := oc.Tick(now)
	require.False(done)
	require.Equal(good, oc.remoteIntro, "an expiring-soon introduction should be shifted away from on Tick")
}

func TestOutboundStringIncludesRemoteAndState(t *testing.T) {
	require := require.New(t)

	remoteID := identity.New()
	current := introduction.Introduction{Router: introduction.RouterID{0xAA}, Expiry: time.Now().Add(time.Hour)}
	is := introSetFor(t, remoteID, current)

	db := newFakeNodeDB(t, current.Router)
	ep := newTestEndpoint(t, db, linklayer.NewLoopback(0))

	var remote identity.Address
	remote[0] = 0x7
	oc := newOutboundContext(ep, remote, is, current)

	require.Contains(oc.String(), "handshaking")
}
