package service

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/veilrelay/veil/crypt"
	"github.com/veilrelay/veil/crypto"
	"github.com/veilrelay/veil/dht"
	"github.com/veilrelay/veil/disk"
	"github.com/veilrelay/veil/identity"
	"github.com/veilrelay/veil/introduction"
	"github.com/veilrelay/veil/linklayer"
	"github.com/veilrelay/veil/path"
	"github.com/veilrelay/veil/routing"
	"github.com/veilrelay/veil/tagcache"
)

// newFullTestEndpoint builds an Endpoint with every collaborator wired
// (identity, node database, DHT client, path builder, tag cache) and an
// opCh-draining goroutine standing in for logicLoop, without its ticker —
// so tests can drive tick()/EnsureRouterIsKnown/etc. deterministically
// from the test goroutine itself, the same discipline single-goroutine
// router logic requires in production.
func newFullTestEndpoint(t *testing.T, routers ...introduction.RouterID) (*Endpoint, *linklayer.Loopback) {
	t.Helper()
	link := linklayer.NewLoopback(0)
	db := newFakeNodeDB(t, routers...)

	ep := NewEndpoint("test", db, link, crypto.NewPool(2), disk.New())
	ep.identity = identity.New()
	ep.dht = dht.NewClient(link, ep.identity.Public())
	ep.builder = path.NewBuilder(EndpointDesiredPaths, EndpointMaxPaths, ep.nodedb, ep.buildPathFunc, nil)

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
		ep.diskJobs.Halt()
	})
	return ep, link
}

func establishEndpointPaths(t *testing.T, ep *Endpoint, now time.Time) {
	t.Helper()
	ep.builder.Tick(now)
	require.NotEmpty(t, ep.builder.Paths())
	for _, p := range ep.builder.Paths() {
		p.MarkEstablished(now)
	}
}

func TestSetOptionKnownKeys(t *testing.T) {
	require := require.New(t)

	ep := &Endpoint{}
	ep.SetOption("keyfile", "/tmp/foo.key")
	ep.SetOption("tag", "mytag")
	ep.SetOption("prefetch-tag", "a")
	ep.SetOption("prefetch-tag", "b")
	ep.SetOption("netns", "vpn0")
	ep.SetOption("min-latency", "250")
	ep.SetOption("unknown-key", "ignored")

	require.Equal("/tmp/foo.key", ep.keyFile)
	require.Equal("mytag", ep.tag)
	require.Equal([]string{"a", "b"}, ep.prefetchTags)
	require.Equal("vpn0", ep.netnsName)
	require.Equal(250*time.Millisecond, ep.minLatency)
}

func TestSetOptionTagCacheRedisSwitchesStore(t *testing.T) {
	require := require.New(t)

	ep := &Endpoint{}
	ep.SetOption("tag-cache-redis", "localhost:6379")
	_, ok := ep.tags.(*tagcache.Redis)
	require.True(ok)
}

func TestSetOptionMinLatencyIgnoresGarbage(t *testing.T) {
	require := require.New(t)

	ep := &Endpoint{}
	ep.SetOption("min-latency", "not-a-number")
	require.Zero(ep.minLatency)
}

func TestStartGeneratesIdentityAndPersistsAcrossRestart(t *testing.T) {
	require := require.New(t)

	dir := t.TempDir()
	keyFile := filepath.Join(dir, "id.bin")

	db1 := newFakeNodeDB(t)
	ep1 := NewEndpoint("svc", db1, linklayer.NewLoopback(0), crypto.NewPool(2), disk.New())
	ep1.SetOption("keyfile", keyFile)
	require.NoError(ep1.Start())
	addr1 := ep1.identity.Public().Addr()
	ep1.Halt()
	ep1.crypto.Halt()
	ep1.diskJobs.Halt()

	db2 := newFakeNodeDB(t)
	ep2 := NewEndpoint("svc", db2, linklayer.NewLoopback(0), crypto.NewPool(2), disk.New())
	ep2.SetOption("keyfile", keyFile)
	require.NoError(ep2.Start())
	defer func() {
		ep2.Halt()
		ep2.crypto.Halt()
		ep2.diskJobs.Halt()
	}()

	require.Equal(addr1, ep2.identity.Public().Addr(), "restarting with the same keyfile must reuse the identity")
}

func TestPersistAndLoadIntroSetRoundTrip(t *testing.T) {
	require := require.New(t)

	dir := t.TempDir()
	keyFile := filepath.Join(dir, "id.bin")

	ep, _ := newFullTestEndpoint(t)
	ep.keyFile = keyFile

	is := &introduction.IntroSet{Version: 42}
	require.NoError(is.Sign(ep.identity))
	ep.persistIntroSet(is)

	require.Eventually(func() bool {
		loaded, err := loadIntroSet(keyFile + introSetSuffix)
		return err == nil && loaded.Version == 42
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPersistIntroSetNoopWithoutKeyfile(t *testing.T) {
	ep, _ := newFullTestEndpoint(t)
	require.NotPanics(t, func() {
		ep.persistIntroSet(&introduction.IntroSet{Version: 1})
	})
}

func TestEnsureRouterIsKnownSkipsAlreadyKnown(t *testing.T) {
	require := require.New(t)

	router := introduction.RouterID{7}
	ep, link := newFullTestEndpoint(t, router)

	ep.EnsureRouterIsKnown(router)
	require.Empty(link.Sent(), "a router already in the node database needs no lookup")
}

func TestEnsureRouterIsKnownNoEstablishedPathIsANoop(t *testing.T) {
	require := require.New(t)

	target := introduction.RouterID{9}
	ep, link := newFullTestEndpoint(t)

	ep.EnsureRouterIsKnown(target)
	require.Empty(link.Sent(), "with no established path there is nowhere to route the lookup from")
}

func TestEnsureRouterIsKnownIssuesLookupViaEstablishedPath(t *testing.T) {
	require := require.New(t)

	target := introduction.RouterID{9}
	ep, link := newFullTestEndpoint(t, introduction.RouterID{1}, introduction.RouterID{2}, introduction.RouterID{3})
	establishEndpointPaths(t, ep, time.Now())

	ep.EnsureRouterIsKnown(target)
	require.Len(link.Sent(), 1)
}

func TestRegenAndPublishIntroSetSkipsWithNothingEstablished(t *testing.T) {
	require := require.New(t)

	ep, link := newFullTestEndpoint(t)
	ep.RegenAndPublishIntroSet(time.Now())
	require.Empty(link.Sent())
}

func TestRegenAndPublishIntroSetPublishesFromEstablishedPaths(t *testing.T) {
	require := require.New(t)

	ep, link := newFullTestEndpoint(t, introduction.RouterID{1}, introduction.RouterID{2}, introduction.RouterID{3})
	establishEndpointPaths(t, ep, time.Now())

	ep.RegenAndPublishIntroSet(time.Now())
	require.NotEmpty(link.Sent())
	_, pending := ep.dht.CurrentPublishTX()
	require.True(pending)
	require.NotNil(ep.currentIntroSet)
}

func TestRegenAndPublishIntroSetRefusesConcurrentPublish(t *testing.T) {
	require := require.New(t)

	ep, link := newFullTestEndpoint(t, introduction.RouterID{1}, introduction.RouterID{2}, introduction.RouterID{3})
	establishEndpointPaths(t, ep, time.Now())

	ep.RegenAndPublishIntroSet(time.Now())
	first := len(link.Sent())

	ep.RegenAndPublishIntroSet(time.Now())
	require.Equal(first, len(link.Sent()), "a publish already pending must suppress a second one")
}

func TestShouldPublish(t *testing.T) {
	require := require.New(t)

	ep := &Endpoint{}
	now := time.Now()
	require.True(ep.shouldPublish(now), "no current introset at all always needs a publish")

	ep.currentIntroSet = &introduction.IntroSet{I: []introduction.Introduction{{Expiry: now.Add(time.Hour)}}}
	ep.lastPublish = now
	require.False(ep.shouldPublish(now))
	require.True(ep.shouldPublish(now.Add(IntrosetPublishInterval)))

	ep.currentIntroSet = &introduction.IntroSet{I: []introduction.Introduction{{Expiry: now.Add(-time.Minute)}}}
	ep.lastPublish = now
	require.False(ep.shouldPublish(now.Add(time.Second)))
	require.True(ep.shouldPublish(now.Add(IntrosetPublishRetryInterval)))
}

func TestSessionTableRoundTrip(t *testing.T) {
	require := require.New(t)

	ep := &Endpoint{sessions: make(map[crypt.ConvoTag]*Session)}
	tag := crypt.NewConvoTag()
	sender := &identity.ServiceInfo{SigningKey: []byte("k")}
	intro := introduction.Introduction{Router: introduction.RouterID{1}}
	key := [32]byte{1, 2, 3}

	ep.PutSenderFor(tag, sender)
	ep.PutIntroFor(tag, intro)
	ep.PutCachedSessionKeyFor(tag, key)

	gotSender, ok := ep.GetSenderFor(tag)
	require.True(ok)
	require.True(gotSender.Equal(sender))

	gotIntro, ok := ep.GetIntroFor(tag)
	require.True(ok)
	require.Equal(intro, gotIntro)

	gotKey, ok := ep.GetCachedSessionKeyFor(tag)
	require.True(ok)
	require.Equal(key, gotKey)

	tags := ep.GetConvoTagsForService(sender)
	require.Equal([]crypt.ConvoTag{tag}, tags)

	require.Equal(uint64(0), ep.GetSeqNoForConvo(tag))
	require.Equal(uint64(1), ep.GetSeqNoForConvo(tag))
}

func TestGetSeqNoForConvoUnknownTagReturnsZero(t *testing.T) {
	require := require.New(t)

	ep := &Endpoint{sessions: make(map[crypt.ConvoTag]*Session)}
	require.Equal(uint64(0), ep.GetSeqNoForConvo(crypt.NewConvoTag()))
}

func TestEnsurePathToServiceReturnsExistingContext(t *testing.T) {
	require := require.New(t)

	ep, _ := newFullTestEndpoint(t)
	var remote identity.Address
	existing := &OutboundContext{remote: remote}
	ep.outbound[remote] = existing

	var got *OutboundContext
	ep.EnsurePathToService(remote, func(oc *OutboundContext) { got = oc }, time.Second)
	require.Same(existing, got)
}

func TestEnsurePathToServiceNoPathIsANoop(t *testing.T) {
	require := require.New(t)

	ep, link := newFullTestEndpoint(t)
	var remote identity.Address
	var got *OutboundContext
	called := false
	ep.EnsurePathToService(remote, func(oc *OutboundContext) { got = oc; called = true }, time.Second)

	require.True(called)
	require.Nil(got)
	require.Empty(link.Sent())
}

func TestEnsurePathToServiceDuplicateLookupSuppressed(t *testing.T) {
	require := require.New(t)

	ep, _ := newFullTestEndpoint(t, introduction.RouterID{1}, introduction.RouterID{2}, introduction.RouterID{3})
	establishEndpointPaths(t, ep, time.Now())

	var remote identity.Address
	remote[0] = 5
	ep.EnsurePathToService(remote, func(*OutboundContext) {}, time.Second)

	called := false
	ep.EnsurePathToService(remote, func(oc *OutboundContext) {
		called = true
		require.Nil(oc)
	}, time.Second)
	require.True(called, "a second EnsurePathToService while one is pending must fire the hook with nil immediately")
}

func TestHandleDataDiscardRoutesToOwningContext(t *testing.T) {
	require := require.New(t)

	ep, _ := newFullTestEndpoint(t)

	var remote identity.Address
	remoteID := identity.New()
	current := introduction.Introduction{Router: introduction.RouterID{1}, PathID: introduction.PathID{3}, Expiry: time.Now().Add(time.Hour)}
	is := &introduction.IntroSet{I: []introduction.Introduction{current}, Version: 1}
	require.NoError(is.Sign(remoteID))
	oc := newOutboundContext(ep, remote, is, current)
	ep.outbound[remote] = oc
	ep.outboundByPath[current.PathID] = oc

	var otherRemote identity.Address
	otherRemote[0] = 0x9
	otherID := identity.New()
	other := introduction.Introduction{Router: introduction.RouterID{2}, PathID: introduction.PathID{4}, Expiry: time.Now().Add(time.Hour)}
	otherIs := &introduction.IntroSet{I: []introduction.Introduction{other}, Version: 1}
	require.NoError(otherIs.Sign(otherID))
	otherOC := newOutboundContext(ep, otherRemote, otherIs, other)
	ep.outbound[otherRemote] = otherOC
	ep.outboundByPath[other.PathID] = otherOC

	ep.HandleDataDiscard(&routing.DataDiscardMessage{P: current.PathID, S: 5})

	require.Eventually(func() bool {
		oc.mu.Lock()
		defer oc.mu.Unlock()
		_, bad := oc.badIntros[current]
		return bad
	}, 2*time.Second, 5*time.Millisecond)

	otherOC.mu.Lock()
	_, otherBad := otherOC.badIntros[other]
	otherOC.mu.Unlock()
	require.False(otherBad, "a drop naming a different context's path must not mark this one's introduction bad")
}
