package service

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	hpqcrand "github.com/katzenpost/hpqc/rand"

	"github.com/veilrelay/veil/core/log"
	"github.com/veilrelay/veil/core/worker"
	"github.com/veilrelay/veil/crypt"
	"github.com/veilrelay/veil/crypto"
	"github.com/veilrelay/veil/dht"
	"github.com/veilrelay/veil/disk"
	"github.com/veilrelay/veil/identity"
	"github.com/veilrelay/veil/introduction"
	"github.com/veilrelay/veil/linklayer"
	"github.com/veilrelay/veil/netns"
	"github.com/veilrelay/veil/nodedb"
	"github.com/veilrelay/veil/path"
	"github.com/veilrelay/veil/retry"
	"github.com/veilrelay/veil/routing"
	"github.com/veilrelay/veil/tagcache"
	"github.com/veilrelay/veil/transit"
)

var log_ = log.GetLogger("veil/service/endpoint")

// DefaultLookupTimeout bounds a DHT request's time in flight.
const DefaultLookupTimeout = 10 * time.Second

// EnsurePathTimeout is the timeout passed to EnsurePathToService by
// SendToOrQueue's continuation (spec §4.7).
const EnsurePathTimeout = 10 * time.Second

// EndpointDesiredPaths / EndpointMaxPaths are the Path Builder capacity
// defaults for an Endpoint's own paths (spec §4.4).
const (
	EndpointDesiredPaths = 4
	EndpointMaxPaths     = 4
)

const (
	// IntrosetPublishInterval is the ordinary republish cadence.
	IntrosetPublishInterval = 5 * time.Minute
	// IntrosetPublishRetryInterval is used instead when the current
	// introset has any expired introductions.
	IntrosetPublishRetryInterval = 30 * time.Second
	// IntrosetPublishReplicas is R in PublishIntroMessage.
	IntrosetPublishReplicas = 2
)

// introSetSuffix names the sibling file the last-published IntroSet is
// cached to, so a restart can serve prefetches/publish immediately
// instead of waiting for the first path to establish.
const introSetSuffix = ".introset"

// Session is one entry of the endpoint-wide table keyed by ConvoTag
// (spec §3, §4.7).
type Session struct {
	Sender     *identity.ServiceInfo
	Intro      introduction.Introduction
	SessionKey [32]byte
	Seq        uint64
	LastUsed   time.Time
}

type pendingSend struct {
	buffer []byte
	proto  crypt.ProtocolType
}

// Endpoint is the orchestrator (C7): it owns identity, publishes the
// local introset, answers inbound frames, fans out DHT lookups, and
// ticks its Outbound Contexts and Path Builder. Grounded on the
// teacher's client.Session: a worker.Worker executor draining an
// internal op channel, side by side with a ticking garbage-collection
// loop.
type Endpoint struct {
	worker.Worker

	name string

	mu       sync.Mutex
	identity *identity.Identity

	keyFile      string
	tag          string
	prefetchTags []string
	prefetchAddr []identity.Address
	netnsName    string
	minLatency   time.Duration
	tagRedisAddr string

	nodedb       *nodedb.DB
	link         linklayer.Layer
	crypto       *crypto.Pool
	diskJobs     *disk.Worker
	dht          *dht.Client
	builder      *path.Builder
	tags         tagcache.Store
	transitTable *transit.Table

	sessions          map[crypt.ConvoTag]*Session
	outbound          map[identity.Address]*OutboundContext
	outboundByPath    map[introduction.PathID]*OutboundContext
	pendingRemote     map[identity.Address][]pendingSend
	routerRetry       *retry.Schedule
	routerNextAttempt map[introduction.RouterID]time.Time

	recvHandler func(remote *identity.ServiceInfo, payload []byte)

	currentIntroSet *introduction.IntroSet
	lastPublish     time.Time

	opCh chan func()
}

// NewEndpoint constructs an Endpoint named name, wired to the given
// collaborators (spec §6 Collaborator interfaces). db/link/pool/diskW
// are the node database, link layer, crypto pool, and disk worker this
// endpoint consumes; the caller owns their lifecycle beyond Start/Halt.
func NewEndpoint(name string, db *nodedb.DB, link linklayer.Layer, pool *crypto.Pool, diskW *disk.Worker) *Endpoint {
	ep := &Endpoint{
		name:              name,
		nodedb:            db,
		link:              link,
		crypto:            pool,
		diskJobs:          diskW,
		tags:              tagcache.NewMemory(),
		sessions:          make(map[crypt.ConvoTag]*Session),
		outbound:          make(map[identity.Address]*OutboundContext),
		outboundByPath:    make(map[introduction.PathID]*OutboundContext),
		pendingRemote:     make(map[identity.Address][]pendingSend),
		routerRetry:       retry.NewSchedule(),
		routerNextAttempt: make(map[introduction.RouterID]time.Time),
		opCh:              make(chan func(), 64),
	}
	ep.transitTable = transit.NewTable(link, ep.deliverDHTMessage)
	return ep
}

// SetRecvHandler installs the callback invoked with a remote's identity
// and payload once an inbound frame has been decrypted (spec §4.7's
// "answers inbound frames" responsibility). A nil handler drops
// delivered payloads.
func (ep *Endpoint) SetRecvHandler(h func(remote *identity.ServiceInfo, payload []byte)) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.recvHandler = h
}

// Name mirrors the original's Identity.Name(): "name:pub.Name()" once
// an identity is loaded, else just name (spec §3 Supplemented notes).
func (ep *Endpoint) Name() string {
	ep.mu.Lock()
	id := ep.identity
	ep.mu.Unlock()
	if id == nil {
		return ep.name
	}
	return fmt.Sprintf("%s:%x", ep.name, id.Public().Addr())
}

// SetOption accepts the enumerated configuration set (spec §4.7).
// Unknown keys are accepted silently for forward compatibility.
func (ep *Endpoint) SetOption(key, value string) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	switch key {
	case "keyfile":
		ep.keyFile = value
	case "tag":
		ep.tag = value
	case "prefetch-tag":
		ep.prefetchTags = append(ep.prefetchTags, value)
	case "prefetch-addr":
		ep.prefetchAddr = append(ep.prefetchAddr, decodeAddress(value))
	case "netns":
		ep.netnsName = value
	case "min-latency":
		if ms, err := strconv.Atoi(value); err == nil {
			ep.minLatency = time.Duration(ms) * time.Millisecond
		}
	case "tag-cache-redis":
		ep.tagRedisAddr = value
		ep.tags = tagcache.NewRedis(value)
	default:
		log_.Debugf("SetOption: ignoring unknown key %q", key)
	}
}

func decodeAddress(s string) identity.Address {
	var a identity.Address
	copy(a[:], []byte(s))
	return a
}

// Start loads or generates the identity, initializes the Path Builder
// and DHT client, runs queued initialization hooks (network isolation
// notably), and starts the router-logic loop (spec §4.7). It aborts on
// the first init hook that fails.
func (ep *Endpoint) Start() error {
	ep.mu.Lock()
	keyFile := ep.keyFile
	netnsName := ep.netnsName
	minLatency := ep.minLatency
	ep.mu.Unlock()

	// Identity load/generation is file I/O, so it runs on the disk worker.
	var (
		id  *identity.Identity
		err error
	)
	done := make(chan struct{})
	ep.diskJobs.Submit(func() {
		id, err = identity.EnsureKeys(keyFile)
		close(done)
	})
	select {
	case <-done:
	case <-ep.diskJobs.HaltCh():
		return fmt.Errorf("service: start: disk worker halted")
	}
	if err != nil {
		return fmt.Errorf("service: start: %w", err)
	}

	ep.mu.Lock()
	ep.identity = id
	ep.mu.Unlock()

	if keyFile != "" {
		if is, err := loadIntroSet(keyFile + introSetSuffix); err == nil && is.Verify() {
			ep.currentIntroSet = is
		}
	}

	if netnsName != "" {
		if err := netns.Switch(netnsName); err != nil {
			return fmt.Errorf("service: network isolation failed: %w", err)
		}
	}

	ep.dht = dht.NewClient(ep.link, id.Public())
	ep.builder = path.NewBuilder(EndpointDesiredPaths, EndpointMaxPaths, ep.nodedb, ep.buildPathFunc, nil)
	ep.builder.SetMinLatency(minLatency)

	ep.Go(ep.logicLoop)
	log_.Noticef("%s: started", ep.Name())
	return nil
}

// buildPathFunc is the path.BuildFunc plugged into both this endpoint's
// own Path Builder and every OutboundContext's: every path constructed
// anywhere in this endpoint, whether one of its own introduction paths
// or one of an OutboundContext's paths to a remote, gets the same
// terminal-delivery handler so a reply arriving along it has somewhere
// to go.
func (ep *Endpoint) buildPathFunc(hops []introduction.RouterID) (*path.Path, error) {
	p, err := path.New(hops)
	if err != nil {
		return nil, err
	}
	p.SetDataHandler(ep.deliverPayload)
	return p, nil
}

// loadIntroSet reads and decodes a cached IntroSet written by
// persistIntroSet.
func loadIntroSet(path string) (*introduction.IntroSet, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var is introduction.IntroSet
	if err := cbor.Unmarshal(buf, &is); err != nil {
		return nil, fmt.Errorf("service: malformed cached introset: %w", err)
	}
	return &is, nil
}

// persistIntroSet writes is to keyFile+introSetSuffix. Runs on the disk
// worker so a slow filesystem never stalls the router-logic goroutine
// (spec §5).
func (ep *Endpoint) persistIntroSet(is *introduction.IntroSet) {
	ep.mu.Lock()
	keyFile := ep.keyFile
	ep.mu.Unlock()
	if keyFile == "" {
		return
	}
	ep.diskJobs.Submit(func() {
		opts := cbor.CanonicalEncOptions()
		mode, err := opts.EncMode()
		if err != nil {
			log_.Errorf("service: persist introset: %v", err)
			return
		}
		buf, err := mode.Marshal(is)
		if err != nil {
			log_.Errorf("service: persist introset: %v", err)
			return
		}
		const filePerm = 0600
		if err := os.WriteFile(keyFile+introSetSuffix, buf, filePerm); err != nil {
			log_.Warningf("service: persist introset: %v", err)
		}
	})
}

// runInLogic hops fn onto the router-logic goroutine — the only
// goroutine allowed to mutate session/pending-lookup/path state (spec
// §5).
func (ep *Endpoint) runInLogic(fn func()) {
	select {
	case ep.opCh <- fn:
	case <-ep.HaltCh():
	}
}

func (ep *Endpoint) logicLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ep.HaltCh():
			return
		case fn := <-ep.opCh:
			fn()
		case now := <-ticker.C:
			ep.tick(now)
		}
	}
}

// HandlePathBuilt marks a newly confirmed path established, registers
// it with the transit table so an inbound frame naming its id resolves
// back to it, and triggers a fresh publish (spec §4.7). Called once a
// PathConfirmMessage for one of this endpoint's own paths arrives,
// which is the link layer's responsibility to detect and deliver — out
// of scope here (spec §1).
//
// The registered TransitHopInfo names p.Terminal() as Upstream (an
// inbound frame for this path arrives from that router, the last hop
// on the circuit) and the zero RouterID as Downstream, since delivery
// terminates locally rather than relaying further; its HopKey is drawn
// fresh here and its NonceXOR by NewTransitHopInfo, the way a real
// negotiated per-path key would be, rather than left zero-valued.
func (ep *Endpoint) HandlePathBuilt(p *path.Path) {
	now := time.Now()
	p.MarkEstablished(now)
	ep.runInLogic(func() {
		var hopKey [32]byte
		if _, err := hpqcrand.Reader.Read(hopKey[:]); err != nil {
			log_.Errorf("service: draw transit hop key: %v", err)
			return
		}
		info, err := transit.NewTransitHopInfo(p.Terminal(), introduction.RouterID{}, p.ID(), hopKey)
		if err != nil {
			log_.Errorf("service: build transit hop info: %v", err)
			return
		}
		ep.transitTable.Put(transit.NewTransitHop(info, path.DefaultLifetime, now))
		ep.RegenAndPublishIntroSet(now)
	})
}

// HandlePathTransfer answers an inbound PathTransferMessage naming one
// of this endpoint's own paths. This endpoint is a hidden-service
// client core, never a mid-path relay for a circuit it doesn't own
// (spec §1), so every message reaching here is terminal by
// construction; deciding that a message belongs to this node at all,
// rather than merely transiting through it, is the link layer's
// responsibility to detect and deliver.
func (ep *Endpoint) HandlePathTransfer(from introduction.RouterID, msg *routing.PathTransferMessage) {
	ep.transitTable.HandlePathTransfer(from, msg, true, func(frame *crypt.ProtocolFrame) {
		ep.handleInboundFrame(msg.P, frame)
	})
}

// handleInboundFrame answers a still-sealed frame that arrived at one of
// this endpoint's own paths: a fresh handshake (frame.C present) is
// completed via crypto.Pool.RespondHandshake and its result cached into
// the session table exactly as a self-initiated handshake's result is
// (PutSenderFor/PutIntroFor/PutCachedSessionKeyFor); an established
// conversation's frame is opened with its cached session key instead.
// Either way the decrypted message is handed to the owning path's data
// handler, mirroring llarp/service/endpoint.cpp's
// HandleDataMessage/AsyncDecrypt chain (spec §4.7).
func (ep *Endpoint) handleInboundFrame(pathID introduction.PathID, frame *crypt.ProtocolFrame) {
	ep.runInLogic(func() {
		p := ep.builder.PathByID(pathID)
		if p == nil {
			log_.Warningf("service: inbound frame for unknown local path %s", pathID)
			return
		}

		if len(frame.C) > 0 {
			ep.crypto.RespondHandshake(ep.identity, frame, func(msg *crypt.ProtocolMessage, key [32]byte, err error) {
				ep.runInLogic(func() {
					if err != nil {
						log_.Warningf("service: respond handshake: %v", err)
						return
					}
					ep.PutSenderFor(msg.Tag, msg.Sender)
					ep.PutIntroFor(msg.Tag, msg.IntroReply)
					ep.PutCachedSessionKeyFor(msg.Tag, key)
					if h := p.DataHandler(); h != nil {
						h(msg)
					}
				})
			})
			return
		}

		key, ok := ep.GetCachedSessionKeyFor(frame.T)
		if !ok {
			log_.Warningf("service: fast-path frame for unknown conversation %x", frame.T)
			return
		}
		ep.crypto.Open(key, frame, func(msg *crypt.ProtocolMessage, err error) {
			ep.runInLogic(func() {
				if err != nil {
					log_.Warningf("service: open fast-path frame: %v", err)
					return
				}
				if h := p.DataHandler(); h != nil {
					h(msg)
				}
			})
		})
	})
}

// deliverPayload is the path.DataHandler installed on every path this
// endpoint builds: it hands the decrypted message's sender and payload
// to whatever the caller wired via SetRecvHandler, the point past which
// consuming application data is out of scope (spec §1).
func (ep *Endpoint) deliverPayload(msg *crypt.ProtocolMessage) {
	ep.mu.Lock()
	h := ep.recvHandler
	ep.mu.Unlock()
	if h != nil {
		h(msg.Sender, msg.Payload)
	}
}

// HandleDHT answers an inbound DHTMessage: relayed onward if this node
// isn't its destination, or dispatched to deliverDHTMessage if it is.
// As with HandlePathTransfer, deciding isLocal is the link layer's
// responsibility (spec §1).
func (ep *Endpoint) HandleDHT(isLocal bool, from, to introduction.RouterID, msg *routing.DHTMessage) {
	ep.transitTable.HandleDHT(isLocal, from, to, msg)
}

// deliverDHTMessage is the transit.Table deliverDHT callback: it
// dispatches every GotIntro/GotRouter sub-message of a locally-destined
// DHTMessage to the DHT client's response handlers (spec §4.3).
func (ep *Endpoint) deliverDHTMessage(msg *routing.DHTMessage) {
	ep.runInLogic(func() {
		for _, sub := range msg.M {
			if sub.GotIntro != nil {
				ep.dht.HandleGotIntro(sub.GotIntro, ep.IntroSetPublishFail)
			}
			if sub.GotRouter != nil {
				ep.dht.HandleGotRouter(sub.GotRouter)
			}
		}
	})
}

// SendToOrQueue routes buffer to remote, building an Outbound Context
// on demand (spec §4.6/§4.7). If no context exists yet, the buffer is
// queued and EnsurePathToService is issued with a 10-second timeout
// whose continuation flushes the queue.
func (ep *Endpoint) SendToOrQueue(remote identity.Address, buffer []byte, proto crypt.ProtocolType) {
	ep.runInLogic(func() {
		if oc, ok := ep.outbound[remote]; ok {
			oc.AsyncEncryptAndSendTo(buffer, proto)
			return
		}
		ep.pendingRemote[remote] = append(ep.pendingRemote[remote], pendingSend{buffer: buffer, proto: proto})
		ep.EnsurePathToService(remote, func(oc *OutboundContext) {
			ep.runInLogic(func() {
				queued := ep.pendingRemote[remote]
				delete(ep.pendingRemote, remote)
				if oc == nil {
					log_.Warningf("service: giving up on %d queued sends to %x", len(queued), remote)
					return
				}
				for _, q := range queued {
					oc.AsyncEncryptAndSendTo(q.buffer, q.proto)
				}
			})
		}, EnsurePathTimeout)
	})
}

// EnsurePathToService is idempotent: if a session already exists, the
// hook fires immediately; a lookup already pending for remote is
// refused as a duplicate; otherwise a HiddenServiceAddressLookup
// (FindIntroMessage by address) is issued along the closest established
// path to remote (spec §4.7, testable property S4).
func (ep *Endpoint) EnsurePathToService(remote identity.Address, hook func(*OutboundContext), timeout time.Duration) {
	if oc, ok := ep.outbound[remote]; ok {
		hook(oc)
		return
	}
	name := lookupName(remote)
	if ep.dht.HasPending(name) {
		hook(nil)
		return
	}
	var routerID introduction.RouterID
	copy(routerID[:], remote[:])
	via := ep.builder.GetEstablishedPathClosestTo(routerID)
	if via == nil {
		hook(nil)
		return
	}
	ep.dht.FindIntroByAddress(via, remote, 0, timeout, func(introsets []*introduction.IntroSet, _ [][]byte) {
		ep.runInLogic(func() {
			if len(introsets) == 0 || len(introsets[0].I) == 0 {
				hook(nil)
				return
			}
			is := introsets[0]
			oc := newOutboundContext(ep, remote, is, is.I[0])
			ep.outbound[remote] = oc
			ep.outboundByPath[is.I[0].PathID] = oc
			hook(oc)
		})
	})
}

func lookupName(remote identity.Address) string {
	return fmt.Sprintf("find-intro-addr:%x", remote)
}

// EnsureRouterIsKnown resolves router's contact if it is not already in
// the node database and no resolution is currently pending for it
// (spec §4.7), spacing repeated resolution attempts by the delay
// retry.Schedule.Next actually returns rather than merely capping their
// count (spec §4.13).
func (ep *Endpoint) EnsureRouterIsKnown(router introduction.RouterID) {
	if _, ok := ep.nodedb.GetRC(router); ok {
		return
	}
	if ep.dht.HasPending("find-router:" + router.String()) {
		return
	}
	now := time.Now()
	if next, scheduled := ep.routerNextAttempt[router]; scheduled && now.Before(next) {
		return
	}
	delay, ok := ep.routerRetry.Next(router)
	if !ok {
		return
	}
	ep.routerNextAttempt[router] = now.Add(delay)
	via := ep.builder.GetEstablishedPathClosestTo(router)
	if via == nil {
		return
	}
	ep.dht.FindRouter(via, router, DefaultLookupTimeout, func(_ []*introduction.IntroSet, contacts [][]byte) {
		ep.runInLogic(func() {
			if len(contacts) == 0 {
				return
			}
			ep.routerRetry.Forget(router)
			delete(ep.routerNextAttempt, router)
			addrs := make([]string, len(contacts))
			for i, c := range contacts {
				addrs[i] = string(c)
			}
			ep.nodedb.AsyncVerifyRC(&nodedb.VerifyJob{
				Candidate: &nodedb.Contact{ID: router, Addresses: addrs},
				Done: func(ok bool, err error) {
					if !ok {
						log_.Warningf("service: failed to persist router contact %s: %v", router, err)
					}
				},
			})
		})
	})
}

// RegenAndPublishIntroSet collects the current introductions from this
// endpoint's own paths, drops those expiring soon, signs, and publishes
// via two paths: one closest to the local address and one random (spec
// §4.7). At most one publish is in flight at a time, tracked by the DHT
// client's current-publish transaction id.
func (ep *Endpoint) RegenAndPublishIntroSet(now time.Time) {
	if _, pending := ep.dht.CurrentPublishTX(); pending {
		return
	}

	intros := make([]introduction.Introduction, 0, EndpointDesiredPaths)
	for _, p := range ep.builder.Paths() {
		if p.State() != path.StateEstablished {
			continue
		}
		intros = append(intros, introduction.Introduction{
			Router:  p.Terminal(),
			PathID:  p.ID(),
			Latency: p.Latency(),
			Expiry:  now.Add(path.DefaultLifetime),
		})
	}
	if len(intros) == 0 {
		return
	}

	is := &introduction.IntroSet{I: intros, Tag: ep.tag, Version: uint64(now.UnixNano())}
	is = is.WithoutExpiringSoon(now)
	if err := is.Sign(ep.identity); err != nil {
		log_.Errorf("service: sign introset: %v", err)
		return
	}
	ep.currentIntroSet = is

	addr := ep.identity.Public().Addr()
	var localRouter introduction.RouterID
	copy(localRouter[:], addr[:])

	closest := ep.builder.GetEstablishedPathClosestTo(localRouter)
	random := ep.builder.PickRandomEstablishedPath()
	if closest == nil {
		return
	}

	txID := ep.dht.PublishIntro(closest, is, IntrosetPublishReplicas, DefaultLookupTimeout, func(introsets []*introduction.IntroSet, _ [][]byte) {
		ep.runInLogic(func() {
			for _, got := range introsets {
				if got.EqualServiceInfo(ep.identity.Public()) {
					ep.lastPublish = time.Now()
					ep.persistIntroSet(is)
					return
				}
			}
		})
	})
	if random != nil && random != closest {
		ep.dht.PublishIntroWithTX(random, is, txID, IntrosetPublishReplicas)
	}
}

// IntroSetPublishFail is intentionally empty: the spec leaves retry
// policy to the ordinary publish cadence (spec §9 Open Question).
func (ep *Endpoint) IntroSetPublishFail(txID uint64) {}

// PutSenderFor / PutIntroFor / PutCachedSessionKeyFor / GetSenderFor /
// GetIntroFor / GetCachedSessionKeyFor / GetConvoTagsForService
// maintain the Session table keyed by ConvoTag (spec §4.7); each
// mutation updates LastUsed.

func (ep *Endpoint) session(tag crypt.ConvoTag) *Session {
	s, ok := ep.sessions[tag]
	if !ok {
		s = &Session{}
		ep.sessions[tag] = s
	}
	return s
}

func (ep *Endpoint) PutSenderFor(tag crypt.ConvoTag, sender *identity.ServiceInfo) {
	s := ep.session(tag)
	s.Sender = sender
	s.LastUsed = time.Now()
}

func (ep *Endpoint) PutIntroFor(tag crypt.ConvoTag, intro introduction.Introduction) {
	s := ep.session(tag)
	s.Intro = intro
	s.LastUsed = time.Now()
}

func (ep *Endpoint) PutCachedSessionKeyFor(tag crypt.ConvoTag, key [32]byte) {
	s := ep.session(tag)
	s.SessionKey = key
	s.LastUsed = time.Now()
}

func (ep *Endpoint) GetSenderFor(tag crypt.ConvoTag) (*identity.ServiceInfo, bool) {
	s, ok := ep.sessions[tag]
	if !ok {
		return nil, false
	}
	return s.Sender, true
}

func (ep *Endpoint) GetIntroFor(tag crypt.ConvoTag) (introduction.Introduction, bool) {
	s, ok := ep.sessions[tag]
	if !ok {
		return introduction.Introduction{}, false
	}
	return s.Intro, true
}

func (ep *Endpoint) GetCachedSessionKeyFor(tag crypt.ConvoTag) ([32]byte, bool) {
	s, ok := ep.sessions[tag]
	if !ok {
		return [32]byte{}, false
	}
	return s.SessionKey, true
}

func (ep *Endpoint) GetConvoTagsForService(sender *identity.ServiceInfo) []crypt.ConvoTag {
	var out []crypt.ConvoTag
	for tag, s := range ep.sessions {
		if s.Sender != nil && s.Sender.Equal(sender) {
			out = append(out, tag)
		}
	}
	return out
}

// GetSeqNoForConvo atomically post-increments the session's counter;
// returns 0 for an unknown tag (spec §4.7).
func (ep *Endpoint) GetSeqNoForConvo(tag crypt.ConvoTag) uint64 {
	s, ok := ep.sessions[tag]
	if !ok {
		return 0
	}
	seq := s.Seq
	s.Seq++
	s.LastUsed = time.Now()
	return seq
}

// Tick publishes if due, expires pending lookups and router-resolution
// jobs, prefetches configured addresses and tags, ticks every Outbound
// Context and drops those reporting done (spec §4.7).
func (ep *Endpoint) tick(now time.Time) {
	ep.builder.Tick(now)
	ep.dht.ExpirePending(now)
	ep.transitTable.ExpireHops(now)

	if ep.shouldPublish(now) {
		ep.RegenAndPublishIntroSet(now)
	}

	for _, addr := range ep.prefetchAddr {
		if _, ok := ep.outbound[addr]; !ok {
			ep.EnsurePathToService(addr, func(*OutboundContext) {}, DefaultLookupTimeout)
		}
	}
	for _, tag := range ep.prefetchTags {
		ep.prefetchTag(now, tag)
	}

	for addr, oc := range ep.outbound {
		if oc.Tick(now) {
			delete(ep.outbound, addr)
		}
	}
}

// shouldPublish implements the publish cadence (spec §4.7): retry
// sooner if the current introset has any expired introductions,
// otherwise the ordinary refresh interval.
func (ep *Endpoint) shouldPublish(now time.Time) bool {
	if ep.currentIntroSet == nil {
		return true
	}
	if ep.currentIntroSet.HasExpired(now) {
		return now.Sub(ep.lastPublish) >= IntrosetPublishRetryInterval
	}
	return now.Sub(ep.lastPublish) >= IntrosetPublishInterval
}

const prefetchRefreshInterval = 2 * time.Minute

func (ep *Endpoint) prefetchTag(now time.Time, tag string) {
	result, ok := ep.tags.Get(tag)
	if !ok {
		result = &tagcache.Result{}
	}
	if !result.ShouldRefresh(now, prefetchRefreshInterval) {
		return
	}
	via := ep.builder.PickRandomEstablishedPath()
	if via == nil {
		return
	}
	result.LastRequest = now
	ep.tags.Put(tag, result)

	ep.dht.FindIntroByTag(via, tag, DefaultLookupTimeout, func(introsets []*introduction.IntroSet, _ [][]byte) {
		ep.runInLogic(func() {
			r, ok := ep.tags.Get(tag)
			if !ok {
				r = &tagcache.Result{}
			}
			if len(introsets) > 0 {
				r.IntroSets = introsets
				r.LastModified = time.Now()
			}
			ep.tags.Put(tag, r)
		})
	})
}

// HandleDataDiscard dispatches a DataDiscardMessage arriving for one of
// this endpoint's own sends to the one Outbound Context whose current
// introduction's path id it actually names, found via outboundByPath
// rather than broadcasting to every context (spec §7 Protocol drop
// policy).
func (ep *Endpoint) HandleDataDiscard(msg *routing.DataDiscardMessage) {
	ep.runInLogic(func() {
		oc, ok := ep.outboundByPath[msg.P]
		if !ok {
			return
		}
		oc.HandleDataDrop(msg.P, oc.remoteIntro.Router, msg.S)
	})
}

// indexOutboundPath keeps outboundByPath in sync with oc's current
// remoteIntro.PathID, so HandleDataDiscard's lookup stays correct across
// ShiftIntroduction (spec §4.6/§7). old and new may be equal, in which
// case this is a no-op re-assignment.
func (ep *Endpoint) indexOutboundPath(oc *OutboundContext, old, current introduction.PathID) {
	if old != current {
		if existing, ok := ep.outboundByPath[old]; ok && existing == oc {
			delete(ep.outboundByPath, old)
		}
	}
	ep.outboundByPath[current] = oc
}
