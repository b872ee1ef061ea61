package service

import (
	"fmt"
	"sync"
	"time"

	"github.com/veilrelay/veil/core/log"
	"github.com/veilrelay/veil/crypt"
	"github.com/veilrelay/veil/identity"
	"github.com/veilrelay/veil/introduction"
	"github.com/veilrelay/veil/path"
	"github.com/veilrelay/veil/routing"
)

var outboundLog = log.GetLogger("veil/service/outbound")

// MinShiftInterval throttles ShiftIntroduction so a flapping remote
// service cannot force continuous path rebuilds (spec §4.6).
const MinShiftInterval = 30 * time.Second

// OutboundContextDesiredPaths / OutboundContextMaxPaths are the Path
// Builder capacity defaults for a single remote conversation (spec
// §4.4).
const (
	OutboundContextDesiredPaths = 2
	OutboundContextMaxPaths     = 4
)

// OutboundContext is the per-remote-address session: introduction
// tracking, its own small Path Builder pinned at the remote's router,
// and the send pipeline state machine.
type OutboundContext struct {
	sendContext

	remote   identity.Address
	endpoint *Endpoint

	mu               sync.Mutex
	remoteInfo       *identity.ServiceInfo
	currentIntroSet  *introduction.IntroSet
	remoteIntro      introduction.Introduction
	badIntros        map[introduction.Introduction]time.Time
	updatingIntroSet bool
	lastShift        time.Time
	rotatingQueue    []pendingSend

	builder *path.Builder
}

func newOutboundContext(ep *Endpoint, remote identity.Address, introset *introduction.IntroSet, chosen introduction.Introduction) *OutboundContext {
	oc := &OutboundContext{
		remote:          remote,
		endpoint:        ep,
		remoteInfo:      introset.A,
		currentIntroSet: introset,
		remoteIntro:     chosen,
		badIntros:       make(map[introduction.Introduction]time.Time),
	}
	selector := func(db path.NodeDB, prev introduction.RouterID, cur *introduction.RouterID, index, total int, chosenSet map[introduction.RouterID]bool) error {
		if index == total-1 {
			oc.mu.Lock()
			target := oc.remoteIntro.Router
			oc.mu.Unlock()
			if _, ok := db.GetRC(target); !ok {
				return path.ErrUnknownRouter
			}
			*cur = target
			return nil
		}
		return path.DefaultHopSelector(db, prev, cur, index, total, chosenSet)
	}
	oc.builder = path.NewBuilder(OutboundContextDesiredPaths, OutboundContextMaxPaths, ep.nodedb, ep.buildPathFunc, selector)
	return oc
}

// AsyncEncryptAndSendTo is the entry point for outgoing payloads: on
// the first send it drives the hybrid handshake, thereafter it uses the
// fast path — unless a rotation is in flight, in which case the send is
// held until resumeEstablished fires, closing the race where a fast
// send would otherwise transmit against a freshly-shifted introduction
// whose path is not yet built (spec §9).
func (oc *OutboundContext) AsyncEncryptAndSendTo(buffer []byte, proto crypt.ProtocolType) {
	if !oc.hasSentBefore() {
		oc.sendHandshake(buffer, proto)
		return
	}
	if oc.State() == sendRotating {
		oc.mu.Lock()
		oc.rotatingQueue = append(oc.rotatingQueue, pendingSend{buffer: buffer, proto: proto})
		oc.mu.Unlock()
		return
	}
	oc.sendFastPath(buffer, proto)
}

// flushRotatingQueue sends every buffer queued while rotating, once
// resumeEstablished has fired.
func (oc *OutboundContext) flushRotatingQueue() {
	oc.mu.Lock()
	queued := oc.rotatingQueue
	oc.rotatingQueue = nil
	oc.mu.Unlock()
	for _, q := range queued {
		oc.sendFastPath(q.buffer, q.proto)
	}
}

func (oc *OutboundContext) sendHandshake(buffer []byte, proto crypt.ProtocolType) {
	oc.mu.Lock()
	remoteInfo := oc.remoteInfo
	remoteIntro := oc.remoteIntro
	oc.mu.Unlock()

	oc.endpoint.crypto.InitiateHandshake(oc.endpoint.identity, remoteInfo, remoteIntro, proto, buffer, func(result *crypt.HandshakeResult, err error) {
		oc.endpoint.runInLogic(func() {
			if err != nil {
				outboundLog.Warningf("handshake failed for %x: %v", oc.remote, err)
				return
			}
			oc.setEstablished(result.Tag, result.SessionKey)
			oc.nextSeq()
			oc.endpoint.PutSenderFor(result.Tag, remoteInfo)
			oc.endpoint.PutIntroFor(result.Tag, remoteIntro)
			oc.endpoint.PutCachedSessionKeyFor(result.Tag, result.SessionKey)
			oc.transmit(remoteIntro, result.Frame)
		})
	})
}

func (oc *OutboundContext) sendFastPath(buffer []byte, proto crypt.ProtocolType) {
	oc.mu.Lock()
	remoteIntro := oc.remoteIntro
	oc.mu.Unlock()

	key := oc.sessionKey()
	tag := oc.Tag()
	seq := oc.nextSeq()
	msg := &crypt.ProtocolMessage{
		Proto:      proto,
		Tag:        tag,
		Sender:     oc.endpoint.identity.Public(),
		IntroReply: remoteIntro,
		Version:    crypt.MessageVersion,
		Payload:    buffer,
	}
	oc.endpoint.crypto.Seal(key, seq, tag, msg, func(frame *crypt.ProtocolFrame, err error) {
		oc.endpoint.runInLogic(func() {
			if err != nil {
				outboundLog.Warningf("seal failed for %x: %v", oc.remote, err)
				return
			}
			oc.transmit(remoteIntro, frame)
		})
	})
}

// transmit wraps frame in a PathTransferMessage addressed to the
// remote's introduction and sends it over the newest path terminating
// at remoteIntro's router (spec §4.6: "selects the newest path to
// remoteIntro.router").
func (oc *OutboundContext) transmit(remoteIntro introduction.Introduction, frame *crypt.ProtocolFrame) {
	p := oc.builder.GetNewestPathByRouter(remoteIntro.Router)
	if p == nil {
		outboundLog.Errorf("no path to %x, dropping send", oc.remote)
		return
	}
	msg := &routing.PathTransferMessage{P: remoteIntro.PathID, T: frame, Y: frame.N, S: frame.S}
	if !oc.endpoint.link.SendToOrQueue(p.Terminal(), msg) {
		outboundLog.Warningf("link queue full sending to %x", oc.remote)
	}
}

// Tick garbage-collects stale bad-intro entries, ensures the remote's
// router is known, shifts introductions nearing expiry, and reports
// whether this context has become eligible for destruction (spec
// §4.6).
func (oc *OutboundContext) Tick(now time.Time) (done bool) {
	oc.builder.Tick(now)

	oc.mu.Lock()
	for intro, markedAt := range oc.badIntros {
		if now.Sub(markedAt) > path.DefaultLifetime {
			delete(oc.badIntros, intro)
		}
	}
	router := oc.remoteIntro.Router
	expiringSoon := oc.remoteIntro.ExpiresSoon(now)
	oc.mu.Unlock()

	oc.endpoint.EnsureRouterIsKnown(router)

	// A rotation only resumes once a path to the (possibly new) router
	// the shifted introduction points at is actually established — not
	// the instant the shift is requested (spec §9).
	if oc.State() == sendRotating && oc.builder.GetPathByRouter(router) != nil {
		oc.resumeEstablished()
		oc.flushRotatingQueue()
	}

	if expiringSoon {
		oc.ShiftIntroduction(now)
	}

	return false
}

// UpdateIntroSet issues one outstanding DHT address lookup to refresh
// currentIntroSet, guarded by updatingIntroSet so at most one is ever
// in flight (spec §4.6).
func (oc *OutboundContext) UpdateIntroSet() {
	oc.mu.Lock()
	if oc.updatingIntroSet {
		oc.mu.Unlock()
		return
	}
	oc.updatingIntroSet = true
	oc.mu.Unlock()

	via := oc.builder.PickRandomEstablishedPath()
	if via == nil {
		oc.mu.Lock()
		oc.updatingIntroSet = false
		oc.mu.Unlock()
		return
	}
	oc.endpoint.dht.FindIntroByAddress(via, oc.remote, 0, DefaultLookupTimeout, func(introsets []*introduction.IntroSet, _ [][]byte) {
		oc.endpoint.runInLogic(func() {
			oc.mu.Lock()
			oc.updatingIntroSet = false
			if len(introsets) > 0 {
				oc.currentIntroSet = introsets[0]
			}
			oc.mu.Unlock()
		})
	})
}

// MarkCurrentIntroBad adds remoteIntro to badIntros and attempts to
// adopt a replacement, requesting a manual rebuild when the terminal
// router actually changes (spec §4.6).
func (oc *OutboundContext) MarkCurrentIntroBad(now time.Time) (foundReplacement bool) {
	oc.mu.Lock()
	oc.badIntros[oc.remoteIntro] = now
	oc.mu.Unlock()
	oc.markRotating()
	return oc.ShiftIntroduction(now)
}

// ShiftIntroduction adopts the first non-bad, non-soon-expiring
// introduction from currentIntroSet.I that is not the current one,
// throttled by MinShiftInterval (spec §4.6, testable properties 5/6).
func (oc *OutboundContext) ShiftIntroduction(now time.Time) bool {
	oc.mu.Lock()
	if now.Sub(oc.lastShift) < MinShiftInterval {
		oc.mu.Unlock()
		return false
	}
	current := oc.remoteIntro
	var candidate *introduction.Introduction
	if oc.currentIntroSet != nil {
		for i := range oc.currentIntroSet.I {
			cand := oc.currentIntroSet.I[i]
			if cand.Equal(current) {
				continue
			}
			if _, bad := oc.badIntros[cand]; bad {
				continue
			}
			if cand.ExpiresSoon(now) {
				continue
			}
			candidate = &cand
			break
		}
	}
	if candidate == nil {
		oc.mu.Unlock()
		return false
	}
	oc.remoteIntro = *candidate
	oc.lastShift = now
	routerChanged := candidate.Router != current.Router
	oc.mu.Unlock()

	oc.endpoint.indexOutboundPath(oc, current.PathID, candidate.PathID)

	if routerChanged {
		// Stay rotating: Tick resumes once oc.builder actually reports an
		// established path to the new router, rather than resuming
		// immediately against a router nothing has built a path to yet.
		oc.builder.ManualRebuild(1)
	} else {
		oc.resumeEstablished()
		oc.flushRotatingQueue()
	}
	return true
}

// HandleDataDrop reacts to a DataDiscard naming this context's own
// send: if it pertains to the current remoteIntro, mark it bad;
// otherwise the drop is stale and only an introset refresh is
// warranted (spec §4.6).
func (oc *OutboundContext) HandleDataDrop(p introduction.PathID, dst introduction.RouterID, seq uint64) {
	oc.mu.Lock()
	pertains := oc.remoteIntro.PathID == p && oc.remoteIntro.Router == dst
	oc.mu.Unlock()

	if pertains {
		oc.MarkCurrentIntroBad(time.Now())
		return
	}
	oc.UpdateIntroSet()
}

// Remote returns the address this context conducts a conversation with.
func (oc *OutboundContext) Remote() identity.Address { return oc.remote }

func (oc *OutboundContext) String() string {
	return fmt.Sprintf("outbound(%x, state=%s)", oc.remote, oc.State())
}
