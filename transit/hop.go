// Package transit implements the per-circuit relay state a node holds
// for paths transiting through it (spec §4.5): decrypting one onion
// layer, dispatching to the local endpoint when the hop is the path's
// terminal, and forwarding upstream/downstream otherwise. Grounded on
// the teacher's server-side path/transit hop handling
// (server/internal/outgoing, internal/path layer-peeling), adapted down
// to the client-side subset this core owns.
package transit

import (
	"fmt"
	"time"

	hpqcrand "github.com/katzenpost/hpqc/rand"

	"github.com/veilrelay/veil/core/log"
	"github.com/veilrelay/veil/crypt"
	"github.com/veilrelay/veil/introduction"
	"github.com/veilrelay/veil/linklayer"
	"github.com/veilrelay/veil/routing"
)

var log_ = log.GetLogger("veil/transit")

// TransitHopInfo identifies one hop of a transiting circuit: the router
// this message arrived from, the router it is bound for next, the
// symmetric key this hop uses to peel or apply one onion layer, and a
// nonce mask assigned independently of the path id at hop-creation time
// (spec §4.5 Data Model: the nonceXOR mask is a stored field, not
// derived from anything carried in the message it masks).
type TransitHopInfo struct {
	Upstream   introduction.RouterID
	Downstream introduction.RouterID
	PathID     introduction.PathID
	HopKey     [32]byte
	NonceXOR   [crypt.NonceSize]byte
}

// NewTransitHopInfo fills in info's NonceXOR with a freshly drawn random
// mask, the way path.New draws a fresh PathID: independently of any
// value that later travels alongside it on the wire.
func NewTransitHopInfo(upstream, downstream introduction.RouterID, pathID introduction.PathID, hopKey [32]byte) (TransitHopInfo, error) {
	info := TransitHopInfo{Upstream: upstream, Downstream: downstream, PathID: pathID, HopKey: hopKey}
	if _, err := hpqcrand.Reader.Read(info.NonceXOR[:]); err != nil {
		return TransitHopInfo{}, fmt.Errorf("transit: draw nonce mask: %w", err)
	}
	return info, nil
}

// TransitHop is the live relay state for one hop of one transiting
// path: its static info, its creation time (ExpireHops tears the hop
// down once lifetime has passed since then), and the time it last
// carried a message. LastUsed is recorded only; expiry does not
// depend on it, so an idle hop lives out its full lifetime.
type TransitHop struct {
	Info      TransitHopInfo
	Started   time.Time
	LastUsed  time.Time
	lifetime  time.Duration
}

// NewTransitHop starts tracking a transit hop with lifetime as its
// time-to-live from creation (spec §4.5 invariant: a transit hop that
// outlives the path's lifetime is torn down).
func NewTransitHop(info TransitHopInfo, lifetime time.Duration, now time.Time) *TransitHop {
	return &TransitHop{Info: info, Started: now, LastUsed: now, lifetime: lifetime}
}

// Expired reports whether the hop has outlived its lifetime.
func (h *TransitHop) Expired(now time.Time) bool {
	return now.Sub(h.Started) > h.lifetime
}

func nonceXOR(mask, nonce [crypt.NonceSize]byte) [crypt.NonceSize]byte {
	var out [crypt.NonceSize]byte
	for i := range out {
		out[i] = nonce[i] ^ mask[i]
	}
	return out
}

// Table owns every transit hop this node currently relays for, keyed by
// path id, and dispatches inbound PathTransfer/PathLatency/PathConfirm/
// DataDiscard/DHT messages along them.
type Table struct {
	hops map[introduction.PathID]*TransitHop
	link linklayer.Layer

	// deliverDHT hands a decoded DHTMessage bound for the local endpoint
	// to whichever component owns DHT response dispatch.
	deliverDHT func(msg *routing.DHTMessage)
}

// NewTable constructs an empty transit table relaying over link.
func NewTable(link linklayer.Layer, deliverDHT func(msg *routing.DHTMessage)) *Table {
	return &Table{
		hops:       make(map[introduction.PathID]*TransitHop),
		link:       link,
		deliverDHT: deliverDHT,
	}
}

// Put registers a transit hop, replacing any previous registration for
// the same path id.
func (t *Table) Put(hop *TransitHop) {
	t.hops[hop.Info.PathID] = hop
}

// Remove tears down the transit hop for pathID, if any.
func (t *Table) Remove(pathID introduction.PathID) {
	delete(t.hops, pathID)
}

// ExpireHops removes every transit hop that has outlived its lifetime.
func (t *Table) ExpireHops(now time.Time) {
	for id, h := range t.hops {
		if h.Expired(now) {
			delete(t.hops, id)
		}
	}
}

// HandlePathTransfer relays or, if this hop is the path's terminal,
// dispatches msg. isTerminal is decided by the caller from its own
// path-ownership knowledge (whether PathID resolves to a locally-held
// OutboundContext/Endpoint path rather than a further transit hop).
func (t *Table) HandlePathTransfer(from introduction.RouterID, msg *routing.PathTransferMessage, isTerminal bool, deliverLocal func(frame *crypt.ProtocolFrame)) {
	hop, ok := t.hops[msg.P]
	if !ok {
		// Unknown path id at a transit hop: nothing to relay through,
		// drop (spec §4.5: transit hops reply DataDiscard on relay
		// failure, but an unknown id has no upstream to notify either).
		log_.Warning("transit: PathTransfer for unknown path %s", msg.P)
		return
	}
	hop.LastUsed = time.Now()

	if isTerminal {
		if deliverLocal != nil {
			deliverLocal(msg.T)
		}
		return
	}

	// A relayed frame is peeled under this hop's own key and its nonce
	// rotated by NonceXOR before being forwarded — every hop it transits
	// removes exactly one onion layer (spec §4.5 steps 1 & 3, invariant 9).
	if err := PeelLayer(hop, msg); err != nil {
		log_.Warningf("transit: peel layer for path %s: %v", msg.P, err)
		discard := &routing.DataDiscardMessage{P: msg.P, S: msg.S}
		t.link.SendToOrQueue(from, discard)
		return
	}

	next := hop.Info.Downstream
	if from == hop.Info.Downstream {
		next = hop.Info.Upstream
	}
	if !t.link.SendToOrQueue(next, msg) {
		discard := &routing.DataDiscardMessage{P: msg.P, S: msg.S}
		t.link.SendToOrQueue(from, discard)
	}
}

// HandlePathLatency answers a latency probe on a known path by sending
// its echo back to the router it came from (spec §4.5: PathLatency
// "replies with the same message"); it never relays the probe onward,
// and a probe for an unknown path is dropped. The echo is a hop-originated
// message, so it is encoded and padded to MessagePadSize before being
// sent, the way every other hop-originated message must be so its
// length doesn't betray its kind (spec §4.5, testable property 8).
func (t *Table) HandlePathLatency(from introduction.RouterID, pathID introduction.PathID, msg *routing.PathLatencyMessage) {
	hop, ok := t.hops[pathID]
	if !ok {
		return
	}
	hop.LastUsed = time.Now()
	buf, err := EncodeAndPad(msg)
	if err != nil {
		log_.Warningf("transit: encode path latency echo: %v", err)
		return
	}
	t.link.SendToOrQueue(from, &routing.RawMessage{K: msg.Kind(), Buf: buf})
}

// HandlePathConfirm logs and drops an unexpected PathConfirm seen at a
// transit hop (spec §4.5: only the path's originator interprets
// PathConfirm as "my path finished building").
func (t *Table) HandlePathConfirm(from introduction.RouterID, msg *routing.PathConfirmMessage) {
	log_.Debug("transit: unexpected PathConfirm at transit hop for path %s", msg.P)
}

// HandleDataDiscard logs and drops an unexpected DataDiscard seen at a
// transit hop (spec §4.5: only the path's originator acts on its own
// DataDiscard notifications).
func (t *Table) HandleDataDiscard(from introduction.RouterID, msg *routing.DataDiscardMessage) {
	log_.Debug("transit: unexpected DataDiscard at transit hop for path %s", msg.P)
}

// HandleDHT relays a DHTMessage toward its destination if this hop is
// not local, or hands it to deliverDHT when it has reached the node
// that owns the pending lookup table.
func (t *Table) HandleDHT(isLocal bool, from, to introduction.RouterID, msg *routing.DHTMessage) {
	if isLocal {
		if t.deliverDHT != nil {
			t.deliverDHT(msg)
		}
		return
	}
	t.link.SendToOrQueue(to, msg)
}

// PeelLayer decrypts one onion layer of a transiting PathTransfer
// payload in place using the hop's symmetric key, XORing the carried
// nonce with the hop's own nonce mask the way each hop derives a
// hop-specific stream from a single shared nonce (spec §4.5). The mask
// lives on TransitHopInfo rather than being derived from anything
// carried in msg, since msg.P travels in the clear alongside it.
func PeelLayer(hop *TransitHop, msg *routing.PathTransferMessage) error {
	nonce := nonceXOR(hop.Info.NonceXOR, msg.Y)
	if msg.T == nil || len(msg.T.Encrypted) == 0 {
		return fmt.Errorf("transit: PathTransfer carries no payload")
	}
	out := make([]byte, len(msg.T.Encrypted))
	if err := crypt.StreamXOR(hop.Info.HopKey, nonce, msg.T.Encrypted, out); err != nil {
		return fmt.Errorf("transit: peel layer: %w", err)
	}
	msg.T.Encrypted = out
	msg.Y = nonce
	return nil
}

// EncodeAndPad serializes msg to its canonical wire form and pads it to
// routing.MessagePadSize so its length does not betray its kind before
// a caller encrypts it for the next hop (spec §4.5 invariant 8).
func EncodeAndPad(msg routing.Message) ([]byte, error) {
	buf, err := routing.Encode(msg)
	if err != nil {
		return nil, err
	}
	return routing.Pad(buf)
}
