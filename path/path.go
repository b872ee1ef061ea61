// Package path implements multi-hop circuit construction, maintenance,
// and rotation (spec §4.4): the Path Builder and the Path lifecycle it
// drives. Grounded on the teacher's path-selection helper
// (internal/path/path.go) generalized from a one-shot helper into a
// stateful builder with the lifecycle spec §4.4 requires.
package path

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	hpqcrand "github.com/katzenpost/hpqc/rand"

	"github.com/veilrelay/veil/core/log"
	"github.com/veilrelay/veil/crypt"
	"github.com/veilrelay/veil/introduction"
)

var log_ = log.GetLogger("veil/path")

// State is a Path's position in the building -> established -> dead
// lifecycle.
type State int

const (
	StateBuilding State = iota
	StateEstablished
	StateDead
)

func (s State) String() string {
	switch s {
	case StateBuilding:
		return "building"
	case StateEstablished:
		return "established"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// DefaultLifetime is how long a built path remains usable before it is
// considered expired by time (one of the three ways a path dies, per
// spec §4.4).
const DefaultLifetime = 10 * time.Minute

// DataHandler receives a decrypted inbound message delivered along a
// path once its terminal hop has answered a handshake or fast-path
// frame addressed to it (spec §4.7's "answers inbound frames"
// responsibility, mirroring llarp/service/endpoint.cpp's
// HandleDataMessage/AsyncDecrypt chain).
type DataHandler func(msg *crypt.ProtocolMessage)

// Path is one constructed multi-hop circuit.
type Path struct {
	mu sync.Mutex

	id      introduction.PathID
	hops    []introduction.RouterID
	state   State
	builtAt time.Time
	latency time.Duration

	dataHandler DataHandler
}

// newPath allocates a Path over hops, identified by id, in the building
// state.
func newPath(id introduction.PathID, hops []introduction.RouterID) *Path {
	return &Path{id: id, hops: hops, state: StateBuilding}
}

// New allocates a fresh Path over hops with a random path id, in the
// building state. It is the constructor a BuildFunc implementation uses
// once it has picked its hop sequence; the wire-level circuit
// construction handshake that actually establishes it on the network is
// out of scope (spec §1) and is represented purely by the transition
// from building to established via MarkEstablished.
func New(hops []introduction.RouterID) (*Path, error) {
	var id introduction.PathID
	if _, err := hpqcrand.Reader.Read(id[:]); err != nil {
		return nil, fmt.Errorf("path: draw path id: %w", err)
	}
	return newPath(id, hops), nil
}

// ID returns the path's local identifier.
func (p *Path) ID() introduction.PathID { return p.id }

// Hops returns the ordered hop sequence, source-adjacent first.
func (p *Path) Hops() []introduction.RouterID {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]introduction.RouterID, len(p.hops))
	copy(out, p.hops)
	return out
}

// Terminal returns the last hop in the path, the router an Outbound
// Context's remote peer is reachable through.
func (p *Path) Terminal() introduction.RouterID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hops[len(p.hops)-1]
}

// State returns the path's current lifecycle state.
func (p *Path) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// SetDataHandler installs the callback invoked with a decrypted message
// delivered along this path. Assigned once, at construction (spec §4.4;
// see service.Endpoint's buildPathFunc), so every path — whether one of
// an Endpoint's own introduction paths or one of an OutboundContext's
// own paths to a remote — has somewhere to hand traffic that terminates
// on it.
func (p *Path) SetDataHandler(h DataHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dataHandler = h
}

// DataHandler returns the callback installed by SetDataHandler, or nil.
func (p *Path) DataHandler() DataHandler {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dataHandler
}

// MarkEstablished transitions a building path to established once its
// build confirmation arrives.
func (p *Path) MarkEstablished(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateBuilding {
		p.state = StateEstablished
		p.builtAt = now
	}
}

// MarkDead transitions the path to dead. Idempotent.
func (p *Path) MarkDead() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = StateDead
}

// RecordLatency stores a fresh latency sample for the path and kills it
// if the sample meets or exceeds maxLatency (spec §4.4 death cause:
// "measured latency exceeding a configured minimum").
func (p *Path) RecordLatency(sample, maxLatency time.Duration) {
	p.mu.Lock()
	p.latency = sample
	dead := maxLatency > 0 && sample >= maxLatency
	p.mu.Unlock()
	if dead {
		p.MarkDead()
	}
}

// Latency returns the most recent latency sample.
func (p *Path) Latency() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latency
}

// Expired reports whether the path has outlived lifetime since it was
// established.
func (p *Path) Expired(now time.Time, lifetime time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateEstablished {
		return false
	}
	return now.Sub(p.builtAt) > lifetime
}

// RouterContact is the minimal shape the Path Builder needs out of the
// node database collaborator to pick hops.
type RouterContact struct {
	ID introduction.RouterID
}

// NodeDB is the subset of the node-database collaborator (spec §6) the
// Path Builder consumes: known-router lookup and enumeration for
// default random hop selection.
type NodeDB interface {
	GetRC(id introduction.RouterID) (*RouterContact, bool)
	RandomRouters(n int, exclude map[introduction.RouterID]bool) []introduction.RouterID
}

// HopSelector constrains a single hop during path construction. The
// default implementation picks uniformly at random from nodedb,
// excluding hops already chosen. Outbound Context overrides this so
// that the final hop is pinned to a specific remote router (spec
// §4.4).
type HopSelector func(db NodeDB, prev introduction.RouterID, cur *introduction.RouterID, index, total int, chosen map[introduction.RouterID]bool) error

// ErrUnknownRouter is returned by a HopSelector that needs a router
// contact it does not yet have, so the caller can schedule resolution
// and retry on the next tick.
var ErrUnknownRouter = fmt.Errorf("path: router contact unknown")

// DefaultHopSelector picks a uniform-random router from nodedb distinct
// from every hop chosen so far.
func DefaultHopSelector(db NodeDB, prev introduction.RouterID, cur *introduction.RouterID, index, total int, chosen map[introduction.RouterID]bool) error {
	candidates := db.RandomRouters(1, chosen)
	if len(candidates) == 0 {
		return fmt.Errorf("path: no routers available for hop %d", index)
	}
	*cur = candidates[rand.Intn(len(candidates))]
	return nil
}
