// Package linklayer defines the collaborator contract this module
// consumes from the link layer between routers (spec §6): sending a
// routing message to a router, and a paths-by-upstream registry used by
// transit hops to locate the path state for a relayed frame. The actual
// network transport is explicitly out of scope (spec §1); Loopback is an
// in-memory stand-in for tests and for exercising the Path Builder and
// Transit Hop without a real network, grounded on the teacher's
// minclient/client2 transport shape.
package linklayer

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/veilrelay/veil/introduction"
	"github.com/veilrelay/veil/routing"
)

// Layer is the collaborator interface consumed by path construction,
// the DHT client, and transit-hop forwarding.
type Layer interface {
	// SendToOrQueue attempts to deliver msg to router, returning false on
	// backpressure (the link layer's send queue is full).
	SendToOrQueue(router introduction.RouterID, msg routing.Message) bool

	// Paths returns the registry of locally-known paths keyed by
	// (upstream router, pathID).
	Paths() PathRegistry
}

// PathRegistry looks up path state by the upstream router that owns it.
type PathRegistry interface {
	GetByUpstream(router introduction.RouterID, pathID introduction.PathID) (interface{}, bool)
}

// Delivery is one message handed to a Loopback's sink for inspection by
// a test.
type Delivery struct {
	Router introduction.RouterID
	Msg    routing.Message
}

// Loopback is an in-memory Layer: every SendToOrQueue call is recorded
// and optionally replayed into a configured inbound handler, so tests
// can exercise the Transit Hop and Path Builder without real sockets.
type Loopback struct {
	mu       sync.Mutex
	sent     []Delivery
	queueCap int
	registry *MemoryPathRegistry

	// Deliver, if set, is invoked synchronously for every sent message —
	// the test's stand-in for "the frame arrived at the next hop".
	Deliver func(router introduction.RouterID, msg routing.Message)
}

// NewLoopback returns a Loopback whose send queue never reports
// backpressure unless queueCap is positive and exceeded.
func NewLoopback(queueCap int) *Loopback {
	return &Loopback{queueCap: queueCap, registry: NewMemoryPathRegistry()}
}

// SendToOrQueue implements Layer.
func (l *Loopback) SendToOrQueue(router introduction.RouterID, msg routing.Message) bool {
	l.mu.Lock()
	if l.queueCap > 0 && len(l.sent) >= l.queueCap {
		l.mu.Unlock()
		return false
	}
	l.sent = append(l.sent, Delivery{Router: router, Msg: msg})
	deliver := l.Deliver
	l.mu.Unlock()

	if deliver != nil {
		deliver(router, msg)
	}
	return true
}

// Paths implements Layer.
func (l *Loopback) Paths() PathRegistry { return l.registry }

// Registry exposes the concrete MemoryPathRegistry for tests that need
// to register path state directly.
func (l *Loopback) Registry() *MemoryPathRegistry { return l.registry }

// Sent returns every delivery recorded so far.
func (l *Loopback) Sent() []Delivery {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Delivery, len(l.sent))
	copy(out, l.sent)
	return out
}

// RateLimited wraps a Layer with a per-router token-bucket limit on
// SendToOrQueue calls, so a single misbehaving or overeager remote
// cannot monopolize the outbound send queue (spec §7 "Transient
// transport" policy: backpressure surfaces as a false return rather
// than blocking).
type RateLimited struct {
	inner    Layer
	rate     rate.Limit
	burst    int
	mu       sync.Mutex
	limiters map[introduction.RouterID]*rate.Limiter
}

// NewRateLimited wraps inner with a limit of msgsPerSecond messages per
// router, allowing bursts up to burst.
func NewRateLimited(inner Layer, msgsPerSecond float64, burst int) *RateLimited {
	return &RateLimited{
		inner:    inner,
		rate:     rate.Limit(msgsPerSecond),
		burst:    burst,
		limiters: make(map[introduction.RouterID]*rate.Limiter),
	}
}

func (r *RateLimited) limiterFor(router introduction.RouterID) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[router]
	if !ok {
		l = rate.NewLimiter(r.rate, r.burst)
		r.limiters[router] = l
	}
	return l
}

// SendToOrQueue implements Layer, refusing (returning false, as with
// any other backpressure) sends that exceed the per-router rate.
func (r *RateLimited) SendToOrQueue(router introduction.RouterID, msg routing.Message) bool {
	if !r.limiterFor(router).Allow() {
		return false
	}
	return r.inner.SendToOrQueue(router, msg)
}

// Paths implements Layer.
func (r *RateLimited) Paths() PathRegistry { return r.inner.Paths() }

// MemoryPathRegistry is an in-memory PathRegistry.
type MemoryPathRegistry struct {
	mu    sync.Mutex
	paths map[introduction.RouterID]map[introduction.PathID]interface{}
}

// NewMemoryPathRegistry returns an empty registry.
func NewMemoryPathRegistry() *MemoryPathRegistry {
	return &MemoryPathRegistry{paths: make(map[introduction.RouterID]map[introduction.PathID]interface{})}
}

// Put registers state under (router, pathID).
func (r *MemoryPathRegistry) Put(router introduction.RouterID, pathID introduction.PathID, state interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.paths[router]
	if !ok {
		m = make(map[introduction.PathID]interface{})
		r.paths[router] = m
	}
	m[pathID] = state
}

// Remove deletes the entry at (router, pathID), if any.
func (r *MemoryPathRegistry) Remove(router introduction.RouterID, pathID introduction.PathID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.paths[router]; ok {
		delete(m, pathID)
	}
}

// GetByUpstream implements PathRegistry.
func (r *MemoryPathRegistry) GetByUpstream(router introduction.RouterID, pathID introduction.PathID) (interface{}, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.paths[router]
	if !ok {
		return nil, false
	}
	v, ok := m[pathID]
	return v, ok
}
