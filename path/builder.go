package path

import (
	"math/rand"
	"sync"
	"time"

	"github.com/veilrelay/veil/introduction"
)

// DefaultHopCount is the number of relays (excluding the local node) in
// a freshly constructed path.
const DefaultHopCount = 3

// BuildFunc performs the actual circuit construction over the link
// layer for the given hop sequence and returns the resulting Path in
// the building state. The wire bytes of circuit construction are out of
// scope (spec §1 non-goals); this hook is how a real link layer plugs
// in, and linklayer.Loopback provides a synchronous in-memory stand-in
// for tests.
type BuildFunc func(hops []introduction.RouterID) (*Path, error)

// Builder constructs, maintains, and rotates a set of circuits,
// maintaining a target established-path count (spec §4.4).
type Builder struct {
	mu sync.Mutex

	desired int
	max     int

	db       NodeDB
	build    BuildFunc
	selector HopSelector

	paths         []*Path
	pendingBuilds int
	minLatency    time.Duration
}

// NewBuilder constructs a Builder targeting desired established paths,
// never exceeding max concurrently building+established paths.
func NewBuilder(desired, max int, db NodeDB, build BuildFunc, selector HopSelector) *Builder {
	if selector == nil {
		selector = DefaultHopSelector
	}
	return &Builder{
		desired:  desired,
		max:      max,
		db:       db,
		build:    build,
		selector: selector,
	}
}

// SetMinLatency configures the latency ceiling past which a path is
// considered dead (spec §4.7 SetOption "min-latency").
func (b *Builder) SetMinLatency(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.minLatency = d
}

// Tick performs one maintenance pass: build fresh paths to make up any
// shortfall against the desired count (including replacements for any
// path that died since the last tick), subject to the max cap.
func (b *Builder) Tick(now time.Time) {
	b.mu.Lock()
	live := make([]*Path, 0, len(b.paths))
	for _, p := range b.paths {
		if p.State() == StateDead {
			continue
		}
		if p.Expired(now, DefaultLifetime) {
			p.MarkDead()
			continue
		}
		live = append(live, p)
	}
	b.paths = live
	need := b.desired - len(b.paths)
	if need < 0 {
		need = 0
	}
	room := b.max - len(b.paths)
	if need > room {
		need = room
	}
	need += b.pendingBuilds
	b.pendingBuilds = 0
	db := b.db
	bld := b.build
	sel := b.selector
	b.mu.Unlock()

	for i := 0; i < need; i++ {
		p, err := b.buildOneWith(db, bld, sel)
		if err != nil {
			log_.Warningf("path: build failed: %v", err)
			continue
		}
		b.mu.Lock()
		b.paths = append(b.paths, p)
		b.mu.Unlock()
	}
}

func (b *Builder) buildOneWith(db NodeDB, build BuildFunc, selector HopSelector) (*Path, error) {
	hops := make([]introduction.RouterID, 0, DefaultHopCount)
	chosen := make(map[introduction.RouterID]bool, DefaultHopCount)
	var prev introduction.RouterID
	for i := 0; i < DefaultHopCount; i++ {
		var cur introduction.RouterID
		if err := selector(db, prev, &cur, i, DefaultHopCount, chosen); err != nil {
			return nil, err
		}
		hops = append(hops, cur)
		chosen[cur] = true
		prev = cur
	}
	return build(hops)
}

// ManualRebuild requests n new builds on the next Tick, irrespective of
// the normal shortfall calculation.
func (b *Builder) ManualRebuild(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pendingBuilds += n
}

// NotifyLatency applies a fresh latency sample to the path (if any)
// whose terminal hop matches router, killing it if the sample meets the
// configured minimum.
func (b *Builder) NotifyLatency(router introduction.RouterID, sample time.Duration) {
	b.mu.Lock()
	minLatency := b.minLatency
	var target *Path
	for _, p := range b.paths {
		if p.Terminal() == router && p.State() == StateEstablished {
			target = p
			break
		}
	}
	b.mu.Unlock()
	if target != nil {
		target.RecordLatency(sample, minLatency)
	}
}

// Paths returns a snapshot of every live (non-dead) path.
func (b *Builder) Paths() []*Path {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Path, len(b.paths))
	copy(out, b.paths)
	return out
}

// established returns every path currently in the established state.
func (b *Builder) established() []*Path {
	out := make([]*Path, 0, len(b.paths))
	for _, p := range b.paths {
		if p.State() == StateEstablished {
			out = append(out, p)
		}
	}
	return out
}

func xorDistance(a, b introduction.RouterID) [32]byte {
	var d [32]byte
	for i := range a {
		d[i] = a[i] ^ b[i]
	}
	return d
}

func lessDistance(a, b [32]byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// GetEstablishedPathClosestTo returns the established path whose
// terminal router is XOR-closest to key.
func (b *Builder) GetEstablishedPathClosestTo(key introduction.RouterID) *Path {
	b.mu.Lock()
	defer b.mu.Unlock()
	var best *Path
	var bestDist [32]byte
	for _, p := range b.established() {
		d := xorDistance(p.Terminal(), key)
		if best == nil || lessDistance(d, bestDist) {
			best, bestDist = p, d
		}
	}
	return best
}

// PickRandomEstablishedPath returns a uniform-random established path,
// or nil if none exist.
func (b *Builder) PickRandomEstablishedPath() *Path {
	b.mu.Lock()
	defer b.mu.Unlock()
	est := b.established()
	if len(est) == 0 {
		return nil
	}
	return est[rand.Intn(len(est))]
}

// PathByID returns the live (non-dead) path with the given local id, or
// nil, so a terminal-delivery caller can find the specific Path a
// message named by that id should be handed to.
func (b *Builder) PathByID(id introduction.PathID) *Path {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range b.paths {
		if p.ID() == id {
			return p
		}
	}
	return nil
}

// GetPathByRouter returns any established path terminating at router.
func (b *Builder) GetPathByRouter(router introduction.RouterID) *Path {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range b.established() {
		if p.Terminal() == router {
			return p
		}
	}
	return nil
}

// GetNewestPathByRouter returns the most recently established path
// terminating at router.
func (b *Builder) GetNewestPathByRouter(router introduction.RouterID) *Path {
	b.mu.Lock()
	defer b.mu.Unlock()
	var newest *Path
	for _, p := range b.established() {
		if p.Terminal() != router {
			continue
		}
		if newest == nil || p.builtAt.After(newest.builtAt) {
			newest = p
		}
	}
	return newest
}
