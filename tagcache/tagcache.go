// Package tagcache backs CachedTagResult (spec §3): for each
// prefetched topic tag, the set of known IntroSets, when they were last
// refreshed, and when they were last requested. Memory is the default
// and keeps entries in process only; Redis, opt-in via
// SetOption("tag-cache-redis", addr), keeps them across restarts.
package tagcache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/redis/go-redis/v9"

	"github.com/veilrelay/veil/introduction"
)

// Result is the per-tag cache entry: known IntroSets matching the tag,
// plus timestamps used to decide when to refresh.
type Result struct {
	IntroSets    []*introduction.IntroSet
	LastModified time.Time
	LastRequest  time.Time
}

// ShouldRefresh reports whether a fresh FindIntroMessage should be
// issued for this tag: either nothing has ever been fetched, or the
// last fetch is older than interval.
func (r *Result) ShouldRefresh(now time.Time, interval time.Duration) bool {
	if r.LastModified.IsZero() {
		return true
	}
	return now.Sub(r.LastModified) >= interval
}

// evictExpired drops introsets whose introductions have all expired.
func (r *Result) evictExpired(now time.Time) {
	kept := r.IntroSets[:0]
	for _, is := range r.IntroSets {
		for _, intro := range is.I {
			if !intro.Expired(now) {
				kept = append(kept, is)
				break
			}
		}
	}
	r.IntroSets = kept
}

// Store persists CachedTagResult entries keyed by topic tag.
type Store interface {
	Get(tag string) (*Result, bool)
	Put(tag string, result *Result) error
	EvictExpired(now time.Time)
}

// Memory is the default in-process Store.
type Memory struct {
	mu    sync.Mutex
	byTag map[string]*Result
}

// NewMemory returns an empty in-memory Store.
func NewMemory() *Memory {
	return &Memory{byTag: make(map[string]*Result)}
}

// Get implements Store.
func (m *Memory) Get(tag string) (*Result, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byTag[tag]
	return r, ok
}

// Put implements Store.
func (m *Memory) Put(tag string, result *Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byTag[tag] = result
	return nil
}

// EvictExpired implements Store.
func (m *Memory) EvictExpired(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.byTag {
		r.evictExpired(now)
	}
}

// Redis is a Store backed by a Redis (or Redis-compatible, e.g.
// miniredis in tests) server. The signed, CBOR-encoded IntroSet set is
// stored under a key derived from the tag, with a TTL equal to the
// result's longest-lived introset.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis returns a Store backed by the given Redis address.
func NewRedis(addr string) *Redis {
	return &Redis{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		prefix: "veil:tagcache:",
	}
}

func (r *Redis) key(tag string) string {
	return r.prefix + tag
}

type wireResult struct {
	IntroSets    []*introduction.IntroSet
	LastModified time.Time
	LastRequest  time.Time
}

// Get implements Store.
func (r *Redis) Get(tag string) (*Result, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	buf, err := r.client.Get(ctx, r.key(tag)).Bytes()
	if err != nil {
		return nil, false
	}
	var w wireResult
	if err := cbor.Unmarshal(buf, &w); err != nil {
		return nil, false
	}
	return &Result{IntroSets: w.IntroSets, LastModified: w.LastModified, LastRequest: w.LastRequest}, true
}

// Put implements Store.
func (r *Redis) Put(tag string, result *Result) error {
	w := wireResult{IntroSets: result.IntroSets, LastModified: result.LastModified, LastRequest: result.LastRequest}
	buf, err := cbor.Marshal(w)
	if err != nil {
		return fmt.Errorf("tagcache: encode: %w", err)
	}

	ttl := longestTTL(result)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return r.client.Set(ctx, r.key(tag), buf, ttl).Err()
}

// EvictExpired is a no-op for Redis: the per-key TTL already handles
// eviction of stale entries wholesale.
func (r *Redis) EvictExpired(now time.Time) {}

func longestTTL(result *Result) time.Duration {
	var longest time.Duration
	now := time.Now()
	for _, is := range result.IntroSets {
		for _, intro := range is.I {
			if d := intro.Expiry.Sub(now); d > longest {
				longest = d
			}
		}
	}
	if longest <= 0 {
		longest = 5 * time.Minute
	}
	return longest
}
