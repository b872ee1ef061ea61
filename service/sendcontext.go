// Package service implements the Outbound Context (C6) and Service
// Endpoint (C7): the per-remote conversation state machine and the
// orchestrator that owns identity, introset publication, and inbound
// dispatch. Grounded on the teacher's client/session.go: a
// worker.Worker-driven executor reading an internal op channel, with a
// ticking garbage-collection loop alongside it.
package service

import (
	"sync"
	"sync/atomic"

	"github.com/veilrelay/veil/crypt"
)

// sendState is the explicit state machine behind the "handshake or fast
// path" branch (spec §9 design note): Handshaking until the first frame
// of a conversation is sealed, Established once a session key is
// cached, Rotating while a bad introduction is being replaced.
type sendState int

const (
	sendHandshaking sendState = iota
	sendEstablished
	sendRotating
)

func (s sendState) String() string {
	switch s {
	case sendHandshaking:
		return "handshaking"
	case sendEstablished:
		return "established"
	case sendRotating:
		return "rotating"
	default:
		return "unknown"
	}
}

// sendContext is the small base embedded by OutboundContext: it owns
// the conversation's state, tag, session key, and sequence counter that
// AsyncEncryptAndSendTo's dispatch logic reads and updates (spec §3
// Supplemented notes). Endpoint does not embed it.
type sendContext struct {
	mu    sync.Mutex
	state sendState
	tag   crypt.ConvoTag
	key   [32]byte
	seq   uint64
}

// State returns the current send state.
func (c *sendContext) State() sendState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Tag returns the conversation tag, valid once established.
func (c *sendContext) Tag() crypt.ConvoTag {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tag
}

// setEstablished records a freshly completed handshake's tag and
// session key and transitions to Established.
func (c *sendContext) setEstablished(tag crypt.ConvoTag, key [32]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tag = tag
	c.key = key
	c.state = sendEstablished
	atomic.StoreUint64(&c.seq, 0)
}

// sessionKey returns the cached session key.
func (c *sendContext) sessionKey() [32]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.key
}

// markRotating enters the Rotating state, e.g. after MarkCurrentIntroBad
// invalidates the path the current session key was bound to.
func (c *sendContext) markRotating() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == sendEstablished {
		c.state = sendRotating
	}
}

// resumeEstablished exits Rotating back to Established once a fresh
// path has been selected (spec §9).
func (c *sendContext) resumeEstablished() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == sendRotating {
		c.state = sendEstablished
	}
}

// nextSeq atomically post-increments the sequence counter and returns
// the value to use for this send (spec §4.7 GetSeqNoForConvo:
// atomically post-increment).
func (c *sendContext) nextSeq() uint64 {
	return atomic.AddUint64(&c.seq, 1) - 1
}

// hasSentBefore reports whether any frame has been sealed on this
// context yet, the condition AsyncEncryptAndSendTo uses to choose
// between the handshake and fast paths.
func (c *sendContext) hasSentBefore() bool {
	return atomic.LoadUint64(&c.seq) != 0
}
