// Package dht implements the DHT client (spec §4.3): issuing and
// correlating find-introset, publish-introset, and find-router requests
// over an established path. Each request is sent once; spacing and
// capping of repeated router-resolution attempts is done by the caller
// (service.Endpoint.EnsureRouterIsKnown, via package retry). Grounded on the teacher's client/internal/pkiclient request/response
// correlation shape (a table keyed by an id, a timeout checked
// periodically, a handler invoked exactly once).
package dht

import (
	"fmt"
	"time"

	"github.com/veilrelay/veil/core/log"
	"github.com/veilrelay/veil/identity"
	"github.com/veilrelay/veil/introduction"
	"github.com/veilrelay/veil/linklayer"
	"github.com/veilrelay/veil/path"
	"github.com/veilrelay/veil/routing"
)

var log_ = log.GetLogger("veil/dht")

// ResponseHandler is invoked exactly once for a pending lookup, either
// with the verified result or, on timeout/cancellation, with an empty
// result.
type ResponseHandler func(introsets []*introduction.IntroSet, routers [][]byte)

// PendingLookup is a DHT request in flight (spec §3).
type PendingLookup struct {
	TxID    uint64
	Name    string
	Issued  time.Time
	Timeout time.Duration
	Handler ResponseHandler
}

func (p *PendingLookup) expired(now time.Time) bool {
	return now.Sub(p.Issued) >= p.Timeout
}

// Client issues DHT requests along established paths and correlates
// their responses by transaction id.
type Client struct {
	link  linklayer.Layer
	local *identity.ServiceInfo

	nextTxID       uint64
	pending        map[uint64]*PendingLookup
	publishTxID    uint64
	publishPending bool
}

// NewClient constructs a DHT client sending over link, identifying
// publish-confirmation echoes by comparing against local.
func NewClient(link linklayer.Layer, local *identity.ServiceInfo) *Client {
	return &Client{
		link:    link,
		local:   local,
		pending: make(map[uint64]*PendingLookup),
	}
}

// SetLocal updates the ServiceInfo used to recognize publish-confirmation
// echoes (called once the identity is loaded/regenerated).
func (c *Client) SetLocal(local *identity.ServiceInfo) {
	c.local = local
}

// GenTXID returns a transaction id guaranteed unique among currently
// outstanding lookups on this client (spec testable property 4).
func (c *Client) GenTXID() uint64 {
	for {
		c.nextTxID++
		id := c.nextTxID
		if _, exists := c.pending[id]; !exists {
			return id
		}
	}
}

func (c *Client) register(name string, timeout time.Duration, handler ResponseHandler) uint64 {
	id := c.GenTXID()
	c.pending[id] = &PendingLookup{TxID: id, Name: name, Issued: time.Now(), Timeout: timeout, Handler: handler}
	return id
}

// FindIntroByTag issues a topic-tag lookup over via.
func (c *Client) FindIntroByTag(via *path.Path, tag string, timeout time.Duration, handler ResponseHandler) uint64 {
	id := c.register("find-intro:"+tag, timeout, handler)
	msg := &routing.DHTMessage{M: []routing.DHTSubMessage{{FindIntro: &routing.FindIntroMessage{TxID: id, Tag: tag}}}}
	c.link.SendToOrQueue(via.Terminal(), msg)
	return id
}

// FindIntroByAddress issues an address lookup with recursion depth n
// over via.
func (c *Client) FindIntroByAddress(via *path.Path, addr identity.Address, n uint8, timeout time.Duration, handler ResponseHandler) uint64 {
	id := c.register(fmt.Sprintf("find-intro-addr:%x", addr), timeout, handler)
	msg := &routing.DHTMessage{M: []routing.DHTSubMessage{{FindIntro: &routing.FindIntroMessage{TxID: id, Address: &addr, N: n}}}}
	c.link.SendToOrQueue(via.Terminal(), msg)
	return id
}

// PublishIntro publishes introset to r replicas over via. Only one
// publish is tracked as in-flight at a time (spec §4.7:
// m_CurrentPublishTX); callers publishing along two paths call this
// once and then PublishIntroWithTX with the returned txID for the
// second path.
func (c *Client) PublishIntro(via *path.Path, introset *introduction.IntroSet, r uint8, timeout time.Duration, handler ResponseHandler) uint64 {
	id := c.register("publish-intro", timeout, handler)
	c.publishTxID = id
	c.publishPending = true
	c.sendPublish(via, introset, id, r)
	return id
}

// PublishIntroWithTX re-sends the same publish request (matching txID)
// over an additional path, used to publish along two paths at once
// (spec §4.7 RegenAndPublishIntroSet).
func (c *Client) PublishIntroWithTX(via *path.Path, introset *introduction.IntroSet, txID uint64, r uint8) {
	c.sendPublish(via, introset, txID, r)
}

func (c *Client) sendPublish(via *path.Path, introset *introduction.IntroSet, txID uint64, r uint8) {
	msg := &routing.DHTMessage{M: []routing.DHTSubMessage{{PublishIntro: &routing.PublishIntroMessage{I: introset, TxID: txID, R: r}}}}
	c.link.SendToOrQueue(via.Terminal(), msg)
}

// CurrentPublishTX returns the transaction id of the in-flight publish,
// if any.
func (c *Client) CurrentPublishTX() (uint64, bool) {
	return c.publishTxID, c.publishPending
}

// FindRouter issues a router-resolution request over via.
func (c *Client) FindRouter(via *path.Path, router introduction.RouterID, timeout time.Duration, handler ResponseHandler) uint64 {
	id := c.register("find-router:"+router.String(), timeout, handler)
	msg := &routing.DHTMessage{M: []routing.DHTSubMessage{{FindRouter: &routing.FindRouterMessage{Key: router, TxID: id}}}}
	c.link.SendToOrQueue(via.Terminal(), msg)
	return id
}

// PublishFailHandler is invoked when a publish-confirmation echo carries
// an invalid signature for the current publish transaction (spec §4.3).
// The spec's IntroSetPublishFail is intentionally left empty — retry
// policy is left to the ordinary publish cadence, no backoff is layered
// on top (spec §9 Open Question).
type PublishFailHandler func(txID uint64)

// HandleGotIntro processes a GotIntroMessage: verifies every IntroSet's
// signature, drops the whole response on any invalid signature (spec's
// discard-all policy, §9 Open Question) unless it is the local
// publish-confirmation echo, in which case an invalid signature is
// reported as a publish failure instead.
func (c *Client) HandleGotIntro(msg *routing.GotIntroMessage, onPublishFail PublishFailHandler) {
	pending, ok := c.pending[msg.T]
	isPublishEcho := c.publishPending && msg.T == c.publishTxID

	for _, is := range msg.I {
		if !is.Verify() {
			if isPublishEcho && is.EqualServiceInfo(c.local) {
				c.publishPending = false
				if onPublishFail != nil {
					onPublishFail(msg.T)
				}
				return
			}
			log_.Warning("dht: dropping GotIntroMessage with invalid signature")
			return
		}
	}

	if isPublishEcho {
		for _, is := range msg.I {
			if is.EqualServiceInfo(c.local) {
				c.publishPending = false
				break
			}
		}
	}

	if !ok {
		return
	}
	// Capture key and value before erasing, per spec §9 Open Question:
	// the original dereferences the just-erased iterator, treated here
	// as a bug and avoided outright.
	handler := pending.Handler
	delete(c.pending, msg.T)
	if handler != nil {
		handler(msg.I, nil)
	}
}

// HandleGotRouter processes a GotRouterMessage, dispatching to and
// removing the matching pending lookup.
func (c *Client) HandleGotRouter(msg *routing.GotRouterMessage) {
	pending, ok := c.pending[msg.T]
	if !ok {
		return
	}
	handler := pending.Handler
	delete(c.pending, msg.T)
	if handler != nil {
		handler(nil, msg.R)
	}
}

// ExpirePending invokes every timed-out pending lookup's handler with an
// empty result and removes it (spec testable property 7).
func (c *Client) ExpirePending(now time.Time) {
	for id, p := range c.pending {
		if p.expired(now) {
			handler := p.Handler
			delete(c.pending, id)
			if c.publishPending && id == c.publishTxID {
				c.publishPending = false
			}
			if handler != nil {
				handler(nil, nil)
			}
		}
	}
}

// Cancel behaves like a timeout: the handler is invoked with an empty
// result and the entry is removed (spec §5 cancellation semantics).
func (c *Client) Cancel(txID uint64) {
	p, ok := c.pending[txID]
	if !ok {
		return
	}
	handler := p.Handler
	delete(c.pending, txID)
	if c.publishPending && txID == c.publishTxID {
		c.publishPending = false
	}
	if handler != nil {
		handler(nil, nil)
	}
}

// HasPending reports whether any lookup matching name is outstanding —
// used by EnsurePathToService/EnsureRouterIsKnown to refuse duplicate
// requests (spec testable property S4).
func (c *Client) HasPending(name string) bool {
	for _, p := range c.pending {
		if p.Name == name {
			return true
		}
	}
	return false
}
