// Package introduction implements the reachability and IntroSet data
// model shared by the DHT client, path builder, outbound context, and
// service endpoint (spec §3: Introduction, IntroSet).
package introduction

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/veilrelay/veil/identity"
)

// ExpirySoonWindow is how far ahead of hard expiry an Introduction is
// considered "expiring soon", which triggers rotation before it goes
// stale.
const ExpirySoonWindow = 2 * time.Minute

// RouterID identifies a relay on the network.
type RouterID [32]byte

// PathID identifies a circuit at a particular router.
type PathID [16]byte

func (r RouterID) String() string { return fmt.Sprintf("%x", r[:8]) }
func (p PathID) String() string   { return fmt.Sprintf("%x", p[:8]) }

// Introduction is a reachability hint: where (Router), which circuit
// (PathID), how slow it has measured (Latency), and when it stops being
// usable (Expiry).
type Introduction struct {
	Router  RouterID      `cbor:"r"`
	PathID  PathID        `cbor:"p"`
	Latency time.Duration `cbor:"l"`
	Expiry  time.Time     `cbor:"x"`
}

// Equal reports whether two introductions name the same (router, pathID).
func (i Introduction) Equal(other Introduction) bool {
	return i.Router == other.Router && i.PathID == other.PathID
}

// ExpiresSoon reports whether the introduction's expiry is within
// ExpirySoonWindow of now.
func (i Introduction) ExpiresSoon(now time.Time) bool {
	return i.Expiry.Sub(now) <= ExpirySoonWindow
}

// Expired reports whether the introduction's expiry has already passed.
func (i Introduction) Expired(now time.Time) bool {
	return !now.Before(i.Expiry)
}

// IntroSet is the signed, publishable bundle of a service's current
// introductions and public keys. It is immutable once Sign has been
// called; re-publishing constructs a new IntroSet rather than mutating
// this one.
type IntroSet struct {
	A       *identity.ServiceInfo `cbor:"a"`
	I       []Introduction        `cbor:"i"`
	K       []byte                `cbor:"k"`
	Tag     string                `cbor:"t,omitempty"`
	Version uint64                `cbor:"v"`
	Sig     []byte                `cbor:"s,omitempty"`
}

// signedFields is the portion of an IntroSet the signature covers: every
// field except the signature itself.
type signedFields struct {
	A       *identity.ServiceInfo `cbor:"a"`
	I       []Introduction        `cbor:"i"`
	K       []byte                `cbor:"k"`
	Tag     string                `cbor:"t,omitempty"`
	Version uint64                `cbor:"v"`
}

func (is *IntroSet) signedBytes() ([]byte, error) {
	sf := signedFields{A: is.A, I: is.I, K: is.K, Tag: is.Tag, Version: is.Version}
	opts := cbor.CanonicalEncOptions()
	mode, err := opts.EncMode()
	if err != nil {
		return nil, err
	}
	return mode.Marshal(sf)
}

// Sign populates A with id's public ServiceInfo and K with its PQ public
// key, then signs the canonical serialization of the remaining fields.
// It lives on the IntroSet side instead of as a SignIntroSet method on
// identity.Identity because that would need identity to import this
// package, which already imports identity (an import cycle).
func (is *IntroSet) Sign(id *identity.Identity) error {
	is.A = id.Public()
	is.K = id.Public().PQKey
	buf, err := is.signedBytes()
	if err != nil {
		return err
	}
	sig, err := id.Sign(buf)
	if err != nil {
		return err
	}
	is.Sig = sig
	return nil
}

// Verify reports whether the IntroSet's signature is valid under A's
// signing key (spec invariant: "An IntroSet is accepted only if its
// signature verifies under A's signing key").
func (is *IntroSet) Verify() bool {
	if is.A == nil || len(is.Sig) == 0 {
		return false
	}
	buf, err := is.signedBytes()
	if err != nil {
		return false
	}
	pk, err := is.A.SigningPublicKey()
	if err != nil {
		return false
	}
	return identity.SignScheme.Verify(pk, buf, is.Sig, nil)
}

// Clone returns a deep-enough copy of the IntroSet for callers that need
// to mutate their own working copy (e.g. dropping soon-to-expire
// introductions before a fresh publish).
func (is *IntroSet) Clone() *IntroSet {
	out := &IntroSet{
		A:       is.A,
		K:       append([]byte(nil), is.K...),
		Tag:     is.Tag,
		Version: is.Version,
		Sig:     append([]byte(nil), is.Sig...),
	}
	out.I = make([]Introduction, len(is.I))
	copy(out.I, is.I)
	return out
}

// WithoutExpiringSoon returns a copy of the IntroSet whose I list drops
// every introduction that expires soon relative to now.
func (is *IntroSet) WithoutExpiringSoon(now time.Time) *IntroSet {
	out := is.Clone()
	kept := make([]Introduction, 0, len(is.I))
	for _, intro := range is.I {
		if !intro.ExpiresSoon(now) {
			kept = append(kept, intro)
		}
	}
	out.I = kept
	return out
}

// HasExpired reports whether any introduction in the set has already
// expired as of now.
func (is *IntroSet) HasExpired(now time.Time) bool {
	for _, intro := range is.I {
		if intro.Expired(now) {
			return true
		}
	}
	return false
}

// EqualServiceInfo reports whether is.A names the same service as info.
func (is *IntroSet) EqualServiceInfo(info *identity.ServiceInfo) bool {
	return is.A.Equal(info)
}
