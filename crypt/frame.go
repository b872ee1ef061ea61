// Package crypt implements the sealed end-to-end protocol frame (spec
// §4.2): encoding/decoding of ProtocolFrame/ProtocolMessage and the
// hybrid (classical DH + post-quantum KEM) key exchange used to bootstrap
// a conversation's session key.
package crypt

import (
	"crypto/subtle"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/chacha20"

	"github.com/katzenpost/hpqc/hash"
	"github.com/katzenpost/hpqc/rand"

	"github.com/veilrelay/veil/core/log"
	"github.com/veilrelay/veil/identity"
	"github.com/veilrelay/veil/introduction"
)

var log_ = log.GetLogger("veil/crypt")

// NonceSize is the width of the frame nonce N, sized for XChaCha20.
const NonceSize = chacha20.NonceSizeX

// ConvoTag is a 16-byte random identifier selected by the initiator of a
// conversation.
type ConvoTag [16]byte

// NewConvoTag draws a fresh random ConvoTag.
func NewConvoTag() ConvoTag {
	var t ConvoTag
	if _, err := rand.Reader.Read(t[:]); err != nil {
		panic("crypt: failed to draw ConvoTag: " + err.Error())
	}
	return t
}

// ProtocolType distinguishes ordinary conversation traffic from control
// messages exchanged between two endpoints.
type ProtocolType uint8

const (
	ProtocolTraffic ProtocolType = iota
	ProtocolControl
)

// MessageVersion is the current ProtocolMessage wire version.
const MessageVersion = 1

// ProtocolMessage is the plaintext sealed inside a ProtocolFrame.
type ProtocolMessage struct {
	Proto      ProtocolType             `cbor:"p"`
	Tag        ConvoTag                 `cbor:"t"`
	Sender     *identity.ServiceInfo    `cbor:"s"`
	IntroReply introduction.Introduction `cbor:"r"`
	Version    uint8                    `cbor:"v"`
	Payload    []byte                   `cbor:"d"`
}

// ProtocolFrame is the wire-level sealed unit: a PQ-KEM ciphertext (only
// present on the initial handshake frame), a nonce, a sequence number, a
// conversation tag, an optional signature, and the encrypted
// ProtocolMessage.
type ProtocolFrame struct {
	C         []byte            `cbor:"c,omitempty"`
	N         [NonceSize]byte   `cbor:"n"`
	S         uint64            `cbor:"s"`
	T         ConvoTag          `cbor:"t"`
	Sig       []byte            `cbor:"g,omitempty"`
	Encrypted []byte            `cbor:"e"`
}

func canonicalMarshal(v interface{}) ([]byte, error) {
	opts := cbor.CanonicalEncOptions()
	mode, err := opts.EncMode()
	if err != nil {
		return nil, err
	}
	return mode.Marshal(v)
}

// streamXOR runs the XChaCha20 keystream derived from key and nonce over
// src, writing into a freshly allocated buffer. Used both to encrypt and
// decrypt: XChaCha20 here is used purely as a stream cipher (spec's
// "xchacha20" collaborator), not as an AEAD.
func streamXOR(key, nonce, src []byte) ([]byte, error) {
	c, err := chacha20.NewUnauthenticatedCipher(key, nonce)
	if err != nil {
		return nil, err
	}
	dst := make([]byte, len(src))
	c.XORKeyStream(dst, src)
	return dst, nil
}

// StreamXOR exposes the frame's XChaCha20 stream cipher to other
// packages that peel their own onion layer under a raw symmetric key
// (the transit hop layer), writing len(src) bytes into dst.
func StreamXOR(key [32]byte, nonce [NonceSize]byte, src, dst []byte) error {
	out, err := streamXOR(key[:], nonce[:], src)
	if err != nil {
		return err
	}
	copy(dst, out)
	return nil
}

// HandshakeResult bundles everything the caller needs to cache against a
// fresh ConvoTag after a successful handshake (spec §4.2 step 7).
type HandshakeResult struct {
	Frame      *ProtocolFrame
	Tag        ConvoTag
	SessionKey [32]byte
	Remote     *identity.ServiceInfo
}

// Initiate runs the initiator side of the hybrid key-exchange algorithm
// (spec §4.2, steps 1-7) and returns a ProtocolFrame ready for
// transmission along with the session key to cache.
func Initiate(local *identity.Identity, remote *identity.ServiceInfo, introReply introduction.Introduction, proto ProtocolType, payload []byte) (*HandshakeResult, error) {
	remotePQ, err := remote.PQPublicKey()
	if err != nil {
		return nil, fmt.Errorf("crypt: bad remote PQ key: %w", err)
	}

	ct, k1, err := identity.KEMScheme.Encapsulate(remotePQ)
	if err != nil {
		return nil, fmt.Errorf("crypt: KEM encapsulate: %w", err)
	}

	var n [NonceSize]byte
	if _, err := rand.Reader.Read(n[:]); err != nil {
		return nil, fmt.Errorf("crypt: draw nonce: %w", err)
	}

	k2, err := local.KeyExchange(remote, n[:])
	if err != nil {
		return nil, fmt.Errorf("crypt: DH leg: %w", err)
	}

	sessionKey := hash.Sum256(append(append([]byte{}, k1...), k2[:]...))

	tag := NewConvoTag()
	msg := &ProtocolMessage{
		Proto:      proto,
		Tag:        tag,
		Sender:     local.Public(),
		IntroReply: introReply,
		Version:    MessageVersion,
		Payload:    payload,
	}
	plaintext, err := canonicalMarshal(msg)
	if err != nil {
		return nil, fmt.Errorf("crypt: marshal message: %w", err)
	}

	// The one-shot seal key is K1, recoverable by the responder from C —
	// not the derived session key, which only exists once both legs have
	// run.
	sealed, err := streamXOR(k1[:32], n[:], plaintext)
	if err != nil {
		return nil, fmt.Errorf("crypt: seal: %w", err)
	}

	frame := &ProtocolFrame{
		C: ct,
		N: n,
		S: 0,
		T: tag,
	}
	sigBuf, err := canonicalMarshal(frame)
	if err != nil {
		return nil, err
	}
	sig, err := local.Sign(append(sigBuf, sealed...))
	if err != nil {
		return nil, fmt.Errorf("crypt: sign frame: %w", err)
	}
	frame.Sig = sig
	frame.Encrypted = sealed

	return &HandshakeResult{
		Frame:      frame,
		Tag:        tag,
		SessionKey: sessionKey,
		Remote:     remote,
	}, nil
}

// Respond runs the responder side of the hybrid key exchange: it
// recovers K1 via PQ-KEM decapsulation, decrypts and verifies the sealed
// ProtocolMessage, then derives the session key symmetrically.
func Respond(local *identity.Identity, frame *ProtocolFrame) (*ProtocolMessage, [32]byte, error) {
	var zero [32]byte
	if len(frame.C) == 0 {
		return nil, zero, fmt.Errorf("crypt: frame has no KEM ciphertext, not a handshake frame")
	}

	k1, err := local.Decapsulate(frame.C)
	if err != nil {
		return nil, zero, fmt.Errorf("crypt: KEM decapsulate: %w", err)
	}

	plaintext, err := streamXOR(k1[:32], frame.N[:], frame.Encrypted)
	if err != nil {
		return nil, zero, fmt.Errorf("crypt: open: %w", err)
	}

	var msg ProtocolMessage
	if err := cbor.Unmarshal(plaintext, &msg); err != nil {
		return nil, zero, fmt.Errorf("crypt: malformed protocol message: %w", err)
	}
	if msg.Sender == nil {
		return nil, zero, fmt.Errorf("crypt: protocol message missing sender")
	}

	senderKey, err := msg.Sender.SigningPublicKey()
	if err != nil {
		return nil, zero, fmt.Errorf("crypt: bad sender signing key: %w", err)
	}
	sigFrame := &ProtocolFrame{C: frame.C, N: frame.N, S: frame.S, T: frame.T}
	sigBuf, err := canonicalMarshal(sigFrame)
	if err != nil {
		return nil, zero, err
	}
	if !identity.SignScheme.Verify(senderKey, append(sigBuf, frame.Encrypted...), frame.Sig, nil) {
		log_.Warning("dropping handshake frame with invalid signature")
		return nil, zero, fmt.Errorf("crypt: invalid frame signature")
	}

	k2, err := local.KeyExchange(msg.Sender, frame.N[:])
	if err != nil {
		return nil, zero, fmt.Errorf("crypt: DH leg: %w", err)
	}
	sessionKey := hash.Sum256(append(append([]byte{}, k1...), k2[:]...))

	return &msg, sessionKey, nil
}

// Seal encrypts msg under the conversation's established session key for
// the fast path (no KEM ciphertext, no signature — the session was
// already authenticated at handshake time).
func Seal(sessionKey [32]byte, seq uint64, tag ConvoTag, msg *ProtocolMessage) (*ProtocolFrame, error) {
	var n [NonceSize]byte
	if _, err := rand.Reader.Read(n[:]); err != nil {
		return nil, fmt.Errorf("crypt: draw nonce: %w", err)
	}
	msg.Tag = tag
	plaintext, err := canonicalMarshal(msg)
	if err != nil {
		return nil, err
	}
	enc, err := streamXOR(sessionKey[:], n[:], plaintext)
	if err != nil {
		return nil, err
	}
	return &ProtocolFrame{N: n, S: seq, T: tag, Encrypted: enc}, nil
}

// Open decrypts a fast-path frame under the conversation's session key.
func Open(sessionKey [32]byte, frame *ProtocolFrame) (*ProtocolMessage, error) {
	plaintext, err := streamXOR(sessionKey[:], frame.N[:], frame.Encrypted)
	if err != nil {
		return nil, err
	}
	var msg ProtocolMessage
	if err := cbor.Unmarshal(plaintext, &msg); err != nil {
		return nil, fmt.Errorf("crypt: malformed protocol message: %w", err)
	}
	return &msg, nil
}

// ConstantTimeEqualTag reports whether two ConvoTags are equal, comparing
// in constant time since tags gate session-table lookups keyed by
// attacker-influenced input.
func ConstantTimeEqualTag(a, b ConvoTag) bool {
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}
