// Package routing implements the routing-message wire format exchanged
// between transit hops and the DHT client (spec §6): a self-describing,
// order-insensitive-decode, deterministic-re-encode dictionary per
// message, dispatched by a leading kind byte the way the teacher's wire
// commands package dispatches by a leading command id.
package routing

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/hpqc/rand"

	"github.com/veilrelay/veil/crypt"
	"github.com/veilrelay/veil/identity"
	"github.com/veilrelay/veil/introduction"
)

// Kind identifies the routing-message variant carried in an Envelope's
// "A" field.
type Kind byte

const (
	KindPathLatency  Kind = 'L'
	KindPathTransfer Kind = 'T'
	KindPathConfirm  Kind = 'C'
	KindDataDiscard  Kind = 'D'
	KindDHT          Kind = 'G'
)

// Message is the common interface implemented by every routing-message
// payload.
type Message interface {
	Kind() Kind
}

// PathLatencyMessage carries a latency probe echo.
type PathLatencyMessage struct {
	L uint64 `cbor:"L"`
	S uint64 `cbor:"S"`
	T int64  `cbor:"T"`
}

func (*PathLatencyMessage) Kind() Kind { return KindPathLatency }

// PathTransferMessage wraps a nested ProtocolFrame being relayed to its
// destination pathID P.
type PathTransferMessage struct {
	P introduction.PathID `cbor:"P"`
	T *crypt.ProtocolFrame `cbor:"T"`
	Y [crypt.NonceSize]byte `cbor:"Y"`
	S uint64               `cbor:"S"`
}

func (*PathTransferMessage) Kind() Kind { return KindPathTransfer }

// PathConfirmMessage signals that a path's build has completed.
type PathConfirmMessage struct {
	P introduction.PathID `cbor:"P"`
	T int64                `cbor:"T"`
}

func (*PathConfirmMessage) Kind() Kind { return KindPathConfirm }

// DataDiscardMessage is sent back along the delivering path when a
// PathTransfer cannot be forwarded.
type DataDiscardMessage struct {
	P introduction.PathID `cbor:"P"`
	S uint64              `cbor:"S"`
}

func (*DataDiscardMessage) Kind() Kind { return KindDataDiscard }

// FindIntroMessage looks a service up either by topic tag or by address,
// recursively up to N hops.
type FindIntroMessage struct {
	TxID    uint64            `cbor:"x"`
	Tag     string            `cbor:"g,omitempty"`
	Address *identity.Address `cbor:"a,omitempty"`
	N       uint8             `cbor:"n,omitempty"`
}

// PublishIntroMessage publishes introset to R replicas.
type PublishIntroMessage struct {
	I     *introduction.IntroSet `cbor:"i"`
	TxID  uint64                 `cbor:"x"`
	R     uint8                  `cbor:"rr"`
}

// FindRouterMessage resolves a router contact by its identity key.
type FindRouterMessage struct {
	Flags uint32               `cbor:"f"`
	Key   introduction.RouterID `cbor:"k"`
	TxID  uint64               `cbor:"x"`
}

// GotIntroMessage is the response to a FindIntroMessage or the echo of a
// PublishIntroMessage.
type GotIntroMessage struct {
	T uint64                  `cbor:"x"`
	I []*introduction.IntroSet `cbor:"i"`
}

// GotRouterMessage is the response to a FindRouterMessage.
type GotRouterMessage struct {
	T uint64   `cbor:"x"`
	R [][]byte `cbor:"r"`
}

// DHTSubMessage is the oneof payload carried inside a DHTMessage's M
// list: exactly one field is populated.
type DHTSubMessage struct {
	FindIntro    *FindIntroMessage    `cbor:"0,omitempty"`
	PublishIntro *PublishIntroMessage `cbor:"1,omitempty"`
	FindRouter   *FindRouterMessage   `cbor:"2,omitempty"`
	GotIntro     *GotIntroMessage     `cbor:"3,omitempty"`
	GotRouter    *GotRouterMessage    `cbor:"4,omitempty"`
}

// DHTMessage wraps one or more DHT request/response sub-messages.
type DHTMessage struct {
	M []DHTSubMessage `cbor:"M"`
}

func (*DHTMessage) Kind() Kind { return KindDHT }

// envelope is the wire-level dictionary: a kind discriminator plus
// exactly one populated payload field. cbor's map-keyed encoding already
// satisfies "decode is order-insensitive"; CanonicalEncOptions satisfies
// "re-encode is deterministic by key".
type envelope struct {
	A            Kind                 `cbor:"A"`
	PathLatency  *PathLatencyMessage  `cbor:"L,omitempty"`
	PathTransfer *PathTransferMessage `cbor:"T,omitempty"`
	PathConfirm  *PathConfirmMessage  `cbor:"C,omitempty"`
	DataDiscard  *DataDiscardMessage  `cbor:"D,omitempty"`
	DHT          *DHTMessage          `cbor:"G,omitempty"`
}

func canonicalMode() (cbor.EncMode, error) {
	return cbor.CanonicalEncOptions().EncMode()
}

// Encode serializes a routing message into its deterministic-by-key
// dictionary form.
func Encode(msg Message) ([]byte, error) {
	env := envelope{A: msg.Kind()}
	switch m := msg.(type) {
	case *PathLatencyMessage:
		env.PathLatency = m
	case *PathTransferMessage:
		env.PathTransfer = m
	case *PathConfirmMessage:
		env.PathConfirm = m
	case *DataDiscardMessage:
		env.DataDiscard = m
	case *DHTMessage:
		env.DHT = m
	default:
		return nil, fmt.Errorf("routing: unhandled message kind %T", msg)
	}
	mode, err := canonicalMode()
	if err != nil {
		return nil, err
	}
	return mode.Marshal(env)
}

// Decode parses a routing message dictionary, dispatching on its "A"
// kind byte.
func Decode(buf []byte) (Message, error) {
	var env envelope
	if err := cbor.Unmarshal(buf, &env); err != nil {
		return nil, fmt.Errorf("routing: malformed message: %w", err)
	}
	switch env.A {
	case KindPathLatency:
		if env.PathLatency == nil {
			return nil, fmt.Errorf("routing: PathLatency kind with no payload")
		}
		return env.PathLatency, nil
	case KindPathTransfer:
		if env.PathTransfer == nil {
			return nil, fmt.Errorf("routing: PathTransfer kind with no payload")
		}
		return env.PathTransfer, nil
	case KindPathConfirm:
		if env.PathConfirm == nil {
			return nil, fmt.Errorf("routing: PathConfirm kind with no payload")
		}
		return env.PathConfirm, nil
	case KindDataDiscard:
		if env.DataDiscard == nil {
			return nil, fmt.Errorf("routing: DataDiscard kind with no payload")
		}
		return env.DataDiscard, nil
	case KindDHT:
		if env.DHT == nil {
			return nil, fmt.Errorf("routing: DHT kind with no payload")
		}
		return env.DHT, nil
	default:
		// Programmer error / unknown message kind: log at warn, drop
		// (spec §7).
		return nil, fmt.Errorf("routing: unknown message kind %q", env.A)
	}
}

// RawMessage wraps an already-encoded, already-padded wire form of
// another message kind, for the one case a hop dispatches bytes it
// built itself with Encode+Pad rather than a message Layer.SendToOrQueue
// still needs to inspect structurally (spec §4.5 invariant 8).
type RawMessage struct {
	K   Kind
	Buf []byte
}

func (r *RawMessage) Kind() Kind { return r.K }

// MessagePadSize is the minimum length, in bytes, that an outgoing
// routing message is padded to before encryption, so its length does
// not leak which kind of control message it is (spec §4.5, invariant 8).
const MessagePadSize = 512

// Pad pads buf with random bytes up to MessagePadSize. Buffers already at
// or above the minimum are returned unchanged.
func Pad(buf []byte) ([]byte, error) {
	if len(buf) >= MessagePadSize {
		return buf, nil
	}
	padded := make([]byte, MessagePadSize)
	copy(padded, buf)
	if _, err := rand.Reader.Read(padded[len(buf):]); err != nil {
		return nil, err
	}
	return padded, nil
}
