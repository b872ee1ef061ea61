// Package identity persists and derives the local endpoint's long-term
// cryptographic identity: an encryption keypair, a signing keypair, a
// post-quantum KEM keypair, and the vanity nonce that feeds the derived
// public address.
package identity

import (
	"fmt"
	"os"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/hpqc/hash"
	"github.com/katzenpost/hpqc/kem"
	kemschemes "github.com/katzenpost/hpqc/kem/schemes"
	"github.com/katzenpost/hpqc/nike"
	nikeschemes "github.com/katzenpost/hpqc/nike/schemes"
	"github.com/katzenpost/hpqc/rand"
	"github.com/katzenpost/hpqc/sign"
	signschemes "github.com/katzenpost/hpqc/sign/schemes"

	"github.com/veilrelay/veil/core/log"
)

// VanityNonceSize is the width of the nonce mixed into the derived public
// address.
const VanityNonceSize = 16

// AddrSize is the width of a derived service address.
const AddrSize = 32

// IdentityVersion is the version of the persisted identity dictionary
// written by this package. EnsureKeys refuses to load a file whose stored
// version is greater than this.
const IdentityVersion = 1

var (
	// DHScheme is the classical Diffie-Hellman NIKE used for the encryption
	// keypair and the hybrid handshake's DH leg.
	DHScheme = nikeschemes.ByName("x25519")

	// SignScheme is the signature scheme used for the signing keypair.
	SignScheme = signschemes.ByName("Ed25519")

	// KEMScheme is the post-quantum KEM used for the hybrid handshake's PQ
	// leg.
	KEMScheme = kemschemes.ByName("Kyber768")
)

var log_ = log.GetLogger("veil/identity")

// Address is a deterministic hash of a ServiceInfo's signing public key.
type Address [AddrSize]byte

// ServiceInfo is the public half of an Identity: the material published in
// an IntroSet so that remote peers can address and authenticate this
// endpoint.
type ServiceInfo struct {
	SigningKey []byte  `cbor:"s"`
	EncKey     []byte  `cbor:"e"`
	PQKey      []byte  `cbor:"k"`
	Vanity     [VanityNonceSize]byte `cbor:"v"`
}

// Addr returns the deterministic address derived from the signing key.
func (s *ServiceInfo) Addr() Address {
	return Address(hash.Sum256(s.SigningKey))
}

// Equal reports whether two ServiceInfo values are component-wise equal.
func (s *ServiceInfo) Equal(other *ServiceInfo) bool {
	if s == nil || other == nil {
		return s == other
	}
	return string(s.SigningKey) == string(other.SigningKey) &&
		string(s.EncKey) == string(other.EncKey) &&
		string(s.PQKey) == string(other.PQKey) &&
		s.Vanity == other.Vanity
}

// SigningPublicKey parses the stored signing key into a usable hpqc key.
func (s *ServiceInfo) SigningPublicKey() (sign.PublicKey, error) {
	return SignScheme.UnmarshalBinaryPublicKey(s.SigningKey)
}

// EncPublicKey parses the stored encryption key into a usable hpqc key.
func (s *ServiceInfo) EncPublicKey() (nike.PublicKey, error) {
	k := DHScheme.NewEmptyPublicKey()
	if err := k.FromBytes(s.EncKey); err != nil {
		return nil, err
	}
	return k, nil
}

// PQPublicKey parses the stored PQ KEM key into a usable hpqc key.
func (s *ServiceInfo) PQPublicKey() (kem.PublicKey, error) {
	return KEMScheme.UnmarshalBinaryPublicKey(s.PQKey)
}

// Identity is the endpoint-local long-term key material. It is mutated
// only during initialization (EnsureKeys / RegenerateKeys); everything
// else reads it under the embedded lock.
type Identity struct {
	sync.RWMutex

	Version  uint32                `cbor:"version"`
	EncPriv  []byte                `cbor:"enc_sk"`
	SignPriv []byte                `cbor:"sign_sk"`
	PQPriv   []byte                `cbor:"pq_sk"`
	Vanity   [VanityNonceSize]byte `cbor:"vanity"`

	pub *ServiceInfo
}

// wireIdentity is the on-disk / self-describing representation; it exists
// so persistence stays stable if fields are added in a later version.
type wireIdentity struct {
	Version  uint32                `cbor:"version"`
	EncPriv  []byte                `cbor:"enc_sk"`
	SignPriv []byte                `cbor:"sign_sk"`
	PQPriv   []byte                `cbor:"pq_sk"`
	Vanity   [VanityNonceSize]byte `cbor:"vanity"`
}

// New returns a freshly generated Identity.
func New() *Identity {
	id := new(Identity)
	id.RegenerateKeys()
	return id
}

// RegenerateKeys unconditionally mints fresh encryption, signing, and PQ
// keys and a fresh vanity nonce, then recomputes the derived public
// ServiceInfo.
func (id *Identity) RegenerateKeys() {
	id.Lock()
	defer id.Unlock()

	_, encSk, err := DHScheme.GenerateKeyPair()
	if err != nil {
		panic("identity: GenerateKeyPair(DH): " + err.Error())
	}
	_, signSk, err := SignScheme.GenerateKey()
	if err != nil {
		panic("identity: GenerateKey(sign): " + err.Error())
	}
	_, pqSk, err := KEMScheme.GenerateKeyPair()
	if err != nil {
		panic("identity: GenerateKeyPair(kem): " + err.Error())
	}

	var vanity [VanityNonceSize]byte
	if _, err := rand.Reader.Read(vanity[:]); err != nil {
		panic("identity: failed to draw vanity nonce: " + err.Error())
	}

	encPrivBytes, err := encSk.MarshalBinary()
	if err != nil {
		panic(err)
	}
	signPrivBytes, err := signSk.MarshalBinary()
	if err != nil {
		panic(err)
	}
	pqPrivBytes, err := pqSk.MarshalBinary()
	if err != nil {
		panic(err)
	}

	id.Version = IdentityVersion
	id.EncPriv = encPrivBytes
	id.SignPriv = signPrivBytes
	id.PQPriv = pqPrivBytes
	id.Vanity = vanity
	id.pub = derivePublic(encSk.Public(), signSk.Public(), pqSk.Public(), vanity)
}

func derivePublic(encPub nike.PublicKey, signPub sign.PublicKey, pqPub kem.PublicKey, vanity [VanityNonceSize]byte) *ServiceInfo {
	signBytes, err := signPub.MarshalBinary()
	if err != nil {
		panic(err)
	}
	pqBytes, err := pqPub.MarshalBinary()
	if err != nil {
		panic(err)
	}
	return &ServiceInfo{
		SigningKey: signBytes,
		EncKey:     encPub.Bytes(),
		PQKey:      pqBytes,
		Vanity:     vanity,
	}
}

// rehydrate recomputes the cached public ServiceInfo and derived key
// handles from the persisted private key bytes. Used after Load.
func (id *Identity) rehydrate() error {
	encSk := DHScheme.NewEmptyPrivateKey()
	if err := encSk.FromBytes(id.EncPriv); err != nil {
		return fmt.Errorf("identity: bad enc_sk: %w", err)
	}
	signSk, err := SignScheme.UnmarshalBinaryPrivateKey(id.SignPriv)
	if err != nil {
		return fmt.Errorf("identity: bad sign_sk: %w", err)
	}
	pqSk, err := KEMScheme.UnmarshalBinaryPrivateKey(id.PQPriv)
	if err != nil {
		return fmt.Errorf("identity: bad pq_sk: %w", err)
	}
	id.pub = derivePublic(encSk.Public(), signSk.Public(), pqSk.Public(), id.Vanity)
	return nil
}

// Public returns the derived public ServiceInfo.
func (id *Identity) Public() *ServiceInfo {
	id.RLock()
	defer id.RUnlock()
	return id.pub
}

// EnsureKeys loads the identity stored at path, or regenerates fresh keys
// and persists them there if the file does not exist.
func EnsureKeys(path string) (*Identity, error) {
	if path == "" {
		return New(), nil
	}
	if _, err := os.Stat(path); err == nil {
		return Load(path)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("identity: stat %s: %w", path, err)
	}
	id := New()
	if err := id.Save(path); err != nil {
		return nil, err
	}
	return id, nil
}

// Load reads and decodes the identity stored at path.
func Load(path string) (*Identity, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("identity: read %s: %w", path, err)
	}
	var w wireIdentity
	if err := cbor.Unmarshal(buf, &w); err != nil {
		return nil, fmt.Errorf("identity: malformed identity file: %w", err)
	}
	if w.Version > IdentityVersion {
		return nil, fmt.Errorf("identity: unsupported identity version %d", w.Version)
	}
	id := &Identity{
		Version:  w.Version,
		EncPriv:  w.EncPriv,
		SignPriv: w.SignPriv,
		PQPriv:   w.PQPriv,
		Vanity:   w.Vanity,
	}
	if err := id.rehydrate(); err != nil {
		return nil, err
	}
	log_.Noticef("loaded identity, addr=%x", id.Public().Addr())
	return id, nil
}

// Save persists the identity to path in its canonical CBOR dictionary
// form.
func (id *Identity) Save(path string) error {
	id.RLock()
	w := wireIdentity{
		Version:  id.Version,
		EncPriv:  id.EncPriv,
		SignPriv: id.SignPriv,
		PQPriv:   id.PQPriv,
		Vanity:   id.Vanity,
	}
	id.RUnlock()

	opts := cbor.CanonicalEncOptions()
	enc, err := opts.EncMode()
	if err != nil {
		return err
	}
	buf, err := enc.Marshal(w)
	if err != nil {
		return fmt.Errorf("identity: encode: %w", err)
	}
	const mode = 0600
	if err := os.WriteFile(path, buf, mode); err != nil {
		return fmt.Errorf("identity: write %s: %w", path, err)
	}
	return nil
}

// Sign produces a signature over buffer with the signing secret key.
func (id *Identity) Sign(buffer []byte) ([]byte, error) {
	id.RLock()
	defer id.RUnlock()
	sk, err := SignScheme.UnmarshalBinaryPrivateKey(id.SignPriv)
	if err != nil {
		return nil, err
	}
	return SignScheme.Sign(sk, buffer, nil), nil
}

// KeyExchange computes the 32-byte classical shared secret between the
// local encryption secret key and other's encryption public key, salted
// by nonce. This is the "K2" leg of the hybrid handshake (spec §4.2).
func (id *Identity) KeyExchange(other *ServiceInfo, nonce []byte) ([32]byte, error) {
	id.RLock()
	encSk := DHScheme.NewEmptyPrivateKey()
	err := encSk.FromBytes(id.EncPriv)
	id.RUnlock()
	if err != nil {
		return [32]byte{}, err
	}

	otherPub, err := other.EncPublicKey()
	if err != nil {
		return [32]byte{}, err
	}

	raw := DHScheme.DeriveSecret(encSk, otherPub)
	return hash.Sum256(append(append([]byte{}, raw...), nonce...)), nil
}

// Decapsulate recovers the PQ-KEM shared secret for ciphertext ct using
// the local PQ secret key.
func (id *Identity) Decapsulate(ct []byte) ([]byte, error) {
	id.RLock()
	sk, err := KEMScheme.UnmarshalBinaryPrivateKey(id.PQPriv)
	id.RUnlock()
	if err != nil {
		return nil, err
	}
	return KEMScheme.Decapsulate(sk, ct)
}
