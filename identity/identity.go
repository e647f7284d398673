// Package identity provides the cryptographic identity of a validator:
// Ed25519 signing keys, signature verification against known peer keys,
// and domain-separated content digests.
//
// Digests and secret generation go through the kyber Ed25519 suite so that
// every random or hashed value in the protocol comes from one audited
// primitive set.
package identity

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"

	"go.dedis.ch/kyber/v4/suites"
)

var suite = suites.MustFind("Ed25519")

// NodeID identifies a validator for the whole protocol epoch. It is the
// hex encoding of the validator's Ed25519 public key, which makes it a
// stable map key with a canonical sort order.
type NodeID string

// IDFromPublicKey derives the protocol identifier from a public key.
func IDFromPublicKey(pub ed25519.PublicKey) NodeID {
	return NodeID(hex.EncodeToString(pub))
}

// PublicKey recovers the raw public key encoded in the identifier.
func (id NodeID) PublicKey() (ed25519.PublicKey, error) {
	b, err := hex.DecodeString(string(id))
	if err != nil {
		return nil, fmt.Errorf("malformed node id: %w", err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("node id is %d bytes, want %d", len(b), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(b), nil
}

// Short returns a truncated form of the identifier for log output.
func (id NodeID) Short() string {
	if len(id) <= 8 {
		return string(id)
	}
	return string(id[:8])
}

// Provider holds a validator's key material and performs all signing,
// verification and hashing on behalf of the protocol core. A Provider is
// safe for concurrent use; none of its methods mutate state.
type Provider struct {
	id   NodeID
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

// NewProvider wraps an existing keypair.
func NewProvider(pub ed25519.PublicKey, priv ed25519.PrivateKey) (*Provider, error) {
	if len(pub) != ed25519.PublicKeySize || len(priv) != ed25519.PrivateKeySize {
		return nil, errors.New("key material is missing or has wrong size")
	}
	return &Provider{id: IDFromPublicKey(pub), pub: pub, priv: priv}, nil
}

// Generate creates a fresh keypair from the suite's random stream.
func Generate() (*Provider, error) {
	seed := make([]byte, ed25519.SeedSize)
	suite.RandomStream().XORKeyStream(seed, seed)
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return NewProvider(pub, priv)
}

// ID returns this validator's protocol identifier.
func (p *Provider) ID() NodeID { return p.id }

// PublicKey returns this validator's public key.
func (p *Provider) PublicKey() ed25519.PublicKey { return p.pub }

// Sign signs data with this validator's private key.
func (p *Provider) Sign(data []byte) []byte {
	return ed25519.Sign(p.priv, data)
}

// Verify reports whether sig is a valid signature over data by the
// validator identified by id. An unknown or malformed id verifies false.
func Verify(id NodeID, data, sig []byte) bool {
	pub, err := id.PublicKey()
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, data, sig)
}

// Digest hashes the given parts under a domain label. Each part is
// length-prefixed so that concatenation cannot produce colliding inputs
// across part boundaries.
func Digest(domain string, parts ...[]byte) []byte {
	h := suite.Hash()
	h.Write([]byte(domain))
	for _, part := range parts {
		var length [8]byte
		for i, n := 0, len(part); i < 8; i++ {
			length[i] = byte(n >> (8 * i))
		}
		h.Write(length[:])
		h.Write(part)
	}
	return h.Sum(nil)
}

// RandomSecret draws a fresh scalar from the suite's random stream and
// returns its canonical encoding. Used as a validator's per-round
// commit-reveal secret.
func RandomSecret() ([]byte, error) {
	s := suite.Scalar().Pick(suite.RandomStream())
	b, err := s.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshaling secret scalar: %w", err)
	}
	return b, nil
}

// SortIDs returns the ids in their canonical order.
func SortIDs(ids []NodeID) []NodeID {
	out := make([]NodeID, len(ids))
	copy(out, ids)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
