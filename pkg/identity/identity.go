// Package identity generates local identities and derives content addresses.
//
// An author address is a CIDv1 string with the libp2p-key codec over a sha2-256
// multihash of the ed25519 public key. Content fingerprints are CIDv1 raw
// sha2-256 identifiers of canonical bytes.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// SignerType is the only key type generated here.
const SignerType = "ed25519"

// Identity is a freshly generated key pair plus its derived names.
type Identity struct {
	ID         string
	Address    string
	Type       string
	PublicKey  []byte
	PrivateKey []byte
}

// Generate creates a new identity from crypto/rand.
func Generate() (Identity, error) {
	return GenerateFrom(rand.Reader)
}

// GenerateFrom creates a new identity reading key material from r.
func GenerateFrom(r io.Reader) (Identity, error) {
	pub, priv, err := ed25519.GenerateKey(r)
	if err != nil {
		return Identity{}, fmt.Errorf("generate key: %w", err)
	}
	addr, err := AddressFromPublicKey(pub)
	if err != nil {
		return Identity{}, err
	}
	return Identity{
		ID:         uuid.NewString(),
		Address:    addr,
		Type:       SignerType,
		PublicKey:  []byte(pub),
		PrivateKey: []byte(priv),
	}, nil
}

// AddressFromPublicKey derives the author address of pub.
func AddressFromPublicKey(pub []byte) (string, error) {
	if len(pub) != ed25519.PublicKeySize {
		return "", fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(pub))
	}
	sum, err := multihash.Sum(pub, multihash.SHA2_256, -1)
	if err != nil {
		return "", err
	}
	return cid.NewCidV1(cid.Libp2pKey, sum).String(), nil
}

// ValidAddress reports whether s parses as an author address.
func ValidAddress(s string) bool {
	c, err := cid.Decode(s)
	if err != nil {
		return false
	}
	return c.Prefix().Codec == cid.Libp2pKey
}

// ContentCID returns the CIDv1 raw sha2-256 string of data.
func ContentCID(data []byte) string {
	sum, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		// unreachable for SHA2_256 with default length
		return ""
	}
	return cid.NewCidV1(cid.Raw, sum).String()
}
