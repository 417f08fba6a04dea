// Package identity implements the Identity & Keychain component of
// spec.md §4.2: per-instance key material, per-person sign/encrypt key
// pairs, derivation of stable person/instance id-hashes, and the signing,
// session-key and symmetric-encryption primitives the rest of the module
// builds on.
//
// Derivation is grounded on the teacher's pkg/crypto/derive.go: the
// person and instance id-hashes are HKDF-SHA256 expansions with a
// domain-separating info string, the same "wgmesh-*-v1" idiom generalized
// to "onecore-*-v1"; DeriveFromSecret stretches a user secret with scrypt.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/scrypt"

	"github.com/atvirokodosprendimai/onecore/pkg/objstore"
)

// Domain-separation info strings for HKDF expansions, one per derived
// purpose, matching the teacher's hkdfInfo* constant set.
const (
	hkdfInfoPersonID   = "onecore-person-id-v1"
	hkdfInfoInstanceID = "onecore-instance-id-v1"
)

// scrypt parameters for DeriveFromSecret. N/r/p follow the values the Go
// documentation recommends for interactive logins (N=2^15).
const (
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

// Keys is the immutable object recipe from spec.md §3: a public sign key,
// a public encrypt (X25519) key, and, for an identity we control, the
// plaintext private halves. The encrypted form of the private halves is
// not a field here; EncryptPrivateHalves returns it as separate bytes.
type Keys struct {
	PublicSign    ed25519.PublicKey
	PublicEncrypt [32]byte

	// Private halves, populated by NewKeys or by DecryptPrivateHalves;
	// empty on a Keys built from public halves only.
	privateSign    ed25519.PrivateKey
	privateEncrypt [32]byte
	hasPrivate     bool
}

// HasPrivate reports whether the private halves are held locally — the
// gate spec.md §4.2's GetCompleteKeys filters on.
func (k *Keys) HasPrivate() bool { return k.hasPrivate }

// NewKeys generates a fresh sign/encrypt keypair for a new Person or
// Instance.
func NewKeys() (*Keys, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("onecore/identity: generate sign key: %w", err)
	}

	var encPriv [32]byte
	if _, err := io.ReadFull(rand.Reader, encPriv[:]); err != nil {
		return nil, fmt.Errorf("onecore/identity: generate encrypt key: %w", err)
	}
	// Clamp per RFC 7748 so the scalar is a valid X25519 private key.
	encPriv[0] &= 248
	encPriv[31] &= 127
	encPriv[31] |= 64

	encPub, err := curve25519.X25519(encPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("onecore/identity: derive encrypt public key: %w", err)
	}

	k := &Keys{
		PublicSign:     pub,
		privateSign:    priv,
		privateEncrypt: encPriv,
		hasPrivate:     true,
	}
	copy(k.PublicEncrypt[:], encPub)
	return k, nil
}

// DerivePersonID computes the stable id-hash for a Person from their
// canonicalized email — spec.md §3: "id-hash depends only on email".
// The email is canonicalized (trimmed, lowercased) before hashing so that
// case or whitespace variations in how a caller types an address never
// produce two distinct identities.
func DerivePersonID(email string) (objstore.Hash, error) {
	canonical := strings.ToLower(strings.TrimSpace(email))
	if canonical == "" {
		return objstore.Hash{}, fmt.Errorf("onecore/identity: empty email")
	}
	var out objstore.Hash
	if err := deriveHKDF(canonical, hkdfInfoPersonID, out[:]); err != nil {
		return objstore.Hash{}, err
	}
	return out, nil
}

// DeriveInstanceID computes the stable id-hash for an Instance from its
// owning person id-hash and instance name — spec.md §3: "One or more per
// Person; id-hash stable".
func DeriveInstanceID(owner objstore.Hash, name string) (objstore.Hash, error) {
	input := owner.String() + "|" + name
	var out objstore.Hash
	if err := deriveHKDF(input, hkdfInfoInstanceID, out[:]); err != nil {
		return objstore.Hash{}, err
	}
	return out, nil
}

// DeriveFromSecret is the deterministic KDF (scrypt-class) spec.md §4.2
// requires for unlocking a person's encrypted private key halves from a
// user secret. nonce is typically the Keys object's own id-hash, giving
// each identity an independently-salted derivation from the same
// underlying user secret.
func DeriveFromSecret(userSecret string, nonce []byte, length int) ([]byte, error) {
	out, err := scrypt.Key([]byte(userSecret), nonce, scryptN, scryptR, scryptP, length)
	if err != nil {
		return nil, fmt.Errorf("onecore/identity: scrypt derivation: %w", err)
	}
	return out, nil
}

// deriveHKDF mirrors the teacher's crypto.deriveHKDF helper: HKDF-SHA256
// with a nil salt (RFC 5869 defaults to a zero-filled salt) and an info
// string for domain separation.
func deriveHKDF(secret, info string, output []byte) error {
	reader := hkdf.New(sha256.New, []byte(secret), nil, []byte(info))
	_, err := io.ReadFull(reader, output)
	return err
}
