package identity

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/curve25519"

	"github.com/atvirokodosprendimai/onecore"
	"github.com/atvirokodosprendimai/onecore/pkg/objstore"
)

// Signature is the immutable object recipe from spec.md §3: an issuer's
// signature over a data hash, stored as its own object.
type Signature struct {
	Issuer        objstore.Hash `json:"issuer"`
	Data          objstore.Hash `json:"data"`
	SignatureBits []byte        `json:"signature"`
}

// nonceSize matches the teacher's crypto.NonceSize (AES-GCM standard
// nonce length).
const nonceSize = 12

// Keychain holds the locally-controlled key material for one instance —
// the Keys for our main identity plus any additional identities we
// control — and implements spec.md §4.2's signing/encryption surface.
//
// The Object Store and the Keychain are process-wide singletons per
// spec.md §9, but are passed explicitly into constructors rather than
// referenced as package globals, so components and their tests stay
// isolatable.
type Keychain struct {
	mu sync.RWMutex

	mainPerson objstore.Hash
	complete   map[objstore.Hash]*Keys // person id-hash -> locally-complete Keys
}

// NewKeychain creates an empty Keychain for the given main identity.
func NewKeychain(mainPerson objstore.Hash) *Keychain {
	return &Keychain{
		mainPerson: mainPerson,
		complete:   make(map[objstore.Hash]*Keys),
	}
}

// AddKeys registers locally-held Keys (with private halves) for person.
func (kc *Keychain) AddKeys(person objstore.Hash, keys *Keys) {
	kc.mu.Lock()
	defer kc.mu.Unlock()
	kc.complete[person] = keys
}

// GetCompleteKeys returns the locally-held Keys for person where we also
// possess the private halves — spec.md §4.2.
func (kc *Keychain) GetCompleteKeys(person objstore.Hash) []*Keys {
	kc.mu.RLock()
	defer kc.mu.RUnlock()
	k, ok := kc.complete[person]
	if !ok || !k.hasPrivate {
		return nil
	}
	return []*Keys{k}
}

// MainIdentity returns the person id-hash Sign defaults to when issuer is
// unset.
func (kc *Keychain) MainIdentity() objstore.Hash {
	return kc.mainPerson
}

// Sign produces an immutable Signature over dataHash, issued by issuer
// (defaulting to the main identity per spec.md §4.2). It fails if we do
// not hold issuer's private sign key.
func (kc *Keychain) Sign(dataHash objstore.Hash, issuer objstore.Hash) (*Signature, error) {
	if issuer.IsZero() {
		issuer = kc.mainPerson
	}
	kc.mu.RLock()
	keys, ok := kc.complete[issuer]
	kc.mu.RUnlock()
	if !ok || !keys.hasPrivate {
		return nil, fmt.Errorf("%w: no private sign key for issuer %s", onecore.ErrInvalid, issuer)
	}

	sig := ed25519.Sign(keys.privateSign, dataHash[:])
	return &Signature{
		Issuer:        issuer,
		Data:          dataHash,
		SignatureBits: sig,
	}, nil
}

// Verify checks sig against a candidate public sign key — spec.md §4.2.
// It does not consult the Trust Graph; callers combine Verify with
// trust.IsKeyTrusted to decide whether the result is meaningful.
func Verify(sig *Signature, publicSignKey ed25519.PublicKey) bool {
	if sig == nil || len(publicSignKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(publicSignKey, sig.Data[:], sig.SignatureBits)
}

// DeriveSessionKey computes an X25519 shared secret from a remote public
// key and our local private key — the handshake building block spec.md
// §4.4 uses both for the static long-term shared key and for the
// ephemeral per-connection key.
func DeriveSessionKey(remotePub [32]byte, localPriv [32]byte) ([32]byte, error) {
	shared, err := curve25519.X25519(localPriv[:], remotePub[:])
	if err != nil {
		return [32]byte{}, fmt.Errorf("onecore/identity: X25519: %w", err)
	}
	var out [32]byte
	copy(out[:], shared)
	return out, nil
}

// LocalEncryptPrivate exposes the Keys' private X25519 half for session-key
// derivation. It is only ever called on Keys this process generated.
func (k *Keys) LocalEncryptPrivate() [32]byte {
	return k.privateEncrypt
}

// SymmetricEncrypt seals plaintext under shared with a fresh random nonce,
// using AES-256-GCM exactly as the teacher's crypto.SealEnvelope does.
// The nonce is prepended to the returned ciphertext.
func SymmetricEncrypt(shared [32]byte, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(shared[:])
	if err != nil {
		return nil, fmt.Errorf("onecore/identity: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("onecore/identity: new gcm: %w", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("onecore/identity: generate nonce: %w", err)
	}
	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	return append(nonce, sealed...), nil
}

// SymmetricDecrypt inverts SymmetricEncrypt.
func SymmetricDecrypt(shared [32]byte, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("%w: ciphertext too short", onecore.ErrInvalid)
	}
	block, err := aes.NewCipher(shared[:])
	if err != nil {
		return nil, fmt.Errorf("onecore/identity: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("onecore/identity: new gcm: %w", err)
	}
	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decryption failed: %v", onecore.ErrInvalid, err)
	}
	return plaintext, nil
}

// EncryptPrivateHalves symmetrically encrypts a Keys object's private
// sign/encrypt halves under a key derived from a user secret, for storage
// in the object store per spec.md §3 ("Private halves are symmetrically
// encrypted with a key derived from a user secret").
func EncryptPrivateHalves(k *Keys, userSecret string, nonce []byte) ([]byte, error) {
	if !k.hasPrivate {
		return nil, fmt.Errorf("%w: keys have no private halves to encrypt", onecore.ErrInvalid)
	}
	keyBytes, err := DeriveFromSecret(userSecret, nonce, 32)
	if err != nil {
		return nil, err
	}
	var wrapKey [32]byte
	copy(wrapKey[:], keyBytes)

	payload := struct {
		PrivateSign    []byte   `json:"private_sign"`
		PrivateEncrypt [32]byte `json:"private_encrypt"`
	}{
		PrivateSign:    k.privateSign,
		PrivateEncrypt: k.privateEncrypt,
	}
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("onecore/identity: marshal private halves: %w", err)
	}
	return SymmetricEncrypt(wrapKey, plaintext)
}

// DecryptPrivateHalves inverts EncryptPrivateHalves, producing a Keys
// object with the private halves restored alongside the given public
// halves.
func DecryptPrivateHalves(publicSign ed25519.PublicKey, publicEncrypt [32]byte, encrypted []byte, userSecret string, nonce []byte) (*Keys, error) {
	keyBytes, err := DeriveFromSecret(userSecret, nonce, 32)
	if err != nil {
		return nil, err
	}
	var wrapKey [32]byte
	copy(wrapKey[:], keyBytes)

	plaintext, err := SymmetricDecrypt(wrapKey, encrypted)
	if err != nil {
		return nil, err
	}

	var payload struct {
		PrivateSign    []byte   `json:"private_sign"`
		PrivateEncrypt [32]byte `json:"private_encrypt"`
	}
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, fmt.Errorf("%w: unmarshal private halves: %v", onecore.ErrInvalid, err)
	}

	return &Keys{
		PublicSign:     publicSign,
		PublicEncrypt:  publicEncrypt,
		privateSign:    payload.PrivateSign,
		privateEncrypt: payload.PrivateEncrypt,
		hasPrivate:     true,
	}, nil
}
