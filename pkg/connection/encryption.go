package connection

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/atvirokodosprendimai/onecore/pkg/identity"
	"github.com/atvirokodosprendimai/onecore/pkg/objstore"
)

// handshakeTimeout bounds how long either side waits for the counterpart
// during the 6-step key exchange described in spec.md §4.4.
const handshakeTimeout = 15 * time.Second

// EncryptionPlugin performs the in-band ephemeral Diffie-Hellman
// handshake of spec.md §4.4 and, once complete, symmetrically encrypts
// every payload with the resulting per-connection shared key. Each frame
// is sealed by identity.SymmetricEncrypt with a fresh random 12-byte
// nonce; no nonce counter or sequence number is kept, so a replayed or
// reordered frame is not detected — grounded on the teacher's crypto.SealEnvelope/
// OpenEnvelope AES-256-GCM framing, generalized from a single
// mesh-wide gossip key to a freshly-derived per-connection ephemeral key.
type EncryptionPlugin struct {
	BasePlugin

	localKeys    *identity.Keys
	localPerson  objstore.Hash
	remotePerson objstore.Hash
	remoteKeys   *identity.Keys // public halves only, resolved by the caller
	isClient     bool

	mu         sync.Mutex
	sessionKey [32]byte
	ready      bool

	promise *PromisePlugin
}

// NewEncryptionPlugin creates an EncryptionPlugin for one side of a
// connection. remoteKeys may be filled in lazily (e.g. once
// communication_request names the target) but must be set before
// RunHandshake is called.
func NewEncryptionPlugin(localKeys *identity.Keys, localPerson objstore.Hash, isClient bool, promise *PromisePlugin) *EncryptionPlugin {
	return &EncryptionPlugin{
		localKeys:   localKeys,
		localPerson: localPerson,
		isClient:    isClient,
		promise:     promise,
	}
}

// SetRemote records the counterpart's long-term identity, resolved via
// the handshake's unencrypted communication_request/communication_ready
// exchange (steps 1-2).
func (e *EncryptionPlugin) SetRemote(person objstore.Hash, keys *identity.Keys) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.remotePerson = person
	e.remoteKeys = keys
}

// RunHandshake executes steps 3-6 of spec.md §4.4's handshake: both sides
// generate ephemeral keys, encrypt them under the static long-term shared
// key, exchange, and derive the ephemeral shared key that all further
// traffic uses. Steps 1-2 (communication_request/communication_ready) are
// the caller's responsibility since they carry protocol-specific routing
// (pairing vs. chum) the plugin itself is agnostic to.
func (e *EncryptionPlugin) RunHandshake(ctx context.Context) error {
	e.mu.Lock()
	remoteKeys := e.remoteKeys
	e.mu.Unlock()
	if remoteKeys == nil {
		return fmt.Errorf("onecore/connection: encryption handshake requires a resolved remote identity")
	}

	ephemeral, err := identity.NewKeys()
	if err != nil {
		return fmt.Errorf("onecore/connection: generate ephemeral keys: %w", err)
	}

	staticShared, err := identity.DeriveSessionKey(remoteKeys.PublicEncrypt, e.localKeys.LocalEncryptPrivate())
	if err != nil {
		return fmt.Errorf("onecore/connection: derive static shared key: %w", err)
	}

	ephemeralPubPlain := ephemeral.PublicEncrypt[:]
	ephemeralCiphertext, err := identity.SymmetricEncrypt(staticShared, ephemeralPubPlain)
	if err != nil {
		return fmt.Errorf("onecore/connection: seal ephemeral key: %w", err)
	}

	handshakeCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	if err := e.Conn.Send(Frame{
		Type: "ephemeral_key",
		Data: map[string]interface{}{
			"ciphertext": base64.StdEncoding.EncodeToString(ephemeralCiphertext),
		},
	}); err != nil {
		return fmt.Errorf("onecore/connection: send ephemeral key: %w", err)
	}

	reply, err := e.promise.WaitForJSONMessageWithType(handshakeCtx, "ephemeral_key")
	if err != nil {
		return fmt.Errorf("onecore/connection: waiting for counterpart ephemeral key: %w", err)
	}
	ciphertextStr, _ := reply.Data["ciphertext"].(string)
	ciphertext, err := base64.StdEncoding.DecodeString(ciphertextStr)
	if err != nil {
		return fmt.Errorf("onecore/connection: decode ephemeral key: %w", err)
	}
	remoteEphemeralPub, err := identity.SymmetricDecrypt(staticShared, ciphertext)
	if err != nil {
		return fmt.Errorf("onecore/connection: decrypt ephemeral key (MITM?): %w", err)
	}
	var remoteEphemeralPubArr [32]byte
	copy(remoteEphemeralPubArr[:], remoteEphemeralPub)

	sessionKey, err := identity.DeriveSessionKey(remoteEphemeralPubArr, ephemeral.LocalEncryptPrivate())
	if err != nil {
		return fmt.Errorf("onecore/connection: derive ephemeral shared key: %w", err)
	}

	e.mu.Lock()
	e.sessionKey = sessionKey
	e.ready = true
	e.mu.Unlock()
	return nil
}

// HandleIncoming decrypts payloads once the handshake has completed.
// Frames seen before that point (the handshake frames themselves) pass
// through untouched.
func (e *EncryptionPlugin) HandleIncoming(f Frame) (Frame, bool) {
	e.mu.Lock()
	ready := e.ready
	key := e.sessionKey
	e.mu.Unlock()

	if !ready || f.Type == "ephemeral_key" || f.Type == "opened" || f.Type == "closed" {
		return f, false
	}
	ciphertextStr, _ := f.Data["ciphertext"].(string)
	if ciphertextStr == "" {
		return f, false
	}
	ciphertext, err := base64.StdEncoding.DecodeString(ciphertextStr)
	if err != nil {
		return Frame{}, true
	}
	plaintext, err := identity.SymmetricDecrypt(key, ciphertext)
	if err != nil {
		return Frame{}, true
	}
	innerType, _ := f.Data["type"].(string)
	return Frame{Type: innerType, Binary: plaintext}, false
}

// HandleOutgoing encrypts payloads once the handshake has completed.
func (e *EncryptionPlugin) HandleOutgoing(f Frame) (Frame, bool) {
	e.mu.Lock()
	ready := e.ready
	key := e.sessionKey
	e.mu.Unlock()

	if !ready || f.Type == "ephemeral_key" || f.Type == "close" {
		return f, false
	}
	ciphertext, err := identity.SymmetricEncrypt(key, f.Binary)
	if err != nil {
		return f, false
	}
	return Frame{
		Type: "encrypted",
		Data: map[string]interface{}{
			"type":       f.Type,
			"ciphertext": base64.StdEncoding.EncodeToString(ciphertext),
		},
	}, false
}

var _ Plugin = (*EncryptionPlugin)(nil)
