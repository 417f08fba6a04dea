// Package pairing implements the Pairing Manager of spec.md §4.5: a
// short-lived, single-use, cryptographically random invitation token that
// lets a previously unknown peer attach to us with mutual consent.
//
// Token generation and constant-time, prefix-indexed lookup are grounded
// on the teacher's pkg/lighthouse/auth.go API-key scheme
// (GenerateAPIKey/HashKey/PrefixFromKey/subtle.ConstantTimeCompare),
// generalized from "authenticate an HTTP request" to "accept a pairing
// handshake over an already-open Connection".
package pairing

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/atvirokodosprendimai/onecore"
	"github.com/atvirokodosprendimai/onecore/pkg/objstore"
	"github.com/atvirokodosprendimai/onecore/pkg/ratelimit"
)

const (
	tokenPrefixLength = 8
	defaultExpiration = 60 * time.Second
	tokenRandomBytes  = 32
)

// Invitation is the outcome of CreateInvitation: a token (shown once to
// the inviter), the URL a peer scans/clicks, the local public key, and
// the expiry deadline.
type Invitation struct {
	Token     string
	URL       string
	PublicKey objstore.Hash
	ExpiresAt time.Time
}

// invitationRecord is what the Manager actually stores: only the token's
// hash, never the raw token, mirroring the teacher's APIKey.KeyHash.
type invitationRecord struct {
	tokenHash string
	prefix    string
	expiresAt time.Time
	used      bool
}

// SuccessEvent is delivered to OnOneTimeAuthSuccess listeners once a
// pairing handshake completes — spec.md §4.5 step 4.
type SuccessEvent struct {
	Token          string
	Direction      string // "inbound" or "outbound"
	LocalPersonID  objstore.Hash
	RemotePersonID objstore.Hash
}

// Manager issues and redeems pairing invitations. CreateInvitation builds
// the invitation URL as urlBase + "#" + token; the fragment is the raw
// token only and carries neither the public key nor a JSON object.
type Manager struct {
	mu        sync.Mutex
	byPrefix  map[string]*invitationRecord
	localKey  objstore.Hash
	urlBase   string
	onSuccess []func(SuccessEvent)
	limiter   *ratelimit.Limiter
}

// NewManager creates an empty Manager for a local identity whose public
// key is localKey. A default per-source-address rate limiter is wired in
// automatically, so redemption attempts are throttled against a
// token-guessing oracle (spec.md §4.5) without callers having to
// remember to set one up.
func NewManager(localKey objstore.Hash, urlBase string) *Manager {
	return &Manager{
		byPrefix: make(map[string]*invitationRecord),
		localKey: localKey,
		urlBase:  urlBase,
		limiter:  ratelimit.NewDefault(),
	}
}

// OnOneTimeAuthSuccess registers a listener fired after a successful
// accept — spec.md §4.5: "higher layers use to automatically create
// domain relationships."
func (m *Manager) OnOneTimeAuthSuccess(fn func(SuccessEvent)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onSuccess = append(m.onSuccess, fn)
}

// CreateInvitation mints a single-use token valid for expiration (0 means
// the default of 60s) — spec.md §4.5.
func (m *Manager) CreateInvitation(expiration time.Duration) (*Invitation, error) {
	if expiration <= 0 {
		expiration = defaultExpiration
	}
	raw := make([]byte, tokenRandomBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("onecore/pairing: generate token: %w", err)
	}
	token := "one_" + hex.EncodeToString(raw)
	prefix := tokenPrefix(token)
	expiresAt := time.Now().Add(expiration)

	m.mu.Lock()
	m.byPrefix[prefix] = &invitationRecord{
		tokenHash: hashToken(token),
		prefix:    prefix,
		expiresAt: expiresAt,
	}
	m.mu.Unlock()

	return &Invitation{
		Token:     token,
		URL:       fmt.Sprintf("%s#%s", m.urlBase, token),
		PublicKey: m.localKey,
		ExpiresAt: expiresAt,
	}, nil
}

// Invalidate revokes a single outstanding token.
func (m *Manager) Invalidate(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byPrefix, tokenPrefix(token))
}

// InvalidateAll revokes every outstanding token.
func (m *Manager) InvalidateAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byPrefix = make(map[string]*invitationRecord)
}

// redeem validates token against outstanding invitations with
// indistinguishable failure semantics: unknown, expired, and
// already-used tokens all return the same sentinel error, matching
// spec.md §4.5's "accepting side deliberately does not leak whether the
// token was unknown vs expired." The token is marked used on success so
// a second accept attempt with the same token also fails indistinctly.
//
// sourceKey rate-limits redemption attempts per source (address, or any
// caller-chosen identifier) so an attacker cannot use this as an online
// token-guessing oracle.
func (m *Manager) redeem(sourceKey, token string) error {
	if m.limiter != nil && sourceKey != "" && !m.limiter.Allow(sourceKey) {
		return onecore.ErrInvalidToken
	}

	prefix := tokenPrefix(token)
	providedHash := hashToken(token)

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.byPrefix[prefix]
	if !ok {
		return onecore.ErrInvalidToken
	}
	if subtle.ConstantTimeCompare([]byte(providedHash), []byte(rec.tokenHash)) != 1 {
		return onecore.ErrInvalidToken
	}
	if rec.used || time.Now().After(rec.expiresAt) {
		return onecore.ErrInvalidToken
	}
	rec.used = true
	delete(m.byPrefix, prefix)
	return nil
}

func tokenPrefix(token string) string {
	if len(token) < tokenPrefixLength {
		return token
	}
	return token[:tokenPrefixLength]
}

func hashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

func (m *Manager) fireSuccess(ev SuccessEvent) {
	m.mu.Lock()
	listeners := append([]func(SuccessEvent){}, m.onSuccess...)
	m.mu.Unlock()
	for _, l := range listeners {
		l(ev)
	}
}
