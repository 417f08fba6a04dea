package trust

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"

	"github.com/atvirokodosprendimai/onecore/pkg/identity"
	"github.com/atvirokodosprendimai/onecore/pkg/objstore"
)

const (
	referrerTypeSignature   objstore.ReferrerType = "Signature"
	referrerTypeAffirmation objstore.ReferrerType = "AffirmationCertificate"
)

// candidateKey pairs a currently-trusted key's public sign key with the
// person that owns it; trustedSignSet only builds candidates for trusted
// keys, so SignedBy only accepts signatures that verify against trusted
// key material.
type candidateKey struct {
	person objstore.Hash
	public ed25519.PublicKey
}

// trustedSignSet returns every (person, publicSignKey) pair the Graph
// currently considers trusted, for the given keySource lookup (identity
// keys are opaque 32-byte sign-key hashes in the Graph; callers supply a
// resolver from key-hash to the actual ed25519.PublicKey bytes, typically
// backed by the Profile objects already loaded into the object store).
func (g *Graph) trustedSignSet(resolve func(objstore.Hash) ed25519.PublicKey) []candidateKey {
	snap := g.cur.Load()
	var out []candidateKey
	for key, owner := range snap.keyOwner {
		if !snap.trusted[key].trusted {
			continue
		}
		pub := resolve(key)
		if pub == nil {
			continue
		}
		out = append(out, candidateKey{person: owner, public: pub})
	}
	return out
}

// SignedBy returns persons with at least one signature over dataHash that
// verifies against one of their currently-trusted keys — spec.md §4.3:
// signed_by(data_hash) -> [person]. resolve maps a trusted key-hash (as
// registered via AddProfile) back to its ed25519 public key bytes.
func (g *Graph) SignedBy(ctx context.Context, store objstore.ObjectStore, dataHash objstore.Hash, resolve func(objstore.Hash) ed25519.PublicKey) ([]objstore.Hash, error) {
	refs, err := store.ListReferrers(ctx, dataHash, referrerTypeSignature)
	if err != nil {
		return nil, err
	}

	candidates := g.trustedSignSet(resolve)
	seen := make(map[objstore.Hash]bool)
	var persons []objstore.Hash

	for _, sigHash := range refs {
		raw, err := store.Get(ctx, sigHash)
		if err != nil {
			continue
		}
		sig, ok := decodeSignature(raw, dataHash)
		if !ok {
			continue
		}
		for _, c := range candidates {
			if seen[c.person] {
				continue
			}
			if identity.Verify(sig, c.public) {
				seen[c.person] = true
				persons = append(persons, c.person)
			}
		}
	}
	return persons, nil
}

// decodeSignature reconstructs an identity.Signature from its canonical
// object bytes, checking it actually references dataHash.
func decodeSignature(raw []byte, dataHash objstore.Hash) (*identity.Signature, bool) {
	m := objstore.DecodeCanonical(raw)
	if m == nil || m["$type$"] != "Signature" {
		return nil, false
	}
	dataHex, _ := m["data"].(string)
	if dataHex != dataHash.String() {
		return nil, false
	}
	issuerHex, _ := m["issuer"].(string)
	issuer, err := objstore.ParseHash(issuerHex)
	if err != nil {
		return nil, false
	}
	sigBits, ok := decodeSignatureBytes(m["signature"])
	if !ok {
		return nil, false
	}
	return &identity.Signature{Issuer: issuer, Data: dataHash, SignatureBits: sigBits}, true
}

// decodeSignatureBytes decodes the "signature" field produced by
// objstore.Canonicalize. []byte values go through encoding/json as
// base64 strings (json.Marshal's documented []byte encoding), so the
// canonical form stores this as a JSON string, not a number array.
func decodeSignatureBytes(v interface{}) ([]byte, bool) {
	s, ok := v.(string)
	if !ok {
		return nil, false
	}
	out, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, false
	}
	return out, true
}

// Certify writes License, Certificate and Signature objects atomically
// per spec.md §4.3: "certify(type, subject, issuer?) -> {license,
// certificate, signature} — writes all three objects atomically (failure
// of any rolls back unused earlier writes only in the sense of not
// advertising them)." Since the object store is content-addressed and
// writes are idempotent Puts, "rollback" means simply: if a later step
// fails, the earlier blobs are harmless unreferenced garbage — nothing
// else in the store points at them yet.
func Certify(ctx context.Context, store objstore.ObjectStore, kc *identity.Keychain, certType CertificateType, subject objstore.Hash, issuer objstore.Hash, license License) (objstore.Hash, objstore.Hash, objstore.Hash, error) {
	license.Subject = subject
	licenseObj := map[string]interface{}{
		"$type$":  "License",
		"subject": subject.String(),
	}
	if !license.Profile.IsZero() {
		licenseObj["profile"] = license.Profile.String()
	}
	if !license.Data.IsZero() {
		licenseObj["data"] = license.Data.String()
	}
	licenseBytes, err := objstore.Canonicalize(licenseObj)
	if err != nil {
		return objstore.Hash{}, objstore.Hash{}, objstore.Hash{}, err
	}
	licenseHash, err := store.Put(ctx, licenseBytes)
	if err != nil {
		return objstore.Hash{}, objstore.Hash{}, objstore.Hash{}, fmt.Errorf("trust: store license: %w", err)
	}

	certObj := map[string]interface{}{
		"$type$":  "Certificate",
		"type":    string(certType),
		"license": licenseHash.String(),
		"issuer":  issuer.String(),
	}
	certBytes, err := objstore.Canonicalize(certObj)
	if err != nil {
		return objstore.Hash{}, objstore.Hash{}, objstore.Hash{}, err
	}
	certHash, err := store.Put(ctx, certBytes)
	if err != nil {
		return objstore.Hash{}, objstore.Hash{}, objstore.Hash{}, fmt.Errorf("trust: store certificate: %w", err)
	}

	sig, err := kc.Sign(certHash, issuer)
	if err != nil {
		return objstore.Hash{}, objstore.Hash{}, objstore.Hash{}, fmt.Errorf("trust: sign certificate: %w", err)
	}
	sigObj := map[string]interface{}{
		"$type$":    "Signature",
		"issuer":    sig.Issuer.String(),
		"data":      sig.Data.String(),
		"signature": sig.SignatureBits,
	}
	sigBytes, err := objstore.Canonicalize(sigObj)
	if err != nil {
		return objstore.Hash{}, objstore.Hash{}, objstore.Hash{}, err
	}
	sigHash, err := store.Put(ctx, sigBytes)
	if err != nil {
		return objstore.Hash{}, objstore.Hash{}, objstore.Hash{}, fmt.Errorf("trust: store signature: %w", err)
	}

	if err := store.AddReferrer(ctx, certHash, sigHash, referrerTypeSignature); err != nil {
		return objstore.Hash{}, objstore.Hash{}, objstore.Hash{}, fmt.Errorf("trust: link signature to certificate: %w", err)
	}
	return licenseHash, certHash, sigHash, nil
}

// Affirm is Certify specialized to CertAffirmation over an arbitrary data
// hash — spec.md §4.3 public surface's affirm().
func Affirm(ctx context.Context, store objstore.ObjectStore, kc *identity.Keychain, issuer objstore.Hash, dataHash objstore.Hash) (objstore.Hash, objstore.Hash, objstore.Hash, error) {
	licenseHash, certHash, sigHash, err := Certify(ctx, store, kc, CertAffirmation, dataHash, issuer, License{Data: dataHash})
	if err != nil {
		return objstore.Hash{}, objstore.Hash{}, objstore.Hash{}, err
	}
	if err := store.AddReferrer(ctx, dataHash, certHash, referrerTypeAffirmation); err != nil {
		return objstore.Hash{}, objstore.Hash{}, objstore.Hash{}, fmt.Errorf("trust: link affirmation to data: %w", err)
	}
	return licenseHash, certHash, sigHash, nil
}

// IsAffirmedBy reports whether issuer has affirmed dataHash via a
// Certificate this store has recorded — spec.md §4.3 public surface.
func IsAffirmedBy(ctx context.Context, store objstore.ObjectStore, dataHash objstore.Hash, issuer objstore.Hash) (bool, error) {
	refs, err := store.ListReferrers(ctx, dataHash, referrerTypeAffirmation)
	if err != nil {
		return false, err
	}
	for _, certHash := range refs {
		raw, err := store.Get(ctx, certHash)
		if err != nil {
			continue
		}
		m := objstore.DecodeCanonical(raw)
		if m == nil {
			continue
		}
		issuerHex, _ := m["issuer"].(string)
		got, err := objstore.ParseHash(issuerHex)
		if err == nil && got == issuer {
			return true, nil
		}
	}
	return false, nil
}

// AffirmedBy returns every person who has affirmed dataHash — spec.md
// §4.3 public surface.
func AffirmedBy(ctx context.Context, store objstore.ObjectStore, dataHash objstore.Hash) ([]objstore.Hash, error) {
	refs, err := store.ListReferrers(ctx, dataHash, referrerTypeAffirmation)
	if err != nil {
		return nil, err
	}
	seen := make(map[objstore.Hash]bool)
	var out []objstore.Hash
	for _, certHash := range refs {
		raw, err := store.Get(ctx, certHash)
		if err != nil {
			continue
		}
		m := objstore.DecodeCanonical(raw)
		if m == nil {
			continue
		}
		issuerHex, _ := m["issuer"].(string)
		issuer, err := objstore.ParseHash(issuerHex)
		if err != nil || seen[issuer] {
			continue
		}
		seen[issuer] = true
		out = append(out, issuer)
	}
	return out, nil
}
