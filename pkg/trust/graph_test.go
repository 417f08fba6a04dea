package trust

import (
	"context"
	"crypto/ed25519"
	"testing"

	"github.com/atvirokodosprendimai/onecore/pkg/identity"
	"github.com/atvirokodosprendimai/onecore/pkg/objstore"
)

func keyFromByte(b byte) objstore.Hash {
	var h objstore.Hash
	h[0] = b
	return h
}

func TestRootKeyIsAlwaysTrusted(t *testing.T) {
	g := New()
	root := keyFromByte(1)
	g.AddRootKey(root)

	if !g.IsKeyTrusted(root) {
		t.Fatal("root key must be trusted")
	}
}

func TestUnknownKeyIsNotTrusted(t *testing.T) {
	g := New()
	if g.IsKeyTrusted(keyFromByte(99)) {
		t.Fatal("unknown key must not be trusted")
	}
}

// TestTrustPropagation is scenario S3 from spec.md §8: with root key
// K_root for person P_me, P_me issues a TrustKeysCertificate for a
// profile of P_other containing key K_other; K_other becomes trusted.
func TestTrustPropagation(t *testing.T) {
	g := New()
	me := keyFromByte(0x10)
	other := objstore.HashOf([]byte("person-other"))
	kOther := keyFromByte(0x20)

	g.AddRootKey(me)
	g.AddRightCertificate(Certificate{
		Type:   CertRightToDeclareEverybody,
		Issuer: me,
		License: License{
			Subject: objstore.HashOf([]byte("person-me")),
		},
	})

	meProfile := &Profile{Person: objstore.HashOf([]byte("person-me")), Keys: []objstore.Hash{me}}
	g.AddProfile(meProfile)

	otherProfile := &Profile{
		Person: other,
		Keys:   []objstore.Hash{kOther},
		Certificates: []Certificate{
			{Type: CertTrustKeys, Issuer: me, License: License{Subject: other}},
		},
	}
	g.AddProfile(otherProfile)

	if !g.IsKeyTrusted(kOther) {
		t.Fatal("key trusted via a TrustKeys certificate from an everybody-rights root should be trusted")
	}
}

func TestTrustCycleSafety(t *testing.T) {
	g := New()
	root := keyFromByte(0x2F)
	a := keyFromByte(0x30)
	b := keyFromByte(0x31)
	personA := objstore.HashOf([]byte("person-a"))
	personB := objstore.HashOf([]byte("person-b"))

	g.AddRootKey(root)
	g.AddRightCertificate(Certificate{Type: CertRightToDeclareEverybody, Issuer: root, License: License{Subject: personA}})
	g.AddRightCertificate(Certificate{Type: CertRightToDeclareEverybody, Issuer: root, License: License{Subject: personB}})

	// a and b each hold everybody-rights (granted by root, above) and each
	// vouches for the other's key — a cycle with no root at its base.
	profileA := &Profile{Person: personA, Keys: []objstore.Hash{a}, Certificates: []Certificate{
		{Type: CertTrustKeys, Issuer: b, License: License{Subject: personA}},
	}}
	profileB := &Profile{Person: personB, Keys: []objstore.Hash{b}, Certificates: []Certificate{
		{Type: CertTrustKeys, Issuer: a, License: License{Subject: personB}},
	}}
	g.AddProfile(profileA)
	g.AddProfile(profileB)

	if g.IsKeyTrusted(a) {
		t.Fatal("cyclic mutual vouching must not produce trust")
	}
	if g.IsKeyTrusted(b) {
		t.Fatal("cyclic mutual vouching must not produce trust")
	}
}

func TestKeysForPerson(t *testing.T) {
	g := New()
	person := objstore.HashOf([]byte("person-x"))
	k1 := keyFromByte(0x40)
	g.AddProfile(&Profile{Person: person, Keys: []objstore.Hash{k1}})

	info := g.KeysForPerson(person)
	if len(info) != 1 || info[0].Key != k1 {
		t.Fatalf("unexpected keys for person: %v", info)
	}
	if info[0].Trusted {
		t.Fatal("key with no root/certificate path should not be trusted")
	}
}

func TestCertifySignedByAndAffirm(t *testing.T) {
	ctx := context.Background()
	store := objstore.NewMemStore()

	keys, err := identity.NewKeys()
	if err != nil {
		t.Fatalf("NewKeys failed: %v", err)
	}
	issuer := objstore.HashOf([]byte("issuer-person"))
	kc := identity.NewKeychain(issuer)
	kc.AddKeys(issuer, keys)

	g := New()
	var rootKey objstore.Hash
	copy(rootKey[:], keys.PublicSign)
	g.AddRootKey(rootKey)
	g.AddProfile(&Profile{Person: issuer, Keys: []objstore.Hash{rootKey}})

	dataHash := objstore.HashOf([]byte("some channel entry"))
	_, certHash, _, err := Affirm(ctx, store, kc, issuer, dataHash)
	if err != nil {
		t.Fatalf("Affirm failed: %v", err)
	}
	if certHash.IsZero() {
		t.Fatal("expected a non-zero certificate hash")
	}

	affirmed, err := IsAffirmedBy(ctx, store, dataHash, issuer)
	if err != nil {
		t.Fatalf("IsAffirmedBy failed: %v", err)
	}
	if !affirmed {
		t.Fatal("expected dataHash to be affirmed by issuer")
	}

	by, err := AffirmedBy(ctx, store, dataHash)
	if err != nil {
		t.Fatalf("AffirmedBy failed: %v", err)
	}
	if len(by) != 1 || by[0] != issuer {
		t.Fatalf("unexpected affirmers: %v", by)
	}

	sigDataHash := objstore.HashOf([]byte("a signed object"))
	sig, err := kc.Sign(sigDataHash, issuer)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	sigObj := map[string]interface{}{
		"$type$":    "Signature",
		"issuer":    sig.Issuer.String(),
		"data":      sig.Data.String(),
		"signature": sig.SignatureBits,
	}
	sigBytes, err := objstore.Canonicalize(sigObj)
	if err != nil {
		t.Fatalf("Canonicalize failed: %v", err)
	}
	sigHash, err := store.Put(ctx, sigBytes)
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := store.AddReferrer(ctx, sigDataHash, sigHash, referrerTypeSignature); err != nil {
		t.Fatalf("AddReferrer failed: %v", err)
	}

	resolve := func(h objstore.Hash) ed25519.PublicKey {
		if h == rootKey {
			return keys.PublicSign
		}
		return nil
	}
	signers, err := g.SignedBy(ctx, store, sigDataHash, resolve)
	if err != nil {
		t.Fatalf("SignedBy failed: %v", err)
	}
	if len(signers) != 1 || signers[0] != issuer {
		t.Fatalf("unexpected signers: %v", signers)
	}
}
