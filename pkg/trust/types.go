// Package trust implements the Trust Graph of spec.md §4.3: given the
// profiles, signed certificates and root keys a process has collected in
// its Object Store, it decides for every known public key whether it is
// trusted, and exposes the signed-by / affirmed-by helpers (SignedBy,
// IsAffirmedBy, AffirmedBy) the rest of the module relies on to treat a
// Signature as meaningful.
//
// The right-holder/group matching here is grounded on the teacher's
// pkg/mesh/policy.go group-membership evaluator, generalized from
// hostnames-in-groups to keys-trusted-for-persons: ValidateGroups'
// membership-set construction becomes the snapshot's per-person rights
// map, and GetAllowedPeers' from-group/to-group matching becomes the
// TrustKeys rights check in trustKey.
package trust

import (
	"github.com/atvirokodosprendimai/onecore/pkg/objstore"
)

// CertificateType distinguishes the two certificate kinds spec.md §4.3
// gives trust-graph meaning to, plus the access-rights/right-to-issue
// kinds that follow the same shape but don't feed key-trust directly.
type CertificateType string

const (
	CertAffirmation             CertificateType = "Affirmation"
	CertTrustKeys               CertificateType = "TrustKeys"
	CertRightToDeclareEverybody CertificateType = "RightToDeclareTrustedKeysForEverybody"
	CertRightToDeclareSelf      CertificateType = "RightToDeclareTrustedKeysForSelf"
)

// Right is a single bit of delegated authority a person may hold, derived
// from root-signed certificates.
type Right string

const (
	RightToDeclareTrustedKeysForEverybody Right = "RightToDeclareTrustedKeysForEverybody"
	RightToDeclareTrustedKeysForSelf      Right = "RightToDeclareTrustedKeysForSelf"
)

// License is the subject+scope a Certificate is issued over — spec.md
// §4.3's "{type, subject, license} pattern". For a TrustKeys certificate
// the license's Profile field names the profile whose keys are declared
// trusted; for an Affirmation certificate License.Data names the hash
// being affirmed.
type License struct {
	Subject objstore.Hash `json:"subject"` // person the certificate concerns
	Profile objstore.Hash `json:"profile,omitempty"`
	Data    objstore.Hash `json:"data,omitempty"`
}

// Certificate is the immutable object recipe for a signed, typed
// assertion — spec.md glossary: "signed, typed assertion; its weight
// depends on issuer rights and the certificate type."
type Certificate struct {
	Type    CertificateType `json:"type"`
	License License         `json:"license"`
	Issuer  objstore.Hash   `json:"issuer"`
	// SignatureHash references the Signature object (pkg/identity) that
	// signs this certificate's canonical bytes.
	SignatureHash objstore.Hash `json:"signature"`
}

// Profile claims a set of keys for a person. Profiles are the vertices
// the trust-graph DP algorithm walks: "map each key -> {profiles
// referencing it} and each person -> {keys seen across their profiles}".
type Profile struct {
	Person objstore.Hash   `json:"person"`
	Keys   []objstore.Hash `json:"keys"`
	// Certificates attached to this profile, each potentially declaring
	// the profile's keys trusted (TrustKeys) or affirming arbitrary data
	// (Affirmation).
	Certificates []Certificate `json:"certificates"`
}

// trustResult is the memoized outcome of trust() for one key, including
// enough provenance to answer keys_for_person without recomputing.
type trustResult struct {
	trusted bool
	reason  string
	sources []trustSource
}

type trustSource struct {
	Issuer objstore.Hash
	Type   CertificateType
}
