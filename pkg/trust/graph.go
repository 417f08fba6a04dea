package trust

import (
	"sync"
	"sync/atomic"

	"github.com/atvirokodosprendimai/onecore/pkg/objstore"
)

// snapshot is one fully-rebuilt, immutable view of the graph. Readers
// always see either an old or a new snapshot in full — spec.md §5: "The
// Trust Graph caches are rebuilt under a single writer lock; readers see
// either the old or new map in full (no torn reads)."
type snapshot struct {
	rootKeys      map[objstore.Hash]bool
	profilesByKey map[objstore.Hash][]*Profile
	keyOwner      map[objstore.Hash]objstore.Hash // key -> owning person, last profile wins
	rights        map[objstore.Hash]map[Right]bool
	trusted       map[objstore.Hash]trustResult
}

// Graph holds the input data (root keys, profiles, rights-granting
// certificates) described in spec.md §4.3 and rebuilds its trust
// decisions whenever that input changes.
type Graph struct {
	buildMu sync.Mutex // serializes rebuilds; a Graph has one writer at a time

	// Staged input, mutated only while holding buildMu.
	rootKeys []objstore.Hash
	profiles []*Profile
	// rightCerts holds certificates of the right-granting kinds, each
	// signed by a root key over a subject person.
	rightCerts []Certificate

	cur atomic.Pointer[snapshot]
}

// New creates an empty Graph.
func New() *Graph {
	g := &Graph{}
	g.cur.Store(&snapshot{
		rootKeys:      map[objstore.Hash]bool{},
		profilesByKey: map[objstore.Hash][]*Profile{},
		keyOwner:      map[objstore.Hash]objstore.Hash{},
		rights:        map[objstore.Hash]map[Right]bool{},
		trusted:       map[objstore.Hash]trustResult{},
	})
	return g
}

// AddRootKey registers a public sign-key whose private half we hold
// locally ("MainId" or any of "All" our identities per spec.md §4.3) as a
// trust anchor, then rebuilds.
func (g *Graph) AddRootKey(key objstore.Hash) {
	g.buildMu.Lock()
	defer g.buildMu.Unlock()
	g.rootKeys = append(g.rootKeys, key)
	g.rebuildLocked()
}

// AddProfile registers a profile claiming keys for a person, then
// rebuilds.
func (g *Graph) AddProfile(p *Profile) {
	g.buildMu.Lock()
	defer g.buildMu.Unlock()
	g.profiles = append(g.profiles, p)
	g.rebuildLocked()
}

// AddRightCertificate registers a root-signed certificate granting a
// person RightToDeclareTrustedKeysForEverybody or
// RightToDeclareTrustedKeysForSelf, then rebuilds. Callers are
// responsible for having already verified the certificate's signature is
// by a root key before calling this — the Graph trusts its caller on
// rights grants exactly as it trusts verified signatures elsewhere.
func (g *Graph) AddRightCertificate(c Certificate) {
	g.buildMu.Lock()
	defer g.buildMu.Unlock()
	g.rightCerts = append(g.rightCerts, c)
	g.rebuildLocked()
}

// rebuildLocked recomputes the full snapshot from staged input and
// publishes it atomically. Must be called with buildMu held.
func (g *Graph) rebuildLocked() {
	snap := &snapshot{
		rootKeys:      make(map[objstore.Hash]bool, len(g.rootKeys)),
		profilesByKey: make(map[objstore.Hash][]*Profile),
		keyOwner:      make(map[objstore.Hash]objstore.Hash),
		rights:        make(map[objstore.Hash]map[Right]bool),
		trusted:       make(map[objstore.Hash]trustResult),
	}

	for _, k := range g.rootKeys {
		snap.rootKeys[k] = true
	}

	for _, p := range g.profiles {
		for _, k := range p.Keys {
			snap.profilesByKey[k] = append(snap.profilesByKey[k], p)
			snap.keyOwner[k] = p.Person
		}
	}

	for _, c := range g.rightCerts {
		if !snap.rootKeys[c.Issuer] {
			continue // only root-signed rights grants count
		}
		subject := c.License.Subject
		set, ok := snap.rights[subject]
		if !ok {
			set = make(map[Right]bool)
			snap.rights[subject] = set
		}
		switch c.Type {
		case CertRightToDeclareEverybody:
			set[RightToDeclareTrustedKeysForEverybody] = true
		case CertRightToDeclareSelf:
			set[RightToDeclareTrustedKeysForSelf] = true
		}
	}

	// Evaluate trust() for every key any profile references, plus every
	// root key, using a single local memo table shared across the whole
	// pass (the DP algorithm's cache), discarded once the snapshot is
	// built.
	memo := make(map[objstore.Hash]trustResult)
	allKeys := make(map[objstore.Hash]bool, len(snap.profilesByKey)+len(snap.rootKeys))
	for k := range snap.profilesByKey {
		allKeys[k] = true
	}
	for k := range snap.rootKeys {
		allKeys[k] = true
	}
	for k := range allKeys {
		snap.trusted[k] = trustKey(k, snap, memo, nil)
	}

	g.cur.Store(snap)
}

// trustKey implements spec.md §4.3's trust() dynamic-programming
// algorithm: cycle-safe, memoized per rebuild pass.
func trustKey(k objstore.Hash, snap *snapshot, memo map[objstore.Hash]trustResult, stack map[objstore.Hash]bool) trustResult {
	if stack[k] {
		return trustResult{trusted: false, reason: "cycle"}
	}
	if snap.rootKeys[k] {
		return trustResult{trusted: true, reason: "root"}
	}
	if r, ok := memo[k]; ok {
		return r
	}

	if stack == nil {
		stack = make(map[objstore.Hash]bool)
	}
	stack[k] = true
	defer delete(stack, k)

	result := trustResult{trusted: false, reason: "untrusted"}
	for _, profile := range snap.profilesByKey[k] {
		for _, cert := range profile.Certificates {
			usedKey := cert.Issuer // the signature's verified issuer key, provided by the caller when the certificate was admitted
			if usedKey.IsZero() {
				continue
			}
			rights := snap.rights[issuerPerson(snap, cert.Issuer)]
			grantsEverybody := rights[RightToDeclareTrustedKeysForEverybody]
			grantsSelf := rights[RightToDeclareTrustedKeysForSelf]

			eligible := (cert.Type == CertTrustKeys && grantsEverybody) ||
				(cert.Type == CertAffirmation && grantsSelf)
			if !eligible {
				continue
			}

			sub := trustKey(usedKey, snap, memo, stack)
			if sub.trusted {
				result.trusted = true
				result.reason = "certified"
				result.sources = append(result.sources, trustSource{Issuer: cert.Issuer, Type: cert.Type})
			}
		}
	}

	memo[k] = result
	return result
}

// issuerPerson resolves the person a certificate issuer's key belongs to,
// so rights (granted per-person) can be looked up from a key. Rights
// grants in this implementation key off the issuing person directly
// (License.Subject on the rights certificate), so a cert's Issuer key is
// first mapped back to its owning person via keyOwner; an issuer key with
// no known owning profile is returned as is, so its rights are looked up
// under the key hash itself.
func issuerPerson(snap *snapshot, issuerKey objstore.Hash) objstore.Hash {
	if owner, ok := snap.keyOwner[issuerKey]; ok {
		return owner
	}
	return issuerKey
}

// IsKeyTrusted reports whether key is currently trusted — spec.md §4.3
// public surface.
func (g *Graph) IsKeyTrusted(key objstore.Hash) bool {
	snap := g.cur.Load()
	return snap.trusted[key].trusted
}

// KeyTrustInfo pairs a key with its current trust decision, returned by
// KeysForPerson.
type KeyTrustInfo struct {
	Key     objstore.Hash
	Trusted bool
	Reason  string
}

// KeysForPerson returns every key any profile has claimed for person,
// together with its current trust decision — spec.md §4.3:
// keys_for_person(person) -> [{key, trust_info}].
func (g *Graph) KeysForPerson(person objstore.Hash) []KeyTrustInfo {
	snap := g.cur.Load()
	seen := make(map[objstore.Hash]bool)
	var out []KeyTrustInfo
	for key, owner := range snap.keyOwner {
		if owner != person || seen[key] {
			continue
		}
		seen[key] = true
		r := snap.trusted[key]
		out = append(out, KeyTrustInfo{Key: key, Trusted: r.trusted, Reason: r.reason})
	}
	return out
}
