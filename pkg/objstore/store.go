// Package objstore defines the content-addressed object store contract
// consumed by the rest of this module (spec.md §4.1) and ships two
// implementations: an in-process MemStore for tests and single-node
// operation, and a RedisStore grounded on the teacher's lighthouse.Store
// CRUD/index/pipeline pattern.
//
// Everything above this package treats the store as authoritative and
// holds only hashes; object bytes are never duplicated into higher-level
// caches beyond what each component's own invalidation policy allows.
package objstore

import (
	"context"
	"time"
)

// ReferrerType distinguishes the kind of object that referenced a target
// hash, so the reverse-map index can be queried selectively.
type ReferrerType string

// VersionedObject pairs a recipe's $type$ with its field map. No recipe in
// this module embeds it; versioned objects are passed to PutVersioned and
// StoreCRDT as plain maps.
type VersionedObject struct {
	Type interface{} `json:"$type$"`
	Data map[string]interface{}
}

// VersionEntry is one entry in a version map: oldest to newest.
type VersionEntry struct {
	Hash      Hash
	Timestamp time.Time
}

// PutVersionedResult is returned by PutVersioned.
type PutVersionedResult struct {
	Hash      Hash
	IDHash    Hash
	Timestamp time.Time
}

// StoreCRDTResult is returned by StoreCRDT.
type StoreCRDTResult struct {
	Hash   Hash
	IDHash Hash
}

// Merger computes the CRDT-merged successor of a versioned object given its
// previous stored version (if any) and the new candidate. Every StoreCRDT
// call passes its own Merger; the stores keep no per-$type$ registry of
// mergers and have no fallback merge when none is given.
type Merger interface {
	// Merge returns the object that should be stored as the new version.
	// prev is nil when no version exists yet for the id-hash.
	Merge(prev, next map[string]interface{}) (map[string]interface{}, error)
}

// ObjectStore is the contract spec.md §4.1 requires. Put is idempotent —
// repeated puts of identical bytes return the same Hash without growing
// storage. Get fails with ErrNotFound when the hash is absent.
type ObjectStore interface {
	// Put stores raw bytes and returns their content hash. It is the
	// caller's job to have already canonicalized structured data; Put
	// itself only hashes and stores.
	Put(ctx context.Context, data []byte) (Hash, error)

	// Get retrieves previously-stored bytes by hash.
	Get(ctx context.Context, hash Hash) ([]byte, error)

	// ListReferrers returns the set of hashes that reference target via
	// an object of the given referrer type — the reverse-map index.
	ListReferrers(ctx context.Context, target Hash, referrerType ReferrerType) ([]Hash, error)

	// AddReferrer records that referrer (of referrerType) references
	// target. Called by higher layers when they store an object that
	// embeds a reference to another hash, so the reverse-map stays
	// current without the store having to parse payload bytes itself.
	AddReferrer(ctx context.Context, target, referrer Hash, referrerType ReferrerType) error

	// PutVersioned writes a new version of obj, linking it into the
	// version map for idHash, which the caller derives from obj's
	// identity-subset fields.
	PutVersioned(ctx context.Context, obj map[string]interface{}, idHash Hash) (PutVersionedResult, error)

	// ListVersions returns all stored versions for an id-hash, oldest
	// first.
	ListVersions(ctx context.Context, idHash Hash) ([]VersionEntry, error)

	// StoreCRDT stores a CRDT-merged successor of the versioned object
	// identified by idHash, running merger against the base version (the
	// current head when baseVersion is the zero hash, or the named
	// version otherwise). Callers never observe an intermediate merge
	// result — only the stored successor.
	StoreCRDT(ctx context.Context, idHash Hash, next map[string]interface{}, baseVersion Hash, merger Merger) (StoreCRDTResult, error)
}
