package objstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/atvirokodosprendimai/onecore"
)

// MemStore is an in-process ObjectStore, safe for concurrent readers and
// writers. It backs tests and single-node operation; multi-node
// deployments use RedisStore instead.
type MemStore struct {
	mu sync.RWMutex

	blobs     map[Hash][]byte
	referrers map[Hash]map[ReferrerType]map[Hash]struct{}
	versions  map[Hash][]VersionEntry // idHash -> versions, oldest first
	byVerHash map[Hash]Hash           // version content hash -> idHash

	// locks serializes read-modify-write CRDT updates per id-hash, as
	// spec.md §5 requires: "CRDT updates to ChannelInfo are serialized
	// per (channelId, owner) using a named lock".
	locks   map[Hash]*sync.Mutex
	locksMu sync.Mutex
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		blobs:     make(map[Hash][]byte),
		referrers: make(map[Hash]map[ReferrerType]map[Hash]struct{}),
		versions:  make(map[Hash][]VersionEntry),
		byVerHash: make(map[Hash]Hash),
		locks:     make(map[Hash]*sync.Mutex),
	}
}

func (m *MemStore) lockFor(idHash Hash) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.locks[idHash]
	if !ok {
		l = &sync.Mutex{}
		m.locks[idHash] = l
	}
	return l
}

func (m *MemStore) Put(_ context.Context, data []byte) (Hash, error) {
	h := HashOf(data)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.blobs[h]; !exists {
		stored := make([]byte, len(data))
		copy(stored, data)
		m.blobs[h] = stored
	}
	return h, nil
}

func (m *MemStore) Get(_ context.Context, hash Hash) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[hash]
	if !ok {
		return nil, onecore.ErrNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (m *MemStore) AddReferrer(_ context.Context, target, referrer Hash, referrerType ReferrerType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byType, ok := m.referrers[target]
	if !ok {
		byType = make(map[ReferrerType]map[Hash]struct{})
		m.referrers[target] = byType
	}
	set, ok := byType[referrerType]
	if !ok {
		set = make(map[Hash]struct{})
		byType[referrerType] = set
	}
	set[referrer] = struct{}{}
	return nil
}

func (m *MemStore) ListReferrers(_ context.Context, target Hash, referrerType ReferrerType) ([]Hash, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := m.referrers[target][referrerType]
	out := make([]Hash, 0, len(set))
	for h := range set {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

func (m *MemStore) PutVersioned(ctx context.Context, obj map[string]interface{}, idHash Hash) (PutVersionedResult, error) {
	data, err := Canonicalize(obj)
	if err != nil {
		return PutVersionedResult{}, err
	}
	hash, err := m.Put(ctx, data)
	if err != nil {
		return PutVersionedResult{}, err
	}

	now := time.Now()

	lock := m.lockFor(idHash)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	m.versions[idHash] = append(m.versions[idHash], VersionEntry{Hash: hash, Timestamp: now})
	m.byVerHash[hash] = idHash
	m.mu.Unlock()

	return PutVersionedResult{Hash: hash, IDHash: idHash, Timestamp: now}, nil
}

func (m *MemStore) ListVersions(_ context.Context, idHash Hash) ([]VersionEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.versions[idHash]
	out := make([]VersionEntry, len(src))
	copy(out, src)
	return out, nil
}

// StoreCRDT serializes the read-modify-write cycle per id-hash with a named
// lock (spec.md §5): between reading the base version and writing the
// merged successor, the lock holder yields for nothing but the store
// write itself.
func (m *MemStore) StoreCRDT(ctx context.Context, idHash Hash, next map[string]interface{}, baseVersion Hash, merger Merger) (StoreCRDTResult, error) {
	lock := m.lockFor(idHash)
	lock.Lock()
	defer lock.Unlock()

	var base map[string]interface{}
	versions, _ := m.ListVersions(ctx, idHash)
	if len(versions) > 0 {
		var baseHash Hash
		if !baseVersion.IsZero() {
			baseHash = baseVersion
		} else {
			baseHash = versions[len(versions)-1].Hash
		}
		data, err := m.Get(ctx, baseHash)
		if err == nil {
			base = DecodeCanonical(data)
		}
	}

	merged, err := merger.Merge(base, next)
	if err != nil {
		return StoreCRDTResult{}, err
	}

	data, err := Canonicalize(merged)
	if err != nil {
		return StoreCRDTResult{}, err
	}
	hash, err := m.Put(ctx, data)
	if err != nil {
		return StoreCRDTResult{}, err
	}

	m.mu.Lock()
	m.versions[idHash] = append(m.versions[idHash], VersionEntry{Hash: hash, Timestamp: time.Now()})
	m.byVerHash[hash] = idHash
	m.mu.Unlock()

	return StoreCRDTResult{Hash: hash, IDHash: idHash}, nil
}
