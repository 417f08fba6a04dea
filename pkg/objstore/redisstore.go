package objstore

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atvirokodosprendimai/onecore"
)

// Redis key layout, grounded on the teacher's lighthouse.Store prefix/index
// scheme (keyPrefixSite, keyIndexSites, ...) adapted from entity-ID keying
// to content-hash keying:
const (
	keyPrefixBlob    = "one:blob:"     // hash -> raw bytes
	keyPrefixRef     = "one:ref:"      // "one:ref:<target>:<type>" -> SET of referrer hashes
	keyPrefixVersion = "one:versions:" // idHash -> SORTED SET of version hash, score=unix-nanos
	keyPrefixVerMeta = "one:vermeta:"  // version hash -> idHash
)

// RedisStore is the multi-node ObjectStore backend, grounded on
// lighthouse.Store: a thin Redis client wrapper using pipelines for
// multi-key writes and SET-backed indices for reverse lookups.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore connects to addr and verifies reachability with a ping,
// exactly as lighthouse.NewStore does.
func NewRedisStore(addr string) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		DialTimeout:  2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("onecore/objstore: redis connection failed: %w", err)
	}
	return &RedisStore{rdb: rdb}, nil
}

func (s *RedisStore) Put(ctx context.Context, data []byte) (Hash, error) {
	h := HashOf(data)
	// SETNX-equivalent via plain SET: content-addressed writes of equal
	// bytes are idempotent, so an unconditional overwrite with identical
	// content is harmless and avoids a needless existence check.
	if err := s.rdb.Set(ctx, keyPrefixBlob+h.String(), data, 0).Err(); err != nil {
		return Hash{}, fmt.Errorf("%w: put blob: %v", onecore.ErrStorage, err)
	}
	return h, nil
}

func (s *RedisStore) Get(ctx context.Context, hash Hash) ([]byte, error) {
	data, err := s.rdb.Get(ctx, keyPrefixBlob+hash.String()).Bytes()
	if err == redis.Nil {
		return nil, onecore.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get blob: %v", onecore.ErrStorage, err)
	}
	return data, nil
}

func (s *RedisStore) referrerKey(target Hash, referrerType ReferrerType) string {
	return keyPrefixRef + target.String() + ":" + string(referrerType)
}

func (s *RedisStore) AddReferrer(ctx context.Context, target, referrer Hash, referrerType ReferrerType) error {
	if err := s.rdb.SAdd(ctx, s.referrerKey(target, referrerType), referrer.String()).Err(); err != nil {
		return fmt.Errorf("%w: add referrer: %v", onecore.ErrStorage, err)
	}
	return nil
}

func (s *RedisStore) ListReferrers(ctx context.Context, target Hash, referrerType ReferrerType) ([]Hash, error) {
	members, err := s.rdb.SMembers(ctx, s.referrerKey(target, referrerType)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: list referrers: %v", onecore.ErrStorage, err)
	}
	out := make([]Hash, 0, len(members))
	for _, m := range members {
		h, err := ParseHash(m)
		if err != nil {
			continue
		}
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

func (s *RedisStore) PutVersioned(ctx context.Context, obj map[string]interface{}, idHash Hash) (PutVersionedResult, error) {
	data, err := Canonicalize(obj)
	if err != nil {
		return PutVersionedResult{}, err
	}
	hash, err := s.Put(ctx, data)
	if err != nil {
		return PutVersionedResult{}, err
	}

	now := time.Now()
	pipe := s.rdb.Pipeline()
	pipe.ZAdd(ctx, keyPrefixVersion+idHash.String(), redis.Z{Score: float64(now.UnixNano()), Member: hash.String()})
	pipe.Set(ctx, keyPrefixVerMeta+hash.String(), idHash.String(), 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return PutVersionedResult{}, fmt.Errorf("%w: put versioned: %v", onecore.ErrStorage, err)
	}

	return PutVersionedResult{Hash: hash, IDHash: idHash, Timestamp: now}, nil
}

func (s *RedisStore) ListVersions(ctx context.Context, idHash Hash) ([]VersionEntry, error) {
	results, err := s.rdb.ZRangeWithScores(ctx, keyPrefixVersion+idHash.String(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: list versions: %v", onecore.ErrStorage, err)
	}
	out := make([]VersionEntry, 0, len(results))
	for _, z := range results {
		h, err := ParseHash(z.Member.(string))
		if err != nil {
			continue
		}
		out = append(out, VersionEntry{Hash: h, Timestamp: time.Unix(0, int64(z.Score))})
	}
	return out, nil
}

// StoreCRDT mirrors lighthouse.Store.ApplySync's last-writer-wins shape but
// drives it through the Merger the caller supplies, under a Redis-backed
// per-id-hash lock (SETNX with a short TTL, released explicitly) so
// concurrent StoreCRDT calls for the same id-hash serialize exactly as
// spec.md §5 requires.
func (s *RedisStore) StoreCRDT(ctx context.Context, idHash Hash, next map[string]interface{}, baseVersion Hash, merger Merger) (StoreCRDTResult, error) {
	lockKey := "one:lock:" + idHash.String()
	token := strconv.FormatInt(time.Now().UnixNano(), 36)
	for {
		acquired, err := s.rdb.SetNX(ctx, lockKey, token, 5*time.Second).Result()
		if err != nil {
			return StoreCRDTResult{}, fmt.Errorf("%w: acquire crdt lock: %v", onecore.ErrStorage, err)
		}
		if acquired {
			break
		}
		select {
		case <-ctx.Done():
			return StoreCRDTResult{}, fmt.Errorf("%w: waiting for crdt lock on %s: %v", onecore.ErrTimeout, idHash, ctx.Err())
		case <-time.After(10 * time.Millisecond):
		}
	}
	defer func() {
		if v, _ := s.rdb.Get(ctx, lockKey).Result(); v == token {
			s.rdb.Del(ctx, lockKey)
		}
	}()

	versions, err := s.ListVersions(ctx, idHash)
	if err != nil {
		return StoreCRDTResult{}, err
	}

	var base map[string]interface{}
	if len(versions) > 0 {
		baseHash := versions[len(versions)-1].Hash
		if !baseVersion.IsZero() {
			baseHash = baseVersion
		}
		data, err := s.Get(ctx, baseHash)
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
	hash, err := s.Put(ctx, data)
	if err != nil {
		return StoreCRDTResult{}, err
	}

	now := time.Now()
	pipe := s.rdb.Pipeline()
	pipe.ZAdd(ctx, keyPrefixVersion+idHash.String(), redis.Z{Score: float64(now.UnixNano()), Member: hash.String()})
	pipe.Set(ctx, keyPrefixVerMeta+hash.String(), idHash.String(), 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return StoreCRDTResult{}, fmt.Errorf("%w: store crdt: %v", onecore.ErrStorage, err)
	}

	return StoreCRDTResult{Hash: hash, IDHash: idHash}, nil
}

// ParseHash parses a lowercase-hex hash string as produced by Hash.String.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if len(s) != len(h)*2 {
		return Hash{}, fmt.Errorf("onecore/objstore: invalid hash length %d", len(s))
	}
	for i := range h {
		var b byte
		_, err := fmt.Sscanf(s[i*2:i*2+2], "%02x", &b)
		if err != nil {
			return Hash{}, fmt.Errorf("onecore/objstore: invalid hash encoding: %w", err)
		}
		h[i] = b
	}
	return h, nil
}
