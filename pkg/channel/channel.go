// Package channel implements the Channel Engine of spec.md §4.6: an
// append-only per-(channelId, owner) log of signed entries, merged across
// replicas by linearizing on (creationTime ASC, entryHash ASC), with a
// listener fan-out grounded on the teacher's pkg/daemon/peerstore.go
// Subscribe/Unsubscribe channel pattern and CRDT merge semantics grounded
// on pkg/lighthouse/store.go's ApplySync last-writer-wins comparator,
// generalized from "single latest value wins" to "merge two ordered
// entry sets".
package channel

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/atvirokodosprendimai/onecore/pkg/identity"
	"github.com/atvirokodosprendimai/onecore/pkg/objstore"
)

// Entry mirrors spec.md §4.6's ChannelEntry: immutable, identified by its
// own content hash once stored.
type Entry struct {
	ChannelID    string
	Owner        objstore.Hash
	Type         string
	PayloadHash  objstore.Hash
	CreationTime time.Time
	Prev         objstore.Hash // zero when this is the first entry
}

func (e Entry) toMap() map[string]interface{} {
	m := map[string]interface{}{
		"$type$":        "ChannelEntry",
		"channel_id":    e.ChannelID,
		"owner":         e.Owner.String(),
		"object_type":   e.Type,
		"payload":       e.PayloadHash.String(),
		"creation_time": e.CreationTime.UTC().Format(time.RFC3339Nano),
	}
	if !e.Prev.IsZero() {
		m["prev"] = e.Prev.String()
	}
	return m
}

func entryFromMap(m map[string]interface{}) (Entry, error) {
	var e Entry
	channelID, _ := m["channel_id"].(string)
	e.ChannelID = channelID
	e.Type, _ = m["object_type"].(string)

	ownerHex, _ := m["owner"].(string)
	owner, err := objstore.ParseHash(ownerHex)
	if err != nil {
		return e, fmt.Errorf("onecore/channel: invalid owner: %w", err)
	}
	e.Owner = owner

	payloadHex, _ := m["payload"].(string)
	payload, err := objstore.ParseHash(payloadHex)
	if err != nil {
		return e, fmt.Errorf("onecore/channel: invalid payload hash: %w", err)
	}
	e.PayloadHash = payload

	ts, _ := m["creation_time"].(string)
	creationTime, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return e, fmt.Errorf("onecore/channel: invalid creation_time: %w", err)
	}
	e.CreationTime = creationTime

	if prevHex, ok := m["prev"].(string); ok && prevHex != "" {
		prev, err := objstore.ParseHash(prevHex)
		if err != nil {
			return e, fmt.Errorf("onecore/channel: invalid prev: %w", err)
		}
		e.Prev = prev
	}
	return e, nil
}

// channelInfoIDHash derives the stable id-hash for a (channelId, owner)
// pair's ChannelInfo versioned object.
func channelInfoIDHash(channelID string, owner objstore.Hash) objstore.Hash {
	data, _ := objstore.Canonicalize(map[string]interface{}{
		"$type$":     "ChannelInfoID",
		"channel_id": channelID,
		"owner":      owner.String(),
	})
	return objstore.HashOf(data)
}

// UpdateEvent is delivered to OnUpdated listeners — spec.md §4.6
// on_updated(channelInfoIdHash, channelId, owner, timeOfEarliestChange,
// newEntries).
type UpdateEvent struct {
	ChannelInfoIDHash    objstore.Hash
	ChannelID            string
	Owner                objstore.Hash
	TimeOfEarliestChange time.Time
	NewEntries           []Entry
}

const updateEventBufSize = 16

const referrerTypeSignature objstore.ReferrerType = "Signature"

// Engine is the Channel Engine. One Engine serves every channel on an
// instance; per-(channelId,owner) serialization is delegated to the
// object store's StoreCRDT locking.
type Engine struct {
	store objstore.ObjectStore
	kc    *identity.Keychain

	mu          sync.Mutex
	subscribers []chan UpdateEvent
}

func New(store objstore.ObjectStore, kc *identity.Keychain) *Engine {
	return &Engine{store: store, kc: kc}
}

// OnUpdated registers a listener and returns a channel delivering future
// UpdateEvents; an event is dropped for a listener whose buffer
// (updateEventBufSize) is full — grounded on PeerStore.Subscribe.
func (e *Engine) OnUpdated() <-chan UpdateEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch := make(chan UpdateEvent, updateEventBufSize)
	e.subscribers = append(e.subscribers, ch)
	return ch
}

// Unsubscribe stops delivery to a channel previously returned by
// OnUpdated — grounded on PeerStore.Unsubscribe.
func (e *Engine) Unsubscribe(ch <-chan UpdateEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, sub := range e.subscribers {
		if sub == ch {
			e.subscribers = append(e.subscribers[:i], e.subscribers[i+1:]...)
			close(sub)
			return
		}
	}
}

func (e *Engine) notify(ev UpdateEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, sub := range e.subscribers {
		select {
		case sub <- ev:
		default:
			// A slow listener must not block producers (spec.md §5: "a
			// listener that throws must not corrupt producer state").
		}
	}
}

// CreateChannel ensures a ChannelInfo exists for (id, owner) — spec.md
// §4.6: idempotent.
func (e *Engine) CreateChannel(ctx context.Context, id string, owner objstore.Hash) (objstore.Hash, error) {
	idHash := channelInfoIDHash(id, owner)
	versions, err := e.store.ListVersions(ctx, idHash)
	if err != nil {
		return objstore.Hash{}, err
	}
	if len(versions) > 0 {
		return idHash, nil
	}
	info := map[string]interface{}{
		"$type$":     "ChannelInfo",
		"channel_id": id,
		"owner":      owner.String(),
	}
	if _, err := e.store.PutVersioned(ctx, info, idHash); err != nil {
		return objstore.Hash{}, err
	}
	return idHash, nil
}

// entryMerger implements objstore.Merger with the (creationTime ASC,
// entryHash ASC) linearization of spec.md §4.6.
type entryMerger struct {
	store objstore.ObjectStore
}

// NewMerger exposes the ChannelInfo CRDT merge function for callers that
// need to drive StoreCRDT directly — the chum sync protocol and tests
// that assemble ChannelEntry objects by hand.
func NewMerger(store objstore.ObjectStore) objstore.Merger {
	return entryMerger{store: store}
}

func (m entryMerger) Merge(prev, next map[string]interface{}) (map[string]interface{}, error) {
	hashes := map[string]struct{}{}
	if prev != nil {
		for _, h := range hashSliceFromInterface(prev["entries"]) {
			hashes[h] = struct{}{}
		}
	}
	for _, h := range hashSliceFromInterface(next["entries"]) {
		hashes[h] = struct{}{}
	}

	out := make([]string, 0, len(hashes))
	for h := range hashes {
		out = append(out, h)
	}

	type keyed struct {
		hash string
		ts   time.Time
	}
	ordered := make([]keyed, 0, len(out))
	for _, h := range out {
		hash, err := objstore.ParseHash(h)
		if err != nil {
			continue
		}
		data, err := m.store.Get(context.Background(), hash)
		if err != nil {
			continue
		}
		raw := objstore.DecodeCanonical(data)
		entry, err := entryFromMap(raw)
		if err != nil {
			continue
		}
		ordered = append(ordered, keyed{hash: h, ts: entry.CreationTime})
	}
	sort.Slice(ordered, func(i, j int) bool {
		if !ordered[i].ts.Equal(ordered[j].ts) {
			return ordered[i].ts.Before(ordered[j].ts)
		}
		return ordered[i].hash < ordered[j].hash
	})

	merged := make([]string, len(ordered))
	for i, k := range ordered {
		merged[i] = k.hash
	}

	var head string
	if len(merged) > 0 {
		head = merged[len(merged)-1]
	}

	channelID, _ := next["channel_id"].(string)
	owner, _ := next["owner"].(string)
	if channelID == "" && prev != nil {
		channelID, _ = prev["channel_id"].(string)
	}
	if owner == "" && prev != nil {
		owner, _ = prev["owner"].(string)
	}

	result := map[string]interface{}{
		"$type$":     "ChannelInfo",
		"channel_id": channelID,
		"owner":      owner,
		"head":       head,
		"entries":    merged,
	}
	return result, nil
}

func hashSliceFromInterface(v interface{}) []string {
	raw, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// PostToChannel stores payload (if new), signs the resulting entry,
// updates ChannelInfo via CRDT store, and emits onUpdated — spec.md
// §4.6.
func (e *Engine) PostToChannel(ctx context.Context, id string, owner objstore.Hash, entryType string, payload map[string]interface{}, prev objstore.Hash) (objstore.Hash, error) {
	payloadBytes, err := objstore.Canonicalize(withType(payload, entryType))
	if err != nil {
		return objstore.Hash{}, err
	}
	payloadHash, err := e.store.Put(ctx, payloadBytes)
	if err != nil {
		return objstore.Hash{}, err
	}

	entry := Entry{
		ChannelID:    id,
		Owner:        owner,
		Type:         entryType,
		PayloadHash:  payloadHash,
		CreationTime: time.Now().UTC(),
		Prev:         prev,
	}
	entryBytes, err := objstore.Canonicalize(entry.toMap())
	if err != nil {
		return objstore.Hash{}, err
	}
	entryHash, err := e.store.Put(ctx, entryBytes)
	if err != nil {
		return objstore.Hash{}, err
	}

	if e.kc != nil {
		sig, err := e.kc.Sign(entryHash, owner)
		if err == nil {
			sigBytes, serr := objstore.Canonicalize(map[string]interface{}{
				"$type$":    "Signature",
				"issuer":    sig.Issuer.String(),
				"data":      sig.Data.String(),
				"signature": sig.SignatureBits,
			})
			if serr == nil {
				sigHash, perr := e.store.Put(ctx, sigBytes)
				if perr == nil {
					_ = e.store.AddReferrer(ctx, entryHash, sigHash, referrerTypeSignature)
				}
			}
		}
	}

	idHash := channelInfoIDHash(id, owner)
	if _, err := e.CreateChannel(ctx, id, owner); err != nil {
		return objstore.Hash{}, err
	}

	next := map[string]interface{}{
		"channel_id": id,
		"owner":      owner.String(),
		"entries":    []interface{}{entryHash.String()},
	}
	if _, err := e.store.StoreCRDT(ctx, idHash, next, objstore.Hash{}, entryMerger{store: e.store}); err != nil {
		return objstore.Hash{}, err
	}

	e.notify(UpdateEvent{
		ChannelInfoIDHash:    idHash,
		ChannelID:            id,
		Owner:                owner,
		TimeOfEarliestChange: entry.CreationTime,
		NewEntries:           []Entry{entry},
	})

	return entryHash, nil
}

func withType(payload map[string]interface{}, entryType string) map[string]interface{} {
	out := make(map[string]interface{}, len(payload)+1)
	for k, v := range payload {
		out[k] = v
	}
	out["$type$"] = entryType
	return out
}

// ObjectByID returns an entry's stable identifier: its own ChannelEntry
// hash (spec.md §4.6: object_by_id).
func (e *Engine) ObjectByID(ctx context.Context, entryHash objstore.Hash) (Entry, error) {
	data, err := e.store.Get(ctx, entryHash)
	if err != nil {
		return Entry{}, err
	}
	return entryFromMap(objstore.DecodeCanonical(data))
}

// Filter restricts ObjectsWithType iteration — spec.md §4.6.
type Filter struct {
	ChannelID string
	Owner     objstore.Hash
	From      time.Time
	To        time.Time
	Count     int
	OmitData  bool
}

// ObjectsWithType yields entries of the given type in descending
// creationTime order, applying filter. Entries carry only the payload
// hash and the payload itself is never fetched here, so OmitData does not
// change the result.
func (e *Engine) ObjectsWithType(ctx context.Context, entryType string, filter Filter) ([]Entry, error) {
	idHash := channelInfoIDHash(filter.ChannelID, filter.Owner)
	versions, err := e.store.ListVersions(ctx, idHash)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, nil
	}
	head := versions[len(versions)-1]
	data, err := e.store.Get(ctx, head.Hash)
	if err != nil {
		return nil, err
	}
	info := objstore.DecodeCanonical(data)
	hashes := hashSliceFromInterface(info["entries"])

	out := make([]Entry, 0, len(hashes))
	for _, h := range hashes {
		hash, err := objstore.ParseHash(h)
		if err != nil {
			continue
		}
		raw, err := e.store.Get(ctx, hash)
		if err != nil {
			continue
		}
		entry, err := entryFromMap(objstore.DecodeCanonical(raw))
		if err != nil {
			continue
		}
		if entryType != "" && entry.Type != entryType {
			continue
		}
		if !filter.From.IsZero() && entry.CreationTime.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && entry.CreationTime.After(filter.To) {
			continue
		}
		out = append(out, entry)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreationTime.Equal(out[j].CreationTime) {
			return out[i].CreationTime.After(out[j].CreationTime)
		}
		return out[i].PayloadHash.String() > out[j].PayloadHash.String()
	})

	if filter.Count > 0 && len(out) > filter.Count {
		out = out[:filter.Count]
	}
	return out, nil
}

// Head returns the current head entry hash for (channelId, owner), or
// the zero hash if the channel has no entries yet.
func (e *Engine) Head(ctx context.Context, channelID string, owner objstore.Hash) (objstore.Hash, error) {
	idHash := channelInfoIDHash(channelID, owner)
	versions, err := e.store.ListVersions(ctx, idHash)
	if err != nil {
		return objstore.Hash{}, err
	}
	if len(versions) == 0 {
		return objstore.Hash{}, nil
	}
	data, err := e.store.Get(ctx, versions[len(versions)-1].Hash)
	if err != nil {
		return objstore.Hash{}, err
	}
	info := objstore.DecodeCanonical(data)
	headHex, _ := info["head"].(string)
	if headHex == "" {
		return objstore.Hash{}, nil
	}
	return objstore.ParseHash(headHex)
}

// IDHash exposes the stable ChannelInfo id-hash for a (channelId, owner)
// pair, used by the chum sync protocol to advertise and match heads.
func IDHash(channelID string, owner objstore.Hash) objstore.Hash {
	return channelInfoIDHash(channelID, owner)
}
