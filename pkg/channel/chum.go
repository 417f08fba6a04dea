package channel

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/atvirokodosprendimai/onecore/pkg/connection"
	"github.com/atvirokodosprendimai/onecore/pkg/objstore"
)

// chumPushInterval mirrors the teacher's lighthouse.SyncInterval: how
// often a side re-advertises its known channel heads even if nothing
// changed locally, to catch anything a missed push dropped.
const chumPushInterval = 15 * time.Second

// chumFetchRetries bounds per-hash retry so one unreachable object never
// blocks sync of the rest of the channel set (spec.md §4.6: "per-hash
// independence").
const chumFetchRetries = 3

// headAdvert is the wire shape of one advertised channel head.
type headAdvert struct {
	ChannelInfoIDHash string `json:"channel_info_id_hash"`
	ChannelID         string `json:"channel_id"`
	Owner             string `json:"owner"`
	Head              string `json:"head"`
}

// Chum runs the sync protocol of spec.md §4.6 over one open, encrypted
// Connection: periodic head advertisement, pull-missing-by-hash, then a
// CRDT merge store — grounded on the teacher's lighthouse.Sync
// push/pull replication loop (onWrite immediate push + pushLoop
// periodic full-state push), generalized from "push a Site record" to
// "advertise a channel head and let the peer pull what it's missing".
type Chum struct {
	engine  *Engine
	store   objstore.ObjectStore
	conn    *connection.Connection
	promise *connection.PromisePlugin

	watch []watchedChannel

	// AccessCheck gates which hashes this side serves to the peer when
	// asked via "chum_fetch" — spec.md §4.6: "access grants on the
	// producing side gate which hashes it serves." A nil AccessCheck
	// serves everything in the local store.
	AccessCheck func(hash objstore.Hash) bool
}

type watchedChannel struct {
	id    string
	owner objstore.Hash
}

// NewChum creates a Chum bound to an already-open Connection. Callers
// register the (channelId, owner) pairs they want replicated via Watch
// before calling Start.
func NewChum(engine *Engine, store objstore.ObjectStore, conn *connection.Connection, promise *connection.PromisePlugin) *Chum {
	return &Chum{engine: engine, store: store, conn: conn, promise: promise}
}

// Watch adds a (channelId, owner) pair to the set this Chum advertises
// and accepts pulls for.
func (c *Chum) Watch(channelID string, owner objstore.Hash) {
	c.watch = append(c.watch, watchedChannel{id: channelID, owner: owner})
}

// Start launches the periodic advertise loop, the advertisement listener
// and the fetch-request server. It returns immediately; all three run
// until ctx is canceled.
func (c *Chum) Start(ctx context.Context) {
	go c.advertiseLoop(ctx)
	go c.listenLoop(ctx)
	go c.serveLoop(ctx)
}

// serveLoop answers the peer's "chum_fetch" requests with "chum_object"
// replies, subject to AccessCheck.
func (c *Chum) serveLoop(ctx context.Context) {
	for {
		frame, err := c.promise.WaitForJSONMessageWithType(ctx, "chum_fetch")
		if err != nil {
			return
		}
		hexHash, _ := frame.Data["hash"].(string)
		hash, err := objstore.ParseHash(hexHash)
		if err != nil {
			continue
		}
		if c.AccessCheck != nil && !c.AccessCheck(hash) {
			continue
		}
		data, err := c.store.Get(ctx, hash)
		if err != nil {
			continue
		}
		_ = c.conn.Send(connection.Frame{Type: "chum_object", Data: map[string]interface{}{
			"hash": hash.String(),
			"body": encodeFrameBytes(data),
		}})
	}
}

func encodeFrameBytes(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

func decodeFrameBytes(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

func (c *Chum) advertiseLoop(ctx context.Context) {
	c.pushHeads(ctx)

	ticker := time.NewTicker(chumPushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.pushHeads(ctx)
		}
	}
}

func (c *Chum) pushHeads(ctx context.Context) {
	adverts := make([]interface{}, 0, len(c.watch))
	for _, w := range c.watch {
		head, err := c.engine.Head(ctx, w.id, w.owner)
		if err != nil {
			continue
		}
		adverts = append(adverts, headAdvert{
			ChannelInfoIDHash: IDHash(w.id, w.owner).String(),
			ChannelID:         w.id,
			Owner:             w.owner.String(),
			Head:              head.String(),
		}.toFrameData())
	}
	_ = c.conn.Send(connection.Frame{Type: "chum_heads", Data: map[string]interface{}{"heads": adverts}})
}

func (h headAdvert) toFrameData() map[string]interface{} {
	return map[string]interface{}{
		"channel_info_id_hash": h.ChannelInfoIDHash,
		"channel_id":           h.ChannelID,
		"owner":                h.Owner,
		"head":                 h.Head,
	}
}

func headAdvertFromFrameData(v interface{}) (headAdvert, bool) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return headAdvert{}, false
	}
	var h headAdvert
	h.ChannelInfoIDHash, _ = m["channel_info_id_hash"].(string)
	h.ChannelID, _ = m["channel_id"].(string)
	h.Owner, _ = m["owner"].(string)
	h.Head, _ = m["head"].(string)
	return h, true
}

// listenLoop waits for "chum_heads" frames from the peer and pulls
// whatever they describe that we don't already have.
func (c *Chum) listenLoop(ctx context.Context) {
	for {
		frame, err := c.promise.WaitForJSONMessageWithType(ctx, "chum_heads")
		if err != nil {
			return
		}
		rawHeads, _ := frame.Data["heads"].([]interface{})
		for _, raw := range rawHeads {
			advert, ok := headAdvertFromFrameData(raw)
			if !ok {
				continue
			}
			c.pullHead(ctx, advert)
		}
	}
}

// pullHead fetches the advertised head entry and its transitive prev
// chain from the peer over the same connection, then issues a CRDT
// merge store. A hash that fails to fetch after chumFetchRetries is
// skipped; it does not block any other hash (spec.md §4.6 per-hash
// independence).
func (c *Chum) pullHead(ctx context.Context, advert headAdvert) {
	if advert.Head == "" {
		return
	}
	headHash, err := objstore.ParseHash(advert.Head)
	if err != nil {
		return
	}
	owner, err := objstore.ParseHash(advert.Owner)
	if err != nil {
		return
	}

	if _, err := c.store.Get(ctx, headHash); err == nil {
		// Already local; still merge so the head advances if our chain
		// was behind but the bytes happened to already be fetched by
		// another channel's pull.
		c.mergeHead(ctx, advert.ChannelID, owner, []objstore.Hash{headHash})
		return
	}

	cur := headHash
	var fetched []objstore.Hash
	for !cur.IsZero() {
		data, err := c.fetchWithRetry(ctx, cur)
		if err != nil {
			break
		}
		fetched = append(fetched, cur)
		entry, err := entryFromMap(objstore.DecodeCanonical(data))
		if err != nil {
			break
		}
		if _, err := c.store.Get(ctx, entry.Prev); err == nil || entry.Prev.IsZero() {
			break
		}
		cur = entry.Prev
	}

	if len(fetched) == 0 {
		return
	}
	// Every hash reachable via prev from the advertised head must be
	// linked into the merge, not just the head, or the CRDT union loses
	// the peer's divergent chain down to a single entry.
	c.mergeHead(ctx, advert.ChannelID, owner, fetched)
}

func (c *Chum) mergeHead(ctx context.Context, channelID string, owner objstore.Hash, hashes []objstore.Hash) {
	idHash := IDHash(channelID, owner)
	if _, err := c.engine.CreateChannel(ctx, channelID, owner); err != nil {
		return
	}
	entries := make([]interface{}, len(hashes))
	for i, h := range hashes {
		entries[i] = h.String()
	}
	next := map[string]interface{}{
		"channel_id": channelID,
		"owner":      owner.String(),
		"entries":    entries,
	}
	_, _ = c.store.StoreCRDT(ctx, idHash, next, objstore.Hash{}, entryMerger{store: c.store})
}

// fetchWithRetry requests a single object by hash from the peer,
// retrying up to chumFetchRetries times before giving up on that hash
// alone.
func (c *Chum) fetchWithRetry(ctx context.Context, hash objstore.Hash) ([]byte, error) {
	if data, err := c.store.Get(ctx, hash); err == nil {
		return data, nil
	}

	var lastErr error
	for attempt := 0; attempt < chumFetchRetries; attempt++ {
		if err := c.conn.Send(connection.Frame{Type: "chum_fetch", Data: map[string]interface{}{"hash": hash.String()}}); err != nil {
			lastErr = err
			continue
		}
		reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		frame, err := c.promise.WaitForJSONMessageWithType(reqCtx, "chum_object")
		cancel()
		if err != nil {
			lastErr = err
			continue
		}
		gotHash, _ := frame.Data["hash"].(string)
		if gotHash != hash.String() {
			lastErr = fmt.Errorf("onecore/channel: mismatched chum_object reply")
			continue
		}
		bodyB64, _ := frame.Data["body"].(string)
		body, err := decodeFrameBytes(bodyB64)
		if err != nil {
			lastErr = err
			continue
		}
		if _, err := c.store.Put(ctx, body); err != nil {
			lastErr = err
			continue
		}
		return body, nil
	}
	return nil, fmt.Errorf("onecore/channel: fetch %s failed after %d attempts: %w", hash, chumFetchRetries, lastErr)
}
