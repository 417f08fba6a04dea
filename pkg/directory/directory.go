// Package directory implements the Cached Date-Directory Projection of
// spec.md §4.7: a YYYY/MM/DD view over one owner's channel entries, with
// an in-memory cache of the distinct (year), (year,month), and
// (year,month,day) values seen so far.
//
// The cache shape — a struct guarding its state with a mutex, rebuilt or
// patched in place depending on how stale an incoming signal makes it —
// is grounded on the teacher's pkg/daemon/cache.go PeerCache, adapted
// from "periodically flush a serialized snapshot to disk" to "keep an
// in-memory projection fresh against onUpdated events", since this
// projection is derived data the channel log can always rebuild and has
// no need of its own disk persistence.
package directory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/atvirokodosprendimai/onecore/pkg/channel"
	"github.com/atvirokodosprendimai/onecore/pkg/objstore"
)

// Tree is the cached set of distinct dates an owner's entries for one
// channel fall on.
type Tree struct {
	mu sync.RWMutex

	engine    *channel.Engine
	channelID string
	owner     objstore.Hash
	entryType string

	years  map[int]struct{}
	months map[[2]int]struct{} // [year, month]
	days   map[[3]int]struct{} // [year, month, day]

	oldest time.Time
	built  bool
}

// New creates an empty, unbuilt Tree for (channelID, owner). It is
// populated lazily on first query and kept fresh via Invalidate.
func New(engine *channel.Engine, channelID string, owner objstore.Hash, entryType string) *Tree {
	return &Tree{
		engine:    engine,
		channelID: channelID,
		owner:     owner,
		entryType: entryType,
		years:     make(map[int]struct{}),
		months:    make(map[[2]int]struct{}),
		days:      make(map[[3]int]struct{}),
	}
}

// ChannelID returns the channel this Tree projects.
func (t *Tree) ChannelID() string {
	return t.channelID
}

// Owner returns the owner this Tree projects.
func (t *Tree) Owner() objstore.Hash {
	return t.owner
}

// Invalidate applies an onUpdated signal: if timeOfEarliestChange is at
// or before the oldest timestamp this Tree has cached, the whole
// projection is stale and rebuilt on next query; otherwise the change's
// year, month and day are added to the cached sets in place — spec.md §4.7.
func (t *Tree) Invalidate(timeOfEarliestChange time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.built || !timeOfEarliestChange.After(t.oldest) {
		t.built = false
		return
	}
	y, m, d := timeOfEarliestChange.Date()
	t.years[y] = struct{}{}
	t.months[[2]int{y, int(m)}] = struct{}{}
	t.days[[3]int{y, int(m), d}] = struct{}{}
	if t.oldest.IsZero() {
		t.oldest = timeOfEarliestChange
	}
}

// rebuild re-derives the full date set by iterating the channel with
// omitData=true, per spec.md §4.7.
func (t *Tree) rebuild(ctx context.Context) error {
	entries, err := t.engine.ObjectsWithType(ctx, t.entryType, channel.Filter{
		ChannelID: t.channelID,
		Owner:     t.owner,
		OmitData:  true,
	})
	if err != nil {
		return err
	}

	years := make(map[int]struct{})
	months := make(map[[2]int]struct{})
	days := make(map[[3]int]struct{})
	var oldest time.Time

	for _, e := range entries {
		y, m, d := e.CreationTime.Date()
		years[y] = struct{}{}
		months[[2]int{y, int(m)}] = struct{}{}
		days[[3]int{y, int(m), d}] = struct{}{}
		if oldest.IsZero() || e.CreationTime.Before(oldest) {
			oldest = e.CreationTime
		}
	}

	t.years = years
	t.months = months
	t.days = days
	t.oldest = oldest
	t.built = true
	return nil
}

func (t *Tree) ensureBuilt(ctx context.Context) error {
	t.mu.RLock()
	built := t.built
	t.mu.RUnlock()
	if built {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.built {
		return nil
	}
	return t.rebuild(ctx)
}

// ListYears returns every year with at least one entry, ascending.
func (t *Tree) ListYears(ctx context.Context) ([]int, error) {
	if err := t.ensureBuilt(ctx); err != nil {
		return nil, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]int, 0, len(t.years))
	for y := range t.years {
		out = append(out, y)
	}
	sort.Ints(out)
	return out, nil
}

// ListMonths returns every (month) with at least one entry in year,
// ascending.
func (t *Tree) ListMonths(ctx context.Context, year int) ([]int, error) {
	if err := t.ensureBuilt(ctx); err != nil {
		return nil, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]int, 0)
	for k := range t.months {
		if k[0] == year {
			out = append(out, k[1])
		}
	}
	sort.Ints(out)
	return out, nil
}

// ListDays returns every day with at least one entry in (year, month),
// ascending.
func (t *Tree) ListDays(ctx context.Context, year, month int) ([]int, error) {
	if err := t.ensureBuilt(ctx); err != nil {
		return nil, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]int, 0)
	for k := range t.days {
		if k[0] == year && k[1] == month {
			out = append(out, k[2])
		}
	}
	sort.Ints(out)
	return out, nil
}
