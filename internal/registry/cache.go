package registry

import (
	"sort"
	"sync/atomic"
	"time"

	"github.com/dshills/rtledit/internal/extension"
)

// Entry is one cached registry extension. Entries are never modified after
// they are published in a Snapshot.
type Entry struct {
	ExtensionID string
	Manifest    *extension.Manifest
	Icon        []byte
	FetchedAt   time.Time
}

// Snapshot is an immutable view of the catalog.
type Snapshot struct {
	// FetchedAt is the time of the full listing that produced the snapshot.
	// It is zero when the snapshot only holds individually fetched entries.
	FetchedAt time.Time

	entries map[string]Entry
	ids     []string
}

// NewSnapshot builds a snapshot from entries.
func NewSnapshot(fetchedAt time.Time, entries []Entry) *Snapshot {
	s := &Snapshot{
		FetchedAt: fetchedAt,
		entries:   make(map[string]Entry, len(entries)),
	}
	for _, e := range entries {
		s.entries[e.ExtensionID] = e
	}
	s.ids = sortedIDs(s.entries)
	return s
}

// Len returns the number of entries.
func (s *Snapshot) Len() int {
	return len(s.ids)
}

// Entry returns the entry for id.
func (s *Snapshot) Entry(id string) (Entry, bool) {
	e, ok := s.entries[id]
	return e, ok
}

// Entries returns all entries ordered by id.
func (s *Snapshot) Entries() []Entry {
	out := make([]Entry, 0, len(s.ids))
	for _, id := range s.ids {
		out = append(out, s.entries[id])
	}
	return out
}

// with returns a copy of s with e added or replaced.
func (s *Snapshot) with(e Entry) *Snapshot {
	c := &Snapshot{FetchedAt: s.FetchedAt, entries: make(map[string]Entry, len(s.entries)+1)}
	for id, old := range s.entries {
		c.entries[id] = old
	}
	c.entries[e.ExtensionID] = e
	c.ids = sortedIDs(c.entries)
	return c
}

func sortedIDs(m map[string]Entry) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Cache holds the current snapshot. Readers never block and always see a
// complete snapshot; writers publish a new one.
type Cache struct {
	snap atomic.Pointer[Snapshot]
	ttl  time.Duration
	now  func() time.Time
}

// NewCache creates an empty cache whose entries expire after ttl.
func NewCache(ttl time.Duration, now func() time.Time) *Cache {
	if now == nil {
		now = time.Now
	}
	return &Cache{ttl: ttl, now: now}
}

// Load returns the current snapshot, fresh or not. It is nil until the first
// Store.
func (c *Cache) Load() *Snapshot {
	return c.snap.Load()
}

// Store publishes s as the current snapshot.
func (c *Cache) Store(s *Snapshot) {
	c.snap.Store(s)
}

// Fresh returns the current snapshot if its listing is within the TTL.
func (c *Cache) Fresh() (*Snapshot, bool) {
	s := c.snap.Load()
	if s == nil || s.FetchedAt.IsZero() || !c.within(s.FetchedAt) {
		return s, false
	}
	return s, true
}

// Entry returns the cached entry for id and whether it is within the TTL.
func (c *Cache) Entry(id string) (Entry, bool, bool) {
	s := c.snap.Load()
	if s == nil {
		return Entry{}, false, false
	}
	e, ok := s.Entry(id)
	if !ok {
		return Entry{}, false, false
	}
	return e, true, c.within(e.FetchedAt)
}

// Replace publishes a copy of the current snapshot with e added or replaced.
func (c *Cache) Replace(e Entry) *Snapshot {
	for {
		old := c.snap.Load()
		base := old
		if base == nil {
			base = NewSnapshot(time.Time{}, nil)
		}
		next := base.with(e)
		if c.snap.CompareAndSwap(old, next) {
			return next
		}
	}
}

func (c *Cache) within(t time.Time) bool {
	return c.now().Sub(t) < c.ttl
}
