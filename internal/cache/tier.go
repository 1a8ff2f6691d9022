package cache

import (
	"net/http"
	"sync"
	"time"

	"github.com/mediacache/mediacache/pkg/types"
)

// Payload is the cached response: status, headers, and a fully captured body.
// Bodies are stored and served as independent copies because a response body
// stream may be consumed only once.
type Payload struct {
	Status int         `json:"status"`
	Header http.Header `json:"header"`
	Body   []byte      `json:"body"`
}

// Clone returns a deep copy safe to hand to a caller while the original stays
// in the tier.
func (p Payload) Clone() Payload {
	cp := Payload{Status: p.Status, Header: make(http.Header, len(p.Header))}
	for k, vv := range p.Header {
		cp.Header[k] = append([]string(nil), vv...)
	}
	cp.Body = append([]byte(nil), p.Body...)
	return cp
}

// Entry is one cached response plus its sidecar metadata. Metadata lives
// alongside the payload, never inside the stored response body.
type Entry struct {
	Payload        Payload
	StoredAt       time.Time
	TTL            time.Duration
	AccessCount    int64
	LastAccessedAt time.Time
	Priority       types.Priority
}

// Expired reports whether the entry's age exceeds its TTL at the given time.
func (e *Entry) Expired(now time.Time) bool {
	if e.TTL <= 0 {
		return false
	}
	return now.Sub(e.StoredAt) >= e.TTL
}

// Tier is one independently named cache store with its own TTL and capacity
// policy. Implementations treat storage failures as misses: a Tier never
// propagates storage errors to its caller.
type Tier interface {
	Name() string
	// Get returns a copy of the entry for key. An entry past its TTL reads
	// as a miss and is dropped, whether or not a sweep has run.
	Get(key string) (*Entry, bool)
	// Put replaces any prior entry for key atomically and evicts oldest
	// StoredAt first if the tier is over capacity.
	Put(key string, e *Entry)
	Delete(key string)
	Keys() []string
	Len() int
	Stats() types.CacheStats
	// Sweep deletes every expired entry and reports how many went.
	Sweep(now time.Time) int
	Clear()
	Close() error
}

// MemoryTier is the in-memory Tier used for the API and predictive stores.
type MemoryTier struct {
	mu         sync.Mutex
	name       string
	defaultTTL time.Duration
	maxEntries int
	entries    map[string]*Entry
	stats      types.CacheStats
	clock      func() time.Time
}

// NewMemoryTier creates an empty memory tier. maxEntries of zero means
// unbounded.
func NewMemoryTier(name string, defaultTTL time.Duration, maxEntries int) *MemoryTier {
	return &MemoryTier{
		name:       name,
		defaultTTL: defaultTTL,
		maxEntries: maxEntries,
		entries:    make(map[string]*Entry),
		clock:      time.Now,
	}
}

// Name returns the tier name.
func (t *MemoryTier) Name() string { return t.name }

// Get retrieves the entry for key, bumping its access metadata on a hit.
func (t *MemoryTier) Get(key string) (*Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock()
	e, ok := t.entries[key]
	if !ok {
		t.stats.Misses++
		return nil, false
	}

	if e.Expired(now) {
		delete(t.entries, key)
		t.stats.Misses++
		t.stats.Evictions++
		return nil, false
	}

	e.AccessCount++
	e.LastAccessedAt = now

	cp := *e
	cp.Payload = e.Payload.Clone()
	t.stats.Hits++
	return &cp, true
}

// Put stores the entry under key. A missing TTL takes the tier default; a
// missing priority defaults to medium.
func (t *MemoryTier) Put(key string, e *Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock()
	stored := *e
	stored.Payload = e.Payload.Clone()
	if stored.StoredAt.IsZero() {
		stored.StoredAt = now
	}
	if stored.TTL == 0 {
		stored.TTL = t.defaultTTL
	}
	if stored.Priority == "" {
		stored.Priority = types.PriorityMedium
	}
	if stored.LastAccessedAt.IsZero() {
		stored.LastAccessedAt = stored.StoredAt
	}

	t.entries[key] = &stored
	t.evictOverCapacity()
}

func (t *MemoryTier) evictOverCapacity() {
	if t.maxEntries <= 0 {
		return
	}
	for len(t.entries) > t.maxEntries {
		oldestKey := ""
		var oldest time.Time
		for k, e := range t.entries {
			if oldestKey == "" || e.StoredAt.Before(oldest) {
				oldestKey = k
				oldest = e.StoredAt
			}
		}
		delete(t.entries, oldestKey)
		t.stats.Evictions++
	}
}

// Delete removes the entry for key if present.
func (t *MemoryTier) Delete(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, key)
}

// Keys returns every stored key, expired or not.
func (t *MemoryTier) Keys() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	keys := make([]string, 0, len(t.entries))
	for k := range t.entries {
		keys = append(keys, k)
	}
	return keys
}

// Len returns the current entry count.
func (t *MemoryTier) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Stats returns a snapshot of the tier counters.
func (t *MemoryTier) Stats() types.CacheStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.stats
	s.Entries = len(t.entries)
	total := s.Hits + s.Misses
	if total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

// Sweep removes every entry past its TTL.
func (t *MemoryTier) Sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for k, e := range t.entries {
		if e.Expired(now) {
			delete(t.entries, k)
			removed++
		}
	}
	t.stats.Evictions += uint64(removed)
	return removed
}

// Clear drops every entry and leaves the tier usable.
func (t *MemoryTier) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = make(map[string]*Entry)
}

// Close releases nothing for a memory tier.
func (t *MemoryTier) Close() error { return nil }

// SetPolicy updates TTL and capacity, applying the new cap immediately.
func (t *MemoryTier) SetPolicy(defaultTTL time.Duration, maxEntries int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.defaultTTL = defaultTTL
	t.maxEntries = maxEntries
	t.evictOverCapacity()
}
