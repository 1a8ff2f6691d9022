// Package behavior maintains the evolving profile of the current user:
// recently viewed items, search history, genre affinity, and time-of-day
// signal. The model is a pure state container; callers mutate it only through
// its methods and it reaches the prefetch engine as read-only queries.
package behavior

import (
	"sort"
	"sync"
	"time"
)

const (
	viewsCap   = 100
	viewsKeep  = 50
	searchCap  = 50
	searchKeep = 25
)

// Model is the in-memory behavior profile. It is created empty at engine
// start, restored from the last persisted snapshot when one exists, and never
// hard-reset except by an explicit clear.
type Model struct {
	mu             sync.RWMutex
	viewedItemIDs  []string
	viewedSet      map[string]struct{}
	searchHistory  []string
	genreAffinity  map[string]int
	genreOrder     []string
	watchByHour    map[int]int
	lastActivityAt time.Time
	clock          func() time.Time
}

// Snapshot is the persisted form of the model.
type Snapshot struct {
	ViewedItemIDs  []string       `json:"viewed_item_ids"`
	SearchHistory  []string       `json:"search_history"`
	GenreAffinity  map[string]int `json:"genre_affinity"`
	GenreOrder     []string       `json:"genre_order"`
	WatchByHour    map[int]int    `json:"watch_by_hour"`
	LastActivityAt time.Time      `json:"last_activity_at"`
}

// GenreCount pairs a genre with its affinity count.
type GenreCount struct {
	Genre string
	Count int
}

// NewModel returns an empty model.
func NewModel() *Model {
	return &Model{
		viewedSet:     make(map[string]struct{}),
		genreAffinity: make(map[string]int),
		watchByHour:   make(map[int]int),
		clock:         time.Now,
	}
}

// RecordView notes that the user viewed an item. The viewed list is a bounded
// ordered set: re-viewing an item moves it to the most-recent end, and
// overflow past the cap trims synchronously down to the most recent half.
func (m *Model) RecordView(itemID string) {
	if itemID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, seen := m.viewedSet[itemID]; seen {
		for i, id := range m.viewedItemIDs {
			if id == itemID {
				m.viewedItemIDs = append(m.viewedItemIDs[:i], m.viewedItemIDs[i+1:]...)
				break
			}
		}
	}
	m.viewedItemIDs = append(m.viewedItemIDs, itemID)
	m.viewedSet[itemID] = struct{}{}

	if len(m.viewedItemIDs) > viewsCap {
		dropped := m.viewedItemIDs[:len(m.viewedItemIDs)-viewsKeep]
		for _, id := range dropped {
			delete(m.viewedSet, id)
		}
		m.viewedItemIDs = append([]string(nil), m.viewedItemIDs[len(m.viewedItemIDs)-viewsKeep:]...)
	}

	m.touchLocked()
}

// RecordSearch appends a query to the bounded search history.
func (m *Model) RecordSearch(query string) {
	if query == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.searchHistory = append(m.searchHistory, query)
	if len(m.searchHistory) > searchCap {
		m.searchHistory = append([]string(nil), m.searchHistory[len(m.searchHistory)-searchKeep:]...)
	}

	m.touchLocked()
}

// RecordGenre increments the affinity count for a genre. Counts only ever
// grow; first appearance fixes the genre's insertion order for tie-breaking.
func (m *Model) RecordGenre(genreID string) {
	if genreID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.genreAffinity[genreID]; !ok {
		m.genreOrder = append(m.genreOrder, genreID)
	}
	m.genreAffinity[genreID]++

	m.touchLocked()
}

// RecordWatchHour tallies activity into the current hour bucket.
func (m *Model) RecordWatchHour() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watchByHour[m.clock().Hour()]++
	m.touchLocked()
}

func (m *Model) touchLocked() {
	m.lastActivityAt = m.clock()
}

// TopGenres returns up to n genres sorted by count descending, ties broken by
// insertion order.
func (m *Model) TopGenres(n int) []GenreCount {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]GenreCount, 0, len(m.genreOrder))
	for _, g := range m.genreOrder {
		out = append(out, GenreCount{Genre: g, Count: m.genreAffinity[g]})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Count > out[j].Count
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// RecentViews returns up to n item ids, most recent first.
func (m *Model) RecentViews(n int) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, n)
	for i := len(m.viewedItemIDs) - 1; i >= 0 && (n <= 0 || len(out) < n); i-- {
		out = append(out, m.viewedItemIDs[i])
	}
	return out
}

// RecentSearches returns up to n queries, most recent first.
func (m *Model) RecentSearches(n int) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, n)
	for i := len(m.searchHistory) - 1; i >= 0 && (n <= 0 || len(out) < n); i-- {
		out = append(out, m.searchHistory[i])
	}
	return out
}

// LastActivityAt returns the time of the most recent mutation.
func (m *Model) LastActivityAt() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastActivityAt
}

// Snapshot captures the model for persistence.
func (m *Model) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := Snapshot{
		ViewedItemIDs:  append([]string(nil), m.viewedItemIDs...),
		SearchHistory:  append([]string(nil), m.searchHistory...),
		GenreAffinity:  make(map[string]int, len(m.genreAffinity)),
		GenreOrder:     append([]string(nil), m.genreOrder...),
		WatchByHour:    make(map[int]int, len(m.watchByHour)),
		LastActivityAt: m.lastActivityAt,
	}
	for g, c := range m.genreAffinity {
		snap.GenreAffinity[g] = c
	}
	for h, c := range m.watchByHour {
		snap.WatchByHour[h] = c
	}
	return snap
}

// Restore replaces the model state with a persisted snapshot.
func (m *Model) Restore(snap Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.viewedItemIDs = append([]string(nil), snap.ViewedItemIDs...)
	m.viewedSet = make(map[string]struct{}, len(snap.ViewedItemIDs))
	for _, id := range snap.ViewedItemIDs {
		m.viewedSet[id] = struct{}{}
	}
	m.searchHistory = append([]string(nil), snap.SearchHistory...)
	m.genreAffinity = make(map[string]int, len(snap.GenreAffinity))
	for g, c := range snap.GenreAffinity {
		m.genreAffinity[g] = c
	}
	m.genreOrder = append([]string(nil), snap.GenreOrder...)
	m.watchByHour = make(map[int]int, len(snap.WatchByHour))
	for h, c := range snap.WatchByHour {
		m.watchByHour[h] = c
	}
	m.lastActivityAt = snap.LastActivityAt
}

// Clear resets the model to empty. Only the explicit control-channel clear
// calls this.
func (m *Model) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.viewedItemIDs = nil
	m.viewedSet = make(map[string]struct{})
	m.searchHistory = nil
	m.genreAffinity = make(map[string]int)
	m.genreOrder = nil
	m.watchByHour = make(map[int]int)
	m.lastActivityAt = time.Time{}
}
