package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/mediacache/mediacache/pkg/types"
)

// DiskTier is a disk-backed Tier for the effectively unbounded static and
// image stores. Bodies live as gzip-compressed files next to a JSON index
// holding the sidecar metadata; a corrupt or missing payload file degrades to
// a miss and heals by dropping the index entry.
type DiskTier struct {
	mu         sync.Mutex
	name       string
	dir        string
	defaultTTL time.Duration
	maxEntries int
	index      map[string]*diskItem
	stats      types.CacheStats
	logger     *zap.Logger
	clock      func() time.Time
}

type diskItem struct {
	Key            string         `json:"key"`
	File           string         `json:"file"`
	Status         int            `json:"status"`
	Header         http.Header    `json:"header"`
	StoredAt       time.Time      `json:"stored_at"`
	TTL            time.Duration  `json:"ttl"`
	AccessCount    int64          `json:"access_count"`
	LastAccessedAt time.Time      `json:"last_accessed_at"`
	Priority       types.Priority `json:"priority"`
	Checksum       string         `json:"checksum"`
}

const indexFile = "index.json"

// NewDiskTier opens (or creates) a disk tier rooted at dir and loads its
// index. Entries recorded in the index whose payload files have vanished are
// dropped on first read.
func NewDiskTier(name, dir string, defaultTTL time.Duration, maxEntries int, logger *zap.Logger) (*DiskTier, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, err
	}

	t := &DiskTier{
		name:       name,
		dir:        dir,
		defaultTTL: defaultTTL,
		maxEntries: maxEntries,
		index:      make(map[string]*diskItem),
		logger:     logger,
		clock:      time.Now,
	}

	if err := t.loadIndex(); err != nil {
		// A damaged index is not fatal: start empty, payload files get
		// overwritten as the tier refills.
		logger.Warn("cache index unreadable, starting empty",
			zap.String("tier", name), zap.Error(err))
		t.index = make(map[string]*diskItem)
	}

	return t, nil
}

// Name returns the tier name.
func (t *DiskTier) Name() string { return t.name }

// Get reads the entry for key from disk, verifying its checksum.
func (t *DiskTier) Get(key string) (*Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock()
	item, ok := t.index[key]
	if !ok {
		t.stats.Misses++
		return nil, false
	}

	if item.TTL > 0 && now.Sub(item.StoredAt) >= item.TTL {
		t.removeLocked(key)
		t.stats.Misses++
		t.stats.Evictions++
		return nil, false
	}

	body, err := t.readPayload(item)
	if err != nil {
		t.logger.Warn("cache payload unreadable, treating as miss",
			zap.String("tier", t.name), zap.String("key", key), zap.Error(err))
		t.removeLocked(key)
		t.stats.Misses++
		return nil, false
	}

	item.AccessCount++
	item.LastAccessedAt = now
	t.stats.Hits++
	t.saveIndexLocked()

	header := make(http.Header, len(item.Header))
	for k, vv := range item.Header {
		header[k] = append([]string(nil), vv...)
	}

	return &Entry{
		Payload:        Payload{Status: item.Status, Header: header, Body: body},
		StoredAt:       item.StoredAt,
		TTL:            item.TTL,
		AccessCount:    item.AccessCount,
		LastAccessedAt: item.LastAccessedAt,
		Priority:       item.Priority,
	}, true
}

// Put writes the payload file first and only then updates the index, so a
// reader never observes a half-written entry.
func (t *DiskTier) Put(key string, e *Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock()
	item := &diskItem{
		Key:            key,
		File:           payloadFileName(key),
		Status:         e.Payload.Status,
		Header:         e.Payload.Header,
		StoredAt:       e.StoredAt,
		TTL:            e.TTL,
		LastAccessedAt: now,
		Priority:       e.Priority,
		Checksum:       checksum(e.Payload.Body),
	}
	if item.StoredAt.IsZero() {
		item.StoredAt = now
	}
	if item.TTL == 0 {
		item.TTL = t.defaultTTL
	}
	if item.Priority == "" {
		item.Priority = types.PriorityMedium
	}

	if err := t.writePayload(item, e.Payload.Body); err != nil {
		t.logger.Warn("cache payload write failed, entry dropped",
			zap.String("tier", t.name), zap.String("key", key), zap.Error(err))
		return
	}

	t.index[key] = item
	t.evictOverCapacityLocked()
	t.saveIndexLocked()
}

// Delete removes the entry and its payload file.
func (t *DiskTier) Delete(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(key)
	t.saveIndexLocked()
}

// Keys returns every indexed key.
func (t *DiskTier) Keys() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	keys := make([]string, 0, len(t.index))
	for k := range t.index {
		keys = append(keys, k)
	}
	return keys
}

// Len returns the current entry count.
func (t *DiskTier) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.index)
}

// Stats returns a snapshot of the tier counters.
func (t *DiskTier) Stats() types.CacheStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.stats
	s.Entries = len(t.index)
	total := s.Hits + s.Misses
	if total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

// Sweep removes every entry past its TTL.
func (t *DiskTier) Sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for k, item := range t.index {
		if item.TTL > 0 && now.Sub(item.StoredAt) >= item.TTL {
			t.removeLocked(k)
			removed++
		}
	}
	if removed > 0 {
		t.stats.Evictions += uint64(removed)
		t.saveIndexLocked()
	}
	return removed
}

// Clear drops every entry and payload file.
func (t *DiskTier) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.index {
		t.removeLocked(k)
	}
	t.saveIndexLocked()
}

// Close flushes the index.
func (t *DiskTier) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.flushIndex()
}

// SetPolicy updates TTL and capacity, applying the new cap immediately.
func (t *DiskTier) SetPolicy(defaultTTL time.Duration, maxEntries int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.defaultTTL = defaultTTL
	t.maxEntries = maxEntries
	t.evictOverCapacityLocked()
	t.saveIndexLocked()
}

func (t *DiskTier) evictOverCapacityLocked() {
	if t.maxEntries <= 0 {
		return
	}
	for len(t.index) > t.maxEntries {
		oldestKey := ""
		var oldest time.Time
		for k, item := range t.index {
			if oldestKey == "" || item.StoredAt.Before(oldest) {
				oldestKey = k
				oldest = item.StoredAt
			}
		}
		t.removeLocked(oldestKey)
		t.stats.Evictions++
	}
}

func (t *DiskTier) removeLocked(key string) {
	item, ok := t.index[key]
	if !ok {
		return
	}
	if err := os.Remove(filepath.Join(t.dir, item.File)); err != nil && !os.IsNotExist(err) {
		t.logger.Debug("cache payload remove failed",
			zap.String("tier", t.name), zap.String("key", key), zap.Error(err))
	}
	delete(t.index, key)
}

func (t *DiskTier) writePayload(item *diskItem, body []byte) error {
	path := filepath.Join(t.dir, item.File)
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}

	gz := gzip.NewWriter(f)
	if _, err := gz.Write(body); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := gz.Close(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}

	return os.Rename(tmp, path)
}

func (t *DiskTier) readPayload(item *diskItem) ([]byte, error) {
	f, err := os.Open(filepath.Join(t.dir, item.File))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer gz.Close()

	body, err := io.ReadAll(gz)
	if err != nil {
		return nil, err
	}

	if sum := checksum(body); sum != item.Checksum {
		return nil, &corruptPayloadError{expected: item.Checksum, actual: sum}
	}

	return body, nil
}

type corruptPayloadError struct {
	expected, actual string
}

func (e *corruptPayloadError) Error() string {
	return "payload checksum mismatch: expected " + e.expected + ", got " + e.actual
}

func (t *DiskTier) loadIndex() error {
	data, err := os.ReadFile(filepath.Join(t.dir, indexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(data, &t.index)
}

// saveIndexLocked persists the index, logging rather than failing: losing the
// index only costs cached data, never correctness.
func (t *DiskTier) saveIndexLocked() {
	if err := t.flushIndex(); err != nil {
		t.logger.Warn("cache index write failed",
			zap.String("tier", t.name), zap.Error(err))
	}
}

func (t *DiskTier) flushIndex() error {
	data, err := json.Marshal(t.index)
	if err != nil {
		return err
	}
	path := filepath.Join(t.dir, indexFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func payloadFileName(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:]) + ".gz"
}

func checksum(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
