// Package storage provides the engine's durable stores on an embedded
// document database: the offline action queue, behavior snapshots, and the
// last-known user preferences. All three are append/delete only; the engine
// never updates a document in place.
package storage

import (
	"time"

	"github.com/ostafen/clover"
	"go.uber.org/zap"

	"github.com/mediacache/mediacache/pkg/errors"
	"github.com/mediacache/mediacache/pkg/types"
)

const (
	collectionSyncQueue = "sync_queue"
	collectionSnapshots = "behavior_snapshots"
	collectionPrefs     = "preferences"

	// Snapshots beyond this count are pruned oldest-first on save.
	snapshotKeep = 10
)

// Store wraps the embedded database with the three engine collections.
type Store struct {
	db     *clover.DB
	logger *zap.Logger
}

// Open opens (or creates) the database at path. An empty path opens an
// in-memory database, used by tests.
func Open(path string, logger *zap.Logger) (*Store, error) {
	db, err := clover.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageWrite, "open durable store")
	}

	s := &Store{db: db, logger: logger}
	for _, name := range []string{collectionSyncQueue, collectionSnapshots, collectionPrefs} {
		if err := s.ensureCollection(name); err != nil {
			db.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) ensureCollection(name string) error {
	exists, err := s.db.HasCollection(name)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageRead, "check collection "+name)
	}
	if exists {
		return nil
	}
	if err := s.db.CreateCollection(name); err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "create collection "+name)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// EnqueueSync durably records one offline action. The item stays queued until
// a replay confirms it applied server-side.
func (s *Store) EnqueueSync(item types.SyncQueueItem) error {
	doc := clover.NewDocument()
	doc.Set("id", item.ID)
	doc.Set("action", item.Action)
	doc.Set("payload", item.Payload)
	doc.Set("enqueued_at", item.EnqueuedAt.UnixNano())

	if err := s.db.Insert(collectionSyncQueue, doc); err != nil {
		return errors.Wrap(err, errors.ErrCodeQueueWrite, "enqueue sync item")
	}
	return nil
}

// ListSync returns all queued items in enqueue order.
func (s *Store) ListSync() ([]types.SyncQueueItem, error) {
	docs, err := s.db.Query(collectionSyncQueue).
		Sort(clover.SortOption{Field: "enqueued_at", Direction: 1}).
		FindAll()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeQueueRead, "list sync queue")
	}

	items := make([]types.SyncQueueItem, 0, len(docs))
	for _, doc := range docs {
		item, err := syncItemFromDoc(doc)
		if err != nil {
			s.logger.Warn("skipping unreadable sync queue document", zap.Error(err))
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// DeleteSync removes a confirmed item by id.
func (s *Store) DeleteSync(id string) error {
	err := s.db.Query(collectionSyncQueue).Where(clover.Field("id").Eq(id)).Delete()
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeQueueWrite, "delete sync item")
	}
	return nil
}

// SyncDepth returns the number of queued items.
func (s *Store) SyncDepth() (int, error) {
	n, err := s.db.Query(collectionSyncQueue).Count()
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeQueueRead, "count sync queue")
	}
	return n, nil
}

func syncItemFromDoc(doc *clover.Document) (types.SyncQueueItem, error) {
	id, ok := doc.Get("id").(string)
	if !ok || id == "" {
		return types.SyncQueueItem{}, errors.New(errors.ErrCodeQueueRead, "sync document missing id")
	}
	action, _ := doc.Get("action").(string)
	return types.SyncQueueItem{
		ID:         id,
		Action:     action,
		Payload:    asMap(doc.Get("payload")),
		EnqueuedAt: time.Unix(0, asInt64(doc.Get("enqueued_at"))),
	}, nil
}

// asMap and asInt64 absorb the numeric and map representations the document
// store round-trips values through.
func asMap(v any) map[string]any {
	switch m := v.(type) {
	case map[string]any:
		return m
	case map[interface{}]interface{}:
		out := make(map[string]any, len(m))
		for k, val := range m {
			if ks, ok := k.(string); ok {
				out[ks] = val
			}
		}
		return out
	default:
		return nil
	}
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case uint64:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

// SaveSnapshot appends a behavior snapshot and prunes old ones, keeping the
// most recent few.
func (s *Store) SaveSnapshot(data map[string]any) error {
	doc := clover.NewDocument()
	doc.Set("snapshot", data)
	doc.Set("saved_at", time.Now().UnixNano())

	if err := s.db.Insert(collectionSnapshots, doc); err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "save behavior snapshot")
	}

	s.pruneSnapshots()
	return nil
}

func (s *Store) pruneSnapshots() {
	count, err := s.db.Query(collectionSnapshots).Count()
	if err != nil || count <= snapshotKeep {
		return
	}
	old, err := s.db.Query(collectionSnapshots).
		Sort(clover.SortOption{Field: "saved_at", Direction: 1}).
		Limit(count - snapshotKeep).
		FindAll()
	if err != nil {
		return
	}
	for _, doc := range old {
		savedAt := doc.Get("saved_at")
		if err := s.db.Query(collectionSnapshots).Where(clover.Field("saved_at").Eq(savedAt)).Delete(); err != nil {
			s.logger.Debug("snapshot prune failed", zap.Error(err))
		}
	}
}

// LatestSnapshot returns the most recent behavior snapshot, if any.
func (s *Store) LatestSnapshot() (map[string]any, bool, error) {
	docs, err := s.db.Query(collectionSnapshots).
		Sort(clover.SortOption{Field: "saved_at", Direction: -1}).
		Limit(1).
		FindAll()
	if err != nil {
		return nil, false, errors.Wrap(err, errors.ErrCodeStorageRead, "load behavior snapshot")
	}
	if len(docs) == 0 {
		return nil, false, nil
	}
	return asMap(docs[0].Get("snapshot")), true, nil
}

// SavePreferences replaces the singleton preferences record.
func (s *Store) SavePreferences(prefs map[string]any) error {
	if err := s.db.Query(collectionPrefs).Delete(); err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "clear preferences")
	}

	doc := clover.NewDocument()
	doc.Set("prefs", prefs)
	doc.Set("saved_at", time.Now().UnixNano())
	if err := s.db.Insert(collectionPrefs, doc); err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "save preferences")
	}
	return nil
}

// LoadPreferences returns the singleton preferences record, if present.
func (s *Store) LoadPreferences() (map[string]any, bool, error) {
	docs, err := s.db.Query(collectionPrefs).Limit(1).FindAll()
	if err != nil {
		return nil, false, errors.Wrap(err, errors.ErrCodeStorageRead, "load preferences")
	}
	if len(docs) == 0 {
		return nil, false, nil
	}
	return asMap(docs[0].Get("prefs")), true, nil
}
