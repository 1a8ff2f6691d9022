package storage

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mediacache/mediacache/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func queueItem(id string, offset time.Duration) types.SyncQueueItem {
	return types.SyncQueueItem{
		ID:         id,
		Action:     "add-to-watchlist",
		Payload:    map[string]any{"item_id": id},
		EnqueuedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC).Add(offset),
	}
}

func TestSyncQueueRoundTrip(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.EnqueueSync(queueItem("a", 0)))
	require.NoError(t, s.EnqueueSync(queueItem("b", time.Second)))

	items, err := s.ListSync()
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "a", items[0].ID)
	assert.Equal(t, "add-to-watchlist", items[0].Action)
	assert.Equal(t, "a", fmt.Sprint(items[0].Payload["item_id"]))

	depth, err := s.SyncDepth()
	require.NoError(t, err)
	assert.Equal(t, 2, depth)
}

func TestSyncQueueEnqueueOrder(t *testing.T) {
	s := newTestStore(t)

	// Insert out of id order; listing must follow enqueue time.
	require.NoError(t, s.EnqueueSync(queueItem("late", 2*time.Hour)))
	require.NoError(t, s.EnqueueSync(queueItem("early", 0)))
	require.NoError(t, s.EnqueueSync(queueItem("middle", time.Hour)))

	items, err := s.ListSync()
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "early", items[0].ID)
	assert.Equal(t, "middle", items[1].ID)
	assert.Equal(t, "late", items[2].ID)
}

func TestSyncQueueDelete(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.EnqueueSync(queueItem("a", 0)))
	require.NoError(t, s.EnqueueSync(queueItem("b", time.Second)))

	require.NoError(t, s.DeleteSync("a"))

	items, err := s.ListSync()
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "b", items[0].ID)

	// Deleting a missing id is a no-op.
	assert.NoError(t, s.DeleteSync("a"))
}

func TestSnapshotLatestWins(t *testing.T) {
	s := newTestStore(t)

	_, found, err := s.LatestSnapshot()
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.SaveSnapshot(map[string]any{"gen": 1}))
	require.NoError(t, s.SaveSnapshot(map[string]any{"gen": 2}))

	snap, found, err := s.LatestSnapshot()
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "2", fmt.Sprint(snap["gen"]))
}

func TestSnapshotPruning(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < snapshotKeep+5; i++ {
		require.NoError(t, s.SaveSnapshot(map[string]any{"gen": i}))
	}

	count, err := s.db.Query(collectionSnapshots).Count()
	require.NoError(t, err)
	assert.LessOrEqual(t, count, snapshotKeep)

	snap, found, err := s.LatestSnapshot()
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, fmt.Sprint(snapshotKeep+4), fmt.Sprint(snap["gen"]))
}

func TestPreferencesSingleton(t *testing.T) {
	s := newTestStore(t)

	_, found, err := s.LoadPreferences()
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.SavePreferences(map[string]any{"lang": "en"}))
	require.NoError(t, s.SavePreferences(map[string]any{"lang": "de"}))

	prefs, found, err := s.LoadPreferences()
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "de", fmt.Sprint(prefs["lang"]))

	count, err := s.db.Query(collectionPrefs).Count()
	require.NoError(t, err)
	assert.Equal(t, 1, count, "preferences stay a singleton")
}
