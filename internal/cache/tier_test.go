package cache

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPayload(body string) Payload {
	return Payload{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": []string{"application/json"}},
		Body:   []byte(body),
	}
}

func TestMemoryTierPutGet(t *testing.T) {
	tier := NewMemoryTier("api", time.Hour, 0)

	tier.Put("key1", &Entry{Payload: testPayload(`{"a":1}`)})

	got, ok := tier.Get("key1")
	require.True(t, ok)
	assert.Equal(t, http.StatusOK, got.Payload.Status)
	assert.Equal(t, []byte(`{"a":1}`), got.Payload.Body)
	assert.Equal(t, time.Hour, got.TTL, "default TTL applied")
	assert.Equal(t, int64(1), got.AccessCount)
}

func TestMemoryTierGetReturnsCopy(t *testing.T) {
	tier := NewMemoryTier("api", time.Hour, 0)
	tier.Put("key1", &Entry{Payload: testPayload("original")})

	got, ok := tier.Get("key1")
	require.True(t, ok)
	got.Payload.Body[0] = 'X'
	got.Payload.Header.Set("Content-Type", "text/plain")

	again, ok := tier.Get("key1")
	require.True(t, ok)
	assert.Equal(t, []byte("original"), again.Payload.Body)
	assert.Equal(t, "application/json", again.Payload.Header.Get("Content-Type"))
}

func TestMemoryTierAtMostOneEntryPerKey(t *testing.T) {
	tier := NewMemoryTier("api", time.Hour, 0)

	for i := 0; i < 5; i++ {
		tier.Put("key1", &Entry{Payload: testPayload(fmt.Sprintf("v%d", i))})
	}

	assert.Equal(t, 1, tier.Len())
	got, ok := tier.Get("key1")
	require.True(t, ok)
	assert.Equal(t, []byte("v4"), got.Payload.Body)
}

func TestMemoryTierTTLExpiryOnRead(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tier := NewMemoryTier("api", time.Hour, 0)
	tier.clock = func() time.Time { return now }

	tier.Put("key1", &Entry{Payload: testPayload("x")})

	// One nanosecond before expiry is still a hit.
	now = now.Add(time.Hour - time.Nanosecond)
	_, ok := tier.Get("key1")
	assert.True(t, ok)

	// At exactly TTL the entry reads as a miss with no sweep having run.
	now = now.Add(time.Nanosecond)
	_, ok = tier.Get("key1")
	assert.False(t, ok)
	assert.Equal(t, 0, tier.Len(), "expired entry dropped on read")

	stats := tier.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, uint64(1), stats.Evictions)
}

func TestMemoryTierCapacityEvictsOldestStoredAt(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tier := NewMemoryTier("api", time.Hour, 3)
	tier.clock = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		tier.Put(fmt.Sprintf("key%d", i), &Entry{Payload: testPayload("x")})
		now = now.Add(time.Minute)
	}

	// key0 has the smallest StoredAt and must be the one evicted.
	tier.Put("key3", &Entry{Payload: testPayload("x")})

	assert.Equal(t, 3, tier.Len())
	_, ok := tier.Get("key0")
	assert.False(t, ok)
	for _, key := range []string{"key1", "key2", "key3"} {
		_, ok := tier.Get(key)
		assert.True(t, ok, key)
	}
}

func TestMemoryTierSweep(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tier := NewMemoryTier("api", 0, 0)
	tier.clock = func() time.Time { return now }

	tier.Put("short", &Entry{Payload: testPayload("x"), TTL: time.Minute})
	tier.Put("long", &Entry{Payload: testPayload("x"), TTL: time.Hour})

	removed := tier.Sweep(now.Add(30 * time.Minute))
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, tier.Len())

	_, ok := tier.Get("long")
	assert.True(t, ok)
}

func TestMemoryTierZeroTTLNeverExpires(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tier := NewMemoryTier("static", 0, 0)
	tier.clock = func() time.Time { return now }

	tier.Put("key1", &Entry{Payload: testPayload("x")})

	now = now.Add(1000 * time.Hour)
	_, ok := tier.Get("key1")
	assert.True(t, ok)
}

func TestMemoryTierClear(t *testing.T) {
	tier := NewMemoryTier("api", time.Hour, 0)
	tier.Put("key1", &Entry{Payload: testPayload("x")})
	tier.Put("key2", &Entry{Payload: testPayload("y")})

	tier.Clear()

	assert.Equal(t, 0, tier.Len())
	tier.Put("key3", &Entry{Payload: testPayload("z")})
	_, ok := tier.Get("key3")
	assert.True(t, ok, "tier usable after clear")
}

func TestMemoryTierSetPolicyShrinksCapacity(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tier := NewMemoryTier("api", time.Hour, 0)
	tier.clock = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		tier.Put(fmt.Sprintf("key%d", i), &Entry{Payload: testPayload("x")})
		now = now.Add(time.Minute)
	}

	tier.SetPolicy(time.Hour, 2)
	assert.Equal(t, 2, tier.Len())

	// The two newest survive.
	_, ok := tier.Get("key3")
	assert.True(t, ok)
	_, ok = tier.Get("key4")
	assert.True(t, ok)
}
