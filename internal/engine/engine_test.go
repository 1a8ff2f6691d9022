package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mediacache/mediacache/internal/circuit"
	"github.com/mediacache/mediacache/internal/config"
	"github.com/mediacache/mediacache/internal/control"
	"github.com/mediacache/mediacache/pkg/errors"
	"github.com/mediacache/mediacache/pkg/types"
)

func testConfig(t *testing.T, upstreamURL string) *config.Configuration {
	t.Helper()
	cfg := config.NewDefault()
	cfg.Global.DataDir = t.TempDir()
	cfg.Upstream.BaseURL = upstreamURL
	cfg.Upstream.CircuitBreaker.Enabled = false
	cfg.Strategy.NetworkTimeout = 2 * time.Second
	cfg.Prefetch.Enabled = false
	// Maintenance runs are invoked directly in tests.
	cfg.Maintenance = config.MaintenanceConfig{}
	return cfg
}

func newTestEngine(t *testing.T, cfg *config.Configuration) *Engine {
	t.Helper()
	eng, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(func() {
		if eng.running {
			eng.Stop(context.Background())
		}
	})
	return eng
}

func do(eng *Engine, method, target string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	eng.ServeHTTP(w, httptest.NewRequest(method, target, nil))
	return w
}

func TestLifecycleGuards(t *testing.T) {
	cfg := testConfig(t, "http://unused.invalid")
	eng := newTestEngine(t, cfg)

	err := eng.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeAlreadyStarted))

	require.NoError(t, eng.Stop(context.Background()))

	err = eng.Stop(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotRunning))
}

func TestServeCachesAPIResponses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"results":[1]}`))
	}))

	eng := newTestEngine(t, testConfig(t, srv.URL))

	w := do(eng, http.MethodGet, "/api/v1/trending")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, `{"results":[1]}`, w.Body.String())

	// With the upstream gone the cached copy answers.
	srv.Close()
	w = do(eng, http.MethodGet, "/api/v1/trending")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, `{"results":[1]}`, w.Body.String())

	// An uncached API path synthesizes the offline response.
	w = do(eng, http.MethodGet, "/api/v1/watchlist")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"offline":true`)
}

func TestServeCacheOnlyWhileBreakerOpen(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	cfg := testConfig(t, srv.URL)
	cfg.Upstream.CircuitBreaker = config.BreakerConfig{
		Enabled:          true,
		FailureThreshold: 1,
		Interval:         time.Minute,
		Timeout:          time.Minute,
	}
	eng := newTestEngine(t, cfg)

	// First request records the failure and trips the breaker.
	w := do(eng, http.MethodGet, "/api/v1/trending")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, circuit.StateOpen, eng.fetcher.BreakerState())

	// Subsequent requests are answered from cache without a network attempt.
	w = do(eng, http.MethodGet, "/api/v1/trending")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"offline":true`)
}

func TestObserveFeedsGenreSignals(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("{}"))
	}))
	defer srv.Close()

	eng := newTestEngine(t, testConfig(t, srv.URL))

	for i := 0; i < 3; i++ {
		do(eng, http.MethodGet, "/api/v1/discover?genre=action")
	}
	do(eng, http.MethodGet, "/api/v1/discover?with_genres=drama")

	genres := eng.model.TopGenres(2)
	require.NotEmpty(t, genres)
	assert.Equal(t, "action", genres[0].Genre)
	assert.Equal(t, 3, genres[0].Count)
}

func TestControlSetCredentialsAndStatus(t *testing.T) {
	eng := newTestEngine(t, testConfig(t, "http://unused.invalid"))

	status := eng.Status()
	assert.False(t, status.HasCredentials)
	assert.Len(t, status.Tiers, 4)

	resp := eng.Channel().Dispatch(control.Message{
		Type: control.TypeSetCredentials,
		Data: json.RawMessage(`{"token":"tok-123"}`),
	})
	require.NoError(t, resp.Err)
	assert.Equal(t, types.Credentials{Token: "tok-123"}, eng.Credentials())

	resp = eng.Channel().Dispatch(control.Message{Type: control.TypeGetStatus})
	require.NoError(t, resp.Err)
	got, ok := resp.Data.(types.EngineStatus)
	require.True(t, ok)
	assert.True(t, got.HasCredentials)
}

func TestControlTrackAndClear(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte("{}"))
	}))
	defer srv.Close()

	eng := newTestEngine(t, testConfig(t, srv.URL))

	resp := eng.Channel().Dispatch(control.Message{
		Type: control.TypeTrackView,
		Data: json.RawMessage(`{"item_id":"m1"}`),
	})
	require.NoError(t, resp.Err)
	resp = eng.Channel().Dispatch(control.Message{
		Type: control.TypeTrackGenre,
		Data: json.RawMessage(`{"genre":"thriller"}`),
	})
	require.NoError(t, resp.Err)

	assert.Equal(t, []string{"m1"}, eng.model.RecentViews(1))

	// Seed a cache entry, then wipe everything.
	do(eng, http.MethodGet, "/api/v1/trending")
	total := 0
	for _, st := range eng.store.Status() {
		total += st.Entries
	}
	require.Positive(t, total)

	resp = eng.Channel().Dispatch(control.Message{Type: control.TypeClearCaches})
	require.NoError(t, resp.Err)
	for _, st := range eng.store.Status() {
		assert.Zero(t, st.Entries)
	}
}

func TestControlMalformedDataIsCoded(t *testing.T) {
	eng := newTestEngine(t, testConfig(t, "http://unused.invalid"))

	resp := eng.Channel().Dispatch(control.Message{
		Type: control.TypeTrackView,
		Data: json.RawMessage(`{broken`),
	})
	require.Error(t, resp.Err)
	assert.True(t, errors.IsCode(resp.Err, errors.ErrCodeMalformedMessage))
}

func TestControlSweep(t *testing.T) {
	eng := newTestEngine(t, testConfig(t, "http://unused.invalid"))

	resp := eng.Channel().Dispatch(control.Message{Type: control.TypeSweepCaches})
	require.NoError(t, resp.Err)
	data, ok := resp.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 0, data["removed"])
}

func TestControlPreferencesRoundTrip(t *testing.T) {
	eng := newTestEngine(t, testConfig(t, "http://unused.invalid"))

	resp := eng.Channel().Dispatch(control.Message{Type: control.TypeGetPreferences})
	require.NoError(t, resp.Err)
	assert.Empty(t, resp.Data)

	resp = eng.Channel().Dispatch(control.Message{
		Type: control.TypeSetPreferences,
		Data: json.RawMessage(`{"subtitle_lang":"en","autoplay":false}`),
	})
	require.NoError(t, resp.Err)

	resp = eng.Channel().Dispatch(control.Message{Type: control.TypeGetPreferences})
	require.NoError(t, resp.Err)
	prefs, ok := resp.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "en", prefs["subtitle_lang"])
}

func TestPrefetchedEntryServesWhileOffline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"results":["prefetched"]}`))
	}))

	cfg := testConfig(t, srv.URL)
	cfg.Prefetch.Enabled = true
	cfg.Prefetch.GenreURL = "/api/v1/discover?genre=%s"
	eng := newTestEngine(t, cfg)

	for i := 0; i < 3; i++ {
		resp := eng.Channel().Dispatch(control.Message{
			Type: control.TypeTrackGenre,
			Data: json.RawMessage(`{"genre":"action"}`),
		})
		require.NoError(t, resp.Err)
	}
	eng.runPrefetch()

	// The warmed entry must answer the real intercepted request once the
	// upstream is gone.
	srv.Close()
	w := do(eng, http.MethodGet, "/api/v1/discover?genre=action")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, `{"results":["prefetched"]}`, w.Body.String())
}

func TestScheduleSyncReplaysQueue(t *testing.T) {
	accepted := make(chan string, 4)
	syncSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Action string `json:"action"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		accepted <- body.Action
		w.WriteHeader(http.StatusAccepted)
	}))
	defer syncSrv.Close()

	cfg := testConfig(t, "http://unused.invalid")
	cfg.Sync.EndpointURL = syncSrv.URL
	eng := newTestEngine(t, cfg)

	_, err := eng.Queue().Enqueue("add-to-watchlist", map[string]any{"item_id": "m1"})
	require.NoError(t, err)

	resp := eng.Channel().Dispatch(control.Message{Type: control.TypeScheduleSync})
	require.NoError(t, resp.Err)

	select {
	case action := <-accepted:
		assert.Equal(t, "add-to-watchlist", action)
	case <-time.After(3 * time.Second):
		t.Fatal("scheduled replay never reached the sync endpoint")
	}
	assert.Eventually(t, func() bool {
		return eng.Queue().Depth() == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestSnapshotSurvivesRestart(t *testing.T) {
	cfg := testConfig(t, "http://unused.invalid")

	eng, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, eng.Start(context.Background()))

	eng.model.RecordView("m1")
	eng.model.RecordGenre("horror")
	require.NoError(t, eng.Stop(context.Background()))

	// Same data dir, fresh process.
	eng2, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, eng2.Start(context.Background()))
	defer eng2.Stop(context.Background())

	assert.Equal(t, []string{"m1"}, eng2.model.RecentViews(1))
	genres := eng2.model.TopGenres(1)
	require.Len(t, genres, 1)
	assert.Equal(t, "horror", genres[0].Genre)
}

func TestMaintenanceReplayRun(t *testing.T) {
	syncSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer syncSrv.Close()

	cfg := testConfig(t, "http://unused.invalid")
	cfg.Sync.EndpointURL = syncSrv.URL
	eng := newTestEngine(t, cfg)

	_, err := eng.Queue().Enqueue("rate-item", nil)
	require.NoError(t, err)
	require.Equal(t, 1, eng.Queue().Depth())

	eng.runReplay()
	assert.Zero(t, eng.Queue().Depth())
}
