package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mediacache/mediacache/internal/circuit"
	"github.com/mediacache/mediacache/internal/config"
	"github.com/mediacache/mediacache/pkg/errors"
)

func TestForwardResolvesRelativeAgainstBase(t *testing.T) {
	var got *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	f, err := New(config.UpstreamConfig{BaseURL: srv.URL}, zap.NewNop())
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/api/v1/trending?page=2", nil)
	r.Header.Set("Accept", "application/json")
	r.Header.Set("Connection", "keep-alive")

	payload, err := f.Forward(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, payload.Status)
	assert.Equal(t, []byte(`{"ok":true}`), payload.Body)
	assert.Equal(t, "application/json", payload.Header.Get("Content-Type"))

	require.NotNil(t, got)
	assert.Equal(t, "/api/v1/trending", got.URL.Path)
	assert.Equal(t, "page=2", got.URL.RawQuery)
	assert.Equal(t, "application/json", got.Header.Get("Accept"))
	assert.Empty(t, got.Header.Get("Connection"), "hop-by-hop headers are stripped")
}

func TestForwardRelativeWithoutBaseFails(t *testing.T) {
	f, err := New(config.UpstreamConfig{}, zap.NewNop())
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/api/v1/trending", nil)
	_, err = f.Forward(context.Background(), r)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidConfig))
}

func TestForwardAbsoluteURLBypassesBase(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("from-image-cdn"))
	}))
	defer srv.Close()

	// Base deliberately points nowhere to prove it is not consulted.
	f, err := New(config.UpstreamConfig{BaseURL: "http://unused.invalid"}, zap.NewNop())
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, srv.URL+"/poster.jpg", nil)
	payload, err := f.Forward(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, []byte("from-image-cdn"), payload.Body)
}

func TestForwardKeepsErrorStatuses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("nope"))
	}))
	defer srv.Close()

	f, err := New(config.UpstreamConfig{BaseURL: srv.URL}, zap.NewNop())
	require.NoError(t, err)

	payload, err := f.Forward(context.Background(), httptest.NewRequest(http.MethodGet, "/missing", nil))
	require.NoError(t, err, "an HTTP error status is still a successful fetch")
	assert.Equal(t, http.StatusNotFound, payload.Status)
	assert.Equal(t, []byte("nope"), payload.Body)
}

func TestForwardTimeoutIsCoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	f, err := New(config.UpstreamConfig{BaseURL: srv.URL}, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = f.Forward(ctx, httptest.NewRequest(http.MethodGet, "/slow", nil))
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeOperationTimeout))
}

func TestForwardConnectionRefusedIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	f, err := New(config.UpstreamConfig{BaseURL: srv.URL}, zap.NewNop())
	require.NoError(t, err)

	_, err = f.Forward(context.Background(), httptest.NewRequest(http.MethodGet, "/any", nil))
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeNetworkError))
}

func TestFetchURLSendsHeaders(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		w.Write([]byte("{}"))
	}))
	defer srv.Close()

	f, err := New(config.UpstreamConfig{}, zap.NewNop())
	require.NoError(t, err)

	header := http.Header{"Authorization": []string{"Bearer tok"}}
	payload, err := f.FetchURL(context.Background(), srv.URL+"/api/v1/similar", header)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, payload.Status)
	assert.Equal(t, "Bearer tok", auth)
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // every fetch fails at the transport

	f, err := New(config.UpstreamConfig{
		BaseURL: srv.URL,
		CircuitBreaker: config.BreakerConfig{
			Enabled:          true,
			FailureThreshold: 3,
			Interval:         time.Minute,
			Timeout:          time.Minute,
		},
	}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, circuit.StateClosed, f.BreakerState())

	for i := 0; i < 3; i++ {
		_, err = f.Forward(context.Background(), httptest.NewRequest(http.MethodGet, "/any", nil))
		require.Error(t, err)
		assert.True(t, errors.IsCode(err, errors.ErrCodeNetworkError))
	}
	assert.Equal(t, circuit.StateOpen, f.BreakerState())

	// Further fetches are short-circuited without touching the network.
	_, err = f.Forward(context.Background(), httptest.NewRequest(http.MethodGet, "/any", nil))
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeCircuitOpen))
}

func TestBreakerStateClosedWhenDisabled(t *testing.T) {
	f, err := New(config.UpstreamConfig{}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, circuit.StateClosed, f.BreakerState())
}
