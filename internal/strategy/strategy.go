// Package strategy decides how each intercepted request is answered: from
// cache, from the network, or from a synthesized fallback when both fail.
package strategy

import (
	"context"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mediacache/mediacache/internal/cache"
	"github.com/mediacache/mediacache/internal/classify"
	"github.com/mediacache/mediacache/internal/config"
	"github.com/mediacache/mediacache/internal/upstream"
	"github.com/mediacache/mediacache/pkg/errors"
	"github.com/mediacache/mediacache/pkg/types"
)

// Source records where a served payload came from.
type Source string

const (
	SourceCache       Source = "cache"
	SourceNetwork     Source = "network"
	SourceStale       Source = "stale"
	SourceSynthesized Source = "synthesized"
)

// Result is a served payload plus enough provenance for logging and metrics.
type Result struct {
	Payload *cache.Payload
	Source  Source
	Tier    string
	Key     string
}

// Executor applies the per-resource-type caching strategies.
type Executor struct {
	store   *cache.Store
	fetcher *upstream.Fetcher
	cfg     config.StrategyConfig
	logger  *zap.Logger
}

// NewExecutor wires a strategy executor over the cache store and fetcher.
func NewExecutor(store *cache.Store, fetcher *upstream.Fetcher, cfg config.StrategyConfig, logger *zap.Logger) *Executor {
	return &Executor{
		store:   store,
		fetcher: fetcher,
		cfg:     cfg,
		logger:  logger,
	}
}

// Serve answers one intercepted request. The strategy is chosen from the
// resource type: API traffic is network-first with a timeout, static assets
// and images are cache-first, everything else goes straight to the network.
func (e *Executor) Serve(ctx context.Context, r *http.Request, rtype types.ResourceType) (*Result, error) {
	switch rtype {
	case types.ResourceAPI:
		return e.networkFirst(ctx, r, cache.TierAPI)
	case types.ResourceStatic:
		if e.cfg.StaticRevalidate {
			return e.staleWhileRevalidate(ctx, r, cache.TierStatic)
		}
		return e.cacheFirst(ctx, r, rtype, cache.TierStatic)
	case types.ResourceImage:
		return e.cacheFirst(ctx, r, rtype, cache.TierImages)
	default:
		return e.networkOnly(ctx, r, rtype)
	}
}

// ServeCacheOnly answers strictly from cache, synthesizing a fallback on a
// miss where the resource class has one. Used when the engine has been told
// the device is offline.
func (e *Executor) ServeCacheOnly(r *http.Request, rtype types.ResourceType) (*Result, error) {
	tier := tierFor(rtype)
	key := classify.Key(r, rtype)
	if tier != "" {
		if res := e.lookup(tier, key, r.URL.Path); res != nil {
			return res, nil
		}
	}
	if res := e.fallback(r, rtype, key); res != nil {
		return res, nil
	}
	return nil, errors.New(errors.ErrCodeCacheMiss, "not cached and network unavailable")
}

// cacheFirst serves from cache when possible and only then touches the
// network, storing any successful response for next time.
func (e *Executor) cacheFirst(ctx context.Context, r *http.Request, rtype types.ResourceType, tier string) (*Result, error) {
	key := classify.Key(r, rtype)
	if res := e.lookup(tier, key, r.URL.Path); res != nil {
		return res, nil
	}

	payload, err := e.fetcher.Forward(ctx, r)
	if err != nil {
		e.logger.Debug("cache-first network fetch failed",
			zap.String("key", key), zap.Error(err))
		if res := e.fallback(r, rtype, key); res != nil {
			return res, nil
		}
		return nil, err
	}
	e.storeIfCacheable(tier, key, r.URL.Path, payload)
	return &Result{Payload: payload, Source: SourceNetwork, Tier: tier, Key: key}, nil
}

// networkFirst races the network against a timeout. A response that arrives
// late still lands in the cache, it just no longer reaches this caller.
func (e *Executor) networkFirst(ctx context.Context, r *http.Request, tier string) (*Result, error) {
	key := classify.Key(r, types.ResourceAPI)
	timeout := e.cfg.NetworkTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	type outcome struct {
		payload *cache.Payload
		err     error
	}
	done := make(chan outcome, 1)

	// Detached context: a slow response should still warm the cache after
	// the client has been answered from elsewhere.
	fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout+30*time.Second)
	req := r.Clone(fetchCtx)
	go func() {
		defer cancel()
		payload, err := e.fetcher.Forward(fetchCtx, req)
		if err == nil {
			e.storeIfCacheable(tier, key, req.URL.Path, payload)
		}
		done <- outcome{payload: payload, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-done:
		if out.err == nil {
			return &Result{Payload: out.payload, Source: SourceNetwork, Tier: tier, Key: key}, nil
		}
		e.logger.Debug("network-first fetch failed, falling back to cache",
			zap.String("key", key), zap.Error(out.err))
	case <-timer.C:
		e.logger.Debug("network-first fetch timed out, falling back to cache",
			zap.String("key", key), zap.Duration("timeout", timeout))
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), errors.ErrCodeOperationTimeout, "request canceled")
	}

	if res := e.lookup(tier, key, r.URL.Path); res != nil {
		return res, nil
	}
	return e.fallback(r, types.ResourceAPI, key), nil
}

// staleWhileRevalidate answers from cache immediately and refreshes the entry
// in the background. A miss degrades to a plain network fetch.
func (e *Executor) staleWhileRevalidate(ctx context.Context, r *http.Request, tier string) (*Result, error) {
	key := classify.Key(r, types.ResourceStatic)
	if res := e.lookup(tier, key, r.URL.Path); res != nil {
		go e.revalidate(r, tier, key)
		res.Source = SourceStale
		return res, nil
	}
	return e.cacheFirst(ctx, r, types.ResourceStatic, tier)
}

func (e *Executor) revalidate(r *http.Request, tier, key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	req := r.Clone(ctx)
	payload, err := e.fetcher.Forward(ctx, req)
	if err != nil {
		e.logger.Debug("background revalidation failed",
			zap.String("key", key), zap.Error(err))
		return
	}
	e.storeIfCacheable(tier, key, req.URL.Path, payload)
}

// networkOnly bypasses the cache entirely. Document navigations that fail get
// the offline page, everything else propagates the error to the engine.
func (e *Executor) networkOnly(ctx context.Context, r *http.Request, rtype types.ResourceType) (*Result, error) {
	payload, err := e.fetcher.Forward(ctx, r)
	if err != nil {
		if classify.IsDocument(r) {
			return e.offlinePage(), nil
		}
		return nil, err
	}
	key := classify.Key(r, rtype)
	return &Result{Payload: payload, Source: SourceNetwork, Key: key}, nil
}

// lookup checks the resource's own tier and then the predictive tier. A
// predictive hit is promoted into the primary tier and ages there under the
// primary tier's TTL policy.
func (e *Executor) lookup(tier, key, urlPath string) *Result {
	if entry, ok := e.store.Get(tier, key); ok {
		return &Result{Payload: &entry.Payload, Source: SourceCache, Tier: tier, Key: key}
	}
	if tier == cache.TierPredictive {
		return nil
	}
	entry, ok := e.store.Get(cache.TierPredictive, key)
	if !ok {
		return nil
	}
	ttl := e.store.TTLFor(tier, urlPath)
	e.store.Put(tier, key, &cache.Entry{Payload: entry.Payload, TTL: ttl, Priority: entry.Priority})
	e.store.Delete(cache.TierPredictive, key)
	return &Result{Payload: &entry.Payload, Source: SourceCache, Tier: cache.TierPredictive, Key: key}
}

// storeIfCacheable writes 2xx responses into the given tier with the tier's
// TTL policy. Excluded paths and non-2xx statuses are served but never
// cached, and the API tier additionally takes only JSON bodies.
func (e *Executor) storeIfCacheable(tier, key, urlPath string, payload *cache.Payload) {
	if e.excluded(urlPath) {
		return
	}
	if payload.Status < 200 || payload.Status > 299 {
		return
	}
	if tier == cache.TierAPI && !strings.Contains(payload.Header.Get("Content-Type"), "json") {
		return
	}
	ttl := e.store.TTLFor(tier, urlPath)
	e.store.Put(tier, key, &cache.Entry{Payload: *payload, TTL: ttl})
}

// fallback synthesizes the offline answer for the resource class. Static
// non-document assets have no useful synthetic form and get nil, which
// callers turn back into the original failure.
func (e *Executor) fallback(r *http.Request, rtype types.ResourceType, key string) *Result {
	switch rtype {
	case types.ResourceImage:
		return &Result{Payload: PlaceholderImage(), Source: SourceSynthesized, Key: key}
	case types.ResourceAPI:
		return &Result{Payload: OfflineAPIResponse(), Source: SourceSynthesized, Key: key}
	default:
		if classify.IsDocument(r) {
			return e.offlinePage()
		}
		return nil
	}
}

func (e *Executor) excluded(path string) bool {
	for _, p := range e.cfg.ExcludedPaths {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

func tierFor(rtype types.ResourceType) string {
	switch rtype {
	case types.ResourceStatic:
		return cache.TierStatic
	case types.ResourceAPI:
		return cache.TierAPI
	case types.ResourceImage:
		return cache.TierImages
	default:
		return ""
	}
}
