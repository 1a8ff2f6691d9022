// Package prefetch predicts which resources the user is likely to request
// next and warms the predictive cache tier with them ahead of time.
package prefetch

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mediacache/mediacache/internal/behavior"
	"github.com/mediacache/mediacache/internal/cache"
	"github.com/mediacache/mediacache/internal/classify"
	"github.com/mediacache/mediacache/internal/config"
	"github.com/mediacache/mediacache/internal/upstream"
	"github.com/mediacache/mediacache/pkg/types"
)

// Rule confidences, highest first. Prediction output keeps this order so the
// most valuable fetches happen even when a run is cut short.
const (
	confidenceSimilar         = 0.9
	confidenceRecommendations = 0.85
	confidenceGenre           = 0.7
	confidenceSeasonal        = 0.5
	confidenceTimeOfDay       = 0.4
)

const (
	maxSimilarSeeds = 5
	maxTopGenres    = 3
)

// seasonalGenres maps calendar months to the genres users reach for in them.
var seasonalGenres = map[time.Month]string{
	time.December: "family",
	time.January:  "family",
	time.July:     "action",
	time.October:  "horror",
	time.November: "horror",
}

// CredentialSource supplies the current session credentials, if any.
type CredentialSource func() types.Credentials

// Engine turns behavior signals into prefetch candidates and executes the
// fetches that warm the predictive tier.
type Engine struct {
	store   *cache.Store
	fetcher *upstream.Fetcher
	model   *behavior.Model
	cfg     config.PrefetchConfig
	creds   CredentialSource
	logger  *zap.Logger
	clock   func() time.Time

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewEngine builds a prefetch engine over the store, fetcher and behavior
// model.
func NewEngine(store *cache.Store, fetcher *upstream.Fetcher, model *behavior.Model, cfg config.PrefetchConfig, creds CredentialSource, logger *zap.Logger) *Engine {
	return &Engine{
		store:    store,
		fetcher:  fetcher,
		model:    model,
		cfg:      cfg,
		creds:    creds,
		logger:   logger,
		clock:    time.Now,
		inFlight: make(map[string]struct{}),
	}
}

// Predict derives the candidate list for one seed item, ordered by
// confidence descending and deduplicated. Item-scoped candidates need live
// credentials; without them they appear only when their payload is already in
// the predictive tier, marked as cached.
func (e *Engine) Predict(itemID, itemType string) []types.PrefetchCandidate {
	var out []types.PrefetchCandidate
	seen := make(map[string]struct{})

	add := func(c types.PrefetchCandidate, needsCreds bool) {
		if c.ResolvedURL == "" {
			return
		}
		if _, dup := seen[c.DedupKey()]; dup {
			return
		}
		c.Source = types.SourceLive
		if e.inPredictiveTier(c.ResolvedURL) {
			c.Source = types.SourceCached
		}
		if needsCreds && !e.creds().Present() && c.Source != types.SourceCached {
			return
		}
		seen[c.DedupKey()] = struct{}{}
		out = append(out, c)
	}

	if itemID != "" {
		target := itemID
		if itemType != "" {
			target = itemType + ":" + itemID
		}
		add(types.PrefetchCandidate{
			Kind:        types.CandidateSimilar,
			TargetID:    target,
			ResolvedURL: expandItemURL(e.cfg.SimilarURL, itemType, itemID),
			Confidence:  confidenceSimilar,
		}, true)
		add(types.PrefetchCandidate{
			Kind:        types.CandidateRecommendations,
			TargetID:    target,
			ResolvedURL: expandItemURL(e.cfg.RecommendationsURL, itemType, itemID),
			Confidence:  confidenceRecommendations,
		}, true)
	}

	for _, gc := range e.model.TopGenres(maxTopGenres) {
		if gc.Count < e.cfg.MinGenreCount {
			continue
		}
		add(types.PrefetchCandidate{
			Kind:        types.CandidateGenre,
			TargetID:    gc.Genre,
			ResolvedURL: expandURL(e.cfg.GenreURL, gc.Genre),
			Confidence:  confidenceGenre,
		}, false)
	}

	now := e.clock()
	if genre, ok := seasonalGenres[now.Month()]; ok {
		add(types.PrefetchCandidate{
			Kind:        types.CandidateSeasonal,
			TargetID:    genre,
			ResolvedURL: expandURL(e.cfg.GenreURL, genre),
			Confidence:  confidenceSeasonal,
		}, false)
	}

	if hour := now.Hour(); hour >= 18 && hour <= 23 {
		for _, genre := range []string{"drama", "romance"} {
			add(types.PrefetchCandidate{
				Kind:        types.CandidateTimeOfDay,
				TargetID:    genre,
				ResolvedURL: expandURL(e.cfg.GenreURL, genre),
				Confidence:  confidenceTimeOfDay,
			}, false)
		}
	}

	return out
}

// Prefetch fetches the live candidates with bounded concurrency and stores
// successful responses in the predictive tier. Failed fetches are logged and
// skipped; there are no retries. Returns how many payloads were stored.
func (e *Engine) Prefetch(ctx context.Context, candidates []types.PrefetchCandidate) int {
	limit := e.cfg.MaxConcurrent
	if limit <= 0 {
		limit = 4
	}

	var (
		mu     sync.Mutex
		stored int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for _, cand := range candidates {
		if cand.Source == types.SourceCached {
			continue
		}
		if !e.claim(cand.DedupKey()) {
			continue
		}
		cand := cand
		g.Go(func() error {
			defer e.release(cand.DedupKey())
			if e.fetchOne(gctx, cand) {
				mu.Lock()
				stored++
				mu.Unlock()
			}
			return nil
		})
	}

	_ = g.Wait()
	return stored
}

// Trigger starts a predict-and-prefetch pass for one item without waiting
// for the fetches to finish.
func (e *Engine) Trigger(itemID, itemType string) {
	if !e.cfg.Enabled {
		return
	}
	candidates := e.Predict(itemID, itemType)
	if len(candidates) == 0 {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		stored := e.Prefetch(ctx, candidates)
		e.logger.Debug("prefetch pass complete",
			zap.String("item_id", itemID),
			zap.Int("candidates", len(candidates)), zap.Int("stored", stored))
	}()
}

// Run performs one synchronous predict-and-prefetch cycle seeded from recent
// viewing history. Used by the periodic maintenance schedule.
func (e *Engine) Run(ctx context.Context) int {
	if !e.cfg.Enabled {
		return 0
	}
	var candidates []types.PrefetchCandidate
	seen := make(map[string]struct{})
	seeds := e.model.RecentViews(maxSimilarSeeds)
	if len(seeds) == 0 {
		seeds = []string{""}
	}
	for _, itemID := range seeds {
		for _, c := range e.Predict(itemID, "") {
			if _, dup := seen[c.DedupKey()]; dup {
				continue
			}
			seen[c.DedupKey()] = struct{}{}
			candidates = append(candidates, c)
		}
	}
	if len(candidates) == 0 {
		return 0
	}
	stored := e.Prefetch(ctx, candidates)
	e.logger.Debug("prefetch cycle complete",
		zap.Int("candidates", len(candidates)), zap.Int("stored", stored))
	return stored
}

func (e *Engine) fetchOne(ctx context.Context, cand types.PrefetchCandidate) bool {
	header := make(http.Header)
	if creds := e.creds(); creds.Present() && e.cfg.CredentialHeader != "" {
		header.Set(e.cfg.CredentialHeader, creds.Token)
	}

	payload, err := e.fetcher.FetchURL(ctx, cand.ResolvedURL, header)
	if err != nil {
		e.logger.Debug("prefetch fetch failed",
			zap.String("kind", string(cand.Kind)),
			zap.String("url", cand.ResolvedURL),
			zap.Error(err))
		return false
	}
	if payload.Status < 200 || payload.Status > 299 {
		e.logger.Debug("prefetch got non-success status",
			zap.String("url", cand.ResolvedURL), zap.Int("status", payload.Status))
		return false
	}

	key, ok := keyForURL(cand.ResolvedURL)
	if !ok {
		return false
	}
	ttl := e.store.TTLFor(cache.TierPredictive, cand.ResolvedURL)
	e.store.Put(cache.TierPredictive, key, &cache.Entry{
		Payload:  *payload,
		TTL:      ttl,
		Priority: priorityFor(cand.Confidence),
	})
	return true
}

func (e *Engine) inPredictiveTier(rawURL string) bool {
	key, ok := keyForURL(rawURL)
	if !ok {
		return false
	}
	_, hit := e.store.Get(cache.TierPredictive, key)
	return hit
}

func (e *Engine) claim(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inFlight[key]; busy {
		return false
	}
	e.inFlight[key] = struct{}{}
	return true
}

func (e *Engine) release(key string) {
	e.mu.Lock()
	delete(e.inFlight, key)
	e.mu.Unlock()
}

// keyForURL computes the cache key a real request for this URL would use, so
// prefetched payloads are found by the normal lookup path.
func keyForURL(rawURL string) (string, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", false
	}
	return classify.KeyFromURL(http.MethodGet, u, types.ResourceAPI), true
}

// expandURL substitutes the target id into a URL template containing %s.
func expandURL(template, id string) string {
	if template == "" {
		return ""
	}
	return fmt.Sprintf(template, url.PathEscape(id))
}

// expandItemURL fills an item-scoped template. Templates with two verbs take
// the item type first, matching media APIs shaped like /{type}/{id}/similar.
func expandItemURL(template, itemType, id string) string {
	if template == "" {
		return ""
	}
	if strings.Count(template, "%s") >= 2 {
		return fmt.Sprintf(template, url.PathEscape(itemType), url.PathEscape(id))
	}
	return fmt.Sprintf(template, url.PathEscape(id))
}

func priorityFor(confidence float64) types.Priority {
	switch {
	case confidence >= 0.8:
		return types.PriorityHigh
	case confidence >= 0.6:
		return types.PriorityMedium
	default:
		return types.PriorityLow
	}
}
