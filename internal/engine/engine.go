// Package engine assembles the caching engine: the request interceptor, the
// cache tiers, the behavior model, the prefetch engine, the sync queue and
// the control channel, owned by one Engine instance with explicit lifecycle.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/mediacache/mediacache/internal/behavior"
	"github.com/mediacache/mediacache/internal/cache"
	"github.com/mediacache/mediacache/internal/circuit"
	"github.com/mediacache/mediacache/internal/classify"
	"github.com/mediacache/mediacache/internal/config"
	"github.com/mediacache/mediacache/internal/control"
	"github.com/mediacache/mediacache/internal/metrics"
	"github.com/mediacache/mediacache/internal/prefetch"
	"github.com/mediacache/mediacache/internal/storage"
	"github.com/mediacache/mediacache/internal/strategy"
	"github.com/mediacache/mediacache/internal/syncqueue"
	"github.com/mediacache/mediacache/internal/upstream"
	"github.com/mediacache/mediacache/pkg/errors"
	"github.com/mediacache/mediacache/pkg/types"
)

// Engine owns all engine state. Construct with New, then Start; all mutation
// goes through methods so tests can build isolated instances.
type Engine struct {
	cfg        *config.Configuration
	logger     *zap.Logger
	store      *cache.Store
	classifier *classify.Classifier
	fetcher    *upstream.Fetcher
	executor   *strategy.Executor
	model      *behavior.Model
	storage    *storage.Store
	queue      *syncqueue.Queue
	prefetcher *prefetch.Engine
	channel    *control.Channel
	collector  *metrics.Collector
	cron       *cron.Cron

	mu        sync.RWMutex
	creds     types.Credentials
	running   bool
	startedAt time.Time
}

// New wires up an engine from configuration. Nothing starts running until
// Start is called.
func New(cfg *config.Configuration, logger *zap.Logger) (*Engine, error) {
	store, err := cache.NewStore(cfg.Tiers, cfg.Global.DataDir, logger)
	if err != nil {
		return nil, err
	}

	docs, err := storage.Open(storagePath(cfg), logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	fetcher, err := upstream.New(cfg.Upstream, logger)
	if err != nil {
		store.Close()
		docs.Close()
		return nil, err
	}

	e := &Engine{
		cfg:        cfg,
		logger:     logger,
		store:      store,
		classifier: classify.New(cfg.Classify),
		fetcher:    fetcher,
		executor:   strategy.NewExecutor(store, fetcher, cfg.Strategy, logger),
		model:      behavior.NewModel(),
		storage:    docs,
		collector:  metrics.NewCollector(),
		cron:       cron.New(),
	}
	e.queue = syncqueue.NewQueue(docs, cfg.Sync, logger)
	e.prefetcher = prefetch.NewEngine(store, fetcher, e.model, cfg.Prefetch, e.Credentials, logger)
	e.channel = control.NewChannel(logger)
	e.registerHandlers()

	return e, nil
}

func storagePath(cfg *config.Configuration) string {
	if cfg.Global.DataDir == "" {
		return ""
	}
	return cfg.Global.DataDir + "/state.db"
}

// Start restores persisted state and begins the maintenance schedules.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return errors.New(errors.ErrCodeAlreadyStarted, "engine already started")
	}
	e.running = true
	e.startedAt = time.Now()
	e.mu.Unlock()

	e.restoreSnapshot()

	m := e.cfg.Maintenance
	jobs := []struct {
		interval time.Duration
		name     string
		fn       func()
	}{
		{m.SweepInterval, "sweep", e.runSweep},
		{m.FlushInterval, "flush", e.runFlush},
		{m.ReplayInterval, "replay", e.runReplay},
		{m.PrefetchInterval, "prefetch", e.runPrefetch},
	}
	for _, job := range jobs {
		if job.interval <= 0 {
			continue
		}
		spec := fmt.Sprintf("@every %s", job.interval)
		if _, err := e.cron.AddFunc(spec, job.fn); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternalError, "schedule "+job.name)
		}
	}
	e.cron.Start()

	e.logger.Info("engine started",
		zap.String("data_dir", e.cfg.Global.DataDir),
		zap.Int("queue_depth", e.queue.Depth()))
	return nil
}

// Stop halts maintenance, flushes a final behavior snapshot and closes the
// stores. Safe to call once after a successful Start.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return errors.New(errors.ErrCodeNotRunning, "engine not running")
	}
	e.running = false
	e.mu.Unlock()

	stopCtx := e.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}

	e.flushSnapshot()

	var firstErr error
	if err := e.store.Close(); err != nil {
		firstErr = err
	}
	if err := e.storage.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	e.logger.Info("engine stopped")
	return firstErr
}

// ServeHTTP intercepts one request, classifies it and serves it through the
// strategy executor.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rtype := e.classifier.Classify(r)
	e.collector.RecordRequest(string(rtype))
	e.observe(r, rtype)

	var (
		res *strategy.Result
		err error
	)
	if e.fetcher.BreakerState() == circuit.StateOpen {
		e.collector.SetBreakerOpen(true)
		res, err = e.executor.ServeCacheOnly(r, rtype)
	} else {
		e.collector.SetBreakerOpen(false)
		res, err = e.executor.Serve(r.Context(), r, rtype)
	}
	if err != nil {
		e.logger.Debug("request failed with no fallback",
			zap.String("path", r.URL.Path), zap.Error(err))
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
		e.collector.RecordResponse("error")
		return
	}

	if res.Tier != "" {
		switch res.Source {
		case strategy.SourceCache, strategy.SourceStale:
			e.collector.RecordTierHit(res.Tier)
		default:
			e.collector.RecordTierMiss(res.Tier)
		}
	}
	e.collector.RecordResponse(string(res.Source))
	writePayload(w, res.Payload)
}

// observe feeds implicit behavior signals from API traffic into the model,
// so genre affinity accrues without explicit TRACK_GENRE messages.
func (e *Engine) observe(r *http.Request, rtype types.ResourceType) {
	if rtype != types.ResourceAPI || r.Method != http.MethodGet {
		return
	}
	q := r.URL.Query()
	for _, param := range []string{"genre", "with_genres"} {
		if v := q.Get(param); v != "" {
			e.model.RecordGenre(v)
		}
	}
	e.model.RecordWatchHour()
}

func writePayload(w http.ResponseWriter, p *cache.Payload) {
	for k, vv := range p.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(p.Status)
	_, _ = w.Write(p.Body)
}

// Credentials returns the current session credentials; zero value when none
// have been supplied.
func (e *Engine) Credentials() types.Credentials {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.creds
}

// SetCredentials installs or clears the prefetch credentials.
func (e *Engine) SetCredentials(c types.Credentials) {
	e.mu.Lock()
	e.creds = c
	e.mu.Unlock()
	e.logger.Info("credentials updated", zap.Bool("present", c.Present()))
}

// Status reports the engine's current diagnostic state.
func (e *Engine) Status() types.EngineStatus {
	e.mu.RLock()
	startedAt := e.startedAt
	creds := e.creds
	e.mu.RUnlock()

	var uptime int64
	if !startedAt.IsZero() {
		uptime = int64(time.Since(startedAt).Seconds())
	}
	return types.EngineStatus{
		Tiers:          e.store.Status(),
		QueueDepth:     e.queue.Depth(),
		HasCredentials: creds.Present(),
		UptimeSeconds:  uptime,
	}
}

// Channel exposes the control channel for transports.
func (e *Engine) Channel() *control.Channel { return e.channel }

// Metrics exposes the Prometheus handler.
func (e *Engine) Metrics() http.Handler { return e.collector.Handler() }

// Queue exposes the sync queue for the HTTP enqueue endpoint.
func (e *Engine) Queue() *syncqueue.Queue { return e.queue }

// ApplyConfig installs reloadable settings from a new configuration. Only
// tier policy is live-updatable; everything else needs a restart.
func (e *Engine) ApplyConfig(cfg *config.Configuration) {
	e.store.UpdatePolicy(cfg.Tiers)
	e.logger.Info("tier policy reloaded")
}

func (e *Engine) registerHandlers() {
	e.channel.Handle(control.TypeSetCredentials, func(data json.RawMessage) (any, error) {
		var body struct {
			Token string `json:"token"`
		}
		if err := control.DecodeData(data, &body); err != nil {
			return nil, err
		}
		e.SetCredentials(types.Credentials{Token: body.Token})
		return map[string]any{"ok": true}, nil
	})

	e.channel.Handle(control.TypeGetStatus, func(json.RawMessage) (any, error) {
		return e.Status(), nil
	})

	e.channel.Handle(control.TypeClearCaches, func(json.RawMessage) (any, error) {
		e.store.ClearAll()
		return map[string]any{"cleared": true}, nil
	})

	e.channel.Handle(control.TypeSweepCaches, func(json.RawMessage) (any, error) {
		removed := e.store.Sweep()
		return map[string]any{"removed": removed}, nil
	})

	e.channel.Handle(control.TypeTrackView, func(data json.RawMessage) (any, error) {
		var body struct {
			ItemID string `json:"item_id"`
		}
		if err := control.DecodeData(data, &body); err != nil {
			return nil, err
		}
		e.model.RecordView(body.ItemID)
		return nil, nil
	})

	e.channel.Handle(control.TypeTrackSearch, func(data json.RawMessage) (any, error) {
		var body struct {
			Query string `json:"query"`
		}
		if err := control.DecodeData(data, &body); err != nil {
			return nil, err
		}
		e.model.RecordSearch(body.Query)
		return nil, nil
	})

	e.channel.Handle(control.TypeTrackGenre, func(data json.RawMessage) (any, error) {
		var body struct {
			Genre string `json:"genre"`
		}
		if err := control.DecodeData(data, &body); err != nil {
			return nil, err
		}
		e.model.RecordGenre(body.Genre)
		return nil, nil
	})

	e.channel.Handle(control.TypeTriggerPrefetch, func(data json.RawMessage) (any, error) {
		var body struct {
			ItemID   string `json:"item_id"`
			ItemType string `json:"item_type"`
		}
		if err := control.DecodeData(data, &body); err != nil {
			return nil, err
		}
		e.prefetcher.Trigger(body.ItemID, body.ItemType)
		return map[string]any{"triggered": true}, nil
	})

	// Last-known host preferences survive restarts so the app can restore
	// them while offline.
	e.channel.Handle(control.TypeSetPreferences, func(data json.RawMessage) (any, error) {
		var prefs map[string]any
		if err := control.DecodeData(data, &prefs); err != nil {
			return nil, err
		}
		if err := e.storage.SavePreferences(prefs); err != nil {
			return nil, err
		}
		return map[string]any{"saved": true}, nil
	})

	e.channel.Handle(control.TypeGetPreferences, func(json.RawMessage) (any, error) {
		prefs, found, err := e.storage.LoadPreferences()
		if err != nil {
			return nil, err
		}
		if !found {
			return map[string]any{}, nil
		}
		return prefs, nil
	})

	e.channel.Handle(control.TypeScheduleSync, func(data json.RawMessage) (any, error) {
		var body struct {
			DelaySeconds int `json:"delay_seconds"`
		}
		// SCHEDULE_SYNC with no data means replay as soon as possible.
		if len(data) > 0 {
			if err := control.DecodeData(data, &body); err != nil {
				return nil, err
			}
		}
		delay := time.Duration(body.DelaySeconds) * time.Second
		time.AfterFunc(delay, e.runReplay)
		return map[string]any{"scheduled": true}, nil
	})
}

// Maintenance jobs. Each is safe to run at any time after Start.

func (e *Engine) runSweep() {
	removed := e.store.Sweep()
	for _, st := range e.store.Status() {
		e.collector.SetTierEntries(st.Name, st.Entries)
		e.collector.SetTierEvictions(st.Name, st.Stats.Evictions)
	}
	if removed > 0 {
		e.logger.Debug("maintenance sweep removed expired entries", zap.Int("removed", removed))
	}
}

func (e *Engine) runFlush() {
	e.flushSnapshot()
}

func (e *Engine) runReplay() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	result, err := e.queue.Replay(ctx)
	e.collector.RecordReplay("replayed", result.Replayed)
	e.collector.RecordReplay("failed", result.Remaining)
	e.collector.SetQueueDepth(e.queue.Depth())
	if err != nil {
		e.logger.Warn("sync replay pass failed", zap.Error(err))
		return
	}
	if result.Replayed > 0 {
		e.logger.Info("sync replay pass complete",
			zap.Int("replayed", result.Replayed), zap.Int("remaining", result.Remaining))
	}
}

func (e *Engine) runPrefetch() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	stored := e.prefetcher.Run(ctx)
	e.collector.RecordPrefetch("stored", stored)
	if stored > 0 {
		e.logger.Debug("scheduled prefetch stored payloads", zap.Int("stored", stored))
	}
}

func (e *Engine) restoreSnapshot() {
	doc, found, err := e.storage.LatestSnapshot()
	if err != nil {
		e.logger.Warn("behavior snapshot unavailable", zap.Error(err))
		return
	}
	if !found {
		return
	}
	snap, err := behavior.SnapshotFromDocument(doc)
	if err != nil {
		e.logger.Warn("behavior snapshot unreadable, starting fresh", zap.Error(err))
		return
	}
	e.model.Restore(snap)
	e.logger.Info("behavior snapshot restored")
}

func (e *Engine) flushSnapshot() {
	doc, err := e.model.Snapshot().ToDocument()
	if err != nil {
		e.logger.Warn("behavior snapshot encode failed", zap.Error(err))
		return
	}
	if err := e.storage.SaveSnapshot(doc); err != nil {
		e.logger.Warn("behavior snapshot save failed", zap.Error(err))
	}
}
