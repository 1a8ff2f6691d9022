// Package syncqueue persists user actions taken while offline and replays
// them against the sync endpoint once connectivity returns.
package syncqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mediacache/mediacache/internal/config"
	"github.com/mediacache/mediacache/internal/storage"
	"github.com/mediacache/mediacache/pkg/errors"
	"github.com/mediacache/mediacache/pkg/types"
)

// ReplayResult summarizes one replay pass.
type ReplayResult struct {
	Replayed  int
	Remaining int
}

// Queue is the durable offline action queue. Items survive restarts in the
// document store and are removed only after the sync endpoint accepts them.
type Queue struct {
	store  *storage.Store
	client *http.Client
	cfg    config.SyncConfig
	logger *zap.Logger
	clock  func() time.Time
}

// NewQueue builds a queue over the document store.
func NewQueue(store *storage.Store, cfg config.SyncConfig, logger *zap.Logger) *Queue {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Queue{
		store:  store,
		client: &http.Client{Timeout: timeout},
		cfg:    cfg,
		logger: logger,
		clock:  time.Now,
	}
}

// Enqueue records an action for later replay and returns the stored item.
func (q *Queue) Enqueue(action string, payload map[string]any) (types.SyncQueueItem, error) {
	if action == "" {
		return types.SyncQueueItem{}, errors.New(errors.ErrCodeQueueWrite, "sync action must not be empty")
	}
	item := types.SyncQueueItem{
		ID:         uuid.NewString(),
		Action:     action,
		Payload:    payload,
		EnqueuedAt: q.clock(),
	}
	if err := q.store.EnqueueSync(item); err != nil {
		return types.SyncQueueItem{}, err
	}
	q.logger.Debug("sync action enqueued",
		zap.String("id", item.ID), zap.String("action", action))
	return item, nil
}

// Items returns the queued actions in enqueue order.
func (q *Queue) Items() ([]types.SyncQueueItem, error) {
	return q.store.ListSync()
}

// Depth returns how many actions are waiting. Storage errors read as zero.
func (q *Queue) Depth() int {
	n, err := q.store.SyncDepth()
	if err != nil {
		q.logger.Warn("sync queue depth unavailable", zap.Error(err))
		return 0
	}
	return n
}

// Replay posts queued actions to the sync endpoint in enqueue order. An
// accepted action is deleted from the queue; a failed or rejected one stays
// queued for the next pass. Failures are per-item and never abort the pass.
func (q *Queue) Replay(ctx context.Context) (ReplayResult, error) {
	if q.cfg.EndpointURL == "" {
		return ReplayResult{Remaining: q.Depth()}, nil
	}

	items, err := q.store.ListSync()
	if err != nil {
		return ReplayResult{}, err
	}

	var result ReplayResult
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			result.Remaining = len(items) - result.Replayed
			return result, errors.Wrap(err, errors.ErrCodeOperationTimeout, "replay canceled")
		}

		status, err := q.post(ctx, item)
		if err != nil {
			q.logger.Debug("sync replay attempt failed, item stays queued",
				zap.String("id", item.ID), zap.String("action", item.Action), zap.Error(err))
			continue
		}
		if status < 200 || status > 299 {
			q.logger.Debug("sync endpoint refused action, item stays queued",
				zap.String("id", item.ID), zap.String("action", item.Action),
				zap.Int("status", status))
			continue
		}
		if err := q.store.DeleteSync(item.ID); err != nil {
			q.logger.Warn("replayed action not deleted, may replay again",
				zap.String("id", item.ID), zap.Error(err))
		}
		result.Replayed++
	}
	result.Remaining = len(items) - result.Replayed
	return result, nil
}

func (q *Queue) post(ctx context.Context, item types.SyncQueueItem) (int, error) {
	body, err := json.Marshal(map[string]any{
		"id":          item.ID,
		"action":      item.Action,
		"payload":     item.Payload,
		"enqueued_at": item.EnqueuedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, q.cfg.EndpointURL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := q.client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}
