// Package cache implements the tiered cache store: a fixed set of named,
// versioned stores with per-tier TTL and capacity policies.
package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mediacache/mediacache/internal/config"
	"github.com/mediacache/mediacache/pkg/errors"
	"github.com/mediacache/mediacache/pkg/types"
)

// Tier names. The set is fixed; callers address tiers by these constants.
const (
	TierStatic     = "static"
	TierAPI        = "api"
	TierImages     = "images"
	TierPredictive = "predictive"
)

// Store owns the engine's four cache tiers. Static and image payloads live on
// disk, API and predictive responses in memory. Tier identity is name plus
// schema version: bumping the configured version abandons the old on-disk
// stores and starts the new ones empty.
type Store struct {
	mu      sync.RWMutex
	tiers   map[string]Tier
	order   []string
	version int
	cfg     config.TiersConfig
	logger  *zap.Logger
}

// NewStore opens all tiers under dataDir and removes directories left behind
// by earlier schema versions.
func NewStore(cfg config.TiersConfig, dataDir string, logger *zap.Logger) (*Store, error) {
	s := &Store{
		tiers:   make(map[string]Tier, 4),
		order:   []string{TierStatic, TierAPI, TierImages, TierPredictive},
		version: cfg.Version,
		cfg:     cfg,
		logger:  logger,
	}

	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageWrite, "create cache data dir")
	}
	s.removeStaleVersions(dataDir)

	staticTier, err := NewDiskTier(TierStatic, s.tierDir(dataDir, TierStatic), cfg.Static.TTL, cfg.Static.MaxEntries, logger)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageWrite, "open static tier")
	}
	imageTier, err := NewDiskTier(TierImages, s.tierDir(dataDir, TierImages), cfg.Images.TTL, cfg.Images.MaxEntries, logger)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageWrite, "open images tier")
	}

	s.tiers[TierStatic] = staticTier
	s.tiers[TierImages] = imageTier
	s.tiers[TierAPI] = NewMemoryTier(TierAPI, cfg.API.TTL, cfg.API.MaxEntries)
	s.tiers[TierPredictive] = NewMemoryTier(TierPredictive, cfg.Predictive.TTL, cfg.Predictive.MaxEntries)

	return s, nil
}

// NewMemoryStore builds a store with all four tiers in memory. Tests and the
// cache-only diagnostics mode use it to avoid touching disk.
func NewMemoryStore(cfg config.TiersConfig) *Store {
	s := &Store{
		tiers:   make(map[string]Tier, 4),
		order:   []string{TierStatic, TierAPI, TierImages, TierPredictive},
		version: cfg.Version,
		cfg:     cfg,
		logger:  zap.NewNop(),
	}
	s.tiers[TierStatic] = NewMemoryTier(TierStatic, cfg.Static.TTL, cfg.Static.MaxEntries)
	s.tiers[TierAPI] = NewMemoryTier(TierAPI, cfg.API.TTL, cfg.API.MaxEntries)
	s.tiers[TierImages] = NewMemoryTier(TierImages, cfg.Images.TTL, cfg.Images.MaxEntries)
	s.tiers[TierPredictive] = NewMemoryTier(TierPredictive, cfg.Predictive.TTL, cfg.Predictive.MaxEntries)
	return s
}

func (s *Store) tierDir(dataDir, name string) string {
	return filepath.Join(dataDir, fmt.Sprintf("%s-v%d", name, s.version))
}

// removeStaleVersions deletes tier directories from other schema versions.
func (s *Store) removeStaleVersions(dataDir string) {
	entries, err := os.ReadDir(dataDir)
	if err != nil {
		return
	}
	current := fmt.Sprintf("-v%d", s.version)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.Contains(name, "-v") || strings.HasSuffix(name, current) {
			continue
		}
		known := false
		for _, tier := range s.order {
			if strings.HasPrefix(name, tier+"-v") {
				known = true
				break
			}
		}
		if !known {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dataDir, name)); err != nil {
			s.logger.Warn("stale tier version not removed", zap.String("dir", name), zap.Error(err))
			continue
		}
		s.logger.Info("removed stale tier version", zap.String("dir", name))
	}
}

// Tier returns the named tier.
func (s *Store) Tier(name string) (Tier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tiers[name]
	if !ok {
		return nil, errors.Newf(errors.ErrCodeTierUnknown, "no tier named %q", name)
	}
	return t, nil
}

// Get reads key from the named tier. Unknown tiers read as a miss.
func (s *Store) Get(tier, key string) (*Entry, bool) {
	t, err := s.Tier(tier)
	if err != nil {
		return nil, false
	}
	return t.Get(key)
}

// Put writes key to the named tier. Writes to unknown tiers are dropped with
// a log line; cache writes never fail the caller.
func (s *Store) Put(tier, key string, e *Entry) {
	t, err := s.Tier(tier)
	if err != nil {
		s.logger.Warn("cache write to unknown tier dropped", zap.String("tier", tier))
		return
	}
	t.Put(key, e)
}

// Delete removes key from the named tier.
func (s *Store) Delete(tier, key string) {
	if t, err := s.Tier(tier); err == nil {
		t.Delete(key)
	}
}

// TTLFor returns the TTL a new entry in the tier should carry for the given
// URL path. High-volatility API paths get the shorter volatile TTL.
func (s *Store) TTLFor(tier, urlPath string) time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if tier == TierAPI && s.cfg.VolatileTTL > 0 {
		for _, prefix := range s.cfg.VolatilePaths {
			if strings.Contains(urlPath, prefix) {
				return s.cfg.VolatileTTL
			}
		}
	}

	switch tier {
	case TierStatic:
		return s.cfg.Static.TTL
	case TierAPI:
		return s.cfg.API.TTL
	case TierImages:
		return s.cfg.Images.TTL
	case TierPredictive:
		return s.cfg.Predictive.TTL
	default:
		return 0
	}
}

// Counts returns the entry count per tier, the GET_STATUS payload.
func (s *Store) Counts() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[string]int, len(s.tiers))
	for name, t := range s.tiers {
		counts[name] = t.Len()
	}
	return counts
}

// Status reports every tier with its stats, in fixed order.
func (s *Store) Status() []types.TierStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.TierStatus, 0, len(s.order))
	for _, name := range s.order {
		t := s.tiers[name]
		out = append(out, types.TierStatus{
			Name:    name,
			Version: s.version,
			Entries: t.Len(),
			Stats:   t.Stats(),
		})
	}
	return out
}

// Sweep deletes expired entries in every tier and reports the total removed.
func (s *Store) Sweep() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now()
	removed := 0
	for _, name := range s.order {
		removed += s.tiers[name].Sweep(now)
	}
	if removed > 0 {
		s.logger.Info("cache sweep complete", zap.Int("removed", removed))
	}
	return removed
}

// ClearAll empties every tier, leaving all of them usable.
func (s *Store) ClearAll() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, name := range s.order {
		s.tiers[name].Clear()
	}
	s.logger.Info("all cache tiers cleared")
}

// UpdatePolicy applies new TTLs and capacities from a config reload. The
// schema version is fixed for the life of the process; version bumps take
// effect at the next start.
func (s *Store) UpdatePolicy(cfg config.TiersConfig) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()

	type policyTier interface {
		SetPolicy(time.Duration, int)
	}
	for name, tierCfg := range map[string]config.TierConfig{
		TierStatic:     cfg.Static,
		TierAPI:        cfg.API,
		TierImages:     cfg.Images,
		TierPredictive: cfg.Predictive,
	} {
		if t, err := s.Tier(name); err == nil {
			if pt, ok := t.(policyTier); ok {
				pt.SetPolicy(tierCfg.TTL, tierCfg.MaxEntries)
			}
		}
	}
}

// Close flushes and closes every tier.
func (s *Store) Close() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var firstErr error
	for _, name := range s.order {
		if err := s.tiers[name].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
