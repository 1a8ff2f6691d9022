package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Configuration represents the complete engine configuration
type Configuration struct {
	Global      GlobalConfig      `yaml:"global"`
	Upstream    UpstreamConfig    `yaml:"upstream"`
	Classify    ClassifyConfig    `yaml:"classify"`
	Tiers       TiersConfig       `yaml:"tiers"`
	Strategy    StrategyConfig    `yaml:"strategy"`
	Prefetch    PrefetchConfig    `yaml:"prefetch"`
	Sync        SyncConfig        `yaml:"sync"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
}

// GlobalConfig represents daemon-wide settings
type GlobalConfig struct {
	ListenAddr  string `yaml:"listen_addr"`
	LogLevel    string `yaml:"log_level"`
	DataDir     string `yaml:"data_dir"`
	MetricsPath string `yaml:"metrics_path"`
}

// UpstreamConfig locates the network origins the engine proxies to
type UpstreamConfig struct {
	BaseURL        string        `yaml:"base_url"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	CircuitBreaker BreakerConfig `yaml:"circuit_breaker"`
}

// BreakerConfig represents circuit breaker settings for the upstream
type BreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold uint32        `yaml:"failure_threshold"`
	Interval         time.Duration `yaml:"interval"`
	Timeout          time.Duration `yaml:"timeout"`
}

// ClassifyConfig drives request classification. Classification inspects the
// request shape only; the engine never assumes a particular upstream API.
type ClassifyConfig struct {
	APIPrefix  string   `yaml:"api_prefix"`
	ImageHosts []string `yaml:"image_hosts"`
	AppOrigins []string `yaml:"app_origins"`
}

// TierConfig represents the freshness and capacity policy of one tier
type TierConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"` // 0 = unbounded
}

// TiersConfig represents the per-tier policies
type TiersConfig struct {
	Static     TierConfig `yaml:"static"`
	API        TierConfig `yaml:"api"`
	Images     TierConfig `yaml:"images"`
	Predictive TierConfig `yaml:"predictive"`

	// Paths matching any of these prefixes get the shorter volatile TTL in
	// the API tier (trending-style endpoints go stale fast).
	VolatilePaths []string      `yaml:"volatile_paths"`
	VolatileTTL   time.Duration `yaml:"volatile_ttl"`

	// Schema version; bumping it invalidates and replaces every tier.
	Version int `yaml:"version"`
}

// StrategyConfig represents strategy executor settings
type StrategyConfig struct {
	NetworkTimeout   time.Duration `yaml:"network_timeout"`
	OfflinePagePath  string        `yaml:"offline_page_path"`
	ExcludedPaths    []string      `yaml:"excluded_paths"`
	StaticRevalidate bool          `yaml:"static_revalidate"`
}

// PrefetchConfig represents predictive prefetch settings
type PrefetchConfig struct {
	Enabled            bool   `yaml:"enabled"`
	SimilarURL         string `yaml:"similar_url"`
	RecommendationsURL string `yaml:"recommendations_url"`
	GenreURL           string `yaml:"genre_url"`
	CredentialHeader   string `yaml:"credential_header"`
	MinGenreCount      int    `yaml:"min_genre_count"`
	MaxConcurrent      int    `yaml:"max_concurrent"`
}

// SyncConfig represents durable sync queue settings
type SyncConfig struct {
	EndpointURL string        `yaml:"endpoint_url"`
	Timeout     time.Duration `yaml:"timeout"`
}

// MaintenanceConfig represents the periodic maintenance schedules
type MaintenanceConfig struct {
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	FlushInterval    time.Duration `yaml:"flush_interval"`
	ReplayInterval   time.Duration `yaml:"replay_interval"`
	PrefetchInterval time.Duration `yaml:"prefetch_interval"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			ListenAddr:  ":8980",
			LogLevel:    "info",
			DataDir:     "/var/lib/mediacache",
			MetricsPath: "/metrics",
		},
		Upstream: UpstreamConfig{
			ConnectTimeout: 10 * time.Second,
			CircuitBreaker: BreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				Interval:         60 * time.Second,
				Timeout:          30 * time.Second,
			},
		},
		Classify: ClassifyConfig{
			APIPrefix: "/api/",
		},
		Tiers: TiersConfig{
			Static:        TierConfig{TTL: 7 * 24 * time.Hour, MaxEntries: 0},
			API:           TierConfig{TTL: 18 * time.Hour, MaxEntries: 50},
			Images:        TierConfig{TTL: 30 * 24 * time.Hour, MaxEntries: 0},
			Predictive:    TierConfig{TTL: 12 * time.Hour, MaxEntries: 40},
			VolatilePaths: []string{"/trending", "/popular"},
			VolatileTTL:   15 * time.Hour,
			Version:       1,
		},
		Strategy: StrategyConfig{
			NetworkTimeout:  5 * time.Second,
			OfflinePagePath: "/offline.html",
		},
		Prefetch: PrefetchConfig{
			Enabled:          true,
			CredentialHeader: "Authorization",
			MinGenreCount:    3,
			MaxConcurrent:    4,
		},
		Sync: SyncConfig{
			Timeout: 15 * time.Second,
		},
		Maintenance: MaintenanceConfig{
			SweepInterval:    10 * time.Minute,
			FlushInterval:    5 * time.Minute,
			ReplayInterval:   15 * time.Minute,
			PrefetchInterval: 30 * time.Minute,
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv loads configuration overrides from environment variables
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("MEDIACACHE_LISTEN_ADDR"); val != "" {
		c.Global.ListenAddr = val
	}
	if val := os.Getenv("MEDIACACHE_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("MEDIACACHE_DATA_DIR"); val != "" {
		c.Global.DataDir = val
	}
	if val := os.Getenv("MEDIACACHE_UPSTREAM_URL"); val != "" {
		c.Upstream.BaseURL = val
	}
	if val := os.Getenv("MEDIACACHE_SYNC_URL"); val != "" {
		c.Sync.EndpointURL = val
	}
	if val := os.Getenv("MEDIACACHE_NETWORK_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Strategy.NetworkTimeout = d
		}
	}
	if val := os.Getenv("MEDIACACHE_TIER_VERSION"); val != "" {
		if v, err := strconv.Atoi(val); err == nil {
			c.Tiers.Version = v
		}
	}
	if val := os.Getenv("MEDIACACHE_PREFETCH_ENABLED"); val != "" {
		c.Prefetch.Enabled = strings.ToLower(val) == "true"
	}
	return nil
}

// Validate checks the configuration for consistency
func (c *Configuration) Validate() error {
	if c.Global.ListenAddr == "" {
		return fmt.Errorf("global.listen_addr must not be empty")
	}
	if c.Global.DataDir == "" {
		return fmt.Errorf("global.data_dir must not be empty")
	}
	if c.Tiers.Version < 1 {
		return fmt.Errorf("tiers.version must be >= 1, got %d", c.Tiers.Version)
	}
	if c.Strategy.NetworkTimeout <= 0 {
		return fmt.Errorf("strategy.network_timeout must be positive, got %v", c.Strategy.NetworkTimeout)
	}
	for name, tier := range map[string]TierConfig{
		"static":     c.Tiers.Static,
		"api":        c.Tiers.API,
		"images":     c.Tiers.Images,
		"predictive": c.Tiers.Predictive,
	} {
		if tier.TTL <= 0 {
			return fmt.Errorf("tiers.%s.ttl must be positive, got %v", name, tier.TTL)
		}
		if tier.MaxEntries < 0 {
			return fmt.Errorf("tiers.%s.max_entries must not be negative, got %d", name, tier.MaxEntries)
		}
	}
	if c.Prefetch.MaxConcurrent < 1 {
		return fmt.Errorf("prefetch.max_concurrent must be >= 1, got %d", c.Prefetch.MaxConcurrent)
	}
	return nil
}

// Load reads the file (when present), applies environment overrides, and
// validates the result
func Load(filename string) (*Configuration, error) {
	cfg := NewDefault()

	if filename != "" {
		if err := cfg.LoadFromFile(filename); err != nil {
			return nil, err
		}
	}

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}
