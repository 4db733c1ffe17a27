package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all skillsmith configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Registry source fetching
	Fetch FetchConfig `yaml:"fetch"`

	// Security scanning
	Scan ScanConfig `yaml:"scan"`

	// Catalog storage
	Catalog CatalogConfig `yaml:"catalog"`

	// Embedding engine
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Search tuning
	Search SearchConfig `yaml:"search"`

	// Recommendations
	Recommend RecommendConfig `yaml:"recommend"`

	// Sync scheduling
	Sync SyncConfig `yaml:"sync"`

	// Local skill overlay
	Local LocalConfig `yaml:"local"`

	// Audit chain
	Audit AuditConfig `yaml:"audit"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`

	// Feature flags
	Features FeatureConfig `yaml:"features"`
}

// FeatureConfig holds behavior toggles.
type FeatureConfig struct {
	LogarithmicScoring bool `yaml:"logarithmic_scoring"`
	StrictValidation   bool `yaml:"strict_validation"`
	Telemetry          bool `yaml:"telemetry"`
}

// FetchConfig configures the registry source client.
type FetchConfig struct {
	BaseURL           string `yaml:"base_url"`
	Token             string `yaml:"token"`
	AppID             string `yaml:"app_id"`
	AppInstallationID string `yaml:"app_installation_id"`
	AppKeyPath        string   `yaml:"app_key_path"`
	Timeout           string   `yaml:"timeout"`
	MaxRetries        int      `yaml:"max_retries"`
	RateReserve       float64  `yaml:"rate_reserve"`  // fraction of the rate budget kept in reserve
	AllowedHosts      []string `yaml:"allowed_hosts"` // download hosts permitted for skill content
	MaxContentSize    int64    `yaml:"max_content_size"`
}

// ScanConfig configures the security scanner.
type ScanConfig struct {
	EnabledCategories []string `yaml:"enabled_categories"` // empty = all
	URLAllowlist      []string `yaml:"url_allowlist"`      // empty = built-in defaults
	MaxScanBytes      int64    `yaml:"max_scan_bytes"`
}

// CatalogConfig configures the SQLite catalog store.
type CatalogConfig struct {
	DatabasePath   string `yaml:"database_path"`
	QuarantinePath string `yaml:"quarantine_path"`
	ArchiveAfter   int    `yaml:"archive_after"` // missing refreshes before archival
}

// EmbeddingConfig configures the embedding engine.
type EmbeddingConfig struct {
	Provider   string `yaml:"provider"` // local, ollama
	BaseURL    string `yaml:"base_url"`
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions"`
	Timeout    string `yaml:"timeout"`
}

// SearchConfig configures the hybrid search engine.
type SearchConfig struct {
	DefaultLimit  int     `yaml:"default_limit"`
	MaxLimit      int     `yaml:"max_limit"`
	RRFK          float64 `yaml:"rrf_k"`
	VectorTimeout string  `yaml:"vector_timeout"` // sub-deadline for the vector leg
}

// RecommendConfig configures the recommender.
type RecommendConfig struct {
	DefaultLimit     int     `yaml:"default_limit"`
	MaxLimit         int     `yaml:"max_limit"`
	OverlapThreshold float64 `yaml:"overlap_threshold"` // Jaccard similarity cutoff
}

// SyncConfig configures the sync scheduler.
type SyncConfig struct {
	FullInterval string   `yaml:"full_interval"`
	DiffInterval string   `yaml:"diff_interval"`
	Workers      int      `yaml:"workers"`
	StatePath    string   `yaml:"state_path"`
	Sources      []string `yaml:"sources"`    // owner/repo entries to index
	Background   bool     `yaml:"background"` // run the background scheduler
	Frequency    string   `yaml:"frequency"`  // daily or weekly
}

// LocalConfig configures the local skill overlay.
type LocalConfig struct {
	SkillsDir string `yaml:"skills_dir"`
	Watch     bool   `yaml:"watch"`
}

// AuditConfig configures the hash-chained audit log.
type AuditConfig struct {
	ChainPath string `yaml:"chain_path"`
}

// LoggingConfig configures logging. Mirrored by internal/logging.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories"`
	Level      string          `yaml:"level"` // debug, info, warn, error
	JSONFormat bool            `yaml:"json_format"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "skillsmith",
		Version: "0.3.0",

		Fetch: FetchConfig{
			BaseURL:     "https://api.github.com",
			Timeout:     "30s",
			MaxRetries:  3,
			RateReserve: 0.10,
			AllowedHosts: []string{
				"api.github.com",
				"raw.githubusercontent.com",
				"objects.githubusercontent.com",
			},
			MaxContentSize: 10 << 20,
		},

		Scan: ScanConfig{
			MaxScanBytes: 10 << 20,
		},

		Catalog: CatalogConfig{
			DatabasePath:   "catalog/v1.db",
			QuarantinePath: "quarantine/state.db",
			ArchiveAfter:   3,
		},

		Embedding: EmbeddingConfig{
			Provider:   "local",
			BaseURL:    "http://localhost:11434",
			Model:      "nomic-embed-text",
			Dimensions: 384,
			Timeout:    "30s",
		},

		Search: SearchConfig{
			DefaultLimit:  20,
			MaxLimit:      100,
			RRFK:          60,
			VectorTimeout: "500ms",
		},

		Recommend: RecommendConfig{
			DefaultLimit:     5,
			MaxLimit:         20,
			OverlapThreshold: 0.5,
		},

		Sync: SyncConfig{
			FullInterval: "24h",
			DiffInterval: "1h",
			Workers:      6,
			StatePath:    "sync/state.json",
		},

		Local: LocalConfig{
			SkillsDir: "skills",
			Watch:     true,
		},

		Audit: AuditConfig{
			ChainPath: "audit/chain.log",
		},

		Logging: LoggingConfig{
			Level: "info",
		},

		Features: FeatureConfig{
			LogarithmicScoring: true,
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if config file doesn't exist
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if tok := os.Getenv("SKILLSMITH_GITHUB_TOKEN"); tok != "" {
		c.Fetch.Token = tok
	} else if tok := os.Getenv("GITHUB_TOKEN"); tok != "" {
		c.Fetch.Token = tok
	}
	if id := os.Getenv("SKILLSMITH_APP_ID"); id != "" {
		c.Fetch.AppID = id
	} else if id := os.Getenv("APP_ID"); id != "" {
		c.Fetch.AppID = id
	}
	if id := os.Getenv("APP_INSTALLATION_ID"); id != "" {
		c.Fetch.AppInstallationID = id
	}
	if p := os.Getenv("SKILLSMITH_APP_KEY"); p != "" {
		c.Fetch.AppKeyPath = p
	} else if p := os.Getenv("APP_PRIVATE_KEY"); p != "" {
		c.Fetch.AppKeyPath = p
	}
	if path := os.Getenv("SKILLSMITH_DB"); path != "" {
		c.Catalog.DatabasePath = path
	}
	if url := os.Getenv("SKILLSMITH_EMBED_URL"); url != "" {
		c.Embedding.BaseURL = url
	}
	if provider := os.Getenv("SKILLSMITH_EMBED_PROVIDER"); provider != "" {
		c.Embedding.Provider = provider
	}
	if v := os.Getenv("SKILLSMITH_SYNC_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Sync.Workers = n
		}
	}
	if v := os.Getenv("SKILLSMITH_DEBUG"); v != "" {
		c.Logging.DebugMode = v == "1" || strings.EqualFold(v, "true")
	}
	if dir := os.Getenv("CATALOG_DIR"); dir != "" {
		c.Catalog.DatabasePath = filepath.Join(dir, "catalog.db")
		c.Catalog.QuarantinePath = filepath.Join(dir, "quarantine.db")
	}
	if v := os.Getenv("BACKGROUND_SYNC"); v != "" {
		c.Sync.Background = onOff(v)
	}
	if v := os.Getenv("SYNC_FREQUENCY"); v == "daily" || v == "weekly" {
		c.Sync.Frequency = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("TELEMETRY"); v != "" {
		c.Features.Telemetry = onOff(v)
	}
	if v := os.Getenv("SKILLSMITH_LOG_SCORING"); v != "" {
		c.Features.LogarithmicScoring = onOff(v)
	}
	if v := os.Getenv("SKILLSMITH_STRICT_VALIDATION"); v != "" {
		c.Features.StrictValidation = onOff(v)
	}
}

func onOff(v string) bool {
	return v == "on" || v == "1" || strings.EqualFold(v, "true")
}

// GetFetchTimeout returns the fetch timeout as a duration.
func (c *Config) GetFetchTimeout() time.Duration {
	d, err := time.ParseDuration(c.Fetch.Timeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// GetEmbeddingTimeout returns the embedding timeout as a duration.
func (c *Config) GetEmbeddingTimeout() time.Duration {
	d, err := time.ParseDuration(c.Embedding.Timeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// GetVectorTimeout returns the vector search sub-deadline as a duration.
func (c *Config) GetVectorTimeout() time.Duration {
	d, err := time.ParseDuration(c.Search.VectorTimeout)
	if err != nil {
		return 500 * time.Millisecond
	}
	return d
}

// GetFullSyncInterval returns the full sync interval as a duration.
func (c *Config) GetFullSyncInterval() time.Duration {
	d, err := time.ParseDuration(c.Sync.FullInterval)
	if err != nil {
		return 24 * time.Hour
	}
	return d
}

// GetSyncDue maps the frequency setting onto the staleness bound used by
// the background scheduler.
func (c *Config) GetSyncDue() time.Duration {
	switch c.Sync.Frequency {
	case "weekly":
		return 7 * 24 * time.Hour
	case "daily":
		return 24 * time.Hour
	}
	return c.GetDiffSyncInterval()
}

// GetDiffSyncInterval returns the differential sync interval as a duration.
func (c *Config) GetDiffSyncInterval() time.Duration {
	d, err := time.ParseDuration(c.Sync.DiffInterval)
	if err != nil {
		return time.Hour
	}
	return d
}

// ValidProviders lists all supported embedding providers.
var ValidProviders = []string{"local", "ollama"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	validProvider := false
	for _, p := range ValidProviders {
		if c.Embedding.Provider == p {
			validProvider = true
			break
		}
	}
	if !validProvider {
		return fmt.Errorf("invalid embedding provider: %s (valid: %v)", c.Embedding.Provider, ValidProviders)
	}

	if c.Embedding.Dimensions <= 0 {
		return fmt.Errorf("embedding dimensions must be positive, got %d", c.Embedding.Dimensions)
	}
	if c.Search.MaxLimit <= 0 || c.Search.DefaultLimit <= 0 {
		return fmt.Errorf("search limits must be positive")
	}
	if c.Search.DefaultLimit > c.Search.MaxLimit {
		return fmt.Errorf("search default_limit %d exceeds max_limit %d", c.Search.DefaultLimit, c.Search.MaxLimit)
	}
	if c.Recommend.OverlapThreshold < 0 || c.Recommend.OverlapThreshold > 1 {
		return fmt.Errorf("recommend overlap_threshold must be in [0,1], got %v", c.Recommend.OverlapThreshold)
	}
	if c.Fetch.RateReserve < 0 || c.Fetch.RateReserve >= 1 {
		return fmt.Errorf("fetch rate_reserve must be in [0,1), got %v", c.Fetch.RateReserve)
	}
	if c.Sync.Workers <= 0 {
		return fmt.Errorf("sync workers must be positive, got %d", c.Sync.Workers)
	}

	return nil
}

// DefaultConfigPath returns the default path to .skillsmith/config.yaml.
func DefaultConfigPath() string {
	cwd, err := os.Getwd()
	if err != nil {
		return filepath.Join(".skillsmith", "config.yaml")
	}
	return filepath.Join(cwd, ".skillsmith", "config.yaml")
}
