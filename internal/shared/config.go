package shared

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

//go:embed config.example.toml
var exampleConf []byte

// maxProgressGrace is the hard ceiling for keeping finished progress records in memory.
const maxProgressGrace = 24 * time.Hour

// Config represents the application configuration loaded from a TOML file.
type Config struct {
	Database  DatabaseConfig  `toml:"database"`
	Server    ServerConfig    `toml:"server"`
	Analysis  AnalysisConfig  `toml:"analysis"`
	Cache     CacheConfig     `toml:"cache"`
	Staleness StalenessConfig `toml:"staleness"`
	Retention RetentionConfig `toml:"retention"`
	Logging   LoggingConfig   `toml:"logging"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Path         string `toml:"path"`
	MaxOpenConns int    `toml:"max_open_conns"`
	MaxIdleConns int    `toml:"max_idle_conns"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
	// RequestsPerSecond limits API requests; zero disables the limit.
	RequestsPerSecond float64 `toml:"requests_per_second"`
	ShutdownSeconds   int     `toml:"shutdown_seconds"`
}

// ShutdownTimeout returns how long a graceful shutdown may take.
func (s ServerConfig) ShutdownTimeout() time.Duration {
	if s.ShutdownSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(s.ShutdownSeconds) * time.Second
}

// Addr returns host:port for [http.Server].
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// AnalysisConfig contains the duplicate analysis tunables.
type AnalysisConfig struct {
	TimeoutSeconds       int `toml:"timeout_seconds"`
	RetryAttempts        int `toml:"retry_attempts"`
	RetryDelayMS         int `toml:"retry_delay_ms"`
	BatchSize            int `toml:"batch_size"`
	SaveBatchSize        int `toml:"save_batch_size"`
	MemoryLimitMB        int `toml:"memory_limit_mb"`
	MemoryCheckInterval  int `toml:"memory_check_interval"`
	GCCheckInterval      int `toml:"gc_check_interval"`
	CheckpointInterval   int `toml:"checkpoint_interval"`
	FreshnessHours       int `toml:"freshness_hours"`
	ProgressGraceMinutes int `toml:"progress_grace_minutes"`
}

// Timeout returns the wall-clock budget of a single run.
func (a AnalysisConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}

// RetryDelay returns the base delay of the exponential backoff.
func (a AnalysisConfig) RetryDelay() time.Duration {
	return time.Duration(a.RetryDelayMS) * time.Millisecond
}

// Freshness returns how long a persisted run may be reused instead of re-analyzing.
func (a AnalysisConfig) Freshness() time.Duration {
	return time.Duration(a.FreshnessHours) * time.Hour
}

// ProgressGrace returns how long finished progress stays pollable, capped at 24 hours.
func (a AnalysisConfig) ProgressGrace() time.Duration {
	grace := time.Duration(a.ProgressGraceMinutes) * time.Minute
	if grace > maxProgressGrace {
		return maxProgressGrace
	}
	return grace
}

// MemoryLimitBytes returns the heap ceiling in bytes.
func (a AnalysisConfig) MemoryLimitBytes() uint64 {
	return uint64(a.MemoryLimitMB) * 1024 * 1024
}

// CacheConfig contains result cache settings.
type CacheConfig struct {
	TTLMinutes int `toml:"ttl_minutes"`
}

// TTL returns the lifetime of a cached result.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLMinutes) * time.Minute
}

// StalenessConfig contains the default staleness thresholds applied when an owner has no preferences.
type StalenessConfig struct {
	FreshMinutes            int     `toml:"fresh_minutes"`
	ModerateHours           int     `toml:"moderate_hours"`
	StaleDays               int     `toml:"stale_days"`
	ChangePercent           float64 `toml:"change_percent"`
	ChangeAbsolute          int     `toml:"change_absolute"`
	RefreshThresholdPercent float64 `toml:"refresh_threshold_percent"`
}

// RetentionConfig controls cleanup of persisted runs.
type RetentionConfig struct {
	Days            int `toml:"days"`
	MaxRunsPerOwner int `toml:"max_runs_per_owner"`
}

// LoggingConfig controls log verbosity.
type LoggingConfig struct {
	Level string `toml:"level"`
}

// LoadConfig reads and parses a TOML configuration file from the specified path.
//
// Keys absent from the file keep the embedded defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := toml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// DefaultConfig returns a Config with sensible defaults loaded from the embedded example config.
func DefaultConfig() *Config {
	var config Config
	if err := toml.Unmarshal(exampleConf, &config); err != nil {
		panic(fmt.Sprintf("failed to parse embedded default config: %v", err))
	}
	return &config
}

// CreateConfigFile creates a config.toml file at the specified path using the embedded example config.
func CreateConfigFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := os.WriteFile(path, exampleConf, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate rejects non-positive tunables.
func (c *Config) Validate() error {
	positive := map[string]int{
		"analysis.timeout_seconds":       c.Analysis.TimeoutSeconds,
		"analysis.retry_attempts":        c.Analysis.RetryAttempts,
		"analysis.batch_size":            c.Analysis.BatchSize,
		"analysis.save_batch_size":       c.Analysis.SaveBatchSize,
		"analysis.memory_limit_mb":       c.Analysis.MemoryLimitMB,
		"analysis.memory_check_interval": c.Analysis.MemoryCheckInterval,
		"analysis.gc_check_interval":     c.Analysis.GCCheckInterval,
		"analysis.checkpoint_interval":   c.Analysis.CheckpointInterval,
		"cache.ttl_minutes":              c.Cache.TTLMinutes,
		"retention.days":                 c.Retention.Days,
		"retention.max_runs_per_owner":   c.Retention.MaxRunsPerOwner,
	}
	for key, value := range positive {
		if value <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %d", ErrInvalidConfig, key, value)
		}
	}

	if c.Analysis.RetryDelayMS < 0 {
		return fmt.Errorf("%w: analysis.retry_delay_ms must not be negative", ErrInvalidConfig)
	}
	if c.Analysis.ProgressGraceMinutes < 0 {
		return fmt.Errorf("%w: analysis.progress_grace_minutes must not be negative", ErrInvalidConfig)
	}
	return nil
}
