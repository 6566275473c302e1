package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete Forge configuration
type Config struct {
	Session     SessionConfig     `mapstructure:"session" yaml:"session"`
	Convergence ConvergenceConfig `mapstructure:"convergence" yaml:"convergence"`
	Conflict    ConflictConfig    `mapstructure:"conflict" yaml:"conflict"`
	Pause       PauseConfig       `mapstructure:"pause" yaml:"pause"`
	Drafts      DraftsConfig      `mapstructure:"drafts" yaml:"drafts"`
	Store       StoreConfig       `mapstructure:"store" yaml:"store"`
	Logging     LoggingConfig     `mapstructure:"logging" yaml:"logging"`
	Metrics     MetricsConfig     `mapstructure:"metrics" yaml:"metrics"`
}

// SessionConfig holds the defaults applied to newly created sessions
type SessionConfig struct {
	// MaxRounds is the hard cap on rounds per session
	MaxRounds int `mapstructure:"max_rounds" yaml:"max_rounds"`
	// ConvergenceThreshold ends the session once a sealed round scores at or above it
	ConvergenceThreshold float64 `mapstructure:"convergence_threshold" yaml:"convergence_threshold"`
	// TimeoutMinutes is the session deadline (0 = disabled)
	TimeoutMinutes int `mapstructure:"timeout_minutes" yaml:"timeout_minutes"`
	// AllowHumanIntervention enables the intervention queue
	AllowHumanIntervention bool `mapstructure:"allow_human_intervention" yaml:"allow_human_intervention"`
	// Topics is the discussion taxonomy used for per-topic agreement
	Topics []TopicConfig `mapstructure:"topics" yaml:"topics"`
}

// TopicConfig names a discussion topic and the keywords that mark a sentence as on-topic
type TopicConfig struct {
	Name     string   `mapstructure:"name" yaml:"name"`
	Keywords []string `mapstructure:"keywords" yaml:"keywords"`
}

// ConvergenceConfig tunes the convergence engine
type ConvergenceConfig struct {
	// Similarity selects the pairwise measure: "jaccard" or "cosine"
	Similarity string `mapstructure:"similarity" yaml:"similarity"`
	// DissentThreshold flags a participant whose mean agreement falls below it
	DissentThreshold float64 `mapstructure:"dissent_threshold" yaml:"dissent_threshold"`
	// MaxParallel bounds the pairwise scoring pool
	MaxParallel int `mapstructure:"max_parallel" yaml:"max_parallel"`
}

// ConflictConfig tunes contradiction extraction and severity rules
type ConflictConfig struct {
	// MinOverlap is the token overlap two statements need to be about the same claim
	MinOverlap float64 `mapstructure:"min_overlap" yaml:"min_overlap"`
	// NumericTolerance is the relative difference below which numbers are treated as equal
	NumericTolerance float64 `mapstructure:"numeric_tolerance" yaml:"numeric_tolerance"`
	// CriticalNumericDelta is the relative difference at which a numeric conflict becomes critical
	CriticalNumericDelta float64 `mapstructure:"critical_numeric_delta" yaml:"critical_numeric_delta"`
	// MaxParallel bounds the pairwise extraction pool
	MaxParallel int `mapstructure:"max_parallel" yaml:"max_parallel"`
}

// PauseConfig controls the safe-point wait and scheduled pauses
type PauseConfig struct {
	// PollIntervalMs is how often the safe point is re-checked (milliseconds)
	PollIntervalMs int `mapstructure:"poll_interval_ms" yaml:"poll_interval_ms"`
	// MaxWaitMs bounds the safe-point wait before PauseTimeout (milliseconds)
	MaxWaitMs int `mapstructure:"max_wait_ms" yaml:"max_wait_ms"`
	// Schedule is an optional cron expression for recurring pauses
	Schedule string `mapstructure:"schedule" yaml:"schedule"`
}

// DraftsConfig locates participant drafts on disk
type DraftsConfig struct {
	// Dir is the root of the draft tree: {dir}/{session}/round-{n}/
	Dir string `mapstructure:"dir" yaml:"dir"`
	// Pattern is the glob draft file names must match
	Pattern string `mapstructure:"pattern" yaml:"pattern"`
	// Watch advances rounds automatically when new drafts land
	Watch bool `mapstructure:"watch" yaml:"watch"`
	// DebounceMs coalesces bursts of file events (milliseconds)
	DebounceMs int `mapstructure:"debounce_ms" yaml:"debounce_ms"`
}

// StoreConfig selects where session snapshots are persisted
type StoreConfig struct {
	// Backend is "json", "sqlite" or "none"
	Backend string `mapstructure:"backend" yaml:"backend"`
	// Dir holds session snapshots (json) or forge.db (sqlite). Empty uses the data dir.
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn" or "error"
	Level string `mapstructure:"level" yaml:"level"`
	// Dir receives forge.log. Empty writes to stderr.
	Dir string `mapstructure:"dir" yaml:"dir"`
	// MaxSizeMB is the maximum log file size before rotation
	MaxSizeMB int `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	// MaxBackups is the number of rotated log files to keep
	MaxBackups int `mapstructure:"max_backups" yaml:"max_backups"`
	// Compress gzips rotated files
	Compress bool `mapstructure:"compress" yaml:"compress"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	// Addr is the listen address for /metrics (empty = disabled)
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Session: SessionConfig{
			MaxRounds:              5,
			ConvergenceThreshold:   0.8,
			TimeoutMinutes:         30,
			AllowHumanIntervention: true,
			Topics:                 []TopicConfig{},
		},
		Convergence: ConvergenceConfig{
			Similarity:       "jaccard",
			DissentThreshold: 0.2,
			MaxParallel:      4,
		},
		Conflict: ConflictConfig{
			MinOverlap:           0.3,
			NumericTolerance:     0.05,
			CriticalNumericDelta: 0.5,
			MaxParallel:          4,
		},
		Pause: PauseConfig{
			PollIntervalMs: 100,
			MaxWaitMs:      30000,
		},
		Drafts: DraftsConfig{
			Dir:        "",
			Pattern:    "*.{md,txt,yaml}",
			Watch:      false,
			DebounceMs: 250,
		},
		Store: StoreConfig{
			Backend: "json",
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// Timeout returns the session deadline as a time.Duration (0 means disabled)
func (c *SessionConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMinutes) * time.Minute
}

// PollInterval returns the safe-point poll interval as a time.Duration
func (c *PauseConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// MaxWait returns the safe-point wait bound as a time.Duration
func (c *PauseConfig) MaxWait() time.Duration {
	return time.Duration(c.MaxWaitMs) * time.Millisecond
}

// Debounce returns the draft watcher debounce as a time.Duration
func (c *DraftsConfig) Debounce() time.Duration {
	return time.Duration(c.DebounceMs) * time.Millisecond
}

// SetDefaults registers default values with the global viper instance
func SetDefaults() {
	SetDefaultsOn(viper.GetViper())
}

// SetDefaultsOn registers default values with v
func SetDefaultsOn(v *viper.Viper) {
	defaults := Default()

	// Session defaults
	v.SetDefault("session.max_rounds", defaults.Session.MaxRounds)
	v.SetDefault("session.convergence_threshold", defaults.Session.ConvergenceThreshold)
	v.SetDefault("session.timeout_minutes", defaults.Session.TimeoutMinutes)
	v.SetDefault("session.allow_human_intervention", defaults.Session.AllowHumanIntervention)
	v.SetDefault("session.topics", defaults.Session.Topics)

	// Convergence defaults
	v.SetDefault("convergence.similarity", defaults.Convergence.Similarity)
	v.SetDefault("convergence.dissent_threshold", defaults.Convergence.DissentThreshold)
	v.SetDefault("convergence.max_parallel", defaults.Convergence.MaxParallel)

	// Conflict defaults
	v.SetDefault("conflict.min_overlap", defaults.Conflict.MinOverlap)
	v.SetDefault("conflict.numeric_tolerance", defaults.Conflict.NumericTolerance)
	v.SetDefault("conflict.critical_numeric_delta", defaults.Conflict.CriticalNumericDelta)
	v.SetDefault("conflict.max_parallel", defaults.Conflict.MaxParallel)

	// Pause defaults
	v.SetDefault("pause.poll_interval_ms", defaults.Pause.PollIntervalMs)
	v.SetDefault("pause.max_wait_ms", defaults.Pause.MaxWaitMs)
	v.SetDefault("pause.schedule", defaults.Pause.Schedule)

	// Drafts defaults
	v.SetDefault("drafts.dir", defaults.Drafts.Dir)
	v.SetDefault("drafts.pattern", defaults.Drafts.Pattern)
	v.SetDefault("drafts.watch", defaults.Drafts.Watch)
	v.SetDefault("drafts.debounce_ms", defaults.Drafts.DebounceMs)

	// Store defaults
	v.SetDefault("store.backend", defaults.Store.Backend)
	v.SetDefault("store.dir", defaults.Store.Dir)

	// Logging defaults
	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.dir", defaults.Logging.Dir)
	v.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	v.SetDefault("logging.compress", defaults.Logging.Compress)

	// Metrics defaults
	v.SetDefault("metrics.addr", defaults.Metrics.Addr)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom is Load against an explicit viper instance.
func LoadFrom(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration (convenience function)
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		// Fall back to defaults if unmarshaling fails
		return Default()
	}
	return cfg
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "forge")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".forge"
	}
	return filepath.Join(home, ".config", "forge")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// DataDir returns where snapshots live when store.dir is empty
func DataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "forge")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".forge"
	}
	return filepath.Join(home, ".local", "share", "forge")
}

// ResolveStoreDir returns store.dir, falling back to DataDir.
func (c *StoreConfig) ResolveStoreDir() string {
	if c.Dir != "" {
		return c.Dir
	}
	return filepath.Join(DataDir(), "sessions")
}
