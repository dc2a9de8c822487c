package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default config file path.
const DefaultConfigPath = "~/.config/tshistory/config.yaml"

// MinPruneBatchSize is the smallest allowed retention batch.
const MinPruneBatchSize = 200

// Config holds all tshistory configuration.
type Config struct {
	Storage   StorageConfig   `yaml:"storage"`
	Import    ImportConfig    `yaml:"import"`
	Retention RetentionConfig `yaml:"retention"`
	Notes     NotesConfig     `yaml:"notes"`
	Tabs      TabsConfig      `yaml:"tabs"`
	Daemon    DaemonConfig    `yaml:"daemon"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type StorageConfig struct {
	Path              string `yaml:"path"`
	SQLiteFile        string `yaml:"sqlite_file"`
	SQLiteJournalMode string `yaml:"sqlite_journal_mode"`
}

type ImportConfig struct {
	LoadRangeDays       int `yaml:"load_range_days"`
	LiveLookbackMinutes int `yaml:"live_lookback_minutes"`
}

type RetentionConfig struct {
	Days               int `yaml:"days"`
	BatchSize          int `yaml:"batch_size"`
	PruneIntervalHours int `yaml:"prune_interval_hours"`
}

type NotesConfig struct {
	MergeMode string `yaml:"merge_mode"`
}

type TabsConfig struct {
	RecentLimit   int  `yaml:"recent_limit"`
	RecordUpdates bool `yaml:"record_updates"`
}

type DaemonConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	RateLimit      float64  `yaml:"rate_limit"`
	Burst          int      `yaml:"burst"`
	MaxRequestSize int64    `yaml:"max_request_size"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Addr is the daemon listen address.
func (d DaemonConfig) Addr() string {
	return fmt.Sprintf("%s:%d", d.Host, d.Port)
}

// LiveLookback is the live correlator's time window.
func (c ImportConfig) LiveLookback() time.Duration {
	return time.Duration(c.LiveLookbackMinutes) * time.Minute
}

// Horizon is the age beyond which visits are pruned.
func (c RetentionConfig) Horizon() time.Duration {
	return time.Duration(c.Days) * 24 * time.Hour
}

// DBPath returns the expanded path of the SQLite database file.
func (c *Config) DBPath() (string, error) {
	dir, err := expandPath(c.Storage.Path)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, c.Storage.SQLiteFile), nil
}

// Validate reports every setting that cannot be used.
func (c *Config) Validate() error {
	var errs []error
	switch strings.ToLower(c.Notes.MergeMode) {
	case "append", "replace", "separate":
	default:
		errs = append(errs, fmt.Errorf("notes.merge_mode: unknown mode %q", c.Notes.MergeMode))
	}
	switch strings.ToLower(c.Storage.SQLiteJournalMode) {
	case "", "wal", "delete", "truncate", "persist", "memory", "off":
	default:
		errs = append(errs, fmt.Errorf("storage.sqlite_journal_mode: unknown mode %q", c.Storage.SQLiteJournalMode))
	}
	if c.Import.LoadRangeDays <= 0 {
		errs = append(errs, errors.New("import.load_range_days must be positive"))
	}
	if c.Import.LiveLookbackMinutes <= 0 {
		errs = append(errs, errors.New("import.live_lookback_minutes must be positive"))
	}
	if c.Retention.Days <= 0 {
		errs = append(errs, errors.New("retention.days must be positive"))
	}
	if c.Retention.BatchSize < MinPruneBatchSize {
		errs = append(errs, fmt.Errorf("retention.batch_size must be at least %d", MinPruneBatchSize))
	}
	if c.Tabs.RecentLimit <= 0 || c.Tabs.RecentLimit > 100 {
		errs = append(errs, errors.New("tabs.recent_limit must be between 1 and 100"))
	}
	if c.Daemon.Port <= 0 || c.Daemon.Port > 65535 {
		errs = append(errs, fmt.Errorf("daemon.port %d out of range", c.Daemon.Port))
	}
	if c.Daemon.RateLimit <= 0 || c.Daemon.Burst <= 0 {
		errs = append(errs, errors.New("daemon.rate_limit and daemon.burst must be positive"))
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format: unknown format %q", c.Logging.Format))
	}
	return errors.Join(errs...)
}

// Load reads a YAML config file at path and merges it with defaults.
// Returns an error if the file cannot be read or contains invalid YAML.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// expandPath replaces a leading ~ with the user's home directory.
func expandPath(path string) (string, error) {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolving home directory: %w", err)
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

// LoadOrCreate loads the config from the default path. If the file does
// not exist, it creates the directory structure and writes defaults.
func LoadOrCreate() (*Config, error) {
	path, err := expandPath(DefaultConfigPath)
	if err != nil {
		return nil, err
	}
	return LoadOrCreateAt(path)
}

// LoadOrCreateAt loads the config from the given path. If the file does
// not exist, it creates the directory structure and writes defaults.
func LoadOrCreateAt(path string) (*Config, error) {
	path, err := expandPath(path)
	if err != nil {
		return nil, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig()

		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating config directory: %w", err)
		}

		data, err := yaml.Marshal(cfg)
		if err != nil {
			return nil, fmt.Errorf("marshaling default config: %w", err)
		}

		if err := os.WriteFile(path, data, 0644); err != nil {
			return nil, fmt.Errorf("writing default config: %w", err)
		}

		return cfg, nil
	}

	return Load(path)
}
