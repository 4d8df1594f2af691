package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	WatchDir           string        `mapstructure:"watch_dir"`
	StateFile          string        `mapstructure:"state_file"`
	HistoryDB          string        `mapstructure:"history_db"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`  // Time between directory scans
	SettleSeconds      int           `mapstructure:"settle_seconds"` // Quiet time before a file counts as finished
	PartSize           int64         `mapstructure:"part_size"`      // Bytes per chunked transfer part
	MaxAttempts        int           `mapstructure:"max_attempts"`   // Failed uploads before a version is given up on
	Extensions         []string      `mapstructure:"extensions"`
	Server             string        `mapstructure:"server"`
	APIKey             string        `mapstructure:"api_key"`
	FolderID           string        `mapstructure:"folder_id"`
	StorageAccessKey   string        `mapstructure:"storage_access_key"`
	StorageSecretKey   string        `mapstructure:"storage_secret_key"`
	StorageRegion      string        `mapstructure:"storage_region"`
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify"` // Self-signed gateways
	FailFastParts      bool          `mapstructure:"fail_fast_parts"`
	PruneMissing       bool          `mapstructure:"prune_missing"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
	LogFile            string        `mapstructure:"log_file"`
	Debug              bool          `mapstructure:"debug"`
}

const (
	DefaultPollInterval   = 60 * time.Second
	DefaultSettleSeconds  = 120
	DefaultPartSize       = 1 << 20
	DefaultMaxAttempts    = 3
	DefaultRequestTimeout = 5 * time.Minute
)

// DataDir returns the per-machine directory used for the state file and history database.
// Windows: %PROGRAMDATA%\CleverData\WatchFolder
// Linux: /var/lib/watchfolder
func DataDir() string {
	if os.Getenv("OS") == "Windows_NT" {
		return filepath.Join(os.Getenv("ProgramData"), "CleverData", "WatchFolder")
	}
	return "/var/lib/watchfolder"
}

// SetDefaults registers default values on v. Set the env prefix on v first.
func SetDefaults(v *viper.Viper) {
	dataDir := DataDir()
	v.SetDefault("state_file", filepath.Join(dataDir, "syncinfo.txt"))
	v.SetDefault("history_db", filepath.Join(dataDir, "history.db"))
	v.SetDefault("poll_interval", DefaultPollInterval)
	v.SetDefault("settle_seconds", DefaultSettleSeconds)
	v.SetDefault("part_size", DefaultPartSize)
	v.SetDefault("max_attempts", DefaultMaxAttempts)
	v.SetDefault("extensions", []string{".mp4"})
	v.SetDefault("storage_access_key", "foo")
	v.SetDefault("storage_secret_key", "bar")
	v.SetDefault("storage_region", "us-east-1")
	v.SetDefault("request_timeout", DefaultRequestTimeout)

	// Keys without a default are invisible to Unmarshal unless bound.
	for _, key := range []string{"watch_dir", "server", "api_key", "folder_id", "insecure_skip_verify",
		"fail_fast_parts", "prune_missing", "log_file", "debug"} {
		v.BindEnv(key)
	}
}

// FromViper decodes the settings held by v. Call Validate on the result before using it.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.Extensions = NormalizeExtensions(cfg.Extensions)
	cfg.Server = strings.TrimRight(cfg.Server, "/")
	return &cfg, nil
}

// NormalizeExtensions splits ';' and ',' separated entries, lower-cases them and
// makes sure each one starts with a dot. Duplicates and blanks are dropped.
func NormalizeExtensions(in []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, entry := range in {
		for _, ext := range strings.FieldsFunc(entry, func(r rune) bool { return r == ';' || r == ',' }) {
			ext = strings.ToLower(strings.TrimSpace(ext))
			if ext == "" || ext == "." {
				continue
			}
			if !strings.HasPrefix(ext, ".") {
				ext = "." + ext
			}
			if seen[ext] {
				continue
			}
			seen[ext] = true
			out = append(out, ext)
		}
	}
	return out
}

// ConfigurationError lists every invalid setting found by Validate.
// It is fatal: the worker loop never starts with an invalid configuration.
type ConfigurationError struct {
	Problems []string
}

func (e *ConfigurationError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

// Validate checks the values consumed by the sync engine and the gateway client.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.WatchDir == "" {
		add("watch_dir is required")
	}
	if c.StateFile == "" {
		add("state_file is required")
	}
	if c.PollInterval < time.Second {
		add("poll_interval must be at least 1s (got %s)", c.PollInterval)
	} else if c.PollInterval%time.Second != 0 {
		add("poll_interval must be a whole number of seconds (got %s)", c.PollInterval)
	}
	if c.SettleSeconds < 0 {
		add("settle_seconds must be >= 0 (got %d)", c.SettleSeconds)
	}
	if c.PartSize <= 0 {
		add("part_size must be > 0 (got %d)", c.PartSize)
	}
	if c.MaxAttempts < 1 {
		add("max_attempts must be >= 1 (got %d)", c.MaxAttempts)
	}
	if len(c.Extensions) == 0 {
		add("extensions must list at least one file extension")
	}
	if c.Server == "" {
		add("server is required")
	} else if u, err := url.Parse(c.Server); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		add("server must be an absolute http(s) URL (got %q)", c.Server)
	}
	if c.FolderID == "" {
		add("folder_id is required")
	}
	if c.RequestTimeout < 0 {
		add("request_timeout must not be negative")
	}

	if len(problems) > 0 {
		return &ConfigurationError{Problems: problems}
	}
	return nil
}

// PollSeconds is the poll interval in whole seconds, the unit stableSeconds accumulates in.
func (c *Config) PollSeconds() int {
	return int(c.PollInterval / time.Second)
}
