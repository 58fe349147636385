// Package config loads the explorer configuration: an optional TOML file
// layered over built-in defaults, then environment-variable overrides, then
// normalization and validation.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Server contains HTTP listener settings.
type Server struct {
	Bind string `toml:"bind"`
	// OriginVerifySecret, when set, must match the x-origin-verify header of
	// every API request (set by the CDN in front of the Lambda).
	OriginVerifySecret string `toml:"origin_verify_secret"`
	// MaxUploadMB caps request bodies that carry images.
	MaxUploadMB int `toml:"max_upload_mb"`
}

// Store selects and configures the session key-value backend.
type Store struct {
	Backend       string `toml:"backend"`
	BadgerPath    string `toml:"badger_path"`
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
	DynamoTable   string `toml:"dynamo_table"`
	TTLHours      int    `toml:"ttl_hours"`
	// Compress stores session documents zstd-compressed.
	Compress bool `toml:"compress"`
	// AutosaveTimeoutSeconds bounds each background save.
	AutosaveTimeoutSeconds int `toml:"autosave_timeout_seconds"`
	// Shared means several processes serve the same session: the session is
	// reloaded before each request and job records live in the store.
	Shared bool `toml:"shared"`
}

// Cache configures where pre-generated sub-trees come from.
type Cache struct {
	Keys    []string `toml:"keys"`
	Bucket  string   `toml:"bucket"`
	Prefix  string   `toml:"prefix"`
	BaseURL string   `toml:"base_url"`
}

// Generation configures the external generation service. Exactly one of
// URL (SSE over HTTP) or LambdaARN (synchronous invoke) is used; URL wins.
type Generation struct {
	URL       string `toml:"url"`
	APIKey    string `toml:"api_key"`
	KeyParam  string `toml:"ssm_key_param"`
	LambdaARN string `toml:"lambda_arn"`
	Mode      string `toml:"mode"`
}

// Jobs tunes the orchestrator.
type Jobs struct {
	TimeoutSeconds    int     `toml:"timeout_seconds"`
	MaxConcurrent     int     `toml:"max_concurrent"`
	DispatchPerSecond float64 `toml:"dispatch_per_second"`
	DispatchBurst     int     `toml:"dispatch_burst"`
	FollowResults     bool    `toml:"follow_results"`
	RetainFinished    int     `toml:"retain_finished"`
	// WorkerLambdaARN, when set, runs jobs in a separate worker Lambda
	// invoked asynchronously instead of in this process.
	WorkerLambdaARN string `toml:"worker_lambda_arn"`
}

// Events configures EventBridge publishing of job outcomes.
type Events struct {
	Enabled bool   `toml:"enabled"`
	BusName string `toml:"bus_name"`
}

// Logging contains log output settings.
type Logging struct {
	Level string `toml:"level"`
}

// Metrics configures EMF output. An empty namespace disables it.
type Metrics struct {
	Namespace string `toml:"namespace"`
}

// Config is the full configuration.
type Config struct {
	Server     Server     `toml:"server"`
	Store      Store      `toml:"store"`
	Cache      Cache      `toml:"cache"`
	Generation Generation `toml:"generation"`
	Jobs       Jobs       `toml:"jobs"`
	Events     Events     `toml:"events"`
	Logging    Logging    `toml:"logging"`
	Metrics    Metrics    `toml:"metrics"`
}

// DefaultConfigPath is where Load looks when no path is given.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/topic-explorer/config.toml")
}

// Load reads the file at path (or the default path) if it exists, applies
// environment overrides, then normalizes and validates the result. It also
// reports the resolved path and whether the file existed.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}
	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		if _, err := os.Stat(expanded); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return "", false, fmt.Errorf("config file %s not found", expanded)
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		// No home directory (as in Lambda): run on defaults and environment.
		return "", false, nil
	}
	if _, err := os.Stat(defaultPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return defaultPath, false, nil
		}
		return "", false, fmt.Errorf("stat config: %w", err)
	}
	return defaultPath, true, nil
}

// JobTimeout returns the per-job timeout.
func (c *Config) JobTimeout() time.Duration {
	return time.Duration(c.Jobs.TimeoutSeconds) * time.Second
}

// StoreTTL returns how long saved sessions live.
func (c *Config) StoreTTL() time.Duration {
	return time.Duration(c.Store.TTLHours) * time.Hour
}

// AutosaveTimeout returns the per-save timeout.
func (c *Config) AutosaveTimeout() time.Duration {
	return time.Duration(c.Store.AutosaveTimeoutSeconds) * time.Second
}

// MaxUploadBytes returns the request body cap.
func (c *Config) MaxUploadBytes() int64 {
	return int64(c.Server.MaxUploadMB) << 20
}

// Marshal renders the configuration as TOML, with secrets blanked.
func (c *Config) Marshal() ([]byte, error) {
	redacted := *c
	if redacted.Generation.APIKey != "" {
		redacted.Generation.APIKey = "***"
	}
	if redacted.Store.RedisPassword != "" {
		redacted.Store.RedisPassword = "***"
	}
	if redacted.Server.OriginVerifySecret != "" {
		redacted.Server.OriginVerifySecret = "***"
	}
	return toml.Marshal(redacted)
}

func expandPath(pathValue string) (string, error) {
	pathValue = strings.TrimSpace(pathValue)
	if pathValue == "" {
		return "", nil
	}
	if pathValue == "~" || strings.HasPrefix(pathValue, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		pathValue = filepath.Join(home, strings.TrimPrefix(pathValue, "~"))
	}
	return filepath.Clean(pathValue), nil
}
