package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DLGROUP_"

// Config is the dlgroupd process configuration.
type Config struct {
	Listen   string
	APIToken string
	Log      LogConfig
	HTTP     HTTPConfig
	Download DownloadConfig
	Groups   []GroupConfig
}

// LogConfig selects the log handler and its sink. An empty File logs to
// stdout; otherwise the file is rotated.
type LogConfig struct {
	Level      string
	Format     string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

type HTTPConfig struct {
	Timeout             time.Duration
	MaxIdleConnsPerHost int
}

// DownloadConfig holds defaults applied to every group and task.
type DownloadConfig struct {
	DefaultLimit   int
	ChunkSize      int
	PoolHeadroom   int
	IntakeCapacity int
	Headers        map[string]string
}

// GroupConfig describes a group created at boot.
type GroupConfig struct {
	Key       string `yaml:"key"`
	Limit     int    `yaml:"limit"`
	Autostart bool   `yaml:"autostart"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Listen: ":9090",
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		HTTP: HTTPConfig{
			Timeout:             30 * time.Second,
			MaxIdleConnsPerHost: 16,
		},
		Download: DownloadConfig{
			DefaultLimit:   5,
			ChunkSize:      1024,
			PoolHeadroom:   2,
			IntakeCapacity: 1 << 20,
		},
	}
}

// yamlConfig mirrors Config with string durations and optional scalars so
// absent keys keep their defaults.
type yamlConfig struct {
	Listen   string        `yaml:"listen"`
	APIToken string        `yaml:"api_token"`
	Log      yamlLog       `yaml:"log"`
	HTTP     yamlHTTP      `yaml:"http"`
	Download yamlDownload  `yaml:"download"`
	Groups   []GroupConfig `yaml:"groups"`
}

type yamlLog struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   *bool  `yaml:"compress"`
}

type yamlHTTP struct {
	Timeout             string `yaml:"timeout"`
	MaxIdleConnsPerHost int    `yaml:"max_idle_conns_per_host"`
}

type yamlDownload struct {
	DefaultLimit   int               `yaml:"default_limit"`
	ChunkSize      int               `yaml:"chunk_size"`
	PoolHeadroom   int               `yaml:"pool_headroom"`
	IntakeCapacity int               `yaml:"intake_capacity"`
	Headers        map[string]string `yaml:"headers"`
}

// LoadFromFile loads configuration from a YAML file on top of Default().
func LoadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration on top of Default().
func Parse(data []byte) (Config, error) {
	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}

	cfg := Default()
	if yc.Listen != "" {
		cfg.Listen = yc.Listen
	}
	if yc.APIToken != "" {
		cfg.APIToken = yc.APIToken
	}

	if yc.Log.Level != "" {
		cfg.Log.Level = yc.Log.Level
	}
	if yc.Log.Format != "" {
		cfg.Log.Format = yc.Log.Format
	}
	if yc.Log.File != "" {
		cfg.Log.File = yc.Log.File
	}
	if yc.Log.MaxSizeMB != 0 {
		cfg.Log.MaxSizeMB = yc.Log.MaxSizeMB
	}
	if yc.Log.MaxBackups != 0 {
		cfg.Log.MaxBackups = yc.Log.MaxBackups
	}
	if yc.Log.MaxAgeDays != 0 {
		cfg.Log.MaxAgeDays = yc.Log.MaxAgeDays
	}
	if yc.Log.Compress != nil {
		cfg.Log.Compress = *yc.Log.Compress
	}

	if yc.HTTP.Timeout != "" {
		d, err := time.ParseDuration(yc.HTTP.Timeout)
		if err != nil {
			return Config{}, fmt.Errorf("parse http.timeout: %w", err)
		}
		cfg.HTTP.Timeout = d
	}
	if yc.HTTP.MaxIdleConnsPerHost != 0 {
		cfg.HTTP.MaxIdleConnsPerHost = yc.HTTP.MaxIdleConnsPerHost
	}

	if yc.Download.DefaultLimit != 0 {
		cfg.Download.DefaultLimit = yc.Download.DefaultLimit
	}
	if yc.Download.ChunkSize != 0 {
		cfg.Download.ChunkSize = yc.Download.ChunkSize
	}
	if yc.Download.PoolHeadroom != 0 {
		cfg.Download.PoolHeadroom = yc.Download.PoolHeadroom
	}
	if yc.Download.IntakeCapacity != 0 {
		cfg.Download.IntakeCapacity = yc.Download.IntakeCapacity
	}
	if len(yc.Download.Headers) > 0 {
		cfg.Download.Headers = yc.Download.Headers
	}

	cfg.Groups = yc.Groups
	return cfg, nil
}

// LoadEnvFiles loads .env, then .env.<ENVIRONMENT>, then .env.local from dir.
// Every file is optional; later files override earlier ones.
func LoadEnvFiles(dir string) error {
	base := envFile(dir, ".env")
	if _, err := os.Stat(base); err == nil {
		if err := godotenv.Load(base); err != nil {
			return fmt.Errorf("failed to load %s: %w", base, err)
		}
	}

	if env := os.Getenv("ENVIRONMENT"); env != "" {
		name := envFile(dir, ".env."+env)
		if _, err := os.Stat(name); err == nil {
			if err := godotenv.Overload(name); err != nil {
				return fmt.Errorf("failed to load %s: %w", name, err)
			}
		}
	}

	local := envFile(dir, ".env.local")
	if _, err := os.Stat(local); err == nil {
		if err := godotenv.Overload(local); err != nil {
			return fmt.Errorf("failed to load %s: %w", local, err)
		}
	}
	return nil
}

func envFile(dir, name string) string {
	if dir == "" {
		return name
	}
	return strings.TrimSuffix(dir, "/") + "/" + name
}

// LoadFromEnv applies DLGROUP_ environment overrides.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv(EnvPrefix + "LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv(EnvPrefix + "API_TOKEN"); v != "" {
		c.APIToken = v
	}
	if v := os.Getenv(EnvPrefix + "LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv(EnvPrefix + "LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
	if v := os.Getenv(EnvPrefix + "LOG_FILE"); v != "" {
		c.Log.File = v
	}
	if v := os.Getenv(EnvPrefix + "LOG_COMPRESS"); v != "" {
		c.Log.Compress = v == "true" || v == "1"
	}
	if v := os.Getenv(EnvPrefix + "HTTP_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse %sHTTP_TIMEOUT: %w", EnvPrefix, err)
		}
		c.HTTP.Timeout = d
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"LOG_MAX_SIZE_MB", &c.Log.MaxSizeMB},
		{"LOG_MAX_BACKUPS", &c.Log.MaxBackups},
		{"LOG_MAX_AGE_DAYS", &c.Log.MaxAgeDays},
		{"HTTP_MAX_IDLE_CONNS_PER_HOST", &c.HTTP.MaxIdleConnsPerHost},
		{"DOWNLOAD_DEFAULT_LIMIT", &c.Download.DefaultLimit},
		{"DOWNLOAD_CHUNK_SIZE", &c.Download.ChunkSize},
		{"DOWNLOAD_POOL_HEADROOM", &c.Download.PoolHeadroom},
		{"DOWNLOAD_INTAKE_CAPACITY", &c.Download.IntakeCapacity},
	}
	for _, it := range ints {
		v := os.Getenv(EnvPrefix + it.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse %s%s: %w", EnvPrefix, it.name, err)
		}
		*it.dst = n
	}
	return nil
}

// Load reads .env files from the working directory, the YAML file at path
// when path is non-empty, then environment overrides, and validates.
func Load(path string) (Config, error) {
	if err := LoadEnvFiles(""); err != nil {
		return Config{}, err
	}
	cfg := Default()
	if path != "" {
		var err error
		if cfg, err = LoadFromFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return errors.New("config: listen address is required")
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("config: unknown log format %q", c.Log.Format)
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.Log.Level)
	}
	if c.HTTP.Timeout < 0 {
		return errors.New("config: http.timeout must not be negative")
	}
	if c.Download.DefaultLimit <= 0 {
		return errors.New("config: download.default_limit must be positive")
	}
	if c.Download.ChunkSize <= 0 {
		return errors.New("config: download.chunk_size must be positive")
	}
	if c.Download.PoolHeadroom <= 0 {
		return errors.New("config: download.pool_headroom must be positive")
	}
	seen := make(map[string]bool, len(c.Groups))
	for i, g := range c.Groups {
		key := strings.TrimSpace(g.Key)
		if key == "" {
			return fmt.Errorf("config: groups[%d] has an empty key", i)
		}
		if seen[key] {
			return fmt.Errorf("config: duplicate group %q", key)
		}
		seen[key] = true
	}
	return nil
}
