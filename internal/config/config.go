package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Log       LogConfig
	API       APIConfig
	Embedding EmbeddingConfig
	Search    SearchConfig
	Ensemble  EnsembleConfig
	Safety    SafetyConfig
	Remedy    RemedyConfig
	Monitor   MonitorConfig
	Notify    NotifyConfig
}

type ServerConfig struct {
	Port       int
	MCPEnabled bool
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level     string
	File      string
	MaxSizeMB int
}

type APIConfig struct {
	Token string
}

type EmbeddingConfig struct {
	Dim     int
	TextDim int
}

type SearchConfig struct {
	TopK    int
	Timeout string
}

type EnsembleConfig struct {
	Master      string
	Concurrency int
	Timeout     string
	Backend     string // "builtin" or "remote"
	RemoteURL   string
}

type SafetyConfig struct {
	PolicyFile string
}

type RemedyConfig struct {
	Candidates       int
	SuccessThreshold float64
	SetpointDelta    float64
}

type MonitorConfig struct {
	Interval string
	Rate     float64
}

type NotifyConfig struct {
	WebhookURL string
}

func defaults() Config {
	return Config{
		Server:    ServerConfig{Port: 4100, MCPEnabled: true},
		Storage:   StorageConfig{DataDir: defaultDataDir()},
		Log:       LogConfig{Level: "info", MaxSizeMB: 50},
		Embedding: EmbeddingConfig{Dim: 64, TextDim: 48},
		Search:    SearchConfig{TopK: 10, Timeout: "3s"},
		Ensemble: EnsembleConfig{
			Master:      "apollo",
			Concurrency: 8,
			Timeout:     "2s",
			Backend:     "builtin",
		},
		Remedy:  RemedyConfig{Candidates: 3, SuccessThreshold: 70, SetpointDelta: 1.0},
		Monitor: MonitorConfig{Interval: "0s", Rate: 2.0},
	}
}

// Load reads configuration from defaults, the JSON file at
// $XDG_CONFIG_HOME/nexus/config.json and NEXUS_* environment variables,
// in increasing order of precedence.
func Load() (Config, error) {
	return loadWith(newFileBackend(ConfigFilePath()))
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values that cannot be corrected silently.
func (c Config) Validate() error {
	var problems []string
	for key, d := range map[string]string{
		"search.timeout":   c.Search.Timeout,
		"ensemble.timeout": c.Ensemble.Timeout,
		"monitor.interval": c.Monitor.Interval,
	} {
		if _, err := time.ParseDuration(d); err != nil {
			problems = append(problems, fmt.Sprintf("%s: invalid duration %q", key, d))
		}
	}
	switch c.Ensemble.Backend {
	case "builtin":
	case "remote":
		if c.Ensemble.RemoteURL == "" {
			problems = append(problems, "ensemble.remote_url is required when ensemble.backend is remote")
		}
	default:
		problems = append(problems, fmt.Sprintf("ensemble.backend: unknown backend %q", c.Ensemble.Backend))
	}
	if c.Embedding.Dim <= 0 || c.Embedding.TextDim <= 0 {
		problems = append(problems, "embedding dimensions must be positive")
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// DBPath is the SQLite database location.
func (c Config) DBPath() string {
	return filepath.Join(c.Storage.DataDir, "nexus.db")
}

// SearchTimeout is the parsed search.timeout.
func (c Config) SearchTimeout() time.Duration { return mustDuration(c.Search.Timeout) }

// EnsembleTimeout is the parsed ensemble.timeout.
func (c Config) EnsembleTimeout() time.Duration { return mustDuration(c.Ensemble.Timeout) }

// MonitorInterval is the parsed monitor.interval. Zero disables the monitor.
func (c Config) MonitorInterval() time.Duration { return mustDuration(c.Monitor.Interval) }

// mustDuration parses a duration already checked by Validate.
func mustDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

// ParseLevel maps log.level to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("log.level: unknown level %q", s)
}
