package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "NEXUS_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.mcp_enabled", typ: kBool, env: "NEXUS_SERVER_MCP_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Server.MCPEnabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Server.MCPEnabled },
	},
	{
		key: "storage.data_dir", typ: kString, env: "NEXUS_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "NEXUS_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.file", typ: kString, env: "NEXUS_LOG_FILE",
		apply:   func(cfg *Config, v any) { cfg.Log.File = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.File },
	},
	{
		key: "log.max_size_mb", typ: kInt, env: "NEXUS_LOG_MAX_SIZE_MB",
		apply:   func(cfg *Config, v any) { cfg.Log.MaxSizeMB = v.(int) },
		extract: func(cfg Config) any { return cfg.Log.MaxSizeMB },
	},
	{
		key: "api.token", typ: kString, env: "NEXUS_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.API.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.API.Token },
	},
	{
		key: "embedding.dim", typ: kInt, env: "NEXUS_EMBEDDING_DIM",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Dim = v.(int) },
		extract: func(cfg Config) any { return cfg.Embedding.Dim },
	},
	{
		key: "embedding.text_dim", typ: kInt, env: "NEXUS_EMBEDDING_TEXT_DIM",
		apply:   func(cfg *Config, v any) { cfg.Embedding.TextDim = v.(int) },
		extract: func(cfg Config) any { return cfg.Embedding.TextDim },
	},
	{
		key: "search.top_k", typ: kInt, env: "NEXUS_SEARCH_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Search.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Search.TopK },
	},
	{
		key: "search.timeout", typ: kString, env: "NEXUS_SEARCH_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Search.Timeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Search.Timeout },
	},
	{
		key: "ensemble.master", typ: kString, env: "NEXUS_ENSEMBLE_MASTER",
		apply:   func(cfg *Config, v any) { cfg.Ensemble.Master = v.(string) },
		extract: func(cfg Config) any { return cfg.Ensemble.Master },
	},
	{
		key: "ensemble.concurrency", typ: kInt, env: "NEXUS_ENSEMBLE_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Ensemble.Concurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Ensemble.Concurrency },
	},
	{
		key: "ensemble.timeout", typ: kString, env: "NEXUS_ENSEMBLE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Ensemble.Timeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Ensemble.Timeout },
	},
	{
		key: "ensemble.backend", typ: kString, env: "NEXUS_ENSEMBLE_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Ensemble.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Ensemble.Backend },
	},
	{
		key: "ensemble.remote_url", typ: kString, env: "NEXUS_ENSEMBLE_REMOTE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ensemble.RemoteURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ensemble.RemoteURL },
	},
	{
		key: "safety.policy_file", typ: kString, env: "NEXUS_SAFETY_POLICY_FILE",
		apply:   func(cfg *Config, v any) { cfg.Safety.PolicyFile = v.(string) },
		extract: func(cfg Config) any { return cfg.Safety.PolicyFile },
	},
	{
		key: "remedy.candidates", typ: kInt, env: "NEXUS_REMEDY_CANDIDATES",
		apply:   func(cfg *Config, v any) { cfg.Remedy.Candidates = v.(int) },
		extract: func(cfg Config) any { return cfg.Remedy.Candidates },
	},
	{
		key: "remedy.success_threshold", typ: kFloat, env: "NEXUS_REMEDY_SUCCESS_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Remedy.SuccessThreshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Remedy.SuccessThreshold },
	},
	{
		key: "remedy.setpoint_delta", typ: kFloat, env: "NEXUS_REMEDY_SETPOINT_DELTA",
		apply:   func(cfg *Config, v any) { cfg.Remedy.SetpointDelta = v.(float64) },
		extract: func(cfg Config) any { return cfg.Remedy.SetpointDelta },
	},
	{
		key: "monitor.interval", typ: kString, env: "NEXUS_MONITOR_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Monitor.Interval = v.(string) },
		extract: func(cfg Config) any { return cfg.Monitor.Interval },
	},
	{
		key: "monitor.rate", typ: kFloat, env: "NEXUS_MONITOR_RATE",
		apply:   func(cfg *Config, v any) { cfg.Monitor.Rate = v.(float64) },
		extract: func(cfg Config) any { return cfg.Monitor.Rate },
	},
	{
		key: "notify.webhook_url", typ: kString, env: "NEXUS_NOTIFY_WEBHOOK_URL",
		apply:   func(cfg *Config, v any) { cfg.Notify.WebhookURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Notify.WebhookURL },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		case kFloat:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					s.apply(cfg, f)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse float from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
