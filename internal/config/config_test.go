package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func loadFromPath(path string) (Config, error) {
	return loadWith(newFileBackend(path))
}

// TestDefaults verifies all default values are applied when loading an empty config file.
func TestDefaults(t *testing.T) {
	path := writeTempConfig(t, `{}`)
	t.Setenv("NEXUS_API_TOKEN", "")

	cfg, err := loadFromPath(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4100 || !cfg.Server.MCPEnabled {
		t.Errorf("Server = %+v", cfg.Server)
	}
	if cfg.Embedding.Dim != 64 || cfg.Embedding.TextDim != 48 {
		t.Errorf("Embedding = %+v", cfg.Embedding)
	}
	if cfg.Search.TopK != 10 || cfg.SearchTimeout() != 3*time.Second {
		t.Errorf("Search = %+v", cfg.Search)
	}
	if cfg.Ensemble.Master != "apollo" || cfg.Ensemble.Backend != "builtin" || cfg.EnsembleTimeout() != 2*time.Second {
		t.Errorf("Ensemble = %+v", cfg.Ensemble)
	}
	if cfg.Remedy.SuccessThreshold != 70 || cfg.Remedy.SetpointDelta != 1.0 || cfg.Remedy.Candidates != 3 {
		t.Errorf("Remedy = %+v", cfg.Remedy)
	}
	if cfg.MonitorInterval() != 0 {
		t.Errorf("monitor enabled by default: %v", cfg.MonitorInterval())
	}
	if cfg.Safety.PolicyFile != "" || cfg.Notify.WebhookURL != "" || cfg.API.Token != "" {
		t.Errorf("unexpected non-empty optional values: %+v", cfg)
	}
	if filepath.Base(cfg.DBPath()) != "nexus.db" {
		t.Errorf("DBPath = %q", cfg.DBPath())
	}
}

// TestEnvOverride verifies that environment variables override config file values.
func TestEnvOverride(t *testing.T) {
	path := writeTempConfig(t, `{"server.port": 5000, "remedy.success_threshold": "60"}`)

	t.Setenv("NEXUS_SERVER_PORT", "6000")
	t.Setenv("NEXUS_API_TOKEN", "env-token")
	t.Setenv("NEXUS_SERVER_MCP_ENABLED", "false")
	t.Setenv("NEXUS_SEARCH_TIMEOUT", "500ms")

	cfg, err := loadFromPath(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 6000 {
		t.Errorf("Server.Port = %d, want 6000", cfg.Server.Port)
	}
	if cfg.API.Token != "env-token" {
		t.Errorf("API.Token = %q, want env-token", cfg.API.Token)
	}
	if cfg.Server.MCPEnabled {
		t.Error("MCPEnabled should be false")
	}
	if cfg.SearchTimeout() != 500*time.Millisecond {
		t.Errorf("SearchTimeout = %v", cfg.SearchTimeout())
	}
	if cfg.Remedy.SuccessThreshold != 60 {
		t.Errorf("SuccessThreshold = %v, want 60 from file", cfg.Remedy.SuccessThreshold)
	}
}

// TestFileParsing verifies that fields are correctly read from the JSON file.
func TestFileParsing(t *testing.T) {
	content := `{
  "server.port": 5000,
  "server.mcp_enabled": false,
  "storage.data_dir": "/tmp/nexus-test",
  "log.level": "debug",
  "embedding.dim": 128,
  "ensemble.backend": "remote",
  "ensemble.remote_url": "http://models:9000",
  "safety.policy_file": "/etc/nexus/safety.toml",
  "monitor.interval": "30s",
  "monitor.rate": 0.5,
  "api.token": "ignored-secret"
}`
	path := writeTempConfig(t, content)
	t.Setenv("NEXUS_API_TOKEN", "")

	cfg, err := loadFromPath(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 5000 || cfg.Server.MCPEnabled {
		t.Errorf("Server = %+v", cfg.Server)
	}
	if cfg.Storage.DataDir != "/tmp/nexus-test" {
		t.Errorf("Storage.DataDir = %q", cfg.Storage.DataDir)
	}
	if cfg.Log.Level != "debug" || cfg.Embedding.Dim != 128 {
		t.Errorf("Log = %+v Embedding = %+v", cfg.Log, cfg.Embedding)
	}
	if cfg.Ensemble.Backend != "remote" || cfg.Ensemble.RemoteURL != "http://models:9000" {
		t.Errorf("Ensemble = %+v", cfg.Ensemble)
	}
	if cfg.Safety.PolicyFile != "/etc/nexus/safety.toml" {
		t.Errorf("Safety.PolicyFile = %q", cfg.Safety.PolicyFile)
	}
	if cfg.MonitorInterval() != 30*time.Second || cfg.Monitor.Rate != 0.5 {
		t.Errorf("Monitor = %+v", cfg.Monitor)
	}
	if cfg.API.Token != "" {
		t.Errorf("secret read from file: %q", cfg.API.Token)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"bad duration", `{"search.timeout": "soon"}`, "search.timeout"},
		{"remote without url", `{"ensemble.backend": "remote"}`, "remote_url"},
		{"unknown backend", `{"ensemble.backend": "gpu"}`, "unknown backend"},
		{"bad level", `{"log.level": "loud"}`, "log.level"},
		{"zero dim", `{"embedding.dim": 0}`, "dimensions"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadFromPath(writeTempConfig(t, tt.content))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to contain %q", err, tt.want)
			}
		})
	}
}

func TestSetKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nexus", "config.json")
	b := newFileBackend(path)

	if err := setKey(b, "server.port", "4200"); err != nil {
		t.Fatalf("setKey int: %v", err)
	}
	if err := setKey(b, "remedy.setpoint_delta", "1.5"); err != nil {
		t.Fatalf("setKey float: %v", err)
	}
	if err := setKey(b, "server.mcp_enabled", "false"); err != nil {
		t.Fatalf("setKey bool: %v", err)
	}
	if err := setKey(b, "server.port", "many"); err == nil {
		t.Error("expected error for invalid integer")
	}
	if err := setKey(b, "api.token", "x"); err == nil {
		t.Error("expected error for secret key")
	}
	if err := setKey(b, "no.such.key", "x"); err == nil {
		t.Error("expected error for unknown key")
	}

	cfg, err := loadFromPath(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if cfg.Server.Port != 4200 || cfg.Remedy.SetpointDelta != 1.5 || cfg.Server.MCPEnabled {
		t.Errorf("persisted values not applied: %+v %+v", cfg.Server, cfg.Remedy)
	}
}

func TestShowAllHidesSecrets(t *testing.T) {
	cfg := defaults()
	cfg.API.Token = "hunter2"
	for _, k := range ShowAll(cfg) {
		if k.Key == "api.token" || k.Value == "hunter2" {
			t.Errorf("secret shown: %+v", k)
		}
	}
	if len(ValidKeys()) != len(specs)-1 {
		t.Errorf("ValidKeys = %d, want %d", len(ValidKeys()), len(specs)-1)
	}
}

func TestAPIToken_EnvWins(t *testing.T) {
	cfg := defaults()
	cfg.Storage.DataDir = t.TempDir()
	cfg.API.Token = "from-env"

	tok, err := APIToken(cfg)
	if err != nil {
		t.Fatalf("APIToken: %v", err)
	}
	if tok != "from-env" {
		t.Errorf("token = %q, want from-env", tok)
	}
}

func TestAPIToken_GeneratedOnceAndPersisted(t *testing.T) {
	cfg := defaults()
	cfg.Storage.DataDir = t.TempDir()

	first, err := APIToken(cfg)
	if err != nil {
		t.Fatalf("APIToken: %v", err)
	}
	if len(first) != 64 {
		t.Errorf("token length = %d, want 64", len(first))
	}
	second, err := APIToken(cfg)
	if err != nil {
		t.Fatalf("APIToken: %v", err)
	}
	if first != second {
		t.Errorf("token changed between calls: %q vs %q", first, second)
	}

	info, err := os.Stat(secretsFilePath(cfg.Storage.DataDir))
	if err != nil {
		t.Fatalf("secrets file: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("secrets file mode = %v, want 0600", info.Mode().Perm())
	}
}
