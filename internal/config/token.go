package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const tokenAccount = "api_token"

func secretsFilePath(dataDir string) string {
	return filepath.Join(dataDir, "secrets.json")
}

// APIToken returns the bearer token for the HTTP API. NEXUS_API_TOKEN wins;
// otherwise the token is read from secrets.json in the data directory and
// generated on first use.
func APIToken(cfg Config) (string, error) {
	if cfg.API.Token != "" {
		return cfg.API.Token, nil
	}

	path := secretsFilePath(cfg.Storage.DataDir)
	secrets := make(map[string]string)
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &secrets); err != nil {
			return "", fmt.Errorf("parsing secrets file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("reading secrets file: %w", err)
	}
	if tok := secrets[tokenAccount]; tok != "" {
		return tok, nil
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating API token: %w", err)
	}
	tok := hex.EncodeToString(buf)
	secrets[tokenAccount] = tok

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("creating data directory: %w", err)
	}
	data, err := json.MarshalIndent(secrets, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("writing secrets file: %w", err)
	}
	return tok, nil
}
