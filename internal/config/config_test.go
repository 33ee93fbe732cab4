package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Storage.DataDir != "~/.chainledger" {
		t.Errorf("DataDir = %s", cfg.Storage.DataDir)
	}
	if cfg.RPC.ListenAddr != "127.0.0.1:8339" {
		t.Errorf("ListenAddr = %s", cfg.RPC.ListenAddr)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("log level = %s", cfg.Logging.Level)
	}
	if cfg.Matching.AutoConfirmThreshold != 0.95 {
		t.Errorf("AutoConfirmThreshold = %f", cfg.Matching.AutoConfirmThreshold)
	}
	if len(cfg.Providers["bitcoin"]) != 2 {
		t.Errorf("bitcoin providers = %d, want 2", len(cfg.Providers["bitcoin"]))
	}
	if len(cfg.Providers["ethereum"]) != 1 {
		t.Errorf("ethereum providers = %d, want 1", len(cfg.Providers["ethereum"]))
	}
}

func TestLoadCreatesDefault(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "chainledger-config-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	cfg, err := Load(tmpDir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	configPath := filepath.Join(tmpDir, ConfigFileName)
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Error("config file was not created")
	}
	if cfg.Storage.DataDir != tmpDir {
		t.Errorf("DataDir = %s, want %s", cfg.Storage.DataDir, tmpDir)
	}
}

func TestLoadReadsExisting(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "chainledger-config-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	custom := `rpc:
  listen_addr: 0.0.0.0:9000
logging:
  level: debug
matching:
  min_confidence: 0.8
  auto_confirm_threshold: 0.97
providers:
  bitcoin:
    - name: local-esplora
      kind: esplora
      base_url: http://localhost:3000
      priority: 1
      requests_per_second: 10
exchanges:
  kraken:
    api_key: k
    api_secret: s
`
	configPath := filepath.Join(tmpDir, ConfigFileName)
	if err := os.WriteFile(configPath, []byte(custom), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(tmpDir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.RPC.ListenAddr != "0.0.0.0:9000" {
		t.Errorf("ListenAddr = %s", cfg.RPC.ListenAddr)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level = %s", cfg.Logging.Level)
	}
	if cfg.Matching.MinConfidence != 0.8 || cfg.Matching.AutoConfirmThreshold != 0.97 {
		t.Errorf("matching = %+v", cfg.Matching)
	}

	btc := cfg.Providers["bitcoin"]
	if len(btc) != 1 || btc[0].Name != "local-esplora" {
		t.Fatalf("bitcoin providers = %+v", btc)
	}
	if btc[0].Routing.RateLimit.RequestsPerSecond != 10 {
		t.Errorf("rate limit = %+v", btc[0].Routing.RateLimit)
	}
	if cfg.Exchanges["kraken"].APIKey != "k" {
		t.Errorf("exchanges = %+v", cfg.Exchanges)
	}
}

func TestSaveWritesHeader(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "chainledger-config-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	cfg := DefaultConfig()
	cfg.Logging.Level = "debug"

	configPath := filepath.Join(tmpDir, "test-config.yaml")
	if err := cfg.Save(configPath); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("failed to read config: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, "# chainledger daemon configuration") {
		t.Error("config file missing header comment")
	}
	if !strings.Contains(content, "level: debug") {
		t.Error("config file missing logging level")
	}
}

func TestBuildProviders(t *testing.T) {
	cfg := DefaultConfig()

	btc, err := cfg.BuildProviders("bitcoin")
	if err != nil {
		t.Fatalf("BuildProviders() error = %v", err)
	}
	if len(btc) != 2 {
		t.Fatalf("instances = %d, want 2", len(btc))
	}
	if btc[0].Provider.Name() != "blockstream" || btc[1].Provider.Name() != "mempool" {
		t.Errorf("providers = %s, %s", btc[0].Provider.Name(), btc[1].Provider.Name())
	}

	cfg.Providers["bitcoin"][0].Kind = "unknown"
	if _, err := cfg.BuildProviders("bitcoin"); err == nil {
		t.Error("expected error for unknown provider kind")
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()

	tests := []struct {
		input    string
		expected string
	}{
		{"~/.chainledger", filepath.Join(home, ".chainledger")},
		{"/absolute/path", "/absolute/path"},
		{"relative/path", "relative/path"},
		{"", ""},
	}

	for _, tt := range tests {
		if got := expandPath(tt.input); got != tt.expected {
			t.Errorf("expandPath(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}
