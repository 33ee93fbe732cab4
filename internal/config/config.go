// Package config provides the daemon's YAML configuration: storage,
// logging, RPC, provider routing per chain, and the import/matching
// tuning knobs.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/chainledger/chainledger/internal/importer"
	"github.com/chainledger/chainledger/internal/matching"
	"github.com/chainledger/chainledger/internal/provider"
	"github.com/chainledger/chainledger/internal/storage"
	"gopkg.in/yaml.v3"
)

// ProviderKind selects the API dialect a provider endpoint speaks.
type ProviderKind string

const (
	ProviderEsplora   ProviderKind = "esplora"
	ProviderEtherscan ProviderKind = "etherscan"
)

// ProviderConfig describes one explorer endpoint and its routing
// parameters.
type ProviderConfig struct {
	Name    string       `yaml:"name"`
	Kind    ProviderKind `yaml:"kind"`
	BaseURL string       `yaml:"base_url"`
	APIKey  string       `yaml:"api_key,omitempty"`

	Routing provider.Config `yaml:",inline"`
}

// ExchangeConfig holds exchange API credentials.
type ExchangeConfig struct {
	BaseURL   string `yaml:"base_url,omitempty"`
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
}

// RPCConfig holds the JSON-RPC server settings.
type RPCConfig struct {
	// ListenAddr is the host:port the API binds to.
	ListenAddr string `yaml:"listen_addr"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level"`

	// File is the log file path (empty for stdout).
	File string `yaml:"file"`
}

// Config holds all configuration for the daemon.
type Config struct {
	Storage storage.Config `yaml:"storage"`
	Logging LoggingConfig  `yaml:"logging"`
	RPC     RPCConfig      `yaml:"rpc"`

	Import   importer.Config `yaml:"import"`
	Matching matching.Config `yaml:"matching"`

	// Providers maps chain name to its ranked explorer endpoints.
	Providers map[string][]ProviderConfig `yaml:"providers"`

	// Exchanges maps exchange name to its API credentials.
	Exchanges map[string]ExchangeConfig `yaml:"exchanges,omitempty"`

	// CSVExchanges lists exchange names served by CSV export adapters.
	CSVExchanges []string `yaml:"csv_exchanges,omitempty"`
}

// DefaultConfig returns a Config with sensible defaults: public
// explorer endpoints, conservative rate limits, default thresholds.
func DefaultConfig() *Config {
	return &Config{
		Storage: storage.Config{
			DataDir: "~/.chainledger",
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  "",
		},
		RPC: RPCConfig{
			ListenAddr: "127.0.0.1:8339",
		},
		Import:   importer.DefaultConfig(),
		Matching: matching.DefaultConfig(),
		Providers: map[string][]ProviderConfig{
			"bitcoin": {
				{
					Name:    "blockstream",
					Kind:    ProviderEsplora,
					BaseURL: "https://blockstream.info/api",
					Routing: provider.Config{
						Priority:  1,
						RateLimit: provider.RateLimit{RequestsPerSecond: 1},
						Circuit:   provider.DefaultCircuitConfig(),
					},
				},
				{
					Name:    "mempool",
					Kind:    ProviderEsplora,
					BaseURL: "https://mempool.space/api",
					Routing: provider.Config{
						Priority:  2,
						RateLimit: provider.RateLimit{RequestsPerSecond: 1, RequestsPerMinute: 30},
						Circuit:   provider.DefaultCircuitConfig(),
					},
				},
			},
			"ethereum": {
				{
					Name:    "etherscan",
					Kind:    ProviderEtherscan,
					BaseURL: "https://api.etherscan.io/api",
					Routing: provider.Config{
						Priority:  1,
						RateLimit: provider.RateLimit{RequestsPerSecond: 5},
						Circuit:   provider.DefaultCircuitConfig(),
					},
				},
			},
		},
		CSVExchanges: []string{"coinbase", "binance"},
	}
}

// ConfigFileName is the default config file name.
const ConfigFileName = "config.yaml"

// Load loads configuration from <dataDir>/config.yaml. If the file
// doesn't exist, it is created with default values.
func Load(dataDir string) (*Config, error) {
	expandedDir := expandPath(dataDir)
	configPath := filepath.Join(expandedDir, ConfigFileName)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.Storage.DataDir = dataDir

		if err := cfg.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# chainledger daemon configuration\n# Generated automatically on first run\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Path returns the full path to the config file for a data directory.
func Path(dataDir string) string {
	return filepath.Join(expandPath(dataDir), ConfigFileName)
}

// BuildProviders instantiates the configured explorer providers for a
// chain, ready to register with the manager.
func (c *Config) BuildProviders(chain string) ([]ProviderInstance, error) {
	var out []ProviderInstance
	for _, pc := range c.Providers[chain] {
		var p provider.Provider
		switch pc.Kind {
		case ProviderEsplora:
			p = provider.NewEsploraProvider(pc.Name, pc.BaseURL)
		case ProviderEtherscan:
			p = provider.NewEtherscanProvider(pc.Name, pc.BaseURL, pc.APIKey)
		default:
			return nil, fmt.Errorf("chain %s provider %s: unknown kind %q", chain, pc.Name, pc.Kind)
		}
		out = append(out, ProviderInstance{Provider: p, Routing: pc.Routing})
	}
	return out, nil
}

// ProviderInstance pairs a constructed provider with its routing config.
type ProviderInstance struct {
	Provider provider.Provider
	Routing  provider.Config
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
