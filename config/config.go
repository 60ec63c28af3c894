package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Defaults for the network parameters, in µSX.
const (
	DefaultMinTxnFee         = uint64(1_000)
	DefaultMinAccountBalance = uint64(100_000)
	DefaultAssetOptInReserve = uint64(100_000)
)

// Config carries the process-level settings for a sxchain node or demo.
type Config struct {
	DataDir           string `toml:"DataDir"`
	NetworkName       string `toml:"NetworkName"`
	Env               string `toml:"Env"`
	MetricsAddress    string `toml:"MetricsAddress"`
	MinTxnFee         uint64 `toml:"MinTxnFee"`
	MinAccountBalance uint64 `toml:"MinAccountBalance"`
	AssetOptInReserve uint64 `toml:"AssetOptInReserve"`
}

// Default returns the configuration used when no file exists yet.
func Default() *Config {
	return &Config{
		DataDir:           "./data",
		NetworkName:       "sx-local",
		Env:               "dev",
		MinTxnFee:         DefaultMinTxnFee,
		MinAccountBalance: DefaultMinAccountBalance,
		AssetOptInReserve: DefaultAssetOptInReserve,
	}
}

// Load loads the configuration from the given path, creating a default file
// when none exists.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	applyFallbacks(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects parameter combinations the ledger cannot run with.
func (c *Config) Validate() error {
	if c.MinTxnFee == 0 {
		return fmt.Errorf("MinTxnFee must be positive")
	}
	if c.MinAccountBalance == 0 {
		return fmt.Errorf("MinAccountBalance must be positive")
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("DataDir must be set")
	}
	return nil
}

func applyFallbacks(cfg *Config) {
	def := Default()
	if strings.TrimSpace(cfg.NetworkName) == "" {
		cfg.NetworkName = def.NetworkName
	}
	if cfg.MinTxnFee == 0 {
		cfg.MinTxnFee = def.MinTxnFee
	}
	if cfg.MinAccountBalance == 0 {
		cfg.MinAccountBalance = def.MinAccountBalance
	}
	if cfg.AssetOptInReserve == 0 {
		cfg.AssetOptInReserve = def.AssetOptInReserve
	}
}

func createDefault(path string) (*Config, error) {
	cfg := Default()
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
