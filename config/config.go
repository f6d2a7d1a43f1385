package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const defaultSecretEnv = "CREDITD_JWT_SECRET"

// Config is the creditd daemon configuration.
type Config struct {
	ListenAddress string          `toml:"ListenAddress" yaml:"listen"`
	DataDir       string          `toml:"DataDir" yaml:"data_dir"`
	Environment   string          `toml:"Environment" yaml:"environment"`
	Logging       LoggingConfig   `toml:"logging" yaml:"logging"`
	Storage       StorageConfig   `toml:"storage" yaml:"storage"`
	History       HistoryConfig   `toml:"history" yaml:"history"`
	Auth          AuthConfig      `toml:"auth" yaml:"auth"`
	RateLimit     RateLimitConfig `toml:"rate_limit" yaml:"rate_limit"`
	Credit        CreditConfig    `toml:"credit" yaml:"credit"`
	Vaults        []VaultConfig   `toml:"vaults" yaml:"vaults"`
	// Prices seeds the manual oracle, keyed by denom.
	Prices    map[string]string `toml:"prices" yaml:"prices"`
	SwapDesk  SwapDeskConfig    `toml:"swap_desk" yaml:"swap_desk"`
	Telemetry TelemetryConfig   `toml:"telemetry" yaml:"telemetry"`
}

// Default returns a single-node configuration with in-memory storage and no
// vaults.
func Default() *Config {
	return &Config{
		ListenAddress: ":8086",
		DataDir:       "./creditd-data",
		Environment:   "local",
		Logging:       LoggingConfig{Level: "info"},
		Storage:       StorageConfig{Backend: "memory"},
		Auth:          AuthConfig{SecretEnv: defaultSecretEnv, Issuer: "ghostcredit", AllowedSkewSecs: 30},
		RateLimit:     RateLimitConfig{RequestsPerMinute: 600, Burst: 60},
		Credit: CreditConfig{
			AdjustmentThreshold:  "0.8",
			LiquidationThreshold: "0.9",
			MaxSlip:              "0.3",
			FeeProtocol:          "0",
			FeeLiquidator:        "0",
			CollateralRatios:     map[string]string{},
		},
		Prices:    map[string]string{},
		Telemetry: TelemetryConfig{Traces: true, Metrics: true},
	}
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}

// Load reads the configuration at path, TOML or YAML by extension. A missing
// file is created with defaults. The result is normalised and validated.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path required")
	}
	cfg := Default()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := persist(path, cfg); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	} else if err := decode(path, cfg); err != nil {
		return nil, err
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(path string, cfg *Config) error {
	if isYAML(path) {
		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		decoder := yaml.NewDecoder(file)
		decoder.KnownFields(true)
		if err := decoder.Decode(cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
		return nil
	}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("config file %s has unknown field %s", path, undecoded[0])
	}
	return nil
}

func (cfg *Config) normalize() {
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	cfg.Storage.Backend = strings.ToLower(strings.TrimSpace(cfg.Storage.Backend))
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "memory"
	}
	if cfg.Storage.Path == "" && cfg.Storage.Backend != "memory" {
		cfg.Storage.Path = filepath.Join(cfg.DataDir, "state")
	}
	cfg.History.Driver = strings.ToLower(strings.TrimSpace(cfg.History.Driver))
	if cfg.History.Driver == "sqlite" && strings.TrimSpace(cfg.History.DSN) == "" {
		cfg.History.DSN = filepath.Join(cfg.DataDir, "history.db")
	}
	if cfg.Auth.HMACSecret == "" && cfg.Auth.SecretEnv != "" {
		cfg.Auth.HMACSecret = strings.TrimSpace(os.Getenv(cfg.Auth.SecretEnv))
	}
	if cfg.Credit.CollateralRatios == nil {
		cfg.Credit.CollateralRatios = map[string]string{}
	}
	if cfg.Prices == nil {
		cfg.Prices = map[string]string{}
	}
	cfg.Telemetry.Endpoint = strings.TrimSpace(cfg.Telemetry.Endpoint)
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if isYAML(path) {
		encoder := yaml.NewEncoder(f)
		defer encoder.Close()
		return encoder.Encode(cfg)
	}
	return toml.NewEncoder(f).Encode(cfg)
}
