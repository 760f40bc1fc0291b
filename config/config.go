package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

type Config struct {
	RPCAddress     string `toml:"RPCAddress"`
	MetricsAddress string `toml:"MetricsAddress"`
	DataDir        string `toml:"DataDir"`
	GenesisFile    string `toml:"GenesisFile"`
	NetworkName    string `toml:"NetworkName"`

	Log        Log        `toml:"Log"`
	Telemetry  Telemetry  `toml:"Telemetry"`
	Compliance Compliance `toml:"Compliance"`
}

// Log controls the JSON log sink. FilePath enables a rotating file copy in
// addition to stdout.
type Log struct {
	Environment string `toml:"Environment"`
	FilePath    string `toml:"FilePath"`
	MaxSizeMB   int    `toml:"MaxSizeMB"`
	MaxBackups  int    `toml:"MaxBackups"`
	MaxAgeDays  int    `toml:"MaxAgeDays"`
}

// Telemetry configures the OTLP exporters. Both signals stay off until
// enabled explicitly.
type Telemetry struct {
	Endpoint string `toml:"Endpoint"`
	Insecure bool   `toml:"Insecure"`
	Metrics  bool   `toml:"Metrics"`
	Traces   bool   `toml:"Traces"`
}

// Compliance points eligibility checks at an external service. With an
// empty URL the node consults its own state registry only. TokenEnv names
// the environment variable carrying the bearer token so the secret stays
// out of the config file.
type Compliance struct {
	URL            string `toml:"URL"`
	TokenEnv       string `toml:"TokenEnv"`
	TimeoutSeconds int    `toml:"TimeoutSeconds"`
}

// Load loads the configuration from the given path.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	applyDefaults(cfg)
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.RPCAddress == "" {
		cfg.RPCAddress = ":8080"
	}
	if cfg.MetricsAddress == "" {
		cfg.MetricsAddress = ":9464"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./bsn-data"
	}
	if cfg.NetworkName == "" {
		cfg.NetworkName = "bsn-local"
	}
	if cfg.Log.Environment == "" {
		cfg.Log.Environment = "dev"
	}
	if cfg.Compliance.URL != "" && cfg.Compliance.TimeoutSeconds == 0 {
		cfg.Compliance.TimeoutSeconds = 5
	}
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

	return toml.NewEncoder(f).Encode(cfg)
}
