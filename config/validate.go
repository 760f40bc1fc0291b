package config

import (
	"fmt"
	"net/url"
	"strings"
)

func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config: nil config")
	}
	if strings.TrimSpace(cfg.RPCAddress) == "" {
		return fmt.Errorf("config: RPCAddress required")
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		return fmt.Errorf("config: DataDir required")
	}
	if cfg.Log.MaxSizeMB < 0 || cfg.Log.MaxBackups < 0 || cfg.Log.MaxAgeDays < 0 {
		return fmt.Errorf("config: log rotation values must not be negative")
	}
	if (cfg.Telemetry.Metrics || cfg.Telemetry.Traces) && strings.TrimSpace(cfg.Telemetry.Endpoint) == "" {
		return fmt.Errorf("config: Telemetry.Endpoint required when a signal is enabled")
	}
	if trimmed := strings.TrimSpace(cfg.Compliance.URL); trimmed != "" {
		parsed, err := url.Parse(trimmed)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("config: Compliance.URL must be an absolute URL")
		}
		if cfg.Compliance.TimeoutSeconds <= 0 {
			return fmt.Errorf("config: Compliance.TimeoutSeconds must be positive")
		}
	}
	return nil
}
