package config

import (
	"fmt"
	"strings"
)

// Validate checks runtime config for obvious operator mistakes.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Network != Mainnet && cfg.Network != Testnet {
		return fmt.Errorf("network must be %q or %q", Mainnet, Testnet)
	}
	if cfg.Live.URL == "" {
		return fmt.Errorf("live.url must be set")
	}
	if !strings.HasPrefix(cfg.Live.URL, "ws://") && !strings.HasPrefix(cfg.Live.URL, "wss://") {
		return fmt.Errorf("live.url must be a ws:// or wss:// URL")
	}
	if cfg.API.URL == "" {
		return fmt.Errorf("api.url must be set")
	}
	if !strings.HasPrefix(cfg.API.URL, "http://") && !strings.HasPrefix(cfg.API.URL, "https://") {
		return fmt.Errorf("api.url must be an http:// or https:// URL")
	}
	if cfg.Live.ConnectTimeout < 0 || cfg.Live.HeartbeatInterval < 0 || cfg.Live.StaleAfter < 0 {
		return fmt.Errorf("live channel timers must not be negative")
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr must be set when metrics are enabled")
	}

	seen := make(map[string]struct{}, len(cfg.Addresses))
	for i, addr := range cfg.Addresses {
		a := strings.TrimSpace(addr)
		if a == "" {
			return fmt.Errorf("addresses[%d] is empty", i)
		}
		if _, dup := seen[a]; dup {
			return fmt.Errorf("addresses has duplicate entry %q", a)
		}
		seen[a] = struct{}{}
		cfg.Addresses[i] = a
	}

	return nil
}
