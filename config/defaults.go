package config

import "time"

// DefaultMainnet returns the default configuration for mainnet.
func DefaultMainnet() *Config {
	return &Config{
		Network: Mainnet,
		DataDir: DefaultDataDir(),
		Live: LiveConfig{
			URL:               "wss://mempool.space/api/v1/ws",
			ConnectTimeout:    5 * time.Second,
			HeartbeatInterval: 15 * time.Second,
			StaleAfter:        180 * time.Second,
		},
		API: APIConfig{
			URL:     "https://mempool.space/api",
			Timeout: 10 * time.Second,
		},
		Store: StoreConfig{
			Enabled: true,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9345",
		},
		Log: LogConfig{
			Level: "info",
			JSON:  false,
		},
	}
}

// DefaultTestnet returns the default configuration for testnet.
func DefaultTestnet() *Config {
	cfg := DefaultMainnet()
	cfg.Network = Testnet
	cfg.Live.URL = "wss://mempool.space/testnet/api/v1/ws"
	cfg.API.URL = "https://mempool.space/testnet/api"
	return cfg
}

// Default returns the default configuration for the given network.
func Default(network NetworkType) *Config {
	switch network {
	case Testnet:
		return DefaultTestnet()
	default:
		return DefaultMainnet()
	}
}
