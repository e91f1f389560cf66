package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"
)

// Flags holds parsed command-line flags.
type Flags struct {
	// Commands
	Help    bool
	Version bool

	// Core
	Network   string
	DataDir   string
	Config    string
	Addresses string

	// Live channel
	LiveURL           string
	ConnectTimeout    time.Duration
	HeartbeatInterval time.Duration
	StaleAfter        time.Duration

	// Backlog API
	APIURL     string
	APITimeout time.Duration

	// Snapshot store
	Store         bool
	StoreInMemory bool

	// Metrics
	Metrics     bool
	MetricsAddr string

	// Logging
	LogLevel string
	LogFile  string
	LogJSON  bool

	// Remaining args
	Args []string

	// Explicitly-set bool flags (for true/false overrides).
	SetStore   bool
	SetMetrics bool
	SetLogJSON bool
}

// ParseFlags parses command-line flags.
func ParseFlags() *Flags {
	f := &Flags{}
	fs := flag.NewFlagSet("klingwatch", flag.ContinueOnError)

	// Commands
	fs.BoolVar(&f.Help, "help", false, "Show help message")
	fs.BoolVar(&f.Help, "h", false, "Show help message (shorthand)")
	fs.BoolVar(&f.Version, "version", false, "Show version information")
	fs.BoolVar(&f.Version, "v", false, "Show version (shorthand)")

	// Core
	fs.StringVar(&f.Network, "network", "", "Network type (mainnet or testnet)")
	fs.BoolVar(new(bool), "testnet", false, "Use testnet (shorthand for --network=testnet)")
	fs.StringVar(&f.DataDir, "datadir", "", "Data directory path")
	fs.StringVar(&f.Config, "config", "", "Config file path")
	fs.StringVar(&f.Config, "c", "", "Config file path (shorthand)")
	fs.StringVar(&f.Addresses, "addresses", "", "Comma-separated addresses to watch")

	// Live channel
	fs.StringVar(&f.LiveURL, "live-url", "", "Websocket URL for the live push channel")
	fs.DurationVar(&f.ConnectTimeout, "connect-timeout", 0, "Websocket connect timeout")
	fs.DurationVar(&f.HeartbeatInterval, "heartbeat", 0, "Heartbeat interval")
	fs.DurationVar(&f.StaleAfter, "stale-after", 0, "Silence after which the connection is replaced")

	// Backlog API
	fs.StringVar(&f.APIURL, "api-url", "", "Esplora-compatible REST API base URL")
	fs.DurationVar(&f.APITimeout, "api-timeout", 0, "REST API request timeout")

	// Snapshot store
	fs.BoolVar(&f.Store, "store", true, "Persist wallet snapshots across restarts")
	fs.BoolVar(&f.StoreInMemory, "store-inmemory", false, "Keep snapshots in memory only")

	// Metrics
	fs.BoolVar(&f.Metrics, "metrics", false, "Serve prometheus metrics")
	fs.StringVar(&f.MetricsAddr, "metrics-addr", "", "Metrics listen address")

	// Logging
	fs.StringVar(&f.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&f.LogFile, "log-file", "", "Log file path")
	fs.BoolVar(&f.LogJSON, "log-json", false, "Output logs as JSON")

	fs.Usage = func() {
		printUsage()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	// Handle --testnet shorthand
	if isFlagSet(fs, "testnet") {
		f.Network = "testnet"
	}
	f.SetStore = isFlagSet(fs, "store")
	f.SetMetrics = isFlagSet(fs, "metrics")
	f.SetLogJSON = isFlagSet(fs, "log-json")

	f.Args = fs.Args()

	// Detect unparsed flags caused by positional arguments stopping the parser.
	for _, arg := range f.Args {
		if strings.HasPrefix(arg, "-") {
			fmt.Fprintf(os.Stderr, "Error: flag %q was not parsed (positional argument stopped parsing)\n", arg)
			os.Exit(1)
		}
	}

	return f
}

// ApplyFlags applies command-line flags to a Config struct.
func ApplyFlags(cfg *Config, f *Flags) {
	// Core
	if f.Network != "" {
		cfg.Network = NetworkType(f.Network)
	}
	if f.DataDir != "" {
		cfg.DataDir = f.DataDir
	}
	if f.Addresses != "" {
		cfg.Addresses = parseStringList(f.Addresses)
	}

	// Live channel
	if f.LiveURL != "" {
		cfg.Live.URL = f.LiveURL
	}
	if f.ConnectTimeout > 0 {
		cfg.Live.ConnectTimeout = f.ConnectTimeout
	}
	if f.HeartbeatInterval > 0 {
		cfg.Live.HeartbeatInterval = f.HeartbeatInterval
	}
	if f.StaleAfter > 0 {
		cfg.Live.StaleAfter = f.StaleAfter
	}

	// Backlog API
	if f.APIURL != "" {
		cfg.API.URL = f.APIURL
	}
	if f.APITimeout > 0 {
		cfg.API.Timeout = f.APITimeout
	}

	// Snapshot store
	if f.SetStore {
		cfg.Store.Enabled = f.Store
	}
	if f.StoreInMemory {
		cfg.Store.InMemory = true
	}

	// Metrics
	if f.SetMetrics {
		cfg.Metrics.Enabled = f.Metrics
	}
	if f.MetricsAddr != "" {
		cfg.Metrics.Addr = f.MetricsAddr
	}

	// Logging
	if f.LogLevel != "" {
		cfg.Log.Level = f.LogLevel
	}
	if f.LogFile != "" {
		cfg.Log.File = f.LogFile
	}
	if f.SetLogJSON {
		cfg.Log.JSON = f.LogJSON
	}
}

// isFlagSet checks if a flag was explicitly set.
func isFlagSet(fs *flag.FlagSet, name string) bool {
	found := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

func printUsage() {
	usage := `Klingwatch - watch-only bitcoin wallet reconciliation daemon

Usage:
  klingwatchd [options]
  klingwatchd --help

Commands:
  --help, -h      Show this help message
  --version, -v   Show version information

Core Options:
  --network       Network type: mainnet (default) or testnet
  --testnet       Shorthand for --network=testnet
  --datadir       Data directory (default: ~/.klingwatch)
  --config, -c    Config file path (default: <datadir>/klingwatch.conf)
  --addresses     Comma-separated addresses to watch

Live Channel Options:
  --live-url         Websocket URL for the live push channel
  --connect-timeout  Websocket connect timeout (default: 5s)
  --heartbeat        Heartbeat interval (default: 15s)
  --stale-after      Silence after which the connection is replaced (default: 3m)

Backlog API Options:
  --api-url       Esplora-compatible REST API base URL
  --api-timeout   REST API request timeout (default: 10s)

Snapshot Options:
  --store            Persist wallet snapshots across restarts (default: true)
  --store-inmemory   Keep snapshots in memory only

Metrics Options:
  --metrics        Serve prometheus metrics
  --metrics-addr   Metrics listen address (default: 127.0.0.1:9345)

Logging Options:
  --log-level     Log level: debug, info, warn, error (default: info)
  --log-file      Log file path (default: stdout)
  --log-json      Output logs as JSON

Examples:
  # Watch two addresses on mainnet
  klingwatchd --addresses=bc1q...,bc1p...

  # Watch a testnet address with metrics
  klingwatchd --testnet --addresses=tb1q... --metrics
`
	fmt.Print(usage)
}

// Load loads configuration with the following precedence:
// 1. Default values
// 2. Config file
// 3. Command-line flags
func Load() (*Config, *Flags, error) {
	flags := ParseFlags()

	if flags.Help {
		printUsage()
		os.Exit(0)
	}
	if flags.Version {
		fmt.Println("klingwatchd version 0.1.0")
		os.Exit(0)
	}

	// Determine network first (needed for defaults)
	network := Mainnet
	if strings.ToLower(flags.Network) == "testnet" {
		network = Testnet
	}

	cfg := Default(network)

	if flags.DataDir != "" {
		cfg.DataDir = flags.DataDir
	}

	if err := EnsureDataDirs(cfg); err != nil {
		return nil, nil, fmt.Errorf("ensuring data dirs: %w", err)
	}

	configPath := flags.Config
	if configPath == "" {
		configPath = cfg.ConfigFile()
	}

	fileValues, err := LoadFile(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config file: %w", err)
	}
	if err := ApplyFileConfig(cfg, fileValues); err != nil {
		return nil, nil, fmt.Errorf("applying config file: %w", err)
	}

	ApplyFlags(cfg, flags)
	if err := Validate(cfg); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, flags, nil
}
