package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
)

// Flags holds parsed command-line flags.
type Flags struct {
	// Commands
	Help    bool
	Version bool

	// Core
	Network string
	DataDir string
	Config  string

	// Upstream node
	UpstreamURL  string
	UpstreamUser string
	UpstreamPass string

	// Queue
	MaxHeight int64

	// Wire
	HTTP      bool
	HTTPAddr  string
	HTTPPort  int
	WS        bool
	WSURL     string
	IPC       bool
	IPCPath   string
	Streaming string

	// Logging
	LogLevel string
	LogFile  string
	LogJSON  bool

	// Remaining args
	Args []string

	// Explicitly-set bool flags (for true/false overrides).
	SetHTTP    bool
	SetWS      bool
	SetIPC     bool
	SetLogJSON bool
}

// ParseFlags parses command-line flags.
func ParseFlags() *Flags {
	f := &Flags{}
	fs := flag.NewFlagSet("chainpulse", flag.ContinueOnError)

	// Commands
	fs.BoolVar(&f.Help, "help", false, "Show help message")
	fs.BoolVar(&f.Help, "h", false, "Show help message (shorthand)")
	fs.BoolVar(&f.Version, "version", false, "Show version information")
	fs.BoolVar(&f.Version, "v", false, "Show version (shorthand)")

	// Core
	fs.StringVar(&f.Network, "network", "", "Network type (mainnet or testnet)")
	fs.StringVar(&f.DataDir, "datadir", "", "Data directory path")
	fs.StringVar(&f.Config, "config", "", "Config file path")
	fs.StringVar(&f.Config, "c", "", "Config file path (shorthand)")

	// Upstream node
	fs.StringVar(&f.UpstreamURL, "upstream", "", "Upstream node JSON-RPC URL")
	fs.StringVar(&f.UpstreamUser, "upstream-user", "", "Upstream node RPC username")
	fs.StringVar(&f.UpstreamPass, "upstream-pass", "", "Upstream node RPC password")

	// Queue
	fs.Int64Var(&f.MaxHeight, "max-height", 0, "Stop ingesting past this height (0 = unlimited)")

	// Wire
	fs.BoolVar(&f.HTTP, "http", true, "Enable HTTP transport")
	fs.StringVar(&f.HTTPAddr, "http-addr", "", "HTTP transport listen address")
	fs.IntVar(&f.HTTPPort, "http-port", 0, "HTTP transport listen port")
	fs.BoolVar(&f.WS, "ws", false, "Enable WebSocket transport")
	fs.StringVar(&f.WSURL, "ws-url", "", "WebSocket consumer endpoint URL")
	fs.BoolVar(&f.IPC, "ipc", false, "Enable IPC transport")
	fs.StringVar(&f.IPCPath, "ipc-path", "", "IPC socket path")
	fs.StringVar(&f.Streaming, "streaming", "", "Streaming producer: http, ws, or ipc")

	// Logging
	fs.StringVar(&f.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&f.LogFile, "log-file", "", "Log file path")
	fs.BoolVar(&f.LogJSON, "log-json", false, "Output logs as JSON")

	// Custom usage
	fs.Usage = func() {
		printUsage()
	}

	// Parse
	if err := fs.Parse(os.Args[1:]); err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	f.SetHTTP = isFlagSet(fs, "http")
	f.SetWS = isFlagSet(fs, "ws")
	f.SetIPC = isFlagSet(fs, "ipc")
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

	// Upstream node
	if f.UpstreamURL != "" {
		cfg.Upstream.URL = f.UpstreamURL
	}
	if f.UpstreamUser != "" {
		cfg.Upstream.User = f.UpstreamUser
	}
	if f.UpstreamPass != "" {
		cfg.Upstream.Password = f.UpstreamPass
	}

	// Queue
	if f.MaxHeight != 0 {
		cfg.Queue.MaxBlockHeight = f.MaxHeight
	}

	// Wire
	if f.SetHTTP {
		cfg.Wire.HTTP.Enabled = f.HTTP
	}
	if f.HTTPAddr != "" {
		cfg.Wire.HTTP.Addr = f.HTTPAddr
	}
	if f.HTTPPort != 0 {
		cfg.Wire.HTTP.Port = f.HTTPPort
	}
	if f.SetWS {
		cfg.Wire.WS.Enabled = f.WS
	}
	if f.WSURL != "" {
		cfg.Wire.WS.URL = f.WSURL
	}
	if f.SetIPC {
		cfg.Wire.IPC.Enabled = f.IPC
	}
	if f.IPCPath != "" {
		cfg.Wire.IPC.Path = f.IPCPath
	}
	if f.Streaming != "" {
		cfg.Wire.Streaming = strings.ToLower(f.Streaming)
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

// Load loads configuration with the following precedence:
// 1. Default values
// 2. Auto-create data dirs + default config (idempotent)
// 3. Config file
// 4. Command-line flags
func Load() (*Config, *Flags, error) {
	flags := ParseFlags()

	if flags.Help {
		printUsage()
		os.Exit(0)
	}
	if flags.Version {
		fmt.Println("chainpulsed version 0.1.0")
		os.Exit(0)
	}

	// Network first, the defaults depend on it.
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

// EnsureDataDirs creates the node's directory tree and, on first start,
// a default config file.
func EnsureDataDirs(cfg *Config) error {
	dirs := []string{
		cfg.DataDir,
		cfg.ChainDataDir(),
		cfg.CacheDir(),
		cfg.LogsDir(),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}

	configPath := cfg.ConfigFile()
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := WriteDefaultConfig(configPath, cfg.Network); err != nil {
			return fmt.Errorf("writing config file: %w", err)
		}
	}
	return nil
}

// isFlagSet reports whether the named flag was explicitly set on the
// command line.
func isFlagSet(fs *flag.FlagSet, name string) bool {
	set := false
	fs.Visit(func(fl *flag.Flag) {
		if fl.Name == name {
			set = true
		}
	})
	return set
}

// printUsage prints command-line usage.
func printUsage() {
	fmt.Fprintf(os.Stderr, `chainpulsed - blockchain indexing runtime

Usage:
  chainpulsed [flags]

Core:
  --network <name>       Network type: mainnet or testnet
  --datadir <path>       Data directory path
  --config, -c <path>    Config file path

Upstream node:
  --upstream <url>       Upstream node JSON-RPC URL
  --upstream-user <u>    Upstream node RPC username
  --upstream-pass <p>    Upstream node RPC password

Ingestion:
  --max-height <n>       Stop ingesting past this height (0 = unlimited)

Wire transports:
  --http                 Enable HTTP transport (default true)
  --http-addr <addr>     HTTP transport listen address
  --http-port <port>     HTTP transport listen port
  --ws                   Enable WebSocket transport
  --ws-url <url>         WebSocket consumer endpoint URL
  --ipc                  Enable IPC transport
  --ipc-path <path>      IPC socket path
  --streaming <name>     Streaming producer: http, ws, or ipc

Logging:
  --log-level <level>    Log level: debug, info, warn, error
  --log-file <path>      Log file path
  --log-json             Output logs as JSON

Other:
  --version, -v          Show version information
  --help, -h             Show this help message
`)
}
