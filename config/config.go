// Package config handles application configuration.
//
// Configuration is split by subsystem: upstream node access, ingestion
// tuning, the block queue, the event store, outbox delivery, and the wire
// transports. All settings are per-node and operational; none affect what
// the indexed chain itself looks like.
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// NetworkType identifies mainnet or testnet.
type NetworkType string

const (
	Mainnet NetworkType = "mainnet"
	Testnet NetworkType = "testnet"
)

// Config holds node-specific runtime configuration.
type Config struct {
	// Core
	Network NetworkType `conf:"network"`
	DataDir string      `conf:"datadir"`

	// Upstream blockchain node access
	Upstream UpstreamConfig

	// Block ingestion tuning
	Ingest IngestConfig

	// Block queue limits
	Queue QueueConfig

	// Event store / outbox
	Store StoreConfig

	// Outbox delivery
	Delivery DeliveryConfig

	// Wire transports
	Wire WireConfig

	// Logging
	Log LogConfig
}

// UpstreamConfig holds access settings for the Bitcoin-compatible node the
// indexer pulls blocks from.
type UpstreamConfig struct {
	URL      string        `conf:"upstream.url"`
	User     string        `conf:"upstream.user"`
	Password string        `conf:"upstream.password"`
	Timeout  time.Duration `conf:"upstream.timeout"`
}

// IngestConfig holds pull-loader and batch-iterator tuning.
type IngestConfig struct {
	// MaxPreloadCount is the initial number of block metadata entries the
	// loader requests ahead of fetching. The loader adapts it at runtime.
	MaxPreloadCount int `conf:"ingest.preload"`

	// MaxRequestBlocksBatchSize caps the cumulative byte size of one
	// block-fetch request.
	MaxRequestBlocksBatchSize int64 `conf:"ingest.batchbytes"`

	// IteratorBatchSize caps the cumulative byte size of one batch handed
	// to the domain executor.
	IteratorBatchSize int64 `conf:"ingest.iterbytes"`

	// BlockTime is the chain's expected block interval. The loader's
	// monitoring backoff is capped at half of it (floor 30s).
	BlockTime time.Duration `conf:"ingest.blocktime"`

	// FetchRetries is how many times a transient block fetch is retried
	// before the tick fails.
	FetchRetries int `conf:"ingest.retries"`

	// RetryDelay is the pause between transient fetch retries.
	RetryDelay time.Duration `conf:"ingest.retrydelay"`
}

// QueueConfig holds block queue limits.
type QueueConfig struct {
	// MaxQueueSize caps the cumulative byte size of queued blocks.
	MaxQueueSize int64 `conf:"queue.maxbytes"`

	// MaxBlockHeight stops ingestion once the queue tip reaches it
	// (0 = unlimited).
	MaxBlockHeight int64 `conf:"queue.maxheight"`
}

// StoreConfig holds event store settings.
type StoreConfig struct {
	// Path is the SQLite database file. Empty = <datadir>/<network>/events.db.
	Path string `conf:"store.path"`

	// CompressThreshold is the payload size in bytes above which event
	// payloads are stored snappy-compressed.
	CompressThreshold int `conf:"store.compress"`

	// BusyTimeout is the SQLite busy timeout.
	BusyTimeout time.Duration `conf:"store.busytimeout"`

	// SnapshotInterval is how many blocks between aggregate snapshots
	// (0 = disabled).
	SnapshotInterval int64 `conf:"store.snapinterval"`

	// SnapshotMinKeep is the minimum number of snapshots retained per
	// aggregate when pruning.
	SnapshotMinKeep int `conf:"store.snapminkeep"`

	// SnapshotKeepWindow keeps all snapshots within this many blocks of
	// the tip when pruning.
	SnapshotKeepWindow int64 `conf:"store.snapwindow"`
}

// DeliveryConfig holds outbox delivery settings.
type DeliveryConfig struct {
	// ChunkBudgetBytes caps the cumulative uncompressed payload size of
	// one delivered outbox chunk.
	ChunkBudgetBytes int64 `conf:"delivery.chunkbytes"`

	// SweepInterval is the periodic sweep cadence when no new-event
	// notifications arrive.
	SweepInterval time.Duration `conf:"delivery.sweep"`
}

// WireConfig holds transport settings shared by all producers.
type WireConfig struct {
	// MaxMessageBytes caps a serialized envelope (plus fixed framing
	// overhead) on any transport.
	MaxMessageBytes int64 `conf:"wire.maxmessage"`

	// AckTimeout bounds how long a producer waits for a batch ACK.
	AckTimeout time.Duration `conf:"wire.acktimeout"`

	// Heartbeat settings.
	HeartbeatInterval    time.Duration `conf:"wire.hbinterval"`
	HeartbeatMaxInterval time.Duration `conf:"wire.hbmaxinterval"`
	HeartbeatTimeout     time.Duration `conf:"wire.hbtimeout"`

	// Streaming selects which producer streams the outbox: "ws", "http",
	// "ipc", or "" for none (broadcast-only operation).
	Streaming string `conf:"wire.streaming"`

	HTTP HTTPConfig
	WS   WSConfig
	IPC  IPCConfig
}

// HTTPConfig holds HTTP transport settings.
type HTTPConfig struct {
	Enabled bool   `conf:"http.enabled"`
	Addr    string `conf:"http.addr"`
	Port    int    `conf:"http.port"`
}

// WSConfig holds WebSocket transport settings. The producer dials out to
// the consumer endpoint.
type WSConfig struct {
	Enabled bool   `conf:"ws.enabled"`
	URL     string `conf:"ws.url"`
}

// IPCConfig holds IPC (unix socket) transport settings.
type IPCConfig struct {
	Enabled bool   `conf:"ipc.enabled"`
	Path    string `conf:"ipc.path"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `conf:"log.level"`
	File  string `conf:"log.file"`
	JSON  bool   `conf:"log.json"`
}

// DefaultDataDir returns the platform-specific default data directory.
//
//	Linux:   ~/.chainpulse
//	macOS:   ~/Library/Application Support/Chainpulse
//	Windows: %APPDATA%\Chainpulse
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chainpulse"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "Chainpulse")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData != "" {
			return filepath.Join(appData, "Chainpulse")
		}
		return filepath.Join(home, "AppData", "Roaming", "Chainpulse")
	default:
		return filepath.Join(home, ".chainpulse")
	}
}

// ChainDataDir returns the network-specific data directory.
func (c *Config) ChainDataDir() string {
	return filepath.Join(c.DataDir, string(c.Network))
}

// StorePath returns the SQLite event store file path.
func (c *Config) StorePath() string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	return filepath.Join(c.ChainDataDir(), "events.db")
}

// CacheDir returns the chain restore cache directory.
func (c *Config) CacheDir() string {
	return filepath.Join(c.ChainDataDir(), "cache")
}

// IPCPath returns the IPC socket path.
func (c *Config) IPCPath() string {
	if c.Wire.IPC.Path != "" {
		return c.Wire.IPC.Path
	}
	return filepath.Join(c.DataDir, "chainpulse.sock")
}

// LogsDir returns the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// ConfigFile returns the config file path.
func (c *Config) ConfigFile() string {
	return filepath.Join(c.DataDir, "chainpulse.conf")
}
