package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// LoadFile loads node configuration from a .conf file.
// Format: key = value (one per line, # for comments)
func LoadFile(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]string), nil
		}
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// Parse key = value
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("line %d: invalid format (expected key = value)", lineNum)
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		// Remove quotes if present
		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') ||
				(value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}

		values[key] = value
	}

	return values, scanner.Err()
}

// ApplyFileConfig applies file configuration to a Config struct.
func ApplyFileConfig(cfg *Config, values map[string]string) error {
	for key, value := range values {
		if err := setConfigValue(cfg, key, value); err != nil {
			return fmt.Errorf("config key %q: %w", key, err)
		}
	}
	return nil
}

// setConfigValue sets a node config value by key.
func setConfigValue(cfg *Config, key, value string) error {
	switch key {
	// Core
	case "network":
		cfg.Network = NetworkType(value)
	case "datadir":
		cfg.DataDir = value

	// Upstream node
	case "upstream.url":
		cfg.Upstream.URL = value
	case "upstream.user":
		cfg.Upstream.User = value
	case "upstream.password":
		cfg.Upstream.Password = value
	case "upstream.timeout":
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		cfg.Upstream.Timeout = d

	// Ingestion
	case "ingest.preload":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Ingest.MaxPreloadCount = n
	case "ingest.batchbytes":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		cfg.Ingest.MaxRequestBlocksBatchSize = n
	case "ingest.iterbytes":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		cfg.Ingest.IteratorBatchSize = n
	case "ingest.blocktime":
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		cfg.Ingest.BlockTime = d
	case "ingest.retries":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Ingest.FetchRetries = n
	case "ingest.retrydelay":
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		cfg.Ingest.RetryDelay = d

	// Queue
	case "queue.maxbytes":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		cfg.Queue.MaxQueueSize = n
	case "queue.maxheight":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		cfg.Queue.MaxBlockHeight = n

	// Store
	case "store.path":
		cfg.Store.Path = value
	case "store.compress":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Store.CompressThreshold = n
	case "store.busytimeout":
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		cfg.Store.BusyTimeout = d
	case "store.snapinterval":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		cfg.Store.SnapshotInterval = n
	case "store.snapminkeep":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Store.SnapshotMinKeep = n
	case "store.snapwindow":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		cfg.Store.SnapshotKeepWindow = n

	// Delivery
	case "delivery.chunkbytes":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		cfg.Delivery.ChunkBudgetBytes = n
	case "delivery.sweep":
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		cfg.Delivery.SweepInterval = d

	// Wire
	case "wire.maxmessage":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		cfg.Wire.MaxMessageBytes = n
	case "wire.acktimeout":
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		cfg.Wire.AckTimeout = d
	case "wire.hbinterval":
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		cfg.Wire.HeartbeatInterval = d
	case "wire.hbmaxinterval":
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		cfg.Wire.HeartbeatMaxInterval = d
	case "wire.hbtimeout":
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		cfg.Wire.HeartbeatTimeout = d
	case "wire.streaming":
		cfg.Wire.Streaming = strings.ToLower(value)

	// HTTP transport
	case "http.enabled", "http":
		cfg.Wire.HTTP.Enabled = parseBool(value)
	case "http.addr":
		cfg.Wire.HTTP.Addr = value
	case "http.port":
		port, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Wire.HTTP.Port = port

	// WebSocket transport
	case "ws.enabled", "ws":
		cfg.Wire.WS.Enabled = parseBool(value)
	case "ws.url":
		cfg.Wire.WS.URL = value

	// IPC transport
	case "ipc.enabled", "ipc":
		cfg.Wire.IPC.Enabled = parseBool(value)
	case "ipc.path":
		cfg.Wire.IPC.Path = value

	// Logging
	case "log.level":
		cfg.Log.Level = value
	case "log.file":
		cfg.Log.File = value
	case "log.json":
		cfg.Log.JSON = parseBool(value)

	default:
		// Unknown keys are ignored
	}
	return nil
}

// parseBool parses a boolean value.
func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes" || s == "on"
}

// WriteDefaultConfig writes a default node configuration file.
func WriteDefaultConfig(path string, network NetworkType) error {
	content := `# Chainpulse Indexer Configuration
#
# All settings here are node-operational. Nothing in this file changes
# what the indexed chain looks like.

# Network: mainnet or testnet
network = ` + string(network) + `

# Data directory (default: ~/.chainpulse)
# datadir = ~/.chainpulse

# ============================================================================
# Upstream node (Bitcoin-compatible JSON-RPC)
# ============================================================================

upstream.url = ` + defaultUpstreamURL(network) + `
# upstream.user =
# upstream.password =
# upstream.timeout = 30s

# ============================================================================
# Block ingestion
# ============================================================================

# How many block metadata entries to preload ahead (adapts at runtime)
# ingest.preload = 100

# Max cumulative bytes per block-fetch request
# ingest.batchbytes = 8388608

# Max cumulative bytes per executor batch
# ingest.iterbytes = 16777216

# Expected block interval of the chain
# ingest.blocktime = 10m

# ============================================================================
# Block queue
# ============================================================================

# Max cumulative bytes of buffered blocks
# queue.maxbytes = 268435456

# Stop ingesting past this height (0 = unlimited)
# queue.maxheight = 0

# ============================================================================
# Event store
# ============================================================================

# SQLite file (default: <datadir>/<network>/events.db)
# store.path =

# Compress event payloads above this many bytes
# store.compress = 4096

# Snapshot every N blocks (0 = disabled)
# store.snapinterval = 1000

# ============================================================================
# Outbox delivery
# ============================================================================

# delivery.chunkbytes = 1048576
# delivery.sweep = 10s

# ============================================================================
# Wire transports
# ============================================================================

# Which producer streams the outbox: http, ws, ipc, or empty for none
# wire.streaming =

# wire.maxmessage = 4194304
# wire.acktimeout = 5s

http.enabled = true
http.addr = 127.0.0.1
http.port = ` + defaultHTTPPort(network) + `

ws.enabled = false
# ws.url = ws://consumer.example.com:9000/feed

ipc.enabled = false
# ipc.path =

# ============================================================================
# Logging
# ============================================================================

log.level = info
# log.file =
log.json = false
`
	return os.WriteFile(path, []byte(content), 0644)
}

func defaultUpstreamURL(network NetworkType) string {
	if network == Testnet {
		return "http://127.0.0.1:18332"
	}
	return "http://127.0.0.1:8332"
}

func defaultHTTPPort(network NetworkType) string {
	if network == Testnet {
		return "8491"
	}
	return "8391"
}
