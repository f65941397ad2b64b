package config

import "time"

// DefaultMainnet returns the default node configuration for mainnet.
func DefaultMainnet() *Config {
	return &Config{
		Network: Mainnet,
		DataDir: DefaultDataDir(),
		Upstream: UpstreamConfig{
			URL:     "http://127.0.0.1:8332",
			Timeout: 30 * time.Second,
		},
		Ingest: IngestConfig{
			MaxPreloadCount:           100,
			MaxRequestBlocksBatchSize: 8 << 20,  // 8 MB per fetch request
			IteratorBatchSize:         16 << 20, // 16 MB per executor batch
			BlockTime:                 10 * time.Minute,
			FetchRetries:              3,
			RetryDelay:                time.Second,
		},
		Queue: QueueConfig{
			MaxQueueSize: 256 << 20, // 256 MB of buffered blocks
		},
		Store: StoreConfig{
			CompressThreshold:  4096,
			BusyTimeout:        5 * time.Second,
			SnapshotInterval:   1000,
			SnapshotMinKeep:    3,
			SnapshotKeepWindow: 10000,
		},
		Delivery: DeliveryConfig{
			ChunkBudgetBytes: 1 << 20, // 1 MB per delivered chunk
			SweepInterval:    10 * time.Second,
		},
		Wire: WireConfig{
			MaxMessageBytes:      4 << 20, // 4 MB per envelope
			AckTimeout:           5 * time.Second,
			HeartbeatInterval:    time.Second,
			HeartbeatMaxInterval: 30 * time.Second,
			HeartbeatTimeout:     60 * time.Second,
			Streaming:            "",
			HTTP: HTTPConfig{
				Enabled: true,
				Addr:    "127.0.0.1",
				Port:    8391,
			},
			WS:  WSConfig{Enabled: false},
			IPC: IPCConfig{Enabled: false},
		},
		Log: LogConfig{
			Level: "info",
			JSON:  false,
		},
	}
}

// DefaultTestnet returns the default node configuration for testnet.
func DefaultTestnet() *Config {
	cfg := DefaultMainnet()
	cfg.Network = Testnet
	cfg.Upstream.URL = "http://127.0.0.1:18332"
	cfg.Wire.HTTP.Port = 8491
	return cfg
}

// Default returns the default node configuration for the given network.
func Default(network NetworkType) *Config {
	switch network {
	case Testnet:
		return DefaultTestnet()
	default:
		return DefaultMainnet()
	}
}
