package config

import (
	"fmt"
	"net/url"
)

// Validate checks runtime node config for obvious operator mistakes.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Network != Mainnet && cfg.Network != Testnet {
		return fmt.Errorf("network must be %q or %q", Mainnet, Testnet)
	}
	if cfg.Upstream.URL == "" {
		return fmt.Errorf("upstream.url is required")
	}
	if _, err := url.Parse(cfg.Upstream.URL); err != nil {
		return fmt.Errorf("upstream.url: %w", err)
	}
	if cfg.Ingest.MaxPreloadCount < 1 {
		return fmt.Errorf("ingest.preload must be at least 1")
	}
	if cfg.Ingest.MaxRequestBlocksBatchSize <= 0 {
		return fmt.Errorf("ingest.batchbytes must be positive")
	}
	if cfg.Ingest.IteratorBatchSize <= 0 {
		return fmt.Errorf("ingest.iterbytes must be positive")
	}
	if cfg.Ingest.BlockTime <= 0 {
		return fmt.Errorf("ingest.blocktime must be positive")
	}
	if cfg.Queue.MaxQueueSize <= 0 {
		return fmt.Errorf("queue.maxbytes must be positive")
	}
	if cfg.Queue.MaxBlockHeight < 0 {
		return fmt.Errorf("queue.maxheight must not be negative")
	}
	if cfg.Store.CompressThreshold < 0 {
		return fmt.Errorf("store.compress must not be negative")
	}
	if cfg.Delivery.ChunkBudgetBytes <= 0 {
		return fmt.Errorf("delivery.chunkbytes must be positive")
	}
	if cfg.Wire.MaxMessageBytes <= 0 {
		return fmt.Errorf("wire.maxmessage must be positive")
	}
	if cfg.Wire.AckTimeout <= 0 {
		return fmt.Errorf("wire.acktimeout must be positive")
	}
	if cfg.Wire.HeartbeatInterval <= 0 {
		return fmt.Errorf("wire.hbinterval must be positive")
	}
	if cfg.Wire.HeartbeatTimeout <= cfg.Wire.HeartbeatInterval {
		return fmt.Errorf("wire.hbtimeout must exceed wire.hbinterval")
	}
	if cfg.Wire.HTTP.Port < 0 || cfg.Wire.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be in range [0, 65535]")
	}
	switch cfg.Wire.Streaming {
	case "", "http", "ws", "ipc":
	default:
		return fmt.Errorf("wire.streaming must be http, ws, ipc, or empty")
	}
	if cfg.Wire.Streaming == "ws" && !cfg.Wire.WS.Enabled {
		return fmt.Errorf("wire.streaming=ws requires ws.enabled")
	}
	if cfg.Wire.Streaming == "http" && !cfg.Wire.HTTP.Enabled {
		return fmt.Errorf("wire.streaming=http requires http.enabled")
	}
	if cfg.Wire.Streaming == "ipc" && !cfg.Wire.IPC.Enabled {
		return fmt.Errorf("wire.streaming=ipc requires ipc.enabled")
	}
	if cfg.Wire.WS.Enabled && cfg.Wire.WS.URL == "" {
		return fmt.Errorf("ws.enabled requires ws.url")
	}
	return nil
}
