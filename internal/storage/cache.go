package storage

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/golang/snappy"

	"github.com/chainpulse-io/chainpulse/pkg/types"
)

// Cache key namespaces and keys.
var (
	chainPrefix   = []byte("chain/")
	mempoolPrefix = []byte("mempool/")

	keyChainTail    = []byte("tail")
	keyMempoolTxIDs = []byte("txids")
	keyWatermark    = []byte("watermark")
)

// RestoreCache persists the warm-start state of a node: the chain index
// tail, the mempool txid set and the delivery watermark. It is a cache,
// not the source of truth; the event store always wins, the cache only
// spares a full replay after a clean restart.
type RestoreCache struct {
	chain   *PrefixDB
	mempool *PrefixDB
}

// NewRestoreCache namespaces the given DB for cache use.
func NewRestoreCache(db DB) *RestoreCache {
	return &RestoreCache{
		chain:   NewPrefixDB(db, chainPrefix),
		mempool: NewPrefixDB(db, mempoolPrefix),
	}
}

// SaveChainTail persists the chain index tail, oldest first. Payloads
// are snappy-compressed JSON.
func (c *RestoreCache) SaveChainTail(blocks []*types.LightBlock) error {
	data, err := json.Marshal(blocks)
	if err != nil {
		return fmt.Errorf("marshal chain tail: %w", err)
	}
	if err := c.chain.Put(keyChainTail, snappy.Encode(nil, data)); err != nil {
		return fmt.Errorf("save chain tail: %w", err)
	}
	return nil
}

// LoadChainTail returns the cached chain tail, or nil when the cache is
// cold.
func (c *RestoreCache) LoadChainTail() ([]*types.LightBlock, error) {
	raw, err := c.chain.Get(keyChainTail)
	if errors.Is(err, ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load chain tail: %w", err)
	}
	data, err := snappy.Decode(nil, raw)
	if err != nil {
		return nil, fmt.Errorf("decompress chain tail: %w", err)
	}
	var blocks []*types.LightBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return nil, fmt.Errorf("unmarshal chain tail: %w", err)
	}
	return blocks, nil
}

// SaveMempoolTxIDs persists the mempool txid set.
func (c *RestoreCache) SaveMempoolTxIDs(txids []string) error {
	data, err := json.Marshal(txids)
	if err != nil {
		return fmt.Errorf("marshal mempool txids: %w", err)
	}
	if err := c.mempool.Put(keyMempoolTxIDs, snappy.Encode(nil, data)); err != nil {
		return fmt.Errorf("save mempool txids: %w", err)
	}
	return nil
}

// LoadMempoolTxIDs returns the cached txid set, or nil when cold.
func (c *RestoreCache) LoadMempoolTxIDs() ([]string, error) {
	raw, err := c.mempool.Get(keyMempoolTxIDs)
	if errors.Is(err, ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load mempool txids: %w", err)
	}
	data, err := snappy.Decode(nil, raw)
	if err != nil {
		return nil, fmt.Errorf("decompress mempool txids: %w", err)
	}
	var txids []string
	if err := json.Unmarshal(data, &txids); err != nil {
		return nil, fmt.Errorf("unmarshal mempool txids: %w", err)
	}
	return txids, nil
}

// SaveWatermark persists the delivery watermark.
func (c *RestoreCache) SaveWatermark(id int64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(id))
	if err := c.chain.Put(keyWatermark, buf); err != nil {
		return fmt.Errorf("save watermark: %w", err)
	}
	return nil
}

// LoadWatermark returns the cached watermark, 0 when cold.
func (c *RestoreCache) LoadWatermark() (int64, error) {
	raw, err := c.chain.Get(keyWatermark)
	if errors.Is(err, ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load watermark: %w", err)
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("watermark value has %d bytes, want 8", len(raw))
	}
	return int64(binary.BigEndian.Uint64(raw)), nil
}

// Clear drops every cached entry, forcing the next start to rebuild
// from the event store.
func (c *RestoreCache) Clear() error {
	if err := c.chain.DeleteAll(); err != nil {
		return fmt.Errorf("clear chain cache: %w", err)
	}
	if err := c.mempool.DeleteAll(); err != nil {
		return fmt.Errorf("clear mempool cache: %w", err)
	}
	return nil
}
