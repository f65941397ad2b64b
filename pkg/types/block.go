// Package types defines the core block types shared across the indexer.
package types

import (
	"encoding/json"
	"fmt"
)

// HashHexLen is the length of a hex-encoded 32-byte block hash.
const HashHexLen = 64

// Block is a fully fetched block as returned by the upstream node.
// Blocks are immutable after ingestion; the indexer never rewrites one.
type Block struct {
	Height       int64    `json:"height"`
	Hash         string   `json:"hash"`
	PreviousHash string   `json:"previousblockhash"`
	MerkleRoot   string   `json:"merkleroot"`
	Size         int64    `json:"size"`
	Time         int64    `json:"time"`
	Bits         string   `json:"bits,omitempty"`
	Nonce        uint64   `json:"nonce,omitempty"`
	TxIDs        []string `json:"tx"`

	// TxHex carries raw transaction bodies when the node returns them.
	// The block queue strips this field on enqueue to reclaim memory.
	TxHex []string `json:"txhex,omitempty"`
}

// Validate checks the structural fields a block must carry before it can
// enter the pipeline.
func (b *Block) Validate() error {
	if b.Height < 0 {
		return fmt.Errorf("block height %d is negative", b.Height)
	}
	if len(b.Hash) != HashHexLen {
		return fmt.Errorf("block %d: hash %q is not %d hex chars", b.Height, b.Hash, HashHexLen)
	}
	if b.Height > 0 && len(b.PreviousHash) != HashHexLen {
		return fmt.Errorf("block %d: previous hash %q is not %d hex chars", b.Height, b.PreviousHash, HashHexLen)
	}
	return nil
}

// Follows reports whether b directly extends prev: consecutive height and
// matching previous-hash link.
func (b *Block) Follows(prevHeight int64, prevHash string) bool {
	return b.Height == prevHeight+1 && b.PreviousHash == prevHash
}

// StripTxBodies drops raw transaction hex, retaining only txids.
func (b *Block) StripTxBodies() {
	b.TxHex = nil
}

// Light returns the LightBlock projection of b.
func (b *Block) Light() *LightBlock {
	txids := make([]string, len(b.TxIDs))
	copy(txids, b.TxIDs)
	return &LightBlock{
		Height:       b.Height,
		Hash:         b.Hash,
		PreviousHash: b.PreviousHash,
		MerkleRoot:   b.MerkleRoot,
		Size:         b.Size,
		Time:         b.Time,
		TxIDs:        txids,
	}
}

// LightBlock is a block shorn of transaction bodies; only txids remain.
// It is what the in-memory chain index holds and what aggregate event
// payloads persist.
type LightBlock struct {
	Height       int64    `json:"height"`
	Hash         string   `json:"hash"`
	PreviousHash string   `json:"previousblockhash"`
	MerkleRoot   string   `json:"merkleroot"`
	Size         int64    `json:"size"`
	Time         int64    `json:"time"`
	TxIDs        []string `json:"tx"`
}

// Follows reports whether lb directly extends the given tip.
func (lb *LightBlock) Follows(prevHeight int64, prevHash string) bool {
	return lb.Height == prevHeight+1 && lb.PreviousHash == prevHash
}

// Marshal encodes the light block as JSON.
func (lb *LightBlock) Marshal() ([]byte, error) {
	data, err := json.Marshal(lb)
	if err != nil {
		return nil, fmt.Errorf("marshal light block %d: %w", lb.Height, err)
	}
	return data, nil
}

// UnmarshalLightBlock decodes a light block from JSON.
func UnmarshalLightBlock(data []byte) (*LightBlock, error) {
	var lb LightBlock
	if err := json.Unmarshal(data, &lb); err != nil {
		return nil, fmt.Errorf("unmarshal light block: %w", err)
	}
	return &lb, nil
}

// BlockMeta is the preload metadata the pull loader fetches ahead of full
// blocks: enough to budget batch sizes without downloading bodies.
type BlockMeta struct {
	Hash   string `json:"blockhash"`
	Size   int64  `json:"total_size"`
	Height int64  `json:"height"`
}

// Validate checks that a metadata entry carries a usable hash and height.
func (m *BlockMeta) Validate() error {
	if m.Hash == "" {
		return fmt.Errorf("block meta at height %d has empty hash", m.Height)
	}
	if m.Height < 0 {
		return fmt.Errorf("block meta hash %s has negative height %d", m.Hash, m.Height)
	}
	return nil
}
