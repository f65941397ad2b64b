package rpcclient

import (
	"context"
	"fmt"

	"github.com/chainpulse-io/chainpulse/pkg/types"
)

// Provider adapts the JSON-RPC client to the loader's chain provider
// contract using the standard Bitcoin node methods.
type Provider struct {
	client *Client
}

// NewProvider wraps the client.
func NewProvider(client *Client) *Provider {
	return &Provider{client: client}
}

// GetBlockCount returns the node's current tip height.
func (p *Provider) GetBlockCount(ctx context.Context) (int64, error) {
	var count int64
	if err := p.client.Call(ctx, "getblockcount", nil, &count); err != nil {
		return 0, fmt.Errorf("getblockcount: %w", err)
	}
	return count, nil
}

// blockStats is the subset of getblockstats the loader budgets with.
type blockStats struct {
	Hash      string `json:"blockhash"`
	TotalSize int64  `json:"total_size"`
	Height    int64  `json:"height"`
}

// GetBlockMetas fetches preload metadata for count consecutive blocks
// starting at fromHeight.
func (p *Provider) GetBlockMetas(ctx context.Context, fromHeight int64, count int) ([]*types.BlockMeta, error) {
	metas := make([]*types.BlockMeta, 0, count)
	for h := fromHeight; h < fromHeight+int64(count); h++ {
		var stats blockStats
		params := []interface{}{h, []string{"blockhash", "total_size", "height"}}
		if err := p.client.Call(ctx, "getblockstats", params, &stats); err != nil {
			return nil, fmt.Errorf("getblockstats %d: %w", h, err)
		}
		metas = append(metas, &types.BlockMeta{
			Hash:   stats.Hash,
			Size:   stats.TotalSize,
			Height: h,
		})
	}
	return metas, nil
}

// GetBlockByHeight resolves the height to a hash and fetches the block
// with transaction ids.
func (p *Provider) GetBlockByHeight(ctx context.Context, height int64) (*types.Block, error) {
	hash, err := p.GetBlockHash(ctx, height)
	if err != nil {
		return nil, err
	}
	return p.GetBlockByHash(ctx, hash)
}

// GetBlockHash returns the hash of the block at the given height.
func (p *Provider) GetBlockHash(ctx context.Context, height int64) (string, error) {
	var hash string
	if err := p.client.Call(ctx, "getblockhash", []interface{}{height}, &hash); err != nil {
		return "", fmt.Errorf("getblockhash %d: %w", height, err)
	}
	return hash, nil
}

// GetBlockByHash fetches one block at verbosity 1: header fields plus
// transaction ids, no raw bodies.
func (p *Provider) GetBlockByHash(ctx context.Context, hash string) (*types.Block, error) {
	var b types.Block
	if err := p.client.Call(ctx, "getblock", []interface{}{hash, 1}, &b); err != nil {
		return nil, fmt.Errorf("getblock %s: %w", hash, err)
	}
	return &b, nil
}
