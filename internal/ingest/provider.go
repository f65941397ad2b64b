package ingest

import (
	"context"

	"github.com/chainpulse-io/chainpulse/pkg/types"
)

// ChainProvider is the upstream blockchain node the loader pulls from.
type ChainProvider interface {
	// GetBlockCount returns the current network tip height.
	GetBlockCount(ctx context.Context) (int64, error)

	// GetBlockMetas returns metadata (hash, total size, height) for count
	// consecutive blocks starting at fromHeight, in ascending order.
	GetBlockMetas(ctx context.Context, fromHeight int64, count int) ([]*types.BlockMeta, error)

	// GetBlockByHeight fetches one full block.
	GetBlockByHeight(ctx context.Context, height int64) (*types.Block, error)
}
