package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/chainpulse-io/chainpulse/internal/chainindex"
	klog "github.com/chainpulse-io/chainpulse/internal/log"
	"github.com/chainpulse-io/chainpulse/pkg/types"
)

// Network aggregate event types.
const (
	EventNetworkBlocksAdded = "NetworkBlocksAdded"
	EventNetworkReorganized = "NetworkReorganized"
	EventNetworkCleared     = "NetworkCleared"
)

// Network errors.
var (
	// ErrReorgRequired signals that incoming blocks do not extend the
	// local chain; the caller should run Reorganize before retrying.
	ErrReorgRequired = errors.New("blocks do not extend local chain")

	// ErrGenesisReached means the reorg descent exhausted the local chain
	// without finding a fork point. Not recoverable locally.
	ErrGenesisReached = errors.New("reorg descent reached genesis without fork point")
)

// HashSource resolves a block hash at a height on the remote chain. The
// reorg descent compares it against the local index.
type HashSource interface {
	GetBlockHash(ctx context.Context, height int64) (string, error)
}

// BlocksAddedPayload is the NetworkBlocksAdded event body.
type BlocksAddedPayload struct {
	Blocks []*types.LightBlock `json:"blocks"`
}

// ReorganizedPayload is the NetworkReorganized event body. BlockHeight is
// the fork point: the highest height at which local and remote agree.
type ReorganizedPayload struct {
	BlockHeight int64 `json:"blockHeight"`
}

// networkSnapshot is the serialized Network state.
type networkSnapshot struct {
	Blocks []*types.LightBlock `json:"blocks"`
}

// Network is the aggregate owning the in-memory chain tail. All access is
// single-threaded relative to the command executor that drives it.
type Network struct {
	Root
	index *chainindex.Index
}

// NewNetwork creates a Network aggregate over the given chain index.
func NewNetwork(id string, index *chainindex.Index) *Network {
	return &Network{Root: newRoot(id), index: index}
}

// Index exposes the owned chain tail for read-only inspection.
func (n *Network) Index() *chainindex.Index { return n.index }

// LastBlockHash returns the local tip hash, "" when the index is empty.
func (n *Network) LastBlockHash() string { return n.index.LastHash() }

// AddBlocks validates that the batch extends the local chain and raises a
// NetworkBlocksAdded event. A batch that does not extend the tip returns
// ErrReorgRequired without raising anything.
func (n *Network) AddBlocks(requestID string, blocks []*types.Block) error {
	if len(blocks) == 0 {
		return nil
	}
	lbs := make([]*types.LightBlock, len(blocks))
	for i, b := range blocks {
		lbs[i] = b.Light()
	}

	if !n.index.ValidateNextBlock(lbs[0].Height, lbs[0].PreviousHash) {
		return fmt.Errorf("%w: incoming height %d previous %s, local tip %d %s",
			ErrReorgRequired, lbs[0].Height, lbs[0].PreviousHash,
			n.index.LastHeight(), n.index.LastHash())
	}
	for i := 1; i < len(lbs); i++ {
		if !lbs[i].Follows(lbs[i-1].Height, lbs[i-1].Hash) {
			return fmt.Errorf("%w: batch breaks at height %d", ErrReorgRequired, lbs[i].Height)
		}
	}

	payload, err := json.Marshal(&BlocksAddedPayload{Blocks: lbs})
	if err != nil {
		return fmt.Errorf("marshal blocks added: %w", err)
	}
	height := lbs[len(lbs)-1].Height
	return n.raise(n, EventNetworkBlocksAdded, requestID, height, payload)
}

// Reorganize walks back from the local tip comparing local and remote
// hashes until they agree, raises a NetworkReorganized event at the fork
// point, and returns that height. When the descent exhausts the locally
// held chain it fails with ErrGenesisReached.
func (n *Network) Reorganize(ctx context.Context, requestID string, remote HashSource) (int64, error) {
	for h := n.index.LastHeight(); h > n.index.BaseHeight(); h-- {
		local := n.index.FindByHeight(h)
		if local == nil {
			// Descended past the held tail: the fork is older than
			// anything we can verify locally.
			return 0, fmt.Errorf("%w: local chain exhausted at height %d", ErrGenesisReached, h)
		}
		remoteHash, err := remote.GetBlockHash(ctx, h)
		if err != nil {
			return 0, fmt.Errorf("remote hash at %d: %w", h, err)
		}
		if remoteHash == local.Hash {
			payload, err := json.Marshal(&ReorganizedPayload{BlockHeight: h})
			if err != nil {
				return 0, fmt.Errorf("marshal reorganized: %w", err)
			}
			if err := n.raise(n, EventNetworkReorganized, requestID, h, payload); err != nil {
				return 0, err
			}
			klog.Chain.Warn().
				Int64("fork_height", h).
				Msg("chain reorganized")
			return h, nil
		}
	}
	return 0, ErrGenesisReached
}

// Clear raises a NetworkCleared event dropping the whole held tail.
func (n *Network) Clear(requestID string) error {
	return n.raise(n, EventNetworkCleared, requestID, NoBlockHeight, nil)
}

// ApplyEvent replays one persisted event.
func (n *Network) ApplyEvent(ev *Event) error {
	return n.applyEvent(n, ev)
}

// handle dispatches one event to its idempotent handler.
func (n *Network) handle(ev *Event) error {
	switch ev.Type {
	case EventNetworkBlocksAdded:
		return n.onBlocksAdded(ev)
	case EventNetworkReorganized:
		return n.onReorganized(ev)
	case EventNetworkCleared:
		n.index.Clear()
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnknownEventType, ev.Type)
	}
}

func (n *Network) onBlocksAdded(ev *Event) error {
	var p BlocksAddedPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return fmt.Errorf("unmarshal blocks added: %w", err)
	}
	if len(p.Blocks) == 0 {
		return nil
	}
	// Re-applying an already absorbed batch is a no-op.
	if p.Blocks[len(p.Blocks)-1].Hash == n.index.LastHash() {
		return nil
	}
	if !n.index.AddBlocks(p.Blocks) {
		return fmt.Errorf("%w: replay batch starting at height %d",
			ErrReorgRequired, p.Blocks[0].Height)
	}
	return nil
}

func (n *Network) onReorganized(ev *Event) error {
	var p ReorganizedPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return fmt.Errorf("unmarshal reorganized: %w", err)
	}
	if !n.index.TruncateTo(p.BlockHeight) {
		return fmt.Errorf("truncate to %d below base %d", p.BlockHeight, n.index.BaseHeight())
	}
	return nil
}

// Snapshot serializes the held chain tail.
func (n *Network) Snapshot() ([]byte, error) {
	data, err := json.Marshal(&networkSnapshot{Blocks: n.index.ToArray()})
	if err != nil {
		return nil, fmt.Errorf("marshal network snapshot: %w", err)
	}
	return data, nil
}

// FromSnapshot restores the chain tail and resets version bookkeeping.
func (n *Network) FromSnapshot(version, blockHeight int64, payload []byte) error {
	var snap networkSnapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return fmt.Errorf("unmarshal network snapshot: %w", err)
	}
	if !n.index.FromArray(snap.Blocks) {
		return fmt.Errorf("snapshot chain is not consecutive")
	}
	n.restore(version, blockHeight)
	return nil
}

// PruneableBelowSnapshot reports that old Network events may be deleted:
// the chain tail is fully recoverable from a snapshot.
func (n *Network) PruneableBelowSnapshot() bool { return true }
