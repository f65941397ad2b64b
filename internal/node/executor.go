package node

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/chainpulse-io/chainpulse/config"
	"github.com/chainpulse-io/chainpulse/internal/blockqueue"
	"github.com/chainpulse-io/chainpulse/internal/domain"
	"github.com/chainpulse-io/chainpulse/internal/eventstore"
	"github.com/chainpulse-io/chainpulse/internal/ingest"
	klog "github.com/chainpulse-io/chainpulse/internal/log"
	"github.com/chainpulse-io/chainpulse/internal/storage"
	"github.com/chainpulse-io/chainpulse/pkg/types"
)

// batchAcker releases the iterator once a batch is fully processed.
type batchAcker interface {
	AckBatch()
}

// Executor drives the domain side of the pipeline: it feeds block batches
// into the aggregates, persists the raised events together with their
// outbox rows, dequeues the absorbed blocks and acknowledges the batch.
// On a non-extending batch it runs the reorg descent and resets the queue
// to the fork point.
type Executor struct {
	queue   *blockqueue.Queue
	network *domain.Network
	mempool *domain.Mempool
	store   *eventstore.Store
	remote  domain.HashSource
	logger  zerolog.Logger

	acker     batchAcker
	onPersist func()
	cache     *storage.RestoreCache

	mu sync.Mutex

	snapInterval   int64
	snapMinKeep    int
	snapKeepWindow int64
	lastSnapHeight int64
}

// NewExecutor creates an executor over the given pipeline pieces.
func NewExecutor(queue *blockqueue.Queue, network *domain.Network, mempool *domain.Mempool,
	store *eventstore.Store, remote domain.HashSource) *Executor {
	return &Executor{
		queue:          queue,
		network:        network,
		mempool:        mempool,
		store:          store,
		remote:         remote,
		logger:         klog.Node,
		lastSnapHeight: domain.NoBlockHeight,
	}
}

// SetAcker installs the batch completion sink, normally the iterator.
func (e *Executor) SetAcker(a batchAcker) { e.acker = a }

// SetOnPersist installs a hook invoked after every committed persistence,
// normally the delivery loop's Notify.
func (e *Executor) SetOnPersist(fn func()) { e.onPersist = fn }

// SetCache installs the warm restore cache updated after snapshots.
func (e *Executor) SetCache(c *storage.RestoreCache) { e.cache = c }

// SetSnapshotPolicy enables periodic snapshots per the store settings.
func (e *Executor) SetSnapshotPolicy(cfg config.StoreConfig) {
	e.snapInterval = cfg.SnapshotInterval
	e.snapMinKeep = cfg.SnapshotMinKeep
	e.snapKeepWindow = cfg.SnapshotKeepWindow
}

// HandleBatch processes one batch end to end. A nil return means the
// batch was absorbed (or a reorg reset the queue); the iterator has been
// acknowledged either way. An error leaves the queue untouched so the
// same batch is retried.
func (e *Executor) HandleBatch(ctx context.Context, req *ingest.BatchRequest) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	blocks := req.Blocks
	if len(blocks) == 0 {
		e.ack()
		return nil
	}
	tip := blocks[len(blocks)-1]

	// After a failed persist the tip has already absorbed this batch;
	// skip the command and go straight back to persisting.
	if e.network.LastBlockHash() != tip.Hash {
		if err := e.network.AddBlocks(req.RequestID, blocks); err != nil {
			if errors.Is(err, domain.ErrReorgRequired) {
				return e.reorganize(ctx, req)
			}
			return err
		}
	}

	confirmed := confirmedTxIDs(blocks)
	if len(confirmed) > 0 {
		if err := e.mempool.RemoveTransactions(req.RequestID, confirmed, tip.Height); err != nil {
			return fmt.Errorf("remove confirmed txids: %w", err)
		}
	}

	if _, err := e.store.PersistAggregatesAndOutbox(ctx,
		[]domain.Aggregate{e.network, e.mempool}); err != nil {
		return fmt.Errorf("persist batch %s: %w", req.RequestID, err)
	}

	hashes := make([]string, len(blocks))
	for i, b := range blocks {
		hashes[i] = b.Hash
	}
	if err := e.queue.DequeueMany(hashes); err != nil {
		// The events are committed; a queue mismatch only costs a refetch.
		e.logger.Warn().Err(err).Str("request_id", req.RequestID).Msg("dequeue after persist failed")
	}

	e.logger.Debug().
		Int64("height", tip.Height).
		Int("blocks", len(blocks)).
		Int("confirmed_txs", len(confirmed)).
		Str("request_id", req.RequestID).
		Msg("batch absorbed")

	e.afterPersist(ctx, tip.Height)
	e.ack()
	return nil
}

// reorganize runs the descent, persists the reorg event and resets the
// queue to the fork point so ingestion refetches from there.
func (e *Executor) reorganize(ctx context.Context, req *ingest.BatchRequest) error {
	fork, err := e.network.Reorganize(ctx, req.RequestID, e.remote)
	if err != nil {
		if errors.Is(err, domain.ErrGenesisReached) {
			e.logger.Error().Err(err).Msg("reorg descent exhausted local chain, operator attention required")
		}
		return err
	}

	if _, err := e.store.PersistAggregatesAndOutbox(ctx,
		[]domain.Aggregate{e.network, e.mempool}); err != nil {
		return fmt.Errorf("persist reorg at %d: %w", fork, err)
	}

	e.queue.Reorganize(fork)
	e.logger.Warn().
		Int64("fork_height", fork).
		Str("request_id", req.RequestID).
		Msg("queue reset to fork point")

	e.afterPersist(ctx, fork)
	e.ack()
	return nil
}

// afterPersist runs the post-commit hooks: delivery wakeup, periodic
// snapshots with pruning, and the warm restore cache. Failures here are
// logged, never fatal; the committed events are the source of truth.
func (e *Executor) afterPersist(ctx context.Context, height int64) {
	if e.onPersist != nil {
		e.onPersist()
	}

	if e.snapInterval <= 0 || height-e.lastSnapHeight < e.snapInterval {
		return
	}
	e.lastSnapHeight = height

	for _, agg := range []domain.Aggregate{e.network, e.mempool} {
		if err := e.store.CreateSnapshot(ctx, agg); err != nil {
			e.logger.Warn().Err(err).Str("aggregate", agg.ID()).Msg("snapshot failed")
			continue
		}
		if _, err := e.store.PruneOldSnapshots(ctx, agg.ID(), e.snapMinKeep, e.snapKeepWindow); err != nil {
			e.logger.Warn().Err(err).Str("aggregate", agg.ID()).Msg("snapshot prune failed")
		}
		if upto := height - e.snapKeepWindow; upto > 0 {
			if _, err := e.store.PruneEvents(ctx, agg, upto); err != nil {
				e.logger.Warn().Err(err).Str("aggregate", agg.ID()).Msg("event prune failed")
			}
		}
	}

	if e.cache != nil {
		if err := e.cache.SaveChainTail(e.network.Index().ToArray()); err != nil {
			e.logger.Warn().Err(err).Msg("cache chain tail failed")
		}
		if err := e.cache.SaveMempoolTxIDs(e.mempool.TxIDs()); err != nil {
			e.logger.Warn().Err(err).Msg("cache mempool txids failed")
		}
	}
}

func (e *Executor) ack() {
	if e.acker != nil {
		e.acker.AckBatch()
	}
}

// confirmedTxIDs flattens the txids of a batch, in block order.
func confirmedTxIDs(blocks []*types.Block) []string {
	var txids []string
	for _, b := range blocks {
		txids = append(txids, b.TxIDs...)
	}
	return txids
}
