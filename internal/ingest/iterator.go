package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/chainpulse-io/chainpulse/internal/blockqueue"
	klog "github.com/chainpulse-io/chainpulse/internal/log"
	"github.com/chainpulse-io/chainpulse/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// BatchRequest is one unit of work handed to the domain executor.
type BatchRequest struct {
	Blocks    []*types.Block
	RequestID string
}

// BatchExecutor consumes block batches. HandleBatch returning nil means the
// batch was accepted for processing; completion is signalled separately via
// the iterator's AckBatch once the resulting events are persisted and the
// blocks dequeued.
type BatchExecutor interface {
	HandleBatch(ctx context.Context, req *BatchRequest) error
}

// Iterator timer bounds.
const (
	iteratorBaseInterval = 100 * time.Millisecond
	iteratorMaxInterval  = 10 * time.Second
)

// Iterator pulls byte-bounded batches off the block queue and hands them to
// the executor, waiting for each batch's completion signal before advancing.
type Iterator struct {
	queue  *blockqueue.Queue
	exec   BatchExecutor
	budget int64
	logger zerolog.Logger

	mu     sync.Mutex
	signal chan struct{} // Closed when the in-flight batch completes.
	active bool

	timer  *BackoffTimer
	ctx    context.Context
	cancel context.CancelFunc
}

// NewIterator creates an iterator handing batches of up to budgetBytes to
// the executor.
func NewIterator(queue *blockqueue.Queue, exec BatchExecutor, budgetBytes int64) *Iterator {
	ctx, cancel := context.WithCancel(context.Background())
	it := &Iterator{
		queue:  queue,
		exec:   exec,
		budget: budgetBytes,
		logger: klog.Ingest,
		ctx:    ctx,
		cancel: cancel,
		active: true,
	}
	// The initial signal is pre-resolved: there is no batch in flight.
	it.signal = closedChan()
	it.timer = NewBackoffTimer(iteratorBaseInterval, iteratorMaxInterval, 2, it.onTick)
	return it
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Start launches the iteration loop.
func (it *Iterator) Start() {
	it.timer.Start()
}

// Stop destroys the timer and resolves any outstanding signal so waiters
// unblock.
func (it *Iterator) Stop() {
	it.cancel()
	it.timer.Stop()
	<-it.timer.Done()

	it.mu.Lock()
	it.active = false
	select {
	case <-it.signal:
	default:
		close(it.signal)
	}
	it.mu.Unlock()
}

// AckBatch marks the in-flight batch as fully processed, releasing the
// iterator to pick up the next one.
func (it *Iterator) AckBatch() {
	it.mu.Lock()
	defer it.mu.Unlock()
	select {
	case <-it.signal:
	default:
		close(it.signal)
	}
}

// onTick runs one iteration: await the previous batch, then dispatch the
// next one.
func (it *Iterator) onTick(reset func()) {
	it.mu.Lock()
	if !it.active {
		it.mu.Unlock()
		return
	}
	signal := it.signal
	it.mu.Unlock()

	// Await completion of the previous batch.
	select {
	case <-signal:
	case <-it.ctx.Done():
		return
	}

	batch := it.queue.BatchUpToSize(it.budget)
	if len(batch) == 0 {
		return // Nothing queued, let the timer back off.
	}

	req := &BatchRequest{
		Blocks:    batch,
		RequestID: uuid.NewString(),
	}

	it.mu.Lock()
	it.signal = make(chan struct{})
	it.mu.Unlock()

	if err := it.exec.HandleBatch(it.ctx, req); err != nil {
		if it.ctx.Err() != nil {
			return
		}
		it.logger.Warn().Err(err).
			Str("request_id", req.RequestID).
			Int("blocks", len(batch)).
			Msg("batch execution failed, will retry")
		// Resolve immediately so the same batch is retried next tick.
		it.AckBatch()
		return
	}

	reset() // Fast-follow while batches are flowing.
}
