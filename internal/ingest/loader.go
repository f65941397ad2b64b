// Package ingest drives the block ingestion pipeline: an adaptive pull
// loader that fills the block queue toward the network tip, and a batch
// iterator that hands byte-bounded batches to the domain executor.
package ingest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/chainpulse-io/chainpulse/config"
	"github.com/chainpulse-io/chainpulse/internal/blockqueue"
	klog "github.com/chainpulse-io/chainpulse/internal/log"
	"github.com/chainpulse-io/chainpulse/pkg/types"
	"github.com/rs/zerolog"
)

// Preload tuning constants. The loader grows its lookahead when ticks are
// slowing down relative to the previous one and shrinks it when they speed
// up, keeping fetch latency roughly level.
const (
	preloadGrowRatio   = 1.2
	preloadShrinkRatio = 0.8
	preloadGrowFactor  = 1.25
	preloadShrinkFac   = 0.75

	loaderBaseInterval = time.Second
	loaderMinMaxBackof = 30 * time.Second
)

// Loader pulls blocks from the upstream provider into the block queue
// using a self-tuning preload strategy.
type Loader struct {
	provider ChainProvider
	queue    *blockqueue.Queue
	cfg      config.IngestConfig
	logger   zerolog.Logger

	mu               sync.Mutex
	preloaded        []*types.BlockMeta
	maxPreloadCount  int
	lastDuration     time.Duration
	previousDuration time.Duration

	timer  *BackoffTimer
	ctx    context.Context
	cancel context.CancelFunc
}

// NewLoader creates a loader. Call Start to begin pulling.
func NewLoader(provider ChainProvider, queue *blockqueue.Queue, cfg config.IngestConfig) *Loader {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Loader{
		provider:        provider,
		queue:           queue,
		cfg:             cfg,
		logger:          klog.Ingest,
		maxPreloadCount: cfg.MaxPreloadCount,
		ctx:             ctx,
		cancel:          cancel,
	}

	// Monitoring cadence backs off to half the chain's block time, but
	// never below 30s.
	maxInterval := cfg.BlockTime / 2
	if maxInterval < loaderMinMaxBackof {
		maxInterval = loaderMinMaxBackof
	}
	l.timer = NewBackoffTimer(loaderBaseInterval, maxInterval, 2, l.onTick)
	return l
}

// Start launches the pull loop.
func (l *Loader) Start() {
	l.timer.Start()
	l.logger.Info().
		Int("preload", l.maxPreloadCount).
		Int64("batch_bytes", l.cfg.MaxRequestBlocksBatchSize).
		Msg("pull loader started")
}

// Stop cancels in-flight fetches and terminates the pull loop.
func (l *Loader) Stop() {
	l.cancel()
	l.timer.Stop()
	<-l.timer.Done()
	l.logger.Info().Msg("pull loader stopped")
}

// MaxPreloadCount returns the current adaptive lookahead.
func (l *Loader) MaxPreloadCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.maxPreloadCount
}

// onTick runs one pull iteration and maps its outcome onto the timer:
// progress resets to the base interval, reaching the tip lets the backoff
// grow toward the monitoring cadence, and an error clears the strategy and
// retries immediately.
func (l *Loader) onTick(reset func()) {
	progressed, err := l.Tick(l.ctx)
	if err != nil {
		if l.ctx.Err() != nil {
			return // Shutting down.
		}
		l.logger.Warn().Err(err).Msg("pull tick failed")
		l.mu.Lock()
		l.preloaded = nil
		l.mu.Unlock()
		// The tick-level reset only shortens the next wait; kicking the
		// timer retries without waiting out the base interval.
		l.timer.Reset()
		return
	}
	if progressed {
		reset()
	}
}

// Tick runs one pull iteration. It reports whether blocks were enqueued.
func (l *Loader) Tick(ctx context.Context) (bool, error) {
	start := time.Now()

	tip, err := l.provider.GetBlockCount(ctx)
	if err != nil {
		return false, fmt.Errorf("get block count: %w", err)
	}

	lastHeight := l.queue.LastHeight()
	if lastHeight >= tip {
		return false, nil // At the tip, monitoring mode.
	}

	if err := l.ensurePreloaded(ctx, tip, lastHeight); err != nil {
		return false, err
	}

	// Skip fetching while a full batch would overflow the queue.
	if l.queue.CurrentSize()+l.cfg.MaxRequestBlocksBatchSize > l.queue.MaxSize() {
		l.logger.Debug().
			Int64("queued_bytes", l.queue.CurrentSize()).
			Msg("queue near capacity, skipping fetch")
		return false, nil
	}

	batch := l.takeBatch()
	if len(batch) == 0 {
		return false, nil
	}

	blocks, err := l.fetchBlocks(ctx, batch)
	if err != nil {
		return false, err
	}

	enqueued := 0
	for _, b := range blocks {
		if b.Height <= l.queue.LastHeight() {
			continue // Already ingested, e.g. after a competing restore.
		}
		if err := l.queue.Enqueue(b); err != nil {
			return enqueued > 0, fmt.Errorf("enqueue block %d: %w", b.Height, err)
		}
		enqueued++
	}

	l.recordDuration(time.Since(start))
	l.logger.Debug().
		Int("blocks", enqueued).
		Int64("tip", tip).
		Int64("queue_height", l.queue.LastHeight()).
		Msg("pulled blocks")
	return enqueued > 0, nil
}

// ensurePreloaded fills the metadata queue when it runs dry.
func (l *Loader) ensurePreloaded(ctx context.Context, tip, lastHeight int64) error {
	l.mu.Lock()
	pending := len(l.preloaded)
	count := l.maxPreloadCount
	l.mu.Unlock()

	if pending > 0 {
		return nil
	}

	behind := tip - lastHeight
	if int64(count) > behind {
		count = int(behind)
	}
	if count < 1 {
		count = 1
	}

	metas, err := l.provider.GetBlockMetas(ctx, lastHeight+1, count)
	if err != nil {
		return fmt.Errorf("preload metadata from %d: %w", lastHeight+1, err)
	}
	for _, m := range metas {
		if err := m.Validate(); err != nil {
			return fmt.Errorf("preload metadata: %w", err)
		}
	}

	l.mu.Lock()
	l.preloaded = append(l.preloaded, metas...)
	l.mu.Unlock()
	return nil
}

// takeBatch drains preloaded metadata greedily while the cumulative size
// stays within the request budget, always taking at least one entry.
func (l *Loader) takeBatch() []*types.BlockMeta {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.preloaded) == 0 {
		return nil
	}
	var batch []*types.BlockMeta
	var total int64
	for _, m := range l.preloaded {
		if len(batch) > 0 && total+m.Size > l.cfg.MaxRequestBlocksBatchSize {
			break
		}
		batch = append(batch, m)
		total += m.Size
	}
	l.preloaded = l.preloaded[len(batch):]
	return batch
}

// fetchBlocks downloads the batch in parallel and returns the blocks in
// ascending height order. Transient failures are retried per block.
func (l *Loader) fetchBlocks(ctx context.Context, metas []*types.BlockMeta) ([]*types.Block, error) {
	blocks := make([]*types.Block, len(metas))
	errs := make([]error, len(metas))

	var wg sync.WaitGroup
	for i, m := range metas {
		wg.Add(1)
		go func(i int, m *types.BlockMeta) {
			defer wg.Done()
			blocks[i], errs[i] = l.fetchWithRetry(ctx, m.Height)
		}(i, m)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("fetch block %d: %w", metas[i].Height, err)
		}
	}

	sort.Slice(blocks, func(i, j int) bool { return blocks[i].Height < blocks[j].Height })
	return blocks, nil
}

// fetchWithRetry fetches one block, retrying transient failures.
func (l *Loader) fetchWithRetry(ctx context.Context, height int64) (*types.Block, error) {
	retries := l.cfg.FetchRetries
	if retries < 1 {
		retries = 1
	}

	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(l.cfg.RetryDelay):
			}
		}
		b, err := l.provider.GetBlockByHeight(ctx, height)
		if err == nil {
			if vErr := b.Validate(); vErr != nil {
				return nil, vErr
			}
			return b, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		l.logger.Debug().Err(err).Int64("height", height).Int("attempt", attempt+1).Msg("block fetch retry")
	}
	return nil, lastErr
}

// recordDuration updates the timing samples and adapts the lookahead.
func (l *Loader) recordDuration(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.previousDuration = l.lastDuration
	l.lastDuration = d
	if l.previousDuration <= 0 {
		return
	}

	ratio := float64(l.lastDuration) / float64(l.previousDuration)
	switch {
	case ratio > preloadGrowRatio:
		grown := int(float64(l.maxPreloadCount) * preloadGrowFactor)
		if grown <= l.maxPreloadCount {
			grown = l.maxPreloadCount + 1 // Truncation must not pin small lookaheads.
		}
		l.maxPreloadCount = grown
	case ratio < preloadShrinkRatio:
		l.maxPreloadCount = int(float64(l.maxPreloadCount) * preloadShrinkFac)
		if l.maxPreloadCount < 1 {
			l.maxPreloadCount = 1
		}
	}
}
