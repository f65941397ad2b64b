// Package blockqueue buffers fetched blocks awaiting processing in a
// bounded, byte-sized FIFO.
package blockqueue

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/chainpulse-io/chainpulse/pkg/types"
)

// Queue errors.
var (
	ErrOutOfSequence = errors.New("block does not follow queue tip")
	ErrQueueFull     = errors.New("queue byte budget exceeded")
	ErrMaxHeight     = errors.New("queue reached max block height")
	ErrHeadMismatch  = errors.New("hash does not match queue head")
	ErrEmpty         = errors.New("queue is empty")
)

// entry wraps a queued block with its byte size.
type entry struct {
	block *types.Block
	size  int64
}

// Queue is a bounded FIFO of fetched blocks. Mutating operations are
// serialized by a mutex; scalar getters read atomics without locking.
type Queue struct {
	mu    sync.Mutex
	ring  []*entry
	head  int
	count int

	byHeight map[int64]*entry
	byHash   map[string]*entry

	lastHeight  atomic.Int64
	currentSize atomic.Int64
	length      atomic.Int64

	maxQueueSize   int64
	maxBlockHeight int64 // 0 = unlimited.
}

// New creates a queue capped at maxQueueSize cumulative bytes. startHeight
// is the height of the last block already processed (-1 for a fresh chain);
// the first enqueued block must sit at startHeight+1. maxBlockHeight, when
// non-zero, stops enqueueing once the tip reaches it.
func New(maxQueueSize, maxBlockHeight, startHeight int64) *Queue {
	q := &Queue{
		ring:           make([]*entry, 64),
		byHeight:       make(map[int64]*entry),
		byHash:         make(map[string]*entry),
		maxQueueSize:   maxQueueSize,
		maxBlockHeight: maxBlockHeight,
	}
	q.lastHeight.Store(startHeight)
	return q
}

// Len returns the number of queued blocks.
func (q *Queue) Len() int {
	return int(q.length.Load())
}

// LastHeight returns the height of the newest queued block, or the start
// height when empty.
func (q *Queue) LastHeight() int64 {
	return q.lastHeight.Load()
}

// CurrentSize returns the cumulative byte size of queued blocks.
func (q *Queue) CurrentSize() int64 {
	return q.currentSize.Load()
}

// MaxSize returns the queue's byte budget.
func (q *Queue) MaxSize() int64 {
	return q.maxQueueSize
}

// Enqueue appends a block. It fails when the block does not directly follow
// the queue tip, when its size would overflow the byte budget, or when the
// tip already sits at the configured max height. Raw transaction bodies are
// stripped before storage.
func (q *Queue) Enqueue(b *types.Block) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	last := q.lastHeight.Load()
	if q.maxBlockHeight > 0 && last >= q.maxBlockHeight {
		return fmt.Errorf("%w: tip %d, max %d", ErrMaxHeight, last, q.maxBlockHeight)
	}
	if b.Height != last+1 {
		return fmt.Errorf("%w: got height %d, queue tip %d", ErrOutOfSequence, b.Height, last)
	}
	if q.currentSize.Load()+b.Size > q.maxQueueSize {
		return fmt.Errorf("%w: %d + %d > %d", ErrQueueFull, q.currentSize.Load(), b.Size, q.maxQueueSize)
	}

	b.StripTxBodies()
	e := &entry{block: b, size: b.Size}
	q.push(e)
	q.byHeight[b.Height] = e
	q.byHash[b.Hash] = e
	q.lastHeight.Store(b.Height)
	q.currentSize.Add(e.size)
	q.length.Store(int64(q.count))
	return nil
}

// push appends to the ring, growing it when full. Caller holds q.mu.
func (q *Queue) push(e *entry) {
	if q.count == len(q.ring) {
		grown := make([]*entry, len(q.ring)*2)
		for i := 0; i < q.count; i++ {
			grown[i] = q.ring[(q.head+i)%len(q.ring)]
		}
		q.ring = grown
		q.head = 0
	}
	q.ring[(q.head+q.count)%len(q.ring)] = e
	q.count++
}

// pop removes the head entry. Caller holds q.mu and has checked count > 0.
func (q *Queue) pop() *entry {
	e := q.ring[q.head]
	q.ring[q.head] = nil
	q.head = (q.head + 1) % len(q.ring)
	q.count--
	delete(q.byHeight, e.block.Height)
	delete(q.byHash, e.block.Hash)
	q.currentSize.Add(-e.size)
	q.length.Store(int64(q.count))
	return e
}

// Dequeue removes and returns the head block. The given hash must match the
// head's hash.
func (q *Queue) Dequeue(hash string) (*types.Block, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		return nil, ErrEmpty
	}
	headBlock := q.ring[q.head].block
	if headBlock.Hash != hash {
		return nil, fmt.Errorf("%w: head %s, got %s", ErrHeadMismatch, headBlock.Hash, hash)
	}
	return q.pop().block, nil
}

// DequeueMany removes blocks from the head, one per hash in order. The
// whole operation is validated before any removal.
func (q *Queue) DequeueMany(hashes []string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(hashes) > q.count {
		return fmt.Errorf("%w: dequeue of %d from %d queued", ErrEmpty, len(hashes), q.count)
	}
	for i, h := range hashes {
		e := q.ring[(q.head+i)%len(q.ring)]
		if e.block.Hash != h {
			return fmt.Errorf("%w: position %d holds %s, got %s", ErrHeadMismatch, i, e.block.Hash, h)
		}
	}
	for range hashes {
		q.pop()
	}
	return nil
}

// FirstBlock returns the head block without removing it, or nil when empty.
func (q *Queue) FirstBlock() *types.Block {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == 0 {
		return nil
	}
	return q.ring[q.head].block
}

// FindByHeight returns the queued block at the given height, or nil.
func (q *Queue) FindByHeight(height int64) *types.Block {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.byHeight[height]
	if !ok {
		return nil
	}
	return e.block
}

// FindByHashes returns the queued blocks matching the given hashes, in
// queue order. Unknown hashes are skipped.
func (q *Queue) FindByHashes(hashes []string) []*types.Block {
	q.mu.Lock()
	defer q.mu.Unlock()

	want := make(map[string]bool, len(hashes))
	for _, h := range hashes {
		want[h] = true
	}
	var out []*types.Block
	for i := 0; i < q.count; i++ {
		e := q.ring[(q.head+i)%len(q.ring)]
		if want[e.block.Hash] {
			out = append(out, e.block)
		}
	}
	return out
}

// BatchUpToSize returns the longest prefix of the queue whose cumulative
// byte size does not exceed maxBytes. A non-empty queue always yields at
// least the head block, even when that block alone exceeds the budget.
func (q *Queue) BatchUpToSize(maxBytes int64) []*types.Block {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		return nil
	}
	var out []*types.Block
	var total int64
	for i := 0; i < q.count; i++ {
		e := q.ring[(q.head+i)%len(q.ring)]
		if len(out) > 0 && total+e.size > maxBytes {
			break
		}
		out = append(out, e.block)
		total += e.size
	}
	return out
}

// Reorganize clears the queue and resets the tip to newLastHeight, so the
// next enqueued block must sit at newLastHeight+1.
func (q *Queue) Reorganize(newLastHeight int64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.ring = make([]*entry, 64)
	q.head = 0
	q.count = 0
	q.byHeight = make(map[int64]*entry)
	q.byHash = make(map[string]*entry)
	q.lastHeight.Store(newLastHeight)
	q.currentSize.Store(0)
	q.length.Store(0)
}
