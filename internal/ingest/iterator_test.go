package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chainpulse-io/chainpulse/internal/blockqueue"
	"github.com/chainpulse-io/chainpulse/pkg/types"
)

// recordingExecutor captures handed batches and optionally fails.
type recordingExecutor struct {
	mu      sync.Mutex
	batches []*BatchRequest
	failN   int // Fail the first N calls.
}

func (e *recordingExecutor) HandleBatch(_ context.Context, req *BatchRequest) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failN > 0 {
		e.failN--
		return errors.New("executor busy")
	}
	e.batches = append(e.batches, req)
	return nil
}

func (e *recordingExecutor) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.batches)
}

func (e *recordingExecutor) batch(i int) *BatchRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.batches[i]
}

func fillQueue(t *testing.T, q *blockqueue.Queue, n int, size int64) {
	t.Helper()
	start := q.LastHeight()
	for h := start + 1; h <= start+int64(n); h++ {
		b := &types.Block{Height: h, Hash: testHash(h), Size: size}
		if h > 0 {
			b.PreviousHash = testHash(h - 1)
		}
		if err := q.Enqueue(b); err != nil {
			t.Fatalf("enqueue %d: %v", h, err)
		}
	}
}

func TestIteratorDispatchesBatch(t *testing.T) {
	queue := blockqueue.New(1<<20, 0, -1)
	fillQueue(t, queue, 3, 100)
	exec := &recordingExecutor{}
	it := NewIterator(queue, exec, 1000)

	it.onTick(func() {})

	if exec.count() != 1 {
		t.Fatalf("executor saw %d batches, want 1", exec.count())
	}
	req := exec.batch(0)
	if len(req.Blocks) != 3 {
		t.Fatalf("batch had %d blocks, want 3", len(req.Blocks))
	}
	if req.RequestID == "" {
		t.Fatal("empty request id")
	}
}

func TestIteratorWaitsForAck(t *testing.T) {
	queue := blockqueue.New(1<<20, 0, -1)
	fillQueue(t, queue, 2, 100)
	exec := &recordingExecutor{}
	it := NewIterator(queue, exec, 100) // One block per batch.

	it.onTick(func() {})
	if exec.count() != 1 {
		t.Fatalf("executor saw %d batches, want 1", exec.count())
	}

	// Without an ack the next tick blocks on the signal; run it with a
	// cancelled context stand-in by acking from another goroutine.
	done := make(chan struct{})
	go func() {
		it.onTick(func() {})
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second tick dispatched before ack")
	case <-time.After(50 * time.Millisecond):
	}

	// The first batch is still queued until acked; simulate completion.
	if err := queue.DequeueMany([]string{exec.batch(0).Blocks[0].Hash}); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	it.AckBatch()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second tick never ran after ack")
	}
	if exec.count() != 2 {
		t.Fatalf("executor saw %d batches, want 2", exec.count())
	}
	if exec.batch(1).Blocks[0].Height != 1 {
		t.Fatalf("second batch starts at %d, want 1", exec.batch(1).Blocks[0].Height)
	}
}

func TestIteratorRetriesFailedDispatch(t *testing.T) {
	queue := blockqueue.New(1<<20, 0, -1)
	fillQueue(t, queue, 1, 100)
	exec := &recordingExecutor{failN: 1}
	it := NewIterator(queue, exec, 1000)

	it.onTick(func() {}) // Fails; iterator self-acks for a retry.
	if exec.count() != 0 {
		t.Fatal("failed dispatch was recorded")
	}

	it.onTick(func() {})
	if exec.count() != 1 {
		t.Fatalf("executor saw %d batches after retry, want 1", exec.count())
	}
	// The retried batch is the same head block.
	if exec.batch(0).Blocks[0].Height != 0 {
		t.Fatalf("retried batch starts at %d, want 0", exec.batch(0).Blocks[0].Height)
	}
}

func TestIteratorEmptyQueueNoop(t *testing.T) {
	queue := blockqueue.New(1<<20, 0, -1)
	exec := &recordingExecutor{}
	it := NewIterator(queue, exec, 1000)

	it.onTick(func() {})
	if exec.count() != 0 {
		t.Fatal("executor called with empty queue")
	}
}

func TestIteratorStopUnblocksWaiter(t *testing.T) {
	queue := blockqueue.New(1<<20, 0, -1)
	fillQueue(t, queue, 2, 100)
	exec := &recordingExecutor{}
	it := NewIterator(queue, exec, 100)
	it.Start()

	// Wait until the first batch is in flight, then stop without acking.
	deadline := time.Now().Add(time.Second)
	for exec.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if exec.count() == 0 {
		t.Fatal("iterator never dispatched")
	}

	stopped := make(chan struct{})
	go func() {
		it.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop hung on unacked batch")
	}
}

func TestIteratorAckIdempotent(t *testing.T) {
	queue := blockqueue.New(1<<20, 0, -1)
	exec := &recordingExecutor{}
	it := NewIterator(queue, exec, 1000)

	it.AckBatch()
	it.AckBatch() // Second ack on a resolved signal must not panic.
}
