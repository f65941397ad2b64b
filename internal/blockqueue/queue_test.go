package blockqueue

import (
	"errors"
	"fmt"
	"testing"

	"github.com/chainpulse-io/chainpulse/pkg/types"
)

func testHash(h int64) string {
	return fmt.Sprintf("%064x", h+1)
}

// testBlock builds a block at the given height with the given size.
func testBlock(t *testing.T, height, size int64) *types.Block {
	t.Helper()
	b := &types.Block{
		Height: height,
		Hash:   testHash(height),
		Size:   size,
		TxIDs:  []string{fmt.Sprintf("tx-%d", height)},
		TxHex:  []string{"deadbeef"},
	}
	if height > 0 {
		b.PreviousHash = testHash(height - 1)
	}
	return b
}

// fill enqueues consecutive blocks [from..to] with the given sizes.
func fill(t *testing.T, q *Queue, from int64, sizes ...int64) {
	t.Helper()
	for i, size := range sizes {
		if err := q.Enqueue(testBlock(t, from+int64(i), size)); err != nil {
			t.Fatalf("Enqueue height %d: %v", from+int64(i), err)
		}
	}
}

func TestEnqueueOrderingAndAccounting(t *testing.T) {
	q := New(1<<20, 0, -1)
	fill(t, q, 0, 100, 150, 200)

	if q.CurrentSize() != 450 {
		t.Fatalf("CurrentSize = %d, want 450", q.CurrentSize())
	}
	if q.LastHeight() != 2 {
		t.Fatalf("LastHeight = %d, want 2", q.LastHeight())
	}
	if q.Len() != 3 {
		t.Fatalf("Len = %d, want 3", q.Len())
	}
}

func TestEnqueueStripsTxBodies(t *testing.T) {
	q := New(1<<20, 0, -1)
	b := testBlock(t, 0, 100)
	if err := q.Enqueue(b); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if got := q.FirstBlock(); got.TxHex != nil {
		t.Fatal("tx bodies not stripped on enqueue")
	}
}

func TestEnqueueRejectsGap(t *testing.T) {
	q := New(1<<20, 0, -1)
	fill(t, q, 0, 100)

	err := q.Enqueue(testBlock(t, 2, 100))
	if !errors.Is(err, ErrOutOfSequence) {
		t.Fatalf("err = %v, want ErrOutOfSequence", err)
	}
	if q.Len() != 1 {
		t.Fatalf("Len = %d after rejected enqueue, want 1", q.Len())
	}
}

func TestEnqueueRejectsOverflow(t *testing.T) {
	q := New(250, 0, -1)
	fill(t, q, 0, 100, 150)

	err := q.Enqueue(testBlock(t, 2, 1))
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
}

func TestEnqueueRejectsPastMaxHeight(t *testing.T) {
	q := New(1<<20, 1, -1)
	fill(t, q, 0, 100, 100)

	err := q.Enqueue(testBlock(t, 2, 100))
	if !errors.Is(err, ErrMaxHeight) {
		t.Fatalf("err = %v, want ErrMaxHeight", err)
	}
}

func TestDequeueHeadMatch(t *testing.T) {
	q := New(1<<20, 0, -1)
	fill(t, q, 0, 100, 100)

	if _, err := q.Dequeue(testHash(1)); !errors.Is(err, ErrHeadMismatch) {
		t.Fatalf("err = %v, want ErrHeadMismatch", err)
	}
	b, err := q.Dequeue(testHash(0))
	if err != nil {
		t.Fatalf("Dequeue head: %v", err)
	}
	if b.Height != 0 {
		t.Fatalf("dequeued height %d, want 0", b.Height)
	}
	if q.CurrentSize() != 100 || q.Len() != 1 {
		t.Fatalf("CurrentSize = %d Len = %d after dequeue", q.CurrentSize(), q.Len())
	}
}

func TestDequeueMany(t *testing.T) {
	q := New(1<<20, 0, -1)
	fill(t, q, 0, 100, 100, 100)

	// Mismatch anywhere leaves the queue untouched.
	err := q.DequeueMany([]string{testHash(0), testHash(2)})
	if !errors.Is(err, ErrHeadMismatch) {
		t.Fatalf("err = %v, want ErrHeadMismatch", err)
	}
	if q.Len() != 3 {
		t.Fatalf("Len = %d after failed DequeueMany, want 3", q.Len())
	}

	if err := q.DequeueMany([]string{testHash(0), testHash(1)}); err != nil {
		t.Fatalf("DequeueMany: %v", err)
	}
	if q.Len() != 1 || q.FirstBlock().Height != 2 {
		t.Fatalf("Len = %d head = %+v", q.Len(), q.FirstBlock())
	}
}

func TestLookups(t *testing.T) {
	q := New(1<<20, 0, -1)
	fill(t, q, 0, 100, 100, 100)

	if b := q.FindByHeight(1); b == nil || b.Hash != testHash(1) {
		t.Fatalf("FindByHeight(1) = %+v", b)
	}
	if q.FindByHeight(9) != nil {
		t.Fatal("FindByHeight(9) returned a block")
	}

	got := q.FindByHashes([]string{testHash(2), testHash(0), "unknown"})
	if len(got) != 2 || got[0].Height != 0 || got[1].Height != 2 {
		t.Fatalf("FindByHashes returned heights %v", blockHeights(got))
	}
}

func TestBatchUpToSize(t *testing.T) {
	q := New(1<<20, 0, -1)
	fill(t, q, 0, 100, 150, 200)

	batch := q.BatchUpToSize(300)
	if len(batch) != 2 || batch[0].Height != 0 || batch[1].Height != 1 {
		t.Fatalf("BatchUpToSize(300) heights = %v, want [0 1]", blockHeights(batch))
	}

	// After dequeuing the head, 150 fits but 150+200 exceeds the budget.
	if _, err := q.Dequeue(testHash(0)); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	batch = q.BatchUpToSize(300)
	if len(batch) != 1 || batch[0].Height != 1 {
		t.Fatalf("BatchUpToSize(300) heights = %v, want [1]", blockHeights(batch))
	}
}

func TestBatchUpToSizeOversizedHead(t *testing.T) {
	q := New(1<<20, 0, -1)
	fill(t, q, 0, 5000)

	batch := q.BatchUpToSize(100)
	if len(batch) != 1 || batch[0].Height != 0 {
		t.Fatal("oversized head block not returned alone")
	}
}

func TestBatchUpToSizeEmpty(t *testing.T) {
	q := New(1<<20, 0, -1)
	if got := q.BatchUpToSize(100); got != nil {
		t.Fatalf("BatchUpToSize on empty queue = %v", got)
	}
}

func TestReorganize(t *testing.T) {
	q := New(1<<20, 0, -1)
	fill(t, q, 0, 100, 100, 100)

	q.Reorganize(7)
	if q.Len() != 0 || q.CurrentSize() != 0 {
		t.Fatalf("Len = %d CurrentSize = %d after reorganize", q.Len(), q.CurrentSize())
	}
	if q.LastHeight() != 7 {
		t.Fatalf("LastHeight = %d, want 7", q.LastHeight())
	}
	if err := q.Enqueue(testBlock(t, 8, 100)); err != nil {
		t.Fatalf("Enqueue after reorganize: %v", err)
	}
}

func TestRingGrowth(t *testing.T) {
	q := New(1<<30, 0, -1)
	for h := int64(0); h < 200; h++ {
		if err := q.Enqueue(testBlock(t, h, 10)); err != nil {
			t.Fatalf("Enqueue height %d: %v", h, err)
		}
	}
	if q.Len() != 200 {
		t.Fatalf("Len = %d, want 200", q.Len())
	}
	// FIFO order preserved across growth.
	for h := int64(0); h < 200; h++ {
		b, err := q.Dequeue(testHash(h))
		if err != nil {
			t.Fatalf("Dequeue height %d: %v", h, err)
		}
		if b.Height != h {
			t.Fatalf("dequeued height %d, want %d", b.Height, h)
		}
	}
}

func blockHeights(bs []*types.Block) []int64 {
	out := make([]int64, len(bs))
	for i, b := range bs {
		out[i] = b.Height
	}
	return out
}
