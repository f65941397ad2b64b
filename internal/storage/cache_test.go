package storage

import (
	"fmt"
	"testing"

	"github.com/chainpulse-io/chainpulse/pkg/types"
)

func testTail(n int) []*types.LightBlock {
	blocks := make([]*types.LightBlock, n)
	prev := fmt.Sprintf("%064x", 0)
	for i := 0; i < n; i++ {
		hash := fmt.Sprintf("%064x", i+1)
		blocks[i] = &types.LightBlock{
			Height:       int64(i),
			Hash:         hash,
			PreviousHash: prev,
			Size:         250,
			TxIDs:        []string{fmt.Sprintf("tx-%d", i)},
		}
		prev = hash
	}
	return blocks
}

func TestChainTailRoundTrip(t *testing.T) {
	c := NewRestoreCache(NewMemory())

	cold, err := c.LoadChainTail()
	if err != nil {
		t.Fatalf("cold load: %v", err)
	}
	if cold != nil {
		t.Fatalf("cold cache returned %d blocks", len(cold))
	}

	tail := testTail(5)
	if err := c.SaveChainTail(tail); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := c.LoadChainTail()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("loaded %d blocks, want 5", len(got))
	}
	for i, lb := range got {
		if lb.Height != tail[i].Height || lb.Hash != tail[i].Hash {
			t.Fatalf("block %d = %+v, want %+v", i, lb, tail[i])
		}
	}
	if got[0].TxIDs[0] != "tx-0" {
		t.Fatalf("txids lost: %v", got[0].TxIDs)
	}
}

func TestMempoolTxIDsRoundTrip(t *testing.T) {
	c := NewRestoreCache(NewMemory())

	cold, err := c.LoadMempoolTxIDs()
	if err != nil || cold != nil {
		t.Fatalf("cold load = %v, %v", cold, err)
	}

	txids := []string{"tx-a", "tx-b", "tx-c"}
	if err := c.SaveMempoolTxIDs(txids); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := c.LoadMempoolTxIDs()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 3 || got[0] != "tx-a" || got[2] != "tx-c" {
		t.Fatalf("txids = %v", got)
	}
}

func TestWatermarkRoundTrip(t *testing.T) {
	c := NewRestoreCache(NewMemory())

	w, err := c.LoadWatermark()
	if err != nil || w != 0 {
		t.Fatalf("cold watermark = %d, %v", w, err)
	}

	if err := c.SaveWatermark(1234567890123); err != nil {
		t.Fatalf("save: %v", err)
	}
	w, err = c.LoadWatermark()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if w != 1234567890123 {
		t.Fatalf("watermark = %d", w)
	}
}

func TestCacheClear(t *testing.T) {
	c := NewRestoreCache(NewMemory())
	if err := c.SaveChainTail(testTail(3)); err != nil {
		t.Fatalf("save tail: %v", err)
	}
	if err := c.SaveMempoolTxIDs([]string{"tx-a"}); err != nil {
		t.Fatalf("save txids: %v", err)
	}
	if err := c.SaveWatermark(99); err != nil {
		t.Fatalf("save watermark: %v", err)
	}

	if err := c.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	tail, err := c.LoadChainTail()
	if err != nil || tail != nil {
		t.Fatalf("tail after clear = %v, %v", tail, err)
	}
	txids, err := c.LoadMempoolTxIDs()
	if err != nil || txids != nil {
		t.Fatalf("txids after clear = %v, %v", txids, err)
	}
	w, err := c.LoadWatermark()
	if err != nil || w != 0 {
		t.Fatalf("watermark after clear = %d, %v", w, err)
	}
}

func TestCacheOnBadger(t *testing.T) {
	bdg, err := NewBadger(t.TempDir())
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	defer bdg.Close()

	c := NewRestoreCache(bdg)
	if err := c.SaveChainTail(testTail(4)); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := c.LoadChainTail()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 4 || got[3].Height != 3 {
		t.Fatalf("tail = %v", got)
	}
}
