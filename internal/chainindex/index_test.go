package chainindex

import (
	"fmt"
	"testing"

	"github.com/chainpulse-io/chainpulse/pkg/types"
)

// testHash returns a deterministic 64-char hex hash for a height.
func testHash(h int64) string {
	return fmt.Sprintf("%064x", h+1)
}

// lightBlock builds a light block at the given height linked to its parent.
func lightBlock(t *testing.T, height int64) *types.LightBlock {
	t.Helper()
	lb := &types.LightBlock{
		Height: height,
		Hash:   testHash(height),
		Size:   100,
	}
	if height > 0 {
		lb.PreviousHash = testHash(height - 1)
	}
	return lb
}

// chainOf builds consecutive light blocks [from..to].
func chainOf(t *testing.T, from, to int64) []*types.LightBlock {
	t.Helper()
	var out []*types.LightBlock
	for h := from; h <= to; h++ {
		out = append(out, lightBlock(t, h))
	}
	return out
}

func TestAddBlockSequence(t *testing.T) {
	ix := New(10, -1)

	if !ix.AddBlock(lightBlock(t, 0)) {
		t.Fatal("genesis rejected on empty index")
	}
	if !ix.AddBlock(lightBlock(t, 1)) {
		t.Fatal("consecutive block rejected")
	}
	if ix.LastHeight() != 1 {
		t.Fatalf("LastHeight = %d, want 1", ix.LastHeight())
	}
	if ix.LastHash() != testHash(1) {
		t.Fatalf("LastHash = %s, want %s", ix.LastHash(), testHash(1))
	}
}

func TestAddBlockRejectsGap(t *testing.T) {
	ix := New(10, -1)
	ix.AddBlock(lightBlock(t, 0))

	if ix.AddBlock(lightBlock(t, 2)) {
		t.Fatal("height gap accepted")
	}
	if ix.Size() != 1 {
		t.Fatalf("Size = %d after rejected add, want 1", ix.Size())
	}
}

func TestAddBlockRejectsWrongPrevHash(t *testing.T) {
	ix := New(10, -1)
	ix.AddBlock(lightBlock(t, 0))

	bad := lightBlock(t, 1)
	bad.PreviousHash = testHash(42)
	if ix.AddBlock(bad) {
		t.Fatal("wrong previous hash accepted")
	}
}

func TestAddBlocksAtomicValidation(t *testing.T) {
	ix := New(10, -1)
	ix.AddBlock(lightBlock(t, 0))

	// Internal gap between 2 and 4, the whole batch must be rejected.
	batch := []*types.LightBlock{lightBlock(t, 1), lightBlock(t, 2), lightBlock(t, 4)}
	if ix.AddBlocks(batch) {
		t.Fatal("batch with internal gap accepted")
	}
	if ix.Size() != 1 {
		t.Fatalf("Size = %d after rejected batch, want 1 (no partial insert)", ix.Size())
	}

	if !ix.AddBlocks(chainOf(t, 1, 5)) {
		t.Fatal("valid batch rejected")
	}
	if ix.LastHeight() != 5 {
		t.Fatalf("LastHeight = %d, want 5", ix.LastHeight())
	}
}

func TestEvictionKeepsMaxSize(t *testing.T) {
	ix := New(3, -1)
	ix.AddBlocks(chainOf(t, 0, 5))

	if ix.Size() != 3 {
		t.Fatalf("Size = %d, want 3", ix.Size())
	}
	// Heights 0..2 evicted from the head, 3..5 remain.
	if ix.FindByHeight(2) != nil {
		t.Fatal("evicted height 2 still in height map")
	}
	if ix.FindByHeight(3) == nil {
		t.Fatal("height 3 missing after eviction")
	}
	if ix.LastHeight() != 5 {
		t.Fatalf("LastHeight = %d, want 5", ix.LastHeight())
	}
}

func TestFindByHeight(t *testing.T) {
	ix := New(10, -1)
	ix.AddBlocks(chainOf(t, 0, 4))

	lb := ix.FindByHeight(2)
	if lb == nil || lb.Hash != testHash(2) {
		t.Fatalf("FindByHeight(2) = %+v, want hash %s", lb, testHash(2))
	}
	if ix.FindByHeight(99) != nil {
		t.Fatal("FindByHeight(99) returned a block")
	}
}

func TestTruncateTo(t *testing.T) {
	ix := New(10, -1)
	ix.AddBlocks(chainOf(t, 0, 5))

	if !ix.TruncateTo(3) {
		t.Fatal("TruncateTo(3) failed")
	}
	if ix.LastHeight() != 3 {
		t.Fatalf("LastHeight = %d after truncate, want 3", ix.LastHeight())
	}
	if ix.FindByHeight(4) != nil || ix.FindByHeight(5) != nil {
		t.Fatal("truncated heights still in height map")
	}

	// Truncating below the first held block clears the index.
	ix2 := New(3, -1)
	ix2.AddBlocks(chainOf(t, 0, 5)) // Holds 3..5 after eviction.
	if !ix2.TruncateTo(1) {
		t.Fatal("TruncateTo below head failed")
	}
	if ix2.Size() != 0 {
		t.Fatalf("Size = %d after truncate below head, want 0", ix2.Size())
	}

	// Truncating to the base sentinel clears; below it fails.
	ix3 := New(10, -1)
	ix3.AddBlocks(chainOf(t, 0, 2))
	if !ix3.TruncateTo(-1) {
		t.Fatal("TruncateTo(base) failed")
	}
	if ix3.Size() != 0 {
		t.Fatal("index not cleared on truncate to base")
	}
	if ix3.TruncateTo(-2) {
		t.Fatal("TruncateTo below base succeeded")
	}
}

func TestGetLastNAndToArray(t *testing.T) {
	ix := New(10, -1)
	ix.AddBlocks(chainOf(t, 0, 4))

	last2 := ix.GetLastN(2)
	if len(last2) != 2 || last2[0].Height != 3 || last2[1].Height != 4 {
		t.Fatalf("GetLastN(2) heights = %v", heights(last2))
	}
	if got := ix.GetLastN(100); len(got) != 5 {
		t.Fatalf("GetLastN(100) len = %d, want 5", len(got))
	}

	all := ix.ToArray()
	for i, lb := range all {
		if lb.Height != int64(i) {
			t.Fatalf("ToArray()[%d].Height = %d", i, lb.Height)
		}
	}
}

func TestFromArray(t *testing.T) {
	ix := New(10, -1)
	if !ix.FromArray(chainOf(t, 7, 9)) {
		t.Fatal("FromArray rejected a valid chain")
	}
	if ix.LastHeight() != 9 || ix.Size() != 3 {
		t.Fatalf("LastHeight = %d Size = %d", ix.LastHeight(), ix.Size())
	}

	// A broken restore leaves the index empty.
	broken := []*types.LightBlock{lightBlock(t, 1), lightBlock(t, 3)}
	if ix.FromArray(broken) {
		t.Fatal("FromArray accepted a gapped chain")
	}
	if ix.Size() != 0 {
		t.Fatalf("Size = %d after rejected restore, want 0", ix.Size())
	}
}

func TestValidateNextBlock(t *testing.T) {
	ix := New(10, -1)
	if !ix.ValidateNextBlock(42, "whatever") {
		t.Fatal("empty index rejected a first block")
	}
	ix.AddBlock(lightBlock(t, 0))
	if !ix.ValidateNextBlock(1, testHash(0)) {
		t.Fatal("valid successor rejected")
	}
	if ix.ValidateNextBlock(1, testHash(5)) {
		t.Fatal("wrong prev hash accepted")
	}
	if ix.ValidateNextBlock(2, testHash(0)) {
		t.Fatal("height gap accepted")
	}
}

func heights(lbs []*types.LightBlock) []int64 {
	out := make([]int64, len(lbs))
	for i, lb := range lbs {
		out[i] = lb.Height
	}
	return out
}
