// Package chainindex maintains the tail of the blockchain in memory as a
// doubly-linked sequence of light blocks with O(1) height lookup.
//
// The index holds at most maxSize blocks; adding beyond that evicts the
// oldest block from the head. All validation failures are boolean results
// so callers can treat a rejected block as a reorganization signal instead
// of an error.
package chainindex

import (
	"sync"

	"github.com/chainpulse-io/chainpulse/pkg/types"
)

// node links a light block into the chain.
type node struct {
	block *types.LightBlock
	prev  *node
	next  *node
}

// Index is the in-memory chain tail.
type Index struct {
	mu         sync.RWMutex
	head       *node
	tail       *node
	byHeight   map[int64]*node
	size       int
	maxSize    int
	baseHeight int64 // Sentinel height just below the first indexable block.
}

// New creates an index holding at most maxSize blocks. baseHeight is the
// sentinel height just below the first block the index may hold; truncating
// to it clears the index.
func New(maxSize int, baseHeight int64) *Index {
	if maxSize < 1 {
		maxSize = 1
	}
	return &Index{
		byHeight:   make(map[int64]*node),
		maxSize:    maxSize,
		baseHeight: baseHeight,
	}
}

// Size returns the number of blocks currently held.
func (ix *Index) Size() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.size
}

// BaseHeight returns the sentinel height.
func (ix *Index) BaseHeight() int64 {
	return ix.baseHeight
}

// LastHeight returns the tip height, or the base sentinel when empty.
func (ix *Index) LastHeight() int64 {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if ix.tail == nil {
		return ix.baseHeight
	}
	return ix.tail.block.Height
}

// LastHash returns the tip hash, or "" when empty.
func (ix *Index) LastHash() string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if ix.tail == nil {
		return ""
	}
	return ix.tail.block.Hash
}

// Tip returns the tip block, or nil when empty.
func (ix *Index) Tip() *types.LightBlock {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if ix.tail == nil {
		return nil
	}
	return ix.tail.block
}

// ValidateNextBlock reports whether a block at the given height with the
// given previous-hash would extend the chain. An empty index accepts any
// block.
func (ix *Index) ValidateNextBlock(height int64, previousHash string) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.validateNext(height, previousHash)
}

// validateNext is ValidateNextBlock without locking.
func (ix *Index) validateNext(height int64, previousHash string) bool {
	if ix.tail == nil {
		return true
	}
	return height == ix.tail.block.Height+1 && previousHash == ix.tail.block.Hash
}

// AddBlock appends a single block. Returns false without mutating state if
// the block does not extend the current tip.
func (ix *Index) AddBlock(lb *types.LightBlock) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if !ix.validateNext(lb.Height, lb.PreviousHash) {
		return false
	}
	ix.append(lb)
	return true
}

// AddBlocks appends a batch. The whole batch is validated for internal
// consecutiveness and against the current tip before any insertion; on any
// violation nothing is inserted and false is returned.
func (ix *Index) AddBlocks(lbs []*types.LightBlock) bool {
	if len(lbs) == 0 {
		return true
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if !ix.validateNext(lbs[0].Height, lbs[0].PreviousHash) {
		return false
	}
	for i := 1; i < len(lbs); i++ {
		if !lbs[i].Follows(lbs[i-1].Height, lbs[i-1].Hash) {
			return false
		}
	}

	for _, lb := range lbs {
		ix.append(lb)
	}
	return true
}

// append inserts at the tail and evicts from the head past maxSize.
// Caller holds ix.mu.
func (ix *Index) append(lb *types.LightBlock) {
	n := &node{block: lb}
	if ix.tail == nil {
		ix.head = n
		ix.tail = n
	} else {
		n.prev = ix.tail
		ix.tail.next = n
		ix.tail = n
	}
	ix.byHeight[lb.Height] = n
	ix.size++

	// Evict exactly one node from the head on overflow.
	if ix.size > ix.maxSize {
		evicted := ix.head
		ix.head = evicted.next
		if ix.head != nil {
			ix.head.prev = nil
		} else {
			ix.tail = nil
		}
		evicted.next = nil
		delete(ix.byHeight, evicted.block.Height)
		ix.size--
	}
}

// FindByHeight returns the block at the given height, or nil.
func (ix *Index) FindByHeight(height int64) *types.LightBlock {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	n, ok := ix.byHeight[height]
	if !ok {
		return nil
	}
	return n.block
}

// TruncateTo removes every block with height above h. Truncating below the
// first held block, or to the base sentinel, clears the index. Returns
// false only when h is below the base sentinel.
func (ix *Index) TruncateTo(h int64) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if h < ix.baseHeight {
		return false
	}
	if h == ix.baseHeight {
		ix.clear()
		return true
	}
	if ix.head == nil {
		return true
	}
	if h < ix.head.block.Height {
		ix.clear()
		return true
	}

	for ix.tail != nil && ix.tail.block.Height > h {
		removed := ix.tail
		ix.tail = removed.prev
		if ix.tail != nil {
			ix.tail.next = nil
		} else {
			ix.head = nil
		}
		removed.prev = nil
		delete(ix.byHeight, removed.block.Height)
		ix.size--
	}
	return true
}

// Clear empties the index.
func (ix *Index) Clear() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.clear()
}

// clear empties without locking. Caller holds ix.mu.
func (ix *Index) clear() {
	ix.head = nil
	ix.tail = nil
	ix.byHeight = make(map[int64]*node)
	ix.size = 0
}

// GetLastN returns up to n blocks from the tail in ascending height order.
func (ix *Index) GetLastN(n int) []*types.LightBlock {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if n > ix.size {
		n = ix.size
	}
	if n <= 0 {
		return nil
	}
	out := make([]*types.LightBlock, n)
	cur := ix.tail
	for i := n - 1; i >= 0; i-- {
		out[i] = cur.block
		cur = cur.prev
	}
	return out
}

// ToArray returns all held blocks in ascending height order.
func (ix *Index) ToArray() []*types.LightBlock {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	out := make([]*types.LightBlock, 0, ix.size)
	for cur := ix.head; cur != nil; cur = cur.next {
		out = append(out, cur.block)
	}
	return out
}

// FromArray replaces the index contents with the given blocks. The input
// must be internally consecutive; on violation the index is left empty and
// false is returned.
func (ix *Index) FromArray(lbs []*types.LightBlock) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.clear()
	for i, lb := range lbs {
		if i > 0 && !lb.Follows(lbs[i-1].Height, lbs[i-1].Hash) {
			ix.clear()
			return false
		}
		ix.append(lb)
	}
	return true
}
