package eventstore

import (
	"sync/atomic"
	"time"
)

// idGenerator hands out strictly increasing outbox ids. Seeding from the
// microsecond clock keeps ids increasing across restarts as long as the
// sustained write rate stays below one million events per second.
type idGenerator struct {
	next atomic.Int64
}

func newIDGenerator() *idGenerator {
	g := &idGenerator{}
	g.next.Store(time.Now().UnixMicro())
	return g
}

// reserve claims n consecutive ids and returns the first. Concurrent
// reservations receive disjoint ascending ranges.
func (g *idGenerator) reserve(n int) int64 {
	last := g.next.Add(int64(n))
	return last - int64(n) + 1
}
