// Package domain holds the event-sourced aggregates the indexer maintains:
// the Network aggregate owning the in-memory chain tail and the Mempool
// aggregate tracking unconfirmed transaction ids.
package domain

import (
	"sync/atomic"
	"time"
)

// NoBlockHeight marks events not tied to a specific block.
const NoBlockHeight int64 = -1

// Event is one persisted aggregate state transition. Versions are dense
// and strictly increasing per aggregate.
type Event struct {
	AggregateID string
	Version     int64
	RequestID   string
	BlockHeight int64
	Timestamp   int64 // Microseconds, monotonic across the process.
	Type        string
	Payload     []byte
}

var lastMicros atomic.Int64

// NowMicros returns a process-monotonic microsecond timestamp: never less
// than or equal to any previously returned value, even when the wall clock
// stalls or steps backward.
func NowMicros() int64 {
	for {
		now := time.Now().UnixMicro()
		last := lastMicros.Load()
		if now <= last {
			now = last + 1
		}
		if lastMicros.CompareAndSwap(last, now) {
			return now
		}
	}
}
