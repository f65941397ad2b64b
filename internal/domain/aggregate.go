package domain

import (
	"errors"
	"fmt"
)

// Aggregate errors.
var (
	ErrUnknownEventType = errors.New("unknown event type")
	ErrVersionGap       = errors.New("event version does not follow aggregate version")
)

// Aggregate is the contract the event store persists and rehydrates.
// Mutations happen only through events: commands raise them, replay
// re-applies them, and handlers must be idempotent.
type Aggregate interface {
	ID() string
	Version() int64
	LastBlockHeight() int64

	// UnsavedEvents returns events raised since the last successful
	// persistence, in version order.
	UnsavedEvents() []*Event

	// ClearUnsavedEvents is called by the store after a committed write.
	ClearUnsavedEvents()

	// ApplyEvent replays one persisted event without recording it as
	// unsaved.
	ApplyEvent(ev *Event) error

	// Snapshot serializes the current state.
	Snapshot() ([]byte, error)

	// FromSnapshot restores state from a snapshot taken at the given
	// version and block height.
	FromSnapshot(version, blockHeight int64, payload []byte) error

	// PruneableBelowSnapshot reports whether events older than the latest
	// snapshot may be deleted for this aggregate.
	PruneableBelowSnapshot() bool
}

// handler dispatches one event to the aggregate's type-specific logic.
type handler interface {
	handle(ev *Event) error
}

// Root carries the state every aggregate shares. Concrete aggregates embed
// it and raise events through it.
type Root struct {
	id              string
	version         int64
	lastBlockHeight int64
	unsaved         []*Event
}

func newRoot(id string) Root {
	return Root{id: id, lastBlockHeight: NoBlockHeight}
}

// ID returns the aggregate id.
func (r *Root) ID() string { return r.id }

// Version returns the version of the last applied event, 0 for a fresh
// aggregate.
func (r *Root) Version() int64 { return r.version }

// LastBlockHeight returns the block height of the last height-bearing
// event, or NoBlockHeight.
func (r *Root) LastBlockHeight() int64 { return r.lastBlockHeight }

// UnsavedEvents returns the events pending persistence.
func (r *Root) UnsavedEvents() []*Event { return r.unsaved }

// ClearUnsavedEvents drops the pending list after a committed write.
func (r *Root) ClearUnsavedEvents() { r.unsaved = nil }

// raise builds the next event, applies it, and records it as unsaved.
// A handler error leaves the aggregate untouched.
func (r *Root) raise(h handler, eventType, requestID string, blockHeight int64, payload []byte) error {
	ev := &Event{
		AggregateID: r.id,
		Version:     r.version + 1,
		RequestID:   requestID,
		BlockHeight: blockHeight,
		Timestamp:   NowMicros(),
		Type:        eventType,
		Payload:     payload,
	}
	if err := r.applyEvent(h, ev); err != nil {
		return err
	}
	r.unsaved = append(r.unsaved, ev)
	return nil
}

// applyEvent dispatches and advances version/height bookkeeping. Replay
// uses it directly; raise goes through it so command and replay paths
// share one code path.
func (r *Root) applyEvent(h handler, ev *Event) error {
	if ev.Version != r.version+1 {
		return fmt.Errorf("%w: aggregate %s at %d, event version %d",
			ErrVersionGap, r.id, r.version, ev.Version)
	}
	if err := h.handle(ev); err != nil {
		return err
	}
	r.version = ev.Version
	if ev.BlockHeight != NoBlockHeight {
		r.lastBlockHeight = ev.BlockHeight
	}
	return nil
}

// restore resets the shared state to a snapshot position.
func (r *Root) restore(version, blockHeight int64) {
	r.version = version
	r.lastBlockHeight = blockHeight
	r.unsaved = nil
}
