package delivery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/chainpulse-io/chainpulse/config"
	"github.com/chainpulse-io/chainpulse/internal/eventstore"
	klog "github.com/chainpulse-io/chainpulse/internal/log"
	"github.com/chainpulse-io/chainpulse/internal/wire"
)

// finalDrainTimeout bounds the best-effort drain on shutdown.
const finalDrainTimeout = 5 * time.Second

// Streamer is the wire surface the loop drives; *wire.Manager satisfies
// it.
type Streamer interface {
	Streaming() *wire.Producer
	StreamWireWithAck(events []wire.WireEvent) (*wire.Ack, error)
}

// Loop drains the outbox to the selected streaming producer with
// at-least-once delivery. Rows are deleted only after the downstream
// acknowledgement; the watermark holds the highest delivered outbox id
// and is mutated by the loop alone.
type Loop struct {
	store  *eventstore.Store
	wire   Streamer
	cfg    config.DeliveryConfig
	logger zerolog.Logger

	notify   chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	started  bool

	mu         sync.Mutex
	lastSeenID int64
}

// NewLoop creates a delivery loop; Start runs it.
func NewLoop(store *eventstore.Store, streamer Streamer, cfg config.DeliveryConfig) *Loop {
	return &Loop{
		store:  store,
		wire:   streamer,
		cfg:    cfg,
		logger: klog.Delivery,
		notify: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Notify wakes the loop after a persistence commit. Safe to call from
// any goroutine; a pending wakeup coalesces with new ones.
func (l *Loop) Notify() {
	select {
	case l.notify <- struct{}{}:
	default:
	}
}

// LastSeenID returns the delivery watermark.
func (l *Loop) LastSeenID() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSeenID
}

// SetWatermark seeds the delivery cursor, normally from the restore
// cache at startup. Rows at or below the watermark were already
// delivered and deleted; only a forward move is accepted.
func (l *Loop) SetWatermark(id int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if id > l.lastSeenID {
		l.lastSeenID = id
	}
}

// Start runs the loop in the background until Stop.
func (l *Loop) Start() {
	if l.started {
		return
	}
	l.started = true
	go l.run()
}

func (l *Loop) run() {
	defer close(l.done)
	ticker := time.NewTicker(l.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			ctx, cancel := context.WithTimeout(context.Background(), finalDrainTimeout)
			if err := l.Drain(ctx); err != nil {
				l.logger.Warn().Err(err).Msg("final outbox drain incomplete")
			}
			cancel()
			return
		case <-l.notify:
		case <-ticker.C:
		}

		if err := l.Drain(context.Background()); err != nil {
			l.logger.Warn().Err(err).Msg("outbox delivery failed, rows retained")
		}
	}
}

// Stop halts the loop after a best-effort final drain.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
	if l.started {
		<-l.done
	}
}

// Drain delivers chunks until no pending rows remain above the
// watermark, or an error stops progress.
func (l *Loop) Drain(ctx context.Context) error {
	for {
		delivered, err := l.DeliverPending(ctx)
		if err != nil {
			return err
		}
		if delivered == 0 {
			return nil
		}
	}
}

// DeliverPending delivers at most one byte-budgeted chunk and returns
// the number of rows delivered. With no streaming producer selected it
// is a no-op: rows stay in the outbox until a producer is available.
func (l *Loop) DeliverPending(ctx context.Context) (int, error) {
	if l.wire.Streaming() == nil {
		return 0, nil
	}

	l.mu.Lock()
	after := l.lastSeenID
	l.mu.Unlock()

	ids, err := l.store.FetchDeliverAckChunk(ctx, after, l.cfg.ChunkBudgetBytes, l.publish)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	l.mu.Lock()
	if last := ids[len(ids)-1]; last > l.lastSeenID {
		l.lastSeenID = last
	}
	l.mu.Unlock()
	return len(ids), nil
}

// publish frames one chunk and sends it through the streaming producer,
// treating anything short of a full acknowledgement as failure so the
// rows are retained for redelivery.
func (l *Loop) publish(rows []*eventstore.OutboxRow) error {
	events := make([]wire.WireEvent, len(rows))
	for i, r := range rows {
		events[i] = wire.WireEvent{
			ModelName:    r.AggregateID,
			EventType:    r.EventType,
			EventVersion: r.EventVersion,
			RequestID:    r.RequestID,
			BlockHeight:  r.BlockHeight,
			Payload:      string(r.Payload),
			Timestamp:    r.Timestamp,
		}
	}

	ack, err := l.wire.StreamWireWithAck(events)
	if err != nil {
		return err
	}
	if !ack.AllOk {
		return fmt.Errorf("batch of %d events not fully acknowledged", len(events))
	}
	return nil
}
