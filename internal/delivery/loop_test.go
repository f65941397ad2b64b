package delivery

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/chainpulse-io/chainpulse/config"
	"github.com/chainpulse-io/chainpulse/internal/domain"
	"github.com/chainpulse-io/chainpulse/internal/eventstore"
	"github.com/chainpulse-io/chainpulse/internal/wire"
)

func openTestStore(t *testing.T) *eventstore.Store {
	t.Helper()
	s, err := eventstore.Open(config.StoreConfig{
		Path:              filepath.Join(t.TempDir(), "events.db"),
		CompressThreshold: 4096,
		BusyTimeout:       time.Second,
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// outboxFeeder raises events so the store fills the outbox.
type outboxFeeder struct {
	id      string
	version int64
	height  int64
	unsaved []*domain.Event
}

func newFeeder(id string) *outboxFeeder {
	return &outboxFeeder{id: id, height: domain.NoBlockHeight}
}

func (a *outboxFeeder) emit(eventType string, blockHeight int64, payload []byte) {
	a.version++
	a.unsaved = append(a.unsaved, &domain.Event{
		AggregateID: a.id,
		Version:     a.version,
		RequestID:   "req",
		BlockHeight: blockHeight,
		Timestamp:   domain.NowMicros(),
		Type:        eventType,
		Payload:     payload,
	})
}

func (a *outboxFeeder) ID() string                     { return a.id }
func (a *outboxFeeder) Version() int64                 { return a.version }
func (a *outboxFeeder) LastBlockHeight() int64         { return a.height }
func (a *outboxFeeder) UnsavedEvents() []*domain.Event { return a.unsaved }
func (a *outboxFeeder) ClearUnsavedEvents()            { a.unsaved = nil }
func (a *outboxFeeder) ApplyEvent(ev *domain.Event) error {
	a.version = ev.Version
	return nil
}
func (a *outboxFeeder) Snapshot() ([]byte, error)                 { return []byte(`{}`), nil }
func (a *outboxFeeder) FromSnapshot(v, h int64, _ []byte) error   { a.version, a.height = v, h; return nil }
func (a *outboxFeeder) PruneableBelowSnapshot() bool              { return true }

// nullTransport backs a producer that only needs to exist.
type nullTransport struct{}

func (nullTransport) Name() string           { return "null" }
func (nullTransport) Send(data []byte) error { return nil }
func (nullTransport) Connected() bool        { return true }
func (nullTransport) Close() error           { return nil }

// fakeStreamer records streamed batches and scripts the downstream ACK.
type fakeStreamer struct {
	mu       sync.Mutex
	producer *wire.Producer
	batches  [][]wire.WireEvent
	failN    int
	ack      *wire.Ack
}

func newFakeStreamer() *fakeStreamer {
	return &fakeStreamer{
		producer: wire.NewProducer("fake", nullTransport{}, config.WireConfig{
			MaxMessageBytes: 4 << 20,
			AckTimeout:      time.Second,
		}),
		ack: wire.NeutralAck(),
	}
}

func (f *fakeStreamer) Streaming() *wire.Producer { return f.producer }

func (f *fakeStreamer) StreamWireWithAck(events []wire.WireEvent) (*wire.Ack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failN > 0 {
		f.failN--
		return nil, errors.New("downstream unavailable")
	}
	cp := make([]wire.WireEvent, len(events))
	copy(cp, events)
	f.batches = append(f.batches, cp)
	return f.ack, nil
}

func (f *fakeStreamer) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func (f *fakeStreamer) batch(i int) []wire.WireEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.batches[i]
}

func feedOutbox(t *testing.T, s *eventstore.Store, id string, payloads ...[]byte) *eventstore.PersistResult {
	t.Helper()
	agg := newFeeder(id)
	for _, p := range payloads {
		agg.emit("LedgerUpdated", domain.NoBlockHeight, p)
	}
	res, err := s.PersistAggregatesAndOutbox(context.Background(), []domain.Aggregate{agg})
	if err != nil {
		t.Fatalf("persist: %v", err)
	}
	return res
}

func testDeliveryConfig() config.DeliveryConfig {
	return config.DeliveryConfig{
		ChunkBudgetBytes: 1 << 20,
		SweepInterval:    time.Hour,
	}
}

func TestNoStreamingProducerLeavesRows(t *testing.T) {
	s := openTestStore(t)
	f := newFakeStreamer()
	f.producer = nil
	l := NewLoop(s, f, testDeliveryConfig())

	feedOutbox(t, s, "network", []byte(`{"n":1}`))

	delivered, err := l.DeliverPending(context.Background())
	if err != nil {
		t.Fatalf("DeliverPending: %v", err)
	}
	if delivered != 0 {
		t.Fatalf("delivered %d rows with no streaming producer", delivered)
	}
	if l.LastSeenID() != 0 {
		t.Fatalf("watermark = %d, want 0", l.LastSeenID())
	}
	pending, err := s.HasAnyPendingAfterWatermark(context.Background(), 0)
	if err != nil {
		t.Fatalf("pending check: %v", err)
	}
	if !pending {
		t.Fatal("rows vanished without delivery")
	}
}

func TestDeliverAdvancesWatermark(t *testing.T) {
	s := openTestStore(t)
	f := newFakeStreamer()
	l := NewLoop(s, f, testDeliveryConfig())

	res := feedOutbox(t, s, "network", []byte(`{"n":1}`), []byte(`{"n":2}`), []byte(`{"n":3}`))

	delivered, err := l.DeliverPending(context.Background())
	if err != nil {
		t.Fatalf("DeliverPending: %v", err)
	}
	if delivered != 3 {
		t.Fatalf("delivered %d rows, want 3", delivered)
	}
	if l.LastSeenID() != res.LastID {
		t.Fatalf("watermark = %d, want %d", l.LastSeenID(), res.LastID)
	}

	pending, err := s.HasAnyPendingAfterWatermark(context.Background(), 0)
	if err != nil {
		t.Fatalf("pending check: %v", err)
	}
	if pending {
		t.Fatal("acked rows not deleted")
	}

	if f.batchCount() != 1 {
		t.Fatalf("streamed %d batches, want 1", f.batchCount())
	}
	events := f.batch(0)
	if len(events) != 3 {
		t.Fatalf("batch has %d events, want 3", len(events))
	}
	if events[0].ModelName != "network" || events[0].EventType != "LedgerUpdated" {
		t.Fatalf("event 0 = %+v", events[0])
	}
	if events[0].Payload != `{"n":1}` || events[2].Payload != `{"n":3}` {
		t.Fatalf("payloads = %q, %q", events[0].Payload, events[2].Payload)
	}
	if events[0].EventVersion != 1 || events[2].EventVersion != 3 {
		t.Fatalf("versions = %d, %d", events[0].EventVersion, events[2].EventVersion)
	}
}

func TestPublishFailureRetainsRows(t *testing.T) {
	s := openTestStore(t)
	f := newFakeStreamer()
	f.failN = 1
	l := NewLoop(s, f, testDeliveryConfig())

	feedOutbox(t, s, "network", []byte(`{"n":1}`))

	if _, err := l.DeliverPending(context.Background()); err == nil {
		t.Fatal("publish failure not surfaced")
	}
	if l.LastSeenID() != 0 {
		t.Fatalf("watermark advanced to %d after failure", l.LastSeenID())
	}

	// The retry delivers the same row.
	delivered, err := l.DeliverPending(context.Background())
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if delivered != 1 {
		t.Fatalf("retry delivered %d rows, want 1", delivered)
	}
	if f.batch(0)[0].Payload != `{"n":1}` {
		t.Fatalf("retry payload = %q", f.batch(0)[0].Payload)
	}
}

func TestPartialAckRetainsRows(t *testing.T) {
	s := openTestStore(t)
	f := newFakeStreamer()
	f.ack = &wire.Ack{AllOk: false, OkIndices: []int{0}}
	l := NewLoop(s, f, testDeliveryConfig())

	feedOutbox(t, s, "network", []byte(`{"n":1}`), []byte(`{"n":2}`))

	if _, err := l.DeliverPending(context.Background()); err == nil {
		t.Fatal("partial ack not surfaced as failure")
	}
	pending, err := s.HasAnyPendingAfterWatermark(context.Background(), 0)
	if err != nil {
		t.Fatalf("pending check: %v", err)
	}
	if !pending {
		t.Fatal("rows deleted despite partial ack")
	}
}

func TestDrainRespectsChunkBudget(t *testing.T) {
	s := openTestStore(t)
	f := newFakeStreamer()
	cfg := testDeliveryConfig()
	cfg.ChunkBudgetBytes = 150
	l := NewLoop(s, f, cfg)

	wide := make([]byte, 100)
	for i := range wide {
		wide[i] = 'x'
	}
	feedOutbox(t, s, "network", wide, wide, wide, wide)

	if err := l.Drain(context.Background()); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if f.batchCount() != 4 {
		t.Fatalf("streamed %d chunks, want 4 with a 150-byte budget", f.batchCount())
	}
	pending, err := s.HasAnyPendingAfterWatermark(context.Background(), 0)
	if err != nil {
		t.Fatalf("pending check: %v", err)
	}
	if pending {
		t.Fatal("outbox not drained")
	}
}

func TestNotifyWakesLoop(t *testing.T) {
	s := openTestStore(t)
	f := newFakeStreamer()
	l := NewLoop(s, f, testDeliveryConfig())
	l.Start()
	defer l.Stop()

	feedOutbox(t, s, "network", []byte(`{"n":1}`))
	l.Notify()

	deadline := time.Now().Add(2 * time.Second)
	for f.batchCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if f.batchCount() == 0 {
		t.Fatal("notification never triggered delivery")
	}
}

func TestStopDrainsOutbox(t *testing.T) {
	s := openTestStore(t)
	f := newFakeStreamer()
	l := NewLoop(s, f, testDeliveryConfig())
	l.Start()

	feedOutbox(t, s, "network", []byte(`{"n":1}`))
	l.Stop()

	if f.batchCount() == 0 {
		t.Fatal("final drain skipped on stop")
	}
	pending, err := s.HasAnyPendingAfterWatermark(context.Background(), 0)
	if err != nil {
		t.Fatalf("pending check: %v", err)
	}
	if pending {
		t.Fatal("rows left behind after stop")
	}
}
