package wire

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chainpulse-io/chainpulse/config"
)

// fakeTransport records sent frames in memory.
type fakeTransport struct {
	mu        sync.Mutex
	frames    [][]byte
	connected bool
	sendErr   error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{connected: true}
}

func (t *fakeTransport) Name() string { return "fake" }

func (t *fakeTransport) Send(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sendErr != nil {
		return t.sendErr
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	t.frames = append(t.frames, cp)
	return nil
}

func (t *fakeTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = false
	return nil
}

func (t *fakeTransport) setConnected(v bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = v
}

func (t *fakeTransport) frameCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.frames)
}

func (t *fakeTransport) frame(i int) []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.frames[i]
}

func testWireConfig() config.WireConfig {
	return config.WireConfig{
		MaxMessageBytes:      4 << 20,
		AckTimeout:           time.Second,
		HeartbeatInterval:    10 * time.Millisecond,
		HeartbeatMaxInterval: 100 * time.Millisecond,
		HeartbeatTimeout:     200 * time.Millisecond,
	}
}

func TestSendMessage(t *testing.T) {
	tr := newFakeTransport()
	p := NewProducer("test", tr, testWireConfig())

	env, err := NewEnvelope(ActionPing, nil)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	if err := p.SendMessage(env); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if tr.frameCount() != 1 {
		t.Fatalf("sent %d frames, want 1", tr.frameCount())
	}
	var sent Envelope
	if err := json.Unmarshal(tr.frame(0), &sent); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if sent.Action != ActionPing {
		t.Fatalf("action = %q, want Ping", sent.Action)
	}
}

func TestSendMessageSizeCap(t *testing.T) {
	tr := newFakeTransport()
	cfg := testWireConfig()
	cfg.MaxMessageBytes = 200 // Any envelope JSON plus the 256-byte overhead exceeds this.
	p := NewProducer("test", tr, cfg)

	env, err := NewEnvelope(ActionPing, nil)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	err = p.SendMessage(env)
	if !errors.Is(err, ErrEnvelopeTooLarge) {
		t.Fatalf("err = %v, want ErrEnvelopeTooLarge", err)
	}
	if tr.frameCount() != 0 {
		t.Fatal("raw transport invoked for oversized envelope")
	}
}

func TestSendMessageRequiresConnectivity(t *testing.T) {
	tr := newFakeTransport()
	tr.setConnected(false)
	p := NewProducer("test", tr, testWireConfig())

	env, _ := NewEnvelope(ActionPing, nil)
	if err := p.SendMessage(env); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}

func TestWaitForAckResolves(t *testing.T) {
	tr := newFakeTransport()
	p := NewProducer("test", tr, testWireConfig())

	go func() {
		time.Sleep(20 * time.Millisecond)
		p.ResolveAck(&Ack{AllOk: true})
	}()

	ack, err := p.WaitForAck(func() error { return nil })
	if err != nil {
		t.Fatalf("WaitForAck: %v", err)
	}
	if !ack.AllOk {
		t.Fatal("ack not AllOk")
	}
}

func TestWaitForAckSecondInFlightRejected(t *testing.T) {
	tr := newFakeTransport()
	p := NewProducer("test", tr, testWireConfig())

	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		p.WaitForAck(func() error {
			// While the first batch is in flight, a second must fail fast.
			if _, err := p.WaitForAck(func() error { return nil }); !errors.Is(err, ErrAckPending) {
				t.Errorf("second WaitForAck err = %v, want ErrAckPending", err)
			}
			return nil
		})
	}()

	time.Sleep(20 * time.Millisecond)
	p.ResolveAck(&Ack{AllOk: true})
	select {
	case <-firstDone:
	case <-time.After(time.Second):
		t.Fatal("first WaitForAck never returned")
	}
}

func TestWaitForAckTimeoutClearsSlot(t *testing.T) {
	tr := newFakeTransport()
	cfg := testWireConfig()
	cfg.AckTimeout = 30 * time.Millisecond
	p := NewProducer("test", tr, cfg)

	if _, err := p.WaitForAck(func() error { return nil }); !errors.Is(err, ErrAckTimeout) {
		t.Fatalf("err = %v, want ErrAckTimeout", err)
	}

	// The slot is free again.
	go func() {
		time.Sleep(5 * time.Millisecond)
		p.ResolveAck(&Ack{AllOk: true})
	}()
	if _, err := p.WaitForAck(func() error { return nil }); err != nil {
		t.Fatalf("WaitForAck after timeout: %v", err)
	}
}

func TestWaitForAckSendFailureClearsSlot(t *testing.T) {
	tr := newFakeTransport()
	p := NewProducer("test", tr, testWireConfig())

	boom := errors.New("boom")
	if _, err := p.WaitForAck(func() error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}

	go func() {
		time.Sleep(5 * time.Millisecond)
		p.ResolveAck(&Ack{AllOk: true})
	}()
	if _, err := p.WaitForAck(func() error { return nil }); err != nil {
		t.Fatalf("WaitForAck after send failure: %v", err)
	}
}

func TestHeartbeatTimeoutGatesConnectivity(t *testing.T) {
	tr := newFakeTransport()
	cfg := testWireConfig()
	cfg.HeartbeatTimeout = 100 * time.Millisecond
	p := NewProducer("test", tr, cfg)

	// Warm: transport up, no pong seen yet.
	if !p.IsConnected() {
		t.Fatal("warm producer reported offline")
	}

	p.OnPong()
	if !p.IsConnected() {
		t.Fatal("producer offline right after pong")
	}

	time.Sleep(150 * time.Millisecond)
	if p.IsConnected() {
		t.Fatal("producer still connected after pong aged past timeout")
	}

	// A fresh pong revives it.
	p.OnPong()
	if !p.IsConnected() {
		t.Fatal("producer offline after fresh pong")
	}
}

func TestHeartbeatSendsPings(t *testing.T) {
	tr := newFakeTransport()
	p := NewProducer("test", tr, testWireConfig())
	p.StartHeartbeat()
	defer p.StopHeartbeat()

	deadline := time.Now().Add(2 * time.Second)
	for tr.frameCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if tr.frameCount() < 2 {
		t.Fatal("heartbeat never pinged")
	}
	var env Envelope
	if err := json.Unmarshal(tr.frame(0), &env); err != nil {
		t.Fatalf("unmarshal ping: %v", err)
	}
	if env.Action != ActionPing {
		t.Fatalf("heartbeat sent %q, want Ping", env.Action)
	}
}

func TestWaitForOnline(t *testing.T) {
	tr := newFakeTransport()
	tr.setConnected(false)
	p := NewProducer("test", tr, testWireConfig())

	if err := p.WaitForOnline(60 * time.Millisecond); !errors.Is(err, ErrOfflineTimeout) {
		t.Fatalf("err = %v, want ErrOfflineTimeout", err)
	}

	go func() {
		time.Sleep(30 * time.Millisecond)
		tr.setConnected(true)
	}()
	if err := p.WaitForOnline(time.Second); err != nil {
		t.Fatalf("WaitForOnline: %v", err)
	}
}

func TestDestroyRejectsPendingAck(t *testing.T) {
	tr := newFakeTransport()
	p := NewProducer("test", tr, testWireConfig())

	errCh := make(chan error, 1)
	go func() {
		_, err := p.WaitForAck(func() error { return nil })
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	if err := p.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrDestroyed) {
			t.Fatalf("pending ack err = %v, want ErrDestroyed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pending ack never rejected")
	}

	// Further batches are refused.
	if _, err := p.WaitForAck(func() error { return nil }); !errors.Is(err, ErrDestroyed) {
		t.Fatalf("post-destroy err = %v, want ErrDestroyed", err)
	}
}
