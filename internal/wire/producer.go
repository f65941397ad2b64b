package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/chainpulse-io/chainpulse/config"
	klog "github.com/chainpulse-io/chainpulse/internal/log"
)

// Producer errors.
var (
	ErrEnvelopeTooLarge = errors.New("envelope too large")
	ErrAckPending       = errors.New("ack already pending")
	ErrAckTimeout       = errors.New("ack timeout")
	ErrNotConnected     = errors.New("producer not connected")
	ErrDestroyed        = errors.New("producer destroyed")
	ErrOfflineTimeout   = errors.New("producer still offline after wait")
)

// onlinePollInterval is the granularity of WaitForOnline.
const onlinePollInterval = 25 * time.Millisecond

// Transport is a raw framed byte channel to one downstream party.
type Transport interface {
	Name() string
	Send(data []byte) error
	Connected() bool
	Close() error
}

// Producer owns one transport: it keeps the connection warm with
// heartbeat pings, frames envelopes under the size cap, and correlates a
// single outstanding delivery acknowledgement.
type Producer struct {
	name      string
	transport Transport
	cfg       config.WireConfig
	logger    zerolog.Logger

	mu        sync.Mutex
	ackCh     chan *Ack // Non-nil while a batch awaits its ACK.
	lastPong  time.Time
	pongSeen  bool
	destroyed bool

	destroyCh   chan struct{}
	destroyOnce sync.Once

	hbStop    chan struct{}
	hbKick    chan struct{}
	hbDone    chan struct{}
	hbOnce    sync.Once
	hbStarted bool
}

// NewProducer wraps a transport.
func NewProducer(name string, transport Transport, cfg config.WireConfig) *Producer {
	return &Producer{
		name:      name,
		transport: transport,
		cfg:       cfg,
		logger:    klog.Wire.With().Str("producer", name).Logger(),
		destroyCh: make(chan struct{}),
		hbStop:    make(chan struct{}),
		hbKick:    make(chan struct{}, 1),
		hbDone:    make(chan struct{}),
	}
}

// Name returns the producer's registry name.
func (p *Producer) Name() string { return p.name }

// SendMessage serializes the envelope and sends it. The serialized length
// plus the fixed framing overhead must stay under the configured cap, and
// the producer must currently be connected.
func (p *Producer) SendMessage(env *Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope %s: %w", env.Action, err)
	}
	if int64(len(data))+EnvelopeOverhead > p.cfg.MaxMessageBytes {
		return fmt.Errorf("%w: %d + %d > %d bytes",
			ErrEnvelopeTooLarge, len(data), EnvelopeOverhead, p.cfg.MaxMessageBytes)
	}
	if !p.IsConnected() {
		return fmt.Errorf("%w: %s", ErrNotConnected, p.name)
	}
	if err := p.transport.Send(data); err != nil {
		return fmt.Errorf("send %s via %s: %w", env.Action, p.transport.Name(), err)
	}
	return nil
}

// WaitForAck installs the single pending-ACK slot, runs send (which must
// transmit the batch), and blocks until the consumer acknowledges, the
// ACK timer fires, or the producer is destroyed. A second call while an
// ACK is outstanding fails immediately with ErrAckPending.
func (p *Producer) WaitForAck(send func() error) (*Ack, error) {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return nil, ErrDestroyed
	}
	if p.ackCh != nil {
		p.mu.Unlock()
		return nil, ErrAckPending
	}
	ch := make(chan *Ack, 1)
	p.ackCh = ch
	p.mu.Unlock()

	clear := func() {
		p.mu.Lock()
		if p.ackCh == ch {
			p.ackCh = nil
		}
		p.mu.Unlock()
	}

	if err := send(); err != nil {
		clear()
		return nil, err
	}

	select {
	case ack := <-ch:
		return ack, nil
	case <-time.After(p.cfg.AckTimeout):
		clear()
		return nil, ErrAckTimeout
	case <-p.destroyCh:
		clear()
		return nil, ErrDestroyed
	}
}

// ResolveAck completes the pending ACK, if any. Called by the Consumer on
// an incoming OutboxStreamAck; a resolve with no ACK outstanding is
// ignored.
func (p *Producer) ResolveAck(ack *Ack) {
	p.mu.Lock()
	ch := p.ackCh
	p.ackCh = nil
	p.mu.Unlock()
	if ch != nil {
		ch <- ack
	}
}

// OnPong timestamps consumer liveness and resets the heartbeat cadence.
func (p *Producer) OnPong() {
	p.mu.Lock()
	p.lastPong = time.Now()
	p.pongSeen = true
	p.mu.Unlock()
	select {
	case p.hbKick <- struct{}{}:
	default:
	}
}

// IsConnected reports transport connectivity gated by pong freshness: a
// producer that has never seen a pong is warm, one whose last pong aged
// past the heartbeat timeout is not.
func (p *Producer) IsConnected() bool {
	if !p.transport.Connected() {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.pongSeen {
		return true
	}
	return time.Since(p.lastPong) < p.cfg.HeartbeatTimeout
}

// WaitForOnline polls connectivity until the timeout.
func (p *Producer) WaitForOnline(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if p.IsConnected() {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s", ErrOfflineTimeout, p.name)
		}
		select {
		case <-p.destroyCh:
			return ErrDestroyed
		case <-time.After(onlinePollInterval):
		}
	}
}

// StartHeartbeat launches the ping loop: exponential backoff from the
// base interval, doubling up to the max, reset to base on every pong.
func (p *Producer) StartHeartbeat() {
	p.mu.Lock()
	if p.hbStarted {
		p.mu.Unlock()
		return
	}
	p.hbStarted = true
	p.mu.Unlock()
	go p.heartbeatLoop()
}

func (p *Producer) heartbeatLoop() {
	defer close(p.hbDone)

	base := p.cfg.HeartbeatInterval
	max := p.cfg.HeartbeatMaxInterval
	if max <= 0 || max > p.cfg.HeartbeatTimeout && p.cfg.HeartbeatTimeout > 0 {
		max = p.cfg.HeartbeatTimeout
	}
	if max < base {
		max = base
	}

	interval := base
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-p.hbStop:
			return
		case <-p.hbKick:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			interval = base
			timer.Reset(interval)
			continue
		case <-timer.C:
		}

		if p.transport.Connected() {
			env, err := NewEnvelope(ActionPing, nil)
			if err == nil {
				if err := p.SendMessage(env); err != nil {
					p.logger.Debug().Err(err).Msg("heartbeat ping failed")
				}
			}
		}

		interval *= 2
		if interval > max {
			interval = max
		}
		timer.Reset(interval)
	}
}

// StopHeartbeat terminates the ping loop.
func (p *Producer) StopHeartbeat() {
	p.hbOnce.Do(func() { close(p.hbStop) })
	p.mu.Lock()
	started := p.hbStarted
	p.mu.Unlock()
	if started {
		<-p.hbDone
	}
}

// Destroy stops the heartbeat, rejects any pending ACK, and closes the
// transport.
func (p *Producer) Destroy() error {
	p.mu.Lock()
	p.destroyed = true
	p.mu.Unlock()

	p.destroyOnce.Do(func() { close(p.destroyCh) })
	p.StopHeartbeat()

	if err := p.transport.Close(); err != nil {
		return fmt.Errorf("close transport %s: %w", p.transport.Name(), err)
	}
	return nil
}
