package wire

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	klog "github.com/chainpulse-io/chainpulse/internal/log"
)

// Manager errors.
var ErrUnknownProducer = errors.New("producer not registered")

// connectWaitTimeout bounds how long streaming waits for the selected
// producer to come online.
const connectWaitTimeout = 5 * time.Second

// Manager is the registry of named producers with an exactly-one
// streaming selection and broadcast helpers.
type Manager struct {
	logger zerolog.Logger

	mu        sync.RWMutex
	producers map[string]*Producer
	streaming string // "" = no streaming producer.
}

// NewManager creates an empty registry.
func NewManager() *Manager {
	return &Manager{
		logger:    klog.Wire,
		producers: make(map[string]*Producer),
	}
}

// Register adds a producer under its name.
func (m *Manager) Register(p *Producer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.producers[p.Name()] = p
}

// Get returns a registered producer, or nil.
func (m *Manager) Get(name string) *Producer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.producers[name]
}

// SetStreamingProducer selects which producer streams the outbox; an
// empty name clears the selection.
func (m *Manager) SetStreamingProducer(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if name != "" {
		if _, ok := m.producers[name]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownProducer, name)
		}
	}
	m.streaming = name
	return nil
}

// Streaming returns the selected streaming producer, or nil when none.
func (m *Manager) Streaming() *Producer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.streaming == "" {
		return nil
	}
	return m.producers[m.streaming]
}

// StreamWireWithAck frames the events as one OutboxStreamBatch and sends
// it through the streaming producer, waiting for the acknowledgement.
// With no streaming producer selected it returns the neutral ACK.
func (m *Manager) StreamWireWithAck(events []WireEvent) (*Ack, error) {
	p := m.Streaming()
	if p == nil {
		return NeutralAck(), nil
	}
	if err := p.WaitForOnline(connectWaitTimeout); err != nil {
		return nil, err
	}

	env, err := NewEnvelope(ActionOutboxStreamBatch, &StreamBatchPayload{Events: events})
	if err != nil {
		return nil, err
	}
	return p.WaitForAck(func() error {
		return p.SendMessage(env)
	})
}

// Broadcast sends the envelope to every currently connected producer.
// Individual failures are logged, not fatal; the count of successful
// sends is returned.
func (m *Manager) Broadcast(env *Envelope) int {
	m.mu.RLock()
	producers := make([]*Producer, 0, len(m.producers))
	for _, p := range m.producers {
		producers = append(producers, p)
	}
	m.mu.RUnlock()

	sent := 0
	for _, p := range producers {
		if !p.IsConnected() {
			continue
		}
		if err := p.SendMessage(env); err != nil {
			m.logger.Warn().Err(err).Str("producer", p.Name()).Str("action", env.Action).Msg("broadcast failed")
			continue
		}
		sent++
	}
	return sent
}

// DestroyAll tears down every producer. Errors are logged; the first is
// returned.
func (m *Manager) DestroyAll() error {
	m.mu.Lock()
	producers := m.producers
	m.producers = make(map[string]*Producer)
	m.streaming = ""
	m.mu.Unlock()

	var first error
	for _, p := range producers {
		if err := p.Destroy(); err != nil {
			m.logger.Warn().Err(err).Str("producer", p.Name()).Msg("destroy failed")
			if first == nil {
				first = err
			}
		}
	}
	return first
}
