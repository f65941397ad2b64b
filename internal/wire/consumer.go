package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	klog "github.com/chainpulse-io/chainpulse/internal/log"
)

// Consumer errors.
var (
	ErrEmptyQueryName   = errors.New("query name is empty")
	ErrUnknownQueryName = errors.New("unknown query name")
)

// QueryHandler answers one named query with a result serializable to
// JSON.
type QueryHandler func(dto json.RawMessage) (interface{}, error)

// ReplyFunc sends an envelope back on the channel the frame arrived on.
type ReplyFunc func(env *Envelope) error

// BusinessHandler receives envelopes whose action is outside the closed
// protocol set.
type BusinessHandler func(env *Envelope, reply ReplyFunc) error

// Consumer demultiplexes incoming envelopes: protocol frames are handled
// in place, named queries go through the registry, everything else falls
// through to the business handler.
type Consumer struct {
	producer *Producer // ACK and pong sink; may be nil for query-only use.
	business BusinessHandler
	logger   zerolog.Logger

	mu      sync.RWMutex
	queries map[string]QueryHandler
}

// NewConsumer creates a consumer routing ACKs and pongs to the given
// producer.
func NewConsumer(producer *Producer) *Consumer {
	return &Consumer{
		producer: producer,
		logger:   klog.Wire,
		queries:  make(map[string]QueryHandler),
	}
}

// SetProducer installs the ACK and pong sink. Call before the transports
// start serving frames.
func (c *Consumer) SetProducer(p *Producer) {
	c.producer = p
}

// RegisterQuery adds a named query to the registry, replacing any
// previous handler under the same name.
func (c *Consumer) RegisterQuery(name string, h QueryHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queries[name] = h
}

// SetBusinessHandler installs the fallthrough for non-protocol actions.
func (c *Consumer) SetBusinessHandler(h BusinessHandler) {
	c.business = h
}

// HandleEnvelope routes one incoming envelope.
func (c *Consumer) HandleEnvelope(env *Envelope, reply ReplyFunc) error {
	switch env.Action {
	case ActionPing:
		return c.replyPong(env, reply)

	case ActionPong:
		if c.producer != nil {
			c.producer.OnPong()
		}
		return nil

	case ActionQueryRequest:
		return c.handleQuery(env, reply)

	case ActionOutboxStreamAck:
		var ack Ack
		if err := json.Unmarshal(env.Payload, &ack); err != nil {
			return fmt.Errorf("decode stream ack: %w", err)
		}
		if c.producer != nil {
			c.producer.ResolveAck(&ack)
		}
		return nil

	default:
		if c.business != nil {
			return c.business(env, reply)
		}
		c.logger.Debug().Str("action", env.Action).Msg("unhandled envelope")
		return nil
	}
}

func (c *Consumer) replyPong(env *Envelope, reply ReplyFunc) error {
	if reply == nil {
		return nil
	}
	pong, err := NewEnvelope(ActionPong, &PongPayload{Timestamp: time.Now().UnixMilli()})
	if err != nil {
		return err
	}
	pong.RequestID = env.RequestID
	pong.CorrelationID = env.CorrelationID
	return reply(pong)
}

// handleQuery dispatches a named query and replies with its result or
// error, echoing the request's correlation fields.
func (c *Consumer) handleQuery(env *Envelope, reply ReplyFunc) error {
	var req QueryRequestPayload
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return fmt.Errorf("decode query request: %w", err)
	}

	resp := QueryResponsePayload{Name: req.Name}
	result, err := c.runQuery(req.Name, req.DTO)
	if err != nil {
		resp.Err = err.Error()
	} else {
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal query result %s: %w", req.Name, err)
		}
		resp.Data = data
	}

	if reply == nil {
		return nil
	}
	out, err := NewEnvelope(ActionQueryResponse, &resp)
	if err != nil {
		return err
	}
	out.RequestID = env.RequestID
	out.CorrelationID = env.CorrelationID
	return reply(out)
}

func (c *Consumer) runQuery(name string, dto json.RawMessage) (interface{}, error) {
	if name == "" {
		return nil, ErrEmptyQueryName
	}
	c.mu.RLock()
	h, ok := c.queries[name]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQueryName, name)
	}
	return h(dto)
}
