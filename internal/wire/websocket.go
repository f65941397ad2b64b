package wire

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	klog "github.com/chainpulse-io/chainpulse/internal/log"
)

// wsDialTimeout bounds the initial WebSocket handshake.
const wsDialTimeout = 10 * time.Second

// WSTransport is an outbound WebSocket connection to a downstream
// endpoint. Frames are JSON text messages, one envelope per message.
type WSTransport struct {
	url string

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool

	readDone chan struct{}
}

// DialWS connects to the downstream WebSocket endpoint.
func DialWS(url string) (*WSTransport, error) {
	dialer := &websocket.Dialer{HandshakeTimeout: wsDialTimeout}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial websocket %s: %w", url, err)
	}
	return &WSTransport{
		url:       url,
		conn:      conn,
		connected: true,
		readDone:  make(chan struct{}),
	}, nil
}

// Name identifies the transport in logs and errors.
func (t *WSTransport) Name() string { return "ws" }

// Send writes one envelope frame. Write access is serialized; gorilla
// connections allow one concurrent writer.
func (t *WSTransport) Send(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return fmt.Errorf("websocket %s is closed", t.url)
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.connected = false
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

// Connected reports whether the connection is still up.
func (t *WSTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Close tears the connection down and waits for the read pump, if
// started, to drain.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil
	}
	t.connected = false
	conn := t.conn
	t.mu.Unlock()

	err := conn.Close()
	if err != nil {
		return fmt.Errorf("close websocket: %w", err)
	}
	return nil
}

// StartReadPump reads incoming envelopes and routes them through the
// consumer, replying on the same connection. The pump exits when the
// connection drops.
func (t *WSTransport) StartReadPump(consumer *Consumer) {
	go func() {
		defer close(t.readDone)
		logger := klog.Wire.With().Str("transport", t.Name()).Logger()
		for {
			_, data, err := t.conn.ReadMessage()
			if err != nil {
				t.mu.Lock()
				t.connected = false
				t.mu.Unlock()
				return
			}
			var env Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				logger.Debug().Err(err).Msg("malformed frame")
				continue
			}
			if err := consumer.HandleEnvelope(&env, func(reply *Envelope) error {
				out, err := json.Marshal(reply)
				if err != nil {
					return fmt.Errorf("marshal reply: %w", err)
				}
				return t.Send(out)
			}); err != nil {
				logger.Debug().Err(err).Str("action", env.Action).Msg("envelope handling failed")
			}
		}
	}()
}
