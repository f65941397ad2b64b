package wire

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/rs/zerolog"

	klog "github.com/chainpulse-io/chainpulse/internal/log"
)

// ipcMaxLineBytes bounds a single incoming ndjson line.
const ipcMaxLineBytes = 8 << 20

// IPCServer serves envelopes over a unix socket, one JSON object per
// line in both directions. As a Transport, Send writes the frame to every
// attached client.
type IPCServer struct {
	path     string
	consumer *Consumer
	logger   zerolog.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
}

// NewIPCServer creates the server; Start binds the socket.
func NewIPCServer(path string, consumer *Consumer) *IPCServer {
	return &IPCServer{
		path:     path,
		consumer: consumer,
		logger:   klog.Wire.With().Str("transport", "ipc").Logger(),
		conns:    make(map[net.Conn]struct{}),
	}
}

// Start removes any stale socket file, binds, and accepts in the
// background.
func (s *IPCServer) Start() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket %s: %w", s.path, err)
	}
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listen unix %s: %w", s.path, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go s.acceptLoop(ln)
	s.logger.Info().Str("path", s.path).Msg("ipc transport listening")
	return nil
}

func (s *IPCServer) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return // Listener closed.
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		go s.readLoop(conn)
	}
}

func (s *IPCServer) readLoop(conn net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), ipcMaxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var env Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			s.logger.Debug().Err(err).Msg("malformed frame")
			continue
		}
		if err := s.consumer.HandleEnvelope(&env, func(reply *Envelope) error {
			data, err := json.Marshal(reply)
			if err != nil {
				return fmt.Errorf("marshal reply: %w", err)
			}
			return writeLine(conn, data)
		}); err != nil {
			s.logger.Debug().Err(err).Str("action", env.Action).Msg("envelope handling failed")
		}
	}
}

func writeLine(conn net.Conn, data []byte) error {
	if _, err := conn.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("ipc write: %w", err)
	}
	return nil
}

// Name identifies the transport in logs and errors.
func (s *IPCServer) Name() string { return "ipc" }

// Send writes the frame to every attached client.
func (s *IPCServer) Send(data []byte) error {
	s.mu.Lock()
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if len(conns) == 0 {
		return fmt.Errorf("no ipc clients attached")
	}
	var firstErr error
	for _, c := range conns {
		if err := writeLine(c, data); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Connected reports whether at least one client is attached.
func (s *IPCServer) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns) > 0
}

// Close stops accepting and drops every client.
func (s *IPCServer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.listener
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	if ln != nil {
		if err := ln.Close(); err != nil {
			return fmt.Errorf("close ipc listener: %w", err)
		}
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove socket %s: %w", s.path, err)
	}
	return nil
}
