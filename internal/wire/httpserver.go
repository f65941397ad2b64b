package wire

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	klog "github.com/chainpulse-io/chainpulse/internal/log"
)

// HTTPServer hosts the HTTP transport: request/response envelopes on
// POST /, a health probe, and an ndjson event stream on GET /stream. It
// doubles as a Transport whose Send pushes one envelope line to every
// attached stream subscriber.
type HTTPServer struct {
	addr     string
	consumer *Consumer
	logger   zerolog.Logger

	server   *http.Server
	listener net.Listener

	mu   sync.Mutex
	subs map[chan []byte]struct{}
}

// NewHTTPServer creates the server; Start binds it.
func NewHTTPServer(addr string, consumer *Consumer) *HTTPServer {
	return &HTTPServer{
		addr:     addr,
		consumer: consumer,
		logger:   klog.Wire.With().Str("transport", "http").Logger(),
		subs:     make(map[chan []byte]struct{}),
	}
}

// Start binds the listener and serves in the background.
func (s *HTTPServer) Start() error {
	r := mux.NewRouter()
	r.HandleFunc("/", s.handleEnvelope).Methods(http.MethodPost)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/stream", s.handleStream).Methods(http.MethodGet)

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("http server failed")
		}
	}()
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("http transport listening")
	return nil
}

// Addr returns the bound address, useful with ":0" listeners.
func (s *HTTPServer) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down, dropping stream subscribers.
func (s *HTTPServer) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}

func (s *HTTPServer) handleEnvelope(w http.ResponseWriter, r *http.Request) {
	var env Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		http.Error(w, "malformed envelope", http.StatusBadRequest)
		return
	}

	var replied *Envelope
	err := s.consumer.HandleEnvelope(&env, func(reply *Envelope) error {
		replied = reply
		return nil
	})
	if err != nil {
		s.logger.Debug().Err(err).Str("action", env.Action).Msg("envelope handling failed")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if replied == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err := json.NewEncoder(w).Encode(replied); err != nil {
		s.logger.Debug().Err(err).Msg("write response failed")
	}
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UnixMilli(),
	})
}

// handleStream attaches the client to the ndjson feed until it
// disconnects.
func (s *HTTPServer) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ch := make(chan []byte, 64)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.subs, ch)
		s.mu.Unlock()
	}()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case line := <-ch:
			if _, err := w.Write(append(line, '\n')); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// Name identifies the transport in logs and errors.
func (s *HTTPServer) Name() string { return "http" }

// Send pushes one envelope line to every attached stream subscriber.
// Subscribers too slow to drain their buffer miss the frame.
func (s *HTTPServer) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.subs) == 0 {
		return fmt.Errorf("no stream subscribers attached")
	}
	for ch := range s.subs {
		select {
		case ch <- data:
		default:
			s.logger.Warn().Msg("stream subscriber lagging, frame dropped")
		}
	}
	return nil
}

// Connected reports whether at least one stream subscriber is attached.
func (s *HTTPServer) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs) > 0
}

// Close implements Transport by stopping the server.
func (s *HTTPServer) Close() error {
	return s.Stop()
}
