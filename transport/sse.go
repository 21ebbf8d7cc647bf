package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const maxPostBody = 4 * 1024 * 1024

// SSE serves a server-push transport. A GET opens an event stream and every outbound
// frame is written to each open stream as a "data:" event block. Peers send frames to
// the server by POSTing them to the same handler.
type SSE struct {
	log     zerolog.Logger
	buffer  int
	mu      sync.RWMutex
	clients map[string]chan []byte
	handler MessageHandler
	running bool
}

type SSEOption func(*SSE)

func WithSSELogger(log zerolog.Logger) SSEOption {
	return func(s *SSE) {
		s.log = log
	}
}

// WithClientBuffer sets how many frames may queue per stream before frames to that
// stream are dropped.
func WithClientBuffer(n int) SSEOption {
	return func(s *SSE) {
		s.buffer = n
	}
}

func NewSSE(opts ...SSEOption) *SSE {
	s := &SSE{
		log:     zerolog.Nop(),
		buffer:  64,
		clients: make(map[string]chan []byte),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SSE) SetMessageHandler(h MessageHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

func (s *SSE) Start(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = true
	return nil
}

// Stop ends every open stream.
func (s *SSE) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	for id, ch := range s.clients {
		close(ch)
		delete(s.clients, id)
	}
	return nil
}

func (s *SSE) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Clients reports how many event streams are open.
func (s *SSE) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Send broadcasts frame to every open stream. Streams whose buffer is full miss it.
func (s *SSE) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running {
		return ErrNotRunning
	}
	for id, ch := range s.clients {
		select {
		case ch <- frame:
		default:
			s.log.Warn().Str("client", id).Msg("client buffer full, dropping frame")
		}
	}
	return nil
}

func (s *SSE) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.serveStream(w, r)
	case http.MethodPost:
		s.serveMessage(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *SSE) serveStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	id := uuid.NewString()
	ch := make(chan []byte, s.buffer)
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		http.Error(w, ErrNotRunning.Error(), http.StatusServiceUnavailable)
		return
	}
	s.clients[id] = ch
	s.mu.Unlock()

	log := s.log.With().Str("client", id).Logger()
	log.Debug().Str("remote", r.RemoteAddr).Msg("event stream opened")
	defer func() {
		s.mu.Lock()
		if _, ok := s.clients[id]; ok {
			delete(s.clients, id)
			close(ch)
		}
		s.mu.Unlock()
		log.Debug().Msg("event stream closed")
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case frame, ok := <-ch:
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", frame); err != nil {
				log.Warn().Err(err).Msg("failed to write event")
				return
			}
			flusher.Flush()
		}
	}
}

func (s *SSE) serveMessage(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	handler, running := s.handler, s.running
	s.mu.RUnlock()
	if !running || handler == nil {
		http.Error(w, ErrNotRunning.Error(), http.StatusServiceUnavailable)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPostBody))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	handler(body)
}
