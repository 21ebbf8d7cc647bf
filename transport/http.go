package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// HTTP sends every frame as the body of one POST to an endpoint. A non-empty response
// body is treated as an inbound frame, which is how replies to requests come back.
type HTTP struct {
	endpoint string
	client   *http.Client
	headers  http.Header
	log      zerolog.Logger

	mu      sync.RWMutex
	handler MessageHandler
	running bool
}

type HTTPOption func(*HTTP)

func WithHTTPClient(c *http.Client) HTTPOption {
	return func(t *HTTP) {
		t.client = c
	}
}

func WithHeader(key, value string) HTTPOption {
	return func(t *HTTP) {
		t.headers.Set(key, value)
	}
}

func WithHTTPLogger(log zerolog.Logger) HTTPOption {
	return func(t *HTTP) {
		t.log = log
	}
}

func NewHTTP(endpoint string, opts ...HTTPOption) *HTTP {
	t := &HTTP{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 60 * time.Second},
		headers:  make(http.Header),
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *HTTP) SetMessageHandler(h MessageHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

func (t *HTTP) Start(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running = true
	return nil
}

func (t *HTTP) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running = false
	t.client.CloseIdleConnections()
	return nil
}

func (t *HTTP) IsRunning() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.running
}

// Send posts frame and, once the body is read, delivers any reply to the handler.
// Delivery happens after Send's caller has registered its pending call, so the reply
// cannot overtake it.
func (t *HTTP) Send(ctx context.Context, frame []byte) error {
	t.mu.RLock()
	running, handler := t.running, t.handler
	t.mu.RUnlock()
	if !running {
		return ErrNotRunning
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(frame))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	for k, v := range t.headers {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post frame: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPostBody))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil
	}
	if handler == nil {
		t.log.Warn().Int("bytes", len(body)).Msg("dropping reply, no handler registered")
		return nil
	}
	handler(body)
	return nil
}

// Handler serves the receiving side of the HTTP transport: each POSTed frame is
// handed to fn and whatever fn returns is written back as the response body.
func Handler(fn func(ctx context.Context, frame []byte) []byte) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", "POST")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxPostBody))
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}
		reply := fn(r.Context(), body)
		if len(reply) == 0 {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(reply)
	})
}
