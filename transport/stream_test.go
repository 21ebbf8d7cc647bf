package transport

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type frameLog struct {
	mu     sync.Mutex
	frames []string
}

func (f *frameLog) handle(frame []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, string(frame))
}

func (f *frameLog) get() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.frames...)
}

func TestStreamReadsNewlineDelimitedFrames(t *testing.T) {
	input := strings.NewReader("{\"a\":1}\n\n  {\"b\":2}\r\n\x01\x00\x00\x00\x00\x00\x00\x07{\"c\":3}\n")
	s := NewStream(input, io.Discard)

	var got frameLog
	s.SetMessageHandler(got.handle)
	require.NoError(t, s.Start(context.Background()))

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("read loop did not finish")
	}

	assert.Equal(t, []string{`{"a":1}`, `{"b":2}`, `{"c":3}`}, got.get())
	assert.NoError(t, s.Err())
	assert.False(t, s.IsRunning())
}

func TestStreamSkipsOversizedFrame(t *testing.T) {
	input := strings.NewReader(strings.Repeat("x", maxFrameSize+10) + "\n" +
		`{"jsonrpc":"2.0","method":"after"}` + "\n" +
		strings.Repeat("y", maxFrameSize+1))
	var logs bytes.Buffer
	s := NewStream(input, io.Discard, WithStreamLogger(zerolog.New(&logs)))

	var got frameLog
	s.SetMessageHandler(got.handle)
	require.NoError(t, s.Start(context.Background()))

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("read loop did not finish")
	}

	assert.Equal(t, []string{`{"jsonrpc":"2.0","method":"after"}`}, got.get())
	assert.NoError(t, s.Err())
	assert.Equal(t, 2, strings.Count(logs.String(), "dropping oversized frame"))
}

func TestStreamDeliversUnterminatedLastFrame(t *testing.T) {
	s := NewStream(strings.NewReader(`{"a":1}`+"\n"+`{"b":2}`), io.Discard)

	var got frameLog
	s.SetMessageHandler(got.handle)
	require.NoError(t, s.Start(context.Background()))
	<-s.Done()

	assert.Equal(t, []string{`{"a":1}`, `{"b":2}`}, got.get())
	assert.NoError(t, s.Err())
}

func TestStreamSendAppendsNewline(t *testing.T) {
	var out bytes.Buffer
	pr, pw := io.Pipe()
	s := NewStream(pr, &out, WithCloser(pw))

	assert.ErrorIs(t, s.Send(context.Background(), []byte(`{}`)), ErrNotRunning)

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Send(context.Background(), []byte(`{"x":1}`)))
	require.NoError(t, s.Send(context.Background(), []byte(`{"y":2}`)))
	assert.Equal(t, "{\"x\":1}\n{\"y\":2}\n", out.String())

	require.NoError(t, s.Stop())
	assert.False(t, s.IsRunning())
}

func TestStreamStopUnblocksReader(t *testing.T) {
	pr, pw := io.Pipe()
	s := NewStream(pr, io.Discard, WithCloser(pr))
	s.SetMessageHandler(func([]byte) {})
	require.NoError(t, s.Start(context.Background()))

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, s.Stop())
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked")
	}
	pw.Close()
}

func TestCleanFrame(t *testing.T) {
	assert.Equal(t, `{"a":1}`, string(cleanFrame([]byte("  \x02junk{\"a\":1}  "))))
	assert.Equal(t, `not json`, string(cleanFrame([]byte("not json"))))
}
