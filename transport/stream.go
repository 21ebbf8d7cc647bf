package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

const maxFrameSize = 4 * 1024 * 1024

// Stream frames messages as newline-delimited JSON over a byte stream: process stdio,
// a socket, or the attach stream of a container.
type Stream struct {
	reader io.Reader
	writer io.Writer
	closer io.Closer
	log    zerolog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	handler MessageHandler
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
}

type StreamOption func(*Stream)

func WithStreamLogger(log zerolog.Logger) StreamOption {
	return func(s *Stream) {
		s.log = log
	}
}

// WithCloser closes c when the stream stops, which unblocks a pending read.
func WithCloser(c io.Closer) StreamOption {
	return func(s *Stream) {
		s.closer = c
	}
}

func NewStream(r io.Reader, w io.Writer, opts ...StreamOption) *Stream {
	s := &Stream{
		reader: r,
		writer: w,
		log:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewStdio binds a stream to the process's stdin and stdout.
func NewStdio(opts ...StreamOption) *Stream {
	return NewStream(os.Stdin, os.Stdout, opts...)
}

func (s *Stream) SetMessageHandler(h MessageHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

func (s *Stream) Send(ctx context.Context, frame []byte) error {
	if !s.IsRunning() {
		return ErrNotRunning
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	line := make([]byte, 0, len(frame)+1)
	line = append(line, frame...)
	line = append(line, '\n')
	if _, err := s.writer.Write(line); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	if f, ok := s.writer.(interface{ Flush() error }); ok {
		if err := f.Flush(); err != nil {
			return fmt.Errorf("failed to flush frame: %w", err)
		}
	}
	return nil
}

func (s *Stream) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true
	s.err = nil
	go s.readLoop(ctx, s.done)
	return nil
}

func (s *Stream) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.cancel()
	done := s.done
	s.mu.Unlock()

	var err error
	if s.closer != nil {
		err = s.closer.Close()
		<-done
	}
	return err
}

func (s *Stream) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Done is closed when the read loop exits, either because the peer closed the stream
// or because Stop was called.
func (s *Stream) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Err reports why the read loop ended. It is nil for a clean EOF.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream) readLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	reader := bufio.NewReaderSize(s.reader, 64*1024)
	var err error
	for {
		var (
			raw     []byte
			tooLong bool
		)
		raw, tooLong, err = readLine(reader)
		if err != nil {
			break
		}
		if ctx.Err() != nil {
			return
		}
		if tooLong {
			s.log.Warn().Int("limit", maxFrameSize).Msg("dropping oversized frame")
			continue
		}
		frame := cleanFrame(raw)
		if len(frame) == 0 {
			continue
		}

		s.mu.Lock()
		handler := s.handler
		s.mu.Unlock()
		if handler == nil {
			s.log.Warn().Int("bytes", len(frame)).Msg("dropping frame, no handler registered")
			continue
		}
		handler(frame)
	}

	if errors.Is(err, io.EOF) {
		err = nil
	}
	s.mu.Lock()
	if s.done == done {
		s.err = err
		s.running = false
	}
	s.mu.Unlock()
	if err != nil {
		s.log.Error().Err(err).Msg("stream read failed")
	} else {
		s.log.Debug().Msg("stream reached EOF")
	}
}

// readLine returns the next line in a freshly allocated slice. A line longer than
// maxFrameSize is consumed to its end and reported as tooLong with no content. A
// final line without a newline is still returned before io.EOF.
func readLine(r *bufio.Reader) (line []byte, tooLong bool, err error) {
	for {
		chunk, readErr := r.ReadSlice('\n')
		if !tooLong {
			size := len(line) + len(chunk)
			if readErr == nil {
				size-- // newline
			}
			if size > maxFrameSize {
				tooLong = true
				line = nil
			} else {
				line = append(line, chunk...)
			}
		}
		switch {
		case errors.Is(readErr, bufio.ErrBufferFull):
			continue
		case readErr == nil:
			return line, tooLong, nil
		case errors.Is(readErr, io.EOF) && (len(line) > 0 || tooLong):
			return line, tooLong, nil
		default:
			return nil, false, readErr
		}
	}
}

// cleanFrame drops anything before the first '{'. Container attach streams prefix
// stdout with multiplexing headers and terminals can leave control bytes behind.
func cleanFrame(line []byte) []byte {
	line = bytes.TrimSpace(line)
	if idx := bytes.IndexByte(line, '{'); idx > 0 {
		return line[idx:]
	}
	return line
}
