package main

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// Spinner animates on w until stopped. Stop is idempotent and clears the line.
type Spinner struct {
	w    io.Writer
	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

func NewSpinner(w io.Writer) *Spinner {
	return &Spinner{w: w, done: make(chan struct{})}
}

func (s *Spinner) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		frames := []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()

		for i := 0; ; i = (i + 1) % len(frames) {
			fmt.Fprintf(s.w, "\r%s Processing...", frames[i])
			select {
			case <-s.done:
				fmt.Fprint(s.w, "\r              \r")
				return
			case <-ticker.C:
			}
		}
	}()
}

func (s *Spinner) Stop() {
	s.once.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
}
