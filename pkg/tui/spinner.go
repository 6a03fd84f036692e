// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package tui draws progress for long running CLI operations.
package tui

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fatih/color"
)

// DefaultFrames are the braille spinner frames.
var DefaultFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// Spinner redraws a single status line until stopped. Output is plain
// text when the writer is not a terminal.
type Spinner struct {
	out      io.Writer
	frames   []string
	interval time.Duration
	tty      bool
	frame    *color.Color

	mu      sync.Mutex
	msg     string
	idx     int
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

type SpinnerOption func(*Spinner)

func WithInterval(d time.Duration) SpinnerOption {
	return func(s *Spinner) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithTerminal marks out as a terminal, enabling redraws.
func WithTerminal(tty bool) SpinnerOption {
	return func(s *Spinner) { s.tty = tty }
}

func NewSpinner(out io.Writer, opts ...SpinnerOption) *Spinner {
	s := &Spinner{
		out:      out,
		frames:   DefaultFrames,
		interval: 120 * time.Millisecond,
		frame:    color.New(color.FgCyan),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start shows msg. Without a terminal it prints msg once.
func (s *Spinner) Start(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msg = msg
	if s.running {
		return
	}
	s.running = true
	if !s.tty {
		fmt.Fprintln(s.out, msg)
		return
	}
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.renderLocked()
	go s.loop(s.stopCh, s.doneCh)
}

// Update replaces the message of a running spinner.
func (s *Spinner) Update(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msg = msg
	if s.running && s.tty {
		s.renderLocked()
	}
}

// Stop ends the spinner and prints final, if not empty, on its line.
func (s *Spinner) Stop(final string) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	stopCh, doneCh := s.stopCh, s.doneCh
	s.mu.Unlock()

	if s.tty {
		close(stopCh)
		<-doneCh
		fmt.Fprint(s.out, "\r\033[K")
	}
	if final != "" {
		fmt.Fprintln(s.out, final)
	}
}

func (s *Spinner) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			s.mu.Lock()
			s.idx = (s.idx + 1) % len(s.frames)
			s.renderLocked()
			s.mu.Unlock()
		}
	}
}

func (s *Spinner) renderLocked() {
	line := s.frame.Sprint(s.frames[s.idx%len(s.frames)])
	if s.msg != "" {
		line += " " + s.msg
	}
	fmt.Fprintf(s.out, "\r\033[K%s", line)
}
