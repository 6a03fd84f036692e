// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package batch groups background work so a caller can wait for all of it,
// including work that was added while it was waiting.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrBatchClosed is returned by Go after the batch has drained.
var ErrBatchClosed = errors.New("batch already drained")

// Batch is a set of concurrently running tasks. The zero value is not
// usable; use New.
type Batch struct {
	ctx context.Context

	mu      sync.Mutex
	pending int
	waiting bool
	closed  bool
	errs    []error
	done    chan struct{}
}

// New returns an empty batch whose tasks receive ctx.
func New(ctx context.Context) *Batch {
	return &Batch{ctx: ctx, done: make(chan struct{})}
}

// Go runs fn in a new goroutine as part of the batch. It returns
// ErrBatchClosed once Wait has observed the batch empty.
func (b *Batch) Go(fn func(ctx context.Context) error) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBatchClosed
	}
	b.pending++
	b.mu.Unlock()

	go func() {
		err := b.run(fn)
		b.mu.Lock()
		defer b.mu.Unlock()
		if err != nil {
			b.errs = append(b.errs, err)
		}
		b.pending--
		b.maybeCloseLocked()
	}()
	return nil
}

func (b *Batch) run(fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("batch task panicked: %v", r)
		}
	}()
	return fn(b.ctx)
}

func (b *Batch) maybeCloseLocked() {
	if b.waiting && b.pending == 0 && !b.closed {
		b.closed = true
		close(b.done)
	}
}

// Wait blocks until every task has finished and returns their errors
// joined. After Wait returns the batch accepts no more work.
func (b *Batch) Wait() error {
	b.mu.Lock()
	b.waiting = true
	b.maybeCloseLocked()
	b.mu.Unlock()

	<-b.done

	b.mu.Lock()
	defer b.mu.Unlock()
	return errors.Join(b.errs...)
}

// Context returns the context tasks of the batch receive.
func (b *Batch) Context() context.Context { return b.ctx }

// Done is closed when the batch has drained.
func (b *Batch) Done() <-chan struct{} { return b.done }

// OnSlow calls fn once if the batch has not drained after delay.
func (b *Batch) OnSlow(delay time.Duration, fn func()) {
	go func() {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-b.done:
		case <-b.ctx.Done():
		case <-t.C:
			fn()
		}
	}()
}
