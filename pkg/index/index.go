// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package index provides the list of publicly published modules, fetched
// from the module index endpoint with retries and kept as an in-memory
// snapshot.
package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"slices"
	"sync/atomic"
	"time"

	"github.com/yeetrun/modreg/pkg/backoff"
	"github.com/yeetrun/modreg/pkg/compress"
	"golang.org/x/sync/singleflight"
)

// DefaultURL is the public module index.
const DefaultURL = "https://live-data.bicep.azure.com/module-index"

// DefaultMaxAge is how long a snapshot is served before GetModules tries to
// refresh it.
const DefaultMaxAge = time.Hour

// maxIndexSize bounds the index document.
const maxIndexSize = 32 << 20

// ErrIndexUnavailable is returned when the index could not be fetched.
var ErrIndexUnavailable = errors.New("module index unavailable")

// ErrModuleNotFound is returned for modules the index does not list.
var ErrModuleNotFound = errors.New("module not in index")

type snapshot struct {
	entries []Entry
	byName  map[string]int
	fetched time.Time
}

func newSnapshot(entries []Entry, at time.Time) *snapshot {
	s := &snapshot{entries: normalize(entries), fetched: at}
	s.byName = make(map[string]int, len(s.entries))
	for i, e := range s.entries {
		s.byName[e.ModuleName] = i
	}
	return s
}

// Provider serves the module index.
type Provider struct {
	url    string
	hc     *http.Client
	policy backoff.Policy
	maxAge time.Duration
	logf   func(format string, args ...any)
	now    func() time.Time

	current atomic.Pointer[snapshot]
	sf      singleflight.Group
}

// Option configures a Provider.
type Option func(*Provider)

// WithURL sets the index URL.
func WithURL(u string) Option { return func(p *Provider) { p.url = u } }

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(hc *http.Client) Option { return func(p *Provider) { p.hc = hc } }

// WithBackoff sets the first retry delay and the delay cap.
func WithBackoff(initial, max time.Duration) Option {
	return func(p *Provider) {
		p.policy.Initial = initial
		p.policy.Max = max
	}
}

// WithMaxAttempts sets the number of fetch attempts, including the first.
func WithMaxAttempts(n int) Option { return func(p *Provider) { p.policy.MaxAttempts = n } }

// WithSleep replaces the wait between attempts.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Provider) { p.policy.Sleep = sleep }
}

// WithMaxAge sets how long a snapshot is served without refreshing.
func WithMaxAge(d time.Duration) Option { return func(p *Provider) { p.maxAge = d } }

// WithLogf sets the log function. It defaults to log.Printf.
func WithLogf(logf func(format string, args ...any)) Option {
	return func(p *Provider) { p.logf = logf }
}

// New returns a Provider. Nothing is fetched until the first call.
func New(opts ...Option) *Provider {
	p := &Provider{
		url: DefaultURL,
		hc:  http.DefaultClient,
		policy: backoff.Policy{
			MaxAttempts: 5,
			Initial:     time.Second,
			Max:         time.Minute,
		},
		maxAge: DefaultMaxAge,
		logf:   log.Printf,
		now:    time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	hc := *p.hc
	hc.Transport = &compress.Transport{Base: p.hc.Transport}
	p.hc = &hc
	return p
}

// Load replaces the snapshot with the index document data.
func (p *Provider) Load(data []byte) error {
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("decode module index: %w", err)
	}
	p.current.Store(newSnapshot(entries, p.now()))
	return nil
}

// errTransient marks failures worth another attempt.
var errTransient = errors.New("transient")

func (p *Provider) fetchOnce(ctx context.Context) ([]Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := p.hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		return nil, fmt.Errorf("%w: %w", errTransient, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: %s", errTransient, resp.Status)
	default:
		return nil, backoff.Permanent(fmt.Errorf("GET %s: %s", p.url, resp.Status))
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxIndexSize))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", errTransient, err)
	}
	var entries []Entry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("%w: malformed index: %w", errTransient, err)
	}
	return entries, nil
}

// Refresh fetches the index and replaces the snapshot. Concurrent calls
// share one fetch. A caller whose shared fetch was canceled by another
// caller's context starts its own.
func (p *Provider) Refresh(ctx context.Context) error {
	for {
		led := false
		ch := p.sf.DoChan("refresh", func() (any, error) {
			led = true
			var entries []Entry
			err := backoff.Retry(ctx, p.policy, func(attempt int) error {
				if attempt > 0 {
					p.logf("index: retrying fetch of %s (attempt %d)", p.url, attempt+1)
				}
				var err error
				entries, err = p.fetchOnce(ctx)
				return err
			})
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return nil, ctxErr
				}
				return nil, fmt.Errorf("%w: %w", ErrIndexUnavailable, err)
			}
			p.current.Store(newSnapshot(entries, p.now()))
			return nil, nil
		})
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r := <-ch:
			if r.Err != nil && !led && ctx.Err() == nil &&
				(errors.Is(r.Err, context.Canceled) || errors.Is(r.Err, context.DeadlineExceeded)) {
				continue
			}
			return r.Err
		}
	}
}

// fresh returns the current snapshot, refreshing it first when it is
// missing or older than the max age. A failed refresh falls back to the
// previous snapshot.
func (p *Provider) fresh(ctx context.Context) (*snapshot, error) {
	s := p.current.Load()
	if s != nil && p.now().Sub(s.fetched) < p.maxAge {
		return s, nil
	}
	if err := p.Refresh(ctx); err != nil {
		if s != nil && ctx.Err() == nil {
			p.logf("index: %v; serving snapshot from %s", err, s.fetched.Format(time.RFC3339))
			return s, nil
		}
		return nil, err
	}
	return p.current.Load(), nil
}

// GetModules returns every module, sorted by name.
func (p *Provider) GetModules(ctx context.Context) ([]Entry, error) {
	s, err := p.fresh(ctx)
	if err != nil {
		return nil, err
	}
	return slices.Clone(s.entries), nil
}

// GetModuleNames returns the sorted module names.
func (p *Provider) GetModuleNames(ctx context.Context) ([]string, error) {
	s, err := p.fresh(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(s.entries))
	for i, e := range s.entries {
		names[i] = e.ModuleName
	}
	return names, nil
}

func (p *Provider) entry(ctx context.Context, module string) (Entry, error) {
	s, err := p.fresh(ctx)
	if err != nil {
		return Entry{}, err
	}
	i, ok := s.byName[module]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrModuleNotFound, module)
	}
	return s.entries[i], nil
}

// GetVersions returns the tags of module, newest first.
func (p *Provider) GetVersions(ctx context.Context, module string) ([]string, error) {
	e, err := p.entry(ctx, module)
	if err != nil {
		return nil, err
	}
	tags := slices.Clone(e.Tags)
	slices.Reverse(tags)
	return tags, nil
}

// Properties returns the properties recorded for a module version.
func (p *Provider) Properties(ctx context.Context, module, tag string) (TagProperties, bool, error) {
	e, err := p.entry(ctx, module)
	if err != nil {
		return TagProperties{}, false, err
	}
	props, ok := e.Properties[tag]
	return props, ok, nil
}

// Description returns the description of a module version, or "" if the
// index has none.
func (p *Provider) Description(ctx context.Context, module, tag string) (string, error) {
	props, _, err := p.Properties(ctx, module, tag)
	return props.Description, err
}

// DocumentationURI returns the documentation link of a module version, or
// "" if the index has none.
func (p *Provider) DocumentationURI(ctx context.Context, module, tag string) (string, error) {
	props, _, err := p.Properties(ctx, module, tag)
	return props.DocumentationURI, err
}

// Start refreshes the index every interval until ctx is done. Failures are
// logged and the previous snapshot stays in place.
func (p *Provider) Start(ctx context.Context, interval time.Duration) {
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			if err := p.Refresh(ctx); err != nil && ctx.Err() == nil {
				p.logf("index: refresh failed: %v", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
		}
	}()
}
