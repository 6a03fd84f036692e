// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package index

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

const sampleIndex = `[
  {
    "moduleName": "samples/array-loop",
    "tags": ["1.0.1", "1.0.0"],
    "properties": {
      "1.0.0": {"description": "A sample Bicep registry module"},
      "1.0.1": {"description": "Loop over an array", "documentationUri": "https://example.com/array-loop/1.0.1"}
    }
  },
  {
    "moduleName": "samples/hello-world",
    "tags": ["1.0.2", "1.0.10", "1.0.1"],
    "properties": {
      "1.0.10": {"description": "Hello", "owner": "team-a"}
    }
  },
  {
    "moduleName": "samples/array-loop",
    "tags": ["1.0.0", "2.0.0", "latest"],
    "properties": {
      "1.0.0": {"description": "shadowed"},
      "2.0.0": {"description": "second"}
    }
  }
]`

type fakeIndex struct {
	t *testing.T

	mu        sync.Mutex
	responses []func(w http.ResponseWriter)
	hits      atomic.Int32
}

func (f *fakeIndex) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.hits.Add(1)
	f.mu.Lock()
	var next func(w http.ResponseWriter)
	if len(f.responses) > 0 {
		next = f.responses[0]
		if len(f.responses) > 1 {
			f.responses = f.responses[1:]
		}
	}
	f.mu.Unlock()
	if next == nil {
		f.t.Errorf("unexpected request %s %s", r.Method, r.URL)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	next(w)
}

func (f *fakeIndex) then(fns ...func(w http.ResponseWriter)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = fns
}

func body(s string) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(s))
	}
}

func status(code int) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) { w.WriteHeader(code) }
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func newTestProvider(t *testing.T, opts ...Option) (*Provider, *fakeIndex, *sleepRecorder) {
	t.Helper()
	f := &fakeIndex{t: t}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	rec := &sleepRecorder{}
	base := []Option{
		WithURL(srv.URL),
		WithHTTPClient(srv.Client()),
		WithBackoff(time.Second, 4*time.Second),
		WithMaxAttempts(4),
		WithSleep(rec.sleep),
		WithLogf(t.Logf),
	}
	return New(append(base, opts...)...), f, rec
}

func TestGetModulesMergesAndSorts(t *testing.T) {
	p, f, _ := newTestProvider(t)
	f.then(body(sampleIndex))

	got, err := p.GetModules(context.Background())
	if err != nil {
		t.Fatalf("GetModules: %v", err)
	}
	want := []Entry{
		{
			ModuleName: "samples/array-loop",
			Tags:       []string{"1.0.0", "1.0.1", "2.0.0", "latest"},
			Properties: map[string]TagProperties{
				"1.0.0": {Description: "A sample Bicep registry module"},
				"1.0.1": {Description: "Loop over an array", DocumentationURI: "https://example.com/array-loop/1.0.1"},
				"2.0.0": {Description: "second"},
			},
		},
		{
			ModuleName: "samples/hello-world",
			Tags:       []string{"1.0.1", "1.0.2", "1.0.10"},
			Properties: map[string]TagProperties{
				"1.0.10": {Description: "Hello", Extra: map[string]json.RawMessage{"owner": json.RawMessage(`"team-a"`)}},
			},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("GetModules mismatch (-want +got):\n%s", diff)
	}
}

func TestQueries(t *testing.T) {
	p, f, _ := newTestProvider(t)
	f.then(body(sampleIndex))
	ctx := context.Background()

	names, err := p.GetModuleNames(ctx)
	if err != nil {
		t.Fatalf("GetModuleNames: %v", err)
	}
	if diff := cmp.Diff([]string{"samples/array-loop", "samples/hello-world"}, names); diff != "" {
		t.Fatalf("GetModuleNames mismatch (-want +got):\n%s", diff)
	}

	versions, err := p.GetVersions(ctx, "samples/hello-world")
	if err != nil {
		t.Fatalf("GetVersions: %v", err)
	}
	if diff := cmp.Diff([]string{"1.0.10", "1.0.2", "1.0.1"}, versions); diff != "" {
		t.Fatalf("GetVersions mismatch (-want +got):\n%s", diff)
	}

	desc, err := p.Description(ctx, "samples/array-loop", "1.0.1")
	if err != nil {
		t.Fatalf("Description: %v", err)
	}
	if desc != "Loop over an array" {
		t.Fatalf("Description = %q, want %q", desc, "Loop over an array")
	}
	doc, err := p.DocumentationURI(ctx, "samples/array-loop", "1.0.0")
	if err != nil {
		t.Fatalf("DocumentationURI: %v", err)
	}
	if doc != "" {
		t.Fatalf("DocumentationURI = %q, want empty", doc)
	}

	if _, err := p.GetVersions(ctx, "samples/missing"); !errors.Is(err, ErrModuleNotFound) {
		t.Fatalf("GetVersions(missing) error = %v, want ErrModuleNotFound", err)
	}
	if got := f.hits.Load(); got != 1 {
		t.Fatalf("index fetched %d times, want 1", got)
	}
}

func TestRetriesTransientFailures(t *testing.T) {
	p, f, rec := newTestProvider(t)
	f.then(status(http.StatusServiceUnavailable), status(http.StatusTooManyRequests), body("{not json"), body(sampleIndex))

	names, err := p.GetModuleNames(context.Background())
	if err != nil {
		t.Fatalf("GetModuleNames: %v", err)
	}
	if len(names) != 2 {
		t.Fatalf("len(names) = %d, want 2", len(names))
	}
	if got := f.hits.Load(); got != 4 {
		t.Fatalf("hits = %d, want 4", got)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	if diff := cmp.Diff(want, rec.delays); diff != "" {
		t.Fatalf("retry delays mismatch (-want +got):\n%s", diff)
	}
}

func TestClientErrorNotRetried(t *testing.T) {
	p, f, _ := newTestProvider(t)
	f.then(status(http.StatusNotFound))

	_, err := p.GetModules(context.Background())
	if !errors.Is(err, ErrIndexUnavailable) {
		t.Fatalf("GetModules error = %v, want ErrIndexUnavailable", err)
	}
	if got := f.hits.Load(); got != 1 {
		t.Fatalf("hits = %d, want 1", got)
	}
}

func TestExhaustedWithoutSnapshot(t *testing.T) {
	p, f, rec := newTestProvider(t)
	f.then(status(http.StatusBadGateway))

	_, err := p.GetModules(context.Background())
	if !errors.Is(err, ErrIndexUnavailable) {
		t.Fatalf("GetModules error = %v, want ErrIndexUnavailable", err)
	}
	if got := f.hits.Load(); got != 4 {
		t.Fatalf("hits = %d, want 4", got)
	}
	if got := len(rec.delays); got != 3 {
		t.Fatalf("sleeps = %d, want 3", got)
	}
}

func TestStaleSnapshotServedOnFailure(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	p, f, _ := newTestProvider(t, WithMaxAge(time.Hour))
	p.now = func() time.Time { return now }
	f.then(body(sampleIndex), status(http.StatusInternalServerError))
	ctx := context.Background()

	if _, err := p.GetModules(ctx); err != nil {
		t.Fatalf("first GetModules: %v", err)
	}
	now = now.Add(2 * time.Hour)
	got, err := p.GetModuleNames(ctx)
	if err != nil {
		t.Fatalf("GetModuleNames after failed refresh: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(names) = %d, want 2", len(got))
	}
	if hits := f.hits.Load(); hits != 5 {
		t.Fatalf("hits = %d, want 5", hits)
	}
	if err := p.Refresh(ctx); !errors.Is(err, ErrIndexUnavailable) {
		t.Fatalf("Refresh error = %v, want ErrIndexUnavailable", err)
	}
}

func TestRefreshReplacesSnapshot(t *testing.T) {
	p, f, _ := newTestProvider(t)
	f.then(body(sampleIndex), body(`[{"moduleName":"other/mod","tags":["0.1.0"]}]`))
	ctx := context.Background()

	if _, err := p.GetModules(ctx); err != nil {
		t.Fatalf("GetModules: %v", err)
	}
	if err := p.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	names, err := p.GetModuleNames(ctx)
	if err != nil {
		t.Fatalf("GetModuleNames: %v", err)
	}
	if diff := cmp.Diff([]string{"other/mod"}, names); diff != "" {
		t.Fatalf("names mismatch (-want +got):\n%s", diff)
	}
}

func TestRefreshWaiterSurvivesCanceledLeader(t *testing.T) {
	p, f, _ := newTestProvider(t)
	gate := make(chan struct{})
	var once sync.Once
	release := func() { once.Do(func() { close(gate) }) }
	t.Cleanup(release)
	f.then(func(w http.ResponseWriter) {
		<-gate
		w.WriteHeader(http.StatusServiceUnavailable)
	}, body(sampleIndex))

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderDone := make(chan error, 1)
	go func() { leaderDone <- p.Refresh(leaderCtx) }()
	for f.hits.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	waiterDone := make(chan error, 1)
	go func() { waiterDone <- p.Refresh(context.Background()) }()
	time.Sleep(20 * time.Millisecond)

	cancel()
	if err := <-leaderDone; !errors.Is(err, context.Canceled) {
		t.Fatalf("leader err = %v, want context.Canceled", err)
	}
	release()
	if err := <-waiterDone; err != nil {
		t.Fatalf("waiter err = %v, want nil", err)
	}
	names, err := p.GetModuleNames(context.Background())
	if err != nil {
		t.Fatalf("GetModuleNames: %v", err)
	}
	if len(names) != 2 {
		t.Fatalf("names = %v, want 2 modules", names)
	}
}

func TestLoad(t *testing.T) {
	p := New(WithURL("http://127.0.0.1:0/unused"), WithLogf(t.Logf))
	if err := p.Load([]byte(sampleIndex)); err != nil {
		t.Fatalf("Load: %v", err)
	}
	versions, err := p.GetVersions(context.Background(), "samples/array-loop")
	if err != nil {
		t.Fatalf("GetVersions: %v", err)
	}
	if diff := cmp.Diff([]string{"latest", "2.0.0", "1.0.1", "1.0.0"}, versions); diff != "" {
		t.Fatalf("GetVersions mismatch (-want +got):\n%s", diff)
	}
	if err := p.Load([]byte("nope")); err == nil {
		t.Fatalf("Load(invalid) succeeded")
	}
}

func TestStartRefreshesUntilCanceled(t *testing.T) {
	p, f, _ := newTestProvider(t)
	f.then(body(sampleIndex))
	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx, 10*time.Millisecond)

	deadline := time.Now().Add(5 * time.Second)
	for f.hits.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("background refresh did not run twice")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if _, err := p.GetModuleNames(context.Background()); err != nil {
		t.Fatalf("GetModuleNames: %v", err)
	}
}

func TestTagPropertiesRoundTripKeepsUnknownKeys(t *testing.T) {
	var props TagProperties
	in := `{"description":"d","documentationUri":"https://x","owner":"team"}`
	if err := json.Unmarshal([]byte(in), &props); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	out, err := json.Marshal(props)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(out) != in {
		t.Fatalf("Marshal = %s, want %s", out, in)
	}
}
