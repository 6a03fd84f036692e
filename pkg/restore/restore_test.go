// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package restore

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yeetrun/modreg/pkg/auth"
	"github.com/yeetrun/modreg/pkg/backoff"
	"github.com/yeetrun/modreg/pkg/batch"
	"github.com/yeetrun/modreg/pkg/bundle"
	"github.com/yeetrun/modreg/pkg/cache"
	"github.com/yeetrun/modreg/pkg/oci"
	"github.com/yeetrun/modreg/pkg/registry"
)

const testTemplate = `{"resources":[]}`

type fixture struct {
	host      string
	client    *oci.Client
	manifests atomic.Int32
	// hold, when set, stalls manifest fetches until it is closed.
	hold atomic.Pointer[chan struct{}]
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	storage, err := registry.NewFilesystemStorage(t.TempDir())
	if err != nil {
		t.Fatalf("NewFilesystemStorage: %v", err)
	}
	reg := registry.New(storage, registry.WithLogf(t.Logf))
	f := &fixture{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && strings.Contains(r.URL.Path, "/manifests/") {
			f.manifests.Add(1)
			if hold := f.hold.Load(); hold != nil {
				select {
				case <-*hold:
				case <-r.Context().Done():
					return
				}
			}
		}
		reg.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	f.host = strings.TrimPrefix(srv.URL, "http://")
	creds, err := auth.NewChain([]string{auth.SourceStatic}, "", auth.WithStaticToken("test-token", time.Time{}), auth.WithLogf(t.Logf))
	if err != nil {
		t.Fatalf("NewChain: %v", err)
	}
	f.client = oci.New(
		oci.WithPlainHTTP(true),
		oci.WithCredentials(creds),
		oci.WithLogf(t.Logf),
		oci.WithRetry(backoff.Policy{MaxAttempts: 2, Initial: time.Millisecond, Max: time.Millisecond}),
	)
	return f
}

func (f *fixture) publish(t *testing.T, repoTag string) oci.Reference {
	t.Helper()
	ref, err := oci.ParseReference(f.host + "/" + repoTag)
	if err != nil {
		t.Fatalf("ParseReference: %v", err)
	}
	sources, err := bundle.Pack("file:///m/main.bicep", []bundle.SourceFile{
		{URI: "file:///m/main.bicep", Kind: bundle.KindBicep, Text: "param name string\n"},
	})
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	defer sources.Close()
	if _, err := f.client.PublishModule(context.Background(), ref, []byte(testTemplate), sources); err != nil {
		t.Fatalf("PublishModule: %v", err)
	}
	return ref
}

func newScheduler(t *testing.T, f *fixture) (*Scheduler, string) {
	t.Helper()
	root := t.TempDir()
	store, err := cache.NewFilesystemStore(root)
	if err != nil {
		t.Fatalf("NewFilesystemStore: %v", err)
	}
	return &Scheduler{Client: f.client, Store: store, Unpack: true, Root: root, Logf: t.Logf}, root
}

func TestRequestRestore(t *testing.T) {
	f := newFixture(t)
	a := f.publish(t, "mods/a:v1")
	c := f.publish(t, "mods/c:v1")
	s, _ := newScheduler(t, f)

	b := batch.New(context.Background())
	n, err := s.RequestRestore(b, []oci.Reference{a, c, a})
	if err != nil {
		t.Fatalf("RequestRestore: %v", err)
	}
	if n != 2 {
		t.Fatalf("scheduled = %d, want 2", n)
	}
	if err := b.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	for _, ref := range []oci.Reference{a, c} {
		dg, ok := oci.CachedDigest(context.Background(), s.Store, ref)
		if !ok {
			t.Fatalf("%s not cached", ref)
		}
		got, err := s.Store.Get(context.Background(), oci.CacheEntryFor(ref, dg).Template)
		if err != nil {
			t.Fatalf("Get template: %v", err)
		}
		if string(got) != testTemplate {
			t.Fatalf("template = %q, want %q", got, testTemplate)
		}
		md, files, err := bundle.ReadSources(s.SourcesPath(ref, dg))
		if err != nil {
			t.Fatalf("ReadSources: %v", err)
		}
		if md.EntryPoint != "file:///m/main.bicep" || len(files) != 1 {
			t.Fatalf("sources = %+v %+v, want one entry point file", md, files)
		}
	}

	b2 := batch.New(context.Background())
	before := f.manifests.Load()
	n, err = s.RequestRestore(b2, []oci.Reference{a, c})
	if err != nil {
		t.Fatalf("second RequestRestore: %v", err)
	}
	if n != 0 {
		t.Fatalf("second scheduled = %d, want 0", n)
	}
	if err := b2.Wait(); err != nil {
		t.Fatalf("second Wait: %v", err)
	}
	if got := f.manifests.Load(); got != before {
		t.Fatalf("cached restore fetched manifests %d times", got-before)
	}
}

func TestRequestRestoreUnpacksMissingSources(t *testing.T) {
	f := newFixture(t)
	ref := f.publish(t, "mods/a:v1")
	s, _ := newScheduler(t, f)

	b := batch.New(context.Background())
	s.RequestRestore(b, []oci.Reference{ref})
	if err := b.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	dg, _ := oci.CachedDigest(context.Background(), s.Store, ref)
	if err := os.RemoveAll(s.SourcesPath(ref, dg)); err != nil {
		t.Fatal(err)
	}

	before := f.manifests.Load()
	b2 := batch.New(context.Background())
	n, err := s.RequestRestore(b2, []oci.Reference{ref})
	if err != nil || n != 1 {
		t.Fatalf("RequestRestore = %d, %v, want 1, nil", n, err)
	}
	if err := b2.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got := f.manifests.Load(); got != before {
		t.Fatalf("unpack of cached entry fetched manifests")
	}
	if _, err := os.Stat(filepath.Join(s.SourcesPath(ref, dg), bundle.MetadataName)); err != nil {
		t.Fatalf("sources not unpacked: %v", err)
	}
}

func TestRequestRestoreErrorsSurfaceOnWait(t *testing.T) {
	f := newFixture(t)
	s, _ := newScheduler(t, f)
	missing, err := oci.ParseReference(f.host + "/mods/missing:v1")
	if err != nil {
		t.Fatal(err)
	}

	b := batch.New(context.Background())
	if _, err := s.RequestRestore(b, []oci.Reference{missing}); err != nil {
		t.Fatalf("RequestRestore: %v", err)
	}
	if err := b.Wait(); !errors.Is(err, oci.ErrNotFound) {
		t.Fatalf("Wait = %v, want ErrNotFound", err)
	}
	if _, ok := oci.CachedDigest(context.Background(), s.Store, missing); ok {
		t.Fatalf("failed restore left a cache entry")
	}
}

func TestRequestRestoreSurvivesCanceledBatch(t *testing.T) {
	f := newFixture(t)
	ref := f.publish(t, "mods/a:v1")
	s, _ := newScheduler(t, f)
	hold := make(chan struct{})
	f.hold.Store(&hold)
	before := f.manifests.Load()

	ctx, cancel := context.WithCancel(context.Background())
	b1 := batch.New(ctx)
	if _, err := s.RequestRestore(b1, []oci.Reference{ref}); err != nil {
		t.Fatalf("RequestRestore: %v", err)
	}
	for f.manifests.Load() == before {
		time.Sleep(time.Millisecond)
	}
	b2 := batch.New(context.Background())
	if _, err := s.RequestRestore(b2, []oci.Reference{ref}); err != nil {
		t.Fatalf("second RequestRestore: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	cancel()
	if err := b1.Wait(); !errors.Is(err, context.Canceled) {
		t.Fatalf("canceled Wait = %v, want context.Canceled", err)
	}
	close(hold)
	if err := b2.Wait(); err != nil {
		t.Fatalf("Wait = %v, want nil", err)
	}
	if _, ok := oci.CachedDigest(context.Background(), s.Store, ref); !ok {
		t.Fatalf("%s not cached", ref)
	}
}

func TestRequestRestoreClosedBatch(t *testing.T) {
	f := newFixture(t)
	ref := f.publish(t, "mods/a:v1")
	s, _ := newScheduler(t, f)

	b := batch.New(context.Background())
	b.Wait()
	if _, err := s.RequestRestore(b, []oci.Reference{ref}); !errors.Is(err, batch.ErrBatchClosed) {
		t.Fatalf("RequestRestore on drained batch = %v, want ErrBatchClosed", err)
	}
}

func TestEmpty(t *testing.T) {
	b := batch.New(context.Background())
	var r Restorer = Empty{}
	n, err := r.RequestRestore(b, []oci.Reference{{Registry: "example.com", Repository: "a", Tag: "v1"}})
	if n != 0 || err != nil {
		t.Fatalf("Empty.RequestRestore = %d, %v, want 0, nil", n, err)
	}
}
