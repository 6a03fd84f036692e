// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/containerd/containerd/content"
	"github.com/containerd/containerd/images"
	"github.com/containerd/errdefs"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/yeetrun/modreg/pkg/descriptor"
	"github.com/yeetrun/modreg/pkg/fileutil"
)

func TestValidateKey(t *testing.T) {
	tests := []struct {
		key string
		ok  bool
	}{
		{"registry.example/bicep/storage/abc/main.json", true},
		{"a", true},
		{"", false},
		{"/abs", false},
		{"a/../b", false},
		{"a//b", false},
		{"./a", false},
		{"a\\b", false},
	}
	for _, tt := range tests {
		err := ValidateKey(tt.key)
		if (err == nil) != tt.ok {
			t.Errorf("ValidateKey(%q) = %v, want ok=%v", tt.key, err, tt.ok)
		}
		if err != nil && !errors.Is(err, ErrInvalidKey) {
			t.Errorf("ValidateKey(%q) = %v, want ErrInvalidKey", tt.key, err)
		}
	}
}

// storeContract exercises behavior every Store must have.
func storeContract(t *testing.T, s Store) {
	ctx := context.Background()
	key := Key("registry.example", "bicep", "storage", "0123", "main.json")

	if s.Has(ctx, key) {
		t.Fatalf("Has(%q) = true before Put", key)
	}
	if _, err := s.Get(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get before Put err = %v, want ErrNotFound", err)
	}
	if err := s.Put(ctx, key, []byte("v1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !s.Has(ctx, key) {
		t.Fatalf("Has(%q) = false after Put", key)
	}
	if err := s.Put(ctx, key, []byte("v2")); err != nil {
		t.Fatalf("Put overwrite: %v", err)
	}
	got, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "v2" {
		t.Fatalf("Get = %q, want %q", got, "v2")
	}
	if err := s.Delete(ctx, key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if s.Has(ctx, key) {
		t.Fatalf("Has(%q) = true after Delete", key)
	}
	if err := s.Delete(ctx, key); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
	if err := s.Put(ctx, "../escape", []byte("x")); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("Put(../escape) err = %v, want ErrInvalidKey", err)
	}
}

func TestFilesystemStore(t *testing.T) {
	s, err := NewFilesystemStore(filepath.Join(t.TempDir(), "cache"))
	if err != nil {
		t.Fatalf("NewFilesystemStore: %v", err)
	}
	storeContract(t, s)
}

func TestFilesystemStoreConcurrentPut(t *testing.T) {
	s, err := NewFilesystemStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFilesystemStore: %v", err)
	}
	ctx := context.Background()
	values := make(map[string]bool)
	var wg sync.WaitGroup
	for i := range 16 {
		v := bytes.Repeat([]byte{byte('a' + i)}, 64<<10)
		values[string(v)] = true
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Put(ctx, "k/entry", v); err != nil {
				t.Errorf("Put: %v", err)
			}
		}()
	}
	wg.Wait()
	got, err := s.Get(ctx, "k/entry")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !values[string(got)] {
		t.Fatalf("Get returned a mixed or partial entry of %d bytes", len(got))
	}
	entries, err := os.ReadDir(filepath.Join(s.Root(), "k"))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if fileutil.IsTempName(e.Name()) {
			t.Fatalf("temporary file %s left behind", e.Name())
		}
	}
}

func TestFilesystemStoreReleasesKeyLocks(t *testing.T) {
	s, err := NewFilesystemStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFilesystemStore: %v", err)
	}
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := range 64 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key := fmt.Sprintf("k/%d", i%8)
			if err := s.Put(ctx, key, []byte("v")); err != nil {
				t.Errorf("Put: %v", err)
			}
			if i%3 == 0 {
				if err := s.Delete(ctx, key); err != nil {
					t.Errorf("Delete: %v", err)
				}
			}
		}()
	}
	wg.Wait()
	s.mu.Lock()
	n := len(s.locks)
	s.mu.Unlock()
	if n != 0 {
		t.Fatalf("%d key locks retained after all writers finished, want 0", n)
	}
}

func TestFilesystemStoreCanceledPutKeepsEntry(t *testing.T) {
	s, err := NewFilesystemStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFilesystemStore: %v", err)
	}
	if err := s.Put(context.Background(), "k", []byte("old")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Put(ctx, "k", []byte("new")); !errors.Is(err, context.Canceled) {
		t.Fatalf("Put err = %v, want context.Canceled", err)
	}
	got, _ := s.Get(context.Background(), "k")
	if string(got) != "old" {
		t.Fatalf("Get = %q, want %q", got, "old")
	}
}

func newFakeContainerdStore() (*ContainerdStore, *memContentStore) {
	cs := &memContentStore{blobs: map[digest.Digest][]byte{}, labels: map[digest.Digest]map[string]string{}}
	return &ContainerdStore{
		prefix:  "modreg.local/cache",
		content: cs,
		images:  &memImageStore{images: map[string]images.Image{}},
		now:     func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) },
	}, cs
}

func TestContainerdStore(t *testing.T) {
	s, _ := newFakeContainerdStore()
	storeContract(t, s)
}

func TestContainerdStoreMarksRoot(t *testing.T) {
	s, cs := newFakeContainerdStore()
	if err := s.Put(context.Background(), "a/b", []byte("data")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	dg := digest.FromBytes([]byte("data"))
	if got := cs.labels[dg][gcRootLabel]; got != "2025-01-01T00:00:00Z" {
		t.Fatalf("gc root label = %q", got)
	}
	if err := s.Delete(context.Background(), "a/b"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := cs.labels[dg][gcRootLabel]; ok {
		t.Fatalf("gc root label still set after Delete")
	}
}

func TestContainerdStoreDetectsCorruption(t *testing.T) {
	s, cs := newFakeContainerdStore()
	if err := s.Put(context.Background(), "a", []byte("data")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	cs.blobs[digest.FromBytes([]byte("data"))] = []byte("dada")
	if _, err := s.Get(context.Background(), "a"); !errors.Is(err, descriptor.ErrDigestMismatch) {
		t.Fatalf("Get err = %v, want ErrDigestMismatch", err)
	}
}

type memContentStore struct {
	mu     sync.Mutex
	blobs  map[digest.Digest][]byte
	labels map[digest.Digest]map[string]string
}

func (m *memContentStore) Writer(_ context.Context, opts ...content.WriterOpt) (content.Writer, error) {
	var wo content.WriterOpts
	for _, o := range opts {
		if err := o(&wo); err != nil {
			return nil, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blobs[wo.Desc.Digest]; ok {
		return nil, fmt.Errorf("content %s: %w", wo.Desc.Digest, errdefs.ErrAlreadyExists)
	}
	return &memWriter{store: m, ref: wo.Ref, started: time.Now()}, nil
}

func (m *memContentStore) ReaderAt(_ context.Context, desc ocispec.Descriptor) (content.ReaderAt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blobs[desc.Digest]
	if !ok {
		return nil, errdefs.ErrNotFound
	}
	return &memReaderAt{Reader: bytes.NewReader(b)}, nil
}

func (m *memContentStore) Info(_ context.Context, dg digest.Digest) (content.Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blobs[dg]
	if !ok {
		return content.Info{}, errdefs.ErrNotFound
	}
	return content.Info{Digest: dg, Size: int64(len(b)), Labels: m.labels[dg]}, nil
}

func (m *memContentStore) Update(_ context.Context, info content.Info, fieldpaths ...string) (content.Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blobs[info.Digest]; !ok {
		return content.Info{}, errdefs.ErrNotFound
	}
	labels := m.labels[info.Digest]
	if labels == nil {
		labels = map[string]string{}
		m.labels[info.Digest] = labels
	}
	for _, fp := range fieldpaths {
		name, ok := cutLabel(fp)
		if !ok {
			continue
		}
		if v, set := info.Labels[name]; set {
			labels[name] = v
		} else {
			delete(labels, name)
		}
	}
	return content.Info{Digest: info.Digest, Labels: labels}, nil
}

func cutLabel(fp string) (string, bool) {
	const p = "labels."
	if len(fp) > len(p) && fp[:len(p)] == p {
		return fp[len(p):], true
	}
	return "", false
}

type memReaderAt struct {
	*bytes.Reader
}

func (r *memReaderAt) Close() error { return nil }

type memWriter struct {
	store   *memContentStore
	ref     string
	buf     bytes.Buffer
	started time.Time
}

func (w *memWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }
func (w *memWriter) Close() error                { return nil }
func (w *memWriter) Digest() digest.Digest       { return digest.FromBytes(w.buf.Bytes()) }

func (w *memWriter) Commit(_ context.Context, size int64, expected digest.Digest, _ ...content.Opt) error {
	data := w.buf.Bytes()
	if size > 0 && int64(len(data)) != size {
		return fmt.Errorf("unexpected size %d, want %d: %w", len(data), size, errdefs.ErrFailedPrecondition)
	}
	if expected != "" && digest.FromBytes(data) != expected {
		return fmt.Errorf("unexpected digest: %w", errdefs.ErrFailedPrecondition)
	}
	w.store.mu.Lock()
	defer w.store.mu.Unlock()
	w.store.blobs[digest.FromBytes(data)] = bytes.Clone(data)
	return nil
}

func (w *memWriter) Status() (content.Status, error) {
	return content.Status{Ref: w.ref, Offset: int64(w.buf.Len()), StartedAt: w.started, UpdatedAt: time.Now()}, nil
}

func (w *memWriter) Truncate(size int64) error {
	w.buf.Truncate(int(size))
	return nil
}

type memImageStore struct {
	mu     sync.Mutex
	images map[string]images.Image
}

func (m *memImageStore) Get(_ context.Context, name string) (images.Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	img, ok := m.images[name]
	if !ok {
		return images.Image{}, fmt.Errorf("image %q: %w", name, errdefs.ErrNotFound)
	}
	return img, nil
}

func (m *memImageStore) Create(_ context.Context, img images.Image) (images.Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.images[img.Name]; ok {
		return images.Image{}, fmt.Errorf("image %q: %w", img.Name, errdefs.ErrAlreadyExists)
	}
	m.images[img.Name] = img
	return img, nil
}

func (m *memImageStore) Update(_ context.Context, img images.Image, _ ...string) (images.Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.images[img.Name]; !ok {
		return images.Image{}, fmt.Errorf("image %q: %w", img.Name, errdefs.ErrNotFound)
	}
	m.images[img.Name] = img
	return img, nil
}

func (m *memImageStore) Delete(_ context.Context, name string, _ ...images.DeleteOpt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.images[name]; !ok {
		return fmt.Errorf("image %q: %w", name, errdefs.ErrNotFound)
	}
	delete(m.images, name)
	return nil
}
