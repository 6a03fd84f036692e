// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/yeetrun/modreg/pkg/fileutil"
)

// FilesystemStore keeps entries as files below a root directory.
type FilesystemStore struct {
	root string

	mu    sync.Mutex
	locks map[string]*keyLock // removed when the last holder unlocks
}

type keyLock struct {
	mu   sync.Mutex
	refs int // guarded by FilesystemStore.mu
}

var _ Store = (*FilesystemStore)(nil)

// NewFilesystemStore returns a store rooted at root, creating it if needed.
func NewFilesystemStore(root string) (*FilesystemStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create cache root: %w", err)
	}
	return &FilesystemStore{root: root}, nil
}

// Root returns the store's root directory.
func (s *FilesystemStore) Root() string { return s.root }

// Path returns the file path of key.
func (s *FilesystemStore) Path(key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(key)), nil
}

func (s *FilesystemStore) lock(key string) func() {
	s.mu.Lock()
	l := s.locks[key]
	if l == nil {
		if s.locks == nil {
			s.locks = make(map[string]*keyLock)
		}
		l = new(keyLock)
		s.locks[key] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		if l.refs--; l.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

func (s *FilesystemStore) Get(_ context.Context, key string) ([]byte, error) {
	p, err := s.Path(key)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return b, err
}

func (s *FilesystemStore) Put(ctx context.Context, key string, data []byte) error {
	p, err := s.Path(key)
	if err != nil {
		return err
	}
	defer s.lock(key)()
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := fileutil.WriteFile(p, data, 0o644); err != nil {
		return fmt.Errorf("write cache entry %s: %w", key, err)
	}
	return nil
}

func (s *FilesystemStore) Has(_ context.Context, key string) bool {
	p, err := s.Path(key)
	if err != nil {
		return false
	}
	st, err := os.Stat(p)
	return err == nil && st.Mode().IsRegular()
}

func (s *FilesystemStore) Delete(_ context.Context, key string) error {
	p, err := s.Path(key)
	if err != nil {
		return err
	}
	defer s.lock(key)()
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
