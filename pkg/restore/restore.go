// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package restore schedules module restores into the local cache.
package restore

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"
	"github.com/yeetrun/modreg/pkg/batch"
	"github.com/yeetrun/modreg/pkg/bundle"
	"github.com/yeetrun/modreg/pkg/cache"
	"github.com/yeetrun/modreg/pkg/oci"
	"golang.org/x/sync/singleflight"
)

// Restorer schedules restores of module references on a batch.
type Restorer interface {
	// RequestRestore schedules refs on b and returns how many restores were
	// started. References already in the cache are skipped.
	RequestRestore(b *batch.Batch, refs []oci.Reference) (int, error)
}

// Empty is a Restorer that never restores anything.
type Empty struct{}

func (Empty) RequestRestore(*batch.Batch, []oci.Reference) (int, error) { return 0, nil }

// Scheduler restores modules with Client into Store.
type Scheduler struct {
	Client *oci.Client
	Store  cache.Store

	// Unpack extracts restored source bundles below Root.
	Unpack bool
	// Root is the directory Store keys resolve under. Required with Unpack.
	Root string
	// Limits bounds source bundle extraction.
	Limits bundle.Limits

	Logf func(format string, args ...any)

	inflight singleflight.Group
}

var _ Restorer = (*Scheduler)(nil)
var _ Restorer = Empty{}

func (s *Scheduler) logf(format string, args ...any) {
	if s.Logf != nil {
		s.Logf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// RequestRestore schedules a restore for each distinct reference of refs
// whose cache entry is missing. Errors surface through b.Wait.
func (s *Scheduler) RequestRestore(b *batch.Batch, refs []oci.Reference) (int, error) {
	seen := make(map[string]bool, len(refs))
	scheduled := 0
	for _, ref := range refs {
		key := ref.String()
		if seen[key] {
			continue
		}
		seen[key] = true
		if dg, ok := oci.CachedDigest(b.Context(), s.Store, ref); ok && !s.needsUnpack(b.Context(), ref, dg) {
			continue
		}
		err := b.Go(func(ctx context.Context) error {
			for {
				led := false
				_, err, _ := s.inflight.Do(key, func() (any, error) {
					led = true
					return nil, s.restore(ctx, ref)
				})
				// A restore shared with another batch may have been canceled
				// by that batch; run it again under this one.
				if err != nil && !led && ctx.Err() == nil &&
					(errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
					continue
				}
				return err
			}
		})
		if err != nil {
			return scheduled, err
		}
		scheduled++
	}
	return scheduled, nil
}

func (s *Scheduler) restore(ctx context.Context, ref oci.Reference) error {
	if dg, ok := oci.CachedDigest(ctx, s.Store, ref); ok {
		return s.unpack(ctx, ref, dg)
	}
	art, err := s.Client.RestoreModule(ctx, ref, s.Store)
	if err != nil {
		s.logf("restore %s: %v", ref, err)
		return err
	}
	s.logf("restored %s at %s", ref, art.Digest)
	return s.unpack(ctx, ref, art.Digest)
}

func (s *Scheduler) needsUnpack(ctx context.Context, ref oci.Reference, dg digest.Digest) bool {
	if !s.Unpack || s.Root == "" {
		return false
	}
	if !s.Store.Has(ctx, oci.CacheEntryFor(ref, dg).Sources) {
		return false
	}
	_, err := os.Stat(s.SourcesPath(ref, dg))
	return err != nil
}

// SourcesPath returns the directory the sources of ref at dg unpack to.
func (s *Scheduler) SourcesPath(ref oci.Reference, dg digest.Digest) string {
	entry := oci.CacheEntryFor(ref, dg)
	return filepath.Join(s.Root, filepath.FromSlash(entry.Dir), oci.SourcesDir)
}

func (s *Scheduler) unpack(ctx context.Context, ref oci.Reference, dg digest.Digest) error {
	if !s.Unpack {
		return nil
	}
	if s.Root == "" {
		return errors.New("restore: unpack requires a root directory")
	}
	data, err := s.Store.Get(ctx, oci.CacheEntryFor(ref, dg).Sources)
	if errors.Is(err, cache.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("restore %s: %w", ref, err)
	}
	_, err = bundle.UnpackBytes(ctx, data, s.SourcesPath(ref, dg), s.Limits)
	switch {
	case errors.Is(err, bundle.ErrDestinationExists):
		return nil
	case err != nil:
		return fmt.Errorf("restore %s: unpack sources: %w", ref, err)
	}
	return nil
}
