// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package oci

import (
	"context"
	"fmt"
	"strings"

	"github.com/opencontainers/go-digest"
	"github.com/yeetrun/modreg/pkg/bundle"
	"github.com/yeetrun/modreg/pkg/cache"
)

// Cache file names below an entry directory.
const (
	TemplateFile = "main.json"
	ManifestFile = "manifest"
	SourcesFile  = "sources.zip"
	SourcesDir   = "sources"
)

// CacheEntry holds the cache keys of one restored module.
type CacheEntry struct {
	Dir      string
	Template string
	Manifest string
	Sources  string
}

// cacheHost makes a registry host usable as a path segment.
func cacheHost(host string) string {
	return strings.ReplaceAll(host, ":", "_")
}

// CacheEntryFor returns the cache keys of the module ref at manifest digest dg:
// <host>/<repo>/<digest-hex>/{main.json,manifest,sources.zip}.
func CacheEntryFor(ref Reference, dg digest.Digest) CacheEntry {
	dir := cache.Key(cacheHost(ref.Registry), ref.Repository, dg.Encoded())
	return CacheEntry{
		Dir:      dir,
		Template: cache.Key(dir, TemplateFile),
		Manifest: cache.Key(dir, ManifestFile),
		Sources:  cache.Key(dir, SourcesFile),
	}
}

// TagKey returns the cache key recording the digest a tag was restored at.
func TagKey(ref Reference) string {
	return cache.Key(cacheHost(ref.Registry), ref.Repository, "tags", ref.Tag)
}

// CachedDigest returns the manifest digest ref was restored at, if its cache
// entry is complete.
func CachedDigest(ctx context.Context, store cache.Store, ref Reference) (digest.Digest, bool) {
	dg := ref.Digest
	if dg == "" {
		if ref.Tag == "" {
			return "", false
		}
		b, err := store.Get(ctx, TagKey(ref))
		if err != nil {
			return "", false
		}
		if dg, err = digest.Parse(strings.TrimSpace(string(b))); err != nil {
			return "", false
		}
	}
	if !store.Has(ctx, CacheEntryFor(ref, dg).Manifest) {
		return "", false
	}
	return dg, true
}

// PublishModule publishes a compiled template and, when sources is not nil,
// its packed sources as a module artifact.
func (c *Client) PublishModule(ctx context.Context, ref Reference, template []byte, sources *bundle.Packed) (digest.Digest, error) {
	layers := []Layer{{MediaType: TemplateLayerType, Data: template}}
	if sources != nil {
		layers = append(layers, Layer{MediaType: SourceLayerType, Data: sources.Bytes()})
	}
	return c.Publish(ctx, ref, nil, layers)
}

// RestoreModule restores ref and writes it to store. The manifest is
// written last, so an entry with a manifest is complete.
func (c *Client) RestoreModule(ctx context.Context, ref Reference, store cache.Store) (*Artifact, error) {
	art, err := c.Restore(ctx, ref)
	if err != nil {
		return nil, err
	}
	template, ok := art.Layer(TemplateLayerType)
	if !ok {
		return nil, fmt.Errorf("restore %s: %w: no template layer", ref, ErrUnsupportedArtifact)
	}
	entry := CacheEntryFor(ref, art.Digest)
	if err := store.Put(ctx, entry.Template, template); err != nil {
		return nil, fmt.Errorf("restore %s: %w", ref, err)
	}
	if src, ok := art.Layer(SourceLayerType); ok {
		if err := store.Put(ctx, entry.Sources, src); err != nil {
			return nil, fmt.Errorf("restore %s: %w", ref, err)
		}
	}
	if err := store.Put(ctx, entry.Manifest, art.ManifestBytes); err != nil {
		return nil, fmt.Errorf("restore %s: %w", ref, err)
	}
	if ref.Tag != "" {
		if err := store.Put(ctx, TagKey(ref), []byte(art.Digest.String())); err != nil {
			return nil, fmt.Errorf("restore %s: %w", ref, err)
		}
	}
	return art, nil
}
