// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cache

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/content"
	"github.com/containerd/containerd/images"
	"github.com/containerd/errdefs"
	"github.com/opencontainers/go-digest"
	"github.com/yeetrun/modreg/pkg/descriptor"
)

// EntryMediaType is the media type of cache entries stored in containerd.
const EntryMediaType = "application/vnd.modreg.cache.entry.v1"

const gcRootLabel = "containerd.io/gc.root"

// DefaultNamespace is the containerd namespace used by ContainerdStore.
const DefaultNamespace = "modreg"

type contentStore interface {
	content.Ingester
	content.Provider
	Info(ctx context.Context, dg digest.Digest) (content.Info, error)
	Update(ctx context.Context, info content.Info, fieldpaths ...string) (content.Info, error)
}

type imageStore interface {
	Get(ctx context.Context, name string) (images.Image, error)
	Create(ctx context.Context, image images.Image) (images.Image, error)
	Update(ctx context.Context, image images.Image, fieldpaths ...string) (images.Image, error)
	Delete(ctx context.Context, name string, opts ...images.DeleteOpt) error
}

// ContainerdStore keeps entries in containerd's content store. Each entry
// is a blob referenced by an image record named "<prefix>/<key>", so it
// survives garbage collection until deleted.
type ContainerdStore struct {
	client *containerd.Client
	prefix string

	content contentStore
	images  imageStore
	now     func() time.Time
}

var _ Store = (*ContainerdStore)(nil)

// NewContainerdStore connects to the containerd daemon at socket. Entries
// are registered in namespace (DefaultNamespace when empty) with image names
// starting with prefix.
func NewContainerdStore(socket, namespace, prefix string) (*ContainerdStore, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	client, err := containerd.New(socket, containerd.WithDefaultNamespace(namespace))
	if err != nil {
		return nil, fmt.Errorf("create containerd client: %w", err)
	}
	return &ContainerdStore{
		client:  client,
		prefix:  prefix,
		content: client.ContentStore(),
		images:  client.ImageService(),
		now:     time.Now,
	}, nil
}

// Close closes the containerd client connection.
func (s *ContainerdStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

func (s *ContainerdStore) imageName(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

func (s *ContainerdStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	img, err := s.images.Get(ctx, s.imageName(key))
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("get cache image %s: %w", key, err)
	}
	data, err := content.ReadBlob(ctx, s.content, img.Target)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("read cache blob %s: %w", img.Target.Digest, err)
	}
	if err := descriptor.Verify(img.Target, data); err != nil {
		return nil, fmt.Errorf("cache entry %s: %w", key, err)
	}
	return data, nil
}

func (s *ContainerdStore) Put(ctx context.Context, key string, data []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if s.client != nil {
		lctx, done, err := s.client.WithLease(ctx)
		if err != nil {
			return fmt.Errorf("create lease: %w", err)
		}
		defer done(context.WithoutCancel(ctx))
		ctx = lctx
	}
	desc := descriptor.FromBytes(EntryMediaType, data)
	ref := "modreg-" + desc.Digest.Encoded()
	if err := content.WriteBlob(ctx, s.content, ref, bytes.NewReader(data), desc); err != nil {
		return fmt.Errorf("write cache blob: %w", err)
	}
	if _, err := s.content.Update(ctx, content.Info{
		Digest: desc.Digest,
		Labels: map[string]string{gcRootLabel: s.now().UTC().Format(time.RFC3339)},
	}, "labels."+gcRootLabel); err != nil {
		return fmt.Errorf("mark cache blob root %s: %w", desc.Digest, err)
	}

	img := images.Image{Name: s.imageName(key), Target: desc}
	if _, err := s.images.Create(ctx, img); err != nil {
		if !errdefs.IsAlreadyExists(err) {
			return fmt.Errorf("create cache image: %w", err)
		}
		if _, err := s.images.Update(ctx, img, "target"); err != nil {
			return fmt.Errorf("update cache image: %w", err)
		}
	}
	return nil
}

func (s *ContainerdStore) Has(ctx context.Context, key string) bool {
	if ValidateKey(key) != nil {
		return false
	}
	img, err := s.images.Get(ctx, s.imageName(key))
	if err != nil {
		return false
	}
	_, err = s.content.Info(ctx, img.Target.Digest)
	return err == nil
}

// Delete removes the image record of key and releases its blob for garbage
// collection.
func (s *ContainerdStore) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	img, err := s.images.Get(ctx, s.imageName(key))
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("get cache image %s: %w", key, err)
	}
	if err := s.images.Delete(ctx, img.Name); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("delete cache image %s: %w", key, err)
	}
	if _, err := s.content.Update(ctx, content.Info{Digest: img.Target.Digest}, "labels."+gcRootLabel); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("release cache blob %s: %w", img.Target.Digest, err)
	}
	return nil
}
