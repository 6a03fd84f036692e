// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/content"
	"github.com/containerd/containerd/images"
	"github.com/containerd/errdefs"
	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"tailscale.com/syncs"
)

// DefaultContainerdHost is the image name prefix used when none is given.
const DefaultContainerdHost = "modreg.local"

const (
	labelContentType = "containerd.io/content/type"
	labelGCRoot      = "containerd.io/gc.root"
)

// ContainerdStorage implements Storage using containerd's content and image
// stores. Blobs and manifests live in the content store; every tag is
// registered as an image named <host>/<repo>:<tag> so pushed artifacts
// show up in `ctr images list` and are protected from garbage collection.
type ContainerdStorage struct {
	client   *containerd.Client
	host     string
	bgCtx    context.Context
	cancelBg context.CancelFunc

	contentStore containerdContentStore
	imageStore   containerdImageStore
	withLease    func(context.Context) (context.Context, func(context.Context) error, error)
	logf         func(format string, args ...any)

	uploads syncs.Map[string, *containerdUpload]
}

type containerdUpload struct {
	writer  content.Writer
	release func(context.Context) error
}

type containerdContentStore interface {
	content.Ingester
	Info(ctx context.Context, dg digest.Digest) (content.Info, error)
	ReaderAt(ctx context.Context, desc ocispec.Descriptor) (content.ReaderAt, error)
	Update(ctx context.Context, info content.Info, fieldpaths ...string) (content.Info, error)
	Delete(ctx context.Context, dg digest.Digest) error
	Abort(ctx context.Context, ref string) error
}

type containerdImageStore interface {
	Get(ctx context.Context, name string) (images.Image, error)
	List(ctx context.Context, filters ...string) ([]images.Image, error)
	Create(ctx context.Context, image images.Image) (images.Image, error)
	Update(ctx context.Context, image images.Image, fieldpaths ...string) (images.Image, error)
	Delete(ctx context.Context, name string, opts ...images.DeleteOpt) error
}

var _ Storage = (*ContainerdStorage)(nil)

// NewContainerdStorage connects to the containerd daemon at socket and stores
// content in namespace. host prefixes every registered image name.
func NewContainerdStorage(socket, namespace, host string) (*ContainerdStorage, error) {
	if namespace == "" {
		namespace = "modreg"
	}
	if host == "" {
		host = DefaultContainerdHost
	}
	client, err := containerd.New(socket, containerd.WithDefaultNamespace(namespace))
	if err != nil {
		return nil, fmt.Errorf("create containerd client: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ContainerdStorage{
		client:       client,
		host:         host,
		bgCtx:        ctx,
		cancelBg:     cancel,
		contentStore: client.ContentStore(),
		imageStore:   client.ImageService(),
		withLease: func(ctx context.Context) (context.Context, func(context.Context) error, error) {
			return client.WithLease(ctx)
		},
		logf: func(string, ...any) {},
	}, nil
}

// Close closes the containerd client connection.
func (s *ContainerdStorage) Close() error {
	if s.cancelBg != nil {
		s.cancelBg()
	}
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

func (s *ContainerdStorage) imageName(repo, reference string) string {
	return s.imagePrefix(repo) + reference
}

func (s *ContainerdStorage) imagePrefix(repo string) string {
	return s.host + "/" + strings.Trim(repo, "/") + ":"
}

type readAtCloserAsReader struct {
	io.ReaderAt
	io.Closer
	offset int64
}

func (r *readAtCloserAsReader) Read(p []byte) (int, error) {
	n, err := r.ReaderAt.ReadAt(p, r.offset)
	r.offset += int64(n)
	return n, err
}

// GetBlob retrieves a blob by digest as a stream.
func (s *ContainerdStorage) GetBlob(ctx context.Context, dg string) (io.ReadCloser, error) {
	r, err := s.contentStore.ReaderAt(ctx, ocispec.Descriptor{Digest: digest.Digest(dg)})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, ErrBlobNotFound
		}
		return nil, fmt.Errorf("get blob from containerd: %w", err)
	}
	return &readAtCloserAsReader{ReaderAt: r, Closer: r}, nil
}

// BlobExists reports whether a blob is present and readable.
func (s *ContainerdStorage) BlobExists(ctx context.Context, dg string) bool {
	if _, err := s.contentStore.Info(ctx, digest.Digest(dg)); err != nil {
		return false
	}
	ra, err := s.contentStore.ReaderAt(ctx, ocispec.Descriptor{Digest: digest.Digest(dg)})
	if err != nil {
		return false
	}
	ra.Close()
	return true
}

// BlobSize returns the size of a blob by digest.
func (s *ContainerdStorage) BlobSize(ctx context.Context, dg string) (int64, error) {
	info, err := s.contentStore.Info(ctx, digest.Digest(dg))
	if err != nil {
		if errdefs.IsNotFound(err) {
			return 0, ErrBlobNotFound
		}
		return 0, fmt.Errorf("get blob info from containerd: %w", err)
	}
	return info.Size, nil
}

// DeleteBlob removes a blob.
func (s *ContainerdStorage) DeleteBlob(ctx context.Context, dg string) error {
	if err := s.contentStore.Delete(ctx, digest.Digest(dg)); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("delete blob from containerd: %w", err)
	}
	return nil
}

// GetManifest retrieves a manifest by digest from the content store or by tag
// from the image store.
func (s *ContainerdStorage) GetManifest(ctx context.Context, repo, reference string) (*ManifestMetadata, error) {
	var desc ocispec.Descriptor
	if isDigest(reference) {
		dg := digest.Digest(reference)
		info, err := s.contentStore.Info(ctx, dg)
		if err != nil {
			if errdefs.IsNotFound(err) {
				return nil, ErrManifestNotFound
			}
			return nil, fmt.Errorf("get manifest info from containerd: %w", err)
		}
		desc = ocispec.Descriptor{
			MediaType: info.Labels[labelContentType],
			Digest:    dg,
			Size:      info.Size,
		}
	} else {
		img, err := s.imageStore.Get(ctx, s.imageName(repo, reference))
		if err != nil {
			if errdefs.IsNotFound(err) {
				return nil, ErrManifestNotFound
			}
			return nil, fmt.Errorf("get image from containerd: %w", err)
		}
		desc = img.Target
	}
	blob, err := content.ReadBlob(ctx, s.contentStore, desc)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, ErrManifestNotFound
		}
		return nil, fmt.Errorf("read manifest %s from containerd: %w", desc.Digest, err)
	}
	return &ManifestMetadata{
		MediaType: desc.MediaType,
		Digest:    desc.Digest.String(),
		Size:      int64(len(blob)),
		Data:      io.NopCloser(bytes.NewReader(blob)),
	}, nil
}

// manifestLabels returns the content labels that keep a manifest's children
// alive for as long as the manifest itself.
func manifestLabels(data []byte, mediaType string) (map[string]string, error) {
	labels := map[string]string{labelContentType: mediaType}
	switch mediaType {
	case ocispec.MediaTypeImageManifest:
		var m ocispec.Manifest
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("unmarshal manifest: %w", err)
		}
		labels["containerd.io/gc.ref.content.config"] = m.Config.Digest.String()
		for i, l := range m.Layers {
			labels[fmt.Sprintf("containerd.io/gc.ref.content.l.%d", i)] = l.Digest.String()
		}
	case ocispec.MediaTypeImageIndex:
		var idx ocispec.Index
		if err := json.Unmarshal(data, &idx); err != nil {
			return nil, fmt.Errorf("unmarshal index: %w", err)
		}
		for i, m := range idx.Manifests {
			labels[fmt.Sprintf("containerd.io/gc.ref.content.m.%d", i)] = m.Digest.String()
		}
	default:
		return nil, fmt.Errorf("unsupported media type: %s", mediaType)
	}
	return labels, nil
}

// PutManifest stores a manifest in the content store and, for a tag
// reference, registers it as an image.
func (s *ContainerdStorage) PutManifest(ctx context.Context, repo, reference string, data []byte, mediaType string) (_ string, err error) {
	labels, err := manifestLabels(data, mediaType)
	if err != nil {
		return "", err
	}
	dg := digest.FromBytes(data)

	upload, err := s.NewUpload(ctx)
	if err != nil {
		return "", fmt.Errorf("new upload: %w", err)
	}
	defer func() {
		if err != nil {
			s.AbortUpload(ctx, upload.UUID)
		}
	}()
	if _, err := s.CopyChunk(ctx, upload.UUID, bytes.NewReader(data)); err != nil {
		return "", err
	}
	if _, err := s.CompleteUpload(ctx, upload.UUID, dg.String()); err != nil {
		return "", fmt.Errorf("complete upload: %w", err)
	}

	fields := make([]string, 0, len(labels))
	for k := range labels {
		fields = append(fields, "labels."+k)
	}
	if _, err := s.contentStore.Update(ctx, content.Info{Digest: dg, Labels: labels}, fields...); err != nil {
		return "", fmt.Errorf("label manifest: %w", err)
	}

	if reference == dg.String() {
		return dg.String(), nil
	}
	img := images.Image{
		Name: s.imageName(repo, reference),
		Target: ocispec.Descriptor{
			MediaType: mediaType,
			Digest:    dg,
			Size:      int64(len(data)),
		},
	}
	if _, err := s.imageStore.Create(ctx, img); err != nil {
		if !errdefs.IsAlreadyExists(err) {
			return "", fmt.Errorf("create image: %w", err)
		}
		if _, err := s.imageStore.Update(ctx, img, "target"); err != nil {
			return "", fmt.Errorf("update image: %w", err)
		}
	}
	return dg.String(), nil
}

// ManifestExists checks if a manifest exists.
func (s *ContainerdStorage) ManifestExists(ctx context.Context, repo, reference string) bool {
	if isDigest(reference) {
		_, err := s.contentStore.Info(ctx, digest.Digest(reference))
		return err == nil
	}
	_, err := s.imageStore.Get(ctx, s.imageName(repo, reference))
	return err == nil
}

// DeleteManifest removes a manifest by digest or untags it by tag.
func (s *ContainerdStorage) DeleteManifest(ctx context.Context, repo, reference string) error {
	var err error
	if isDigest(reference) {
		err = s.contentStore.Delete(ctx, digest.Digest(reference))
	} else {
		err = s.imageStore.Delete(ctx, s.imageName(repo, reference))
	}
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("delete manifest from containerd: %w", err)
	}
	return nil
}

// ListTags returns the tags registered for repo.
func (s *ContainerdStorage) ListTags(ctx context.Context, repo string) ([]string, error) {
	imgs, err := s.imageStore.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	prefix := s.imagePrefix(repo)
	var tags []string
	for _, img := range imgs {
		if tag, ok := strings.CutPrefix(img.Name, prefix); ok && tag != "" && !strings.ContainsAny(tag, "/:") {
			tags = append(tags, tag)
		}
	}
	slices.Sort(tags)
	return tags, nil
}

// NewUpload creates a new upload session.
func (s *ContainerdStorage) NewUpload(_ context.Context) (*UploadSession, error) {
	// Uploads span several requests, so they are tied to the storage lifetime
	// rather than the request context.
	ctx, release, err := s.withLease(s.bgCtx)
	if err != nil {
		return nil, fmt.Errorf("create lease: %w", err)
	}
	id := uuid.New().String()
	w, err := content.OpenWriter(ctx, s.contentStore, content.WithRef("upload-"+id))
	if err != nil {
		release(s.bgCtx)
		return nil, fmt.Errorf("open writer: %w", err)
	}
	s.uploads.Store(id, &containerdUpload{writer: w, release: release})
	return &UploadSession{UUID: id}, nil
}

// GetUpload retrieves an upload session.
func (s *ContainerdStorage) GetUpload(_ context.Context, id string) (*UploadSession, error) {
	fu, ok := s.uploads.Load(id)
	if !ok {
		return nil, ErrUploadNotFound
	}
	st, err := fu.writer.Status()
	if err != nil {
		return nil, fmt.Errorf("get status: %w", err)
	}
	return &UploadSession{UUID: id, Written: st.Offset}, nil
}

// CopyChunk copies a chunk to an upload session.
func (s *ContainerdStorage) CopyChunk(ctx context.Context, id string, r io.Reader) (*UploadSession, error) {
	fu, ok := s.uploads.Load(id)
	if !ok {
		return nil, ErrUploadNotFound
	}
	if _, err := io.Copy(fu.writer, r); err != nil {
		return nil, fmt.Errorf("copy chunk: %w", err)
	}
	st, err := fu.writer.Status()
	if err != nil {
		return nil, fmt.Errorf("writer status: %w", err)
	}
	return &UploadSession{UUID: id, Written: st.Offset}, nil
}

// CompleteUpload commits an upload session under expectedDigest.
func (s *ContainerdStorage) CompleteUpload(ctx context.Context, id, expectedDigest string) (dg string, err error) {
	fu, ok := s.uploads.LoadAndDelete(id)
	if !ok {
		return "", ErrUploadNotFound
	}
	defer func() {
		if fu.release == nil {
			return
		}
		if rerr := fu.release(s.bgCtx); rerr != nil {
			err = errors.Join(err, fmt.Errorf("release lease: %w", rerr))
		}
	}()

	if err := fu.writer.Commit(ctx, 0, digest.Digest(expectedDigest)); err != nil {
		switch {
		case errdefs.IsAlreadyExists(err):
		case errdefs.IsFailedPrecondition(err):
			s.contentStore.Abort(s.bgCtx, "upload-"+id)
			return "", fmt.Errorf("%w: %v", ErrDigestMismatch, err)
		default:
			return "", fmt.Errorf("commit upload: %w", err)
		}
	}
	dg = expectedDigest
	if err := s.markContentRoot(digest.Digest(dg)); err != nil {
		return "", err
	}
	return dg, nil
}

func (s *ContainerdStorage) markContentRoot(dg digest.Digest) error {
	labels := map[string]string{
		labelGCRoot: time.Now().UTC().Format(time.RFC3339),
	}
	if _, err := s.contentStore.Update(s.bgCtx, content.Info{Digest: dg, Labels: labels}, "labels."+labelGCRoot); err != nil {
		return fmt.Errorf("mark content root %s: %w", dg, err)
	}
	return nil
}

// AbortUpload removes an upload session.
func (s *ContainerdStorage) AbortUpload(ctx context.Context, id string) error {
	fu, ok := s.uploads.LoadAndDelete(id)
	if !ok {
		return ErrUploadNotFound
	}
	if err := fu.writer.Close(); err != nil {
		s.logf("error closing upload writer: %v", err)
	}
	if err := fu.release(s.bgCtx); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	if err := s.contentStore.Abort(ctx, "upload-"+id); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("abort upload: %w", err)
	}
	return nil
}
