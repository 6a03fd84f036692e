// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package registry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	"github.com/yeetrun/modreg/pkg/descriptor"
	"github.com/yeetrun/modreg/pkg/fileutil"
	"tailscale.com/syncs"
)

var (
	ErrBlobNotFound     = errors.New("blob not found")
	ErrManifestNotFound = errors.New("manifest not found")
	ErrUploadNotFound   = errors.New("upload not found")
	ErrDigestMismatch   = descriptor.ErrDigestMismatch
)

// ManifestMetadata is a stored manifest. The caller closes Data.
type ManifestMetadata struct {
	MediaType string
	Digest    string
	Size      int64
	Data      io.ReadCloser
}

// Storage is the content store behind a Registry. Blobs are global and
// addressed by digest; manifests and tags are scoped to a repository.
type Storage interface {
	GetBlob(ctx context.Context, digest string) (io.ReadCloser, error)
	BlobSize(ctx context.Context, digest string) (int64, error)
	BlobExists(ctx context.Context, digest string) bool
	DeleteBlob(ctx context.Context, digest string) error

	// GetManifest resolves reference, a tag or a digest, within repo.
	GetManifest(ctx context.Context, repo, reference string) (*ManifestMetadata, error)
	// PutManifest stores data under its digest and, when reference is a
	// tag, points the tag at it.
	PutManifest(ctx context.Context, repo, reference string, data []byte, mediaType string) (digest string, err error)
	ManifestExists(ctx context.Context, repo, reference string) bool
	DeleteManifest(ctx context.Context, repo, reference string) error
	// ListTags returns the tags of repo in no particular order.
	ListTags(ctx context.Context, repo string) ([]string, error)

	NewUpload(ctx context.Context) (*UploadSession, error)
	GetUpload(ctx context.Context, uuid string) (*UploadSession, error)
	CopyChunk(ctx context.Context, uuid string, r io.Reader) (*UploadSession, error)
	// CompleteUpload verifies the upload against expectedDigest and moves
	// it into the blob store.
	CompleteUpload(ctx context.Context, uuid, expectedDigest string) (string, error)
	AbortUpload(ctx context.Context, uuid string) error
}

// UploadSession is the state of a blob upload.
type UploadSession struct {
	UUID    string
	Written int64
}

// FilesystemStorage is a Storage below a root directory:
//
//	blobs/sha256/ab/abcd...                  blob and manifest content
//	repositories/<repo>/_manifests/<digest>  media type of a manifest in repo
//	repositories/<repo>/_tags/<tag>          digest the tag points at
//	uploads/<uuid>                           in-progress uploads
//
// Manifest content lives in the blob store so a manifest pushed to several
// repositories is stored once.
type FilesystemStorage struct {
	root    string
	uploads syncs.Map[string, *pendingUpload]
	logf    func(format string, args ...any)
}

type pendingUpload struct {
	mu      sync.Mutex
	id      string
	file    *os.File
	hash    digest.Digester
	written int64
}

func (p *pendingUpload) session() *UploadSession {
	return &UploadSession{UUID: p.id, Written: p.written}
}

var _ Storage = (*FilesystemStorage)(nil)

// NewFilesystemStorage returns a FilesystemStorage rooted at root, creating
// its directories as needed.
func NewFilesystemStorage(root string) (*FilesystemStorage, error) {
	for _, dir := range []string{"blobs", "repositories", "uploads"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("registry storage: %w", err)
		}
	}
	return &FilesystemStorage{root: root, logf: func(string, ...any) {}}, nil
}

func (s *FilesystemStorage) blobFile(dg string) string {
	d := digest.Digest(dg)
	if d.Validate() != nil {
		return filepath.Join(s.root, "blobs", "invalid", filepath.Base(dg))
	}
	hex := d.Encoded()
	return filepath.Join(s.root, "blobs", d.Algorithm().String(), hex[:2], hex)
}

func (s *FilesystemStorage) repoDir(repo string) string {
	return filepath.Join(s.root, "repositories", filepath.FromSlash(repo))
}

func (s *FilesystemStorage) linkFile(repo, dg string) string {
	d := digest.Digest(dg)
	return filepath.Join(s.repoDir(repo), "_manifests", d.Algorithm().String(), d.Encoded())
}

func (s *FilesystemStorage) tagFile(repo, tag string) string {
	return filepath.Join(s.repoDir(repo), "_tags", tag)
}

func (s *FilesystemStorage) GetBlob(ctx context.Context, dg string) (io.ReadCloser, error) {
	f, err := os.Open(s.blobFile(dg))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrBlobNotFound
	}
	return f, err
}

func (s *FilesystemStorage) BlobExists(ctx context.Context, dg string) bool {
	_, err := s.BlobSize(ctx, dg)
	return err == nil
}

func (s *FilesystemStorage) BlobSize(ctx context.Context, dg string) (int64, error) {
	fi, err := os.Stat(s.blobFile(dg))
	if errors.Is(err, fs.ErrNotExist) {
		return 0, ErrBlobNotFound
	}
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func (s *FilesystemStorage) DeleteBlob(ctx context.Context, dg string) error {
	return removeIfExists(s.blobFile(dg))
}

// resolve returns the digest reference names in repo.
func (s *FilesystemStorage) resolve(repo, reference string) (string, error) {
	if isDigest(reference) {
		return reference, nil
	}
	b, err := os.ReadFile(s.tagFile(repo, reference))
	if errors.Is(err, fs.ErrNotExist) {
		return "", ErrManifestNotFound
	}
	if err != nil {
		return "", err
	}
	dg := strings.TrimSpace(string(b))
	if !isDigest(dg) {
		return "", fmt.Errorf("tag %s: corrupt link %q", reference, dg)
	}
	return dg, nil
}

func (s *FilesystemStorage) GetManifest(ctx context.Context, repo, reference string) (*ManifestMetadata, error) {
	dg, err := s.resolve(repo, reference)
	if err != nil {
		return nil, err
	}
	mediaType, err := os.ReadFile(s.linkFile(repo, dg))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrManifestNotFound
	}
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.blobFile(dg))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrManifestNotFound
	}
	if err != nil {
		return nil, err
	}
	desc := descriptor.FromBytes(string(mediaType), data)
	if desc.Digest.String() != dg {
		return nil, fmt.Errorf("manifest %s: %w", dg, ErrDigestMismatch)
	}
	return &ManifestMetadata{
		MediaType: desc.MediaType,
		Digest:    dg,
		Size:      desc.Size,
		Data:      io.NopCloser(bytes.NewReader(data)),
	}, nil
}

func (s *FilesystemStorage) PutManifest(ctx context.Context, repo, reference string, data []byte, mediaType string) (string, error) {
	if mediaType == "" {
		return "", errors.New("put manifest: empty media type")
	}
	dg := digest.FromBytes(data).String()
	if !s.BlobExists(ctx, dg) {
		if err := fileutil.WriteFile(s.blobFile(dg), data, 0o644); err != nil {
			return "", fmt.Errorf("put manifest: %w", err)
		}
	}
	if err := fileutil.WriteFile(s.linkFile(repo, dg), []byte(mediaType), 0o644); err != nil {
		return "", fmt.Errorf("put manifest: %w", err)
	}
	if reference != dg {
		if err := fileutil.WriteFile(s.tagFile(repo, reference), []byte(dg), 0o644); err != nil {
			return "", fmt.Errorf("put manifest: tag %s: %w", reference, err)
		}
	}
	return dg, nil
}

func (s *FilesystemStorage) ManifestExists(ctx context.Context, repo, reference string) bool {
	mf, err := s.GetManifest(ctx, repo, reference)
	if err != nil {
		return false
	}
	mf.Data.Close()
	return true
}

// DeleteManifest removes a tag, or unlinks a digest from repo. Tags left
// pointing at an unlinked digest no longer resolve.
func (s *FilesystemStorage) DeleteManifest(ctx context.Context, repo, reference string) error {
	if isDigest(reference) {
		return removeIfExists(s.linkFile(repo, reference))
	}
	return removeIfExists(s.tagFile(repo, reference))
}

func (s *FilesystemStorage) ListTags(ctx context.Context, repo string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.repoDir(repo), "_tags"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	var tags []string
	for _, e := range entries {
		if e.Type().IsRegular() && !fileutil.IsTempName(e.Name()) {
			tags = append(tags, e.Name())
		}
	}
	return tags, nil
}

func removeIfExists(name string) error {
	if err := os.Remove(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *FilesystemStorage) NewUpload(ctx context.Context) (*UploadSession, error) {
	id := uuid.NewString()
	f, err := os.Create(filepath.Join(s.root, "uploads", id))
	if err != nil {
		return nil, fmt.Errorf("new upload: %w", err)
	}
	p := &pendingUpload{id: id, file: f, hash: digest.SHA256.Digester()}
	s.uploads.Store(id, p)
	return p.session(), nil
}

func (s *FilesystemStorage) GetUpload(ctx context.Context, id string) (*UploadSession, error) {
	p, ok := s.uploads.Load(id)
	if !ok {
		return nil, ErrUploadNotFound
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session(), nil
}

func (s *FilesystemStorage) CopyChunk(ctx context.Context, id string, r io.Reader) (*UploadSession, error) {
	p, ok := s.uploads.Load(id)
	if !ok {
		return nil, ErrUploadNotFound
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	n, err := io.Copy(io.MultiWriter(p.file, p.hash.Hash()), r)
	p.written += n
	if err != nil {
		return nil, fmt.Errorf("upload %s: %w", id, err)
	}
	return p.session(), nil
}

func (s *FilesystemStorage) CompleteUpload(ctx context.Context, id, expectedDigest string) (_ string, err error) {
	p, ok := s.uploads.LoadAndDelete(id)
	if !ok {
		return "", ErrUploadNotFound
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	name := p.file.Name()
	defer func() {
		if err != nil {
			os.Remove(name)
		}
	}()
	if err := errors.Join(p.file.Sync(), p.file.Close()); err != nil {
		return "", fmt.Errorf("upload %s: %w", id, err)
	}
	dg := p.hash.Digest().String()
	if dg != expectedDigest {
		return "", fmt.Errorf("%w: got %s, want %s", ErrDigestMismatch, dg, expectedDigest)
	}
	dst := s.blobFile(dg)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("upload %s: %w", id, err)
	}
	if err := os.Rename(name, dst); err != nil {
		return "", fmt.Errorf("upload %s: %w", id, err)
	}
	return dg, nil
}

func (s *FilesystemStorage) AbortUpload(ctx context.Context, id string) error {
	p, ok := s.uploads.LoadAndDelete(id)
	if !ok {
		return ErrUploadNotFound
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := errors.Join(p.file.Close(), os.Remove(p.file.Name())); err != nil {
		s.logf("registry: abort upload %s: %v", id, err)
	}
	return nil
}
