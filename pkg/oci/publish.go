// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package oci

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/opencontainers/go-digest"
	"github.com/opencontainers/image-spec/specs-go"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/yeetrun/modreg/pkg/auth"
	"github.com/yeetrun/modreg/pkg/descriptor"
	"github.com/yeetrun/modreg/pkg/registry"
	"golang.org/x/sync/errgroup"
)

// Layer is one layer to publish.
type Layer struct {
	MediaType   string
	Data        []byte
	Annotations map[string]string
}

// Descriptor returns the content descriptor of l.
func (l Layer) Descriptor() ocispec.Descriptor {
	d := descriptor.FromBytes(l.MediaType, l.Data)
	d.Annotations = l.Annotations
	return d
}

// BuildManifest returns the module manifest for config and layers and its
// canonical encoding. It is deterministic: no timestamps are recorded.
func BuildManifest(config []byte, layers []Layer) (ocispec.Manifest, []byte, error) {
	m := ocispec.Manifest{
		Versioned:    specs.Versioned{SchemaVersion: 2},
		MediaType:    ocispec.MediaTypeImageManifest,
		ArtifactType: ArtifactType,
		Config:       descriptor.FromBytes(ConfigMediaType, config),
		Layers:       make([]ocispec.Descriptor, 0, len(layers)),
	}
	for _, l := range layers {
		m.Layers = append(m.Layers, l.Descriptor())
	}
	b, err := json.Marshal(m)
	if err != nil {
		return ocispec.Manifest{}, nil, fmt.Errorf("encode manifest: %w", err)
	}
	return m, b, nil
}

// Publish uploads config and layers to ref's repository and tags the
// resulting manifest with ref.Tag. Blobs already present are not uploaded
// again. The manifest is written only after every blob is in place. It
// returns the manifest digest.
func (c *Client) Publish(ctx context.Context, ref Reference, config []byte, layers []Layer) (digest.Digest, error) {
	if ref.Tag == "" {
		return "", fmt.Errorf("publish %s: %w: a tag is required", ref, ErrInvalidReference)
	}
	if len(layers) == 0 {
		return "", fmt.Errorf("publish %s: no layers", ref)
	}
	if err := c.requirePushCredential(ctx); err != nil {
		return "", fmt.Errorf("publish %s: %w", ref, err)
	}
	m, body, err := BuildManifest(config, layers)
	if err != nil {
		return "", err
	}

	type blob struct {
		desc ocispec.Descriptor
		data []byte
	}
	blobs := []blob{{m.Config, config}}
	for i, l := range layers {
		blobs = append(blobs, blob{m.Layers[i], l.Data})
	}
	seen := make(map[digest.Digest]bool)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for _, b := range blobs {
		if seen[b.desc.Digest] {
			continue
		}
		seen[b.desc.Digest] = true
		g.Go(func() error {
			return c.ensureBlob(gctx, ref, b.desc, b.data)
		})
	}
	if err := g.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", fmt.Errorf("publish %s: %w", ref, err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	want := digest.FromBytes(body)
	got, err := c.putManifest(ctx, ref, ref.Tag, body, m.MediaType)
	if err != nil {
		return "", fmt.Errorf("publish %s: %w", ref, err)
	}
	if got != "" && got != want {
		return "", fmt.Errorf("publish %s: %w: registry stored manifest as %s, want %s", ref, ErrDigestMismatch, got, want)
	}
	c.logf("oci: published %s@%s", ref, want)
	return want, nil
}

// requirePushCredential fails when the client is anonymous. Registries do
// not accept anonymous pushes, so no request is made without a credential.
// Other provider failures are left to the registry's challenge.
func (c *Client) requirePushCredential(ctx context.Context) error {
	_, err := c.creds.GetToken(ctx, []string{auth.AudienceScope(c.audience)})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, auth.ErrAuthenticationRequired):
		return fmt.Errorf("%w: %w", ErrRegistryAuthenticationFailed, err)
	case ctx.Err() != nil:
		return ctx.Err()
	}
	c.logf("oci: credential provider failed, pushing without a credential: %v", err)
	return nil
}

// BlobExists reports whether the repository has the blob.
func (c *Client) BlobExists(ctx context.Context, ref Reference, dg digest.Digest) (bool, error) {
	resp, err := c.do(ctx, &request{
		method: http.MethodHead,
		host:   ref.Registry,
		target: registry.BlobPath(ref.Repository, dg.String()),
		scope:  auth.PushScope(ref.Repository),
	}, http.StatusOK, http.StatusNotFound)
	if err != nil {
		return false, err
	}
	drain(resp)
	return resp.StatusCode == http.StatusOK, nil
}

// ensureBlob uploads data unless the registry already has it.
func (c *Client) ensureBlob(ctx context.Context, ref Reference, desc ocispec.Descriptor, data []byte) error {
	ok, err := c.BlobExists(ctx, ref, desc.Digest)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	return c.uploadBlob(ctx, ref, desc, data)
}

// uploadBlob runs a monolithic upload: POST to open a session, PUT the
// content with its digest. A failed session is never resumed; a retry
// opens a new one.
func (c *Client) uploadBlob(ctx context.Context, ref Reference, desc ocispec.Descriptor, data []byte) error {
	scope := auth.PushScope(ref.Repository)
	err := c.retryDo(ctx, "upload "+desc.Digest.String(), func() error {
		resp, err := c.attempt(ctx, &request{
			method: http.MethodPost,
			host:   ref.Registry,
			target: registry.UploadsPath(ref.Repository),
			scope:  scope,
		}, http.StatusAccepted, http.StatusCreated)
		if err != nil {
			return err
		}
		drain(resp)
		if resp.StatusCode == http.StatusCreated {
			return nil
		}
		loc := resp.Header.Get("Location")
		if loc == "" {
			return fmt.Errorf("%w: registry returned no upload location", ErrBlobUploadFailed)
		}
		resp, err = c.attempt(ctx, &request{
			method: http.MethodPut,
			host:   ref.Registry,
			target: loc,
			query:  url.Values{"digest": {desc.Digest.String()}},
			header: http.Header{"Content-Type": {"application/octet-stream"}},
			body:   data,
			scope:  scope,
		}, http.StatusCreated)
		if err != nil {
			return err
		}
		drain(resp)
		return nil
	})
	if err != nil {
		var re *ResponseError
		if errors.As(err, &re) && !IsRetryable(err) && !errors.Is(err, ErrRegistryAuthenticationFailed) {
			return fmt.Errorf("%w: %s: %w", ErrBlobUploadFailed, desc.Digest, err)
		}
		return err
	}
	return nil
}

// putManifest stores body under reference and returns the digest reported
// by the registry, if any.
func (c *Client) putManifest(ctx context.Context, ref Reference, reference string, body []byte, mediaType string) (digest.Digest, error) {
	resp, err := c.do(ctx, &request{
		method: http.MethodPut,
		host:   ref.Registry,
		target: registry.ManifestPath(ref.Repository, reference),
		header: http.Header{"Content-Type": {mediaType}},
		body:   body,
		scope:  auth.PushScope(ref.Repository),
	}, http.StatusCreated, http.StatusOK)
	if err != nil {
		return "", err
	}
	drain(resp)
	h := resp.Header.Get("Docker-Content-Digest")
	if h == "" {
		return "", nil
	}
	dg, err := digest.Parse(h)
	if err != nil {
		return "", fmt.Errorf("%w: registry returned malformed digest %q", ErrDigestMismatch, h)
	}
	return dg, nil
}
