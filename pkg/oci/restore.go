// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package oci

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/yeetrun/modreg/pkg/auth"
	"github.com/yeetrun/modreg/pkg/descriptor"
	"github.com/yeetrun/modreg/pkg/registry"
	"golang.org/x/sync/errgroup"
)

// maxManifestSize bounds downloaded manifests.
const maxManifestSize = 4 << 20

// Blob is downloaded, verified content.
type Blob struct {
	Descriptor ocispec.Descriptor
	Data       []byte
}

// Artifact is a restored module artifact. All of its content has been
// verified against the manifest.
type Artifact struct {
	Reference     Reference
	Digest        digest.Digest
	Manifest      ocispec.Manifest
	ManifestBytes []byte
	Config        []byte
	Layers        []Blob
}

// Layer returns the data of the first layer with mediaType.
func (a *Artifact) Layer(mediaType string) ([]byte, bool) {
	for _, l := range a.Layers {
		if l.Descriptor.MediaType == mediaType {
			return l.Data, true
		}
	}
	return nil, false
}

// Resolve returns the descriptor of the manifest ref points at. A digest
// reference is returned as is; a tag is resolved with a HEAD request,
// falling back to GET when the registry does not report the digest.
func (c *Client) Resolve(ctx context.Context, ref Reference) (ocispec.Descriptor, error) {
	if ref.Digest != "" {
		return ocispec.Descriptor{MediaType: ocispec.MediaTypeImageManifest, Digest: ref.Digest, Size: -1}, nil
	}
	resp, err := c.do(ctx, c.manifestRequest(http.MethodHead, ref, ref.Tag), http.StatusOK)
	if err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("resolve %s: %w", ref, err)
	}
	drain(resp)
	if dg, err := digest.Parse(resp.Header.Get("Docker-Content-Digest")); err == nil {
		size := int64(-1)
		if resp.ContentLength > 0 {
			size = resp.ContentLength
		} else if n, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64); err == nil && n > 0 {
			size = n
		}
		return ocispec.Descriptor{MediaType: mediaType(resp), Digest: dg, Size: size}, nil
	}
	body, mt, err := c.fetchManifest(ctx, ref, ref.Tag)
	if err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("resolve %s: %w", ref, err)
	}
	return descriptor.FromBytes(mt, body), nil
}

func mediaType(resp *http.Response) string {
	mt, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return ""
	}
	return mt
}

func (c *Client) manifestRequest(method string, ref Reference, reference string) *request {
	return &request{
		method: method,
		host:   ref.Registry,
		target: registry.ManifestPath(ref.Repository, reference),
		header: http.Header{"Accept": {ocispec.MediaTypeImageManifest}},
		scope:  auth.PullScope(ref.Repository),
	}
}

func (c *Client) fetchManifest(ctx context.Context, ref Reference, reference string) ([]byte, string, error) {
	var body []byte
	var mt string
	err := c.retryDo(ctx, "GET manifest "+reference, func() error {
		resp, err := c.attempt(ctx, c.manifestRequest(http.MethodGet, ref, reference), http.StatusOK)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		mt = mediaType(resp)
		body, err = io.ReadAll(io.LimitReader(resp.Body, maxManifestSize+1))
		if err != nil {
			return fmt.Errorf("%w: read manifest: %w", ErrRegistryUnavailable, err)
		}
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	if len(body) > maxManifestSize {
		return nil, "", fmt.Errorf("manifest exceeds %d bytes", maxManifestSize)
	}
	return body, mt, nil
}

// FetchManifest downloads and verifies the manifest ref points at.
func (c *Client) FetchManifest(ctx context.Context, ref Reference) (ocispec.Descriptor, ocispec.Manifest, []byte, error) {
	desc, err := c.Resolve(ctx, ref)
	if err != nil {
		return ocispec.Descriptor{}, ocispec.Manifest{}, nil, err
	}
	body, _, err := c.fetchManifest(ctx, ref, desc.Digest.String())
	if err != nil {
		return ocispec.Descriptor{}, ocispec.Manifest{}, nil, fmt.Errorf("fetch manifest %s: %w", ref, err)
	}
	if err := descriptor.VerifyDigest(desc.Digest, body); err != nil {
		return ocispec.Descriptor{}, ocispec.Manifest{}, nil, fmt.Errorf("fetch manifest %s: %w", ref, err)
	}
	if desc.Size >= 0 && int64(len(body)) != desc.Size {
		return ocispec.Descriptor{}, ocispec.Manifest{}, nil, fmt.Errorf("fetch manifest %s: %w: size %d, want %d", ref, ErrDigestMismatch, len(body), desc.Size)
	}
	desc.Size = int64(len(body))
	var m ocispec.Manifest
	if err := json.Unmarshal(body, &m); err != nil {
		return ocispec.Descriptor{}, ocispec.Manifest{}, nil, fmt.Errorf("fetch manifest %s: %w: %v", ref, ErrUnsupportedArtifact, err)
	}
	return desc, m, body, nil
}

// CheckManifest reports whether m describes a module artifact.
func CheckManifest(m ocispec.Manifest) error {
	if m.MediaType != "" && m.MediaType != ocispec.MediaTypeImageManifest {
		return fmt.Errorf("%w: manifest media type %q", ErrUnsupportedArtifact, m.MediaType)
	}
	if m.ArtifactType != "" && m.ArtifactType != ArtifactType {
		return fmt.Errorf("%w: artifact type %q", ErrUnsupportedArtifact, m.ArtifactType)
	}
	if m.Config.MediaType != ConfigMediaType {
		return fmt.Errorf("%w: config media type %q", ErrUnsupportedArtifact, m.Config.MediaType)
	}
	if len(m.Layers) == 0 {
		return fmt.Errorf("%w: no layers", ErrUnsupportedArtifact)
	}
	return nil
}

// Restore downloads the module artifact ref points at. The manifest,
// config and every layer are verified; corrupt content is never returned.
func (c *Client) Restore(ctx context.Context, ref Reference) (*Artifact, error) {
	desc, m, body, err := c.FetchManifest(ctx, ref)
	if err != nil {
		return nil, err
	}
	if err := CheckManifest(m); err != nil {
		return nil, fmt.Errorf("restore %s: %w", ref, err)
	}

	art := &Artifact{
		Reference:     ref.WithDigest(desc.Digest),
		Digest:        desc.Digest,
		Manifest:      m,
		ManifestBytes: body,
		Layers:        make([]Blob, len(m.Layers)),
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	g.Go(func() error {
		data, err := c.FetchBlob(gctx, ref, m.Config)
		art.Config = data
		return err
	})
	for i, l := range m.Layers {
		g.Go(func() error {
			data, err := c.FetchBlob(gctx, ref, l)
			art.Layers[i] = Blob{Descriptor: l, Data: data}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("restore %s: %w", ref, err)
	}
	return art, nil
}

// FetchBlob downloads desc from ref's repository and verifies it.
func (c *Client) FetchBlob(ctx context.Context, ref Reference, desc ocispec.Descriptor) ([]byte, error) {
	var data []byte
	err := c.retryDo(ctx, "GET blob "+desc.Digest.String(), func() error {
		resp, err := c.attempt(ctx, &request{
			method: http.MethodGet,
			host:   ref.Registry,
			target: registry.BlobPath(ref.Repository, desc.Digest.String()),
			scope:  auth.PullScope(ref.Repository),
		}, http.StatusOK)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		r := io.Reader(resp.Body)
		if desc.Size >= 0 {
			r = io.LimitReader(r, desc.Size+1)
		}
		data, err = io.ReadAll(r)
		if err != nil {
			return fmt.Errorf("%w: read blob: %w", ErrRegistryUnavailable, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := descriptor.Verify(desc, data); err != nil {
		if errors.Is(err, descriptor.ErrSizeMismatch) {
			err = fmt.Errorf("%w: %w", ErrDigestMismatch, err)
		}
		return nil, err
	}
	return data, nil
}
