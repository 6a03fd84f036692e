// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package descriptor provides content-addressed identity for blobs.
//
// Digests are always sha256 in "<algorithm>:<lowercase-hex>" form. Two
// byte-identical blobs yield the same digest.
package descriptor

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// ErrDigestMismatch indicates content does not hash to the expected digest.
var ErrDigestMismatch = errors.New("digest mismatch")

// ErrSizeMismatch indicates content length differs from the descriptor size.
var ErrSizeMismatch = errors.New("size mismatch")

// FromBytes returns a descriptor for data with the given media type.
func FromBytes(mediaType string, data []byte) ocispec.Descriptor {
	return ocispec.Descriptor{
		MediaType: mediaType,
		Digest:    digest.SHA256.FromBytes(data),
		Size:      int64(len(data)),
	}
}

// FromReader hashes r and returns a descriptor with its size.
func FromReader(mediaType string, r io.Reader) (ocispec.Descriptor, error) {
	dg := digest.SHA256.Digester()
	n, err := io.Copy(dg.Hash(), r)
	if err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("hash content: %w", err)
	}
	return ocispec.Descriptor{
		MediaType: mediaType,
		Digest:    dg.Digest(),
		Size:      n,
	}, nil
}

// Parse validates s as a digest string.
func Parse(s string) (digest.Digest, error) {
	d, err := digest.Parse(s)
	if err != nil {
		return "", fmt.Errorf("parse digest %q: %w", s, err)
	}
	return d, nil
}

// IsDigest reports whether s is a well-formed digest reference.
func IsDigest(s string) bool {
	_, err := digest.Parse(s)
	return err == nil
}

// Verify checks that data matches desc. It returns an error wrapping
// ErrDigestMismatch or ErrSizeMismatch on failure.
func Verify(desc ocispec.Descriptor, data []byte) error {
	if desc.Size >= 0 && int64(len(data)) != desc.Size {
		return fmt.Errorf("%w: %s has %d bytes, want %d", ErrSizeMismatch, desc.Digest, len(data), desc.Size)
	}
	return VerifyDigest(desc.Digest, data)
}

// VerifyDigest checks that data hashes to want.
func VerifyDigest(want digest.Digest, data []byte) error {
	if err := want.Validate(); err != nil {
		return fmt.Errorf("%w: invalid digest %q: %v", ErrDigestMismatch, want, err)
	}
	v := want.Verifier()
	if _, err := io.Copy(v, bytes.NewReader(data)); err != nil {
		return err
	}
	if !v.Verified() {
		return fmt.Errorf("%w: content does not hash to %s", ErrDigestMismatch, want)
	}
	return nil
}

// Equal reports whether two descriptors identify the same content.
func Equal(a, b ocispec.Descriptor) bool {
	return a.Digest == b.Digest && a.Size == b.Size && a.MediaType == b.MediaType
}

// Short returns the first n hex characters of d's encoded part.
func Short(d digest.Digest, n int) string {
	enc := d.Encoded()
	if n > 0 && len(enc) > n {
		return enc[:n]
	}
	return enc
}
