// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package oci

import (
	"errors"
	"fmt"
	"strings"

	"github.com/opencontainers/go-digest"
	"github.com/yeetrun/modreg/pkg/registry"
)

// ErrInvalidReference is returned by ParseReference.
var ErrInvalidReference = errors.New("invalid artifact reference")

// ModuleScheme prefixes module references in source files, as in
// "br:example.azurecr.io/bicep/storage:v1".
const ModuleScheme = "br:"

// Reference names an artifact in a registry by tag, digest or both.
type Reference struct {
	Registry   string
	Repository string
	Tag        string
	Digest     digest.Digest
}

// ParseReference parses "host/repo:tag", "host/repo@sha256:..." or
// "host/repo:tag@sha256:...". The br: and oci:// prefixes are accepted.
func ParseReference(s string) (Reference, error) {
	bad := func(why string) (Reference, error) {
		return Reference{}, fmt.Errorf("%w: %q %s", ErrInvalidReference, s, why)
	}
	rest := strings.TrimPrefix(strings.TrimPrefix(s, ModuleScheme), "oci://")
	host, rest, ok := strings.Cut(rest, "/")
	if !ok || host == "" || !strings.ContainsAny(host, ".:") && host != "localhost" {
		return bad("has no registry host")
	}
	ref := Reference{Registry: host}
	if i := strings.IndexByte(rest, '@'); i >= 0 {
		dg, err := digest.Parse(rest[i+1:])
		if err != nil {
			return bad("has a malformed digest")
		}
		ref.Digest = dg
		rest = rest[:i]
	}
	if i := strings.LastIndexByte(rest, ':'); i >= 0 {
		ref.Tag = rest[i+1:]
		rest = rest[:i]
		if !registry.ValidTag(ref.Tag) {
			return bad("has an invalid tag")
		}
	}
	if !registry.ValidRepository(rest) {
		return bad("has an invalid repository name")
	}
	ref.Repository = rest
	if ref.Tag == "" && ref.Digest == "" {
		return bad("has neither tag nor digest")
	}
	return ref, nil
}

// Reference returns the digest when set and the tag otherwise.
func (r Reference) Reference() string {
	if r.Digest != "" {
		return r.Digest.String()
	}
	return r.Tag
}

// WithDigest returns a copy of r pinned to dg.
func (r Reference) WithDigest(dg digest.Digest) Reference {
	r.Digest = dg
	return r
}

// String formats r as host/repo[:tag][@digest].
func (r Reference) String() string {
	var b strings.Builder
	b.WriteString(r.Registry)
	b.WriteByte('/')
	b.WriteString(r.Repository)
	if r.Tag != "" {
		b.WriteByte(':')
		b.WriteString(r.Tag)
	}
	if r.Digest != "" {
		b.WriteByte('@')
		b.WriteString(r.Digest.String())
	}
	return b.String()
}
