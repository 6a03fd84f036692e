// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package oci

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/yeetrun/modreg/pkg/descriptor"
	"github.com/yeetrun/modreg/pkg/registry"
)

var (
	// ErrRegistryAuthenticationFailed is returned when the registry rejects
	// the request after the token exchange, or no credential could be obtained.
	ErrRegistryAuthenticationFailed = errors.New("registry authentication failed")
	// ErrRegistryUnavailable covers network errors, 5xx and 429 responses.
	ErrRegistryUnavailable = errors.New("registry unavailable")
	// ErrBlobUploadFailed is returned when an upload session fails.
	ErrBlobUploadFailed = errors.New("blob upload failed")
	// ErrUnsupportedArtifact is returned when a manifest is not a module artifact.
	ErrUnsupportedArtifact = errors.New("unsupported artifact")
	// ErrNotFound is returned for unknown manifests, blobs and repositories.
	ErrNotFound = errors.New("not found in registry")
	// ErrDigestMismatch is returned when content does not match its descriptor.
	ErrDigestMismatch = descriptor.ErrDigestMismatch
)

// ResponseError describes an unexpected registry response.
type ResponseError struct {
	Method     string
	URL        string
	StatusCode int
	// Body is the decoded OCI error document, if the registry sent one.
	Body *registry.ErrorResponse

	kind error
}

func (e *ResponseError) Error() string {
	msg := fmt.Sprintf("%s %s: %d %s", e.Method, e.URL, e.StatusCode, http.StatusText(e.StatusCode))
	if e.Body != nil {
		msg += ": " + e.Body.Error()
	}
	if e.kind != nil {
		msg = e.kind.Error() + ": " + msg
	}
	return msg
}

func (e *ResponseError) Unwrap() error { return e.kind }

// HasCode reports whether the registry returned the OCI error code.
func (e *ResponseError) HasCode(code string) bool {
	return e.Body != nil && e.Body.HasCode(code)
}

// newResponseError consumes resp.Body.
func newResponseError(resp *http.Response) *ResponseError {
	defer resp.Body.Close()
	e := &ResponseError{
		StatusCode: resp.StatusCode,
		Body:       registry.ReadErrorResponse(resp.Body),
	}
	if resp.Request != nil {
		e.Method = resp.Request.Method
		e.URL = resp.Request.URL.Redacted()
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		e.kind = ErrRegistryAuthenticationFailed
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		e.kind = ErrRegistryUnavailable
	case resp.StatusCode == http.StatusNotFound:
		e.kind = ErrNotFound
	}
	return e
}

// IsRetryable reports whether err is transient and the operation may
// succeed if tried again.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return errors.Is(err, ErrRegistryUnavailable)
}
