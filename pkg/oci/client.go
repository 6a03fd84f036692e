// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package oci publishes and restores module artifacts in OCI registries.
//
// A module artifact is an image manifest with artifactType
// ArtifactType, an (usually empty) config blob of ConfigMediaType and one
// or more layers: the compiled template (TemplateLayerType) and optionally
// the packed sources (SourceLayerType). Everything downloaded is verified
// against its descriptor before it is returned.
package oci

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/yeetrun/modreg/pkg/auth"
	"github.com/yeetrun/modreg/pkg/backoff"
	"github.com/yeetrun/modreg/pkg/compress"
	"tailscale.com/syncs"
)

// Module artifact media types. They are part of the published contract and
// never change.
const (
	ArtifactType      = "application/vnd.ms.bicep.module.artifact"
	ConfigMediaType   = "application/vnd.ms.bicep.module.config.v1+json"
	TemplateLayerType = "application/vnd.ms.bicep.module.layer.v1+json"
	SourceLayerType   = "application/vnd.ms.bicep.module.source.v1+zip"
)

// DefaultAudience is the audience whose token is presented to registries.
const DefaultAudience = "https://management.azure.com"

// DefaultUploadConcurrency bounds parallel blob uploads in Publish.
const DefaultUploadConcurrency = 4

// tokenSkew is how long before expiry an exchanged token is replaced.
const tokenSkew = 10 * time.Second

// Client talks to OCI registries.
type Client struct {
	hc          *http.Client
	creds       auth.Provider
	audience    string
	exchanger   *auth.Exchanger
	retry       backoff.Policy
	plainHTTP   func(host string) bool
	concurrency int
	logf        func(format string, args ...any)
	now         func() time.Time

	// tokens holds exchanged registry tokens keyed by host and scope.
	tokens syncs.Map[string, auth.Token]
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client. Its transport is wrapped to
// negotiate compressed responses.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.hc = hc }
}

// WithCredentials sets the credential provider. Without one the client is
// anonymous.
func WithCredentials(p auth.Provider) Option {
	return func(c *Client) { c.creds = p }
}

// WithAudience sets the audience of tokens requested from the credential
// provider.
func WithAudience(audience string) Option {
	return func(c *Client) { c.audience = audience }
}

// WithRetry sets the retry policy for transient failures.
func WithRetry(p backoff.Policy) Option {
	return func(c *Client) { c.retry = p }
}

// WithPlainHTTP talks HTTP instead of HTTPS to every registry.
func WithPlainHTTP(plain bool) Option {
	return func(c *Client) { c.plainHTTP = func(string) bool { return plain } }
}

// WithPlainHTTPHosts talks HTTP to the listed hosts only.
func WithPlainHTTPHosts(hosts ...string) Option {
	return func(c *Client) {
		c.plainHTTP = func(h string) bool { return slices.Contains(hosts, h) }
	}
}

// WithUploadConcurrency bounds parallel blob uploads.
func WithUploadConcurrency(n int) Option {
	return func(c *Client) { c.concurrency = n }
}

// WithLogf sets the log function. It defaults to log.Printf.
func WithLogf(logf func(format string, args ...any)) Option {
	return func(c *Client) { c.logf = logf }
}

// New returns a Client.
func New(opts ...Option) *Client {
	c := &Client{
		hc:          http.DefaultClient,
		creds:       auth.Anonymous{},
		audience:    DefaultAudience,
		retry:       backoff.DefaultPolicy,
		plainHTTP:   func(string) bool { return false },
		concurrency: DefaultUploadConcurrency,
		logf:        log.Printf,
		now:         time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	c.exchanger = &auth.Exchanger{HTTPClient: c.hc}
	hc := *c.hc
	hc.Transport = &compress.Transport{Base: c.hc.Transport}
	c.hc = &hc
	if c.concurrency <= 0 {
		c.concurrency = 1
	}
	return c
}

// request is a replayable registry request.
type request struct {
	method string
	host   string
	// target is a path on host or an absolute URL.
	target string
	query  url.Values
	header http.Header
	body   []byte
	scope  string
}

func (c *Client) baseURL(host string) *url.URL {
	scheme := "https"
	if c.plainHTTP(host) {
		scheme = "http"
	}
	return &url.URL{Scheme: scheme, Host: host}
}

func (c *Client) resolveURL(r *request) (*url.URL, error) {
	t, err := url.Parse(r.target)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", r.target, err)
	}
	u := c.baseURL(r.host).ResolveReference(t)
	if len(r.query) > 0 {
		q := u.Query()
		for k, vs := range r.query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u, nil
}

func (c *Client) roundTrip(ctx context.Context, r *request, authorization string) (*http.Response, error) {
	u, err := c.resolveURL(r)
	if err != nil {
		return nil, err
	}
	var body io.Reader
	if r.body != nil {
		body = bytes.NewReader(r.body)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, u.String(), body)
	if err != nil {
		return nil, err
	}
	for k, vs := range r.header {
		req.Header[k] = vs
	}
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %s %s: %w", ErrRegistryUnavailable, r.method, u.Redacted(), err)
	}
	return resp, nil
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}

// credential returns the token from the credential provider, or a zero
// token for anonymous access.
func (c *Client) credential(ctx context.Context) (auth.Token, error) {
	t, err := c.creds.GetToken(ctx, []string{auth.AudienceScope(c.audience)})
	switch {
	case err == nil:
		return t, nil
	case errors.Is(err, auth.ErrAuthenticationRequired):
		return auth.Token{}, nil
	case ctx.Err() != nil:
		return auth.Token{}, ctx.Err()
	}
	return auth.Token{}, fmt.Errorf("%w: %w", ErrRegistryAuthenticationFailed, err)
}

func tokenKey(host, scope string) string { return host + " " + scope }

// authorization returns the Authorization header for the first attempt of
// a request: an exchanged registry token cached for the host and scope, or
// nothing. The provider's credential is only ever sent to the token realm
// named by a registry challenge.
func (c *Client) authorization(r *request) string {
	if t, ok := c.tokens.Load(tokenKey(r.host, r.scope)); ok && t.ValidAt(c.now(), tokenSkew) {
		return t.AuthorizationHeader()
	}
	return ""
}

// send performs r once. A 401 carrying a Bearer challenge triggers one
// token exchange and one retry.
func (c *Client) send(ctx context.Context, r *request) (*http.Response, error) {
	resp, err := c.roundTrip(ctx, r, c.authorization(r))
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}
	ch, perr := auth.ParseChallenge(resp.Header.Get("WWW-Authenticate"))
	if perr != nil || !strings.EqualFold(ch.Scheme, auth.SchemeBearer) {
		return resp, nil
	}
	drain(resp)

	cred, err := c.credential(ctx)
	if err != nil {
		return nil, err
	}
	scopes := slices.Clone(ch.Scopes)
	if r.scope != "" && !slices.Contains(scopes, r.scope) {
		scopes = append(scopes, r.scope)
	}
	tok, err := c.exchanger.Exchange(ctx, ch, cred, scopes)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %w", ErrRegistryAuthenticationFailed, err)
	}
	key := tokenKey(r.host, r.scope)
	c.tokens.Store(key, tok)
	resp, err = c.roundTrip(ctx, r, tok.AuthorizationHeader())
	if err == nil && resp.StatusCode == http.StatusUnauthorized {
		c.tokens.Delete(key)
	}
	return resp, err
}

// attempt sends r once and returns the response if its status is one of
// accept. Other statuses become a *ResponseError.
func (c *Client) attempt(ctx context.Context, r *request, accept ...int) (*http.Response, error) {
	resp, err := c.send(ctx, r)
	if err != nil {
		return nil, err
	}
	if slices.Contains(accept, resp.StatusCode) {
		return resp, nil
	}
	return nil, newResponseError(resp)
}

// retryDo runs fn under the client's retry policy. Only retryable errors are
// tried again.
func (c *Client) retryDo(ctx context.Context, what string, fn func() error) error {
	return backoff.Retry(ctx, c.retry, func(n int) error {
		if n > 0 {
			c.logf("oci: retrying %s (attempt %d)", what, n+1)
		}
		err := fn()
		if err != nil && !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	})
}

// do sends r with retries and returns the first response whose status is in
// accept. The caller closes the body.
func (c *Client) do(ctx context.Context, r *request, accept ...int) (*http.Response, error) {
	var resp *http.Response
	err := c.retryDo(ctx, r.method+" "+r.target, func() error {
		var err error
		resp, err = c.attempt(ctx, r, accept...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Ping checks that host speaks the distribution API and that the client's
// credentials are accepted.
func (c *Client) Ping(ctx context.Context, host string) error {
	resp, err := c.do(ctx, &request{method: http.MethodGet, host: host, target: "/v2/"}, http.StatusOK)
	if err != nil {
		return err
	}
	drain(resp)
	return nil
}
