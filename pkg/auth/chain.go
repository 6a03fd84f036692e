// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package auth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultRefreshSkew is how long before expiry a cached token is refreshed.
const DefaultRefreshSkew = 5 * time.Minute

// DefaultPrecedence is used when no precedence is configured.
var DefaultPrecedence = []string{SourceEnvironment, SourceDockerConfig}

// SourceAttempt records the failure of one source.
type SourceAttempt struct {
	Source string
	Err    error
}

// AllSourcesFailedError is returned when no source in a Chain produced a
// token.
type AllSourcesFailedError struct {
	Attempts []SourceAttempt
}

func (e *AllSourcesFailedError) Error() string {
	var sb strings.Builder
	sb.WriteString(ErrAllCredentialSourcesFailed.Error())
	for _, a := range e.Attempts {
		fmt.Fprintf(&sb, "\n  %s: %v", a.Source, a.Err)
	}
	return sb.String()
}

// Is reports a match against ErrAllCredentialSourcesFailed.
func (e *AllSourcesFailedError) Is(target error) bool {
	return target == ErrAllCredentialSourcesFailed
}

// Unwrap returns the per-source errors.
func (e *AllSourcesFailedError) Unwrap() []error {
	errs := make([]error, len(e.Attempts))
	for i, a := range e.Attempts {
		errs[i] = a.Err
	}
	return errs
}

// redactedError hides secret values in the message of err.
type redactedError struct {
	err error
	msg string
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.err }

func redact(err error, secrets []string) error {
	msg := err.Error()
	out := msg
	for _, s := range secrets {
		if len(s) >= 4 {
			out = strings.ReplaceAll(out, s, "[REDACTED]")
		}
	}
	if out == msg {
		return err
	}
	return &redactedError{err: err, msg: out}
}

// Chain tries its sources in order and caches the first token it gets for
// each scope set.
type Chain struct {
	sources []Source
	skew    time.Duration
	now     func() time.Time
	logf    func(format string, args ...any)
	secrets []string

	mu    sync.RWMutex
	cache map[string]Token // keyed by scopeKey

	sf singleflight.Group
}

// ChainOption configures a Chain.
type ChainOption func(*chainConfig)

type chainConfig struct {
	skew       time.Duration
	now        func() time.Time
	logf       func(format string, args ...any)
	httpClient *http.Client
	static     *StaticSource
	clientCred *ClientCredentialsSource
	docker     *DockerConfigSource
	custom     map[string]Source
}

// WithRefreshSkew sets how early cached tokens are refreshed.
func WithRefreshSkew(d time.Duration) ChainOption {
	return func(c *chainConfig) { c.skew = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) ChainOption {
	return func(c *chainConfig) { c.now = now }
}

// WithLogf sets the log function. It defaults to log.Printf.
func WithLogf(logf func(format string, args ...any)) ChainOption {
	return func(c *chainConfig) { c.logf = logf }
}

// WithHTTPClient sets the client used for token requests.
func WithHTTPClient(hc *http.Client) ChainOption {
	return func(c *chainConfig) { c.httpClient = hc }
}

// WithStaticToken configures the Static source.
func WithStaticToken(value string, expiresAt time.Time) ChainOption {
	return func(c *chainConfig) { c.static = &StaticSource{Value: value, ExpiresAt: expiresAt} }
}

// WithClientCredentials configures the ClientCredentials source. An empty
// tokenURL means the chain's authority.
func WithClientCredentials(clientID, clientSecret, tokenURL string) ChainOption {
	return func(c *chainConfig) {
		c.clientCred = &ClientCredentialsSource{ClientID: clientID, ClientSecret: clientSecret, TokenURL: tokenURL}
	}
}

// WithDockerConfig configures the DockerConfig source. An empty path means
// DefaultDockerConfigPath.
func WithDockerConfig(path, host string) ChainOption {
	return func(c *chainConfig) { c.docker = &DockerConfigSource{Path: path, Host: host} }
}

// WithSource makes src available under name in the precedence list.
func WithSource(name string, src Source) ChainOption {
	return func(c *chainConfig) {
		if c.custom == nil {
			c.custom = make(map[string]Source)
		}
		c.custom[strings.ToLower(name)] = src
	}
}

// NewChain builds a Chain from precedence identifiers, matched
// case-insensitively. authority is the OAuth2 authority used by sources
// that run the client credentials grant.
func NewChain(precedence []string, authority string, opts ...ChainOption) (*Chain, error) {
	cfg := chainConfig{
		skew: DefaultRefreshSkew,
		now:  time.Now,
		logf: log.Printf,
	}
	for _, o := range opts {
		o(&cfg)
	}
	if len(precedence) == 0 {
		precedence = DefaultPrecedence
	}

	c := &Chain{
		skew:  cfg.skew,
		now:   cfg.now,
		logf:  cfg.logf,
		cache: make(map[string]Token),
	}
	for _, id := range precedence {
		src, err := cfg.source(id, authority)
		if err != nil {
			return nil, err
		}
		c.sources = append(c.sources, src)
	}
	if cfg.static != nil {
		c.secrets = append(c.secrets, cfg.static.Value)
	}
	if cfg.clientCred != nil {
		c.secrets = append(c.secrets, cfg.clientCred.ClientSecret)
	}
	return c, nil
}

func (cfg *chainConfig) source(id, authority string) (Source, error) {
	if src, ok := cfg.custom[strings.ToLower(id)]; ok {
		return src, nil
	}
	switch {
	case strings.EqualFold(id, SourceEnvironment):
		return &EnvironmentSource{Authority: authority, HTTPClient: cfg.httpClient}, nil
	case strings.EqualFold(id, SourceClientCredentials):
		src := &ClientCredentialsSource{TokenURL: tokenURL(authority)}
		if cfg.clientCred != nil {
			*src = *cfg.clientCred
			if src.TokenURL == "" {
				src.TokenURL = tokenURL(authority)
			}
		}
		src.HTTPClient = cfg.httpClient
		return src, nil
	case strings.EqualFold(id, SourceDockerConfig):
		if cfg.docker != nil {
			return cfg.docker, nil
		}
		return &DockerConfigSource{}, nil
	case strings.EqualFold(id, SourceStatic):
		if cfg.static != nil {
			return cfg.static, nil
		}
		return &StaticSource{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownCredentialSource, id)
}

// Sources returns the names of the chain's sources in order.
func (c *Chain) Sources() []string {
	names := make([]string, len(c.sources))
	for i, s := range c.sources {
		names[i] = s.Name()
	}
	return names
}

// GetToken returns a cached token for scopes or asks the sources in order.
// Concurrent calls for the same scope set share one refresh. A waiter whose
// shared refresh was canceled with its leader's context starts a new one.
func (c *Chain) GetToken(ctx context.Context, scopes []string) (Token, error) {
	key := scopeKey(scopes)
	for {
		if t, ok := c.cached(key); ok {
			return t, nil
		}
		led := false
		ch := c.sf.DoChan(key, func() (any, error) {
			led = true
			if t, ok := c.cached(key); ok {
				return t, nil
			}
			t, err := c.fetch(ctx, normalizeScopes(scopes))
			if err != nil {
				return Token{}, err
			}
			c.mu.Lock()
			c.cache[key] = t
			c.mu.Unlock()
			return t, nil
		})
		select {
		case <-ctx.Done():
			return Token{}, ctx.Err()
		case r := <-ch:
			if r.Err == nil {
				return r.Val.(Token), nil
			}
			if !led && ctx.Err() == nil && isContextErr(r.Err) {
				continue
			}
			return Token{}, r.Err
		}
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Invalidate drops the cached token for scopes.
func (c *Chain) Invalidate(scopes []string) {
	c.mu.Lock()
	delete(c.cache, scopeKey(scopes))
	c.mu.Unlock()
}

func (c *Chain) cached(key string) (Token, bool) {
	c.mu.RLock()
	t, ok := c.cache[key]
	c.mu.RUnlock()
	if ok && t.ValidAt(c.now(), c.skew) {
		return t, true
	}
	return Token{}, false
}

func (c *Chain) fetch(ctx context.Context, scopes []string) (Token, error) {
	var attempts []SourceAttempt
	for _, src := range c.sources {
		if err := ctx.Err(); err != nil {
			return Token{}, err
		}
		t, err := src.Token(ctx, scopes)
		if err == nil && t.Value == "" {
			err = fmt.Errorf("empty token")
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Token{}, ctxErr
			}
			err = redact(err, append(slices.Clip(c.secrets), t.Value, os.Getenv(EnvToken), os.Getenv(EnvClientSecret)))
			c.logf("credential source %s failed: %v", src.Name(), err)
			attempts = append(attempts, SourceAttempt{Source: src.Name(), Err: err})
			continue
		}
		if len(t.Scopes) == 0 {
			t.Scopes = scopes
		}
		return withExpiry(t, c.now()), nil
	}
	return Token{}, &AllSourcesFailedError{Attempts: attempts}
}
