// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package auth obtains credentials for registry access. A Chain tries an
// ordered list of credential sources and caches the tokens it gets; the
// Exchanger trades those for registry-scoped tokens when a registry answers
// with a Bearer challenge.
package auth

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrAuthenticationRequired is returned by providers that never hold
	// credentials.
	ErrAuthenticationRequired = errors.New("authentication required")
	// ErrAllCredentialSourcesFailed matches *AllSourcesFailedError.
	ErrAllCredentialSourcesFailed = errors.New("all credential sources failed")
	// ErrUnknownCredentialSource is returned for an unrecognized precedence
	// identifier.
	ErrUnknownCredentialSource = errors.New("unknown credential source")
	// ErrTokenExchangeFailed is returned when a registry token endpoint
	// rejects a request or returns an unusable response.
	ErrTokenExchangeFailed = errors.New("registry token exchange failed")
)

const (
	// SchemeBearer is the default token scheme.
	SchemeBearer = "Bearer"
	// SchemeBasic marks a token holding base64 "user:password" credentials.
	SchemeBasic = "Basic"
)

// DefaultLifetime is assumed for tokens that carry no expiry at all.
const DefaultLifetime = time.Hour

// Token is a credential obtained from a source. Tokens are only held in
// memory.
type Token struct {
	Value     string
	ExpiresAt time.Time
	Scopes    []string
	// Scheme is SchemeBearer when empty.
	Scheme string
}

// AuthorizationHeader returns the value for an HTTP Authorization header.
func (t Token) AuthorizationHeader() string {
	scheme := t.Scheme
	if scheme == "" {
		scheme = SchemeBearer
	}
	return scheme + " " + t.Value
}

// IsBasic reports whether t carries basic credentials.
func (t Token) IsBasic() bool { return t.Scheme == SchemeBasic }

// ValidAt reports whether t can still be used at now, leaving skew before
// its expiry.
func (t Token) ValidAt(now time.Time, skew time.Duration) bool {
	if t.Value == "" {
		return false
	}
	if t.ExpiresAt.IsZero() {
		return true
	}
	return now.Add(skew).Before(t.ExpiresAt)
}

// Provider hands out tokens for a set of scopes.
type Provider interface {
	GetToken(ctx context.Context, scopes []string) (Token, error)
}

// Source is a single way of obtaining a token.
type Source interface {
	Name() string
	Token(ctx context.Context, scopes []string) (Token, error)
}

// Anonymous is a Provider without credentials.
type Anonymous struct{}

// GetToken always fails with ErrAuthenticationRequired.
func (Anonymous) GetToken(context.Context, []string) (Token, error) {
	return Token{}, ErrAuthenticationRequired
}

// PullScope is the registry scope for reading repo.
func PullScope(repo string) string { return "repository:" + repo + ":pull" }

// PushScope is the registry scope for reading and writing repo.
func PushScope(repo string) string { return "repository:" + repo + ":pull,push" }

// AudienceScope is the scope requesting a token for the whole audience.
func AudienceScope(audience string) string {
	return strings.TrimRight(audience, "/") + "/.default"
}

// normalizeScopes returns the sorted, de-duplicated scope set.
func normalizeScopes(scopes []string) []string {
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func scopeKey(scopes []string) string {
	return strings.Join(normalizeScopes(scopes), " ")
}

// jwtExpiry returns the exp claim of value when it is a JWT. The signature
// is not checked; the token is opaque to this package and only its lifetime
// matters.
func jwtExpiry(value string) (time.Time, bool) {
	if strings.Count(value, ".") != 2 {
		return time.Time{}, false
	}
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(value, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// withExpiry fills in a missing ExpiresAt from the JWT payload or the
// default lifetime.
func withExpiry(t Token, now time.Time) Token {
	if !t.ExpiresAt.IsZero() {
		return t
	}
	if exp, ok := jwtExpiry(t.Value); ok {
		t.ExpiresAt = exp
		return t
	}
	t.ExpiresAt = now.Add(DefaultLifetime)
	return t
}
