// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package registry

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultTokenTTL is the lifetime of tokens issued by the /token endpoint.
const DefaultTokenTTL = 5 * time.Minute

// tokenAuth implements the Distribution token flow: data-plane requests
// need an HS256 JWT granting the repository actions they perform, and
// /token issues such JWTs to authenticated callers.
type tokenAuth struct {
	secret        []byte
	service       string
	ttl           time.Duration
	users         map[string]string
	bearers       []string
	anonymousPull bool
	now           func() time.Time
}

func (r *Registry) tokenAuth() *tokenAuth {
	if r.auth == nil {
		r.auth = &tokenAuth{service: "modreg", ttl: DefaultTokenTTL, now: time.Now}
	}
	return r.auth
}

// WithTokenAuth requires Bearer tokens signed with secret on every /v2
// request and serves /token.
func WithTokenAuth(secret []byte) Option {
	return func(r *Registry) { r.tokenAuth().secret = secret }
}

// WithTokenService sets the service name in challenges and issued tokens.
func WithTokenService(service string) Option {
	return func(r *Registry) { r.tokenAuth().service = service }
}

// WithTokenTTL sets the lifetime of issued tokens.
func WithTokenTTL(d time.Duration) Option {
	return func(r *Registry) { r.tokenAuth().ttl = d }
}

// WithBasicUsers lets /token authenticate callers with basic credentials.
func WithBasicUsers(users map[string]string) Option {
	return func(r *Registry) { r.tokenAuth().users = users }
}

// WithBearerCredentials lets /token authenticate callers presenting one of
// tokens as a Bearer credential.
func WithBearerCredentials(tokens ...string) Option {
	return func(r *Registry) { r.tokenAuth().bearers = append(r.tokenAuth().bearers, tokens...) }
}

// WithAnonymousPull lets /token issue pull-only tokens without credentials.
func WithAnonymousPull() Option {
	return func(r *Registry) { r.tokenAuth().anonymousPull = true }
}

// AccessEntry is one grant in an issued token.
type AccessEntry struct {
	Type    string   `json:"type"`
	Name    string   `json:"name"`
	Actions []string `json:"actions"`
}

// AccessClaims are the claims of tokens issued by /token.
type AccessClaims struct {
	jwt.RegisteredClaims
	Access []AccessEntry `json:"access"`
}

func (a *AccessClaims) allows(repo string, actions []string) bool {
	for _, e := range a.Access {
		if e.Type != "repository" || e.Name != repo {
			continue
		}
		ok := true
		for _, want := range actions {
			if !slices.Contains(e.Actions, want) {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}

// ParseScope parses "repository:<name>:<actions>".
func ParseScope(scope string) (AccessEntry, bool) {
	typ, rest, ok := strings.Cut(scope, ":")
	if !ok {
		return AccessEntry{}, false
	}
	i := strings.LastIndexByte(rest, ':')
	if i <= 0 {
		return AccessEntry{}, false
	}
	return AccessEntry{Type: typ, Name: rest[:i], Actions: strings.Split(rest[i+1:], ",")}, true
}

func (a *tokenAuth) keyFunc(*jwt.Token) (any, error) { return a.secret, nil }

// authorize reports whether req carries a token granting actions on repo.
// An empty repo only requires a valid token. Otherwise it writes a 401 with
// a challenge naming the needed scope.
func (a *tokenAuth) authorize(w http.ResponseWriter, req *http.Request, repo string, actions []string) bool {
	if raw, ok := strings.CutPrefix(req.Header.Get("Authorization"), "Bearer "); ok {
		claims := &AccessClaims{}
		tok, err := jwt.ParseWithClaims(raw, claims, a.keyFunc,
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithAudience(a.service),
			jwt.WithTimeFunc(a.now),
		)
		if err == nil && tok.Valid && (repo == "" || claims.allows(repo, actions)) {
			return true
		}
	}
	challenge := fmt.Sprintf(`Bearer realm="%s",service="%s"`, realmURL(req), a.service)
	if repo != "" {
		challenge += fmt.Sprintf(`,scope="repository:%s:%s"`, repo, strings.Join(actions, ","))
	}
	w.Header().Set("WWW-Authenticate", challenge)
	WriteError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "authentication required", nil)
	return false
}

func realmURL(req *http.Request) string {
	scheme := "http"
	if req.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + req.Host + "/token"
}

// authenticate reports whether req carries acceptable credentials.
func (a *tokenAuth) authenticate(req *http.Request) (subject string, ok bool) {
	if user, pass, hasBasic := req.BasicAuth(); hasBasic {
		want, found := a.users[user]
		if found && subtle.ConstantTimeCompare([]byte(want), []byte(pass)) == 1 {
			return user, true
		}
		return "", false
	}
	if raw, hasBearer := strings.CutPrefix(req.Header.Get("Authorization"), "Bearer "); hasBearer {
		for _, b := range a.bearers {
			if subtle.ConstantTimeCompare([]byte(b), []byte(raw)) == 1 {
				return "bearer", true
			}
		}
	}
	return "", false
}

type tokenResponse struct {
	Token       string    `json:"token"`
	AccessToken string    `json:"access_token"`
	ExpiresIn   int       `json:"expires_in"`
	IssuedAt    time.Time `json:"issued_at"`
}

// handleToken issues access tokens for the requested scopes.
func (a *tokenAuth) handleToken(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		WriteError(w, http.StatusMethodNotAllowed, ErrCodeUnsupported, "method not allowed", nil)
		return
	}
	subject, authed := a.authenticate(req)
	hasCreds := req.Header.Get("Authorization") != ""
	if !authed && (hasCreds || !a.anonymousPull) {
		WriteError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "invalid credentials", nil)
		return
	}
	if svc := req.URL.Query().Get("service"); svc != "" && svc != a.service {
		WriteError(w, http.StatusBadRequest, ErrCodeDenied, "unknown service", nil)
		return
	}

	var access []AccessEntry
	for _, raw := range req.URL.Query()["scope"] {
		for _, s := range strings.Fields(raw) {
			e, ok := ParseScope(s)
			if !ok || e.Type != "repository" {
				continue
			}
			if !authed {
				e.Actions = slices.DeleteFunc(e.Actions, func(a string) bool { return a != "pull" })
			}
			if len(e.Actions) > 0 {
				access = append(access, e)
			}
		}
	}

	now := a.now()
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    a.service,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{a.service},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
		Access: access,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, ErrCodeUnsupported, "sign token", nil)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	json.NewEncoder(w).Encode(tokenResponse{
		Token:       signed,
		AccessToken: signed,
		ExpiresIn:   int(a.ttl / time.Second),
		IssuedAt:    now.UTC(),
	})
}
