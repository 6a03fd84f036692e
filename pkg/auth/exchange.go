// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Challenge is a parsed WWW-Authenticate header.
type Challenge struct {
	Scheme  string
	Realm   string
	Service string
	Scopes  []string
}

// ParseChallenge parses a WWW-Authenticate header value such as
//
//	Bearer realm="https://r.example/token",service="r.example",scope="repository:a:pull"
func ParseChallenge(header string) (Challenge, error) {
	header = strings.TrimSpace(header)
	scheme, rest, _ := strings.Cut(header, " ")
	if scheme == "" {
		return Challenge{}, fmt.Errorf("empty challenge")
	}
	c := Challenge{Scheme: scheme}
	params, err := parseAuthParams(rest)
	if err != nil {
		return Challenge{}, fmt.Errorf("parse challenge %q: %w", header, err)
	}
	c.Realm = params["realm"]
	c.Service = params["service"]
	if s := params["scope"]; s != "" {
		c.Scopes = strings.Fields(s)
	}
	if strings.EqualFold(scheme, SchemeBearer) && c.Realm == "" {
		return Challenge{}, fmt.Errorf("parse challenge %q: bearer challenge without realm", header)
	}
	return c, nil
}

// parseAuthParams parses comma separated key=value pairs where values may be
// quoted strings with backslash escapes.
func parseAuthParams(s string) (map[string]string, error) {
	params := make(map[string]string)
	for {
		s = strings.TrimLeft(s, " \t,")
		if s == "" {
			return params, nil
		}
		eq := strings.IndexByte(s, '=')
		if eq <= 0 {
			return nil, fmt.Errorf("malformed parameter %q", s)
		}
		key := strings.ToLower(strings.TrimSpace(s[:eq]))
		s = strings.TrimLeft(s[eq+1:], " \t")
		var val string
		if strings.HasPrefix(s, `"`) {
			var sb strings.Builder
			i := 1
			for ; i < len(s) && s[i] != '"'; i++ {
				if s[i] == '\\' && i+1 < len(s) {
					i++
				}
				sb.WriteByte(s[i])
			}
			if i >= len(s) {
				return nil, fmt.Errorf("unterminated quoted value for %q", key)
			}
			val = sb.String()
			s = s[i+1:]
		} else {
			end := strings.IndexAny(s, ", \t")
			if end < 0 {
				end = len(s)
			}
			val = s[:end]
			s = s[end:]
		}
		params[key] = val
	}
}

// DefaultExchangeLifetime applies when a token response has no expires_in.
const DefaultExchangeLifetime = 60 * time.Second

// Exchanger trades a credential for a registry token at the realm named by
// a Bearer challenge.
type Exchanger struct {
	HTTPClient *http.Client
	now        func() time.Time
}

type tokenResponse struct {
	Token       string    `json:"token"`
	AccessToken string    `json:"access_token"`
	ExpiresIn   int       `json:"expires_in"`
	IssuedAt    time.Time `json:"issued_at"`
}

// Exchange requests a token for scopes, falling back to the challenge's
// scopes when scopes is empty. cred is presented as the Authorization
// header when it has a value.
func (e *Exchanger) Exchange(ctx context.Context, ch Challenge, cred Token, scopes []string) (Token, error) {
	if !strings.EqualFold(ch.Scheme, SchemeBearer) {
		return Token{}, fmt.Errorf("%w: unsupported challenge scheme %q", ErrTokenExchangeFailed, ch.Scheme)
	}
	if len(scopes) == 0 {
		scopes = ch.Scopes
	}
	u, err := url.Parse(ch.Realm)
	if err != nil {
		return Token{}, fmt.Errorf("%w: bad realm: %v", ErrTokenExchangeFailed, err)
	}
	q := u.Query()
	if ch.Service != "" {
		q.Set("service", ch.Service)
	}
	for _, s := range scopes {
		q.Add("scope", s)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Token{}, err
	}
	if cred.Value != "" {
		req.Header.Set("Authorization", cred.AuthorizationHeader())
	}
	hc := e.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return Token{}, fmt.Errorf("%w: %v", ErrTokenExchangeFailed, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Token{}, fmt.Errorf("%w: read response: %v", ErrTokenExchangeFailed, err)
	}
	if resp.StatusCode != http.StatusOK {
		return Token{}, fmt.Errorf("%w: %s returned %s", ErrTokenExchangeFailed, u.Host, resp.Status)
	}
	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return Token{}, fmt.Errorf("%w: decode response: %v", ErrTokenExchangeFailed, err)
	}
	value := tr.Token
	if value == "" {
		value = tr.AccessToken
	}
	if value == "" {
		return Token{}, fmt.Errorf("%w: response has no token", ErrTokenExchangeFailed)
	}
	now := time.Now
	if e.now != nil {
		now = e.now
	}
	issued := tr.IssuedAt
	if issued.IsZero() {
		issued = now()
	}
	lifetime := DefaultExchangeLifetime
	if tr.ExpiresIn > 0 {
		lifetime = time.Duration(tr.ExpiresIn) * time.Second
	}
	return Token{
		Value:     value,
		ExpiresAt: issued.Add(lifetime),
		Scopes:    normalizeScopes(scopes),
	}, nil
}
