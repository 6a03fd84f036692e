// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// Environment variables read by EnvironmentSource.
const (
	EnvToken          = "MODREG_TOKEN"
	EnvTokenExpiresAt = "MODREG_TOKEN_EXPIRES_AT"
	EnvClientID       = "MODREG_CLIENT_ID"
	EnvClientSecret   = "MODREG_CLIENT_SECRET"
)

// Precedence identifiers for the built-in sources.
const (
	SourceEnvironment       = "Environment"
	SourceClientCredentials = "ClientCredentials"
	SourceDockerConfig      = "DockerConfig"
	SourceStatic            = "Static"
)

// tokenURL is the OAuth2 token endpoint below an authority.
func tokenURL(authority string) string {
	return strings.TrimRight(authority, "/") + "/oauth2/v2.0/token"
}

// StaticSource returns a fixed token.
type StaticSource struct {
	Value     string
	ExpiresAt time.Time
}

func (s *StaticSource) Name() string { return SourceStatic }

func (s *StaticSource) Token(_ context.Context, scopes []string) (Token, error) {
	if s.Value == "" {
		return Token{}, errors.New("no static token configured")
	}
	return Token{Value: s.Value, ExpiresAt: s.ExpiresAt, Scopes: normalizeScopes(scopes)}, nil
}

// ClientCredentialsSource runs the OAuth2 client credentials grant.
type ClientCredentialsSource struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	// HTTPClient is used for the token request when set.
	HTTPClient *http.Client
}

func (s *ClientCredentialsSource) Name() string { return SourceClientCredentials }

func (s *ClientCredentialsSource) Token(ctx context.Context, scopes []string) (Token, error) {
	if s.ClientID == "" || s.ClientSecret == "" {
		return Token{}, errors.New("client id and secret are required")
	}
	cfg := clientcredentials.Config{
		ClientID:     s.ClientID,
		ClientSecret: s.ClientSecret,
		TokenURL:     s.TokenURL,
		Scopes:       normalizeScopes(scopes),
	}
	if s.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, s.HTTPClient)
	}
	tok, err := cfg.Token(ctx)
	if err != nil {
		return Token{}, fmt.Errorf("client credentials: %w", err)
	}
	return Token{Value: tok.AccessToken, ExpiresAt: tok.Expiry, Scopes: cfg.Scopes}, nil
}

// EnvironmentSource reads a token, or client credentials, from the process
// environment.
type EnvironmentSource struct {
	Authority  string
	HTTPClient *http.Client
}

func (s *EnvironmentSource) Name() string { return SourceEnvironment }

func (s *EnvironmentSource) Token(ctx context.Context, scopes []string) (Token, error) {
	if v := os.Getenv(EnvToken); v != "" {
		t := Token{Value: v, Scopes: normalizeScopes(scopes)}
		if exp := os.Getenv(EnvTokenExpiresAt); exp != "" {
			at, err := time.Parse(time.RFC3339, exp)
			if err != nil {
				return Token{}, fmt.Errorf("parse %s: %w", EnvTokenExpiresAt, err)
			}
			t.ExpiresAt = at
		}
		return t, nil
	}
	id, secret := os.Getenv(EnvClientID), os.Getenv(EnvClientSecret)
	if id == "" || secret == "" {
		return Token{}, fmt.Errorf("neither %s nor %s/%s is set", EnvToken, EnvClientID, EnvClientSecret)
	}
	if s.Authority == "" {
		return Token{}, errors.New("no authority configured for client credentials")
	}
	cc := &ClientCredentialsSource{
		ClientID:     id,
		ClientSecret: secret,
		TokenURL:     tokenURL(s.Authority),
		HTTPClient:   s.HTTPClient,
	}
	return cc.Token(ctx, scopes)
}

// DockerConfig is the subset of a docker CLI config file used for registry
// credentials.
type DockerConfig struct {
	Auths map[string]DockerAuth `json:"auths"`
}

// DockerAuth is one entry of DockerConfig.Auths.
type DockerAuth struct {
	Auth          string `json:"auth,omitempty"`
	Username      string `json:"username,omitempty"`
	Password      string `json:"password,omitempty"`
	IdentityToken string `json:"identitytoken,omitempty"`
	RegistryToken string `json:"registrytoken,omitempty"`
}

// DefaultDockerConfigPath returns $DOCKER_CONFIG/config.json or
// ~/.docker/config.json.
func DefaultDockerConfigPath() string {
	if dir := os.Getenv("DOCKER_CONFIG"); dir != "" {
		return filepath.Join(dir, "config.json")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".docker", "config.json")
}

// LoadDockerConfig reads the docker config at path.
func LoadDockerConfig(path string) (*DockerConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg DockerConfig
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *DockerConfig) lookup(host string) (DockerAuth, bool) {
	if a, ok := c.Auths[host]; ok {
		return a, true
	}
	for k, a := range c.Auths {
		k = strings.TrimPrefix(strings.TrimPrefix(k, "https://"), "http://")
		if strings.TrimSuffix(k, "/") == host {
			return a, true
		}
	}
	return DockerAuth{}, false
}

// Basic returns the username and password stored for host.
func (c *DockerConfig) Basic(host string) (user, pass string, ok bool) {
	a, found := c.lookup(host)
	if !found {
		return "", "", false
	}
	if a.Username != "" && a.Password != "" {
		return a.Username, a.Password, true
	}
	if a.Auth == "" {
		return "", "", false
	}
	raw, err := base64.StdEncoding.DecodeString(a.Auth)
	if err != nil {
		return "", "", false
	}
	user, pass, ok = strings.Cut(string(raw), ":")
	return user, pass, ok
}

// DockerConfigSource returns credentials stored for Host in a docker config
// file. A stored registry token is returned as a Bearer token. Otherwise the
// basic credentials are returned as a SchemeBasic token, which the
// Exchanger presents to the registry's token endpoint.
type DockerConfigSource struct {
	Path string
	Host string
}

func (s *DockerConfigSource) Name() string { return SourceDockerConfig }

func (s *DockerConfigSource) Token(_ context.Context, scopes []string) (Token, error) {
	if s.Host == "" {
		return Token{}, errors.New("no registry host configured")
	}
	path := s.Path
	if path == "" {
		path = DefaultDockerConfigPath()
	}
	cfg, err := LoadDockerConfig(path)
	if err != nil {
		return Token{}, fmt.Errorf("docker config: %w", err)
	}
	if a, ok := cfg.lookup(s.Host); ok && a.RegistryToken != "" {
		return Token{Value: a.RegistryToken, Scopes: normalizeScopes(scopes)}, nil
	}
	user, pass, ok := cfg.Basic(s.Host)
	if !ok {
		return Token{}, fmt.Errorf("docker config: no credentials for %s", s.Host)
	}
	return Token{
		Value:     base64.StdEncoding.EncodeToString([]byte(user + ":" + pass)),
		Scheme:    SchemeBasic,
		Scopes:    normalizeScopes(scopes),
		ExpiresAt: time.Now().Add(DefaultLifetime),
	}, nil
}
