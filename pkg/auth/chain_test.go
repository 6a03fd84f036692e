// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/go-cmp/cmp"
)

type fakeSource struct {
	name  string
	token Token
	err   error
	calls atomic.Int32
	gate  chan struct{}
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Token(ctx context.Context, scopes []string) (Token, error) {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return Token{}, ctx.Err()
		}
	}
	return f.token, f.err
}

func newTestChain(t *testing.T, srcs []*fakeSource, opts ...ChainOption) *Chain {
	t.Helper()
	var names []string
	for _, s := range srcs {
		names = append(names, s.name)
		opts = append(opts, WithSource(s.name, s))
	}
	opts = append(opts, WithLogf(t.Logf))
	c, err := NewChain(names, "https://login.example", opts...)
	if err != nil {
		t.Fatalf("NewChain: %v", err)
	}
	return c
}

func TestChainFirstSuccessWins(t *testing.T) {
	a := &fakeSource{name: "A", err: errors.New("no credentials")}
	b := &fakeSource{name: "B", token: Token{Value: "b-token", ExpiresAt: time.Now().Add(time.Hour)}}
	c := &fakeSource{name: "C", token: Token{Value: "c-token"}}
	chain := newTestChain(t, []*fakeSource{a, b, c})

	got, err := chain.GetToken(context.Background(), []string{"s"})
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if got.Value != "b-token" {
		t.Fatalf("token = %q, want %q", got.Value, "b-token")
	}
	if n := c.calls.Load(); n != 0 {
		t.Fatalf("source C called %d times, want 0", n)
	}
	if n := a.calls.Load(); n != 1 {
		t.Fatalf("source A called %d times, want 1", n)
	}
}

func TestChainAllFail(t *testing.T) {
	a := &fakeSource{name: "A", err: errors.New("env not set")}
	b := &fakeSource{name: "B", err: errors.New("secret s3cr3t-value rejected")}
	chain := newTestChain(t, []*fakeSource{a, b}, WithClientCredentials("id", "s3cr3t-value", ""))

	_, err := chain.GetToken(context.Background(), []string{"s"})
	if !errors.Is(err, ErrAllCredentialSourcesFailed) {
		t.Fatalf("err = %v, want ErrAllCredentialSourcesFailed", err)
	}
	var all *AllSourcesFailedError
	if !errors.As(err, &all) {
		t.Fatalf("err is %T, want *AllSourcesFailedError", err)
	}
	var names []string
	for _, at := range all.Attempts {
		names = append(names, at.Source)
	}
	if diff := cmp.Diff([]string{"A", "B"}, names); diff != "" {
		t.Fatalf("attempts mismatch (-want +got):\n%s", diff)
	}
	msg := err.Error()
	for _, want := range []string{"A: env not set", "B: secret [REDACTED] rejected"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q does not contain %q", msg, want)
		}
	}
	if strings.Contains(msg, "s3cr3t-value") {
		t.Fatalf("error leaks secret: %q", msg)
	}
}

func TestChainUnknownSource(t *testing.T) {
	_, err := NewChain([]string{"Environment", "Keychain"}, "")
	if !errors.Is(err, ErrUnknownCredentialSource) {
		t.Fatalf("err = %v, want ErrUnknownCredentialSource", err)
	}
}

func TestChainIdentifiersCaseInsensitive(t *testing.T) {
	c, err := NewChain([]string{"environment", "DOCKERCONFIG", "static", "clientCredentials"}, "https://login.example")
	if err != nil {
		t.Fatalf("NewChain: %v", err)
	}
	want := []string{SourceEnvironment, SourceDockerConfig, SourceStatic, SourceClientCredentials}
	if diff := cmp.Diff(want, c.Sources()); diff != "" {
		t.Fatalf("sources mismatch (-want +got):\n%s", diff)
	}
}

func TestChainCachesUntilSkew(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	src := &fakeSource{name: "A", token: Token{Value: "t", ExpiresAt: now.Add(10 * time.Minute)}}
	chain := newTestChain(t, []*fakeSource{src}, WithClock(clock))
	ctx := context.Background()

	for range 3 {
		if _, err := chain.GetToken(ctx, []string{"b", "a", "a"}); err != nil {
			t.Fatalf("GetToken: %v", err)
		}
	}
	// Same scope set in another order hits the same entry.
	if _, err := chain.GetToken(ctx, []string{"a", "b"}); err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if n := src.calls.Load(); n != 1 {
		t.Fatalf("source called %d times, want 1", n)
	}

	now = now.Add(6 * time.Minute)
	if _, err := chain.GetToken(ctx, []string{"a", "b"}); err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if n := src.calls.Load(); n != 2 {
		t.Fatalf("source called %d times after skew, want 2", n)
	}

	if _, err := chain.GetToken(ctx, []string{"other"}); err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if n := src.calls.Load(); n != 3 {
		t.Fatalf("source called %d times for new scopes, want 3", n)
	}
}

func TestChainExpiryFromJWT(t *testing.T) {
	exp := time.Now().Add(42 * time.Minute).Truncate(time.Second)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("key"))
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	src := &fakeSource{name: "A", token: Token{Value: signed}}
	chain := newTestChain(t, []*fakeSource{src})
	got, err := chain.GetToken(context.Background(), nil)
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if !got.ExpiresAt.Equal(exp) {
		t.Fatalf("ExpiresAt = %v, want %v", got.ExpiresAt, exp)
	}
}

func TestChainDefaultLifetime(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	src := &fakeSource{name: "A", token: Token{Value: "opaque"}}
	chain := newTestChain(t, []*fakeSource{src}, WithClock(func() time.Time { return now }))
	got, err := chain.GetToken(context.Background(), nil)
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if want := now.Add(DefaultLifetime); !got.ExpiresAt.Equal(want) {
		t.Fatalf("ExpiresAt = %v, want %v", got.ExpiresAt, want)
	}
}

func TestChainSingleRefresh(t *testing.T) {
	src := &fakeSource{
		name:  "A",
		token: Token{Value: "t", ExpiresAt: time.Now().Add(time.Hour)},
		gate:  make(chan struct{}),
	}
	chain := newTestChain(t, []*fakeSource{src})

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := chain.GetToken(context.Background(), []string{"s"})
			errs <- err
		}()
	}
	for src.calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	close(src.gate)
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("GetToken: %v", err)
		}
	}
	if n := src.calls.Load(); n != 1 {
		t.Fatalf("source called %d times, want 1", n)
	}
}

func TestChainCanceled(t *testing.T) {
	src := &fakeSource{name: "A", token: Token{Value: "t"}}
	chain := newTestChain(t, []*fakeSource{src})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := chain.GetToken(ctx, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestChainCanceledMidSource(t *testing.T) {
	a := &fakeSource{name: "A", gate: make(chan struct{})}
	b := &fakeSource{name: "B", token: Token{Value: "t"}}
	chain := newTestChain(t, []*fakeSource{a, b})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := chain.GetToken(ctx, nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context.DeadlineExceeded", err)
	}
	time.Sleep(20 * time.Millisecond)
	if n := b.calls.Load(); n != 0 {
		t.Fatalf("source B called %d times after cancellation", n)
	}
}

func TestChainWaiterSurvivesCanceledLeader(t *testing.T) {
	src := &fakeSource{name: "A", token: Token{Value: "t"}, gate: make(chan struct{})}
	chain := newTestChain(t, []*fakeSource{src})

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderDone := make(chan error, 1)
	go func() {
		_, err := chain.GetToken(leaderCtx, nil)
		leaderDone <- err
	}()
	for src.calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}

	type result struct {
		tok Token
		err error
	}
	waiter := make(chan result, 1)
	go func() {
		tok, err := chain.GetToken(context.Background(), nil)
		waiter <- result{tok, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	if err := <-leaderDone; !errors.Is(err, context.Canceled) {
		t.Fatalf("leader err = %v, want context.Canceled", err)
	}
	time.Sleep(20 * time.Millisecond)
	close(src.gate)

	r := <-waiter
	if r.err != nil {
		t.Fatalf("waiter err = %v, want nil", r.err)
	}
	if r.tok.Value != "t" {
		t.Fatalf("waiter token = %q, want t", r.tok.Value)
	}
}

func TestAnonymous(t *testing.T) {
	var p Provider = Anonymous{}
	if _, err := p.GetToken(context.Background(), nil); !errors.Is(err, ErrAuthenticationRequired) {
		t.Fatalf("err = %v, want ErrAuthenticationRequired", err)
	}
}

func TestEnvironmentSourceToken(t *testing.T) {
	t.Setenv(EnvToken, "env-token")
	t.Setenv(EnvTokenExpiresAt, "2030-01-02T03:04:05Z")
	got, err := (&EnvironmentSource{}).Token(context.Background(), []string{"s"})
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	want := Token{Value: "env-token", ExpiresAt: time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC), Scopes: []string{"s"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("token mismatch (-want +got):\n%s", diff)
	}
}

func TestEnvironmentSourceUnset(t *testing.T) {
	t.Setenv(EnvToken, "")
	t.Setenv(EnvClientID, "")
	t.Setenv(EnvClientSecret, "")
	if _, err := (&EnvironmentSource{}).Token(context.Background(), nil); err == nil {
		t.Fatalf("Token succeeded with empty environment")
	}
}

func TestEnvironmentSourceClientCredentials(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tenant/oauth2/v2.0/token" {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm: %v", err)
		}
		if got := r.Form.Get("grant_type"); got != "client_credentials" {
			t.Errorf("grant_type = %q, want client_credentials", got)
		}
		if got := r.Form.Get("scope"); got != "https://management.example/.default" {
			t.Errorf("scope = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"cc-token","token_type":"bearer","expires_in":3600}`)
	}))
	defer ts.Close()

	t.Setenv(EnvToken, "")
	t.Setenv(EnvClientID, "app")
	t.Setenv(EnvClientSecret, "pw")
	chain, err := NewChain([]string{SourceEnvironment}, ts.URL+"/tenant", WithHTTPClient(ts.Client()), WithLogf(t.Logf))
	if err != nil {
		t.Fatalf("NewChain: %v", err)
	}
	got, err := chain.GetToken(context.Background(), []string{AudienceScope("https://management.example/")})
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if got.Value != "cc-token" {
		t.Fatalf("token = %q, want cc-token", got.Value)
	}
	if d := time.Until(got.ExpiresAt); d < 59*time.Minute || d > time.Hour {
		t.Fatalf("ExpiresAt in %v, want about an hour", d)
	}
}

func TestEnvironmentSourceSecretRedacted(t *testing.T) {
	const secret = "env-client-pw"
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		pw := r.Form.Get("client_secret")
		if _, p, ok := r.BasicAuth(); ok {
			pw = p
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, `{"error":"invalid_client","error_description":"bad secret %s"}`, pw)
	}))
	defer ts.Close()

	t.Setenv(EnvToken, "")
	t.Setenv(EnvClientID, "app")
	t.Setenv(EnvClientSecret, secret)
	chain, err := NewChain([]string{SourceEnvironment}, ts.URL+"/tenant", WithHTTPClient(ts.Client()), WithLogf(t.Logf))
	if err != nil {
		t.Fatalf("NewChain: %v", err)
	}
	_, err = chain.GetToken(context.Background(), nil)
	var all *AllSourcesFailedError
	if !errors.As(err, &all) {
		t.Fatalf("err = %v, want *AllSourcesFailedError", err)
	}
	if strings.Contains(err.Error(), secret) {
		t.Fatalf("error leaks client secret: %v", err)
	}
}

func TestDockerConfigSource(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	auth := base64.StdEncoding.EncodeToString([]byte("alice:hunter2"))
	cfg := `{"auths":{"https://registry.example":{"auth":"` + auth + `"},"tok.example":{"registrytoken":"rt"}}}`
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}

	got, err := (&DockerConfigSource{Path: path, Host: "registry.example"}).Token(context.Background(), nil)
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if !got.IsBasic() || got.Value != auth {
		t.Fatalf("token = %+v, want basic %q", got, auth)
	}
	if h := got.AuthorizationHeader(); h != "Basic "+auth {
		t.Fatalf("AuthorizationHeader = %q", h)
	}

	got, err = (&DockerConfigSource{Path: path, Host: "tok.example"}).Token(context.Background(), nil)
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if got.IsBasic() || got.Value != "rt" {
		t.Fatalf("token = %+v, want bearer rt", got)
	}

	if _, err := (&DockerConfigSource{Path: path, Host: "other.example"}).Token(context.Background(), nil); err == nil {
		t.Fatalf("Token succeeded for unknown host")
	}
}

func TestScopes(t *testing.T) {
	tests := []struct {
		got, want string
	}{
		{PullScope("bicep/storage"), "repository:bicep/storage:pull"},
		{PushScope("bicep/storage"), "repository:bicep/storage:pull,push"},
		{AudienceScope("https://management.azure.com/"), "https://management.azure.com/.default"},
		{AudienceScope("https://management.azure.com"), "https://management.azure.com/.default"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("scope = %q, want %q", tt.got, tt.want)
		}
	}
}
