// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestParseChallenge(t *testing.T) {
	tests := []struct {
		in      string
		want    Challenge
		wantErr bool
	}{
		{
			in: `Bearer realm="https://r.example/token",service="r.example",scope="repository:a/b:pull"`,
			want: Challenge{
				Scheme:  "Bearer",
				Realm:   "https://r.example/token",
				Service: "r.example",
				Scopes:  []string{"repository:a/b:pull"},
			},
		},
		{
			in: `Bearer realm="https://r.example/token", scope="repository:a:pull repository:b:pull,push"`,
			want: Challenge{
				Scheme: "Bearer",
				Realm:  "https://r.example/token",
				Scopes: []string{"repository:a:pull", "repository:b:pull,push"},
			},
		},
		{
			in:   `Basic realm="Registry \"x\""`,
			want: Challenge{Scheme: "Basic", Realm: `Registry "x"`},
		},
		{
			in:   `Bearer realm=https://r.example/token,service=r.example`,
			want: Challenge{Scheme: "Bearer", Realm: "https://r.example/token", Service: "r.example"},
		},
		{in: ``, wantErr: true},
		{in: `Bearer service="x"`, wantErr: true},
		{in: `Bearer realm="unterminated`, wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseChallenge(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseChallenge(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if diff := cmp.Diff(tt.want, got); diff != "" && !tt.wantErr {
			t.Errorf("ParseChallenge(%q) mismatch (-want +got):\n%s", tt.in, diff)
		}
	}
}

func TestExchange(t *testing.T) {
	issued := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer chain-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		q := r.URL.Query()
		if q.Get("service") != "r.example" {
			t.Errorf("service = %q", q.Get("service"))
		}
		if diff := cmp.Diff([]string{"repository:a:pull,push"}, q["scope"]); diff != "" {
			t.Errorf("scope mismatch (-want +got):\n%s", diff)
		}
		fmt.Fprintf(w, `{"access_token":"registry-token","expires_in":300,"issued_at":%q}`, issued.Format(time.RFC3339))
	}))
	defer ts.Close()

	ex := &Exchanger{HTTPClient: ts.Client()}
	ch := Challenge{Scheme: "Bearer", Realm: ts.URL + "/token", Service: "r.example", Scopes: []string{"repository:a:pull"}}

	got, err := ex.Exchange(context.Background(), ch, Token{Value: "chain-token"}, []string{PushScope("a")})
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	want := Token{Value: "registry-token", ExpiresAt: issued.Add(5 * time.Minute), Scopes: []string{"repository:a:pull,push"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("token mismatch (-want +got):\n%s", diff)
	}

	_, err = ex.Exchange(context.Background(), ch, Token{Value: "wrong"}, nil)
	if !errors.Is(err, ErrTokenExchangeFailed) {
		t.Fatalf("err = %v, want ErrTokenExchangeFailed", err)
	}
}

func TestExchangeDefaultLifetime(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"token":"anon"}`)
	}))
	defer ts.Close()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	ex := &Exchanger{HTTPClient: ts.Client(), now: func() time.Time { return now }}
	got, err := ex.Exchange(context.Background(), Challenge{Scheme: "Bearer", Realm: ts.URL}, Token{}, nil)
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if got.Value != "anon" || !got.ExpiresAt.Equal(now.Add(DefaultExchangeLifetime)) {
		t.Fatalf("token = %+v", got)
	}
}

func TestExchangeRejectsBasicChallenge(t *testing.T) {
	_, err := (&Exchanger{}).Exchange(context.Background(), Challenge{Scheme: "Basic"}, Token{}, nil)
	if !errors.Is(err, ErrTokenExchangeFailed) {
		t.Fatalf("err = %v, want ErrTokenExchangeFailed", err)
	}
}
