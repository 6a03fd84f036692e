// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/yeetrun/modreg/pkg/auth"
	"github.com/yeetrun/modreg/pkg/backoff"
	"github.com/yeetrun/modreg/pkg/cache"
	"github.com/yeetrun/modreg/pkg/config"
	"github.com/yeetrun/modreg/pkg/oci"
)

// app holds what the subcommands share.
type app struct {
	flags  globalFlagsParsed
	stdout io.Writer
	stderr io.Writer

	loadOnce sync.Once
	loc      *config.Location
	loadErr  error
}

func (a *app) config() (*config.Location, error) {
	a.loadOnce.Do(func() {
		if a.flags.Config != "" {
			cfg, err := config.Load(a.flags.Config)
			if err != nil {
				a.loadErr = err
				return
			}
			a.loc = &config.Location{Path: a.flags.Config, Dir: filepath.Dir(a.flags.Config), Config: cfg}
			return
		}
		a.loc, a.loadErr = config.LoadFromCwd()
	})
	return a.loc, a.loadErr
}

// logf logs only with --verbose.
func (a *app) logf(format string, args ...any) {
	if a.flags.Verbose {
		log.New(a.stderr, "", log.LstdFlags).Printf(format, args...)
	}
}

// credentials builds the credential chain for registry host.
func (a *app) credentials(cfg *config.Config, host string) (auth.Provider, error) {
	opts := []auth.ChainOption{
		auth.WithLogf(a.logf),
		auth.WithDockerConfig("", host),
	}
	if cfg.Cloud.ClientID != "" && cfg.Cloud.ClientSecretEnv != "" {
		opts = append(opts, auth.WithClientCredentials(cfg.Cloud.ClientID, os.Getenv(cfg.Cloud.ClientSecretEnv), ""))
	}
	chain, err := auth.NewChain(cfg.Cloud.CredentialPrecedence, cfg.Cloud.Authority, opts...)
	if err != nil {
		return nil, fmt.Errorf("credentials: %w", err)
	}
	return chain, nil
}

// client returns an OCI client for registry host.
func (a *app) client(host string) (*oci.Client, error) {
	loc, err := a.config()
	if err != nil {
		return nil, err
	}
	cfg := loc.Config
	creds, err := a.credentials(cfg, host)
	if err != nil {
		return nil, err
	}
	opts := []oci.Option{
		oci.WithCredentials(creds),
		oci.WithLogf(a.logf),
		oci.WithPlainHTTPHosts(cfg.Registry.PlainHTTP...),
		oci.WithRetry(backoff.Policy{
			MaxAttempts: cfg.Registry.RetryAttempts,
			Initial:     cfg.Registry.RetryInitial.D(),
			Max:         cfg.Registry.RetryMax.D(),
		}),
	}
	if a.flags.PlainHTTP {
		opts = append(opts, oci.WithPlainHTTP(true))
	}
	if cfg.Cloud.Audience != "" {
		opts = append(opts, oci.WithAudience(cfg.Cloud.Audience))
	}
	return oci.New(opts...), nil
}

const (
	defaultContainerdSocket = "/run/containerd/containerd.sock"
	containerdCachePrefix   = "modreg.local/cache"
)

// store opens the module cache. The returned root is the directory keys
// resolve under, or "" when the cache is not on the filesystem.
func (a *app) store() (cache.Store, string, func() error, error) {
	loc, err := a.config()
	if err != nil {
		return nil, "", nil, err
	}
	dir, err := loc.CacheDir()
	if err != nil {
		return nil, "", nil, err
	}
	switch loc.Config.Cache.Backend {
	case config.BackendContainerd:
		socket := loc.Config.Cache.ContainerdSocket
		if socket == "" {
			socket = defaultContainerdSocket
		}
		s, err := cache.NewContainerdStore(socket, "", containerdCachePrefix)
		if err != nil {
			return nil, "", nil, err
		}
		return s, "", s.Close, nil
	default:
		s, err := cache.NewFilesystemStore(dir)
		if err != nil {
			return nil, "", nil, err
		}
		return s, dir, func() error { return nil }, nil
	}
}
