// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config loads modreg.toml, or modreg.yaml, from the working
// directory or the nearest parent that has one.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/yeetrun/modreg/pkg/fileutil"
	"gopkg.in/yaml.v3"
)

const currentVersion = 1

// FileNames are the config file names looked for, in order, in each
// directory.
var FileNames = []string{"modreg.toml", "modreg.yaml", "modreg.yml"}

// Config is the modreg configuration.
type Config struct {
	Version  int      `toml:"version,omitempty" yaml:"version,omitempty"`
	Cloud    Cloud    `toml:"cloud" yaml:"cloud"`
	Registry Registry `toml:"registry" yaml:"registry"`
	Index    Index    `toml:"index" yaml:"index"`
	Cache    Cache    `toml:"cache" yaml:"cache"`
}

// Cloud configures the credential chain.
type Cloud struct {
	CredentialPrecedence []string `toml:"credential_precedence,omitempty" yaml:"credential_precedence,omitempty"`
	Authority            string   `toml:"authority,omitempty" yaml:"authority,omitempty"`
	Audience             string   `toml:"audience,omitempty" yaml:"audience,omitempty"`
	ClientID             string   `toml:"client_id,omitempty" yaml:"client_id,omitempty"`
	// ClientSecretEnv names the environment variable holding the client
	// secret. Secrets are never stored in the file.
	ClientSecretEnv string `toml:"client_secret_env,omitempty" yaml:"client_secret_env,omitempty"`
}

// Registry configures the OCI client.
type Registry struct {
	PlainHTTP     []string `toml:"plain_http,omitempty" yaml:"plain_http,omitempty"`
	RetryAttempts int      `toml:"retry_attempts,omitempty" yaml:"retry_attempts,omitempty"`
	RetryInitial  Duration `toml:"retry_initial,omitempty" yaml:"retry_initial,omitempty"`
	RetryMax      Duration `toml:"retry_max,omitempty" yaml:"retry_max,omitempty"`
}

// Index configures the module index provider.
type Index struct {
	URL             string   `toml:"url,omitempty" yaml:"url,omitempty"`
	InitialDelay    Duration `toml:"initial_delay,omitempty" yaml:"initial_delay,omitempty"`
	MaxDelay        Duration `toml:"max_delay,omitempty" yaml:"max_delay,omitempty"`
	RefreshInterval Duration `toml:"refresh_interval,omitempty" yaml:"refresh_interval,omitempty"`
}

// Cache backends.
const (
	BackendFilesystem = "filesystem"
	BackendContainerd = "containerd"
)

// Cache configures the module cache.
type Cache struct {
	Dir              string `toml:"dir,omitempty" yaml:"dir,omitempty"`
	Backend          string `toml:"backend,omitempty" yaml:"backend,omitempty"`
	ContainerdSocket string `toml:"containerd_socket,omitempty" yaml:"containerd_socket,omitempty"`
}

// Duration is a time.Duration written as a string such as "500ms".
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Location is a loaded config and where it came from.
type Location struct {
	Path   string
	Dir    string
	Config *Config
}

// Default returns the configuration used when no file is found.
func Default() *Config {
	return &Config{
		Version: currentVersion,
		Cache:   Cache{Backend: BackendFilesystem},
	}
}

// Find returns the path of the nearest config file at or above startDir.
// It returns an error wrapping os.ErrNotExist when there is none.
func Find(startDir string) (string, error) {
	dir := filepath.Clean(startDir)
	for {
		for _, name := range FileNames {
			path := filepath.Join(dir, name)
			if _, err := os.Stat(path); err == nil {
				return path, nil
			} else if !os.IsNotExist(err) {
				return "", err
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", os.ErrNotExist
}

// Load reads the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	default:
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("failed to parse %s: unknown key %q", path, undecoded[0].String())
		}
	}
	if cfg.Version == 0 {
		cfg.Version = currentVersion
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromDir loads the nearest config at or above dir. It returns the
// default config with an empty Path when there is none.
func LoadFromDir(dir string) (*Location, error) {
	path, err := Find(dir)
	if errors.Is(err, os.ErrNotExist) {
		return &Location{Dir: dir, Config: Default()}, nil
	}
	if err != nil {
		return nil, err
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Location{Path: path, Dir: filepath.Dir(path), Config: cfg}, nil
}

// LoadFromCwd is LoadFromDir for the working directory.
func LoadFromCwd() (*Location, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	return LoadFromDir(cwd)
}

// Validate checks field values.
func (c *Config) Validate() error {
	if c.Version > currentVersion {
		return fmt.Errorf("unsupported config version %d", c.Version)
	}
	switch c.Cache.Backend {
	case "", BackendFilesystem, BackendContainerd:
	default:
		return fmt.Errorf("unknown cache backend %q", c.Cache.Backend)
	}
	if c.Registry.RetryAttempts < 0 {
		return fmt.Errorf("registry.retry_attempts must not be negative")
	}
	return nil
}

// CacheDir returns the cache directory, relative paths resolved against
// the config's directory. It defaults to the user cache directory.
func (l *Location) CacheDir() (string, error) {
	dir := l.Config.Cache.Dir
	if dir == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(base, "modreg"), nil
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(l.Dir, dir)
	}
	return dir, nil
}

// Save writes cfg to path as TOML or YAML depending on its extension.
func Save(path string, cfg *Config) error {
	if cfg.Version == 0 {
		cfg.Version = currentVersion
	}
	var buf bytes.Buffer
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			return err
		}
		if err := enc.Close(); err != nil {
			return err
		}
	default:
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return err
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return fileutil.WriteFile(path, buf.Bytes(), 0o644)
}
