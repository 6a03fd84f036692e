// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/shayne/yargs"
	"github.com/yeetrun/modreg/pkg/batch"
	"github.com/yeetrun/modreg/pkg/bundle"
	"github.com/yeetrun/modreg/pkg/config"
	"github.com/yeetrun/modreg/pkg/fileutil"
	"github.com/yeetrun/modreg/pkg/index"
	"github.com/yeetrun/modreg/pkg/oci"
	"github.com/yeetrun/modreg/pkg/registry"
	"github.com/yeetrun/modreg/pkg/restore"
	"github.com/yeetrun/modreg/pkg/tui"
)

// trimCommand drops the subcommand name the router leaves in args.
func trimCommand(args []string, name string) []string {
	if len(args) > 0 && args[0] == name {
		return args[1:]
	}
	return args
}

func fileURI(path string) string {
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(path)}).String()
}

func kindFor(path string) (bundle.Kind, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".bicep":
		return bundle.KindBicep, nil
	case ".json", ".jsonc":
		return bundle.KindArmTemplate, nil
	}
	return "", fmt.Errorf("%s: %w", path, bundle.ErrUnsupportedSourceKind)
}

// packFiles packs entry and others, read from disk.
func packFiles(entry string, others []string) (*bundle.Packed, error) {
	var files []bundle.SourceFile
	var entryURI string
	for i, p := range append([]string{entry}, others...) {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, err
		}
		kind, err := kindFor(abs)
		if err != nil {
			return nil, err
		}
		text, err := os.ReadFile(abs)
		if err != nil {
			return nil, err
		}
		uri := fileURI(abs)
		if i == 0 {
			entryURI = uri
		}
		files = append(files, bundle.SourceFile{URI: uri, Kind: kind, Text: string(text)})
	}
	return bundle.Pack(entryURI, files)
}

type packFlagsParsed struct {
	Out string `flag:"out" short:"o" help:"Archive to write (default sources.zip)"`
}

func (a *app) handlePack(_ context.Context, args []string) error {
	result, err := yargs.ParseFlags[packFlagsParsed](trimCommand(args, "pack"))
	if err != nil {
		return err
	}
	if len(result.Args) == 0 {
		return errors.New("missing entry point argument")
	}
	packed, err := packFiles(result.Args[0], result.Args[1:])
	if err != nil {
		return err
	}
	defer packed.Close()
	out := result.Flags.Out
	if out == "" {
		out = "sources.zip"
	}
	if err := fileutil.CopyFile(packed.Path(), out); err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "%s %s (%d files)\n", out, packed.Descriptor().Digest, len(packed.Metadata().SourceFiles))
	return nil
}

func (a *app) handleUnpack(ctx context.Context, args []string) error {
	args = trimCommand(args, "unpack")
	if len(args) != 2 {
		return errors.New("usage: unpack ARCHIVE DEST")
	}
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return err
	}
	md, err := bundle.Unpack(ctx, f, fi.Size(), args[1], bundle.Limits{})
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "entry point %s\n", md.EntryPoint)
	for _, e := range md.SourceFiles {
		fmt.Fprintf(a.stdout, "  %s -> %s\n", e.URI, e.LocalPath)
	}
	return nil
}

func (a *app) handlePublish(ctx context.Context, args []string) error {
	args = trimCommand(args, "publish")
	if len(args) < 2 {
		return errors.New("usage: publish REF TEMPLATE [ENTRY [FILE...]]")
	}
	ref, err := oci.ParseReference(args[0])
	if err != nil {
		return err
	}
	template, err := os.ReadFile(args[1])
	if err != nil {
		return err
	}
	var sources *bundle.Packed
	if len(args) > 2 {
		if sources, err = packFiles(args[2], args[3:]); err != nil {
			return err
		}
		defer sources.Close()
	}
	c, err := a.client(ref.Registry)
	if err != nil {
		return err
	}
	dg, err := c.PublishModule(ctx, ref, template, sources)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "%s %s\n", color.GreenString("published"), ref.WithDigest(dg))
	return nil
}

type restoreFlagsParsed struct {
	NoUnpack bool `flag:"no-unpack" help:"Keep source bundles zipped"`
}

func (a *app) handleRestore(ctx context.Context, args []string) error {
	result, err := yargs.ParseFlags[restoreFlagsParsed](trimCommand(args, "restore"))
	if err != nil {
		return err
	}
	if len(result.Args) == 0 {
		return errors.New("missing module reference")
	}
	var refs []oci.Reference
	byHost := make(map[string][]oci.Reference)
	for _, s := range result.Args {
		ref, err := oci.ParseReference(s)
		if err != nil {
			return err
		}
		refs = append(refs, ref)
		byHost[ref.Registry] = append(byHost[ref.Registry], ref)
	}
	store, root, closeStore, err := a.store()
	if err != nil {
		return err
	}
	defer closeStore()

	b := batch.New(ctx)
	spin := tui.NewSpinner(a.stderr, tui.WithTerminal(isTerminal(a.stderr)))
	var spinMu sync.Mutex
	finished := false
	b.OnSlow(time.Second, func() {
		spinMu.Lock()
		defer spinMu.Unlock()
		if !finished {
			spin.Start(fmt.Sprintf("restoring %d module(s)...", len(refs)))
		}
	})
	for host, hostRefs := range byHost {
		c, err := a.client(host)
		if err != nil {
			return err
		}
		s := &restore.Scheduler{
			Client: c,
			Store:  store,
			Unpack: !result.Flags.NoUnpack && root != "",
			Root:   root,
			Logf:   a.logf,
		}
		if _, err := s.RequestRestore(b, hostRefs); err != nil {
			return err
		}
	}
	err = b.Wait()
	spinMu.Lock()
	finished = true
	spin.Stop("")
	spinMu.Unlock()
	if err != nil {
		return err
	}
	for _, ref := range refs {
		dg, ok := oci.CachedDigest(ctx, store, ref)
		if !ok {
			return fmt.Errorf("%s: not in cache after restore", ref)
		}
		entry := oci.CacheEntryFor(ref, dg)
		where := entry.Dir
		if root != "" {
			where = filepath.Join(root, filepath.FromSlash(entry.Dir))
		}
		fmt.Fprintf(a.stdout, "%s %s %s\n", color.GreenString("restored"), ref.WithDigest(dg), where)
	}
	return nil
}

func (a *app) handleTags(ctx context.Context, args []string) error {
	args = trimCommand(args, "tags")
	if len(args) != 1 {
		return errors.New("usage: tags REGISTRY/REPOSITORY")
	}
	host, repo, ok := strings.Cut(strings.TrimPrefix(args[0], oci.ModuleScheme), "/")
	if !ok || host == "" || !registry.ValidRepository(repo) {
		return fmt.Errorf("%w: %q", oci.ErrInvalidReference, args[0])
	}
	c, err := a.client(host)
	if err != nil {
		return err
	}
	tags, err := c.Tags(ctx, host, repo)
	if err != nil {
		return err
	}
	for _, t := range tags {
		fmt.Fprintln(a.stdout, t)
	}
	return nil
}

type indexFlagsParsed struct {
	File string `flag:"file" help:"Read the index from a local JSON file"`
	URL  string `flag:"url" help:"Index URL (overrides config)"`
}

func (a *app) indexProvider(cfg *config.Config, indexURL string) *index.Provider {
	opts := []index.Option{index.WithLogf(a.logf)}
	if indexURL == "" {
		indexURL = cfg.Index.URL
	}
	if indexURL != "" {
		opts = append(opts, index.WithURL(indexURL))
	}
	if cfg.Index.InitialDelay > 0 && cfg.Index.MaxDelay > 0 {
		opts = append(opts, index.WithBackoff(cfg.Index.InitialDelay.D(), cfg.Index.MaxDelay.D()))
	}
	return index.New(opts...)
}

func (a *app) handleIndex(ctx context.Context, args []string) error {
	result, err := yargs.ParseFlags[indexFlagsParsed](trimCommand(args, "index"))
	if err != nil {
		return err
	}
	loc, err := a.config()
	if err != nil {
		return err
	}
	p := a.indexProvider(loc.Config, result.Flags.URL)
	if result.Flags.File != "" {
		data, err := os.ReadFile(result.Flags.File)
		if err != nil {
			return err
		}
		if err := p.Load(data); err != nil {
			return err
		}
	}

	w := tabwriter.NewWriter(a.stdout, 0, 0, 3, ' ', 0)
	defer w.Flush()
	if len(result.Args) > 0 {
		module := result.Args[0]
		versions, err := p.GetVersions(ctx, module)
		if err != nil {
			return err
		}
		for _, v := range versions {
			desc, err := p.Description(ctx, module, v)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "%s\t%s\n", v, desc)
		}
		return nil
	}
	modules, err := p.GetModules(ctx)
	if err != nil {
		return err
	}
	for _, m := range modules {
		latest := ""
		if len(m.Tags) > 0 {
			latest = m.Tags[len(m.Tags)-1]
		}
		fmt.Fprintf(w, "%s\t%s\n", color.CyanString(m.ModuleName), latest)
	}
	return nil
}

type serveFlagsParsed struct {
	Addr           string   `flag:"addr" help:"Listen address (default :5000)"`
	Dir            string   `flag:"dir" help:"Storage directory for the filesystem backend"`
	Backend        string   `flag:"backend" help:"Storage backend (filesystem|containerd)"`
	Socket         string   `flag:"socket" help:"containerd socket for the containerd backend"`
	TokenSecretEnv string   `flag:"token-secret-env" help:"Require tokens signed with the secret in this environment variable"`
	User           []string `flag:"user" help:"NAME:PASSWORD accepted by /token (repeatable)"`
	AnonymousPull  bool     `flag:"anonymous-pull" help:"Issue pull tokens without credentials"`
}

func (a *app) handleServe(ctx context.Context, args []string) error {
	result, err := yargs.ParseFlags[serveFlagsParsed](trimCommand(args, "serve"))
	if err != nil {
		return err
	}
	f := result.Flags
	if f.Addr == "" {
		f.Addr = ":5000"
	}

	var storage registry.Storage
	switch f.Backend {
	case "", config.BackendFilesystem:
		dir := f.Dir
		if dir == "" {
			loc, err := a.config()
			if err != nil {
				return err
			}
			cacheDir, err := loc.CacheDir()
			if err != nil {
				return err
			}
			dir = filepath.Join(cacheDir, "registry")
		}
		fs, err := registry.NewFilesystemStorage(dir)
		if err != nil {
			return err
		}
		storage = fs
	case config.BackendContainerd:
		socket := f.Socket
		if socket == "" {
			socket = defaultContainerdSocket
		}
		cs, err := registry.NewContainerdStorage(socket, "", registry.DefaultContainerdHost)
		if err != nil {
			return err
		}
		defer cs.Close()
		storage = cs
	default:
		return fmt.Errorf("unknown backend %q", f.Backend)
	}

	opts := []registry.Option{registry.WithLogf(a.logf), registry.WithVerbose(a.flags.Verbose)}
	if f.TokenSecretEnv != "" {
		secret := os.Getenv(f.TokenSecretEnv)
		if secret == "" {
			return fmt.Errorf("%s is empty", f.TokenSecretEnv)
		}
		opts = append(opts, registry.WithTokenAuth([]byte(secret)))
		if len(f.User) > 0 {
			users := make(map[string]string, len(f.User))
			for _, u := range f.User {
				name, pw, ok := strings.Cut(u, ":")
				if !ok {
					return fmt.Errorf("--user %q: want NAME:PASSWORD", u)
				}
				users[name] = pw
			}
			opts = append(opts, registry.WithBasicUsers(users))
		}
		if f.AnonymousPull {
			opts = append(opts, registry.WithAnonymousPull())
		}
	}
	fmt.Fprintf(a.stderr, "serving registry on %s\n", f.Addr)
	return registry.ListenAndServe(ctx, f.Addr, registry.New(storage, opts...))
}

func (a *app) handleInit(_ context.Context, args []string) error {
	args = trimCommand(args, "init")
	path := "modreg.toml"
	if len(args) > 0 {
		path = args[0]
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	if err := config.Save(path, config.Default()); err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "wrote %s\n", path)
	return nil
}
