// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command modreg packs, publishes and restores template modules stored as
// OCI artifacts, and can serve a local registry for them.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/shayne/yargs"
	"golang.org/x/term"
)

type globalFlagsParsed struct {
	Config    string `flag:"config" help:"Path to modreg.toml (default: nearest in parent directories)"`
	Verbose   bool   `flag:"verbose" short:"v" help:"Log retries, token exchanges and cache writes"`
	PlainHTTP bool   `flag:"plain-http" help:"Talk to every registry over http://"`
}

func parseGlobalFlags(args []string) (globalFlagsParsed, []string, error) {
	result, err := yargs.ParseKnownFlags[globalFlagsParsed](args, yargs.KnownFlagsOptions{})
	if err != nil {
		return globalFlagsParsed{}, nil, err
	}
	return result.Flags, result.RemainingArgs, nil
}

func buildHelpConfig() yargs.HelpConfig {
	return yargs.HelpConfig{
		Command: yargs.CommandInfo{
			Name:        "modreg",
			Description: "Distribute template modules through OCI registries.",
			Examples: []string{
				"modreg pack ./main.bicep ./modules/storage.bicep --out sources.zip",
				"modreg publish br:example.azurecr.io/bicep/storage:v1 ./main.json ./main.bicep",
				"modreg restore br:example.azurecr.io/bicep/storage:v1",
				"modreg serve --addr :5000 --dir ./registry",
			},
		},
		SubCommands: map[string]yargs.SubCommandInfo{
			"pack": {
				Name:        "pack",
				Description: "Pack source files into a source bundle",
				Usage:       "ENTRY [FILE...] [--out=sources.zip]",
			},
			"unpack": {
				Name:        "unpack",
				Description: "Extract a source bundle",
				Usage:       "ARCHIVE DEST",
			},
			"publish": {
				Name:        "publish",
				Description: "Publish a compiled template, and optionally its sources, as a module",
				Usage:       "REF TEMPLATE [ENTRY [FILE...]]",
				Examples:    []string{"modreg publish localhost:5000/mods/app:v1 ./main.json"},
			},
			"restore": {
				Name:        "restore",
				Description: "Restore modules into the local cache",
				Usage:       "REF [REF...] [--no-unpack]",
				Aliases:     []string{"pull"},
			},
			"tags": {
				Name:        "tags",
				Description: "List the tags of a module repository",
				Usage:       "REGISTRY/REPOSITORY",
			},
			"index": {
				Name:        "index",
				Description: "Show the public module index",
				Usage:       "[MODULE] [--file=index.json]",
			},
			"serve": {
				Name:        "serve",
				Description: "Serve a local OCI registry",
				Usage:       "[--addr=:5000] [--dir=DIR] [--backend=filesystem|containerd]",
			},
			"init": {
				Name:        "init",
				Description: "Write a modreg.toml with default settings",
				Usage:       "[PATH]",
			},
		},
	}
}

func main() {
	color.NoColor = !isTerminal(os.Stdout)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		printCLIError(os.Stderr, err)
		cancel()
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	flags, remaining, err := parseGlobalFlags(args)
	if err != nil {
		return err
	}
	helpConfig := buildHelpConfig()
	remaining = yargs.ApplyAliases(remaining, helpConfig)

	a := &app{flags: flags, stdout: stdout, stderr: stderr}
	handlers := map[string]yargs.SubcommandHandler{
		"pack":    a.handlePack,
		"unpack":  a.handleUnpack,
		"publish": a.handlePublish,
		"restore": a.handleRestore,
		"tags":    a.handleTags,
		"index":   a.handleIndex,
		"serve":   a.handleServe,
		"init":    a.handleInit,
	}
	return yargs.RunSubcommands(ctx, remaining, helpConfig, globalFlagsParsed{}, handlers)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func printCLIError(w io.Writer, err error) {
	if err == nil {
		return
	}
	fmt.Fprint(w, color.RedString("error: "))
	fmt.Fprintln(w, err)
}
