// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package commands builds the chunkpack command tree.
package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/chunkpack/cmd/chunkpack/cli"
	"github.com/bureau-foundation/chunkpack/lib/config"
	"github.com/bureau-foundation/chunkpack/lib/version"
)

// Root returns the complete command tree.
func Root() *cli.Command {
	return &cli.Command{
		Name: "chunkpack",
		Description: `chunkpack: content-addressed container packaging.

Builds containers of compressed, optionally encrypted chunks with a
perfect-hash table of contents, reusing earlier compression work from a
content cache or a reference database of previous builds.`,
		Subcommands: []*cli.Command{
			buildCommand(),
			indexCommand(),
			inspectCommand(),
			keygenCommand(),
			versionCommand(),
		},
	}
}

// loadConfig loads path, or CHUNKPACK_CONFIG when path is empty, or
// the defaults when neither is set.
func loadConfig(path string) (*config.Config, error) {
	var cfg *config.Config
	var err error
	switch {
	case path != "":
		cfg, err = config.LoadFile(path)
	case os.Getenv("CHUNKPACK_CONFIG") != "":
		cfg, err = config.Load()
	default:
		cfg = config.Default()
	}
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func versionCommand() *cli.Command {
	var output cli.Output
	return &cli.Command{
		Name:    "version",
		Summary: "Print version information",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("version", pflag.ContinueOnError)
			output.AddFlags(flagSet)
			return flagSet
		},
		Run: func(_ context.Context, _ []string, _ *slog.Logger) error {
			return output.Write(version.Current())
		},
	}
}
