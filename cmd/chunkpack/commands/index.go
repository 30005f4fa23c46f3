// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/chunkpack/cmd/chunkpack/cli"
	"github.com/bureau-foundation/chunkpack/lib/refdb"
	"github.com/bureau-foundation/chunkpack/lib/secret"
)

type indexParams struct {
	cli.Output

	ConfigPath   string
	ReferenceDB  string
	KeyPath      string
	IdentityPath string
}

// indexResult is the output of chunkpack index.
type indexResult struct {
	Indexed    []refdb.IndexStats `json:"indexed"`
	Containers int                `json:"containers"`
	Chunks     int                `json:"chunks"`
}

func indexCommand() *cli.Command {
	var params indexParams
	return &cli.Command{
		Name:    "index",
		Summary: "Add finalized containers to a reference database",
		Description: `Record every chunk of finalized containers in a reference chunk
database. Later builds with --reference-db copy the compressed blocks of
unchanged chunks instead of compressing them again.

Indexing a container already in the database replaces it. The partition
files must stay in place: the database stores block locations, not bytes.`,
		Usage: "chunkpack index --reference-db <path> <container.toc>...",
		Examples: []cli.Example{
			{
				Description: "Index the last release",
				Command:     "chunkpack index --reference-db ref.db release/game.toc release/dlc.toc",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("index", pflag.ContinueOnError)
			flagSet.StringVar(&params.ConfigPath, "config", "", "config file (default: $CHUNKPACK_CONFIG, else built-in defaults)")
			flagSet.StringVar(&params.ReferenceDB, "reference-db", "", "reference chunk database (overrides reference_db.path)")
			flagSet.StringVar(&params.KeyPath, "key", "", "sealed container key, to check encrypted containers")
			flagSet.StringVar(&params.IdentityPath, "identity", "", "age identity file that opens --key")
			params.Output.AddFlags(flagSet)
			return flagSet
		},
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			if len(args) == 0 {
				return cli.Validation("at least one container TOC is required")
			}
			result, err := runIndex(ctx, params, args, logger)
			if err != nil {
				return err
			}
			return params.Output.Write(result)
		},
	}
}

func runIndex(ctx context.Context, params indexParams, tocPaths []string, logger *slog.Logger) (indexResult, error) {
	cfg, err := loadConfig(params.ConfigPath)
	if err != nil {
		return indexResult{}, err
	}
	if params.ReferenceDB != "" {
		cfg.ReferenceDB.Path = params.ReferenceDB
	}
	if cfg.ReferenceDB.Path == "" {
		return indexResult{}, cli.Validation("--reference-db is required")
	}
	if params.KeyPath != "" {
		cfg.Encryption.SealedKey = params.KeyPath
		cfg.Encryption.Identity = params.IdentityPath
	}

	var masterKey *secret.Buffer
	if cfg.Encryption.SealedKey != "" {
		masterKey, err = openContainerKey(cfg.Encryption)
		if err != nil {
			return indexResult{}, err
		}
		defer masterKey.Close()
	}

	database, err := refdb.Open(refdb.Config{
		Path:      cfg.ReferenceDB.Path,
		BlockSize: cfg.Writer.CompressionBlockSize,
		PoolSize:  cfg.ReferenceDB.PoolSize,
		MasterKey: masterKey,
		Logger:    logger,
	})
	if err != nil {
		return indexResult{}, err
	}
	defer database.Close()

	var result indexResult
	for _, tocPath := range tocPaths {
		stats, err := database.IndexContainer(ctx, tocPath)
		if err != nil {
			return indexResult{}, fmt.Errorf("indexing %s: %w", tocPath, err)
		}
		logger.Info("indexed container",
			"toc", tocPath,
			"container_id", stats.ContainerID,
			"chunks", stats.Chunks,
			"blocks", stats.Blocks,
		)
		result.Indexed = append(result.Indexed, stats)
	}

	result.Containers, result.Chunks, err = database.Summary(ctx)
	if err != nil {
		return indexResult{}, err
	}
	return result, nil
}
