// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/bureau-foundation/chunkpack/cmd/chunkpack/cli"
	"github.com/bureau-foundation/chunkpack/lib/config"
	"github.com/bureau-foundation/chunkpack/lib/manifest"
	"github.com/bureau-foundation/chunkpack/lib/packer"
	"github.com/bureau-foundation/chunkpack/lib/packmetrics"
	"github.com/bureau-foundation/chunkpack/lib/refdb"
	"github.com/bureau-foundation/chunkpack/lib/sealed"
	"github.com/bureau-foundation/chunkpack/lib/secret"
	"github.com/bureau-foundation/chunkpack/lib/toc"
)

type buildParams struct {
	cli.Output

	ConfigPath   string
	ManifestPath string
	OutputPath   string
	Previous     []string
	ReferenceDB  string
	KeyPath      string
	IdentityPath string
	MetricsAddr  string
}

func buildCommand() *cli.Command {
	var params buildParams
	return &cli.Command{
		Name:    "build",
		Summary: "Build a container from a manifest",
		Description: `Build a container from a JSONC manifest and print the build result.

The container's TOC is written to <output>.toc and its partitions to
<output>.cas, <output>_s1.cas, and so on. With --previous, chunks keep
the disk order of the previous build; a manifest with "diff_patch" then
writes only added and modified chunks.`,
		Usage: "chunkpack build --manifest <file> --output <base path> [flags]",
		Examples: []cli.Example{
			{
				Description: "Build with settings from a config file",
				Command:     "chunkpack build --config chunkpack.yaml --manifest game.jsonc --output out/game",
			},
			{
				Description: "Rebuild reusing the previous release's compressed blocks",
				Command:     "chunkpack build --manifest game.jsonc --output out/game --previous release/game.toc --reference-db ref.db",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("build", pflag.ContinueOnError)
			flagSet.StringVar(&params.ConfigPath, "config", "", "config file (default: $CHUNKPACK_CONFIG, else built-in defaults)")
			flagSet.StringVar(&params.ManifestPath, "manifest", "", "build manifest (JSONC)")
			flagSet.StringVarP(&params.OutputPath, "output", "o", "", "container base path, without extension")
			flagSet.StringSliceVar(&params.Previous, "previous", nil, "TOC of a previous build, for disk layout ordering (repeatable)")
			flagSet.StringVar(&params.ReferenceDB, "reference-db", "", "reference chunk database (overrides reference_db.path)")
			flagSet.StringVar(&params.KeyPath, "key", "", "sealed container key (overrides encryption.sealed_key)")
			flagSet.StringVar(&params.IdentityPath, "identity", "", "age identity file that opens --key, or - for stdin")
			flagSet.StringVar(&params.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics here during the build (overrides metrics.listen_address)")
			params.Output.AddFlags(flagSet)
			return flagSet
		},
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			if len(args) > 0 {
				return cli.Validation("unexpected argument: %s", args[0])
			}
			if params.ManifestPath == "" || params.OutputPath == "" {
				return cli.Validation("--manifest and --output are required")
			}
			result, err := runBuild(ctx, params, logger)
			if err != nil {
				return err
			}
			return params.Output.Write(result)
		},
	}
}

func runBuild(ctx context.Context, params buildParams, logger *slog.Logger) (packer.Result, error) {
	cfg, err := loadConfig(params.ConfigPath)
	if err != nil {
		return packer.Result{}, err
	}
	if params.ReferenceDB != "" {
		cfg.ReferenceDB.Path = params.ReferenceDB
	}
	if params.KeyPath != "" {
		cfg.Encryption.SealedKey = params.KeyPath
	}
	if params.IdentityPath != "" {
		cfg.Encryption.Identity = params.IdentityPath
	}
	if params.MetricsAddr != "" {
		cfg.Metrics.ListenAddress = params.MetricsAddr
	}

	build, err := manifest.ReadFile(params.ManifestPath)
	if err != nil {
		return packer.Result{}, err
	}
	containerSettings, err := build.ContainerSettings()
	if err != nil {
		return packer.Result{}, err
	}
	logger = logger.With("container", build.Container, "container_id", containerSettings.ContainerID)

	settings, err := cfg.WriterSettings()
	if err != nil {
		return packer.Result{}, err
	}
	settings.Logger = logger

	store, cacheCloser, err := cfg.OpenCache(logger)
	if err != nil {
		return packer.Result{}, fmt.Errorf("opening cache: %w", err)
	}
	defer cacheCloser.Close()
	settings.Cache = store

	if cfg.Metrics.ListenAddress != "" {
		registry := prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		settings.Metrics = packmetrics.New(registry)
		stop, err := serveMetrics(cfg.Metrics.ListenAddress, registry, logger)
		if err != nil {
			return packer.Result{}, err
		}
		defer stop()
	}

	var masterKey *secret.Buffer
	if containerSettings.Flags.Has(toc.ContainerEncrypted) {
		masterKey, err = openContainerKey(cfg.Encryption)
		if err != nil {
			return packer.Result{}, err
		}
		defer masterKey.Close()
		containerSettings.EncryptionKey = masterKey
	}

	writerContext, err := packer.NewContext(settings)
	if err != nil {
		return packer.Result{}, err
	}
	defer writerContext.Close()

	writer, err := writerContext.CreateContainer(params.OutputPath, containerSettings)
	if err != nil {
		return packer.Result{}, err
	}

	if cfg.ReferenceDB.Path != "" {
		database, err := refdb.Open(refdb.Config{
			Path:      cfg.ReferenceDB.Path,
			BlockSize: settings.CompressionBlockSize,
			ReadOnly:  true,
			PoolSize:  cfg.ReferenceDB.PoolSize,
			MasterKey: masterKey,
			Logger:    logger,
		})
		if err != nil {
			// Builds proceed without reference reuse.
			logger.Warn("reference database unavailable", "path", cfg.ReferenceDB.Path, "error", err)
		} else {
			defer database.Close()
			writer.SetReferenceChunkDatabase(database)
		}
	}

	if len(params.Previous) > 0 {
		previous := make([]*toc.Resource, 0, len(params.Previous))
		for _, path := range params.Previous {
			resource, err := toc.ReadFile(path)
			if err != nil {
				return packer.Result{}, fmt.Errorf("reading previous container: %w", err)
			}
			previous = append(previous, resource)
		}
		if err := writer.EnableDiskLayoutOrdering(previous); err != nil {
			return packer.Result{}, err
		}
	}

	for _, chunk := range build.Chunks {
		source, err := build.Source(chunk)
		if err != nil {
			return packer.Result{}, fmt.Errorf("chunk %s: %w", chunk.ID, err)
		}
		if err := writer.Append(ctx, chunk.ID.ChunkID, source, chunk.WriteOptions()); err != nil {
			return packer.Result{}, fmt.Errorf("chunk %s: %w", chunk.ID, err)
		}
	}

	if err := writerContext.Flush(ctx); err != nil {
		return packer.Result{}, err
	}
	result, ok := writer.Result()
	if !ok {
		return packer.Result{}, errors.New("container was not finalized")
	}
	return result, nil
}

func openContainerKey(encryption config.EncryptionConfig) (*secret.Buffer, error) {
	if encryption.SealedKey == "" || encryption.Identity == "" {
		return nil, cli.Validation("encrypted containers need --key and --identity (or the encryption config section)")
	}
	identity, err := secret.ReadFromPath(encryption.Identity)
	if err != nil {
		return nil, fmt.Errorf("reading identity: %w", err)
	}
	defer identity.Close()
	return sealed.ReadKeyFile(encryption.SealedKey, identity)
}

// serveMetrics serves registry on address until the returned stop
// function is called.
func serveMetrics(address string, registry *prometheus.Registry, logger *slog.Logger) (func(), error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()
	logger.Info("serving metrics", "address", listener.Addr().String())

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}, nil
}
