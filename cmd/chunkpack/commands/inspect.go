// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/chunkpack/cmd/chunkpack/cli"
	"github.com/bureau-foundation/chunkpack/lib/binhash"
	"github.com/bureau-foundation/chunkpack/lib/blockcrypt"
	"github.com/bureau-foundation/chunkpack/lib/config"
	"github.com/bureau-foundation/chunkpack/lib/toc"
)

type inspectParams struct {
	cli.Output

	Entries      bool
	Verify       bool
	KeyPath      string
	IdentityPath string
}

type inspectResult struct {
	ContainerID          toc.ContainerID `json:"container_id"`
	Flags                string          `json:"flags"`
	CompressionBlockSize uint32          `json:"compression_block_size"`
	PartitionSize        uint64          `json:"partition_size"`
	CompressionMethods   []string        `json:"compression_methods"`
	ChunkCount           int             `json:"chunk_count"`
	BlockCount           int             `json:"block_count"`
	OverflowChunks       int             `json:"overflow_chunks"`
	DirectoryIndexSize   int             `json:"directory_index_size"`

	Partitions     []partitionInfo     `json:"partitions"`
	Chunks         []chunkInfo         `json:"chunks,omitempty"`
	DirectoryIndex *toc.DirectoryIndex `json:"directory_index,omitempty"`

	// BadSignatures lists block indices whose on-disk bytes do not
	// match their signature. Only filled by --verify.
	BadSignatures []int `json:"bad_signatures,omitempty"`
}

type partitionInfo struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	Digest string `json:"digest,omitempty"`
}

type chunkInfo struct {
	Index           int    `json:"index"`
	ID              string `json:"id"`
	Type            string `json:"type"`
	Hash            string `json:"hash"`
	Offset          uint64 `json:"offset"`
	Length          uint64 `json:"length"`
	Partition       int    `json:"partition"`
	PartitionOffset uint64 `json:"partition_offset"`
	DiskSize        uint64 `json:"disk_size"`
	Blocks          int    `json:"blocks"`
	Compressed      bool   `json:"compressed,omitempty"`
	MemoryMapped    bool   `json:"memory_mapped,omitempty"`
}

func inspectCommand() *cli.Command {
	var params inspectParams
	return &cli.Command{
		Name:    "inspect",
		Summary: "Print a container's table of contents",
		Description: `Print the header of a container TOC and, with --entries, every chunk in
disk order. --verify hashes the partition files and checks the block
signatures of signed containers. The directory index of an encrypted
container is shown only with --key and --identity.`,
		Usage: "chunkpack inspect [flags] <container.toc>",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("inspect", pflag.ContinueOnError)
			flagSet.BoolVar(&params.Entries, "entries", false, "list every chunk")
			flagSet.BoolVar(&params.Verify, "verify", false, "hash partitions and check block signatures")
			flagSet.StringVar(&params.KeyPath, "key", "", "sealed container key, for encrypted directory indexes")
			flagSet.StringVar(&params.IdentityPath, "identity", "", "age identity file that opens --key")
			params.Output.AddFlags(flagSet)
			return flagSet
		},
		Run: func(_ context.Context, args []string, logger *slog.Logger) error {
			if len(args) != 1 {
				return cli.Validation("exactly one container TOC is required")
			}
			result, err := inspect(args[0], params)
			if err != nil {
				return err
			}
			if err := params.Output.Write(result); err != nil {
				return err
			}
			if len(result.BadSignatures) > 0 {
				logger.Error("block signatures do not match", "blocks", len(result.BadSignatures))
				return &cli.ExitError{Code: 1}
			}
			return nil
		},
	}
}

func inspect(tocPath string, params inspectParams) (*inspectResult, error) {
	resource, err := toc.ReadFile(tocPath)
	if err != nil {
		return nil, err
	}
	basePath := toc.BasePath(tocPath)

	result := &inspectResult{
		ContainerID:          resource.ContainerID,
		Flags:                resource.Flags.String(),
		CompressionBlockSize: resource.CompressionBlockSize,
		PartitionSize:        resource.PartitionSize,
		CompressionMethods:   resource.CompressionMethods,
		ChunkCount:           resource.ChunkCount(),
		BlockCount:           len(resource.CompressionBlocks),
		OverflowChunks:       len(resource.OverflowIndices),
		DirectoryIndexSize:   len(resource.DirectoryIndex),
	}

	for index := range int(resource.PartitionCount) {
		path := toc.PartitionPath(basePath, index)
		info := partitionInfo{Path: path}
		if stat, err := os.Stat(path); err == nil {
			info.Size = stat.Size()
		}
		if params.Verify {
			digest, err := binhash.HashFile(path)
			if err != nil {
				return nil, err
			}
			info.Digest = binhash.FormatDigest(digest)
		}
		result.Partitions = append(result.Partitions, info)
	}

	if params.Entries {
		locations, err := resource.ChunkLocations()
		if err != nil {
			return nil, err
		}
		for _, location := range locations {
			result.Chunks = append(result.Chunks, chunkInfo{
				Index:           location.Index,
				ID:              location.ID.String(),
				Type:            location.ID.Type().String(),
				Hash:            location.Meta.Hash.String(),
				Offset:          location.OffsetLength.Offset,
				Length:          location.OffsetLength.Length,
				Partition:       location.Partition,
				PartitionOffset: location.PartitionOffset,
				DiskSize:        location.DiskSize,
				Blocks:          location.BlockCount,
				Compressed:      location.Meta.Flags&toc.MetaCompressed != 0,
				MemoryMapped:    location.Meta.Flags&toc.MetaMemoryMapped != 0,
			})
		}
	}

	if params.Verify && resource.Flags.Has(toc.ContainerSigned) {
		result.BadSignatures, err = verifySignatures(resource, basePath)
		if err != nil {
			return nil, err
		}
	}

	if len(resource.DirectoryIndex) > 0 {
		index, err := readDirectoryIndex(resource, params)
		if err != nil {
			return nil, err
		}
		result.DirectoryIndex = index
	}
	return result, nil
}

// verifySignatures returns the indices of blocks whose disk bytes do
// not hash to their stored signature.
func verifySignatures(resource *toc.Resource, basePath string) ([]int, error) {
	files := make(map[int]*os.File)
	defer func() {
		for _, file := range files {
			file.Close()
		}
	}()

	partitionSize := resource.PartitionSize
	if partitionSize == 0 {
		partitionSize = math.MaxUint64
	}

	var bad []int
	var buffer []byte
	for index, block := range resource.CompressionBlocks {
		partition := int(block.Offset / partitionSize)
		file, ok := files[partition]
		if !ok {
			var err error
			file, err = os.Open(toc.PartitionPath(basePath, partition))
			if err != nil {
				return nil, err
			}
			files[partition] = file
		}
		size := toc.AlignedSize(block.CompressedSize)
		if uint64(cap(buffer)) < size {
			buffer = make([]byte, size)
		}
		buffer = buffer[:size]
		if _, err := file.ReadAt(buffer, int64(block.Offset%partitionSize)); err != nil && err != io.EOF {
			return nil, fmt.Errorf("reading block %d: %w", index, err)
		}
		if toc.SignBlock(buffer) != resource.BlockSignatures[index] {
			bad = append(bad, index)
		}
	}
	return bad, nil
}

// readDirectoryIndex decodes the directory index, decrypting it when
// the container is encrypted. An encrypted index without a key is
// omitted.
func readDirectoryIndex(resource *toc.Resource, params inspectParams) (*toc.DirectoryIndex, error) {
	data := resource.DirectoryIndex
	if resource.Flags.Has(toc.ContainerEncrypted) {
		if params.KeyPath == "" {
			return nil, nil
		}
		masterKey, err := openContainerKey(config.EncryptionConfig{SealedKey: params.KeyPath, Identity: params.IdentityPath})
		if err != nil {
			return nil, err
		}
		defer masterKey.Close()
		keys, err := blockcrypt.DeriveContainerKeys(masterKey, resource.ContainerID)
		if err != nil {
			return nil, err
		}
		defer keys.Close()
		data, err = keys.OpenIndex(data)
		if err != nil {
			return nil, fmt.Errorf("decrypting directory index: %w", err)
		}
	}
	index, err := toc.DecodeDirectoryIndex(data)
	if err != nil {
		return nil, err
	}
	return &index, nil
}
