// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package refdb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/chunkpack/lib/blockcompress"
	"github.com/bureau-foundation/chunkpack/lib/blockcrypt"
	"github.com/bureau-foundation/chunkpack/lib/codec"
	"github.com/bureau-foundation/chunkpack/lib/packer"
	"github.com/bureau-foundation/chunkpack/lib/secret"
	"github.com/bureau-foundation/chunkpack/lib/sqlitepool"
	"github.com/bureau-foundation/chunkpack/lib/toc"
)

var (
	// ErrBlockSizeMismatch is returned when indexing a container whose
	// compression block size differs from the database's.
	ErrBlockSizeMismatch = errors.New("container block size does not match reference database")

	// ErrChunkNotFound is returned by RetrieveChunk for an unknown
	// (container, hash) pair.
	ErrChunkNotFound = errors.New("chunk not in reference database")

	// ErrNoDecryptionKey is returned when retrieving from an encrypted
	// container without a configured key.
	ErrNoDecryptionKey = errors.New("reference container is encrypted and no key is configured")
)

const schema = `
CREATE TABLE IF NOT EXISTS containers (
	id           INTEGER PRIMARY KEY,
	container_id INTEGER NOT NULL,
	base_path    TEXT NOT NULL UNIQUE,
	block_size   INTEGER NOT NULL,
	flags        INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS chunks (
	container_row INTEGER NOT NULL REFERENCES containers(id) ON DELETE CASCADE,
	container_id  INTEGER NOT NULL,
	chunk_hash    BLOB NOT NULL,
	chunk_id      BLOB NOT NULL,
	block_count   INTEGER NOT NULL,
	blocks        BLOB NOT NULL,
	PRIMARY KEY (container_row, chunk_hash)
) WITHOUT ROWID;

CREATE INDEX IF NOT EXISTS chunks_by_hash ON chunks (container_id, chunk_hash);
`

// Config configures a Database.
type Config struct {
	// Path is the SQLite database file.
	Path string

	// BlockSize is the compression block size of every container in
	// the database.
	BlockSize uint32

	// ReadOnly opens the database without write access. IndexContainer
	// fails on a read-only database.
	ReadOnly bool

	// PoolSize is passed to sqlitepool.
	PoolSize int

	// MasterKey decrypts blocks of encrypted reference containers. It
	// is borrowed; the caller closes it after closing the Database.
	MasterKey *secret.Buffer

	Logger *slog.Logger
}

// Database is a reference chunk database backed by SQLite. It
// implements packer.ReferenceChunkDatabase.
type Database struct {
	pool      *sqlitepool.Pool
	blockSize uint32
	masterKey *secret.Buffer
	logger    *slog.Logger

	mu     sync.Mutex
	loaded map[toc.ContainerID]map[toc.Hash]chunkRecord
	files  map[string]*os.File
	keys   map[toc.ContainerID]*blockcrypt.ContainerKeys
}

var _ packer.ReferenceChunkDatabase = (*Database)(nil)

// chunkRecord is one row of the chunks table joined with its
// container.
type chunkRecord struct {
	chunkID   toc.ChunkID
	basePath  string
	encrypted bool
	blocks    []blockDescriptor
}

// blockDescriptor locates one block of an indexed container. Stored
// as a CBOR array in chunks.blocks.
type blockDescriptor struct {
	Partition        uint32 `cbor:"partition"`
	Offset           uint64 `cbor:"offset"`
	CompressedSize   uint32 `cbor:"compressed_size"`
	UncompressedSize uint32 `cbor:"uncompressed_size"`
	Method           string `cbor:"method"`
}

// Open opens (creating if needed) a reference database.
func Open(config Config) (*Database, error) {
	if config.BlockSize == 0 {
		return nil, fmt.Errorf("refdb: BlockSize is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	poolConfig := sqlitepool.Config{
		Path:     config.Path,
		PoolSize: config.PoolSize,
		ReadOnly: config.ReadOnly,
		Logger:   logger,
	}
	if !config.ReadOnly {
		poolConfig.OnConnect = func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		}
	}
	pool, err := sqlitepool.Open(poolConfig)
	if err != nil {
		return nil, fmt.Errorf("refdb: %w", err)
	}

	return &Database{
		pool:      pool,
		blockSize: config.BlockSize,
		masterKey: config.MasterKey,
		logger:    logger,
		loaded:    make(map[toc.ContainerID]map[toc.Hash]chunkRecord),
		files:     make(map[string]*os.File),
		keys:      make(map[toc.ContainerID]*blockcrypt.ContainerKeys),
	}, nil
}

// Close releases open partition files, derived keys, and the pool.
func (d *Database) Close() error {
	d.mu.Lock()
	var errs []error
	for path, file := range d.files {
		if err := file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", path, err))
		}
	}
	d.files = make(map[string]*os.File)
	for _, keys := range d.keys {
		keys.Close()
	}
	d.keys = make(map[toc.ContainerID]*blockcrypt.ContainerKeys)
	d.mu.Unlock()

	if err := d.pool.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// CompressionBlockSize returns the database's block size.
func (d *Database) CompressionBlockSize() uint32 {
	return d.blockSize
}

// IndexStats describes one IndexContainer call.
type IndexStats struct {
	ContainerID toc.ContainerID `json:"container_id"`
	Chunks      int             `json:"chunks"`
	Blocks      int             `json:"blocks"`
}

// IndexContainer records every chunk of a finalized container. A
// container already indexed from the same path is replaced.
func (d *Database) IndexContainer(ctx context.Context, tocPath string) (stats IndexStats, err error) {
	resource, err := toc.ReadFile(tocPath)
	if err != nil {
		return IndexStats{}, fmt.Errorf("refdb: %w", err)
	}
	if resource.CompressionBlockSize != d.blockSize {
		return IndexStats{}, fmt.Errorf("refdb: %s has block size %d, database uses %d: %w",
			tocPath, resource.CompressionBlockSize, d.blockSize, ErrBlockSizeMismatch)
	}
	basePath, err := filepath.Abs(toc.BasePath(tocPath))
	if err != nil {
		return IndexStats{}, fmt.Errorf("refdb: resolving %s: %w", tocPath, err)
	}
	locations, err := resource.ChunkLocations()
	if err != nil {
		return IndexStats{}, fmt.Errorf("refdb: %s: %w", tocPath, err)
	}

	partitionSize := resource.PartitionSize
	if partitionSize == 0 {
		partitionSize = toc.UnlimitedPartitionSize
	}

	conn, err := d.pool.Take(ctx)
	if err != nil {
		return IndexStats{}, fmt.Errorf("refdb: %w", err)
	}
	defer d.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return IndexStats{}, fmt.Errorf("refdb: beginning transaction: %w", err)
	}
	defer endTransaction(&err)

	if err := sqlitex.Execute(conn, "DELETE FROM containers WHERE base_path = ?", &sqlitex.ExecOptions{
		Args: []any{basePath},
	}); err != nil {
		return IndexStats{}, fmt.Errorf("refdb: removing previous index of %s: %w", basePath, err)
	}
	if err := sqlitex.Execute(conn,
		"INSERT INTO containers (container_id, base_path, block_size, flags) VALUES (?, ?, ?, ?)",
		&sqlitex.ExecOptions{Args: []any{
			int64(resource.ContainerID), basePath, int64(resource.CompressionBlockSize), int64(resource.Flags),
		}}); err != nil {
		return IndexStats{}, fmt.Errorf("refdb: inserting container: %w", err)
	}
	containerRow := conn.LastInsertRowID()

	stats.ContainerID = resource.ContainerID
	for _, location := range locations {
		blocks := make([]blockDescriptor, 0, location.BlockCount)
		for _, block := range resource.CompressionBlocks[location.FirstBlock : location.FirstBlock+location.BlockCount] {
			method, err := resource.MethodName(block.MethodIndex)
			if err != nil {
				return IndexStats{}, fmt.Errorf("refdb: chunk %s: %w", location.ID, err)
			}
			blocks = append(blocks, blockDescriptor{
				Partition:        uint32(block.Offset / partitionSize),
				Offset:           block.Offset % partitionSize,
				CompressedSize:   block.CompressedSize,
				UncompressedSize: block.UncompressedSize,
				Method:           method,
			})
		}
		encoded, err := codec.Marshal(blocks)
		if err != nil {
			return IndexStats{}, fmt.Errorf("refdb: encoding blocks of %s: %w", location.ID, err)
		}
		if err := sqlitex.Execute(conn,
			`INSERT OR IGNORE INTO chunks (container_row, container_id, chunk_hash, chunk_id, block_count, blocks)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				containerRow, int64(resource.ContainerID), location.Meta.Hash[:], location.ID[:], len(blocks), encoded,
			}}); err != nil {
			return IndexStats{}, fmt.Errorf("refdb: inserting chunk %s: %w", location.ID, err)
		}
		stats.Chunks++
		stats.Blocks += len(blocks)
	}

	d.mu.Lock()
	delete(d.loaded, resource.ContainerID)
	for path, file := range d.files {
		if strings.HasPrefix(path, basePath) {
			file.Close()
			delete(d.files, path)
		}
	}
	d.mu.Unlock()

	d.logger.Info("container indexed",
		"container", resource.ContainerID.String(),
		"path", basePath,
		"chunks", stats.Chunks,
		"blocks", stats.Blocks,
	)
	return stats, nil
}

// NotifyAddedToContainer preloads every chunk of containerID so that
// ChunkExists is answered from memory.
func (d *Database) NotifyAddedToContainer(containerID toc.ContainerID, containerName string) {
	records := make(map[toc.Hash]chunkRecord)
	err := d.pool.WithConn(context.Background(), func(conn *sqlite.Conn) error {
		return d.queryChunks(conn,
			chunkSelect+" WHERE c.container_id = ? ORDER BY c.container_row",
			[]any{int64(containerID)},
			func(hash toc.Hash, record chunkRecord) { records[hash] = record })
	})
	if err != nil {
		d.logger.Warn("preloading reference chunks failed",
			"container", containerID.String(),
			"name", containerName,
			"error", err,
		)
		return
	}

	d.mu.Lock()
	d.loaded[containerID] = records
	d.mu.Unlock()

	d.logger.Info("reference chunks loaded",
		"container", containerID.String(),
		"name", containerName,
		"chunks", len(records),
	)
}

// ChunkExists reports whether the container has a reference chunk
// with this hash. The chunk ID is not part of the match: identical
// content under a renamed ID is reused.
func (d *Database) ChunkExists(containerID toc.ContainerID, hash toc.Hash, id toc.ChunkID) (int, bool) {
	record, ok, err := d.lookup(context.Background(), containerID, hash)
	if err != nil {
		d.logger.Warn("reference chunk lookup failed",
			"container", containerID.String(),
			"chunk_id", id.String(),
			"error", err,
		)
		return 0, false
	}
	if !ok {
		return 0, false
	}
	return len(record.blocks), true
}

// RetrieveChunk reads, decrypts, and strips the padding of every block
// of a reference chunk.
func (d *Database) RetrieveChunk(ctx context.Context, containerID toc.ContainerID, hash toc.Hash, id toc.ChunkID) (*packer.ReferenceChunk, error) {
	record, ok, err := d.lookup(ctx, containerID, hash)
	if err != nil {
		return nil, fmt.Errorf("refdb: looking up %s: %w", id, err)
	}
	if !ok {
		return nil, fmt.Errorf("refdb: %s (%s): %w", id, hash, ErrChunkNotFound)
	}

	var keys *blockcrypt.ContainerKeys
	if record.encrypted {
		keys, err = d.containerKeys(containerID)
		if err != nil {
			return nil, err
		}
	}

	chunk := &packer.ReferenceChunk{Blocks: make([]packer.ReferenceBlock, len(record.blocks))}
	for index, descriptor := range record.blocks {
		if descriptor.UncompressedSize > d.blockSize || descriptor.CompressedSize > descriptor.UncompressedSize {
			d.logger.Error("reference block sizes are inconsistent",
				"chunk_id", id.String(),
				"block", index,
				"compressed_size", descriptor.CompressedSize,
				"uncompressed_size", descriptor.UncompressedSize,
			)
			return nil, fmt.Errorf("refdb: %s block %d: compressed %d, uncompressed %d, block size %d",
				id, index, descriptor.CompressedSize, descriptor.UncompressedSize, d.blockSize)
		}
		method, err := blockcompress.ParseMethod(descriptor.Method)
		if err != nil {
			return nil, fmt.Errorf("refdb: %s block %d: %w", id, index, err)
		}

		diskBytes := make([]byte, toc.AlignedSize(descriptor.CompressedSize))
		if err := d.readBlock(record.basePath, descriptor, diskBytes); err != nil {
			d.logger.Error("reading reference block failed",
				"chunk_id", id.String(),
				"block", index,
				"partition", descriptor.Partition,
				"offset", descriptor.Offset,
				"error", err,
			)
			return nil, fmt.Errorf("refdb: %s block %d: %w", id, index, err)
		}
		if keys != nil {
			if err := keys.XORBlock(diskBytes, record.chunkID, hash, index); err != nil {
				return nil, fmt.Errorf("refdb: decrypting %s block %d: %w", id, index, err)
			}
		}

		chunk.Blocks[index] = packer.ReferenceBlock{
			Method:           method,
			CompressedSize:   descriptor.CompressedSize,
			UncompressedSize: descriptor.UncompressedSize,
			Data:             diskBytes[:descriptor.CompressedSize],
		}
	}
	return chunk, nil
}

// Summary returns the number of indexed containers and chunks.
func (d *Database) Summary(ctx context.Context) (containers, chunks int, err error) {
	err = d.pool.WithConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			"SELECT (SELECT count(*) FROM containers), (SELECT count(*) FROM chunks)",
			&sqlitex.ExecOptions{ResultFunc: func(stmt *sqlite.Stmt) error {
				containers = stmt.ColumnInt(0)
				chunks = stmt.ColumnInt(1)
				return nil
			}})
	})
	if err != nil {
		return 0, 0, fmt.Errorf("refdb: summary: %w", err)
	}
	return containers, chunks, nil
}

const chunkSelect = `SELECT c.chunk_hash, c.chunk_id, c.blocks, k.base_path, k.flags
	FROM chunks c JOIN containers k ON k.id = c.container_row`

func (d *Database) lookup(ctx context.Context, containerID toc.ContainerID, hash toc.Hash) (chunkRecord, bool, error) {
	d.mu.Lock()
	if records, ok := d.loaded[containerID]; ok {
		record, found := records[hash]
		d.mu.Unlock()
		return record, found, nil
	}
	d.mu.Unlock()

	var (
		record chunkRecord
		found  bool
	)
	err := d.pool.WithConn(ctx, func(conn *sqlite.Conn) error {
		return d.queryChunks(conn,
			chunkSelect+" WHERE c.container_id = ? AND c.chunk_hash = ? ORDER BY c.container_row DESC LIMIT 1",
			[]any{int64(containerID), hash[:]},
			func(_ toc.Hash, row chunkRecord) {
				record = row
				found = true
			})
	})
	return record, found, err
}

func (d *Database) queryChunks(conn *sqlite.Conn, query string, args []any, visit func(toc.Hash, chunkRecord)) error {
	return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			var hash toc.Hash
			if stmt.ColumnLen(0) != len(hash) {
				return fmt.Errorf("chunk hash column has %d bytes", stmt.ColumnLen(0))
			}
			stmt.ColumnBytes(0, hash[:])

			var record chunkRecord
			if stmt.ColumnLen(1) != len(record.chunkID) {
				return fmt.Errorf("chunk id column has %d bytes", stmt.ColumnLen(1))
			}
			stmt.ColumnBytes(1, record.chunkID[:])

			encoded := make([]byte, stmt.ColumnLen(2))
			stmt.ColumnBytes(2, encoded)
			if err := codec.Unmarshal(encoded, &record.blocks); err != nil {
				return fmt.Errorf("decoding blocks of %s: %w", record.chunkID, err)
			}
			record.basePath = stmt.ColumnText(3)
			record.encrypted = toc.ContainerFlags(stmt.ColumnInt64(4)).Has(toc.ContainerEncrypted)
			visit(hash, record)
			return nil
		},
	})
}

func (d *Database) readBlock(basePath string, descriptor blockDescriptor, into []byte) error {
	path := toc.PartitionPath(basePath, int(descriptor.Partition))

	d.mu.Lock()
	file, ok := d.files[path]
	if !ok {
		var err error
		file, err = os.Open(path)
		if err != nil {
			d.mu.Unlock()
			return fmt.Errorf("opening partition: %w", err)
		}
		d.files[path] = file
	}
	d.mu.Unlock()

	read, err := file.ReadAt(into, int64(descriptor.Offset))
	if read != len(into) {
		return fmt.Errorf("read %d of %d aligned bytes at %s+%d: %w", read, len(into), path, descriptor.Offset, err)
	}
	return nil
}

func (d *Database) containerKeys(containerID toc.ContainerID) (*blockcrypt.ContainerKeys, error) {
	if d.masterKey == nil {
		return nil, fmt.Errorf("refdb: container %s: %w", containerID, ErrNoDecryptionKey)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if keys, ok := d.keys[containerID]; ok {
		return keys, nil
	}
	keys, err := blockcrypt.DeriveContainerKeys(d.masterKey, containerID)
	if err != nil {
		return nil, fmt.Errorf("refdb: %w", err)
	}
	d.keys[containerID] = keys
	return keys, nil
}
