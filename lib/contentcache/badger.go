// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package contentcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"
)

// badgerKeyPrefix namespaces cache entries so the database can be
// shared with other tools.
var badgerKeyPrefix = []byte("chunkpack/cc/")

// BadgerConfig configures a BadgerStore.
type BadgerConfig struct {
	// Directory holds the database. Ignored when InMemory is set.
	Directory string

	// InMemory keeps everything in RAM. Useful for tests and for
	// sharing compression results between containers of one process.
	InMemory bool

	// ValueLogFileSize bounds each value log file. Zero keeps
	// badger's default.
	ValueLogFileSize int64

	Logger *slog.Logger
}

// BadgerStore is a persistent local Store backed by badger.
type BadgerStore struct {
	db     *badger.DB
	logger *slog.Logger
}

// OpenBadger opens (creating if needed) a badger-backed store.
func OpenBadger(config BadgerConfig) (*BadgerStore, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	var options badger.Options
	switch {
	case config.InMemory:
		options = badger.DefaultOptions("").WithInMemory(true)
	case config.Directory != "":
		options = badger.DefaultOptions(config.Directory)
	default:
		return nil, fmt.Errorf("contentcache: badger directory is required unless in-memory")
	}
	options.Logger = nil
	options.SyncWrites = false
	if config.ValueLogFileSize > 0 {
		options.ValueLogFileSize = config.ValueLogFileSize
	}

	db, err := badger.Open(options)
	if err != nil {
		return nil, fmt.Errorf("contentcache: opening badger store: %w", err)
	}
	logger.Info("content cache opened",
		"backend", "badger",
		"directory", config.Directory,
		"in_memory", config.InMemory,
	)
	return &BadgerStore{db: db, logger: logger}, nil
}

// Get looks up every key in one read transaction.
func (b *BadgerStore) Get(ctx context.Context, keys []Key) []GetResult {
	results := make([]GetResult, len(keys))
	err := b.db.View(func(txn *badger.Txn) error {
		for index, key := range keys {
			item, err := txn.Get(badgerKey(key))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				results[index].Err = err
				continue
			}
			value, err := item.ValueCopy(nil)
			if err != nil {
				results[index].Err = err
				continue
			}
			results[index] = GetResult{Data: value, Found: true}
		}
		return nil
	})
	if err != nil {
		for index := range results {
			results[index] = GetResult{Err: err}
		}
	}
	return results
}

// Put writes every record through one write batch. A failed batch
// fails every record in it.
func (b *BadgerStore) Put(ctx context.Context, records []Record) []error {
	errs := make([]error, len(records))
	batch := b.db.NewWriteBatch()
	defer batch.Cancel()

	for index, record := range records {
		if err := batch.Set(badgerKey(record.Key), record.Value); err != nil {
			errs[index] = err
		}
	}
	if err := batch.Flush(); err != nil {
		b.logger.Warn("content cache write batch failed", "records", len(records), "error", err)
		for index := range errs {
			if errs[index] == nil {
				errs[index] = err
			}
		}
	}
	return errs
}

// Close flushes and closes the database.
func (b *BadgerStore) Close() error {
	if err := b.db.Close(); err != nil {
		return fmt.Errorf("contentcache: closing badger store: %w", err)
	}
	return nil
}

func badgerKey(key Key) []byte {
	return append(append(make([]byte, 0, len(badgerKeyPrefix)+len(key)), badgerKeyPrefix...), key[:]...)
}
