// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package packer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/chunkpack/lib/blockcrypt"
	"github.com/bureau-foundation/chunkpack/lib/clock"
	"github.com/bureau-foundation/chunkpack/lib/toc"
)

// memoryWaitInterval is how long the scheduler waits for released
// compression memory before forcing pending cache lookups out.
const memoryWaitInterval = 100 * time.Millisecond

// Context writes one or more containers that share a buffer pool,
// worker limits, a content cache, and counters.
//
// Append may be called concurrently from many goroutines. Flush must
// not run concurrently with Append, and runs once.
type Context struct {
	settings   WriterSettings
	logger     *slog.Logger
	clock      clock.Clock
	counters   *Counters
	metrics    MetricsSink
	bufferSize int
	pool       *bufferPool
	memory     *memoryBudget

	// hashers runs the hash tasks started by Append.
	hashers errgroup.Group

	mu      sync.Mutex
	writers []*ContainerWriter
	flushed bool
}

// NewContext validates settings and returns a Context.
func NewContext(settings WriterSettings) (*Context, error) {
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid writer settings: %w", err)
	}
	settings = settings.withDefaults()

	bufferSize := compressionBufferSize(settings.CompressionMethod, settings.CompressionBlockSize)
	counters := &Counters{}
	c := &Context{
		settings:   settings,
		logger:     settings.Logger,
		clock:      settings.Clock,
		counters:   counters,
		metrics:    fanout{counters: counters, sink: settings.Metrics},
		bufferSize: bufferSize,
		pool:       newBufferPool(bufferSize, settings.MaxCompressionBufferMemory),
		memory:     newMemoryBudget(settings.MaxCompressionBufferMemory),
	}
	c.hashers.SetLimit(settings.HashConcurrency)
	return c, nil
}

// Settings returns the effective settings, defaults applied.
func (c *Context) Settings() WriterSettings {
	return c.settings
}

// Progress returns a snapshot of the context's counters.
func (c *Context) Progress() Stats {
	return c.counters.Snapshot()
}

// CreateContainer starts a container whose TOC is written to
// basePath.toc and whose partitions are basePath.cas, basePath_s1.cas,
// and so on. Parent directories are created.
func (c *Context) CreateContainer(basePath string, settings ContainerSettings) (*ContainerWriter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.flushed {
		return nil, ErrContainerFinalized
	}
	if err := os.MkdirAll(filepath.Dir(basePath), 0o755); err != nil {
		return nil, fmt.Errorf("creating container directory: %w", err)
	}

	var keys *blockcrypt.ContainerKeys
	if settings.Flags.Has(toc.ContainerEncrypted) {
		if settings.EncryptionKey == nil {
			return nil, ErrMissingEncryptionKey
		}
		var err error
		keys, err = blockcrypt.DeriveContainerKeys(settings.EncryptionKey, settings.ContainerID)
		if err != nil {
			return nil, fmt.Errorf("deriving container keys: %w", err)
		}
	}

	writer := newContainerWriter(c, basePath, settings, keys)
	c.writers = append(c.writers, writer)
	c.logger.Info("container created",
		"container", writer.name,
		"container_id", settings.ContainerID.String(),
		"flags", settings.Flags.String(),
	)
	return writer, nil
}

// Flush runs every appended chunk through compression, encryption,
// and writing, then finalizes every container. A returned error means
// the containers on disk are incomplete.
func (c *Context) Flush(ctx context.Context) error {
	c.mu.Lock()
	if c.flushed {
		c.mu.Unlock()
		return ErrContainerFinalized
	}
	c.flushed = true
	writers := c.writers
	c.mu.Unlock()

	for _, writer := range writers {
		writer.flushed.Store(true)
	}
	if err := c.hashers.Wait(); err != nil {
		return fmt.Errorf("hashing chunks: %w", err)
	}

	var entries []*writeEntry
	for _, writer := range writers {
		if writer.layout != nil {
			writer.finalizeLayout()
		}
		entries = append(entries, writer.entries...)
	}

	start := c.clock.Now()
	if err := newPipeline(c).run(ctx, entries); err != nil {
		return err
	}
	c.logger.Info("chunks written",
		"chunks", len(entries),
		"bytes", c.counters.writtenBytes.Load(),
		"duration", c.clock.Now().Sub(start),
	)

	var finalizers errgroup.Group
	finalizers.SetLimit(c.settings.HashConcurrency)
	for _, writer := range writers {
		finalizers.Go(writer.finalize)
	}
	return finalizers.Wait()
}

// Close releases the derived keys of every container. Results stay
// readable.
func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for _, writer := range c.writers {
		errs = append(errs, writer.close())
	}
	return errors.Join(errs...)
}

// memoryBudget tracks the estimated buffer memory of scheduled
// entries. The scheduler waits on released when over the limit.
type memoryBudget struct {
	limit     uint64
	scheduled atomic.Uint64
	released  chan struct{}
}

func newMemoryBudget(limit uint64) *memoryBudget {
	return &memoryBudget{limit: limit, released: make(chan struct{}, 1)}
}

// mustWait reports whether scheduling n more bytes would exceed the
// limit. A single entry larger than the limit is admitted when nothing
// else is scheduled.
func (m *memoryBudget) mustWait(n uint64) bool {
	scheduled := m.scheduled.Load()
	return scheduled > 0 && scheduled+n > m.limit
}

func (m *memoryBudget) reserve(n uint64) {
	m.scheduled.Add(n)
}

func (m *memoryBudget) release(n uint64) {
	m.scheduled.Add(-n)
	select {
	case m.released <- struct{}{}:
	default:
	}
}
