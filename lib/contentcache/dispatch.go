// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package contentcache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/chunkpack/lib/clock"
)

// DispatchSettings bound how requests are grouped into batches and how
// much work may be outstanding against the store.
type DispatchSettings struct {
	// QueueTimeLimit is how long the oldest queued request may wait
	// before a partial batch is sent anyway.
	QueueTimeLimit time.Duration

	// MaxBatchItems and MaxBatchBytes force a dispatch when either is
	// reached.
	MaxBatchItems int
	MaxBatchBytes uint64

	// MaxInflightCount and MaxInflightBytes cap dispatched requests
	// that have not completed. A forced dispatch blocks until it fits;
	// a lazy dispatch is skipped.
	MaxInflightCount int
	MaxInflightBytes uint64
}

// DefaultGetSettings returns the limits used for cache lookups.
func DefaultGetSettings() DispatchSettings {
	return DispatchSettings{
		QueueTimeLimit:   20 * time.Millisecond,
		MaxBatchItems:    8,
		MaxBatchBytes:    16 << 20,
		MaxInflightCount: 128,
		MaxInflightBytes: 1 << 30,
	}
}

// DefaultPutSettings returns the limits used for cache stores. Puts are
// off the critical path and wait longer to fill a batch.
func DefaultPutSettings() DispatchSettings {
	settings := DefaultGetSettings()
	settings.QueueTimeLimit = time.Second
	return settings
}

// dispatcher is the batching core shared by GetDispatcher and
// PutDispatcher. Queue, DispatchIfReady, and Flush belong to a single
// owner goroutine; completion accounting may arrive from any batch
// goroutine.
type dispatcher[T any] struct {
	settings DispatchSettings
	clock    clock.Clock
	logger   *slog.Logger
	size     func(T) uint64
	run      func(ctx context.Context, batch []T)

	queued      []T
	queuedBytes uint64
	lastRequest time.Time

	mu            sync.Mutex
	completed     *sync.Cond
	inflightCount int
	inflightBytes uint64

	batches sync.WaitGroup
}

func newDispatcher[T any](settings DispatchSettings, clk clock.Clock, logger *slog.Logger, size func(T) uint64, run func(context.Context, []T)) *dispatcher[T] {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	d := &dispatcher[T]{
		settings: settings,
		clock:    clk,
		logger:   logger,
		size:     size,
		run:      run,
	}
	d.completed = sync.NewCond(&d.mu)
	return d
}

func (d *dispatcher[T]) queue(request T) {
	if len(d.queued) == 0 {
		d.lastRequest = d.clock.Now()
	}
	d.queued = append(d.queued, request)
	d.queuedBytes += d.size(request)
}

// dispatchIfReady sends the queued batch if a limit forces it or the
// oldest request has waited QueueTimeLimit. It reports whether a batch
// was sent.
func (d *dispatcher[T]) dispatchIfReady(ctx context.Context, force bool) bool {
	count := len(d.queued)
	if count == 0 {
		return false
	}
	force = force ||
		count >= d.settings.MaxBatchItems ||
		d.queuedBytes >= d.settings.MaxBatchBytes
	lazy := !force && d.clock.Now().Sub(d.lastRequest) >= d.settings.QueueTimeLimit
	if !force && !lazy {
		return false
	}

	d.mu.Lock()
	if force {
		for d.inflightCount > 0 && d.inflightCount+count > d.settings.MaxInflightCount {
			d.completed.Wait()
		}
		for d.inflightCount > 0 && d.inflightBytes+d.queuedBytes > d.settings.MaxInflightBytes {
			d.completed.Wait()
		}
	} else if d.inflightCount+count > d.settings.MaxInflightCount ||
		d.inflightBytes+d.queuedBytes > d.settings.MaxInflightBytes {
		d.mu.Unlock()
		return false
	}
	d.inflightCount += count
	d.inflightBytes += d.queuedBytes
	d.mu.Unlock()

	batch := d.queued
	d.queued = nil
	d.queuedBytes = 0
	d.lastRequest = d.clock.Now()

	d.batches.Add(1)
	go func() {
		defer d.batches.Done()
		d.run(ctx, batch)
	}()
	return true
}

// complete releases the in-flight accounting of one request.
func (d *dispatcher[T]) complete(request T) {
	d.mu.Lock()
	d.inflightCount--
	d.inflightBytes -= d.size(request)
	d.completed.Broadcast()
	d.mu.Unlock()
}

func (d *dispatcher[T]) flush(ctx context.Context) {
	d.dispatchIfReady(ctx, true)
	d.batches.Wait()
}

func (d *dispatcher[T]) pending() int {
	return len(d.queued)
}

func (d *dispatcher[T]) inflight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inflightCount
}

// GetRequest asks for the cached payload of one chunk.
type GetRequest struct {
	Key Key

	// Name identifies the chunk in logs.
	Name string

	// Size is the chunk's estimated uncompressed size, used for
	// in-flight byte accounting.
	Size uint64

	// Done receives the raw cached value, or found == false on a miss
	// or backend error. It runs on a batch goroutine.
	Done func(value []byte, found bool)
}

// GetDispatcher batches cache lookups.
type GetDispatcher struct {
	core  *dispatcher[GetRequest]
	store Store
}

// NewGetDispatcher returns a dispatcher that reads from store. A nil
// clock uses the real clock.
func NewGetDispatcher(store Store, settings DispatchSettings, clk clock.Clock, logger *slog.Logger) *GetDispatcher {
	g := &GetDispatcher{store: store}
	g.core = newDispatcher(settings, clk, logger,
		func(request GetRequest) uint64 { return request.Size },
		g.runBatch)
	return g
}

// Queue adds a request to the pending batch.
func (g *GetDispatcher) Queue(request GetRequest) { g.core.queue(request) }

// DispatchIfReady sends the pending batch when a limit or the queue
// time forces it, or unconditionally (subject to in-flight limits)
// when force is set.
func (g *GetDispatcher) DispatchIfReady(ctx context.Context, force bool) bool {
	return g.core.dispatchIfReady(ctx, force)
}

// Flush dispatches everything pending and waits for every callback.
func (g *GetDispatcher) Flush(ctx context.Context) { g.core.flush(ctx) }

// Pending returns the number of queued, undispatched requests.
func (g *GetDispatcher) Pending() int { return g.core.pending() }

// Inflight returns the number of dispatched requests whose callback
// has not finished.
func (g *GetDispatcher) Inflight() int { return g.core.inflight() }

func (g *GetDispatcher) runBatch(ctx context.Context, batch []GetRequest) {
	keys := make([]Key, len(batch))
	for index, request := range batch {
		keys[index] = request.Key
	}
	results := g.store.Get(ctx, keys)

	for index, request := range batch {
		var result GetResult
		if index < len(results) {
			result = results[index]
		}
		if result.Err != nil {
			g.core.logger.Warn("content cache lookup failed",
				"chunk", request.Name,
				"key", request.Key.String(),
				"error", result.Err,
			)
		}
		if result.Found && result.Err == nil {
			request.Done(result.Data, true)
		} else {
			request.Done(nil, false)
		}
		g.core.complete(request)
	}
}

// PutRequest stores the payload of one chunk.
type PutRequest struct {
	Key   Key
	Name  string
	Value []byte

	// Size is the chunk's compressed size, used for in-flight byte
	// accounting.
	Size uint64

	// Done receives the store's verdict. It runs on a batch goroutine
	// and may be nil.
	Done func(err error)
}

// PutDispatcher batches cache stores.
type PutDispatcher struct {
	core  *dispatcher[PutRequest]
	store Store
}

// NewPutDispatcher returns a dispatcher that writes to store.
func NewPutDispatcher(store Store, settings DispatchSettings, clk clock.Clock, logger *slog.Logger) *PutDispatcher {
	p := &PutDispatcher{store: store}
	p.core = newDispatcher(settings, clk, logger,
		func(request PutRequest) uint64 { return request.Size },
		p.runBatch)
	return p
}

// Queue adds a request to the pending batch.
func (p *PutDispatcher) Queue(request PutRequest) { p.core.queue(request) }

// DispatchIfReady behaves like GetDispatcher.DispatchIfReady.
func (p *PutDispatcher) DispatchIfReady(ctx context.Context, force bool) bool {
	return p.core.dispatchIfReady(ctx, force)
}

// Flush dispatches everything pending and waits for every callback.
func (p *PutDispatcher) Flush(ctx context.Context) { p.core.flush(ctx) }

// Pending returns the number of queued, undispatched requests.
func (p *PutDispatcher) Pending() int { return p.core.pending() }

// Inflight returns the number of dispatched, unfinished requests.
func (p *PutDispatcher) Inflight() int { return p.core.inflight() }

func (p *PutDispatcher) runBatch(ctx context.Context, batch []PutRequest) {
	records := make([]Record, len(batch))
	for index, request := range batch {
		records[index] = Record{Key: request.Key, Value: request.Value}
	}
	errs := p.store.Put(ctx, records)

	for index, request := range batch {
		var err error
		if index < len(errs) {
			err = errs[index]
		}
		if err != nil {
			p.core.logger.Warn("content cache store failed",
				"chunk", request.Name,
				"key", request.Key.String(),
				"error", err,
			)
		}
		if request.Done != nil {
			request.Done(err)
		}
		p.core.complete(request)
	}
}
