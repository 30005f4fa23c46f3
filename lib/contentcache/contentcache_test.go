// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package contentcache

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/chunkpack/lib/blockcompress"
	"github.com/bureau-foundation/chunkpack/lib/clock"
	"github.com/bureau-foundation/chunkpack/lib/testutil"
	"github.com/bureau-foundation/chunkpack/lib/toc"
)

func baseKeyParams() KeyParams {
	return KeyParams{
		ChunkHash:       toc.HashChunk([]byte("chunk")),
		Method:          blockcompress.LZ4,
		BlockSize:       64 << 10,
		BufferSize:      65824,
		MinBytesSaved:   1024,
		MinPercentSaved: 5,
	}
}

func TestMakeKeyDependsOnEveryParam(t *testing.T) {
	base := MakeKey(baseKeyParams())
	if base != MakeKey(baseKeyParams()) {
		t.Fatal("MakeKey is not deterministic")
	}

	mutations := map[string]func(*KeyParams){
		"hash":        func(p *KeyParams) { p.ChunkHash = toc.HashChunk([]byte("other")) },
		"method":      func(p *KeyParams) { p.Method = blockcompress.Zstd },
		"block size":  func(p *KeyParams) { p.BlockSize = 128 << 10 },
		"buffer size": func(p *KeyParams) { p.BufferSize = 70000 },
		"min bytes":   func(p *KeyParams) { p.MinBytesSaved = 0 },
		"min percent": func(p *KeyParams) { p.MinPercentSaved = 10 },
	}
	for name, mutate := range mutations {
		params := baseKeyParams()
		mutate(&params)
		if MakeKey(params) == base {
			t.Errorf("changing %s did not change the key", name)
		}
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	payload := Payload{
		UncompressedSize: 10,
		Blocks: []PayloadBlock{
			{CompressedSize: 3, Data: []byte{1, 2, 3}},
			{CompressedSize: 2, Data: []byte{4, 5}},
			{CompressedSize: 2, Data: []byte{6, 7}},
		},
	}
	value, err := EncodePayload(payload)
	if err != nil {
		t.Fatalf("EncodePayload: %v", err)
	}
	decoded, err := DecodePayload(value, 4, 16)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if decoded.UncompressedSize != 10 {
		t.Errorf("UncompressedSize = %d, want 10", decoded.UncompressedSize)
	}
	if len(decoded.Blocks) != 3 {
		t.Fatalf("len(Blocks) = %d, want 3", len(decoded.Blocks))
	}
	if !bytes.Equal(decoded.Blocks[1].Data, []byte{4, 5}) {
		t.Errorf("Blocks[1].Data = %v, want [4 5]", decoded.Blocks[1].Data)
	}
}

func TestDecodePayloadRejectsOversizedBody(t *testing.T) {
	// An envelope header claiming a 2 GiB body, with no body behind it.
	value := binary.AppendUvarint(nil, 2<<30)
	value = append(value, 0, 0, 0, 0)
	_, err := DecodePayload(value, 64<<10, 65824)
	if !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("DecodePayload error = %v, want ErrMalformedPayload", err)
	}
	if !strings.Contains(err.Error(), "exceeds") {
		t.Errorf("DecodePayload error = %v, want the size cap to reject it", err)
	}
}

func TestDecodePayloadRejects(t *testing.T) {
	tests := []struct {
		name    string
		payload Payload
	}{
		{"block count", Payload{UncompressedSize: 10, Blocks: []PayloadBlock{{CompressedSize: 1, Data: []byte{1}}}}},
		{"empty block", Payload{UncompressedSize: 4, Blocks: []PayloadBlock{{CompressedSize: 0}}}},
		{"grown block", Payload{UncompressedSize: 4, Blocks: []PayloadBlock{{CompressedSize: 5, Data: make([]byte, 5)}}}},
		{"short data", Payload{UncompressedSize: 4, Blocks: []PayloadBlock{{CompressedSize: 3, Data: []byte{1}}}}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			value, err := EncodePayload(test.payload)
			if err != nil {
				t.Fatalf("EncodePayload: %v", err)
			}
			if _, err := DecodePayload(value, 4, 16); !errors.Is(err, ErrMalformedPayload) {
				t.Errorf("DecodePayload error = %v, want ErrMalformedPayload", err)
			}
		})
	}

	t.Run("buffer size", func(t *testing.T) {
		value, err := EncodePayload(Payload{UncompressedSize: 8, Blocks: []PayloadBlock{{CompressedSize: 6, Data: make([]byte, 6)}}})
		if err != nil {
			t.Fatalf("EncodePayload: %v", err)
		}
		if _, err := DecodePayload(value, 8, 4); !errors.Is(err, ErrMalformedPayload) {
			t.Errorf("DecodePayload error = %v, want ErrMalformedPayload", err)
		}
	})

	t.Run("garbage", func(t *testing.T) {
		if _, err := DecodePayload([]byte("definitely not s2"), 4, 16); !errors.Is(err, ErrMalformedPayload) {
			t.Errorf("DecodePayload error = %v, want ErrMalformedPayload", err)
		}
	})
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	hit := MakeKey(baseKeyParams())
	var miss Key

	errs := store.Put(ctx, []Record{{Key: hit, Value: []byte("value")}})
	if errs[0] != nil {
		t.Fatalf("Put: %v", errs[0])
	}
	results := store.Get(ctx, []Key{hit, miss})
	if !results[0].Found || string(results[0].Data) != "value" {
		t.Errorf("Get(hit) = %+v, want found value", results[0])
	}
	if results[1].Found {
		t.Error("Get(miss) found a value")
	}

	failure := errors.New("backend down")
	store.FailPuts(failure)
	errs = store.Put(ctx, []Record{{Key: miss, Value: []byte("x")}})
	if !errors.Is(errs[0], failure) {
		t.Errorf("Put error = %v, want %v", errs[0], failure)
	}
	if store.Len() != 1 {
		t.Errorf("Len = %d, want 1", store.Len())
	}
}

func TestBadgerStore(t *testing.T) {
	ctx := context.Background()
	store, err := OpenBadger(BadgerConfig{InMemory: true})
	if err != nil {
		t.Fatalf("OpenBadger: %v", err)
	}
	defer store.Close()

	first := MakeKey(baseKeyParams())
	params := baseKeyParams()
	params.Method = blockcompress.Zstd
	second := MakeKey(params)

	errs := store.Put(ctx, []Record{
		{Key: first, Value: []byte("one")},
		{Key: second, Value: []byte("two")},
	})
	for index, err := range errs {
		if err != nil {
			t.Fatalf("Put[%d]: %v", index, err)
		}
	}

	var absent Key
	results := store.Get(ctx, []Key{second, absent, first})
	if !results[0].Found || string(results[0].Data) != "two" {
		t.Errorf("Get[0] = %+v, want two", results[0])
	}
	if results[1].Found || results[1].Err != nil {
		t.Errorf("Get[1] = %+v, want clean miss", results[1])
	}
	if !results[2].Found || string(results[2].Data) != "one" {
		t.Errorf("Get[2] = %+v, want one", results[2])
	}
}

func TestOpenBadgerRequiresDirectory(t *testing.T) {
	if _, err := OpenBadger(BadgerConfig{}); err == nil {
		t.Fatal("OpenBadger without directory succeeded")
	}
}

// gatedStore blocks every Get until the test releases it.
type gatedStore struct {
	*MemoryStore
	entered chan struct{}
	gate    chan struct{}
}

func newGatedStore() *gatedStore {
	return &gatedStore{
		MemoryStore: NewMemoryStore(),
		entered:     make(chan struct{}, 16),
		gate:        make(chan struct{}),
	}
}

func (g *gatedStore) Get(ctx context.Context, keys []Key) []GetResult {
	g.entered <- struct{}{}
	<-g.gate
	return g.MemoryStore.Get(ctx, keys)
}

func keyFor(n byte) Key {
	var key Key
	key[0] = n
	return key
}

func TestGetDispatcherBatchLimit(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	store.Set(keyFor(1), []byte("cached"))

	settings := DefaultGetSettings()
	settings.MaxBatchItems = 2
	fake := clock.Fake(time.Unix(0, 0))
	dispatcher := NewGetDispatcher(store, settings, fake, nil)

	results := make(chan string, 2)
	done := func(value []byte, found bool) {
		if found {
			results <- string(value)
		} else {
			results <- "miss"
		}
	}

	dispatcher.Queue(GetRequest{Key: keyFor(1), Name: "a", Size: 10, Done: done})
	if dispatcher.DispatchIfReady(ctx, false) {
		t.Fatal("dispatched a partial batch before the queue time limit")
	}
	dispatcher.Queue(GetRequest{Key: keyFor(2), Name: "b", Size: 10, Done: done})
	if !dispatcher.DispatchIfReady(ctx, false) {
		t.Fatal("full batch was not dispatched")
	}
	if dispatcher.Pending() != 0 {
		t.Errorf("Pending = %d, want 0", dispatcher.Pending())
	}

	seen := map[string]bool{}
	for range 2 {
		seen[testutil.RequireReceive(t, results, 5*time.Second, "waiting for get callback")] = true
	}
	if !seen["cached"] || !seen["miss"] {
		t.Errorf("callbacks = %v, want one hit and one miss", seen)
	}
	dispatcher.Flush(ctx)
	if dispatcher.Inflight() != 0 {
		t.Errorf("Inflight = %d after Flush, want 0", dispatcher.Inflight())
	}
}

func TestGetDispatcherQueueTimeLimit(t *testing.T) {
	ctx := context.Background()
	fake := clock.Fake(time.Unix(0, 0))
	dispatcher := NewGetDispatcher(NewMemoryStore(), DefaultGetSettings(), fake, nil)

	called := make(chan struct{})
	dispatcher.Queue(GetRequest{Key: keyFor(1), Size: 1, Done: func([]byte, bool) { close(called) }})

	fake.Advance(19 * time.Millisecond)
	if dispatcher.DispatchIfReady(ctx, false) {
		t.Fatal("dispatched before the queue time limit")
	}
	testutil.RequireNotClosed(t, called, "get callback ran before dispatch")
	fake.Advance(time.Millisecond)
	if !dispatcher.DispatchIfReady(ctx, false) {
		t.Fatal("did not dispatch at the queue time limit")
	}
	testutil.RequireClosed(t, called, 5*time.Second, "waiting for get callback")
}

func TestLazyDispatchRespectsInflightLimit(t *testing.T) {
	ctx := context.Background()
	store := newGatedStore()
	settings := DefaultGetSettings()
	settings.MaxInflightCount = 1
	fake := clock.Fake(time.Unix(0, 0))
	dispatcher := NewGetDispatcher(store, settings, fake, nil)

	completions := make(chan struct{}, 2)
	done := func([]byte, bool) { completions <- struct{}{} }

	dispatcher.Queue(GetRequest{Key: keyFor(1), Size: 1, Done: done})
	if !dispatcher.DispatchIfReady(ctx, true) {
		t.Fatal("forced dispatch with nothing in flight did not dispatch")
	}
	testutil.RequireReceive(t, store.entered, 5*time.Second, "waiting for first batch to reach the store")

	dispatcher.Queue(GetRequest{Key: keyFor(2), Size: 1, Done: done})
	fake.Advance(time.Second)
	if dispatcher.DispatchIfReady(ctx, false) {
		t.Fatal("lazy dispatch exceeded the in-flight count limit")
	}

	close(store.gate)
	testutil.RequireReceive(t, completions, 5*time.Second, "waiting for first callback")
	dispatcher.Flush(ctx)
	testutil.RequireReceive(t, completions, 5*time.Second, "waiting for second callback")
	if dispatcher.Inflight() != 0 {
		t.Errorf("Inflight = %d, want 0", dispatcher.Inflight())
	}
}

func TestForcedDispatchWaitsForInflight(t *testing.T) {
	ctx := context.Background()
	store := newGatedStore()
	settings := DefaultGetSettings()
	settings.MaxInflightBytes = 100
	dispatcher := NewGetDispatcher(store, settings, nil, nil)

	dispatcher.Queue(GetRequest{Key: keyFor(1), Size: 80, Done: func([]byte, bool) {}})
	dispatcher.DispatchIfReady(ctx, true)
	testutil.RequireReceive(t, store.entered, 5*time.Second, "waiting for first batch to reach the store")

	dispatcher.Queue(GetRequest{Key: keyFor(2), Size: 80, Done: func([]byte, bool) {}})
	dispatched := make(chan struct{})
	go func() {
		dispatcher.DispatchIfReady(ctx, true)
		close(dispatched)
	}()

	// The second batch cannot reach the store until the first is
	// released, so the store sees exactly one entry until then.
	select {
	case <-dispatched:
		t.Fatal("forced dispatch did not wait for in-flight bytes")
	case <-time.After(50 * time.Millisecond):
	}

	close(store.gate)
	testutil.RequireClosed(t, dispatched, 5*time.Second, "waiting for forced dispatch")
	dispatcher.Flush(ctx)
}

func TestPutDispatcherReportsErrors(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	failure := errors.New("disk full")
	store.FailPuts(failure)
	dispatcher := NewPutDispatcher(store, DefaultPutSettings(), nil, nil)

	results := make(chan error, 1)
	dispatcher.Queue(PutRequest{Key: keyFor(1), Value: []byte("v"), Size: 1, Done: func(err error) { results <- err }})
	if dispatcher.DispatchIfReady(ctx, false) {
		t.Fatal("put dispatched before its queue time limit")
	}
	dispatcher.Flush(ctx)

	if err := testutil.RequireReceive(t, results, 5*time.Second, "waiting for put callback"); !errors.Is(err, failure) {
		t.Errorf("put error = %v, want %v", err, failure)
	}

	store.FailPuts(nil)
	dispatcher.Queue(PutRequest{Key: keyFor(2), Value: []byte("v"), Size: 1})
	dispatcher.Flush(ctx)
	if store.Len() != 1 {
		t.Errorf("Len = %d, want 1", store.Len())
	}
}
