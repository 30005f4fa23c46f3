// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package contentcache

import (
	"context"
	"sync"
)

// Store is a content cache backend. Both operations are batched; the
// returned slices are parallel to the input. Implementations must be
// safe for concurrent use, since the get and put dispatchers run
// batches from their own goroutines.
type Store interface {
	Get(ctx context.Context, keys []Key) []GetResult
	Put(ctx context.Context, records []Record) []error
}

// GetResult is the outcome of one key lookup. Err is set for backend
// failures; callers treat it like a miss.
type GetResult struct {
	Data  []byte
	Found bool
	Err   error
}

// Record is one value to store.
type Record struct {
	Key   Key
	Value []byte
}

// MemoryStore is an in-process Store. It backs tests and single-run
// builds that want deduplication within one process.
type MemoryStore struct {
	mu       sync.Mutex
	values   map[Key][]byte
	putError error
	gets     int
	puts     int
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[Key][]byte)}
}

// Get returns copies of the stored values.
func (m *MemoryStore) Get(ctx context.Context, keys []Key) []GetResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	results := make([]GetResult, len(keys))
	for index, key := range keys {
		m.gets++
		if value, ok := m.values[key]; ok {
			results[index] = GetResult{Data: append([]byte(nil), value...), Found: true}
		}
	}
	return results
}

// Put stores copies of the values, or fails every record with the
// error set by FailPuts.
func (m *MemoryStore) Put(ctx context.Context, records []Record) []error {
	m.mu.Lock()
	defer m.mu.Unlock()

	errs := make([]error, len(records))
	for index, record := range records {
		m.puts++
		if m.putError != nil {
			errs[index] = m.putError
			continue
		}
		m.values[record.Key] = append([]byte(nil), record.Value...)
	}
	return errs
}

// FailPuts makes every subsequent Put fail with err. A nil err
// restores normal behavior.
func (m *MemoryStore) FailPuts(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putError = err
}

// Set stores a raw value under key, bypassing payload encoding. Tests
// use it to plant corrupt payloads.
func (m *MemoryStore) Set(key Key, value []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = append([]byte(nil), value...)
}

// Len returns the number of stored values.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.values)
}

// Keys returns the stored keys in no particular order.
func (m *MemoryStore) Keys() []Key {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]Key, 0, len(m.values))
	for key := range m.values {
		keys = append(keys, key)
	}
	return keys
}

// Counts returns the number of keys looked up and records offered.
func (m *MemoryStore) Counts() (gets, puts int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gets, m.puts
}
