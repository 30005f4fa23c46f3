// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package packer

import (
	"container/list"
	"fmt"
	"sort"

	"github.com/bureau-foundation/chunkpack/lib/toc"
)

// diskLayout is the chunk order of previous builds of a container.
type diskLayout struct {
	previous map[toc.ChunkID]previousChunk
}

// previousChunk is where a chunk was in the previous build.
type previousChunk struct {
	order     int
	hash      toc.Hash
	partition int
	diskSize  uint64
}

// EnableDiskLayoutOrdering orders this build's chunks after the disk
// order of previous builds, so that unchanged chunks keep their
// partitions and relative positions and patches between builds stay
// small. previous[0] is the last full build; with GenerateDiffPatch the
// rest are patches applied on top of it, and only added or modified
// chunks are written.
func (w *ContainerWriter) EnableDiskLayoutOrdering(previous []*toc.Resource) error {
	if w.flushed.Load() {
		return ErrContainerFinalized
	}
	if !w.settings.GenerateDiffPatch && len(previous) > 1 {
		previous = previous[:1]
	}
	layout := &diskLayout{previous: make(map[toc.ChunkID]previousChunk)}
	order := 0
	for resourceIndex, resource := range previous {
		locations, err := resource.ChunkLocations()
		if err != nil {
			return fmt.Errorf("previous build %d: %w", resourceIndex, err)
		}
		for _, location := range locations {
			if existing, ok := layout.previous[location.ID]; ok {
				// A later patch replaced the chunk; it keeps its place.
				existing.hash = location.Meta.Hash
				existing.diskSize = location.DiskSize
				layout.previous[location.ID] = existing
				continue
			}
			layout.previous[location.ID] = previousChunk{
				order:     order,
				hash:      location.Meta.Hash,
				partition: location.Partition,
				diskSize:  location.DiskSize,
			}
			order++
		}
	}

	w.mu.Lock()
	w.layout = layout
	w.mu.Unlock()
	return nil
}

// finalizeLayout reorders the appended entries. Unchanged chunks keep
// their previous order and partition. Added and modified chunks are
// spliced in after the chunk that precedes them in this build's order.
// In diff patch mode unchanged chunks are dropped.
func (w *ContainerWriter) finalizeLayout() {
	entries := w.entries
	sort.SliceStable(entries, func(i, j int) bool {
		left, right := entries[i], entries[j]
		if left.source.OrderHint() != right.source.OrderHint() {
			return left.source.OrderHint() < right.source.OrderHint()
		}
		return left.sequence < right.sequence
	})

	// ideal is an entry's position in this build's sorted order.
	type placed struct {
		entry *writeEntry
		ideal int
	}
	var pending []placed
	unchanged := make(map[int]placed)
	pinPartitions := w.c.settings.MaxPartitionSize != 0
	for ideal, entry := range entries {
		previous, ok := w.layout.previous[entry.id]
		switch {
		case !ok:
			entry.added = true
			pending = append(pending, placed{entry: entry, ideal: ideal})
		case previous.hash != entry.hash:
			entry.modified = true
			pending = append(pending, placed{entry: entry, ideal: ideal})
		default:
			if _, taken := unchanged[previous.order]; taken {
				continue
			}
			unchanged[previous.order] = placed{entry: entry, ideal: ideal}
			if pinPartitions {
				entry.partitionIndex = previous.partition
				entry.previousDiskSize = previous.diskSize
			}
		}
	}

	ordered := list.New()
	byIdeal := make(map[int]*list.Element)
	if !w.settings.GenerateDiffPatch {
		orders := make([]int, 0, len(unchanged))
		for order := range unchanged {
			orders = append(orders, order)
		}
		sort.Ints(orders)
		for _, order := range orders {
			item := unchanged[order]
			byIdeal[item.ideal] = ordered.PushBack(item.entry)
		}
	}

	var lastSpliced *list.Element
	for _, item := range pending {
		after, ok := byIdeal[item.ideal-1]
		if !ok {
			after = lastSpliced
		}
		var element *list.Element
		if after == nil {
			element = ordered.PushFront(item.entry)
		} else {
			element = ordered.InsertAfter(item.entry, after)
		}
		byIdeal[item.ideal] = element
		lastSpliced = element
	}

	final := make([]*writeEntry, 0, ordered.Len())
	for element := ordered.Front(); element != nil; element = element.Next() {
		entry := element.Value.(*writeEntry)
		if entry.partitionIndex >= 0 {
			w.partitionAt(entry.partitionIndex).reserved += entry.previousDiskSize
		}
		final = append(final, entry)
	}
	if dropped := len(entries) - len(final); dropped > 0 {
		w.c.logger.Info("disk layout dropped unchanged chunks",
			"container", w.name,
			"dropped", dropped,
		)
	}
	w.entries = final
}
