// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package toc

import (
	"math"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// seedPrimeCount is the size of the seed table searched for each
// bucket: the primes from 2 through 7919.
const seedPrimeCount = 1000

var defaultSeedPrimes = firstPrimes(seedPrimeCount)

// PerfectHashStats summarizes a perfect hash construction.
type PerfectHashStats struct {
	SeedCount     int `json:"seed_count"`
	MaxBucketSize int `json:"max_bucket_size"`

	// OverflowBuckets and OverflowChunks count buckets whose seed
	// search failed and the chunks they hold. Those chunks are found
	// by linear scan.
	OverflowBuckets int `json:"overflow_buckets"`
	OverflowChunks  int `json:"overflow_chunks"`
}

// hashChunkID hashes a ChunkID with a seed. Seed zero is the unseeded
// hash used to pick a bucket.
func hashChunkID(seed int32, id ChunkID) uint64 {
	if seed == 0 {
		return xxhash.Sum64(id[:])
	}
	digest := xxhash.NewWithSeed(uint64(uint32(seed)))
	digest.Write(id[:])
	return digest.Sum64()
}

// BuildPerfectHash computes per-bucket seeds so that every chunk in
// resource maps to a distinct slot, then permutes ChunkIDs,
// OffsetLengths, and Metas into slot order.
//
// The bucket count is half the chunk count (at least one). Buckets are
// processed largest first; for each multi-chunk bucket the primes are
// tried in order until one places every chunk of the bucket into a free
// slot with no collision inside the bucket. Seeds are encoded as:
//
//   - seed > 0: slot = hash(seed, id) mod chunkCount.
//   - -chunkCount <= seed < 0: single-chunk bucket at slot -seed-1.
//   - seed < -chunkCount: the bucket's seed search failed; its chunks
//     occupy the slots listed in OverflowIndices.
//   - seed == 0: empty bucket.
func BuildPerfectHash(resource *Resource, primes []uint32) PerfectHashStats {
	count := len(resource.ChunkIDs)
	resource.PerfectHashSeeds = nil
	resource.OverflowIndices = nil
	if count == 0 {
		return PerfectHashStats{}
	}

	seedCount := int(math.Round(float64(count) / 2))
	if seedCount < 1 {
		seedCount = 1
	}
	stats := PerfectHashStats{SeedCount: seedCount}

	buckets := make([][]int, seedCount)
	for index, id := range resource.ChunkIDs {
		bucket := hashChunkID(0, id) % uint64(seedCount)
		buckets[bucket] = append(buckets[bucket], index)
	}

	order := make([]int, seedCount)
	for index := range order {
		order[index] = index
	}
	sort.SliceStable(order, func(i, j int) bool {
		return len(buckets[order[i]]) > len(buckets[order[j]])
	})
	stats.MaxBucketSize = len(buckets[order[0]])

	seeds := make([]int32, seedCount)
	slotOwner := make([]int, count)
	slotUsed := make([]bool, count)
	var overflow []int
	var candidate []uint64

	for _, bucket := range order {
		members := buckets[bucket]
		if len(members) <= 1 {
			break
		}

		placed := false
		for _, prime := range primes {
			seed := int32(prime)
			candidate = candidate[:0]
			for _, member := range members {
				slot := hashChunkID(seed, resource.ChunkIDs[member]) % uint64(count)
				if slotUsed[slot] || containsSlot(candidate, slot) {
					break
				}
				candidate = append(candidate, slot)
			}
			if len(candidate) != len(members) {
				continue
			}
			for position, slot := range candidate {
				slotUsed[slot] = true
				slotOwner[slot] = members[position]
			}
			seeds[bucket] = seed
			placed = true
			break
		}
		if !placed {
			seeds[bucket] = -int32(len(overflow)) - int32(count) - 1
			overflow = append(overflow, members...)
			stats.OverflowBuckets++
		}
	}

	nextFree := 0
	takeFreeSlot := func() int {
		for slotUsed[nextFree] {
			nextFree++
		}
		slotUsed[nextFree] = true
		return nextFree
	}

	for _, bucket := range order {
		members := buckets[bucket]
		if len(members) != 1 {
			continue
		}
		slot := takeFreeSlot()
		slotOwner[slot] = members[0]
		seeds[bucket] = -int32(slot) - 1
	}

	var overflowSlots []int32
	for _, member := range overflow {
		slot := takeFreeSlot()
		slotOwner[slot] = member
		overflowSlots = append(overflowSlots, int32(slot))
	}
	stats.OverflowChunks = len(overflow)

	chunkIDs := make([]ChunkID, count)
	offsetLengths := make([]OffsetLength, count)
	metas := make([]EntryMeta, count)
	for slot, owner := range slotOwner {
		chunkIDs[slot] = resource.ChunkIDs[owner]
		offsetLengths[slot] = resource.OffsetLengths[owner]
		metas[slot] = resource.Metas[owner]
	}
	resource.ChunkIDs = chunkIDs
	resource.OffsetLengths = offsetLengths
	resource.Metas = metas
	resource.PerfectHashSeeds = seeds
	resource.OverflowIndices = overflowSlots
	return stats
}

func containsSlot(slots []uint64, slot uint64) bool {
	for _, existing := range slots {
		if existing == slot {
			return true
		}
	}
	return false
}

// firstPrimes returns the first n primes.
func firstPrimes(n int) []uint32 {
	primes := make([]uint32, 0, n)
	for candidate := uint32(2); len(primes) < n; candidate++ {
		prime := true
		for _, divisor := range primes {
			if divisor*divisor > candidate {
				break
			}
			if candidate%divisor == 0 {
				prime = false
				break
			}
		}
		if prime {
			primes = append(primes, candidate)
		}
	}
	return primes
}
