// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package sparsecache memoizes the normalized hole-punch plan derived from
// a GNU sparse instruction list, the same tinylfu-backed block cache
// spinner keeps for decompressed file blocks, sized instead for the much
// smaller population of distinct sparse layouts an archive tends to
// repeat (incremental backups of the same sparse disk image, for
// instance, re-emit near-identical maps entry after entry).
package sparsecache

import (
	"hash/maphash"
	"log/slog"

	"github.com/dgryski/go-tinylfu"

	"github.com/elliotnunn/streamtar/tar"
)

// Plan is the normalized, gap-filled hole-punch plan for a sparse file: one
// [os.File.WriteAt]-able run per non-empty [tar.SparseInstruction], with the
// zero-filled holes between them implicit.
type Plan struct {
	Runs     []Run
	RealSize uint64
}

// Run is one contiguous non-hole byte range.
type Run struct {
	Offset uint64
	Length uint64
}

var seed = maphash.MakeSeed()

// Key identifies a sparse instruction list by content, not identity, so
// that two unrelated entries with the same layout share a cache line.
type Key struct {
	realSize uint64
	digest   uint64
}

// HashInstructions computes the Key for a sparse instruction list as
// recorded on an [tar.Inode].
func HashInstructions(realSize uint64, list []tar.SparseInstruction) Key {
	var h maphash.Hash
	h.SetSeed(seed)
	var buf [16]byte
	for _, inst := range list {
		putUint64(buf[0:8], inst.OffsetBefore)
		putUint64(buf[8:16], inst.DataSize)
		h.Write(buf[:])
	}
	return Key{realSize: realSize, digest: h.Sum64()}
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func keyHash(k Key) uint64 {
	var h maphash.Hash
	h.SetSeed(seed)
	var buf [16]byte
	putUint64(buf[0:8], k.realSize)
	putUint64(buf[8:16], k.digest)
	h.Write(buf[:])
	return h.Sum64()
}

// Cache is a bounded, size-keyed cache of normalized sparse plans.
type Cache struct {
	tl     *tinylfu.T[Key, *Plan]
	logger *slog.Logger
	hits   int
	misses int
}

// New builds a Cache holding up to capacity distinct sparse layouts.
// logger, if non-nil, receives a debug record on every lookup.
func New(capacity int, logger *slog.Logger) *Cache {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Cache{
		tl:     tinylfu.New[Key, *Plan](capacity, capacity*10, keyHash),
		logger: logger,
	}
}

// Resolve returns the normalized Plan for list, building and caching it via
// build on a miss.
func (c *Cache) Resolve(realSize uint64, list []tar.SparseInstruction, build func() *Plan) *Plan {
	key := HashInstructions(realSize, list)
	if plan, ok := c.tl.Get(key); ok {
		c.hits++
		if c.logger != nil {
			c.logger.Debug("sparsecache: hit", slog.Int("entries", len(list)))
		}
		return plan
	}
	c.misses++
	if c.logger != nil {
		c.logger.Debug("sparsecache: miss", slog.Int("entries", len(list)))
	}
	plan := build()
	c.tl.Add(key, plan)
	return plan
}

// Stats reports cumulative hit/miss counts for diagnostics.
func (c *Cache) Stats() (hits, misses int) { return c.hits, c.misses }

// BuildPlan normalizes a raw sparse instruction list (offsets relative to
// the end of the previous instruction, per the wire format) into absolute
// byte-range runs.
func BuildPlan(realSize uint64, list []tar.SparseInstruction) *Plan {
	plan := &Plan{RealSize: realSize, Runs: make([]Run, 0, len(list))}
	var cursor uint64
	for _, inst := range list {
		cursor += inst.OffsetBefore
		if inst.DataSize > 0 {
			plan.Runs = append(plan.Runs, Run{Offset: cursor, Length: inst.DataSize})
		}
		cursor += inst.DataSize
	}
	return plan
}
