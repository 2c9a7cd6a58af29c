package sps

import (
	"fmt"
	"time"
)

// Handle layout: the low partitionBits carry the partition id, the rest a
// strictly increasing sequence. Handles compare correctly as plain int64s
// within a partition.
const (
	partitionBits = 14
	partitionMask = (1 << partitionBits) - 1
)

// MakeSpHandle packs a sequence number and a partition id into an sp-handle.
func MakeSpHandle(seq int64, partition int32) int64 {
	return seq<<partitionBits | int64(partition)&partitionMask
}

// SpHandleSequence extracts the sequence component of an sp-handle.
func SpHandleSequence(h int64) int64 { return h >> partitionBits }

// SpHandlePartition extracts the partition component of an sp-handle.
func SpHandlePartition(h int64) int32 { return int32(h & partitionMask) }

// HandleAllocator generates the partition's monotonic sp-handles. Only the
// leader advances it; non-leaders track the leader's position through
// SetMaxSeen.
type HandleAllocator struct {
	partition int32
	cur       int64
}

// NewHandleAllocator starts the allocator at sequence zero for the
// partition.
func NewHandleAllocator(partition int32) *HandleAllocator {
	return &HandleAllocator{partition: partition, cur: MakeSpHandle(0, partition)}
}

// Current returns the last assigned sp-handle.
func (a *HandleAllocator) Current() int64 { return a.cur }

// Advance assigns and returns the next sp-handle.
func (a *HandleAllocator) Advance() int64 {
	a.cur = MakeSpHandle(SpHandleSequence(a.cur)+1, a.partition)
	return a.cur
}

// SetMaxSeen moves the allocator forward to h if h is ahead. It never moves
// backwards.
func (a *HandleAllocator) SetMaxSeen(h int64) {
	if SpHandleSequence(h) > SpHandleSequence(a.cur) {
		a.cur = MakeSpHandle(SpHandleSequence(h), a.partition)
	}
}

// Unique-id layout: 40-bit millisecond timestamp, then a 9-bit intra-ms
// counter, then the partition id in the low partitionBits.
const (
	uidCounterBits = 9
	uidCounterMax  = (1 << uidCounterBits) - 1
)

// MakeUniqueID packs timestamp, counter, and partition into a unique id.
func MakeUniqueID(tsMillis, counter int64, partition int32) int64 {
	return tsMillis<<(uidCounterBits+partitionBits) |
		counter<<partitionBits |
		int64(partition)&partitionMask
}

// UniqueIDPartition extracts the partition component of a unique id.
func UniqueIDPartition(uid int64) int32 { return int32(uid & partitionMask) }

// UniqueIDTimestamp extracts the millisecond timestamp of a unique id.
func UniqueIDTimestamp(uid int64) int64 { return uid >> (uidCounterBits + partitionBits) }

func uniqueIDCounter(uid int64) int64 {
	return (uid >> partitionBits) & uidCounterMax
}

// UniqueIDGenerator produces the timestamp-component ids the command log
// uses for idempotency. Clock is injectable for tests.
type UniqueIDGenerator struct {
	partition    int32
	lastUsedTime int64
	counter      int64
	last         int64
	now          func() int64
}

// NewUniqueIDGenerator returns a generator for the partition using the wall
// clock; a nil clock defaults to time.Now in milliseconds.
func NewUniqueIDGenerator(partition int32, clock func() int64) *UniqueIDGenerator {
	if clock == nil {
		clock = func() int64 { return time.Now().UnixMilli() }
	}
	return &UniqueIDGenerator{partition: partition, now: clock}
}

// Next returns the next unique id. Within one millisecond the counter
// disambiguates; when the counter saturates the generator moves on to the
// next millisecond without waiting for the clock. A clock running backwards
// reuses lastUsedTime, keeping ids
// monotonic.
func (g *UniqueIDGenerator) Next() int64 {
	ts := g.now()
	if ts < g.lastUsedTime {
		ts = g.lastUsedTime
	}
	if ts == g.lastUsedTime {
		g.counter++
		if g.counter > uidCounterMax {
			ts = g.lastUsedTime + 1
			g.counter = 0
		}
	} else {
		g.counter = 0
	}
	g.lastUsedTime = ts
	g.last = MakeUniqueID(ts, g.counter, g.partition)
	return g.last
}

// LastUniqueID returns the most recently generated or adopted unique id.
func (g *UniqueIDGenerator) LastUniqueID() int64 { return g.last }

// AdoptExternal folds a replayed or replicated unique id into the
// generator so future ids stay ahead of it. The id must belong to this
// partition.
func (g *UniqueIDGenerator) AdoptExternal(uid int64) error {
	if UniqueIDPartition(uid) != g.partition {
		return fmt.Errorf("unique id %d belongs to partition %d, not %d",
			uid, UniqueIDPartition(uid), g.partition)
	}
	ts := UniqueIDTimestamp(uid)
	if ts > g.lastUsedTime || (ts == g.lastUsedTime && uniqueIDCounter(uid) > g.counter) {
		g.lastUsedTime = ts
		g.counter = uniqueIDCounter(uid)
	}
	if uid > g.last {
		g.last = uid
	}
	return nil
}

// SyntheticNow builds a read-path timestamp id without consuming a counter
// slot, so read-heavy workloads don't make time bursty.
func (g *UniqueIDGenerator) SyntheticNow() int64 {
	ts := g.now()
	if ts < g.lastUsedTime {
		ts = g.lastUsedTime
	}
	return MakeUniqueID(ts, 0, g.partition)
}
