// Package kv defines the core's storage boundary: the opaque LWW
// timestamp/compare machinery the spec requires, and the abstract
// KVStore the core depends on without ever assuming a concrete
// implementation (spec §9, "pluggable KV/CRDT hooks").
package kv

import (
	"sync"

	"github.com/topgunbuild/topgun/internal/clock"
)

// Timestamp is the (millis, counter, nodeId) tuple LWWRecord orders on.
// Comparison is lexicographic: millis, then counter, then nodeId —
// giving a deterministic tiebreak even when two nodes stamp the same
// millisecond and counter (which Source.Next prevents locally, but two
// different nodes can still collide on the wire).
type Timestamp struct {
	Millis  uint64 `json:"millis"`
	Counter uint32 `json:"counter"`
	NodeID  string `json:"nodeId"`
}

// Compare returns -1, 0, 1 as a < b, a == b, a > b under the total
// order spec §8 requires (reflexive, antisymmetric, transitive).
func Compare(a, b Timestamp) int {
	switch {
	case a.Millis < b.Millis:
		return -1
	case a.Millis > b.Millis:
		return 1
	}
	switch {
	case a.Counter < b.Counter:
		return -1
	case a.Counter > b.Counter:
		return 1
	}
	switch {
	case a.NodeID < b.NodeID:
		return -1
	case a.NodeID > b.NodeID:
		return 1
	}
	return 0
}

// Record is the opaque LWW envelope around a value. The core never
// inspects Value beyond Tombstone/TTL bookkeeping; payload conflict
// semantics (CRDT merge, etc.) are the embedder's concern.
type Record struct {
	Value     []byte    `json:"value,omitempty"`
	Tombstone bool      `json:"tombstone,omitempty"`
	Timestamp Timestamp `json:"timestamp"`
	TTLMs     int64     `json:"ttlMs,omitempty"`
}

// Resolve picks the LWW winner between two records of the same key:
// higher (millis, counter) wins; ties break on the lexicographically
// greater nodeId (spec §4.6 step 3).
func Resolve(a, b Record) Record {
	if Compare(a.Timestamp, b.Timestamp) >= 0 {
		return a
	}
	return b
}

// Source issues strictly increasing Timestamps for one node: the
// counter bumps within the same millisecond and resets when the clock
// advances, so two calls from the same Source never compare equal.
type Source struct {
	clock  clock.Clock
	nodeID string

	mu         sync.Mutex
	lastMillis uint64
	counter    uint32
}

func NewSource(c clock.Clock, nodeID string) *Source {
	return &Source{clock: c, nodeID: nodeID}
}

func (s *Source) Next() Timestamp {
	s.mu.Lock()
	defer s.mu.Unlock()

	millis := uint64(s.clock.Now().UnixMilli())
	if millis <= s.lastMillis {
		millis = s.lastMillis
		s.counter++
	} else {
		s.lastMillis = millis
		s.counter = 0
	}
	return Timestamp{Millis: millis, Counter: s.counter, NodeID: s.nodeID}
}
