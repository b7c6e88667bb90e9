// Package merkle implements the MerkleIndex and RepairScheduler
// components (C6): a per-partition hashed bucket tree and the
// periodic anti-entropy scan that uses it to locate and reconcile
// divergent keys between replicas (spec §4.6).
package merkle

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/topgunbuild/topgun/internal/kv"
)

// DefaultDepth is the tree depth D (spec §4.6): the hex hash of a key is
// divided into a D-character radix path.
const DefaultDepth = 3

// keyPath returns the first `depth` hex characters of key's hash, used
// as its radix route from the root to its leaf bucket.
func keyPath(key string, depth int) string {
	h := xxhash.Sum64String(key)
	hex := fmt.Sprintf("%016x", h)
	if depth > len(hex) {
		depth = len(hex)
	}
	return hex[:depth]
}

func recordHash(rec kv.Record) uint64 {
	b, _ := json.Marshal(rec)
	return xxhash.Sum64(b)
}

// mix combines a child/leaf-entry hash with its branch character (or key)
// into a value to XOR into the parent's hash. XOR is commutative, so
// children/entries can be folded in any order (spec §4.6 "XOR of
// child-hash integers mixed with their branch character").
func mix(tag byte, h uint64) uint64 {
	salted := h ^ (uint64(tag) * 0x9E3779B97F4A7C15)
	return salted<<1 | salted>>63
}

type node struct {
	children map[byte]*node // nil at leaves
	keys     map[string]uint64
	hash     uint64
}

func newLeaf() *node {
	return &node{keys: make(map[string]uint64)}
}

func newInternal() *node {
	return &node{children: make(map[byte]*node)}
}

func (n *node) isLeaf() bool { return n.children == nil }

func (n *node) recomputeHash() {
	var h uint64
	if n.isLeaf() {
		for k, rh := range n.keys {
			h ^= mix(k[0], rh)
		}
	} else {
		for branch, child := range n.children {
			if len(child.keys) == 0 && len(child.children) == 0 {
				// Prune subtrees emptied by RemoveRecord so that they do not
				// contribute to the hash.
				delete(n.children, branch)
				continue
			}
			h ^= mix(branch, child.hash)
		}
	}
	n.hash = h
}

// Tree is one partition's Merkle tree over its key space.
type Tree struct {
	mu    sync.Mutex
	depth int
	root  *node
}

func NewTree(depth int) *Tree {
	if depth <= 0 {
		depth = DefaultDepth
	}
	return &Tree{depth: depth, root: newInternal()}
}

// UpdateRecord inserts or updates key's entry and bubbles the hash
// change up to the root.
func (t *Tree) UpdateRecord(key string, rec kv.Record) {
	t.mu.Lock()
	defer t.mu.Unlock()
	path := keyPath(key, t.depth)
	leaf := t.descend(path, true)
	leaf.keys[key] = recordHash(rec)
	t.bubble(path)
}

// RemoveRecord deletes key's entry, if present, and bubbles the change.
func (t *Tree) RemoveRecord(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	path := keyPath(key, t.depth)
	leaf := t.descend(path, false)
	if leaf == nil {
		return
	}
	delete(leaf.keys, key)
	t.bubble(path)
}

// descend walks from the root along path, creating internal nodes (and
// the leaf) along the way if create is true; returns nil if a node is
// missing and create is false.
func (t *Tree) descend(path string, create bool) *node {
	cur := t.root
	for i := 0; i < len(path)-1; i++ {
		b := path[i]
		next, ok := cur.children[b]
		if !ok {
			if !create {
				return nil
			}
			next = newInternal()
			cur.children[b] = next
		}
		cur = next
	}
	last := path[len(path)-1]
	leaf, ok := cur.children[last]
	if !ok {
		if !create {
			return nil
		}
		leaf = newLeaf()
		cur.children[last] = leaf
	}
	return leaf
}

// bubble recomputes the hash of every node along path from leaf to root.
func (t *Tree) bubble(path string) {
	var chain []*node
	cur := t.root
	chain = append(chain, cur)
	for i := 0; i < len(path); i++ {
		cur = cur.children[path[i]]
		if cur == nil {
			return
		}
		chain = append(chain, cur)
	}
	for i := len(chain) - 1; i >= 0; i-- {
		chain[i].recomputeHash()
	}
}

// RootHash returns the tree's current root hash.
func (t *Tree) RootHash() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.root.hash
}

// Buckets returns the per-branch child hashes at path (spec §4.6 "leaf-
// parent bucket maps"), keyed by the single-character branch.
func (t *Tree) Buckets(path string) map[string]uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur := t.root
	for i := 0; i < len(path); i++ {
		next, ok := cur.children[path[i]]
		if !ok {
			return nil
		}
		cur = next
	}
	if cur.isLeaf() {
		return nil
	}
	out := make(map[string]uint64, len(cur.children))
	for b, child := range cur.children {
		out[string(b)] = child.hash
	}
	return out
}

// KeysInBucket returns the keys stored at the leaf identified by path
// (a full-depth path).
func (t *Tree) KeysInBucket(path string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	leaf := t.descend(path, false)
	if leaf == nil {
		return nil
	}
	out := make([]string, 0, len(leaf.keys))
	for k := range leaf.keys {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
