package merkle

import (
	"sync"

	"github.com/topgunbuild/topgun/internal/kv"
)

// Index owns one Tree per partition.
type Index struct {
	mu    sync.Mutex
	depth int
	trees map[int]*Tree
}

func NewIndex(depth int) *Index {
	if depth <= 0 {
		depth = DefaultDepth
	}
	return &Index{depth: depth, trees: make(map[int]*Tree)}
}

func (idx *Index) tree(partitionID int) *Tree {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	t, ok := idx.trees[partitionID]
	if !ok {
		t = NewTree(idx.depth)
		idx.trees[partitionID] = t
	}
	return t
}

func (idx *Index) UpdateRecord(partitionID int, key string, rec kv.Record) {
	idx.tree(partitionID).UpdateRecord(key, rec)
}

func (idx *Index) RemoveRecord(partitionID int, key string) {
	idx.tree(partitionID).RemoveRecord(key)
}

func (idx *Index) RootHash(partitionID int) uint64 {
	return idx.tree(partitionID).RootHash()
}

func (idx *Index) Buckets(partitionID int, path string) map[string]uint64 {
	return idx.tree(partitionID).Buckets(path)
}

func (idx *Index) KeysInBucket(partitionID int, path string) []string {
	return idx.tree(partitionID).KeysInBucket(path)
}

func (idx *Index) Depth() int { return idx.depth }
