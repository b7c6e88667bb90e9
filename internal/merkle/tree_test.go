package merkle

import (
	"testing"

	"github.com/topgunbuild/topgun/internal/kv"
)

func TestRootHashStableForSameContent(t *testing.T) {
	a := NewTree(3)
	b := NewTree(3)

	for i := 0; i < 50; i++ {
		key := string(rune('a' + i%26))
		rec := kv.Record{Value: []byte(key)}
		a.UpdateRecord(key, rec)
		b.UpdateRecord(key, rec)
	}

	if a.RootHash() != b.RootHash() {
		t.Fatalf("expected identical root hashes for identical content")
	}
}

func TestRootHashChangesOnDivergence(t *testing.T) {
	a := NewTree(3)
	b := NewTree(3)
	a.UpdateRecord("k1", kv.Record{Value: []byte("v1")})
	b.UpdateRecord("k1", kv.Record{Value: []byte("v2")})

	if a.RootHash() == b.RootHash() {
		t.Fatalf("expected divergent root hashes for different values")
	}
}

func TestRemoveRecordRestoresHash(t *testing.T) {
	tr := NewTree(3)
	before := tr.RootHash()
	tr.UpdateRecord("k1", kv.Record{Value: []byte("v1")})
	tr.RemoveRecord("k1")
	if tr.RootHash() != before {
		t.Fatalf("expected root hash to return to empty-tree value after remove")
	}
}

func TestKeysInBucketFindsInsertedKey(t *testing.T) {
	tr := NewTree(3)
	tr.UpdateRecord("alpha", kv.Record{Value: []byte("v")})
	path := keyPath("alpha", 3)
	keys := tr.KeysInBucket(path)
	found := false
	for _, k := range keys {
		if k == "alpha" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected KeysInBucket(%s) to contain alpha, got %v", path, keys)
	}
}

func TestBucketsDivergeAtDifferingBranch(t *testing.T) {
	a := NewTree(3)
	b := NewTree(3)
	a.UpdateRecord("same-key", kv.Record{Value: []byte("same-value")})
	b.UpdateRecord("same-key", kv.Record{Value: []byte("same-value")})
	a.UpdateRecord("only-in-a", kv.Record{Value: []byte("x")})

	rootA := a.Buckets("")
	rootB := b.Buckets("")
	diff := false
	for branch, ha := range rootA {
		if rootB[branch] != ha {
			diff = true
		}
	}
	if len(rootA) != len(rootB) {
		diff = true
	}
	if !diff {
		t.Fatalf("expected bucket maps to differ once a key was added only to one side")
	}
}
