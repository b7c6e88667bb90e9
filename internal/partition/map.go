// Package partition implements the deterministic partition assignment
// function and the version-stamped PartitionMap that is the cluster's
// single source of routing truth (spec §3, §4.3).
package partition

import (
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Of maps key to a partition id in [0, count).
func Of(key string, count int) int {
	h := xxhash.Sum64String(key)
	return int(h % uint64(count))
}

// Distribution is the owner + ordered backups for one partition.
// owner ∉ backups; backups has no duplicates (spec §3 invariants).
type Distribution struct {
	Owner   string   `json:"owner"`
	Backups []string `json:"backups"`
}

func (d Distribution) hasBackup(node string) bool {
	for _, b := range d.Backups {
		if b == node {
			return true
		}
	}
	return false
}

// Map is the routing source of truth: a version-stamped snapshot of
// every partition's distribution plus the member list it was computed
// from.
type Map struct {
	Version     uint64                `json:"version"`
	Partitions  map[int]Distribution  `json:"partitions"`
	Nodes       []string              `json:"nodes"`
	GeneratedAt time.Time             `json:"generatedAt"`
}

// Change describes one partition's owner/backups transition between
// two successive maps.
type Change struct {
	PartitionID int
	OldOwner    string
	NewOwner    string
	OldBackups  []string
	NewBackups  []string
}

// OwnerChanged reports whether this Change actually moved ownership
// (a backup-only reshuffle still produces a Change but OwnerChanged is
// false).
func (c Change) OwnerChanged() bool { return c.OldOwner != c.NewOwner }

func (m *Map) clone() *Map {
	if m == nil {
		return nil
	}
	cp := &Map{
		Version:     m.Version,
		Nodes:       append([]string(nil), m.Nodes...),
		GeneratedAt: m.GeneratedAt,
		Partitions:  make(map[int]Distribution, len(m.Partitions)),
	}
	for id, d := range m.Partitions {
		cp.Partitions[id] = Distribution{Owner: d.Owner, Backups: append([]string(nil), d.Backups...)}
	}
	return cp
}

// assign computes the deterministic placement for a sorted member list
// (spec §4.3): owner(i) = M[i mod |M|]; backups(i,b) = M[(i mod |M| +
// b) mod |M|] for b in [1, min(backupCount, |M|-1)].
func assign(sortedMembers []string, partitionCount, backupCount int) map[int]Distribution {
	out := make(map[int]Distribution, partitionCount)
	n := len(sortedMembers)
	if n == 0 {
		return out
	}
	maxBackups := backupCount
	if maxBackups > n-1 {
		maxBackups = n - 1
	}
	if maxBackups < 0 {
		maxBackups = 0
	}

	for i := 0; i < partitionCount; i++ {
		owner := sortedMembers[i%n]
		backups := make([]string, 0, maxBackups)
		for b := 1; b <= maxBackups; b++ {
			backups = append(backups, sortedMembers[(i%n+b)%n])
		}
		out[i] = Distribution{Owner: owner, Backups: backups}
	}
	return out
}

func sortedCopy(members []string) []string {
	out := append([]string(nil), members...)
	sort.Strings(out)
	return out
}

// diff computes the ordered set of per-partition changes between two
// distribution maps (by ascending partition id, spec §4.3).
func diff(old, next map[int]Distribution, partitionCount int) []Change {
	var changes []Change
	for i := 0; i < partitionCount; i++ {
		o := old[i]
		nx := next[i]
		if o.Owner == nx.Owner && sameBackups(o.Backups, nx.Backups) {
			continue
		}
		changes = append(changes, Change{
			PartitionID: i,
			OldOwner:    o.Owner,
			NewOwner:    nx.Owner,
			OldBackups:  o.Backups,
			NewBackups:  nx.Backups,
		})
	}
	return changes
}

func sameBackups(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
