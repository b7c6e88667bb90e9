package partition

import (
	"fmt"
	"testing"
)

// FuzzAssignInvariants checks the spec §8 partition-ownership and
// replica-disjointness invariants hold for arbitrary member counts.
func FuzzAssignInvariants(f *testing.F) {
	f.Add(3, 271, 2)
	f.Add(1, 16, 3)
	f.Add(0, 16, 2)
	f.Add(100, 271, 5)

	f.Fuzz(func(t *testing.T, memberCount, partitionCount, backupCount int) {
		if memberCount < 0 || memberCount > 200 {
			t.Skip()
		}
		if partitionCount <= 0 || partitionCount > 1000 {
			t.Skip()
		}
		if backupCount < 0 || backupCount > 20 {
			t.Skip()
		}

		members := make([]string, memberCount)
		for i := range members {
			members[i] = fmt.Sprintf("n%d", i)
		}

		dist := assign(sortedCopy(members), partitionCount, backupCount)
		if memberCount == 0 {
			if len(dist) != 0 {
				t.Fatalf("expected empty distribution with no members")
			}
			return
		}

		wantBackups := backupCount
		if wantBackups > memberCount-1 {
			wantBackups = memberCount - 1
		}
		if wantBackups < 0 {
			wantBackups = 0
		}

		for id, d := range dist {
			if d.hasBackup(d.Owner) {
				t.Fatalf("partition %d: owner in backups", id)
			}
			if len(d.Backups) != wantBackups {
				t.Fatalf("partition %d: got %d backups, want %d", id, len(d.Backups), wantBackups)
			}
			seen := map[string]bool{}
			for _, b := range d.Backups {
				if seen[b] {
					t.Fatalf("partition %d: duplicate backup", id)
				}
				seen[b] = true
			}
		}
	})
}
