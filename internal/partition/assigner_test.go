package partition

import "testing"

func TestAssignOwnerNotInBackups(t *testing.T) {
	members := []string{"n1", "n2", "n3", "n4"}
	dist := assign(members, 64, 2)
	for id, d := range dist {
		if d.hasBackup(d.Owner) {
			t.Fatalf("partition %d: owner %s also a backup", id, d.Owner)
		}
		seen := map[string]bool{}
		for _, b := range d.Backups {
			if seen[b] {
				t.Fatalf("partition %d: duplicate backup %s", id, b)
			}
			seen[b] = true
		}
	}
}

func TestAssignBackupCountClamped(t *testing.T) {
	members := []string{"n1", "n2"}
	dist := assign(members, 16, 5)
	for id, d := range dist {
		if len(d.Backups) != 1 {
			t.Fatalf("partition %d: want 1 backup (min(5, |M|-1)), got %d", id, len(d.Backups))
		}
	}
}

func TestAssignSingleNodeHasNoBackups(t *testing.T) {
	dist := assign([]string{"solo"}, 8, 3)
	for id, d := range dist {
		if len(d.Backups) != 0 {
			t.Fatalf("partition %d: expected no backups with one member", id)
		}
		if d.Owner != "solo" {
			t.Fatalf("partition %d: owner = %s, want solo", id, d.Owner)
		}
	}
}

func TestAssignIsPureFunctionOfSortedMembers(t *testing.T) {
	a := assign([]string{"b", "a", "c"}, 32, 2)
	b := assign([]string{"c", "b", "a"}, 32, 2)
	for i := 0; i < 32; i++ {
		if a[i] != b[i] {
			t.Fatalf("partition %d differs across input orderings: %+v vs %+v", i, a[i], b[i])
		}
	}
}

func TestRebalanceVersionMonotonic(t *testing.T) {
	a := New(271, 2)
	m1, _ := a.Rebalance([]string{"n1"})
	m2, changes := a.Rebalance([]string{"n1", "n2"})
	if m2.Version <= m1.Version {
		t.Fatalf("version did not increase: %d -> %d", m1.Version, m2.Version)
	}
	if len(changes) == 0 {
		t.Fatalf("expected changes when adding a member")
	}
}

func TestRebalanceNoopWhenMembershipUnchanged(t *testing.T) {
	a := New(271, 2)
	m1, _ := a.Rebalance([]string{"n1", "n2", "n3"})
	m2, changes := a.Rebalance([]string{"n3", "n2", "n1"})
	if m1.Version != m2.Version {
		t.Fatalf("version bumped on a no-op rebalance: %d -> %d", m1.Version, m2.Version)
	}
	if changes != nil {
		t.Fatalf("expected nil changes on a no-op rebalance, got %v", changes)
	}
}

func TestSetOwnerBumpsVersionAndNotifies(t *testing.T) {
	a := New(8, 1)
	a.Rebalance([]string{"n1", "n2"})
	var gotChanges []Change
	a.OnRebalanced(ListenerFunc(func(m *Map, changes []Change) {
		gotChanges = changes
	}))

	before := a.Current().Version
	m, change := a.SetOwner(0, "n2")
	if m.Version != before+1 {
		t.Fatalf("SetOwner did not bump version: %d -> %d", before, m.Version)
	}
	if change.NewOwner != "n2" {
		t.Fatalf("change.NewOwner = %s, want n2", change.NewOwner)
	}
	if len(gotChanges) != 1 || gotChanges[0].NewOwner != "n2" {
		t.Fatalf("listener did not observe the owner change: %+v", gotChanges)
	}
}
