package server

import (
	"testing"

	"github.com/topgunbuild/topgun/internal/config"
)

func TestNewWiresEveryComponent(t *testing.T) {
	cfg := config.Default("n1", "127.0.0.1", 17946)
	n, err := New(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer n.Stop()

	if n.Transport == nil || n.Store == nil || n.Partitions == nil || n.Detector == nil ||
		n.Failover == nil || n.Replicator == nil || n.Migrator == nil || n.Merkle == nil ||
		n.Repair == nil || n.Locks == nil || n.Topics == nil || n.Router == nil {
		t.Fatalf("expected every component to be wired, got %+v", n)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default("", "127.0.0.1", 17947)
	if _, err := New(cfg); err == nil {
		t.Fatalf("expected validation error for empty node id")
	}
}

func TestPartitionRolesReflectsOwnerAndBackupSides(t *testing.T) {
	cfg := config.Default("n1", "127.0.0.1", 17948)
	n, err := New(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer n.Stop()

	n.Partitions.Rebalance([]string{"n1", "n2"})
	roles := n.partitionRoles()
	if roles == nil {
		t.Fatalf("expected a non-nil roles map")
	}
	// With two members every partition has n1 on one side and n2 on the
	// other: as owner n1 reconciles against its backup n2, as backup it
	// reconciles against its owner n2.
	for id, d := range n.Partitions.Current().Partitions {
		got := roles[id]
		if len(got) != 1 || got[0] != "n2" {
			t.Fatalf("partition %d (owner %s, backups %v): roles = %v, want [n2]", id, d.Owner, d.Backups, got)
		}
	}
}
