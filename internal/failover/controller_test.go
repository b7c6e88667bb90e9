package failover

import (
	"testing"
	"time"

	"github.com/topgunbuild/topgun/internal/partition"
)

func TestNodeConfirmedFailedPromotesBackup(t *testing.T) {
	a := partition.New(8, 2)
	a.Rebalance([]string{"n1", "n2", "n3"})

	alive := []string{"n2", "n3"}
	c := New(a, func() []string { return alive }, Config{ReassignmentDelay: 10 * time.Millisecond})

	done := make(chan struct{})
	c.OnEvent(ListenerFuncs{OnFailoverComplete: func(string, int, time.Duration) { close(done) }})

	c.NodeConfirmedFailed("n1")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for failover to complete")
	}

	m := a.Current()
	for id, dist := range m.Partitions {
		if dist.Owner == "n1" {
			t.Fatalf("partition %d still owned by failed node", id)
		}
	}
}

func TestRapidRepeatedFailuresCollapseIntoOneReassignment(t *testing.T) {
	a := partition.New(8, 2)
	a.Rebalance([]string{"n1", "n2", "n3"})

	var completions int
	c := New(a, func() []string { return []string{"n2", "n3"} }, Config{ReassignmentDelay: 50 * time.Millisecond})
	c.OnEvent(ListenerFuncs{OnFailoverComplete: func(string, int, time.Duration) { completions++ }})

	c.NodeConfirmedFailed("n1")
	c.NodeConfirmedFailed("n1")
	c.NodeConfirmedFailed("n1")

	time.Sleep(200 * time.Millisecond)
	if completions != 1 {
		t.Fatalf("expected exactly one reassignment, got %d", completions)
	}
}
