// Package failover implements the FailoverController component (C7):
// reacting to a confirmed peer failure by promoting a backup to owner
// for every partition the failed node held, and emitting the resulting
// partition map (spec §4.7).
package failover

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/topgunbuild/topgun/internal/partition"
)

// Assigner is the narrow PartitionAssigner surface the controller needs.
type Assigner interface {
	Current() *partition.Map
	SetOwner(partitionID int, newOwner string) (*partition.Map, partition.Change)
	SetBackups(partitionID int, backups []string) (*partition.Map, partition.Change)
	BackupCount() int
}

// Listener observes failover outcomes.
type Listener interface {
	PartitionsReassigned(failedNodeID string, changes []partition.Change, m *partition.Map)
	FailoverComplete(failedNodeID string, partitionsReassigned int, duration time.Duration)
}

type ListenerFuncs struct {
	OnPartitionsReassigned func(failedNodeID string, changes []partition.Change, m *partition.Map)
	OnFailoverComplete     func(failedNodeID string, partitionsReassigned int, duration time.Duration)
}

func (f ListenerFuncs) PartitionsReassigned(failedNodeID string, changes []partition.Change, m *partition.Map) {
	if f.OnPartitionsReassigned != nil {
		f.OnPartitionsReassigned(failedNodeID, changes, m)
	}
}
func (f ListenerFuncs) FailoverComplete(failedNodeID string, partitionsReassigned int, duration time.Duration) {
	if f.OnFailoverComplete != nil {
		f.OnFailoverComplete(failedNodeID, partitionsReassigned, duration)
	}
}

// Config tunes the debounce window (spec §4.7 default).
type Config struct {
	ReassignmentDelay time.Duration // default 1s
}

func (c Config) withDefaults() Config {
	if c.ReassignmentDelay <= 0 {
		c.ReassignmentDelay = time.Second
	}
	return c
}

// Controller is the FailoverController component (C7).
type Controller struct {
	cfg         Config
	assigner    Assigner
	aliveMembers func() []string

	log *slog.Logger

	mu        sync.Mutex
	debounce  map[string]*time.Timer
	listeners []Listener
}

func New(assigner Assigner, aliveMembers func() []string, cfg Config) *Controller {
	return &Controller{
		cfg:          cfg.withDefaults(),
		assigner:     assigner,
		aliveMembers: aliveMembers,
		log:          slog.With("component", "failover-controller"),
		debounce:     make(map[string]*time.Timer),
	}
}

func (c *Controller) OnEvent(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// NodeConfirmedFailed is the FailureDetector.ConfirmedFailed callback
// target: rapid repeated events for the same node collapse into a
// single debounced reassignment (spec §4.7 step 1).
func (c *Controller) NodeConfirmedFailed(failedNodeID string) {
	c.mu.Lock()
	if t, ok := c.debounce[failedNodeID]; ok {
		t.Reset(c.cfg.ReassignmentDelay)
		c.mu.Unlock()
		return
	}
	c.debounce[failedNodeID] = time.AfterFunc(c.cfg.ReassignmentDelay, func() {
		c.mu.Lock()
		delete(c.debounce, failedNodeID)
		c.mu.Unlock()
		c.reassign(failedNodeID)
	})
	c.mu.Unlock()
}

func (c *Controller) reassign(failedNodeID string) {
	start := time.Now()
	m := c.assigner.Current()

	alive := sortedAliveExcluding(c.aliveMembers(), failedNodeID)

	var changes []partition.Change
	ids := make([]int, 0, len(m.Partitions))
	for id := range m.Partitions {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	for _, id := range ids {
		dist := m.Partitions[id]
		if dist.Owner != failedNodeID {
			continue
		}

		newOwner := firstAlive(dist.Backups, alive)
		if newOwner == "" && len(alive) > 0 {
			newOwner = alive[id%len(alive)]
		}
		if newOwner == "" {
			c.log.Warn("no alive node to promote", "partition", id)
			continue
		}

		_, change := c.assigner.SetOwner(id, newOwner)
		changes = append(changes, change)

		newBackups := rebuildBackups(dist.Backups, failedNodeID, newOwner, alive, c.assigner.BackupCount())
		if !sameMembers(newBackups, change.NewBackups) {
			c.assigner.SetBackups(id, newBackups)
		}
	}

	final := c.assigner.Current()
	c.log.Info("failover reassignment complete", "failed", failedNodeID, "partitions", len(changes))
	c.notifyReassigned(failedNodeID, changes, final)
	c.notifyComplete(failedNodeID, len(changes), time.Since(start))
}

func sortedAliveExcluding(members []string, exclude string) []string {
	out := make([]string, 0, len(members))
	for _, m := range members {
		if m != exclude {
			out = append(out, m)
		}
	}
	sort.Strings(out)
	return out
}

func firstAlive(candidates, alive []string) string {
	aliveSet := make(map[string]bool, len(alive))
	for _, a := range alive {
		aliveSet[a] = true
	}
	for _, c := range candidates {
		if aliveSet[c] {
			return c
		}
	}
	return ""
}

// rebuildBackups drops the failed node and the promoted owner from the
// backup list, then tops it back up to backupCount from the alive set
// (spec §4.7 step 4, "optionally assign new backups").
func rebuildBackups(oldBackups []string, failed, newOwner string, alive []string, backupCount int) []string {
	used := map[string]bool{failed: true, newOwner: true}
	var kept []string
	for _, b := range oldBackups {
		if !used[b] {
			kept = append(kept, b)
			used[b] = true
		}
	}
	for _, a := range alive {
		if len(kept) >= backupCount {
			break
		}
		if !used[a] {
			kept = append(kept, a)
			used[a] = true
		}
	}
	return kept
}

func sameMembers(a, b []string) bool {
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

func (c *Controller) notifyReassigned(failedNodeID string, changes []partition.Change, m *partition.Map) {
	c.mu.Lock()
	listeners := append([]Listener(nil), c.listeners...)
	c.mu.Unlock()
	for _, l := range listeners {
		c.safeNotify(func() { l.PartitionsReassigned(failedNodeID, changes, m) })
	}
}

func (c *Controller) notifyComplete(failedNodeID string, count int, d time.Duration) {
	c.mu.Lock()
	listeners := append([]Listener(nil), c.listeners...)
	c.mu.Unlock()
	for _, l := range listeners {
		c.safeNotify(func() { l.FailoverComplete(failedNodeID, count, d) })
	}
}

func (c *Controller) safeNotify(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("failover listener panicked", "panic", r)
		}
	}()
	fn()
}
