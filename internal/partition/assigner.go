package partition

import (
	"log/slog"
	"sync"
	"time"
)

// Listener receives partition map change notifications. Implementing
// this directly (rather than a generic event-bus callback) keeps the
// core's emitter surface typed, per spec §9 "explicit emitter
// interfaces".
type Listener interface {
	Rebalanced(m *Map, changes []Change)
}

// ListenerFunc adapts a plain function to Listener.
type ListenerFunc func(m *Map, changes []Change)

func (f ListenerFunc) Rebalanced(m *Map, changes []Change) { f(m, changes) }

// Option configures an Assigner.
type Option func(*Assigner)

// WithGradualRebalancing enables the mode where ownership updates in
// the map immediately (for routing) while actual data movement is left
// to a separately-scheduled MigrationEngine plan (spec §4.3).
func WithGradualRebalancing(enabled bool) Option {
	return func(a *Assigner) { a.gradual = enabled }
}

// Assigner is the PartitionAssigner component (C3): deterministic
// owner+backup computation over the sorted member list, plus the
// version-stamped map it maintains as membership changes.
type Assigner struct {
	mu             sync.Mutex
	partitionCount int
	backupCount    int
	gradual        bool
	current        *Map
	listeners      []Listener
	log            *slog.Logger
}

func New(partitionCount, backupCount int, opts ...Option) *Assigner {
	a := &Assigner{
		partitionCount: partitionCount,
		backupCount:    backupCount,
		current:        &Map{Partitions: map[int]Distribution{}, GeneratedAt: time.Now()},
		log:            slog.With("component", "partition-assigner"),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// GradualRebalancing reports whether data movement is deferred to a
// migration plan rather than assumed pre-populated on replicas.
func (a *Assigner) GradualRebalancing() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.gradual
}

func (a *Assigner) OnRebalanced(l Listener) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listeners = append(a.listeners, l)
}

// Current returns a defensive copy of the live map.
func (a *Assigner) Current() *Map {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current.clone()
}

// PartitionCount/BackupCount expose the configured constants.
func (a *Assigner) PartitionCount() int { return a.partitionCount }
func (a *Assigner) BackupCount() int    { return a.backupCount }

// Owner returns the current owner of partitionID, or "" if unknown.
func (a *Assigner) Owner(partitionID int) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current.Partitions[partitionID].Owner
}

// Backups returns the current backups of partitionID.
func (a *Assigner) Backups(partitionID int) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	d := a.current.Partitions[partitionID]
	return append([]string(nil), d.Backups...)
}

// PartitionOf maps key to a partition id using the assigner's
// configured partition count.
func (a *Assigner) PartitionOf(key string) int {
	return Of(key, a.partitionCount)
}

// Rebalance recomputes the distribution for the given (unsorted)
// member list, bumps the version if anything changed, stores the new
// map, and notifies listeners with the ordered set of changes (spec
// §4.3). Returns the resulting map and changes (nil changes if nothing
// moved).
func (a *Assigner) Rebalance(members []string) (*Map, []Change) {
	sorted := sortedCopy(members)
	next := assign(sorted, a.partitionCount, a.backupCount)

	a.mu.Lock()
	old := a.current.Partitions
	changes := diff(old, next, a.partitionCount)
	if len(changes) == 0 && len(sorted) == len(a.current.Nodes) {
		m := a.current.clone()
		a.mu.Unlock()
		return m, nil
	}

	a.current = &Map{
		Version:     a.current.Version + 1,
		Partitions:  next,
		Nodes:       sorted,
		GeneratedAt: time.Now(),
	}
	m := a.current.clone()
	listeners := append([]Listener(nil), a.listeners...)
	a.mu.Unlock()

	a.log.Info("rebalanced", "version", m.Version, "members", len(sorted), "changes", len(changes))
	for _, l := range listeners {
		a.safeNotify(l, m, changes)
	}
	return m, changes
}

// SetOwner updates a single partition's owner directly (used by
// MigrationEngine on successful transfer and by FailoverController on
// promotion), bumping the map version and emitting a one-partition
// change set.
func (a *Assigner) SetOwner(partitionID int, newOwner string) (*Map, Change) {
	a.mu.Lock()
	d := a.current.Partitions[partitionID]
	change := Change{
		PartitionID: partitionID,
		OldOwner:    d.Owner,
		NewOwner:    newOwner,
		OldBackups:  d.Backups,
		NewBackups:  d.Backups,
	}
	next := a.current.clone()
	nd := next.Partitions[partitionID]
	nd.Owner = newOwner
	next.Partitions[partitionID] = nd
	next.Version = a.current.Version + 1
	next.GeneratedAt = time.Now()
	a.current = next
	m := a.current.clone()
	listeners := append([]Listener(nil), a.listeners...)
	a.mu.Unlock()

	a.log.Info("partition owner set", "partition", partitionID, "owner", newOwner, "version", m.Version)
	for _, l := range listeners {
		a.safeNotify(l, m, []Change{change})
	}
	return m, change
}

// SetBackups updates a single partition's backup list directly (used
// by FailoverController when it reassigns backups after a promotion).
func (a *Assigner) SetBackups(partitionID int, backups []string) (*Map, Change) {
	a.mu.Lock()
	d := a.current.Partitions[partitionID]
	change := Change{
		PartitionID: partitionID,
		OldOwner:    d.Owner,
		NewOwner:    d.Owner,
		OldBackups:  d.Backups,
		NewBackups:  backups,
	}
	next := a.current.clone()
	nd := next.Partitions[partitionID]
	nd.Backups = append([]string(nil), backups...)
	next.Partitions[partitionID] = nd
	next.Version = a.current.Version + 1
	next.GeneratedAt = time.Now()
	a.current = next
	m := a.current.clone()
	listeners := append([]Listener(nil), a.listeners...)
	a.mu.Unlock()

	for _, l := range listeners {
		a.safeNotify(l, m, []Change{change})
	}
	return m, change
}

// safeNotify logs and swallows a listener panic/error so one
// misbehaving subscriber cannot take the event loop down (spec §7).
func (a *Assigner) safeNotify(l Listener, m *Map, changes []Change) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("partition listener panicked", "panic", r)
		}
	}()
	l.Rebalanced(m, changes)
}
