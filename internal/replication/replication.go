// Package replication implements the ReplicationPipeline component (C5):
// forwarding of writes from a partition's primary to its backups under
// STRONG/QUORUM/EVENTUAL consistency, with per-backup queues and lag
// tracking (spec §4.5).
package replication

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/topgunbuild/topgun/internal/kv"
	"github.com/topgunbuild/topgun/internal/wire"
)

// Consistency is the caller-chosen acknowledgement requirement.
type Consistency string

const (
	Strong   Consistency = "STRONG"
	Quorum   Consistency = "QUORUM"
	Eventual Consistency = "EVENTUAL"
)

// Result is the outcome of Replicate.
type Result struct {
	Success bool
	AckedBy []string
}

// TimeoutError reports a STRONG/QUORUM replication that did not resolve
// before its deadline.
type TimeoutError struct {
	OpID    string
	Targets []string
	Acked   []string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("replication %s timed out: acked %d/%d targets", e.OpID, len(e.Acked), len(e.Targets))
}

// Sender is the narrow send capability the pipeline needs from
// ClusterTransport.
type Sender interface {
	Send(nodeID string, env wire.Envelope) error
}

// Listener observes pipeline lifecycle events.
type Listener interface {
	QueueOverflow(nodeID string)
	ReplicationFailed(opID string)
}

type ListenerFuncs struct {
	OnQueueOverflow     func(nodeID string)
	OnReplicationFailed func(opID string)
}

func (f ListenerFuncs) QueueOverflow(nodeID string) {
	if f.OnQueueOverflow != nil {
		f.OnQueueOverflow(nodeID)
	}
}
func (f ListenerFuncs) ReplicationFailed(opID string) {
	if f.OnReplicationFailed != nil {
		f.OnReplicationFailed(opID)
	}
}

// Config tunes the EVENTUAL batching path (spec §4.5 defaults).
type Config struct {
	QueueSizeLimit int           // default 100000
	BatchInterval  time.Duration // default 50ms
	BatchSize      int           // default 100
	MaxRetries     int           // default 3
}

func (c Config) withDefaults() Config {
	if c.QueueSizeLimit <= 0 {
		c.QueueSizeLimit = 100000
	}
	if c.BatchInterval <= 0 {
		c.BatchInterval = 50 * time.Millisecond
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	return c
}

type task struct {
	opID       string
	op         kv.Operation
	retryCount int
}

// appliedLRU is a bounded, fixed-capacity dedup cache of opIDs already
// applied on the backup side (spec §9 Open Question "batch-level
// idempotence"): a redelivered REPLICATION/REPLICATION_BATCH envelope
// must not be applied twice.
type appliedLRU struct {
	mu       sync.Mutex
	capacity int
	order    []string
	seen     map[string]bool
}

func newAppliedLRU(capacity int) *appliedLRU {
	if capacity <= 0 {
		capacity = 10000
	}
	return &appliedLRU{capacity: capacity, seen: make(map[string]bool, capacity)}
}

// checkAndMark reports whether opID was already applied, marking it as
// applied for future calls if not.
func (c *appliedLRU) checkAndMark(opID string) (alreadyApplied bool) {
	if opID == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seen[opID] {
		return true
	}
	c.seen[opID] = true
	c.order = append(c.order, opID)
	if len(c.order) > c.capacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.seen, oldest)
	}
	return false
}

type pendingAck struct {
	opID        string
	consistency Consistency
	targets     []string
	acked       map[string]bool
	resultCh    chan Result
	deadline    time.Time
	sentAt      time.Time
}

// Pipeline is the ReplicationPipeline component (C5).
type Pipeline struct {
	cfg      Config
	nodeID   string
	sender   Sender
	getBackups func(key string) []string
	apply    kv.OperationApplier

	lag     *LagTracker
	applied *appliedLRU
	log     *slog.Logger

	mu        sync.Mutex
	pending   map[string]*pendingAck
	queues    map[string][]task // nodeID -> FIFO
	listeners []Listener
	closed    bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(nodeID string, sender Sender, getBackups func(key string) []string, apply kv.OperationApplier, cfg Config) *Pipeline {
	p := &Pipeline{
		cfg:        cfg.withDefaults(),
		nodeID:     nodeID,
		sender:     sender,
		getBackups: getBackups,
		apply:      apply,
		lag:        NewLagTracker(),
		applied:    newAppliedLRU(10000),
		log:        slog.With("component", "replication-pipeline", "node", nodeID),
		pending:    make(map[string]*pendingAck),
		queues:     make(map[string][]task),
		stopCh:     make(chan struct{}),
	}
	p.wg.Add(1)
	go p.batchLoop()
	return p
}

func (p *Pipeline) OnEvent(l Listener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, l)
}

func (p *Pipeline) LagTracker() *LagTracker { return p.lag }

// Replicate forwards op to the partition's backups under the requested
// consistency level (spec §4.5).
func (p *Pipeline) Replicate(ctx context.Context, op kv.Operation, opID, key string, consistency Consistency, timeout time.Duration) (Result, error) {
	backups := p.getBackups(key)
	if len(backups) == 0 {
		return Result{Success: true, AckedBy: []string{p.nodeID}}, nil
	}

	switch consistency {
	case Eventual:
		for _, b := range backups {
			p.enqueue(b, task{opID: opID, op: op})
		}
		return Result{Success: true, AckedBy: []string{p.nodeID}}, nil

	case Strong, Quorum:
		return p.replicateSync(ctx, op, opID, backups, consistency, timeout)

	default:
		return Result{}, fmt.Errorf("replication: unknown consistency level %q", consistency)
	}
}

func (p *Pipeline) replicateSync(ctx context.Context, op kv.Operation, opID string, backups []string, consistency Consistency, timeout time.Duration) (Result, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pa := &pendingAck{
		opID:        opID,
		consistency: consistency,
		targets:     backups,
		acked:       make(map[string]bool, len(backups)),
		resultCh:    make(chan Result, 1),
		deadline:    time.Now().Add(timeout),
		sentAt:      time.Now(),
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return Result{}, fmt.Errorf("ReplicationPipeline closed")
	}
	p.pending[opID] = pa
	p.mu.Unlock()

	env, _ := wire.Encode(wire.TypeReplication, p.nodeID, replicationEnvelope{OpID: opID, Operation: op, Consistency: string(consistency)})
	for _, b := range backups {
		if err := p.sender.Send(b, env); err != nil {
			p.log.Warn("replication send failed", "target", b, "opId", opID, "err", err)
		}
	}

	select {
	case res := <-pa.resultCh:
		if !res.Success {
			// Only Close delivers an unsuccessful result.
			return res, fmt.Errorf("ReplicationPipeline closed")
		}
		return res, nil
	case <-time.After(timeout):
		p.mu.Lock()
		delete(p.pending, opID)
		acked := ackedSnapshot(pa)
		p.mu.Unlock()
		return Result{}, &TimeoutError{OpID: opID, Targets: backups, Acked: acked}
	case <-ctx.Done():
		p.mu.Lock()
		delete(p.pending, opID)
		p.mu.Unlock()
		return Result{}, ctx.Err()
	}
}

func ackedSnapshot(pa *pendingAck) []string {
	out := make([]string, 0, len(pa.acked))
	for n := range pa.acked {
		out = append(out, n)
	}
	return out
}

func (p *Pipeline) enqueue(nodeID string, t task) {
	p.mu.Lock()
	defer p.mu.Unlock()
	q := p.queues[nodeID]
	if len(q) >= p.cfg.QueueSizeLimit {
		q = q[1:]
		listeners := append([]Listener(nil), p.listeners...)
		go func() {
			for _, l := range listeners {
				p.safeNotify(func() { l.QueueOverflow(nodeID) })
			}
		}()
	}
	p.queues[nodeID] = append(q, t)
}

func (p *Pipeline) batchLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.BatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.drainAll()
		}
	}
}

func (p *Pipeline) drainAll() {
	p.mu.Lock()
	batches := make(map[string][]task)
	for node, q := range p.queues {
		if len(q) == 0 {
			continue
		}
		n := len(q)
		if n > p.cfg.BatchSize {
			n = p.cfg.BatchSize
		}
		batches[node] = append([]task(nil), q[:n]...)
		p.queues[node] = q[n:]
	}
	p.mu.Unlock()

	for node, batch := range batches {
		p.sendBatch(node, batch)
	}
}

func (p *Pipeline) sendBatch(node string, batch []task) {
	ops := make([]kv.Operation, len(batch))
	opIDs := make([]string, len(batch))
	for i, t := range batch {
		ops[i] = t.op
		opIDs[i] = t.opID
	}
	env, _ := wire.Encode(wire.TypeReplicationBatch, p.nodeID, replicationBatchEnvelope{Operations: ops, OpIDs: opIDs})
	if err := p.sender.Send(node, env); err != nil {
		p.requeueFailed(node, batch)
		return
	}
}

func (p *Pipeline) requeueFailed(node string, batch []task) {
	var retry []task
	var failedIDs []string
	for i := range batch {
		batch[i].retryCount++
		if batch[i].retryCount <= p.cfg.MaxRetries {
			retry = append(retry, batch[i])
		} else {
			failedIDs = append(failedIDs, batch[i].opID)
		}
	}
	if len(retry) > 0 {
		p.mu.Lock()
		p.queues[node] = append(retry, p.queues[node]...)
		p.mu.Unlock()
	}
	if len(failedIDs) > 0 {
		p.mu.Lock()
		listeners := append([]Listener(nil), p.listeners...)
		p.mu.Unlock()
		for _, id := range failedIDs {
			opID := id
			for _, l := range listeners {
				p.safeNotify(func() { l.ReplicationFailed(opID) })
			}
		}
	}
}

// HandleEnvelope is called on the backup side for REPLICATION/REPLICATION_BATCH,
// and on the primary side for REPLICATION_ACK/REPLICATION_BATCH_ACK (spec §4.5).
func (p *Pipeline) HandleEnvelope(ctx context.Context, from string, env wire.Envelope) error {
	switch env.Type {
	case wire.TypeReplication:
		var r replicationEnvelope
		if err := env.Decode(&r); err != nil {
			return err
		}
		return p.onReplication(ctx, from, r)
	case wire.TypeReplicationBatch:
		var b replicationBatchEnvelope
		if err := env.Decode(&b); err != nil {
			return err
		}
		return p.onReplicationBatch(ctx, from, b)
	case wire.TypeReplicationAck:
		var a replicationAckEnvelope
		if err := env.Decode(&a); err != nil {
			return err
		}
		p.onAck(from, a)
	case wire.TypeReplicationBatchAck:
		var a replicationBatchAckEnvelope
		if err := env.Decode(&a); err != nil {
			return err
		}
		p.lag.RecordAck(from)
	}
	return nil
}

func (p *Pipeline) onReplication(ctx context.Context, from string, r replicationEnvelope) error {
	success := true
	if !p.applied.checkAndMark(r.OpID) {
		var err error
		success, err = p.apply(ctx, r.Operation, r.OpID, from)
		if err != nil {
			p.log.Error("apply replicated op failed", "opId", r.OpID, "err", err)
		}
	}
	if Consistency(r.Consistency) == Eventual {
		return nil
	}
	ackEnv, _ := wire.Encode(wire.TypeReplicationAck, p.nodeID, replicationAckEnvelope{OpID: r.OpID, Success: success})
	return p.sender.Send(from, ackEnv)
}

func (p *Pipeline) onReplicationBatch(ctx context.Context, from string, b replicationBatchEnvelope) error {
	allOK := true
	for i, op := range b.Operations {
		opID := ""
		if i < len(b.OpIDs) {
			opID = b.OpIDs[i]
		}
		if p.applied.checkAndMark(opID) {
			continue
		}
		ok, err := p.apply(ctx, op, opID, from)
		if err != nil || !ok {
			allOK = false
		}
	}
	ackEnv, _ := wire.Encode(wire.TypeReplicationBatchAck, p.nodeID, replicationBatchAckEnvelope{OpIDs: b.OpIDs, Success: allOK})
	return p.sender.Send(from, ackEnv)
}

func (p *Pipeline) onAck(from string, a replicationAckEnvelope) {
	p.mu.Lock()
	pa, ok := p.pending[a.OpID]
	if !ok {
		p.mu.Unlock()
		return
	}
	if a.Success {
		pa.acked[from] = true
	}
	rtt := time.Since(pa.sentAt)
	resolved, result := p.checkResolved(pa)
	if resolved {
		delete(p.pending, a.OpID)
	}
	p.mu.Unlock()

	p.lag.Update(from, rtt)

	if resolved {
		select {
		case pa.resultCh <- result:
		default:
		}
	}
}

func (p *Pipeline) checkResolved(pa *pendingAck) (bool, Result) {
	switch pa.consistency {
	case Strong:
		if len(pa.acked) == len(pa.targets) {
			return true, Result{Success: true, AckedBy: p.ackedByWithSelf(pa)}
		}
	case Quorum:
		need := len(pa.targets)/2 + 1
		if len(pa.acked) >= need {
			return true, Result{Success: true, AckedBy: p.ackedByWithSelf(pa)}
		}
	}
	return false, Result{}
}

// ackedByWithSelf reports the replication set for a resolved STRONG/QUORUM
// write: self plus every backup that acked (spec §8: ackedBy = {self} ∪ backups).
func (p *Pipeline) ackedByWithSelf(pa *pendingAck) []string {
	out := make([]string, 0, len(pa.acked)+1)
	out = append(out, p.nodeID)
	out = append(out, ackedSnapshot(pa)...)
	return out
}

// Close rejects all pending acks and clears queues (spec §4.5).
func (p *Pipeline) Close() {
	p.mu.Lock()
	p.closed = true
	for id, pa := range p.pending {
		delete(p.pending, id)
		select {
		case pa.resultCh <- Result{}:
		default:
		}
	}
	p.queues = make(map[string][]task)
	select {
	case <-p.stopCh:
	default:
		close(p.stopCh)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pipeline) safeNotify(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("replication listener panicked", "panic", r)
		}
	}()
	fn()
}
