// Package migration implements the MigrationEngine component (C4):
// chunked, acknowledged transfer of a partition's records from the
// current owner to a newly assigned owner, with checksum verification,
// retries, and batch scheduling (spec §4.4).
package migration

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/topgunbuild/topgun/internal/kv"
	"github.com/topgunbuild/topgun/internal/wire"
)

type State string

const (
	StateStable    State = "STABLE"
	StateMigrating State = "MIGRATING"
	StateSync      State = "SYNC"
	StateFailed    State = "FAILED"
)

// Migration describes one partition's outbound transfer.
type Migration struct {
	PartitionID     int
	State           State
	SourceNode      string
	TargetNode      string
	TotalBytes      int64
	BytesTransferred int64
	RetryCount      int
	StartTime       time.Time
}

// Listener observes migration state transitions.
type Listener interface {
	PartitionMoved(partitionID int, targetNode string)
	MigrationFailed(partitionID int, err error)
	StateChanged(m Migration)
}

type ListenerFuncs struct {
	OnPartitionMoved   func(partitionID int, targetNode string)
	OnMigrationFailed  func(partitionID int, err error)
	OnStateChanged     func(m Migration)
}

func (f ListenerFuncs) PartitionMoved(partitionID int, targetNode string) {
	if f.OnPartitionMoved != nil {
		f.OnPartitionMoved(partitionID, targetNode)
	}
}
func (f ListenerFuncs) MigrationFailed(partitionID int, err error) {
	if f.OnMigrationFailed != nil {
		f.OnMigrationFailed(partitionID, err)
	}
}
func (f ListenerFuncs) StateChanged(m Migration) {
	if f.OnStateChanged != nil {
		f.OnStateChanged(m)
	}
}

// Sender abstracts the single-peer send the engine needs from
// ClusterTransport, kept narrow so tests can fake it without a real mesh.
type Sender interface {
	Send(nodeID string, env wire.Envelope) error
}

// Config tunes the engine's batch scheduler (spec §4.4 defaults).
type Config struct {
	BatchInterval     time.Duration // default 100ms
	BatchSize         int           // default 5
	ParallelTransfers int           // default 2
	TransferChunkSize int           // default 64KiB
	SyncTimeout       time.Duration // default 5s
	MaxRetries        int           // default 3

	// TransferCompression zstd-compresses chunk payloads before
	// transmission (spec §4.4 "transferCompression"). Off by default;
	// worth enabling when partitions hold compressible records and the
	// mesh link is the bottleneck rather than CPU.
	TransferCompression bool
}

func (c Config) withDefaults() Config {
	if c.BatchInterval <= 0 {
		c.BatchInterval = 100 * time.Millisecond
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 5
	}
	if c.ParallelTransfers <= 0 {
		c.ParallelTransfers = 2
	}
	if c.TransferChunkSize <= 0 {
		c.TransferChunkSize = 64 * 1024
	}
	if c.SyncTimeout <= 0 {
		c.SyncTimeout = 5 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	return c
}

type planned struct {
	partitionID int
	targetNode  string
}

type incoming struct {
	partitionID  int
	chunks       [][]byte
	totalChunks  int
	expectedSize int64
	receivedSize int64
	startTime    time.Time
}

// Engine is the MigrationEngine component (C4).
type Engine struct {
	cfg    Config
	nodeID string

	sender   Sender
	setOwner func(partitionID int, target string)
	collect  kv.DataCollector
	store    kv.DataStorer

	log *slog.Logger

	mu        sync.Mutex
	queue     []planned
	active    map[int]*Migration
	incoming  map[int]*incoming
	listeners []Listener

	chunkAcks  map[string]chan bool // "partitionId" -> ack channel, keyed per in-flight chunk
	verifyAcks map[int]chan bool

	zstdEnc *zstd.Encoder
	zstdDec *zstd.Decoder

	ticker *time.Ticker
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(nodeID string, sender Sender, setOwner func(partitionID int, target string), collect kv.DataCollector, store kv.DataStorer, cfg Config) *Engine {
	e := &Engine{
		cfg:        cfg.withDefaults(),
		nodeID:     nodeID,
		sender:     sender,
		setOwner:   setOwner,
		collect:    collect,
		store:      store,
		log:        slog.With("component", "migration-engine", "node", nodeID),
		active:     make(map[int]*Migration),
		incoming:   make(map[int]*incoming),
		chunkAcks:  make(map[string]chan bool),
		verifyAcks: make(map[int]chan bool),
	}

	// The decoder is built unconditionally: a peer with compression
	// enabled may send this node a compressed chunk regardless of this
	// node's own TransferCompression setting.
	if dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1)); err != nil {
		e.log.Warn("zstd decoder init failed, incoming compressed chunks will be rejected", "err", err)
	} else {
		e.zstdDec = dec
	}

	if e.cfg.TransferCompression {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
		if err != nil {
			e.log.Warn("zstd encoder init failed, disabling transfer compression", "err", err)
			e.cfg.TransferCompression = false
		} else {
			e.zstdEnc = enc
		}
	}

	return e
}

func (e *Engine) OnEvent(l Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, l)
}

// PlanMigration enumerates partitions this node must hand off under the
// new distribution and enqueues them (spec §4.4 "planMigration").
func (e *Engine) PlanMigration(oldOwner, newOwner map[int]string) {
	e.mu.Lock()
	var ids []int
	for id, no := range newOwner {
		if oldOwner[id] == e.nodeID && no != e.nodeID {
			ids = append(ids, id)
		}
	}
	sortInts(ids)
	for _, id := range ids {
		e.queue = append(e.queue, planned{partitionID: id, targetNode: newOwner[id]})
	}
	needsStart := e.ticker == nil && len(e.queue) > 0
	e.mu.Unlock()

	if needsStart {
		e.startScheduler()
	}
}

func sortInts(xs []int) {
	for i := 1; i < len(xs); i++ {
		for j := i; j > 0 && xs[j-1] > xs[j]; j-- {
			xs[j-1], xs[j] = xs[j], xs[j-1]
		}
	}
}

func (e *Engine) startScheduler() {
	e.mu.Lock()
	if e.ticker != nil {
		e.mu.Unlock()
		return
	}
	e.ticker = time.NewTicker(e.cfg.BatchInterval)
	e.stopCh = make(chan struct{})
	ticker := e.ticker
	stop := e.stopCh
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			select {
			case <-stop:
				ticker.Stop()
				return
			case <-ticker.C:
				if !e.pumpBatch() {
					e.mu.Lock()
					if e.ticker == ticker {
						ticker.Stop()
						e.ticker = nil
					}
					e.mu.Unlock()
					return
				}
			}
		}
	}()
}

// pumpBatch pulls up to min(slots, batchSize) queued partitions into the
// active set and launches their transfers. Returns false when the queue
// and active set are both empty (scheduler should stop).
func (e *Engine) pumpBatch() bool {
	e.mu.Lock()
	slots := e.cfg.ParallelTransfers - len(e.active)
	if slots > e.cfg.BatchSize {
		slots = e.cfg.BatchSize
	}
	var batch []planned
	for slots > 0 && len(e.queue) > 0 {
		batch = append(batch, e.queue[0])
		e.queue = e.queue[1:]
		slots--
	}
	stillWork := len(e.queue) > 0 || len(e.active) > 0 || len(batch) > 0
	e.mu.Unlock()

	for _, p := range batch {
		e.startTransfer(p)
	}
	return stillWork
}

func (e *Engine) startTransfer(p planned) {
	m := &Migration{
		PartitionID: p.partitionID,
		State:       StateMigrating,
		SourceNode:  e.nodeID,
		TargetNode:  p.targetNode,
		StartTime:   time.Now(),
	}
	e.mu.Lock()
	e.active[p.partitionID] = m
	e.mu.Unlock()
	e.emitStateChanged(*m)

	go e.runTransfer(p)
}

func (e *Engine) runTransfer(p planned) {
	err := e.transferOnce(p)
	e.mu.Lock()
	m := e.active[p.partitionID]
	if m == nil {
		e.mu.Unlock()
		return
	}
	if err == nil {
		delete(e.active, p.partitionID)
		m.State = StateStable
		e.mu.Unlock()

		e.setOwner(p.partitionID, p.targetNode)
		e.log.Info("partition migrated", "partition", p.partitionID, "target", p.targetNode)
		e.emitStateChanged(*m)
		e.notifyMoved(p.partitionID, p.targetNode)
		return
	}

	m.RetryCount++
	retry := m.RetryCount <= e.cfg.MaxRetries
	if retry {
		m.State = StateMigrating
		e.queue = append([]planned{p}, e.queue...)
		delete(e.active, p.partitionID)
		e.mu.Unlock()
		e.log.Warn("migration failed, requeued", "partition", p.partitionID, "retry", m.RetryCount, "err", err)
		e.emitStateChanged(*m)
		return
	}
	m.State = StateFailed
	delete(e.active, p.partitionID)
	e.mu.Unlock()

	e.log.Error("migration permanently failed", "partition", p.partitionID, "err", err)
	e.emitStateChanged(*m)
	e.notifyFailed(p.partitionID, err)
}

func (e *Engine) transferOnce(p planned) error {
	records, err := e.collect(context.Background(), p.partitionID)
	if err != nil {
		return fmt.Errorf("collect partition %d: %w", p.partitionID, err)
	}

	var estSize int64
	for _, r := range records {
		estSize += int64(len(r))
	}

	startEnv, _ := wire.Encode(wire.TypeMigrationStart, e.nodeID, migrationStart{
		PartitionID:   p.partitionID,
		SourceNode:    e.nodeID,
		EstimatedSize: estSize,
	})
	if err := e.sender.Send(p.targetNode, startEnv); err != nil {
		return fmt.Errorf("send MIGRATION_START: %w", err)
	}

	chunks := chunkRecords(records, e.cfg.TransferChunkSize)
	for idx, c := range chunks {
		ackKey := fmt.Sprintf("%d", p.partitionID)
		ackCh := make(chan bool, 1)
		e.mu.Lock()
		e.chunkAcks[ackKey] = ackCh
		e.mu.Unlock()

		// Checksum is taken over the uncompressed payload so it verifies
		// identically on both sides regardless of the wire encoding.
		checksum := xxhash.Sum64(c)
		payload := c
		compressed := false
		if e.cfg.TransferCompression {
			payload = e.zstdEnc.EncodeAll(c, nil)
			compressed = true
		}

		env, _ := wire.Encode(wire.TypeMigrationChunk, e.nodeID, migrationChunk{
			PartitionID: p.partitionID,
			ChunkIndex:  idx,
			TotalChunks: len(chunks),
			Data:        payload,
			Checksum:    checksum,
			Compressed:  compressed,
		})
		if err := e.sender.Send(p.targetNode, env); err != nil {
			return fmt.Errorf("send chunk %d: %w", idx, err)
		}

		select {
		case ok := <-ackCh:
			if !ok {
				return fmt.Errorf("chunk %d rejected by target (checksum mismatch)", idx)
			}
		case <-time.After(e.cfg.SyncTimeout):
			return fmt.Errorf("timeout awaiting ack for chunk %d", idx)
		}

		e.mu.Lock()
		if m := e.active[p.partitionID]; m != nil {
			m.BytesTransferred += int64(len(c))
		}
		e.mu.Unlock()
	}

	verifyCh := make(chan bool, 1)
	e.mu.Lock()
	e.verifyAcks[p.partitionID] = verifyCh
	e.mu.Unlock()

	completeEnv, _ := wire.Encode(wire.TypeMigrationComplete, e.nodeID, migrationComplete{
		PartitionID:  p.partitionID,
		TotalRecords: len(records),
		Checksum:     streamingChecksum(records),
	})
	if err := e.sender.Send(p.targetNode, completeEnv); err != nil {
		return fmt.Errorf("send MIGRATION_COMPLETE: %w", err)
	}

	select {
	case ok := <-verifyCh:
		if !ok {
			return fmt.Errorf("target rejected MIGRATION_VERIFY for partition %d", p.partitionID)
		}
		return nil
	case <-time.After(e.cfg.SyncTimeout):
		return fmt.Errorf("timeout awaiting MIGRATION_VERIFY for partition %d", p.partitionID)
	}
}

// HandleEnvelope dispatches an inbound migration-protocol envelope,
// acting as either the source (receiving acks) or the target (receiving
// start/chunk/complete) depending on the message type.
func (e *Engine) HandleEnvelope(ctx context.Context, from string, env wire.Envelope) error {
	switch env.Type {
	case wire.TypeMigrationStart:
		var m migrationStart
		if err := env.Decode(&m); err != nil {
			return err
		}
		e.onStart(m)
	case wire.TypeMigrationChunk:
		var c migrationChunk
		if err := env.Decode(&c); err != nil {
			return err
		}
		return e.onChunk(from, c)
	case wire.TypeMigrationChunkAck:
		var a migrationChunkAck
		if err := env.Decode(&a); err != nil {
			return err
		}
		e.onChunkAck(a)
	case wire.TypeMigrationComplete:
		var c migrationComplete
		if err := env.Decode(&c); err != nil {
			return err
		}
		return e.onComplete(ctx, from, c)
	case wire.TypeMigrationVerify:
		var v migrationVerify
		if err := env.Decode(&v); err != nil {
			return err
		}
		e.onVerify(v)
	}
	return nil
}

func (e *Engine) onStart(m migrationStart) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.incoming[m.PartitionID] = &incoming{
		partitionID:  m.PartitionID,
		expectedSize: m.EstimatedSize,
		startTime:    time.Now(),
	}
}

func (e *Engine) onChunk(from string, c migrationChunk) error {
	e.mu.Lock()
	in, ok := e.incoming[c.PartitionID]
	if !ok {
		in = &incoming{partitionID: c.PartitionID, startTime: time.Now()}
		e.incoming[c.PartitionID] = in
	}
	e.mu.Unlock()

	data := c.Data
	ok2 := true
	if c.Compressed {
		if e.zstdDec == nil {
			ok2 = false
		} else if decoded, err := e.zstdDec.DecodeAll(c.Data, nil); err != nil {
			e.log.Warn("zstd decode failed for incoming chunk", "partition", c.PartitionID, "chunk", c.ChunkIndex, "err", err)
			ok2 = false
		} else {
			data = decoded
		}
	}
	ok2 = ok2 && xxhash.Sum64(data) == c.Checksum
	if ok2 {
		e.mu.Lock()
		if len(in.chunks) == 0 {
			in.chunks = make([][]byte, c.TotalChunks)
			in.totalChunks = c.TotalChunks
		}
		if c.ChunkIndex < len(in.chunks) {
			in.chunks[c.ChunkIndex] = data
		}
		in.receivedSize += int64(len(data))
		e.mu.Unlock()
	}

	ackEnv, _ := wire.Encode(wire.TypeMigrationChunkAck, e.nodeID, migrationChunkAck{
		PartitionID: c.PartitionID,
		Success:     ok2,
	})
	return e.sender.Send(from, ackEnv)
}

func (e *Engine) onChunkAck(a migrationChunkAck) {
	key := fmt.Sprintf("%d", a.PartitionID)
	e.mu.Lock()
	ch := e.chunkAcks[key]
	delete(e.chunkAcks, key)
	e.mu.Unlock()
	if ch != nil {
		ch <- a.Success
	}
}

func (e *Engine) onComplete(ctx context.Context, from string, c migrationComplete) error {
	e.mu.Lock()
	in, ok := e.incoming[c.PartitionID]
	e.mu.Unlock()

	success := false
	if ok {
		records := reassemble(in.chunks)
		success = len(records) == c.TotalRecords && streamingChecksum(records) == c.Checksum
		if success {
			if err := e.store(ctx, c.PartitionID, records); err != nil {
				success = false
				e.log.Error("store incoming partition failed", "partition", c.PartitionID, "err", err)
			}
		}
	}

	e.mu.Lock()
	delete(e.incoming, c.PartitionID)
	e.mu.Unlock()

	verifyEnv, _ := wire.Encode(wire.TypeMigrationVerify, e.nodeID, migrationVerify{
		PartitionID: c.PartitionID,
		Success:     success,
	})
	return e.sender.Send(from, verifyEnv)
}

func (e *Engine) onVerify(v migrationVerify) {
	e.mu.Lock()
	ch := e.verifyAcks[v.PartitionID]
	delete(e.verifyAcks, v.PartitionID)
	e.mu.Unlock()
	if ch != nil {
		ch <- v.Success
	}
}

// CancelAll stops the batch scheduler, drops the queue, marks active
// migrations FAILED, and rejects all pending chunk acks/verifications
// (spec §4.4 "cancelAll").
func (e *Engine) CancelAll() {
	e.mu.Lock()
	if e.stopCh != nil {
		select {
		case <-e.stopCh:
		default:
			close(e.stopCh)
		}
	}
	e.ticker = nil
	e.queue = nil
	for id, m := range e.active {
		m.State = StateFailed
		delete(e.active, id)
	}
	for key, ch := range e.chunkAcks {
		ch <- false
		delete(e.chunkAcks, key)
	}
	for id, ch := range e.verifyAcks {
		ch <- false
		delete(e.verifyAcks, id)
	}
	e.incoming = make(map[int]*incoming)
	e.mu.Unlock()
	e.wg.Wait()
}

func (e *Engine) emitStateChanged(m Migration) {
	e.mu.Lock()
	listeners := append([]Listener(nil), e.listeners...)
	e.mu.Unlock()
	for _, l := range listeners {
		e.safeNotify(func() { l.StateChanged(m) })
	}
}

func (e *Engine) notifyMoved(partitionID int, target string) {
	e.mu.Lock()
	listeners := append([]Listener(nil), e.listeners...)
	e.mu.Unlock()
	for _, l := range listeners {
		e.safeNotify(func() { l.PartitionMoved(partitionID, target) })
	}
}

func (e *Engine) notifyFailed(partitionID int, err error) {
	e.mu.Lock()
	listeners := append([]Listener(nil), e.listeners...)
	e.mu.Unlock()
	for _, l := range listeners {
		e.safeNotify(func() { l.MigrationFailed(partitionID, err) })
	}
}

func (e *Engine) safeNotify(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("migration listener panicked", "panic", r)
		}
	}()
	fn()
}
