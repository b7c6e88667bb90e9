package merkle

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/topgunbuild/topgun/internal/kv"
	"github.com/topgunbuild/topgun/internal/wire"
)

// Priority orders RepairTasks within a scan's queue (spec §4.6).
type Priority int

const (
	PriorityHigh   Priority = 0
	PriorityNormal Priority = 1
	PriorityLow    Priority = 2
)

// RepairTask is one (partition, peer) pair awaiting anti-entropy
// reconciliation.
type RepairTask struct {
	PartitionID int
	Peer        string
	Priority    Priority
	LastUpdated time.Time
}

// Sender is the narrow send capability the scheduler needs from
// ClusterTransport.
type Sender interface {
	Send(nodeID string, env wire.Envelope) error
}

// Listener observes repair lifecycle events.
type Listener interface {
	RepairError(task RepairTask, err error)
}

type ListenerFuncs struct {
	OnRepairError func(task RepairTask, err error)
}

func (f ListenerFuncs) RepairError(task RepairTask, err error) {
	if f.OnRepairError != nil {
		f.OnRepairError(task, err)
	}
}

// Config tunes the RepairScheduler (spec §4.6 defaults).
type Config struct {
	ScanInterval         time.Duration // default 1h
	InitialDelay         time.Duration // default 1m
	MaxConcurrentRepairs int           // default 2
	ThrottleInterval     time.Duration // default 200ms between batches
	PrioritizeRecent     bool
	RequestTimeout       time.Duration // default 5s per RPC
}

func (c Config) withDefaults() Config {
	if c.ScanInterval <= 0 {
		c.ScanInterval = time.Hour
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = time.Minute
	}
	if c.MaxConcurrentRepairs <= 0 {
		c.MaxConcurrentRepairs = 2
	}
	if c.ThrottleInterval <= 0 {
		c.ThrottleInterval = 200 * time.Millisecond
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 5 * time.Second
	}
	return c
}

// PartitionRoles reports, for a partition this node participates in,
// the set of peers it must reconcile against: the owner if self is a
// backup, or every backup if self is the owner.
type PartitionRoles func() map[int][]string

// Scheduler is the RepairScheduler component (C6).
type Scheduler struct {
	cfg    Config
	nodeID string
	sender Sender
	index  *Index
	roles  PartitionRoles

	getRecord kv.GetRecord
	setRecord kv.SetRecord

	log *slog.Logger

	reqCounter uint64
	mu         sync.Mutex
	pending    map[string]chan any
	listeners  []Listener

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(nodeID string, sender Sender, index *Index, roles PartitionRoles, getRecord kv.GetRecord, setRecord kv.SetRecord, cfg Config) *Scheduler {
	return &Scheduler{
		cfg:       cfg.withDefaults(),
		nodeID:    nodeID,
		sender:    sender,
		index:     index,
		roles:     roles,
		getRecord: getRecord,
		setRecord: setRecord,
		log:       slog.With("component", "repair-scheduler", "node", nodeID),
		pending:   make(map[string]chan any),
		stopCh:    make(chan struct{}),
	}
}

func (s *Scheduler) OnEvent(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Start launches the periodic scan loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-time.After(s.cfg.InitialDelay):
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
		s.scan(ctx)

		ticker := time.NewTicker(s.cfg.ScanInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.scan(ctx)
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (s *Scheduler) Stop() {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	s.wg.Wait()
}

// scan enumerates every (partition, peer) pair this node must reconcile
// and drains them through the throttled, bounded-concurrency queue.
func (s *Scheduler) scan(ctx context.Context) {
	var queue []RepairTask
	for partitionID, peers := range s.roles() {
		for _, peer := range peers {
			queue = append(queue, RepairTask{PartitionID: partitionID, Peer: peer, Priority: PriorityNormal, LastUpdated: time.Now()})
		}
	}
	sort.Slice(queue, func(i, j int) bool {
		if queue[i].Priority != queue[j].Priority {
			return queue[i].Priority < queue[j].Priority
		}
		if s.cfg.PrioritizeRecent {
			return queue[i].LastUpdated.After(queue[j].LastUpdated)
		}
		return false
	})

	s.log.Info("repair scan started", "tasks", len(queue))
	for len(queue) > 0 {
		n := s.cfg.MaxConcurrentRepairs
		if n > len(queue) {
			n = len(queue)
		}
		batch := queue[:n]
		queue = queue[n:]

		var wg sync.WaitGroup
		for _, task := range batch {
			wg.Add(1)
			go func(t RepairTask) {
				defer wg.Done()
				if err := s.runTask(ctx, t); err != nil {
					s.log.Debug("repair task failed", "partition", t.PartitionID, "peer", t.Peer, "err", err)
					s.notifyError(t, err)
				}
			}(task)
		}
		wg.Wait()

		if len(queue) > 0 {
			select {
			case <-time.After(s.cfg.ThrottleInterval):
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *Scheduler) nextRequestID() string {
	return fmt.Sprintf("%s-%d", s.nodeID, atomic.AddUint64(&s.reqCounter, 1))
}

func (s *Scheduler) await(requestID string, timeout time.Duration) (any, error) {
	ch := make(chan any, 1)
	s.mu.Lock()
	s.pending[requestID] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, requestID)
		s.mu.Unlock()
	}()

	select {
	case v := <-ch:
		return v, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("repair RPC %s timed out", requestID)
	}
}

// runTask executes the bucket-exchange diff + LWW reconcile algorithm
// for one (partition, peer) pair (spec §4.6).
func (s *Scheduler) runTask(ctx context.Context, t RepairTask) error {
	reqID := s.nextRequestID()
	env, _ := wire.Encode(wire.TypeMerkleRootReq, s.nodeID, rootReq{RequestID: reqID, PartitionID: t.PartitionID})
	if err := s.sender.Send(t.Peer, env); err != nil {
		return fmt.Errorf("send root req: %w", err)
	}
	v, err := s.await(reqID, s.cfg.RequestTimeout)
	if err != nil {
		return err
	}
	resp := v.(rootResp)
	if resp.RootHash == s.index.RootHash(t.PartitionID) {
		return nil
	}

	candidates := make(map[string]struct{})
	paths := []string{""}
	for len(paths) > 0 {
		path := paths[0]
		paths = paths[1:]

		localBuckets := s.index.Buckets(t.PartitionID, path)
		reqID := s.nextRequestID()
		env, _ := wire.Encode(wire.TypeMerkleBucketsReq, s.nodeID, bucketsReq{RequestID: reqID, PartitionID: t.PartitionID, Path: path})
		if err := s.sender.Send(t.Peer, env); err != nil {
			return fmt.Errorf("send buckets req: %w", err)
		}
		v, err := s.await(reqID, s.cfg.RequestTimeout)
		if err != nil {
			return err
		}
		remoteBuckets := v.(bucketsResp).Buckets

		for branch, lh := range localBuckets {
			rh, ok := remoteBuckets[branch]
			if ok && lh == rh {
				continue
			}
			childPath := path + branch
			if len(childPath) >= s.index.Depth() {
				keys, err := s.fetchRemoteKeys(t, childPath)
				if err != nil {
					return err
				}
				for _, k := range s.index.KeysInBucket(t.PartitionID, childPath) {
					candidates[k] = struct{}{}
				}
				for _, k := range keys {
					candidates[k] = struct{}{}
				}
			} else {
				paths = append(paths, childPath)
			}
		}
		for branch := range remoteBuckets {
			if _, ok := localBuckets[branch]; !ok {
				childPath := path + branch
				if len(childPath) >= s.index.Depth() {
					keys, err := s.fetchRemoteKeys(t, childPath)
					if err != nil {
						return err
					}
					for _, k := range keys {
						candidates[k] = struct{}{}
					}
				} else {
					paths = append(paths, childPath)
				}
			}
		}
	}

	for key := range candidates {
		if err := s.reconcileKey(ctx, t, key); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) fetchRemoteKeys(t RepairTask, path string) ([]string, error) {
	reqID := s.nextRequestID()
	env, _ := wire.Encode(wire.TypeMerkleKeysReq, s.nodeID, keysReq{RequestID: reqID, PartitionID: t.PartitionID, Path: path})
	if err := s.sender.Send(t.Peer, env); err != nil {
		return nil, fmt.Errorf("send keys req: %w", err)
	}
	v, err := s.await(reqID, s.cfg.RequestTimeout)
	if err != nil {
		return nil, err
	}
	return v.(keysResp).Keys, nil
}

func (s *Scheduler) reconcileKey(ctx context.Context, t RepairTask, key string) error {
	reqID := s.nextRequestID()
	env, _ := wire.Encode(wire.TypeRepairDataReq, s.nodeID, repairDataReq{RequestID: reqID, PartitionID: t.PartitionID, Key: key})
	if err := s.sender.Send(t.Peer, env); err != nil {
		return fmt.Errorf("send data req: %w", err)
	}
	v, err := s.await(reqID, s.cfg.RequestTimeout)
	if err != nil {
		return err
	}
	remote := v.(repairDataResp)

	local, hasLocal, err := s.getRecord(ctx, key)
	if err != nil {
		return fmt.Errorf("get local record: %w", err)
	}
	if !remote.Found && !hasLocal {
		return nil
	}
	if !hasLocal {
		local = kv.Record{}
	}

	winner := local
	if remote.Found {
		winner = kv.Resolve(local, remote.Record)
	}
	if !hasLocal || kv.Compare(winner.Timestamp, local.Timestamp) != 0 {
		// The peer's record wins: repair the local side.
		if err := s.setRecord(ctx, key, winner); err != nil {
			return fmt.Errorf("set local record: %w", err)
		}
		s.index.UpdateRecord(t.PartitionID, key, winner)
		return nil
	}
	if remote.Found && kv.Compare(winner.Timestamp, remote.Record.Timestamp) == 0 {
		return nil
	}

	// The local record wins, or the peer lacks the key: repair the peer.
	writeEnv, _ := wire.Encode(wire.TypeRepairWrite, s.nodeID, repairWrite{PartitionID: t.PartitionID, Key: key, Record: winner})
	return s.sender.Send(t.Peer, writeEnv)
}

// HandleEnvelope serves incoming merkle/repair RPCs (when this node is
// the peer being queried) and delivers RPC responses to the awaiting
// caller (when this node is the scanning side).
func (s *Scheduler) HandleEnvelope(ctx context.Context, from string, env wire.Envelope) error {
	switch env.Type {
	case wire.TypeMerkleRootReq:
		var req rootReq
		if err := env.Decode(&req); err != nil {
			return err
		}
		resp, _ := wire.Encode(wire.TypeMerkleRootResp, s.nodeID, rootResp{RequestID: req.RequestID, RootHash: s.index.RootHash(req.PartitionID)})
		return s.sender.Send(from, resp)

	case wire.TypeMerkleRootResp:
		var r rootResp
		if err := env.Decode(&r); err != nil {
			return err
		}
		s.deliver(r.RequestID, r)

	case wire.TypeMerkleBucketsReq:
		var req bucketsReq
		if err := env.Decode(&req); err != nil {
			return err
		}
		resp, _ := wire.Encode(wire.TypeMerkleBucketsResp, s.nodeID, bucketsResp{RequestID: req.RequestID, Buckets: s.index.Buckets(req.PartitionID, req.Path)})
		return s.sender.Send(from, resp)

	case wire.TypeMerkleBucketsResp:
		var r bucketsResp
		if err := env.Decode(&r); err != nil {
			return err
		}
		s.deliver(r.RequestID, r)

	case wire.TypeMerkleKeysReq:
		var req keysReq
		if err := env.Decode(&req); err != nil {
			return err
		}
		resp, _ := wire.Encode(wire.TypeMerkleKeysResp, s.nodeID, keysResp{RequestID: req.RequestID, Keys: s.index.KeysInBucket(req.PartitionID, req.Path)})
		return s.sender.Send(from, resp)

	case wire.TypeMerkleKeysResp:
		var r keysResp
		if err := env.Decode(&r); err != nil {
			return err
		}
		s.deliver(r.RequestID, r)

	case wire.TypeRepairDataReq:
		var req repairDataReq
		if err := env.Decode(&req); err != nil {
			return err
		}
		rec, ok, err := s.getRecord(ctx, req.Key)
		if err != nil {
			return err
		}
		resp, _ := wire.Encode(wire.TypeRepairDataResp, s.nodeID, repairDataResp{RequestID: req.RequestID, Found: ok, Record: rec})
		return s.sender.Send(from, resp)

	case wire.TypeRepairDataResp:
		var r repairDataResp
		if err := env.Decode(&r); err != nil {
			return err
		}
		s.deliver(r.RequestID, r)

	case wire.TypeRepairWrite:
		var w repairWrite
		if err := env.Decode(&w); err != nil {
			return err
		}
		local, hasLocal, err := s.getRecord(ctx, w.Key)
		if err != nil {
			return err
		}
		winner := w.Record
		if hasLocal {
			winner = kv.Resolve(local, w.Record)
		}
		if err := s.setRecord(ctx, w.Key, winner); err != nil {
			return err
		}
		s.index.UpdateRecord(w.PartitionID, w.Key, winner)
	}
	return nil
}

func (s *Scheduler) deliver(requestID string, v any) {
	s.mu.Lock()
	ch, ok := s.pending[requestID]
	s.mu.Unlock()
	if ok {
		select {
		case ch <- v:
		default:
		}
	}
}

func (s *Scheduler) notifyError(t RepairTask, err error) {
	s.mu.Lock()
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.Unlock()
	for _, l := range listeners {
		s.safeNotify(func() { l.RepairError(t, err) })
	}
}

func (s *Scheduler) safeNotify(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("repair listener panicked", "panic", r)
		}
	}()
	fn()
}
