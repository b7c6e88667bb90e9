// Package lock implements the LockManager component (C8): per-name
// exclusive leases with a monotonic fencing token, a FIFO wait queue,
// TTL clamping, a background expiry sweep, and auto-release on client
// disconnect (spec §4.8).
package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/topgunbuild/topgun/internal/wire"
)

const (
	MinTTL = time.Second
	MaxTTL = 5 * time.Minute

	defaultSweepInterval = time.Second
)

// Waiter is one entry in a lock's FIFO wait queue.
type Waiter struct {
	ClientID   string
	RequestID  string
	TTL        time.Duration
	OriginNode string // node the requesting client is attached to
}

// Sender is the narrow cluster send surface the lock manager needs to
// forward acquire/release requests to the node owning a given name and
// to notify a remote origin node of an asynchronous grant.
type Sender interface {
	Send(nodeID string, env wire.Envelope) error
}

// Router maps a lock name to the node that owns it (e.g. by hashing
// the name onto a partition and consulting the partition map), and
// reports whether that owner is this node.
type Router func(name string) (ownerNode string, isLocal bool)

// State is a snapshot of one named lock.
type State struct {
	Name         string
	Owner        string
	FencingToken uint64
	ExpiresAt    time.Time
	WaitQueue    []Waiter
}

// AcquireResult is the outcome of Acquire.
type AcquireResult struct {
	Granted      bool
	FencingToken uint64
}

// Listener observes lock grant/release events.
type Listener interface {
	LockGranted(name, clientID, requestID string, fencingToken uint64)
	LockReleased(name string)
}

type ListenerFuncs struct {
	OnLockGranted  func(name, clientID, requestID string, fencingToken uint64)
	OnLockReleased func(name string)
}

func (f ListenerFuncs) LockGranted(name, clientID, requestID string, fencingToken uint64) {
	if f.OnLockGranted != nil {
		f.OnLockGranted(name, clientID, requestID, fencingToken)
	}
}
func (f ListenerFuncs) LockReleased(name string) {
	if f.OnLockReleased != nil {
		f.OnLockReleased(name)
	}
}

type lockEntry struct {
	owner        string
	fencingToken uint64
	expiresAt    time.Time
	waitQueue    []Waiter
}

// Manager is the LockManager component (C8).
type Manager struct {
	nodeID        string
	sender        Sender
	router        Router
	sweepInterval time.Duration
	log           *slog.Logger

	mu              sync.Mutex
	locks           map[string]*lockEntry
	listeners       []Listener
	pendingAcquire  map[string]chan AcquireResult
	pendingRelease  map[string]chan bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Manager. sender/router may be nil for a
// single-node deployment, in which case every Acquire/Release call is
// served locally.
func New(nodeID string, sender Sender, router Router, sweepInterval time.Duration) *Manager {
	if sweepInterval <= 0 {
		sweepInterval = defaultSweepInterval
	}
	m := &Manager{
		nodeID:         nodeID,
		sender:         sender,
		router:         router,
		sweepInterval:  sweepInterval,
		log:            slog.With("component", "lock-manager"),
		locks:          make(map[string]*lockEntry),
		pendingAcquire: make(map[string]chan AcquireResult),
		pendingRelease: make(map[string]chan bool),
		stopCh:         make(chan struct{}),
	}
	m.wg.Add(1)
	go m.sweepLoop()
	return m
}

func (m *Manager) OnEvent(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

func clampTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return MinTTL
	}
	if ttl < MinTTL {
		return MinTTL
	}
	if ttl > MaxTTL {
		return MaxTTL
	}
	return ttl
}

// Acquire attempts to grant name to clientID, queuing the caller if the
// lock is already held by someone else (spec §4.8). The caller is
// assumed to be attached to this node.
func (m *Manager) Acquire(name, clientID, requestID string, ttl time.Duration) AcquireResult {
	return m.acquireFrom(name, clientID, requestID, m.nodeID, ttl)
}

func (m *Manager) acquireFrom(name, clientID, requestID, originNode string, ttl time.Duration) AcquireResult {
	ttl = clampTTL(ttl)
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.locks[name]
	if !ok {
		e = &lockEntry{}
		m.locks[name] = e
	}

	if e.owner == "" || now.After(e.expiresAt) {
		e.owner = clientID
		e.expiresAt = now.Add(ttl)
		e.fencingToken++
		return AcquireResult{Granted: true, FencingToken: e.fencingToken}
	}

	if e.owner == clientID {
		newExpiry := now.Add(ttl)
		if newExpiry.After(e.expiresAt) {
			e.expiresAt = newExpiry
		}
		return AcquireResult{Granted: true, FencingToken: e.fencingToken}
	}

	e.waitQueue = append(e.waitQueue, Waiter{ClientID: clientID, RequestID: requestID, TTL: ttl, OriginNode: originNode})
	return AcquireResult{Granted: false}
}

// AcquireDistributed routes name to its owning node via router/sender
// when the owner is remote, otherwise serves it locally.
func (m *Manager) AcquireDistributed(ctx context.Context, name, clientID, requestID string, ttl time.Duration) (AcquireResult, error) {
	if m.router == nil {
		return m.Acquire(name, clientID, requestID, ttl), nil
	}
	owner, isLocal := m.router(name)
	if isLocal {
		return m.Acquire(name, clientID, requestID, ttl), nil
	}

	ch := make(chan AcquireResult, 1)
	m.mu.Lock()
	m.pendingAcquire[requestID] = ch
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.pendingAcquire, requestID)
		m.mu.Unlock()
	}()

	env, err := wire.Encode(wire.TypeClusterLockReq, m.nodeID, lockReq{
		Name: name, ClientID: clientID, RequestID: requestID, TTL: ttl, OriginNode: m.nodeID,
	})
	if err != nil {
		return AcquireResult{}, err
	}
	if err := m.sender.Send(owner, env); err != nil {
		return AcquireResult{}, fmt.Errorf("lock: forward acquire to %s: %w", owner, err)
	}

	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		return AcquireResult{}, ctx.Err()
	}
}

// Release relinquishes name if clientID currently owns it with a
// matching fencing token, promoting the wait queue head on success.
func (m *Manager) Release(name, clientID string, token uint64) bool {
	m.mu.Lock()
	e, ok := m.locks[name]
	if !ok || e.owner != clientID || e.fencingToken != token {
		m.mu.Unlock()
		return false
	}
	m.processNextLocked(name, e)
	m.mu.Unlock()
	return true
}

// ReleaseDistributed routes name to its owning node via router/sender
// when the owner is remote, otherwise serves it locally.
func (m *Manager) ReleaseDistributed(ctx context.Context, name, clientID string, token uint64) (bool, error) {
	if m.router == nil {
		return m.Release(name, clientID, token), nil
	}
	owner, isLocal := m.router(name)
	if isLocal {
		return m.Release(name, clientID, token), nil
	}

	requestID := fmt.Sprintf("%s-%s-%d", clientID, name, token)
	ch := make(chan bool, 1)
	m.mu.Lock()
	m.pendingRelease[requestID] = ch
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.pendingRelease, requestID)
		m.mu.Unlock()
	}()

	env, err := wire.Encode(wire.TypeClusterLockRelease, m.nodeID, lockRelease{
		Name: name, ClientID: clientID, FencingToken: token, RequestID: requestID, OriginNode: m.nodeID,
	})
	if err != nil {
		return false, err
	}
	if err := m.sender.Send(owner, env); err != nil {
		return false, fmt.Errorf("lock: forward release to %s: %w", owner, err)
	}

	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// processNextLocked resets ownership and promotes the wait queue head,
// if any, under the caller's held lock (spec §4.8 "processNext").
func (m *Manager) processNextLocked(name string, e *lockEntry) {
	e.owner = ""
	e.expiresAt = time.Time{}

	if len(e.waitQueue) == 0 {
		delete(m.locks, name)
		m.notifyReleased(name)
		return
	}

	head := e.waitQueue[0]
	e.waitQueue = e.waitQueue[1:]
	e.owner = head.ClientID
	e.fencingToken++
	e.expiresAt = time.Now().Add(clampTTL(head.TTL))
	m.notifyGranted(name, head.ClientID, head.RequestID, head.OriginNode, e.fencingToken)
}

// HandleClientDisconnect releases any lock the client owns and removes
// it from every wait queue (spec §4.8).
func (m *Manager) HandleClientDisconnect(clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, e := range m.locks {
		if e.owner == clientID {
			m.processNextLocked(name, e)
			continue
		}
		filtered := e.waitQueue[:0]
		for _, w := range e.waitQueue {
			if w.ClientID != clientID {
				filtered = append(filtered, w)
			}
		}
		e.waitQueue = filtered
	}
}

// HandleEnvelope dispatches an inbound cluster lock envelope.
func (m *Manager) HandleEnvelope(ctx context.Context, from string, env wire.Envelope) error {
	switch env.Type {
	case wire.TypeClusterLockReq:
		var req lockReq
		if err := env.Decode(&req); err != nil {
			return err
		}
		res := m.acquireFrom(req.Name, req.ClientID, req.RequestID, req.OriginNode, req.TTL)
		if !res.Granted {
			return nil
		}
		reply, err := wire.Encode(wire.TypeClusterLockGranted, m.nodeID, lockGrantedMsg{
			Name: req.Name, ClientID: req.ClientID, RequestID: req.RequestID,
			FencingToken: res.FencingToken, Granted: true,
		})
		if err != nil {
			return err
		}
		return m.sender.Send(req.OriginNode, reply)

	case wire.TypeClusterLockGranted:
		var g lockGrantedMsg
		if err := env.Decode(&g); err != nil {
			return err
		}
		m.mu.Lock()
		ch, ok := m.pendingAcquire[g.RequestID]
		m.mu.Unlock()
		if ok {
			select {
			case ch <- AcquireResult{Granted: g.Granted, FencingToken: g.FencingToken}:
			default:
			}
		}
		return nil

	case wire.TypeClusterLockRelease:
		var rel lockRelease
		if err := env.Decode(&rel); err != nil {
			return err
		}
		ok := m.Release(rel.Name, rel.ClientID, rel.FencingToken)
		reply, err := wire.Encode(wire.TypeClusterLockReleased, m.nodeID, lockReleaseAck{
			RequestID: rel.RequestID, Released: ok,
		})
		if err != nil {
			return err
		}
		return m.sender.Send(rel.OriginNode, reply)

	case wire.TypeClusterLockReleased:
		var ack lockReleaseAck
		if err := env.Decode(&ack); err != nil {
			return err
		}
		m.mu.Lock()
		ch, ok := m.pendingRelease[ack.RequestID]
		m.mu.Unlock()
		if ok {
			select {
			case ch <- ack.Released:
			default:
			}
		}
		return nil

	case wire.TypeClusterClientDisconnected:
		var d clientDisconnected
		if err := env.Decode(&d); err != nil {
			return err
		}
		m.HandleClientDisconnect(d.ClientID)
		return nil
	}
	return nil
}

// BroadcastClientDisconnected notifies every peer in members that
// clientID disconnected, so each node drops its locks and wait-queue
// entries for that client (spec §4.8).
func (m *Manager) BroadcastClientDisconnected(clientID string, members []string) {
	m.HandleClientDisconnect(clientID)
	if m.sender == nil {
		return
	}
	env, err := wire.Encode(wire.TypeClusterClientDisconnected, m.nodeID, clientDisconnected{ClientID: clientID})
	if err != nil {
		m.log.Error("encode client disconnect", "error", err)
		return
	}
	for _, peer := range members {
		if peer == m.nodeID {
			continue
		}
		if err := m.sender.Send(peer, env); err != nil {
			m.log.Warn("broadcast client disconnect failed", "peer", peer, "error", err)
		}
	}
}

// State returns a snapshot of a named lock, if it exists.
func (m *Manager) State(name string) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.locks[name]
	if !ok {
		return State{}, false
	}
	return State{
		Name:         name,
		Owner:        e.owner,
		FencingToken: e.fencingToken,
		ExpiresAt:    e.expiresAt,
		WaitQueue:    append([]Waiter(nil), e.waitQueue...),
	}, true
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	now := time.Now()
	m.mu.Lock()
	for name, e := range m.locks {
		switch {
		case e.owner != "" && now.After(e.expiresAt):
			m.processNextLocked(name, e)
		case e.owner == "" && len(e.waitQueue) == 0:
			delete(m.locks, name)
		}
	}
	m.mu.Unlock()
}

func (m *Manager) Stop() {
	select {
	case <-m.stopCh:
	default:
		close(m.stopCh)
	}
	m.wg.Wait()
}

// notifyGranted fires the local LockGranted event and, for a waiter
// whose client is attached to a remote node, forwards the grant over
// the wire instead (this happens when processNext promotes a queued
// waiter asynchronously, well after the original CLUSTER_LOCK_REQ
// reply window has closed).
func (m *Manager) notifyGranted(name, clientID, requestID, originNode string, token uint64) {
	if originNode != "" && originNode != m.nodeID && m.sender != nil {
		env, err := wire.Encode(wire.TypeClusterLockGranted, m.nodeID, lockGrantedMsg{
			Name: name, ClientID: clientID, RequestID: requestID, FencingToken: token, Granted: true,
		})
		if err != nil {
			m.log.Error("encode lock grant forward", "error", err)
			return
		}
		if err := m.sender.Send(originNode, env); err != nil {
			m.log.Warn("forward lock grant failed", "origin", originNode, "error", err)
		}
		return
	}

	listeners := append([]Listener(nil), m.listeners...)
	go func() {
		for _, l := range listeners {
			m.safeNotify(func() { l.LockGranted(name, clientID, requestID, token) })
		}
	}()
}

func (m *Manager) notifyReleased(name string) {
	listeners := append([]Listener(nil), m.listeners...)
	go func() {
		for _, l := range listeners {
			m.safeNotify(func() { l.LockReleased(name) })
		}
	}()
}

func (m *Manager) safeNotify(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("lock listener panicked", "panic", r)
		}
	}()
	fn()
}
