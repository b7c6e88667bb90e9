// Package failure implements the φ-accrual failure detector (C2):
// per-peer phi from inter-heartbeat statistics, with a
// suspect/recover/confirm-failed state machine (spec §4.2).
package failure

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/topgunbuild/topgun/internal/clock"
)

// Listener receives failure-detector lifecycle events.
type Listener interface {
	Suspected(nodeID string, phi float64)
	Recovered(nodeID string)
	ConfirmedFailed(nodeID string)
}

type ListenerFuncs struct {
	OnSuspected       func(nodeID string, phi float64)
	OnRecovered       func(nodeID string)
	OnConfirmedFailed func(nodeID string)
}

func (f ListenerFuncs) Suspected(nodeID string, phi float64) {
	if f.OnSuspected != nil {
		f.OnSuspected(nodeID, phi)
	}
}
func (f ListenerFuncs) Recovered(nodeID string) {
	if f.OnRecovered != nil {
		f.OnRecovered(nodeID)
	}
}
func (f ListenerFuncs) ConfirmedFailed(nodeID string) {
	if f.OnConfirmedFailed != nil {
		f.OnConfirmedFailed(nodeID)
	}
}

// Config holds the detector's tunables; zero-value fields are replaced
// with the spec §6 defaults by New.
type Config struct {
	MaxSampleSize       int           // history cap, default 100
	MinSamples          int           // samples required before using the statistical formula, default 4
	PhiThreshold        float64       // default 8
	ConfirmationTimeout time.Duration // default 10s
	ExpectedInterval    time.Duration // heartbeat interval, default 1s
	CheckInterval       time.Duration // how often phi is recomputed for silent peers, default 500ms
}

func (c Config) withDefaults() Config {
	if c.MaxSampleSize <= 0 {
		c.MaxSampleSize = 100
	}
	if c.MinSamples <= 0 {
		c.MinSamples = 4
	}
	if c.PhiThreshold <= 0 {
		c.PhiThreshold = 8
	}
	if c.ConfirmationTimeout <= 0 {
		c.ConfirmationTimeout = 10 * time.Second
	}
	if c.ExpectedInterval <= 0 {
		c.ExpectedInterval = time.Second
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = 500 * time.Millisecond
	}
	return c
}

type peerState struct {
	intervals     []float64 // milliseconds, ring of at most MaxSampleSize
	lastHeartbeat time.Time
	suspected     bool
	confirmTimer  *time.Timer
}

// Detector is the FailureDetector component (C2).
type Detector struct {
	cfg   Config
	clock clock.Clock
	log   *slog.Logger

	mu        sync.Mutex
	peers     map[string]*peerState
	listeners []Listener

	stopCh chan struct{}
	doneCh chan struct{}
}

func New(cfg Config, c clock.Clock) *Detector {
	if c == nil {
		c = clock.SystemClock{}
	}
	return &Detector{
		cfg:    cfg.withDefaults(),
		clock:  c,
		log:    slog.With("component", "failure-detector"),
		peers:  make(map[string]*peerState),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

func (d *Detector) OnEvent(l Listener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = append(d.listeners, l)
}

// Monitor starts tracking nodeID. A re-joined node (after confirmed
// failure) calls this again, starting with a clean history (spec
// §4.2 "re-added as if newly joined").
func (d *Detector) Monitor(nodeID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.peers[nodeID] = &peerState{lastHeartbeat: d.clock.Now()}
}

// Forget stops tracking nodeID (e.g. on confirmed failure or planned
// removal), cancelling any pending confirmation timer.
func (d *Detector) Forget(nodeID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.forgetLocked(nodeID)
}

func (d *Detector) forgetLocked(nodeID string) {
	if p, ok := d.peers[nodeID]; ok && p.confirmTimer != nil {
		p.confirmTimer.Stop()
	}
	delete(d.peers, nodeID)
}

// Heartbeat records a heartbeat arrival from nodeID, feeding the
// inter-arrival interval into its history and clearing any suspicion.
func (d *Detector) Heartbeat(nodeID string) {
	now := d.clock.Now()

	d.mu.Lock()
	p, ok := d.peers[nodeID]
	if !ok {
		p = &peerState{}
		d.peers[nodeID] = p
	}
	if !p.lastHeartbeat.IsZero() {
		interval := float64(now.Sub(p.lastHeartbeat).Milliseconds())
		p.intervals = append(p.intervals, interval)
		if len(p.intervals) > d.cfg.MaxSampleSize {
			p.intervals = p.intervals[len(p.intervals)-d.cfg.MaxSampleSize:]
		}
	}
	p.lastHeartbeat = now

	wasSuspected := p.suspected
	if wasSuspected {
		p.suspected = false
		if p.confirmTimer != nil {
			p.confirmTimer.Stop()
			p.confirmTimer = nil
		}
	}
	listeners := append([]Listener(nil), d.listeners...)
	d.mu.Unlock()

	if wasSuspected {
		d.log.Info("peer recovered", "node", nodeID)
		for _, l := range listeners {
			d.safeNotify(func() { l.Recovered(nodeID) })
		}
	}
}

// Phi computes the current suspicion level for nodeID on demand (spec
// §4.2 formula).
func (d *Detector) Phi(nodeID string) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.peers[nodeID]
	if !ok {
		return 0
	}
	return d.phiLocked(p, d.clock.Now())
}

func (d *Detector) phiLocked(p *peerState, now time.Time) float64 {
	if p.lastHeartbeat.IsZero() {
		return 0
	}
	elapsed := float64(now.Sub(p.lastHeartbeat).Milliseconds())

	if len(p.intervals) >= d.cfg.MinSamples {
		mu, sigma := meanStdDev(p.intervals)
		if sigma > 0 && float64(now.Sub(p.lastHeartbeat).Milliseconds()) > mu {
			return (elapsed - mu) / sigma
		}
		if sigma == 0 {
			// No observed jitter: use the expected-interval formula instead
			// of dividing by zero.
			return elapsed / float64(d.cfg.ExpectedInterval.Milliseconds())
		}
	}
	return elapsed / float64(d.cfg.ExpectedInterval.Milliseconds())
}

func meanStdDev(xs []float64) (mean, stddev float64) {
	n := float64(len(xs))
	if n == 0 {
		return 0, 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean = sum / n
	var sqDiff float64
	for _, x := range xs {
		d := x - mean
		sqDiff += d * d
	}
	stddev = math.Sqrt(sqDiff / n)
	return mean, stddev
}

// Start launches the periodic check loop that suspects silent peers
// even absent an intervening heartbeat to trigger the evaluation.
func (d *Detector) Start() {
	go d.loop()
}

func (d *Detector) loop() {
	defer close(d.doneCh)
	ticker := time.NewTicker(d.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.checkAll()
		}
	}
}

func (d *Detector) checkAll() {
	now := d.clock.Now()

	type toSuspect struct {
		nodeID string
		phi    float64
	}
	var suspects []toSuspect

	d.mu.Lock()
	for nodeID, p := range d.peers {
		if p.suspected {
			continue
		}
		phi := d.phiLocked(p, now)
		if phi > d.cfg.PhiThreshold {
			p.suspected = true
			p.confirmTimer = time.AfterFunc(d.cfg.ConfirmationTimeout, func() { d.confirm(nodeID) })
			suspects = append(suspects, toSuspect{nodeID, phi})
		}
	}
	listeners := append([]Listener(nil), d.listeners...)
	d.mu.Unlock()

	for _, s := range suspects {
		d.log.Warn("peer suspected", "node", s.nodeID, "phi", s.phi)
		for _, l := range listeners {
			nodeID, phi := s.nodeID, s.phi
			d.safeNotify(func() { l.Suspected(nodeID, phi) })
		}
	}
}

func (d *Detector) confirm(nodeID string) {
	d.mu.Lock()
	p, ok := d.peers[nodeID]
	if !ok || !p.suspected {
		d.mu.Unlock()
		return
	}
	d.forgetLocked(nodeID)
	listeners := append([]Listener(nil), d.listeners...)
	d.mu.Unlock()

	d.log.Warn("peer confirmed failed", "node", nodeID)
	for _, l := range listeners {
		d.safeNotify(func() { l.ConfirmedFailed(nodeID) })
	}
}

func (d *Detector) Stop() {
	select {
	case <-d.stopCh:
	default:
		close(d.stopCh)
	}
	<-d.doneCh
}

func (d *Detector) safeNotify(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("failure listener panicked", "panic", r)
		}
	}()
	fn()
}
