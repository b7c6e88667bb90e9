// Package cluster implements the ClusterTransport component (C1): a
// full-mesh peer overlay over length-prefixed JSON framing (internal/wire),
// with HELLO handshake, heartbeat exchange, and typed membership/message
// events (spec §4.1).
package cluster

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/topgunbuild/topgun/internal/wire"
)

// Peer identifies a cluster member reachable over the mesh.
type Peer struct {
	ID   string
	Addr string
}

// Listener receives ClusterTransport membership and message events.
type Listener interface {
	MemberJoined(p Peer)
	MemberLeft(nodeID string)
	Message(from string, env wire.Envelope)
}

type ListenerFuncs struct {
	OnMemberJoined func(p Peer)
	OnMemberLeft   func(nodeID string)
	OnMessage      func(from string, env wire.Envelope)
}

func (f ListenerFuncs) MemberJoined(p Peer) {
	if f.OnMemberJoined != nil {
		f.OnMemberJoined(p)
	}
}
func (f ListenerFuncs) MemberLeft(nodeID string) {
	if f.OnMemberLeft != nil {
		f.OnMemberLeft(nodeID)
	}
}
func (f ListenerFuncs) Message(from string, env wire.Envelope) {
	if f.OnMessage != nil {
		f.OnMessage(from, env)
	}
}

// Option configures a Transport.
type Option func(*Transport)

func WithTLSConfig(cfg *tls.Config) Option {
	return func(t *Transport) { t.tlsConfig = cfg }
}

func WithDialTimeout(d time.Duration) Option {
	return func(t *Transport) { t.dialTimeout = d }
}

func WithHeartbeatInterval(d time.Duration) Option {
	return func(t *Transport) { t.heartbeatInterval = d }
}

// WithBroadcastRateLimit throttles outbound broadcast traffic (spec §7
// "internal flow control"); burst defaults to the rate if zero.
func WithBroadcastRateLimit(perSecond float64, burst int) Option {
	return func(t *Transport) {
		if burst <= 0 {
			burst = int(perSecond)
			if burst <= 0 {
				burst = 1
			}
		}
		t.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

const (
	defaultDialTimeout       = 5 * time.Second
	defaultHeartbeatInterval = time.Second
	sendQueueDepth           = 256
)

// Transport is the ClusterTransport component (C1).
type Transport struct {
	nodeID string
	host   string
	port   int

	tlsConfig         *tls.Config
	dialTimeout       time.Duration
	heartbeatInterval time.Duration
	limiter           *rate.Limiter

	log *slog.Logger

	mu        sync.Mutex
	conns     map[string]*conn // nodeID -> active connection
	listeners []Listener
	onHB      func(nodeID string)

	listener net.Listener
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

type conn struct {
	peer     Peer
	outbound bool
	nc       net.Conn
	fw       *wire.FrameWriter
	fr       *wire.FrameReader
	sendCh   chan wire.Envelope

	closeOnce sync.Once
	closed    chan struct{}
}

func New(nodeID, host string, port int, opts ...Option) *Transport {
	t := &Transport{
		nodeID:            nodeID,
		host:              host,
		port:              port,
		dialTimeout:       defaultDialTimeout,
		heartbeatInterval: defaultHeartbeatInterval,
		log:               slog.With("component", "cluster-transport", "node", nodeID),
		conns:             make(map[string]*conn),
		stopCh:            make(chan struct{}),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Transport) OnEvent(l Listener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, l)
}

// OnHeartbeat registers a callback invoked whenever a HEARTBEAT envelope
// arrives from a peer; FailureDetector.Heartbeat is the intended callee,
// kept decoupled from Transport via this hook rather than a direct import.
func (t *Transport) OnHeartbeat(fn func(nodeID string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onHB = fn
}

// Listen starts accepting inbound peer connections.
func (t *Transport) Listen() error {
	addr := net.JoinHostPort(t.host, fmt.Sprintf("%d", t.port))
	var ln net.Listener
	var err error
	if t.tlsConfig != nil {
		ln, err = tls.Listen("tcp", addr, t.tlsConfig)
	} else {
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("cluster transport listen: %w", err)
	}
	t.listener = ln
	t.log.Info("listening", "addr", addr)

	t.wg.Add(1)
	go t.acceptLoop()
	return nil
}

func (t *Transport) acceptLoop() {
	defer t.wg.Done()
	for {
		nc, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.stopCh:
				return
			default:
				t.log.Error("accept failed", "err", err)
				return
			}
		}
		go t.handleInbound(nc)
	}
}

func (t *Transport) handleInbound(nc net.Conn) {
	fr := wire.NewFrameReader(nc)
	fw := wire.NewFrameWriter(nc)

	env, err := fr.ReadEnvelope()
	if err != nil || env.Type != wire.TypeHello {
		t.log.Warn("inbound handshake failed", "err", err)
		_ = nc.Close()
		return
	}
	var hello wire.Hello
	if err := env.Decode(&hello); err != nil {
		_ = nc.Close()
		return
	}

	ourHello := wire.Hello{SenderID: t.nodeID, Host: t.host, Port: t.port}
	replyEnv, err := wire.Encode(wire.TypeHello, t.nodeID, ourHello)
	if err != nil || fw.WriteEnvelope(replyEnv) != nil {
		_ = nc.Close()
		return
	}

	peer := Peer{ID: hello.SenderID, Addr: net.JoinHostPort(hello.Host, fmt.Sprintf("%d", hello.Port))}
	t.adopt(peer, nc, fr, fw, false)
}

// Join dials a seed address and joins the mesh through it.
func (t *Transport) Join(ctx context.Context, seedAddr string) error {
	dialer := net.Dialer{Timeout: t.dialTimeout}
	var nc net.Conn
	var err error
	if t.tlsConfig != nil {
		nc, err = tls.DialWithDialer(&dialer, "tcp", seedAddr, t.tlsConfig)
	} else {
		nc, err = dialer.DialContext(ctx, "tcp", seedAddr)
	}
	if err != nil {
		return fmt.Errorf("dial seed %s: %w", seedAddr, err)
	}

	fr := wire.NewFrameReader(nc)
	fw := wire.NewFrameWriter(nc)

	hello := wire.Hello{SenderID: t.nodeID, Host: t.host, Port: t.port}
	env, err := wire.Encode(wire.TypeHello, t.nodeID, hello)
	if err != nil || fw.WriteEnvelope(env) != nil {
		_ = nc.Close()
		return fmt.Errorf("send hello to %s: %w", seedAddr, err)
	}

	replyEnv, err := fr.ReadEnvelope()
	if err != nil || replyEnv.Type != wire.TypeHello {
		_ = nc.Close()
		return fmt.Errorf("handshake with %s failed: %w", seedAddr, err)
	}
	var reply wire.Hello
	if err := replyEnv.Decode(&reply); err != nil {
		_ = nc.Close()
		return fmt.Errorf("decode hello reply from %s: %w", seedAddr, err)
	}

	peer := Peer{ID: reply.SenderID, Addr: seedAddr}
	t.adopt(peer, nc, fr, fw, true)
	return nil
}

// adopt registers a handshaked connection, resolving a duplicate link
// against any existing connection to the same peer by keeping whichever
// side was initiated by the lower node id (spec §4.1).
func (t *Transport) adopt(peer Peer, nc net.Conn, fr *wire.FrameReader, fw *wire.FrameWriter, outbound bool) {
	c := &conn{
		peer:     peer,
		outbound: outbound,
		nc:       nc,
		fr:       fr,
		fw:       fw,
		sendCh:   make(chan wire.Envelope, sendQueueDepth),
		closed:   make(chan struct{}),
	}

	t.mu.Lock()
	existing, has := t.conns[peer.ID]
	if has {
		if initiatorID(existing, t.nodeID) <= initiatorID(c, t.nodeID) {
			// existing link's initiator has the lower (or equal, already
			// established) id: keep it, discard the new duplicate.
			t.mu.Unlock()
			_ = nc.Close()
			return
		}
		t.log.Info("duplicate link resolved, replacing connection", "peer", peer.ID)
	}
	t.conns[peer.ID] = c
	listeners := append([]Listener(nil), t.listeners...)
	t.mu.Unlock()

	if has {
		existing.close()
	} else {
		t.log.Info("member joined", "peer", peer.ID, "addr", peer.Addr)
		for _, l := range listeners {
			t.safeNotify(func() { l.MemberJoined(peer) })
		}
	}

	t.wg.Add(2)
	go t.readLoop(c)
	go t.writeLoop(c)
}

func initiatorID(c *conn, localID string) string {
	if c.outbound {
		return localID
	}
	return c.peer.ID
}

func (t *Transport) readLoop(c *conn) {
	defer t.wg.Done()
	defer t.dropConn(c)
	for {
		env, err := c.fr.ReadEnvelope()
		if err != nil {
			if err != io.EOF {
				t.log.Debug("peer read failed", "peer", c.peer.ID, "err", err)
			}
			return
		}

		if env.Type == wire.TypeHeartbeat {
			t.mu.Lock()
			hb := t.onHB
			t.mu.Unlock()
			if hb != nil {
				hb(c.peer.ID)
			}
			continue
		}

		t.mu.Lock()
		listeners := append([]Listener(nil), t.listeners...)
		t.mu.Unlock()
		for _, l := range listeners {
			from, e := c.peer.ID, env
			t.safeNotify(func() { l.Message(from, e) })
		}
	}
}

func (t *Transport) writeLoop(c *conn) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-t.stopCh:
			return
		case <-ticker.C:
			env, _ := wire.Encode(wire.TypeHeartbeat, t.nodeID, wire.Heartbeat{TS: time.Now().UnixMilli()})
			if err := c.fw.WriteEnvelope(env); err != nil {
				return
			}
		case env := <-c.sendCh:
			if err := c.fw.WriteEnvelope(env); err != nil {
				return
			}
		}
	}
}

func (t *Transport) dropConn(c *conn) {
	t.mu.Lock()
	if cur, ok := t.conns[c.peer.ID]; ok && cur == c {
		delete(t.conns, c.peer.ID)
	} else {
		t.mu.Unlock()
		c.close()
		return
	}
	listeners := append([]Listener(nil), t.listeners...)
	t.mu.Unlock()

	c.close()
	t.log.Info("member left", "peer", c.peer.ID)
	for _, l := range listeners {
		nodeID := c.peer.ID
		t.safeNotify(func() { l.MemberLeft(nodeID) })
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.nc.Close()
	})
}

// Send delivers env to a single named peer. It is non-blocking: a full
// send queue drops the message with an error rather than stalling the
// caller on a slow peer.
func (t *Transport) Send(nodeID string, env wire.Envelope) error {
	t.mu.Lock()
	c, ok := t.conns[nodeID]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("cluster transport: no connection to %s", nodeID)
	}
	select {
	case c.sendCh <- env:
		return nil
	default:
		return fmt.Errorf("cluster transport: send queue full for %s", nodeID)
	}
}

// Broadcast delivers env to every connected peer, honoring the configured
// broadcast rate limit if any.
func (t *Transport) Broadcast(ctx context.Context, env wire.Envelope) {
	t.mu.Lock()
	peers := make([]*conn, 0, len(t.conns))
	for _, c := range t.conns {
		peers = append(peers, c)
	}
	limiter := t.limiter
	t.mu.Unlock()

	for _, c := range peers {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
		}
		select {
		case c.sendCh <- env:
		default:
			t.log.Warn("broadcast dropped, send queue full", "peer", c.peer.ID)
		}
	}
}

// NodeID returns this transport's own node identity.
func (t *Transport) NodeID() string { return t.nodeID }

// Members returns the currently connected peers.
func (t *Transport) Members() []Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Peer, 0, len(t.conns))
	for _, c := range t.conns {
		out = append(out, c.peer)
	}
	return out
}

func (t *Transport) Connected(nodeID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.conns[nodeID]
	return ok
}

func (t *Transport) Stop() {
	select {
	case <-t.stopCh:
	default:
		close(t.stopCh)
	}
	if t.listener != nil {
		_ = t.listener.Close()
	}
	t.mu.Lock()
	conns := make([]*conn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
	t.wg.Wait()
}

func (t *Transport) safeNotify(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			t.log.Error("cluster listener panicked", "panic", r)
		}
	}()
	fn()
}
