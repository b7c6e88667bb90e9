package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/topgunbuild/topgun/internal/wire"
)

func TestJoinEstablishesBidirectionalMembership(t *testing.T) {
	a := New("a", "127.0.0.1", 0, WithHeartbeatInterval(time.Hour))
	if err := a.Listen(); err != nil {
		t.Fatalf("listen a: %v", err)
	}
	defer a.Stop()

	b := New("b", "127.0.0.1", 0, WithHeartbeatInterval(time.Hour))
	if err := b.Listen(); err != nil {
		t.Fatalf("listen b: %v", err)
	}
	defer b.Stop()

	addrA := a.listener.Addr().String()

	joined := make(chan Peer, 1)
	b.OnEvent(ListenerFuncs{OnMemberJoined: func(p Peer) { joined <- p }})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.Join(ctx, addrA); err != nil {
		t.Fatalf("join: %v", err)
	}

	select {
	case p := <-joined:
		if p.ID != "a" {
			t.Fatalf("joined peer id = %s, want a", p.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for member-joined event")
	}

	if !a.Connected("b") {
		t.Fatalf("expected a to see b as connected")
	}
}

func TestSendDeliversMessage(t *testing.T) {
	a := New("a", "127.0.0.1", 0, WithHeartbeatInterval(time.Hour))
	_ = a.Listen()
	defer a.Stop()
	b := New("b", "127.0.0.1", 0, WithHeartbeatInterval(time.Hour))
	_ = b.Listen()
	defer b.Stop()

	received := make(chan wire.Envelope, 1)
	a.OnEvent(ListenerFuncs{OnMessage: func(from string, env wire.Envelope) { received <- env }})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.Join(ctx, a.listener.Addr().String()); err != nil {
		t.Fatalf("join: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	env, _ := wire.Encode(wire.TypeClusterEvent, "b", map[string]string{"hello": "world"})
	if err := b.Send("a", env); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case got := <-received:
		if got.Type != wire.TypeClusterEvent {
			t.Fatalf("got type %s, want %s", got.Type, wire.TypeClusterEvent)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for message")
	}
}

func TestHeartbeatHookInvoked(t *testing.T) {
	a := New("a", "127.0.0.1", 0, WithHeartbeatInterval(20*time.Millisecond))
	_ = a.Listen()
	defer a.Stop()
	b := New("b", "127.0.0.1", 0, WithHeartbeatInterval(20*time.Millisecond))
	_ = b.Listen()
	defer b.Stop()

	beats := make(chan string, 8)
	a.OnHeartbeat(func(nodeID string) { beats <- nodeID })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.Join(ctx, a.listener.Addr().String()); err != nil {
		t.Fatalf("join: %v", err)
	}

	select {
	case id := <-beats:
		if id != "b" {
			t.Fatalf("heartbeat from = %s, want b", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for heartbeat")
	}
}
