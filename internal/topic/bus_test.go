package topic

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/topgunbuild/topgun/internal/wire"
)

type fakeSender struct {
	mu      sync.Mutex
	members []string
	sent    []wire.Envelope
	peer    *Bus
	peerID  string
}

func (s *fakeSender) Members() []string { return s.members }

func (s *fakeSender) Send(nodeID string, env wire.Envelope) error {
	s.mu.Lock()
	s.sent = append(s.sent, env)
	peer := s.peer
	s.mu.Unlock()
	if peer != nil {
		return peer.HandleEnvelope(s.peerID, env)
	}
	return nil
}

func TestValidateTopicRejectsBadNames(t *testing.T) {
	b := New("n1", nil, Config{})
	if err := b.Subscribe("c1", ""); err == nil {
		t.Fatalf("expected error for empty topic")
	}
	if err := b.Subscribe("c1", "bad topic with spaces"); err == nil {
		t.Fatalf("expected error for invalid characters")
	}
	if err := b.Subscribe("c1", "valid.topic-name_1:2/3"); err != nil {
		t.Fatalf("expected valid topic name to be accepted, got %v", err)
	}
}

func TestSubscribeIsIdempotentAndCapped(t *testing.T) {
	b := New("n1", nil, Config{SubscriptionCap: 2})
	if err := b.Subscribe("c1", "t1"); err != nil {
		t.Fatalf("subscribe t1: %v", err)
	}
	if err := b.Subscribe("c1", "t1"); err != nil {
		t.Fatalf("idempotent subscribe t1: %v", err)
	}
	if err := b.Subscribe("c1", "t2"); err != nil {
		t.Fatalf("subscribe t2: %v", err)
	}
	if err := b.Subscribe("c1", "t3"); err == nil {
		t.Fatalf("expected subscription cap to reject third topic")
	}
}

func TestPublishDeliversToLocalSubscribersExceptSender(t *testing.T) {
	b := New("n1", nil, Config{})
	_ = b.Subscribe("c1", "t1")
	_ = b.Subscribe("c2", "t1")

	var delivered []string
	var mu sync.Mutex
	b.OnEvent(ListenerFuncs{OnDeliver: func(clientID string, msg Message) {
		mu.Lock()
		delivered = append(delivered, clientID)
		mu.Unlock()
	}})

	if err := b.Publish("t1", json.RawMessage(`"hi"`), "c1", false); err != nil {
		t.Fatalf("publish: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(delivered) != 1 || delivered[0] != "c2" {
		t.Fatalf("expected only c2 to receive, got %v", delivered)
	}
}

func TestPublishRebroadcastsToClusterOnce(t *testing.T) {
	senderA := &fakeSender{members: []string{"a", "b"}}
	senderB := &fakeSender{members: []string{"a", "b"}}

	a := New("a", senderA, Config{})
	b := New("b", senderB, Config{})
	senderA.peer = b
	senderA.peerID = "a"
	senderB.peer = a
	senderB.peerID = "b"

	var delivered int
	var mu sync.Mutex
	_ = b.Subscribe("c2", "t1")
	b.OnEvent(ListenerFuncs{OnDeliver: func(clientID string, msg Message) {
		mu.Lock()
		delivered++
		mu.Unlock()
	}})

	if err := a.Publish("t1", json.RawMessage(`"hi"`), "c1", false); err != nil {
		t.Fatalf("publish: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if delivered != 1 {
		t.Fatalf("expected exactly one delivery on remote node, got %d", delivered)
	}
	if len(senderB.sent) != 0 {
		t.Fatalf("expected remote republish (fromCluster=true) not to rebroadcast again, sent=%d", len(senderB.sent))
	}
}

func TestUnsubscribeAllRemovesEveryTopic(t *testing.T) {
	b := New("n1", nil, Config{})
	_ = b.Subscribe("c1", "t1")
	_ = b.Subscribe("c1", "t2")
	b.UnsubscribeAll("c1")

	if len(b.subscriptions) != 0 {
		t.Fatalf("expected all topic entries removed, got %+v", b.subscriptions)
	}
	if len(b.clientTopics) != 0 {
		t.Fatalf("expected client topic set removed, got %+v", b.clientTopics)
	}
}
