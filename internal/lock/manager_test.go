package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/topgunbuild/topgun/internal/wire"
)

func TestAcquireGrantsWhenFree(t *testing.T) {
	m := New("n1", nil, nil, time.Hour)
	defer m.Stop()

	res := m.Acquire("l1", "c1", "r1", time.Second)
	if !res.Granted || res.FencingToken != 1 {
		t.Fatalf("expected grant with token 1, got %+v", res)
	}
}

func TestAcquireQueuesWhenHeld(t *testing.T) {
	m := New("n1", nil, nil, time.Hour)
	defer m.Stop()

	m.Acquire("l1", "c1", "r1", time.Minute)
	res := m.Acquire("l1", "c2", "r2", time.Minute)
	if res.Granted {
		t.Fatalf("expected second acquire to queue, got granted")
	}

	st, ok := m.State("l1")
	if !ok || len(st.WaitQueue) != 1 || st.WaitQueue[0].ClientID != "c2" {
		t.Fatalf("expected c2 queued, got %+v", st)
	}
}

func TestReleasePromotesQueueHead(t *testing.T) {
	m := New("n1", nil, nil, time.Hour)
	defer m.Stop()

	first := m.Acquire("l1", "c1", "r1", time.Minute)
	m.Acquire("l1", "c2", "r2", time.Minute)

	var granted string
	var token uint64
	done := make(chan struct{})
	m.OnEvent(ListenerFuncs{OnLockGranted: func(name, clientID, requestID string, fencingToken uint64) {
		granted = clientID
		token = fencingToken
		close(done)
	}})

	if !m.Release("l1", "c1", first.FencingToken) {
		t.Fatalf("expected release to succeed")
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for promotion event")
	}
	if granted != "c2" || token != first.FencingToken+1 {
		t.Fatalf("expected c2 promoted with bumped token, got clientID=%s token=%d", granted, token)
	}
}

func TestReleaseFailsOnTokenMismatch(t *testing.T) {
	m := New("n1", nil, nil, time.Hour)
	defer m.Stop()

	m.Acquire("l1", "c1", "r1", time.Minute)
	if m.Release("l1", "c1", 999) {
		t.Fatalf("expected release with wrong token to fail")
	}
}

func TestReleaseFailsWhenNotOwner(t *testing.T) {
	m := New("n1", nil, nil, time.Hour)
	defer m.Stop()

	res := m.Acquire("l1", "c1", "r1", time.Minute)
	if m.Release("l1", "c2", res.FencingToken) {
		t.Fatalf("expected release from non-owner to fail")
	}
}

func TestSweepReclaimsExpiredLock(t *testing.T) {
	m := New("n1", nil, nil, 20*time.Millisecond)
	defer m.Stop()

	// The 10ms request is clamped up to MinTTL, so the lease only
	// expires once MinTTL has passed.
	m.Acquire("l1", "c1", "r1", 10*time.Millisecond)
	time.Sleep(MinTTL + 100*time.Millisecond)

	st, ok := m.State("l1")
	if ok {
		t.Fatalf("expected expired unqueued lock to be swept, got %+v", st)
	}
}

func TestHandleClientDisconnectReleasesAndDequeues(t *testing.T) {
	m := New("n1", nil, nil, time.Hour)
	defer m.Stop()

	m.Acquire("l1", "c1", "r1", time.Minute)
	m.Acquire("l1", "c2", "r2", time.Minute)

	m.HandleClientDisconnect("c2")
	st, _ := m.State("l1")
	if len(st.WaitQueue) != 0 {
		t.Fatalf("expected c2 removed from queue, got %+v", st.WaitQueue)
	}

	m.HandleClientDisconnect("c1")
	if _, ok := m.State("l1"); ok {
		t.Fatalf("expected lock deleted after owner disconnect with empty queue")
	}
}

func TestTTLClamping(t *testing.T) {
	m := New("n1", nil, nil, time.Hour)
	defer m.Stop()

	before := time.Now()
	m.Acquire("l1", "c1", "r1", 100*time.Hour)
	st, _ := m.State("l1")
	if st.ExpiresAt.After(before.Add(MaxTTL + time.Second)) {
		t.Fatalf("expected ttl clamped to MaxTTL, expiresAt=%v", st.ExpiresAt)
	}
}

type pairedSender struct {
	mu   sync.Mutex
	name string
	peer *Manager
}

func (s *pairedSender) Send(nodeID string, env wire.Envelope) error {
	s.mu.Lock()
	peer := s.peer
	s.mu.Unlock()
	go func() { _ = peer.HandleEnvelope(context.Background(), s.name, env) }()
	return nil
}

func TestAcquireDistributedForwardsToOwner(t *testing.T) {
	senderA := &pairedSender{name: "a"}
	senderB := &pairedSender{name: "b"}

	router := func(name string) (string, bool) { return "b", false }
	a := New("a", senderA, router, time.Hour)
	b := New("b", senderB, nil, time.Hour)
	defer a.Stop()
	defer b.Stop()
	senderA.peer = b
	senderB.peer = a

	res, err := a.AcquireDistributed(context.Background(), "l1", "c1", "r1", time.Minute)
	if err != nil {
		t.Fatalf("AcquireDistributed: %v", err)
	}
	if !res.Granted || res.FencingToken != 1 {
		t.Fatalf("expected remote grant with token 1, got %+v", res)
	}

	if _, ok := b.State("l1"); !ok {
		t.Fatalf("expected lock state to live on owning node b")
	}
}
