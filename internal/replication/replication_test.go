package replication

import (
	"context"
	"testing"
	"time"

	"github.com/topgunbuild/topgun/internal/kv"
	"github.com/topgunbuild/topgun/internal/wire"
)

type recordingSender struct {
	sent chan wire.Envelope
	to   string
}

func (s *recordingSender) Send(nodeID string, env wire.Envelope) error {
	s.to = nodeID
	s.sent <- env
	return nil
}

func TestReplicateNoBackupsSucceedsImmediately(t *testing.T) {
	p := New("n1", &recordingSender{sent: make(chan wire.Envelope, 1)}, func(string) []string { return nil }, nil, Config{})
	defer p.Close()

	res, err := p.Replicate(context.Background(), kv.Operation{Key: "k"}, "op1", "k", Strong, time.Second)
	if err != nil {
		t.Fatalf("replicate: %v", err)
	}
	if !res.Success || len(res.AckedBy) != 1 || res.AckedBy[0] != "n1" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestStrongResolvesOnAllAcks(t *testing.T) {
	sender := &recordingSender{sent: make(chan wire.Envelope, 4)}
	p := New("n1", sender, func(string) []string { return []string{"n2", "n3"} }, nil, Config{})
	defer p.Close()

	resCh := make(chan Result, 1)
	go func() {
		res, err := p.Replicate(context.Background(), kv.Operation{Key: "k"}, "op1", "k", Strong, time.Second)
		if err != nil {
			t.Errorf("replicate: %v", err)
			return
		}
		resCh <- res
	}()

	<-sender.sent // consume the outbound REPLICATION sends (best-effort, unordered in test)

	p.onAck("n2", replicationAckEnvelope{OpID: "op1", Success: true})
	p.onAck("n3", replicationAckEnvelope{OpID: "op1", Success: true})

	select {
	case res := <-resCh:
		if !res.Success || len(res.AckedBy) != 3 || !containsAll(res.AckedBy, "n1", "n2", "n3") {
			t.Fatalf("unexpected result: %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for STRONG resolution")
	}
}

func containsAll(haystack []string, want ...string) bool {
	set := make(map[string]bool, len(haystack))
	for _, h := range haystack {
		set[h] = true
	}
	for _, w := range want {
		if !set[w] {
			return false
		}
	}
	return true
}

func TestQuorumResolvesOnMajority(t *testing.T) {
	sender := &recordingSender{sent: make(chan wire.Envelope, 4)}
	p := New("n1", sender, func(string) []string { return []string{"n2", "n3", "n4"} }, nil, Config{})
	defer p.Close()

	resCh := make(chan Result, 1)
	go func() {
		res, _ := p.Replicate(context.Background(), kv.Operation{Key: "k"}, "op2", "k", Quorum, time.Second)
		resCh <- res
	}()
	<-sender.sent

	p.onAck("n2", replicationAckEnvelope{OpID: "op2", Success: true})
	p.onAck("n3", replicationAckEnvelope{OpID: "op2", Success: true})

	select {
	case res := <-resCh:
		if !res.Success || len(res.AckedBy) != 3 || !containsAll(res.AckedBy, "n1", "n2", "n3") {
			t.Fatalf("unexpected result: %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for QUORUM resolution")
	}
}

func TestEventualEnqueuesAndReturnsImmediately(t *testing.T) {
	sender := &recordingSender{sent: make(chan wire.Envelope, 4)}
	p := New("n1", sender, func(string) []string { return []string{"n2"} }, nil, Config{BatchInterval: 10 * time.Millisecond})
	defer p.Close()

	res, err := p.Replicate(context.Background(), kv.Operation{Key: "k"}, "op3", "k", Eventual, time.Second)
	if err != nil {
		t.Fatalf("replicate: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected immediate success for EVENTUAL")
	}

	select {
	case env := <-sender.sent:
		if env.Type != wire.TypeReplicationBatch {
			t.Fatalf("got envelope type %s, want %s", env.Type, wire.TypeReplicationBatch)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for batched send")
	}
}

func TestBackupAppliesAndAcks(t *testing.T) {
	sender := &recordingSender{sent: make(chan wire.Envelope, 1)}
	applied := make(chan string, 1)
	apply := func(ctx context.Context, op kv.Operation, opID, sender string) (bool, error) {
		applied <- opID
		return true, nil
	}
	p := New("backup", sender, func(string) []string { return nil }, apply, Config{})
	defer p.Close()

	env, _ := wire.Encode(wire.TypeReplication, "primary", replicationEnvelope{OpID: "op9", Operation: kv.Operation{Key: "k"}, Consistency: string(Strong)})
	if err := p.HandleEnvelope(context.Background(), "primary", env); err != nil {
		t.Fatalf("handle: %v", err)
	}

	select {
	case id := <-applied:
		if id != "op9" {
			t.Fatalf("applied opId = %s, want op9", id)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for apply")
	}

	select {
	case ackEnv := <-sender.sent:
		if ackEnv.Type != wire.TypeReplicationAck {
			t.Fatalf("got %s, want %s", ackEnv.Type, wire.TypeReplicationAck)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for ack")
	}
}

func TestRedeliveredReplicationIsNotReapplied(t *testing.T) {
	sender := &recordingSender{sent: make(chan wire.Envelope, 2)}
	var applyCount int
	apply := func(ctx context.Context, op kv.Operation, opID, sender string) (bool, error) {
		applyCount++
		return true, nil
	}
	p := New("backup", sender, func(string) []string { return nil }, apply, Config{})
	defer p.Close()

	env, _ := wire.Encode(wire.TypeReplication, "primary", replicationEnvelope{OpID: "op10", Operation: kv.Operation{Key: "k"}, Consistency: string(Strong)})
	if err := p.HandleEnvelope(context.Background(), "primary", env); err != nil {
		t.Fatalf("handle (first): %v", err)
	}
	<-sender.sent
	if err := p.HandleEnvelope(context.Background(), "primary", env); err != nil {
		t.Fatalf("handle (redelivered): %v", err)
	}
	<-sender.sent

	if applyCount != 1 {
		t.Fatalf("expected exactly one apply for a redelivered opId, got %d", applyCount)
	}
}
