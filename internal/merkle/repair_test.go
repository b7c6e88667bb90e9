package merkle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/topgunbuild/topgun/internal/kv"
	"github.com/topgunbuild/topgun/internal/wire"
)

type pairedSender struct {
	mu   sync.Mutex
	name string
	peer *Scheduler
}

func (s *pairedSender) Send(nodeID string, env wire.Envelope) error {
	s.mu.Lock()
	peer := s.peer
	s.mu.Unlock()
	go func() { _ = peer.HandleEnvelope(context.Background(), s.name, env) }()
	return nil
}

func newMemStore() (kv.GetRecord, kv.SetRecord, map[string]kv.Record) {
	data := make(map[string]kv.Record)
	var mu sync.Mutex
	get := func(ctx context.Context, key string) (kv.Record, bool, error) {
		mu.Lock()
		defer mu.Unlock()
		r, ok := data[key]
		return r, ok, nil
	}
	set := func(ctx context.Context, key string, rec kv.Record) error {
		mu.Lock()
		defer mu.Unlock()
		data[key] = rec
		return nil
	}
	return get, set, data
}

func TestRunTaskReconcilesDivergentKey(t *testing.T) {
	idxA := NewIndex(3)
	idxB := NewIndex(3)
	getA, setA, dataA := newMemStore()
	getB, setB, _ := newMemStore()

	recA := kv.Record{Value: []byte("a-wins"), Timestamp: kv.Timestamp{Millis: 200, NodeID: "a"}}
	recB := kv.Record{Value: []byte("b-loses"), Timestamp: kv.Timestamp{Millis: 100, NodeID: "b"}}
	_ = setA(context.Background(), "k1", recA)
	_ = setB(context.Background(), "k1", recB)
	idxA.UpdateRecord(0, "k1", recA)
	idxB.UpdateRecord(0, "k1", recB)

	senderA := &pairedSender{name: "a"}
	senderB := &pairedSender{name: "b"}

	schedA := New("a", senderA, idxA, func() map[int][]string { return nil }, getA, setA, Config{})
	schedB := New("b", senderB, idxB, func() map[int][]string { return nil }, getB, setB, Config{RequestTimeout: 2 * time.Second})
	senderA.peer = schedB
	senderB.peer = schedA

	if err := schedA.runTask(context.Background(), RepairTask{PartitionID: 0, Peer: "b"}); err != nil {
		t.Fatalf("runTask: %v", err)
	}

	got, ok := dataA["k1"]
	if !ok || string(got.Value) != "a-wins" {
		t.Fatalf("expected local record to remain a-wins, got %+v (ok=%v)", got, ok)
	}
}

func TestRunTaskNoOpWhenRootsMatch(t *testing.T) {
	idxA := NewIndex(3)
	idxB := NewIndex(3)
	rec := kv.Record{Value: []byte("same"), Timestamp: kv.Timestamp{Millis: 1, NodeID: "a"}}
	idxA.UpdateRecord(0, "k1", rec)
	idxB.UpdateRecord(0, "k1", rec)

	getA, setA, _ := newMemStore()
	getB, setB, _ := newMemStore()
	_ = setA(context.Background(), "k1", rec)
	_ = setB(context.Background(), "k1", rec)

	senderA := &pairedSender{name: "a"}
	senderB := &pairedSender{name: "b"}
	schedA := New("a", senderA, idxA, func() map[int][]string { return nil }, getA, setA, Config{RequestTimeout: 2 * time.Second})
	schedB := New("b", senderB, idxB, func() map[int][]string { return nil }, getB, setB, Config{RequestTimeout: 2 * time.Second})
	senderA.peer = schedB
	senderB.peer = schedA

	if err := schedA.runTask(context.Background(), RepairTask{PartitionID: 0, Peer: "b"}); err != nil {
		t.Fatalf("runTask: %v", err)
	}
}
