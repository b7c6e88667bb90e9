package migration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/topgunbuild/topgun/internal/wire"
)

// pairedSender wires two engines together in-process: Send on one
// dispatches into the other's HandleEnvelope on a new goroutine.
type pairedSender struct {
	mu   sync.Mutex
	name string
	peer *Engine
}

func (s *pairedSender) Send(nodeID string, env wire.Envelope) error {
	s.mu.Lock()
	peer := s.peer
	s.mu.Unlock()
	go func() { _ = peer.HandleEnvelope(context.Background(), s.name, env) }()
	return nil
}

func TestTransferOnceMovesAllRecords(t *testing.T) {
	records := [][]byte{[]byte("rec-a"), []byte("rec-b"), []byte("rec-c")}

	var stored [][]byte
	var storeMu sync.Mutex

	sourceSender := &pairedSender{name: "source"}
	targetSender := &pairedSender{name: "target"}

	source := New("source", sourceSender, func(int, string) {}, func(ctx context.Context, partitionID int) ([][]byte, error) {
		return records, nil
	}, func(ctx context.Context, partitionID int, recs [][]byte) error { return nil }, Config{SyncTimeout: 2 * time.Second})

	target := New("target", targetSender, func(int, string) {}, func(ctx context.Context, partitionID int) ([][]byte, error) {
		return nil, nil
	}, func(ctx context.Context, partitionID int, recs [][]byte) error {
		storeMu.Lock()
		stored = recs
		storeMu.Unlock()
		return nil
	}, Config{SyncTimeout: 2 * time.Second})

	sourceSender.peer = target
	targetSender.peer = source

	moved := make(chan string, 1)
	source.OnEvent(ListenerFuncs{OnPartitionMoved: func(partitionID int, targetNode string) { moved <- targetNode }})

	if err := source.transferOnce(planned{partitionID: 7, targetNode: "target"}); err != nil {
		t.Fatalf("transferOnce: %v", err)
	}

	storeMu.Lock()
	got := len(stored)
	storeMu.Unlock()
	if got != len(records) {
		t.Fatalf("target stored %d records, want %d", got, len(records))
	}
}

func TestChunkRecordsRoundTrips(t *testing.T) {
	records := [][]byte{
		make([]byte, 100),
		make([]byte, 200),
		make([]byte, 50),
	}
	for i := range records {
		for j := range records[i] {
			records[i][j] = byte(i + j)
		}
	}

	chunks := chunkRecords(records, 150)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}

	got := reassemble(chunks)
	if len(got) != len(records) {
		t.Fatalf("reassembled %d records, want %d", len(got), len(records))
	}
	for i := range records {
		if string(got[i]) != string(records[i]) {
			t.Fatalf("record %d mismatch after round trip", i)
		}
	}
}

func TestTransferOnceWithCompressionMovesAllRecords(t *testing.T) {
	records := [][]byte{
		[]byte("rec-a-rec-a-rec-a-rec-a"),
		[]byte("rec-b-rec-b-rec-b-rec-b"),
		[]byte("rec-c-rec-c-rec-c-rec-c"),
	}

	var stored [][]byte
	var storeMu sync.Mutex

	sourceSender := &pairedSender{name: "source"}
	targetSender := &pairedSender{name: "target"}

	cfg := Config{SyncTimeout: 2 * time.Second, TransferCompression: true}

	source := New("source", sourceSender, func(int, string) {}, func(ctx context.Context, partitionID int) ([][]byte, error) {
		return records, nil
	}, func(ctx context.Context, partitionID int, recs [][]byte) error { return nil }, cfg)

	target := New("target", targetSender, func(int, string) {}, func(ctx context.Context, partitionID int) ([][]byte, error) {
		return nil, nil
	}, func(ctx context.Context, partitionID int, recs [][]byte) error {
		storeMu.Lock()
		stored = recs
		storeMu.Unlock()
		return nil
	}, cfg)

	sourceSender.peer = target
	targetSender.peer = source

	if err := source.transferOnce(planned{partitionID: 9, targetNode: "target"}); err != nil {
		t.Fatalf("transferOnce: %v", err)
	}

	storeMu.Lock()
	got := len(stored)
	storeMu.Unlock()
	if got != len(records) {
		t.Fatalf("target stored %d records, want %d", got, len(records))
	}
	for i := range records {
		if string(stored[i]) != string(records[i]) {
			t.Fatalf("record %d mismatch after compressed transfer", i)
		}
	}
}

func TestPlanMigrationOnlyQueuesOwnedPartitions(t *testing.T) {
	e := New("n1", &pairedSender{}, func(int, string) {}, nil, nil, Config{})
	e.PlanMigration(
		map[int]string{0: "n1", 1: "n1", 2: "n2"},
		map[int]string{0: "n2", 1: "n1", 2: "n3"},
	)
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.queue) != 1 || e.queue[0].partitionID != 0 {
		t.Fatalf("expected only partition 0 queued, got %+v", e.queue)
	}
}
