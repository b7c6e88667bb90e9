package kv

import (
	"context"
	"encoding/json"
)

// Operation is the opaque mutation the core forwards to backups and to
// OperationApplier. The core never interprets Kind/Payload; it only
// carries them.
type Operation struct {
	Key     string          `json:"key"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// OperationApplier applies a replicated operation on a backup. The
// bool return reports whether the operation was applied successfully;
// the core uses it to build REPLICATION_ACK / REPLICATION_BATCH_ACK.
type OperationApplier func(ctx context.Context, op Operation, opID, sender string) (bool, error)

// DataCollector returns the opaque record payloads owned by a
// partition, for MigrationEngine to chunk and ship to a new owner.
type DataCollector func(ctx context.Context, partitionID int) ([][]byte, error)

// DataStorer installs a fully-received set of record payloads for a
// partition on the migration target.
type DataStorer func(ctx context.Context, partitionID int, records [][]byte) error

// GetRecord/SetRecord are the single-key hooks RepairScheduler uses to
// read and write through reconciliation.
type GetRecord func(ctx context.Context, key string) (Record, bool, error)
type SetRecord func(ctx context.Context, key string, rec Record) error

// Store is the abstract persistent KV store the core's hooks above are
// typically backed by. It is not part of the core (spec §1, §6): the
// core only ever calls the five function types above, which an
// embedder can satisfy with a Store adapter or with anything else.
type Store interface {
	Get(ctx context.Context, key string) (Record, bool, error)
	Set(ctx context.Context, key string, rec Record) error
	Keys(ctx context.Context) ([]string, error)
	Close() error
}

// Hooks adapts a Store into the five function-object hooks the core
// consumes, with a caller-supplied partitionOf mapping for the
// partition-scoped ones.
func Hooks(store Store, partitionOf func(key string) int, apply func(context.Context, Operation) error) (OperationApplier, DataCollector, DataStorer, GetRecord, SetRecord) {
	applier := func(ctx context.Context, op Operation, opID, sender string) (bool, error) {
		if err := apply(ctx, op); err != nil {
			return false, err
		}
		return true, nil
	}

	collector := func(ctx context.Context, partitionID int) ([][]byte, error) {
		keys, err := store.Keys(ctx)
		if err != nil {
			return nil, err
		}
		var out [][]byte
		for _, k := range keys {
			if partitionOf(k) != partitionID {
				continue
			}
			rec, ok, err := store.Get(ctx, k)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			encoded, err := encodeKeyedRecord(k, rec)
			if err != nil {
				return nil, err
			}
			out = append(out, encoded)
		}
		return out, nil
	}

	storer := func(ctx context.Context, partitionID int, records [][]byte) error {
		for _, raw := range records {
			k, rec, err := decodeKeyedRecord(raw)
			if err != nil {
				return err
			}
			if err := store.Set(ctx, k, rec); err != nil {
				return err
			}
		}
		return nil
	}

	getter := func(ctx context.Context, key string) (Record, bool, error) {
		return store.Get(ctx, key)
	}
	setter := func(ctx context.Context, key string, rec Record) error {
		return store.Set(ctx, key, rec)
	}

	return applier, collector, storer, getter, setter
}

type keyedRecord struct {
	Key    string `json:"key"`
	Record Record `json:"record"`
}

func encodeKeyedRecord(key string, rec Record) ([]byte, error) {
	return json.Marshal(keyedRecord{Key: key, Record: rec})
}

func decodeKeyedRecord(raw []byte) (string, Record, error) {
	var kr keyedRecord
	if err := json.Unmarshal(raw, &kr); err != nil {
		return "", Record{}, err
	}
	return kr.Key, kr.Record, nil
}
