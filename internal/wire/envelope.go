// Package wire defines the peer mesh wire protocol: a self-delimited
// envelope type and the JSON-over-framed-TCP encoding used to carry it.
//
// Any isomorphic encoding would do (length-prefixed CBOR/MessagePack,
// JSON over WebSocket); this package picks length-prefixed JSON over a
// plain TCP (optionally TLS) connection.
package wire

import "encoding/json"

// Type discriminates the payload carried by an Envelope.
type Type string

const (
	TypeHello        Type = "HELLO"
	TypeHeartbeat    Type = "HEARTBEAT"
	TypeOpForward    Type = "OP_FORWARD"
	TypePartitionMap Type = "PARTITION_UPDATE"
	TypeClusterEvent Type = "CLUSTER_EVENT"

	TypeClusterTopicPub Type = "CLUSTER_TOPIC_PUB"

	TypeClusterLockReq      Type = "CLUSTER_LOCK_REQ"
	TypeClusterLockRelease  Type = "CLUSTER_LOCK_RELEASE"
	TypeClusterLockGranted  Type = "CLUSTER_LOCK_GRANTED"
	TypeClusterLockReleased Type = "CLUSTER_LOCK_RELEASED"

	TypeClusterClientDisconnected Type = "CLUSTER_CLIENT_DISCONNECTED"

	TypeMerkleRootReq      Type = "CLUSTER_MERKLE_ROOT_REQ"
	TypeMerkleRootResp     Type = "CLUSTER_MERKLE_ROOT_RESP"
	TypeMerkleBucketsReq   Type = "CLUSTER_MERKLE_BUCKETS_REQ"
	TypeMerkleBucketsResp  Type = "CLUSTER_MERKLE_BUCKETS_RESP"
	TypeMerkleKeysReq      Type = "CLUSTER_MERKLE_KEYS_REQ"
	TypeMerkleKeysResp     Type = "CLUSTER_MERKLE_KEYS_RESP"
	TypeRepairDataReq      Type = "CLUSTER_REPAIR_DATA_REQ"
	TypeRepairDataResp     Type = "CLUSTER_REPAIR_DATA_RESP"
	TypeRepairWrite        Type = "CLUSTER_REPAIR_WRITE"

	// Replication and migration sub-protocol types. These envelopes are
	// sent and dispatched under their own types; they are not wrapped in
	// OP_FORWARD.
	TypeReplication         Type = "REPLICATION"
	TypeReplicationBatch    Type = "REPLICATION_BATCH"
	TypeReplicationAck      Type = "REPLICATION_ACK"
	TypeReplicationBatchAck Type = "REPLICATION_BATCH_ACK"

	TypeMigrationStart     Type = "MIGRATION_START"
	TypeMigrationChunk     Type = "MIGRATION_CHUNK"
	TypeMigrationChunkAck  Type = "MIGRATION_CHUNK_ACK"
	TypeMigrationComplete  Type = "MIGRATION_COMPLETE"
	TypeMigrationVerify    Type = "MIGRATION_VERIFY"
)

// Envelope is the self-delimited record exchanged between peers.
type Envelope struct {
	Type     Type            `json:"type"`
	SenderID string          `json:"senderId"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Encode marshals payload into an Envelope ready to send.
func Encode(t Type, senderID string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: t, SenderID: senderID, Payload: raw}, nil
}

// Decode unmarshals the envelope's payload into dst.
func (e Envelope) Decode(dst any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, dst)
}

// Hello is the HELLO handshake payload.
type Hello struct {
	SenderID string `json:"senderId"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
}

// Heartbeat carries the sender's local send timestamp (unix millis).
type Heartbeat struct {
	TS int64 `json:"ts"`
}

// OpForward is the OP_FORWARD payload: one nested envelope. The
// replication and migration components do not use it; they send their
// envelopes directly and the node dispatches them by Type.
type OpForward struct {
	Inner Envelope `json:"inner"`
}
