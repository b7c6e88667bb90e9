package replication

import "github.com/topgunbuild/topgun/internal/kv"

type replicationEnvelope struct {
	OpID        string        `json:"opId"`
	Operation   kv.Operation  `json:"operation"`
	Consistency string        `json:"consistency"`
}

type replicationBatchEnvelope struct {
	Operations []kv.Operation `json:"operations"`
	OpIDs      []string       `json:"opIds"`
}

type replicationAckEnvelope struct {
	OpID    string `json:"opId"`
	Success bool   `json:"success"`
}

type replicationBatchAckEnvelope struct {
	OpIDs   []string `json:"opIds"`
	Success bool     `json:"success"`
}
