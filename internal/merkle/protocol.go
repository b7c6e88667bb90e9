package merkle

import "github.com/topgunbuild/topgun/internal/kv"

type rootReq struct {
	RequestID   string `json:"requestId"`
	PartitionID int    `json:"partitionId"`
}

type rootResp struct {
	RequestID string `json:"requestId"`
	RootHash  uint64 `json:"rootHash"`
}

type bucketsReq struct {
	RequestID   string `json:"requestId"`
	PartitionID int    `json:"partitionId"`
	Path        string `json:"path"`
}

type bucketsResp struct {
	RequestID string            `json:"requestId"`
	Buckets   map[string]uint64 `json:"buckets"`
}

type keysReq struct {
	RequestID   string `json:"requestId"`
	PartitionID int    `json:"partitionId"`
	Path        string `json:"path"`
}

type keysResp struct {
	RequestID string   `json:"requestId"`
	Keys      []string `json:"keys"`
}

type repairDataReq struct {
	RequestID   string `json:"requestId"`
	PartitionID int    `json:"partitionId"`
	Key         string `json:"key"`
}

type repairDataResp struct {
	RequestID string    `json:"requestId"`
	Found     bool      `json:"found"`
	Record    kv.Record `json:"record"`
}

type repairWrite struct {
	PartitionID int       `json:"partitionId"`
	Key         string    `json:"key"`
	Record      kv.Record `json:"record"`
}
