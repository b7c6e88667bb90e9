package migration

import (
	"github.com/cespare/xxhash/v2"

	"github.com/topgunbuild/topgun/internal/wire"
)

type migrationStart struct {
	PartitionID   int    `json:"partitionId"`
	SourceNode    string `json:"sourceNode"`
	EstimatedSize int64  `json:"estimatedSize"`
}

type migrationChunk struct {
	PartitionID int    `json:"partitionId"`
	ChunkIndex  int    `json:"chunkIndex"`
	TotalChunks int    `json:"totalChunks"`
	Data        []byte `json:"data"`
	Checksum    uint64 `json:"checksum"`
	Compressed  bool   `json:"compressed,omitempty"`
}

type migrationChunkAck struct {
	PartitionID int  `json:"partitionId"`
	Success     bool `json:"success"`
}

type migrationComplete struct {
	PartitionID  int    `json:"partitionId"`
	TotalRecords int    `json:"totalRecords"`
	Checksum     uint64 `json:"checksum"`
}

type migrationVerify struct {
	PartitionID int  `json:"partitionId"`
	Success     bool `json:"success"`
}

// chunkRecords packs records into byte slices of at most chunkSize,
// each record prefixed with a 4-byte little-endian length (spec §4.4
// step 3). A record never spans two chunks; an oversized single record
// occupies a chunk by itself.
func chunkRecords(records [][]byte, chunkSize int) [][]byte {
	if len(records) == 0 {
		return nil
	}
	var chunks [][]byte
	var cur []byte
	for _, r := range records {
		prefix := wire.PutUint32LE(len(r))
		entry := append(prefix[:], r...)
		if len(cur) > 0 && len(cur)+len(entry) > chunkSize {
			chunks = append(chunks, cur)
			cur = nil
		}
		cur = append(cur, entry...)
	}
	if len(cur) > 0 {
		chunks = append(chunks, cur)
	}
	return chunks
}

// reassemble concatenates chunks in order and splits the stream back
// into records by their length prefixes.
func reassemble(chunks [][]byte) [][]byte {
	var buf []byte
	for _, c := range chunks {
		buf = append(buf, c...)
	}
	var records [][]byte
	for len(buf) >= 4 {
		n := int(wire.Uint32LE(buf[:4]))
		buf = buf[4:]
		if n > len(buf) {
			break
		}
		records = append(records, buf[:n])
		buf = buf[n:]
	}
	return records
}

// streamingChecksum hashes the concatenation of every record in order,
// giving the sender and receiver an identical whole-partition checksum
// to compare after reassembly.
func streamingChecksum(records [][]byte) uint64 {
	h := xxhash.New()
	for _, r := range records {
		_, _ = h.Write(r)
	}
	return h.Sum64()
}
