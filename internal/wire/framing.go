package wire

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single encoded envelope to guard against a
// corrupt or hostile length prefix driving an unbounded allocation.
const MaxFrameSize = 64 << 20 // 64MiB

// FrameWriter writes length-prefixed JSON envelopes to an underlying
// stream. A single FrameWriter must not be used concurrently; callers
// serialize writes themselves (ClusterTransport writes each link from a
// single goroutine).
type FrameWriter struct {
	w io.Writer
}

func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

func (f *FrameWriter) WriteEnvelope(env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if len(data) > MaxFrameSize {
		return fmt.Errorf("encoded envelope too large: %d bytes", len(data))
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(data)))
	if _, err := f.w.Write(hdr[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := f.w.Write(data); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

// FrameReader reads length-prefixed JSON envelopes from an underlying
// stream, preserving the FIFO order of the connection (spec §5).
type FrameReader struct {
	r *bufio.Reader
}

func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReaderSize(r, 32*1024)}
}

func (f *FrameReader) ReadEnvelope() (Envelope, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(f.r, hdr[:]); err != nil {
		return Envelope{}, err
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if size > MaxFrameSize {
		return Envelope{}, fmt.Errorf("frame too large: %d bytes", size)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(f.r, buf); err != nil {
		return Envelope{}, fmt.Errorf("read frame body: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(buf, &env); err != nil {
		return Envelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return env, nil
}

// PutUint32LE writes a little-endian 4-byte length prefix, used for the
// per-record length prefix inside MIGRATION_CHUNK payloads (spec §4.4
// step 3 calls for little-endian there, unlike the big-endian frame
// header above which only needs to be internally consistent).
func PutUint32LE(n int) [4]byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(n))
	return b
}

func Uint32LE(b []byte) uint32 {
	return binary.LittleEndian.Uint32(b)
}
