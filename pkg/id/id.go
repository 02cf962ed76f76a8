// Package id provides 128-bit, lexicographically sortable identifiers used
// for correlation ids and worker identities.
//
// An ID is 16 bytes big-endian: [8 bytes ms timestamp][8 bytes sequence], so
// byte-wise comparison preserves chronological order. The Generator keeps
// per-process monotonicity: a clock regression pins to the last seen
// millisecond and bumps the sequence instead of going backwards.
package id

import (
	"encoding/binary"
	"sync"
	"time"
)

// ID is a 128-bit sortable identifier.
type ID [16]byte

// Bytes returns the raw 16-byte representation.
func (i ID) Bytes() []byte {
	b := make([]byte, 16)
	copy(b, i[:])
	return b
}

// String returns the lowercase hex form.
func (i ID) String() string {
	const hexdigits = "0123456789abcdef"
	out := make([]byte, 32)
	for idx, v := range i {
		out[idx*2] = hexdigits[v>>4]
		out[idx*2+1] = hexdigits[v&0x0f]
	}
	return string(out)
}

// Compare returns -1, 0, or 1 by lexical comparison.
func (i ID) Compare(other ID) int {
	for idx := 0; idx < 16; idx++ {
		if i[idx] < other[idx] {
			return -1
		}
		if i[idx] > other[idx] {
			return 1
		}
	}
	return 0
}

// Generator produces monotonically increasing IDs per process.
type Generator struct {
	mu       sync.Mutex
	lastMs   int64
	sequence uint64
}

// NewGenerator creates a Generator.
func NewGenerator() *Generator { return &Generator{} }

// Next returns the next ID.
func (g *Generator) Next() ID {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := time.Now().UnixMilli()
	switch {
	case ms > g.lastMs:
		g.lastMs = ms
		g.sequence = 0
	default:
		// clock stalled or regressed: stay on lastMs, bump sequence
		g.sequence++
	}
	var out ID
	binary.BigEndian.PutUint64(out[0:8], uint64(g.lastMs))
	binary.BigEndian.PutUint64(out[8:16], g.sequence)
	return out
}
