package queue

import (
	"encoding/binary"
	"fmt"
)

// Key prefixes under the per-queue namespace.
const (
	prefixMsg   = "msg/"
	prefixState = "state/"
	prefixReady = "ready/"
	prefixInvis = "invis/"
	prefixDLQ   = "dlq/"
)

// queuePrefix returns the base prefix for a queue.
// Format: cv/q/{queue}/
func queuePrefix(queueName string) string {
	return fmt.Sprintf("cv/q/%s/", queueName)
}

// metaKey returns the queue metadata key: lastSeq (8B) | live count (4B).
func metaKey(queueName string) []byte {
	return []byte(queuePrefix(queueName) + "meta")
}

// msgKey returns the envelope key for a sequence.
// Format: cv/q/{queue}/msg/{seq}
func msgKey(queueName string, seq uint64) []byte {
	return seqKey(queuePrefix(queueName)+prefixMsg, seq)
}

// stateKey returns the per-message delivery-state key.
// Format: cv/q/{queue}/state/{seq}
func stateKey(queueName string, seq uint64) []byte {
	return seqKey(queuePrefix(queueName)+prefixState, seq)
}

// readyKey returns the visible-index key. Sequence ordering gives FIFO.
// Format: cv/q/{queue}/ready/{seq}
func readyKey(queueName string, seq uint64) []byte {
	return seqKey(queuePrefix(queueName)+prefixReady, seq)
}

// invisKey returns the in-flight index key, sorted by visibility expiry so
// expired entries cluster at the front of a scan.
// Format: cv/q/{queue}/invis/{visible_at_ms}/{seq}
func invisKey(queueName string, visibleAtMs int64, seq uint64) []byte {
	prefix := queuePrefix(queueName) + prefixInvis
	key := make([]byte, len(prefix)+8+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], uint64(visibleAtMs))
	binary.BigEndian.PutUint64(key[len(prefix)+8:], seq)
	return key
}

// dlqKey returns the dead-letter key for a sequence.
// Format: cv/q/{queue}/dlq/{seq}
func dlqKey(queueName string, seq uint64) []byte {
	return seqKey(queuePrefix(queueName)+prefixDLQ, seq)
}

func readyPrefix(queueName string) []byte {
	return []byte(queuePrefix(queueName) + prefixReady)
}

func invisPrefix(queueName string) []byte {
	return []byte(queuePrefix(queueName) + prefixInvis)
}

func dlqPrefix(queueName string) []byte {
	return []byte(queuePrefix(queueName) + prefixDLQ)
}

func seqKey(prefix string, seq uint64) []byte {
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], seq)
	return key
}

// seqFromKey extracts the trailing 8-byte sequence from an index key.
func seqFromKey(key []byte) uint64 {
	if len(key) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(key[len(key)-8:])
}

// state is the per-message delivery record.
// Encoding: dequeueCount (4B) | enqueuedMs (8B) | visibleAtMs (8B).
// visibleAtMs == 0 means the message is in the ready index.
type state struct {
	dequeueCount uint32
	enqueuedMs   int64
	visibleAtMs  int64
}

func encodeState(s state) []byte {
	var b [20]byte
	binary.BigEndian.PutUint32(b[0:4], s.dequeueCount)
	binary.BigEndian.PutUint64(b[4:12], uint64(s.enqueuedMs))
	binary.BigEndian.PutUint64(b[12:20], uint64(s.visibleAtMs))
	return b[:]
}

// Queue metadata encoding: lastSeq (8B) | live count (4B).

func decodeMetaSeq(meta []byte) uint64 {
	if len(meta) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(meta[0:8])
}

func decodeMetaCount(meta []byte) int {
	if len(meta) < 12 {
		return 0
	}
	return int(binary.BigEndian.Uint32(meta[8:12]))
}

func putBE32(b []byte, v uint32) { binary.BigEndian.PutUint32(b, v) }
func putBE64(b []byte, v uint64) { binary.BigEndian.PutUint64(b, v) }
func decodeBE64(b []byte) uint64 { return binary.BigEndian.Uint64(b) }

func decodeState(b []byte) (state, bool) {
	if len(b) < 20 {
		return state{}, false
	}
	return state{
		dequeueCount: binary.BigEndian.Uint32(b[0:4]),
		enqueuedMs:   int64(binary.BigEndian.Uint64(b[4:12])),
		visibleAtMs:  int64(binary.BigEndian.Uint64(b[12:20])),
	}, true
}
