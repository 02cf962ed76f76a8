package queue

import (
	"bytes"
	"testing"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	env := encodeEnvelope([]byte("reason"), []byte(`{"operation":"process"}`))
	dec, ok := decodeEnvelope(env)
	if !ok {
		t.Fatalf("decode failed")
	}
	if !bytes.Equal(dec.Header, []byte("reason")) || !bytes.Equal(dec.Body, []byte(`{"operation":"process"}`)) {
		t.Fatalf("round trip mismatch: %q %q", dec.Header, dec.Body)
	}
}

func TestEnvelopeRejectsCorruption(t *testing.T) {
	env := encodeEnvelope(nil, []byte("payload"))
	env[len(env)-5] ^= 0xFF
	if _, ok := decodeEnvelope(env); ok {
		t.Fatalf("corrupted envelope accepted")
	}
	if _, ok := decodeEnvelope([]byte{1, 2, 3}); ok {
		t.Fatalf("short envelope accepted")
	}
}
