package message

import (
	"errors"
	"testing"
)

func TestParseOperationClosedSet(t *testing.T) {
	for _, s := range []string{"process", "render", "publish", "generate_site", "wake_up", "reconcile"} {
		if _, err := ParseOperation(s); err != nil {
			t.Fatalf("ParseOperation(%q): %v", s, err)
		}
	}
	for _, s := range []string{"", "scan", "Process", "discover"} {
		if _, err := ParseOperation(s); !errors.Is(err, ErrInvalid) {
			t.Fatalf("ParseOperation(%q): want ErrInvalid, got %v", s, err)
		}
	}
}

func TestValidateRequiresLocator(t *testing.T) {
	m := Message{Operation: OpProcess, CorrelationID: "run_1"}
	if err := m.Validate(); !errors.Is(err, ErrInvalid) {
		t.Fatalf("want ErrInvalid for missing blob_path, got %v", err)
	}
	m.Payload = map[string]interface{}{"blob_path": "collections/2025-10-06/item-123.json"}
	if err := m.Validate(); err != nil {
		t.Fatalf("valid message rejected: %v", err)
	}
	// wake_up carries no locator
	if err := (Message{Operation: OpWakeUp}).Validate(); err != nil {
		t.Fatalf("wake_up should not need locator: %v", err)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	m := Message{
		Operation: OpProcess,
		Payload: map[string]interface{}{
			"blob_path": "collections/2025-10-06/item-123.json",
			"item_id":   "reddit_1234567890",
		},
		CorrelationID: "run_20251006_001",
		Reprocess:     true,
	}
	b, err := m.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Operation != m.Operation || got.CorrelationID != m.CorrelationID || got.Reprocess != m.Reprocess {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.BlobPath() != "collections/2025-10-06/item-123.json" || got.ItemID() != "reddit_1234567890" {
		t.Fatalf("payload accessors mismatch: %+v", got.Payload)
	}
}

func TestResourceIDPrefersItemID(t *testing.T) {
	m := Message{Operation: OpProcess, Payload: map[string]interface{}{
		"blob_path": "collections/x.json",
		"item_id":   "reddit_42",
	}}
	if m.ResourceID() != "reddit_42" {
		t.Fatalf("want item_id, got %q", m.ResourceID())
	}
	delete(m.Payload, "item_id")
	if m.ResourceID() != "collections/x.json" {
		t.Fatalf("want blob_path fallback, got %q", m.ResourceID())
	}
}

func TestDecodeMalformed(t *testing.T) {
	if _, err := Decode([]byte("{not json")); !errors.Is(err, ErrInvalid) {
		t.Fatalf("want ErrInvalid, got %v", err)
	}
}
