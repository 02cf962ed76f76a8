// Package message defines the wire unit moved between pipeline stages.
//
// A message is a pointer to work, not the work itself: the payload carries a
// blob_path locator into the content store so queue messages stay small. The
// operation field is a closed enum the consumer switches on exhaustively; an
// unrecognized operation is a validation error, never a fallback path, and a
// message with a locator is never substituted by a storage scan. Discovery is
// its own named operation (OpReconcile).
package message

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Operation discriminates how a message is routed and processed.
type Operation string

// The closed set of operations.
const (
	// OpProcess enriches a collected raw item.
	OpProcess Operation = "process"
	// OpRender renders an enriched item to markdown.
	OpRender Operation = "render"
	// OpPublish publishes a rendered document into the site tree.
	OpPublish Operation = "publish"
	// OpGenerateSite rebuilds the static site from published documents.
	OpGenerateSite Operation = "generate_site"
	// OpWakeUp is a heartbeat no-op used to scale the fleet from zero.
	OpWakeUp Operation = "wake_up"
	// OpReconcile runs source discovery and enqueues ranked candidates.
	// It is the only operation allowed to scan for work.
	OpReconcile Operation = "reconcile"
)

// Operations returns the closed set of operations in declaration order.
func Operations() []Operation {
	return []Operation{OpProcess, OpRender, OpPublish, OpGenerateSite, OpWakeUp, OpReconcile}
}

// ErrInvalid marks validation failures. Messages failing validation are
// deleted immediately and never retried.
var ErrInvalid = errors.New("invalid message")

// ParseOperation validates s against the closed operation set.
func ParseOperation(s string) (Operation, error) {
	switch op := Operation(s); op {
	case OpProcess, OpRender, OpPublish, OpGenerateSite, OpWakeUp, OpReconcile:
		return op, nil
	default:
		return "", fmt.Errorf("%w: unknown operation %q", ErrInvalid, s)
	}
}

// NeedsLocator reports whether the operation requires payload.blob_path.
func (op Operation) NeedsLocator() bool {
	switch op {
	case OpProcess, OpRender, OpPublish:
		return true
	default:
		return false
	}
}

// Message is the JSON wire unit on the queue.
type Message struct {
	Operation     Operation              `json:"operation"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
	CorrelationID string                 `json:"correlation_id"`
	Reprocess     bool                   `json:"reprocess,omitempty"`
}

// BlobPath returns payload.blob_path, or "" when absent.
func (m Message) BlobPath() string {
	s, _ := m.Payload["blob_path"].(string)
	return s
}

// ItemID returns payload.item_id, or "" when absent.
func (m Message) ItemID() string {
	s, _ := m.Payload["item_id"].(string)
	return s
}

// ResourceID is the lease key for this message: the item id when present,
// otherwise the blob locator.
func (m Message) ResourceID() string {
	if id := m.ItemID(); id != "" {
		return id
	}
	return m.BlobPath()
}

// Validate checks the closed-enum and locator invariants.
func (m Message) Validate() error {
	if _, err := ParseOperation(string(m.Operation)); err != nil {
		return err
	}
	if m.Operation.NeedsLocator() && m.BlobPath() == "" {
		return fmt.Errorf("%w: operation %q requires payload.blob_path", ErrInvalid, m.Operation)
	}
	return nil
}

// Encode serializes the message to its JSON wire form.
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses the JSON wire form. It does not validate; consumers call
// Validate so malformed messages surface as validation errors, not decode
// panics.
func Decode(b []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return m, nil
}
