package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"conveyor/internal/message"
)

// Sentinel errors. ErrNotFound is distinguishable from transport failures so
// callers can treat deleting an already-deleted message as success.
var (
	ErrNotFound = errors.New("queue: message not found")
	ErrTooLarge = errors.New("queue: payload exceeds transport size limit")
)

// TransportError wraps failures of the underlying transport (broker
// unreachable, auth failure) after retries are exhausted. The worker loop
// pauses polling on these instead of crashing.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("queue: %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// IsTransport reports whether err is a transport-layer failure.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// ReceivedMessage is a dequeued message plus its transport metadata.
type ReceivedMessage struct {
	Message message.Message
	Queue   string
	// DequeueCount is how many times the message has been delivered,
	// including this delivery. It bounds retries before dead-lettering.
	DequeueCount  int
	EnqueuedAt    time.Time
	NextVisibleAt time.Time
	// Raw holds the exact wire bytes for byte-for-byte round trips.
	Raw []byte

	handle interface{} // transport-private receipt
}

// Queue is the uniform transport contract.
type Queue interface {
	// Send serializes and enqueues m. Fails with ErrTooLarge when the wire
	// form exceeds the transport limit; never truncates.
	Send(ctx context.Context, queueName string, m message.Message) error

	// Receive returns up to max messages, hiding each for the visibility
	// timeout. An empty queue yields an empty slice, not an error.
	Receive(ctx context.Context, queueName string, max int, visibility time.Duration) ([]ReceivedMessage, error)

	// Delete removes a message on terminal success. Deleting an expired or
	// already-deleted message returns ErrNotFound.
	Delete(ctx context.Context, rm ReceivedMessage) error

	// Abandon returns the message for redelivery after visibleAfter has
	// elapsed; zero makes it visible immediately. Callers retrying a
	// failed collaborator pass a backoff here so the retry budget is not
	// burned in a tight loop.
	Abandon(ctx context.Context, rm ReceivedMessage, visibleAfter time.Duration) error

	// DeadLetter moves the message to the queue's dead-letter store.
	DeadLetter(ctx context.Context, rm ReceivedMessage, reason string) error

	// ApproximateCount is the best-effort live depth, used only for
	// observability and autoscale signaling.
	ApproximateCount(ctx context.Context, queueName string) (int, error)

	// DeadLetterCount is the best-effort dead-letter depth.
	DeadLetterCount(ctx context.Context, queueName string) (int, error)

	// OldestAge is the age of the oldest visible message, zero when empty.
	OldestAge(ctx context.Context, queueName string) (time.Duration, error)
}

// Backoff is a bounded exponential backoff policy for transport retries.
type Backoff struct {
	Initial     time.Duration
	Max         time.Duration
	MaxAttempts int
}

// DefaultBackoff matches the transport retry posture used across the stack.
var DefaultBackoff = Backoff{Initial: 200 * time.Millisecond, Max: 5 * time.Second, MaxAttempts: 4}

// Delay returns the sleep before the given attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Initial
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= b.Max {
			return b.Max
		}
	}
	return d
}

// Retry runs fn up to MaxAttempts times with exponential delays between
// attempts, stopping early on success or context cancellation.
func (b Backoff) Retry(ctx context.Context, op string, fn func() error) error {
	attempts := b.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var last error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return &TransportError{Op: op, Err: ctx.Err()}
			case <-time.After(b.Delay(attempt - 1)):
			}
		}
		if last = fn(); last == nil {
			return nil
		}
		// Logical errors are not retried at this layer.
		if errors.Is(last, ErrNotFound) || errors.Is(last, ErrTooLarge) {
			return last
		}
	}
	return &TransportError{Op: op, Err: last}
}
