package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"conveyor/internal/message"
	logpkg "conveyor/pkg/log"
)

// AMQPQueue adapts the Queue contract to a RabbitMQ broker for deployments
// where worker replicas do not share a node. Unacked deliveries are invisible
// to other consumers until acked or nacked, which stands in for the
// visibility timeout; the worker's processing deadline bounds how long that
// lasts. The delivery count is carried in an x-delivery-count header bumped
// on every republish, since the broker's redelivered flag is only a bool.
type AMQPQueue struct {
	url      string
	maxBytes int
	backoff  Backoff
	logger   logpkg.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
	// declared remembers queues already declared on this channel.
	declared map[string]struct{}
}

// AMQPOptions configures the broker transport.
type AMQPOptions struct {
	URL             string
	MaxMessageBytes int
	Backoff         Backoff
}

const (
	deliveryCountHeader = "x-delivery-count"
	// notBeforeHeader delays redelivery of abandoned messages: Receive
	// requeues deliveries whose not-before timestamp is still in the future.
	notBeforeHeader = "x-not-before"
)

// NewAMQPQueue connects to the broker.
func NewAMQPQueue(opts AMQPOptions, logger logpkg.Logger) (*AMQPQueue, error) {
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if opts.Backoff.MaxAttempts == 0 {
		opts.Backoff = DefaultBackoff
	}
	if logger == nil {
		logger = logpkg.NewLogger()
	}
	q := &AMQPQueue{
		url:      opts.URL,
		maxBytes: opts.MaxMessageBytes,
		backoff:  opts.Backoff,
		logger:   logger.WithComponent("queue"),
		declared: make(map[string]struct{}),
	}
	if err := q.connectLocked(); err != nil {
		return nil, &TransportError{Op: "connect", Err: err}
	}
	return q, nil
}

var _ Queue = (*AMQPQueue)(nil)

func (q *AMQPQueue) connectLocked() error {
	conn, err := amqp.Dial(q.url)
	if err != nil {
		return fmt.Errorf("connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	q.conn = conn
	q.ch = ch
	q.declared = make(map[string]struct{})
	return nil
}

// Close shuts down the broker connection.
func (q *AMQPQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ch != nil {
		_ = q.ch.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}

func (q *AMQPQueue) ensureQueueLocked(queueName string) error {
	if _, ok := q.declared[queueName]; ok {
		return nil
	}
	for _, name := range []string{queueName, queueName + ".dlq"} {
		if _, err := q.ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", name, err)
		}
	}
	q.declared[queueName] = struct{}{}
	return nil
}

// reconnect tears down and redials; callers hold q.mu.
func (q *AMQPQueue) reconnectLocked() error {
	if q.ch != nil {
		_ = q.ch.Close()
	}
	if q.conn != nil {
		_ = q.conn.Close()
	}
	return q.connectLocked()
}

// publish sends body to queueName with the given delivery count header,
// retrying with backoff on broker failures. A positive notBeforeMs stamps
// the earliest redelivery time.
func (q *AMQPQueue) publish(ctx context.Context, queueName string, body []byte, deliveryCount int, notBeforeMs int64) error {
	headers := amqp.Table{deliveryCountHeader: int32(deliveryCount)}
	if notBeforeMs > 0 {
		headers[notBeforeHeader] = notBeforeMs
	}
	return q.backoff.Retry(ctx, "send", func() error {
		q.mu.Lock()
		defer q.mu.Unlock()
		if err := q.ensureQueueLocked(queueName); err != nil {
			return err
		}
		err := q.ch.PublishWithContext(ctx, "", queueName, false, false, amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			Body:         body,
			Timestamp:    time.Now(),
			Headers:      headers,
		})
		if err != nil {
			_ = q.reconnectLocked()
		}
		return err
	})
}

// Send implements Queue.
func (q *AMQPQueue) Send(ctx context.Context, queueName string, m message.Message) error {
	body, err := m.Encode()
	if err != nil {
		return err
	}
	if len(body) > q.maxBytes {
		return ErrTooLarge
	}
	return q.publish(ctx, queueName, body, 0, 0)
}

type amqpHandle struct {
	tag  uint64
	body []byte
	// deliveryCount is the count observed at receive time, kept so
	// DeadLetter and Abandon can carry it forward on republish.
	deliveryCount int
}

// Receive implements Queue using basic.get polling. The visibility argument
// is accepted for interface parity; the broker keeps the delivery invisible
// until it is acked or nacked.
func (q *AMQPQueue) Receive(ctx context.Context, queueName string, max int, _ time.Duration) ([]ReceivedMessage, error) {
	if max <= 0 {
		max = 1
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.ensureQueueLocked(queueName); err != nil {
		return nil, &TransportError{Op: "receive", Err: err}
	}

	out := make([]ReceivedMessage, 0, max)
	for len(out) < max {
		d, ok, err := q.ch.Get(queueName, false)
		if err != nil {
			_ = q.reconnectLocked()
			return nil, &TransportError{Op: "receive", Err: err}
		}
		if !ok {
			break
		}
		if ms, ok := headerInt64(d.Headers, notBeforeHeader); ok && ms > time.Now().UnixMilli() {
			// head-of-queue message still waiting out its retry delay;
			// requeue it and stop rather than spin on the same delivery
			_ = q.ch.Nack(d.DeliveryTag, false, true)
			break
		}
		count := 1
		if v, ok := d.Headers[deliveryCountHeader]; ok {
			if n, ok := v.(int32); ok {
				count = int(n) + 1
			}
		}
		if d.Redelivered && count == 1 {
			count = 2
		}
		m, errMsg := message.Decode(d.Body)
		if errMsg != nil {
			m = message.Message{}
		}
		out = append(out, ReceivedMessage{
			Message:      m,
			Queue:        queueName,
			DequeueCount: count,
			EnqueuedAt:   d.Timestamp,
			Raw:          append([]byte(nil), d.Body...),
			handle:       amqpHandle{tag: d.DeliveryTag, body: d.Body, deliveryCount: count},
		})
	}
	return out, nil
}

func (q *AMQPQueue) handleOf(rm ReceivedMessage) (amqpHandle, error) {
	h, ok := rm.handle.(amqpHandle)
	if !ok {
		return amqpHandle{}, fmt.Errorf("queue: receipt does not belong to this transport")
	}
	return h, nil
}

// Delete implements Queue by acking the delivery.
func (q *AMQPQueue) Delete(ctx context.Context, rm ReceivedMessage) error {
	h, err := q.handleOf(rm)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.ch.Ack(h.tag, false); err != nil {
		// Channel died: the unacked delivery was already requeued by the
		// broker, so the message no longer exists under this receipt.
		_ = q.reconnectLocked()
		return ErrNotFound
	}
	return nil
}

// Abandon implements Queue by acking the original delivery and republishing
// with the delivery count bumped, preserving bounded-retry accounting. The
// delay rides the not-before header since the broker cannot schedule
// redelivery natively.
func (q *AMQPQueue) Abandon(ctx context.Context, rm ReceivedMessage, visibleAfter time.Duration) error {
	h, err := q.handleOf(rm)
	if err != nil {
		return err
	}
	var notBeforeMs int64
	if visibleAfter > 0 {
		notBeforeMs = time.Now().Add(visibleAfter).UnixMilli()
	}
	if err := q.publish(ctx, rm.Queue, h.body, h.deliveryCount, notBeforeMs); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.ch.Ack(h.tag, false); err != nil {
		_ = q.reconnectLocked()
		return &TransportError{Op: "abandon", Err: err}
	}
	return nil
}

// DeadLetter implements Queue by publishing to the paired .dlq queue.
func (q *AMQPQueue) DeadLetter(ctx context.Context, rm ReceivedMessage, reason string) error {
	h, err := q.handleOf(rm)
	if err != nil {
		return err
	}
	err = q.backoff.Retry(ctx, "dead_letter", func() error {
		q.mu.Lock()
		defer q.mu.Unlock()
		if err := q.ensureQueueLocked(rm.Queue); err != nil {
			return err
		}
		return q.ch.PublishWithContext(ctx, "", rm.Queue+".dlq", false, false, amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			Body:         h.body,
			Timestamp:    time.Now(),
			Headers: amqp.Table{
				deliveryCountHeader: int32(h.deliveryCount),
				"x-dead-reason":     reason,
			},
		})
	})
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.ch.Ack(h.tag, false); err != nil {
		_ = q.reconnectLocked()
		return &TransportError{Op: "dead_letter", Err: err}
	}
	return nil
}

// ApproximateCount implements Queue via a passive queue inspection.
func (q *AMQPQueue) ApproximateCount(_ context.Context, queueName string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.ensureQueueLocked(queueName); err != nil {
		return 0, &TransportError{Op: "approximate_count", Err: err}
	}
	st, err := q.ch.QueueInspect(queueName)
	if err != nil {
		_ = q.reconnectLocked()
		return 0, &TransportError{Op: "approximate_count", Err: err}
	}
	return st.Messages, nil
}

// DeadLetterCount implements Queue.
func (q *AMQPQueue) DeadLetterCount(_ context.Context, queueName string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.ensureQueueLocked(queueName); err != nil {
		return 0, &TransportError{Op: "dead_letter_count", Err: err}
	}
	st, err := q.ch.QueueInspect(queueName + ".dlq")
	if err != nil {
		_ = q.reconnectLocked()
		return 0, &TransportError{Op: "dead_letter_count", Err: err}
	}
	return st.Messages, nil
}

// OldestAge implements Queue. The broker does not expose head-of-queue age,
// so this transport reports zero; depth remains the autoscale signal.
func (q *AMQPQueue) OldestAge(context.Context, string) (time.Duration, error) {
	return 0, nil
}

func headerInt64(h amqp.Table, key string) (int64, bool) {
	v, ok := h[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}
