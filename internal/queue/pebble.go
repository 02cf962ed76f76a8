package queue

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"conveyor/internal/message"
	pebblestore "conveyor/internal/storage/pebble"
	logpkg "conveyor/pkg/log"
)

// PebbleQueue is the embedded transport, persisting queues in the shared
// Pebble store. One instance serves every queue name; sequences are assigned
// under a mutex so a node is a single writer per queue.
type PebbleQueue struct {
	db       *pebblestore.DB
	maxBytes int
	logger   logpkg.Logger
	now      func() time.Time

	mu      sync.Mutex
	lastSeq map[string]uint64
	queues  map[string]struct{}

	sweepStop chan struct{}
	sweepWG   sync.WaitGroup
}

// PebbleOptions configures the embedded transport.
type PebbleOptions struct {
	// MaxMessageBytes caps the encoded wire size accepted by Send.
	MaxMessageBytes int
}

// DefaultMaxMessageBytes mirrors the 64 KiB ceiling common to hosted queue
// transports; the message is a pointer into the content store, so anything
// near this limit indicates payload smuggling.
const DefaultMaxMessageBytes = 64 << 10

// NewPebbleQueue creates the embedded transport over db.
func NewPebbleQueue(db *pebblestore.DB, opts PebbleOptions, logger logpkg.Logger) *PebbleQueue {
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if logger == nil {
		logger = logpkg.NewLogger()
	}
	return &PebbleQueue{
		db:       db,
		maxBytes: opts.MaxMessageBytes,
		logger:   logger.WithComponent("queue"),
		now:      time.Now,
		lastSeq:  make(map[string]uint64),
		queues:   make(map[string]struct{}),
	}
}

var _ Queue = (*PebbleQueue)(nil)

func (q *PebbleQueue) trackQueue(queueName string) {
	q.queues[queueName] = struct{}{}
}

// seqNext assigns the next sequence for a queue, restoring from metadata on
// first use after a restart.
func (q *PebbleQueue) seqNext(queueName string) uint64 {
	if _, ok := q.lastSeq[queueName]; !ok {
		if meta, err := q.db.Get(metaKey(queueName)); err == nil && len(meta) >= 8 {
			q.lastSeq[queueName] = decodeMetaSeq(meta)
		}
	}
	q.lastSeq[queueName]++
	return q.lastSeq[queueName]
}

// Send implements Queue.
func (q *PebbleQueue) Send(ctx context.Context, queueName string, m message.Message) error {
	body, err := m.Encode()
	if err != nil {
		return err
	}
	env := encodeEnvelope(nil, body)
	if len(env) > q.maxBytes {
		return ErrTooLarge
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.trackQueue(queueName)

	seq := q.seqNext(queueName)
	nowMs := q.now().UnixMilli()

	b := q.db.NewBatch()
	defer b.Close()
	if err := b.Set(msgKey(queueName, seq), env, nil); err != nil {
		return err
	}
	if err := b.Set(stateKey(queueName, seq), encodeState(state{enqueuedMs: nowMs}), nil); err != nil {
		return err
	}
	if err := b.Set(readyKey(queueName, seq), nil, nil); err != nil {
		return err
	}
	if err := b.Set(metaKey(queueName), q.encodeMeta(queueName, +1), nil); err != nil {
		return err
	}
	return q.db.CommitBatch(ctx, b)
}

// Receive implements Queue. Expired in-flight messages are promoted back to
// the ready index first, which is what redelivers after a visibility timeout.
func (q *PebbleQueue) Receive(ctx context.Context, queueName string, max int, visibility time.Duration) ([]ReceivedMessage, error) {
	if max <= 0 {
		max = 1
	}
	if visibility <= 0 {
		visibility = 30 * time.Second
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.trackQueue(queueName)

	now := q.now()
	if err := q.promoteDueLocked(ctx, queueName, now.UnixMilli()); err != nil {
		return nil, err
	}

	iter, err := q.db.PrefixIter(readyPrefix(queueName))
	if err != nil {
		return nil, &TransportError{Op: "receive", Err: err}
	}
	defer iter.Close()

	b := q.db.NewBatch()
	defer b.Close()
	visibleAt := now.Add(visibility)
	out := make([]ReceivedMessage, 0, max)

	for ok := iter.First(); ok && len(out) < max; ok = iter.Next() {
		seq := seqFromKey(iter.Key())
		env, errGet := q.db.Get(msgKey(queueName, seq))
		if errGet != nil {
			// orphaned index entry
			_ = b.Delete(iter.Key(), nil)
			continue
		}
		dec, okDec := decodeEnvelope(env)
		if !okDec {
			q.logger.Warn("dropping corrupt envelope", logpkg.F("queue", queueName), logpkg.F("seq", seq))
			_ = b.Delete(iter.Key(), nil)
			_ = b.Delete(msgKey(queueName, seq), nil)
			continue
		}
		msg, errMsg := message.Decode(dec.Body)
		if errMsg != nil {
			// Still deliver: the worker owns validation-failure handling.
			msg = message.Message{}
		}

		st, _ := q.loadState(queueName, seq)
		st.dequeueCount++
		st.visibleAtMs = visibleAt.UnixMilli()

		if err := b.Delete(iter.Key(), nil); err != nil {
			return nil, err
		}
		if err := b.Set(invisKey(queueName, st.visibleAtMs, seq), nil, nil); err != nil {
			return nil, err
		}
		if err := b.Set(stateKey(queueName, seq), encodeState(st), nil); err != nil {
			return nil, err
		}
		out = append(out, ReceivedMessage{
			Message:       msg,
			Queue:         queueName,
			DequeueCount:  int(st.dequeueCount),
			EnqueuedAt:    time.UnixMilli(st.enqueuedMs),
			NextVisibleAt: time.UnixMilli(st.visibleAtMs),
			Raw:           dec.Body,
			handle:        pebbleHandle{seq: seq},
		})
	}
	if len(out) == 0 {
		return out, nil
	}
	if err := q.db.CommitBatch(ctx, b); err != nil {
		return nil, &TransportError{Op: "receive", Err: err}
	}
	return out, nil
}

type pebbleHandle struct{ seq uint64 }

func (q *PebbleQueue) handleOf(rm ReceivedMessage) (pebbleHandle, error) {
	h, ok := rm.handle.(pebbleHandle)
	if !ok {
		return pebbleHandle{}, errors.New("queue: receipt does not belong to this transport")
	}
	return h, nil
}

// Delete implements Queue. Idempotent: a missing message yields ErrNotFound.
func (q *PebbleQueue) Delete(ctx context.Context, rm ReceivedMessage) error {
	h, err := q.handleOf(rm)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.removeLocked(ctx, rm.Queue, h.seq)
}

func (q *PebbleQueue) removeLocked(ctx context.Context, queueName string, seq uint64) error {
	if _, err := q.db.Get(msgKey(queueName, seq)); err != nil {
		if errors.Is(err, pebblestore.ErrNotFound) {
			return ErrNotFound
		}
		return &TransportError{Op: "delete", Err: err}
	}
	st, _ := q.loadState(queueName, seq)

	b := q.db.NewBatch()
	defer b.Close()
	_ = b.Delete(msgKey(queueName, seq), nil)
	_ = b.Delete(stateKey(queueName, seq), nil)
	_ = b.Delete(readyKey(queueName, seq), nil)
	if st.visibleAtMs > 0 {
		_ = b.Delete(invisKey(queueName, st.visibleAtMs, seq), nil)
	}
	if err := b.Set(metaKey(queueName), q.encodeMeta(queueName, -1), nil); err != nil {
		return err
	}
	return q.db.CommitBatch(ctx, b)
}

// Abandon implements Queue: the message is rescheduled to become visible
// after visibleAfter, or immediately when visibleAfter is zero.
func (q *PebbleQueue) Abandon(ctx context.Context, rm ReceivedMessage, visibleAfter time.Duration) error {
	h, err := q.handleOf(rm)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	st, ok := q.loadState(rm.Queue, h.seq)
	if !ok {
		return ErrNotFound
	}
	if st.visibleAtMs == 0 {
		return nil // already visible
	}
	b := q.db.NewBatch()
	defer b.Close()
	_ = b.Delete(invisKey(rm.Queue, st.visibleAtMs, h.seq), nil)
	if visibleAfter > 0 {
		st.visibleAtMs = q.now().Add(visibleAfter).UnixMilli()
		if err := b.Set(invisKey(rm.Queue, st.visibleAtMs, h.seq), nil, nil); err != nil {
			return err
		}
	} else {
		st.visibleAtMs = 0
		if err := b.Set(readyKey(rm.Queue, h.seq), nil, nil); err != nil {
			return err
		}
	}
	if err := b.Set(stateKey(rm.Queue, h.seq), encodeState(st), nil); err != nil {
		return err
	}
	return q.db.CommitBatch(ctx, b)
}

// DeadLetter implements Queue: the envelope moves to the DLQ with the reason
// recorded in its header, and leaves the live keyspace.
func (q *PebbleQueue) DeadLetter(ctx context.Context, rm ReceivedMessage, reason string) error {
	h, err := q.handleOf(rm)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	env, errGet := q.db.Get(msgKey(rm.Queue, h.seq))
	if errGet != nil {
		if errors.Is(errGet, pebblestore.ErrNotFound) {
			return ErrNotFound
		}
		return &TransportError{Op: "dead_letter", Err: errGet}
	}
	dec, okDec := decodeEnvelope(env)
	if !okDec {
		dec = envelope{Body: env}
	}
	st, _ := q.loadState(rm.Queue, h.seq)

	b := q.db.NewBatch()
	defer b.Close()
	if err := b.Set(dlqKey(rm.Queue, h.seq), encodeEnvelope([]byte(reason), dec.Body), nil); err != nil {
		return err
	}
	_ = b.Delete(msgKey(rm.Queue, h.seq), nil)
	_ = b.Delete(stateKey(rm.Queue, h.seq), nil)
	_ = b.Delete(readyKey(rm.Queue, h.seq), nil)
	if st.visibleAtMs > 0 {
		_ = b.Delete(invisKey(rm.Queue, st.visibleAtMs, h.seq), nil)
	}
	if err := b.Set(metaKey(rm.Queue), q.encodeMeta(rm.Queue, -1), nil); err != nil {
		return err
	}
	return q.db.CommitBatch(ctx, b)
}

// ApproximateCount implements Queue, reading the live counter from metadata.
func (q *PebbleQueue) ApproximateCount(_ context.Context, queueName string) (int, error) {
	meta, err := q.db.Get(metaKey(queueName))
	if err != nil {
		if errors.Is(err, pebblestore.ErrNotFound) {
			return 0, nil
		}
		return 0, &TransportError{Op: "approximate_count", Err: err}
	}
	return decodeMetaCount(meta), nil
}

// DeadLetterCount implements Queue.
func (q *PebbleQueue) DeadLetterCount(_ context.Context, queueName string) (int, error) {
	iter, err := q.db.PrefixIter(dlqPrefix(queueName))
	if err != nil {
		return 0, &TransportError{Op: "dead_letter_count", Err: err}
	}
	defer iter.Close()
	n := 0
	for ok := iter.First(); ok; ok = iter.Next() {
		n++
	}
	return n, nil
}

// DeadLetterEntry is a dead-lettered message and why it landed there.
type DeadLetterEntry struct {
	Message message.Message
	Reason  string
}

// ListDeadLetters returns up to limit dead-lettered messages for inspection.
func (q *PebbleQueue) ListDeadLetters(_ context.Context, queueName string, limit int) ([]DeadLetterEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	iter, err := q.db.PrefixIter(dlqPrefix(queueName))
	if err != nil {
		return nil, &TransportError{Op: "list_dead_letters", Err: err}
	}
	defer iter.Close()
	var out []DeadLetterEntry
	for ok := iter.First(); ok && len(out) < limit; ok = iter.Next() {
		dec, okDec := decodeEnvelope(iter.Value())
		if !okDec {
			continue
		}
		m, errMsg := message.Decode(dec.Body)
		if errMsg != nil {
			continue
		}
		out = append(out, DeadLetterEntry{Message: m, Reason: string(dec.Header)})
	}
	return out, nil
}

// OldestAge implements Queue: the age of the head of the ready index.
func (q *PebbleQueue) OldestAge(_ context.Context, queueName string) (time.Duration, error) {
	iter, err := q.db.PrefixIter(readyPrefix(queueName))
	if err != nil {
		return 0, &TransportError{Op: "oldest_age", Err: err}
	}
	defer iter.Close()
	if !iter.First() {
		return 0, nil
	}
	st, ok := q.loadState(queueName, seqFromKey(iter.Key()))
	if !ok {
		return 0, nil
	}
	age := q.now().Sub(time.UnixMilli(st.enqueuedMs))
	if age < 0 {
		age = 0
	}
	return age, nil
}

// promoteDueLocked returns expired in-flight messages to the ready index.
func (q *PebbleQueue) promoteDueLocked(ctx context.Context, queueName string, nowMs int64) error {
	iter, err := q.db.PrefixIter(invisPrefix(queueName))
	if err != nil {
		return &TransportError{Op: "promote", Err: err}
	}
	defer iter.Close()

	b := q.db.NewBatch()
	defer b.Close()
	promoted := 0
	prefixLen := len(invisPrefix(queueName))
	for ok := iter.First(); ok; ok = iter.Next() {
		key := iter.Key()
		if len(key) < prefixLen+16 {
			continue
		}
		visibleAt := int64(decodeBE64(key[prefixLen : prefixLen+8]))
		if visibleAt > nowMs {
			break // index is expiry-sorted
		}
		seq := seqFromKey(key)
		if err := b.Delete(key, nil); err != nil {
			return err
		}
		st, _ := q.loadState(queueName, seq)
		st.visibleAtMs = 0
		if err := b.Set(stateKey(queueName, seq), encodeState(st), nil); err != nil {
			return err
		}
		if err := b.Set(readyKey(queueName, seq), nil, nil); err != nil {
			return err
		}
		promoted++
	}
	if promoted == 0 {
		return nil
	}
	q.logger.Debug("redelivering expired messages", logpkg.F("queue", queueName), logpkg.F("count", promoted))
	return q.db.CommitBatch(ctx, b)
}

// StartSweeper runs a background loop promoting expired in-flight messages
// on every tracked queue, so redelivery does not depend on a concurrent
// Receive happening to run.
func (q *PebbleQueue) StartSweeper(interval time.Duration) {
	if q.sweepStop != nil {
		return
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	q.sweepStop = make(chan struct{})
	q.sweepWG.Add(1)
	go func() {
		defer q.sweepWG.Done()
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		for {
			select {
			case <-q.sweepStop:
				return
			case <-time.After(interval + time.Duration(rng.Int63n(int64(interval/10+1)))):
				q.mu.Lock()
				names := make([]string, 0, len(q.queues))
				for name := range q.queues {
					names = append(names, name)
				}
				nowMs := q.now().UnixMilli()
				for _, name := range names {
					_ = q.promoteDueLocked(context.Background(), name, nowMs)
				}
				q.mu.Unlock()
			}
		}
	}()
}

// StopSweeper stops the background sweeper.
func (q *PebbleQueue) StopSweeper() {
	if q.sweepStop != nil {
		close(q.sweepStop)
		q.sweepWG.Wait()
		q.sweepStop = nil
	}
}

func (q *PebbleQueue) loadState(queueName string, seq uint64) (state, bool) {
	raw, err := q.db.Get(stateKey(queueName, seq))
	if err != nil {
		return state{}, false
	}
	return decodeState(raw)
}

// encodeMeta re-encodes queue metadata with the live count adjusted by delta.
// Callers hold q.mu.
func (q *PebbleQueue) encodeMeta(queueName string, delta int) []byte {
	count := 0
	if meta, err := q.db.Get(metaKey(queueName)); err == nil {
		count = decodeMetaCount(meta)
	}
	count += delta
	if count < 0 {
		count = 0
	}
	var b [12]byte
	putBE64(b[0:8], q.lastSeq[queueName])
	putBE32(b[8:12], uint32(count))
	return b[:]
}
