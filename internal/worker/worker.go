// Package worker hosts the per-message state machine that drives the
// pipeline:
//
//	Received → DedupChecked → LeaseAcquired → Processing →
//	  {Succeeded→Deleted, TransientFailure→Abandoned, PermanentFailure→DeadLettered}
//
// One bad message never halts the loop: every per-message path is wrapped,
// failures are classified, and only transport-level errors pause polling.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"conveyor/internal/blob"
	"conveyor/internal/dedup"
	"conveyor/internal/lease"
	"conveyor/internal/message"
	"conveyor/internal/queue"
	"conveyor/internal/stage"
	logpkg "conveyor/pkg/log"
)

// Policy tunes one stage queue. The visibility timeout bounds how long a
// crashed worker can hide a message; the lease TTL bounds concurrent
// processing of one resource across replicas. Together they cap the maximum
// stuck duration of any single item.
type Policy struct {
	VisibilityTimeout time.Duration
	LeaseTTL          time.Duration
	MaxDequeueCount   int
}

// DefaultPolicy suits stages whose collaborator answers within a minute.
var DefaultPolicy = Policy{
	VisibilityTimeout: 2 * time.Minute,
	LeaseTTL:          2 * time.Minute,
	MaxDequeueCount:   5,
}

func (p Policy) withDefaults() Policy {
	if p.VisibilityTimeout <= 0 {
		p.VisibilityTimeout = DefaultPolicy.VisibilityTimeout
	}
	if p.LeaseTTL <= 0 {
		p.LeaseTTL = p.VisibilityTimeout
	}
	if p.MaxDequeueCount <= 0 {
		p.MaxDequeueCount = DefaultPolicy.MaxDequeueCount
	}
	return p
}

// deadline keeps the processing budget strictly inside the visibility
// timeout so a slow collaborator call is cancelled before the message
// reappears for someone else.
func (p Policy) deadline() time.Duration {
	return p.VisibilityTimeout * 7 / 10
}

// renewEvery paces lease renewal during long collaborator calls.
func (p Policy) renewEvery() time.Duration {
	return p.LeaseTTL * 3 / 10
}

// retryDelay spaces redeliveries of a transiently failed message so a down
// collaborator does not burn the whole dequeue-count budget in a tight loop.
// Delays grow with the delivery count, capped at the visibility timeout.
func (p Policy) retryDelay(dequeueCount int) time.Duration {
	b := queue.Backoff{Initial: p.VisibilityTimeout / 4, Max: p.VisibilityTimeout}
	if dequeueCount < 1 {
		dequeueCount = 1
	}
	return b.Delay(dequeueCount - 1)
}

// Options configures a Worker.
type Options struct {
	// Queues lists the queue names to poll, in priority order. Empty means
	// every queue in the worker's topology.
	Queues []string
	// Policies overrides per-queue tuning; missing queues use Default.
	Policies map[string]Policy
	// Default applies to queues without an explicit policy.
	Default Policy
	// PollInterval is the sleep between empty polls.
	PollInterval time.Duration
	// BatchSize is the Receive batch, per queue per poll.
	BatchSize int
	// DedupWindow suppresses reprocessing of identical content.
	DedupWindow time.Duration
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 4
	}
	if o.DedupWindow <= 0 {
		o.DedupWindow = 24 * time.Hour
	}
	o.Default = o.Default.withDefaults()
	return o
}

func (o Options) policyFor(queueName string) Policy {
	if p, ok := o.Policies[queueName]; ok {
		return p.withDefaults()
	}
	return o.Default
}

// Worker polls stage queues and runs the state machine per message.
type Worker struct {
	id       string
	opts     Options
	queue    queue.Queue
	registry *stage.Registry
	topology stage.Topology
	dedup    *dedup.Store
	leases   *lease.Coordinator
	store    stage.ContentStore
	logger   logpkg.Logger
}

// New wires a worker. id must be unique per worker goroutine across the
// fleet; it is the lease holder identity.
func New(id string, opts Options, q queue.Queue, reg *stage.Registry, topo stage.Topology, ds *dedup.Store, lc *lease.Coordinator, store stage.ContentStore, logger logpkg.Logger) *Worker {
	if logger == nil {
		logger = logpkg.NewLogger()
	}
	opts = opts.withDefaults()
	if len(opts.Queues) == 0 {
		// a worker with no explicit queue list polls every queue the
		// topology routes to
		opts.Queues = topo.Queues()
	}
	return &Worker{
		id:       id,
		opts:     opts,
		queue:    q,
		registry: reg,
		topology: topo,
		dedup:    ds,
		leases:   lc,
		store:    store,
		logger:   logger.WithComponent("worker").With(logpkg.F("worker_id", id)),
	}
}

// Run polls until ctx is cancelled. It tolerates starting with zero prior
// state and being killed mid-message.
func (w *Worker) Run(ctx context.Context) {
	for {
		processed := w.pollOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if processed == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.opts.PollInterval):
			}
		}
	}
}

// pollOnce receives one batch from each queue and handles every message.
// Returns the number of messages handled.
func (w *Worker) pollOnce(ctx context.Context) int {
	handled := 0
	for _, queueName := range w.opts.Queues {
		if ctx.Err() != nil {
			return handled
		}
		policy := w.opts.policyFor(queueName)
		msgs, err := w.queue.Receive(ctx, queueName, w.opts.BatchSize, policy.VisibilityTimeout)
		if err != nil {
			// transport trouble: pause this round rather than spin
			w.logger.Warn("receive failed", logpkg.F("queue", queueName), logpkg.Err(err))
			return handled
		}
		for _, rm := range msgs {
			w.handle(ctx, rm, policy)
			handled++
		}
	}
	return handled
}

// handle runs the full state machine for one received message. It never
// returns an error: every outcome is acted on here.
func (w *Worker) handle(ctx context.Context, rm queue.ReceivedMessage, policy Policy) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("processor panicked",
				logpkg.F("queue", rm.Queue),
				logpkg.F("operation", string(rm.Message.Operation)),
				logpkg.F("panic", fmt.Sprint(r)))
			w.failTransient(ctx, rm, policy, fmt.Errorf("panic: %v", r))
		}
	}()

	msg := rm.Message
	log := w.logger.With(
		logpkg.F("queue", rm.Queue),
		logpkg.F("operation", string(msg.Operation)),
		logpkg.F("correlation_id", msg.CorrelationID),
		logpkg.F("dequeue_count", rm.DequeueCount))

	if err := msg.Validate(); err != nil {
		log.Error("message failed validation, dropping", logpkg.Err(err))
		w.deleteQuiet(ctx, rm)
		return
	}

	// Dedup before any paid work. Only enrichment spends money, so only
	// process messages are checked. Explicit re-run triggers still load and
	// validate the blob but skip the duplicate lookup: suppressing a
	// reprocess request would make it a no-op for exactly the items it
	// targets.
	var contentHash, contentSource string
	if msg.Operation == message.OpProcess {
		hash, src, outcome, checkErr := w.dedupCheck(ctx, rm, log)
		switch outcome {
		case dedupDuplicate:
			log.Info("duplicate item, dropping", logpkg.F("item_id", msg.ItemID()))
			w.deleteQuiet(ctx, rm)
			return
		case dedupInvalid:
			w.deleteQuiet(ctx, rm)
			return
		case dedupRetry:
			w.failTransient(ctx, rm, policy, checkErr)
			return
		}
		contentHash, contentSource = hash, src
	}

	resource := leaseResource(msg)
	if resource != "" {
		ok, err := w.leases.Acquire(ctx, resource, w.id, policy.LeaseTTL)
		if err != nil {
			log.Warn("lease acquire failed", logpkg.Err(err))
			w.failTransient(ctx, rm, policy, err)
			return
		}
		if !ok {
			// normal outcome: someone else owns this item right now
			log.Debug("lease contention, dropping", logpkg.F("resource", resource))
			w.deleteQuiet(ctx, rm)
			return
		}
		defer func() {
			if err := w.leases.Release(context.Background(), resource, w.id); err != nil {
				log.Warn("lease release failed", logpkg.Err(err))
			}
		}()
	}

	result, err := w.process(ctx, msg, resource, policy)
	if err != nil {
		switch {
		case stage.IsValidation(err):
			log.Error("validation failure, dropping", logpkg.Err(err))
			w.deleteQuiet(ctx, rm)
		case stage.IsPermanent(err):
			log.Error("permanent failure, dead-lettering", logpkg.Err(err))
			w.deadLetterQuiet(ctx, rm, err.Error())
		default:
			log.Warn("transient failure", logpkg.Err(err))
			w.failTransient(ctx, rm, policy, err)
		}
		return
	}

	// Emit before recording dedup: if the send fails the whole step retries,
	// and a premature dedup record would make that retry drop the item
	// without ever emitting.
	if err := w.emit(ctx, result.Emit); err != nil {
		log.Warn("emit failed", logpkg.Err(err))
		w.failTransient(ctx, rm, policy, err)
		return
	}
	if contentHash != "" {
		if err := w.dedup.Record(ctx, contentHash, contentSource, time.Now()); err != nil {
			log.Warn("dedup record failed", logpkg.Err(err))
		}
	}
	w.deleteQuiet(ctx, rm)
	log.Info("message processed", logpkg.F("emitted", len(result.Emit)))
}

// process runs the stage processor under its deadline, renewing the lease on
// a timer until the processor returns.
func (w *Worker) process(ctx context.Context, msg message.Message, resource string, policy Policy) (stage.Result, error) {
	procCtx, cancel := context.WithTimeout(ctx, policy.deadline())
	defer cancel()

	var renewWG sync.WaitGroup
	if resource != "" {
		renewWG.Add(1)
		go func() {
			defer renewWG.Done()
			ticker := time.NewTicker(policy.renewEvery())
			defer ticker.Stop()
			for {
				select {
				case <-procCtx.Done():
					return
				case <-ticker.C:
					ok, err := w.leases.Renew(procCtx, resource, w.id, policy.LeaseTTL)
					if err == nil && !ok {
						// lease lost: abort immediately to avoid duplicate
						// side effects
						cancel()
						return
					}
				}
			}
		}()
	}

	result, err := w.registry.Dispatch(procCtx, msg)
	cancel() // stops the renewer the instant the processor returns
	renewWG.Wait()

	if err == nil && procCtx.Err() == context.DeadlineExceeded {
		return stage.Result{}, stage.Transientf(procCtx.Err(), "deadline expired")
	}
	return result, err
}

type dedupOutcome int

const (
	dedupFresh dedupOutcome = iota
	dedupDuplicate
	dedupInvalid
	dedupRetry
)

// dedupCheck loads the raw item and consults the dedup store. The blob read
// is cheap local I/O; the point is to spend nothing on enrichment for
// content we already handled. A retry outcome carries the cause so the
// caller can route it through the bounded-retry path.
func (w *Worker) dedupCheck(ctx context.Context, rm queue.ReceivedMessage, log logpkg.Logger) (string, string, dedupOutcome, error) {
	raw, err := w.store.Get(ctx, rm.Message.BlobPath())
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			// the referenced content is gone; redelivery cannot bring it back
			log.Error("raw item blob missing, dropping", logpkg.Err(err))
			return "", "", dedupInvalid, nil
		}
		log.Warn("raw item unavailable for dedup check", logpkg.Err(err))
		return "", "", dedupRetry, err
	}
	var item stage.RawItem
	if err := json.Unmarshal(raw, &item); err != nil || item.Title == "" || item.Source == "" {
		log.Error("raw item malformed, dropping", logpkg.Err(err))
		return "", "", dedupInvalid, nil
	}
	hash := dedup.Hash(item.Title, item.Source, dedup.BodyDigest(item.Body))
	if rm.Message.Reprocess {
		return hash, item.Source, dedupFresh, nil
	}
	dup, err := w.dedup.IsDuplicate(ctx, hash, w.opts.DedupWindow)
	if err != nil {
		log.Warn("dedup check failed", logpkg.Err(err))
		return "", "", dedupRetry, err
	}
	if dup {
		return hash, item.Source, dedupDuplicate, nil
	}
	return hash, item.Source, dedupFresh, nil
}

// emit sends the fan-out messages. Operations are validated against the
// closed set and the topology before anything is sent.
func (w *Worker) emit(ctx context.Context, emissions []stage.Emission) error {
	for _, e := range emissions {
		if _, err := message.ParseOperation(string(e.Operation)); err != nil {
			return err
		}
		queueName, err := w.topology.QueueFor(e.Operation)
		if err != nil {
			return err
		}
		msg := message.Message{
			Operation:     e.Operation,
			Payload:       e.Payload,
			CorrelationID: e.CorrelationID,
		}
		if err := msg.Validate(); err != nil {
			return err
		}
		if err := w.queue.Send(ctx, queueName, msg); err != nil {
			return err
		}
	}
	return nil
}

// failTransient routes a retryable failure: dead-letter once the retry
// budget is spent, otherwise abandon with a backoff so the message is not
// redelivered instantly.
func (w *Worker) failTransient(ctx context.Context, rm queue.ReceivedMessage, policy Policy, cause error) {
	if rm.DequeueCount >= policy.MaxDequeueCount {
		w.deadLetterQuiet(ctx, rm, fmt.Sprintf("retry budget exhausted after %d deliveries: %v", rm.DequeueCount, cause))
		return
	}
	w.abandonQuiet(ctx, rm, policy.retryDelay(rm.DequeueCount))
}

func (w *Worker) deleteQuiet(ctx context.Context, rm queue.ReceivedMessage) {
	if err := w.queue.Delete(ctx, rm); err != nil && !errors.Is(err, queue.ErrNotFound) {
		w.logger.Warn("delete failed", logpkg.F("queue", rm.Queue), logpkg.Err(err))
	}
}

func (w *Worker) abandonQuiet(ctx context.Context, rm queue.ReceivedMessage, visibleAfter time.Duration) {
	if err := w.queue.Abandon(ctx, rm, visibleAfter); err != nil && !errors.Is(err, queue.ErrNotFound) {
		w.logger.Warn("abandon failed", logpkg.F("queue", rm.Queue), logpkg.Err(err))
	}
}

func (w *Worker) deadLetterQuiet(ctx context.Context, rm queue.ReceivedMessage, reason string) {
	if err := w.queue.DeadLetter(ctx, rm, reason); err != nil && !errors.Is(err, queue.ErrNotFound) {
		w.logger.Warn("dead-letter failed", logpkg.F("queue", rm.Queue), logpkg.Err(err))
	}
}

// leaseResource picks the mutual-exclusion key for a message. Item-bearing
// operations lease the item scoped by operation, so a lingering upstream
// lease never blocks the item's own downstream stage. The singleton
// operations lease a fixed name regardless of payload, so only one replica
// runs them at a time. Wake-ups need no lease.
func leaseResource(msg message.Message) string {
	switch msg.Operation {
	case message.OpGenerateSite:
		return "site"
	case message.OpReconcile:
		return "reconcile"
	case message.OpWakeUp:
		return ""
	}
	if r := msg.ResourceID(); r != "" {
		return string(msg.Operation) + "/" + r
	}
	return ""
}
