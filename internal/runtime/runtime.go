// Package runtime wires storage, transports, and pipeline components for a
// single node.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"conveyor/internal/autoscale"
	"conveyor/internal/blob"
	"conveyor/internal/collect"
	cfgpkg "conveyor/internal/config"
	"conveyor/internal/dedup"
	"conveyor/internal/lease"
	"conveyor/internal/message"
	"conveyor/internal/queue"
	"conveyor/internal/score"
	"conveyor/internal/source"
	"conveyor/internal/stage"
	"conveyor/internal/stage/enrich"
	"conveyor/internal/stage/render"
	pebblestore "conveyor/internal/storage/pebble"
	"conveyor/internal/worker"
	"conveyor/pkg/id"
	logpkg "conveyor/pkg/log"
)

// Runtime holds one node's wired components.
type Runtime struct {
	cfg    cfgpkg.Config
	logger logpkg.Logger

	db       *pebblestore.DB
	queue    queue.Queue
	pebbleQ  *queue.PebbleQueue // nil on the amqp transport
	dedup    *dedup.Store
	leases   *lease.Coordinator
	topology stage.Topology
	selector *collect.Selector
	pool     *worker.Pool
	advisor  *autoscale.Advisor
	idGen    *id.Generator

	started bool
}

// Open builds the runtime from configuration. Nothing runs until Start.
func Open(cfg cfgpkg.Config, logger logpkg.Logger) (*Runtime, error) {
	if logger == nil {
		logger = logpkg.NewLogger()
	}
	db, err := pebblestore.Open(pebblestore.Options{
		DataDir: cfg.Storage.DataDir,
		Fsync:   fsyncMode(cfg.Storage.Fsync),
	})
	if err != nil {
		return nil, fmt.Errorf("runtime: open storage: %w", err)
	}

	rt := &Runtime{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		dedup:    dedup.NewStore(db, logger),
		leases:   lease.NewCoordinator(db, logger),
		topology: stage.DefaultTopology,
		advisor:  autoscale.NewAdvisor(cfg.Autoscale),
		idGen:    id.NewGenerator(),
	}

	switch cfg.Transport.Kind {
	case "pebble":
		pq := queue.NewPebbleQueue(db, queue.PebbleOptions{MaxMessageBytes: cfg.Transport.MaxMessageBytes}, logger)
		rt.queue, rt.pebbleQ = pq, pq
	case "amqp":
		aq, err := queue.NewAMQPQueue(queue.AMQPOptions{
			URL:             cfg.Transport.URL,
			MaxMessageBytes: cfg.Transport.MaxMessageBytes,
			Backoff:         queue.DefaultBackoff,
		}, logger)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("runtime: connect amqp: %w", err)
		}
		rt.queue = aq
	default:
		db.Close()
		return nil, fmt.Errorf("runtime: unknown transport kind %q", cfg.Transport.Kind)
	}

	store, err := blob.NewFS(cfg.Blob.Root)
	if err != nil {
		rt.closeTransport()
		db.Close()
		return nil, err
	}
	publisher, err := stage.NewFSPublisher(cfg.Site.Root)
	if err != nil {
		rt.closeTransport()
		db.Close()
		return nil, err
	}

	filter, err := score.NewFilter(cfg.Scoring.Filter)
	if err != nil {
		rt.closeTransport()
		db.Close()
		return nil, fmt.Errorf("runtime: scoring filter: %w", err)
	}

	var sources []source.Source
	for _, sc := range cfg.Selection.Sources {
		switch sc.Kind {
		case "rss":
			sources = append(sources, source.NewRSS(sc.Name, sc.URL, sc.Quality))
		default:
			rt.closeTransport()
			db.Close()
			return nil, fmt.Errorf("runtime: source %s: unknown kind %q", sc.Name, sc.Kind)
		}
	}
	processQueue, err := rt.topology.QueueFor(message.OpProcess)
	if err != nil {
		rt.closeTransport()
		db.Close()
		return nil, err
	}
	rt.selector = collect.NewSelector(sources, rt.dedup, cfg.Scoring.Weights, store, rt.queue, processQueue, cfg.Selection.Window, logger)
	rt.selector.Filter = filter
	rt.selector.MaxPerRun = cfg.Selection.MaxPerRun

	registry := stage.NewRegistry()
	registry.Register(message.OpProcess, stage.NewProcessStage(store, enrich.NewClient(cfg.Enrich), logger))
	registry.Register(message.OpRender, stage.NewRenderStage(store, render.NewMarkdown(cfg.Site.Section), logger))
	registry.Register(message.OpPublish, stage.NewPublishStage(store, publisher, logger))
	registry.Register(message.OpGenerateSite, stage.NewSiteStage(publisher, logger))
	registry.Register(message.OpWakeUp, stage.WakeUpStage{})
	registry.Register(message.OpReconcile, &collect.ReconcileStage{Selector: rt.selector})

	policies := make(map[string]worker.Policy, len(cfg.Stages))
	for name, p := range cfg.Stages {
		policies[name] = worker.Policy{
			VisibilityTimeout: p.VisibilityTimeout,
			LeaseTTL:          p.LeaseTTL,
			MaxDequeueCount:   p.MaxDequeueCount,
		}
	}
	opts := worker.Options{
		Queues:       rt.topology.Queues(),
		Policies:     policies,
		PollInterval: cfg.Workers.PollInterval,
		BatchSize:    cfg.Workers.BatchSize,
		DedupWindow:  cfg.Workers.DedupWindow,
	}
	nodeID := fmt.Sprintf("node-%s", rt.idGen.Next())
	rt.pool = worker.NewPool(cfg.Workers.Count, nodeID, opts, rt.queue, registry, rt.topology, rt.dedup, rt.leases, store, logger)

	return rt, nil
}

func fsyncMode(s string) pebblestore.FsyncMode {
	switch s {
	case "always":
		return pebblestore.FsyncModeAlways
	case "never":
		return pebblestore.FsyncModeNever
	default:
		return pebblestore.FsyncModeInterval
	}
}

// Start launches workers and background sweepers.
func (r *Runtime) Start(ctx context.Context) {
	if r.started {
		return
	}
	r.started = true
	if r.pebbleQ != nil {
		r.pebbleQ.StartSweeper(500 * time.Millisecond)
	}
	r.dedup.StartSweeper(time.Minute, r.cfg.Workers.DedupWindow, 1024)
	r.leases.StartSweeper(30*time.Second, 1024)
	r.pool.Start(ctx)
	r.logger.Info("runtime started",
		logpkg.F("workers", r.pool.Size()),
		logpkg.F("transport", r.cfg.Transport.Kind))
}

// Stop halts workers and sweepers. The runtime can be started again.
func (r *Runtime) Stop() {
	if !r.started {
		return
	}
	r.pool.Stop()
	r.leases.StopSweeper()
	r.dedup.StopSweeper()
	if r.pebbleQ != nil {
		r.pebbleQ.StopSweeper()
	}
	r.started = false
}

func (r *Runtime) closeTransport() {
	if aq, ok := r.queue.(*queue.AMQPQueue); ok {
		_ = aq.Close()
	}
}

// Close stops everything and releases storage.
func (r *Runtime) Close() error {
	r.Stop()
	r.closeTransport()
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

// CheckHealth verifies the storage is readable.
func (r *Runtime) CheckHealth(_ context.Context) error {
	if r.db == nil {
		return errors.New("runtime: db not open")
	}
	it, err := r.db.NewIter(nil)
	if err != nil {
		return err
	}
	return it.Close()
}

// Enqueue validates and sends a message on its operation's queue, returning
// the correlation id (generated when absent).
func (r *Runtime) Enqueue(ctx context.Context, msg message.Message) (string, error) {
	if msg.CorrelationID == "" {
		msg.CorrelationID = fmt.Sprintf("run_%s", r.idGen.Next())
	}
	if err := msg.Validate(); err != nil {
		return "", err
	}
	queueName, err := r.topology.QueueFor(msg.Operation)
	if err != nil {
		return "", err
	}
	if err := r.queue.Send(ctx, queueName, msg); err != nil {
		return "", err
	}
	return msg.CorrelationID, nil
}

// Reprocess enqueues an explicit reprocess of a stored item. The locator is
// mandatory; reprocessing never falls back to scanning storage.
func (r *Runtime) Reprocess(ctx context.Context, blobPath, itemID string) (string, error) {
	msg := message.Message{
		Operation: message.OpProcess,
		Payload: map[string]interface{}{
			"blob_path": blobPath,
			"item_id":   itemID,
		},
		Reprocess: true,
	}
	return r.Enqueue(ctx, msg)
}

// Status is the read-only snapshot served to operators and external scalers.
type Status struct {
	QueueDepth          int            `json:"queue_depth"`
	QueueDepths         map[string]int `json:"queue_depths"`
	OldestMessageAgeSec float64        `json:"oldest_message_age_sec"`
	ActiveLeases        int            `json:"active_leases"`
	DedupHitsLastWindow int            `json:"dedup_hits_last_window"`
	DeadLetterDepth     int            `json:"dead_letter_depth"`
	DesiredReplicas     int            `json:"desired_replicas"`
}

// Status gathers the observability snapshot. Counts are best-effort; a
// failing queue read degrades to zero rather than failing the endpoint.
func (r *Runtime) Status(ctx context.Context) (Status, error) {
	st := Status{QueueDepths: make(map[string]int)}
	var oldest time.Duration
	for _, q := range r.topology.Queues() {
		depth, err := r.queue.ApproximateCount(ctx, q)
		if err != nil {
			r.logger.Warn("depth unavailable", logpkg.F("queue", q), logpkg.Err(err))
			continue
		}
		st.QueueDepths[q] = depth
		st.QueueDepth += depth
		if age, err := r.queue.OldestAge(ctx, q); err == nil && age > oldest {
			oldest = age
		}
		if dlq, err := r.queue.DeadLetterCount(ctx, q); err == nil {
			st.DeadLetterDepth += dlq
		}
	}
	st.OldestMessageAgeSec = oldest.Seconds()

	if n, err := r.leases.ActiveCount(ctx); err == nil {
		st.ActiveLeases = n
	}
	if n, err := r.dedup.HitsInWindow(ctx, r.cfg.Workers.DedupWindow); err == nil {
		st.DedupHitsLastWindow = n
	}
	st.DesiredReplicas = r.advisor.Desired(st.QueueDepth)
	return st, nil
}

// DeadLetters lists dead-lettered messages for inspection. Only the pebble
// transport stores inspectable dead letters locally.
func (r *Runtime) DeadLetters(ctx context.Context, queueName string, limit int) ([]queue.DeadLetterEntry, error) {
	if r.pebbleQ == nil {
		return nil, errors.New("runtime: dead-letter inspection requires the pebble transport")
	}
	return r.pebbleQ.ListDeadLetters(ctx, queueName, limit)
}

// Config returns the runtime configuration.
func (r *Runtime) Config() cfgpkg.Config { return r.cfg }
