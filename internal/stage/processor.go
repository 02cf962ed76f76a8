package stage

import (
	"context"
	"fmt"
	"sort"

	"conveyor/internal/message"
)

// Emission describes one downstream message to send after a stage succeeds.
// The operation is the routing discriminator; the worker resolves the target
// queue through the Topology and rejects operations outside the closed set.
type Emission struct {
	Operation     message.Operation
	Payload       map[string]interface{}
	CorrelationID string
}

// Result is what a Processor hands back on success.
type Result struct {
	Emit []Emission
}

// Processor runs one stage's business step for a message. Implementations
// classify every failure as validation, transient, or permanent (see
// errors.go); the worker loop acts on the class, not the message text.
type Processor interface {
	Run(ctx context.Context, msg message.Message) (Result, error)
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, msg message.Message) (Result, error)

// Run implements Processor.
func (f ProcessorFunc) Run(ctx context.Context, msg message.Message) (Result, error) {
	return f(ctx, msg)
}

// Registry maps operations to processors. Dispatch on an operation without a
// registered processor is a validation error, never a fallback: an unknown
// message must surface, not trigger discovery behavior.
type Registry struct {
	procs map[message.Operation]Processor
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{procs: make(map[message.Operation]Processor)}
}

// Register binds op to p, replacing any previous binding.
func (r *Registry) Register(op message.Operation, p Processor) {
	r.procs[op] = p
}

// Dispatch runs the processor registered for the message's operation.
func (r *Registry) Dispatch(ctx context.Context, msg message.Message) (Result, error) {
	p, ok := r.procs[msg.Operation]
	if !ok {
		return Result{}, &ValidationError{Reason: fmt.Sprintf("no processor for operation %q", msg.Operation)}
	}
	return p.Run(ctx, msg)
}

// Operations returns the registered operations, sorted for stable logs.
func (r *Registry) Operations() []message.Operation {
	ops := make([]message.Operation, 0, len(r.procs))
	for op := range r.procs {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i] < ops[j] })
	return ops
}

// Topology maps each operation to the queue its messages travel on. Fan-out
// consults it when emitting; an operation missing from the topology is a
// configuration error caught at startup.
type Topology map[message.Operation]string

// DefaultTopology is the standard four-queue pipeline layout.
var DefaultTopology = Topology{
	message.OpProcess:      "process",
	message.OpRender:       "render",
	message.OpPublish:      "publish",
	message.OpGenerateSite: "site",
	message.OpWakeUp:       "process",
	message.OpReconcile:    "process",
}

// QueueFor resolves the queue for op.
func (t Topology) QueueFor(op message.Operation) (string, error) {
	q, ok := t[op]
	if !ok || q == "" {
		return "", fmt.Errorf("stage: no queue mapped for operation %q", op)
	}
	return q, nil
}

// Validate checks that every dispatchable operation has a queue.
func (t Topology) Validate() error {
	for _, op := range message.Operations() {
		if _, err := t.QueueFor(op); err != nil {
			return err
		}
	}
	return nil
}

// Queues returns the distinct queue names in the topology, sorted.
func (t Topology) Queues() []string {
	seen := make(map[string]struct{}, len(t))
	for _, q := range t {
		seen[q] = struct{}{}
	}
	queues := make([]string, 0, len(seen))
	for q := range seen {
		queues = append(queues, q)
	}
	sort.Strings(queues)
	return queues
}
