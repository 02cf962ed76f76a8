package collect

import (
	"context"

	"conveyor/internal/message"
	"conveyor/internal/stage"
)

// ReconcileStage handles the explicit discovery operation. Scanning for work
// is never a fallback path; it only happens when a reconcile message asks
// for it by name.
type ReconcileStage struct {
	Selector *Selector
}

var _ stage.Processor = (*ReconcileStage)(nil)

// Run implements stage.Processor. The selector enqueues process messages
// directly, so reconcile itself emits nothing.
func (r *ReconcileStage) Run(ctx context.Context, msg message.Message) (stage.Result, error) {
	if _, err := r.Selector.Run(ctx, msg.CorrelationID); err != nil {
		return stage.Result{}, stage.Transientf(err, "reconcile")
	}
	return stage.Result{}, nil
}
