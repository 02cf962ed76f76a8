// Package source defines the discovery capability and its adapters.
//
// The coordinator is agnostic to which adapters exist; it consumes only the
// uniform RawItem shape. Adapters normalize their upstream's fields and never
// rank or dedupe — that is the selector's job.
package source

import (
	"context"

	"conveyor/internal/stage"
)

// Source discovers candidate items from one upstream.
type Source interface {
	// Name identifies the adapter in logs and dedup records.
	Name() string
	// Discover returns the currently available candidates. An empty slice
	// means nothing new, not an error.
	Discover(ctx context.Context) ([]stage.RawItem, error)
}

// Static serves a fixed item set. Used for seeding and in tests.
type Static struct {
	SourceName string
	Items      []stage.RawItem
}

var _ Source = (*Static)(nil)

// Name implements Source.
func (s *Static) Name() string { return s.SourceName }

// Discover implements Source. The returned slice is a copy; callers may
// reorder it freely.
func (s *Static) Discover(_ context.Context) ([]stage.RawItem, error) {
	items := make([]stage.RawItem, len(s.Items))
	copy(items, s.Items)
	for i := range items {
		if items[i].Source == "" {
			items[i].Source = s.SourceName
		}
	}
	return items, nil
}
