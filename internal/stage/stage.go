// Package stage defines the per-operation business steps and the collaborator
// boundaries they call across.
//
// A Processor wraps exactly one external collaborator call (blob storage,
// enrichment API, renderer, publisher) and reports what to emit next. It
// never touches the queue, the dedup store, or the leases; the worker loop
// owns those.
package stage

import (
	"context"
	"time"
)

// RawItem is a collected item as discovered from a source, before enrichment.
type RawItem struct {
	ItemID      string    `json:"item_id"`
	Title       string    `json:"title"`
	Source      string    `json:"source"`
	URL         string    `json:"url,omitempty"`
	Body        string    `json:"body"`
	Engagement  float64   `json:"engagement"`
	Quality     float64   `json:"quality"`
	PublishedAt time.Time `json:"published_at,omitempty"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// EnrichedItem is the output of the enrichment stage.
type EnrichedItem struct {
	ItemID   string   `json:"item_id"`
	Title    string   `json:"title"`
	Source   string   `json:"source"`
	URL      string   `json:"url,omitempty"`
	Summary  string   `json:"summary"`
	Body     string   `json:"body"`
	Tags     []string `json:"tags,omitempty"`
	CostUSD  float64  `json:"cost_usd"`
	Model    string   `json:"model,omitempty"`
	Sections []string `json:"sections,omitempty"`
}

// MarkdownDoc is a rendered document ready for publishing.
type MarkdownDoc struct {
	ItemID   string `json:"item_id"`
	Path     string `json:"path"`
	Content  string `json:"content"`
	Title    string `json:"title"`
	Checksum string `json:"checksum,omitempty"`
}

// ContentStore is the blob storage boundary. Locators are opaque paths like
// "collections/2025-10-06/item-123.json".
type ContentStore interface {
	Get(ctx context.Context, locator string) ([]byte, error)
	Put(ctx context.Context, locator string, data []byte) error
}

// Enricher is the AI-call boundary. It must return the incurred cost even on
// partial success so spend is observable either way.
type Enricher interface {
	Enrich(ctx context.Context, item RawItem) (EnrichedItem, float64, error)
}

// Renderer turns an enriched item into a publishable document. No I/O.
type Renderer interface {
	Render(item EnrichedItem) MarkdownDoc
}

// Publisher pushes a rendered document downstream.
type Publisher interface {
	Publish(ctx context.Context, doc MarkdownDoc) error
}

// SiteBuilder regenerates the static site after publishes land.
type SiteBuilder interface {
	BuildSite(ctx context.Context) error
}
