package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"conveyor/internal/message"
	logpkg "conveyor/pkg/log"
)

// enrichedLocator derives the blob path for the enriched form of a raw item.
func enrichedLocator(itemID string, t time.Time) string {
	return fmt.Sprintf("enriched/%s/%s.json", t.UTC().Format("2006-01-02"), itemID)
}

// markdownLocator derives the blob path for the rendered form.
func markdownLocator(itemID string, t time.Time) string {
	return fmt.Sprintf("markdown/%s/%s.md", t.UTC().Format("2006-01-02"), itemID)
}

// ProcessStage runs the enrichment step: load the raw item from the content
// store, call the enricher, persist the enriched form, and emit a render
// message for it.
type ProcessStage struct {
	Store    ContentStore
	Enricher Enricher
	Logger   logpkg.Logger
	Now      func() time.Time
}

// NewProcessStage wires the enrichment step.
func NewProcessStage(store ContentStore, enricher Enricher, logger logpkg.Logger) *ProcessStage {
	if logger == nil {
		logger = logpkg.NewLogger()
	}
	return &ProcessStage{Store: store, Enricher: enricher, Logger: logger.WithComponent("stage.process"), Now: time.Now}
}

// Run implements Processor.
func (s *ProcessStage) Run(ctx context.Context, msg message.Message) (Result, error) {
	locator := msg.BlobPath()
	raw, err := s.Store.Get(ctx, locator)
	if err != nil {
		return Result{}, Transientf(err, "fetch raw item %s", locator)
	}
	var item RawItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return Result{}, &ValidationError{Reason: fmt.Sprintf("raw item %s is not valid JSON", locator), Err: err}
	}
	if item.ItemID == "" {
		return Result{}, Validationf("raw item %s has no item_id", locator)
	}

	enriched, costUSD, err := s.Enricher.Enrich(ctx, item)
	// cost accrues even when the call fails partway; log it before deciding
	if costUSD > 0 {
		s.Logger.Info("enrichment cost",
			logpkg.F("item_id", item.ItemID),
			logpkg.F("cost_usd", costUSD),
			logpkg.F("correlation_id", msg.CorrelationID))
	}
	if err != nil {
		return Result{}, err
	}
	enriched.CostUSD = costUSD

	out, err := json.Marshal(enriched)
	if err != nil {
		return Result{}, Permanentf(err, "encode enriched item %s", item.ItemID)
	}
	dst := enrichedLocator(item.ItemID, s.Now())
	if err := s.Store.Put(ctx, dst, out); err != nil {
		return Result{}, Transientf(err, "store enriched item %s", dst)
	}

	return Result{Emit: []Emission{{
		Operation: message.OpRender,
		Payload: map[string]interface{}{
			"blob_path": dst,
			"item_id":   item.ItemID,
		},
		CorrelationID: msg.CorrelationID,
	}}}, nil
}

// RenderStage turns an enriched item into markdown, persists the document,
// and emits a publish message.
type RenderStage struct {
	Store    ContentStore
	Renderer Renderer
	Logger   logpkg.Logger
	Now      func() time.Time
}

// NewRenderStage wires the render step.
func NewRenderStage(store ContentStore, renderer Renderer, logger logpkg.Logger) *RenderStage {
	if logger == nil {
		logger = logpkg.NewLogger()
	}
	return &RenderStage{Store: store, Renderer: renderer, Logger: logger.WithComponent("stage.render"), Now: time.Now}
}

// Run implements Processor.
func (s *RenderStage) Run(ctx context.Context, msg message.Message) (Result, error) {
	locator := msg.BlobPath()
	raw, err := s.Store.Get(ctx, locator)
	if err != nil {
		return Result{}, Transientf(err, "fetch enriched item %s", locator)
	}
	var item EnrichedItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return Result{}, &ValidationError{Reason: fmt.Sprintf("enriched item %s is not valid JSON", locator), Err: err}
	}
	if item.ItemID == "" {
		return Result{}, Validationf("enriched item %s has no item_id", locator)
	}

	doc := s.Renderer.Render(item)
	if doc.Path == "" {
		doc.Path = markdownLocator(item.ItemID, s.Now())
	}
	if err := s.Store.Put(ctx, doc.Path, []byte(doc.Content)); err != nil {
		return Result{}, Transientf(err, "store markdown %s", doc.Path)
	}

	return Result{Emit: []Emission{{
		Operation: message.OpPublish,
		Payload: map[string]interface{}{
			"blob_path": doc.Path,
			"item_id":   item.ItemID,
			"title":     doc.Title,
		},
		CorrelationID: msg.CorrelationID,
	}}}, nil
}

// PublishStage pushes a rendered document downstream and asks for a site
// rebuild.
type PublishStage struct {
	Store     ContentStore
	Publisher Publisher
	Logger    logpkg.Logger
}

// NewPublishStage wires the publish step.
func NewPublishStage(store ContentStore, publisher Publisher, logger logpkg.Logger) *PublishStage {
	if logger == nil {
		logger = logpkg.NewLogger()
	}
	return &PublishStage{Store: store, Publisher: publisher, Logger: logger.WithComponent("stage.publish")}
}

// Run implements Processor.
func (s *PublishStage) Run(ctx context.Context, msg message.Message) (Result, error) {
	locator := msg.BlobPath()
	content, err := s.Store.Get(ctx, locator)
	if err != nil {
		return Result{}, Transientf(err, "fetch markdown %s", locator)
	}
	title, _ := msg.Payload["title"].(string)
	doc := MarkdownDoc{
		ItemID:  msg.ItemID(),
		Path:    locator,
		Content: string(content),
		Title:   title,
	}
	if err := s.Publisher.Publish(ctx, doc); err != nil {
		return Result{}, err
	}
	return Result{Emit: []Emission{{
		Operation:     message.OpGenerateSite,
		Payload:       map[string]interface{}{"item_id": doc.ItemID},
		CorrelationID: msg.CorrelationID,
	}}}, nil
}

// SiteStage rebuilds the static site. Terminal: emits nothing.
type SiteStage struct {
	Builder SiteBuilder
	Logger  logpkg.Logger
}

// NewSiteStage wires the site rebuild step.
func NewSiteStage(builder SiteBuilder, logger logpkg.Logger) *SiteStage {
	if logger == nil {
		logger = logpkg.NewLogger()
	}
	return &SiteStage{Builder: builder, Logger: logger.WithComponent("stage.site")}
}

// Run implements Processor.
func (s *SiteStage) Run(ctx context.Context, msg message.Message) (Result, error) {
	if err := s.Builder.BuildSite(ctx); err != nil {
		return Result{}, err
	}
	s.Logger.Info("site rebuilt", logpkg.F("correlation_id", msg.CorrelationID))
	return Result{}, nil
}

// WakeUpStage handles the heartbeat no-op used to scale the fleet from zero.
// Receiving it is the entire effect.
type WakeUpStage struct{}

// Run implements Processor.
func (WakeUpStage) Run(_ context.Context, _ message.Message) (Result, error) {
	return Result{}, nil
}
