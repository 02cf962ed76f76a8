// Package collect is the upstream producer: it discovers candidate items,
// filters out recent duplicates, ranks what remains, and enqueues the best
// candidates first.
//
// Ranking matters only here. Once items are on the queue the transport makes
// no ordering promises, so best-first enqueue order is the sole lever the
// scorer has.
package collect

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"conveyor/internal/dedup"
	"conveyor/internal/message"
	"conveyor/internal/queue"
	"conveyor/internal/score"
	"conveyor/internal/source"
	"conveyor/internal/stage"
	logpkg "conveyor/pkg/log"
)

// Selector runs one collection round across all registered sources.
type Selector struct {
	Sources []source.Source
	Dedup   *dedup.Store
	Weights score.Weights
	Filter  score.Filter
	Store   stage.ContentStore
	Queue   queue.Queue

	// TargetQueue receives the process messages.
	TargetQueue string
	// Window is the dedup suppression window.
	Window time.Duration
	// MaxPerRun caps enqueued items per round; zero means no cap.
	MaxPerRun int

	Logger logpkg.Logger
	Now    func() time.Time
}

// NewSelector wires a selector with defaults.
func NewSelector(sources []source.Source, ds *dedup.Store, weights score.Weights, store stage.ContentStore, q queue.Queue, targetQueue string, window time.Duration, logger logpkg.Logger) *Selector {
	if logger == nil {
		logger = logpkg.NewLogger()
	}
	return &Selector{
		Sources:     sources,
		Dedup:       ds,
		Weights:     weights,
		Store:       store,
		Queue:       q,
		TargetQueue: targetQueue,
		Window:      window,
		Logger:      logger.WithComponent("collect"),
		Now:         time.Now,
	}
}

// Run executes one round: discover, dedup-filter, rank, persist, enqueue.
// It returns the number of items enqueued. Source failures are logged and
// skipped so one broken feed cannot starve the others.
func (s *Selector) Run(ctx context.Context, correlationID string) (int, error) {
	now := s.Now()

	var items []stage.RawItem
	for _, src := range s.Sources {
		discovered, err := src.Discover(ctx)
		if err != nil {
			s.Logger.Warn("source discovery failed",
				logpkg.F("source", src.Name()), logpkg.Err(err))
			continue
		}
		items = append(items, discovered...)
	}
	if len(items) == 0 {
		return 0, nil
	}

	byID := make(map[string]stage.RawItem, len(items))
	entries := make([]dedup.Entry, 0, len(items))
	for _, it := range items {
		if it.ItemID == "" {
			continue
		}
		if _, ok := byID[it.ItemID]; ok {
			continue
		}
		byID[it.ItemID] = it
		entries = append(entries, dedup.Entry{
			ID:         it.ItemID,
			Title:      it.Title,
			Source:     it.Source,
			BodyDigest: dedup.BodyDigest(it.Body),
		})
	}

	fresh, err := s.Dedup.FilterNew(ctx, entries, s.Window)
	if err != nil {
		return 0, fmt.Errorf("collect: dedup filter: %w", err)
	}
	if len(fresh) == 0 {
		s.Logger.Info("no fresh candidates", logpkg.F("discovered", len(items)))
		return 0, nil
	}

	candidates := make([]score.Candidate, 0, len(fresh))
	for _, e := range fresh {
		it := byID[e.ID]
		candidates = append(candidates, score.Candidate{
			ItemID:     it.ItemID,
			Engagement: it.Engagement,
			Recency:    recency(it, now),
			Quality:    it.Quality,
		})
	}
	ranked := s.Weights.Rank(candidates)

	enqueued := 0
	for _, c := range ranked {
		if s.MaxPerRun > 0 && enqueued >= s.MaxPerRun {
			break
		}
		if !s.Filter.Eval(c) {
			s.Logger.Debug("candidate filtered out", logpkg.F("item_id", c.ItemID))
			continue
		}
		it := byID[c.ItemID]
		locator, err := s.persist(ctx, it, now)
		if err != nil {
			s.Logger.Warn("persisting candidate failed",
				logpkg.F("item_id", it.ItemID), logpkg.Err(err))
			continue
		}
		msg := message.Message{
			Operation: message.OpProcess,
			Payload: map[string]interface{}{
				"blob_path": locator,
				"item_id":   it.ItemID,
			},
			CorrelationID: correlationID,
		}
		if err := s.Queue.Send(ctx, s.TargetQueue, msg); err != nil {
			s.Logger.Warn("enqueue failed",
				logpkg.F("item_id", it.ItemID), logpkg.Err(err))
			continue
		}
		enqueued++
		s.Logger.Info("candidate enqueued",
			logpkg.F("item_id", it.ItemID),
			logpkg.F("score", c.CompositeScore),
			logpkg.F("correlation_id", correlationID))
	}
	return enqueued, nil
}

func (s *Selector) persist(ctx context.Context, it stage.RawItem, now time.Time) (string, error) {
	raw, err := json.Marshal(it)
	if err != nil {
		return "", err
	}
	locator := fmt.Sprintf("collections/%s/%s.json", now.UTC().Format("2006-01-02"), it.ItemID)
	if err := s.Store.Put(ctx, locator, raw); err != nil {
		return "", err
	}
	return locator, nil
}

// recency maps item age to [0,1]: 1.0 for brand new, decaying linearly to 0
// at 48h. Items without a published time use the fetch time.
func recency(it stage.RawItem, now time.Time) float64 {
	ts := it.PublishedAt
	if ts.IsZero() {
		ts = it.FetchedAt
	}
	if ts.IsZero() {
		return 0
	}
	age := now.Sub(ts)
	if age <= 0 {
		return 1
	}
	const horizon = 48 * time.Hour
	if age >= horizon {
		return 0
	}
	return 1 - float64(age)/float64(horizon)
}
