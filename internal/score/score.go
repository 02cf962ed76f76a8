// Package score ranks candidate items for selection.
//
// Scoring is a pure function over three normalized inputs; it runs once at
// selection time to decide which candidates get enqueued first, and never
// inside the queue. Identical inputs always produce identical scores.
package score

import (
	"fmt"
	"math"
	"sort"
)

// Candidate is a scored selection candidate.
type Candidate struct {
	ItemID         string  `json:"item_id"`
	Engagement     float64 `json:"engagement"`
	Recency        float64 `json:"recency"`
	Quality        float64 `json:"quality"`
	CompositeScore float64 `json:"composite_score"`
}

// Weights configures the composite score. The three weights must sum to 1.0.
type Weights struct {
	Engagement float64 `yaml:"engagement" json:"engagement"`
	Recency    float64 `yaml:"recency" json:"recency"`
	Quality    float64 `yaml:"quality" json:"quality"`
}

// DefaultWeights favors engagement, matching the selection behavior the
// pipeline was tuned for.
var DefaultWeights = Weights{Engagement: 0.5, Recency: 0.3, Quality: 0.2}

const weightTolerance = 1e-9

// Validate rejects weight sets that do not sum to 1.0 or carry negative
// components. Called at startup so a bad config fails fast instead of
// silently skewing selection.
func (w Weights) Validate() error {
	if w.Engagement < 0 || w.Recency < 0 || w.Quality < 0 {
		return fmt.Errorf("score: weights must be non-negative, got %+v", w)
	}
	sum := w.Engagement + w.Recency + w.Quality
	if math.Abs(sum-1.0) > weightTolerance {
		return fmt.Errorf("score: weights must sum to 1.0, got %g", sum)
	}
	return nil
}

// Score computes the composite score for a candidate. Pure, no I/O.
func (w Weights) Score(c Candidate) Candidate {
	c.CompositeScore = w.Engagement*c.Engagement + w.Recency*c.Recency + w.Quality*c.Quality
	return c
}

// Rank returns the candidates scored and sorted descending by composite
// score, ties broken by item_id ascending. The input slice is never
// modified; Rank returns a fresh slice.
func (w Weights) Rank(items []Candidate) []Candidate {
	ranked := make([]Candidate, len(items))
	for i, c := range items {
		ranked[i] = w.Score(c)
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].CompositeScore != ranked[j].CompositeScore {
			return ranked[i].CompositeScore > ranked[j].CompositeScore
		}
		return ranked[i].ItemID < ranked[j].ItemID
	})
	return ranked
}
