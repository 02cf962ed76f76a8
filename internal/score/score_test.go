package score

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWeightsValidate(t *testing.T) {
	require.NoError(t, DefaultWeights.Validate())
	require.NoError(t, Weights{Engagement: 1.0}.Validate())
	require.Error(t, Weights{Engagement: 0.5, Recency: 0.5, Quality: 0.5}.Validate())
	require.Error(t, Weights{Engagement: 1.2, Recency: -0.2}.Validate())
	require.Error(t, Weights{}.Validate())
}

func TestScoreDeterministic(t *testing.T) {
	w := Weights{Engagement: 0.5, Recency: 0.3, Quality: 0.2}
	c := Candidate{ItemID: "x", Engagement: 0.8, Recency: 0.6, Quality: 1.0}
	first := w.Score(c)
	require.InDelta(t, 0.5*0.8+0.3*0.6+0.2*1.0, first.CompositeScore, 1e-12)
	require.Equal(t, first, w.Score(c))
}

func TestRankOrderAndTieBreak(t *testing.T) {
	// engagement-only weights make the composite equal the engagement input
	w := Weights{Engagement: 1.0}
	a := Candidate{ItemID: "item-a", Engagement: 0.9}
	b := Candidate{ItemID: "item-b", Engagement: 0.5}
	c := Candidate{ItemID: "item-c", Engagement: 0.9}

	ranked := w.Rank([]Candidate{b, c, a})
	require.Len(t, ranked, 3)
	require.Equal(t, "item-a", ranked[0].ItemID)
	require.Equal(t, "item-c", ranked[1].ItemID)
	require.Equal(t, "item-b", ranked[2].ItemID)
}

func TestRankNeverMutatesInput(t *testing.T) {
	w := DefaultWeights
	input := []Candidate{
		{ItemID: "z", Engagement: 0.1},
		{ItemID: "a", Engagement: 0.9},
	}
	snapshot := make([]Candidate, len(input))
	copy(snapshot, input)

	ranked := w.Rank(input)
	require.Equal(t, snapshot, input, "input slice must be untouched")
	require.Len(t, ranked, len(input))
	require.NotSame(t, &input[0], &ranked[0])
}

func TestRankEmpty(t *testing.T) {
	require.Empty(t, DefaultWeights.Rank(nil))
}

func TestFilterDisabledPassesAll(t *testing.T) {
	f, err := NewFilter("")
	require.NoError(t, err)
	require.True(t, f.Eval(Candidate{ItemID: "anything"}))
}

func TestFilterExpression(t *testing.T) {
	f, err := NewFilter(`quality > 0.3 && !item_id.startsWith("test-")`)
	require.NoError(t, err)
	require.True(t, f.Eval(Candidate{ItemID: "item-1", Quality: 0.5}))
	require.False(t, f.Eval(Candidate{ItemID: "item-2", Quality: 0.1}))
	require.False(t, f.Eval(Candidate{ItemID: "test-3", Quality: 0.9}))
}

func TestFilterRejectsBadExpression(t *testing.T) {
	_, err := NewFilter(`quality >`)
	require.Error(t, err)
}
