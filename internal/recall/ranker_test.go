package recall

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLinearRankerOrdering(t *testing.T) {
	candidates := []Candidate{
		{ID: "orthogonal", Embedding: []float32{0, 1}},
		{ID: "exact", Embedding: []float32{1, 0}},
		{ID: "close", Embedding: []float32{0.9, 0.1}},
	}

	ranked := NewLinearRanker().Rank([]float32{1, 0}, candidates, 0)
	require.Len(t, ranked, 3)

	assert.Equal(t, "exact", ranked[0].ID)
	assert.Equal(t, "close", ranked[1].ID)
	assert.Equal(t, "orthogonal", ranked[2].ID)

	assert.InDelta(t, 1.0, ranked[0].Score, 1e-9)
	assert.Greater(t, ranked[1].Score, ranked[2].Score)
	assert.InDelta(t, 0.0, ranked[2].Score, 1e-9)
}

func TestLinearRankerNilEmbeddingsSortLast(t *testing.T) {
	now := time.Now()
	candidates := []Candidate{
		{ID: "unembedded", Embedding: nil, CreatedAt: now},
		{ID: "negative", Embedding: []float32{-1, 0}, CreatedAt: now},
		{ID: "positive", Embedding: []float32{1, 0}, CreatedAt: now},
	}

	ranked := NewLinearRanker().Rank([]float32{1, 0}, candidates, 0)
	require.Len(t, ranked, 3)

	assert.Equal(t, "positive", ranked[0].ID)
	// even a negative similarity outranks a missing vector
	assert.Equal(t, "negative", ranked[1].ID)
	assert.Equal(t, "unembedded", ranked[2].ID)
	assert.Equal(t, 0, ranked[2].Relevance())
}

func TestLinearRankerTieBreakByRecency(t *testing.T) {
	old := time.Now().Add(-time.Hour)
	recent := time.Now()
	candidates := []Candidate{
		{ID: "old", Embedding: []float32{1, 0}, CreatedAt: old},
		{ID: "recent", Embedding: []float32{1, 0}, CreatedAt: recent},
	}

	ranked := NewLinearRanker().Rank([]float32{1, 0}, candidates, 0)
	require.Len(t, ranked, 2)
	assert.Equal(t, "recent", ranked[0].ID)
	assert.Equal(t, "old", ranked[1].ID)
}

func TestLinearRankerLimit(t *testing.T) {
	candidates := []Candidate{
		{ID: "a", Embedding: []float32{1, 0}},
		{ID: "b", Embedding: []float32{0.5, 0.5}},
		{ID: "c", Embedding: []float32{0, 1}},
	}

	ranked := NewLinearRanker().Rank([]float32{1, 0}, candidates, 2)
	require.Len(t, ranked, 2)
	assert.Equal(t, "a", ranked[0].ID)
}

func TestLinearRankerNilQuery(t *testing.T) {
	old := time.Now().Add(-time.Hour)
	recent := time.Now()
	candidates := []Candidate{
		{ID: "old", Embedding: []float32{1, 0}, CreatedAt: old},
		{ID: "recent", Embedding: []float32{0, 1}, CreatedAt: recent},
	}

	// no query vector: everything scores 0, recency decides
	ranked := NewLinearRanker().Rank(nil, candidates, 0)
	require.Len(t, ranked, 2)
	assert.Equal(t, "recent", ranked[0].ID)
	assert.Equal(t, 0, ranked[0].Relevance())
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 0}, []float32{1, 0}, 1.0},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0.0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1.0},
		{"mismatched lengths", []float32{1, 0}, []float32{1}, 0.0},
		{"zero norm", []float32{0, 0}, []float32{1, 0}, 0.0},
		{"empty", nil, nil, 0.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, CosineSimilarity(tt.a, tt.b), 1e-9)
		})
	}
}

func TestRelevanceClamping(t *testing.T) {
	assert.Equal(t, 100, Relevance(1.0))
	assert.Equal(t, 90, Relevance(0.9))
	assert.Equal(t, 0, Relevance(-0.5))
	assert.Equal(t, 100, Relevance(1.2))
	assert.Equal(t, 50, Relevance(0.499)) // rounds, not truncates
}
