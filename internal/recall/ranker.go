// Package recall ranks stored entities by semantic similarity to a query.
//
// Ranking sits behind the Ranker interface so a future approximate
// nearest-neighbor index can replace the linear scan without touching
// callers. Callers must not depend on scan order beyond the documented
// tie-break rule: descending score, then most-recent creation time.
package recall

import (
	"math"
	"sort"
	"time"
)

// Candidate is an entity offered for ranking. A nil Embedding means the
// entity was stored without a vector (embedding failed); it scores 0 and
// sorts after every embedded candidate.
type Candidate struct {
	ID        string
	Embedding []float32
	CreatedAt time.Time
}

// Scored is a ranked candidate.
type Scored struct {
	Candidate

	// Score is the raw cosine similarity in [-1, 1]; 0 for nil embeddings.
	Score float64
}

// Relevance reports the score as a 0-100 integer for human display.
func (s Scored) Relevance() int {
	return Relevance(s.Score)
}

// Ranker orders candidates by similarity to a query vector.
type Ranker interface {
	Rank(query []float32, candidates []Candidate, limit int) []Scored
}

// LinearRanker scores every candidate with an exact cosine similarity scan.
// Adequate for local stores of a few thousand facts.
type LinearRanker struct{}

// NewLinearRanker returns the default exact-scan ranker.
func NewLinearRanker() *LinearRanker {
	return &LinearRanker{}
}

// Rank scores candidates against query, sorts descending by score with ties
// broken by most-recent CreatedAt, and truncates to limit. Candidates with
// nil embeddings always score 0 and never outrank an embedded candidate.
func (r *LinearRanker) Rank(query []float32, candidates []Candidate, limit int) []Scored {
	scored := make([]Scored, 0, len(candidates))
	for _, c := range candidates {
		var score float64
		if c.Embedding != nil && query != nil {
			score = CosineSimilarity(query, c.Embedding)
		}
		scored = append(scored, Scored{Candidate: c, Score: score})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		// nil embeddings sort last even against negative similarities
		iNil := scored[i].Embedding == nil
		jNil := scored[j].Embedding == nil
		if iNil != jNil {
			return jNil
		}
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].CreatedAt.After(scored[j].CreatedAt)
	})

	if limit > 0 && len(scored) > limit {
		scored = scored[:limit]
	}
	return scored
}

// CosineSimilarity computes dot(a,b) / (||a|| * ||b||).
// Returns 0 for mismatched lengths or zero-norm vectors.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Relevance converts a similarity score to a 0-100 integer for display.
func Relevance(similarity float64) int {
	r := int(math.Round(similarity * 100))
	if r < 0 {
		return 0
	}
	if r > 100 {
		return 100
	}
	return r
}

var _ Ranker = (*LinearRanker)(nil)
