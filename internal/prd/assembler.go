package prd

import (
	"math"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/knowd/internal/knowledge"
	"github.com/fyrsmithlabs/knowd/internal/recall"
)

const (
	// charsPerToken approximates the token budget in characters.
	charsPerToken = 4

	// tieDelta is the similarity window within which chunk type priority
	// decides ordering instead of raw score.
	tieDelta = 0.1
)

// Context is the assembled result for a task description.
type Context struct {
	// Text is the assembled context, at most budget*charsPerToken chars.
	Text string `json:"context"`

	// TopRelevance is the 0-100 relevance of the best-matching chunk.
	TopRelevance int `json:"top_relevance"`

	// ChunksIncluded is how many chunks fit the budget.
	ChunksIncluded int `json:"chunks_included"`
}

// AssembleContext ranks chunks against the task embedding and appends them in
// ranked order until the next chunk would exceed the token budget.
//
// Chunks whose similarities fall within tieDelta of each other are ordered by
// chunk type priority (constraint > criteria > goal > description > list);
// outside the window, raw score wins. Scores are bucketed into tieDelta bands
// so the ordering stays transitive.
func AssembleContext(queryVec []float32, chunks []knowledge.PRDChunk, maxTokens int) Context {
	if maxTokens <= 0 || len(chunks) == 0 {
		return Context{}
	}

	type scoredChunk struct {
		chunk knowledge.PRDChunk
		score float64
		band  int
	}

	scored := make([]scoredChunk, 0, len(chunks))
	for _, c := range chunks {
		var score float64
		if c.Embedding != nil && queryVec != nil {
			score = recall.CosineSimilarity(queryVec, c.Embedding)
		}
		scored = append(scored, scoredChunk{
			chunk: c,
			score: score,
			band:  int(math.Floor(score / tieDelta)),
		})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].band != scored[j].band {
			return scored[i].band > scored[j].band
		}
		pi, pj := scored[i].chunk.ChunkType.Priority(), scored[j].chunk.ChunkType.Priority()
		if pi != pj {
			return pi < pj
		}
		return scored[i].score > scored[j].score
	})

	budget := maxTokens * charsPerToken
	var b strings.Builder
	included := 0
	for _, sc := range scored {
		add := len(sc.chunk.Content)
		if b.Len() > 0 {
			add += 2 // paragraph separator
		}
		if b.Len()+add > budget {
			break
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(sc.chunk.Content)
		included++
	}

	top := 0
	if len(scored) > 0 {
		best := scored[0].score
		for _, sc := range scored[1:] {
			if sc.score > best {
				best = sc.score
			}
		}
		top = recall.Relevance(best)
	}

	return Context{
		Text:           b.String(),
		TopRelevance:   top,
		ChunksIncluded: included,
	}
}
