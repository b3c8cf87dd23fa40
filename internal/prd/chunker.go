// Package prd splits requirements documents into typed, retrievable chunks
// and assembles token-budgeted context strings for a task.
package prd

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/knowd/internal/knowledge"
)

const (
	// minChunkLen drops paragraphs shorter than this as noise.
	minChunkLen = 50

	// maxChunkLen is the largest chunk emitted; longer paragraphs are
	// repacked word-by-word into sub-chunks below this bound.
	maxChunkLen = 500
)

var (
	headingRe  = regexp.MustCompile(`^#{1,6}\s+(.+)$`)
	listItemRe = regexp.MustCompile(`(?m)^\s*(?:[-*+]|\d+[.)])\s+`)
	gwtRe      = regexp.MustCompile(`(?i)\bgiven\b.*\bwhen\b.*\bthen\b`)
	mustRe     = regexp.MustCompile(`(?i)\b(?:must(?:\s+not)?|shall(?:\s+not)?|required|never)\b`)
	goalRe     = regexp.MustCompile(`(?i)\b(?:goals?|objectives?)\b`)
)

// Chunk splits a PRD into typed chunks. Chunking runs on arbitrary
// user-supplied text: malformed or effectively empty input is reported as
// ErrMalformedDocument, never a panic.
//
// The algorithm: split on heading markers into sections; split sections on
// blank-line paragraphs; drop paragraphs under minChunkLen as noise; repack
// paragraphs over maxChunkLen greedily word-by-word, preserving word
// boundaries; tag each chunk by pattern match.
func Chunk(content, projectID string) ([]knowledge.PRDChunk, error) {
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("%w: empty document", knowledge.ErrMalformedDocument)
	}

	sections := splitSections(content)

	now := time.Now().UTC()
	var chunks []knowledge.PRDChunk
	for _, sec := range sections {
		for _, para := range splitParagraphs(sec.body) {
			if len(para) < minChunkLen {
				continue
			}
			for _, piece := range repack(para) {
				chunks = append(chunks, knowledge.PRDChunk{
					ID:        uuid.New().String(),
					ProjectID: projectID,
					Section:   sec.title,
					Content:   piece,
					ChunkType: classify(piece, sec.title),
					CreatedAt: now,
				})
			}
		}
	}

	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w: no usable content after chunking", knowledge.ErrMalformedDocument)
	}
	return chunks, nil
}

type section struct {
	title string
	body  string
}

// splitSections divides the document at heading markers. Content before the
// first heading lands in an untitled preamble section.
func splitSections(content string) []section {
	lines := strings.Split(content, "\n")

	var sections []section
	current := section{title: ""}
	var body strings.Builder

	flush := func() {
		current.body = body.String()
		if strings.TrimSpace(current.body) != "" {
			sections = append(sections, current)
		}
		body.Reset()
	}

	for _, line := range lines {
		if m := headingRe.FindStringSubmatch(line); m != nil {
			flush()
			current = section{title: strings.TrimSpace(m[1])}
			continue
		}
		body.WriteString(line)
		body.WriteString("\n")
	}
	flush()

	return sections
}

// splitParagraphs splits a section body on blank-line boundaries.
func splitParagraphs(body string) []string {
	var paras []string
	for _, p := range strings.Split(body, "\n\n") {
		p = strings.TrimSpace(p)
		if p != "" {
			paras = append(paras, p)
		}
	}
	return paras
}

// repack returns the paragraph unchanged when it fits, otherwise greedily
// packs words into sub-chunks of at most maxChunkLen characters.
func repack(para string) []string {
	if len(para) <= maxChunkLen {
		return []string{para}
	}

	words := strings.Fields(para)
	var pieces []string
	var b strings.Builder
	for _, w := range words {
		// An unbroken token longer than a whole chunk (a URL, a base64
		// blob) is sliced at the limit rather than emitted oversized.
		for len(w) > maxChunkLen {
			if b.Len() > 0 {
				pieces = append(pieces, b.String())
				b.Reset()
			}
			pieces = append(pieces, w[:maxChunkLen])
			w = w[maxChunkLen:]
		}
		if w == "" {
			continue
		}
		add := len(w)
		if b.Len() > 0 {
			add++ // separating space
		}
		if b.Len()+add > maxChunkLen && b.Len() > 0 {
			pieces = append(pieces, b.String())
			b.Reset()
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(w)
	}
	if b.Len() > 0 {
		pieces = append(pieces, b.String())
	}
	return pieces
}

// classify tags a chunk by pattern match. Constraints win over criteria,
// criteria over goals, goals over lists; everything else is description.
func classify(content, sectionTitle string) knowledge.ChunkType {
	switch {
	case mustRe.MatchString(content):
		return knowledge.ChunkConstraint
	case gwtRe.MatchString(content):
		return knowledge.ChunkCriteria
	case goalRe.MatchString(content) || goalRe.MatchString(sectionTitle):
		return knowledge.ChunkGoal
	case listItemRe.MatchString(content):
		return knowledge.ChunkList
	default:
		return knowledge.ChunkDescription
	}
}
