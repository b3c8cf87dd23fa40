// Package vectorstore provides the semantic index behind the remote
// knowledge service. It wraps chromem-go, an embeddable pure-Go vector
// database with gob-file persistence, so the service needs no external
// database process.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var indexTracer = otel.Tracer("knowd.vectorstore")

var (
	// ErrInvalidConfig indicates invalid index configuration.
	ErrInvalidConfig = errors.New("invalid vectorstore configuration")

	// ErrEmptyDocuments indicates an add with no documents.
	ErrEmptyDocuments = errors.New("no documents provided")

	// ErrCollectionNotFound indicates a search against a team with no
	// indexed knowledge.
	ErrCollectionNotFound = errors.New("collection not found")
)

// teamCollectionRe constrains team IDs used as collection names. chromem
// persists one directory per collection, so the name must be filesystem
// safe.
var teamCollectionRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,63}$`)

// Embedder is the embedding dependency of the index.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Document is one entry in a team's semantic index.
type Document struct {
	ID       string
	Content  string
	Metadata map[string]string
}

// SearchResult is one semantic search hit.
type SearchResult struct {
	ID       string
	Content  string
	Score    float64
	Metadata map[string]string
}

// Config holds index configuration.
type Config struct {
	// Path is the directory for persistent storage.
	Path string

	// Compress enables gzip compression for stored data.
	Compress bool
}

// Index is a persistent, per-team semantic index. Each team gets its own
// collection; a search never crosses team boundaries because the collection
// name is derived from the authenticated team ID.
type Index struct {
	db       *chromem.DB
	embedder Embedder
	logger   *zap.Logger
}

// NewIndex opens or creates a persistent index at cfg.Path.
func NewIndex(cfg Config, embedder Embedder, logger *zap.Logger) (*Index, error) {
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrInvalidConfig)
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("%w: path is required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	path := cfg.Path
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("expanding path: %w", err)
		}
		path = filepath.Join(home, path[1:])
	}

	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", path, err)
	}

	db, err := chromem.NewPersistentDB(path, cfg.Compress)
	if err != nil {
		return nil, fmt.Errorf("creating chromem DB: %w", err)
	}

	logger.Info("knowledge index initialized",
		zap.String("path", path),
		zap.Bool("compress", cfg.Compress),
	)

	return &Index{db: db, embedder: embedder, logger: logger}, nil
}

func collectionName(teamID string) (string, error) {
	if !teamCollectionRe.MatchString(teamID) {
		return "", fmt.Errorf("%w: invalid team ID %q", ErrInvalidConfig, teamID)
	}
	return "team_" + teamID, nil
}

func (ix *Index) embeddingFunc() chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return ix.embedder.EmbedQuery(ctx, text)
	}
}

// Add indexes documents for a team. Documents are embedded in one batch
// before insertion.
func (ix *Index) Add(ctx context.Context, teamID string, docs []Document) error {
	ctx, span := indexTracer.Start(ctx, "Index.Add")
	defer span.End()

	span.SetAttributes(
		attribute.String("team_id", teamID),
		attribute.Int("document_count", len(docs)),
	)

	if len(docs) == 0 {
		return ErrEmptyDocuments
	}

	name, err := collectionName(teamID)
	if err != nil {
		return err
	}

	collection, err := ix.db.GetOrCreateCollection(name, nil, ix.embeddingFunc())
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("getting/creating collection %s: %w", name, err)
	}

	texts := make([]string, len(docs))
	for i, doc := range docs {
		if doc.ID == "" {
			return fmt.Errorf("document at index %d has no ID", i)
		}
		texts[i] = doc.Content
	}

	vectors, err := ix.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("embedding documents: %w", err)
	}

	chromemDocs := make([]chromem.Document, len(docs))
	for i, doc := range docs {
		chromemDocs[i] = chromem.Document{
			ID:        doc.ID,
			Content:   doc.Content,
			Metadata:  doc.Metadata,
			Embedding: vectors[i],
		}
	}

	// Concurrency of 1 since embeddings are already computed.
	if err := collection.AddDocuments(ctx, chromemDocs, 1); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("adding documents: %w", err)
	}

	span.SetStatus(codes.Ok, "success")

	ix.logger.Debug("indexed team knowledge",
		zap.String("team_id", teamID),
		zap.Int("count", len(docs)),
	)

	return nil
}

// Search runs a semantic query against a team's collection. A team with no
// indexed knowledge returns an empty result, not an error.
func (ix *Index) Search(ctx context.Context, teamID, query string, k int) ([]SearchResult, error) {
	ctx, span := indexTracer.Start(ctx, "Index.Search")
	defer span.End()

	span.SetAttributes(
		attribute.String("team_id", teamID),
		attribute.Int("k", k),
	)

	if query == "" {
		return nil, fmt.Errorf("query cannot be empty")
	}
	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}

	name, err := collectionName(teamID)
	if err != nil {
		return nil, err
	}

	collection := ix.db.GetCollection(name, ix.embeddingFunc())
	if collection == nil {
		return []SearchResult{}, nil
	}

	// chromem requires nResults <= doc count.
	count := collection.Count()
	if count == 0 {
		return []SearchResult{}, nil
	}
	if k > count {
		k = count
	}

	results, err := collection.Query(ctx, query, k, nil, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying collection %s: %w", name, err)
	}

	out := make([]SearchResult, len(results))
	for i, r := range results {
		out[i] = SearchResult{
			ID:       r.ID,
			Content:  r.Content,
			Score:    float64(r.Similarity),
			Metadata: r.Metadata,
		}
	}

	span.SetAttributes(attribute.Int("results_count", len(out)))
	span.SetStatus(codes.Ok, "success")

	return out, nil
}

// Delete removes documents from a team's collection by ID.
func (ix *Index) Delete(ctx context.Context, teamID string, ids []string) error {
	ctx, span := indexTracer.Start(ctx, "Index.Delete")
	defer span.End()

	if len(ids) == 0 {
		return nil
	}

	name, err := collectionName(teamID)
	if err != nil {
		return err
	}

	collection := ix.db.GetCollection(name, ix.embeddingFunc())
	if collection == nil {
		return ErrCollectionNotFound
	}

	var failed []string
	for _, id := range ids {
		if err := collection.Delete(ctx, nil, nil, id); err != nil {
			span.RecordError(err)
			ix.logger.Error("failed to delete document",
				zap.String("team_id", teamID),
				zap.String("id", id),
				zap.Error(err),
			)
			failed = append(failed, id)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("failed to delete %d of %d documents: %v", len(failed), len(ids), failed)
	}

	return nil
}
