package embeddings

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"
)

// Pool wraps a Provider with a bounded worker semaphore and a per-call
// timeout. Embedding is CPU-bound; the bound keeps a bulk operation (such as
// chunking a large PRD) from starving concurrent fact lookups, and the
// timeout keeps a wedged model runtime from holding callers forever.
//
// Pool calls are cancellable through ctx independently of any store lock.
type Pool struct {
	provider Provider
	sem      *semaphore.Weighted
	timeout  time.Duration
}

// NewPool creates a pool over provider with at most workers concurrent
// calls. A non-positive workers defaults to 4; a non-positive timeout
// defaults to 30s.
func NewPool(provider Provider, workers int, timeout time.Duration) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Pool{
		provider: provider,
		sem:      semaphore.NewWeighted(int64(workers)),
		timeout:  timeout,
	}
}

// EmbedQuery embeds a single query within the pool's bounds.
func (p *Pool) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer p.sem.Release(1)

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	return p.provider.EmbedQuery(ctx, text)
}

// EmbedDocuments embeds a batch of texts within the pool's bounds.
func (p *Pool) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer p.sem.Release(1)

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	return p.provider.EmbedDocuments(ctx, texts)
}

// Dimension returns the wrapped provider's embedding dimension.
func (p *Pool) Dimension() int {
	return p.provider.Dimension()
}

// Close closes the wrapped provider.
func (p *Pool) Close() error {
	return p.provider.Close()
}

var _ Provider = (*Pool)(nil)
