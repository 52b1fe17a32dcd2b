package rag

import (
	"context"
	"sort"

	"github.com/mudler/ragchat/rag/types"
	"github.com/mudler/xlog"
	"golang.org/x/sync/errgroup"
)

// RetrieveOptions bounds a merged retrieval.
type RetrieveOptions struct {
	PerBackend  int
	Total       int
	MaxDistance float64
}

// DefaultRetrieveOptions are the limits used for chat grounding.
var DefaultRetrieveOptions = RetrieveOptions{PerBackend: 3, Total: 4, MaxDistance: 0.55}

// Retriever queries every active backend of a user and merges the hits.
type Retriever struct {
	registry *Registry
	resolver Resolver
}

func NewRetriever(registry *Registry, resolver Resolver) *Retriever {
	return &Retriever{registry: registry, resolver: resolver}
}

// Retrieve returns at most opts.Total hits sorted by ascending distance.
// Backends run concurrently; a backend that cannot embed or search is
// skipped and only shrinks the candidate set.
func (r *Retriever) Retrieve(ctx context.Context, userID int64, query string, opts RetrieveOptions) ([]Hit, error) {
	backends, err := r.registry.ActiveBackends(userID)
	if err != nil {
		return nil, err
	}
	if len(backends) == 0 || opts.Total <= 0 {
		return []Hit{}, nil
	}

	perBackend := make([][]Hit, len(backends))
	g, gctx := errgroup.WithContext(ctx)
	for i, b := range backends {
		g.Go(func() error {
			hits, err := r.search(gctx, userID, b, query, opts)
			if err != nil {
				xlog.Warn("Skipping backend during retrieval", "user", userID, "backend", b, "error", err)
				return nil
			}
			perBackend[i] = hits
			return nil
		})
	}
	g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	merged := []Hit{}
	for _, hits := range perBackend {
		merged = append(merged, hits...)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Score < merged[j].Score
	})
	if len(merged) > opts.Total {
		merged = merged[:opts.Total]
	}
	return merged, nil
}

func (r *Retriever) search(ctx context.Context, userID int64, backend types.Backend, query string, opts RetrieveOptions) ([]Hit, error) {
	emb, err := r.resolver.Embedder(ctx, userID, backend)
	if err != nil {
		return nil, err
	}
	vec, err := emb.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	col, err := r.registry.Collection(userID, backend)
	if err != nil {
		return nil, err
	}
	hits, err := col.Search(ctx, vec, opts.PerBackend)
	if err != nil {
		return nil, err
	}

	kept := hits[:0]
	for _, h := range hits {
		if h.Score > opts.MaxDistance {
			continue
		}
		kept = append(kept, h)
	}
	return kept, nil
}
