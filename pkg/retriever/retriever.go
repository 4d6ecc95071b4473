// Package retriever answers a question with the nearest indexed fragments.
package retriever

import (
	"context"
	"errors"
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/perbu/complaintrag/pkg/complaintrag"
	"github.com/perbu/complaintrag/pkg/embedder"
	"github.com/perbu/complaintrag/pkg/indexer"
	"github.com/perbu/complaintrag/pkg/vectorindex"
)

// ErrModelMismatch means the query embedder is not the one the index was built with.
var ErrModelMismatch = errors.New("retriever: embedder model differs from the index build")

// Retriever is read-only and safe for concurrent use.
type Retriever struct {
	index    *indexer.Index
	embedder embedder.Embedder
}

// New checks that e produces vectors compatible with ix. A dimension or
// model mismatch is a configuration error and is reported here rather than
// on the first query.
func New(ix *indexer.Index, e embedder.Embedder) (*Retriever, error) {
	if e.Dimension() != ix.Vectors.Dimension() {
		return nil, fmt.Errorf("retriever: query embedder %s: %w", e.ModelInfo(),
			&vectorindex.DimensionMismatchError{Expected: ix.Vectors.Dimension(), Actual: e.Dimension()})
	}
	if model := ix.Manifest.Model; model != "" && model != e.ModelInfo() {
		return nil, fmt.Errorf("%w: index built with %q, query embedder is %q", ErrModelMismatch, model, e.ModelInfo())
	}
	return &Retriever{index: ix, embedder: e}, nil
}

// Index returns the index being searched.
func (r *Retriever) Index() *indexer.Index { return r.index }

// Retrieve returns up to k fragments nearest to question, nearest first.
// k <= 0 selects complaintrag.DefaultTopK. When categories are given only
// fragments filed under one of them are considered. An empty index, or a
// filter matching nothing, yields an empty result, not an error.
func (r *Retriever) Retrieve(ctx context.Context, question string, k int, categories ...string) (complaintrag.Result, error) {
	if k <= 0 {
		k = complaintrag.DefaultTopK
	}
	if r.index.Len() == 0 {
		return complaintrag.Result{}, nil
	}
	var allow *roaring.Bitmap
	if len(categories) > 0 {
		if allow = r.index.Metadata.Filter(categories...); allow.IsEmpty() {
			return complaintrag.Result{}, nil
		}
	}

	query, err := embedder.EmbedOne(ctx, r.embedder, question)
	if err != nil {
		return nil, fmt.Errorf("retriever: embedding question: %w", err)
	}
	var neighbors []vectorindex.Neighbor
	if allow != nil {
		neighbors, err = r.index.Vectors.SearchFiltered(query, k, allow)
	} else {
		neighbors, err = r.index.Vectors.Search(query, k)
	}
	if err != nil {
		return nil, fmt.Errorf("retriever: search: %w", err)
	}

	result := make(complaintrag.Result, 0, len(neighbors))
	for _, n := range neighbors {
		rec, err := r.index.Metadata.Get(n.Position)
		if err != nil {
			return nil, fmt.Errorf("retriever: joining position %d: %w", n.Position, err)
		}
		result = append(result, complaintrag.Hit{Position: n.Position, Record: rec, Distance: n.Distance})
	}
	return result, nil
}
