// Package indexer turns a document collection into a persisted, queryable
// index: a vector index file and a metadata file that always travel as a pair.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/perbu/complaintrag/pkg/chunker"
	"github.com/perbu/complaintrag/pkg/complaintrag"
	"github.com/perbu/complaintrag/pkg/embedder"
	"github.com/perbu/complaintrag/pkg/metadata"
	"github.com/perbu/complaintrag/pkg/vectorindex"
)

var (
	ErrNoDocuments = errors.New("indexer: no documents to index")
	ErrNoFragments = errors.New("indexer: documents produced no fragments")
)

// Index is a built or loaded vector index with its co-indexed metadata.
// Position i in Vectors is described by record i in Metadata.
type Index struct {
	Generation uuid.UUID
	Manifest   metadata.Manifest
	Vectors    *vectorindex.Flat
	Metadata   *metadata.Store
}

// Len returns the number of indexed fragments.
func (ix *Index) Len() int { return ix.Vectors.Len() }

// Builder chunks, embeds and indexes documents.
type Builder struct {
	chunker  *chunker.Chunker
	embedder embedder.Embedder
	logger   *slog.Logger
}

// NewBuilder wires a builder. A nil logger discards output.
func NewBuilder(c *chunker.Chunker, e embedder.Embedder, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Builder{chunker: c, embedder: e, logger: logger}
}

// Build indexes docs. Positions follow document order, then fragment order
// within a document. A document with an empty narrative contributes no
// fragments; a collection that yields no fragments at all is an error.
func (b *Builder) Build(ctx context.Context, docs []complaintrag.Document) (*Index, error) {
	if len(docs) == 0 {
		return nil, ErrNoDocuments
	}
	started := time.Now()

	store := metadata.New(len(docs))
	var texts []string
	for _, doc := range docs {
		seq := 0
		for frag := range b.chunker.Chunks(doc.Narrative) {
			rec := complaintrag.Record{
				FragmentID: complaintrag.FragmentID(doc.ID, seq),
				DocumentID: doc.ID,
				Category:   doc.Category,
				Text:       frag,
			}
			if err := store.Put(len(texts), rec); err != nil {
				return nil, err
			}
			texts = append(texts, frag)
			seq++
		}
		if seq == 0 {
			b.logger.Debug("document has no fragments", "document_id", doc.ID)
		}
	}
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: %d documents", ErrNoFragments, len(docs))
	}
	b.logger.Info("chunked documents", "documents", len(docs), "fragments", len(texts),
		"chunk_size", b.chunker.Size(), "chunk_overlap", b.chunker.Overlap())

	vectors, err := b.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("indexer: embedding fragments: %w", err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("indexer: %w: got %d vectors for %d fragments", embedder.ErrCountMismatch, len(vectors), len(texts))
	}

	flat, err := vectorindex.Build(b.embedder.Dimension(), vectors)
	if err != nil {
		return nil, fmt.Errorf("indexer: building vector index: %w", err)
	}

	gen := uuid.New()
	ix := &Index{
		Generation: gen,
		Manifest: metadata.Manifest{
			Generation:   gen,
			Count:        flat.Len(),
			Dimension:    flat.Dimension(),
			Model:        b.embedder.ModelInfo(),
			ChunkSize:    b.chunker.Size(),
			ChunkOverlap: b.chunker.Overlap(),
			CreatedAt:    time.Now().UTC(),
		},
		Vectors:  flat,
		Metadata: store,
	}
	b.logger.Info("built index", "generation", gen, "entries", flat.Len(),
		"dimension", flat.Dimension(), "model", ix.Manifest.Model, "elapsed", time.Since(started))
	return ix, nil
}
