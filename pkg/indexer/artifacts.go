package indexer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/perbu/complaintrag/pkg/metadata"
	"github.com/perbu/complaintrag/pkg/vectorindex"
)

// Artifact file names inside an index directory.
const (
	VectorsFile  = "vectors.idx.zst"
	MetadataFile = "metadata.sqlite"
)

var (
	ErrMissingArtifact  = errors.New("indexer: missing index artifact")
	ErrArtifactMismatch = errors.New("indexer: index artifacts do not belong together")
)

// MissingArtifactError names the artifact that could not be found.
type MissingArtifactError struct {
	Artifact string // "vector index" or "metadata"
	Path     string
	Err      error
}

func (e *MissingArtifactError) Error() string {
	return fmt.Sprintf("indexer: %s file not found at %s", e.Artifact, e.Path)
}

func (e *MissingArtifactError) Unwrap() []error { return []error{ErrMissingArtifact, e.Err} }

// MismatchError reports a property the two artifacts disagree on.
type MismatchError struct {
	Field    string
	Expected any // as recorded in the metadata manifest
	Actual   any // as found in the vector index
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("indexer: %s mismatch between metadata and vector index: expected %v, got %v", e.Field, e.Expected, e.Actual)
}

func (e *MismatchError) Unwrap() error { return ErrArtifactMismatch }

// Save writes both artifacts into dir. Each file is replaced atomically;
// a crash between the two writes leaves artifacts of different generations,
// which Open rejects.
func (ix *Index) Save(ctx context.Context, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if ix.Vectors.Len() != ix.Metadata.Len() {
		return fmt.Errorf("%w: %d vectors, %d records", metadata.ErrDesync, ix.Vectors.Len(), ix.Metadata.Len())
	}
	if err := ix.Vectors.WriteFile(filepath.Join(dir, VectorsFile), ix.Generation); err != nil {
		return fmt.Errorf("indexer: writing vector index: %w", err)
	}
	m := ix.Manifest
	m.Generation = ix.Generation
	if err := ix.Metadata.WriteFile(ctx, filepath.Join(dir, MetadataFile), m); err != nil {
		return fmt.Errorf("indexer: writing metadata: %w", err)
	}
	return nil
}

// Open loads the artifact pair from dir and verifies that both come from
// the same build.
func Open(ctx context.Context, dir string) (*Index, error) {
	vecPath := filepath.Join(dir, VectorsFile)
	metaPath := filepath.Join(dir, MetadataFile)

	var missing []error
	for _, a := range []struct{ name, path string }{{"vector index", vecPath}, {"metadata", metaPath}} {
		if _, err := os.Stat(a.path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				missing = append(missing, &MissingArtifactError{Artifact: a.name, Path: a.path, Err: err})
				continue
			}
			return nil, err
		}
	}
	if len(missing) > 0 {
		return nil, errors.Join(missing...)
	}

	flat, gen, err := vectorindex.ReadFile(vecPath)
	if err != nil {
		return nil, fmt.Errorf("indexer: reading vector index: %w", err)
	}
	store, manifest, err := metadata.ReadFile(ctx, metaPath)
	if err != nil {
		return nil, fmt.Errorf("indexer: reading metadata: %w", err)
	}

	switch {
	case gen != manifest.Generation:
		return nil, &MismatchError{Field: "generation", Expected: manifest.Generation, Actual: gen}
	case flat.Len() != manifest.Count:
		return nil, &MismatchError{Field: "entry count", Expected: manifest.Count, Actual: flat.Len()}
	case flat.Dimension() != manifest.Dimension:
		return nil, &MismatchError{Field: "dimension", Expected: manifest.Dimension, Actual: flat.Dimension()}
	}

	return &Index{
		Generation: gen,
		Manifest:   manifest,
		Vectors:    flat,
		Metadata:   store,
	}, nil
}
