// Package vectorindex provides an exact nearest-neighbour index over
// fixed-dimension float32 vectors using squared Euclidean distance.
//
// Positions are assigned 0..n-1 in build order and are the join key into
// the metadata store. An index is built once from the complete vector set;
// it is never mutated afterwards and may be searched from many goroutines.
package vectorindex

import (
	"cmp"
	"errors"
	"fmt"
	"slices"

	"github.com/RoaringBitmap/roaring/v2"
)

var (
	// ErrInvalidK is returned when k is not positive.
	ErrInvalidK = errors.New("vectorindex: k must be positive")
	// ErrInvalidDimension indicates a non-positive configured dimension.
	ErrInvalidDimension = errors.New("vectorindex: dimension must be positive")
)

// DimensionMismatchError reports a vector whose length differs from the index dimension.
type DimensionMismatchError struct {
	Expected int
	Actual   int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("vectorindex: dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// Neighbor is one search hit.
type Neighbor struct {
	Position int
	Distance float64 // squared L2
}

// Flat answers kNN queries by scanning every stored vector.
type Flat struct {
	dim  int
	vecs [][]float32
}

// Build creates an index over vectors, assigning positions in input order.
// The vectors are copied. An empty vector set yields a valid empty index.
func Build(dim int, vectors [][]float32) (*Flat, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidDimension, dim)
	}
	backing := make([]float32, dim*len(vectors))
	vecs := make([][]float32, len(vectors))
	for i, v := range vectors {
		if len(v) != dim {
			return nil, fmt.Errorf("vector %d: %w", i, &DimensionMismatchError{Expected: dim, Actual: len(v)})
		}
		dst := backing[i*dim : (i+1)*dim : (i+1)*dim]
		copy(dst, v)
		vecs[i] = dst
	}
	return &Flat{dim: dim, vecs: vecs}, nil
}

// Len returns the number of indexed vectors.
func (f *Flat) Len() int { return len(f.vecs) }

// Dimension returns the vector dimension.
func (f *Flat) Dimension() int { return f.dim }

// Vector returns the vector stored at pos. The slice must not be modified.
func (f *Flat) Vector(pos int) ([]float32, bool) {
	if pos < 0 || pos >= len(f.vecs) {
		return nil, false
	}
	return f.vecs[pos], true
}

// Search returns the min(k, Len()) nearest vectors to query, ordered by
// ascending squared L2 distance; equal distances are ordered by position.
func (f *Flat) Search(query []float32, k int) ([]Neighbor, error) {
	if k <= 0 {
		return nil, ErrInvalidK
	}
	if len(query) != f.dim {
		return nil, &DimensionMismatchError{Expected: f.dim, Actual: len(query)}
	}

	all := make([]Neighbor, len(f.vecs))
	for i, v := range f.vecs {
		all[i] = Neighbor{Position: i, Distance: SquaredL2(query, v)}
	}
	return topK(all, k), nil
}

// SearchFiltered is Search restricted to the positions in allow. Positions
// outside the index are ignored. An empty allow set yields no neighbors;
// a nil allow set applies no filter.
func (f *Flat) SearchFiltered(query []float32, k int, allow *roaring.Bitmap) ([]Neighbor, error) {
	if allow == nil {
		return f.Search(query, k)
	}
	if k <= 0 {
		return nil, ErrInvalidK
	}
	if len(query) != f.dim {
		return nil, &DimensionMismatchError{Expected: f.dim, Actual: len(query)}
	}

	cands := make([]Neighbor, 0, min(int(allow.GetCardinality()), len(f.vecs)))
	it := allow.Iterator()
	for it.HasNext() {
		pos := int(it.Next())
		if pos >= len(f.vecs) {
			break
		}
		cands = append(cands, Neighbor{Position: pos, Distance: SquaredL2(query, f.vecs[pos])})
	}
	return topK(cands, k), nil
}

func topK(all []Neighbor, k int) []Neighbor {
	slices.SortFunc(all, compareNeighbors)
	if k > len(all) {
		k = len(all)
	}
	return all[:k:k]
}

func compareNeighbors(a, b Neighbor) int {
	if c := cmp.Compare(a.Distance, b.Distance); c != 0 {
		return c
	}
	return cmp.Compare(a.Position, b.Position)
}

// SquaredL2 computes the squared Euclidean distance, accumulating in float64.
// Assumes vectors are the same length (caller's responsibility).
func SquaredL2(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return sum
}
