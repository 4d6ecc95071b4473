// Package metadata keeps the provenance record of every indexed fragment,
// keyed by the fragment's position in the vector index.
package metadata

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/perbu/complaintrag/pkg/complaintrag"
)

// ErrDesync means a position has no record. The vector index and the
// metadata store disagree, which is never recoverable.
var ErrDesync = errors.New("metadata: index and metadata out of sync")

// PositionError reports an access outside the dense position range.
type PositionError struct {
	Position int
	Len      int
}

func (e *PositionError) Error() string {
	return fmt.Sprintf("metadata: position %d out of range [0, %d)", e.Position, e.Len)
}

func (e *PositionError) Unwrap() error { return ErrDesync }

// Store is a dense position -> record table with a posting list of
// positions per category. It is filled during a build and read-only
// afterwards; concurrent reads are safe once filling is done.
type Store struct {
	records    []complaintrag.Record
	categories map[string]*roaring.Bitmap
}

// New returns an empty store with room for capacity records.
func New(capacity int) *Store {
	return &Store{
		records:    make([]complaintrag.Record, 0, capacity),
		categories: make(map[string]*roaring.Bitmap),
	}
}

// Put stores r at pos. Positions are dense: pos may overwrite an existing
// record or append at Len(), but never leave a gap.
func (s *Store) Put(pos int, r complaintrag.Record) error {
	switch {
	case pos >= 0 && pos < len(s.records):
		old := s.records[pos].Category
		if bm := s.categories[old]; bm != nil {
			bm.Remove(uint32(pos))
			if bm.IsEmpty() {
				delete(s.categories, old)
			}
		}
		s.records[pos] = r
	case pos == len(s.records):
		s.records = append(s.records, r)
	default:
		return &PositionError{Position: pos, Len: len(s.records)}
	}
	bm := s.categories[r.Category]
	if bm == nil {
		bm = roaring.New()
		s.categories[r.Category] = bm
	}
	bm.Add(uint32(pos))
	return nil
}

// Get returns the record at pos.
func (s *Store) Get(pos int) (complaintrag.Record, error) {
	if pos < 0 || pos >= len(s.records) {
		return complaintrag.Record{}, &PositionError{Position: pos, Len: len(s.records)}
	}
	return s.records[pos], nil
}

// Len returns the number of records.
func (s *Store) Len() int { return len(s.records) }

// Categories returns the distinct categories in sorted order.
func (s *Store) Categories() []string {
	return slices.Sorted(maps.Keys(s.categories))
}

// CategoryCount returns the number of records filed under category.
func (s *Store) CategoryCount(category string) int {
	if bm := s.categories[category]; bm != nil {
		return int(bm.GetCardinality())
	}
	return 0
}

// Filter returns the positions whose category is any of categories. The
// bitmap is a fresh copy owned by the caller. Unknown categories match
// nothing, so the result may be empty.
func (s *Store) Filter(categories ...string) *roaring.Bitmap {
	out := roaring.New()
	for _, c := range categories {
		if bm := s.categories[c]; bm != nil {
			out.Or(bm)
		}
	}
	return out
}
