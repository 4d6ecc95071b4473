package metadata

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perbu/complaintrag/pkg/complaintrag"
)

func sampleStore(t *testing.T) *Store {
	t.Helper()
	s := New(3)
	recs := []complaintrag.Record{
		{FragmentID: "101_0", DocumentID: "101", Category: "Credit card", Text: "the card fee was charged twice"},
		{FragmentID: "101_1", DocumentID: "101", Category: "Credit card", Text: "twice without notice"},
		{FragmentID: "202_0", DocumentID: "202", Category: "Money transfer", Text: "the transfer never arrived"},
	}
	for i, r := range recs {
		require.NoError(t, s.Put(i, r))
	}
	return s
}

func TestStore_PutGet(t *testing.T) {
	s := sampleStore(t)
	assert.Equal(t, 3, s.Len())

	r, err := s.Get(2)
	require.NoError(t, err)
	assert.Equal(t, "202_0", r.FragmentID)

	require.NoError(t, s.Put(1, complaintrag.Record{FragmentID: "x"}))
	r, err = s.Get(1)
	require.NoError(t, err)
	assert.Equal(t, "x", r.FragmentID)
}

func TestStore_OutOfRangeIsDesync(t *testing.T) {
	s := sampleStore(t)

	for _, pos := range []int{-1, 3, 100} {
		_, err := s.Get(pos)
		require.ErrorIs(t, err, ErrDesync)
		var pe *PositionError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, pos, pe.Position)
		assert.Equal(t, 3, pe.Len)
	}

	err := s.Put(5, complaintrag.Record{})
	require.ErrorIs(t, err, ErrDesync, "gaps are not allowed")
}

func TestStore_FileRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := sampleStore(t)
	path := filepath.Join(t.TempDir(), "idx", "metadata.sqlite")

	want := Manifest{
		Generation:   uuid.New(),
		Count:        999, // overwritten from the store
		Dimension:    384,
		Model:        "hashing-fnv64a-384",
		ChunkSize:    200,
		ChunkOverlap: 20,
		CreatedAt:    time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC),
	}
	require.NoError(t, s.WriteFile(ctx, path, want))
	_, err := os.Stat(path + ".tmp")
	assert.ErrorIs(t, err, os.ErrNotExist)

	loaded, got, err := ReadFile(ctx, path)
	require.NoError(t, err)
	want.Count = 3
	assert.Equal(t, want, got)
	require.Equal(t, s.Len(), loaded.Len())
	for i := 0; i < s.Len(); i++ {
		a, _ := s.Get(i)
		b, err := loaded.Get(i)
		require.NoError(t, err)
		assert.Equal(t, a, b)
	}

	// Rewriting replaces the previous generation entirely.
	next := New(0)
	require.NoError(t, next.Put(0, complaintrag.Record{FragmentID: "9_0", DocumentID: "9", Category: "Payday loan", Text: "t"}))
	require.NoError(t, next.WriteFile(ctx, path, Manifest{Generation: uuid.New(), Dimension: 384}))
	loaded, _, err = ReadFile(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.Len())
}

func TestReadFile_Missing(t *testing.T) {
	_, _, err := ReadFile(context.Background(), filepath.Join(t.TempDir(), "nope.sqlite"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestReadFile_DetectsGapsAndCountMismatch(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "metadata.sqlite")
	require.NoError(t, sampleStore(t).WriteFile(ctx, path, Manifest{Generation: uuid.New(), Dimension: 2}))

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(`DELETE FROM records WHERE position = 1`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, _, err = ReadFile(ctx, path)
	require.ErrorIs(t, err, ErrDesync)

	db, err = sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(`DELETE FROM records WHERE position = 2`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, _, err = ReadFile(ctx, path)
	require.ErrorIs(t, err, ErrDesync, "two records left, manifest says three")
}

func TestStore_CategoryPostings(t *testing.T) {
	s := sampleStore(t)
	assert.Equal(t, []string{"Credit card", "Money transfer"}, s.Categories())
	assert.Equal(t, 2, s.CategoryCount("Credit card"))
	assert.Equal(t, []uint32{0, 1}, s.Filter("Credit card").ToArray())
	assert.Equal(t, []uint32{0, 1, 2}, s.Filter("Money transfer", "Credit card", "Mortgage").ToArray())
	assert.True(t, s.Filter("Mortgage").IsEmpty())
	assert.True(t, s.Filter().IsEmpty())

	// The returned bitmap is a copy.
	s.Filter("Credit card").Add(2)
	assert.Equal(t, 2, s.CategoryCount("Credit card"))

	// Overwriting a record moves its position to the new category.
	require.NoError(t, s.Put(2, complaintrag.Record{FragmentID: "202_0", Category: "Credit card"}))
	assert.Equal(t, []string{"Credit card"}, s.Categories())
	assert.Equal(t, 3, s.CategoryCount("Credit card"))
	assert.Zero(t, s.CategoryCount("Money transfer"))
}

func TestReadFile_RebuildsCategoryPostings(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "metadata.sqlite")
	require.NoError(t, sampleStore(t).WriteFile(ctx, path, Manifest{Generation: uuid.New(), Dimension: 4}))

	loaded, _, err := ReadFile(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, []uint32{2}, loaded.Filter("Money transfer").ToArray())
}
