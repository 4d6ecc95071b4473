package vectorindex

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var points = [][]float32{
	{0, 0},  // 0
	{1, 0},  // 1
	{0, 1},  // 2
	{2, 2},  // 3
	{-1, 0}, // 4
}

func positions(ns []Neighbor) []int {
	out := make([]int, len(ns))
	for i, n := range ns {
		out[i] = n.Position
	}
	return out
}

func TestSearch_HandBuiltPoints(t *testing.T) {
	idx, err := Build(2, points)
	require.NoError(t, err)
	require.Equal(t, 5, idx.Len())

	tests := []struct {
		name      string
		query     []float32
		k         int
		positions []int
		distances []float64
	}{
		{"origin ties by position", []float32{0, 0}, 5, []int{0, 1, 2, 4, 3}, []float64{0, 1, 1, 1, 8}},
		{"diagonal", []float32{1, 1}, 5, []int{1, 2, 0, 3, 4}, []float64{1, 1, 2, 2, 5}},
		{"top two", []float32{2, 1.5}, 2, []int{3, 1}, []float64{0.25, 3.25}},
		{"k larger than n", []float32{-1, 0}, 50, []int{4, 0, 2, 1, 3}, []float64{0, 1, 2, 4, 13}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := idx.Search(tt.query, tt.k)
			require.NoError(t, err)
			assert.Equal(t, tt.positions, positions(got))
			for i, n := range got {
				assert.InDelta(t, tt.distances[i], n.Distance, 1e-9)
			}
		})
	}
}

func TestSearchFiltered(t *testing.T) {
	idx, err := Build(2, points)
	require.NoError(t, err)

	got, err := idx.SearchFiltered([]float32{0, 0}, 5, roaring.BitmapOf(4, 3, 2, 99))
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4, 3}, positions(got), "ties by position, out-of-range ignored")

	got, err = idx.SearchFiltered([]float32{0, 0}, 1, roaring.BitmapOf(1, 3))
	require.NoError(t, err)
	assert.Equal(t, []int{1}, positions(got))

	got, err = idx.SearchFiltered([]float32{0, 0}, 3, roaring.New())
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = idx.SearchFiltered([]float32{0, 0}, 5, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 4, 3}, positions(got), "nil allow set searches everything")

	_, err = idx.SearchFiltered([]float32{0, 0}, 0, roaring.BitmapOf(1))
	require.ErrorIs(t, err, ErrInvalidK)
	var dm *DimensionMismatchError
	_, err = idx.SearchFiltered([]float32{0}, 1, roaring.BitmapOf(1))
	require.ErrorAs(t, err, &dm)
}

func TestSearch_Errors(t *testing.T) {
	idx, err := Build(2, points)
	require.NoError(t, err)

	_, err = idx.Search([]float32{0, 0}, 0)
	require.ErrorIs(t, err, ErrInvalidK)

	_, err = idx.Search([]float32{0, 0, 0}, 1)
	var dm *DimensionMismatchError
	require.ErrorAs(t, err, &dm)
	assert.Equal(t, 2, dm.Expected)
	assert.Equal(t, 3, dm.Actual)
}

func TestBuild_Validation(t *testing.T) {
	_, err := Build(0, nil)
	require.ErrorIs(t, err, ErrInvalidDimension)

	_, err = Build(2, [][]float32{{1, 2}, {1, 2, 3}})
	var dm *DimensionMismatchError
	require.ErrorAs(t, err, &dm)
}

func TestBuild_CopiesInput(t *testing.T) {
	in := [][]float32{{1, 1}}
	idx, err := Build(2, in)
	require.NoError(t, err)
	in[0][0] = 100

	v, ok := idx.Vector(0)
	require.True(t, ok)
	assert.Equal(t, []float32{1, 1}, v)
	_, ok = idx.Vector(1)
	assert.False(t, ok)
}

func TestSearch_EmptyIndex(t *testing.T) {
	idx, err := Build(3, nil)
	require.NoError(t, err)

	got, err := idx.Search([]float32{1, 2, 3}, 5)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMarshalBinary_RoundTrip(t *testing.T) {
	vecs := [][]float32{{0.1, -0.2, 0.3}, {1e-30, 3.4e38, -0}, {0.333333, 0.5, 0.25}}
	idx, err := Build(3, vecs)
	require.NoError(t, err)

	data, err := idx.MarshalBinary()
	require.NoError(t, err)

	var loaded Flat
	require.NoError(t, loaded.UnmarshalBinary(data))
	assert.Equal(t, idx.Dimension(), loaded.Dimension())
	assert.Equal(t, idx.Len(), loaded.Len())
	for i := range vecs {
		a, _ := idx.Vector(i)
		b, _ := loaded.Vector(i)
		assert.Equal(t, a, b)
	}

	require.ErrorIs(t, loaded.UnmarshalBinary(data[:len(data)-1]), ErrCorrupt)
	require.ErrorIs(t, loaded.UnmarshalBinary(data[:4]), ErrCorrupt)
}

func TestUnmarshalBinary_HeaderSizeOverflow(t *testing.T) {
	header := func(dim, n uint32, extra int) []byte {
		b := make([]byte, 8+extra)
		binary.LittleEndian.PutUint32(b[0:4], dim)
		binary.LittleEndian.PutUint32(b[4:8], n)
		return b
	}
	tests := []struct {
		name string
		data []byte
	}{
		{"product wraps to zero", header(1<<31, 1<<31, 0)},
		{"maximum counts", header(math.MaxUint32, math.MaxUint32, 16)},
		{"huge count small payload", header(1, 1<<30, 4)},
		{"ragged payload", header(1, 1, 6)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var f Flat
			require.NotPanics(t, func() {
				assert.ErrorIs(t, f.UnmarshalBinary(tt.data), ErrCorrupt)
			})
			assert.Equal(t, 0, f.Len())
		})
	}
}

func TestFile_RoundTripSearchIdentical(t *testing.T) {
	idx, err := Build(2, points)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "nested", "vectors.idx.zst")
	gen := uuid.New()
	require.NoError(t, idx.WriteFile(path, gen))

	loaded, gotGen, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, gen, gotGen)

	queries := [][]float32{{0, 0}, {1, 1}, {2, 1.5}, {-3, 7}, {0.5, 0.5}}
	for _, q := range queries {
		for k := 1; k <= 6; k++ {
			want, err := idx.Search(q, k)
			require.NoError(t, err)
			got, err := loaded.Search(q, k)
			require.NoError(t, err)
			assert.Equal(t, want, got, "query %v k %d", q, k)
		}
	}
}

func TestFile_EmptyIndexRoundTrip(t *testing.T) {
	idx, err := Build(4, nil)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "empty.idx.zst")
	require.NoError(t, idx.WriteFile(path, uuid.Nil))

	loaded, _, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 0, loaded.Len())
	assert.Equal(t, 4, loaded.Dimension())
}

func TestReadFile_Errors(t *testing.T) {
	dir := t.TempDir()

	_, _, err := ReadFile(filepath.Join(dir, "missing"))
	require.ErrorIs(t, err, os.ErrNotExist)

	bogus := filepath.Join(dir, "bogus")
	require.NoError(t, os.WriteFile(bogus, []byte("definitely not an index file"), 0o644))
	_, _, err = ReadFile(bogus)
	require.ErrorIs(t, err, ErrNotIndexFile)

	idx, err := Build(2, points)
	require.NoError(t, err)
	good := filepath.Join(dir, "good")
	require.NoError(t, idx.WriteFile(good, uuid.New()))
	data, err := os.ReadFile(good)
	require.NoError(t, err)
	truncated := filepath.Join(dir, "truncated")
	require.NoError(t, os.WriteFile(truncated, data[:headerSize+3], 0o644))
	_, _, err = ReadFile(truncated)
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestWriteFile_RenameFailureRemovesTemp(t *testing.T) {
	idx, err := Build(2, points)
	require.NoError(t, err)

	// A non-empty directory at the target path makes the rename fail.
	path := filepath.Join(t.TempDir(), "vectors.idx.zst")
	require.NoError(t, os.MkdirAll(filepath.Join(path, "occupied"), 0o755))

	require.Error(t, idx.WriteFile(path, uuid.New()))
	_, err = os.Stat(path + ".tmp")
	assert.ErrorIs(t, err, os.ErrNotExist)
}
