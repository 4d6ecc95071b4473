package indexer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perbu/complaintrag/pkg/chunker"
	"github.com/perbu/complaintrag/pkg/complaintrag"
	"github.com/perbu/complaintrag/pkg/embedder"
	"github.com/perbu/complaintrag/pkg/metadata"
)

var docs = []complaintrag.Document{
	{ID: "A", Category: "Credit card", Narrative: "the card fee was charged twice without notice"},
	{ID: "E", Category: "Payday loan", Narrative: ""},
	{ID: "B", Category: "Money transfer", Narrative: "the transfer never arrived and support ignored me"},
}

func newBuilder(t *testing.T, e embedder.Embedder) *Builder {
	t.Helper()
	c, err := chunker.New(40, 5)
	require.NoError(t, err)
	if e == nil {
		e, err = embedder.NewHashing(64)
		require.NoError(t, err)
	}
	return NewBuilder(c, e, nil)
}

type failingEmbedder struct {
	embedder.Embedder
	err   error
	short bool
}

func (f failingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	vecs, err := f.Embedder.Embed(ctx, texts)
	if f.short {
		vecs = vecs[:len(vecs)-1]
	}
	return vecs, err
}

func TestBuild_PositionsFollowDocumentAndFragmentOrder(t *testing.T) {
	ix, err := newBuilder(t, nil).Build(context.Background(), docs)
	require.NoError(t, err)

	want := []complaintrag.Record{
		{FragmentID: "A_0", DocumentID: "A", Category: "Credit card", Text: "the card fee was charged twice without "},
		{FragmentID: "A_1", DocumentID: "A", Category: "Credit card", Text: "hout notice"},
		{FragmentID: "B_0", DocumentID: "B", Category: "Money transfer", Text: "the transfer never arrived and support "},
		{FragmentID: "B_1", DocumentID: "B", Category: "Money transfer", Text: "port ignored me"},
	}
	require.Equal(t, len(want), ix.Len())
	require.Equal(t, ix.Vectors.Len(), ix.Metadata.Len(), "co-indexed")
	for pos, w := range want {
		got, err := ix.Metadata.Get(pos)
		require.NoError(t, err)
		assert.Equal(t, w, got)
	}
	_, err = ix.Metadata.Get(len(want))
	require.ErrorIs(t, err, metadata.ErrDesync)

	assert.Equal(t, 64, ix.Manifest.Dimension)
	assert.Equal(t, 4, ix.Manifest.Count)
	assert.Equal(t, "hashing-fnv64a-64", ix.Manifest.Model)
	assert.Equal(t, ix.Generation, ix.Manifest.Generation)
}

func TestBuild_VectorsMatchFragmentEmbeddings(t *testing.T) {
	e, err := embedder.NewHashing(64)
	require.NoError(t, err)
	ix, err := newBuilder(t, e).Build(context.Background(), docs)
	require.NoError(t, err)

	for pos := 0; pos < ix.Len(); pos++ {
		rec, err := ix.Metadata.Get(pos)
		require.NoError(t, err)
		want, err := embedder.EmbedOne(context.Background(), e, rec.Text)
		require.NoError(t, err)
		got, ok := ix.Vectors.Vector(pos)
		require.True(t, ok)
		assert.Equal(t, want, got, "position %d", pos)
	}
}

func TestBuild_DataErrors(t *testing.T) {
	b := newBuilder(t, nil)
	ctx := context.Background()

	_, err := b.Build(ctx, nil)
	require.ErrorIs(t, err, ErrNoDocuments)

	_, err = b.Build(ctx, []complaintrag.Document{{ID: "1", Narrative: ""}, {ID: "2"}})
	require.ErrorIs(t, err, ErrNoFragments)
}

func TestBuild_EmbedderErrorsPropagate(t *testing.T) {
	base, err := embedder.NewHashing(8)
	require.NoError(t, err)
	boom := errors.New("model unavailable")

	_, err = newBuilder(t, failingEmbedder{Embedder: base, err: boom}).Build(context.Background(), docs)
	require.ErrorIs(t, err, boom)

	_, err = newBuilder(t, failingEmbedder{Embedder: base, short: true}).Build(context.Background(), docs)
	require.ErrorIs(t, err, embedder.ErrCountMismatch)
}

func TestSaveOpen_RoundTrip(t *testing.T) {
	ctx := context.Background()
	ix, err := newBuilder(t, nil).Build(ctx, docs)
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, ix.Save(ctx, dir))

	loaded, err := Open(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, ix.Generation, loaded.Generation)
	assert.Equal(t, ix.Len(), loaded.Len())
	assert.Equal(t, ix.Manifest.Model, loaded.Manifest.Model)
	assert.Equal(t, ix.Manifest.ChunkSize, loaded.Manifest.ChunkSize)

	for pos := 0; pos < ix.Len(); pos++ {
		a, _ := ix.Metadata.Get(pos)
		b, err := loaded.Metadata.Get(pos)
		require.NoError(t, err)
		assert.Equal(t, a, b)

		va, _ := ix.Vectors.Vector(pos)
		vb, _ := loaded.Vectors.Vector(pos)
		assert.Equal(t, va, vb)
	}
}

func TestOpen_MissingArtifacts(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	_, err := Open(ctx, dir)
	require.ErrorIs(t, err, ErrMissingArtifact)
	assert.Contains(t, err.Error(), VectorsFile)
	assert.Contains(t, err.Error(), MetadataFile)

	ix, err := newBuilder(t, nil).Build(ctx, docs)
	require.NoError(t, err)
	require.NoError(t, ix.Save(ctx, dir))
	require.NoError(t, os.Remove(filepath.Join(dir, MetadataFile)))

	_, err = Open(ctx, dir)
	require.ErrorIs(t, err, ErrMissingArtifact)
	var me *MissingArtifactError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, "metadata", me.Artifact)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestOpen_RejectsMixedGenerations(t *testing.T) {
	ctx := context.Background()
	b := newBuilder(t, nil)

	first, err := b.Build(ctx, docs)
	require.NoError(t, err)
	second, err := b.Build(ctx, docs)
	require.NoError(t, err)
	require.NotEqual(t, first.Generation, second.Generation)

	dirA, dirB := t.TempDir(), t.TempDir()
	require.NoError(t, first.Save(ctx, dirA))
	require.NoError(t, second.Save(ctx, dirB))

	data, err := os.ReadFile(filepath.Join(dirB, VectorsFile))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dirA, VectorsFile), data, 0o644))

	_, err = Open(ctx, dirA)
	require.ErrorIs(t, err, ErrArtifactMismatch)
	var mm *MismatchError
	require.ErrorAs(t, err, &mm)
	assert.Equal(t, "generation", mm.Field)
	assert.Equal(t, first.Generation, mm.Expected)
	assert.Equal(t, second.Generation, mm.Actual)
}

func TestSave_RefusesDesyncedIndex(t *testing.T) {
	ctx := context.Background()
	ix, err := newBuilder(t, nil).Build(ctx, docs)
	require.NoError(t, err)
	require.NoError(t, ix.Metadata.Put(ix.Metadata.Len(), complaintrag.Record{}))

	err = ix.Save(ctx, t.TempDir())
	require.ErrorIs(t, err, metadata.ErrDesync)
}
