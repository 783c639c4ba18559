package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	qaerrors "github.com/supnum/qarag/internal/errors"
)

// buildTestBundle assembles an aligned bundle from records with 4-dimensional vectors.
func buildTestBundle(t *testing.T, records []Record) *Bundle {
	t.Helper()

	vectors, err := NewFlatIndex(4)
	require.NoError(t, err)
	meta := NewMetadataStore()
	corpus := make([][]string, 0, len(records))
	for i, r := range records {
		meta.Append(r)
		corpus = append(corpus, Tokenize(r.DocText))
		require.NoError(t, vectors.Add(unit(float32(i+1), 1, 0, 0)))
	}
	return &Bundle{
		Vectors:  vectors,
		Lexical:  BuildLexical(corpus, DefaultBM25Params()),
		Metadata: meta,
		Manifest: Manifest{Model: "test-model"},
	}
}

func TestBundle_SaveLoadRoundTrip(t *testing.T) {
	// Given: a saved bundle
	dir := filepath.Join(t.TempDir(), "index")
	orig := buildTestBundle(t, sampleRecords())
	require.NoError(t, SaveBundle(dir, orig))

	// When: loading it
	loaded, err := LoadBundle(dir)
	require.NoError(t, err)

	// Then: all three structures and the manifest round-trip
	assert.Equal(t, orig.Metadata.Records(), loaded.Metadata.Records())
	require.Equal(t, orig.Vectors.Len(), loaded.Vectors.Len())
	for i := 0; i < orig.Vectors.Len(); i++ {
		assert.InDeltaSlice(t, orig.Vectors.Row(i), loaded.Vectors.Row(i), 1e-6)
	}
	for i := 0; i < orig.Lexical.Len(); i++ {
		assert.Equal(t, orig.Lexical.Corpus(i), loaded.Lexical.Corpus(i))
	}
	assert.Equal(t, orig.Lexical.AvgDocLength(), loaded.Lexical.AvgDocLength())
	assert.Equal(t, 3, loaded.Manifest.Count)
	assert.Equal(t, 4, loaded.Manifest.Dimensions)
	assert.Equal(t, "test-model", loaded.Manifest.Model)
	assert.NotEmpty(t, loaded.Manifest.BundleID)
}

func TestBundle_PositionalAlignment(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "index")
	require.NoError(t, SaveBundle(dir, buildTestBundle(t, sampleRecords())))

	b, err := LoadBundle(dir)
	require.NoError(t, err)

	n := b.Metadata.Len()
	assert.Equal(t, n, b.Vectors.Len())
	assert.Equal(t, n, b.Lexical.Len())
	for i, r := range b.Metadata.Records() {
		assert.Equal(t, Tokenize(r.DocText), b.Lexical.Corpus(i))
	}
}

func TestBundle_EmptyRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "index")
	require.NoError(t, SaveBundle(dir, buildTestBundle(t, nil)))

	b, err := LoadBundle(dir)

	require.NoError(t, err)
	assert.Equal(t, 0, b.Len())
}

func TestSaveBundle_RejectsMisaligned(t *testing.T) {
	// Given: a bundle whose vector index has an extra row
	b := buildTestBundle(t, sampleRecords())
	require.NoError(t, b.Vectors.Add(unit(1, 1, 1, 1)))
	dir := filepath.Join(t.TempDir(), "index")

	// When: saving
	err := SaveBundle(dir, b)

	// Then: nothing is published
	require.Error(t, err)
	_, statErr := os.Stat(dir)
	assert.True(t, os.IsNotExist(statErr))
}

func TestSaveBundle_ReplacesWholesale(t *testing.T) {
	// Given: a published bundle of three records
	dir := filepath.Join(t.TempDir(), "index")
	require.NoError(t, SaveBundle(dir, buildTestBundle(t, sampleRecords())))
	first, err := ReadManifest(dir)
	require.NoError(t, err)

	// When: publishing a one-record bundle over it
	require.NoError(t, SaveBundle(dir, buildTestBundle(t, sampleRecords()[:1])))

	// Then: the new bundle is complete and no staging leftovers remain
	b, err := LoadBundle(dir)
	require.NoError(t, err)
	assert.Equal(t, 1, b.Len())
	assert.NotEqual(t, first.BundleID, b.Manifest.BundleID)

	entries, err := os.ReadDir(filepath.Dir(dir))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "index", entries[0].Name())
}

func TestLoadBundle_MissingDirectory(t *testing.T) {
	_, err := LoadBundle(filepath.Join(t.TempDir(), "nope"))

	require.Error(t, err)
	assert.True(t, qaerrors.IsKind(err, qaerrors.ErrCodeIndexNotFound))
}

func TestLoadBundle_MissingArtifactIsCorrupt(t *testing.T) {
	for _, name := range []string{ManifestFile, VectorsFile, LexicalFile, MetadataFile} {
		t.Run(name, func(t *testing.T) {
			// Given: a bundle with one artifact removed
			dir := filepath.Join(t.TempDir(), "index")
			require.NoError(t, SaveBundle(dir, buildTestBundle(t, sampleRecords())))
			require.NoError(t, os.Remove(filepath.Join(dir, name)))

			// When: loading
			b, err := LoadBundle(dir)

			// Then: the load fails instead of returning a partial bundle
			require.Error(t, err)
			assert.Nil(t, b)
			assert.True(t, qaerrors.IsKind(err, qaerrors.ErrCodeCorruptIndex))
			assert.Contains(t, err.Error(), name)
		})
	}
}

func TestLoadBundle_MismatchedPartsAreCorrupt(t *testing.T) {
	// Given: a three-record bundle whose metadata is swapped for a one-record file
	dir := filepath.Join(t.TempDir(), "index")
	require.NoError(t, SaveBundle(dir, buildTestBundle(t, sampleRecords())))
	other := filepath.Join(t.TempDir(), "other")
	require.NoError(t, SaveBundle(other, buildTestBundle(t, sampleRecords()[:1])))
	data, err := os.ReadFile(filepath.Join(other, MetadataFile))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, MetadataFile), data, 0o644))

	// When: loading
	_, err = LoadBundle(dir)

	// Then: CorruptIndex
	require.Error(t, err)
	assert.True(t, qaerrors.IsKind(err, qaerrors.ErrCodeCorruptIndex))
}

func TestLoadBundle_DocTextLexicalDriftIsCorrupt(t *testing.T) {
	// Given: metadata whose doc_text no longer tokenizes to the stored lexical row
	records := sampleRecords()
	dir := filepath.Join(t.TempDir(), "index")
	require.NoError(t, SaveBundle(dir, buildTestBundle(t, records)))

	edited := NewMetadataStore()
	for _, r := range records {
		edited.Append(r)
	}
	edited.records[0].DocText = "something else entirely"
	require.NoError(t, edited.Save(filepath.Join(dir, MetadataFile)))

	// When: loading
	_, err := LoadBundle(dir)

	// Then: CorruptIndex
	assert.True(t, qaerrors.IsKind(err, qaerrors.ErrCodeCorruptIndex))
}

func TestIndexLock_ExcludesSecondHolder(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "index")
	first := NewIndexLock(dir)
	require.NoError(t, first.Acquire(context.Background()))
	defer first.Release()

	second := NewIndexLock(dir)
	ok, err := second.TryAcquire()
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, first.Release())
	ok, err = second.TryAcquire()
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, second.Release())
}
