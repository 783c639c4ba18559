package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	qaerrors "github.com/supnum/qarag/internal/errors"
)

func sampleRecords() []Record {
	return []Record{
		{Question: "What is 2+2?", Answer: "4", Source: "faq", Tags: []string{"math"}, DocText: ComposeDocText("What is 2+2?", "4")},
		{Question: "ما هي عاصمة فرنسا؟", Answer: "باريس", Tags: []string{"geo", "geo"}, DocText: ComposeDocText("ما هي عاصمة فرنسا؟", "باريس")},
		{Question: "Où s'inscrire ?", Answer: "En ligne <https://supnum.mr>", DocText: ComposeDocText("Où s'inscrire ?", "En ligne <https://supnum.mr>")},
	}
}

func TestMetadata_AppendAssignsPositions(t *testing.T) {
	m := NewMetadataStore()

	for i, r := range sampleRecords() {
		assert.Equal(t, i, m.Append(r))
	}

	assert.Equal(t, 3, m.Len())
	r, ok := m.Get(2)
	require.True(t, ok)
	assert.Equal(t, []string{}, r.Tags)
	_, ok = m.Get(3)
	assert.False(t, ok)
}

func TestMetadata_SaveLoadRoundTrip(t *testing.T) {
	// Given: records with non-ASCII text and duplicate tags
	m := NewMetadataStore()
	for _, r := range sampleRecords() {
		m.Append(r)
	}
	path := filepath.Join(t.TempDir(), MetadataFile)

	// When: saving and loading
	require.NoError(t, m.Save(path))
	loaded, err := LoadMetadata(path)
	require.NoError(t, err)

	// Then: records are identical and in the same order
	assert.Equal(t, m.Records(), loaded.Records())
}

func TestMetadata_SaveWritesOneLinePerRecordVerbatim(t *testing.T) {
	m := NewMetadataStore()
	for _, r := range sampleRecords() {
		m.Append(r)
	}
	path := filepath.Join(t.TempDir(), MetadataFile)
	require.NoError(t, m.Save(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	assert.Len(t, lines, 3)
	assert.Contains(t, lines[1], "باريس")
	assert.Contains(t, lines[2], "<https://supnum.mr>")
	assert.Contains(t, lines[0], `"doc_text":"What is 2+2?\n4"`)
}

func TestLoadMetadata_FailsFastOnBadLine(t *testing.T) {
	tests := []struct {
		name    string
		content string
		line    string
	}{
		{"broken json", "{\"question\":\"a\",\"answer\":\"b\"}\n{\"question\":\n{\"question\":\"c\",\"answer\":\"d\"}\n", "2"},
		{"blank line", "{\"question\":\"a\",\"answer\":\"b\"}\n\n{\"question\":\"c\",\"answer\":\"d\"}\n", "2"},
		{"not an object", "[1,2]\n", "1"},
		{"wrong field type", "{\"question\":\"a\",\"answer\":\"b\"}\n{\"question\":\"c\",\"answer\":\"d\"}\n{\"tags\":\"x\"}\n", "3"},
		{"trailing garbage", "{\"question\":\"a\"} junk\n", "1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Given: a metadata file with one bad line
			path := filepath.Join(t.TempDir(), MetadataFile)
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))

			// When: loading
			m, err := LoadMetadata(path)

			// Then: the whole load fails, naming the line
			require.Error(t, err)
			assert.Nil(t, m)
			qe, ok := qaerrors.As(err)
			require.True(t, ok)
			assert.Equal(t, qaerrors.ErrCodeCorruptIndex, qe.Code)
			assert.Equal(t, tt.line, qe.Details["line"])
		})
	}
}

func TestLoadMetadata_EmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), MetadataFile)
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	m, err := LoadMetadata(path)

	require.NoError(t, err)
	assert.Equal(t, 0, m.Len())
}
