package index

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	qaerrors "github.com/supnum/qarag/internal/errors"
)

func TestParseJSONL_ObjectsBlankAndBadLines(t *testing.T) {
	// Given: a file with a good record, a blank line, garbage and an array
	input := strings.Join([]string{
		`{"question":"What is 2+2?","answer":"4","tags":["math","math"]}`,
		``,
		`not json`,
		`["question","answer"]`,
		`{"question":"Capitale ?","answer":"Paris","source":"faq","tags":"geo"}`,
	}, "\n")

	// When: parsed
	records, rejections, err := ParseJSONL(strings.NewReader(input))

	// Then: two records with their line numbers, two rejections
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, 1, records[0].Line)
	assert.Equal(t, TagList{"math", "math"}, records[0].Tags)
	assert.Equal(t, 5, records[1].Line)
	assert.Equal(t, TagList{"geo"}, records[1].Tags)
	assert.Equal(t, "faq", records[1].Source)

	require.Len(t, rejections, 2)
	assert.Equal(t, 3, rejections[0].Line)
	assert.Equal(t, 4, rejections[1].Line)
}

// failingReader yields its data, then fails.
type failingReader struct {
	r   io.Reader
	err error
}

func (f *failingReader) Read(p []byte) (int, error) {
	n, err := f.r.Read(p)
	if err == io.EOF {
		return n, f.err
	}
	return n, err
}

func TestParseJSONL_ReadFailure_IsReadError(t *testing.T) {
	// Given: a reader that fails after the first record
	ioErr := errors.New("input/output error")
	r := &failingReader{r: strings.NewReader(`{"question":"q","answer":"a"}` + "\n"), err: ioErr}

	// When: parsed
	_, _, err := ParseJSONL(r)

	// Then: the failure is reported as a read error, not a missing file
	require.Error(t, err)
	assert.True(t, qaerrors.IsKind(err, qaerrors.ErrCodeFileRead), "got %v", err)
	assert.False(t, qaerrors.IsKind(err, qaerrors.ErrCodeFileNotFound))
	assert.ErrorIs(t, err, ioErr)
}

func TestParseJSONLFile_Missing_IsNotFound(t *testing.T) {
	_, _, err := ParseJSONLFile(t.TempDir() + "/absent.jsonl")

	assert.True(t, qaerrors.IsKind(err, qaerrors.ErrCodeFileNotFound), "got %v", err)
}

func TestParseJSONL_BadTagType_Rejected(t *testing.T) {
	_, rejections, err := ParseJSONL(strings.NewReader(`{"question":"q","answer":"a","tags":[1,2]}`))

	require.NoError(t, err)
	require.Len(t, rejections, 1)
	assert.Contains(t, rejections[0].Reason, "tags")
}

func TestParseJSONL_ByteOrderMark(t *testing.T) {
	records, rejections, err := ParseJSONL(strings.NewReader("\xef\xbb\xbf{\"question\":\"q\",\"answer\":\"a\"}"))

	require.NoError(t, err)
	assert.Empty(t, rejections)
	assert.Len(t, records, 1)
}

func TestValidate_TrimsAndComposesDocText(t *testing.T) {
	// Given: a record with padding
	raw := RawRecord{Line: 1, Question: "  Capital of France?  ", Answer: "\tParis\n"}

	// When: validated
	rec, err := Validate(raw)

	// Then: fields are trimmed and doc_text joins them with a newline
	require.NoError(t, err)
	assert.Equal(t, "Capital of France?", rec.Question)
	assert.Equal(t, "Paris", rec.Answer)
	assert.Equal(t, "Capital of France?\nParis", rec.DocText)
	assert.NotNil(t, rec.Tags)
	assert.Empty(t, rec.Tags)
}

func TestValidate_MissingFields_ValidationError(t *testing.T) {
	tests := []struct {
		name string
		raw  RawRecord
		want string
	}{
		{"missing answer", RawRecord{Question: "q"}, "missing answer"},
		{"blank answer", RawRecord{Question: "q", Answer: "   "}, "missing answer"},
		{"missing question", RawRecord{Answer: "a"}, "missing question"},
		{"missing both", RawRecord{}, "missing question and answer"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Validate(tt.raw)
			require.Error(t, err)
			assert.True(t, qaerrors.IsKind(err, qaerrors.ErrCodeInvalidInput))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestMergeByLine(t *testing.T) {
	a := []Rejection{{Line: 2}, {Line: 7}}
	b := []Rejection{{Line: 1}, {Line: 5}, {Line: 9}}

	got := mergeByLine(a, b)

	lines := make([]int, len(got))
	for i, r := range got {
		lines[i] = r.Line
	}
	assert.Equal(t, []int{1, 2, 5, 7, 9}, lines)
}
