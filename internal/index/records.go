// Package index builds and publishes index bundles from question/answer
// records.
package index

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	qaerrors "github.com/supnum/qarag/internal/errors"
	"github.com/supnum/qarag/internal/store"
)

// maxLineSize bounds one JSONL input line.
const maxLineSize = 16 * 1024 * 1024

// RawRecord is one input record before validation. Line is the 1-based
// input line, or the 1-based slice index for in-memory input.
type RawRecord struct {
	Line     int     `json:"-"`
	Question string  `json:"question"`
	Answer   string  `json:"answer"`
	Source   string  `json:"source"`
	Tags     TagList `json:"tags"`
}

// TagList accepts either a JSON array of strings or a single string.
type TagList []string

// UnmarshalJSON implements json.Unmarshaler.
func (t *TagList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*t = nil
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var one string
		if err := json.Unmarshal(data, &one); err != nil {
			return err
		}
		*t = TagList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("tags must be a string or an array of strings")
	}
	*t = many
	return nil
}

// Rejection records why an input record was not indexed.
type Rejection struct {
	Line   int    `json:"line"`
	Reason string `json:"reason"`
}

// ParseJSONL reads one JSON object per line. Blank lines are skipped. A line
// that is not an object with the expected field types becomes a Rejection;
// only read errors fail the call.
func ParseJSONL(r io.Reader) ([]RawRecord, []Rejection, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var (
		records    []RawRecord
		rejections []Rejection
		line       int
	)
	for scanner.Scan() {
		line++
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 {
			continue
		}
		if line == 1 {
			text = bytes.TrimPrefix(text, []byte("\xef\xbb\xbf"))
		}

		var raw RawRecord
		if err := decodeObject(text, &raw); err != nil {
			rejections = append(rejections, Rejection{Line: line, Reason: "invalid JSON: " + err.Error()})
			continue
		}
		raw.Line = line
		records = append(records, raw)
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, qaerrors.New(qaerrors.ErrCodeFileRead, "read records", err).
			WithDetail("line", fmt.Sprint(line+1))
	}
	return records, rejections, nil
}

// ParseJSONLFile opens path and parses it with ParseJSONL.
func ParseJSONLFile(path string) ([]RawRecord, []Rejection, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil, qaerrors.New(qaerrors.ErrCodeFileNotFound, "open records file", err).
			WithDetail("path", path)
	}
	if err != nil {
		return nil, nil, qaerrors.New(qaerrors.ErrCodeFileRead, "open records file", err).
			WithDetail("path", path)
	}
	defer func() { _ = f.Close() }()
	return ParseJSONL(f)
}

func decodeObject(data []byte, v *RawRecord) error {
	if data[0] != '{' {
		return fmt.Errorf("line is not a JSON object")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("trailing data after object")
	}
	return nil
}

// Validate turns a raw record into a stored record. Question and answer are
// trimmed and must both be non-empty; tags keep order and duplicates.
func Validate(raw RawRecord) (store.Record, error) {
	q := strings.TrimSpace(raw.Question)
	a := strings.TrimSpace(raw.Answer)

	var missing []string
	if q == "" {
		missing = append(missing, "question")
	}
	if a == "" {
		missing = append(missing, "answer")
	}
	if len(missing) > 0 {
		return store.Record{}, qaerrors.ValidationError(
			"missing "+strings.Join(missing, " and "), nil).
			WithDetail("line", fmt.Sprint(raw.Line))
	}

	tags := []string(raw.Tags)
	if tags == nil {
		tags = []string{}
	}
	return store.Record{
		Question: q,
		Answer:   a,
		Source:   raw.Source,
		Tags:     tags,
		DocText:  store.ComposeDocText(q, a),
	}, nil
}
