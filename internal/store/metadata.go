package store

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/renameio"

	qaerrors "github.com/supnum/qarag/internal/errors"
)

// maxMetadataLine bounds a single JSONL record when loading.
const maxMetadataLine = 16 * 1024 * 1024

// MetadataStore is the ordered, append-only record array of a bundle.
// Line n of the persisted file is the record at position n.
type MetadataStore struct {
	records []Record
}

// NewMetadataStore creates an empty store.
func NewMetadataStore() *MetadataStore {
	return &MetadataStore{}
}

// Append adds a record at the next position and returns that position.
func (m *MetadataStore) Append(r Record) int {
	if r.Tags == nil {
		r.Tags = []string{}
	}
	m.records = append(m.records, r)
	return len(m.records) - 1
}

// Len returns the number of records.
func (m *MetadataStore) Len() int {
	return len(m.records)
}

// Get returns the record at pos.
func (m *MetadataStore) Get(pos int) (Record, bool) {
	if pos < 0 || pos >= len(m.records) {
		return Record{}, false
	}
	return m.records[pos], true
}

// Records returns the backing slice. Callers must not modify it.
func (m *MetadataStore) Records() []Record {
	return m.records
}

// Save writes one JSON object per line, UTF-8 verbatim, atomically replacing path.
func (m *MetadataStore) Save(path string) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, r := range m.records {
		// Encode appends the newline that terminates the line.
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("encode metadata record %d: %w", i, err)
		}
	}
	if err := renameio.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return nil
}

// LoadMetadata reads a JSONL metadata file. A line that does not decode into
// a record fails the whole load with CorruptIndex: skipping it would shift
// every later record off its vector and lexical rows.
func LoadMetadata(path string) (*MetadataStore, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, qaerrors.CorruptIndex("open metadata", err).WithDetail("path", path)
	}
	defer f.Close()

	m := NewMetadataStore()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxMetadataLine)

	line := 0
	for scanner.Scan() {
		line++
		var r Record
		if err := decodeRecordLine(scanner.Bytes(), &r); err != nil {
			return nil, qaerrors.CorruptIndex(fmt.Sprintf("metadata line %d is not a record", line), err).
				WithDetail("path", path).
				WithDetail("line", fmt.Sprint(line))
		}
		m.Append(r)
	}
	if err := scanner.Err(); err != nil {
		return nil, qaerrors.CorruptIndex(fmt.Sprintf("read metadata after line %d", line), err).WithDetail("path", path)
	}
	return m, nil
}

func decodeRecordLine(line []byte, r *Record) error {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return fmt.Errorf("expected a JSON object")
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	if err := dec.Decode(r); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("trailing data after record")
	}
	return nil
}
