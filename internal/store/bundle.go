package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/renameio"
	"github.com/google/uuid"

	qaerrors "github.com/supnum/qarag/internal/errors"
)

const bundleFormatVersion = 1

// Manifest describes a published bundle. It is written after every artifact,
// so a directory without one was never completed.
type Manifest struct {
	FormatVersion int        `json:"format_version"`
	BundleID      string     `json:"bundle_id"`
	Count         int        `json:"count"`
	Dimensions    int        `json:"dimensions"`
	Model         string     `json:"embedding_model"`
	BM25          BM25Params `json:"bm25"`
	CreatedAt     time.Time  `json:"created_at"`
	Artifacts     []string   `json:"artifacts"`
}

// Bundle is the unit the builder produces and the server loads: vector rows,
// lexical statistics and metadata sharing one positional order.
// A loaded bundle is read-only.
type Bundle struct {
	Vectors  *FlatIndex
	Lexical  *LexicalIndex
	Metadata *MetadataStore
	Manifest Manifest
}

// Len returns the number of documents.
func (b *Bundle) Len() int {
	if b == nil || b.Metadata == nil {
		return 0
	}
	return b.Metadata.Len()
}

// VerifyAlignment checks the three structures agree row for row: equal
// lengths, and each record's doc_text tokenizes to its lexical corpus row.
func (b *Bundle) VerifyAlignment() error {
	n := b.Metadata.Len()
	if b.Vectors.Len() != n || b.Lexical.Len() != n {
		return qaerrors.CorruptIndex(fmt.Sprintf(
			"bundle parts disagree: %d records, %d vectors, %d lexical documents",
			n, b.Vectors.Len(), b.Lexical.Len()), nil)
	}
	for i, r := range b.Metadata.Records() {
		if !slices.Equal(Tokenize(r.DocText), b.Lexical.Corpus(i)) {
			return qaerrors.CorruptIndex(fmt.Sprintf("record %d doc_text does not match its lexical row", i), nil)
		}
	}
	return nil
}

// SaveBundle publishes b at dir. Artifacts are written into a staging
// directory next to dir and swapped in with renames, so readers see either
// the previous bundle or the complete new one. A failure leaves any
// previously published bundle in place.
func SaveBundle(dir string, b *Bundle) error {
	if err := b.VerifyAlignment(); err != nil {
		return qaerrors.New(qaerrors.ErrCodeIndexFailed, "refusing to save misaligned bundle", err)
	}

	dir = filepath.Clean(dir)
	parent, base := filepath.Split(dir)
	if parent == "" {
		parent = "."
	}
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("create index parent directory: %w", err)
	}

	staging := filepath.Join(parent, "."+base+".staging-"+uuid.NewString())
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return fmt.Errorf("create staging directory: %w", err)
	}
	published := false
	defer func() {
		if !published {
			_ = os.RemoveAll(staging)
		}
	}()

	if err := b.Vectors.Save(filepath.Join(staging, VectorsFile)); err != nil {
		return err
	}
	if err := b.Lexical.Save(filepath.Join(staging, LexicalFile)); err != nil {
		return err
	}
	if err := b.Metadata.Save(filepath.Join(staging, MetadataFile)); err != nil {
		return err
	}

	b.Manifest.FormatVersion = bundleFormatVersion
	if b.Manifest.BundleID == "" {
		b.Manifest.BundleID = uuid.NewString()
	}
	if b.Manifest.CreatedAt.IsZero() {
		b.Manifest.CreatedAt = time.Now().UTC()
	}
	b.Manifest.Count = b.Len()
	b.Manifest.Dimensions = b.Vectors.Dim()
	b.Manifest.BM25 = b.Lexical.Params()
	b.Manifest.Artifacts = []string{VectorsFile, LexicalFile, MetadataFile}
	if err := writeManifest(filepath.Join(staging, ManifestFile), b.Manifest); err != nil {
		return err
	}

	if err := swapDir(staging, dir); err != nil {
		return err
	}
	published = true

	slog.Debug("bundle_published",
		slog.String("dir", dir),
		slog.String("bundle_id", b.Manifest.BundleID),
		slog.Int("count", b.Manifest.Count))
	return nil
}

func writeManifest(path string, m Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := renameio.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// swapDir replaces dst with src. An existing dst is moved aside first and
// restored if the second rename fails.
func swapDir(src, dst string) error {
	if _, err := os.Stat(dst); os.IsNotExist(err) {
		if err := os.Rename(src, dst); err != nil {
			return fmt.Errorf("publish bundle: %w", err)
		}
		return nil
	}

	parent, base := filepath.Split(dst)
	old := filepath.Join(parent, "."+base+".old-"+uuid.NewString())
	if err := os.Rename(dst, old); err != nil {
		return fmt.Errorf("move previous bundle aside: %w", err)
	}
	if err := os.Rename(src, dst); err != nil {
		_ = os.Rename(old, dst)
		return fmt.Errorf("publish bundle: %w", err)
	}
	if err := os.RemoveAll(old); err != nil {
		slog.Warn("bundle_cleanup_failed", slog.String("path", old), slog.String("error", err.Error()))
	}
	return nil
}

// ReadManifest reads only the manifest of the bundle at dir.
func ReadManifest(dir string) (Manifest, error) {
	var m Manifest
	path := filepath.Join(dir, ManifestFile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if _, statErr := os.Stat(dir); os.IsNotExist(statErr) {
			return m, indexNotFound(dir)
		}
		return m, qaerrors.CorruptIndex("bundle has no manifest", err).WithDetail("path", path)
	}
	if err != nil {
		return m, qaerrors.CorruptIndex("read manifest", err).WithDetail("path", path)
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, qaerrors.CorruptIndex("decode manifest", err).WithDetail("path", path)
	}
	if m.FormatVersion != bundleFormatVersion {
		return m, qaerrors.CorruptIndex(fmt.Sprintf("unsupported bundle format version %d", m.FormatVersion), nil)
	}
	return m, nil
}

// LoadBundle loads the bundle at dir. It fails with CorruptIndex unless the
// manifest and all three artifacts exist and agree with each other.
func LoadBundle(dir string) (*Bundle, error) {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil, indexNotFound(dir)
	}
	if err != nil {
		return nil, qaerrors.CorruptIndex("stat index directory", err).WithDetail("path", dir)
	}
	if !info.IsDir() {
		return nil, qaerrors.CorruptIndex("index path is not a directory", nil).WithDetail("path", dir)
	}

	var missing []string
	for _, name := range []string{ManifestFile, VectorsFile, LexicalFile, MetadataFile} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, qaerrors.CorruptIndex("bundle is incomplete, missing "+strings.Join(missing, ", "), nil).
			WithDetail("path", dir)
	}

	manifest, err := ReadManifest(dir)
	if err != nil {
		return nil, err
	}
	vectors, err := LoadFlatIndex(filepath.Join(dir, VectorsFile))
	if err != nil {
		return nil, err
	}
	lexical, err := LoadLexical(filepath.Join(dir, LexicalFile))
	if err != nil {
		return nil, err
	}
	metadata, err := LoadMetadata(filepath.Join(dir, MetadataFile))
	if err != nil {
		return nil, err
	}

	b := &Bundle{Vectors: vectors, Lexical: lexical, Metadata: metadata, Manifest: manifest}
	if manifest.Count != b.Len() || manifest.Dimensions != vectors.Dim() {
		return nil, qaerrors.CorruptIndex(fmt.Sprintf(
			"manifest declares %d x %d but bundle holds %d x %d",
			manifest.Count, manifest.Dimensions, b.Len(), vectors.Dim()), nil)
	}
	if err := b.VerifyAlignment(); err != nil {
		return nil, err
	}
	return b, nil
}

func indexNotFound(dir string) error {
	return qaerrors.New(qaerrors.ErrCodeIndexNotFound, "no index bundle at "+dir, nil).
		WithSuggestion("Run 'qarag ingest --data <file.jsonl>' first")
}
