package store

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"os"
	"sort"

	"github.com/google/renameio"
	"github.com/pierrec/lz4/v4"

	qaerrors "github.com/supnum/qarag/internal/errors"
)

// vectors.bin layout, all little-endian:
//
//	magic [4]byte "QRVX"
//	version uint16
//	dim uint32
//	count uint32
//	rawSize uint32
//	compressedSize uint32 (0 means the payload is stored raw)
//	crc32 uint32 (IEEE, over the raw payload)
//	payload: count*dim float32 rows, lz4 block compressed
var vectorMagic = [4]byte{'Q', 'R', 'V', 'X'}

const (
	vectorFormatVersion = 1
	vectorHeaderSize    = 4 + 2 + 4*5
)

// FlatIndex stores fixed-dimension vectors in insertion order and answers
// exact inner-product queries. It does not normalize; callers pass unit vectors.
type FlatIndex struct {
	dim  int
	data []float32
}

// NewFlatIndex creates an empty index of the given dimension.
func NewFlatIndex(dim int) (*FlatIndex, error) {
	if dim <= 0 {
		return nil, qaerrors.ValidationError(fmt.Sprintf("vector dimension must be positive, got %d", dim), nil)
	}
	return &FlatIndex{dim: dim}, nil
}

// Dim returns the fixed vector dimension.
func (f *FlatIndex) Dim() int {
	return f.dim
}

// Len returns the number of stored vectors.
func (f *FlatIndex) Len() int {
	return len(f.data) / f.dim
}

// Row returns a copy of vector i.
func (f *FlatIndex) Row(i int) []float32 {
	out := make([]float32, f.dim)
	copy(out, f.data[i*f.dim:(i+1)*f.dim])
	return out
}

// Add appends vec as the next row.
func (f *FlatIndex) Add(vec []float32) error {
	if len(vec) != f.dim {
		return qaerrors.DimensionMismatch(f.dim, len(vec))
	}
	f.data = append(f.data, vec...)
	return nil
}

// Search returns the min(k, Len()) rows with the largest inner product with
// query, highest first, ties by ascending position.
func (f *FlatIndex) Search(query []float32, k int) ([]VectorHit, error) {
	if len(query) != f.dim {
		return nil, qaerrors.DimensionMismatch(f.dim, len(query))
	}
	n := f.Len()
	if k <= 0 || n == 0 {
		return []VectorHit{}, nil
	}

	hits := make([]VectorHit, n)
	for i := 0; i < n; i++ {
		hits[i] = VectorHit{Position: i, Score: dot(query, f.data[i*f.dim:(i+1)*f.dim])}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Position < hits[j].Position
	})
	if k < n {
		hits = hits[:k]
	}
	return hits, nil
}

func dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// Save writes the index to path, atomically replacing any existing file.
func (f *FlatIndex) Save(path string) error {
	raw := make([]byte, len(f.data)*4)
	for i, v := range f.data {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(v))
	}

	payload, compressedSize, err := compressLZ4(raw)
	if err != nil {
		return fmt.Errorf("compress vectors: %w", err)
	}

	var buf bytes.Buffer
	buf.Grow(vectorHeaderSize + len(payload))
	buf.Write(vectorMagic[:])
	_ = binary.Write(&buf, binary.LittleEndian, uint16(vectorFormatVersion))
	for _, v := range []uint32{
		uint32(f.dim),
		uint32(f.Len()),
		uint32(len(raw)),
		compressedSize,
		crc32.ChecksumIEEE(raw),
	} {
		_ = binary.Write(&buf, binary.LittleEndian, v)
	}
	buf.Write(payload)

	if err := renameio.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write vectors: %w", err)
	}
	return nil
}

// compressLZ4 returns the lz4 block and its size, or the raw bytes and 0
// when compression does not pay off.
func compressLZ4(raw []byte) ([]byte, uint32, error) {
	if len(raw) == 0 {
		return raw, 0, nil
	}
	dst := make([]byte, lz4.CompressBlockBound(len(raw)))
	n, err := lz4.CompressBlock(raw, dst, nil)
	if err != nil {
		return nil, 0, err
	}
	if n == 0 || n >= len(raw) {
		return raw, 0, nil
	}
	return dst[:n], uint32(n), nil
}

// LoadFlatIndex reads an index written by Save. Any structural problem is CorruptIndex.
func LoadFlatIndex(path string) (*FlatIndex, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, qaerrors.CorruptIndex("read vector index", err).WithDetail("path", path)
	}
	return decodeFlatIndex(bytes.NewReader(data), path)
}

func decodeFlatIndex(r *bytes.Reader, path string) (*FlatIndex, error) {
	corrupt := func(msg string, cause error) error {
		return qaerrors.CorruptIndex(msg, cause).WithDetail("path", path)
	}

	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil || magic != vectorMagic {
		return nil, corrupt("vector index has no QRVX header", err)
	}

	var version uint16
	var dim, count, rawSize, compressedSize, checksum uint32
	for _, p := range []any{&version, &dim, &count, &rawSize, &compressedSize, &checksum} {
		if err := binary.Read(r, binary.LittleEndian, p); err != nil {
			return nil, corrupt("vector index header truncated", err)
		}
	}
	if version != vectorFormatVersion {
		return nil, corrupt(fmt.Sprintf("unsupported vector index version %d", version), nil)
	}
	if dim == 0 {
		return nil, corrupt("vector index dimension is zero", nil)
	}
	if uint64(rawSize) != uint64(count)*uint64(dim)*4 {
		return nil, corrupt(fmt.Sprintf("vector payload size %d does not match %d x %d", rawSize, count, dim), nil)
	}

	payload, err := io.ReadAll(r)
	if err != nil {
		return nil, corrupt("read vector payload", err)
	}

	raw := payload
	if compressedSize > 0 {
		if uint32(len(payload)) != compressedSize {
			return nil, corrupt("vector payload truncated", nil)
		}
		raw = make([]byte, rawSize)
		n, err := lz4.UncompressBlock(payload, raw)
		if err != nil {
			return nil, corrupt("decompress vector payload", err)
		}
		if uint32(n) != rawSize {
			return nil, corrupt("decompressed vector payload size mismatch", nil)
		}
	} else if uint32(len(payload)) != rawSize {
		return nil, corrupt("vector payload truncated", nil)
	}

	if crc32.ChecksumIEEE(raw) != checksum {
		return nil, corrupt("vector payload checksum mismatch", nil)
	}

	idx := &FlatIndex{dim: int(dim), data: make([]float32, int(count)*int(dim))}
	for i := range idx.data {
		idx.data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return idx, nil
}
