package index

import (
	"context"
	"log/slog"
	"time"

	qaerrors "github.com/supnum/qarag/internal/errors"
	"github.com/supnum/qarag/internal/store"
)

// Publish builds a bundle from raws and publishes it at dir under the index
// lock. The previously published bundle survives any failure.
func (b *Builder) Publish(ctx context.Context, raws []RawRecord, dir string) (*Report, error) {
	start := time.Now()

	lock := store.NewIndexLock(dir)
	if err := lock.Acquire(ctx); err != nil {
		return nil, err
	}
	defer func() { _ = lock.Release() }()

	bundle, report, err := b.Build(ctx, raws)
	if err != nil {
		return nil, err
	}
	b.enterStage(StagePublish, report.Accepted)
	if err := store.SaveBundle(dir, bundle); err != nil {
		if _, ok := qaerrors.As(err); ok {
			return nil, err
		}
		return nil, qaerrors.New(qaerrors.ErrCodeIndexFailed, "publish bundle", err).WithDetail("dir", dir)
	}

	report.BundleID = bundle.Manifest.BundleID
	report.Dir = dir
	report.Duration = time.Since(start)

	b.opts.Logger.Info("ingest_complete",
		slog.String("dir", dir),
		slog.String("bundle_id", report.BundleID),
		slog.Int("accepted", report.Accepted),
		slog.Int("rejected", report.Rejected),
		slog.Int("dimensions", report.Dim),
		slog.String("model", report.Model),
		slog.Duration("duration", report.Duration))
	return report, nil
}

// IngestFile parses the JSONL file at path and publishes it at dir. Lines
// that are not JSON objects are reported alongside invalid records.
func (b *Builder) IngestFile(ctx context.Context, path, dir string) (*Report, error) {
	raws, parseRejections, err := ParseJSONLFile(path)
	if err != nil {
		return nil, err
	}
	for _, r := range parseRejections {
		b.opts.Logger.Warn("record_rejected",
			slog.Int("line", r.Line),
			slog.String("reason", r.Reason))
	}

	report, err := b.Publish(ctx, raws, dir)
	if err != nil {
		return nil, err
	}
	if len(parseRejections) > 0 {
		report.Rejected += len(parseRejections)
		report.Rejections = mergeByLine(parseRejections, report.Rejections)
	}
	return report, nil
}

// mergeByLine merges two line-ordered rejection lists.
func mergeByLine(a, b []Rejection) []Rejection {
	out := make([]Rejection, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if a[i].Line <= b[j].Line {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	return append(out, b[j:]...)
}

// FromRecords wraps in-memory records as raw input, numbering them from 1.
func FromRecords(records []RawRecord) []RawRecord {
	out := make([]RawRecord, len(records))
	for i, r := range records {
		r.Line = i + 1
		out[i] = r
	}
	return out
}
