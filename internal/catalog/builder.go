package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Checker-Finance/instrument-catalog/internal/metrics"
	"github.com/Checker-Finance/instrument-catalog/internal/normalize"
	"github.com/Checker-Finance/instrument-catalog/internal/source"
	"github.com/Checker-Finance/instrument-catalog/internal/store"
	"github.com/Checker-Finance/instrument-catalog/pkg/model"
)

// BuildConfig holds the sanity gates applied before a snapshot is published.
type BuildConfig struct {
	StorePath       string
	MinPayloadBytes int64
	MinRows         int
}

// Build describes one published snapshot.
type Build struct {
	ID         string
	Date       string
	Path       string
	Bytes      int
	Records    []model.Instrument
	RawRows    int
	Dropped    int
	Duplicates int
	Meta       store.Meta
	Elapsed    time.Duration
}

// Builder fetches, validates and writes a snapshot, then renames it over the live store.
type Builder struct {
	fetcher    source.Fetcher
	normalizer *normalize.Normalizer
	cfg        BuildConfig
	logger     *zap.Logger
	now        func() time.Time
}

func NewBuilder(fetcher source.Fetcher, normalizer *normalize.Normalizer, cfg BuildConfig, logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{
		fetcher:    fetcher,
		normalizer: normalizer,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// Build produces a snapshot stamped with buildDate (YYYY-MM-DD). On any failure the
// temporary artifact is removed and the live store is left untouched.
func (b *Builder) Build(ctx context.Context, buildDate string) (*Build, error) {
	start := b.now()
	buildID := uuid.NewString()
	live := b.cfg.StorePath

	payload, err := b.fetcher.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	if got := int64(len(payload)); got < b.cfg.MinPayloadBytes {
		return nil, &model.ValidationError{Check: "payload_size", Got: got, Want: b.cfg.MinPayloadBytes}
	}

	res, err := b.normalizer.NormalizeAll(payload)
	if err != nil {
		return nil, err
	}
	metrics.RowsDropped.Add(float64(res.Dropped))
	if len(res.Records) < b.cfg.MinRows {
		return nil, &model.ValidationError{Check: "row_count", Got: int64(len(res.Records)), Want: int64(b.cfg.MinRows)}
	}

	if dir := filepath.Dir(live); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	tmp := fmt.Sprintf("%s.tmp-%s", live, buildID)
	published := false
	defer func() {
		if !published {
			removeArtifacts(tmp)
		}
	}()

	meta := store.Meta{
		BuildDate: buildDate,
		BuildID:   buildID,
		BuiltAt:   b.now().UTC(),
		Rows:      len(res.Records),
		Source:    b.fetcher.Describe(),
	}
	if err := writeSnapshot(ctx, tmp, res.Records, meta, b.logger); err != nil {
		return nil, err
	}

	if err := os.Rename(tmp, live); err != nil {
		return nil, fmt.Errorf("publish snapshot: %w", err)
	}
	published = true
	if err := syncDir(filepath.Dir(live)); err != nil {
		b.logger.Warn("catalog.dir_sync_failed", zap.String("path", live), zap.Error(err))
	}

	build := &Build{
		ID:         buildID,
		Date:       buildDate,
		Path:       live,
		Bytes:      len(payload),
		Records:    res.Records,
		RawRows:    res.RawRows,
		Dropped:    res.Dropped,
		Duplicates: res.Duplicates,
		Meta:       meta,
		Elapsed:    b.now().Sub(start),
	}
	b.logger.Info("catalog.snapshot_built",
		zap.String("build_id", buildID),
		zap.String("build_date", buildDate),
		zap.Int("bytes", build.Bytes),
		zap.Int("raw_rows", res.RawRows),
		zap.Int("records", len(res.Records)),
		zap.Int("dropped", res.Dropped),
		zap.Int("duplicates", res.Duplicates),
		zap.Duration("elapsed", build.Elapsed))
	return build, nil
}

func writeSnapshot(ctx context.Context, path string, records []model.Instrument, meta store.Meta, logger *zap.Logger) error {
	w, err := store.Create(ctx, path, logger)
	if err != nil {
		return err
	}
	if err := w.Write(ctx, records, meta); err != nil {
		_ = w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("reopen snapshot: %w", err)
	}
	defer func() { _ = f.Close() }()
	if err := f.Sync(); err != nil {
		return fmt.Errorf("fsync snapshot: %w", err)
	}
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()
	return d.Sync()
}

func removeArtifacts(path string) {
	for _, p := range []string{path, path + "-journal"} {
		_ = os.Remove(p)
	}
}
