package mirror

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/Checker-Finance/instrument-catalog/internal/metrics"
	"github.com/Checker-Finance/instrument-catalog/pkg/model"
)

// DB is the subset of *pgxpool.Pool the mirror needs.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

var columns = []string{"id", "symbol", "exchange", "segment", "expiry", "lot_size", "build_id", "build_date"}

// Writer copies every published snapshot into a Postgres table so other services can
// join against it. It implements catalog.Listener.
type Writer struct {
	db     DB
	logger *zap.Logger
	table  pgx.Identifier
	builds pgx.Identifier
}

// NewWriter targets table, which may be schema qualified ("reference.instruments").
// Build history is kept in <table>_builds next to it.
func NewWriter(db DB, table string, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if table == "" {
		table = "instruments"
	}
	id := pgx.Identifier(strings.Split(table, "."))
	builds := append(pgx.Identifier{}, id...)
	builds[len(builds)-1] += "_builds"
	return &Writer{db: db, logger: logger, table: id, builds: builds}
}

// EnsureSchema creates the mirror tables when missing.
func (w *Writer) EnsureSchema(ctx context.Context) error {
	if len(w.table) > 1 {
		if _, err := w.db.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+pgx.Identifier{w.table[0]}.Sanitize()); err != nil {
			return fmt.Errorf("create mirror schema: %w", err)
		}
	}
	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id         TEXT PRIMARY KEY,
			symbol     TEXT NOT NULL,
			exchange   TEXT NOT NULL DEFAULT '',
			segment    TEXT NOT NULL DEFAULT '',
			expiry     DATE,
			lot_size   INTEGER NOT NULL,
			build_id   TEXT NOT NULL,
			build_date DATE NOT NULL
		);
		CREATE TABLE IF NOT EXISTS %s (
			build_id     TEXT PRIMARY KEY,
			build_date   DATE NOT NULL,
			rows         INTEGER NOT NULL,
			source       TEXT NOT NULL DEFAULT '',
			published_at TIMESTAMPTZ NOT NULL
		);`, w.table.Sanitize(), w.builds.Sanitize())
	if _, err := w.db.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create mirror tables: %w", err)
	}
	return nil
}

// OnPublished replaces the mirrored rows with records in one transaction.
func (w *Writer) OnPublished(ctx context.Context, ev model.CatalogEvent, records []model.Instrument) error {
	// Binary COPY encodes DATE only from time.Time.
	buildDate, err := time.Parse(model.DateLayout, ev.BuildDate)
	if err != nil {
		return w.fail("build_date", ev, err)
	}

	tx, err := w.db.Begin(ctx)
	if err != nil {
		return w.fail("begin", ev, err)
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	if _, err := tx.Exec(ctx, "DELETE FROM "+w.table.Sanitize()); err != nil {
		return w.fail("truncate", ev, err)
	}

	rows := make([][]any, 0, len(records))
	for _, r := range records {
		var expiry any
		if r.HasExpiry() {
			expiry = *r.Expiry
		}
		rows = append(rows, []any{r.ID, r.Symbol, r.Exchange, string(r.Segment), expiry, r.Lot(), ev.BuildID, buildDate})
	}
	n, err := tx.CopyFrom(ctx, w.table, columns, pgx.CopyFromRows(rows))
	if err != nil {
		return w.fail("copy", ev, err)
	}

	insertBuild := fmt.Sprintf(`
		INSERT INTO %s (build_id, build_date, rows, source, published_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (build_id) DO UPDATE SET
			rows = EXCLUDED.rows,
			published_at = EXCLUDED.published_at`, w.builds.Sanitize())
	if _, err := tx.Exec(ctx, insertBuild, ev.BuildID, buildDate, n, ev.Source, ev.Timestamp); err != nil {
		return w.fail("record_build", ev, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return w.fail("commit", ev, err)
	}

	metrics.MirrorRows.Set(float64(n))
	w.logger.Info("mirror.snapshot_synced",
		zap.String("table", w.table.Sanitize()),
		zap.String("build_id", ev.BuildID),
		zap.String("build_date", ev.BuildDate),
		zap.Int64("rows", n))
	return nil
}

// OnPurged empties the mirrored rows; build history is kept.
func (w *Writer) OnPurged(ctx context.Context, ev model.CatalogEvent) error {
	if _, err := w.db.Exec(ctx, "DELETE FROM "+w.table.Sanitize()); err != nil {
		return w.fail("purge", ev, err)
	}
	metrics.MirrorRows.Set(0)
	w.logger.Info("mirror.purged", zap.String("table", w.table.Sanitize()))
	return nil
}

func (w *Writer) fail(step string, ev model.CatalogEvent, err error) error {
	metrics.IncError("mirror", step)
	w.logger.Error("mirror.sync_failed",
		zap.String("step", step),
		zap.String("build_id", ev.BuildID),
		zap.Error(err))
	return fmt.Errorf("mirror %s: %w", step, err)
}
