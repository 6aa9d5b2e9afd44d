// Package store persists one catalog snapshot as an embedded SQLite file.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/Checker-Finance/instrument-catalog/pkg/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const driverName = "sqlite"

// Metadata keys in catalog_meta.
const (
	MetaBuildDate = "build_date"
	MetaBuildID   = "build_id"
	MetaBuiltAt   = "built_at"
	MetaRows      = "rows"
	MetaSource    = "source"
)

// Meta describes the snapshot held by a store file.
type Meta struct {
	BuildDate string    `json:"build_date"`
	BuildID   string    `json:"build_id"`
	BuiltAt   time.Time `json:"built_at"`
	Rows      int       `json:"rows"`
	Source    string    `json:"source"`
}

// Writer fills a brand new store file.
type Writer struct {
	db     *sql.DB
	path   string
	logger *zap.Logger
}

// Create makes a fresh store at path, removing any leftover file first, and applies
// the embedded migrations.
func Create(ctx context.Context, path string, logger *zap.Logger) (*Writer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := removeIfExists(path); err != nil {
		return nil, fmt.Errorf("remove stale store %s: %w", path, err)
	}

	db, err := sql.Open(driverName, writeDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Writer{db: db, path: path, logger: logger}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migrations fs: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, sub)
	if err != nil {
		return fmt.Errorf("failed to create migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("failed to up migrations: %w", err)
	}
	return nil
}

// Write inserts all records and the metadata in one transaction.
func (w *Writer) Write(ctx context.Context, records []model.Instrument, meta Meta) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO instruments (id, symbol, exchange, segment, expiry, lot_size, raw, build_date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, r := range records {
		raw := "{}"
		if len(r.Raw) > 0 {
			b, err := json.Marshal(r.Raw)
			if err != nil {
				return fmt.Errorf("encode raw for %s: %w", r.ID, err)
			}
			raw = string(b)
		}
		var expiry any
		if r.HasExpiry() {
			expiry = r.ExpiryString()
		}
		if _, err := stmt.ExecContext(ctx, r.ID, r.Symbol, r.Exchange, string(r.Segment), expiry, r.Lot(), raw, meta.BuildDate); err != nil {
			return fmt.Errorf("insert %s: %w", r.ID, err)
		}
	}

	kv := map[string]string{
		MetaBuildDate: meta.BuildDate,
		MetaBuildID:   meta.BuildID,
		MetaBuiltAt:   meta.BuiltAt.UTC().Format(time.RFC3339),
		MetaRows:      strconv.Itoa(len(records)),
		MetaSource:    meta.Source,
	}
	for k, v := range kv {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO catalog_meta (key, value) VALUES (?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, k, v); err != nil {
			return fmt.Errorf("write meta %s: %w", k, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	w.logger.Debug("store.written",
		zap.String("path", w.path),
		zap.Int("rows", len(records)),
		zap.String("build_id", meta.BuildID))
	return nil
}

func (w *Writer) Close() error {
	if w.db == nil {
		return nil
	}
	return w.db.Close()
}

// Reader queries a published store file without modifying it.
type Reader struct {
	db   *sql.DB
	path string
}

// Open opens path read-only. A missing file yields an error wrapping fs.ErrNotExist.
func Open(ctx context.Context, path string) (*Reader, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	db, err := sql.Open(driverName, readDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping store %s: %w", path, err)
	}
	return &Reader{db: db, path: path}, nil
}

// ReadMeta returns the metadata of the store at path.
func ReadMeta(ctx context.Context, path string) (Meta, error) {
	r, err := Open(ctx, path)
	if err != nil {
		return Meta{}, err
	}
	defer func() { _ = r.Close() }()
	return r.Meta(ctx)
}

func (r *Reader) Meta(ctx context.Context) (Meta, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT key, value FROM catalog_meta`)
	if err != nil {
		return Meta{}, fmt.Errorf("query meta: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var m Meta
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return Meta{}, err
		}
		switch k {
		case MetaBuildDate:
			m.BuildDate = v
		case MetaBuildID:
			m.BuildID = v
		case MetaBuiltAt:
			m.BuiltAt, _ = time.Parse(time.RFC3339, v)
		case MetaRows:
			m.Rows, _ = strconv.Atoi(v)
		case MetaSource:
			m.Source = v
		}
	}
	return m, rows.Err()
}

const selectColumns = `SELECT id, symbol, exchange, segment, expiry, lot_size, raw FROM instruments`

// All returns every record ordered by id.
func (r *Reader) All(ctx context.Context) ([]model.Instrument, error) {
	rows, err := r.db.QueryContext(ctx, selectColumns+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query instruments: %w", err)
	}
	return scanAll(rows)
}

// ByID returns the record with the given id or model.ErrNotFound.
func (r *Reader) ByID(ctx context.Context, id string) (model.Instrument, error) {
	rows, err := r.db.QueryContext(ctx, selectColumns+` WHERE id = ? LIMIT 1`, id)
	if err != nil {
		return model.Instrument{}, fmt.Errorf("query instrument: %w", err)
	}
	out, err := scanAll(rows)
	if err != nil {
		return model.Instrument{}, err
	}
	if len(out) == 0 {
		return model.Instrument{}, model.ErrNotFound
	}
	return out[0], nil
}

// Search runs a case-insensitive substring match on symbol. A non-empty segment keeps
// matching rows plus rows with no stored segment.
func (r *Reader) Search(ctx context.Context, query string, segment model.Segment, limit int) ([]model.Instrument, error) {
	query = strings.TrimSpace(query)
	if query == "" || limit <= 0 {
		return nil, nil
	}
	pattern := "%" + escapeLike(query) + "%"

	sqlText := selectColumns + ` WHERE symbol LIKE ? ESCAPE '\'`
	args := []any{pattern}
	if segment != model.SegmentUnknown {
		sqlText += ` AND (UPPER(segment) = UPPER(?) OR segment = '')`
		args = append(args, string(segment))
	}
	sqlText += ` ORDER BY symbol COLLATE NOCASE, id LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("search instruments: %w", err)
	}
	return scanAll(rows)
}

func (r *Reader) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM instruments`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count instruments: %w", err)
	}
	return n, nil
}

// SegmentCounts returns row counts grouped by stored segment ("" for unset).
func (r *Reader) SegmentCounts(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT segment, COUNT(*) FROM instruments GROUP BY segment`)
	if err != nil {
		return nil, fmt.Errorf("segment counts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]int)
	for rows.Next() {
		var seg string
		var n int
		if err := rows.Scan(&seg, &n); err != nil {
			return nil, err
		}
		out[seg] = n
	}
	return out, rows.Err()
}

func (r *Reader) Close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

func scanAll(rows *sql.Rows) ([]model.Instrument, error) {
	defer func() { _ = rows.Close() }()

	var out []model.Instrument
	for rows.Next() {
		var (
			inst   model.Instrument
			seg    string
			expiry sql.NullString
			raw    string
		)
		if err := rows.Scan(&inst.ID, &inst.Symbol, &inst.Exchange, &seg, &expiry, &inst.LotSize, &raw); err != nil {
			return nil, fmt.Errorf("scan instrument: %w", err)
		}
		inst.Segment = model.Segment(seg)
		if expiry.Valid && expiry.String != "" {
			if t, err := time.Parse(model.DateLayout, expiry.String); err == nil {
				inst.Expiry = &t
			}
		}
		if raw != "" && raw != "{}" {
			if err := json.Unmarshal([]byte(raw), &inst.Raw); err != nil {
				return nil, fmt.Errorf("decode raw for %s: %w", inst.ID, err)
			}
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func writeDSN(path string) string {
	return "file:" + filepath.ToSlash(path) + "?_pragma=journal_mode(DELETE)&_pragma=synchronous(FULL)"
}

func readDSN(path string) string {
	return "file:" + filepath.ToSlash(path) + "?mode=ro&_pragma=busy_timeout(5000)"
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.Remove(path + "-journal"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
