// Package catalog owns the published instrument snapshot: it decides when a rebuild
// is needed, publishes new builds, and keeps the in-memory index in step.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Checker-Finance/instrument-catalog/internal/instruments"
	"github.com/Checker-Finance/instrument-catalog/internal/metrics"
	"github.com/Checker-Finance/instrument-catalog/internal/store"
	"github.com/Checker-Finance/instrument-catalog/pkg/model"
)

// State is the coarse availability of the catalog.
type State string

const (
	StateUnavailable State = "unavailable"
	StateReady       State = "ready"
	StateDegraded    State = "degraded"
)

// Status is a point-in-time view for health reporting.
type Status struct {
	State       State     `json:"state"`
	Reason      string    `json:"reason,omitempty"`
	BuildDate   string    `json:"build_date,omitempty"`
	BuildID     string    `json:"build_id,omitempty"`
	Rows        int       `json:"rows"`
	LastError   string    `json:"last_error,omitempty"`
	LastRefresh time.Time `json:"last_refresh,omitempty"`
}

// Stats summarizes the persisted store.
type Stats struct {
	BuildDate    string         `json:"build_date"`
	BuildID      string         `json:"build_id"`
	Rows         int            `json:"rows"`
	Segments     map[string]int `json:"segments"`
	IndexRecords int            `json:"index_records"`
}

// Listener is notified after a snapshot is published or purged. Errors are logged only.
type Listener interface {
	OnPublished(ctx context.Context, ev model.CatalogEvent, records []model.Instrument) error
	OnPurged(ctx context.Context, ev model.CatalogEvent) error
}

// Config for the catalog.
type Config struct {
	StorePath     string
	MinStoreBytes int64
	Location      *time.Location
}

type Option func(*Catalog)

// WithListener registers a publish/purge listener.
func WithListener(l Listener) Option {
	return func(c *Catalog) {
		if l != nil {
			c.listeners = append(c.listeners, l)
		}
	}
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(c *Catalog) { c.now = now }
}

// Catalog serializes writers (Refresh, EnsureFresh, Load, Purge) behind one mutex.
// Readers go through Index and never take it.
type Catalog struct {
	cfg       Config
	builder   *Builder
	index     *instruments.Index
	listeners []Listener
	logger    *zap.Logger
	now       func() time.Time

	writeMu sync.Mutex

	statusMu    sync.RWMutex
	lastErr     error
	lastErrAt   time.Time
	lastRefresh time.Time
}

func New(cfg Config, builder *Builder, index *instruments.Index, logger *zap.Logger, opts ...Option) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if index == nil {
		index = instruments.New(logger)
	}
	c := &Catalog{
		cfg:     cfg,
		builder: builder,
		index:   index,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Index returns the live in-memory index.
func (c *Catalog) Index() *instruments.Index { return c.index }

// StorePath returns the live store location.
func (c *Catalog) StorePath() string { return c.cfg.StorePath }

// Location returns the operating timezone.
func (c *Catalog) Location() *time.Location { return c.cfg.Location }

// Today is the current calendar date in the operating timezone.
func (c *Catalog) Today() string {
	return c.now().In(c.cfg.Location).Format(model.DateLayout)
}

// IsCurrent reports whether the live store exists, passes the size check, and was
// built today.
func (c *Catalog) IsCurrent(ctx context.Context) bool {
	_, ok := c.currentMeta(ctx)
	return ok
}

func (c *Catalog) currentMeta(ctx context.Context) (store.Meta, bool) {
	fi, err := os.Stat(c.cfg.StorePath)
	if err != nil || fi.Size() < c.cfg.MinStoreBytes {
		return store.Meta{}, false
	}
	meta, err := store.ReadMeta(ctx, c.cfg.StorePath)
	if err != nil {
		c.logger.Warn("catalog.meta_read_failed", zap.String("path", c.cfg.StorePath), zap.Error(err))
		return store.Meta{}, false
	}
	return meta, meta.BuildDate == c.Today()
}

// EnsureFresh builds and publishes a snapshot when the live one is missing, too small,
// or stale, and reports whether it did. A current store that is not yet loaded is
// loaded into the index without fetching.
func (c *Catalog) EnsureFresh(ctx context.Context) (bool, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if meta, ok := c.currentMeta(ctx); ok {
		gen, loaded := c.index.Generation()
		if !loaded || gen.BuildID != meta.BuildID {
			if err := c.loadLocked(ctx); err != nil {
				return false, err
			}
		}
		return false, nil
	}

	if _, err := c.refreshLocked(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Refresh builds and publishes a snapshot unconditionally.
func (c *Catalog) Refresh(ctx context.Context) (*Build, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.refreshLocked(ctx)
}

func (c *Catalog) refreshLocked(ctx context.Context) (*Build, error) {
	start := time.Now()
	if c.builder == nil {
		return nil, fmt.Errorf("catalog has no builder")
	}

	build, err := c.builder.Build(ctx, c.Today())
	if err != nil {
		c.recordFailure(err)
		metrics.ObserveRefresh(refreshResult(err), start)
		c.logger.Error("catalog.refresh_failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		if !c.index.Ready() {
			c.loadStaleLocked(ctx)
		}
		return nil, err
	}

	c.index.Rebuild(instruments.Generation{
		BuildID:   build.ID,
		BuildDate: build.Date,
		LoadedAt:  c.now(),
	}, build.Records)

	at := c.now()
	c.statusMu.Lock()
	c.lastRefresh = at
	c.lastErr = nil
	c.statusMu.Unlock()

	metrics.ObserveRefresh("ok", start)
	metrics.SetPublished(len(build.Records), at)
	c.logger.Info("catalog.published",
		zap.String("build_id", build.ID),
		zap.String("build_date", build.Date),
		zap.Int("records", len(build.Records)))

	c.notifyPublished(ctx, build.Meta, build.Records)
	return build, nil
}

// Load rebuilds the index from the existing live store without fetching.
func (c *Catalog) Load(ctx context.Context) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.loadLocked(ctx)
}

func (c *Catalog) loadLocked(ctx context.Context) error {
	r, err := store.Open(ctx, c.cfg.StorePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return model.ErrCatalogUnavailable
		}
		return err
	}
	defer func() { _ = r.Close() }()

	meta, err := r.Meta(ctx)
	if err != nil {
		return err
	}
	records, err := r.All(ctx)
	if err != nil {
		return err
	}

	c.index.Rebuild(instruments.Generation{
		BuildID:   meta.BuildID,
		BuildDate: meta.BuildDate,
		LoadedAt:  c.now(),
	}, records)
	metrics.SetPublished(len(records), meta.BuiltAt)

	c.statusMu.Lock()
	if c.lastRefresh.IsZero() || meta.BuiltAt.After(c.lastRefresh) {
		c.lastRefresh = meta.BuiltAt
	}
	c.statusMu.Unlock()

	c.logger.Info("catalog.loaded",
		zap.String("build_id", meta.BuildID),
		zap.String("build_date", meta.BuildDate),
		zap.Int("records", len(records)))
	return nil
}

// loadStaleLocked serves the previous snapshot when a refresh fails before anything
// was loaded, e.g. on a restart while the source is down. Status reports it degraded.
func (c *Catalog) loadStaleLocked(ctx context.Context) {
	fi, err := os.Stat(c.cfg.StorePath)
	if err != nil || fi.Size() < c.cfg.MinStoreBytes {
		return
	}
	if err := c.loadLocked(ctx); err != nil {
		c.logger.Warn("catalog.stale_load_failed", zap.String("path", c.cfg.StorePath), zap.Error(err))
		return
	}
	gen, _ := c.index.Generation()
	c.logger.Warn("catalog.serving_stale_snapshot",
		zap.String("build_id", gen.BuildID),
		zap.String("build_date", gen.BuildDate))
}

// Purge deletes the live store and clears the index. A missing store is not an error.
func (c *Catalog) Purge(ctx context.Context) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	gen, _ := c.index.Generation()
	removed := true
	if err := os.Remove(c.cfg.StorePath); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			metrics.IncError("catalog", "purge")
			return fmt.Errorf("purge store: %w", err)
		}
		removed = false
	}
	_ = os.Remove(c.cfg.StorePath + "-journal")

	c.index.Clear()
	metrics.SetPublished(0, time.Time{})
	c.logger.Info("catalog.purged", zap.String("path", c.cfg.StorePath), zap.Bool("removed", removed))

	ev := c.event(model.EventCatalogPurged, gen.BuildID, gen.BuildDate, 0, nil)
	for _, l := range c.listeners {
		if err := l.OnPurged(ctx, ev); err != nil {
			metrics.IncError("listener", "purged")
			c.logger.Warn("catalog.listener_failed", zap.String("event", ev.Type), zap.Error(err))
		}
	}
	return nil
}

// Status reports availability from the index and the last refresh outcome.
func (c *Catalog) Status() Status {
	c.statusMu.RLock()
	lastErr, lastErrAt, lastRefresh := c.lastErr, c.lastErrAt, c.lastRefresh
	c.statusMu.RUnlock()

	st := Status{LastRefresh: lastRefresh, Rows: c.index.Len()}
	if lastErr != nil {
		st.LastError = lastErr.Error()
	}

	gen, loaded := c.index.Generation()
	if !loaded {
		st.State = StateUnavailable
		st.Reason = "no snapshot loaded"
		return st
	}
	st.BuildDate, st.BuildID = gen.BuildDate, gen.BuildID

	switch {
	case gen.BuildDate != c.Today():
		st.State = StateDegraded
		st.Reason = "snapshot is stale"
	case lastErr != nil && lastErrAt.After(lastRefresh):
		st.State = StateDegraded
		st.Reason = "last refresh failed"
	default:
		st.State = StateReady
	}
	return st
}

// Stats reads row and per-segment counts from the live store.
func (c *Catalog) Stats(ctx context.Context) (Stats, error) {
	r, err := store.Open(ctx, c.cfg.StorePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Stats{}, model.ErrCatalogUnavailable
		}
		return Stats{}, err
	}
	defer func() { _ = r.Close() }()

	meta, err := r.Meta(ctx)
	if err != nil {
		return Stats{}, err
	}
	rows, err := r.Count(ctx)
	if err != nil {
		return Stats{}, err
	}
	segments, err := r.SegmentCounts(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		BuildDate:    meta.BuildDate,
		BuildID:      meta.BuildID,
		Rows:         rows,
		Segments:     segments,
		IndexRecords: c.index.Len(),
	}, nil
}

// SearchStore runs a substring search against the live store file. A missing store
// yields no results.
func (c *Catalog) SearchStore(ctx context.Context, query string, segment model.Segment, limit int) ([]model.Instrument, error) {
	r, err := store.Open(ctx, c.cfg.StorePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer func() { _ = r.Close() }()
	return r.Search(ctx, query, segment, limit)
}

func (c *Catalog) notifyPublished(ctx context.Context, meta store.Meta, records []model.Instrument) {
	if len(c.listeners) == 0 {
		return
	}
	ev := c.event(model.EventCatalogPublished, meta.BuildID, meta.BuildDate, len(records), segmentCounts(records))
	ev.Source = meta.Source
	for _, l := range c.listeners {
		if err := l.OnPublished(ctx, ev, records); err != nil {
			metrics.IncError("listener", "published")
			c.logger.Warn("catalog.listener_failed", zap.String("event", ev.Type), zap.Error(err))
		}
	}
}

func (c *Catalog) event(typ, buildID, buildDate string, rows int, segments map[string]int) model.CatalogEvent {
	return model.CatalogEvent{
		EventID:   uuid.New(),
		Type:      typ,
		BuildID:   buildID,
		BuildDate: buildDate,
		Rows:      rows,
		Segments:  segments,
		Timestamp: c.now().UTC(),
	}
}

func (c *Catalog) recordFailure(err error) {
	c.statusMu.Lock()
	c.lastErr = err
	c.lastErrAt = c.now()
	c.statusMu.Unlock()
}

func segmentCounts(records []model.Instrument) map[string]int {
	out := make(map[string]int)
	for _, r := range records {
		out[string(r.Segment)]++
	}
	return out
}

func refreshResult(err error) string {
	var fe *model.FetchError
	var ve *model.ValidationError
	switch {
	case errors.As(err, &fe):
		return "fetch_error"
	case errors.As(err, &ve):
		return "validation_error"
	}
	return "error"
}
