// Package resolver turns trading requests into concrete catalog instruments.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Checker-Finance/instrument-catalog/internal/instruments"
	"github.com/Checker-Finance/instrument-catalog/internal/metrics"
	"github.com/Checker-Finance/instrument-catalog/pkg/model"
)

// Catalog is the read side the resolver needs.
type Catalog interface {
	Index() *instruments.Index
	SearchStore(ctx context.Context, query string, segment model.Segment, limit int) ([]model.Instrument, error)
}

// DefaultStrikeSteps are the listed strike increments per index root.
var DefaultStrikeSteps = map[string]int64{
	"BANKNIFTY":  100,
	"SENSEX":     100,
	"BANKEX":     100,
	"NIFTY":      50,
	"FINNIFTY":   50,
	"MIDCPNIFTY": 25,
}

// Config tunes resolution.
type Config struct {
	// StrikeSteps overrides or extends DefaultStrikeSteps.
	StrikeSteps map[string]int64
	SearchLimit int
	Location    *time.Location
}

// Order is the resolved, ready-to-submit request for the order collaborator.
type Order struct {
	model.OrderRef
	Symbol   string `json:"symbol"`
	Quantity int    `json:"quantity"`
	Lots     int    `json:"lots"`
}

// Resolution is an exact match, or suggestions when there is none.
type Resolution struct {
	Instrument  *model.Instrument  `json:"instrument,omitempty"`
	Suggestions []model.Instrument `json:"suggestions,omitempty"`
}

type Option func(*Resolver)

// WithClock overrides the wall clock used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

type Resolver struct {
	cat         Catalog
	steps       map[string]decimal.Decimal
	searchLimit int
	loc         *time.Location
	now         func() time.Time
	logger      *zap.Logger
}

func New(cat Catalog, cfg Config, logger *zap.Logger, opts ...Option) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.SearchLimit <= 0 {
		cfg.SearchLimit = 30
	}

	steps := make(map[string]decimal.Decimal, len(DefaultStrikeSteps)+len(cfg.StrikeSteps))
	for root, step := range DefaultStrikeSteps {
		steps[root] = decimal.NewFromInt(step)
	}
	for root, step := range cfg.StrikeSteps {
		if step > 0 {
			steps[strings.ToUpper(strings.TrimSpace(root))] = decimal.NewFromInt(step)
		}
	}

	r := &Resolver{
		cat:         cat,
		steps:       steps,
		searchLimit: cfg.SearchLimit,
		loc:         cfg.Location,
		now:         time.Now,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ByID returns the instrument with the given security id.
func (r *Resolver) ByID(_ context.Context, id string) (model.Instrument, error) {
	if strings.TrimSpace(id) == "" {
		return model.Instrument{}, fmt.Errorf("%w: empty id", model.ErrInvalidQuery)
	}
	idx := r.cat.Index()
	if !idx.Ready() {
		metrics.IncLookup("id", "unavailable")
		return model.Instrument{}, model.ErrCatalogUnavailable
	}
	inst, ok := idx.ByID(id)
	if !ok {
		metrics.IncLookup("id", "miss")
		return model.Instrument{}, model.ErrNotFound
	}
	metrics.IncLookup("id", "hit")
	return inst, nil
}

// ResolveExact matches symbol case-insensitively and, when segment is given, the
// record's effective segment. The first match wins.
func (r *Resolver) ResolveExact(_ context.Context, symbol, segment string) (model.Instrument, error) {
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		metrics.IncLookup("exact", "invalid")
		return model.Instrument{}, fmt.Errorf("%w: empty symbol", model.ErrInvalidQuery)
	}
	seg, err := parseSegmentFilter(segment)
	if err != nil {
		metrics.IncLookup("exact", "invalid")
		return model.Instrument{}, err
	}

	idx := r.cat.Index()
	if !idx.Ready() {
		metrics.IncLookup("exact", "unavailable")
		return model.Instrument{}, model.ErrCatalogUnavailable
	}

	for _, inst := range idx.BySymbol(symbol) {
		if seg == model.SegmentUnknown || inst.EffectiveSegment() == seg {
			metrics.IncLookup("exact", "hit")
			return inst, nil
		}
	}
	metrics.IncLookup("exact", "miss")
	return model.Instrument{}, model.ErrNotFound
}

// Search returns up to limit symbol substring matches in symbol order. When the index
// yields fewer than limit, the persisted store fills the gap.
func (r *Resolver) Search(ctx context.Context, query, segment string, limit int) ([]model.Instrument, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		metrics.IncLookup("search", "invalid")
		return nil, fmt.Errorf("%w: empty query", model.ErrInvalidQuery)
	}
	seg, err := parseSegmentFilter(segment)
	if err != nil {
		metrics.IncLookup("search", "invalid")
		return nil, err
	}
	if limit <= 0 {
		limit = r.searchLimit
	}

	idx := r.cat.Index()
	ready := idx.Ready()
	results := idx.Search(query, seg, limit)

	if len(results) < limit {
		extra, err := r.cat.SearchStore(ctx, query, seg, limit)
		if err != nil {
			metrics.IncError("resolver", "store_search")
			r.logger.Warn("resolver.store_search_failed", zap.String("query", query), zap.Error(err))
		} else if len(extra) > 0 {
			results = mergeByID(results, extra, limit)
		}
	}

	if !ready && len(results) == 0 {
		metrics.IncLookup("search", "unavailable")
		return nil, model.ErrCatalogUnavailable
	}
	if len(results) == 0 {
		metrics.IncLookup("search", "miss")
	} else {
		metrics.IncLookup("search", "hit")
	}
	return results, nil
}

// ResolveWithSuggestions returns the exact match, or model.ErrNotFound together with
// up to n search suggestions.
func (r *Resolver) ResolveWithSuggestions(ctx context.Context, symbol, segment string, n int) (Resolution, error) {
	inst, err := r.ResolveExact(ctx, symbol, segment)
	if err == nil {
		return Resolution{Instrument: &inst}, nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return Resolution{}, err
	}
	if n <= 0 {
		n = 5
	}
	suggestions, serr := r.Search(ctx, symbol, segment, n)
	if serr != nil {
		r.logger.Debug("resolver.suggestions_failed", zap.String("symbol", symbol), zap.Error(serr))
	}
	return Resolution{Suggestions: suggestions}, model.ErrNotFound
}

// RoundStrike rounds raw to the nearest listed strike for root, halves away from zero.
// Non-finite input rounds to zero.
func (r *Resolver) RoundStrike(root string, raw float64) decimal.Decimal {
	if !finite(raw) {
		return decimal.Zero
	}
	step := r.stepFor(root)
	return decimal.NewFromFloat(raw).Div(step).Round(0).Mul(step)
}

func finite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }

func (r *Resolver) stepFor(root string) decimal.Decimal {
	root = strings.ToUpper(strings.TrimSpace(root))
	if step, ok := r.steps[root]; ok {
		return step
	}
	if strings.Contains(root, "NIFTY") {
		return decimal.NewFromInt(50)
	}
	return decimal.NewFromInt(100)
}

// ResolveDerivative picks the nearest-expiry option for root, the rounded strike and
// option type. Contracts without an expiry or already expired are skipped.
func (r *Resolver) ResolveDerivative(_ context.Context, root string, rawStrike float64, optionType string) (model.Instrument, error) {
	root = strings.ToUpper(strings.TrimSpace(root))
	typ, ok := parseOptionType(optionType)
	if root == "" || !finite(rawStrike) || rawStrike <= 0 || !ok {
		metrics.IncLookup("derivative", "invalid")
		return model.Instrument{}, fmt.Errorf("%w: index=%q strike=%v type=%q", model.ErrInvalidQuery, root, rawStrike, optionType)
	}

	idx := r.cat.Index()
	if !idx.Ready() {
		metrics.IncLookup("derivative", "unavailable")
		return model.Instrument{}, model.ErrCatalogUnavailable
	}

	strike := r.RoundStrike(root, rawStrike)
	today := r.today()

	var best *model.Instrument
	for _, c := range idx.OptionCandidates(strike, typ) {
		if !hasRoot(c.Symbol, root) || !c.HasExpiry() || c.Expiry.Before(today) {
			continue
		}
		if best == nil || earlier(c, *best) {
			cand := c
			best = &cand
		}
	}

	if best == nil {
		metrics.IncLookup("derivative", "miss")
		r.logger.Debug("resolver.derivative_not_found",
			zap.String("root", root),
			zap.String("strike", strike.String()),
			zap.String("type", typ))
		return model.Instrument{}, model.ErrNotFound
	}

	metrics.IncLookup("derivative", "hit")
	r.logger.Debug("resolver.derivative_resolved",
		zap.String("root", root),
		zap.Float64("raw_strike", rawStrike),
		zap.String("strike", strike.String()),
		zap.String("type", typ),
		zap.String("security_id", best.ID),
		zap.String("expiry", best.ExpiryString()))
	return *best, nil
}

// ResolveQuantity computes the order quantity: lots*lot when lots > 0, else an explicit
// qty (a lot multiple where the segment requires it), else one lot.
func (r *Resolver) ResolveQuantity(rec model.Instrument, lots, qty int) (int, error) {
	return ResolveQuantity(rec, lots, qty)
}

func ResolveQuantity(rec model.Instrument, lots, qty int) (int, error) {
	lot := rec.Lot()
	switch {
	case lots > 0:
		if lots > math.MaxInt32/lot {
			return 0, fmt.Errorf("%w: %d lots of %d overflows quantity", model.ErrInvalidQuery, lots, lot)
		}
		return lots * lot, nil
	case qty > 0:
		seg := rec.EffectiveSegment()
		if seg.RequiresLotMultiple() && qty%lot != 0 {
			return 0, &model.QuantityMismatchError{Quantity: qty, LotSize: lot, Segment: seg}
		}
		return qty, nil
	}
	return lot, nil
}

// Prepare combines the order reference and the resolved quantity.
func (r *Resolver) Prepare(rec model.Instrument, lots, qty int) (Order, error) {
	q, err := ResolveQuantity(rec, lots, qty)
	if err != nil {
		return Order{}, err
	}
	ref := rec.Ref()
	return Order{
		OrderRef: ref,
		Symbol:   rec.Symbol,
		Quantity: q,
		Lots:     q / ref.LotSize,
	}, nil
}

func (r *Resolver) today() time.Time {
	n := r.now().In(r.loc)
	return time.Date(n.Year(), n.Month(), n.Day(), 0, 0, 0, 0, time.UTC)
}

func parseSegmentFilter(text string) (model.Segment, error) {
	if strings.TrimSpace(text) == "" {
		return model.SegmentUnknown, nil
	}
	seg := model.ParseSegment(text)
	if seg == model.SegmentUnknown {
		return seg, fmt.Errorf("%w: unknown segment %q", model.ErrInvalidQuery, text)
	}
	return seg, nil
}

func parseOptionType(t string) (string, bool) {
	switch strings.ToUpper(strings.TrimSpace(t)) {
	case "CE", "CALL", "C":
		return "CE", true
	case "PE", "PUT", "P":
		return "PE", true
	}
	return "", false
}

// hasRoot requires the symbol to start with root followed by a separator, so NIFTY
// does not match NIFTYNXT50 contracts.
func hasRoot(symbol, root string) bool {
	s := strings.ToUpper(symbol)
	if !strings.HasPrefix(s, root) {
		return false
	}
	if len(s) == len(root) {
		return true
	}
	next := s[len(root)]
	return next == '-' || next == ' '
}

func earlier(a, b model.Instrument) bool {
	if !a.Expiry.Equal(*b.Expiry) {
		return a.Expiry.Before(*b.Expiry)
	}
	if a.Symbol != b.Symbol {
		return a.Symbol < b.Symbol
	}
	return a.ID < b.ID
}

// mergeByID appends extra records not already present, then restores symbol order.
func mergeByID(base, extra []model.Instrument, limit int) []model.Instrument {
	seen := make(map[string]struct{}, len(base))
	for _, b := range base {
		seen[b.ID] = struct{}{}
	}
	out := append([]model.Instrument(nil), base...)
	for _, e := range extra {
		if _, ok := seen[e.ID]; ok {
			continue
		}
		seen[e.ID] = struct{}{}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		li, lj := strings.ToLower(out[i].Symbol), strings.ToLower(out[j].Symbol)
		if li != lj {
			return li < lj
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
