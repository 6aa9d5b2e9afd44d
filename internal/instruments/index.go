package instruments

import (
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Checker-Finance/instrument-catalog/pkg/model"
)

// Generation identifies the snapshot an index table was built from.
type Generation struct {
	BuildID   string    `json:"build_id"`
	BuildDate string    `json:"build_date"`
	LoadedAt  time.Time `json:"loaded_at"`
}

// table is immutable once published.
type table struct {
	loaded  bool
	gen     Generation
	records []model.Instrument // ordered by lower-cased symbol, then id
	upper   []string           // upper-cased symbols, parallel to records
	byID    map[string]int
	bySym   map[string][]int
	options map[string][]int
}

var emptyTable = &table{
	byID:    map[string]int{},
	bySym:   map[string][]int{},
	options: map[string][]int{},
}

// Index is the in-memory view of the published snapshot. Tables are rebuilt
// wholesale and swapped atomically; readers never lock.
type Index struct {
	cur    atomic.Pointer[table]
	logger *zap.Logger
}

func New(logger *zap.Logger) *Index {
	if logger == nil {
		logger = zap.NewNop()
	}
	x := &Index{logger: logger}
	x.cur.Store(emptyTable)
	return x
}

// Rebuild replaces the table with one built from records and returns its size.
func (x *Index) Rebuild(gen Generation, records []model.Instrument) int {
	start := time.Now()
	t := build(gen, records)
	x.cur.Store(t)

	x.logger.Info("instruments.index_rebuilt",
		zap.String("build_id", gen.BuildID),
		zap.String("build_date", gen.BuildDate),
		zap.Int("records", len(t.records)),
		zap.Int("option_buckets", len(t.options)),
		zap.Duration("elapsed", time.Since(start)))
	return len(t.records)
}

// Clear swaps in the empty table.
func (x *Index) Clear() {
	x.cur.Store(emptyTable)
	x.logger.Info("instruments.index_cleared")
}

func build(gen Generation, records []model.Instrument) *table {
	recs := make([]model.Instrument, len(records))
	copy(recs, records)
	sort.SliceStable(recs, func(i, j int) bool {
		li, lj := strings.ToLower(recs[i].Symbol), strings.ToLower(recs[j].Symbol)
		if li != lj {
			return li < lj
		}
		return recs[i].ID < recs[j].ID
	})

	t := &table{
		loaded:  true,
		gen:     gen,
		records: recs,
		upper:   make([]string, len(recs)),
		byID:    make(map[string]int, len(recs)),
		bySym:   make(map[string][]int, len(recs)),
		options: make(map[string][]int),
	}
	for i, r := range recs {
		up := strings.ToUpper(r.Symbol)
		t.upper[i] = up
		if _, dup := t.byID[r.ID]; !dup {
			t.byID[r.ID] = i
		}
		t.bySym[up] = append(t.bySym[up], i)
		if key, ok := optionKeyFromSymbol(up); ok {
			t.options[key] = append(t.options[key], i)
		}
	}
	return t
}

// Ready reports whether a snapshot is loaded.
func (x *Index) Ready() bool { return x.cur.Load().loaded }

func (x *Index) Len() int { return len(x.cur.Load().records) }

// Generation returns the loaded generation, false when nothing is loaded.
func (x *Index) Generation() (Generation, bool) {
	t := x.cur.Load()
	return t.gen, t.loaded
}

func (x *Index) ByID(id string) (model.Instrument, bool) {
	t := x.cur.Load()
	i, ok := t.byID[strings.TrimSpace(id)]
	if !ok {
		return model.Instrument{}, false
	}
	return t.records[i], true
}

// BySymbol returns every record whose symbol equals symbol, ignoring case.
func (x *Index) BySymbol(symbol string) []model.Instrument {
	t := x.cur.Load()
	return t.pick(t.bySym[strings.ToUpper(strings.TrimSpace(symbol))])
}

// Search returns up to limit records whose symbol contains query, ignoring case,
// in symbol order. A non-empty segment keeps matching records plus records with no
// stored segment.
func (x *Index) Search(query string, segment model.Segment, limit int) []model.Instrument {
	q := strings.ToUpper(strings.TrimSpace(query))
	if q == "" || limit <= 0 {
		return nil
	}
	t := x.cur.Load()

	var out []model.Instrument
	for i, up := range t.upper {
		if !strings.Contains(up, q) {
			continue
		}
		r := t.records[i]
		if segment != model.SegmentUnknown && r.Segment != model.SegmentUnknown && r.Segment != segment {
			continue
		}
		out = append(out, r)
		if len(out) == limit {
			break
		}
	}
	return out
}

// OptionCandidates returns every option whose symbol ends in <strike>-<type>.
func (x *Index) OptionCandidates(strike decimal.Decimal, optionType string) []model.Instrument {
	t := x.cur.Load()
	return t.pick(t.options[OptionKey(strike, optionType)])
}

func (t *table) pick(idx []int) []model.Instrument {
	if len(idx) == 0 {
		return nil
	}
	out := make([]model.Instrument, len(idx))
	for n, i := range idx {
		out[n] = t.records[i]
	}
	return out
}

// OptionKey is the bucket key for a strike and option type, e.g. "46000-CE".
func OptionKey(strike decimal.Decimal, optionType string) string {
	return strike.String() + "-" + strings.ToUpper(strings.TrimSpace(optionType))
}

// optionKeyFromSymbol reads the strike and type from the last two dash-separated
// tokens of an upper-cased symbol such as "BANKNIFTY-DEC2025-46000-CE".
func optionKeyFromSymbol(symbol string) (string, bool) {
	parts := strings.Split(symbol, "-")
	if len(parts) < 3 {
		return "", false
	}
	typ := parts[len(parts)-1]
	if typ != "CE" && typ != "PE" {
		return "", false
	}
	strike, err := decimal.NewFromString(parts[len(parts)-2])
	if err != nil {
		return "", false
	}
	return OptionKey(strike, typ), true
}
