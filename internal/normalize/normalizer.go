// Package normalize maps loosely-schematized catalog feeds onto canonical instrument records.
package normalize

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/Checker-Finance/instrument-catalog/pkg/model"
)

// Format is the detected payload encoding.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

var utf8BOM = []byte("\xef\xbb\xbf")

// Row is one source row keyed by its original column names.
type Row map[string]string

// Result is the outcome of normalizing a whole payload.
type Result struct {
	Format     Format
	Records    []model.Instrument
	RawRows    int
	Dropped    int
	Duplicates int
}

// Normalizer resolves source rows against a Schema.
type Normalizer struct {
	aliases map[string][]string
	codes   map[string]model.Segment
	roots   []string
	layouts []string
	logger  *zap.Logger
}

// New builds a Normalizer. A zero Schema falls back to DefaultSchema.
func New(schema Schema, logger *zap.Logger) *Normalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	base := DefaultSchema()
	if schema.Aliases != nil || schema.SegmentCodes != nil || schema.DerivativeRoots != nil || schema.ExpiryLayouts != nil {
		base = base.Merge(schema)
	}

	n := &Normalizer{
		aliases: make(map[string][]string, len(base.Aliases)),
		codes:   make(map[string]model.Segment, len(base.SegmentCodes)),
		roots:   base.DerivativeRoots,
		layouts: base.ExpiryLayouts,
		logger:  logger,
	}
	for field, names := range base.Aliases {
		upper := make([]string, 0, len(names))
		for _, name := range names {
			upper = append(upper, strings.ToUpper(strings.TrimSpace(name)))
		}
		n.aliases[strings.ToLower(field)] = upper
	}
	for code, seg := range base.SegmentCodes {
		n.codes[strings.TrimSpace(code)] = model.Segment(strings.ToUpper(strings.TrimSpace(seg)))
	}
	return n
}

// Sniff detects the payload format from its first significant byte.
func Sniff(payload []byte) Format {
	trimmed := bytes.TrimLeft(bytes.TrimPrefix(payload, utf8BOM), " \t\r\n")
	if len(trimmed) > 0 && (trimmed[0] == '[' || trimmed[0] == '{') {
		return FormatJSON
	}
	return FormatCSV
}

// Normalize maps a single row. The bool is false when the row lacks an id or symbol.
func (n *Normalizer) Normalize(row Row) (model.Instrument, bool) {
	return n.normalize(row, columnIndex(keysOf(row)))
}

// NormalizeAll decodes and normalizes a full payload. Duplicate ids keep the first
// occurrence. Undecodable payloads return *model.ValidationError.
func (n *Normalizer) NormalizeAll(payload []byte) (Result, error) {
	payload = bytes.TrimPrefix(payload, utf8BOM)
	if len(bytes.TrimSpace(payload)) == 0 {
		return Result{}, &model.ValidationError{Check: "format", Msg: "empty payload"}
	}

	res := Result{Format: Sniff(payload)}
	seen := make(map[string]struct{})
	add := func(row Row, cols map[string]string) {
		res.RawRows++
		rec, ok := n.normalize(row, cols)
		if !ok {
			res.Dropped++
			return
		}
		if _, dup := seen[rec.ID]; dup {
			res.Duplicates++
			return
		}
		seen[rec.ID] = struct{}{}
		res.Records = append(res.Records, rec)
	}

	var err error
	if res.Format == FormatJSON {
		err = n.decodeJSON(payload, add, &res)
	} else {
		err = n.decodeCSV(payload, add, &res)
	}
	if err != nil {
		return Result{}, err
	}

	n.logger.Debug("normalize.completed",
		zap.String("format", string(res.Format)),
		zap.Int("raw_rows", res.RawRows),
		zap.Int("records", len(res.Records)),
		zap.Int("dropped", res.Dropped),
		zap.Int("duplicates", res.Duplicates))
	return res, nil
}

func (n *Normalizer) normalize(row Row, cols map[string]string) (model.Instrument, bool) {
	id := canonicalID(n.value(row, cols, FieldID))
	symbol := strings.TrimSpace(n.value(row, cols, FieldSymbol))
	if id == "" || symbol == "" {
		return model.Instrument{}, false
	}

	exchange := strings.ToUpper(n.value(row, cols, FieldExchange))
	return model.Instrument{
		ID:       id,
		Symbol:   symbol,
		Exchange: exchange,
		Segment:  n.segment(n.value(row, cols, FieldSegmentCode), exchange, n.value(row, cols, FieldSegmentText), symbol),
		Expiry:   n.expiry(n.value(row, cols, FieldExpiry)),
		LotSize:  parseLot(n.value(row, cols, FieldLotSize)),
		Raw:      map[string]string(row),
	}, true
}

// value returns the first non-empty aliased column for field.
func (n *Normalizer) value(row Row, cols map[string]string, field string) string {
	for _, alias := range n.aliases[field] {
		key, ok := cols[alias]
		if !ok {
			continue
		}
		if v := clean(row[key]); v != "" {
			return v
		}
	}
	return ""
}

// segment applies the index-root override first, then the coded field, then the
// exchange plus segment letter pair, then text heuristics.
func (n *Normalizer) segment(code, exchange, text, symbol string) model.Segment {
	if model.HasIndexRoot(symbol, n.roots) {
		return model.SegmentNSEFNO
	}
	if code != "" {
		if seg, ok := n.codes[integerText(code)]; ok {
			return seg
		}
	}
	if seg := model.ExchangeSegment(exchange, text); seg != model.SegmentUnknown {
		return seg
	}
	return model.ParseSegment(text)
}

func (n *Normalizer) expiry(v string) *time.Time {
	if v == "" || strings.HasPrefix(v, "0001-01-01") {
		return nil
	}
	for _, layout := range n.layouts {
		t, err := time.Parse(layout, v)
		if err != nil {
			continue
		}
		d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		return &d
	}
	return nil
}

func (n *Normalizer) decodeCSV(payload []byte, add func(Row, map[string]string), res *Result) error {
	r := csv.NewReader(bytes.NewReader(payload))
	r.Comma = sniffDelimiter(payload)
	r.LazyQuotes = true
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	r.ReuseRecord = true

	header, err := r.Read()
	if err != nil {
		return &model.ValidationError{Check: "format", Msg: fmt.Sprintf("read header: %v", err)}
	}
	names := make([]string, len(header))
	for i, h := range header {
		names[i] = strings.TrimSpace(h)
	}
	cols := columnIndex(names)
	if !n.hasColumn(cols, FieldID) || !n.hasColumn(cols, FieldSymbol) {
		return &model.ValidationError{Check: "columns", Msg: "required id/symbol columns missing"}
	}

	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				res.RawRows++
				res.Dropped++
				continue
			}
			return fmt.Errorf("read csv: %w", err)
		}

		row := make(Row, len(names))
		for i, name := range names {
			if name == "" {
				continue
			}
			if _, dup := row[name]; dup {
				continue
			}
			if i < len(rec) {
				row[name] = rec[i]
			} else {
				row[name] = ""
			}
		}
		add(row, cols)
	}
}

func (n *Normalizer) decodeJSON(payload []byte, add func(Row, map[string]string), res *Result) error {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return &model.ValidationError{Check: "format", Msg: fmt.Sprintf("decode json: %v", err)}
	}

	for _, item := range recordsOf(doc) {
		obj, ok := item.(map[string]any)
		if !ok {
			res.RawRows++
			res.Dropped++
			continue
		}
		row := make(Row, len(obj))
		flatten("", obj, row)
		add(row, columnIndex(keysOf(row)))
	}
	return nil
}

func (n *Normalizer) hasColumn(cols map[string]string, field string) bool {
	for _, alias := range n.aliases[field] {
		if _, ok := cols[alias]; ok {
			return true
		}
	}
	return false
}

// recordsOf finds the record list in a decoded document: a bare array, an object
// wrapping one, or a single object.
func recordsOf(doc any) []any {
	switch v := doc.(type) {
	case []any:
		return v
	case map[string]any:
		for _, key := range []string{"data", "records", "instruments", "items", "rows", "result"} {
			if arr, ok := v[key].([]any); ok {
				return arr
			}
		}
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if arr, ok := v[k].([]any); ok && len(arr) > 0 {
				if _, isObj := arr[0].(map[string]any); isObj {
					return arr
				}
			}
		}
		return []any{v}
	}
	return nil
}

func flatten(prefix string, obj map[string]any, out Row) {
	for k, v := range obj {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch val := v.(type) {
		case map[string]any:
			flatten(key, val, out)
		case []any:
			b, err := json.Marshal(val)
			if err == nil {
				out[key] = string(b)
			}
		case json.Number:
			out[key] = val.String()
		case string:
			out[key] = val
		case bool:
			out[key] = strconv.FormatBool(val)
		case nil:
			out[key] = ""
		default:
			out[key] = fmt.Sprint(val)
		}
	}
}

// sniffDelimiter picks the candidate occurring most often outside quotes on the header line.
func sniffDelimiter(payload []byte) rune {
	line := payload
	if i := bytes.IndexByte(payload, '\n'); i >= 0 {
		line = payload[:i]
	}

	candidates := []rune{',', ';', '|', '\t'}
	counts := make(map[rune]int, len(candidates))
	inQuote := false
	for _, c := range string(line) {
		if c == '"' {
			inQuote = !inQuote
			continue
		}
		if !inQuote {
			counts[c]++
		}
	}

	best, bestCount := ',', 0
	for _, c := range candidates {
		if counts[c] > bestCount {
			best, bestCount = c, counts[c]
		}
	}
	return best
}

func keysOf(row Row) []string {
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// columnIndex maps upper-cased column names to their original spelling; the first
// spelling wins when names differ only by case.
func columnIndex(names []string) map[string]string {
	cols := make(map[string]string, len(names))
	for _, name := range names {
		if name == "" {
			continue
		}
		upper := strings.ToUpper(strings.TrimSpace(name))
		if _, ok := cols[upper]; !ok {
			cols[upper] = name
		}
	}
	return cols
}

func clean(v string) string {
	v = strings.TrimSpace(v)
	switch strings.ToLower(v) {
	case "nan", "null", "none", "nat":
		return ""
	}
	return v
}

// canonicalID strips a float suffix from numeric ids ("1333.0" → "1333").
func canonicalID(v string) string {
	if dot := strings.IndexByte(v, '.'); dot > 0 && strings.Trim(v[dot+1:], "0") == "" {
		if _, err := strconv.ParseUint(v[:dot], 10, 64); err == nil {
			return v[:dot]
		}
	}
	return v
}

// integerText renders numeric codes without a fractional part ("13.0" → "13").
func integerText(v string) string {
	v = strings.TrimSpace(v)
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f != float64(int64(f)) {
		return v
	}
	return strconv.FormatInt(int64(f), 10)
}

func parseLot(v string) int {
	if v == "" {
		return 1
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 1 || f > math.MaxInt32 {
		return 1
	}
	return int(f)
}
