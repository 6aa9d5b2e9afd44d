package normalize

import (
	"strings"

	"github.com/Checker-Finance/instrument-catalog/pkg/model"
)

// Canonical field names used as keys in Schema.Aliases.
const (
	FieldID          = "id"
	FieldSymbol      = "symbol"
	FieldExchange    = "exchange"
	FieldSegmentCode = "segment_code"
	FieldSegmentText = "segment_text"
	FieldLotSize     = "lot_size"
	FieldExpiry      = "expiry"
)

// Schema describes how source columns map onto the canonical record.
type Schema struct {
	// Aliases lists acceptable source column names per canonical field, in priority order.
	Aliases map[string][]string `yaml:"aliases"`
	// SegmentCodes maps numeric exchange codes to segments.
	SegmentCodes map[string]string `yaml:"segment_codes"`
	// DerivativeRoots force the derivatives segment when contained in the symbol.
	DerivativeRoots []string `yaml:"derivative_roots"`
	// ExpiryLayouts are tried in order when parsing expiry dates.
	ExpiryLayouts []string `yaml:"expiry_layouts"`
}

// DefaultSchema follows the Dhan scrip-master conventions plus common renames.
func DefaultSchema() Schema {
	return Schema{
		Aliases: map[string][]string{
			FieldID:          {"SEM_SMST_SECURITY_ID", "SECURITY_ID", "SECURITYID", "ID", "INSTRUMENT_TOKEN", "TOKEN"},
			FieldSymbol:      {"SEM_TRADING_SYMBOL", "TRADING_SYMBOL", "TRADINGSYMBOL", "SM_SYMBOL_NAME", "SYMBOL", "SYMBOL_NAME"},
			FieldExchange:    {"SEM_EXM_EXCH_ID", "EXCHANGE", "EXCH_ID"},
			FieldSegmentCode: {"SEM_EXM_EXCH_ID", "SEGMENT_CODE"},
			FieldSegmentText: {"SEM_SEGMENT", "SEGMENT", "EXCHANGE_SEGMENT"},
			FieldLotSize:     {"SEM_LOT_UNITS", "LOT_SIZE", "LOTSIZE", "LOT_UNITS", "LOT"},
			FieldExpiry:      {"SEM_EXPIRY_DATE", "EXPIRY_DATE", "EXPIRY"},
		},
		SegmentCodes: map[string]string{
			"1":  string(model.SegmentNSEEq),
			"2":  string(model.SegmentBSEEq),
			"13": string(model.SegmentNSEFNO),
			"50": string(model.SegmentMCX),
		},
		DerivativeRoots: append([]string(nil), model.IndexRoots...),
		ExpiryLayouts: []string{
			"2006-01-02",
			"2006-01-02 15:04:05",
			"2006-01-02 15:04",
			"2006-01-02T15:04:05Z07:00",
			"2006-01-02T15:04:05",
			"02-01-2006",
			"02-Jan-2006",
			"02 Jan 2006",
			"2006/01/02",
			"02/01/2006",
		},
	}
}

// Merge overlays non-empty parts of o onto s. Alias lists and segment codes are
// replaced per key; roots and layouts are replaced wholesale.
func (s Schema) Merge(o Schema) Schema {
	out := Schema{
		Aliases:         make(map[string][]string, len(s.Aliases)),
		SegmentCodes:    make(map[string]string, len(s.SegmentCodes)),
		DerivativeRoots: s.DerivativeRoots,
		ExpiryLayouts:   s.ExpiryLayouts,
	}
	for k, v := range s.Aliases {
		out.Aliases[k] = v
	}
	for k, v := range o.Aliases {
		if len(v) > 0 {
			out.Aliases[strings.ToLower(k)] = v
		}
	}
	for k, v := range s.SegmentCodes {
		out.SegmentCodes[k] = v
	}
	for k, v := range o.SegmentCodes {
		out.SegmentCodes[strings.TrimSpace(k)] = v
	}
	if len(o.DerivativeRoots) > 0 {
		out.DerivativeRoots = o.DerivativeRoots
	}
	if len(o.ExpiryLayouts) > 0 {
		out.ExpiryLayouts = o.ExpiryLayouts
	}
	return out
}
