package model

import (
	"strings"
	"time"
)

// Segment is the coarse market category of an instrument.
type Segment string

const (
	SegmentUnknown Segment = ""
	SegmentNSEEq   Segment = "NSE_EQ"
	SegmentBSEEq   Segment = "BSE_EQ"
	SegmentNSEFNO  Segment = "NSE_FNO"
	SegmentMCX     Segment = "MCX"
)

// DateLayout is the on-disk and wire format for expiry and build dates.
const DateLayout = "2006-01-02"

// IndexRoots are the derivative index roots whose presence in a trading symbol
// marks the instrument as a derivatives contract.
var IndexRoots = []string{"NIFTY", "BANKNIFTY", "FINNIFTY", "MIDCPNIFTY"}

func (s Segment) IsDerivative() bool { return s == SegmentNSEFNO }
func (s Segment) IsCommodity() bool  { return s == SegmentMCX }
func (s Segment) IsEquity() bool     { return s == SegmentNSEEq || s == SegmentBSEEq }

// RequiresLotMultiple reports whether explicit order quantities must be an exact
// multiple of the instrument lot size.
func (s Segment) RequiresLotMultiple() bool {
	return s.IsDerivative() || s.IsCommodity()
}

func (s Segment) String() string { return string(s) }

// ParseSegment maps free text ("EQ", "NSE FNO", "Derivatives", "MCX COMM") onto a
// canonical segment. Unrecognised text yields SegmentUnknown.
func ParseSegment(text string) Segment {
	t := strings.ToUpper(strings.TrimSpace(text))
	switch {
	case t == "":
		return SegmentUnknown
	case strings.Contains(t, "CUR"), strings.Contains(t, "CDS"):
		return SegmentUnknown
	case strings.Contains(t, "FNO"), strings.Contains(t, "DERIV"):
		return SegmentNSEFNO
	case strings.Contains(t, "MCX"), strings.Contains(t, "COMM"):
		return SegmentMCX
	case strings.Contains(t, "BSE"):
		return SegmentBSEEq
	case strings.Contains(t, "NSE"), strings.Contains(t, "EQ"):
		return SegmentNSEEq
	}
	return SegmentUnknown
}

// ExchangeSegment combines an exchange name (NSE, BSE, MCX) with the single-letter
// segment of the Dhan scrip master (E equity, D derivatives, M commodity). Currency
// and unlisted combinations yield SegmentUnknown.
func ExchangeSegment(exchange, letter string) Segment {
	ex := strings.ToUpper(strings.TrimSpace(exchange))
	l := strings.ToUpper(strings.TrimSpace(letter))
	switch {
	case ex == "MCX" && (l == "M" || l == "D"):
		return SegmentMCX
	case ex == "NSE" && l == "E":
		return SegmentNSEEq
	case ex == "BSE" && l == "E":
		return SegmentBSEEq
	case ex == "NSE" && l == "D":
		return SegmentNSEFNO
	}
	return SegmentUnknown
}

// HasIndexRoot reports whether symbol carries one of the given derivative index roots.
func HasIndexRoot(symbol string, roots []string) bool {
	s := strings.ToUpper(symbol)
	for _, root := range roots {
		if root != "" && strings.Contains(s, strings.ToUpper(root)) {
			return true
		}
	}
	return false
}

// InferSegment guesses a segment from the trading symbol alone. Used when the stored
// record carries no segment; unknown symbols default to derivatives.
func InferSegment(symbol string) Segment {
	s := strings.ToUpper(symbol)
	switch {
	case HasIndexRoot(s, IndexRoots):
		return SegmentNSEFNO
	case strings.Contains(s, "MCX"):
		return SegmentMCX
	case strings.Contains(s, "BSE"):
		return SegmentBSEEq
	case strings.Contains(s, "NSE"):
		return SegmentNSEEq
	}
	return SegmentNSEFNO
}

// Instrument is one tradable line item of the catalog.
type Instrument struct {
	ID       string            `json:"id"`
	Symbol   string            `json:"symbol"`
	Exchange string            `json:"exchange,omitempty"`
	Segment  Segment           `json:"segment"`
	Expiry   *time.Time        `json:"expiry,omitempty"`
	LotSize  int               `json:"lot_size"`
	Raw      map[string]string `json:"raw,omitempty"`
}

// HasExpiry reports whether the instrument carries an expiry date.
func (i Instrument) HasExpiry() bool { return i.Expiry != nil && !i.Expiry.IsZero() }

// ExpiryString returns the expiry formatted as YYYY-MM-DD, or "" when absent.
func (i Instrument) ExpiryString() string {
	if !i.HasExpiry() {
		return ""
	}
	return i.Expiry.Format(DateLayout)
}

// Lot returns the lot size, never less than 1.
func (i Instrument) Lot() int {
	if i.LotSize < 1 {
		return 1
	}
	return i.LotSize
}

// EffectiveSegment returns the stored segment, or one inferred from the symbol when
// the feed left it blank.
func (i Instrument) EffectiveSegment() Segment {
	if i.Segment != SegmentUnknown {
		return i.Segment
	}
	return InferSegment(i.Symbol)
}

// OrderRef is the resolved triple handed to the order-placement collaborator.
type OrderRef struct {
	SecurityID string  `json:"security_id"`
	Segment    Segment `json:"segment"`
	LotSize    int     `json:"lot_size"`
}

// Ref returns the order reference for the instrument.
func (i Instrument) Ref() OrderRef {
	return OrderRef{
		SecurityID: i.ID,
		Segment:    i.EffectiveSegment(),
		LotSize:    i.Lot(),
	}
}

// Valid reports whether the record satisfies the catalog invariant.
func (i Instrument) Valid() bool {
	return strings.TrimSpace(i.ID) != "" && strings.TrimSpace(i.Symbol) != "" && i.LotSize >= 1
}
