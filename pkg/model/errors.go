package model

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a symbol or contract is absent from the catalog.
	ErrNotFound = errors.New("instrument not found")
	// ErrCatalogUnavailable is returned when no snapshot is published.
	ErrCatalogUnavailable = errors.New("catalog unavailable")
	// ErrInvalidQuery is returned for malformed resolution requests.
	ErrInvalidQuery = errors.New("invalid query")
)

// FetchError reports a source retrieval failure after the retry budget was spent.
type FetchError struct {
	Source   string
	Attempts int
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s failed after %d attempt(s): %v", e.Source, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ValidationError reports a payload or build that failed a sanity gate.
type ValidationError struct {
	Check string
	Got   int64
	Want  int64
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("validation %s failed: %s", e.Check, e.Msg)
	}
	return fmt.Sprintf("validation %s failed: got %d, want at least %d", e.Check, e.Got, e.Want)
}

// QuantityMismatchError reports an explicit quantity that is not a lot multiple.
type QuantityMismatchError struct {
	Quantity int
	LotSize  int
	Segment  Segment
}

func (e *QuantityMismatchError) Error() string {
	return fmt.Sprintf("qty %d not multiple of lot %d for segment %s", e.Quantity, e.LotSize, e.Segment)
}
