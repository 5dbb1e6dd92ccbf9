// Package fault defines the failure taxonomy for scrape work and the pure
// classification function that maps an arbitrary error onto it.
package fault

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"syscall"
)

// Category buckets a work-function failure for retry decisions and reporting.
type Category string

const (
	// CategoryNetwork covers timeouts, refused connections, and 5xx-equivalent
	// responses. Retryable.
	CategoryNetwork Category = "Network"
	// CategoryParsing covers missing structure, selector mismatches, and
	// malformed documents. Retryable: layout faults are often environmental
	// (partial page load).
	CategoryParsing Category = "Parsing"
	// CategoryDataValidation covers malformed field values and out-of-range
	// business data. Not retryable.
	CategoryDataValidation Category = "DataValidation"
	// CategorySystem covers resource exhaustion and unexpected internal
	// faults. Not retryable.
	CategorySystem Category = "System"
)

// Retryable reports whether the category is eligible for automatic retry.
func (c Category) Retryable() bool {
	return c == CategoryNetwork || c == CategoryParsing
}

// Fault is a typed work-function error carrying its classification.
type Fault struct {
	Category Category
	Message  string
	Cause    error
}

// Error implements the error interface.
func (f *Fault) Error() string {
	if f.Cause != nil {
		return f.Message + ": " + f.Cause.Error()
	}
	return f.Message
}

// Unwrap exposes the underlying cause for errors.Is / errors.As.
func (f *Fault) Unwrap() error {
	return f.Cause
}

// Network builds a retryable network fault.
func Network(msg string, cause error) *Fault {
	return &Fault{Category: CategoryNetwork, Message: msg, Cause: cause}
}

// Parsing builds a retryable parsing fault.
func Parsing(msg string, cause error) *Fault {
	return &Fault{Category: CategoryParsing, Message: msg, Cause: cause}
}

// DataValidation builds a terminal data-validation fault.
func DataValidation(msg string, cause error) *Fault {
	return &Fault{Category: CategoryDataValidation, Message: msg, Cause: cause}
}

// System builds a terminal system fault.
func System(msg string, cause error) *Fault {
	return &Fault{Category: CategorySystem, Message: msg, Cause: cause}
}

// Classify maps err to a category and its retryability flag.
//
// Typed faults win. Otherwise well-known stdlib failure shapes are
// recognized: network errors and timeouts classify as Network, malformed
// document decoding as Parsing. Everything unrecognized classifies as
// System/not-retryable so unknown failure modes are never silently retried.
func Classify(err error) (Category, bool) {
	if err == nil {
		return "", false
	}

	var f *Fault
	if errors.As(err, &f) {
		return f.Category, f.Category.Retryable()
	}

	if isNetworkError(err) {
		return CategoryNetwork, true
	}
	if isParsingError(err) {
		return CategoryParsing, true
	}

	return CategorySystem, false
}

func isNetworkError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

func isParsingError(err error) bool {
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return true
	}
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &typeErr)
}
