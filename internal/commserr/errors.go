// Package commserr defines the error taxonomy of the approval pipeline.
package commserr

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidAction means the action is not permitted for the entity type.
	ErrInvalidAction = errors.New("action not permitted for entity type")
	// ErrEntityNotFound means the adapter existence check failed.
	ErrEntityNotFound = errors.New("entity not found")
	// ErrInvalidTransition means a decide or dispatch was attempted against
	// the wrong status.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrAmbiguousPrefix means an id prefix matched more than one record.
	ErrAmbiguousPrefix = errors.New("ambiguous id prefix")
	// ErrNotFound means an id lookup matched nothing.
	ErrNotFound = errors.New("not found")
)

// AdapterErrorKind classifies remote failures. The core treats both kinds
// identically (mark failed, no automatic retry); the kind is recorded in the
// ledger for operators.
type AdapterErrorKind string

const (
	AdapterTransient AdapterErrorKind = "transient"
	AdapterPermanent AdapterErrorKind = "permanent"
)

// AdapterError wraps a failed remote call.
type AdapterError struct {
	Kind AdapterErrorKind
	Op   string
	Err  error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("adapter %s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }

// NewAdapterError builds an AdapterError for operation op.
func NewAdapterError(kind AdapterErrorKind, op string, err error) *AdapterError {
	return &AdapterError{Kind: kind, Op: op, Err: err}
}

// AdapterErrorOf extracts an AdapterError from err's chain, if any.
func AdapterErrorOf(err error) (*AdapterError, bool) {
	var ae *AdapterError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}
