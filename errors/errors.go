// Package errors defines the error kinds shared by the container reader,
// the decoder, the cache tiers and the volume pool.
//
// Every structural failure carries one of the sentinel kinds below, so
// callers can branch with the standard library:
//
//	if errors.Is(err, errs.ErrRange) { ... }
//
// A negative lookup is not an error: tiers report absence with a boolean.
// ErrNotFound exists for the harness layer, which has to turn a miss into
// an HTTP status or an exit code.
package errors

import (
	"errors"
	"fmt"
)

// Error kinds.
var (
	ErrNotFound   = errors.New("not found")
	ErrOpen       = errors.New("open failed")
	ErrRange      = errors.New("range outside container extent")
	ErrDecode     = errors.New("decode failed")
	ErrIO         = errors.New("i/o failed")
	ErrValidation = errors.New("validation failed")
	ErrClosed     = errors.New("reader closed")
)

var kinds = []error{ErrNotFound, ErrOpen, ErrRange, ErrDecode, ErrIO, ErrValidation, ErrClosed}

// Error carries a kind together with the failing operation and the asset
// or container it concerned.
type Error struct {
	Kind error
	Op   string
	Name string
	Err  error
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := e.Op
	if e.Name != "" {
		msg += " " + e.Name
	}
	msg += ": " + e.Kind.Error()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the cause.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// New creates an error of the given kind with a formatted cause.
func New(kind error, op, name, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Name: name, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches a kind to err. It returns nil for a nil err, and keeps an
// err that already carries the same kind as is.
func Wrap(kind error, op, name string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, kind) {
		return err
	}
	return &Error{Kind: kind, Op: op, Name: name, Err: err}
}

// KindOf returns the first known kind found in err's chain, or nil.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	for _, kind := range kinds {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
