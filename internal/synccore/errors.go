// Package synccore defines the error taxonomy shared by every component in
// the sync core (catalog, container, version graph, path resolver, API).
package synccore

import (
	"errors"
	"fmt"
)

// Kind classifies an error the way §7 of the design requires: callers
// branch on Kind, never on the message text.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindNotFound
	KindConflict
	KindTransient
	KindCorruption
	KindAuth
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindTransient:
		return "transient"
	case KindCorruption:
		return "corruption"
	case KindAuth:
		return "auth"
	default:
		return "unknown"
	}
}

// Error is the typed error every core component returns at its public
// boundary. Internal errors are wrapped with %w; only messages of Kind
// Validation, NotFound, Conflict or Auth reach a client verbatim (see Safe).
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the Kind from err, defaulting to KindTransient for
// errors that did not originate from this package — an unclassified
// error is treated as retryable internal failure, never as validation.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

// Safe reports the message that may be surfaced to a client verbatim.
// Internal errors are never safe; the caller should log the full error
// and return a generic message instead.
func Safe(err error) (message string, ok bool) {
	var e *Error
	if !errors.As(err, &e) {
		return "", false
	}
	switch e.Kind {
	case KindValidation, KindNotFound, KindConflict, KindAuth:
		return e.Message, true
	default:
		return "", false
	}
}
