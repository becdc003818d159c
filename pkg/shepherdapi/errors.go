// Package shepherdapi holds the types and error kinds shared between the
// planning/dispatch core and its capability implementations (filesystem
// drivers, executors, the CLI).
package shepherdapi

import "fmt"

// Kind classifies an error the way §7 of the design tabulates them, so that
// callers (chiefly cmd/shepherd) can map errors to exit codes without
// string-matching messages.
type Kind int

const (
	// KindUnknown is the zero value; errors of this kind were not
	// produced by this package and should be treated as internal.
	KindUnknown Kind = iota
	KindConfiguration
	KindUnresolvedVariable
	KindNoRoute
	KindInvalidNamedRoute
	KindUnsupportedPredicate
	KindTerminalFailure
	KindSchemaMismatch
	KindTransientStore
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "ConfigurationError"
	case KindUnresolvedVariable:
		return "UnresolvedVariable"
	case KindNoRoute:
		return "NoRoute"
	case KindInvalidNamedRoute:
		return "InvalidNamedRoute"
	case KindUnsupportedPredicate:
		return "UnsupportedPredicate"
	case KindTerminalFailure:
		return "TerminalFailure"
	case KindSchemaMismatch:
		return "SchemaMismatch"
	case KindTransientStore:
		return "TransientStoreError"
	default:
		return "Unknown"
	}
}

// Error wraps an underlying cause with a Kind, giving cmd/shepherd a single
// place to decide exit codes (§6 of spec.md) and giving the rest of the core
// a single error type to construct with New/Wrap.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs a *Error with no wrapped cause.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs a *Error wrapping an existing error.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf extracts the Kind from err, if it (or something it wraps) is an
// *Error; otherwise KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if ok := asError(err, &e); ok {
		return e.Kind
	}
	return KindUnknown
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
