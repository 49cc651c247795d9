// Package syncerr defines the closed set of failures the sync core reports.
package syncerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies a failure.
type Kind int

const (
	// KindUnknown is returned by KindOf for errors that were never classified.
	KindUnknown Kind = iota
	// KindProvider is any failed call to the calendar provider (network, 4xx, 5xx).
	KindProvider
	// KindValidation is a response shape mismatch or invalid caller input.
	KindValidation
	// KindAuth means no usable token exists for a linked account.
	KindAuth
	// KindRepository is a persistence layer failure.
	KindRepository
)

func (k Kind) String() string {
	switch k {
	case KindProvider:
		return "ProviderError"
	case KindValidation:
		return "ValidationError"
	case KindAuth:
		return "AuthError"
	case KindRepository:
		return "RepositoryError"
	default:
		return "UnknownError"
	}
}

// Error is a classified failure carrying the operation that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Provider classifies err as a failed provider call. A nil err yields nil.
func Provider(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindProvider, Op: op, Err: err}
}

// Auth classifies err as a token failure. A nil err yields nil.
func Auth(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindAuth, Op: op, Err: err}
}

// Repository classifies err as a persistence failure. A nil err yields nil.
func Repository(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindRepository, Op: op, Err: err}
}

// Validation builds a validation failure from a message.
func Validation(op, format string, args ...any) error {
	return &Error{Kind: KindValidation, Op: op, Err: errors.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// OpOf returns the operation recorded on a classified error, or "".
func OpOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Op
	}
	return ""
}
