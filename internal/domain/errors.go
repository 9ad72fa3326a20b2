package domain

import (
	"fmt"

	"github.com/Laisky/errors/v2"
)

// Kind classifies a failure so that callers can decide how to react to it.
type Kind string

const (
	KindNotFound    Kind = "NotFound"
	KindValidation  Kind = "ValidationFailure"
	KindStorage     Kind = "StorageFailure"
	KindConsistency Kind = "InternalConsistencyFailure"
	// KindConflict is raised by metadata stores when (fileId, version) is
	// already taken. It never leaves the service layer.
	KindConflict Kind = "Conflict"
)

// Error is a classified failure.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NotFoundf builds a NotFound error.
func NotFoundf(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// Validationf builds a ValidationFailure error.
func Validationf(format string, args ...any) error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// Conflictf builds a Conflict error.
func Conflictf(format string, args ...any) error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

// Consistencyf builds an InternalConsistencyFailure error.
func Consistencyf(format string, args ...any) error {
	return &Error{Kind: KindConsistency, Message: fmt.Sprintf(format, args...)}
}

// StorageError wraps an I/O failure of the metadata or content store.
// A nil err yields nil. Already classified errors keep their kind.
func StorageError(err error, message string) error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		return errors.Wrap(err, message)
	}
	return &Error{Kind: KindStorage, Message: message, Err: errors.WithStack(err)}
}

// KindOf returns the kind of the first classified error in the chain.
// Unclassified errors are reported as storage failures.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	return KindStorage
}

// IsNotFound reports whether err is a NotFound failure.
func IsNotFound(err error) bool {
	return err != nil && KindOf(err) == KindNotFound
}

// IsConflict reports whether err is a version conflict.
func IsConflict(err error) bool {
	return err != nil && KindOf(err) == KindConflict
}

// Public returns the message that may be shown to a client. Storage and
// consistency failures are reduced to a generic text.
func Public(err error) string {
	var typed *Error
	if errors.As(err, &typed) {
		switch typed.Kind {
		case KindNotFound, KindValidation:
			return typed.Message
		}
	}
	return "An internal error occurred"
}
