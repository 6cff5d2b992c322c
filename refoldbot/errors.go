package refoldbot

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures independently of any transport library.
// Adapters (Discord, HTTP) translate their own error types into one of
// these kinds at the boundary.
type ErrorKind string

const (
	// ErrorKindValidation covers malformed input: bad CSV rows, bad
	// date/time formats, duplicate or empty names.
	ErrorKindValidation ErrorKind = "validation"

	// ErrorKindAccess covers resource/permission failures: a channel we
	// can't read, a forum we can't post to.
	ErrorKindAccess ErrorKind = "access"

	// ErrorKindPersistence covers durable write/read failures.
	ErrorKindPersistence ErrorKind = "persistence"

	// ErrorKindTransport covers chat-platform API failures that aren't
	// permission-related (rate limits, 5xx, connection errors).
	ErrorKindTransport ErrorKind = "transport"
)

var (
	ErrAssignmentNotFound   = errors.New("assignment not found")
	ErrAssignmentNotPending = errors.New("assignment is not pending")
	ErrCourseNotFound       = errors.New("course not found")
	ErrCourseExists         = errors.New("course already exists")
)

// Error is a classified error carrying an ErrorKind.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Message, e.Err.Error())
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func wrapError(kind ErrorKind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf returns the ErrorKind of err, if err (or anything it wraps)
// is an *Error.
func KindOf(err error) (ErrorKind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// IsKind reports whether err is classified as the given kind.
func IsKind(err error, kind ErrorKind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
