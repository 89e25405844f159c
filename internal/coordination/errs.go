// Package coordination defines the error taxonomy shared by the Store,
// Scheduler, and HTTP gateway.
package coordination

import "errors"

// Kind classifies an error into the taxonomy: InvalidInput, NotFound,
// Conflict, Transient, AgentFailure, Fatal.
type Kind string

const (
	KindInvalidInput Kind = "InvalidInput"
	KindNotFound     Kind = "NotFound"
	KindConflict     Kind = "Conflict"
	KindTransient    Kind = "Transient"
	KindAgentFailure Kind = "AgentFailure"
	KindFatal        Kind = "Fatal"
)

// Error is a taxonomy-classified error. Component boundaries wrap lower
// level errors (driver errors, transport failures) into one of these kinds
// before they cross into the Scheduler, Collector, or HTTP layer.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Is reports whether err (or anything it wraps) is a coordination.Error of
// the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Common sentinel-style constructors, mirroring the specific failure
// reasons the Store and Scheduler raise.
var (
	ErrNameConflict      = New(KindInvalidInput, "agent name exists with a different address")
	ErrBadAssignment     = New(KindInvalidInput, "assignment must set both task and subtask or neither")
	ErrUnknownKind       = New(KindInvalidInput, "unknown subtask kind")
	ErrIllegalTransition = New(KindInvalidInput, "illegal status transition")
)
