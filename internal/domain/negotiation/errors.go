package negotiation

import (
	"errors"
	"fmt"
)

// ErrorKind is the normalized failure class shared by transport and controller.
type ErrorKind string

const (
	KindNetwork      ErrorKind = "network"
	KindUnauthorized ErrorKind = "unauthorized"
	KindInvalid      ErrorKind = "invalid"
	KindConflict     ErrorKind = "conflict"
	KindNotFound     ErrorKind = "not_found"
)

// Structured error codes carried in backend error bodies.
const (
	CodeInvalidPrice   = "invalid_price"
	CodeFinalized      = "conversation_finalized"
	CodeNotEntitled    = "not_entitled"
	CodeNotParticipant = "not_participant"
	CodeNotFound       = "not_found"
	CodeUnauthorized   = "unauthorized"
)

var (
	ErrNetwork      = errors.New("negotiation: network failure")
	ErrUnauthorized = errors.New("negotiation: unauthorized")
	ErrInvalid      = errors.New("negotiation: invalid request")
	ErrConflict     = errors.New("negotiation: conflict")
	ErrNotFound     = errors.New("negotiation: conversation not found")

	ErrFinalized   = &Error{Kind: KindConflict, Op: "mutate", Code: CodeFinalized, Err: errors.New("conversation already finalized")}
	ErrNotEntitled = &Error{Kind: KindConflict, Op: "approve", Code: CodeNotEntitled, Err: errors.New("party may not approve the latest proposal")}
)

// Error is a classified negotiation failure.
type Error struct {
	Kind ErrorKind
	Op   string
	Code string
	// Ambiguous marks failures where the request may have been applied.
	Ambiguous bool
	Err       error
}

func (e *Error) Error() string {
	msg := "negotiation: " + string(e.Kind)
	if e.Op != "" {
		msg = fmt.Sprintf("negotiation: %s: %s", e.Op, e.Kind)
	}
	if e.Ambiguous {
		msg += " (outcome unknown)"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the same kind, so errors.Is(err, ErrConflict) works.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return t.Kind == e.Kind && t.Code == e.Code
	}
	return target == sentinel(e.Kind)
}

func sentinel(kind ErrorKind) error {
	switch kind {
	case KindNetwork:
		return ErrNetwork
	case KindUnauthorized:
		return ErrUnauthorized
	case KindInvalid:
		return ErrInvalid
	case KindConflict:
		return ErrConflict
	case KindNotFound:
		return ErrNotFound
	default:
		return nil
	}
}

// NewError builds a classified error.
func NewError(kind ErrorKind, op, code string, err error) *Error {
	return &Error{Kind: kind, Op: op, Code: code, Err: err}
}

// KindOf extracts the kind of err, or "" when err is not classified.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, ErrNetwork):
		return KindNetwork
	case errors.Is(err, ErrUnauthorized):
		return KindUnauthorized
	case errors.Is(err, ErrInvalid):
		return KindInvalid
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	}
	return ""
}

func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func IsAmbiguous(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Ambiguous
}

// Retryable reports transient failures.
func Retryable(err error) bool {
	return KindOf(err) == KindNetwork
}

// SafeToRetry reports transient failures that certainly had no server-side effect.
func SafeToRetry(err error) bool {
	return Retryable(err) && !IsAmbiguous(err)
}

func invalid(op, code string, err error) *Error {
	return NewError(KindInvalid, op, code, err)
}
