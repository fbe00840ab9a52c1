package services

import (
	"errors"
	"fmt"
)

// Kind classifies failures so handlers can map them to a response.
type Kind int

const (
	KindValidation Kind = iota + 1
	KindAuthorization
	KindNotFound
	KindTransport
	KindDependency
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthorization:
		return "authorization"
	case KindNotFound:
		return "not_found"
	case KindTransport:
		return "transport"
	case KindDependency:
		return "dependency"
	}
	return "unknown"
}

// Error carries a Kind plus a stable machine-readable Reason.
type Error struct {
	Kind    Kind
	Reason  string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind and Reason so wrapped copies of a sentinel still match.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Reason == t.Reason
}

var (
	ErrConnectionNotFound = &Error{Kind: KindNotFound, Reason: "connection_not_found", Message: "connection not found"}
	ErrNotParty           = &Error{Kind: KindAuthorization, Reason: "not_a_party", Message: "you are not part of this connection"}
	ErrRequiresPro        = &Error{Kind: KindAuthorization, Reason: "requiresPro", Message: "upgrade required to message before the connection is accepted"}
	ErrConnectionInactive = &Error{Kind: KindAuthorization, Reason: "connection_not_active", Message: "messaging is closed for this connection"}
	ErrUnauthenticated    = &Error{Kind: KindTransport, Reason: "unauthenticated", Message: "authentication required"}
)

func validationError(reason, msg string) *Error {
	return &Error{Kind: KindValidation, Reason: reason, Message: msg}
}

func dependencyError(reason, msg string, err error) *Error {
	return &Error{Kind: KindDependency, Reason: reason, Message: msg, Err: err}
}

// KindOf returns the Kind of err, or 0 when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
