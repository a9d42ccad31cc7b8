package store

import (
	"errors"
	"fmt"

	"schedula/replica/internal/domain"
)

type Code string

const (
	// CodeConnectivity marks a transport failure or an unreachable server.
	CodeConnectivity Code = "CONNECTIVITY"
	// CodeSecurity marks rejected credentials or an invalid access token.
	CodeSecurity Code = "SECURITY"
	// CodeEntityNotFound marks a reference the server or cache cannot resolve.
	CodeEntityNotFound Code = "ENTITY_NOT_FOUND"
	// CodeProtocol marks a malformed or out-of-order update event.
	CodeProtocol Code = "PROTOCOL"
	// CodeStaleState marks an operation that needs a connected session.
	CodeStaleState Code = "STALE_STATE"
	// CodeInvalidState marks misuse such as connecting twice.
	CodeInvalidState Code = "INVALID_STATE"
	// CodeRejected marks a write the server refused.
	CodeRejected Code = "REJECTED"
	// CodeRemote marks any other failure reported by the server.
	CodeRemote Code = "REMOTE"
)

type Error struct {
	Code    Code
	Op      string
	Message string
	ID      domain.ID
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.ID != "" {
		msg = fmt.Sprintf("%s (id=%s)", msg, e.ID)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Code, msg)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(code Code, op, msg string, err error) *Error {
	return &Error{Code: code, Op: op, Message: msg, Err: err}
}

func Connectivity(op string, err error) *Error {
	return newError(CodeConnectivity, op, "", err)
}

func Security(op, msg string) *Error {
	return newError(CodeSecurity, op, msg, nil)
}

func EntityNotFound(op string, id domain.ID) *Error {
	e := newError(CodeEntityNotFound, op, "entity not found", nil)
	e.ID = id
	return e
}

func Protocol(op, msg string) *Error {
	return newError(CodeProtocol, op, msg, nil)
}

func StaleState(op string) *Error {
	return newError(CodeStaleState, op, "not connected", nil)
}

func InvalidState(op, msg string) *Error {
	return newError(CodeInvalidState, op, msg, nil)
}

func Rejected(op, msg string) *Error {
	return newError(CodeRejected, op, msg, nil)
}

func Remote(op string, err error) *Error {
	return newError(CodeRemote, op, "", err)
}

// New builds an error with an explicit code.
func New(code Code, op, msg string) *Error {
	return newError(code, op, msg, nil)
}

// CodeOf returns the code of the outermost store error in err's chain.
func CodeOf(err error) (Code, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se.Code, true
	}
	return "", false
}

func hasCode(err error, code Code) bool {
	c, ok := CodeOf(err)
	return ok && c == code
}

func IsConnectivity(err error) bool   { return hasCode(err, CodeConnectivity) }
func IsSecurity(err error) bool       { return hasCode(err, CodeSecurity) }
func IsEntityNotFound(err error) bool { return hasCode(err, CodeEntityNotFound) }
func IsProtocol(err error) bool       { return hasCode(err, CodeProtocol) }
func IsStaleState(err error) bool     { return hasCode(err, CodeStaleState) }
func IsInvalidState(err error) bool   { return hasCode(err, CodeInvalidState) }
func IsRejected(err error) bool       { return hasCode(err, CodeRejected) }
