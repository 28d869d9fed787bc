package service

import (
	"errors"
	"fmt"
)

// ErrSignature marks a response whose signature or timestamp did not check out.
var ErrSignature = errors.New("response signature rejected")

// Error is a domain failure: a non-OK result code from the server, a
// response that failed signature checks, or an undecodable body.
type Error struct {
	Code    VerifyError
	Result  ResultCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Result == ResultNone {
		return fmt.Sprintf("%s: %s", e.Code, msg)
	}
	return fmt.Sprintf("%s (result %d %s): %s", e.Code, int(e.Result), e.Result, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// FromResult builds the Error for a non-OK result code.
func FromResult(code ResultCode, message string) *Error {
	return &Error{Code: MapResult(code), Result: code, Message: message}
}

// CodeOf returns the VerifyError carried by err, InternalErr for other
// errors and NoError for nil.
func CodeOf(err error) VerifyError {
	if err == nil {
		return NoError
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return InternalErr
}

// IsInvalidToken reports whether err is a server INVALID_TOKEN rejection.
func IsInvalidToken(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Result == ResultInvalidToken
}
