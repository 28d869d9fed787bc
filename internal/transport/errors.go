package transport

import (
	"errors"
	"fmt"
)

// ErrEmptyBody is returned when the service answers 200 with no body.
var ErrEmptyBody = errors.New("empty response body")

// Error is a network level failure: connect or read error, timeout, open
// circuit breaker, a status other than 200, or an empty body.
type Error struct {
	Method     string
	StatusCode int // 0 when no response was received
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transport %s (http %d): %v", e.Method, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transport %s: %v", e.Method, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransport reports whether err is, or wraps, a *Error.
func IsTransport(err error) bool {
	var te *Error
	return errors.As(err, &te)
}
