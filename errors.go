package tcpka

import (
	"errors"
	"strconv"
)

var (
	ErrRetriesExceeded = errors.New("tcpka: retries exceeded")
	ErrSocketCreate    = errors.New("tcpka: socket create failed")
	ErrNotConnected    = errors.New("tcpka: not connected")
	ErrNoServer        = errors.New("tcpka: no server address configured")
)

// AttemptError is returned when a bounded retry sequence gives up.
// It unwraps to the error returned by the last attempt.
type AttemptError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *AttemptError) Error() string {
	return e.Op + " failed after " + strconv.Itoa(e.Attempts) + " attempts: " + e.Err.Error()
}

func (e *AttemptError) Unwrap() error { return e.Err }

// Is reports target==ErrRetriesExceeded so callers need not know the concrete type.
func (e *AttemptError) Is(target error) bool { return target == ErrRetriesExceeded }
