package adapter

import "errors"

var (
	// ErrNotRunning is returned when an operation is attempted against
	// a handle that has not completed Start or has already stopped.
	ErrNotRunning = errors.New("adapter: handle is not running")
	// ErrReadyTimeout is returned when the child does not send a ready
	// message within the startup deadline.
	ErrReadyTimeout = errors.New("adapter: timed out waiting for ready")
	// ErrRequestTimeout is returned when a pending request's deadline
	// elapses before the child responds.
	ErrRequestTimeout = errors.New("adapter: request timed out")
	// ErrAlreadyStarted is returned by Start on a handle that has
	// already been started.
	ErrAlreadyStarted = errors.New("adapter: handle already started")
)

// ChildError wraps an ErrorPayload reported by the child process so
// callers can inspect its code alongside the Go error chain.
type ChildError struct {
	Code    string
	Message string
}

func (e *ChildError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}
