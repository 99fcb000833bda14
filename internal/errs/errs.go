// Package errs holds the sentinel error taxonomy shared across the realtime
// messaging subsystem. Components return these (wrapped with context via
// fmt.Errorf("...: %w", ...)) instead of ad hoc error strings so that callers
// can classify failures with errors.Is/errors.As.
package errs

import "errors"

var (
	// ErrAuthorizationDenied is returned when a channel authorizer rejects a
	// subscribe attempt. Not retried.
	ErrAuthorizationDenied = errors.New("authorization denied")

	// ErrChannelValidation is returned for a malformed channel or event name.
	// Never reaches the broker.
	ErrChannelValidation = errors.New("invalid channel or event name")

	// ErrBrokerUnavailable marks a broker connectivity/health failure.
	ErrBrokerUnavailable = errors.New("broker unavailable")

	// ErrSerializationFailed marks a work unit that could not be serialized.
	ErrSerializationFailed = errors.New("serialization failed")

	// ErrSignatureInvalid marks a work unit whose HMAC signature failed
	// verification.
	ErrSignatureInvalid = errors.New("signature invalid")

	// ErrTimeoutExceeded marks any bounded operation that exceeded its budget.
	ErrTimeoutExceeded = errors.New("timeout exceeded")

	// ErrFatal marks an unrecoverable configuration error. Only this class of
	// error may cause process exit.
	ErrFatal = errors.New("fatal configuration error")
)

// RateLimitExceeded is returned when a rate-limiter layer denies an attempt.
type RateLimitExceeded struct {
	Identifier string
	Limit      int64
	Current    int64
	RetryAfter float64 // seconds
	Layer      string
}

func (e *RateLimitExceeded) Error() string {
	return "rate limit exceeded for " + e.Identifier + " on layer " + e.Layer
}

// TaskFailed is returned by the task executor when a work unit fails.
type TaskFailed struct {
	Key      string
	Reason   string
	ExitCode int
}

func (e *TaskFailed) Error() string {
	return "task " + e.Key + " failed: " + e.Reason
}

// HandlerFailure wraps an error raised inside a message handler. It never
// aborts the consume loop; it is recorded against ctx.error_count and passed
// to onFailed.
type HandlerFailure struct {
	Channel string
	Err     error
}

func (e *HandlerFailure) Error() string {
	return "handler failure on channel " + e.Channel + ": " + e.Err.Error()
}

func (e *HandlerFailure) Unwrap() error { return e.Err }
