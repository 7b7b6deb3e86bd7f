package engine

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var (
	ErrStopped     = errors.New("task engine stopped")
	ErrInvalidTask = errors.New("invalid task")
	ErrOverlapSkip = errors.New("fire skipped: previous run still in flight")
)

// Final ends the retry loop after the current attempt. The engine records
// the wrapped error, not the marker.
func Final(err error) error {
	if err == nil {
		return nil
	}
	return &finalError{cause: err}
}

// RetryAfter asks for the next attempt to start no sooner than d. The delay
// is capped at RetryMaxDelay and jittered like any other backoff. It has no
// effect when the task has no retries left.
func RetryAfter(err error, d time.Duration) error {
	if err == nil {
		return nil
	}
	return &delayedError{cause: err, after: max(d, 0)}
}

type finalError struct{ cause error }

func (e *finalError) Error() string { return e.cause.Error() }
func (e *finalError) Unwrap() error { return e.cause }

type delayedError struct {
	cause error
	after time.Duration
}

func (e *delayedError) Error() string { return e.cause.Error() }
func (e *delayedError) Unwrap() error { return e.cause }

// RetryHint returns the delay requested through RetryAfter, if any.
func RetryHint(err error) (time.Duration, bool) {
	var d *delayedError
	if errors.As(err, &d) {
		return d.after, true
	}
	return 0, false
}

// Throttled attaches the Retry-After delay of a 429 or 503 response to err.
// Any other response, or a missing or malformed header, leaves err as is.
func Throttled(err error, resp *http.Response, now time.Time) error {
	if err == nil || resp == nil {
		return err
	}
	if resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode != http.StatusServiceUnavailable {
		return err
	}
	v := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if v == "" {
		return err
	}
	if secs, perr := strconv.Atoi(v); perr == nil {
		return RetryAfter(err, time.Duration(secs)*time.Second)
	}
	if at, perr := http.ParseTime(v); perr == nil {
		return RetryAfter(err, at.Sub(now))
	}
	return err
}
