package transfer

import (
	"context"
	"errors"
	"fmt"
)

// StatusError is a non-2xx response from the file or cache server.
type StatusError struct {
	Op         string
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s %s: unexpected status %d: %s", e.Op, e.URL, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s %s: unexpected status %d", e.Op, e.URL, e.StatusCode)
}

// ProtocolViolationError means every local byte was sent but the server never reported done.
// Client and server disagree about the session, so it is never retried.
type ProtocolViolationError struct {
	UploadID  string
	BytesSent int64
	TotalSize int64
	Reason    string
}

func (e *ProtocolViolationError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("upload %s: protocol violation: %s", e.UploadID, e.Reason)
	}
	return fmt.Sprintf("upload %s: protocol violation: sent %d/%d bytes without the server reporting done",
		e.UploadID, e.BytesSent, e.TotalSize)
}

// writeError marks a failure writing to local disk, which a retry cannot fix.
type writeError struct {
	err error
}

func (e *writeError) Error() string { return "write: " + e.err.Error() }
func (e *writeError) Unwrap() error { return e.err }

// permanentError stops a retry loop for an error that would otherwise be retried.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// IsProtocolViolation reports whether err is, or wraps, a ProtocolViolationError.
func IsProtocolViolation(err error) bool {
	var pv *ProtocolViolationError
	return errors.As(err, &pv)
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) && !isTimeout(err) {
		return false
	}
	var we *writeError
	if errors.As(err, &we) {
		return false
	}
	var pe *permanentError
	if errors.As(err, &pe) {
		return false
	}
	return !IsProtocolViolation(err)
}

// isTimeout separates a per-request timeout, which is worth retrying, from a cancelled parent context.
func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
