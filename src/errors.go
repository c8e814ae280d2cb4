package main

import (
	"errors"
	"fmt"
)

var (
	// ErrPoolClosed is returned by Push once either shutdown has begun.
	ErrPoolClosed = errors.New("worker pool is shut down")

	// ErrNilJob is returned when Push is called with a nil job.
	ErrNilJob = errors.New("job is nil")

	// ErrRetriesExhausted is passed to Discard when a job timed out more
	// often than the pool's retry limit allows.
	ErrRetriesExhausted = errors.New("job retry limit exhausted")

	// ErrMissingHost means the request carried no usable Host header.
	ErrMissingHost = errors.New("missing Host header")

	// ErrRequestTooLarge means the request grew past max_request_bytes.
	ErrRequestTooLarge = errors.New("request too large")

	// ErrForbidden means an access rule refused the request.
	ErrForbidden = errors.New("forbidden")
)

// FormatError reports a malformed request head.
type FormatError struct {
	Detail string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("invalid request format: %s", e.Detail)
}

// UnsupportedRequestError reports a method or protocol outside the accepted sets.
type UnsupportedRequestError struct {
	Method   string
	Protocol string
}

func (e *UnsupportedRequestError) Error() string {
	if e.Method != "" {
		return fmt.Sprintf("unsupported request method %q", e.Method)
	}
	return fmt.Sprintf("unsupported protocol %q", e.Protocol)
}

// JobTimeoutError is logged each time a job overruns its deadline.
type JobTimeoutError struct {
	JobID    uint64
	WorkerID int
	Attempt  int
	Timeout  string
}

func (e *JobTimeoutError) Error() string {
	return fmt.Sprintf("job %d on worker %d exceeded %s (attempt %d)", e.JobID, e.WorkerID, e.Timeout, e.Attempt)
}

// statusForError maps a per-connection failure to the status of the
// best-effort error response sent before the connection is closed.
func statusForError(err error) int {
	var fe *FormatError
	var ue *UnsupportedRequestError
	switch {
	case errors.As(err, &ue):
		if ue.Method != "" {
			return 501
		}
		return 505
	case errors.As(err, &fe), errors.Is(err, ErrMissingHost), errors.Is(err, ErrRequestTooLarge):
		return 400
	case errors.Is(err, ErrForbidden):
		return 403
	default:
		return 500
	}
}
