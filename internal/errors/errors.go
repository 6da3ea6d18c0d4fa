package errors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
)

var (
	ErrRangeMismatch       = errors.New("server did not honor the requested range")
	ErrDisk                = errors.New("disk error")
	ErrCancelled           = errors.New("download cancelled")
	ErrFingerprintMismatch = errors.New("resume fingerprint mismatch")
	ErrShortBody           = errors.New("response body ended before the segment was complete")
	ErrNetwork             = errors.New("network error")
)

// Kind classifies an error for retry decisions and for the job outcome.
type Kind int

const (
	KindUnknown Kind = iota
	KindNetwork
	KindHTTPStatus
	KindRangeMismatch
	KindDisk
	KindFingerprintMismatch
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "NetworkError"
	case KindHTTPStatus:
		return "HttpStatusError"
	case KindRangeMismatch:
		return "RangeMismatchError"
	case KindDisk:
		return "DiskError"
	case KindFingerprintMismatch:
		return "ResumeFingerprintMismatch"
	case KindCancelled:
		return "CancellationError"
	default:
		return "UnknownError"
	}
}

// Retryable reports whether a segment attempt that failed with this kind
// may be attempted again.
func Retryable(k Kind) bool {
	return k == KindNetwork || k == KindHTTPStatus
}

// StatusError is returned by the transport for 4xx/5xx responses.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status: %s", e.Status)
}

// DiskError wraps a filesystem failure on the destination.
type DiskError struct {
	Op   string
	Path string
	Err  error
}

func (e *DiskError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *DiskError) Unwrap() error { return e.Err }

func (e *DiskError) Is(target error) bool { return target == ErrDisk }

// NewDiskError wraps err as a DiskError, or returns nil for a nil err.
func NewDiskError(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &DiskError{Op: op, Path: path, Err: err}
}

// SegmentError reports the failure of one segment after its last attempt.
type SegmentError struct {
	Kind      Kind
	SegmentID int
	Attempts  int
	Err       error
}

func (e *SegmentError) Error() string {
	return fmt.Sprintf("segment %d failed after %d attempt(s): %s: %v", e.SegmentID, e.Attempts, e.Kind, e.Err)
}

func (e *SegmentError) Unwrap() error { return e.Err }

// KindOf classifies err. Typed errors win over context errors so that a
// per-attempt timeout is reported as a network failure.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var segErr *SegmentError
	if errors.As(err, &segErr) {
		return segErr.Kind
	}

	var statusErr *StatusError
	switch {
	case errors.Is(err, ErrRangeMismatch):
		return KindRangeMismatch
	case errors.Is(err, ErrDisk):
		return KindDisk
	case errors.Is(err, ErrFingerprintMismatch):
		return KindFingerprintMismatch
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.As(err, &statusErr):
		return KindHTTPStatus
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrShortBody),
		errors.Is(err, ErrNetwork), errors.Is(err, io.ErrUnexpectedEOF):
		return KindNetwork
	}

	// syscall.Errno satisfies net.Error, so local filesystem failures are
	// matched first.
	var pathErr *os.PathError
	if errors.As(err, &pathErr) || errors.Is(err, syscall.ENOSPC) || errors.Is(err, syscall.EDQUOT) {
		return KindDisk
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindNetwork
	}

	return KindUnknown
}
