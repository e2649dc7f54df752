package xmm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/behrlich/go-xmm/internal/queue"
	"github.com/behrlich/go-xmm/internal/ring"
)

// Error is a structured xmm error with operation context.
type Error struct {
	Op    string    // Operation that failed (e.g., "attach", "qp_open")
	QP    int       // Queue pair index (-1 if not applicable)
	Ring  int       // TD ring id (-1 if not applicable)
	Code  ErrorCode // High-level error category
	Msg   string    // Human-readable message
	Inner error     // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.QP >= 0 {
		parts = append(parts, fmt.Sprintf("qp=%d", e.QP))
	}
	if e.Ring >= 0 {
		parts = append(parts, fmt.Sprintf("ring=%d", e.Ring))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("xmm: %s (%s)", msg, strings.Join(parts, " "))
	}
	return fmt.Sprintf("xmm: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is provides errors.Is support against other structured errors
func (e *Error) Is(target error) bool {
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// ErrorCode represents high-level error categories
type ErrorCode string

const (
	// ErrCodeTimeout: a bring-up handshake did not complete within its
	// retry budget. Fatal to device attach.
	ErrCodeTimeout ErrorCode = "timeout"

	// ErrCodeCrashDump: the modem core reported the crash-dump boot
	// status. Fatal to device attach, reported without burning the full
	// retry budget.
	ErrCodeCrashDump ErrorCode = "modem in crash dump state"

	// ErrCodeRingFull: a ring had no free slot. Transient; retry later.
	ErrCodeRingFull ErrorCode = "ring full"

	// ErrCodeAlreadyOpen: open of a queue pair that is already open.
	ErrCodeAlreadyOpen ErrorCode = "already open"

	// ErrCodeNotOpen: operation on a queue pair that is not open.
	ErrCodeNotOpen ErrorCode = "not open"

	// ErrCodeCancelled: a blocking wait was interrupted.
	ErrCodeCancelled ErrorCode = "cancelled"

	// ErrCodeProtocol: an internal invariant was violated, e.g. closing a
	// ring that was never created.
	ErrCodeProtocol ErrorCode = "protocol violation"

	// ErrCodeBus: the bus-mapping collaborator failed (allocation,
	// mapping).
	ErrCodeBus ErrorCode = "bus error"

	// ErrCodeDeviceOffline: the device handle was already closed.
	ErrCodeDeviceOffline ErrorCode = "device offline"
)

// NewError creates a new structured error
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, QP: -1, Ring: -1, Code: code, Msg: msg}
}

// NewQPError creates a queue-pair-specific error
func NewQPError(op string, qp int, code ErrorCode, msg string) *Error {
	return &Error{Op: op, QP: qp, Ring: -1, Code: code, Msg: msg}
}

// WrapError wraps an error produced by the ring or queue layer, mapping the
// layer's sentinel errors onto the error taxonomy.
func WrapError(op string, qp int, inner error) *Error {
	if inner == nil {
		return nil
	}

	if xe, ok := inner.(*Error); ok {
		out := *xe
		out.Op = op
		if out.QP < 0 {
			out.QP = qp
		}
		return &out
	}

	return &Error{
		Op:    op,
		QP:    qp,
		Ring:  -1,
		Code:  codeFor(inner),
		Msg:   inner.Error(),
		Inner: inner,
	}
}

// codeFor maps layer sentinels to error codes
func codeFor(err error) ErrorCode {
	switch {
	case errors.Is(err, ring.ErrFull), errors.Is(err, queue.ErrSendFull):
		return ErrCodeRingFull
	case errors.Is(err, queue.ErrAlreadyOpen):
		return ErrCodeAlreadyOpen
	case errors.Is(err, queue.ErrNotOpen):
		return ErrCodeNotOpen
	case errors.Is(err, ring.ErrRingNotOpen), errors.Is(err, ring.ErrWrongDirection):
		return ErrCodeProtocol
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ErrCodeCancelled
	default:
		return ErrCodeBus
	}
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code ErrorCode) bool {
	var xe *Error
	if errors.As(err, &xe) {
		return xe.Code == code
	}
	return false
}

// IsRetriable reports whether the error is a transient full-ring condition
// that callers may retry after the device drains an entry.
func IsRetriable(err error) bool {
	return IsCode(err, ErrCodeRingFull)
}
