// Package nverr defines the structured error type used across the queue,
// control, and session layers. It lives below those packages so any layer
// can attach operation and queue context; the root package re-exports the
// type and helpers as the public error surface.
package nverr

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dmaclab/nvmeq/internal/wire"
)

// Error is a structured NVMe session error with context and, for
// controller-reported failures, the raw completion status.
type Error struct {
	Op     string      // operation that failed (e.g. "ENABLE", "CREATE_IOSQ")
	Qid    int         // queue ID (-1 if not applicable)
	CID    int         // command ID (-1 if not applicable)
	Code   ErrorCode   // high-level error category
	Status wire.Status // controller status field (0 if not applicable)
	Msg    string      // human-readable message
	Inner  error       // wrapped error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.Qid >= 0 {
		parts = append(parts, fmt.Sprintf("qid=%d", e.Qid))
	}
	if e.CID >= 0 {
		parts = append(parts, fmt.Sprintf("cid=%d", e.CID))
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%v", e.Status))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if len(parts) > 0 {
		return fmt.Sprintf("nvmeq: %s (%s)", msg, strings.Join(parts, ", "))
	}
	return fmt.Sprintf("nvmeq: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is matches errors by Code so sentinel values work with errors.Is.
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == te.Code
}

// ErrorCode represents high-level error categories.
type ErrorCode string

const (
	CodeRegisterTimeout        ErrorCode = "register timeout"
	CodeControllerFatal        ErrorCode = "controller fatal status"
	CodeControllerClosed       ErrorCode = "controller closed"
	CodeNotReady               ErrorCode = "controller not ready"
	CodeQueueIdConflict        ErrorCode = "queue id conflict"
	CodeQueueIdInvalid         ErrorCode = "queue id invalid"
	CodeCompletionQueueInvalid ErrorCode = "completion queue invalid"
	CodeDeletionOrderViolation ErrorCode = "queue deletion order violation"
	CodeQueueFull              ErrorCode = "queue full"
	CodeCommandIdReuse         ErrorCode = "command id reuse"
	CodeCompletionTimeout      ErrorCode = "completion timeout"
	CodeCommandAborted         ErrorCode = "command aborted"
	CodeCommandStatus          ErrorCode = "command status error"
	CodeInvalidParameters      ErrorCode = "invalid parameters"
	CodeTransferTooLarge       ErrorCode = "transfer too large"
	CodeUnsupported            ErrorCode = "not supported"
	CodeIO                     ErrorCode = "I/O error"
)

// Sentinel errors for errors.Is matching. Matching is by Code, so any
// structured error of the same category satisfies errors.Is against these.
var (
	ErrRegisterTimeout        = &Error{Code: CodeRegisterTimeout, Qid: -1, CID: -1}
	ErrControllerFatal        = &Error{Code: CodeControllerFatal, Qid: -1, CID: -1}
	ErrControllerClosed       = &Error{Code: CodeControllerClosed, Qid: -1, CID: -1}
	ErrNotReady               = &Error{Code: CodeNotReady, Qid: -1, CID: -1}
	ErrQueueIdConflict        = &Error{Code: CodeQueueIdConflict, Qid: -1, CID: -1}
	ErrQueueIdInvalid         = &Error{Code: CodeQueueIdInvalid, Qid: -1, CID: -1}
	ErrCompletionQueueInvalid = &Error{Code: CodeCompletionQueueInvalid, Qid: -1, CID: -1}
	ErrDeletionOrderViolation = &Error{Code: CodeDeletionOrderViolation, Qid: -1, CID: -1}
	ErrQueueFull              = &Error{Code: CodeQueueFull, Qid: -1, CID: -1}
	ErrCommandIdReuse         = &Error{Code: CodeCommandIdReuse, Qid: -1, CID: -1}
	ErrCompletionTimeout      = &Error{Code: CodeCompletionTimeout, Qid: -1, CID: -1}
	ErrCommandAborted         = &Error{Code: CodeCommandAborted, Qid: -1, CID: -1}
	ErrTransferTooLarge       = &Error{Code: CodeTransferTooLarge, Qid: -1, CID: -1}
)

// Error constructors

// New creates a structured error without queue context.
func New(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Qid: -1, CID: -1, Code: code, Msg: msg}
}

// Newf creates a structured error with a formatted message.
func Newf(op string, code ErrorCode, format string, args ...interface{}) *Error {
	return New(op, code, fmt.Sprintf(format, args...))
}

// QueueError creates a queue-specific error.
func QueueError(op string, qid int, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Qid: qid, CID: -1, Code: code, Msg: msg}
}

// CommandError creates a command-specific error.
func CommandError(op string, qid, cid int, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Qid: qid, CID: cid, Code: code, Msg: msg}
}

// StatusError wraps a controller-reported completion status. Known status
// codes map onto the matching category so errors.Is sees local and
// controller-reported failures of the same kind alike; the raw status is
// preserved in the Status field.
func StatusError(op string, qid, cid int, st wire.Status) *Error {
	se := &wire.StatusError{SCT: st.SCT(), SC: st.SC(), DNR: st.DNR(), More: st.More()}
	return &Error{
		Op:     op,
		Qid:    qid,
		CID:    cid,
		Code:   mapStatusToCode(se),
		Status: st.WithPhase(false),
		Msg:    se.Error(),
		Inner:  se,
	}
}

// Wrap wraps an existing error with operation context.
func Wrap(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	// Already structured: keep context, update the operation.
	if ne, ok := inner.(*Error); ok {
		out := *ne
		out.Op = op
		return &out
	}

	if se, ok := inner.(*wire.StatusError); ok {
		return &Error{
			Op:     op,
			Qid:    -1,
			CID:    -1,
			Code:   mapStatusToCode(se),
			Status: wire.MakeStatus(se.SCT, se.SC),
			Msg:    se.Error(),
			Inner:  inner,
		}
	}

	return &Error{Op: op, Qid: -1, CID: -1, Code: CodeIO, Msg: inner.Error(), Inner: inner}
}

// mapStatusToCode maps controller status codes onto error categories.
func mapStatusToCode(se *wire.StatusError) ErrorCode {
	switch se.SCT {
	case wire.SCTGeneric:
		switch se.SC {
		case wire.SCInvalidOpcode, wire.SCInvalidField:
			return CodeInvalidParameters
		case wire.SCCommandIDConflict:
			return CodeCommandIdReuse
		case wire.SCAbortedSQDeletion:
			return CodeCommandAborted
		}
	case wire.SCTCommandSpecific:
		switch se.SC {
		case wire.SCCompletionQueueInvalid:
			return CodeCompletionQueueInvalid
		case wire.SCInvalidQueueID:
			return CodeQueueIdInvalid
		case wire.SCInvalidQueueSize:
			return CodeInvalidParameters
		case wire.SCInvalidQueueDeletion:
			return CodeDeletionOrderViolation
		}
	}
	return CodeCommandStatus
}

// IsCode checks if an error matches a specific error code. Joined errors
// match if any branch carries the code.
func IsCode(err error, code ErrorCode) bool {
	return errors.Is(err, &Error{Code: code, Qid: -1, CID: -1})
}

// IsStatus checks if an error carries a controller status with the given
// status code type and status code.
func IsStatus(err error, sct, sc uint8) bool {
	var se *wire.StatusError
	if errors.As(err, &se) {
		return se.SCT == sct && se.SC == sc
	}
	return false
}

// AsStatus extracts the controller status from an error chain.
func AsStatus(err error) (*wire.StatusError, bool) {
	var se *wire.StatusError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}
