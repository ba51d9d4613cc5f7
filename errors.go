package nvmeq

import (
	"github.com/dmaclab/nvmeq/internal/nverr"
)

// Error is the structured error type every operation in this module
// returns. It carries the failing operation, queue and command context when
// applicable, a high-level category, and the raw controller status for
// controller-reported failures.
type Error = nverr.Error

// ErrorCode is the high-level error category carried by Error.
type ErrorCode = nverr.ErrorCode

// Error categories.
const (
	CodeRegisterTimeout        = nverr.CodeRegisterTimeout
	CodeControllerFatal        = nverr.CodeControllerFatal
	CodeControllerClosed       = nverr.CodeControllerClosed
	CodeNotReady               = nverr.CodeNotReady
	CodeQueueIdConflict        = nverr.CodeQueueIdConflict
	CodeQueueIdInvalid         = nverr.CodeQueueIdInvalid
	CodeCompletionQueueInvalid = nverr.CodeCompletionQueueInvalid
	CodeDeletionOrderViolation = nverr.CodeDeletionOrderViolation
	CodeQueueFull              = nverr.CodeQueueFull
	CodeCommandIdReuse         = nverr.CodeCommandIdReuse
	CodeCompletionTimeout      = nverr.CodeCompletionTimeout
	CodeCommandAborted         = nverr.CodeCommandAborted
	CodeCommandStatus          = nverr.CodeCommandStatus
	CodeInvalidParameters      = nverr.CodeInvalidParameters
	CodeTransferTooLarge       = nverr.CodeTransferTooLarge
	CodeUnsupported            = nverr.CodeUnsupported
	CodeIO                     = nverr.CodeIO
)

// Sentinel errors for errors.Is matching. Matching is by category, so any
// structured error of the same kind satisfies errors.Is against these.
var (
	ErrRegisterTimeout        = nverr.ErrRegisterTimeout
	ErrControllerFatal        = nverr.ErrControllerFatal
	ErrControllerClosed       = nverr.ErrControllerClosed
	ErrNotReady               = nverr.ErrNotReady
	ErrQueueIdConflict        = nverr.ErrQueueIdConflict
	ErrQueueIdInvalid         = nverr.ErrQueueIdInvalid
	ErrCompletionQueueInvalid = nverr.ErrCompletionQueueInvalid
	ErrDeletionOrderViolation = nverr.ErrDeletionOrderViolation
	ErrQueueFull              = nverr.ErrQueueFull
	ErrCommandIdReuse         = nverr.ErrCommandIdReuse
	ErrCompletionTimeout      = nverr.ErrCompletionTimeout
	ErrCommandAborted         = nverr.ErrCommandAborted
	ErrTransferTooLarge       = nverr.ErrTransferTooLarge
)

// IsCode checks whether err carries the given error category.
func IsCode(err error, code ErrorCode) bool {
	return nverr.IsCode(err, code)
}

// IsStatus checks whether err carries a controller status with the given
// status code type and status code.
func IsStatus(err error, sct, sc uint8) bool {
	return nverr.IsStatus(err, sct, sc)
}

// AsStatus extracts the controller status from an error chain.
func AsStatus(err error) (*StatusError, bool) {
	return nverr.AsStatus(err)
}
