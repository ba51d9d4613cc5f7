package constants

import "time"

// Default configuration constants
const (
	// DefaultAdminQueueDepth is the default admin queue depth
	DefaultAdminQueueDepth = 32

	// DefaultIOQueueDepth is the default I/O queue depth per queue pair
	DefaultIOQueueDepth = 128

	// DefaultQueuePairs is the queue pair count requested from the
	// controller at open time (Number of Queues feature)
	DefaultQueuePairs = 16

	// MaxQueueDepth is the largest depth any NVMe queue may have; the
	// admin queue is additionally capped by the AQA register fields
	MaxQueueDepth = 4096

	// MinQueueDepth is the smallest legal depth for any queue
	MinQueueDepth = 2

	// PageSize is the memory page size implied by CC.MPS=0
	PageSize = 4096

	// PageShift is log2(PageSize)
	PageShift = 12

	// SubmissionEntrySize is the size of a submission queue entry
	// (CC.IOSQES = 6)
	SubmissionEntrySize = 64

	// CompletionEntrySize is the size of a completion queue entry
	// (CC.IOCQES = 4)
	CompletionEntrySize = 16

	// AutoAssignQueueID requests the lowest unused queue ID
	AutoAssignQueueID = -1
)

// Timing constants for controller and command lifecycle
const (
	// RegisterTimeoutFloor is the minimum time allowed for CSTS.RDY to
	// converge after CC.EN changes, regardless of CAP.TO
	RegisterTimeoutFloor = 5 * time.Second

	// RegisterTimeoutUnit is the unit of the CAP.TO field
	RegisterTimeoutUnit = 500 * time.Millisecond

	// RegisterPollInterval is the interval between CSTS reads while
	// waiting for RDY to converge
	RegisterPollInterval = time.Millisecond

	// DefaultCommandTimeout bounds synchronous waits for a single
	// command completion
	DefaultCommandTimeout = 10 * time.Second

	// DefaultPollInterval is the completion poller sleep between empty
	// completion queue scans
	DefaultPollInterval = 50 * time.Microsecond
)

// Memory allocation constants
const (
	// PRPListEntries is the number of PRP entries in one list page
	PRPListEntries = PageSize / 8

	// DefaultMaxTransfer caps a single data transfer when the controller
	// does not report MDTS (128KB)
	DefaultMaxTransfer = 128 * 1024
)
