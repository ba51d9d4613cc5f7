package nvmeq

import "github.com/dmaclab/nvmeq/internal/constants"

// Queue geometry and sizing.
const (
	// DefaultAdminQueueDepth is the admin queue depth used when Params
	// leaves it zero.
	DefaultAdminQueueDepth = constants.DefaultAdminQueueDepth

	// DefaultIOQueueDepth is the I/O queue depth used when Params leaves
	// it zero.
	DefaultIOQueueDepth = constants.DefaultIOQueueDepth

	// DefaultQueuePairs is the queue pair count requested from the
	// controller at open time.
	DefaultQueuePairs = constants.DefaultQueuePairs

	// MaxQueueDepth is the largest depth any NVMe queue may have.
	MaxQueueDepth = constants.MaxQueueDepth

	// MinQueueDepth is the smallest legal depth for any queue.
	MinQueueDepth = constants.MinQueueDepth

	// PageSize is the memory page size implied by CC.MPS=0.
	PageSize = constants.PageSize

	// AutoAssignQueueID requests the lowest unused queue ID.
	AutoAssignQueueID = constants.AutoAssignQueueID
)

// Timing defaults.
const (
	// DefaultCommandTimeout bounds synchronous waits for one completion.
	DefaultCommandTimeout = constants.DefaultCommandTimeout

	// DefaultPollInterval is the sleep between empty completion scans.
	DefaultPollInterval = constants.DefaultPollInterval
)
