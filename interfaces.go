// Package nvmeq is a host-side NVMe 2.0 queue management core. It owns
// controller bring-up over a register BAR, admin and I/O queue pair
// lifecycle, command submission with phase-tag completion tracking, and
// namespace read/write built on PRP data transfer.
//
// The hardware seams are two small interfaces: Bar for register access and
// MemoryProvider for DMA-visible memory. A PCIe transport (sysfs BAR
// mapping plus pagemap-backed buffers) and a software controller model are
// both provided, so the same session code runs against real hardware and
// against tests.
package nvmeq

import (
	"github.com/dmaclab/nvmeq/internal/hw"
	"github.com/dmaclab/nvmeq/internal/queue"
	"github.com/dmaclab/nvmeq/internal/regs"
	"github.com/dmaclab/nvmeq/internal/wire"
)

// Bar is 32-bit register access to the controller BAR.
type Bar = hw.Bar

// Bar64 is implemented by transports with native 64-bit register access.
type Bar64 = hw.Bar64

// Buffer is a DMA-visible memory region with host and bus addresses.
type Buffer = hw.Buffer

// MemoryProvider allocates memory the controller can address.
type MemoryProvider = hw.MemoryProvider

// Sqe is a 64-byte submission queue entry.
type Sqe = wire.Sqe

// Cqe is a 16-byte completion queue entry.
type Cqe = wire.Cqe

// Status is the CQE status field.
type Status = wire.Status

// StatusError is a controller-reported command failure.
type StatusError = wire.StatusError

// Pending is an in-flight command handle resolved by its completion.
type Pending = queue.Pending

// RegisterSnapshot is a point-in-time copy of the controller register file.
type RegisterSnapshot = regs.Snapshot

// IdentifyControllerData is the Identify Controller page (CNS 01h).
type IdentifyControllerData = wire.IdentifyController

// IdentifyNamespaceData is the Identify Namespace page (CNS 00h).
type IdentifyNamespaceData = wire.IdentifyNamespace

// ErrUnsupported is returned by transport constructors on platforms that
// cannot provide them.
var ErrUnsupported = hw.ErrUnsupported

// Command opcodes accepted by Submit and AdminPassthru.
const (
	AdminDeleteIOSQ  = wire.AdminDeleteIOSQ
	AdminCreateIOSQ  = wire.AdminCreateIOSQ
	AdminDeleteIOCQ  = wire.AdminDeleteIOCQ
	AdminCreateIOCQ  = wire.AdminCreateIOCQ
	AdminIdentify    = wire.AdminIdentify
	AdminSetFeatures = wire.AdminSetFeatures
	AdminGetFeatures = wire.AdminGetFeatures

	NvmFlush = wire.NvmFlush
	NvmWrite = wire.NvmWrite
	NvmRead  = wire.NvmRead
)

// Feature identifiers for GetFeature and SetFeature.
const (
	FeatureArbitration        = wire.FeatureArbitration
	FeatureVolatileWriteCache = wire.FeatureVolatileWriteCache
	FeatureNumberOfQueues     = wire.FeatureNumberOfQueues
)

// I/O submission queue priority classes.
const (
	PriorityUrgent = wire.PriorityUrgent
	PriorityHigh   = wire.PriorityHigh
	PriorityMedium = wire.PriorityMedium
	PriorityLow    = wire.PriorityLow
)

// OpenSysfsBar maps BAR0 of the PCI function at bdf, e.g. "0000:01:00.0".
// Linux only.
func OpenSysfsBar(bdf string) (*hw.SysfsBar, error) {
	return hw.OpenSysfsBar(bdf)
}

// NewAnonMemory returns a DMA provider backed by page-locked anonymous
// memory with pagemap address resolution. Linux only; resolving bus
// addresses requires CAP_SYS_ADMIN.
func NewAnonMemory() (*hw.AnonMemory, error) {
	return hw.NewAnonMemory()
}
