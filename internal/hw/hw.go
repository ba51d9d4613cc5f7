// Package hw defines the hardware seams of the NVMe core: register access
// over a mapped PCIe BAR and DMA-visible memory allocation. Everything above
// this package talks to the controller exclusively through these interfaces,
// so a software controller model can stand in for real hardware.
package hw

import "errors"

// ErrUnsupported is returned by transport constructors on platforms that
// cannot provide them.
var ErrUnsupported = errors.New("hw: not supported on this platform")

// Bar is 32-bit access to the controller register BAR. Offsets are byte
// offsets from the start of the BAR. Implementations must not buffer or
// reorder accesses.
type Bar interface {
	Read32(off uint64) uint32
	Write32(off uint64, v uint32)
}

// Bar64 is implemented by transports with native 64-bit register access.
// Transports that only provide Bar get 64-bit registers composed from two
// ordered 32-bit accesses by the register layer.
type Bar64 interface {
	Bar
	Read64(off uint64) uint64
	Write64(off uint64, v uint64)
}

// Buffer is a DMA-visible memory region. Virt is the host mapping; Phys is
// the bus address of the first byte. Pages carries per-page bus addresses
// when the region is not physically contiguous; a nil Pages means
// Phys+offset is valid for the whole region.
type Buffer struct {
	Virt  []byte
	Phys  uint64
	Pages []uint64
}

// Size returns the usable length of the buffer in bytes.
func (b *Buffer) Size() int {
	return len(b.Virt)
}

// PhysAt returns the bus address of byte off within the buffer.
func (b *Buffer) PhysAt(off int) uint64 {
	if b.Pages == nil {
		return b.Phys + uint64(off)
	}
	return b.Pages[off/PageSize] + uint64(off%PageSize)
}

// PageSize is the DMA page size assumed throughout (CC.MPS=0).
const PageSize = 4096

// MemoryProvider allocates memory the controller can address. Alloc returns
// a zeroed buffer of at least size bytes whose bus address is a multiple of
// align. Buffers must stay resident until freed.
type MemoryProvider interface {
	Alloc(size, align int) (*Buffer, error)
	Free(b *Buffer) error
}
