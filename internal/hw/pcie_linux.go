//go:build linux
// +build linux

package hw

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// SysfsBar is a register BAR mapped from a sysfs PCI resource file. The
// device must be unclaimed by a kernel driver (or bound to vfio-pci/uio)
// and have memory space access enabled, otherwise reads return all-ones.
type SysfsBar struct {
	f   *os.File
	mem []byte
}

var _ Bar64 = (*SysfsBar)(nil)

// OpenSysfsBar maps BAR0 of the PCI function at bdf, e.g. "0000:01:00.0".
func OpenSysfsBar(bdf string) (*SysfsBar, error) {
	return OpenBarFile(fmt.Sprintf("/sys/bus/pci/devices/%s/resource0", bdf))
}

// OpenBarFile maps an arbitrary PCI resource file as a register BAR.
func OpenBarFile(path string) (*SysfsBar, error) {
	f, err := os.OpenFile(path, os.O_RDWR|unix.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("open bar: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat bar: %w", err)
	}
	size := int(st.Size())
	if size <= 0 {
		f.Close()
		return nil, fmt.Errorf("bar %s reports size %d", path, size)
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, size,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap bar: %w", err)
	}
	return &SysfsBar{f: f, mem: mem}, nil
}

// Size returns the mapped BAR size in bytes.
func (b *SysfsBar) Size() int {
	return len(b.mem)
}

// Read32 performs a 32-bit MMIO read at off. Atomic access keeps the
// compiler from splitting or caching the load.
func (b *SysfsBar) Read32(off uint64) uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&b.mem[off])))
}

// Write32 performs a 32-bit MMIO write at off.
func (b *SysfsBar) Write32(off uint64, v uint32) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&b.mem[off])), v)
}

// Read64 performs a native 64-bit MMIO read at off.
func (b *SysfsBar) Read64(off uint64) uint64 {
	return atomic.LoadUint64((*uint64)(unsafe.Pointer(&b.mem[off])))
}

// Write64 performs a native 64-bit MMIO write at off.
func (b *SysfsBar) Write64(off uint64, v uint64) {
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&b.mem[off])), v)
}

// Close unmaps the BAR and closes the resource file.
func (b *SysfsBar) Close() error {
	var firstErr error
	if b.mem != nil {
		if err := unix.Munmap(b.mem); err != nil {
			firstErr = err
		}
		b.mem = nil
	}
	if b.f != nil {
		if err := b.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		b.f = nil
	}
	return firstErr
}
