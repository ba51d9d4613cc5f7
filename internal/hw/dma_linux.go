//go:build linux
// +build linux

package hw

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// AnonMemory provides DMA buffers from page-locked anonymous mappings and
// resolves bus addresses through /proc/self/pagemap. Physical pages are not
// contiguous in general, so buffers carry a per-page address table.
//
// Reading PFNs from pagemap requires CAP_SYS_ADMIN; without it the provider
// falls back to virtual addresses, which only a software controller accepts.
type AnonMemory struct {
	mu      sync.Mutex
	pagemap *os.File
	regions map[*Buffer][]byte
}

var _ MemoryProvider = (*AnonMemory)(nil)

// NewAnonMemory opens the pagemap handle and returns an empty provider.
func NewAnonMemory() (*AnonMemory, error) {
	m := &AnonMemory{regions: make(map[*Buffer][]byte)}
	if pm, err := os.Open("/proc/self/pagemap"); err == nil {
		m.pagemap = pm
	}
	return m, nil
}

// Alloc returns a zeroed, mlocked buffer of at least size bytes. Anonymous
// pages are 4KB-aligned physically, so align beyond one page is rejected.
func (m *AnonMemory) Alloc(size, align int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("alloc: invalid size %d", size)
	}
	if align > PageSize {
		return nil, fmt.Errorf("alloc: alignment %d exceeds page size", align)
	}
	mapLen := (size + PageSize - 1) &^ (PageSize - 1)
	raw, err := unix.Mmap(-1, 0, mapLen,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_POPULATE)
	if err != nil {
		return nil, fmt.Errorf("mmap: %w", err)
	}
	if err := unix.Mlock(raw); err != nil {
		unix.Munmap(raw)
		return nil, fmt.Errorf("mlock: %w", err)
	}

	npages := mapLen / PageSize
	pages := make([]uint64, npages)
	for i := range pages {
		pa, err := m.physOf(uintptr(unsafe.Pointer(&raw[i*PageSize])))
		if err != nil {
			unix.Munlock(raw)
			unix.Munmap(raw)
			return nil, err
		}
		pages[i] = pa
	}
	contiguous := true
	for i := 1; i < npages; i++ {
		if pages[i] != pages[0]+uint64(i)*PageSize {
			contiguous = false
			break
		}
	}

	buf := &Buffer{Virt: raw[:size], Phys: pages[0]}
	if !contiguous {
		buf.Pages = pages
	}
	m.mu.Lock()
	m.regions[buf] = raw
	m.mu.Unlock()
	return buf, nil
}

// Free unlocks and unmaps a buffer returned by Alloc.
func (m *AnonMemory) Free(b *Buffer) error {
	m.mu.Lock()
	raw, ok := m.regions[b]
	delete(m.regions, b)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("free: unknown buffer")
	}
	unix.Munlock(raw)
	return unix.Munmap(raw)
}

// Close releases every outstanding allocation and the pagemap handle.
func (m *AnonMemory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for b, raw := range m.regions {
		unix.Munlock(raw)
		unix.Munmap(raw)
		delete(m.regions, b)
	}
	if m.pagemap != nil {
		m.pagemap.Close()
		m.pagemap = nil
	}
	return nil
}

// physOf resolves the bus address of the page containing vaddr. Pagemap
// entries: bit 63 present, bits 54:0 PFN (zeroed for unprivileged readers).
func (m *AnonMemory) physOf(vaddr uintptr) (uint64, error) {
	if m.pagemap == nil {
		return uint64(vaddr), nil
	}
	var ent [8]byte
	off := int64(uint64(vaddr)/PageSize) * 8
	if _, err := m.pagemap.ReadAt(ent[:], off); err != nil {
		return 0, fmt.Errorf("pagemap read: %w", err)
	}
	v := binary.LittleEndian.Uint64(ent[:])
	if v&(1<<63) == 0 {
		return 0, fmt.Errorf("pagemap: page at %#x not present", vaddr)
	}
	pfn := v & ((1 << 55) - 1)
	if pfn == 0 {
		return uint64(vaddr), nil
	}
	return pfn * PageSize, nil
}
