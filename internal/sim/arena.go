package sim

import (
	"sort"
	"sync"

	"github.com/dmaclab/nvmeq/internal/hw"
	"github.com/dmaclab/nvmeq/internal/nverr"
)

// arenaBase keeps simulated bus addresses away from zero so a zeroed PRP
// field never aliases a real allocation.
const arenaBase uint64 = 0x1000_0000

// Arena is an hw.MemoryProvider whose "bus addresses" index its own
// allocations, letting the controller model dereference PRP entries the way
// a device DMA engine would. Allocations are contiguous and page aligned.
type Arena struct {
	mu     sync.Mutex
	next   uint64
	allocs []arenaAlloc
}

type arenaAlloc struct {
	phys uint64
	mem  []byte
}

// NewArena creates an empty arena.
func NewArena() *Arena {
	return &Arena{next: arenaBase}
}

var _ hw.MemoryProvider = (*Arena)(nil)

// Alloc returns a zeroed buffer with a fake bus address unique within the
// arena.
func (a *Arena) Alloc(size, align int) (*hw.Buffer, error) {
	if size <= 0 {
		return nil, nverr.New("ALLOC", nverr.CodeInvalidParameters, "non-positive allocation size")
	}
	if align <= 0 {
		align = 1
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	phys := (a.next + uint64(align) - 1) &^ (uint64(align) - 1)
	mem := make([]byte, size)
	a.next = phys + uint64(size)
	a.allocs = append(a.allocs, arenaAlloc{phys: phys, mem: mem})
	return &hw.Buffer{Virt: mem, Phys: phys}, nil
}

// Free releases the allocation backing b.
func (a *Arena) Free(b *hw.Buffer) error {
	if b == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.allocs {
		if a.allocs[i].phys == b.Phys {
			a.allocs = append(a.allocs[:i], a.allocs[i+1:]...)
			return nil
		}
	}
	return nverr.Newf("FREE", nverr.CodeInvalidParameters, "no allocation at %#x", b.Phys)
}

// At resolves n bytes of simulated bus memory starting at phys. Returns nil
// when the range does not fall inside one live allocation.
func (a *Arena) At(phys uint64, n int) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	// Allocations are appended in address order except when Free leaves
	// gaps, so a scan with an early sort keeps lookups simple.
	sort.Slice(a.allocs, func(i, j int) bool { return a.allocs[i].phys < a.allocs[j].phys })
	for i := range a.allocs {
		al := &a.allocs[i]
		if phys < al.phys {
			continue
		}
		off := phys - al.phys
		if off+uint64(n) <= uint64(len(al.mem)) {
			return al.mem[off : off+uint64(n)]
		}
	}
	return nil
}
