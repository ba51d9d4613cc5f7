package queue

import (
	"sync"

	"github.com/dmaclab/nvmeq/internal/constants"
	"github.com/dmaclab/nvmeq/internal/hw"
	"github.com/dmaclab/nvmeq/internal/nverr"
)

// BufferPool provides pooled DMA buffers to avoid hot-path allocation and
// pinning costs. Uses size-bucketed freelists with power-of-2 sizes (4KB,
// 64KB, 128KB, 1MB): the 4KB bucket serves PRP list pages, the larger
// buckets serve staged data transfers.
//
// Buffers come from the controller session's memory provider and stay
// resident while pooled; Close returns everything to the provider.

// Buffer size buckets
const (
	size4k   = constants.PageSize
	size64k  = 64 * 1024
	size128k = 128 * 1024
	size1m   = 1024 * 1024

	numBuckets = 4
)

var bucketSizes = [numBuckets]int{size4k, size64k, size128k, size1m}

// BufferPool is safe for concurrent use.
type BufferPool struct {
	mem hw.MemoryProvider

	mu      sync.Mutex
	buckets [numBuckets][]*hw.Buffer
	closed  bool
}

// NewBufferPool wraps mem with bucketed buffer reuse.
func NewBufferPool(mem hw.MemoryProvider) *BufferPool {
	return &BufferPool{mem: mem}
}

// Get returns a zero-filled buffer of at least size bytes. Requests larger
// than the biggest bucket are rejected; callers cap transfers at MDTS.
func (p *BufferPool) Get(size int) (*hw.Buffer, error) {
	idx := bucketFor(size)
	if idx < 0 {
		return nil, nverr.New("BUFFER_POOL", nverr.CodeTransferTooLarge,
			"request exceeds largest pooled buffer")
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, nverr.New("BUFFER_POOL", nverr.CodeControllerClosed, "pool closed")
	}
	if n := len(p.buckets[idx]); n > 0 {
		b := p.buckets[idx][n-1]
		p.buckets[idx] = p.buckets[idx][:n-1]
		p.mu.Unlock()
		for i := range b.Virt {
			b.Virt[i] = 0
		}
		return b, nil
	}
	p.mu.Unlock()
	return p.mem.Alloc(bucketSizes[idx], constants.PageSize)
}

// Put returns a buffer obtained from Get to its bucket. Buffers with a
// non-bucket size go straight back to the provider.
func (p *BufferPool) Put(b *hw.Buffer) {
	if b == nil {
		return
	}
	idx := -1
	for i, sz := range bucketSizes {
		if b.Size() == sz {
			idx = i
			break
		}
	}
	p.mu.Lock()
	if idx >= 0 && !p.closed {
		p.buckets[idx] = append(p.buckets[idx], b)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	p.mem.Free(b)
}

// Close frees every pooled buffer. Buffers still checked out are the
// caller's to free.
func (p *BufferPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	var firstErr error
	for i := range p.buckets {
		for _, b := range p.buckets[i] {
			if err := p.mem.Free(b); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		p.buckets[i] = nil
	}
	return firstErr
}

func bucketFor(size int) int {
	for i, sz := range bucketSizes {
		if size <= sz {
			return i
		}
	}
	return -1
}
