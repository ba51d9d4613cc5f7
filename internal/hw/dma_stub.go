//go:build !linux
// +build !linux

package hw

// AnonMemory requires Linux mmap and pagemap; this stub keeps the package
// portable.
type AnonMemory struct{}

var _ MemoryProvider = (*AnonMemory)(nil)

// NewAnonMemory is only available on Linux.
func NewAnonMemory() (*AnonMemory, error) {
	return nil, ErrUnsupported
}

func (m *AnonMemory) Alloc(size, align int) (*Buffer, error) { return nil, ErrUnsupported }
func (m *AnonMemory) Free(b *Buffer) error                   { return ErrUnsupported }
func (m *AnonMemory) Close() error                           { return nil }
