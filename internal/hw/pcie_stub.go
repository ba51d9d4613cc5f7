//go:build !linux
// +build !linux

package hw

// SysfsBar requires Linux sysfs; this stub keeps the package portable.
type SysfsBar struct{}

var _ Bar64 = (*SysfsBar)(nil)

// OpenSysfsBar is only available on Linux.
func OpenSysfsBar(bdf string) (*SysfsBar, error) {
	return nil, ErrUnsupported
}

// OpenBarFile is only available on Linux.
func OpenBarFile(path string) (*SysfsBar, error) {
	return nil, ErrUnsupported
}

func (b *SysfsBar) Size() int                  { return 0 }
func (b *SysfsBar) Read32(off uint64) uint32   { panic("hw: sysfs bar unsupported") }
func (b *SysfsBar) Write32(off uint64, v uint32) { panic("hw: sysfs bar unsupported") }
func (b *SysfsBar) Read64(off uint64) uint64   { panic("hw: sysfs bar unsupported") }
func (b *SysfsBar) Write64(off uint64, v uint64) { panic("hw: sysfs bar unsupported") }
func (b *SysfsBar) Close() error               { return nil }
