// Package regs models the NVMe controller register file: byte offsets,
// typed bitfield views of each register, and doorbell arithmetic. All field
// access goes through named accessors so callers never shift raw words.
package regs

import (
	"fmt"
	"time"
)

// Register byte offsets from the start of BAR0.
const (
	CapOff   = 0x00 // CAP, controller capabilities (64-bit)
	VSOff    = 0x08 // VS, specification version
	IntMSOff = 0x0c // INTMS, interrupt mask set
	IntMCOff = 0x10 // INTMC, interrupt mask clear
	CCOff    = 0x14 // CC, controller configuration
	CSTSOff  = 0x1c // CSTS, controller status
	NSSROff  = 0x20 // NSSR, NVM subsystem reset
	AQAOff   = 0x24 // AQA, admin queue attributes
	ASQOff   = 0x28 // ASQ, admin submission queue base (64-bit)
	ACQOff   = 0x30 // ACQ, admin completion queue base (64-bit)

	// DoorbellBase is the offset of SQ 0's tail doorbell; the rest of the
	// doorbell array follows at CAP.DSTRD spacing.
	DoorbellBase = 0x1000
)

// NSSRMagic is the value written to NSSR to request a subsystem reset.
const NSSRMagic uint32 = 0x4e564d65 // "NVMe"

// Cap is the CAP register. Read-only, fixed per controller.
type Cap uint64

// MQES returns the maximum queue entries supported field. The field is
// 0-based: the largest legal queue depth is MQES+1.
func (c Cap) MQES() uint16 { return uint16(c & 0xffff) }

// MaxEntries returns the largest legal I/O queue depth as a count.
func (c Cap) MaxEntries() uint32 { return uint32(c.MQES()) + 1 }

// CQR reports whether I/O queues must be physically contiguous.
func (c Cap) CQR() bool { return c&(1<<16) != 0 }

// TO returns the worst-case time for CSTS.RDY to follow CC.EN, in 500ms
// units.
func (c Cap) TO() uint8 { return uint8(c >> 24) }

// Timeout converts the TO field to a duration.
func (c Cap) Timeout() time.Duration {
	return time.Duration(uint64(c.TO())*500) * time.Millisecond
}

// DSTRD returns the doorbell stride field; register spacing is 4<<DSTRD
// bytes.
func (c Cap) DSTRD() uint8 { return uint8(c>>32) & 0xf }

// DoorbellStride returns the spacing between doorbell registers in bytes.
func (c Cap) DoorbellStride() uint64 { return 4 << c.DSTRD() }

// NSSRS reports NVM subsystem reset support.
func (c Cap) NSSRS() bool { return c&(1<<36) != 0 }

// CSS returns the command set support bitmap; bit 0 is the NVM command set.
func (c Cap) CSS() uint8 { return uint8(c >> 37) }

// MPSMIN returns the minimum page size field; the page size is
// 4KB << MPSMIN.
func (c Cap) MPSMIN() uint8 { return uint8(c>>48) & 0xf }

// MPSMAX returns the maximum page size field.
func (c Cap) MPSMAX() uint8 { return uint8(c>>52) & 0xf }

// MakeCap assembles a CAP value with CQR and NVM command set support set.
func MakeCap(mqes uint16, to, dstrd uint8) Cap {
	return Cap(mqes) | 1<<16 | Cap(to)<<24 | Cap(dstrd&0xf)<<32 | 1<<37
}

// VS is the VS register (specification version).
type VS uint32

// Version20 is NVMe 2.0.
const Version20 VS = 0x00020000

func (v VS) Major() uint16   { return uint16(v >> 16) }
func (v VS) Minor() uint8    { return uint8(v >> 8) }
func (v VS) Tertiary() uint8 { return uint8(v) }

func (v VS) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major(), v.Minor(), v.Tertiary())
}

// CC is the CC register (controller configuration).
type CC uint32

// Reserved CC bits: 3:1 and 31:24.
const ccReserved CC = 0xff00000e

// CC.SHN shutdown notification values.
const (
	ShutdownNone   = 0
	ShutdownNormal = 1
	ShutdownAbrupt = 2
)

// Enabled reports CC.EN.
func (c CC) Enabled() bool { return c&1 != 0 }

// WithEnabled returns c with CC.EN set or cleared.
func (c CC) WithEnabled(on bool) CC {
	if on {
		return c | 1
	}
	return c &^ 1
}

// CSS returns the selected command set (0 is NVM).
func (c CC) CSS() uint8         { return uint8(c>>4) & 0x7 }
func (c CC) WithCSS(v uint8) CC { return c&^(0x7<<4) | CC(v&0x7)<<4 }

// MPS returns the memory page size field; the page size is 4KB << MPS.
func (c CC) MPS() uint8         { return uint8(c>>7) & 0xf }
func (c CC) WithMPS(v uint8) CC { return c&^(0xf<<7) | CC(v&0xf)<<7 }

// AMS returns the arbitration mechanism (0 is round-robin).
func (c CC) AMS() uint8         { return uint8(c>>11) & 0x7 }
func (c CC) WithAMS(v uint8) CC { return c&^(0x7<<11) | CC(v&0x7)<<11 }

// SHN returns the shutdown notification field.
func (c CC) SHN() uint8         { return uint8(c>>14) & 0x3 }
func (c CC) WithSHN(v uint8) CC { return c&^(0x3<<14) | CC(v&0x3)<<14 }

// IOSQES returns the I/O submission entry size as a power of two; 6 means
// 64-byte entries.
func (c CC) IOSQES() uint8         { return uint8(c>>16) & 0xf }
func (c CC) WithIOSQES(v uint8) CC { return c&^(0xf<<16) | CC(v&0xf)<<16 }

// IOCQES returns the I/O completion entry size as a power of two; 4 means
// 16-byte entries.
func (c CC) IOCQES() uint8         { return uint8(c>>20) & 0xf }
func (c CC) WithIOCQES(v uint8) CC { return c&^(0xf<<20) | CC(v&0xf)<<20 }

// Validate rejects values with reserved bits set.
func (c CC) Validate() error {
	if c&ccReserved != 0 {
		return fmt.Errorf("cc: reserved bits set in %#08x", uint32(c))
	}
	return nil
}

// CSTS is the CSTS register (controller status).
type CSTS uint32

// CSTS.SHST shutdown status values.
const (
	ShutdownStatusNone      = 0
	ShutdownStatusOccurring = 1
	ShutdownStatusComplete  = 2
)

// Ready reports CSTS.RDY.
func (s CSTS) Ready() bool { return s&1 != 0 }

// Fatal reports CSTS.CFS, the controller fatal status bit.
func (s CSTS) Fatal() bool { return s&2 != 0 }

// ShutdownStatus returns the SHST field.
func (s CSTS) ShutdownStatus() uint8 { return uint8(s>>2) & 0x3 }

func (s CSTS) WithReady(on bool) CSTS {
	if on {
		return s | 1
	}
	return s &^ 1
}

func (s CSTS) WithFatal(on bool) CSTS {
	if on {
		return s | 2
	}
	return s &^ 2
}

func (s CSTS) WithShutdownStatus(v uint8) CSTS {
	return s&^(0x3<<2) | CSTS(v&0x3)<<2
}

// AQA is the AQA register (admin queue attributes). Both depth fields are
// 0-based and capped at 4095.
type AQA uint32

const aqaReserved AQA = 0xf000f000

// MakeAQA builds an AQA value from 1-based admin queue depths.
func MakeAQA(sqDepth, cqDepth uint32) (AQA, error) {
	if sqDepth < 2 || sqDepth > 4096 {
		return 0, fmt.Errorf("aqa: admin sq depth %d out of range [2,4096]", sqDepth)
	}
	if cqDepth < 2 || cqDepth > 4096 {
		return 0, fmt.Errorf("aqa: admin cq depth %d out of range [2,4096]", cqDepth)
	}
	return AQA(sqDepth-1) | AQA(cqDepth-1)<<16, nil
}

// ASQS returns the 0-based admin submission queue size field.
func (a AQA) ASQS() uint16 { return uint16(a) & 0xfff }

// ACQS returns the 0-based admin completion queue size field.
func (a AQA) ACQS() uint16 { return uint16(a>>16) & 0xfff }

// SQDepth returns the admin submission queue depth as a count.
func (a AQA) SQDepth() uint32 { return uint32(a.ASQS()) + 1 }

// CQDepth returns the admin completion queue depth as a count.
func (a AQA) CQDepth() uint32 { return uint32(a.ACQS()) + 1 }

// Validate rejects values with reserved bits set.
func (a AQA) Validate() error {
	if a&aqaReserved != 0 {
		return fmt.Errorf("aqa: reserved bits set in %#08x", uint32(a))
	}
	return nil
}
