// Package wire defines the NVMe on-the-wire formats: submission and
// completion queue entries, opcode and status code registries, and the
// identify data pages. Layouts follow the NVMe 2.0 base specification and
// are little-endian regardless of host order.
package wire

import (
	"encoding/binary"
	"fmt"
	"unsafe"
)

// Entry sizes fixed by CC.IOSQES=6 and CC.IOCQES=4.
const (
	SqeSize = 64
	CqeSize = 16
)

// Sqe is a submission queue entry (64 bytes):
//
//	dword 0   opcode, flags, command identifier
//	dword 1   namespace identifier
//	dwords 2-3  command specific (CDW2/CDW3)
//	dwords 4-5  metadata pointer
//	dwords 6-9  PRP entry 1 and 2
//	dwords 10-15  command specific
type Sqe struct {
	Opcode uint8
	Flags  uint8 // FUSE bits 1:0, PSDT bits 7:6 (0 = PRPs)
	CID    uint16
	NSID   uint32
	CDW2   uint32
	CDW3   uint32
	MPTR   uint64
	PRP1   uint64
	PRP2   uint64
	CDW10  uint32
	CDW11  uint32
	CDW12  uint32
	CDW13  uint32
	CDW14  uint32
	CDW15  uint32
}

// Compile-time size check - must be exactly 64 bytes
var _ [SqeSize]byte = [unsafe.Sizeof(Sqe{})]byte{}

// Marshal writes the entry into buf in wire order.
func (s *Sqe) Marshal(buf []byte) error {
	if len(buf) < SqeSize {
		return ErrInsufficientData
	}
	buf[0] = s.Opcode
	buf[1] = s.Flags
	binary.LittleEndian.PutUint16(buf[2:4], s.CID)
	binary.LittleEndian.PutUint32(buf[4:8], s.NSID)
	binary.LittleEndian.PutUint32(buf[8:12], s.CDW2)
	binary.LittleEndian.PutUint32(buf[12:16], s.CDW3)
	binary.LittleEndian.PutUint64(buf[16:24], s.MPTR)
	binary.LittleEndian.PutUint64(buf[24:32], s.PRP1)
	binary.LittleEndian.PutUint64(buf[32:40], s.PRP2)
	binary.LittleEndian.PutUint32(buf[40:44], s.CDW10)
	binary.LittleEndian.PutUint32(buf[44:48], s.CDW11)
	binary.LittleEndian.PutUint32(buf[48:52], s.CDW12)
	binary.LittleEndian.PutUint32(buf[52:56], s.CDW13)
	binary.LittleEndian.PutUint32(buf[56:60], s.CDW14)
	binary.LittleEndian.PutUint32(buf[60:64], s.CDW15)
	return nil
}

// Unmarshal parses a submission entry from buf.
func (s *Sqe) Unmarshal(buf []byte) error {
	if len(buf) < SqeSize {
		return ErrInsufficientData
	}
	s.Opcode = buf[0]
	s.Flags = buf[1]
	s.CID = binary.LittleEndian.Uint16(buf[2:4])
	s.NSID = binary.LittleEndian.Uint32(buf[4:8])
	s.CDW2 = binary.LittleEndian.Uint32(buf[8:12])
	s.CDW3 = binary.LittleEndian.Uint32(buf[12:16])
	s.MPTR = binary.LittleEndian.Uint64(buf[16:24])
	s.PRP1 = binary.LittleEndian.Uint64(buf[24:32])
	s.PRP2 = binary.LittleEndian.Uint64(buf[32:40])
	s.CDW10 = binary.LittleEndian.Uint32(buf[40:44])
	s.CDW11 = binary.LittleEndian.Uint32(buf[44:48])
	s.CDW12 = binary.LittleEndian.Uint32(buf[48:52])
	s.CDW13 = binary.LittleEndian.Uint32(buf[52:56])
	s.CDW14 = binary.LittleEndian.Uint32(buf[56:60])
	s.CDW15 = binary.LittleEndian.Uint32(buf[60:64])
	return nil
}

// Cqe is a completion queue entry (16 bytes):
//
//	dword 0   command specific result
//	dword 1   reserved in the NVM command set
//	bytes 8-9   SQ head pointer at completion time
//	bytes 10-11 SQ identifier
//	bytes 12-13 command identifier
//	bytes 14-15 status field with phase tag in bit 0
type Cqe struct {
	DW0    uint32
	DW1    uint32
	SQHead uint16
	SQID   uint16
	CID    uint16
	Status Status
}

// Compile-time size check - must be exactly 16 bytes
var _ [CqeSize]byte = [unsafe.Sizeof(Cqe{})]byte{}

// Marshal writes the entry into buf in wire order.
func (c *Cqe) Marshal(buf []byte) error {
	if len(buf) < CqeSize {
		return ErrInsufficientData
	}
	binary.LittleEndian.PutUint32(buf[0:4], c.DW0)
	binary.LittleEndian.PutUint32(buf[4:8], c.DW1)
	binary.LittleEndian.PutUint16(buf[8:10], c.SQHead)
	binary.LittleEndian.PutUint16(buf[10:12], c.SQID)
	binary.LittleEndian.PutUint16(buf[12:14], c.CID)
	binary.LittleEndian.PutUint16(buf[14:16], uint16(c.Status))
	return nil
}

// Unmarshal parses a completion entry from buf.
func (c *Cqe) Unmarshal(buf []byte) error {
	if len(buf) < CqeSize {
		return ErrInsufficientData
	}
	c.DW0 = binary.LittleEndian.Uint32(buf[0:4])
	c.DW1 = binary.LittleEndian.Uint32(buf[4:8])
	c.SQHead = binary.LittleEndian.Uint16(buf[8:10])
	c.SQID = binary.LittleEndian.Uint16(buf[10:12])
	c.CID = binary.LittleEndian.Uint16(buf[12:14])
	c.Status = Status(binary.LittleEndian.Uint16(buf[14:16]))
	return nil
}

// PhaseOf reads only the phase bit of the entry at buf. The consumer checks
// it first and re-reads the full entry after a load fence once the phase
// matches.
func PhaseOf(buf []byte) bool {
	return binary.LittleEndian.Uint16(buf[14:16])&1 != 0
}

// Status is the CQE status field. Bit 0 is the phase tag, bits 8:1 the
// status code, bits 11:9 the status code type, bits 13:12 the retry delay,
// bit 14 more, bit 15 do-not-retry.
type Status uint16

func (s Status) Phase() bool { return s&1 != 0 }
func (s Status) SC() uint8   { return uint8(s >> 1) }
func (s Status) SCT() uint8  { return uint8(s>>9) & 0x7 }
func (s Status) CRD() uint8  { return uint8(s>>12) & 0x3 }
func (s Status) More() bool  { return s&(1<<14) != 0 }
func (s Status) DNR() bool   { return s&(1<<15) != 0 }

// Ok reports a successful completion.
func (s Status) Ok() bool { return s.SCT() == 0 && s.SC() == 0 }

// MakeStatus assembles a status field with a clear phase bit.
func MakeStatus(sct, sc uint8) Status {
	return Status(sc)<<1 | Status(sct&0x7)<<9
}

// WithPhase returns s with the phase tag set to p.
func (s Status) WithPhase(p bool) Status {
	if p {
		return s | 1
	}
	return s &^ 1
}

// WithDNR returns s with the do-not-retry bit set.
func (s Status) WithDNR() Status { return s | 1<<15 }

func (s Status) String() string {
	out := fmt.Sprintf("sct=%#x sc=0x%02x", s.SCT(), s.SC())
	if name := StatusName(s.SCT(), s.SC()); name != "" {
		out += " (" + name + ")"
	}
	if s.DNR() {
		out += " [dnr]"
	}
	return out
}

var genericStatusNames = map[uint8]string{
	0x00: "successful completion",
	0x01: "invalid command opcode",
	0x02: "invalid field in command",
	0x03: "command id conflict",
	0x04: "data transfer error",
	0x08: "command aborted due to sq deletion",
	0x0b: "invalid namespace or format",
	0x80: "lba out of range",
	0x81: "capacity exceeded",
	0x82: "namespace not ready",
}

var commandStatusNames = map[uint8]string{
	0x00: "completion queue invalid",
	0x01: "invalid queue identifier",
	0x02: "invalid queue size",
	0x08: "invalid interrupt vector",
	0x0c: "invalid queue deletion",
}

// StatusName returns a human-readable name for known status codes, or "".
func StatusName(sct, sc uint8) string {
	switch sct {
	case SCTGeneric:
		return genericStatusNames[sc]
	case SCTCommandSpecific:
		return commandStatusNames[sc]
	}
	return ""
}

// StatusError is a controller-reported command failure.
type StatusError struct {
	SCT  uint8
	SC   uint8
	DNR  bool
	More bool
}

func (e *StatusError) Error() string {
	out := fmt.Sprintf("nvme status sct=%#x sc=0x%02x", e.SCT, e.SC)
	if name := StatusName(e.SCT, e.SC); name != "" {
		out += " (" + name + ")"
	}
	if e.DNR {
		out += " [dnr]"
	}
	return out
}

// StatusErr converts a completion status to an error; nil on success.
func StatusErr(s Status) error {
	if s.Ok() {
		return nil
	}
	return &StatusError{SCT: s.SCT(), SC: s.SC(), DNR: s.DNR(), More: s.More()}
}

// MarshalError is returned for malformed wire buffers.
type MarshalError string

func (e MarshalError) Error() string {
	return string(e)
}

const (
	// ErrInsufficientData means the buffer is shorter than the fixed
	// entry layout.
	ErrInsufficientData MarshalError = "insufficient data for unmarshaling"
)
