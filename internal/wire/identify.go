package wire

import (
	"bytes"
	"encoding/binary"
	"unsafe"
)

// IdentifyDataSize is the size of every identify data page.
const IdentifyDataSize = 4096

// IdentifyController is the Identify Controller data structure (CNS 01h).
// Reserved regions and fields this module never reads are collapsed into
// anonymous padding; named field offsets match the NVMe 2.0 layout.
type IdentifyController struct {
	VendorID        uint16   // PCI vendor ID
	Ssvid           uint16   // PCI subsystem vendor ID
	SerialNumberRaw [20]byte // ASCII, space padded
	ModelNumberRaw  [40]byte // ASCII, space padded
	FirmwareRevRaw  [8]byte  // ASCII, space padded
	Rab             uint8    // Recommended Arbitration Burst
	IEEE            [3]byte  // OUI identifier
	Cmic            uint8    // Multi-path I/O and Namespace Sharing Capabilities
	Mdts            uint8    // Maximum Data Transfer Size, 2^n pages, 0 = unlimited
	Cntlid          uint16   // Controller ID
	Ver             uint32   // Version
	Rtd3r           uint32   // RTD3 Resume Latency
	Rtd3e           uint32   // RTD3 Entry Latency
	Oaes            uint32   // Optional Asynchronous Events Supported
	Ctratt          uint32   // Controller Attributes
	_               [156]byte
	Oacs            uint16 // Optional Admin Command Support
	Acl             uint8  // Abort Command Limit
	Aerl            uint8  // Asynchronous Event Request Limit
	Frmw            uint8  // Firmware Updates
	Lpa             uint8  // Log Page Attributes
	Elpe            uint8  // Error Log Page Entries
	Npss            uint8  // Number of Power States Support
	Avscc           uint8  // Admin Vendor Specific Command Configuration
	Apsta           uint8  // Autonomous Power State Transition Attributes
	Wctemp          uint16 // Warning Composite Temperature Threshold
	Cctemp          uint16 // Critical Composite Temperature Threshold
	_               [242]byte
	Sqes            uint8  // Submission Queue Entry Size, max/required as powers of two
	Cqes            uint8  // Completion Queue Entry Size
	Maxcmd          uint16 // Maximum Outstanding Commands
	Nn              uint32 // Number of Namespaces
	Oncs            uint16 // Optional NVM Command Support
	Fuses           uint16 // Fused Operation Support
	Fna             uint8  // Format NVM Attributes
	Vwc             uint8  // Volatile Write Cache
	Awun            uint16 // Atomic Write Unit Normal
	Awupf           uint16 // Atomic Write Unit Power Fail
	Nvscc           uint8  // NVM Vendor Specific Command Configuration
	Nwpc            uint8  // Namespace Write Protection Capabilities
	Acwu            uint16 // Atomic Compare & Write Unit
	_               [2]byte
	Sgls            uint32 // SGL Support
	Mnan            uint32 // Maximum Number of Allowed Namespaces
	_               [224]byte
	Subnqn          [256]byte // NVM Subsystem NVMe Qualified Name
	_               [3072]byte
}

// Compile-time size check - identify pages are exactly 4096 bytes
var _ [IdentifyDataSize]byte = [unsafe.Sizeof(IdentifyController{})]byte{}

func (c *IdentifyController) SerialNumber() string {
	return string(bytes.TrimSpace(c.SerialNumberRaw[:]))
}

func (c *IdentifyController) ModelNumber() string {
	return string(bytes.TrimSpace(c.ModelNumberRaw[:]))
}

func (c *IdentifyController) FirmwareRev() string {
	return string(bytes.TrimSpace(c.FirmwareRevRaw[:]))
}

// MaxTransferBytes converts MDTS to a byte count given the controller page
// size. Zero means the controller reports no limit.
func (c *IdentifyController) MaxTransferBytes(pageSize int) int {
	if c.Mdts == 0 {
		return 0
	}
	return pageSize << c.Mdts
}

// SetSerialNumber space-pads s into the raw field.
func (c *IdentifyController) SetSerialNumber(s string) { padASCII(c.SerialNumberRaw[:], s) }

// SetModelNumber space-pads s into the raw field.
func (c *IdentifyController) SetModelNumber(s string) { padASCII(c.ModelNumberRaw[:], s) }

// SetFirmwareRev space-pads s into the raw field.
func (c *IdentifyController) SetFirmwareRev(s string) { padASCII(c.FirmwareRevRaw[:], s) }

func padASCII(dst []byte, s string) {
	for i := range dst {
		dst[i] = ' '
	}
	copy(dst, s)
}

// LbaFormat is one LBA format descriptor of the identify namespace page.
type LbaFormat struct {
	Ms uint16 // Metadata Size
	Ds uint8  // LBA Data Size as a power of two; 0 means unsupported
	Rp uint8  // Relative Performance
}

// IdentifyNamespace is the Identify Namespace data structure (CNS 00h).
type IdentifyNamespace struct {
	Nsze     uint64 // Namespace Size in logical blocks
	Ncap     uint64 // Namespace Capacity
	Nuse     uint64 // Namespace Utilization
	Nsfeat   uint8  // Namespace Features
	Nlbaf    uint8  // Number of LBA Formats, 0-based
	Flbas    uint8  // Formatted LBA Size, bits 3:0 index Lbaf
	Mc       uint8  // Metadata Capabilities
	Dpc      uint8  // End-to-end Data Protection Capabilities
	Dps      uint8  // End-to-end Data Protection Type Settings
	Nmic     uint8  // Multi-path I/O and Namespace Sharing Capabilities
	Rescap   uint8  // Reservation Capabilities
	Fpi      uint8  // Format Progress Indicator
	Dlfeat   uint8  // Deallocate Logical Block Features
	Nawun    uint16 // Namespace Atomic Write Unit Normal
	Nawupf   uint16 // Namespace Atomic Write Unit Power Fail
	Nacwu    uint16 // Namespace Atomic Compare & Write Unit
	Nabsn    uint16 // Namespace Atomic Boundary Size Normal
	Nabo     uint16 // Namespace Atomic Boundary Offset
	Nabspf   uint16 // Namespace Atomic Boundary Size Power Fail
	Noiob    uint16 // Namespace Optimal I/O Boundary
	Nvmcap   [16]byte
	Npwg     uint16 // Namespace Preferred Write Granularity
	Npwa     uint16 // Namespace Preferred Write Alignment
	Npdg     uint16 // Namespace Preferred Deallocate Granularity
	Npda     uint16 // Namespace Preferred Deallocate Alignment
	Nows     uint16 // Namespace Optimal Write Size
	Mssrl    uint16 // Maximum Single Source Range Length
	Mcl      uint32 // Maximum Copy Length
	Msrc     uint8  // Maximum Source Range Count
	_        [11]byte
	Anagrpid uint32 // ANA Group Identifier
	_        [3]byte
	Nsattr   uint8  // Namespace Attributes
	Nvmsetid uint16 // NVM Set Identifier
	Endgid   uint16 // Endurance Group Identifier
	Nguid    [16]byte
	Eui64    [8]byte
	Lbaf     [16]LbaFormat
	_        [192]byte
	_        [3712]byte // vendor specific
}

// Compile-time size check - identify pages are exactly 4096 bytes
var _ [IdentifyDataSize]byte = [unsafe.Sizeof(IdentifyNamespace{})]byte{}

// LbaSize returns the logical block size of the formatted LBA format.
func (ns *IdentifyNamespace) LbaSize() uint64 {
	return uint64(1) << ns.Lbaf[ns.Flbas&0xf].Ds
}

// Identify pages are cold path, so they go through the reflective stdlib
// codec instead of a hand-written one; blank padding fields are skipped
// with correct offsets.

// Marshal writes the page into buf in wire order.
func (c *IdentifyController) Marshal(buf []byte) error {
	return marshalPage(buf, c)
}

// Unmarshal parses the page from buf.
func (c *IdentifyController) Unmarshal(buf []byte) error {
	return unmarshalPage(buf, c)
}

// Marshal writes the page into buf in wire order.
func (ns *IdentifyNamespace) Marshal(buf []byte) error {
	return marshalPage(buf, ns)
}

// Unmarshal parses the page from buf.
func (ns *IdentifyNamespace) Unmarshal(buf []byte) error {
	return unmarshalPage(buf, ns)
}

func marshalPage(buf []byte, v interface{}) error {
	if len(buf) < IdentifyDataSize {
		return ErrInsufficientData
	}
	w := bytes.NewBuffer(buf[:0])
	return binary.Write(w, binary.LittleEndian, v)
}

func unmarshalPage(buf []byte, v interface{}) error {
	if len(buf) < IdentifyDataSize {
		return ErrInsufficientData
	}
	return binary.Read(bytes.NewReader(buf[:IdentifyDataSize]), binary.LittleEndian, v)
}

// ParseNamespaceList decodes an active namespace list page (CNS 02h): up to
// 1024 namespace IDs, ascending, zero terminated.
func ParseNamespaceList(buf []byte) []uint32 {
	var ids []uint32
	for off := 0; off+4 <= len(buf) && off < IdentifyDataSize; off += 4 {
		id := binary.LittleEndian.Uint32(buf[off : off+4])
		if id == 0 {
			break
		}
		ids = append(ids, id)
	}
	return ids
}
