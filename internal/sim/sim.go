// Package sim implements a software NVMe controller behind the hw.Bar
// interface. It executes commands synchronously on doorbell writes and
// backs namespaces with plain byte slices, which makes the full session
// stack testable without hardware. Only 32-bit register access is offered,
// so the composed 64-bit register path is always exercised.
package sim

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/dmaclab/nvmeq/internal/constants"
	"github.com/dmaclab/nvmeq/internal/hw"
	"github.com/dmaclab/nvmeq/internal/logging"
	"github.com/dmaclab/nvmeq/internal/regs"
	"github.com/dmaclab/nvmeq/internal/wire"
)

// LbaSize is the logical block size of every simulated namespace.
const LbaSize = 512

// NamespaceConfig sizes one simulated namespace.
type NamespaceConfig struct {
	ID     uint32
	Blocks uint64
}

// Config describes a simulated controller.
type Config struct {
	// MQES is the CAP.MQES field (0-based). Zero means 1023, i.e. queues
	// up to 1024 entries.
	MQES uint16

	// TimeoutUnits is the CAP.TO field in 500ms units. Zero means 1.
	TimeoutUnits uint8

	// DoorbellStride is the CAP.DSTRD field.
	DoorbellStride uint8

	// MaxQueuePairs caps what the Number of Queues feature will grant.
	// Zero means the package default.
	MaxQueuePairs int

	// MDTS is the Identify Controller MDTS field, 2^n pages. Zero means
	// no transfer size limit.
	MDTS uint8

	SerialNumber string
	ModelNumber  string
	FirmwareRev  string

	Namespaces []NamespaceConfig

	// ReadyDelay postpones CSTS.RDY after CC.EN is set.
	ReadyDelay time.Duration

	// EnableHang keeps CSTS.RDY clear forever after CC.EN is set. Used to
	// test register timeouts.
	EnableHang bool

	Logger *logging.Logger
}

type simSQ struct {
	id    uint16
	cqid  uint16
	depth uint16
	base  uint64
	head  uint16
	tail  uint16
}

type simCQ struct {
	id    uint16
	depth uint16
	base  uint64
	tail  uint16
	phase bool
	head  uint16
}

type namespaceState struct {
	id     uint32
	blocks uint64
	data   []byte
}

// Controller is a software controller model. It implements hw.Bar.
type Controller struct {
	cfg Config
	cap regs.Cap
	mem *Arena
	log *logging.Logger

	mu        sync.Mutex
	cc        regs.CC
	aqa       regs.AQA
	asq       uint64
	acq       uint64
	shst      uint8
	fatal     bool
	enabledAt time.Time
	writes    map[uint64]int
	sqs       map[uint16]*simSQ
	cqs       map[uint16]*simCQ
	ns        map[uint32]*namespaceState
	grantedSQ int
	grantedCQ int
	features  map[uint32]uint32
	failOp    uint8
	failArmed bool
}

var _ hw.Bar = (*Controller)(nil)

// NewController builds a controller model with its own DMA arena.
func NewController(cfg Config) *Controller {
	if cfg.MQES == 0 {
		cfg.MQES = 1023
	}
	if cfg.TimeoutUnits == 0 {
		cfg.TimeoutUnits = 1
	}
	if cfg.MaxQueuePairs == 0 {
		cfg.MaxQueuePairs = constants.DefaultQueuePairs
	}
	if cfg.SerialNumber == "" {
		cfg.SerialNumber = "SIM0001"
	}
	if cfg.ModelNumber == "" {
		cfg.ModelNumber = "nvmeq software controller"
	}
	if cfg.FirmwareRev == "" {
		cfg.FirmwareRev = "1.0"
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default().WithController("sim")
	}
	c := &Controller{
		cfg:       cfg,
		cap:       regs.MakeCap(cfg.MQES, cfg.TimeoutUnits, cfg.DoorbellStride),
		mem:       NewArena(),
		log:       cfg.Logger,
		writes:    make(map[uint64]int),
		sqs:       make(map[uint16]*simSQ),
		cqs:       make(map[uint16]*simCQ),
		ns:        make(map[uint32]*namespaceState),
		grantedSQ: cfg.MaxQueuePairs,
		grantedCQ: cfg.MaxQueuePairs,
		features:  make(map[uint32]uint32),
	}
	for _, n := range cfg.Namespaces {
		c.ns[n.ID] = &namespaceState{
			id:     n.ID,
			blocks: n.Blocks,
			data:   make([]byte, n.Blocks*LbaSize),
		}
	}
	return c
}

// Mem returns the controller's DMA arena. Host code uses it as its memory
// provider so the model can dereference PRP entries.
func (c *Controller) Mem() *Arena { return c.mem }

// WriteCount returns how many 32-bit writes have hit register offset off.
func (c *Controller) WriteCount(off uint64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes[off]
}

// FailNextAdmin arms a one-shot fault: the next admin command carrying
// opcode completes with an internal error status.
func (c *Controller) FailNextAdmin(opcode uint8) {
	c.mu.Lock()
	c.failOp = opcode
	c.failArmed = true
	c.mu.Unlock()
}

// InjectFatal raises CSTS.CFS. Doorbell writes are ignored from then on.
func (c *Controller) InjectFatal() {
	c.mu.Lock()
	c.fatal = true
	c.mu.Unlock()
}

func (c *Controller) ready() bool {
	if !c.cc.Enabled() || c.cfg.EnableHang {
		return false
	}
	return time.Since(c.enabledAt) >= c.cfg.ReadyDelay
}

// Read32 implements hw.Bar.
func (c *Controller) Read32(off uint64) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch off {
	case regs.CapOff:
		return uint32(c.cap)
	case regs.CapOff + 4:
		return uint32(uint64(c.cap) >> 32)
	case regs.VSOff:
		return uint32(regs.Version20)
	case regs.CCOff:
		return uint32(c.cc)
	case regs.CSTSOff:
		st := regs.CSTS(0).WithReady(c.ready()).WithFatal(c.fatal)
		return uint32(st.WithShutdownStatus(c.shst))
	case regs.AQAOff:
		return uint32(c.aqa)
	case regs.ASQOff:
		return uint32(c.asq)
	case regs.ASQOff + 4:
		return uint32(c.asq >> 32)
	case regs.ACQOff:
		return uint32(c.acq)
	case regs.ACQOff + 4:
		return uint32(c.acq >> 32)
	}
	return 0
}

// Write32 implements hw.Bar.
func (c *Controller) Write32(off uint64, v uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes[off]++

	switch off {
	case regs.CCOff:
		c.writeCC(regs.CC(v))
		return
	case regs.AQAOff:
		if !c.cc.Enabled() {
			c.aqa = regs.AQA(v)
		}
		return
	case regs.ASQOff:
		if !c.cc.Enabled() {
			c.asq = c.asq&^0xffffffff | uint64(v)
		}
		return
	case regs.ASQOff + 4:
		if !c.cc.Enabled() {
			c.asq = c.asq&0xffffffff | uint64(v)<<32
		}
		return
	case regs.ACQOff:
		if !c.cc.Enabled() {
			c.acq = c.acq&^0xffffffff | uint64(v)
		}
		return
	case regs.ACQOff + 4:
		if !c.cc.Enabled() {
			c.acq = c.acq&0xffffffff | uint64(v)<<32
		}
		return
	}
	if off >= regs.DoorbellBase {
		c.writeDoorbell(off, v)
	}
}

// writeCC applies a CC write. Caller holds c.mu.
func (c *Controller) writeCC(next regs.CC) {
	prev := c.cc
	c.cc = next
	if !prev.Enabled() && next.Enabled() {
		c.enabledAt = time.Now()
		c.shst = regs.ShutdownStatusNone
		c.sqs[0] = &simSQ{id: 0, cqid: 0, depth: uint16(c.aqa.SQDepth()), base: c.asq}
		c.cqs[0] = &simCQ{id: 0, depth: uint16(c.aqa.CQDepth()), base: c.acq, phase: true}
		c.log.Debug("cc.en set", "asq", c.asq, "acq", c.acq)
	}
	if prev.Enabled() && !next.Enabled() {
		c.sqs = make(map[uint16]*simSQ)
		c.cqs = make(map[uint16]*simCQ)
		c.shst = regs.ShutdownStatusNone
		c.log.Debug("cc.en cleared")
	}
	if next.SHN() != regs.ShutdownNone {
		c.shst = regs.ShutdownStatusComplete
	}
}

// writeDoorbell handles tail and head doorbell writes. Caller holds c.mu.
func (c *Controller) writeDoorbell(off uint64, v uint32) {
	if c.fatal || !c.ready() {
		return
	}
	stride := c.cap.DoorbellStride()
	rel := off - regs.DoorbellBase
	if rel%stride != 0 {
		return
	}
	idx := rel / stride
	qid := uint16(idx / 2)
	if idx%2 == 1 {
		if cq := c.cqs[qid]; cq != nil {
			cq.head = uint16(v) % cq.depth
		}
		return
	}
	sq := c.sqs[qid]
	if sq == nil {
		return
	}
	sq.tail = uint16(v) % sq.depth
	for sq.head != sq.tail {
		slot := c.mem.At(sq.base+uint64(sq.head)*wire.SqeSize, wire.SqeSize)
		sq.head = (sq.head + 1) % sq.depth
		if slot == nil {
			continue
		}
		var sqe wire.Sqe
		if err := sqe.Unmarshal(slot); err != nil {
			continue
		}
		c.execute(sq, &sqe)
	}
}

// execute runs one command and posts its completion. Caller holds c.mu.
func (c *Controller) execute(sq *simSQ, sqe *wire.Sqe) {
	var dw0 uint32
	var st wire.Status
	if sq.id == 0 {
		dw0, st = c.executeAdmin(sqe)
	} else {
		dw0, st = c.executeIO(sqe)
	}
	cq := c.cqs[sq.cqid]
	if cq == nil {
		return
	}
	c.post(cq, wire.Cqe{
		DW0:    dw0,
		SQHead: sq.head,
		SQID:   sq.id,
		CID:    sqe.CID,
		Status: st,
	})
}

// post writes a completion entry. The status bytes land last, behind a
// store fence, so a concurrently polling host never observes a matching
// phase with a partially written entry. Caller holds c.mu.
func (c *Controller) post(cq *simCQ, cqe wire.Cqe) {
	slot := c.mem.At(cq.base+uint64(cq.tail)*wire.CqeSize, wire.CqeSize)
	if slot == nil {
		return
	}
	cqe.Status = cqe.Status.WithPhase(cq.phase)
	var buf [wire.CqeSize]byte
	cqe.Marshal(buf[:])
	copy(slot[:14], buf[:14])
	hw.Sfence()
	copy(slot[14:], buf[14:])
	cq.tail = (cq.tail + 1) % cq.depth
	if cq.tail == 0 {
		cq.phase = !cq.phase
	}
}

func ok() (uint32, wire.Status) { return 0, 0 }

func fail(sct, sc uint8) (uint32, wire.Status) {
	return 0, wire.MakeStatus(sct, sc).WithDNR()
}

// executeAdmin runs one admin command. Caller holds c.mu.
func (c *Controller) executeAdmin(sqe *wire.Sqe) (uint32, wire.Status) {
	if c.failArmed && sqe.Opcode == c.failOp {
		c.failArmed = false
		return fail(wire.SCTGeneric, wire.SCInternalError)
	}
	switch sqe.Opcode {
	case wire.AdminIdentify:
		return c.identify(sqe)
	case wire.AdminCreateIOCQ:
		return c.createIOCQ(sqe)
	case wire.AdminCreateIOSQ:
		return c.createIOSQ(sqe)
	case wire.AdminDeleteIOSQ:
		return c.deleteIOSQ(sqe)
	case wire.AdminDeleteIOCQ:
		return c.deleteIOCQ(sqe)
	case wire.AdminSetFeatures:
		return c.setFeatures(sqe)
	case wire.AdminGetFeatures:
		return c.getFeatures(sqe)
	default:
		return fail(wire.SCTGeneric, wire.SCInvalidOpcode)
	}
}

func (c *Controller) identify(sqe *wire.Sqe) (uint32, wire.Status) {
	dst := c.mem.At(sqe.PRP1, wire.IdentifyDataSize)
	if dst == nil {
		return fail(wire.SCTGeneric, wire.SCDataTransferError)
	}
	switch sqe.CDW10 & 0xff {
	case wire.CNSController:
		var id wire.IdentifyController
		id.VendorID = 0x1b36
		id.SetSerialNumber(c.cfg.SerialNumber)
		id.SetModelNumber(c.cfg.ModelNumber)
		id.SetFirmwareRev(c.cfg.FirmwareRev)
		id.Mdts = c.cfg.MDTS
		id.Ver = uint32(regs.Version20)
		id.Sqes = 0x66
		id.Cqes = 0x44
		id.Vwc = 1
		for nsid := range c.ns {
			if nsid > id.Nn {
				id.Nn = nsid
			}
		}
		if err := id.Marshal(dst); err != nil {
			return fail(wire.SCTGeneric, wire.SCDataTransferError)
		}
		return ok()
	case wire.CNSNamespace:
		n := c.ns[sqe.NSID]
		if n == nil {
			return fail(wire.SCTGeneric, wire.SCInvalidNamespace)
		}
		var page wire.IdentifyNamespace
		page.Nsze = n.blocks
		page.Ncap = n.blocks
		page.Nuse = n.blocks
		page.Nlbaf = 0
		page.Flbas = 0
		page.Lbaf[0] = wire.LbaFormat{Ds: 9}
		if err := page.Marshal(dst); err != nil {
			return fail(wire.SCTGeneric, wire.SCDataTransferError)
		}
		return ok()
	case wire.CNSActiveNamespaces:
		for i := range dst {
			dst[i] = 0
		}
		off := 0
		// Ascending IDs greater than the NSID in the command.
		for id := sqe.NSID + 1; id <= sqe.NSID+1024 && off+4 <= len(dst); id++ {
			if c.ns[id] != nil {
				binary.LittleEndian.PutUint32(dst[off:], id)
				off += 4
			}
		}
		return ok()
	default:
		return fail(wire.SCTGeneric, wire.SCInvalidField)
	}
}

func (c *Controller) createIOCQ(sqe *wire.Sqe) (uint32, wire.Status) {
	qid := uint16(sqe.CDW10)
	depth := uint32(sqe.CDW10>>16) + 1
	if qid == 0 || int(qid) > c.grantedCQ {
		return fail(wire.SCTCommandSpecific, wire.SCInvalidQueueID)
	}
	if c.cqs[qid] != nil {
		return fail(wire.SCTCommandSpecific, wire.SCInvalidQueueID)
	}
	if depth < constants.MinQueueDepth || depth > c.cap.MaxEntries() {
		return fail(wire.SCTCommandSpecific, wire.SCInvalidQueueSize)
	}
	if sqe.CDW11&1 == 0 {
		// Only physically contiguous queues are supported (CAP.CQR).
		return fail(wire.SCTGeneric, wire.SCInvalidField)
	}
	c.cqs[qid] = &simCQ{id: qid, depth: uint16(depth), base: sqe.PRP1, phase: true}
	return ok()
}

func (c *Controller) createIOSQ(sqe *wire.Sqe) (uint32, wire.Status) {
	qid := uint16(sqe.CDW10)
	depth := uint32(sqe.CDW10>>16) + 1
	cqid := uint16(sqe.CDW11 >> 16)
	if qid == 0 || int(qid) > c.grantedSQ {
		return fail(wire.SCTCommandSpecific, wire.SCInvalidQueueID)
	}
	if c.sqs[qid] != nil {
		return fail(wire.SCTCommandSpecific, wire.SCInvalidQueueID)
	}
	if depth < constants.MinQueueDepth || depth > c.cap.MaxEntries() {
		return fail(wire.SCTCommandSpecific, wire.SCInvalidQueueSize)
	}
	if c.cqs[cqid] == nil || cqid == 0 {
		return fail(wire.SCTCommandSpecific, wire.SCCompletionQueueInvalid)
	}
	if sqe.CDW11&1 == 0 {
		return fail(wire.SCTGeneric, wire.SCInvalidField)
	}
	c.sqs[qid] = &simSQ{id: qid, cqid: cqid, depth: uint16(depth), base: sqe.PRP1}
	return ok()
}

func (c *Controller) deleteIOSQ(sqe *wire.Sqe) (uint32, wire.Status) {
	qid := uint16(sqe.CDW10)
	if qid == 0 || c.sqs[qid] == nil {
		return fail(wire.SCTCommandSpecific, wire.SCInvalidQueueID)
	}
	delete(c.sqs, qid)
	return ok()
}

func (c *Controller) deleteIOCQ(sqe *wire.Sqe) (uint32, wire.Status) {
	qid := uint16(sqe.CDW10)
	if qid == 0 || c.cqs[qid] == nil {
		return fail(wire.SCTCommandSpecific, wire.SCInvalidQueueID)
	}
	for _, sq := range c.sqs {
		if sq.cqid == qid {
			return fail(wire.SCTCommandSpecific, wire.SCInvalidQueueDeletion)
		}
	}
	delete(c.cqs, qid)
	return ok()
}

func (c *Controller) setFeatures(sqe *wire.Sqe) (uint32, wire.Status) {
	fid := sqe.CDW10 & 0xff
	switch fid {
	case wire.FeatureNumberOfQueues:
		wantSQ := int(sqe.CDW11&0xffff) + 1
		wantCQ := int(sqe.CDW11>>16) + 1
		if wantSQ < c.grantedSQ {
			c.grantedSQ = wantSQ
		}
		if wantCQ < c.grantedCQ {
			c.grantedCQ = wantCQ
		}
		return uint32(c.grantedSQ-1) | uint32(c.grantedCQ-1)<<16, 0
	case wire.FeatureVolatileWriteCache, wire.FeatureArbitration:
		c.features[fid] = sqe.CDW11
		return 0, 0
	default:
		return fail(wire.SCTGeneric, wire.SCInvalidField)
	}
}

func (c *Controller) getFeatures(sqe *wire.Sqe) (uint32, wire.Status) {
	fid := sqe.CDW10 & 0xff
	switch fid {
	case wire.FeatureNumberOfQueues:
		return uint32(c.grantedSQ-1) | uint32(c.grantedCQ-1)<<16, 0
	case wire.FeatureVolatileWriteCache, wire.FeatureArbitration:
		return c.features[fid], 0
	default:
		return fail(wire.SCTGeneric, wire.SCInvalidField)
	}
}

// executeIO runs one NVM command. Caller holds c.mu.
func (c *Controller) executeIO(sqe *wire.Sqe) (uint32, wire.Status) {
	switch sqe.Opcode {
	case wire.NvmFlush:
		if c.ns[sqe.NSID] == nil {
			return fail(wire.SCTGeneric, wire.SCInvalidNamespace)
		}
		return ok()
	case wire.NvmRead, wire.NvmWrite:
		n := c.ns[sqe.NSID]
		if n == nil {
			return fail(wire.SCTGeneric, wire.SCInvalidNamespace)
		}
		slba := uint64(sqe.CDW10) | uint64(sqe.CDW11)<<32
		nlb := uint64(sqe.CDW12&0xffff) + 1
		if slba >= n.blocks || nlb > n.blocks-slba {
			return fail(wire.SCTGeneric, wire.SCLBAOutOfRange)
		}
		data := n.data[slba*LbaSize : (slba+nlb)*LbaSize]
		if !c.transfer(sqe, data, sqe.Opcode == wire.NvmRead) {
			return fail(wire.SCTGeneric, wire.SCDataTransferError)
		}
		return ok()
	default:
		return fail(wire.SCTGeneric, wire.SCInvalidOpcode)
	}
}

// transfer moves len(data) bytes between the namespace and the host pages
// named by the command's PRP entries. toHost selects the direction.
func (c *Controller) transfer(sqe *wire.Sqe, data []byte, toHost bool) bool {
	move := func(phys uint64, chunk []byte) bool {
		host := c.mem.At(phys, len(chunk))
		if host == nil {
			return false
		}
		if toHost {
			copy(host, chunk)
		} else {
			copy(chunk, host)
		}
		return true
	}

	first := constants.PageSize - int(sqe.PRP1%constants.PageSize)
	if first > len(data) {
		first = len(data)
	}
	if !move(sqe.PRP1, data[:first]) {
		return false
	}
	rest := data[first:]
	if len(rest) == 0 {
		return true
	}
	if len(rest) <= constants.PageSize {
		return move(sqe.PRP2, rest)
	}
	list := c.mem.At(sqe.PRP2, constants.PageSize)
	if list == nil {
		return false
	}
	for i := 0; len(rest) > 0; i++ {
		if (i+1)*8 > len(list) {
			return false
		}
		page := binary.LittleEndian.Uint64(list[i*8:])
		n := constants.PageSize
		if n > len(rest) {
			n = len(rest)
		}
		if !move(page, rest[:n]) {
			return false
		}
		rest = rest[n:]
	}
	return true
}
