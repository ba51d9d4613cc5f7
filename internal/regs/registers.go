package regs

import (
	"github.com/dmaclab/nvmeq/internal/hw"
)

// Registers is typed access to a controller's register file over a BAR.
// CAP is read once at construction; it is immutable per controller and the
// doorbell stride derives from it.
type Registers struct {
	bar    hw.Bar
	wide   hw.Bar64
	cap    Cap
	stride uint64
}

// New wraps bar and caches CAP. Transports implementing hw.Bar64 get native
// 64-bit access; others get two ordered 32-bit accesses per wide register.
func New(bar hw.Bar) *Registers {
	r := &Registers{bar: bar}
	if w, ok := bar.(hw.Bar64); ok {
		r.wide = w
	}
	r.cap = Cap(r.read64(CapOff))
	r.stride = r.cap.DoorbellStride()
	return r
}

// Cap returns the cached CAP value.
func (r *Registers) Cap() Cap { return r.cap }

// Version reads VS.
func (r *Registers) Version() VS { return VS(r.bar.Read32(VSOff)) }

// CC reads the controller configuration.
func (r *Registers) CC() CC { return CC(r.bar.Read32(CCOff)) }

// SetCC writes the controller configuration.
func (r *Registers) SetCC(c CC) { r.bar.Write32(CCOff, uint32(c)) }

// Status reads CSTS.
func (r *Registers) Status() CSTS { return CSTS(r.bar.Read32(CSTSOff)) }

// AQA reads the admin queue attributes.
func (r *Registers) AQA() AQA { return AQA(r.bar.Read32(AQAOff)) }

// SetAQA writes the admin queue attributes. Only legal while CC.EN=0.
func (r *Registers) SetAQA(a AQA) { r.bar.Write32(AQAOff, uint32(a)) }

// ASQ reads the admin submission queue base address.
func (r *Registers) ASQ() uint64 { return r.read64(ASQOff) }

// SetASQ writes the admin submission queue base. Only legal while CC.EN=0.
func (r *Registers) SetASQ(addr uint64) { r.write64(ASQOff, addr) }

// ACQ reads the admin completion queue base address.
func (r *Registers) ACQ() uint64 { return r.read64(ACQOff) }

// SetACQ writes the admin completion queue base. Only legal while CC.EN=0.
func (r *Registers) SetACQ(addr uint64) { r.write64(ACQOff, addr) }

// MaskInterrupts sets bits in INTMS.
func (r *Registers) MaskInterrupts(bits uint32) { r.bar.Write32(IntMSOff, bits) }

// UnmaskInterrupts sets bits in INTMC.
func (r *Registers) UnmaskInterrupts(bits uint32) { r.bar.Write32(IntMCOff, bits) }

// SubsystemReset writes the NSSR magic. Only meaningful when CAP.NSSRS is
// set.
func (r *Registers) SubsystemReset() { r.bar.Write32(NSSROff, NSSRMagic) }

// SQTailOff returns the byte offset of SQ qid's tail doorbell.
func (r *Registers) SQTailOff(qid uint16) uint64 {
	return DoorbellBase + uint64(2*uint32(qid))*r.stride
}

// CQHeadOff returns the byte offset of CQ qid's head doorbell.
func (r *Registers) CQHeadOff(qid uint16) uint64 {
	return DoorbellBase + uint64(2*uint32(qid)+1)*r.stride
}

// RingSQTail publishes submission entries up to (not including) tail. The
// store fence makes the entries globally visible before the doorbell.
func (r *Registers) RingSQTail(qid, tail uint16) {
	hw.Sfence()
	r.bar.Write32(r.SQTailOff(qid), uint32(tail))
}

// RingCQHead releases completion entries up to (not including) head back to
// the controller.
func (r *Registers) RingCQHead(qid, head uint16) {
	r.bar.Write32(r.CQHeadOff(qid), uint32(head))
}

// Snapshot is a point-in-time copy of the core register file.
type Snapshot struct {
	Cap  Cap
	VS   VS
	CC   CC
	CSTS CSTS
	AQA  AQA
	ASQ  uint64
	ACQ  uint64
}

// Snapshot reads every core register once.
func (r *Registers) Snapshot() Snapshot {
	return Snapshot{
		Cap:  r.cap,
		VS:   r.Version(),
		CC:   r.CC(),
		CSTS: r.Status(),
		AQA:  r.AQA(),
		ASQ:  r.ASQ(),
		ACQ:  r.ACQ(),
	}
}

func (r *Registers) read64(off uint64) uint64 {
	if r.wide != nil {
		return r.wide.Read64(off)
	}
	lo := r.bar.Read32(off)
	hi := r.bar.Read32(off + 4)
	return uint64(hi)<<32 | uint64(lo)
}

func (r *Registers) write64(off, v uint64) {
	if r.wide != nil {
		r.wide.Write64(off, v)
		return
	}
	r.bar.Write32(off, uint32(v))
	r.bar.Write32(off+4, uint32(v>>32))
}
