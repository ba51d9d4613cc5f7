// Package ctrl implements the controller admin plane: the CC/CSTS enable
// state machine, admin queue bring-up, and typed wrappers for the admin
// command set. It owns the only code path that writes CC, AQA, ASQ and ACQ.
package ctrl

import (
	"context"
	"sync"
	"time"

	"github.com/dmaclab/nvmeq/internal/constants"
	"github.com/dmaclab/nvmeq/internal/hw"
	"github.com/dmaclab/nvmeq/internal/logging"
	"github.com/dmaclab/nvmeq/internal/nverr"
	"github.com/dmaclab/nvmeq/internal/queue"
	"github.com/dmaclab/nvmeq/internal/regs"
	"github.com/dmaclab/nvmeq/internal/wire"
)

// Admin drives one controller's admin plane. All state transitions happen
// under one mutex; admin commands themselves serialize on the admin
// submission queue's own lock.
type Admin struct {
	cfg  Config
	regs *regs.Registers
	mem  hw.MemoryProvider
	log  *logging.Logger

	mu     sync.Mutex
	state  State
	sq     *queue.SQ
	cq     *queue.CQ
	sqRing *hw.Buffer
	cqRing *hw.Buffer
}

// New wraps the register window described by cfg. No registers are written
// until Enable.
func New(cfg Config) (*Admin, error) {
	if cfg.Bar == nil || cfg.Mem == nil {
		return nil, nverr.New("NEW", nverr.CodeInvalidParameters, "bar and memory provider required")
	}
	c := cfg.withDefaults()
	a := &Admin{
		cfg:  c,
		regs: regs.New(c.Bar),
		mem:  c.Mem,
		log:  c.Logger,
	}
	if max := a.regs.Cap().MaxEntries(); uint32(c.AdminSQDepth) > max || uint32(c.AdminCQDepth) > max {
		return nil, nverr.Newf("NEW", nverr.CodeInvalidParameters,
			"admin depth exceeds CAP.MQES limit of %d", max)
	}
	return a, nil
}

// State returns the host-tracked lifecycle state.
func (a *Admin) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Registers exposes the typed register window.
func (a *Admin) Registers() *regs.Registers { return a.regs }

// SQ returns the admin submission queue; nil unless Ready.
func (a *Admin) SQ() *queue.SQ {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sq
}

// CQ returns the admin completion queue; nil unless Ready.
func (a *Admin) CQ() *queue.CQ {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cq
}

// readyTimeout is how long CSTS.RDY gets to follow CC.EN.
func (a *Admin) readyTimeout() time.Duration {
	if a.cfg.RegisterTimeout > 0 {
		return a.cfg.RegisterTimeout
	}
	to := a.regs.Cap().Timeout()
	if to < constants.RegisterTimeoutFloor {
		to = constants.RegisterTimeoutFloor
	}
	return to
}

// Enable brings the controller to Ready: admin rings are allocated, AQA,
// ASQ and ACQ are programmed while CC.EN is clear, then CC.EN is set and
// CSTS.RDY is awaited. Calling Enable on an already Ready controller is a
// no-op; the admin base registers are not rewritten.
func (a *Admin) Enable(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch a.state {
	case StateReady:
		if a.regs.Status().Ready() {
			a.log.Debug("enable: already ready")
			return nil
		}
		// RDY dropped underneath us; fall through and re-enable.
		a.teardownLocked(nverr.QueueError("ENABLE", 0, nverr.CodeCommandAborted,
			"controller left ready state"))
	case StateFatal:
		return nverr.New("ENABLE", nverr.CodeControllerFatal, "controller in fatal state, reset required")
	case StateEnabling, StateDisabling:
		return nverr.Newf("ENABLE", nverr.CodeNotReady, "enable while %s", a.state)
	}

	// A controller left enabled by a previous owner must see EN fall and
	// RDY drop before the admin bases may be reprogrammed.
	if a.regs.CC().Enabled() || a.regs.Status().Ready() {
		a.log.Info("enable: controller already enabled, disabling first")
		if err := a.disableLocked(ctx); err != nil {
			return err
		}
	}

	sqRing, err := a.mem.Alloc(int(a.cfg.AdminSQDepth)*constants.SubmissionEntrySize, constants.PageSize)
	if err != nil {
		return nverr.Wrap("ENABLE", err)
	}
	cqRing, err := a.mem.Alloc(int(a.cfg.AdminCQDepth)*constants.CompletionEntrySize, constants.PageSize)
	if err != nil {
		a.mem.Free(sqRing)
		return nverr.Wrap("ENABLE", err)
	}

	aqa, err := regs.MakeAQA(uint32(a.cfg.AdminSQDepth), uint32(a.cfg.AdminCQDepth))
	if err != nil {
		a.mem.Free(sqRing)
		a.mem.Free(cqRing)
		return nverr.Wrap("ENABLE", err)
	}
	a.regs.SetAQA(aqa)
	a.regs.SetASQ(sqRing.Phys)
	a.regs.SetACQ(cqRing.Phys)

	cc := regs.CC(0).
		WithCSS(0).
		WithMPS(0).
		WithAMS(0).
		WithIOSQES(6).
		WithIOCQES(4).
		WithEnabled(true)
	a.state = StateEnabling
	a.regs.SetCC(cc)
	a.log.Info("enable: waiting for ready",
		"asq", sqRing.Phys, "acq", cqRing.Phys,
		"sq_depth", a.cfg.AdminSQDepth, "cq_depth", a.cfg.AdminCQDepth)

	if err := a.waitReady(ctx, true); err != nil {
		a.mem.Free(sqRing)
		a.mem.Free(cqRing)
		if !nverr.IsCode(err, nverr.CodeControllerFatal) {
			a.state = StateDisabled
		}
		return err
	}

	sq, err := queue.NewSQ(queue.SQConfig{
		QID:      0,
		Depth:    a.cfg.AdminSQDepth,
		CQID:     0,
		Buf:      sqRing,
		Regs:     a.regs,
		Logger:   a.log.WithQueue(0),
		Observer: a.cfg.Observer,
	})
	if err != nil {
		a.mem.Free(sqRing)
		a.mem.Free(cqRing)
		a.state = StateDisabled
		return err
	}
	cq, err := queue.NewCQ(queue.CQConfig{
		QID:    0,
		Depth:  a.cfg.AdminCQDepth,
		Buf:    cqRing,
		Regs:   a.regs,
		Logger: a.log.WithQueue(0),
	})
	if err != nil {
		a.mem.Free(sqRing)
		a.mem.Free(cqRing)
		a.state = StateDisabled
		return err
	}
	cq.Attach(sq)

	a.sq, a.cq = sq, cq
	a.sqRing, a.cqRing = sqRing, cqRing
	a.state = StateReady
	a.log.Info("enable: controller ready", "version", a.regs.Version().String())
	return nil
}

// Disable clears CC.EN and waits for CSTS.RDY to drop. Outstanding admin
// commands resolve locally as aborted; the admin rings are released.
func (a *Admin) Disable(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == StateDisabled {
		return nil
	}
	return a.disableLocked(ctx)
}

// disableLocked runs the disable sequence. Caller holds a.mu.
func (a *Admin) disableLocked(ctx context.Context) error {
	a.teardownLocked(nverr.QueueError("DISABLE", 0, nverr.CodeCommandAborted,
		"controller disabled"))

	a.state = StateDisabling
	a.regs.SetCC(a.regs.CC().WithEnabled(false))
	if err := a.waitReady(ctx, false); err != nil {
		return err
	}
	a.state = StateDisabled
	a.log.Info("disable: controller disabled")
	return nil
}

// teardownLocked aborts and releases the admin queues. Caller holds a.mu.
func (a *Admin) teardownLocked(reason error) {
	if a.sq != nil {
		a.sq.Close()
		a.sq.AbortOutstanding(reason)
	}
	if a.cq != nil && a.sq != nil {
		a.cq.Detach(a.sq.QID())
	}
	if a.sqRing != nil {
		a.mem.Free(a.sqRing)
	}
	if a.cqRing != nil {
		a.mem.Free(a.cqRing)
	}
	a.sq, a.cq, a.sqRing, a.cqRing = nil, nil, nil, nil
}

// Shutdown performs a normal shutdown notification and waits for the
// controller to report shutdown complete, then disables.
func (a *Admin) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != StateReady {
		return a.disableIfNeededLocked(ctx)
	}

	a.regs.SetCC(a.regs.CC().WithSHN(regs.ShutdownNormal))
	deadline := time.Now().Add(a.readyTimeout())
	for a.regs.Status().ShutdownStatus() != regs.ShutdownStatusComplete {
		if a.regs.Status().Fatal() {
			a.state = StateFatal
			return nverr.New("SHUTDOWN", nverr.CodeControllerFatal, "fatal status during shutdown")
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if time.Now().After(deadline) {
			return nverr.New("SHUTDOWN", nverr.CodeRegisterTimeout,
				"shutdown did not complete within timeout")
		}
		time.Sleep(constants.RegisterPollInterval)
	}
	a.log.Info("shutdown: complete")
	return a.disableLocked(ctx)
}

func (a *Admin) disableIfNeededLocked(ctx context.Context) error {
	if a.state == StateDisabled {
		return nil
	}
	return a.disableLocked(ctx)
}

// waitReady polls CSTS.RDY until it matches want. CSTS.CFS moves the state
// machine to Fatal immediately. Caller holds a.mu.
func (a *Admin) waitReady(ctx context.Context, want bool) error {
	deadline := time.Now().Add(a.readyTimeout())
	for {
		st := a.regs.Status()
		if st.Fatal() {
			a.state = StateFatal
			return nverr.New("WAIT_READY", nverr.CodeControllerFatal,
				"controller reported fatal status")
		}
		if st.Ready() == want {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if time.Now().After(deadline) {
			return nverr.Newf("WAIT_READY", nverr.CodeRegisterTimeout,
				"CSTS.RDY did not reach %v within %v", want, a.readyTimeout())
		}
		time.Sleep(constants.RegisterPollInterval)
	}
}

// roundTrip submits one admin command and polls the admin CQ until it
// completes. Controller status failures surface as structured errors with
// the raw status attached.
func (a *Admin) roundTrip(ctx context.Context, sqe *wire.Sqe) (wire.Cqe, error) {
	a.mu.Lock()
	sq, cq, state := a.sq, a.cq, a.state
	a.mu.Unlock()
	if state != StateReady {
		return wire.Cqe{}, nverr.Newf("ADMIN", nverr.CodeNotReady, "controller %s", state)
	}
	p, err := sq.Submit(sqe)
	if err != nil {
		return wire.Cqe{}, err
	}
	cqe, err := cq.WaitFor(ctx, p, a.cfg.CommandTimeout)
	if err != nil && nverr.IsCode(err, nverr.CodeCompletionTimeout) && a.regs.Status().Fatal() {
		a.mu.Lock()
		a.state = StateFatal
		a.mu.Unlock()
		return wire.Cqe{}, nverr.New("ADMIN", nverr.CodeControllerFatal,
			"controller reported fatal status")
	}
	return cqe, err
}

// identifyPage runs Identify for one CNS value and returns the 4KB page.
func (a *Admin) identifyPage(ctx context.Context, cns, nsid uint32) ([]byte, error) {
	buf, err := a.mem.Alloc(wire.IdentifyDataSize, constants.PageSize)
	if err != nil {
		return nil, nverr.Wrap("IDENTIFY", err)
	}
	defer a.mem.Free(buf)

	sqe := &wire.Sqe{
		Opcode: wire.AdminIdentify,
		NSID:   nsid,
		PRP1:   buf.Phys,
		CDW10:  cns,
	}
	if _, err := a.roundTrip(ctx, sqe); err != nil {
		return nil, err
	}
	page := make([]byte, wire.IdentifyDataSize)
	copy(page, buf.Virt)
	return page, nil
}

// IdentifyController fetches the Identify Controller page (CNS 01h).
func (a *Admin) IdentifyController(ctx context.Context) (*wire.IdentifyController, error) {
	page, err := a.identifyPage(ctx, wire.CNSController, 0)
	if err != nil {
		return nil, err
	}
	var id wire.IdentifyController
	if err := id.Unmarshal(page); err != nil {
		return nil, nverr.Wrap("IDENTIFY", err)
	}
	return &id, nil
}

// IdentifyNamespace fetches the Identify Namespace page (CNS 00h) for nsid.
func (a *Admin) IdentifyNamespace(ctx context.Context, nsid uint32) (*wire.IdentifyNamespace, error) {
	page, err := a.identifyPage(ctx, wire.CNSNamespace, nsid)
	if err != nil {
		return nil, err
	}
	var ns wire.IdentifyNamespace
	if err := ns.Unmarshal(page); err != nil {
		return nil, nverr.Wrap("IDENTIFY", err)
	}
	return &ns, nil
}

// ActiveNamespaces fetches the active namespace ID list (CNS 02h).
func (a *Admin) ActiveNamespaces(ctx context.Context) ([]uint32, error) {
	page, err := a.identifyPage(ctx, wire.CNSActiveNamespaces, 0)
	if err != nil {
		return nil, err
	}
	return wire.ParseNamespaceList(page), nil
}

// CreateIOCQ issues Create I/O Completion Queue for a physically contiguous
// ring at base. iv and ien program the interrupt vector; polling sessions
// pass ien=false.
func (a *Admin) CreateIOCQ(ctx context.Context, qid, depth uint16, base uint64, iv uint16, ien bool) error {
	cdw11 := uint32(1) // physically contiguous
	if ien {
		cdw11 |= 1 << 1
	}
	cdw11 |= uint32(iv) << 16
	sqe := &wire.Sqe{
		Opcode: wire.AdminCreateIOCQ,
		PRP1:   base,
		CDW10:  uint32(qid) | uint32(depth-1)<<16,
		CDW11:  cdw11,
	}
	_, err := a.roundTrip(ctx, sqe)
	return err
}

// CreateIOSQ issues Create I/O Submission Queue bound to completion queue
// cqid.
func (a *Admin) CreateIOSQ(ctx context.Context, qid, depth, cqid uint16, prio uint8, base uint64) error {
	sqe := &wire.Sqe{
		Opcode: wire.AdminCreateIOSQ,
		PRP1:   base,
		CDW10:  uint32(qid) | uint32(depth-1)<<16,
		CDW11:  1 | uint32(prio&0x3)<<1 | uint32(cqid)<<16,
	}
	_, err := a.roundTrip(ctx, sqe)
	return err
}

// DeleteIOSQ issues Delete I/O Submission Queue for qid.
func (a *Admin) DeleteIOSQ(ctx context.Context, qid uint16) error {
	sqe := &wire.Sqe{
		Opcode: wire.AdminDeleteIOSQ,
		CDW10:  uint32(qid),
	}
	_, err := a.roundTrip(ctx, sqe)
	return err
}

// DeleteIOCQ issues Delete I/O Completion Queue for qid. The controller
// rejects this while any submission queue still targets the queue.
func (a *Admin) DeleteIOCQ(ctx context.Context, qid uint16) error {
	sqe := &wire.Sqe{
		Opcode: wire.AdminDeleteIOCQ,
		CDW10:  uint32(qid),
	}
	_, err := a.roundTrip(ctx, sqe)
	return err
}

// GetFeature issues Get Features and returns the completion's DW0.
func (a *Admin) GetFeature(ctx context.Context, fid, cdw11 uint32) (uint32, error) {
	sqe := &wire.Sqe{
		Opcode: wire.AdminGetFeatures,
		CDW10:  fid & 0xff,
		CDW11:  cdw11,
	}
	cqe, err := a.roundTrip(ctx, sqe)
	if err != nil {
		return 0, err
	}
	return cqe.DW0, nil
}

// SetFeature issues Set Features and returns the completion's DW0.
func (a *Admin) SetFeature(ctx context.Context, fid, cdw11 uint32) (uint32, error) {
	sqe := &wire.Sqe{
		Opcode: wire.AdminSetFeatures,
		CDW10:  fid & 0xff,
		CDW11:  cdw11,
	}
	cqe, err := a.roundTrip(ctx, sqe)
	if err != nil {
		return 0, err
	}
	return cqe.DW0, nil
}

// RequestQueueCount negotiates the Number of Queues feature. Counts are
// 1-based; the return values are what the controller granted, which may be
// less than requested.
func (a *Admin) RequestQueueCount(ctx context.Context, nsq, ncq int) (int, int, error) {
	if nsq < 1 || ncq < 1 || nsq > 65536 || ncq > 65536 {
		return 0, 0, nverr.New("SET_FEATURES", nverr.CodeInvalidParameters,
			"queue counts must be in [1,65536]")
	}
	dw0, err := a.SetFeature(ctx, wire.FeatureNumberOfQueues,
		uint32(nsq-1)|uint32(ncq-1)<<16)
	if err != nil {
		return 0, 0, err
	}
	gotSQ := int(dw0&0xffff) + 1
	gotCQ := int(dw0>>16) + 1
	a.log.Debug("queue count negotiated", "sq", gotSQ, "cq", gotCQ)
	return gotSQ, gotCQ, nil
}

// Passthru submits a raw admin command. The caller owns PRP setup; the CID
// is assigned by the queue and any caller-set value is overwritten.
func (a *Admin) Passthru(ctx context.Context, sqe *wire.Sqe) (wire.Cqe, error) {
	return a.roundTrip(ctx, sqe)
}
