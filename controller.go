package nvmeq

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dmaclab/nvmeq/internal/constants"
	"github.com/dmaclab/nvmeq/internal/ctrl"
	"github.com/dmaclab/nvmeq/internal/logging"
	"github.com/dmaclab/nvmeq/internal/nverr"
	"github.com/dmaclab/nvmeq/internal/queue"
	"github.com/dmaclab/nvmeq/internal/wire"
)

// Params configures a controller session.
type Params struct {
	// Name tags log lines from this session.
	Name string

	// AdminQueueDepth is the admin SQ/CQ depth. Zero means the default.
	AdminQueueDepth uint16

	// IOQueueDepth is the default depth for CreateQueuePair. Zero means
	// the default.
	IOQueueDepth uint16

	// QueuePairs is the queue pair count requested from the controller
	// via the Number of Queues feature. The controller may grant fewer.
	// Zero means the default.
	QueuePairs int

	// RegisterTimeout overrides the CSTS.RDY convergence timeout. Zero
	// means the controller's CAP.TO with a floor applied.
	RegisterTimeout time.Duration

	// CommandTimeout bounds each synchronous command wait. Zero means the
	// default.
	CommandTimeout time.Duration

	// UsePoller starts a background completion reaper over all I/O
	// completion queues. Without it, completions are drained by waiters.
	UsePoller bool

	// PollInterval is the background reaper's sleep between empty scans.
	// Zero means the default.
	PollInterval time.Duration

	// Observer receives completion observations. Nil means none.
	Observer Observer
}

// DefaultParams returns the default session parameters.
func DefaultParams() Params {
	return Params{
		Name:            "nvme0",
		AdminQueueDepth: constants.DefaultAdminQueueDepth,
		IOQueueDepth:    constants.DefaultIOQueueDepth,
		QueuePairs:      constants.DefaultQueuePairs,
		CommandTimeout:  constants.DefaultCommandTimeout,
	}
}

func (p *Params) withDefaults() Params {
	out := *p
	if out.Name == "" {
		out.Name = "nvme0"
	}
	if out.AdminQueueDepth == 0 {
		out.AdminQueueDepth = constants.DefaultAdminQueueDepth
	}
	if out.IOQueueDepth == 0 {
		out.IOQueueDepth = constants.DefaultIOQueueDepth
	}
	if out.QueuePairs == 0 {
		out.QueuePairs = constants.DefaultQueuePairs
	}
	if out.CommandTimeout == 0 {
		out.CommandTimeout = constants.DefaultCommandTimeout
	}
	return out
}

// queueObserver adapts the public Observer to the queue layer's callback.
type queueObserver struct {
	obs Observer
}

func (q queueObserver) ObserveCompletion(sqid uint16, opcode uint8, bytes uint64, latencyNs uint64, ok bool) {
	if sqid == 0 {
		q.obs.ObserveAdmin(opcode, latencyNs, ok)
		return
	}
	switch opcode {
	case wire.NvmRead:
		q.obs.ObserveRead(bytes, latencyNs, ok)
	case wire.NvmWrite:
		q.obs.ObserveWrite(bytes, latencyNs, ok)
	case wire.NvmFlush:
		q.obs.ObserveFlush(latencyNs, ok)
	default:
		q.obs.ObserveOther(opcode, latencyNs, ok)
	}
}

func (q queueObserver) ObserveAborted(sqid uint16, count int) {
	q.obs.ObserveAborted(sqid, count)
}

// ioCQ is a created I/O completion queue and its host state.
type ioCQ struct {
	cq   *queue.CQ
	ring *Buffer
	refs int // submission queues still targeting this CQ
}

// ioSQ is a created I/O submission queue and its host state.
type ioSQ struct {
	sq   *queue.SQ
	ring *Buffer
	cqid uint16
}

// Controller is one open controller session. All queue lifecycle goes
// through it; data path operations go through Qpair and Namespace handles
// it hands out.
type Controller struct {
	bar    Bar
	mem    MemoryProvider
	params Params
	log    *logging.Logger
	admin  *ctrl.Admin
	pool   *queue.BufferPool
	poller *queue.Poller
	qobs   queue.Observer

	mu        sync.Mutex
	closed    bool
	cqs       map[uint16]*ioCQ
	sqs       map[uint16]*ioSQ
	ident     *wire.IdentifyController
	grantedSQ int
	grantedCQ int
	maxXfer   int
}

// Open enables the controller behind bar, identifies it, and negotiates the
// I/O queue count. The returned session owns the admin plane until Close.
func Open(ctx context.Context, bar Bar, mem MemoryProvider, params Params) (*Controller, error) {
	p := params.withDefaults()
	log := logging.Default().WithController(p.Name)

	var qobs queue.Observer
	if p.Observer != nil {
		qobs = queueObserver{obs: p.Observer}
	}

	admin, err := ctrl.New(ctrl.Config{
		Bar:             bar,
		Mem:             mem,
		AdminSQDepth:    p.AdminQueueDepth,
		AdminCQDepth:    p.AdminQueueDepth,
		RegisterTimeout: p.RegisterTimeout,
		CommandTimeout:  p.CommandTimeout,
		Logger:          log,
		Observer:        qobs,
	})
	if err != nil {
		return nil, err
	}

	c := &Controller{
		bar:    bar,
		mem:    mem,
		params: p,
		log:    log,
		admin:  admin,
		pool:   queue.NewBufferPool(mem),
		qobs:   qobs,
		cqs:    make(map[uint16]*ioCQ),
		sqs:    make(map[uint16]*ioSQ),
	}

	if err := c.bringUp(ctx); err != nil {
		c.pool.Close()
		return nil, err
	}

	if p.UsePoller {
		c.poller = queue.NewPoller(p.PollInterval, log)
		c.poller.Start(context.Background())
	}
	return c, nil
}

// bringUp enables the admin plane, identifies the controller, and
// negotiates queue counts.
func (c *Controller) bringUp(ctx context.Context) error {
	if err := c.admin.Enable(ctx); err != nil {
		return err
	}
	ident, err := c.admin.IdentifyController(ctx)
	if err != nil {
		c.admin.Disable(ctx)
		return err
	}
	gotSQ, gotCQ, err := c.admin.RequestQueueCount(ctx, c.params.QueuePairs, c.params.QueuePairs)
	if err != nil {
		c.admin.Disable(ctx)
		return err
	}

	c.mu.Lock()
	c.ident = ident
	c.grantedSQ = gotSQ
	c.grantedCQ = gotCQ
	c.maxXfer = ident.MaxTransferBytes(constants.PageSize)
	if c.maxXfer == 0 {
		// No MDTS limit; the PRP list format still bounds one command.
		c.maxXfer = constants.PRPListEntries * constants.PageSize
	}
	c.mu.Unlock()

	c.log.Info("controller open",
		"model", ident.ModelNumber(),
		"serial", ident.SerialNumber(),
		"queue_pairs", gotSQ,
		"max_transfer", c.maxXfer)
	return nil
}

// Close shuts the controller down: every queue pair is deleted, outstanding
// commands are aborted, and the controller is disabled after a shutdown
// notification.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.params.CommandTimeout)
	defer cancel()

	if c.poller != nil {
		c.poller.Stop()
	}
	err := c.DeleteAllQueuePairs(ctx)
	if serr := c.admin.Shutdown(ctx); serr != nil {
		err = errors.Join(err, serr)
	}
	c.pool.Close()
	c.log.Info("controller closed")
	return err
}

// Reset disables and re-enables the controller. Every I/O queue is
// destroyed, outstanding commands resolve as aborted, and all queue IDs
// become reusable.
func (c *Controller) Reset(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nverr.New("RESET", nverr.CodeControllerClosed, "controller closed")
	}
	abortErr := nverr.New("RESET", nverr.CodeCommandAborted, "controller reset")
	for qid, s := range c.sqs {
		s.sq.Close()
		s.sq.AbortOutstanding(abortErr)
		c.mem.Free(s.ring)
		delete(c.sqs, qid)
	}
	for qid, q := range c.cqs {
		if c.poller != nil {
			c.poller.Remove(qid)
		}
		c.mem.Free(q.ring)
		delete(c.cqs, qid)
	}
	c.mu.Unlock()

	if err := c.admin.Disable(ctx); err != nil {
		return err
	}
	c.log.Info("controller reset")
	return c.bringUp(ctx)
}

// State returns the controller lifecycle state as a string.
func (c *Controller) State() string {
	return c.admin.State().String()
}

// Registers returns a point-in-time copy of the controller register file.
func (c *Controller) Registers() RegisterSnapshot {
	return c.admin.Registers().Snapshot()
}

// Identify returns the cached Identify Controller page.
func (c *Controller) Identify() *IdentifyControllerData {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ident
}

// ControllerInfo summarizes an open session.
type ControllerInfo struct {
	Name         string
	Model        string
	Serial       string
	Firmware     string
	Version      string
	State        string
	QueuePairs   int
	MaxQueueSize int
	MaxTransfer  int
}

// Info returns a summary of the session.
func (c *Controller) Info() ControllerInfo {
	c.mu.Lock()
	ident := c.ident
	granted := c.grantedSQ
	maxXfer := c.maxXfer
	c.mu.Unlock()

	info := ControllerInfo{
		Name:         c.params.Name,
		State:        c.admin.State().String(),
		QueuePairs:   granted,
		MaxQueueSize: int(c.admin.Registers().Cap().MaxEntries()),
		MaxTransfer:  maxXfer,
		Version:      c.admin.Registers().Version().String(),
	}
	if ident != nil {
		info.Model = ident.ModelNumber()
		info.Serial = ident.SerialNumber()
		info.Firmware = ident.FirmwareRev()
	}
	return info
}

// checkDepth validates an I/O queue depth against CAP.MQES.
func (c *Controller) checkDepth(op string, qid int, depth uint16) error {
	if depth < constants.MinQueueDepth {
		return nverr.QueueError(op, qid, nverr.CodeInvalidParameters, "depth below minimum")
	}
	if uint32(depth) > c.admin.Registers().Cap().MaxEntries() {
		return nverr.QueueError(op, qid, nverr.CodeInvalidParameters,
			"depth exceeds CAP.MQES limit")
	}
	return nil
}

// resolveQID resolves AutoAssignQueueID to the lowest unused ID in both the
// SQ and CQ namespaces. Caller holds c.mu.
func (c *Controller) resolveQID(qid int) (uint16, error) {
	if qid != constants.AutoAssignQueueID {
		if qid < 1 || qid > 0xffff {
			return 0, nverr.QueueError("CREATE", qid, nverr.CodeQueueIdInvalid,
				"queue id out of range")
		}
		return uint16(qid), nil
	}
	limit := c.grantedSQ
	if c.grantedCQ < limit {
		limit = c.grantedCQ
	}
	for id := uint16(1); int(id) <= limit; id++ {
		if c.sqs[id] == nil && c.cqs[id] == nil {
			return id, nil
		}
	}
	return 0, nverr.New("CREATE", nverr.CodeQueueIdInvalid, "no free queue id")
}

// CreateIOCQ creates an I/O completion queue. qid may be AutoAssignQueueID.
// Returns the assigned queue ID.
func (c *Controller) CreateIOCQ(ctx context.Context, qid int, depth uint16) (uint16, error) {
	if err := c.checkDepth("CREATE_IOCQ", qid, depth); err != nil {
		return 0, err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, nverr.New("CREATE_IOCQ", nverr.CodeControllerClosed, "controller closed")
	}
	id, err := c.resolveQID(qid)
	if err == nil && c.cqs[id] != nil {
		err = nverr.QueueError("CREATE_IOCQ", int(id), nverr.CodeQueueIdConflict,
			"completion queue already exists")
	}
	c.mu.Unlock()
	if err != nil {
		return 0, err
	}

	ring, err := c.mem.Alloc(int(depth)*constants.CompletionEntrySize, constants.PageSize)
	if err != nil {
		return 0, nverr.Wrap("CREATE_IOCQ", err)
	}
	if err := c.admin.CreateIOCQ(ctx, id, depth, ring.Phys, 0, false); err != nil {
		c.mem.Free(ring)
		return 0, err
	}
	cq, err := queue.NewCQ(queue.CQConfig{
		QID:    id,
		Depth:  depth,
		Buf:    ring,
		Regs:   c.admin.Registers(),
		Logger: c.log.WithQueue(int(id)),
	})
	if err != nil {
		c.mem.Free(ring)
		return 0, err
	}

	c.mu.Lock()
	c.cqs[id] = &ioCQ{cq: cq, ring: ring}
	c.mu.Unlock()
	if c.poller != nil {
		c.poller.Add(cq)
	}
	c.log.Debug("created io cq", "qid", id, "depth", depth)
	return id, nil
}

// CreateIOSQ creates an I/O submission queue bound to completion queue
// cqid. qid may be AutoAssignQueueID. Returns the assigned queue ID.
func (c *Controller) CreateIOSQ(ctx context.Context, qid int, cqid uint16, depth uint16, priority uint8) (uint16, error) {
	if err := c.checkDepth("CREATE_IOSQ", qid, depth); err != nil {
		return 0, err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, nverr.New("CREATE_IOSQ", nverr.CodeControllerClosed, "controller closed")
	}
	id, err := c.resolveQID(qid)
	if err == nil {
		if c.sqs[id] != nil {
			err = nverr.QueueError("CREATE_IOSQ", int(id), nverr.CodeQueueIdConflict,
				"submission queue already exists")
		} else if c.cqs[cqid] == nil {
			err = nverr.QueueError("CREATE_IOSQ", int(id), nverr.CodeCompletionQueueInvalid,
				"target completion queue does not exist")
		}
	}
	c.mu.Unlock()
	if err != nil {
		return 0, err
	}

	ring, err := c.mem.Alloc(int(depth)*constants.SubmissionEntrySize, constants.PageSize)
	if err != nil {
		return 0, nverr.Wrap("CREATE_IOSQ", err)
	}
	if err := c.admin.CreateIOSQ(ctx, id, depth, cqid, priority, ring.Phys); err != nil {
		c.mem.Free(ring)
		return 0, err
	}
	sq, err := queue.NewSQ(queue.SQConfig{
		QID:      id,
		Depth:    depth,
		CQID:     cqid,
		Buf:      ring,
		Regs:     c.admin.Registers(),
		Logger:   c.log.WithQueue(int(id)),
		Observer: c.qobs,
	})
	if err != nil {
		c.mem.Free(ring)
		return 0, err
	}

	c.mu.Lock()
	c.sqs[id] = &ioSQ{sq: sq, ring: ring, cqid: cqid}
	target := c.cqs[cqid]
	target.refs++
	target.cq.Attach(sq)
	c.mu.Unlock()
	c.log.Debug("created io sq", "qid", id, "cqid", cqid, "depth", depth)
	return id, nil
}

// DeleteIOSQ deletes an I/O submission queue. Commands still outstanding on
// it resolve locally as aborted once the controller acknowledges the
// deletion; completions that arrive afterwards are dropped and counted.
func (c *Controller) DeleteIOSQ(ctx context.Context, qid uint16) error {
	c.mu.Lock()
	s := c.sqs[qid]
	c.mu.Unlock()
	if s == nil {
		return nverr.QueueError("DELETE_IOSQ", int(qid), nverr.CodeQueueIdInvalid,
			"no such submission queue")
	}

	// Stop new submissions before asking the controller to delete.
	s.sq.Close()
	if err := c.admin.DeleteIOSQ(ctx, qid); err != nil {
		return err
	}
	s.sq.AbortOutstanding(nverr.QueueError("DELETE_IOSQ", int(qid),
		nverr.CodeCommandAborted, "submission queue deleted"))

	c.mu.Lock()
	if target := c.cqs[s.cqid]; target != nil {
		target.cq.Detach(qid)
		target.refs--
	}
	delete(c.sqs, qid)
	c.mu.Unlock()
	c.mem.Free(s.ring)
	c.log.Debug("deleted io sq", "qid", qid)
	return nil
}

// DeleteIOCQ deletes an I/O completion queue. Every submission queue bound
// to it must have been deleted first.
func (c *Controller) DeleteIOCQ(ctx context.Context, qid uint16) error {
	c.mu.Lock()
	q := c.cqs[qid]
	var refs int
	if q != nil {
		refs = q.refs
	}
	c.mu.Unlock()
	if q == nil {
		return nverr.QueueError("DELETE_IOCQ", int(qid), nverr.CodeQueueIdInvalid,
			"no such completion queue")
	}
	if refs > 0 {
		return nverr.QueueError("DELETE_IOCQ", int(qid), nverr.CodeDeletionOrderViolation,
			"submission queues still target this completion queue")
	}

	if err := c.admin.DeleteIOCQ(ctx, qid); err != nil {
		return err
	}
	if c.poller != nil {
		c.poller.Remove(qid)
	}
	c.mu.Lock()
	delete(c.cqs, qid)
	c.mu.Unlock()
	c.mem.Free(q.ring)
	c.log.Debug("deleted io cq", "qid", qid)
	return nil
}

// CreateQueuePair creates a CQ and an SQ sharing one queue ID and returns
// them as a pair. depth zero means the session default.
func (c *Controller) CreateQueuePair(ctx context.Context, depth uint16) (*Qpair, error) {
	if depth == 0 {
		depth = c.params.IOQueueDepth
	}
	cqid, err := c.CreateIOCQ(ctx, constants.AutoAssignQueueID, depth)
	if err != nil {
		return nil, err
	}
	sqid, err := c.CreateIOSQ(ctx, int(cqid), cqid, depth, wire.PriorityMedium)
	if err != nil {
		// Unwind the CQ so the ID does not leak.
		c.DeleteIOCQ(ctx, cqid)
		return nil, err
	}

	c.mu.Lock()
	qp := &Qpair{
		c:  c,
		id: sqid,
		sq: c.sqs[sqid].sq,
		cq: c.cqs[cqid].cq,
	}
	c.mu.Unlock()
	return qp, nil
}

// Qpair returns the live queue pair with the given ID, or nil.
func (c *Controller) Qpair(id uint16) *Qpair {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.sqs[id]
	if s == nil {
		return nil
	}
	q := c.cqs[s.cqid]
	if q == nil {
		return nil
	}
	return &Qpair{c: c, id: id, sq: s.sq, cq: q.cq}
}

// DeleteAllQueuePairs deletes every I/O queue, submission queues first,
// then completion queues. Deletions within each phase run concurrently.
func (c *Controller) DeleteAllQueuePairs(ctx context.Context) error {
	c.mu.Lock()
	sqids := make([]uint16, 0, len(c.sqs))
	for qid := range c.sqs {
		sqids = append(sqids, qid)
	}
	cqids := make([]uint16, 0, len(c.cqs))
	for qid := range c.cqs {
		cqids = append(cqids, qid)
	}
	c.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, qid := range sqids {
		qid := qid
		g.Go(func() error { return c.DeleteIOSQ(gctx, qid) })
	}
	if err := g.Wait(); err != nil {
		return err
	}

	g, gctx = errgroup.WithContext(ctx)
	for _, qid := range cqids {
		qid := qid
		g.Go(func() error { return c.DeleteIOCQ(gctx, qid) })
	}
	return g.Wait()
}

// QueueInfo describes one live I/O submission queue.
type QueueInfo struct {
	QID         uint16
	CQID        uint16
	Depth       uint16
	Tail        uint16
	Head        uint16
	Outstanding int
	Delivered   uint64
	LastLatency time.Duration
}

// Queues returns a snapshot of every live I/O submission queue, ordered by
// queue ID.
func (c *Controller) Queues() []QueueInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]QueueInfo, 0, len(c.sqs))
	for qid, s := range c.sqs {
		out = append(out, QueueInfo{
			QID:         qid,
			CQID:        s.cqid,
			Depth:       s.sq.Depth(),
			Tail:        s.sq.Tail(),
			Head:        s.sq.Head(),
			Outstanding: s.sq.Outstanding(),
			Delivered:   s.sq.Delivered(),
			LastLatency: s.sq.LastLatency(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QID < out[j].QID })
	return out
}

// Namespaces returns the controller's active namespace IDs.
func (c *Controller) Namespaces(ctx context.Context) ([]uint32, error) {
	return c.admin.ActiveNamespaces(ctx)
}

// Namespace identifies nsid and returns a handle for I/O against it.
func (c *Controller) Namespace(ctx context.Context, nsid uint32) (*Namespace, error) {
	ident, err := c.admin.IdentifyNamespace(ctx, nsid)
	if err != nil {
		return nil, err
	}
	return &Namespace{
		c:       c,
		nsid:    nsid,
		ident:   ident,
		lbaSize: ident.LbaSize(),
		blocks:  ident.Nsze,
	}, nil
}

// RequestQueueCount renegotiates the I/O queue pair count via the Number of
// Queues feature and returns the granted submission and completion queue
// counts. The grant caps subsequent auto-assigned queue IDs.
func (c *Controller) RequestQueueCount(ctx context.Context, pairs int) (int, int, error) {
	gotSQ, gotCQ, err := c.admin.RequestQueueCount(ctx, pairs, pairs)
	if err != nil {
		return 0, 0, err
	}
	c.mu.Lock()
	c.grantedSQ = gotSQ
	c.grantedCQ = gotCQ
	c.mu.Unlock()
	return gotSQ, gotCQ, nil
}

// GetFeature issues Get Features on the admin queue and returns DW0.
func (c *Controller) GetFeature(ctx context.Context, fid, cdw11 uint32) (uint32, error) {
	return c.admin.GetFeature(ctx, fid, cdw11)
}

// SetFeature issues Set Features on the admin queue and returns DW0.
func (c *Controller) SetFeature(ctx context.Context, fid, cdw11 uint32) (uint32, error) {
	return c.admin.SetFeature(ctx, fid, cdw11)
}

// AdminPassthru submits a raw admin command and waits for its completion.
// When data is non-nil and the command's PRP1 is unset, the buffer's bus
// address is attached as PRP1. The CID is assigned by the queue.
func (c *Controller) AdminPassthru(ctx context.Context, sqe *Sqe, data *Buffer) (Cqe, error) {
	if data != nil && sqe.PRP1 == 0 {
		sqe.PRP1 = data.Phys
	}
	return c.admin.Passthru(ctx, sqe)
}
