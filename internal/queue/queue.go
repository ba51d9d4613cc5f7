// Package queue implements the NVMe queueing core: submission queue rings
// with CID assignment and tail doorbells, completion queue draining with
// phase-tag tracking, and the pending-command table that correlates
// completions back to their submitters as resolvable futures.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/dmaclab/nvmeq/internal/constants"
	"github.com/dmaclab/nvmeq/internal/hw"
	"github.com/dmaclab/nvmeq/internal/nverr"
	"github.com/dmaclab/nvmeq/internal/regs"
	"github.com/dmaclab/nvmeq/internal/wire"
)

// Logger is the minimal logging surface the queue layer needs.
type Logger interface {
	Printf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

// Observer receives per-command completion observations. Implementations
// must be safe for concurrent use and must not block.
type Observer interface {
	ObserveCompletion(sqid uint16, opcode uint8, bytes uint64, latencyNs uint64, ok bool)
	ObserveAborted(sqid uint16, count int)
}

// SQ is a submission queue ring. All submission state (tail, CID table,
// pending commands) is guarded by one mutex, making each SQ single-writer
// toward its doorbell; distinct SQs submit in parallel.
type SQ struct {
	qid   uint16
	depth uint16
	cqid  uint16
	buf   *hw.Buffer
	regs  *regs.Registers
	log   Logger
	obs   Observer

	mu          sync.Mutex
	tail        uint16
	sqHead      uint16 // last head the controller reported via a CQE
	nextCID     uint16
	pending     map[uint16]*Pending
	delivered   uint64
	lastLatency time.Duration
	closed      bool
}

// SQConfig describes a submission queue ring.
type SQConfig struct {
	QID      uint16
	Depth    uint16
	CQID     uint16
	Buf      *hw.Buffer
	Regs     *regs.Registers
	Logger   Logger
	Observer Observer
}

// NewSQ builds a submission queue over cfg.Buf. The buffer must hold
// Depth 64-byte entries and must be zeroed.
func NewSQ(cfg SQConfig) (*SQ, error) {
	if cfg.Depth < constants.MinQueueDepth {
		return nil, nverr.QueueError("NEW_SQ", int(cfg.QID), nverr.CodeInvalidParameters,
			"depth below minimum")
	}
	if cfg.Buf == nil || cfg.Buf.Size() < int(cfg.Depth)*wire.SqeSize {
		return nil, nverr.QueueError("NEW_SQ", int(cfg.QID), nverr.CodeInvalidParameters,
			"ring buffer too small")
	}
	s := &SQ{
		qid:     cfg.QID,
		depth:   cfg.Depth,
		cqid:    cfg.CQID,
		buf:     cfg.Buf,
		regs:    cfg.Regs,
		log:     cfg.Logger,
		obs:     cfg.Observer,
		pending: make(map[uint16]*Pending),
	}
	return s, nil
}

// QID returns the queue identifier.
func (s *SQ) QID() uint16 { return s.qid }

// CQID returns the identifier of the completion queue paired with this SQ.
func (s *SQ) CQID() uint16 { return s.cqid }

// Depth returns the ring depth in entries.
func (s *SQ) Depth() uint16 { return s.depth }

// Base returns the bus address of the ring.
func (s *SQ) Base() uint64 { return s.buf.Phys }

// Tail returns the current ring tail.
func (s *SQ) Tail() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tail
}

// Head returns the last SQ head pointer reported by the controller.
func (s *SQ) Head() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sqHead
}

// Outstanding returns the number of commands submitted but not resolved.
func (s *SQ) Outstanding() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Delivered returns the running count of completions delivered on this SQ.
func (s *SQ) Delivered() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delivered
}

// LastLatency returns the latency of the most recently delivered
// completion.
func (s *SQ) LastLatency() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastLatency
}

// Submit assigns a free CID to sqe, writes the entry at the ring tail, and
// rings the tail doorbell. The entry write and the doorbell are one atomic
// step under the queue lock: there is no way to ring without a valid entry.
func (s *SQ) Submit(sqe *wire.Sqe) (*Pending, error) {
	return s.SubmitData(sqe, 0)
}

// SubmitData is Submit with the command's data transfer size attached for
// observability. dataBytes does not affect the wire entry.
func (s *SQ) SubmitData(sqe *wire.Sqe, dataBytes uint64) (*Pending, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nverr.QueueError("SUBMIT", int(s.qid), nverr.CodeQueueIdInvalid,
			"submission queue deleted")
	}
	if len(s.pending) >= int(s.depth) {
		return nil, nverr.QueueError("SUBMIT", int(s.qid), nverr.CodeQueueFull,
			"no free command identifier")
	}
	// Monotonic CID assignment modulo depth, skipping still-pending values.
	cid := s.nextCID
	for i := uint16(0); i < s.depth; i++ {
		if _, busy := s.pending[cid]; !busy {
			break
		}
		cid = (cid + 1) % s.depth
	}
	s.nextCID = (cid + 1) % s.depth
	sqe.CID = cid
	return s.post(sqe, dataBytes)
}

// SubmitWithCID posts sqe using the CID already set by the caller. Reusing
// a CID that is still outstanding is a caller error.
func (s *SQ) SubmitWithCID(sqe *wire.Sqe) (*Pending, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nverr.QueueError("SUBMIT", int(s.qid), nverr.CodeQueueIdInvalid,
			"submission queue deleted")
	}
	if _, busy := s.pending[sqe.CID]; busy {
		return nil, nverr.CommandError("SUBMIT", int(s.qid), int(sqe.CID),
			nverr.CodeCommandIdReuse, "command identifier still outstanding")
	}
	return s.post(sqe, 0)
}

// post writes the entry and rings the doorbell. Caller holds s.mu.
func (s *SQ) post(sqe *wire.Sqe, dataBytes uint64) (*Pending, error) {
	off := int(s.tail) * wire.SqeSize
	if err := sqe.Marshal(s.buf.Virt[off : off+wire.SqeSize]); err != nil {
		return nil, err
	}
	p := newPending(s.qid, sqe.CID, sqe.Opcode, dataBytes)
	s.pending[sqe.CID] = p
	s.tail = (s.tail + 1) % s.depth
	s.regs.RingSQTail(s.qid, s.tail)
	if s.log != nil {
		s.log.Debugf("sq %d: submitted opcode %#02x cid %d tail %d", s.qid, sqe.Opcode, sqe.CID, s.tail)
	}
	return p, nil
}

// complete delivers a completion entry to the matching pending command.
// Returns false when no command with that CID is outstanding.
func (s *SQ) complete(cqe wire.Cqe) bool {
	s.mu.Lock()
	p, ok := s.pending[cqe.CID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.pending, cqe.CID)
	s.sqHead = cqe.SQHead
	s.delivered++
	s.mu.Unlock()

	p.resolve(cqe, statusError(s.qid, cqe))

	s.mu.Lock()
	s.lastLatency = p.latency
	s.mu.Unlock()
	if s.obs != nil {
		s.obs.ObserveCompletion(s.qid, p.opcode, p.bytes, uint64(p.latency), cqe.Status.Ok())
	}
	return true
}

func statusError(qid uint16, cqe wire.Cqe) error {
	if cqe.Status.Ok() {
		return nil
	}
	return nverr.StatusError("COMPLETE", int(qid), int(cqe.CID), cqe.Status)
}

// AbortOutstanding locally resolves every pending command with reason and
// returns how many were aborted. Called after Delete I/O SQ succeeds and on
// controller reset; the controller does not post completions for these.
func (s *SQ) AbortOutstanding(reason error) int {
	s.mu.Lock()
	aborted := make([]*Pending, 0, len(s.pending))
	for cid, p := range s.pending {
		aborted = append(aborted, p)
		delete(s.pending, cid)
	}
	s.mu.Unlock()
	for _, p := range aborted {
		p.resolve(wire.Cqe{}, reason)
	}
	if len(aborted) > 0 {
		if s.obs != nil {
			s.obs.ObserveAborted(s.qid, len(aborted))
		}
		if s.log != nil {
			s.log.Printf("sq %d: aborted %d outstanding commands", s.qid, len(aborted))
		}
	}
	return len(aborted)
}

// Close marks the queue deleted. Further submissions fail; outstanding
// commands must be aborted separately.
func (s *SQ) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// WaitN blocks until n more completions have been delivered on this SQ,
// driving cq's drain from the calling goroutine. Already-delivered
// completions stay resolved on timeout; the remainder stay pending.
func (s *SQ) WaitN(ctx context.Context, cq *CQ, n int, timeout time.Duration) error {
	target := s.Delivered() + uint64(n)
	deadline := time.Now().Add(timeout)
	for {
		cq.Poll()
		if s.Delivered() >= target {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if time.Now().After(deadline) {
			return nverr.QueueError("WAIT_N", int(s.qid), nverr.CodeCompletionTimeout,
				"completions did not arrive within timeout")
		}
		time.Sleep(constants.DefaultPollInterval)
	}
}

// CQ is a completion queue ring. The drain path is the queue's single
// mutator: head and phase state are guarded by one mutex shared by polling
// waiters and any dedicated reaper.
type CQ struct {
	qid   uint16
	depth uint16
	buf   *hw.Buffer
	regs  *regs.Registers
	log   Logger

	mu      sync.Mutex
	head    uint16
	phase   bool // phase value of the next newly written entry
	sqs     map[uint16]*SQ
	dropped uint64
}

// CQConfig describes a completion queue ring.
type CQConfig struct {
	QID    uint16
	Depth  uint16
	Buf    *hw.Buffer
	Regs   *regs.Registers
	Logger Logger
}

// NewCQ builds a completion queue over cfg.Buf. The buffer must hold Depth
// 16-byte entries and must be zeroed so that the initial phase of true
// marks every slot stale.
func NewCQ(cfg CQConfig) (*CQ, error) {
	if cfg.Depth < constants.MinQueueDepth {
		return nil, nverr.QueueError("NEW_CQ", int(cfg.QID), nverr.CodeInvalidParameters,
			"depth below minimum")
	}
	if cfg.Buf == nil || cfg.Buf.Size() < int(cfg.Depth)*wire.CqeSize {
		return nil, nverr.QueueError("NEW_CQ", int(cfg.QID), nverr.CodeInvalidParameters,
			"ring buffer too small")
	}
	return &CQ{
		qid:   cfg.QID,
		depth: cfg.Depth,
		buf:   cfg.Buf,
		regs:  cfg.Regs,
		log:   cfg.Logger,
		phase: true,
		sqs:   make(map[uint16]*SQ),
	}, nil
}

// QID returns the queue identifier.
func (c *CQ) QID() uint16 { return c.qid }

// Depth returns the ring depth in entries.
func (c *CQ) Depth() uint16 { return c.depth }

// Base returns the bus address of the ring.
func (c *CQ) Base() uint64 { return c.buf.Phys }

// Head returns the current consumer head.
func (c *CQ) Head() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head
}

// Phase returns the phase value expected of the next new entry.
func (c *CQ) Phase() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Dropped returns the count of completions for unknown (sqid, cid) pairs,
// e.g. late arrivals after an SQ deletion already aborted the command.
func (c *CQ) Dropped() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Attach routes completions carrying sq's identifier to sq.
func (c *CQ) Attach(sq *SQ) {
	c.mu.Lock()
	c.sqs[sq.qid] = sq
	c.mu.Unlock()
}

// Detach removes the completion route for sqid.
func (c *CQ) Detach(sqid uint16) {
	c.mu.Lock()
	delete(c.sqs, sqid)
	c.mu.Unlock()
}

// Attached returns the number of submission queues routed to this CQ.
func (c *CQ) Attached() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sqs)
}

// Poll drains every newly valid entry: an entry is new when its phase bit
// matches the queue's expected phase. The scan stops at the first stale
// entry, and the head doorbell is rung once with the final head rather than
// per entry. Returns the number of completions delivered.
func (c *CQ) Poll() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	consumed := 0
	for {
		off := int(c.head) * wire.CqeSize
		slot := c.buf.Virt[off : off+wire.CqeSize]
		if wire.PhaseOf(slot) != c.phase {
			break
		}
		// The phase bit was read first; fence before consuming the rest
		// of the entry.
		hw.Lfence()
		var cqe wire.Cqe
		if err := cqe.Unmarshal(slot); err != nil {
			break
		}
		c.head = (c.head + 1) % c.depth
		if c.head == 0 {
			c.phase = !c.phase
		}
		consumed++
		if sq := c.sqs[cqe.SQID]; sq != nil && sq.complete(cqe) {
			n++
		} else {
			c.dropped++
			if c.log != nil {
				c.log.Printf("cq %d: dropped completion for unknown sq %d cid %d", c.qid, cqe.SQID, cqe.CID)
			}
		}
	}
	// Dropped entries free slots too; the controller must learn the new
	// head even when nothing was delivered.
	if consumed > 0 {
		c.regs.RingCQHead(c.qid, c.head)
	}
	return n
}

// WaitFor drives the drain until p resolves, the timeout expires, or ctx
// is cancelled. Cancellation detaches this waiter only; the command stays
// tracked and still resolves when its completion arrives.
func (c *CQ) WaitFor(ctx context.Context, p *Pending, timeout time.Duration) (wire.Cqe, error) {
	deadline := time.Now().Add(timeout)
	for {
		c.Poll()
		select {
		case <-p.done:
			return p.Completion()
		default:
		}
		if err := ctx.Err(); err != nil {
			return wire.Cqe{}, err
		}
		if time.Now().After(deadline) {
			return wire.Cqe{}, nverr.CommandError("WAIT", int(p.sqid), int(p.cid),
				nverr.CodeCompletionTimeout, "no completion within timeout")
		}
		time.Sleep(constants.DefaultPollInterval)
	}
}
