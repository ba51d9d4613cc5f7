package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dmaclab/nvmeq/internal/hw"
	"github.com/dmaclab/nvmeq/internal/nverr"
	"github.com/dmaclab/nvmeq/internal/regs"
	"github.com/dmaclab/nvmeq/internal/wire"
)

// heapMem is a MemoryProvider over plain heap slices. Bus addresses are
// synthetic and only meaningful to the echo controller below.
type heapMem struct {
	next uint64
	bufs map[uint64][]byte
}

func newHeapMem() *heapMem {
	return &heapMem{next: 0x10000, bufs: make(map[uint64][]byte)}
}

func (m *heapMem) Alloc(size, align int) (*hw.Buffer, error) {
	b := make([]byte, size)
	phys := m.next
	m.next += uint64((size + hw.PageSize - 1) &^ (hw.PageSize - 1))
	m.bufs[phys] = b
	return &hw.Buffer{Virt: b, Phys: phys}, nil
}

func (m *heapMem) Free(b *hw.Buffer) error {
	delete(m.bufs, b.Phys)
	return nil
}

// echoBar is a minimal controller model for queue-layer tests: every SQ
// doorbell write consumes the new entries and posts success completions
// (or a programmed status) into the paired CQ ring with correct phase
// tags.
type echoBar struct {
	sqs map[uint16]*echoSQ
	cqs map[uint16]*echoCQ

	hold   bool       // queue work instead of completing
	held   []wire.Cqe // completions withheld while hold is set
	status wire.Status
}

type echoSQ struct {
	ring  []byte
	depth uint16
	head  uint16
	cqid  uint16
}

type echoCQ struct {
	ring  []byte
	depth uint16
	tail  uint16
	head  uint16
	phase bool
}

func newEchoBar() *echoBar {
	return &echoBar{sqs: make(map[uint16]*echoSQ), cqs: make(map[uint16]*echoCQ)}
}

func (e *echoBar) addSQ(qid uint16, buf *hw.Buffer, depth, cqid uint16) {
	e.sqs[qid] = &echoSQ{ring: buf.Virt, depth: depth, cqid: cqid}
}

func (e *echoBar) addCQ(qid uint16, buf *hw.Buffer, depth uint16) {
	e.cqs[qid] = &echoCQ{ring: buf.Virt, depth: depth, phase: true}
}

func (e *echoBar) Read32(off uint64) uint32 {
	switch off {
	case regs.CapOff:
		return uint32(regs.MakeCap(1023, 1, 0))
	case regs.CapOff + 4:
		return uint32(regs.MakeCap(1023, 1, 0) >> 32)
	}
	return 0
}

func (e *echoBar) Write32(off uint64, v uint32) {
	if off < regs.DoorbellBase {
		return
	}
	idx := (off - regs.DoorbellBase) / 4
	qid := uint16(idx / 2)
	if idx%2 == 1 {
		if cq, ok := e.cqs[qid]; ok {
			cq.head = uint16(v)
		}
		return
	}
	sq, ok := e.sqs[qid]
	if !ok {
		return
	}
	tail := uint16(v)
	for sq.head != tail {
		var sqe wire.Sqe
		sqe.Unmarshal(sq.ring[int(sq.head)*wire.SqeSize:])
		sq.head = (sq.head + 1) % sq.depth
		cqe := wire.Cqe{
			DW0:    sqe.CDW10,
			SQHead: sq.head,
			SQID:   qid,
			CID:    sqe.CID,
			Status: e.status,
		}
		if e.hold {
			e.held = append(e.held, cqe)
			continue
		}
		e.post(sq.cqid, cqe)
	}
}

func (e *echoBar) post(cqid uint16, cqe wire.Cqe) {
	cq := e.cqs[cqid]
	cqe.Status = cqe.Status.WithPhase(cq.phase)
	cqe.Marshal(cq.ring[int(cq.tail)*wire.CqeSize:])
	cq.tail = (cq.tail + 1) % cq.depth
	if cq.tail == 0 {
		cq.phase = !cq.phase
	}
}

func (e *echoBar) release() {
	e.hold = false
	for _, cqe := range e.held {
		e.post(e.sqs[cqe.SQID].cqid, cqe)
	}
	e.held = nil
}

// newPair builds a connected SQ/CQ pair of the given depth over the echo
// controller.
func newPair(t *testing.T, qid, depth uint16) (*SQ, *CQ, *echoBar) {
	t.Helper()
	bar := newEchoBar()
	r := regs.New(bar)
	mem := newHeapMem()

	cqBuf, err := mem.Alloc(int(depth)*wire.CqeSize, hw.PageSize)
	if err != nil {
		t.Fatalf("alloc cq ring: %v", err)
	}
	sqBuf, err := mem.Alloc(int(depth)*wire.SqeSize, hw.PageSize)
	if err != nil {
		t.Fatalf("alloc sq ring: %v", err)
	}
	bar.addCQ(qid, cqBuf, depth)
	bar.addSQ(qid, sqBuf, depth, qid)

	cq, err := NewCQ(CQConfig{QID: qid, Depth: depth, Buf: cqBuf, Regs: r})
	if err != nil {
		t.Fatalf("NewCQ failed: %v", err)
	}
	sq, err := NewSQ(SQConfig{QID: qid, Depth: depth, CQID: qid, Buf: sqBuf, Regs: r})
	if err != nil {
		t.Fatalf("NewSQ failed: %v", err)
	}
	cq.Attach(sq)
	return sq, cq, bar
}

func TestSubmitAssignsDistinctCIDs(t *testing.T) {
	sq, cq, _ := newPair(t, 1, 8)

	seen := make(map[uint16]bool)
	for i := 0; i < 7; i++ {
		p, err := sq.Submit(&wire.Sqe{Opcode: wire.NvmRead})
		if err != nil {
			t.Fatalf("Submit %d failed: %v", i, err)
		}
		if seen[p.CID()] {
			t.Errorf("CID %d assigned twice while outstanding", p.CID())
		}
		seen[p.CID()] = true
	}
	if got := sq.Outstanding(); got != 7 {
		t.Errorf("Outstanding = %d, want 7", got)
	}

	if n := cq.Poll(); n != 7 {
		t.Errorf("Poll delivered %d, want 7", n)
	}
	if got := sq.Outstanding(); got != 0 {
		t.Errorf("Outstanding after drain = %d, want 0", got)
	}
}

func TestSubmitQueueFull(t *testing.T) {
	sq, _, _ := newPair(t, 1, 4)

	for i := 0; i < 4; i++ {
		if _, err := sq.Submit(&wire.Sqe{Opcode: wire.NvmRead}); err != nil {
			t.Fatalf("Submit %d failed: %v", i, err)
		}
	}
	_, err := sq.Submit(&wire.Sqe{Opcode: wire.NvmRead})
	if !nverr.IsCode(err, nverr.CodeQueueFull) {
		t.Errorf("expected queue full error, got %v", err)
	}
}

func TestSubmitWithCIDReuse(t *testing.T) {
	sq, cq, _ := newPair(t, 1, 8)

	if _, err := sq.SubmitWithCID(&wire.Sqe{Opcode: wire.NvmRead, CID: 5}); err != nil {
		t.Fatalf("first SubmitWithCID failed: %v", err)
	}
	_, err := sq.SubmitWithCID(&wire.Sqe{Opcode: wire.NvmRead, CID: 5})
	if !nverr.IsCode(err, nverr.CodeCommandIdReuse) {
		t.Errorf("expected command id reuse error, got %v", err)
	}

	// After the completion is delivered the CID is free again.
	cq.Poll()
	if _, err := sq.SubmitWithCID(&wire.Sqe{Opcode: wire.NvmRead, CID: 5}); err != nil {
		t.Errorf("SubmitWithCID after completion failed: %v", err)
	}
}

func TestPhaseFlipsOncePerWrap(t *testing.T) {
	const depth = 4
	sq, cq, _ := newPair(t, 1, depth)

	if !cq.Phase() {
		t.Fatal("fresh CQ phase = false, want true")
	}

	// Drive depth completions through: one full traversal, one flip.
	for i := 0; i < depth; i++ {
		if _, err := sq.Submit(&wire.Sqe{Opcode: wire.NvmRead}); err != nil {
			t.Fatalf("Submit %d failed: %v", i, err)
		}
	}
	if n := cq.Poll(); n != depth {
		t.Fatalf("Poll delivered %d, want %d", n, depth)
	}
	if cq.Phase() {
		t.Error("phase did not flip after full traversal")
	}
	if cq.Head() != 0 {
		t.Errorf("head = %d after wrap, want 0", cq.Head())
	}

	// Entry depth+1 is consumed against the flipped phase, no second flip.
	if _, err := sq.Submit(&wire.Sqe{Opcode: wire.NvmRead}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if n := cq.Poll(); n != 1 {
		t.Fatalf("Poll delivered %d, want 1", n)
	}
	if cq.Phase() {
		t.Error("phase flipped again before the next wrap")
	}
}

func TestStatusErrorSurfaced(t *testing.T) {
	sq, cq, bar := newPair(t, 1, 8)
	bar.status = wire.MakeStatus(wire.SCTGeneric, wire.SCLBAOutOfRange).WithDNR()

	p, err := sq.Submit(&wire.Sqe{Opcode: wire.NvmRead})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	cq.Poll()

	_, err = p.Completion()
	if !nverr.IsStatus(err, wire.SCTGeneric, wire.SCLBAOutOfRange) {
		t.Fatalf("expected lba out of range status, got %v", err)
	}
	se, _ := nverr.AsStatus(err)
	if !se.DNR {
		t.Error("DNR bit not carried through")
	}
}

func TestWaitN(t *testing.T) {
	sq, cq, bar := newPair(t, 1, 8)
	ctx := context.Background()

	bar.hold = true
	for i := 0; i < 3; i++ {
		if _, err := sq.Submit(&wire.Sqe{Opcode: wire.NvmWrite}); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}

	// Nothing completes while the controller withholds entries.
	err := sq.WaitN(ctx, cq, 3, 20*time.Millisecond)
	if !nverr.IsCode(err, nverr.CodeCompletionTimeout) {
		t.Fatalf("expected completion timeout, got %v", err)
	}
	if sq.Outstanding() != 3 {
		t.Errorf("Outstanding = %d after timeout, want 3", sq.Outstanding())
	}

	bar.release()
	if err := sq.WaitN(ctx, cq, 3, time.Second); err != nil {
		t.Fatalf("WaitN after release failed: %v", err)
	}
	if sq.Delivered() != 3 {
		t.Errorf("Delivered = %d, want 3", sq.Delivered())
	}
}

func TestWaitCancelDetachesWaiterOnly(t *testing.T) {
	sq, cq, bar := newPair(t, 1, 8)

	bar.hold = true
	p, err := sq.Submit(&wire.Sqe{Opcode: wire.NvmRead})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := cq.WaitFor(ctx, p, time.Second); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	// The command is still tracked and resolves when the completion
	// finally lands.
	if sq.Outstanding() != 1 {
		t.Fatalf("command no longer tracked after cancelled wait")
	}
	bar.release()
	cq.Poll()
	if !p.Resolved() {
		t.Error("command did not resolve after late completion")
	}
}

func TestAbortOutstanding(t *testing.T) {
	sq, cq, bar := newPair(t, 1, 8)

	bar.hold = true
	p, err := sq.Submit(&wire.Sqe{Opcode: wire.NvmWrite})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	reason := nverr.QueueError("DELETE_IOSQ", 1, nverr.CodeCommandAborted, "queue deleted")
	if n := sq.AbortOutstanding(reason); n != 1 {
		t.Fatalf("AbortOutstanding = %d, want 1", n)
	}
	_, err = p.Completion()
	if !nverr.IsCode(err, nverr.CodeCommandAborted) {
		t.Errorf("expected aborted error, got %v", err)
	}

	// A late controller completion for the aborted command is dropped.
	bar.release()
	if n := cq.Poll(); n != 0 {
		t.Errorf("Poll delivered %d late completions, want 0", n)
	}
	if cq.Dropped() != 1 {
		t.Errorf("Dropped = %d, want 1", cq.Dropped())
	}
}

func TestDroppedCompletionsRingHeadDoorbell(t *testing.T) {
	sq, cq, bar := newPair(t, 1, 8)

	bar.hold = true
	if _, err := sq.Submit(&wire.Sqe{Opcode: wire.NvmWrite}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	reason := nverr.QueueError("DELETE_IOSQ", 1, nverr.CodeCommandAborted, "queue deleted")
	if n := sq.AbortOutstanding(reason); n != 1 {
		t.Fatalf("AbortOutstanding = %d, want 1", n)
	}

	// The late completion is dropped, but the consumed slot still has to be
	// released via the head doorbell or the controller sees the CQ as full.
	bar.release()
	if n := cq.Poll(); n != 0 {
		t.Fatalf("Poll delivered %d, want 0", n)
	}
	if cq.Dropped() != 1 {
		t.Errorf("Dropped = %d, want 1", cq.Dropped())
	}
	if cq.Head() != 1 {
		t.Errorf("host head = %d, want 1", cq.Head())
	}
	if got := bar.cqs[1].head; got != 1 {
		t.Errorf("controller saw head doorbell %d, want 1", got)
	}
}

func TestPollerDrainsInBackground(t *testing.T) {
	sq, cq, _ := newPair(t, 1, 8)

	poller := NewPoller(time.Millisecond, nil)
	poller.Add(cq)
	poller.Start(context.Background())
	defer poller.Stop()

	p, err := sq.Submit(&wire.Sqe{Opcode: wire.NvmRead})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if _, err := p.Wait(context.Background(), time.Second); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
}

func TestClosedQueueRejectsSubmission(t *testing.T) {
	sq, _, _ := newPair(t, 1, 4)
	sq.Close()
	_, err := sq.Submit(&wire.Sqe{Opcode: wire.NvmRead})
	if !nverr.IsCode(err, nverr.CodeQueueIdInvalid) {
		t.Errorf("expected queue id invalid after close, got %v", err)
	}
}
