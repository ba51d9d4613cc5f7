package nvmeq

import (
	"context"
	"errors"
	"time"

	"github.com/dmaclab/nvmeq/internal/nverr"
	"github.com/dmaclab/nvmeq/internal/queue"
)

// Qpair is an I/O submission/completion queue pair sharing one queue ID.
// Submission is safe for concurrent use; completions are drained either by
// the session's background poller or by the waiting caller.
type Qpair struct {
	c  *Controller
	id uint16
	sq *queue.SQ
	cq *queue.CQ
}

// ID returns the queue pair's queue ID.
func (q *Qpair) ID() uint16 { return q.id }

// Depth returns the submission queue depth.
func (q *Qpair) Depth() uint16 { return q.sq.Depth() }

// Outstanding returns the number of commands submitted but not resolved.
func (q *Qpair) Outstanding() int { return q.sq.Outstanding() }

// Delivered returns the running count of completions delivered.
func (q *Qpair) Delivered() uint64 { return q.sq.Delivered() }

// LastLatency returns the latency of the most recent completion.
func (q *Qpair) LastLatency() time.Duration { return q.sq.LastLatency() }

// Dropped returns the count of completions discarded because no command
// was outstanding for them, e.g. late arrivals after an abort.
func (q *Qpair) Dropped() uint64 { return q.cq.Dropped() }

// Submit posts one command. The CID is assigned by the queue; the returned
// handle resolves when the completion arrives.
func (q *Qpair) Submit(sqe *Sqe) (*Pending, error) {
	return q.sq.Submit(sqe)
}

// SubmitData is Submit with the data transfer size attached for
// observability.
func (q *Qpair) SubmitData(sqe *Sqe, bytes uint64) (*Pending, error) {
	return q.sq.SubmitData(sqe, bytes)
}

// Poll drains newly arrived completions and returns how many were
// delivered.
func (q *Qpair) Poll() int {
	return q.cq.Poll()
}

// Wait blocks until p resolves, driving the completion drain from the
// calling goroutine. Cancellation or timeout detaches the waiter only; the
// command stays tracked.
func (q *Qpair) Wait(ctx context.Context, p *Pending, timeout time.Duration) (Cqe, error) {
	if timeout <= 0 {
		timeout = q.c.params.CommandTimeout
	}
	return q.cq.WaitFor(ctx, p, timeout)
}

// WaitN blocks until n more completions have been delivered on this pair.
func (q *Qpair) WaitN(ctx context.Context, n int, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = q.c.params.CommandTimeout
	}
	return q.sq.WaitN(ctx, q.cq, n, timeout)
}

// Flush submits an NVM flush for nsid and waits for it.
func (q *Qpair) Flush(ctx context.Context, nsid uint32) error {
	p, err := q.Submit(&Sqe{Opcode: NvmFlush, NSID: nsid})
	if err != nil {
		return err
	}
	_, err = q.Wait(ctx, p, 0)
	return err
}

// Delete removes the pair from the controller: the submission queue first,
// then the completion queue. Both deletions are attempted even if the first
// fails; a queue already gone on either side is not an error. Outstanding
// commands resolve as aborted.
func (q *Qpair) Delete(ctx context.Context) error {
	serr := q.c.DeleteIOSQ(ctx, q.id)
	if nverr.IsCode(serr, nverr.CodeQueueIdInvalid) {
		serr = nil
	}
	cerr := q.c.DeleteIOCQ(ctx, q.id)
	if nverr.IsCode(cerr, nverr.CodeQueueIdInvalid) {
		cerr = nil
	}
	return errors.Join(serr, cerr)
}
