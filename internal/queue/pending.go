package queue

import (
	"context"
	"sync"
	"time"

	"github.com/dmaclab/nvmeq/internal/nverr"
	"github.com/dmaclab/nvmeq/internal/wire"
)

// Pending is an in-flight command: the future handle returned by Submit.
// It is resolved exactly once, either by a matching completion entry or by
// a local abort (queue deletion, controller reset). At most one Pending
// exists per (sqid, cid) at any time; the CID is freed when the Pending
// resolves.
type Pending struct {
	sqid      uint16
	cid       uint16
	opcode    uint8
	bytes     uint64
	submitted time.Time

	mu       sync.Mutex
	done     chan struct{}
	cqe      wire.Cqe
	err      error
	resolved bool
	latency  time.Duration
	cleanups []func()
}

func newPending(sqid, cid uint16, opcode uint8, bytes uint64) *Pending {
	return &Pending{
		sqid:      sqid,
		cid:       cid,
		opcode:    opcode,
		bytes:     bytes,
		submitted: time.Now(),
		done:      make(chan struct{}),
	}
}

// CID returns the command identifier assigned at submission.
func (p *Pending) CID() uint16 { return p.cid }

// SQID returns the submission queue the command was posted to.
func (p *Pending) SQID() uint16 { return p.sqid }

// Opcode returns the submitted command opcode.
func (p *Pending) Opcode() uint8 { return p.opcode }

// Done returns a channel closed when the command resolves.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Resolved reports whether a completion or abort has been delivered.
func (p *Pending) Resolved() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Latency returns the submit-to-completion time; zero while unresolved.
func (p *Pending) Latency() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latency
}

// Completion returns the completion entry and the command outcome. A
// non-success controller status surfaces as a structured status error; a
// local abort surfaces the abort error with a zero entry.
func (p *Pending) Completion() (wire.Cqe, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.resolved {
		return wire.Cqe{}, nverr.CommandError("COMPLETION", int(p.sqid), int(p.cid),
			nverr.CodeCompletionTimeout, "command still outstanding")
	}
	return p.cqe, p.err
}

// Result returns the command-specific DW0 of a successful completion.
func (p *Pending) Result() (uint32, error) {
	cqe, err := p.Completion()
	if err != nil {
		return 0, err
	}
	return cqe.DW0, nil
}

// Wait blocks until the command resolves, the timeout expires, or ctx is
// cancelled. Timeout and cancellation detach the waiter only: the command
// stays tracked and its completion is still delivered when it arrives.
// Wait requires something to be draining the completion queue (a Poller or
// another goroutine calling Poll); use CQ.WaitFor to drive the drain from
// the waiting goroutine itself.
func (p *Pending) Wait(ctx context.Context, timeout time.Duration) (wire.Cqe, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-p.done:
		return p.Completion()
	case <-t.C:
		return wire.Cqe{}, nverr.CommandError("WAIT", int(p.sqid), int(p.cid),
			nverr.CodeCompletionTimeout, "no completion within timeout")
	case <-ctx.Done():
		return wire.Cqe{}, ctx.Err()
	}
}

// AddCleanup registers f to run when the command resolves. If the command
// already resolved, f runs immediately. Used to release PRP list pages and
// staging buffers tied to the command's data transfer.
func (p *Pending) AddCleanup(f func()) {
	p.mu.Lock()
	if p.resolved {
		p.mu.Unlock()
		f()
		return
	}
	p.cleanups = append(p.cleanups, f)
	p.mu.Unlock()
}

// resolve delivers the completion entry. No-op if already resolved.
func (p *Pending) resolve(cqe wire.Cqe, err error) {
	p.mu.Lock()
	if p.resolved {
		p.mu.Unlock()
		return
	}
	p.resolved = true
	p.cqe = cqe
	p.err = err
	p.latency = time.Since(p.submitted)
	cleanups := p.cleanups
	p.cleanups = nil
	close(p.done)
	p.mu.Unlock()
	for _, f := range cleanups {
		f()
	}
}
