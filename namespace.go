package nvmeq

import (
	"context"

	"github.com/dmaclab/nvmeq/internal/nverr"
	"github.com/dmaclab/nvmeq/internal/queue"
	"github.com/dmaclab/nvmeq/internal/wire"
)

// Namespace is an I/O handle for one namespace. It validates transfer
// geometry and builds the PRP entries for each command; the actual
// submission goes through a Qpair chosen by the caller.
type Namespace struct {
	c       *Controller
	nsid    uint32
	ident   *wire.IdentifyNamespace
	lbaSize uint64
	blocks  uint64
}

// ID returns the namespace identifier.
func (n *Namespace) ID() uint32 { return n.nsid }

// LbaSize returns the logical block size in bytes.
func (n *Namespace) LbaSize() uint64 { return n.lbaSize }

// Blocks returns the namespace size in logical blocks.
func (n *Namespace) Blocks() uint64 { return n.blocks }

// Size returns the namespace size in bytes.
func (n *Namespace) Size() uint64 { return n.blocks * n.lbaSize }

// Identify returns the cached Identify Namespace page.
func (n *Namespace) Identify() *IdentifyNamespaceData { return n.ident }

// checkTransfer validates one I/O against the namespace geometry and the
// controller's transfer size limit. The LBA range itself is left to the
// controller, which reports out-of-range reads and writes in the status.
func (n *Namespace) checkTransfer(op string, qid uint16, buf *Buffer, off int, nlb uint32) error {
	if nlb == 0 || nlb > 0x10000 {
		return nverr.QueueError(op, int(qid), nverr.CodeInvalidParameters,
			"block count must be in [1,65536]")
	}
	length := int(uint64(nlb) * n.lbaSize)
	if length > n.c.maxTransfer() {
		return nverr.QueueError(op, int(qid), nverr.CodeTransferTooLarge,
			"transfer exceeds controller MDTS limit")
	}
	if buf == nil || off < 0 || off+length > buf.Size() {
		return nverr.QueueError(op, int(qid), nverr.CodeInvalidParameters,
			"buffer does not cover the transfer")
	}
	return nil
}

func (c *Controller) maxTransfer() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxXfer
}

// submitIO builds and posts one read or write. PRP list pages taken from
// the session pool are released when the command resolves.
func (n *Namespace) submitIO(qp *Qpair, opcode uint8, buf *Buffer, off int, slba uint64, nlb uint32) (*Pending, error) {
	op := "READ"
	if opcode == wire.NvmWrite {
		op = "WRITE"
	}
	if err := n.checkTransfer(op, qp.ID(), buf, off, nlb); err != nil {
		return nil, err
	}
	length := int(uint64(nlb) * n.lbaSize)
	sqe := &Sqe{
		Opcode: opcode,
		NSID:   n.nsid,
		CDW10:  uint32(slba),
		CDW11:  uint32(slba >> 32),
		CDW12:  nlb - 1,
	}
	release, err := queue.BuildPRP(sqe, buf, off, length, n.c.pool)
	if err != nil {
		return nil, err
	}
	p, err := qp.SubmitData(sqe, uint64(length))
	if err != nil {
		release()
		return nil, err
	}
	p.AddCleanup(release)
	return p, nil
}

// Read submits a read of nlb blocks starting at slba into buf at off. The
// returned handle resolves when the completion arrives.
func (n *Namespace) Read(qp *Qpair, buf *Buffer, off int, slba uint64, nlb uint32) (*Pending, error) {
	return n.submitIO(qp, wire.NvmRead, buf, off, slba, nlb)
}

// Write submits a write of nlb blocks starting at slba from buf at off.
func (n *Namespace) Write(qp *Qpair, buf *Buffer, off int, slba uint64, nlb uint32) (*Pending, error) {
	return n.submitIO(qp, wire.NvmWrite, buf, off, slba, nlb)
}

// ReadAt reads len(p) bytes starting at slba into p synchronously, staging
// through a pooled DMA buffer. len(p) must be a multiple of the block size.
func (n *Namespace) ReadAt(ctx context.Context, qp *Qpair, p []byte, slba uint64) error {
	nlb, err := n.wholeBlocks("READ", qp.ID(), len(p))
	if err != nil {
		return err
	}
	stage, err := n.c.pool.Get(len(p))
	if err != nil {
		return err
	}
	defer n.c.pool.Put(stage)

	pending, err := n.Read(qp, stage, 0, slba, nlb)
	if err != nil {
		return err
	}
	if _, err := qp.Wait(ctx, pending, 0); err != nil {
		return err
	}
	copy(p, stage.Virt[:len(p)])
	return nil
}

// WriteAt writes len(p) bytes from p starting at slba synchronously,
// staging through a pooled DMA buffer.
func (n *Namespace) WriteAt(ctx context.Context, qp *Qpair, p []byte, slba uint64) error {
	nlb, err := n.wholeBlocks("WRITE", qp.ID(), len(p))
	if err != nil {
		return err
	}
	stage, err := n.c.pool.Get(len(p))
	if err != nil {
		return err
	}
	defer n.c.pool.Put(stage)
	copy(stage.Virt, p)

	pending, err := n.Write(qp, stage, 0, slba, nlb)
	if err != nil {
		return err
	}
	_, err = qp.Wait(ctx, pending, 0)
	return err
}

// Flush submits an NVM flush for this namespace and waits for it.
func (n *Namespace) Flush(ctx context.Context, qp *Qpair) error {
	return qp.Flush(ctx, n.nsid)
}

func (n *Namespace) wholeBlocks(op string, qid uint16, length int) (uint32, error) {
	if length == 0 || uint64(length)%n.lbaSize != 0 {
		return 0, nverr.QueueError(op, int(qid), nverr.CodeInvalidParameters,
			"length must be a non-zero multiple of the block size")
	}
	return uint32(uint64(length) / n.lbaSize), nil
}
