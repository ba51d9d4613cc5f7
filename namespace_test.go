package nvmeq

import (
	"bytes"
	"context"
	"math"
	"testing"

	"github.com/dmaclab/nvmeq/internal/wire"
)

func TestReadWriteAtRoundTrip(t *testing.T) {
	c, _ := openTest(t, SimConfig{}, testParams())
	ctx := context.Background()

	qp, err := c.CreateQueuePair(ctx, 0)
	if err != nil {
		t.Fatalf("CreateQueuePair: %v", err)
	}
	ns, err := c.Namespace(ctx, 1)
	if err != nil {
		t.Fatalf("Namespace: %v", err)
	}

	want := make([]byte, 4*SimLbaSize)
	for i := range want {
		want[i] = byte(i * 7)
	}
	if err := ns.WriteAt(ctx, qp, want, 16); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	got := make([]byte, len(want))
	if err := ns.ReadAt(ctx, qp, got, 16); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Error("read data does not match written data")
	}

	// Unwritten blocks read back as zeroes.
	zero := make([]byte, SimLbaSize)
	if err := ns.ReadAt(ctx, qp, got[:SimLbaSize], 100); err != nil {
		t.Fatalf("ReadAt untouched block: %v", err)
	}
	if !bytes.Equal(got[:SimLbaSize], zero) {
		t.Error("untouched block should read as zeroes")
	}
}

func TestAsyncReadWrite(t *testing.T) {
	c, sc := openTest(t, SimConfig{}, testParams())
	ctx := context.Background()

	qp, err := c.CreateQueuePair(ctx, 0)
	if err != nil {
		t.Fatalf("CreateQueuePair: %v", err)
	}
	ns, err := c.Namespace(ctx, 1)
	if err != nil {
		t.Fatalf("Namespace: %v", err)
	}

	buf, err := sc.Mem().Alloc(2*SimLbaSize, 4096)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	defer sc.Mem().Free(buf)
	for i := range buf.Virt {
		buf.Virt[i] = 0xa5
	}

	pw, err := ns.Write(qp, buf, 0, 8, 2)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := qp.Wait(ctx, pw, 0); err != nil {
		t.Fatalf("Wait write: %v", err)
	}
	if pw.Latency() <= 0 {
		t.Error("resolved command should report a latency")
	}

	for i := range buf.Virt {
		buf.Virt[i] = 0
	}
	pr, err := ns.Read(qp, buf, 0, 8, 2)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	cqe, err := qp.Wait(ctx, pr, 0)
	if err != nil {
		t.Fatalf("Wait read: %v", err)
	}
	if !cqe.Status.Ok() {
		t.Fatalf("read status = %v", cqe.Status)
	}
	for i, b := range buf.Virt[:2*SimLbaSize] {
		if b != 0xa5 {
			t.Fatalf("byte %d = %#x, want 0xa5", i, b)
		}
	}
}

func TestTransferValidation(t *testing.T) {
	c, _ := openTest(t, SimConfig{MDTS: 1}, testParams()) // 2 pages, 8 KiB
	ctx := context.Background()

	qp, err := c.CreateQueuePair(ctx, 0)
	if err != nil {
		t.Fatalf("CreateQueuePair: %v", err)
	}
	ns, err := c.Namespace(ctx, 1)
	if err != nil {
		t.Fatalf("Namespace: %v", err)
	}
	if got := c.Info().MaxTransfer; got != 8192 {
		t.Fatalf("MaxTransfer = %d, want 8192", got)
	}

	// A transfer over the MDTS limit is rejected before submission.
	big := make([]byte, 8192+SimLbaSize)
	if err := ns.WriteAt(ctx, qp, big, 0); !IsCode(err, CodeTransferTooLarge) {
		t.Errorf("oversized WriteAt = %v, want CodeTransferTooLarge", err)
	}

	// Lengths that are not whole blocks are rejected.
	if err := ns.WriteAt(ctx, qp, make([]byte, 100), 0); !IsCode(err, CodeInvalidParameters) {
		t.Errorf("partial-block WriteAt = %v, want CodeInvalidParameters", err)
	}
	if err := ns.ReadAt(ctx, qp, nil, 0); !IsCode(err, CodeInvalidParameters) {
		t.Errorf("empty ReadAt = %v, want CodeInvalidParameters", err)
	}

	// A transfer at exactly the limit goes through.
	if err := ns.WriteAt(ctx, qp, make([]byte, 8192), 0); err != nil {
		t.Errorf("WriteAt at MDTS limit: %v", err)
	}
}

func TestLBAOutOfRange(t *testing.T) {
	cfg := SimConfig{Namespaces: []SimNamespace{{ID: 1, Blocks: 64}}}
	c, _ := openTest(t, cfg, testParams())
	ctx := context.Background()

	qp, err := c.CreateQueuePair(ctx, 0)
	if err != nil {
		t.Fatalf("CreateQueuePair: %v", err)
	}
	ns, err := c.Namespace(ctx, 1)
	if err != nil {
		t.Fatalf("Namespace: %v", err)
	}

	// Two blocks starting at the last block run past the end; the
	// controller reports it in the completion status.
	err = ns.WriteAt(ctx, qp, make([]byte, 2*SimLbaSize), 63)
	if !IsStatus(err, wire.SCTGeneric, wire.SCLBAOutOfRange) {
		t.Errorf("out-of-range WriteAt = %v, want LBA out of range status", err)
	}

	se, ok := AsStatus(err)
	if !ok || !se.DNR {
		t.Errorf("expected a do-not-retry controller status, got %v", err)
	}

	// A starting LBA near the top of the address space must not wrap
	// around when the block count is added to it.
	err = ns.WriteAt(ctx, qp, make([]byte, 2*SimLbaSize), math.MaxUint64-1)
	if !IsStatus(err, wire.SCTGeneric, wire.SCLBAOutOfRange) {
		t.Errorf("wrapping WriteAt = %v, want LBA out of range status", err)
	}
	err = ns.ReadAt(ctx, qp, make([]byte, SimLbaSize), math.MaxUint64)
	if !IsStatus(err, wire.SCTGeneric, wire.SCLBAOutOfRange) {
		t.Errorf("ReadAt at MaxUint64 = %v, want LBA out of range status", err)
	}
}

func TestFlushAndIdentify(t *testing.T) {
	c, _ := openTest(t, SimConfig{}, testParams())
	ctx := context.Background()

	qp, err := c.CreateQueuePair(ctx, 0)
	if err != nil {
		t.Fatalf("CreateQueuePair: %v", err)
	}
	ns, err := c.Namespace(ctx, 1)
	if err != nil {
		t.Fatalf("Namespace: %v", err)
	}

	if err := ns.Flush(ctx, qp); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	ident := ns.Identify()
	if ident == nil || ident.Nsze != ns.Blocks() {
		t.Errorf("Identify page does not match namespace geometry")
	}
	if ns.ID() != 1 {
		t.Errorf("ID() = %d, want 1", ns.ID())
	}
}
