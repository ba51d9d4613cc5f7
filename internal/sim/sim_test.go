package sim

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/dmaclab/nvmeq/internal/constants"
	"github.com/dmaclab/nvmeq/internal/ctrl"
	"github.com/dmaclab/nvmeq/internal/nverr"
	"github.com/dmaclab/nvmeq/internal/queue"
	"github.com/dmaclab/nvmeq/internal/regs"
	"github.com/dmaclab/nvmeq/internal/wire"
)

func newReady(t *testing.T, cfg Config) (*Controller, *ctrl.Admin) {
	t.Helper()
	if cfg.Namespaces == nil {
		cfg.Namespaces = []NamespaceConfig{{ID: 1, Blocks: 2048}}
	}
	c := NewController(cfg)
	admin, err := ctrl.New(ctrl.Config{
		Bar:             c,
		Mem:             c.Mem(),
		RegisterTimeout: time.Second,
		CommandTimeout:  time.Second,
	})
	if err != nil {
		t.Fatalf("ctrl.New failed: %v", err)
	}
	if err := admin.Enable(context.Background()); err != nil {
		t.Fatalf("Enable failed: %v", err)
	}
	t.Cleanup(func() { admin.Disable(context.Background()) })
	return c, admin
}

func TestArenaAt(t *testing.T) {
	a := NewArena()
	buf, err := a.Alloc(constants.PageSize, constants.PageSize)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	if buf.Phys%constants.PageSize != 0 {
		t.Errorf("Phys %#x not page aligned", buf.Phys)
	}

	buf.Virt[100] = 0xab
	got := a.At(buf.Phys+100, 1)
	if got == nil || got[0] != 0xab {
		t.Errorf("At did not resolve into the allocation, got %v", got)
	}
	if a.At(buf.Phys+constants.PageSize-1, 2) != nil {
		t.Error("At resolved a range crossing the allocation end")
	}

	if err := a.Free(buf); err != nil {
		t.Fatalf("Free failed: %v", err)
	}
	if a.At(buf.Phys, 1) != nil {
		t.Error("At resolved freed memory")
	}
}

func TestEnableSetsReady(t *testing.T) {
	c, admin := newReady(t, Config{})
	if got := admin.State(); got != ctrl.StateReady {
		t.Errorf("state = %v, want ready", got)
	}
	snap := admin.Registers().Snapshot()
	if !snap.CSTS.Ready() {
		t.Error("CSTS.RDY not set after enable")
	}
	if snap.ASQ == 0 || snap.ACQ == 0 {
		t.Error("admin base registers not programmed")
	}
	if n := c.WriteCount(regs.ASQOff); n != 1 {
		t.Errorf("ASQ low word written %d times, want 1", n)
	}
}

func TestEnableIdempotent(t *testing.T) {
	c, admin := newReady(t, Config{})
	if err := admin.Enable(context.Background()); err != nil {
		t.Fatalf("second Enable failed: %v", err)
	}
	// An idempotent re-enable must not reprogram the admin bases.
	if n := c.WriteCount(regs.ASQOff); n != 1 {
		t.Errorf("ASQ rewritten on idempotent enable, %d writes", n)
	}
	if n := c.WriteCount(regs.AQAOff); n != 1 {
		t.Errorf("AQA rewritten on idempotent enable, %d writes", n)
	}
}

func TestEnableHangTimesOut(t *testing.T) {
	c := NewController(Config{EnableHang: true})
	admin, err := ctrl.New(ctrl.Config{
		Bar:             c,
		Mem:             c.Mem(),
		RegisterTimeout: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("ctrl.New failed: %v", err)
	}
	err = admin.Enable(context.Background())
	if !nverr.IsCode(err, nverr.CodeRegisterTimeout) {
		t.Errorf("Enable error = %v, want register timeout", err)
	}
}

func TestReadyDelayHonored(t *testing.T) {
	c := NewController(Config{ReadyDelay: 20 * time.Millisecond})
	admin, err := ctrl.New(ctrl.Config{
		Bar:             c,
		Mem:             c.Mem(),
		RegisterTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("ctrl.New failed: %v", err)
	}
	start := time.Now()
	if err := admin.Enable(context.Background()); err != nil {
		t.Fatalf("Enable failed: %v", err)
	}
	if d := time.Since(start); d < 20*time.Millisecond {
		t.Errorf("ready after %v, before the configured delay", d)
	}
}

func TestInjectFatalSurfaces(t *testing.T) {
	cfg := Config{}
	c, admin := newReady(t, cfg)
	c.InjectFatal()
	_, err := admin.IdentifyController(context.Background())
	if !nverr.IsCode(err, nverr.CodeControllerFatal) {
		t.Errorf("error after fatal injection = %v, want controller fatal", err)
	}
	if admin.State() != ctrl.StateFatal {
		t.Errorf("state = %v, want fatal", admin.State())
	}
}

func TestIdentifyController(t *testing.T) {
	_, admin := newReady(t, Config{SerialNumber: "SN42", MDTS: 5})
	id, err := admin.IdentifyController(context.Background())
	if err != nil {
		t.Fatalf("IdentifyController failed: %v", err)
	}
	if got := id.SerialNumber(); got != "SN42" {
		t.Errorf("serial = %q, want SN42", got)
	}
	if id.Mdts != 5 {
		t.Errorf("mdts = %d, want 5", id.Mdts)
	}
	if want := constants.PageSize << 5; id.MaxTransferBytes(constants.PageSize) != want {
		t.Errorf("max transfer = %d, want %d", id.MaxTransferBytes(constants.PageSize), want)
	}
	if id.Nn != 1 {
		t.Errorf("nn = %d, want 1", id.Nn)
	}
}

func TestIdentifyNamespace(t *testing.T) {
	_, admin := newReady(t, Config{})
	ns, err := admin.IdentifyNamespace(context.Background(), 1)
	if err != nil {
		t.Fatalf("IdentifyNamespace failed: %v", err)
	}
	if ns.Nsze != 2048 {
		t.Errorf("nsze = %d, want 2048", ns.Nsze)
	}
	if ns.LbaSize() != LbaSize {
		t.Errorf("lba size = %d, want %d", ns.LbaSize(), LbaSize)
	}

	_, err = admin.IdentifyNamespace(context.Background(), 9)
	if !nverr.IsStatus(err, wire.SCTGeneric, wire.SCInvalidNamespace) {
		t.Errorf("unknown nsid error = %v, want invalid namespace status", err)
	}
}

func TestActiveNamespaces(t *testing.T) {
	_, admin := newReady(t, Config{Namespaces: []NamespaceConfig{
		{ID: 1, Blocks: 8}, {ID: 3, Blocks: 8},
	}})
	ids, err := admin.ActiveNamespaces(context.Background())
	if err != nil {
		t.Fatalf("ActiveNamespaces failed: %v", err)
	}
	if len(ids) != 2 || ids[0] != 1 || ids[1] != 3 {
		t.Errorf("active namespaces = %v, want [1 3]", ids)
	}
}

func TestQueueLifecycleStatusCodes(t *testing.T) {
	c, admin := newReady(t, Config{})
	ctx := context.Background()
	mem := c.Mem()
	const depth = 16

	cqRing, _ := mem.Alloc(depth*constants.CompletionEntrySize, constants.PageSize)
	sqRing, _ := mem.Alloc(depth*constants.SubmissionEntrySize, constants.PageSize)

	if err := admin.CreateIOCQ(ctx, 1, depth, cqRing.Phys, 0, false); err != nil {
		t.Fatalf("CreateIOCQ failed: %v", err)
	}
	// Duplicate queue ID.
	err := admin.CreateIOCQ(ctx, 1, depth, cqRing.Phys, 0, false)
	if !nverr.IsStatus(err, wire.SCTCommandSpecific, wire.SCInvalidQueueID) {
		t.Errorf("duplicate CQ error = %v, want invalid queue id status", err)
	}

	// SQ bound to a nonexistent CQ.
	err = admin.CreateIOSQ(ctx, 2, depth, 7, wire.PriorityMedium, sqRing.Phys)
	if !nverr.IsCode(err, nverr.CodeCompletionQueueInvalid) {
		t.Errorf("bad cqid error = %v, want completion queue invalid", err)
	}

	if err := admin.CreateIOSQ(ctx, 1, depth, 1, wire.PriorityMedium, sqRing.Phys); err != nil {
		t.Fatalf("CreateIOSQ failed: %v", err)
	}

	// CQ deletion while an SQ still targets it.
	err = admin.DeleteIOCQ(ctx, 1)
	if !nverr.IsStatus(err, wire.SCTCommandSpecific, wire.SCInvalidQueueDeletion) {
		t.Errorf("early CQ delete error = %v, want invalid queue deletion status", err)
	}

	// SQ first, then CQ.
	if err := admin.DeleteIOSQ(ctx, 1); err != nil {
		t.Fatalf("DeleteIOSQ failed: %v", err)
	}
	if err := admin.DeleteIOCQ(ctx, 1); err != nil {
		t.Fatalf("DeleteIOCQ failed: %v", err)
	}
	if err := admin.DeleteIOSQ(ctx, 1); !nverr.IsStatus(err, wire.SCTCommandSpecific, wire.SCInvalidQueueID) {
		t.Errorf("double SQ delete error = %v, want invalid queue id status", err)
	}
}

func TestQueueCountNegotiation(t *testing.T) {
	_, admin := newReady(t, Config{MaxQueuePairs: 4})
	gotSQ, gotCQ, err := admin.RequestQueueCount(context.Background(), 8, 8)
	if err != nil {
		t.Fatalf("RequestQueueCount failed: %v", err)
	}
	if gotSQ != 4 || gotCQ != 4 {
		t.Errorf("granted = (%d, %d), want (4, 4)", gotSQ, gotCQ)
	}

	dw0, err := admin.GetFeature(context.Background(), wire.FeatureNumberOfQueues, 0)
	if err != nil {
		t.Fatalf("GetFeature failed: %v", err)
	}
	if int(dw0&0xffff)+1 != 4 {
		t.Errorf("get feature sq count = %d, want 4", int(dw0&0xffff)+1)
	}
}

func TestReadWriteRoundTrip(t *testing.T) {
	c, admin := newReady(t, Config{})
	ctx := context.Background()
	mem := c.Mem()
	const depth = 16

	cqRing, _ := mem.Alloc(depth*constants.CompletionEntrySize, constants.PageSize)
	sqRing, _ := mem.Alloc(depth*constants.SubmissionEntrySize, constants.PageSize)
	if err := admin.CreateIOCQ(ctx, 1, depth, cqRing.Phys, 0, false); err != nil {
		t.Fatalf("CreateIOCQ failed: %v", err)
	}
	if err := admin.CreateIOSQ(ctx, 1, depth, 1, wire.PriorityMedium, sqRing.Phys); err != nil {
		t.Fatalf("CreateIOSQ failed: %v", err)
	}

	r := admin.Registers()
	sq, err := queue.NewSQ(queue.SQConfig{QID: 1, Depth: depth, CQID: 1, Buf: sqRing, Regs: r})
	if err != nil {
		t.Fatalf("NewSQ failed: %v", err)
	}
	cq, err := queue.NewCQ(queue.CQConfig{QID: 1, Depth: depth, Buf: cqRing, Regs: r})
	if err != nil {
		t.Fatalf("NewCQ failed: %v", err)
	}
	cq.Attach(sq)

	data, _ := mem.Alloc(constants.PageSize, constants.PageSize)
	payload := bytes.Repeat([]byte{0x5a}, 2*LbaSize)
	copy(data.Virt, payload)

	write := &wire.Sqe{Opcode: wire.NvmWrite, NSID: 1, PRP1: data.Phys, CDW10: 10, CDW12: 1}
	p, err := sq.Submit(write)
	if err != nil {
		t.Fatalf("Submit write failed: %v", err)
	}
	if _, err := cq.WaitFor(ctx, p, time.Second); err != nil {
		t.Fatalf("write completion failed: %v", err)
	}

	verify, _ := mem.Alloc(constants.PageSize, constants.PageSize)
	read := &wire.Sqe{Opcode: wire.NvmRead, NSID: 1, PRP1: verify.Phys, CDW10: 10, CDW12: 1}
	p, err = sq.Submit(read)
	if err != nil {
		t.Fatalf("Submit read failed: %v", err)
	}
	if _, err := cq.WaitFor(ctx, p, time.Second); err != nil {
		t.Fatalf("read completion failed: %v", err)
	}
	if !bytes.Equal(verify.Virt[:len(payload)], payload) {
		t.Error("read data does not match written data")
	}

	// Past the end of the 2048-block namespace.
	oob := &wire.Sqe{Opcode: wire.NvmRead, NSID: 1, PRP1: verify.Phys, CDW10: 2047, CDW12: 1}
	p, err = sq.Submit(oob)
	if err != nil {
		t.Fatalf("Submit oob failed: %v", err)
	}
	_, err = cq.WaitFor(ctx, p, time.Second)
	if !nverr.IsStatus(err, wire.SCTGeneric, wire.SCLBAOutOfRange) {
		t.Errorf("oob read error = %v, want lba out of range status", err)
	}
}

func TestDisableClearsQueues(t *testing.T) {
	c, admin := newReady(t, Config{})
	if err := admin.Disable(context.Background()); err != nil {
		t.Fatalf("Disable failed: %v", err)
	}
	if admin.State() != ctrl.StateDisabled {
		t.Errorf("state = %v, want disabled", admin.State())
	}
	if got := c.Read32(regs.CSTSOff); regs.CSTS(got).Ready() {
		t.Error("CSTS.RDY still set after disable")
	}

	// Re-enable works from scratch.
	if err := admin.Enable(context.Background()); err != nil {
		t.Fatalf("re-Enable failed: %v", err)
	}
}
