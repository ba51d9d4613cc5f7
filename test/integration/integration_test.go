//go:build integration
// +build integration

package integration

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/dmaclab/nvmeq"
)

// These tests drive a real NVMe controller through its BAR. They are
// destructive to the target device and require root (pagemap access) and an
// unbound controller, so they only run when NVMEQ_PCI_BDF names one, e.g.
//
//	NVMEQ_PCI_BDF=0000:01:00.0 go test -tags integration ./test/integration
//
// The device must not be claimed by the kernel nvme driver.

func requireRoot(t *testing.T) {
	t.Helper()
	if os.Getuid() != 0 {
		t.Skip("requires root for pagemap physical address resolution")
	}
}

func requireDevice(t *testing.T) string {
	t.Helper()
	bdf := os.Getenv("NVMEQ_PCI_BDF")
	if bdf == "" {
		t.Skip("NVMEQ_PCI_BDF not set")
	}
	return bdf
}

func openDevice(t *testing.T) *nvmeq.Controller {
	t.Helper()
	requireRoot(t)
	bdf := requireDevice(t)

	bar, err := nvmeq.OpenSysfsBar(bdf)
	if err != nil {
		t.Fatalf("OpenSysfsBar(%s): %v", bdf, err)
	}
	mem, err := nvmeq.NewAnonMemory()
	if err != nil {
		bar.Close()
		t.Fatalf("NewAnonMemory: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	params := nvmeq.DefaultParams()
	params.Name = "it0"
	c, err := nvmeq.Open(ctx, bar, mem, params)
	if err != nil {
		bar.Close()
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		c.Close()
		bar.Close()
	})
	return c
}

func TestIntegrationBringUp(t *testing.T) {
	c := openDevice(t)

	info := c.Info()
	if info.State != "ready" {
		t.Fatalf("State = %q, want ready", info.State)
	}
	t.Logf("controller: model=%q serial=%q fw=%q version=%s pairs=%d maxxfer=%d",
		info.Model, info.Serial, info.Firmware, info.Version, info.QueuePairs, info.MaxTransfer)

	snap := c.Registers()
	if !snap.CC.Enabled() || !snap.CSTS.Ready() {
		t.Errorf("CC=%#x CSTS=%#x, want enabled and ready", uint32(snap.CC), uint32(snap.CSTS))
	}
}

func TestIntegrationQueueLifecycle(t *testing.T) {
	c := openDevice(t)
	ctx := context.Background()

	qp, err := c.CreateQueuePair(ctx, 64)
	if err != nil {
		t.Fatalf("CreateQueuePair: %v", err)
	}
	if qp.Outstanding() != 0 {
		t.Errorf("fresh queue pair has %d outstanding", qp.Outstanding())
	}
	if err := qp.Delete(ctx); err != nil {
		t.Fatalf("Delete: %v", err)
	}
}

func TestIntegrationBasicIO(t *testing.T) {
	c := openDevice(t)
	ctx := context.Background()

	ids, err := c.Namespaces(ctx)
	if err != nil {
		t.Fatalf("Namespaces: %v", err)
	}
	if len(ids) == 0 {
		t.Skip("controller has no active namespaces")
	}
	ns, err := c.Namespace(ctx, ids[0])
	if err != nil {
		t.Fatalf("Namespace(%d): %v", ids[0], err)
	}

	qp, err := c.CreateQueuePair(ctx, 0)
	if err != nil {
		t.Fatalf("CreateQueuePair: %v", err)
	}

	// Round-trip one block at the last LBA to stay clear of any data the
	// start of the namespace might hold.
	blk := int(ns.LbaSize())
	want := make([]byte, blk)
	for i := range want {
		want[i] = byte(i ^ 0x5a)
	}
	slba := ns.Blocks() - 1
	if err := ns.WriteAt(ctx, qp, want, slba); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if err := ns.Flush(ctx, qp); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	got := make([]byte, blk)
	if err := ns.ReadAt(ctx, qp, got, slba); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("byte %d = %#x, want %#x", i, got[i], want[i])
		}
	}
}

func TestIntegrationReset(t *testing.T) {
	c := openDevice(t)
	ctx := context.Background()

	if _, err := c.CreateQueuePair(ctx, 0); err != nil {
		t.Fatalf("CreateQueuePair: %v", err)
	}
	if err := c.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if got := c.State(); got != "ready" {
		t.Fatalf("State after reset = %q, want ready", got)
	}
	if len(c.Queues()) != 0 {
		t.Errorf("Queues() after reset = %+v, want empty", c.Queues())
	}
}
