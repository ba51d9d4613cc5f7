//go:build !integration
// +build !integration

package unit

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmaclab/nvmeq"
)

// These tests exercise the public API end to end against the software
// controller model.

func open(t *testing.T, cfg nvmeq.SimConfig) *nvmeq.Controller {
	t.Helper()
	if cfg.Namespaces == nil {
		cfg.Namespaces = []nvmeq.SimNamespace{{ID: 1, Blocks: 4096}}
	}
	params := nvmeq.DefaultParams()
	params.Name = "unit0"
	params.RegisterTimeout = time.Second
	params.CommandTimeout = time.Second
	c, _, err := nvmeq.OpenSim(context.Background(), cfg, params)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestSessionBringUp(t *testing.T) {
	c := open(t, nvmeq.SimConfig{
		SerialNumber: "UNITSN",
		ModelNumber:  "unit model",
		FirmwareRev:  "9.9",
	})

	info := c.Info()
	assert.Equal(t, "ready", info.State)
	assert.Equal(t, "UNITSN", info.Serial)
	assert.Equal(t, "unit model", info.Model)
	assert.Equal(t, "9.9", info.Firmware)
	assert.Equal(t, "2.0.0", info.Version)
	assert.GreaterOrEqual(t, info.QueuePairs, 1)

	snap := c.Registers()
	assert.True(t, snap.CC.Enabled(), "CC.EN should be set")
	assert.True(t, snap.CSTS.Ready(), "CSTS.RDY should be set")
	assert.NotZero(t, snap.ASQ)
	assert.NotZero(t, snap.ACQ)
}

func TestQueueTopology(t *testing.T) {
	c := open(t, nvmeq.SimConfig{})
	ctx := context.Background()

	qp1, err := c.CreateQueuePair(ctx, 64)
	require.NoError(t, err)
	qp2, err := c.CreateQueuePair(ctx, 32)
	require.NoError(t, err)

	want := []nvmeq.QueueInfo{
		{QID: 1, CQID: 1, Depth: 64},
		{QID: 2, CQID: 2, Depth: 32},
	}
	got := c.Queues()
	// The dynamic ring positions are not part of the expected topology.
	ignore := cmp.FilterPath(func(p cmp.Path) bool {
		switch p.Last().String() {
		case ".Tail", ".Head", ".Outstanding", ".Delivered", ".LastLatency":
			return true
		}
		return false
	}, cmp.Ignore())
	if diff := cmp.Diff(want, got, ignore); diff != "" {
		t.Errorf("queue topology mismatch (-want +got):\n%s", diff)
	}

	require.NoError(t, qp2.Delete(ctx))
	require.NoError(t, qp1.Delete(ctx))
	assert.Empty(t, c.Queues())
}

func TestDataPath(t *testing.T) {
	c := open(t, nvmeq.SimConfig{})
	ctx := context.Background()

	qp, err := c.CreateQueuePair(ctx, 0)
	require.NoError(t, err)
	ns, err := c.Namespace(ctx, 1)
	require.NoError(t, err)
	assert.EqualValues(t, nvmeq.SimLbaSize, ns.LbaSize())

	want := make([]byte, 8*nvmeq.SimLbaSize)
	for i := range want {
		want[i] = byte(i % 251)
	}
	require.NoError(t, ns.WriteAt(ctx, qp, want, 128))
	require.NoError(t, ns.Flush(ctx, qp))

	got := make([]byte, len(want))
	require.NoError(t, ns.ReadAt(ctx, qp, got, 128))
	assert.Equal(t, want, got)

	assert.EqualValues(t, 3, qp.Delivered(), "write, flush, read")
	assert.Zero(t, qp.Outstanding())
}

func TestQueueLifecycleErrors(t *testing.T) {
	c := open(t, nvmeq.SimConfig{})
	ctx := context.Background()

	cqid, err := c.CreateIOCQ(ctx, 1, 64)
	require.NoError(t, err)
	_, err = c.CreateIOSQ(ctx, 1, cqid, 64, nvmeq.PriorityMedium)
	require.NoError(t, err)

	_, err = c.CreateIOCQ(ctx, 1, 64)
	assert.True(t, nvmeq.IsCode(err, nvmeq.CodeQueueIdConflict), "got %v", err)

	err = c.DeleteIOCQ(ctx, cqid)
	assert.True(t, nvmeq.IsCode(err, nvmeq.CodeDeletionOrderViolation), "got %v", err)

	require.NoError(t, c.DeleteIOSQ(ctx, 1))
	require.NoError(t, c.DeleteIOCQ(ctx, cqid))

	err = c.DeleteIOSQ(ctx, 1)
	assert.True(t, nvmeq.IsCode(err, nvmeq.CodeQueueIdInvalid), "got %v", err)
}

func TestIdentifyPages(t *testing.T) {
	c := open(t, nvmeq.SimConfig{
		SerialNumber: "IDSN",
		MDTS:         3,
		Namespaces: []nvmeq.SimNamespace{
			{ID: 1, Blocks: 1024},
			{ID: 2, Blocks: 2048},
		},
	})
	ctx := context.Background()

	ident := c.Identify()
	require.NotNil(t, ident)
	assert.Equal(t, "IDSN", ident.SerialNumber())
	assert.EqualValues(t, 3, ident.Mdts)
	assert.EqualValues(t, 2, ident.Nn)

	ids, err := c.Namespaces(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 2}, ids)

	ns2, err := c.Namespace(ctx, 2)
	require.NoError(t, err)
	if diff := cmp.Diff(uint64(2048), ns2.Blocks()); diff != "" {
		t.Errorf("blocks mismatch (-want +got):\n%s", diff)
	}
}

func TestFatalInjection(t *testing.T) {
	params := nvmeq.DefaultParams()
	params.Name = "unit-fatal"
	params.RegisterTimeout = time.Second
	params.CommandTimeout = 100 * time.Millisecond
	c, sc, err := nvmeq.OpenSim(context.Background(), nvmeq.SimConfig{
		Namespaces: []nvmeq.SimNamespace{{ID: 1, Blocks: 64}},
	}, params)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	sc.InjectFatal()

	_, err = c.Namespace(context.Background(), 1)
	assert.True(t, nvmeq.IsCode(err, nvmeq.CodeControllerFatal), "got %v", err)
	assert.Equal(t, "fatal", c.State())
}
