package nvmeq

import (
	"context"

	"github.com/dmaclab/nvmeq/internal/sim"
)

// SimConfig configures the software controller model.
type SimConfig = sim.Config

// SimNamespace sizes one simulated namespace.
type SimNamespace = sim.NamespaceConfig

// SimController is a software controller implementing Bar, with its own
// memory arena standing in for DMA. It executes commands synchronously on
// doorbell writes, which makes sessions against it fully deterministic.
type SimController = sim.Controller

// SimLbaSize is the logical block size of every simulated namespace.
const SimLbaSize = sim.LbaSize

// NewSimController builds a software controller model. Useful when a test
// needs direct access to the model (fault injection, register write counts)
// before opening a session against it.
func NewSimController(cfg SimConfig) *SimController {
	return sim.NewController(cfg)
}

// OpenSim builds a software controller and opens a session against it.
// The model's arena serves as the session's memory provider.
func OpenSim(ctx context.Context, cfg SimConfig, params Params) (*Controller, *SimController, error) {
	sc := sim.NewController(cfg)
	c, err := Open(ctx, sc, sc.Mem(), params)
	if err != nil {
		return nil, nil, err
	}
	return c, sc, nil
}
