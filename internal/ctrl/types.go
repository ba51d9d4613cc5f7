package ctrl

import (
	"time"

	"github.com/dmaclab/nvmeq/internal/constants"
	"github.com/dmaclab/nvmeq/internal/hw"
	"github.com/dmaclab/nvmeq/internal/logging"
	"github.com/dmaclab/nvmeq/internal/queue"
)

// State is the controller lifecycle state as tracked by the host.
type State int

const (
	// StateDisabled means CC.EN is clear and the admin queues are torn down.
	StateDisabled State = iota
	// StateEnabling means CC.EN was set and the host is waiting for CSTS.RDY.
	StateEnabling
	// StateReady means CSTS.RDY is set and the admin queues accept commands.
	StateReady
	// StateDisabling means CC.EN was cleared and the host is waiting for
	// CSTS.RDY to drop.
	StateDisabling
	// StateFatal means CSTS.CFS was observed. Only a reset leaves this state.
	StateFatal
)

func (s State) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateEnabling:
		return "enabling"
	case StateReady:
		return "ready"
	case StateDisabling:
		return "disabling"
	case StateFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Config describes how to bring up a controller's admin plane.
type Config struct {
	// Bar is the controller register window.
	Bar hw.Bar

	// Mem allocates the admin queue rings and identify pages.
	Mem hw.MemoryProvider

	// AdminSQDepth and AdminCQDepth are the admin ring depths. Zero means
	// the defaults.
	AdminSQDepth uint16
	AdminCQDepth uint16

	// RegisterTimeout overrides the CSTS.RDY convergence timeout. Zero
	// means CAP.TO with the floor applied.
	RegisterTimeout time.Duration

	// CommandTimeout bounds each synchronous admin command. Zero means the
	// default.
	CommandTimeout time.Duration

	// Logger receives control-plane events. Nil means the default logger.
	Logger *logging.Logger

	// Observer receives admin command completion observations.
	Observer queue.Observer
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.AdminSQDepth == 0 {
		out.AdminSQDepth = constants.DefaultAdminQueueDepth
	}
	if out.AdminCQDepth == 0 {
		out.AdminCQDepth = constants.DefaultAdminQueueDepth
	}
	if out.CommandTimeout == 0 {
		out.CommandTimeout = constants.DefaultCommandTimeout
	}
	if out.Logger == nil {
		out.Logger = logging.Default()
	}
	return out
}
