package transition

import (
	"github.com/cuemby/cman/pkg/barrier"
	"github.com/cuemby/cman/pkg/registry"
)

// Dispatcher is the internal-protocol entry point (spec.md §4.3's
// target_port == 0 case). It has the same shape as portmux.InternalHandler
// and is meant to be passed directly as portmux.New's internal argument.
type Dispatcher struct {
	Machine  *Machine
	Registry *registry.Registry
	Barriers *barrier.Service
}

// Handle routes one internal-protocol message by its leading command byte.
func (d *Dispatcher) Handle(sourceNode int32, payload []byte, endianSwapRequired bool) {
	if len(payload) == 0 {
		return
	}
	cmd, body := payload[0], payload[1:]

	switch cmd {
	case CmdPortOpened:
		if port, err := decodePort(body); err == nil {
			_ = d.Registry.SetPort(sourceNode, port, true)
		}
	case CmdPortClosed:
		if port, err := decodePort(body); err == nil {
			_ = d.Registry.SetPort(sourceNode, port, false)
		}
	case barrier.CmdBarrier:
		if d.Barriers != nil {
			d.Barriers.HandleMessage(body)
		}
	default:
		d.Machine.HandleMessage(sourceNode, cmd, body, endianSwapRequired)
	}
}
