package coordinator

import (
	"context"

	"github.com/jaredmauch/eg4-bridge/internal/command"
	"github.com/jaredmauch/eg4-bridge/internal/lxp/serial"
)

const (
	onConnectHoldEnd  = 240
	onConnectInputEnd = 200
)

// onConnect runs the best-effort on-connect snapshot: a full holding- and
// input-register sweep plus every time-slot family's current value, for
// every inverter configured with publish_holdings_on_connect. It never
// aborts on a single failed read; each step is logged and skipped.
func (c *Coordinator) onConnect(ctx context.Context, datalog serial.Serial) {
	engine, info, ok := c.engineFor(datalog)
	if !ok || !info.PublishHoldingsOnConnect {
		return
	}
	blockSize := info.BlockSize
	if blockSize == 0 {
		blockSize = 40
	}

	for start := uint16(0); start <= onConnectHoldEnd; start += blockSize {
		count := blockSize
		if uint32(start)+uint32(count) > onConnectHoldEnd+1 {
			count = onConnectHoldEnd + 1 - start
		}
		if _, err := engine.ReadHoldUnchecked(ctx, start, count); err != nil {
			c.Log.WithError(err).WithField("datalog", datalog.String()).Debug("on-connect hold read failed")
		}
	}

	for start := uint16(0); start <= onConnectInputEnd; start += blockSize {
		count := blockSize
		if uint32(start)+uint32(count) > onConnectInputEnd+1 {
			count = onConnectInputEnd + 1 - start
		}
		if _, err := engine.ReadInputs(ctx, start, count); err != nil {
			c.Log.WithError(err).WithField("datalog", datalog.String()).Debug("on-connect input read failed")
		}
	}

	actions := []command.Action{command.AcCharge, command.AcFirst, command.ChargePriority, command.ForcedDischarge}
	for _, action := range actions {
		for slot := 1; slot <= 3; slot++ {
			if _, err := engine.ReadTimeRegister(ctx, action, slot); err != nil {
				c.Log.WithError(err).WithFields(map[string]any{
					"datalog": datalog.String(), "action": action.String(), "slot": slot,
				}).Debug("on-connect time-slot read failed")
			}
		}
	}
}
