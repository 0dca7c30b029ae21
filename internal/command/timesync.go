package command

import (
	"context"
	"fmt"
	"time"

	"github.com/jaredmauch/eg4-bridge/internal/lxp/packet"
	"github.com/jaredmauch/eg4-bridge/internal/matcher"
)

// Holding registers the timesync tick writes the host wall clock into.
// The original scheduler's time-sync command module was not recovered
// intact; this register placement is an assumption, inside the
// power-quality block (54-63) of validHoldRanges. SyncTime itself does
// not range-check.
const (
	RegisterTimeYearMonth uint16 = 54
	RegisterTimeDayHour   uint16 = 55
	RegisterTimeMinSecond uint16 = 56
)

// SyncTime writes the current host wall clock (UTC) into the inverter's
// date/time holding registers as one WriteMulti, mirroring the scheduler's
// fixed 60s timesync tick.
func (e *Engine) SyncTime(ctx context.Context) error {
	if e.ReadOnly {
		return ErrReadOnly
	}
	now := time.Now().UTC()

	values := make([]byte, 0, 6)
	values = append(values, uint16ToBytes(uint16(now.Year()%100)<<8|uint16(now.Month()))...)
	values = append(values, uint16ToBytes(uint16(now.Day())<<8|uint16(now.Hour()))...)
	values = append(values, uint16ToBytes(uint16(now.Minute())<<8|uint16(now.Second()))...)

	req := packet.TranslatedData{
		Datalog:        e.Datalog,
		Inverter:       e.Inverter,
		DeviceFunction: packet.WriteMulti,
		Register:       RegisterTimeYearMonth,
		Values:         values,
	}
	fp := matcher.Fingerprint{Datalog: e.Datalog, DeviceFunction: packet.WriteMulti, Register: RegisterTimeYearMonth}
	raw, err := e.sendAndWait(ctx, fp, req)
	if err != nil {
		return fmt.Errorf("command: sync time: %w", err)
	}
	reply, ok := raw.(packet.TranslatedData)
	if !ok {
		return fmt.Errorf("command: unexpected reply type %T", raw)
	}
	for _, pair := range reply.Pairs() {
		e.Cache.Write(e.Datalog, pair.Register, pair.Value)
	}
	return nil
}
