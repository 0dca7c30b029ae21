package command

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/jaredmauch/eg4-bridge/internal/lxp/packet"
	"github.com/jaredmauch/eg4-bridge/internal/matcher"
)

// holdRange is one inclusive [start, end] block of the authoritative valid
// hold-register ranges. A ReadHold/SetHold request must fall entirely
// within a single block; straddling two blocks, or falling in the gap
// between them, is ErrInvalidRange. SetHold additionally accepts the
// time-slot registers (see SetHold).
type holdRange struct{ start, end uint16 }

// validHoldRanges is the authoritative table. An on-connect snapshot read
// (internal/coordinator) walks [0,240] regardless of this table and is
// exempt from the check; only explicit ReadHold/SetHold commands enforce
// it.
var validHoldRanges = []holdRange{
	{0, 24},    // system info
	{25, 28},   // grid limits
	{29, 53},   // grid protection
	{54, 63},   // power quality
	{64, 67},   // system control
	{160, 161}, // ac charge
	{162, 169}, // battery warning
	{170, 175}, // autotest
}

// isValidHoldBlock reports whether [start, start+count-1] falls entirely
// within one row of validHoldRanges.
func isValidHoldBlock(start, count uint16) bool {
	if count == 0 {
		return false
	}
	end := start + count - 1
	for _, r := range validHoldRanges {
		if start >= r.start && end <= r.end {
			return true
		}
	}
	return false
}

// ReadHold reads count holding registers starting at start, range-checked
// against validHoldRanges. It returns the decoded register pairs from the
// reply and paces afterward.
func (e *Engine) ReadHold(ctx context.Context, start, count uint16) ([]packet.RegisterPair, error) {
	if !isValidHoldBlock(start, count) {
		return nil, ErrInvalidRange
	}
	return e.readHold(ctx, start, count, true)
}

// ReadHoldUnchecked bypasses the range check. It exists only for the
// on-connect snapshot driver (internal/coordinator), which enumerates a
// wider sweep than any single valid block by design.
func (e *Engine) ReadHoldUnchecked(ctx context.Context, start, count uint16) ([]packet.RegisterPair, error) {
	return e.readHold(ctx, start, count, true)
}

func (e *Engine) readHold(ctx context.Context, start, count uint16, pace bool) ([]packet.RegisterPair, error) {
	reply, err := e.readBlock(ctx, packet.ReadHold, start, count)
	if err != nil {
		return nil, err
	}
	if pace {
		e.pace(ctx)
	}
	return reply.Pairs(), nil
}

// ReadInputs reads count input registers starting at start. Input
// registers have no authoritative range table; any block may be
// requested.
func (e *Engine) ReadInputs(ctx context.Context, start, count uint16) (packet.TranslatedData, error) {
	reply, err := e.readBlock(ctx, packet.ReadInput, start, count)
	if err != nil {
		return packet.TranslatedData{}, err
	}
	e.pace(ctx)
	return reply, nil
}

func (e *Engine) readBlock(ctx context.Context, fn packet.DeviceFunction, start, count uint16) (packet.TranslatedData, error) {
	values := make([]byte, 2)
	binary.LittleEndian.PutUint16(values, count)

	req := packet.TranslatedData{
		Datalog:        e.Datalog,
		Inverter:       e.Inverter,
		DeviceFunction: fn,
		Register:       start,
		Values:         values,
	}
	fp := matcher.Fingerprint{Datalog: e.Datalog, DeviceFunction: fn, Register: start}
	raw, err := e.sendAndWait(ctx, fp, req)
	if err != nil {
		return packet.TranslatedData{}, err
	}
	reply, ok := raw.(packet.TranslatedData)
	if !ok {
		return packet.TranslatedData{}, fmt.Errorf("command: unexpected reply type %T", raw)
	}
	for _, pair := range reply.Pairs() {
		e.Cache.Write(e.Datalog, pair.Register, pair.Value)
	}
	return reply, nil
}

// ReadParam issues a direct ReadParam request, outside the TranslatedData
// envelope. register semantics are datalog-level, not per-inverter.
func (e *Engine) ReadParam(ctx context.Context, register uint16) ([]byte, error) {
	req := packet.ReadParam{Datalog: e.Datalog, Register: register}
	fp := matcher.Fingerprint{Datalog: e.Datalog, DeviceFunction: matcher.FnReadParam, Register: register}
	raw, err := e.sendAndWait(ctx, fp, req)
	if err != nil {
		return nil, err
	}
	reply, ok := raw.(packet.ReadParam)
	if !ok {
		return nil, fmt.Errorf("command: unexpected reply type %T", raw)
	}
	e.pace(ctx)
	return reply.Values, nil
}

// WriteParam issues a direct WriteParam request. It does not pace
// afterward (§4.6).
func (e *Engine) WriteParam(ctx context.Context, register uint16, values []byte) error {
	if e.ReadOnly {
		return ErrReadOnly
	}
	req := packet.WriteParam{Datalog: e.Datalog, Register: register, Values: values}
	fp := matcher.Fingerprint{Datalog: e.Datalog, DeviceFunction: matcher.FnWriteParam, Register: register}
	_, err := e.sendAndWait(ctx, fp, req)
	return err
}
