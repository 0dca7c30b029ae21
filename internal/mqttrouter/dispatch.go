package mqttrouter

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/jaredmauch/eg4-bridge/internal/command"
)

// timeRangeReply is the JSON payload shape for a time-slot read result.
type timeRangeReply struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// inverterTarget is the subset of Router's per-inverter state dispatch
// needs to run one command against one engine.
type inverterTarget struct {
	Datalog   string
	Engine    *command.Engine
	BlockSize uint16
}

// dispatch runs one parsed command against one inverter's engine, and
// returns the success payload to publish on its result topic, or an error
// (in which case the caller publishes "FAIL").
func dispatch(ctx context.Context, t inverterTarget, pc parsedCommand, payload string) (string, error) {
	switch pc.Verb {
	case "read_inputs":
		block, err := strconv.Atoi(pc.Arg)
		if err != nil || block < 1 || block > 6 {
			return "", fmt.Errorf("mqttrouter: bad read_inputs block %q", pc.Arg)
		}
		blockSize := t.BlockSize
		if blockSize == 0 {
			blockSize = 40
		}
		start := uint16(block-1) * blockSize
		reply, err := t.Engine.ReadInputs(ctx, start, blockSize)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%v", reply.Pairs()), nil

	case "read_input":
		register, count, err := parseRegisterAndCount(pc.Arg, payload)
		if err != nil {
			return "", err
		}
		reply, err := t.Engine.ReadInputs(ctx, register, count)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%v", reply.Pairs()), nil

	case "read_hold":
		register, count, err := parseRegisterAndCount(pc.Arg, payload)
		if err != nil {
			return "", err
		}
		pairs, err := t.Engine.ReadHold(ctx, register, count)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%v", pairs), nil

	case "read_param":
		register, err := parseUint16(pc.Arg)
		if err != nil {
			return "", err
		}
		values, err := t.Engine.ReadParam(ctx, register)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%v", values), nil

	case "write_param":
		register, err := parseUint16(pc.Arg)
		if err != nil {
			return "", err
		}
		value, err := parseUint16(payload)
		if err != nil {
			return "", err
		}
		if err := t.Engine.WriteParam(ctx, register, uint16Bytes(value)); err != nil {
			return "", err
		}
		return "OK", nil

	case "set_hold":
		register, err := parseUint16(pc.Arg)
		if err != nil {
			return "", err
		}
		value, err := parseUint16(payload)
		if err != nil {
			return "", err
		}
		if err := t.Engine.SetHold(ctx, register, value); err != nil {
			return "", err
		}
		return "OK", nil

	case "read_ac_charge_time", "read_ac_first_time", "read_charge_priority_time", "read_forced_discharge_time":
		action, err := actionForVerb(pc.Verb)
		if err != nil {
			return "", err
		}
		slot, err := parseSlot(pc.Arg)
		if err != nil {
			return "", err
		}
		tr, err := t.Engine.ReadTimeRegister(ctx, action, slot)
		if err != nil {
			return "", err
		}
		return timeRangeJSON(tr)

	case "set_ac_charge_time", "set_ac_first_time", "set_charge_priority_time", "set_forced_discharge_time":
		action, err := actionForVerb(strings.Replace(pc.Verb, "set_", "read_", 1))
		if err != nil {
			return "", err
		}
		slot, err := parseSlot(pc.Arg)
		if err != nil {
			return "", err
		}
		tr, err := command.ParseTimeRange(payload)
		if err != nil {
			return "", err
		}
		if err := t.Engine.SetTimeRegister(ctx, action, slot, tr); err != nil {
			return "", err
		}
		return "OK", nil

	case "ac_charge":
		return toggleResult(ctx, t, command.BitAcCharge, payload)
	case "charge_priority":
		return toggleResult(ctx, t, command.BitChargePriority, payload)
	case "forced_discharge":
		return toggleResult(ctx, t, command.BitForcedDischarge, payload)

	case "charge_rate":
		return setNamedHold(ctx, t, command.RegisterChargeRate, payload)
	case "discharge_rate":
		return setNamedHold(ctx, t, command.RegisterDischargeRate, payload)
	case "ac_charge_rate":
		return setNamedHold(ctx, t, command.RegisterAcChargeRate, payload)
	case "ac_charge_soc_limit":
		return setNamedHold(ctx, t, command.RegisterAcChargeSocLimit, payload)
	case "discharge_cutoff_soc_limit":
		return setNamedHold(ctx, t, command.RegisterDischargeCutoffSocLimit, payload)

	default:
		return "", fmt.Errorf("mqttrouter: unknown verb %q", pc.Verb)
	}
}

func actionForVerb(verb string) (command.Action, error) {
	switch verb {
	case "read_ac_charge_time":
		return command.AcCharge, nil
	case "read_ac_first_time":
		return command.AcFirst, nil
	case "read_charge_priority_time":
		return command.ChargePriority, nil
	case "read_forced_discharge_time":
		return command.ForcedDischarge, nil
	default:
		return 0, fmt.Errorf("mqttrouter: unknown time-slot verb %q", verb)
	}
}

func toggleResult(ctx context.Context, t inverterTarget, bit uint16, payload string) (string, error) {
	enabled, err := parseOnOff(payload)
	if err != nil {
		return "", err
	}
	if err := t.Engine.SetBit(ctx, bit, enabled); err != nil {
		return "", err
	}
	return "OK", nil
}

func setNamedHold(ctx context.Context, t inverterTarget, register uint16, payload string) (string, error) {
	value, err := parseUint16(payload)
	if err != nil {
		return "", err
	}
	if err := t.Engine.SetHold(ctx, register, value); err != nil {
		return "", err
	}
	return "OK", nil
}

func timeRangeJSON(tr command.TimeRange) (string, error) {
	reply := timeRangeReply{
		Start: fmt.Sprintf("%02d:%02d", tr.StartHour, tr.StartMinute),
		End:   fmt.Sprintf("%02d:%02d", tr.EndHour, tr.EndMinute),
	}
	b, err := json.Marshal(reply)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func parseUint16(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("mqttrouter: %q is not a valid register/value: %w", s, err)
	}
	return uint16(v), nil
}

func parseSlot(s string) (int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("mqttrouter: %q is not a valid slot: %w", s, err)
	}
	return v, nil
}

func parseRegisterAndCount(arg, payload string) (register, count uint16, err error) {
	register, err = parseUint16(arg)
	if err != nil {
		return 0, 0, err
	}
	count, err = parseUint16(payload)
	if err != nil {
		return 0, 0, err
	}
	return register, count, nil
}

func parseOnOff(payload string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(payload)) {
	case "on", "1", "true":
		return true, nil
	case "off", "0", "false":
		return false, nil
	default:
		return false, fmt.Errorf("mqttrouter: %q is not on/off", payload)
	}
}

func uint16Bytes(v uint16) []byte {
	return []byte{byte(v), byte(v >> 8)}
}
