package mqttsink

import (
	"encoding/json"
	"fmt"

	"github.com/jaredmauch/eg4-bridge/internal/bus"
	"github.com/jaredmauch/eg4-bridge/internal/command"
)

// publication is one topic/payload/retained triple ready to hand to a paho
// client, kept separate from the client so the rendering logic is testable
// without a broker.
type publication struct {
	Topic    string
	Payload  string
	Retained bool
}

// timeRangeJSON is the retained payload shape for a time-slot topic.
type timeRangeJSON struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// timeSlotRegisters maps the start register of each action/slot pair to its
// friendly topic segment, mirroring internal/command.Action.register.
var timeSlotRegisters = []struct {
	Action   command.Action
	Slot     int
	Register uint16
}{
	{command.AcCharge, 1, 68}, {command.AcCharge, 2, 70}, {command.AcCharge, 3, 72},
	{command.AcFirst, 1, 152}, {command.AcFirst, 2, 154}, {command.AcFirst, 3, 156},
	{command.ChargePriority, 1, 76}, {command.ChargePriority, 2, 78}, {command.ChargePriority, 3, 80},
	{command.ForcedDischarge, 1, 84}, {command.ForcedDischarge, 2, 86}, {command.ForcedDischarge, 3, 88},
}

// renderMessage turns one bus.SinkMessage into the publications it
// produces. publishIndividual mirrors the `mqtt.publish_individual_input`
// configuration toggle: when set, every "input" message also gets one
// extra non-retained publication per register, in addition to the page's
// combined JSON topic. Unknown kinds render nothing.
func renderMessage(msg bus.SinkMessage, publishIndividual bool) []publication {
	dl := msg.Datalog.String()
	switch msg.Kind {
	case "input":
		page, _ := msg.Fields["page"].(int)
		out := renderJSON(fmt.Sprintf("%s/inputs/%d", dl, page), msg.Fields, false)
		if publishIndividual {
			if pairs, ok := msg.Fields["pairs"].(map[uint16]uint16); ok {
				out = append(out, renderIndividualInputs(dl, pairs)...)
			}
		}
		return out
	case "input_snapshot":
		return renderJSON(dl+"/inputs/all", msg.Fields, false)
	case "hold":
		return renderHold(dl, msg.Fields)
	case "write_confirmation":
		return renderJSON(dl+"/write/status", msg.Fields, false)
	case "write_multi_confirmation":
		return renderJSON(dl+"/write_multi/status", msg.Fields, false)
	default:
		return nil
	}
}

func renderHold(dl string, fields map[string]any) []publication {
	pairs, _ := fields["pairs"].(map[uint16]uint16)
	out := make([]publication, 0, len(pairs))
	for register, value := range pairs {
		out = append(out, publication{
			Topic:    fmt.Sprintf("%s/hold/%d", dl, register),
			Payload:  fmt.Sprintf("%d", value),
			Retained: true,
		})
	}
	return append(out, renderTimeSlots(dl, pairs)...)
}

// renderTimeSlots renders any time-slot register pair present in pairs as
// the friendly `{datalog}/{action}/{slot}` retained topic, in addition to
// the raw per-register hold topics renderHold always emits.
func renderTimeSlots(dl string, pairs map[uint16]uint16) []publication {
	var out []publication
	for _, t := range timeSlotRegisters {
		start, ok := pairs[t.Register]
		if !ok {
			continue
		}
		end, ok := pairs[t.Register+1]
		if !ok {
			continue
		}
		body, err := json.Marshal(timeRangeJSON{
			Start: fmt.Sprintf("%02d:%02d", start&0xFF, start>>8),
			End:   fmt.Sprintf("%02d:%02d", end&0xFF, end>>8),
		})
		if err != nil {
			continue
		}
		out = append(out, publication{
			Topic:    fmt.Sprintf("%s/%s/%d", dl, t.Action, t.Slot),
			Payload:  string(body),
			Retained: true,
		})
	}
	return out
}

// renderIndividualInputs renders one non-retained publication per register
// in pairs, under `{datalog}/input/{register}`.
func renderIndividualInputs(dl string, pairs map[uint16]uint16) []publication {
	out := make([]publication, 0, len(pairs))
	for register, value := range pairs {
		out = append(out, publication{
			Topic:   fmt.Sprintf("%s/input/%d", dl, register),
			Payload: fmt.Sprintf("%d", value),
		})
	}
	return out
}

func renderJSON(topic string, fields map[string]any, retained bool) []publication {
	clean := make(map[string]any, len(fields))
	for k, v := range fields {
		if k == "pairs" {
			continue
		}
		clean[k] = v
	}
	body, err := json.Marshal(clean)
	if err != nil {
		return nil
	}
	return []publication{{Topic: topic, Payload: string(body), Retained: retained}}
}
