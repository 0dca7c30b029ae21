package mqttrouter

import (
	"encoding/json"
	"fmt"

	"github.com/jaredmauch/eg4-bridge/internal/lxp/serial"
)

// haDiscoveryConfig is the minimal Home Assistant MQTT discovery payload
// shape for a sensor or a switch: entity name, state topic, optional
// command topic for switches, and a unique_id so HA doesn't collide two
// inverters' entities.
type haDiscoveryConfig struct {
	Name         string   `json:"name"`
	UniqueID     string   `json:"unique_id"`
	StateTopic   string   `json:"state_topic"`
	CommandTopic string   `json:"command_topic,omitempty"`
	PayloadOn    string   `json:"payload_on,omitempty"`
	PayloadOff   string   `json:"payload_off,omitempty"`
	Device       haDevice `json:"device"`
}

type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
}

// haSwitch is one control entity discovery publishes: a named on/off
// control backed by one of the ac_charge/charge_priority/forced_discharge
// toggle verbs.
var haSwitches = []struct {
	Verb string
	Name string
}{
	{"ac_charge", "AC Charge"},
	{"charge_priority", "Charge Priority"},
	{"forced_discharge", "Forced Discharge"},
}

// PublishDiscovery publishes retained Home Assistant discovery messages
// for datalog's control entities under prefix. It is output-only: it
// never subscribes to anything and carries no state of its own.
func (r *Router) PublishDiscovery(prefix string, datalog serial.Serial) error {
	dl := datalog.String()
	device := haDevice{
		Identifiers:  []string{dl},
		Name:         fmt.Sprintf("EG4 Inverter %s", dl),
		Manufacturer: "EG4",
	}

	for _, sw := range haSwitches {
		cfg := haDiscoveryConfig{
			Name:         fmt.Sprintf("%s %s", dl, sw.Name),
			UniqueID:     fmt.Sprintf("%s_%s", dl, sw.Verb),
			StateTopic:   fmt.Sprintf("%s/%s/hold/21", r.namespace, dl),
			CommandTopic: fmt.Sprintf("%s/cmd/%s/%s", r.namespace, dl, sw.Verb),
			PayloadOn:    "on",
			PayloadOff:   "off",
			Device:       device,
		}
		body, err := json.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("mqttrouter: marshal discovery config for %s: %w", sw.Verb, err)
		}
		topic := fmt.Sprintf("%s/switch/%s_%s/config", prefix, dl, sw.Verb)
		r.publish(topic, string(body), true)
	}
	return nil
}
