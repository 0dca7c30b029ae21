package mqttrouter

import "strings"

// parsedCommand is one decoded `{namespace}/cmd/{target}/{verb}[/{arg}]`
// topic: target is "all" or a literal 10-character datalog serial, verb
// names the operation, and arg is its optional single parameter.
type parsedCommand struct {
	Target string
	Verb   string
	Arg    string
	HasArg bool
}

// parseCommandTopic decodes a command topic under namespace. ok is false
// for anything that isn't `{namespace}/cmd/{target}/{verb}[/{arg}]`.
func parseCommandTopic(namespace, topic string) (parsedCommand, bool) {
	prefix := namespace + "/cmd/"
	if !strings.HasPrefix(topic, prefix) {
		return parsedCommand{}, false
	}
	rest := strings.TrimPrefix(topic, prefix)
	parts := strings.Split(rest, "/")
	if len(parts) < 2 {
		return parsedCommand{}, false
	}
	pc := parsedCommand{Target: parts[0], Verb: parts[1]}
	if len(parts) >= 3 {
		pc.Arg = parts[2]
		pc.HasArg = true
	}
	return pc, true
}

// resultTopic builds the topic a command's outcome (payload or "FAIL") is
// published on: the same shape as the inbound command topic, with the
// target pinned to the resolved inverter's own datalog and a trailing
// "/result" segment, regardless of whether the inbound target was "all" or
// that same datalog.
func resultTopic(namespace, datalog, verb, arg string) string {
	topic := namespace + "/cmd/" + datalog + "/" + verb
	if arg != "" {
		topic += "/" + arg
	}
	return topic + "/result"
}
