// Package bus implements the fixed topic topology C7 and its neighbors
// communicate over: a small set of typed, fan-out pub/sub channels with a
// drop policy chosen per topic rather than one generic broadcast channel.
// Go has no broadcast-channel primitive in the standard library, and none
// of the example repos import one either, so this is built directly on
// channels and a subscriber-list mutex.
package bus

import (
	"context"
	"errors"
	"sync"

	"github.com/jaredmauch/eg4-bridge/internal/lxp/packet"
	"github.com/jaredmauch/eg4-bridge/internal/lxp/serial"
)

// ErrChannelClosed is returned by Publish on to_inverter when the short
// blocking send window elapses without a subscriber accepting the message.
var ErrChannelClosed = errors.New("bus: channel send blocked and timed out")

// Shutdown names the shutdown signal. It is not sent on any topic:
// Bus.Shutdown closes the channel returned by Bus.Done, and subscribers
// select on that alongside their topic channel.
type Shutdown struct{}

// InverterEvent tags what a FromInverter message represents: a decoded
// packet, a freshly established connection, or a lost one. Connected/
// Disconnect carry no Packet.
type InverterEvent int

const (
	EventPacket InverterEvent = iota
	EventConnected
	EventDisconnect
)

// FromInverter carries a raw decoded packet, or a connection lifecycle
// notification, plus which datalog it concerns.
type FromInverter struct {
	Datalog serial.Serial
	Event   InverterEvent
	Packet  packet.Packet // valid only when Event == EventPacket
}

// ToInverter carries a packet queued for delivery to a specific inverter's
// session.
type ToInverter struct {
	Datalog serial.Serial
	Packet  packet.Packet
}

// RegisterWrite is one observed (datalog, register, value) fact, the only
// shape to_register_cache ever carries.
type RegisterWrite struct {
	Datalog  serial.Serial
	Register uint16
	Value    uint16
}

// SinkMessage is a pre-rendered fact pushed to the to_mqtt/to_influx/
// to_database topics. Coordinator builds the payload once; sinks only
// serialize it to their own wire format.
type SinkMessage struct {
	Datalog  serial.Serial
	Inverter serial.Serial
	Kind     string // "input", "hold", "write_confirmation", ...
	Fields   map[string]any
}

// FromMQTT carries one parsed inbound command off the MQTT command topics.
type FromMQTT struct {
	Topic   string
	Payload []byte
}

// dropPolicy controls what Publish does when a subscriber's channel is
// full.
type dropPolicy int

const (
	// dropOldest discards the subscriber's oldest buffered message to make
	// room, so Publish never blocks the publisher.
	dropOldest dropPolicy = iota
	// blockBriefly waits up to a short deadline for the subscriber to make
	// room before giving up and reporting ErrChannelClosed.
	blockBriefly
	// deepBuffer uses a channel sized large enough that blocking is not a
	// realistic concern for this topic's message size/rate.
	deepBuffer
)

const (
	toInverterBlockBufferSize = 8
	smallBufferSize           = 32
	deepBufferSize            = 4096
)

// topic is a generic fan-out registry for one message type.
type topic[T any] struct {
	mu     sync.Mutex
	subs   []chan T
	policy dropPolicy
	size   int
}

func newTopic[T any](policy dropPolicy, size int) *topic[T] {
	return &topic[T]{policy: policy, size: size}
}

// Subscribe registers a new receiver and returns its channel. Callers must
// keep draining it; under dropOldest/deepBuffer policies Publish never
// blocks on a slow subscriber. Once a subscriber's buffer fills,
// dropOldest discards its oldest message to make room for the new one,
// while deepBuffer discards the new message.
func (t *topic[T]) Subscribe() <-chan T {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan T, t.size)
	t.subs = append(t.subs, ch)
	return ch
}

// Publish delivers msg to every subscriber according to the topic's drop
// policy. For blockBriefly it returns ErrChannelClosed if ctx is done
// before every subscriber accepted the message; msg may have already
// reached some subscribers in that case.
func (t *topic[T]) Publish(ctx context.Context, msg T) error {
	t.mu.Lock()
	subs := append([]chan T(nil), t.subs...)
	t.mu.Unlock()

	for _, ch := range subs {
		switch t.policy {
		case dropOldest:
			select {
			case ch <- msg:
			default:
				select {
				case <-ch:
				default:
				}
				select {
				case ch <- msg:
				default:
				}
			}

		case deepBuffer:
			select {
			case ch <- msg:
			default:
				// Deep buffers are sized for the expected load; a full
				// buffer here means a subscriber has stopped draining
				// entirely, so drop rather than block the publisher.
			}

		case blockBriefly:
			select {
			case ch <- msg:
			case <-ctx.Done():
				return ErrChannelClosed
			}
		}
	}
	return nil
}

// Bus wires together every topic named in the topology: from_inverter,
// to_inverter, to_mqtt, to_influx, to_database, to_register_cache,
// from_mqtt.
type Bus struct {
	FromInverter   *topic[FromInverter]
	ToInverter     *topic[ToInverter]
	ToMQTT         *topic[SinkMessage]
	ToInflux       *topic[SinkMessage]
	ToDatabase     *topic[SinkMessage]
	ToRegisterCache *topic[RegisterWrite]
	FromMQTT       *topic[FromMQTT]

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// New builds a Bus with the drop policy for each topic fixed to the
// topology table: from_inverter/to_mqtt/to_influx/to_database keep only
// the newest message per subscriber when it falls behind; to_inverter
// blocks briefly then fails rather than silently drop a command;
// to_register_cache and from_mqtt use a deep buffer since their messages
// are small; a message that finds a subscriber's deep buffer full is
// dropped rather than blocking the publisher.
func New() *Bus {
	return &Bus{
		FromInverter:    newTopic[FromInverter](dropOldest, smallBufferSize),
		ToInverter:      newTopic[ToInverter](blockBriefly, toInverterBlockBufferSize),
		ToMQTT:          newTopic[SinkMessage](dropOldest, smallBufferSize),
		ToInflux:        newTopic[SinkMessage](dropOldest, smallBufferSize),
		ToDatabase:      newTopic[SinkMessage](dropOldest, smallBufferSize),
		ToRegisterCache: newTopic[RegisterWrite](deepBuffer, deepBufferSize),
		FromMQTT:        newTopic[FromMQTT](deepBuffer, deepBufferSize),
		shutdownCh:      make(chan struct{}),
	}
}

// Shutdown closes the shutdown signal channel exactly once; subscribers
// select on Done() alongside their topic channel to notice it.
func (b *Bus) Shutdown() {
	b.shutdownOnce.Do(func() { close(b.shutdownCh) })
}

// Done returns the channel that closes when Shutdown is called.
func (b *Bus) Done() <-chan struct{} {
	return b.shutdownCh
}
