// Package command implements the taxonomy of requests the coordinator and
// the MQTT router issue against a connected inverter: register reads,
// direct register writes, and read-modify-write bit toggles, all routed
// through the bus and matched to their replies via internal/matcher.
package command

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jaredmauch/eg4-bridge/internal/bus"
	"github.com/jaredmauch/eg4-bridge/internal/lxp/packet"
	"github.com/jaredmauch/eg4-bridge/internal/lxp/serial"
	"github.com/jaredmauch/eg4-bridge/internal/matcher"
	"github.com/jaredmauch/eg4-bridge/internal/registercache"
)

var (
	// ErrReadOnly is returned when a write is attempted against an
	// inverter configured read_only; no bytes are sent to the inverter.
	ErrReadOnly = errors.New("command: inverter is read-only")

	// ErrInvalidRange is returned when a ReadHold/SetHold register block
	// does not fall entirely within one of the authoritative valid ranges
	// (SetHold also accepts the time-slot registers).
	ErrInvalidRange = errors.New("command: register block outside any valid range")

	// ErrWriteMismatch is returned when a read-modify-write bit command's
	// echoed reply does not match the value that was written.
	ErrWriteMismatch = errors.New("command: write echoed a different value than was sent")

	// ErrUnsupportedCommand is returned for a time-slot action/slot
	// combination with no known register.
	ErrUnsupportedCommand = errors.New("command: unsupported command")
)

// defaultDelay is the inter-request pacing applied after read-family
// commands complete, so as not to flood an inverter with back-to-back
// requests. Write-family commands do not pace (§4.6).
const defaultDelay = time.Second

// Engine issues commands against one inverter and waits for their
// matched replies.
type Engine struct {
	Bus     *bus.Bus
	Matcher *matcher.Matcher
	Cache   *registercache.Cache

	Datalog  serial.Serial
	Inverter serial.Serial
	ReadOnly bool
	Delay    time.Duration

	// ReplyTimeout bounds how long a command waits for its reply before
	// giving up. Zero means use a 5 second default.
	ReplyTimeout time.Duration
}

func (e *Engine) delay() time.Duration {
	if e.Delay > 0 {
		return e.Delay
	}
	return defaultDelay
}

func (e *Engine) timeout() time.Duration {
	if e.ReplyTimeout > 0 {
		return e.ReplyTimeout
	}
	return 5 * time.Second
}

// pace sleeps for the configured inter-request delay, honoring ctx
// cancellation.
func (e *Engine) pace(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(e.delay()):
	}
}

// sendAndWait registers fp, publishes req onto to_inverter, and blocks for
// the matched reply or ctx/timeout, whichever comes first.
func (e *Engine) sendAndWait(ctx context.Context, fp matcher.Fingerprint, req packet.Packet) (packet.Packet, error) {
	waitCtx, waitCancel := context.WithTimeout(ctx, e.timeout())
	defer waitCancel()

	ch, release, err := e.Matcher.Register(waitCtx, fp)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := e.Bus.ToInverter.Publish(waitCtx, bus.ToInverter{Datalog: e.Datalog, Packet: req}); err != nil {
		return nil, fmt.Errorf("publish request: %w", err)
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return nil, waitCtx.Err()
		}
		return reply, nil
	case <-waitCtx.Done():
		return nil, waitCtx.Err()
	}
}
