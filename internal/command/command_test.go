package command

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/jaredmauch/eg4-bridge/internal/bus"
	"github.com/jaredmauch/eg4-bridge/internal/lxp/packet"
	"github.com/jaredmauch/eg4-bridge/internal/lxp/serial"
	"github.com/jaredmauch/eg4-bridge/internal/matcher"
	"github.com/jaredmauch/eg4-bridge/internal/registercache"
)

func mustSerial(t *testing.T, s string) serial.Serial {
	t.Helper()
	v, err := serial.FromString(s)
	if err != nil {
		t.Fatalf("serial.FromString(%q): %v", s, err)
	}
	return v
}

func newTestEngine(t *testing.T) (*Engine, *bus.Bus) {
	t.Helper()
	b := bus.New()
	e := &Engine{
		Bus:          b,
		Matcher:      matcher.New(),
		Cache:        registercache.New(),
		Datalog:      mustSerial(t, "DATALOG001"),
		Inverter:     mustSerial(t, "INVERTER01"),
		ReplyTimeout: time.Second,
		Delay:        time.Millisecond,
	}
	return e, b
}

// fakeInverter answers every request published on to_inverter by echoing a
// reply computed by respond, simulating the far end of the wire.
func fakeInverter(t *testing.T, e *Engine, b *bus.Bus, respond func(packet.Packet) packet.Packet) {
	t.Helper()
	sub := b.ToInverter.Subscribe()
	go func() {
		for msg := range sub {
			reply := respond(msg.Packet)
			if reply == nil {
				continue
			}
			e.Matcher.Dispatch(reply)
		}
	}()
}

func TestReadHoldRejectsInvalidRange(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.ReadHold(context.Background(), 240, 5)
	if !errors.Is(err, ErrInvalidRange) {
		t.Fatalf("ReadHold = %v, want ErrInvalidRange", err)
	}
}

func TestReadHoldAcrossBlockBoundaryRejected(t *testing.T) {
	e, _ := newTestEngine(t)
	// [20, 26] straddles the {0,24} and {25,28} blocks.
	_, err := e.ReadHold(context.Background(), 20, 7)
	if !errors.Is(err, ErrInvalidRange) {
		t.Fatalf("ReadHold = %v, want ErrInvalidRange", err)
	}
}

func TestReadHoldSucceedsAndCaches(t *testing.T) {
	e, b := newTestEngine(t)
	fakeInverter(t, e, b, func(p packet.Packet) packet.Packet {
		req := p.(packet.TranslatedData)
		count := binary.LittleEndian.Uint16(req.Values)
		values := make([]byte, 0, count*2)
		for i := uint16(0); i < count; i++ {
			values = append(values, byte(i+1), 0)
		}
		return packet.TranslatedData{
			Datalog: req.Datalog, Inverter: req.Inverter,
			DeviceFunction: packet.ReadHold, Register: req.Register, Values: values,
		}
	})

	pairs, err := e.ReadHold(context.Background(), 0, 3)
	if err != nil {
		t.Fatalf("ReadHold: %v", err)
	}
	if len(pairs) != 3 || pairs[0].Value != 1 || pairs[2].Value != 3 {
		t.Fatalf("got %+v", pairs)
	}
	v, ok := e.Cache.Read(e.Datalog, 2)
	if !ok || v != 3 {
		t.Fatalf("cache read register 2 = (%d, %v), want (3, true)", v, ok)
	}
}

func TestSetHoldRejectsReadOnly(t *testing.T) {
	e, _ := newTestEngine(t)
	e.ReadOnly = true
	err := e.SetHold(context.Background(), RegisterChargeRate, 50)
	if !errors.Is(err, ErrReadOnly) {
		t.Fatalf("SetHold = %v, want ErrReadOnly", err)
	}
}

func TestSetHoldDetectsWriteMismatch(t *testing.T) {
	e, b := newTestEngine(t)
	fakeInverter(t, e, b, func(p packet.Packet) packet.Packet {
		req := p.(packet.TranslatedData)
		return packet.TranslatedData{
			Datalog: req.Datalog, Inverter: req.Inverter,
			DeviceFunction: packet.WriteSingle, Register: req.Register,
			Values: []byte{0xFF, 0xFF}, // deliberately wrong echo
		}
	})

	err := e.SetHold(context.Background(), RegisterChargeRate, 50)
	if !errors.Is(err, ErrWriteMismatch) {
		t.Fatalf("SetHold = %v, want ErrWriteMismatch", err)
	}
}

func TestToggleBitFlipsAndWritesBack(t *testing.T) {
	e, b := newTestEngine(t)
	current := uint16(0)
	fakeInverter(t, e, b, func(p packet.Packet) packet.Packet {
		req := p.(packet.TranslatedData)
		switch req.DeviceFunction {
		case packet.ReadHold:
			values := []byte{byte(current), byte(current >> 8)}
			return packet.TranslatedData{Datalog: req.Datalog, Inverter: req.Inverter, DeviceFunction: packet.ReadHold, Register: req.Register, Values: values}
		case packet.WriteSingle:
			current = binary.LittleEndian.Uint16(req.Values)
			return packet.TranslatedData{Datalog: req.Datalog, Inverter: req.Inverter, DeviceFunction: packet.WriteSingle, Register: req.Register, Values: req.Values}
		default:
			return nil
		}
	})

	if err := e.ToggleBit(context.Background(), BitAcCharge); err != nil {
		t.Fatalf("ToggleBit: %v", err)
	}
	if current != BitAcCharge {
		t.Fatalf("current = %#04x, want %#04x", current, BitAcCharge)
	}

	if err := e.ToggleBit(context.Background(), BitAcCharge); err != nil {
		t.Fatalf("second ToggleBit: %v", err)
	}
	if current != 0 {
		t.Fatalf("current after second toggle = %#04x, want 0", current)
	}
}

func TestParseTimeRange(t *testing.T) {
	tr, err := ParseTimeRange("08:30/17:45")
	if err != nil {
		t.Fatalf("ParseTimeRange: %v", err)
	}
	want := TimeRange{StartHour: 8, StartMinute: 30, EndHour: 17, EndMinute: 45}
	if tr != want {
		t.Fatalf("got %+v, want %+v", tr, want)
	}
	if tr.String() != "08:30/17:45" {
		t.Fatalf("String() = %q", tr.String())
	}
}

func TestParseTimeRangeRejectsMalformed(t *testing.T) {
	cases := []string{"08:30", "25:00/10:00", "08:30/10:70", "not-a-time"}
	for _, c := range cases {
		if _, err := ParseTimeRange(c); err == nil {
			t.Errorf("ParseTimeRange(%q) = nil error, want error", c)
		}
	}
}

func TestActionRegisterOffsets(t *testing.T) {
	cases := []struct {
		action Action
		slot   int
		want   uint16
	}{
		{AcCharge, 1, 68}, {AcCharge, 2, 70}, {AcCharge, 3, 72},
		{AcFirst, 1, 152}, {AcFirst, 2, 154}, {AcFirst, 3, 156},
		{ChargePriority, 1, 76}, {ChargePriority, 2, 78}, {ChargePriority, 3, 80},
		{ForcedDischarge, 1, 84}, {ForcedDischarge, 2, 86}, {ForcedDischarge, 3, 88},
	}
	for _, c := range cases {
		got, err := c.action.register(c.slot)
		if err != nil {
			t.Fatalf("%s slot %d: %v", c.action, c.slot, err)
		}
		if got != c.want {
			t.Errorf("%s slot %d = %d, want %d", c.action, c.slot, got, c.want)
		}
	}
}

func TestActionRegisterRejectsBadSlot(t *testing.T) {
	if _, err := AcCharge.register(4); !errors.Is(err, ErrUnsupportedCommand) {
		t.Fatalf("register(4) = %v, want ErrUnsupportedCommand", err)
	}
}
