package mqttrouter

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/jaredmauch/eg4-bridge/internal/bus"
	"github.com/jaredmauch/eg4-bridge/internal/command"
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

func newTestTarget(t *testing.T) (inverterTarget, *bus.Bus) {
	t.Helper()
	b := bus.New()
	dl := mustSerial(t, "DATALOG001")
	e := &command.Engine{
		Bus: b, Matcher: matcher.New(), Cache: registercache.New(),
		Datalog: dl, Inverter: mustSerial(t, "INVERTER01"),
		ReplyTimeout: time.Second, Delay: time.Millisecond,
	}
	return inverterTarget{Datalog: dl.String(), Engine: e, BlockSize: 40}, b
}

func fakeInverter(t *testing.T, e *command.Engine, b *bus.Bus, respond func(packet.Packet) packet.Packet) {
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

func TestDispatchSetHoldOK(t *testing.T) {
	target, b := newTestTarget(t)
	fakeInverter(t, target.Engine, b, func(p packet.Packet) packet.Packet {
		req := p.(packet.TranslatedData)
		return packet.TranslatedData{
			Datalog: req.Datalog, Inverter: req.Inverter,
			DeviceFunction: packet.WriteSingle, Register: req.Register, Values: req.Values,
		}
	})

	reply, err := dispatch(context.Background(), target, parsedCommand{Verb: "set_hold", Arg: "64", HasArg: true}, "50")
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if reply != "OK" {
		t.Fatalf("reply = %q, want OK", reply)
	}
	v, ok := target.Engine.Cache.Read(mustSerial(t, "DATALOG001"), 64)
	if !ok || v != 50 {
		t.Fatalf("cache = (%d, %v), want (50, true)", v, ok)
	}
}

func TestDispatchAcChargeOnOff(t *testing.T) {
	target, b := newTestTarget(t)
	var current uint16
	fakeInverter(t, target.Engine, b, func(p packet.Packet) packet.Packet {
		req := p.(packet.TranslatedData)
		switch req.DeviceFunction {
		case packet.ReadHold:
			return packet.TranslatedData{Datalog: req.Datalog, Inverter: req.Inverter, DeviceFunction: packet.ReadHold, Register: req.Register, Values: []byte{byte(current), byte(current >> 8)}}
		case packet.WriteSingle:
			current = binary.LittleEndian.Uint16(req.Values)
			return packet.TranslatedData{Datalog: req.Datalog, Inverter: req.Inverter, DeviceFunction: packet.WriteSingle, Register: req.Register, Values: req.Values}
		default:
			return nil
		}
	})

	if _, err := dispatch(context.Background(), target, parsedCommand{Verb: "ac_charge"}, "on"); err != nil {
		t.Fatalf("dispatch on: %v", err)
	}
	if current&command.BitAcCharge == 0 {
		t.Fatalf("current = %#04x, want BitAcCharge set", current)
	}

	if _, err := dispatch(context.Background(), target, parsedCommand{Verb: "ac_charge"}, "off"); err != nil {
		t.Fatalf("dispatch off: %v", err)
	}
	if current&command.BitAcCharge != 0 {
		t.Fatalf("current = %#04x, want BitAcCharge cleared", current)
	}
}

func TestDispatchUnknownVerb(t *testing.T) {
	target, _ := newTestTarget(t)
	if _, err := dispatch(context.Background(), target, parsedCommand{Verb: "nonexistent"}, ""); err == nil {
		t.Fatal("dispatch with unknown verb: want error")
	}
}

func TestDispatchSetAcChargeTimeParsesTimeRangePayload(t *testing.T) {
	target, b := newTestTarget(t)
	fakeInverter(t, target.Engine, b, func(p packet.Packet) packet.Packet {
		req := p.(packet.TranslatedData)
		return packet.TranslatedData{
			Datalog: req.Datalog, Inverter: req.Inverter,
			DeviceFunction: packet.WriteSingle, Register: req.Register, Values: req.Values,
		}
	})

	_, err := dispatch(context.Background(), target, parsedCommand{Verb: "set_ac_charge_time", Arg: "1", HasArg: true}, "08:00/17:00")
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	v, ok := target.Engine.Cache.Read(mustSerial(t, "DATALOG001"), 68)
	if !ok {
		t.Fatal("expected register 68 (ac_charge slot 1 start) to be cached")
	}
	if v&0xFF != 8 || v>>8 != 0 {
		t.Fatalf("cached start value = %#04x, want hour=8 minute=0", v)
	}
}
