package coordinator

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

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

func newTestCoordinator(t *testing.T) (*Coordinator, serial.Serial, serial.Serial) {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	b := bus.New()
	c := New(b, matcher.New(), registercache.New(), NewStats(time.Now()), logrus.NewEntry(log))

	dl := mustSerial(t, "DATALOG001")
	inv := mustSerial(t, "INVERTER01")
	c.RegisterInverter(InverterInfo{Datalog: dl, Serial: inv, BlockSize: 40}, 0)
	return c, dl, inv
}

func TestModbusExceptionStopsPipeline(t *testing.T) {
	c, dl, inv := newTestCoordinator(t)
	td := packet.TranslatedData{Datalog: dl, Inverter: inv, DeviceFunction: packet.ReadHold, Register: 0, Values: []byte{0x82, 0}}
	c.processTranslated(context.Background(), dl, td)
	if c.Stats.ModbusExceptions != 1 {
		t.Fatalf("ModbusExceptions = %d, want 1", c.Stats.ModbusExceptions)
	}
	if _, ok := c.Cache.Read(dl, 0); ok {
		t.Fatal("cache was written despite a modbus exception reply")
	}
}

func TestNonAlphanumericSerialDropped(t *testing.T) {
	c, dl, _ := newTestCoordinator(t)
	var badInv serial.Serial
	copy(badInv[:], []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9})
	td := packet.TranslatedData{Datalog: dl, Inverter: badInv, DeviceFunction: packet.ReadHold, Register: 0, Values: []byte{1, 0}}
	c.processTranslated(context.Background(), dl, td)
	if c.Stats.MalformedFrames != 1 {
		t.Fatalf("MalformedFrames = %d, want 1", c.Stats.MalformedFrames)
	}
}

func TestSerialMismatchRequestsDisconnect(t *testing.T) {
	c, dl, _ := newTestCoordinator(t)
	wrongInv := mustSerial(t, "WRONGSERIA")

	disconnected := make(chan struct{}, 1)
	c.RegisterDisconnectFunc(dl, func() { disconnected <- struct{}{} })

	td := packet.TranslatedData{Datalog: dl, Inverter: wrongInv, DeviceFunction: packet.ReadHold, Register: 0, Values: []byte{1, 0}}
	c.processTranslated(context.Background(), dl, td)

	if c.Stats.SerialMismatches != 1 {
		t.Fatalf("SerialMismatches = %d, want 1", c.Stats.SerialMismatches)
	}
	select {
	case <-disconnected:
	case <-time.After(time.Second):
		t.Fatal("disconnect func was not called")
	}
}

func TestReadHoldWritesCache(t *testing.T) {
	c, dl, inv := newTestCoordinator(t)
	td := packet.TranslatedData{Datalog: dl, Inverter: inv, DeviceFunction: packet.ReadHold, Register: 10, Values: []byte{5, 0, 6, 0}}
	c.processTranslated(context.Background(), dl, td)

	v, ok := c.Cache.Read(dl, 10)
	if !ok || v != 5 {
		t.Fatalf("register 10 = (%d, %v), want (5, true)", v, ok)
	}
	v, ok = c.Cache.Read(dl, 11)
	if !ok || v != 6 {
		t.Fatalf("register 11 = (%d, %v), want (6, true)", v, ok)
	}
}

func TestInputSnapshotEmitsOnceRegardlessOfOrder(t *testing.T) {
	c, dl, inv := newTestCoordinator(t)

	page := func(start uint16) packet.TranslatedData {
		return packet.TranslatedData{Datalog: dl, Inverter: inv, DeviceFunction: packet.ReadInput, Register: start, Values: []byte{1, 0}}
	}

	// Deliver pages 2, 1, 3 out of order: ready only after the third.
	r2 := c.inputsStore.Put(inv, inputPageFor(40), page(40))
	if r2 {
		t.Fatal("ready after page 2 alone")
	}
	r1 := c.inputsStore.Put(inv, inputPageFor(0), page(0))
	if r1 {
		t.Fatal("ready after pages 1,2")
	}
	r3 := c.inputsStore.Put(inv, inputPageFor(80), page(80))
	if !r3 {
		t.Fatal("not ready once pages 1,2,3 are all present")
	}

	// Redelivering page 1 must not signal ready again.
	if c.inputsStore.Put(inv, inputPageFor(0), page(0)) {
		t.Fatal("redelivery of page 1 signaled ready again")
	}
}

func TestWriteSingleWritesCache(t *testing.T) {
	c, dl, inv := newTestCoordinator(t)
	td := packet.TranslatedData{Datalog: dl, Inverter: inv, DeviceFunction: packet.WriteSingle, Register: 64, Values: []byte{42, 0}}
	c.processTranslated(context.Background(), dl, td)

	v, ok := c.Cache.Read(dl, 64)
	if !ok || v != 42 {
		t.Fatalf("register 64 = (%d, %v), want (42, true)", v, ok)
	}
}
