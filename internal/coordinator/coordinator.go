// Package coordinator implements the validation pipeline and fan-out that
// sits between inverter sessions and the downstream sinks: every decoded
// packet passes through here before it reaches the register cache, MQTT,
// InfluxDB, or SQL.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jaredmauch/eg4-bridge/internal/bus"
	"github.com/jaredmauch/eg4-bridge/internal/command"
	"github.com/jaredmauch/eg4-bridge/internal/lxp/packet"
	"github.com/jaredmauch/eg4-bridge/internal/lxp/serial"
	"github.com/jaredmauch/eg4-bridge/internal/matcher"
	"github.com/jaredmauch/eg4-bridge/internal/registercache"
	"github.com/jaredmauch/eg4-bridge/internal/registry"
)

// bufferDrainThreshold matches the original's BUFFER_CLEAR_THRESHOLD: once
// a datalog's running count of undispatched bytes crosses this, the
// coordinator logs and resets the counter rather than letting it grow
// unbounded across a noisy connection.
const bufferDrainThreshold = 1024

// InverterInfo is the subset of an inverter's configuration the
// coordinator needs to validate and snapshot it.
type InverterInfo struct {
	Datalog                  serial.Serial
	Serial                   serial.Serial
	BlockSize                uint16
	PublishHoldingsOnConnect bool
	ReadOnly                 bool
	Verbose                  bool
}

// Coordinator owns the validation pipeline, the per-inverter input page
// assembly, and the fan-out to sinks.
type Coordinator struct {
	Bus     *bus.Bus
	Matcher *matcher.Matcher
	Cache   *registercache.Cache
	Stats   *Stats
	Log     *logrus.Entry

	mu          sync.Mutex
	inverters   map[serial.Serial]InverterInfo
	engines     map[serial.Serial]*command.Engine
	disconnects map[serial.Serial]context.CancelFunc
	bufferBytes map[serial.Serial]int

	inputsStore *packet.InputsStore
}

// New returns a Coordinator with empty registries.
func New(b *bus.Bus, m *matcher.Matcher, cache *registercache.Cache, stats *Stats, log *logrus.Entry) *Coordinator {
	return &Coordinator{
		Bus:         b,
		Matcher:     m,
		Cache:       cache,
		Stats:       stats,
		Log:         log,
		inverters:   make(map[serial.Serial]InverterInfo),
		engines:     make(map[serial.Serial]*command.Engine),
		disconnects: make(map[serial.Serial]context.CancelFunc),
		bufferBytes: make(map[serial.Serial]int),
		inputsStore: packet.NewInputsStore(),
	}
}

// RegisterInverter makes info known to the coordinator and builds the
// command.Engine it uses to drive that inverter's on-connect snapshot.
func (c *Coordinator) RegisterInverter(info InverterInfo, delay time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inverters[info.Datalog] = info
	c.engines[info.Datalog] = &command.Engine{
		Bus:      c.Bus,
		Matcher:  c.Matcher,
		Cache:    c.Cache,
		Datalog:  info.Datalog,
		Inverter: info.Serial,
		ReadOnly: info.ReadOnly,
		Delay:    delay,
	}
}

// RegisterDisconnectFunc lets an inverter session register the cancel func
// that tears down its own connection, so the coordinator can force a
// reconnect when it detects a serial mismatch (validation step 3).
func (c *Coordinator) RegisterDisconnectFunc(datalog serial.Serial, cancel context.CancelFunc) {
	c.mu.Lock()
	c.disconnects[datalog] = cancel
	c.mu.Unlock()
}

// Engine returns the command.Engine built for datalog by RegisterInverter,
// so a scheduler tick or the MQTT command router can issue commands
// against it directly.
func (c *Coordinator) Engine(datalog serial.Serial) (*command.Engine, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.engines[datalog]
	return e, ok
}

func (c *Coordinator) engineFor(datalog serial.Serial) (*command.Engine, InverterInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.engines[datalog]
	if !ok {
		return nil, InverterInfo{}, false
	}
	return e, c.inverters[datalog], true
}

// Run subscribes to from_inverter and processes every message until ctx
// is cancelled or the bus shuts down.
func (c *Coordinator) Run(ctx context.Context) {
	sub := c.Bus.FromInverter.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.Bus.Done():
			return
		case msg, ok := <-sub:
			if !ok {
				return
			}
			c.handle(ctx, msg)
		}
	}
}

func (c *Coordinator) handle(ctx context.Context, msg bus.FromInverter) {
	switch msg.Event {
	case bus.EventConnected:
		c.Log.WithField("datalog", msg.Datalog.String()).Info("inverter connected")
		go c.onConnect(ctx, msg.Datalog)

	case bus.EventDisconnect:
		c.Stats.IncrementInverterDisconnections()
		c.inputsStore.Reset(msg.Datalog)
		c.Log.WithField("datalog", msg.Datalog.String()).Warn("inverter disconnected")

	case bus.EventPacket:
		c.Stats.IncrementPacketsReceived()
		c.trackBuffer(msg.Datalog, msg.Packet)
		c.processPacket(ctx, msg.Datalog, msg.Packet)
	}
}

// trackBuffer approximates the original's raw-byte buffer accounting using
// each decoded packet's encoded size, since frame decoding already
// happens inside internal/inverter rather than here.
func (c *Coordinator) trackBuffer(datalog serial.Serial, p packet.Packet) {
	frame, err := packet.Encode(p)
	if err != nil {
		return
	}
	c.mu.Lock()
	c.bufferBytes[datalog] += len(frame)
	over := c.bufferBytes[datalog] >= bufferDrainThreshold
	if over {
		c.bufferBytes[datalog] = 0
	}
	c.mu.Unlock()
	if over {
		c.Log.WithField("datalog", datalog.String()).Debug("from_inverter buffer threshold reached, draining")
	}
}

// processPacket runs the four-step validation pipeline for TranslatedData
// and routes every other packet kind straight to stats.
func (c *Coordinator) processPacket(ctx context.Context, datalog serial.Serial, p packet.Packet) {
	c.Matcher.Dispatch(p)

	switch v := p.(type) {
	case packet.Heartbeat:
		c.Stats.IncrementHeartbeatsReceived()

	case packet.ReadParam:
		c.Stats.IncrementReadParamReceived()

	case packet.WriteParam:
		c.Stats.IncrementWriteParamReceived()

	case packet.TranslatedData:
		c.Stats.IncrementTranslatedReceived()
		c.processTranslated(ctx, datalog, v)
	}
}

func (c *Coordinator) processTranslated(ctx context.Context, datalog serial.Serial, td packet.TranslatedData) {
	// Step 1: Modbus exception check.
	if code, isErr := td.IsModbusException(); isErr {
		c.Stats.IncrementModbusExceptions()
		merr, known := packet.ModbusErrorFromCode(code)
		desc := "unknown"
		if known {
			desc = merr.Description()
		}
		c.Log.WithFields(logrus.Fields{
			"datalog": datalog.String(), "register": td.Register, "code": code,
		}).Warnf("modbus exception: %s", desc)
		return
	}

	// Step 2: serial alphanumeric check.
	if !td.Inverter.IsAlphanumeric() {
		c.Stats.IncrementMalformedFrames()
		c.Log.WithField("datalog", datalog.String()).Warn("non-alphanumeric inverter serial, dropping frame")
		return
	}

	// Step 3: serial-matches-config check.
	info, _, found := c.infoFor(datalog)
	if found && !info.Serial.IsZero() && info.Serial != td.Inverter {
		c.Stats.IncrementSerialMismatches()
		c.Stats.IncrementInverterDisconnections()
		c.Log.WithFields(logrus.Fields{
			"datalog": datalog.String(), "expected": info.Serial.String(), "got": td.Inverter.String(),
		}).Error("inverter serial mismatch, forcing reconnect")
		c.requestDisconnect(datalog)
		return
	}

	// Step 4: dispatch by device function.
	switch td.DeviceFunction {
	case packet.ReadInput:
		c.handleReadInput(datalog, td)
	case packet.ReadHold:
		c.handleReadHold(datalog, td, info)
	case packet.WriteSingle:
		c.handleWriteSingle(datalog, td)
	case packet.WriteMulti:
		c.handleWriteMulti(datalog, td)
	}
}

func (c *Coordinator) infoFor(datalog serial.Serial) (InverterInfo, *command.Engine, bool) {
	e, info, ok := c.engineFor(datalog)
	return info, e, ok
}

func (c *Coordinator) requestDisconnect(datalog serial.Serial) {
	c.mu.Lock()
	cancel, ok := c.disconnects[datalog]
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

func (c *Coordinator) handleReadInput(datalog serial.Serial, td packet.TranslatedData) {
	page := inputPageFor(td.Register)
	ready := c.inputsStore.Put(datalog, page, td)
	c.publishSink(datalog, td.Inverter, "input", map[string]any{
		"register": td.Register,
		"page":     int(page),
		"values":   td.Values,
		"pairs":    pairsMap(td.Pairs()),
	})
	if ready {
		snap := c.inputsStore.Snapshot(datalog)
		merged := make(map[uint16]uint16)
		for _, page := range snap {
			for reg, val := range pairsMap(page.Pairs()) {
				merged[reg] = val
			}
		}
		c.publishSink(datalog, td.Inverter, "input_snapshot", map[string]any{
			"pages": len(snap),
			"pairs": merged,
		})
	}
}

// inputPageFor maps a ReadInput request's starting register onto one of
// the six page slots, assuming each page covers 40 consecutive registers
// as the default register_block_size does.
func inputPageFor(register uint16) packet.InputPage {
	page := packet.InputPage(register/40 + 1)
	if page > packet.InputPage6 {
		page = packet.InputPage6
	}
	if page < packet.InputPage1 {
		page = packet.InputPage1
	}
	return page
}

func (c *Coordinator) handleReadHold(datalog serial.Serial, td packet.TranslatedData, info InverterInfo) {
	for _, pair := range td.Pairs() {
		c.Cache.Write(datalog, pair.Register, pair.Value)
		if info.Verbose {
			c.Log.WithFields(logrus.Fields{
				"datalog": datalog.String(), "register": pair.Register,
			}).Debug(registry.Describe(pair.Register, pair.Value))
		}
	}
	c.publishSink(datalog, td.Inverter, "hold", map[string]any{
		"register": td.Register,
		"values":   td.Values,
		"pairs":    pairsMap(td.Pairs()),
	})
}

func (c *Coordinator) handleWriteSingle(datalog serial.Serial, td packet.TranslatedData) {
	c.Cache.Write(datalog, td.Register, td.Value())
	c.publishSink(datalog, td.Inverter, "write_confirmation", map[string]any{
		"register": td.Register,
		"value":    td.Value(),
	})
}

func (c *Coordinator) handleWriteMulti(datalog serial.Serial, td packet.TranslatedData) {
	for _, pair := range td.Pairs() {
		c.Cache.Write(datalog, pair.Register, pair.Value)
	}
	c.publishSink(datalog, td.Inverter, "write_multi_confirmation", map[string]any{
		"register": td.Register,
		"count":    len(td.Pairs()),
		"pairs":    pairsMap(td.Pairs()),
	})
}

// pairsMap converts a decoded register-pair slice into the
// register->value map the register catalog and the downstream sinks
// expect.
func pairsMap(pairs []packet.RegisterPair) map[uint16]uint16 {
	out := make(map[uint16]uint16, len(pairs))
	for _, p := range pairs {
		out[p.Register] = p.Value
	}
	return out
}

func (c *Coordinator) publishSink(datalog, inverter serial.Serial, kind string, fields map[string]any) {
	msg := bus.SinkMessage{Datalog: datalog, Inverter: inverter, Kind: kind, Fields: fields}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	c.Bus.ToMQTT.Publish(ctx, msg)
	c.Bus.ToInflux.Publish(ctx, msg)
	c.Bus.ToDatabase.Publish(ctx, msg)
}
