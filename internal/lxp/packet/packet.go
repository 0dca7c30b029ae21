// Package packet implements the EG4/LXP wire protocol: a proprietary
// TCP-framed dialect that carries a Modbus-like register exchange inside a
// datalog-addressed envelope. See Decode/Encode in codec.go for the framing
// rules; this file defines the packet and register types those functions
// produce and consume.
package packet

import (
	"fmt"

	"github.com/jaredmauch/eg4-bridge/internal/lxp/serial"
)

// FunctionCode is the outer "TCP function" byte identifying which of the
// four packet shapes follows the datalog serial.
type FunctionCode byte

const (
	FunctionHeartbeat      FunctionCode = 0x01
	FunctionTranslatedData FunctionCode = 0x02
	FunctionReadParam      FunctionCode = 0x03
	FunctionWriteParam     FunctionCode = 0x04
)

func (f FunctionCode) String() string {
	switch f {
	case FunctionHeartbeat:
		return "Heartbeat"
	case FunctionTranslatedData:
		return "TranslatedData"
	case FunctionReadParam:
		return "ReadParam"
	case FunctionWriteParam:
		return "WriteParam"
	default:
		return fmt.Sprintf("FunctionCode(%#02x)", byte(f))
	}
}

// DeviceFunction is the inner Modbus-like function code carried by a
// TranslatedData packet's envelope.
type DeviceFunction byte

const (
	ReadHold    DeviceFunction = 0x03
	ReadInput   DeviceFunction = 0x04
	WriteSingle DeviceFunction = 0x06
	WriteMulti  DeviceFunction = 0x10
)

func (d DeviceFunction) String() string {
	switch d {
	case ReadHold:
		return "ReadHold"
	case ReadInput:
		return "ReadInput"
	case WriteSingle:
		return "WriteSingle"
	case WriteMulti:
		return "WriteMulti"
	default:
		return fmt.Sprintf("DeviceFunction(%#02x)", byte(d))
	}
}

// Packet is the tagged-variant wire payload. Every variant carries a
// Datalog serial as a plain field; Kind identifies which concrete type it
// is so callers can type-switch to reach it without reflection.
type Packet interface {
	Kind() FunctionCode
}

// Heartbeat is the simplest variant: a datalog module announcing liveness.
// When heartbeats are enabled the inverter session echoes this back
// unmodified (§4.2).
type Heartbeat struct {
	Datalog serial.Serial
}

func (h Heartbeat) Kind() FunctionCode { return FunctionHeartbeat }

// TranslatedData wraps a Modbus-like register exchange: reads/writes of
// input or holding registers against a specific inverter behind a datalog.
//
// Values' length depends on DeviceFunction and request/reply direction: a
// ReadHold/ReadInput *request* carries the register count as a
// little-endian uint16 in Values; the *reply* carries 2*count bytes of
// register data. A WriteSingle request/reply carries exactly 2 bytes. A
// WriteMulti reply carries 2*n bytes, one pair per written register.
type TranslatedData struct {
	Datalog        serial.Serial
	Inverter       serial.Serial
	DeviceFunction DeviceFunction
	Register       uint16
	Values         []byte
}

func (t TranslatedData) Kind() FunctionCode { return FunctionTranslatedData }

// IsModbusException reports whether Values encodes a Modbus exception
// response (MSB of the first value byte set), and if so the 7-bit error
// code. The codec only surfaces this; classifying/counting it is C7's job
// (spec §4.7 step 1).
func (t TranslatedData) IsModbusException() (code byte, ok bool) {
	if len(t.Values) == 0 {
		return 0, false
	}
	if t.Values[0]&0x80 == 0 {
		return 0, false
	}
	return t.Values[0] & 0x7F, true
}

// RegisterPair is one (register, value) observation decoded from a
// TranslatedData's Values blob.
type RegisterPair struct {
	Register uint16
	Value    uint16
}

// Pairs decodes Values as a sequence of little-endian uint16 register
// values starting at Register, one pair per two bytes. Used for
// ReadHold/ReadInput replies (one pair per requested register) and
// WriteMulti (one pair per written register).
func (t TranslatedData) Pairs() []RegisterPair {
	n := len(t.Values) / 2
	pairs := make([]RegisterPair, 0, n)
	for i := 0; i < n; i++ {
		lo := t.Values[i*2]
		hi := t.Values[i*2+1]
		pairs = append(pairs, RegisterPair{
			Register: t.Register + uint16(i),
			Value:    uint16(lo) | uint16(hi)<<8,
		})
	}
	return pairs
}

// Value decodes Values as a single little-endian uint16, for WriteSingle
// replies which always carry exactly 2 bytes.
func (t TranslatedData) Value() uint16 {
	if len(t.Values) < 2 {
		return 0
	}
	return uint16(t.Values[0]) | uint16(t.Values[1])<<8
}

// ReadParam is a direct parameter read/write exchange outside the
// TranslatedData envelope (no inverter serial, no device function, no
// inner checksum).
type ReadParam struct {
	Datalog  serial.Serial
	Register uint16
	Values   []byte
}

func (r ReadParam) Kind() FunctionCode { return FunctionReadParam }

// WriteParam is ReadParam's write counterpart.
type WriteParam struct {
	Datalog  serial.Serial
	Register uint16
	Values   []byte
}

func (w WriteParam) Kind() FunctionCode { return FunctionWriteParam }

// ModbusError classifies the 7-bit exception code carried in a Modbus
// exception response's first value byte.
type ModbusError byte

const (
	IllegalFunction     ModbusError = 0x01
	IllegalDataAddress  ModbusError = 0x02
	IllegalDataValue    ModbusError = 0x03
	ServerDeviceFailure ModbusError = 0x04
)

// Description returns a human-readable description of the error code, or
// "" if the code is not one of the known Modbus exception codes.
func (e ModbusError) Description() string {
	switch e {
	case IllegalFunction:
		return "illegal function"
	case IllegalDataAddress:
		return "illegal data address"
	case IllegalDataValue:
		return "illegal data value"
	case ServerDeviceFailure:
		return "server device failure"
	default:
		return ""
	}
}

// ModbusErrorFromCode returns the classified error and true if code names a
// known Modbus exception.
func ModbusErrorFromCode(code byte) (ModbusError, bool) {
	e := ModbusError(code)
	if e.Description() == "" {
		return 0, false
	}
	return e, true
}
