// Package serial implements the 10-byte alphanumeric serial identifier
// shared by datalog and inverter devices in the LXP wire protocol.
package serial

import (
	"bytes"
	"fmt"
)

// Len is the fixed wire width of a Serial.
const Len = 10

// Serial is a 10-byte ASCII-alphanumeric device identifier. Two logical
// roles exist at the protocol level (datalog, inverter) but share this one
// representation; they compare equal under byte equality.
type Serial [Len]byte

// Zero is the empty/unset serial.
var Zero Serial

// FromBytes copies b into a Serial. b must be exactly Len bytes.
func FromBytes(b []byte) (Serial, error) {
	var s Serial
	if len(b) != Len {
		return s, fmt.Errorf("serial: expected %d bytes, got %d", Len, len(b))
	}
	copy(s[:], b)
	return s, nil
}

// FromString converts a string into a Serial. The input must be exactly
// Len characters; a shorter or longer string is rejected, not padded.
func FromString(str string) (Serial, error) {
	return FromBytes([]byte(str))
}

// String renders the serial's bytes with trailing NUL bytes trimmed;
// other non-printable bytes are not escaped since IsAlphanumeric should be
// checked by callers handling untrusted wire data.
func (s Serial) String() string {
	return string(bytes.TrimRight(s[:], "\x00"))
}

// IsZero reports whether the serial is entirely unset.
func (s Serial) IsZero() bool {
	return s == Zero
}

// IsAlphanumeric reports whether every byte is an ASCII letter or digit.
// Callers treat a non-alphanumeric serial as a sign of a misframed or
// corrupt packet.
func (s Serial) IsAlphanumeric() bool {
	for _, b := range s {
		alnum := (b >= '0' && b <= '9') || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
		if !alnum {
			return false
		}
	}
	return true
}

// MarshalYAML renders the serial as its string form.
func (s Serial) MarshalYAML() (interface{}, error) {
	return s.String(), nil
}

// UnmarshalYAML parses a YAML scalar into a Serial.
func (s *Serial) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var str string
	if err := unmarshal(&str); err != nil {
		return err
	}
	parsed, err := FromString(str)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// MarshalJSON renders the serial as a JSON string, used when publishing
// snapshots to MQTT/Influx/SQL sinks.
func (s Serial) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", s.String())), nil
}
