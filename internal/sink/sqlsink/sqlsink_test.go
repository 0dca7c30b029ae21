package sqlsink

import (
	"testing"

	"github.com/jaredmauch/eg4-bridge/internal/bus"
	"github.com/jaredmauch/eg4-bridge/internal/lxp/serial"
	"github.com/jaredmauch/eg4-bridge/internal/registry"
)

func mustSerial(t *testing.T, s string) serial.Serial {
	t.Helper()
	v, err := serial.FromString(s)
	if err != nil {
		t.Fatalf("serial.FromString(%q): %v", s, err)
	}
	return v
}

func TestReadingsForUsesCatalogWhenPairsPresent(t *testing.T) {
	cat := &registry.Catalog{Fields: []registry.FieldDef{
		{Name: "soc", Register: 10, Width: 1, Scale: 1},
	}}
	s := &Sink{catalog: cat}

	msg := bus.SinkMessage{
		Datalog:  mustSerial(t, "DATALOG001"),
		Inverter: mustSerial(t, "INVERTER01"),
		Kind:     "input",
		Fields:   map[string]any{"pairs": map[uint16]uint16{10: 80}},
	}
	readings := s.readingsFor(msg)
	if len(readings) != 1 {
		t.Fatalf("len(readings) = %d, want 1", len(readings))
	}
	if readings[0].Field != "soc" || readings[0].Value != 80 {
		t.Fatalf("readings[0] = %+v, want Field=soc Value=80", readings[0])
	}
}

func TestReadingsForFallsBackToRawNumericFieldsWithoutCatalog(t *testing.T) {
	s := &Sink{}

	msg := bus.SinkMessage{
		Datalog:  mustSerial(t, "DATALOG001"),
		Inverter: mustSerial(t, "INVERTER01"),
		Kind:     "write_confirmation",
		Fields: map[string]any{
			"register": uint16(64),
			"value":    uint16(50),
		},
	}
	readings := s.readingsFor(msg)
	if len(readings) != 2 {
		t.Fatalf("len(readings) = %d, want 2", len(readings))
	}
}

func TestReadingsForSkipsNonNumericFallbackFields(t *testing.T) {
	s := &Sink{}

	msg := bus.SinkMessage{
		Datalog:  mustSerial(t, "DATALOG001"),
		Inverter: mustSerial(t, "INVERTER01"),
		Kind:     "input",
		Fields: map[string]any{
			"values": []byte{1, 2, 3},
			"page":   2,
		},
	}
	readings := s.readingsFor(msg)
	if len(readings) != 1 || readings[0].Field != "page" {
		t.Fatalf("readings = %+v, want exactly one reading for the numeric \"page\" field", readings)
	}
}

func TestReadingsForEmptyFieldsProducesNoRows(t *testing.T) {
	s := &Sink{}
	msg := bus.SinkMessage{
		Datalog:  mustSerial(t, "DATALOG001"),
		Inverter: mustSerial(t, "INVERTER01"),
		Kind:     "empty",
		Fields:   map[string]any{},
	}
	if readings := s.readingsFor(msg); len(readings) != 0 {
		t.Fatalf("readings = %+v, want none", readings)
	}
}

func TestOpenFallsBackToSqliteForOtherURLs(t *testing.T) {
	// sqlite is the only backend safe to actually open in a unit test
	// (in-memory, no network); this covers open's sqlite fallback branch
	// only, not the mysql/postgres branches.
	db, err := open(":memory:")
	if err != nil {
		t.Fatalf("open(:memory:): %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db.DB(): %v", err)
	}
	defer sqlDB.Close()
	if err := sqlDB.Ping(); err != nil {
		t.Fatalf("ping: %v", err)
	}
}
