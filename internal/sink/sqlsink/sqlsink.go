// Package sqlsink persists bus.SinkMessage facts to one or more generic
// SQL backends via gorm, matching the configuration's `databases: []`
// list: every enabled database gets the same row for every message.
package sqlsink

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jaredmauch/eg4-bridge/internal/bus"
	"github.com/jaredmauch/eg4-bridge/internal/registry"
)

// Reading is one persisted observation: a single named field off a
// SinkMessage, decoded through the register catalog when one is
// configured, or the raw field name/value otherwise.
type Reading struct {
	ID        uint      `gorm:"primaryKey"`
	Datalog   string    `gorm:"index"`
	Inverter  string    `gorm:"index"`
	Kind      string    `gorm:"index"`
	Field     string
	Value     float64
	CreatedAt time.Time `gorm:"index"`
}

// Database is one configured SQL backend's connection URL.
type Database struct {
	URL string
}

// Sink subscribes to bus.ToDatabase and writes a Reading row to every
// configured database for every decoded field in each message.
type Sink struct {
	log     *logrus.Entry
	bus     *bus.Bus
	dbs     []*gorm.DB
	catalog *registry.Catalog
}

// New opens a gorm connection per configured database and migrates the
// Reading schema into it. catalog may be nil, in which case readings fall
// back to raw field names.
func New(log *logrus.Entry, b *bus.Bus, databases []Database, catalog *registry.Catalog) (*Sink, error) {
	s := &Sink{log: log, bus: b, catalog: catalog}
	for _, d := range databases {
		db, err := open(d.URL)
		if err != nil {
			return nil, fmt.Errorf("sqlsink: open %s: %w", d.URL, err)
		}
		if err := db.AutoMigrate(&Reading{}); err != nil {
			return nil, fmt.Errorf("sqlsink: migrate %s: %w", d.URL, err)
		}
		s.dbs = append(s.dbs, db)
	}
	return s, nil
}

// open dispatches a database URL to its gorm driver by scheme: "mysql://"
// and "postgres://" select their respective drivers, anything else is
// treated as a sqlite DSN (a bare file path or "file:" URL), matching the
// teacher's own default backend.
func open(url string) (*gorm.DB, error) {
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	switch {
	case strings.HasPrefix(url, "mysql://"):
		return gorm.Open(mysql.Open(strings.TrimPrefix(url, "mysql://")), cfg)
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return gorm.Open(postgres.Open(url), cfg)
	default:
		return gorm.Open(sqlite.Open(url), cfg)
	}
}

// Close releases every underlying database connection.
func (s *Sink) Close() {
	for _, db := range s.dbs {
		sqlDB, err := db.DB()
		if err != nil {
			continue
		}
		sqlDB.Close()
	}
}

// Run consumes bus.ToDatabase until ctx is cancelled or the bus shuts down.
func (s *Sink) Run(ctx context.Context) {
	sub := s.bus.ToDatabase.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.bus.Done():
			return
		case msg, ok := <-sub:
			if !ok {
				return
			}
			s.write(msg)
		}
	}
}

func (s *Sink) write(msg bus.SinkMessage) {
	readings := s.readingsFor(msg)
	if len(readings) == 0 {
		return
	}
	for _, db := range s.dbs {
		if err := db.Create(&readings).Error; err != nil {
			s.log.WithError(err).WithField("datalog", msg.Datalog.String()).Error("sqlsink: write failed")
		}
	}
}

func (s *Sink) readingsFor(msg bus.SinkMessage) []Reading {
	now := time.Now()
	datalog, inverter := msg.Datalog.String(), msg.Inverter.String()

	if pairs, ok := msg.Fields["pairs"].(map[uint16]uint16); ok && s.catalog != nil {
		decoded := s.catalog.Decode(pairs)
		out := make([]Reading, 0, len(decoded))
		for name, value := range decoded {
			out = append(out, Reading{Datalog: datalog, Inverter: inverter, Kind: msg.Kind, Field: name, Value: value, CreatedAt: now})
		}
		return out
	}

	out := make([]Reading, 0, len(msg.Fields))
	for name, value := range msg.Fields {
		if name == "pairs" {
			continue
		}
		f, ok := numeric(value)
		if !ok {
			continue
		}
		out = append(out, Reading{Datalog: datalog, Inverter: inverter, Kind: msg.Kind, Field: name, Value: f, CreatedAt: now})
	}
	return out
}

// numeric converts a plain number (uint16, uint32, int or float64) from
// msg.Fields into a float64, reporting false for anything else, such as
// the []byte "values" field.
func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case int:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
