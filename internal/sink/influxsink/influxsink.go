// Package influxsink writes bus.SinkMessage facts to InfluxDB as
// line-protocol points, one field per decoded register.
package influxsink

import (
	"context"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sirupsen/logrus"

	"github.com/jaredmauch/eg4-bridge/internal/bus"
	"github.com/jaredmauch/eg4-bridge/internal/registry"
)

// measurement is the fixed InfluxDB measurement name every point is
// written under, matching the original's MEASUREMENT constant.
const measurement = "eg4_inverter"

const (
	maxRetries = 3
	retryDelay = 10 * time.Second
)

// Config is the subset of influx configuration the sink's client needs.
type Config struct {
	URL      string
	Token    string
	Org      string
	Database string
}

// Sink subscribes to bus.ToInflux and writes each SinkMessage as one point
// per decoded field, making at most maxRetries write attempts per message
// and waiting a fixed retryDelay after each failed one, mirroring the
// original's sender loop.
type Sink struct {
	log     *logrus.Entry
	bus     *bus.Bus
	client  influxdb2.Client
	writer  api
	org     string
	db      string
	catalog *registry.Catalog
}

// api is the subset of the influxdb2 write API the sink uses, narrowed so
// tests can substitute a fake. Matches api.WriteAPIBlocking's variadic
// WritePoint signature.
type api interface {
	WritePoint(ctx context.Context, points ...*write.Point) error
}

// New builds a Sink. catalog may be nil, in which case every field of a
// message except "pairs" is written under its own name, with no scale
// factor applied.
func New(log *logrus.Entry, b *bus.Bus, cfg Config, catalog *registry.Catalog) *Sink {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &Sink{
		log:     log,
		bus:     b,
		client:  client,
		writer:  client.WriteAPIBlocking(cfg.Org, cfg.Database),
		org:     cfg.Org,
		db:      cfg.Database,
		catalog: catalog,
	}
}

// Close releases the underlying HTTP client.
func (s *Sink) Close() {
	s.client.Close()
}

// Run consumes bus.ToInflux until ctx is cancelled or the bus shuts down.
func (s *Sink) Run(ctx context.Context) {
	sub := s.bus.ToInflux.Subscribe()
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
			s.writeWithRetry(ctx, msg)
		}
	}
}

func (s *Sink) writeWithRetry(ctx context.Context, msg bus.SinkMessage) {
	points := s.pointsFor(msg)
	if len(points) == 0 {
		return
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		lastErr = s.writeAll(ctx, points)
		if lastErr == nil {
			return
		}
		s.log.WithError(lastErr).WithFields(logrus.Fields{
			"datalog": msg.Datalog.String(), "attempt": attempt,
		}).Warn("influxsink: write failed, retrying")
		select {
		case <-ctx.Done():
			return
		case <-time.After(retryDelay):
		}
	}
	s.log.WithError(lastErr).WithField("datalog", msg.Datalog.String()).Error("influxsink: write failed after all retries")
}

func (s *Sink) writeAll(ctx context.Context, points []*write.Point) error {
	return s.writer.WritePoint(ctx, points...)
}

// pointsFor renders one line-protocol point per decoded field, tagged
// with serial/datalog. When msg carries a "pairs" field (the coordinator
// attaches one to every hold/input SinkMessage) and a register catalog is
// configured, each named field from the catalog becomes its own point;
// otherwise every other field in msg.Fields is written as-is, one point
// per field, the fallback the original used when it had no register
// parser configured.
func (s *Sink) pointsFor(msg bus.SinkMessage) []*write.Point {
	tags := map[string]string{
		"serial":  msg.Inverter.String(),
		"datalog": msg.Datalog.String(),
	}
	now := time.Now()

	if pairs, ok := msg.Fields["pairs"].(map[uint16]uint16); ok && s.catalog != nil {
		decoded := s.catalog.Decode(pairs)
		points := make([]*write.Point, 0, len(decoded))
		for name, value := range decoded {
			points = append(points, influxdb2.NewPoint(measurement, tags, map[string]interface{}{name: value}, now))
		}
		return points
	}

	points := make([]*write.Point, 0, len(msg.Fields))
	for name, value := range msg.Fields {
		if name == "pairs" {
			continue
		}
		points = append(points, influxdb2.NewPoint(measurement, tags, map[string]interface{}{name: value}, now))
	}
	return points
}
