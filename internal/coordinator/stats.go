package coordinator

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Stats counts the coordinator's lifetime activity, mirroring the original
// PacketStats shape plus a StartedAt/Uptime addition for the summary log.
type Stats struct {
	mu sync.Mutex

	StartedAt time.Time

	PacketsReceived    uint64
	PacketsSent        uint64
	HeartbeatsReceived uint64
	TranslatedReceived uint64
	ReadParamReceived  uint64
	WriteParamReceived uint64

	ModbusExceptions   uint64
	SerialMismatches   uint64
	InverterDisconnections uint64
	MalformedFrames    uint64

	MqttMessagesSent uint64
	MqttErrors       uint64
	InfluxWrites     uint64
	InfluxErrors     uint64
	DatabaseWrites   uint64
	DatabaseErrors   uint64
}

// NewStats returns a Stats with StartedAt set to now.
func NewStats(now time.Time) *Stats {
	return &Stats{StartedAt: now}
}

func (s *Stats) incr(field *uint64) {
	s.mu.Lock()
	*field++
	s.mu.Unlock()
}

func (s *Stats) IncrementPacketsReceived()    { s.incr(&s.PacketsReceived) }
func (s *Stats) IncrementPacketsSent()        { s.incr(&s.PacketsSent) }
func (s *Stats) IncrementHeartbeatsReceived() { s.incr(&s.HeartbeatsReceived) }
func (s *Stats) IncrementTranslatedReceived() { s.incr(&s.TranslatedReceived) }
func (s *Stats) IncrementReadParamReceived()  { s.incr(&s.ReadParamReceived) }
func (s *Stats) IncrementWriteParamReceived() { s.incr(&s.WriteParamReceived) }
func (s *Stats) IncrementModbusExceptions()   { s.incr(&s.ModbusExceptions) }
func (s *Stats) IncrementSerialMismatches()   { s.incr(&s.SerialMismatches) }
func (s *Stats) IncrementInverterDisconnections() { s.incr(&s.InverterDisconnections) }
func (s *Stats) IncrementMalformedFrames()    { s.incr(&s.MalformedFrames) }
func (s *Stats) IncrementMqttMessagesSent()   { s.incr(&s.MqttMessagesSent) }
func (s *Stats) IncrementMqttErrors()         { s.incr(&s.MqttErrors) }
func (s *Stats) IncrementInfluxWrites()       { s.incr(&s.InfluxWrites) }
func (s *Stats) IncrementInfluxErrors()       { s.incr(&s.InfluxErrors) }
func (s *Stats) IncrementDatabaseWrites()     { s.incr(&s.DatabaseWrites) }
func (s *Stats) IncrementDatabaseErrors()     { s.incr(&s.DatabaseErrors) }

// Uptime reports how long since StartedAt.
func (s *Stats) Uptime() time.Duration {
	return time.Since(s.StartedAt)
}

// LogSummary emits one structured log line per counter, the Go
// counterpart of the original's print_summary.
func (s *Stats) LogSummary(log *logrus.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	log.WithFields(logrus.Fields{
		"uptime":                  s.Uptime().Round(time.Second).String(),
		"packets_received":        s.PacketsReceived,
		"packets_sent":            s.PacketsSent,
		"heartbeats_received":     s.HeartbeatsReceived,
		"translated_received":     s.TranslatedReceived,
		"read_param_received":     s.ReadParamReceived,
		"write_param_received":    s.WriteParamReceived,
		"modbus_exceptions":       s.ModbusExceptions,
		"serial_mismatches":       s.SerialMismatches,
		"inverter_disconnections": s.InverterDisconnections,
		"malformed_frames":        s.MalformedFrames,
		"mqtt_messages_sent":      s.MqttMessagesSent,
		"mqtt_errors":             s.MqttErrors,
		"influx_writes":           s.InfluxWrites,
		"influx_errors":           s.InfluxErrors,
		"database_writes":         s.DatabaseWrites,
		"database_errors":         s.DatabaseErrors,
	}).Info("coordinator stats summary")
}

// String renders a one-line summary for non-structured output (CLI
// status commands).
func (s *Stats) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf(
		"uptime=%s packets_received=%d packets_sent=%d disconnections=%d mqtt_errors=%d influx_errors=%d",
		s.Uptime().Round(time.Second), s.PacketsReceived, s.PacketsSent, s.InverterDisconnections, s.MqttErrors, s.InfluxErrors,
	)
}
