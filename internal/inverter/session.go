// Package inverter manages one TCP connection to one datalog module: dial,
// reconnect with backoff, frame decode/encode, heartbeat echo, and
// publishing what it reads/disconnects onto the bus.
package inverter

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jaredmauch/eg4-bridge/internal/bus"
	"github.com/jaredmauch/eg4-bridge/internal/lxp/packet"
	"github.com/jaredmauch/eg4-bridge/internal/lxp/serial"
)

// State is the session's connection lifecycle state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

const (
	initialBackoff = time.Second
	maxBackoff     = 60 * time.Second

	defaultReadTimeout = 900 * time.Second
	readBufferSize     = 4096
)

// Config is the subset of an inverter's configuration a Session needs.
// internal/config.Inverter is converted into one of these at startup.
type Config struct {
	Host          string
	Port          int
	Datalog       serial.Serial
	HeartbeatsOn  bool
	ReadTimeout   time.Duration
	TCPNoDelay    bool
}

// Session owns one inverter's TCP connection. It is not safe to start the
// same Session's Run twice concurrently, but Write may be called from any
// goroutine while Run is active.
type Session struct {
	cfg Config
	bus *bus.Bus
	log *logrus.Entry

	mu    sync.Mutex
	conn  net.Conn
	state State
}

// New returns a Session for cfg, publishing onto b. If cfg.ReadTimeout is
// zero the default (900s) is substituted; a read timeout of zero would
// block forever and defeat reconnect detection.
func New(cfg Config, b *bus.Bus, log *logrus.Entry) *Session {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	return &Session{
		cfg: cfg,
		bus: b,
		log: log.WithField("datalog", cfg.Datalog.String()),
	}
}

// State returns the session's current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Run connects, reconnecting with exponential backoff on failure, until
// ctx is cancelled. It never returns an error; failures are logged and
// retried, matching the "keep going" resilience stance of the rest of the
// bridge (spec.md §7's propagation policy: only ConfigInvalid is fatal).
func (s *Session) Run(ctx context.Context) {
	backoff := initialBackoff

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		connectedAt := time.Now()
		err := s.runOnce(ctx)
		if err != nil {
			s.log.WithError(err).Warn("inverter session ended")
		}
		s.setState(Disconnected)
		s.publishDisconnect()

		// Backoff resets only after a session that stayed up for more
		// than 30s; a shorter session keeps doubling it, even if it read
		// frames successfully.
		if time.Since(connectedAt) > 30*time.Second {
			backoff = initialBackoff
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}

func (s *Session) runOnce(ctx context.Context) error {
	s.setState(Connecting)
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	dialer := net.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(s.cfg.TCPNoDelay)
	}

	s.mu.Lock()
	s.conn = conn
	s.state = Connected
	s.mu.Unlock()

	s.log.Info("inverter connected")
	s.bus.FromInverter.Publish(ctx, bus.FromInverter{
		Datalog: s.cfg.Datalog,
		Event:   bus.EventConnected,
	})

	go s.writeLoop(ctx)

	return s.readLoop(ctx, conn)
}

func (s *Session) readLoop(ctx context.Context, conn net.Conn) error {
	reader := bufio.NewReaderSize(conn, readBufferSize)
	var dec packet.Decoder
	buf := make([]byte, readBufferSize)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
			return fmt.Errorf("set read deadline: %w", err)
		}
		n, err := reader.Read(buf)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		pkts, decErr := dec.Feed(buf[:n])
		if decErr != nil {
			s.log.WithError(decErr).Warn("frame decode error, resynchronizing")
		}
		for _, p := range pkts {
			s.handleInbound(ctx, p)
		}
	}
}

func (s *Session) handleInbound(ctx context.Context, p packet.Packet) {
	if hb, ok := p.(packet.Heartbeat); ok && s.cfg.HeartbeatsOn {
		// Heartbeat echo bypasses the command engine entirely: no
		// fingerprint is tracked for it.
		s.Write(ctx, hb)
		return
	}
	s.bus.FromInverter.Publish(ctx, bus.FromInverter{
		Datalog: s.cfg.Datalog,
		Event:   bus.EventPacket,
		Packet:  p,
	})
}

// writeLoop drains to_inverter for this session's datalog and writes each
// packet to the socket.
func (s *Session) writeLoop(ctx context.Context) {
	sub := s.bus.ToInverter.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub:
			if !ok {
				return
			}
			if msg.Datalog != s.cfg.Datalog {
				continue
			}
			s.Write(ctx, msg.Packet)
		}
	}
}

// Write encodes and sends p over the session's current connection. It is
// a no-op (logged) if the session is not currently connected.
func (s *Session) Write(ctx context.Context, p packet.Packet) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		s.log.Warn("dropped write: not connected")
		return
	}

	frame, err := packet.Encode(p)
	if err != nil {
		s.log.WithError(err).Error("encode failed")
		return
	}
	if err := conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		s.log.WithError(err).Warn("set write deadline failed")
		return
	}
	if _, err := conn.Write(frame); err != nil {
		s.log.WithError(err).Warn("write failed")
	}
}

func (s *Session) publishDisconnect() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.bus.FromInverter.Publish(ctx, bus.FromInverter{
		Datalog: s.cfg.Datalog,
		Event:   bus.EventDisconnect,
	})
}
