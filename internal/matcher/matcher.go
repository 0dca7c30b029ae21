// Package matcher correlates inbound replies with the outstanding request
// that asked for them. At most one request per fingerprint may be in
// flight at a time; late replies that arrive after their waiter has timed
// out are not an error; the coordinator still routes them onward to the
// cache and sinks.
package matcher

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/jaredmauch/eg4-bridge/internal/lxp/packet"
	"github.com/jaredmauch/eg4-bridge/internal/lxp/serial"
)

// ErrDuplicateInFlight is returned by Register when a request with the
// same fingerprint is already awaiting a reply.
var ErrDuplicateInFlight = errors.New("matcher: a request with this fingerprint is already in flight")

// Pseudo device-function values used to fingerprint the ReadParam/
// WriteParam packet families, which carry no real DeviceFunction byte of
// their own. Chosen outside the range of real Modbus-style function codes
// (3, 4, 6, 16) so they can never collide with a TranslatedData
// fingerprint.
const (
	FnReadParam  packet.DeviceFunction = 0xF0
	FnWriteParam packet.DeviceFunction = 0xF1
)

// Fingerprint identifies which in-flight request a reply belongs to: the
// datalog it was sent to, the function it invoked, and the register it
// addressed. The protocol guarantees at most one request per fingerprint
// may be outstanding.
type Fingerprint struct {
	Datalog        serial.Serial
	DeviceFunction packet.DeviceFunction
	Register       uint16
}

// FingerprintOf derives a reply's fingerprint so it can be looked up
// against the waiter table. ok is false for packet types that carry no
// meaningful reply correlation (Heartbeat).
func FingerprintOf(p packet.Packet) (fp Fingerprint, ok bool) {
	switch v := p.(type) {
	case packet.TranslatedData:
		return Fingerprint{Datalog: v.Datalog, DeviceFunction: v.DeviceFunction, Register: v.Register}, true
	case packet.ReadParam:
		return Fingerprint{Datalog: v.Datalog, DeviceFunction: FnReadParam, Register: v.Register}, true
	case packet.WriteParam:
		return Fingerprint{Datalog: v.Datalog, DeviceFunction: FnWriteParam, Register: v.Register}, true
	default:
		return Fingerprint{}, false
	}
}

type waiter struct {
	id     string
	ch     chan packet.Packet
	cancel context.CancelFunc
}

// Matcher owns the table of in-flight waiters.
type Matcher struct {
	mu      sync.Mutex
	waiters map[Fingerprint]*waiter
}

// New returns an empty Matcher.
func New() *Matcher {
	return &Matcher{waiters: make(map[Fingerprint]*waiter)}
}

// Register reserves fp for one in-flight request. The returned channel
// receives at most one reply and is never closed; callers select on ctx
// alongside it to notice cancellation or an elapsed deadline. The returned
// cancel func must
// be called once the caller is done waiting, whether or not a reply
// arrived, to release the fingerprint and the waiter's resources.
func (m *Matcher) Register(ctx context.Context, fp Fingerprint) (<-chan packet.Packet, context.CancelFunc, error) {
	m.mu.Lock()
	if _, busy := m.waiters[fp]; busy {
		m.mu.Unlock()
		return nil, nil, ErrDuplicateInFlight
	}
	ctx, cancel := context.WithCancel(ctx)
	w := &waiter{
		id:     uuid.NewString(),
		ch:     make(chan packet.Packet, 1),
		cancel: cancel,
	}
	m.waiters[fp] = w
	m.mu.Unlock()

	release := func() {
		cancel()
		m.mu.Lock()
		if m.waiters[fp] == w {
			delete(m.waiters, fp)
		}
		m.mu.Unlock()
	}

	go func() {
		<-ctx.Done()
		release()
	}()

	return w.ch, release, nil
}

// Dispatch routes an inbound reply to its waiter, if one is registered. It
// returns true if a waiter consumed it. A false return is not an error:
// the packet may be unsolicited, a heartbeat, or a reply whose waiter
// already timed out; the coordinator still forwards it to the register
// cache and sinks either way.
func (m *Matcher) Dispatch(p packet.Packet) bool {
	fp, ok := FingerprintOf(p)
	if !ok {
		return false
	}

	m.mu.Lock()
	w, found := m.waiters[fp]
	if found {
		delete(m.waiters, fp)
	}
	m.mu.Unlock()

	if !found {
		return false
	}
	select {
	case w.ch <- p:
	default:
		// The waiter's single-slot buffer is already full, meaning it was
		// somehow signalled twice; the first delivery wins.
	}
	w.cancel()
	return true
}

// InFlight reports how many fingerprints currently have a live waiter, for
// diagnostics.
func (m *Matcher) InFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiters)
}
