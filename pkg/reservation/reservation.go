// Package reservation implements §4.7 Reservation: a single active
// reservation per connector, accepted only while Idle and free of a
// fatal error, surfaced as SessionEvent{ReservationStart, ReservationEnd}
// and mirrored to the OCPP-facing ports.ReservationSink.
//
// Grounded on pkg/enabledisable's shape (a small mutex-guarded table with
// a resolve-and-notify method), reduced from a per-source priority table
// to the single-slot reservation §4.7 describes.
package reservation

import (
	"errors"
	"sync"
	"time"

	"github.com/evse-go/evsecore/pkg/ports"
	"github.com/evse-go/evsecore/pkg/session"
)

// ErrNotIdle is returned by Reserve when the connector isn't Idle.
var ErrNotIdle = errors.New("reservation: connector is not idle")

// ErrFatalError is returned by Reserve when a fatal error is active.
var ErrFatalError = errors.New("reservation: fatal error active")

// ErrNotReserved is returned by Cancel when id doesn't match the active
// reservation (or there is none).
var ErrNotReserved = errors.New("reservation: no matching active reservation")

// Manager holds the single active reservation for one connector.
type Manager struct {
	mu       sync.Mutex
	id       string
	reserved bool

	publisher session.Publisher
	sink      ports.ReservationSink
}

// New creates a Manager. publisher and sink are both optional.
func New(publisher session.Publisher, sink ports.ReservationSink) *Manager {
	return &Manager{publisher: publisher, sink: sink}
}

// Reserve accepts reservation id, provided the connector is idle and no
// fatal error is active. Reserving the same id that is already active is
// an idempotent overwrite (no duplicate event, no error); reserving a
// different id replaces the active reservation.
func (m *Manager) Reserve(id string, isIdle, hasFatalError bool) error {
	if !isIdle {
		return ErrNotIdle
	}
	if hasFatalError {
		return ErrFatalError
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.reserved && m.id == id {
		return nil
	}
	m.id = id
	m.reserved = true
	m.publish(session.EventReservationStart, id)
	if m.sink != nil {
		m.sink.NotifyReserved(id)
	}
	return nil
}

// Cancel clears the active reservation if it matches id.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.reserved || m.id != id {
		return ErrNotReserved
	}
	m.clearLocked()
	return nil
}

// CancelOnFault unconditionally clears any active reservation, for the
// automatic cancellation on emergency/error shutdown §4.7 requires. It
// is a no-op if nothing is reserved.
func (m *Manager) CancelOnFault() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reserved {
		m.clearLocked()
	}
}

func (m *Manager) clearLocked() {
	id := m.id
	m.reserved = false
	m.id = ""
	m.publish(session.EventReservationEnd, id)
	if m.sink != nil {
		m.sink.NotifyReservationEnded(id)
	}
}

// Active returns the currently reserved id, if any.
func (m *Manager) Active() (id string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.id, m.reserved
}

func (m *Manager) publish(kind session.EventKind, id string) {
	if m.publisher == nil {
		return
	}
	m.publisher.Publish(session.SessionEvent{Kind: kind, Timestamp: time.Now(), UUID: id})
}
