package session

import "time"

// EventKind enumerates the external SessionEvent vocabulary (§6).
type EventKind uint8

const (
	EventEnabled EventKind = iota
	EventDisabled
	EventSessionStarted
	EventSessionFinished
	EventAuthRequired
	EventAuthorized
	EventDeauthorized
	EventTransactionStarted
	EventTransactionFinished
	EventChargingStarted
	EventChargingPausedEV
	EventChargingPausedEVSE
	EventChargingResumed
	EventChargingFinished
	EventWaitingForEnergy
	EventStoppingCharging
	EventReservationStart
	EventReservationEnd
	EventReplugStarted
	EventReplugFinished
	EventPluginTimeout
	EventSwitchingPhases
	EventPrepareCharging
	EventError
	EventPermanentFault
)

func (k EventKind) String() string {
	switch k {
	case EventEnabled:
		return "Enabled"
	case EventDisabled:
		return "Disabled"
	case EventSessionStarted:
		return "SessionStarted"
	case EventSessionFinished:
		return "SessionFinished"
	case EventAuthRequired:
		return "AuthRequired"
	case EventAuthorized:
		return "Authorized"
	case EventDeauthorized:
		return "Deauthorized"
	case EventTransactionStarted:
		return "TransactionStarted"
	case EventTransactionFinished:
		return "TransactionFinished"
	case EventChargingStarted:
		return "ChargingStarted"
	case EventChargingPausedEV:
		return "ChargingPausedEV"
	case EventChargingPausedEVSE:
		return "ChargingPausedEVSE"
	case EventChargingResumed:
		return "ChargingResumed"
	case EventChargingFinished:
		return "ChargingFinished"
	case EventWaitingForEnergy:
		return "WaitingForEnergy"
	case EventStoppingCharging:
		return "StoppingCharging"
	case EventReservationStart:
		return "ReservationStart"
	case EventReservationEnd:
		return "ReservationEnd"
	case EventReplugStarted:
		return "ReplugStarted"
	case EventReplugFinished:
		return "ReplugFinished"
	case EventPluginTimeout:
		return "PluginTimeout"
	case EventSwitchingPhases:
		return "SwitchingPhases"
	case EventPrepareCharging:
		return "PrepareCharging"
	case EventError:
		return "Error"
	case EventPermanentFault:
		return "PermanentFault"
	default:
		return "Unknown"
	}
}

// SessionEvent is the single external-observer surface (§6).
type SessionEvent struct {
	Kind      EventKind
	Timestamp time.Time
	UUID      string // session or transaction UUID, when applicable
	Payload   any
}

// Publisher is implemented by anything that wants to observe the
// CORE's external event stream. Multiple publishers may be attached;
// delivery order follows the monotonic per-session event ordering
// guaranteed in §5.
type Publisher interface {
	Publish(SessionEvent)
}

// PublisherFunc adapts a function to a Publisher.
type PublisherFunc func(SessionEvent)

// Publish implements Publisher.
func (f PublisherFunc) Publish(e SessionEvent) { f(e) }

// MultiPublisher fans a single event out to every attached Publisher, in
// the order they were attached.
type MultiPublisher struct {
	subs []Publisher
}

// NewMultiPublisher creates a MultiPublisher with the given subscribers.
func NewMultiPublisher(subs ...Publisher) *MultiPublisher {
	return &MultiPublisher{subs: subs}
}

// Add attaches another subscriber.
func (m *MultiPublisher) Add(p Publisher) {
	m.subs = append(m.subs, p)
}

// Publish implements Publisher.
func (m *MultiPublisher) Publish(e SessionEvent) {
	for _, s := range m.subs {
		s.Publish(e)
	}
}
