// Package erroragg implements the Error Aggregator (§4.3): it collects
// normalized HardwareError reports from every collaborator (BSP,
// connector lock, RCD, isolation monitor, DC supply, power meter,
// over-voltage monitor) plus the Charger's own direct error surfaces,
// classifies each one blocking or tolerable via a per-source ignore
// list, and composes the single Inoperative signal the Charger gates
// on.
//
// Grounded on pkg/zone.MultiZoneValue: same per-key active-entry table
// and recompute-on-every-mutation shape, here keyed by (source, type)
// instead of by zone ID, with a boolean "any non-ignored entry active"
// resolution in place of ResolveLimits' numeric one.
package erroragg

import (
	"fmt"
	"sync"
	"time"

	"github.com/evse-go/evsecore/pkg/session"
)

// Direct error surfaces raised by the Charger/session logic itself
// rather than by a hardware collaborator (§4.3 "Direct error surfaces").
const (
	SourceOvercurrent       = "Overcurrent"       // MREC4
	SourceInternal          = "Internal"
	SourceAuthTimeout       = "AuthorizationTimeout" // MREC9
	SourceMeterTransaction  = "PowermeterTransactionStartFailed"
	SourceIsolationFault    = "IsolationResistanceFault" // MREC22
	SourceCableCheckFault   = "CableCheckFault"           // MREC11
	SourceOvervoltage       = "DCOvervoltage"             // §4.6 Over-Voltage Supervision
)

// key identifies one error instance: a source module plus the specific
// error type it raised. A source can have more than one type active at
// once (e.g. BSP reporting both a derate warning and a fault).
type key struct {
	source string
	typ    string
}

// Aggregator holds the active-error table and the composed Inoperative
// state derived from it.
type Aggregator struct {
	mu sync.Mutex

	// ignoreList maps source -> set of error types that never block
	// charging (§4.3: "a per-source ignore list").
	ignoreList map[string]map[string]bool

	active map[key]session.HardwareError

	inoperative       bool
	inoperativeActive bool // suppresses duplicate raises

	onInoperative func(err session.HardwareError)
	onCleared     func()
	onAllClear    func()
}

// New creates an Aggregator with the given per-source ignore list.
// ignoreList may be nil.
func New(ignoreList map[string]map[string]bool) *Aggregator {
	if ignoreList == nil {
		ignoreList = make(map[string]map[string]bool)
	}
	return &Aggregator{
		ignoreList: ignoreList,
		active:     make(map[key]session.HardwareError),
	}
}

// OnInoperative registers the callback fired on the non-blocking→blocking
// edge (§4.3 "Raising Inoperative").
func (a *Aggregator) OnInoperative(fn func(err session.HardwareError)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onInoperative = fn
}

// OnCleared registers the callback fired when the aggregate becomes
// empty of blocking errors (§4.3 "Clearing").
func (a *Aggregator) OnCleared(fn func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onCleared = fn
}

// OnAllClear registers the callback fired when every active error,
// blocking or tolerable, has cleared.
func (a *Aggregator) OnAllClear(fn func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onAllClear = fn
}

// Raise records an active error and re-evaluates the composite.
func (a *Aggregator) Raise(source, typ, subtype, vendorID string, severity session.Severity) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ignored := a.ignoreList[source] != nil && a.ignoreList[source][typ]
	a.active[key{source, typ}] = session.HardwareError{
		Source: source, Type: typ, Subtype: subtype, VendorID: vendorID,
		Severity: severity, RaisedAt: time.Now(), Ignored: ignored,
	}
	a.recompute()
}

// Clear removes a specific (source, type) error and re-evaluates.
func (a *Aggregator) Clear(source, typ string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.active, key{source, typ})
	a.recompute()
}

// ClearSource removes every active error from source, e.g. when that
// collaborator reports a full reset.
func (a *Aggregator) ClearSource(source string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for k := range a.active {
		if k.source == source {
			delete(a.active, k)
		}
	}
	a.recompute()
}

// ClearOnPlugOut drops the transient error classes §4.3's Recovery
// paragraph names as cleared by a plug-out: overcurrent, MREC9,
// transaction-start-failed, internal, and any cable-check error (a new
// session re-runs cable-check from scratch).
func (a *Aggregator) ClearOnPlugOut() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for k := range a.active {
		switch k.typ {
		case SourceOvercurrent, SourceAuthTimeout, SourceMeterTransaction, SourceInternal, SourceCableCheckFault:
			delete(a.active, k)
		}
	}
	a.recompute()
}

// Inoperative reports the current composite blocking state.
func (a *Aggregator) Inoperative() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inoperative
}

// Active returns a snapshot of every currently active error (blocking or
// tolerable), for diagnostics.
func (a *Aggregator) Active() []session.HardwareError {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]session.HardwareError, 0, len(a.active))
	for _, e := range a.active {
		out = append(out, e)
	}
	return out
}

// recompute re-derives the blocking composite and fires the edge
// callbacks. Must be called with a.mu held.
func (a *Aggregator) recompute() {
	var blocking []session.HardwareError
	for _, e := range a.active {
		if !e.Ignored {
			blocking = append(blocking, e)
		}
	}

	nowBlocking := len(blocking) > 0

	if nowBlocking && !a.inoperativeActive {
		a.inoperativeActive = true
		a.inoperative = true
		composite := composeInoperative(blocking)
		if a.onInoperative != nil {
			fn := a.onInoperative
			go fn(composite)
		}
	} else if !nowBlocking && a.inoperativeActive {
		a.inoperativeActive = false
		a.inoperative = false
		if a.onCleared != nil {
			fn := a.onCleared
			go fn()
		}
	}

	if len(a.active) == 0 && a.onAllClear != nil {
		fn := a.onAllClear
		go fn()
	}
}

// composeInoperative builds the single composite error §4.3 describes:
// "caused_by.type, caused_by.vendor_id (or literal 'EVerest'), and a
// human-readable description synthesized from the offending
// type/subtype." The first blocking error by severity (High first) is
// the cause; map iteration order over the active table is otherwise
// unspecified, so ties are broken arbitrarily but deterministically
// within a call.
func composeInoperative(blocking []session.HardwareError) session.HardwareError {
	cause := blocking[0]
	for _, e := range blocking[1:] {
		if e.Severity > cause.Severity {
			cause = e
		}
	}
	if cause.VendorID == "" {
		cause.VendorID = "EVerest"
	}
	return session.HardwareError{
		Source:   cause.Source,
		Type:     cause.Type,
		Subtype:  cause.Subtype,
		VendorID: cause.VendorID,
		Severity: cause.Severity,
		RaisedAt: cause.RaisedAt,
	}
}

// Description renders a human-readable summary of a composed error, the
// text surfaced to observers alongside the typed fields.
func Description(e session.HardwareError) string {
	if e.Subtype != "" {
		return fmt.Sprintf("%s/%s from %s (%s)", e.Type, e.Subtype, e.Source, e.VendorID)
	}
	return fmt.Sprintf("%s from %s (%s)", e.Type, e.Source, e.VendorID)
}
