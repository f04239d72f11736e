// Package charger implements the Charging Session State Machine (§4.2):
// the component that drives a whole session end to end. It consumes the
// abstract CP events cpstate emits, HLC callbacks, authorization
// results, cable-check outcomes, power-meter readings, energy-manager
// enforced limits, and the Error Aggregator's Inoperative signal; it
// drives PWM duty, transaction boundaries, and session events.
//
// Grounded on cpstate's own table-dispatch-under-a-single-lock shape
// (itself grounded on the teacher's failsafe/duration timer tables) and
// on Design Note "Async flow": every timer Start/Stop decided during a
// transition is deferred until after the lock is released so a timer
// firing back into the machine can never deadlock.
package charger

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/evse-go/evsecore/pkg/asynctimer"
	"github.com/evse-go/evsecore/pkg/cpstate"
	"github.com/evse-go/evsecore/pkg/enabledisable"
	"github.com/evse-go/evsecore/pkg/erroragg"
	"github.com/evse-go/evsecore/pkg/eventqueue"
	"github.com/evse-go/evsecore/pkg/lock"
	evselog "github.com/evse-go/evsecore/pkg/log"
	"github.com/evse-go/evsecore/pkg/meter"
	"github.com/evse-go/evsecore/pkg/ports"
	"github.com/evse-go/evsecore/pkg/session"
)

// Timing constants named directly in §4.2.
const (
	// LegacyWakeupTimeout is how long PrepareCharging waits for state C
	// before performing a single legacy IEC wake-up via T_step_EF.
	LegacyWakeupTimeout = 30 * time.Second

	// PreparingTimeoutPausedByEV is how long after a wake-up attempt
	// PrepareCharging waits before assuming the EV has paused itself.
	PreparingTimeoutPausedByEV = 10 * time.Second

	// PWMRateLimit bounds how often a new PWM duty is written to the CP
	// state machine outside 5% mode.
	PWMRateLimit = 5 * time.Second

	// TStepEFDuration is the F-hold duration of the legacy wake-up /
	// EIM-without-matching transition.
	TStepEFDuration = 4 * time.Second

	// TStepEFShortDuration is the short X1 stay following TStepEFDuration.
	TStepEFShortDuration = 750 * time.Millisecond

	// TStepX1Duration is the X1-only transition used when SLAC matching
	// already started in 5% mode.
	TStepX1Duration = 3 * time.Second

	// BCBTogglePulseMin/Max bound a single valid C->B->C pulse width
	// (200-400 ms, +-50 ms tolerance per §4.2).
	BCBTogglePulseMin = 150 * time.Millisecond
	BCBTogglePulseMax = 450 * time.Millisecond

	// TTEvseValdToggle bounds the window within which up to 3 valid
	// pulses constitute a restart request (3500 ms + 200 ms tolerance).
	TTEvseValdToggle = 3700 * time.Millisecond

	// BCBToggleMaxPulses is how many valid pulses complete the detector
	// early, without waiting out TTEvseValdToggle.
	BCBToggleMaxPulses = 3

	// FivePercentDuty is the ISO 15118 "5%" signalling duty cycle.
	FivePercentDuty = 0.05
)

// Config carries the per-installation knobs §4.2 calls out as
// configuration rather than fixed behavior.
type Config struct {
	ChargeMode    session.ChargeMode
	HLCEnabled    bool
	ConnectorType session.ConnectorType

	// FailOnPowermeterErrors makes a billing meter's failed
	// start_transaction call raise erroragg.SourceMeterTransaction (via
	// meter.Coordinator). The Charging transition itself is not refused:
	// the Charger is already in Charging when transactions start, and the
	// raised error reaches it afterwards as an Inoperative event.
	FailOnPowermeterErrors bool

	// RequestZeroPowerInIdle mirrors §4.8's AC-paused root-current
	// reduction; charger only exposes the bit energy consumes.
	RequestZeroPowerInIdle bool

	// ACEnforceHLC keeps WaitingForAuthentication->PrepareCharging in 5%
	// PWM unconditionally ("ac_enforce_hlc" mode).
	ACEnforceHLC bool

	// CPFaultWindow is how long CP is forced to F on a fatal error before
	// PWM is turned off, for BASIC (non-HLC) charging only. Zero skips
	// the F window and turns PWM off immediately.
	CPFaultWindow time.Duration

	// SwitchPhasesDelay is the pause duration before BSP.ACSwitchThreePhasesWhileCharging.
	SwitchPhasesDelay time.Duration

	// SwitchPhasesViaCPF uses CP-F instead of PWM-off to pause during a
	// phase switch.
	SwitchPhasesViaCPF bool

	// AuthorizationTimeout is the idle-timeout trigger for
	// deauthorize-on-idle (§4.2 "Deauthorize on idle-timeout"). Zero
	// disables the timeout.
	AuthorizationTimeout time.Duration

	// RaiseMREC9OnAuthTimeout additionally raises
	// erroragg.SourceAuthTimeout when the idle-timeout fires.
	RaiseMREC9OnAuthTimeout bool
}

// DefaultConfig returns the §4.2 defaults: AC BASIC charging, no HLC, no
// cable connector, fail on meter errors, a 3 s switch-phases pause, and
// no authorization timeout.
func DefaultConfig() Config {
	return Config{
		ChargeMode:             session.ModeAC,
		FailOnPowermeterErrors: true,
		CPFaultWindow:          2 * time.Second,
		SwitchPhasesDelay:      3 * time.Second,
	}
}

// Deps bundles every collaborator the Charger drives or observes. CP,
// BSP, Errors, and Publisher are expected on every installation;
// everything else may be left at its zero value when the capability is
// absent.
type Deps struct {
	// CP is the IEC CP state machine already wired to the same BSP; the
	// Charger drives PWM/AllowPowerOn through it rather than talking to
	// BSP directly for anything CP-state-coupled.
	CP *cpstate.Machine

	// BSP is used only for the handful of operations that are not part
	// of the CP state machine's own contract (forcing CP-F during a
	// fault/wake-up window, phase switching, the AC overcurrent limit
	// register).
	BSP ports.BSP

	// HLC is nil when Config.HLCEnabled is false.
	HLC ports.HLC

	// Meters is every billing meter that must see this session's
	// transaction boundary.
	Meters []ports.BillingMeter

	Errors        *erroragg.Aggregator
	EnableDisable *enabledisable.Arbitrator
	Store         ports.PersistentStore
	Publisher     session.Publisher
	Logger        evselog.Logger

	// SessionLoggerFactory, if set, is called on session start to build a
	// per-session Logger (e.g. log.NewFileLogger to a path keyed by the
	// session UUID); if it implements io.Closer its Close method runs on
	// session finish. Grounded on original_source/modules/EvseManager's
	// SessionLog.hpp, which opens one log file per session in addition to
	// the process-wide stream.
	SessionLoggerFactory func(sessionUUID string) evselog.Logger
}

// errSource identifies the Charger itself as the raiser of a direct
// error surface (§4.3 "Direct error surfaces... raised by the
// Charger/EVSE logic, not hardware").
const errSource = "Charger"

// internal event vocabulary the Machine's single consumer goroutine
// dispatches under its lock. Not exported: everything reaches the
// Machine through a typed method that wraps the event and pushes it.
type evKind uint8

const (
	evAbstractCP evKind = iota
	evAuthorized
	evAuthFailed
	evHLCRequireAuth
	evHLCDLink
	evHLCACContactor
	evHLCV2GSetupFinished
	evCableCheckFinished
	evEnabledChanged
	evInoperative
	evInoperativeCleared
	evSetMaxCurrent
	evStopRequested
	evTick
	evLegacyWakeupExpired
	evPreparingPausedExpired
	evSwitchPhasesRequested
	evIdleTimeoutExpired
	evPauseByEVSERequested
)

type evPayload struct {
	kind     evKind
	abstract session.AbstractEvent
	auth     session.AuthKind
	bool1    bool
	float1   float64
	dlink    ports.HLCDLinkState
	reason   session.StopReason
}

// Machine is the Charging Session State Machine for one connector.
type Machine struct {
	cfg  Config
	deps Deps

	mu    *lock.TimedMutex
	queue *eventqueue.Queue[evPayload]

	legacyWakeTimer  *asynctimer.Timer
	preparingTimer   *asynctimer.Timer
	idleTimer        *asynctimer.Timer
	switchPhaseTimer *asynctimer.Timer

	// fields below are only ever touched from the Run goroutine, while
	// holding mu.
	state ChargerState

	sessionUUID   string
	sessionLogger evselog.Logger
	authKind      session.AuthKind
	authorized    bool
	slacMatched   bool
	hlcTerminate  session.HLCTerminatePause

	powerAvailable  bool // DC: first non-zero EVSE max current+power seen
	iecAllow        bool // CP currently in a power-request state (C/D)
	contactorClosed bool
	wokeUpOnce      bool
	inoperative     bool
	enabled         bool

	maxCurrentA     float64
	lastPWMWrite    time.Time
	pendingPWMDirty bool

	pendingSwitchPhases       bool
	pendingSwitchPhasesReturn ChargerState

	meters       *meter.Coordinator
	transactions []meter.Transaction
	bcb          bcbToggleDetector
}

// ChargerState is re-exported so callers only need this package's import
// for the enum as well as the machine.
type ChargerState = session.ChargerState

// New creates a Charger state machine in the Idle state. Call Run on a
// dedicated goroutine to start processing.
func New(cfg Config, deps Deps) *Machine {
	if deps.Logger == nil {
		deps.Logger = evselog.NoopLogger{}
	}
	m := &Machine{
		cfg:     cfg,
		deps:    deps,
		mu:      lock.New(),
		queue:   eventqueue.New[evPayload](),
		state:   session.StateIdle,
		enabled: true,
	}
	m.legacyWakeTimer = asynctimer.New(m.onLegacyWakeExpiry)
	m.preparingTimer = asynctimer.New(m.onPreparingPausedExpiry)
	m.idleTimer = asynctimer.New(m.onIdleTimeoutExpiry)
	m.switchPhaseTimer = asynctimer.New(m.onSwitchPhaseExpiry)
	m.sessionLogger = deps.Logger
	m.meters = meter.New(deps.Meters, cfg.FailOnPowermeterErrors, deps.Errors)

	if deps.HLC != nil {
		deps.HLC.SubscribeRequireAuth(func(kind session.AuthKind) {
			m.queue.Push(evPayload{kind: evHLCRequireAuth, auth: kind})
		})
		deps.HLC.SubscribeDLink(func(state ports.HLCDLinkState) {
			m.queue.Push(evPayload{kind: evHLCDLink, dlink: state})
		})
		deps.HLC.SubscribeACContactor(func(closed bool) {
			m.queue.Push(evPayload{kind: evHLCACContactor, bool1: closed})
		})
		deps.HLC.SubscribeV2GSetupFinished(func() {
			m.queue.Push(evPayload{kind: evHLCV2GSetupFinished})
		})
	}
	if deps.Errors != nil {
		deps.Errors.OnInoperative(func(session.HardwareError) {
			m.queue.Push(evPayload{kind: evInoperative})
		})
		deps.Errors.OnCleared(func() {
			m.queue.Push(evPayload{kind: evInoperativeCleared})
		})
	}
	return m
}

// HandleAbstractEvent is the callback wired as cpstate.New's emit
// parameter: every abstract CP event reaches the Charger here.
func (m *Machine) HandleAbstractEvent(ev session.AbstractEvent) {
	m.queue.Push(evPayload{kind: evAbstractCP, abstract: ev})
}

// Authorized is called by the host once an AuthProvider accepts a
// presented token (§4.2 "Authorization wake-up").
func (m *Machine) Authorized(kind session.AuthKind, slacMatched bool) {
	m.queue.Push(evPayload{kind: evAuthorized, auth: kind, bool1: slacMatched})
}

// AuthorizationFailed is called when the AuthProvider rejects a token.
func (m *Machine) AuthorizationFailed() {
	m.queue.Push(evPayload{kind: evAuthFailed})
}

// CableCheckFinished reports the §4.4 cable-check task's outcome.
func (m *Machine) CableCheckFinished(ok bool) {
	m.queue.Push(evPayload{kind: evCableCheckFinished, bool1: ok})
}

// PowerAvailable reports the DC branch's "first non-zero EVSE max
// current AND max power seen" gate becoming true (§4.2, fed by §4.8).
func (m *Machine) PowerAvailable() {
	m.queue.Push(evPayload{kind: evCableCheckFinished, bool1: true, float1: 1})
}

// SetEnabled is the Enable/Disable Arbitrator's onChange callback (§4.10).
func (m *Machine) SetEnabled(enabled bool) {
	m.queue.Push(evPayload{kind: evEnabledChanged, bool1: enabled})
}

// SetMaxCurrent is called by the Energy translator (§4.8) with a new AC
// current limit in amps.
func (m *Machine) SetMaxCurrent(amps float64) {
	m.queue.Push(evPayload{kind: evSetMaxCurrent, float1: amps})
}

// RequestSwitchPhases asks the Charger to pause, switch AC phase count,
// and resume (§4.2 SwitchPhases).
func (m *Machine) RequestSwitchPhases(threePhase bool) {
	m.queue.Push(evPayload{kind: evSwitchPhasesRequested, bool1: threePhase})
}

// Stop requests the session end for reason.
func (m *Machine) Stop(reason session.StopReason) {
	m.queue.Push(evPayload{kind: evStopRequested, reason: reason})
}

// RequestPauseByEVSE asks the Charger to pause an active charging session
// for an EVSE-side reason (e.g. a scheduling decision from the Energy
// translator, or an operator-requested hold), distinct from a
// vehicle-initiated pause (§4.2 Pause-by-EVSE).
func (m *Machine) RequestPauseByEVSE() {
	m.queue.Push(evPayload{kind: evPauseByEVSERequested})
}

// Run drains the Charger's event queue on the calling goroutine until
// ctx is cancelled or Close is called. A background goroutine drives the
// periodic tick (PWM rate-limit re-check, BCB-toggle window expiry).
func (m *Machine) Run(ctx context.Context) {
	go m.tickLoop(ctx)
	for {
		batch, ok := m.queue.WaitBatch()
		if !ok {
			return
		}
		for _, ev := range batch {
			if ctx.Err() != nil {
				return
			}
			m.handle(ctx, ev)
		}
	}
}

// Close stops accepting new events and wakes Run.
func (m *Machine) Close() {
	m.queue.Close()
}

func (m *Machine) tickLoop(ctx context.Context) {
	t := time.NewTicker(200 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.queue.Push(evPayload{kind: evTick})
		}
	}
}

// State returns the current ChargerState, for diagnostics.
func (m *Machine) State() ChargerState {
	guard, err := m.mu.Lock(context.Background(), "charger.State", lock.DefaultDeadline)
	if err != nil {
		return session.StateIdle
	}
	defer guard.Unlock()
	return m.state
}

// ContactorClosed reports the last HLC-reported AC contactor state, for
// the §4.4 cable-check task's "wait until contactors confirmed closed"
// step.
func (m *Machine) ContactorClosed() bool {
	guard, err := m.mu.Lock(context.Background(), "charger.ContactorClosed", lock.DefaultDeadline)
	if err != nil {
		return false
	}
	defer guard.Unlock()
	return m.contactorClosed
}

// InPrepareCharging reports whether the session is still in
// StatePrepareCharging, the cable-check task's cancellation predicate
// (cable_check_should_exit in the original source).
func (m *Machine) InPrepareCharging() bool {
	return m.State() == session.StatePrepareCharging
}

func (m *Machine) handle(ctx context.Context, ev evPayload) {
	guard, err := m.mu.Lock(ctx, "charger.handle", lock.DefaultDeadline)
	if err != nil {
		m.deps.Logger.Log(evselog.Event{
			Timestamp: time.Now(), SessionUUID: m.sessionUUID, Layer: evselog.LayerCharger, Category: evselog.CategoryError,
			Error: &evselog.ErrorEventData{Source: "charger", Message: err.Error()},
		})
		return
	}

	var deferred func()
	switch ev.kind {
	case evAbstractCP:
		deferred = m.onAbstract(ev.abstract)
	case evAuthorized:
		deferred = m.onAuthorized(ev.auth, ev.bool1)
	case evAuthFailed:
		m.onAuthFailed()
	case evHLCRequireAuth:
		deferred = func() { m.publishNow(session.EventAuthRequired, nil) }
	case evHLCDLink:
		deferred = m.onHLCDLink(ev.dlink)
	case evHLCACContactor:
		m.contactorClosed = ev.bool1
	case evHLCV2GSetupFinished:
		m.slacMatched = true
	case evCableCheckFinished:
		if ev.float1 == 1 {
			deferred = m.onPowerAvailable()
		} else {
			deferred = m.onCableCheckFinished(ev.bool1)
		}
	case evEnabledChanged:
		deferred = m.onEnabledChanged(ev.bool1)
	case evInoperative:
		deferred = m.onInoperative()
	case evInoperativeCleared:
		m.inoperative = false
	case evSetMaxCurrent:
		deferred = m.onSetMaxCurrent(ev.float1)
	case evSwitchPhasesRequested:
		deferred = m.onSwitchPhasesRequested(ev.bool1)
	case evStopRequested:
		deferred = m.onStopRequested(ev.reason)
	case evTick:
		deferred = m.onTick()
	case evLegacyWakeupExpired:
		deferred = m.onLegacyWakeExpiredLocked()
	case evPreparingPausedExpired:
		deferred = m.onPreparingPausedExpiredLocked()
	case evIdleTimeoutExpired:
		deferred = m.onIdleTimeoutExpiredLocked()
	case evPauseByEVSERequested:
		if m.state == session.StateCharging {
			deferred = m.enterChargingPausedEVSE()
		}
	}

	guard.Unlock()
	if deferred != nil {
		deferred()
	}
}

// onAbstract implements the CP-event-driven fragments of the transition
// table: CarPluggedIn, CarUnplugged, CarRequestedPower/StopPower feed the
// BCB-toggle detector, the iec_allow gate, and the Idle/
// WaitingForAuthentication/Charging edges.
func (m *Machine) onAbstract(ev session.AbstractEvent) func() {
	switch ev {
	case session.EvCarPluggedIn:
		return m.enterWaitingForAuthentication()
	case session.EvCarUnplugged:
		return m.onUnplugged()
	case session.EvCarRequestedPower:
		m.iecAllow = true
		bcb := m.bcb.pulseEnd()
		start := m.maybeStartCharging()
		return combine(bcbResume(m, bcb), start)
	case session.EvCarRequestedStopPower:
		m.iecAllow = false
		wasCharging := m.state == session.StateCharging
		m.bcb.pulseStart(m.state)
		if wasCharging {
			return m.enterChargingPausedEV()
		}
	case session.EvEvseReplugStarted:
		return m.enterReplug()
	case session.EvEvseReplugFinished:
		return m.exitReplug()
	}
	return nil
}

// combine merges two optional deferred thunks into one, running whichever
// are non-nil in order.
func combine(fns ...func()) func() {
	var live []func()
	for _, fn := range fns {
		if fn != nil {
			live = append(live, fn)
		}
	}
	if len(live) == 0 {
		return nil
	}
	return func() {
		for _, fn := range live {
			fn()
		}
	}
}

// bcbResume turns a completed BCB-toggle detection into the resume
// thunk, if the detector just validated a toggle.
func bcbResume(m *Machine, validated bool) func() {
	if !validated {
		return nil
	}
	return m.onBCBToggleValid()
}

// enterWaitingForAuthentication is the Idle -> WaitingForAuthentication
// transition (§4.2 "Entry"). Also reachable from Replug (on
// EvseReplugFinished) and from StoppingCharging (a validated BCB toggle
// restarting the session).
func (m *Machine) enterWaitingForAuthentication() func() {
	switch m.state {
	case session.StateIdle, session.StateReplug, session.StateStoppingCharging:
	default:
		return nil
	}
	m.maxCurrentA = 0
	m.authorized = false
	m.slacMatched = false
	m.hlcTerminate = session.HLCUnknown
	m.powerAvailable = m.cfg.ChargeMode == session.ModeAC
	m.iecAllow = false
	m.wokeUpOnce = false
	m.sessionUUID = uuid.NewString()
	if m.deps.SessionLoggerFactory != nil {
		m.sessionLogger = m.deps.SessionLoggerFactory(m.sessionUUID)
	}

	m.setState(session.StateWaitingForAuthentication)
	uuidStr := m.sessionUUID
	denyHLC := m.cfg.HLCEnabled
	duty := m.pwmDutyForWaiting()
	authTimeout := m.cfg.AuthorizationTimeout
	return func() {
		if denyHLC {
			_ = m.deps.CP.AllowPowerOn(false, session.ReasonPowerOff)
		}
		_ = m.deps.CP.SetPWM(duty)
		m.publishNow(session.EventSessionStarted, uuidStr)
		if authTimeout > 0 {
			m.idleTimer.Start(authTimeout)
		}
	}
}

// pwmDutyForWaiting picks between nominal and 5% PWM per §4.2: DC always
// 5%; AC with HLC enabled always starts in 5% since SLAC matching must
// run before nominal PWM means anything.
func (m *Machine) pwmDutyForWaiting() float64 {
	if m.cfg.ChargeMode == session.ModeDC || m.cfg.HLCEnabled {
		return FivePercentDuty
	}
	return DutyForCurrent(m.maxCurrentA)
}

// DutyForCurrent converts a requested AC current limit to an IEC 61851-1
// PWM duty cycle: amps/0.6 for 6-51 A, amps/2.5+64 above that, expressed
// as a fraction rather than a percentage.
func DutyForCurrent(amps float64) float64 {
	switch {
	case amps <= 0:
		return 0
	case amps <= 51:
		return amps / 0.6 / 100
	case amps <= 80:
		return (amps/2.5 + 64) / 100
	default:
		return 0.97
	}
}

func (m *Machine) onUnplugged() func() {
	wasActive := m.state != session.StateIdle
	finishTxn := m.finishTransactionsLocked(session.StopReasonEVDisconnected)
	m.idleTimer.Stop()
	m.legacyWakeTimer.Stop()
	m.preparingTimer.Stop()
	m.switchPhaseTimer.Stop()
	m.bcb.reset()
	prevUUID := m.sessionUUID
	m.setState(session.StateIdle)
	m.authorized = false
	return func() {
		finishTxn()
		if wasActive {
			m.publishNow(session.EventSessionFinished, prevUUID)
			if m.deps.Store != nil {
				_ = m.deps.Store.Delete(context.Background(), "current_session")
			}
			m.closeSessionLogger()
		}
	}
}

func (m *Machine) enterReplug() func() {
	m.setState(session.StateReplug)
	return func() { m.publishNow(session.EventReplugStarted, nil) }
}

func (m *Machine) exitReplug() func() {
	if m.state != session.StateReplug {
		return nil
	}
	resume := m.enterWaitingForAuthentication()
	return combine(func() { m.publishNow(session.EventReplugFinished, nil) }, resume)
}

// onAuthorized implements WaitingForAuthentication -> PrepareCharging
// (§4.2), branching on EIM vs PnC and whether SLAC matching already
// started, per ISO 15118-3 Figures 3-6/8 as summarized in the spec.
func (m *Machine) onAuthorized(kind session.AuthKind, slacMatched bool) func() {
	if m.state != session.StateWaitingForAuthentication {
		// Late/duplicate authorization while already active: §4.2
		// "Authorization wake-up" - publish only; the session is
		// already running.
		return func() { m.publishNow(session.EventAuthorized, nil) }
	}

	m.authKind = kind
	m.authorized = true
	m.slacMatched = slacMatched
	m.idleTimer.Stop()

	ac := m.cfg.ChargeMode == session.ModeAC

	switch {
	case !m.cfg.HLCEnabled:
		return combine(func() { m.publishNow(session.EventAuthorized, nil) }, m.enterPrepareCharging())
	case m.cfg.ACEnforceHLC || kind == session.AuthPnC:
		// PnC always continues in 5%; ac_enforce_hlc always stays in 5%.
		return combine(func() { m.publishNow(session.EventAuthorized, nil) }, m.enterPrepareCharging())
	case ac && slacMatched:
		// EIM with matching already started in 5% -> T_step_X1 (3s)
		// then disable 5% on the way into PrepareCharging.
		return combine(func() { m.publishNow(session.EventAuthorized, nil) }, m.enterTStepX1())
	default:
		// EIM without matching started -> T_step_EF (4s F, then a short
		// X1 stay) before reverting to nominal PWM.
		return combine(func() { m.publishNow(session.EventAuthorized, nil) }, m.enterTStepEF())
	}
}

func (m *Machine) onAuthFailed() {
	if m.state == session.StateWaitingForAuthentication {
		m.authorized = false
	}
}

func (m *Machine) enterTStepEF() func() {
	m.setState(session.StateTStepEF)
	return func() {
		_ = m.deps.CP.SetPWM(0)
		_ = m.deps.BSP.SetCPStateF()
		time.AfterFunc(TStepEFDuration, func() {
			_ = m.deps.BSP.SetCPStateX1()
			time.AfterFunc(TStepEFShortDuration, func() {
				m.queue.Push(evPayload{kind: evLegacyWakeupExpired})
			})
		})
	}
}

func (m *Machine) enterTStepX1() func() {
	m.setState(session.StateTStepX1)
	return func() {
		_ = m.deps.CP.SetPWM(0)
		time.AfterFunc(TStepX1Duration, func() {
			m.queue.Push(evPayload{kind: evLegacyWakeupExpired})
		})
	}
}

// onLegacyWakeExpiredLocked is reused both for the real
// LEGACY_WAKEUP_TIMEOUT path and as the completion signal for
// T_step_EF/T_step_X1, since both resolve to "proceed into
// PrepareCharging (possibly performing one more wake attempt)".
func (m *Machine) onLegacyWakeExpiredLocked() func() {
	switch m.state {
	case session.StateTStepEF, session.StateTStepX1:
		return m.enterPrepareCharging()
	case session.StatePrepareCharging:
		return m.performLegacyWakeup()
	}
	return nil
}

// performLegacyWakeup is the single legacy IEC wake performed when no
// state-C transition has been observed within LEGACY_WAKEUP_TIMEOUT.
func (m *Machine) performLegacyWakeup() func() {
	if m.wokeUpOnce {
		return nil
	}
	m.wokeUpOnce = true
	return func() {
		_ = m.deps.BSP.SetCPStateF()
		time.AfterFunc(TStepEFDuration, func() {
			_ = m.deps.BSP.SetCPStateX1()
			m.preparingTimer.Start(PreparingTimeoutPausedByEV)
		})
	}
}

func (m *Machine) onPreparingPausedExpiredLocked() func() {
	if m.state != session.StatePrepareCharging {
		return nil
	}
	return m.enterChargingPausedEV()
}

func (m *Machine) enterPrepareCharging() func() {
	m.setState(session.StatePrepareCharging)
	timeout := LegacyWakeupTimeout
	if m.cfg.ChargeMode == session.ModeDC {
		// DC never performs the AC legacy wake-up; instead it waits on
		// the cable-check task and §4.8's power-available gate.
		return func() { m.publishNow(session.EventPrepareCharging, nil) }
	}
	return func() {
		m.publishNow(session.EventPrepareCharging, nil)
		m.legacyWakeTimer.Start(timeout)
	}
}

// onHLCDLink reacts to the ISO 15118-3 data-link state surfaced by HLC: a
// vehicle-initiated Pause while charging behaves like Pause-by-EV (the EV
// dropped the link but may resume it); Terminate ends the session.
func (m *Machine) onHLCDLink(state ports.HLCDLinkState) func() {
	switch state {
	case ports.DLinkPause:
		m.hlcTerminate = session.HLCPause
		if m.state == session.StateCharging {
			return m.enterChargingPausedEV()
		}
	case ports.DLinkTerminate:
		m.hlcTerminate = session.HLCTerminate
		if m.state != session.StateIdle && m.state != session.StateStoppingCharging && m.state != session.StateFinished {
			return m.enterStoppingCharging(session.StopReasonHLCSessionStop)
		}
	}
	return nil
}

// onPowerAvailable marks the DC "first non-zero EVSE max current AND max
// power seen" gate (§4.2, fed by §4.8) and re-checks whether
// PrepareCharging can now proceed to Charging.
func (m *Machine) onPowerAvailable() func() {
	if m.cfg.ChargeMode != session.ModeDC {
		return nil
	}
	m.powerAvailable = true
	if m.state == session.StateWaitingForAuthentication {
		return nil
	}
	return m.maybeStartCharging()
}

// onCableCheckFinished implements the DC branch of PrepareCharging: a
// successful cable-check clears the way for allow_power_on once HLC also
// allows it; a failure raises CableCheckFault (MREC11) and blocks.
func (m *Machine) onCableCheckFinished(ok bool) func() {
	if m.state != session.StatePrepareCharging || m.cfg.ChargeMode != session.ModeDC {
		return nil
	}
	if !ok {
		if m.deps.Errors != nil {
			m.deps.Errors.Raise(errSource, erroragg.SourceCableCheckFault, "", "", session.SeverityHigh)
		}
		return nil
	}
	return m.maybeStartCharging()
}

// onEnabledChanged is the Enable/Disable Arbitrator's resolved state
// (§4.10). Disabling mid-session forces a local stop; re-enabling while
// idle has no further effect until CarPluggedIn.
func (m *Machine) onEnabledChanged(enabled bool) func() {
	m.enabled = enabled
	if !enabled && m.state != session.StateIdle && m.state != session.StateDisabled && m.state != session.StateStoppingCharging && m.state != session.StateFinished {
		return combine(func() { m.publishNow(session.EventDisabled, nil) }, m.enterStoppingCharging(session.StopReasonLocal))
	}
	if enabled {
		return func() { m.publishNow(session.EventEnabled, nil) }
	}
	return func() { m.publishNow(session.EventDisabled, nil) }
}

// onInoperative handles the Error Aggregator's blocking edge: force a
// shutdown of whatever is currently happening.
func (m *Machine) onInoperative() func() {
	m.inoperative = true
	switch m.state {
	case session.StateIdle, session.StateStoppingCharging, session.StateFinished:
		return nil
	}
	if m.cfg.ChargeMode == session.ModeAC && !m.cfg.HLCEnabled && m.cfg.CPFaultWindow > 0 {
		window := m.cfg.CPFaultWindow
		return func() {
			_ = m.deps.BSP.SetCPStateF()
			time.AfterFunc(window, func() { _ = m.deps.CP.SetPWM(0) })
		}
	}
	return m.enterStoppingCharging(session.StopReasonEmergency)
}

// onSetMaxCurrent applies a new AC current limit, rate-limited per §4.2
// ("PWM update rate-limited to every 5s unless 5% mode").
func (m *Machine) onSetMaxCurrent(amps float64) func() {
	m.maxCurrentA = amps
	if m.state != session.StateCharging {
		return nil
	}
	return m.maybeWritePWM()
}

// maybeWritePWM enforces the 5-second PWM rate limit outside 5% mode; 5%
// mode (DC) is exempt because it carries no current information.
func (m *Machine) maybeWritePWM() func() {
	if m.cfg.ChargeMode == session.ModeDC {
		return nil
	}
	now := time.Now()
	if !m.lastPWMWrite.IsZero() && now.Sub(m.lastPWMWrite) < PWMRateLimit {
		m.pendingPWMDirty = true
		return nil
	}
	m.lastPWMWrite = now
	m.pendingPWMDirty = false
	duty := DutyForCurrent(m.maxCurrentA)
	return func() { _ = m.deps.CP.SetPWM(duty) }
}

// onTick drives the periodic checks that don't warrant their own timer:
// a pending rate-limited PWM write becoming due, and the BCB-toggle
// window expiring.
func (m *Machine) onTick() func() {
	var fns []func()
	if m.pendingPWMDirty && time.Since(m.lastPWMWrite) >= PWMRateLimit {
		if fn := m.maybeWritePWM(); fn != nil {
			fns = append(fns, fn)
		}
	}
	if m.bcb.checkTimeout() {
		if fn := m.onBCBToggleValid(); fn != nil {
			fns = append(fns, fn)
		}
	}
	return combine(fns...)
}

// maybeStartCharging implements the AC and DC PrepareCharging->Charging
// guard (§4.2).
func (m *Machine) maybeStartCharging() func() {
	if m.state != session.StatePrepareCharging || !m.powerAvailable || m.inoperative || !m.enabled {
		return nil
	}
	if m.cfg.ChargeMode == session.ModeDC {
		if !m.iecAllow || (m.cfg.HLCEnabled && !m.contactorClosed) {
			return nil
		}
		return m.enterCharging()
	}
	if !m.iecAllow {
		return nil
	}
	if !m.cfg.HLCEnabled || m.slacMatched {
		return m.enterCharging()
	}
	return nil
}

func (m *Machine) enterCharging() func() {
	m.legacyWakeTimer.Stop()
	m.preparingTimer.Stop()
	m.setState(session.StateCharging)
	startTxn := m.startTransactionsLocked()
	duty := DutyForCurrent(m.maxCurrentA)
	ac := m.cfg.ChargeMode == session.ModeAC
	m.lastPWMWrite = time.Now()
	return func() {
		startTxn()
		if ac {
			_ = m.deps.CP.SetPWM(duty)
		}
		_ = m.deps.CP.AllowPowerOn(true, session.ReasonFullPowerCharging)
		m.publishNow(session.EventChargingStarted, nil)
	}
}

// enterChargingPausedEV implements Pause-by-EV (§4.2): BASIC AC keeps
// PWM on; HLC (AC or DC) turns PWM off and denies power. The Charger
// holds no power supply, so a DC supply is not switched off here.
// Entry emits ChargingPausedEV.
func (m *Machine) enterChargingPausedEV() func() {
	m.setState(session.StateChargingPausedEV)
	hlcPause := m.cfg.HLCEnabled
	return func() {
		if hlcPause {
			_ = m.deps.CP.SetPWM(0)
			_ = m.deps.CP.AllowPowerOn(false, session.ReasonPowerOff)
		}
		m.publishNow(session.EventChargingPausedEV, nil)
	}
}

// enterChargingPausedEVSE implements Pause-by-EVSE: PWM off; if HLC is
// active, request an HLC session-stop so the EV sees a clean pause.
func (m *Machine) enterChargingPausedEVSE() func() {
	m.setState(session.StateChargingPausedEVSE)
	hlc := m.deps.HLC
	useHLC := m.cfg.HLCEnabled
	return func() {
		_ = m.deps.CP.SetPWM(0)
		if useHLC && hlc != nil {
			_ = hlc.PauseCharging()
		}
		m.publishNow(session.EventChargingPausedEVSE, nil)
	}
}

// onSwitchPhasesRequested implements §4.2 SwitchPhases: pause (PWM-off
// or CP-F per config) for SwitchPhasesDelay, issue the phase switch,
// return to the originating state. Per the resolved Open Question, no
// ChargingResumed event is emitted on the way back.
func (m *Machine) onSwitchPhasesRequested(threePhase bool) func() {
	if m.state != session.StateCharging {
		return nil
	}
	originating := m.state
	m.setState(session.StateSwitchPhases)
	m.pendingSwitchPhases = threePhase
	m.pendingSwitchPhasesReturn = originating
	viaCPF := m.cfg.SwitchPhasesViaCPF
	delay := m.cfg.SwitchPhasesDelay
	return func() {
		m.publishNow(session.EventSwitchingPhases, nil)
		if viaCPF {
			_ = m.deps.BSP.SetCPStateF()
		} else {
			_ = m.deps.CP.SetPWM(0)
		}
		m.switchPhaseTimer.Start(delay)
	}
}

func (m *Machine) onSwitchPhaseExpiry() {
	guard, err := m.mu.Lock(context.Background(), "charger.onSwitchPhaseExpiry", lock.DefaultDeadline)
	if err != nil {
		return
	}
	threePhase := m.pendingSwitchPhases
	ret := m.pendingSwitchPhasesReturn
	guard.Unlock()

	_ = m.deps.BSP.ACSwitchThreePhasesWhileCharging(threePhase)

	guard, err = m.mu.Lock(context.Background(), "charger.onSwitchPhaseExpiry.return", lock.DefaultDeadline)
	if err != nil {
		return
	}
	m.setState(ret)
	duty := DutyForCurrent(m.maxCurrentA)
	guard.Unlock()
	if ret == session.StateCharging {
		_ = m.deps.CP.SetPWM(duty)
	}
}

// onStopRequested implements the various session-end triggers (local,
// remote, emergency) by entering StoppingCharging.
func (m *Machine) onStopRequested(reason session.StopReason) func() {
	if m.state == session.StateIdle {
		return nil
	}
	return m.enterStoppingCharging(reason)
}

func (m *Machine) enterStoppingCharging(reason session.StopReason) func() {
	m.setState(session.StateStoppingCharging)
	finishTxn := m.finishTransactionsLocked(reason)
	hlc := m.deps.HLC
	useHLC := m.cfg.HLCEnabled
	return func() {
		_ = m.deps.CP.SetPWM(0)
		_ = m.deps.CP.AllowPowerOn(false, session.ReasonPowerOff)
		if useHLC && hlc != nil {
			_ = hlc.StopCharging()
		}
		finishTxn()
		m.publishNow(session.EventStoppingCharging, reason)
		m.enterFinished()
	}
}

func (m *Machine) enterFinished() {
	guard, err := m.mu.Lock(context.Background(), "charger.enterFinished", lock.DefaultDeadline)
	if err != nil {
		return
	}
	uuidStr := m.sessionUUID
	m.setState(session.StateFinished)
	guard.Unlock()
	m.publishNow(session.EventSessionFinished, uuidStr)
	if m.deps.Store != nil {
		_ = m.deps.Store.Delete(context.Background(), "current_session")
	}
	m.closeSessionLogger()
}

// onIdleTimeoutExpiredLocked implements §4.2 "Deauthorize on
// idle-timeout": if no auth arrived before AuthorizationTimeout, emit
// PluginTimeout and optionally raise MREC9.
func (m *Machine) onIdleTimeoutExpiredLocked() func() {
	if m.state != session.StateWaitingForAuthentication || m.authorized {
		return nil
	}
	raise := m.cfg.RaiseMREC9OnAuthTimeout
	return func() {
		m.publishNow(session.EventPluginTimeout, nil)
		if raise && m.deps.Errors != nil {
			m.deps.Errors.Raise(errSource, erroragg.SourceAuthTimeout, "", "", session.SeverityMedium)
		}
	}
}

func (m *Machine) onLegacyWakeExpiry()      { m.queue.Push(evPayload{kind: evLegacyWakeupExpired}) }
func (m *Machine) onPreparingPausedExpiry() { m.queue.Push(evPayload{kind: evPreparingPausedExpired}) }
func (m *Machine) onIdleTimeoutExpiry()     { m.queue.Push(evPayload{kind: evIdleTimeoutExpired}) }

func (m *Machine) setState(s ChargerState) {
	old := m.state
	m.state = s
	m.sessionLogger.Log(evselog.Event{
		Timestamp: time.Now(), SessionUUID: m.sessionUUID, Layer: evselog.LayerCharger, Category: evselog.CategoryStateChange,
		StateChange: &evselog.StateChangeEvent{Entity: evselog.StateEntityCharger, OldState: old.String(), NewState: s.String()},
	})
}

// publishNow emits a SessionEvent. Always called from a deferred thunk,
// i.e. outside the machine's own lock.
func (m *Machine) publishNow(kind session.EventKind, payload any) {
	ev := session.SessionEvent{Kind: kind, Timestamp: time.Now(), UUID: m.sessionUUID, Payload: payload}
	m.sessionLogger.Log(evselog.Event{
		Timestamp: ev.Timestamp, SessionUUID: m.sessionUUID, Layer: evselog.LayerCharger, Category: evselog.CategorySessionEvent,
		SessionEvent: &evselog.SessionEventData{Kind: kind.String()},
	})
	if m.deps.Publisher != nil {
		m.deps.Publisher.Publish(ev)
	}
}

func (m *Machine) closeSessionLogger() {
	if closer, ok := m.sessionLogger.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
	m.sessionLogger = m.deps.Logger
}

// startTransactionsLocked delegates to the meter.Coordinator to start a
// transaction on every configured meter (§4.2 "Transaction lifecycle").
// It runs after the state is already Charging. A meter that fails to
// start feeds erroragg.SourceMeterTransaction when FailOnPowermeterErrors
// is set; that error reaches the Charger as an Inoperative event handled
// by onInoperative. The Charging transition is not undone here.
func (m *Machine) startTransactionsLocked() func() {
	uuidStr := m.sessionUUID
	coord := m.meters
	store := m.deps.Store
	return func() {
		txns := coord.StartAll(context.Background(), uuidStr)
		m.addTransactions(txns)
		for _, txn := range txns {
			m.publishNow(session.EventTransactionStarted, txn.Record.ID)
		}
		if store != nil {
			_ = store.Store(context.Background(), "current_session", uuidStr)
		}
	}
}

// addTransactions appends under the machine's own lock; called only
// from a deferred thunk so it re-acquires briefly.
func (m *Machine) addTransactions(txns []meter.Transaction) {
	if len(txns) == 0 {
		return
	}
	guard, err := m.mu.Lock(context.Background(), "charger.addTransactions", lock.DefaultDeadline)
	if err != nil {
		return
	}
	m.transactions = append(m.transactions, txns...)
	guard.Unlock()
}

// finishTransactionsLocked stops every active transaction via the
// meter.Coordinator, publishing TransactionFinished for each.
func (m *Machine) finishTransactionsLocked(reason session.StopReason) func() {
	txns := m.transactions
	m.transactions = nil
	coord := m.meters
	return func() {
		records := coord.StopAll(context.Background(), txns, reason)
		for _, rec := range records {
			m.publishNow(session.EventTransactionFinished, rec.ID)
		}
	}
}

// bcbToggleDetector implements §4.2's BCB-Toggle Detector: a valid
// toggle is a C->B->C pulse of 200-400ms (+-50ms tolerance); up to 3
// toggles within TT_EVSE_VALD_TOGGLE constitute a valid restart request.
// Every method here runs under the Machine's own lock (called only from
// handle/onAbstract/onTick), so it needs no lock of its own.
type bcbToggleDetector struct {
	active    bool
	pulses    int
	windowEnd time.Time
	bStart    time.Time
}

func (d *bcbToggleDetector) reset() {
	*d = bcbToggleDetector{}
}

// pulseStart records the C->B edge (EvCarRequestedStopPower) that begins
// a candidate pulse. Only armed while paused/stopping, per §4.2.
func (d *bcbToggleDetector) pulseStart(state ChargerState) {
	if state != session.StateChargingPausedEV && state != session.StateStoppingCharging {
		return
	}
	if !d.active {
		d.active = true
		d.pulses = 0
		d.windowEnd = time.Now().Add(TTEvseValdToggle)
	}
	d.bStart = time.Now()
}

// pulseEnd records the B->C edge (EvCarRequestedPower) that completes a
// candidate pulse and validates its width, reporting whether the
// detector just reached BCBToggleMaxPulses.
func (d *bcbToggleDetector) pulseEnd() (validated bool) {
	if !d.active || d.bStart.IsZero() {
		return false
	}
	width := time.Since(d.bStart)
	d.bStart = time.Time{}
	if width < BCBTogglePulseMin || width > BCBTogglePulseMax {
		return false
	}
	d.pulses++
	if d.pulses >= BCBToggleMaxPulses {
		d.reset()
		return true
	}
	return false
}

// checkTimeout completes the detector once TT_EVSE_VALD_TOGGLE elapses
// with at least one valid pulse recorded, reporting whether it should be
// treated as a valid restart request.
func (d *bcbToggleDetector) checkTimeout() (validated bool) {
	if !d.active || time.Now().Before(d.windowEnd) {
		return false
	}
	pulses := d.pulses
	d.reset()
	return pulses > 0
}

// onBCBToggleValid resumes from ChargingPausedEV(HLC) or restarts after
// StoppingCharging, per §4.2.
func (m *Machine) onBCBToggleValid() func() {
	switch m.state {
	case session.StateChargingPausedEV:
		m.setState(session.StatePrepareCharging)
		return func() {
			m.publishNow(session.EventChargingResumed, nil)
			m.legacyWakeTimer.Start(LegacyWakeupTimeout)
		}
	case session.StateStoppingCharging:
		return m.enterWaitingForAuthentication()
	}
	return nil
}
