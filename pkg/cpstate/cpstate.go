// Package cpstate implements the IEC 61851-1 Control Pilot state machine
// (§4.1): it turns raw CP voltage states, PWM activity, and the
// allow-power-on gate into the abstract event stream the Charging
// Session state machine consumes, and issues the BSP side effects
// (set_pwm, set_cp_state_X1/F, allow_power_on, lock/unlock, replug,
// switch-phases) that make those transitions real.
//
// It is grounded on the teacher's table-dispatch state machine shape and
// on pkg/lock.TimedMutex + pkg/asynctimer.Timer for the single-lock,
// deferred-timer-start concurrency rule Design Note "Async flow" and
// §4.1's "Concurrency" paragraph both require.
package cpstate

import (
	"context"
	"fmt"
	"time"

	"github.com/evse-go/evsecore/pkg/asynctimer"
	"github.com/evse-go/evsecore/pkg/eventqueue"
	"github.com/evse-go/evsecore/pkg/lock"
	evselog "github.com/evse-go/evsecore/pkg/log"
	"github.com/evse-go/evsecore/pkg/ports"
	"github.com/evse-go/evsecore/pkg/session"
)

// C1PowerOffTimeout is the power-off-under-load grace period (§4.1: "a
// 6-second power-off-under-load timer").
const C1PowerOffTimeout = 6 * time.Second

// UnlockInFTimeout is the forced-unlock delay after entering F from a
// non-F state (§4.1: "a 5-second unlock-in-F timer").
const UnlockInFTimeout = 5 * time.Second

// Config carries the installation-specific knobs §4.1 calls out as
// config-driven.
type Config struct {
	// LockInB locks the connector as soon as a vehicle is present, even
	// before a power request (state B), rather than waiting for C/D.
	LockInB bool

	// VentilationSupported must be true for the machine to accept state D
	// (power request with ventilation required).
	VentilationSupported bool

	// SimplifiedModeMaxCurrentA caps the PWM duty clamp used in
	// simplified mode (entry directly to C without ever seeing PWM). Zero
	// disables the cap. §4.1: "clamp duty ≤ 10/0.6/100" is the default.
	SimplifiedModeMaxCurrentA float64
}

// DefaultConfig returns the §4.1 defaults (no lock-in-B, no ventilation,
// 10 A simplified-mode cap).
func DefaultConfig() Config {
	return Config{SimplifiedModeMaxCurrentA: 10}
}

// Machine is the IEC CP state machine for one connector. Create with New
// and drive it with Run; feed it BSP notifications with Notify.
type Machine struct {
	bsp    ports.BSP
	cfg    Config
	logger evselog.Logger
	sessionID func() string

	mu *lock.TimedMutex

	queue *eventqueue.Queue[session.BSPEvent]

	c1Timer     *asynctimer.Timer
	unlockTimer *asynctimer.Timer

	emit func(session.AbstractEvent)

	// protected by mu, only ever touched from the Run goroutine
	last           session.RawCPState
	everPlugged    bool
	pwmRunning     bool
	pwmDuty        float64
	allowPowerOn   bool
	simplifiedMode bool
	shouldLock     bool
	relayClosed    bool
	forceUnlocked  bool
}

// New creates a CP state machine driving bsp. emit is called (from the
// Run goroutine, never concurrently) for every abstract event the
// machine produces. sessionID, if non-nil, is consulted for log
// correlation; it may return "" before a session exists.
func New(bsp ports.BSP, cfg Config, logger evselog.Logger, emit func(session.AbstractEvent), sessionID func() string) *Machine {
	if logger == nil {
		logger = evselog.NoopLogger{}
	}
	if sessionID == nil {
		sessionID = func() string { return "" }
	}
	m := &Machine{
		bsp:       bsp,
		cfg:       cfg,
		logger:    logger,
		sessionID: sessionID,
		mu:        lock.New(),
		queue:     eventqueue.New[session.BSPEvent](),
		emit:      emit,
		last:      session.CPDisabled,
	}
	m.c1Timer = asynctimer.New(m.onC1Expiry)
	m.unlockTimer = asynctimer.New(m.onUnlockExpiry)
	return m
}

// Notify enqueues a raw BSP notification for processing by Run. Safe to
// call from the BSP driver's own goroutine.
func (m *Machine) Notify(ev session.BSPEvent) {
	m.queue.Push(ev)
}

// Close stops accepting new notifications and wakes Run.
func (m *Machine) Close() {
	m.queue.Close()
}

// Run drains the notification queue until ctx is cancelled or Close is
// called. It is meant to be run on its own goroutine for the lifetime of
// the connector.
func (m *Machine) Run(ctx context.Context) {
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

// handle processes a single BSP notification under the machine's lock.
// Per §4.1's concurrency rule, any timer Start/Stop decided during the
// transition is deferred and issued only after the lock is released, so
// a timer firing re-entrantly into handle can never deadlock on mu.
func (m *Machine) handle(ctx context.Context, ev session.BSPEvent) {
	guard, err := m.mu.Lock(ctx, "cpstate.handle", lock.DefaultDeadline)
	if err != nil {
		m.logger.Log(evselog.Event{
			Timestamp: time.Now(), SessionUUID: m.sessionID(), Layer: evselog.LayerCP, Category: evselog.CategoryError,
			Error: &evselog.ErrorEventData{Source: "cpstate", Message: err.Error()},
		})
		return
	}

	var deferredTimer func()
	switch ev.Kind {
	case session.BSPCPState:
		deferredTimer = m.transition(ev.CP)
	case session.BSPPowerOn:
		m.allowPowerOn = true
	case session.BSPPowerOff:
		m.allowPowerOn = false
	case session.BSPReplugStart:
		m.emitEvent(session.EvEvseReplugStarted)
	case session.BSPReplugFinish:
		m.emitEvent(session.EvEvseReplugFinished)
	}

	guard.Unlock()

	if deferredTimer != nil {
		deferredTimer()
	}
}

// transition runs the §4.1 per-raw-state algorithm and returns a thunk
// that arms or cancels whichever timer the transition decided on, to be
// invoked after the lock is released.
func (m *Machine) transition(raw session.RawCPState) func() {
	prev := m.last
	m.last = raw

	switch raw {
	case session.CPStateA:
		return m.toA(prev)
	case session.CPStateB:
		return m.toB(prev)
	case session.CPStateC, session.CPStateD:
		return m.toCD(prev, raw)
	case session.CPStateE:
		return m.toE(prev)
	case session.CPStateF:
		return m.toF(prev)
	case session.CPDisabled:
		return m.toDisabled(prev)
	default:
		return nil
	}
}

func (m *Machine) toA(prev session.RawCPState) func() {
	if prev != session.CPStateA {
		m.emitEvent(session.EvCarUnplugged)
	}
	m.stopPWM()
	m.denyPower("unplugged")
	m.simplifiedMode = false
	m.everPlugged = false
	m.setShouldLock(false)
	return func() { m.c1Timer.Stop() }
}

func (m *Machine) toB(prev session.RawCPState) func() {
	if m.cfg.LockInB {
		m.setShouldLock(true)
	}

	switch {
	case prev == session.CPStateC || prev == session.CPStateD:
		m.emitEvent(session.EvCarRequestedStopPower)
		m.denyPower("stop-power-request")
	case prev == session.CPStateA || prev == session.CPDisabled || (prev == session.CPStateF && !m.everPlugged):
		m.emitEvent(session.EvCarPluggedIn)
		m.everPlugged = true
	case prev == session.CPStateE || prev == session.CPStateF:
		m.emitEvent(session.EvEFtoBCD)
	}
	return func() { m.c1Timer.Stop() }
}

func (m *Machine) toCD(prev session.RawCPState, raw session.RawCPState) func() {
	if raw == session.CPStateD && !m.cfg.VentilationSupported {
		m.denyPower("ventilation-unsupported")
		return nil
	}

	m.setShouldLock(true)

	plugInEdge := prev == session.CPStateA || prev == session.CPDisabled || (prev == session.CPStateF && !m.everPlugged)
	if plugInEdge {
		m.emitEvent(session.EvCarPluggedIn)
		m.everPlugged = true
		m.simplifiedMode = true
		// Plug-in directly into C without ever having seen PWM is
		// simplified mode; synthesize the power request.
		m.emitEvent(session.EvCarRequestedPower)
	}
	if prev == session.CPStateB {
		m.emitEvent(session.EvCarRequestedPower)
	}

	if !m.pwmRunning {
		// C1: PWM stopped while in C/D. Arm the power-off-under-load
		// timer instead of denying power immediately.
		return func() { m.c1Timer.Start(C1PowerOffTimeout) }
	}

	// C2/D2: PWM running.
	if prev == session.CPStateB && m.allowPowerOn {
		m.grantPower("b-to-c-allow")
	}
	return func() { m.c1Timer.Stop() }
}

func (m *Machine) toE(prev session.RawCPState) func() {
	m.denyPower("fault")
	m.stopPWM()
	m.setShouldLock(false)
	if prev == session.CPStateB || prev == session.CPStateC || prev == session.CPStateD {
		m.emitEvent(session.EvBCDtoEF)
		m.emitEvent(session.EvBCDtoE)
	}
	return func() { m.c1Timer.Stop() }
}

func (m *Machine) toF(prev session.RawCPState) func() {
	m.denyPower("evse-forced-off")
	wasBCD := prev == session.CPStateB || prev == session.CPStateC || prev == session.CPStateD
	if wasBCD {
		m.emitEvent(session.EvBCDtoEF)
	}
	armUnlock := prev != session.CPStateF
	return func() {
		m.c1Timer.Stop()
		if armUnlock {
			m.unlockTimer.Start(UnlockInFTimeout)
		}
	}
}

func (m *Machine) toDisabled(prev session.RawCPState) func() {
	m.denyPower("disabled")
	m.stopPWM()
	m.setShouldLock(false)
	m.simplifiedMode = false
	return func() {
		m.c1Timer.Stop()
		m.unlockTimer.Stop()
	}
}

// onC1Expiry fires when PWM has stayed stopped in C/D for
// C1PowerOffTimeout: force power off.
func (m *Machine) onC1Expiry() {
	guard, err := m.mu.Lock(context.Background(), "cpstate.onC1Expiry", lock.DefaultDeadline)
	if err != nil {
		return
	}
	m.denyPower("c1-timeout")
	guard.Unlock()
}

// onUnlockExpiry fires UnlockInFTimeout after entering F: force-unlock
// the connector (relays are already off by then).
func (m *Machine) onUnlockExpiry() {
	guard, err := m.mu.Lock(context.Background(), "cpstate.onUnlockExpiry", lock.DefaultDeadline)
	if err != nil {
		return
	}
	m.forceUnlocked = true
	m.applyLockPolicy()
	guard.Unlock()
}

// SetPWM is called by the Charger to request a duty cycle. Values
// outside (0,1) turn PWM off. In simplified mode with a configured
// current cap, duty is clamped per §4.1's PWM contract.
func (m *Machine) SetPWM(duty float64) error {
	guard, err := m.mu.Lock(context.Background(), "cpstate.SetPWM", lock.DefaultDeadline)
	if err != nil {
		return err
	}
	defer guard.Unlock()

	if duty <= 0 || duty >= 1 {
		return m.stopPWMLocked()
	}

	if m.simplifiedMode && m.cfg.SimplifiedModeMaxCurrentA > 0 {
		maxDuty := m.cfg.SimplifiedModeMaxCurrentA / 0.6 / 100
		if duty > maxDuty {
			duty = maxDuty
		}
	}

	m.pwmRunning = true
	m.pwmDuty = duty
	m.logBSPCommand("set_pwm", duty, false, "")
	if err := m.bsp.SetPWM(duty); err != nil {
		return err
	}
	if m.last.IsCD() {
		m.c1Timer.Stop()
		if m.allowPowerOn {
			m.grantPower("pwm-resumed")
		}
	}
	return nil
}

func (m *Machine) stopPWM() {
	if !m.pwmRunning {
		return
	}
	m.pwmRunning = false
	m.pwmDuty = 0
	m.logBSPCommand("set_cp_state_X1", 0, false, "")
	_ = m.bsp.SetCPStateX1()
}

func (m *Machine) stopPWMLocked() error {
	if !m.pwmRunning {
		return nil
	}
	m.pwmRunning = false
	m.pwmDuty = 0
	m.logBSPCommand("set_cp_state_X1", 0, false, "")
	return m.bsp.SetCPStateX1()
}

// AllowPowerOn is the Charger-driven gate; it is distinct from the BSP
// PowerOn/PowerOff acknowledgement channel.
func (m *Machine) AllowPowerOn(on bool, reason session.PowerOnReason) error {
	guard, err := m.mu.Lock(context.Background(), "cpstate.AllowPowerOn", lock.DefaultDeadline)
	if err != nil {
		return err
	}
	defer guard.Unlock()
	if on {
		return m.grantPower(reason.String())
	}
	return m.denyPowerErr(reason.String())
}

func (m *Machine) grantPower(reason string) error {
	m.allowPowerOn = true
	m.relayClosed = true
	m.applyLockPolicy()
	m.logBSPCommand("allow_power_on", 0, true, reason)
	if err := m.bsp.AllowPowerOn(true, session.ReasonFullPowerCharging); err != nil {
		return err
	}
	m.emitEvent(session.EvPowerOn)
	return nil
}

func (m *Machine) denyPower(reason string) {
	_ = m.denyPowerErr(reason)
}

func (m *Machine) denyPowerErr(reason string) error {
	wasOn := m.relayClosed
	m.allowPowerOn = false
	m.relayClosed = false
	m.applyLockPolicy()
	m.logBSPCommand("allow_power_on", 0, false, reason)
	err := m.bsp.AllowPowerOn(false, session.ReasonPowerOff)
	if wasOn {
		m.emitEvent(session.EvPowerOff)
	}
	return err
}

// setShouldLock updates the connector-lock intent and applies policy
// immediately (§4.1 "Connector-lock policy").
func (m *Machine) setShouldLock(want bool) {
	m.shouldLock = want
	m.applyLockPolicy()
}

// applyLockPolicy implements §4.1: "should-be-locked OR relay-closed ⇒
// emit lock signal. Force-unlock overrides should-be-locked only while
// relays are off; unlock is always permitted when relays are off."
func (m *Machine) applyLockPolicy() {
	wantLocked := m.shouldLock || m.relayClosed
	if wantLocked && m.forceUnlocked && !m.relayClosed {
		wantLocked = false
	}
	if !m.relayClosed {
		m.forceUnlocked = m.forceUnlocked && !wantLocked
	}

	if wantLocked {
		_ = m.bsp.LockConnector()
	} else {
		_ = m.bsp.UnlockConnector()
	}
}

// ForceUnlock requests the connector unlock even though shouldLock is
// still set, valid only while relays are open.
func (m *Machine) ForceUnlock() error {
	guard, err := m.mu.Lock(context.Background(), "cpstate.ForceUnlock", lock.DefaultDeadline)
	if err != nil {
		return err
	}
	defer guard.Unlock()
	if m.relayClosed {
		return fmt.Errorf("cpstate: cannot force-unlock while relays are closed")
	}
	m.forceUnlocked = true
	m.applyLockPolicy()
	return nil
}

func (m *Machine) emitEvent(ev session.AbstractEvent) {
	m.logger.Log(evselog.Event{
		Timestamp: time.Now(), SessionUUID: m.sessionID(), Layer: evselog.LayerCP, Category: evselog.CategoryAbstractCP,
		AbstractCP: &evselog.AbstractCPEvent{Kind: ev.String()},
	})
	if m.emit != nil {
		m.emit(ev)
	}
}

func (m *Machine) logBSPCommand(cmd string, duty float64, b bool, reason string) {
	m.logger.Log(evselog.Event{
		Timestamp: time.Now(), SessionUUID: m.sessionID(), Layer: evselog.LayerCP, Category: evselog.CategoryBSPCommand,
		BSPCommand: &evselog.BSPCommandEvent{Command: cmd, Duty: duty, Bool: b, Reason: reason},
	})
}

// State returns the last raw CP state observed, for diagnostics.
func (m *Machine) State() session.RawCPState {
	guard, err := m.mu.Lock(context.Background(), "cpstate.State", lock.DefaultDeadline)
	if err != nil {
		return session.CPDisabled
	}
	defer guard.Unlock()
	return m.last
}

// SimplifiedMode reports whether the current plug-in cycle entered
// directly into a power-request state without first observing PWM.
func (m *Machine) SimplifiedMode() bool {
	guard, err := m.mu.Lock(context.Background(), "cpstate.SimplifiedMode", lock.DefaultDeadline)
	if err != nil {
		return false
	}
	defer guard.Unlock()
	return m.simplifiedMode
}
