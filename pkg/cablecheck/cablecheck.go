// Package cablecheck implements the §4.4 DC Cable-Check task: the
// cable-insulation check IEC 61851-23:2023 §6.3.1.109 requires before
// current demand starts.
//
// Grounded on original_source's EvseManager::cable_check() (the
// dedicated-goroutine-per-run shape, the step sequence, and
// get_cable_check_voltage's IEC formula CC.1), with the EV-timing
// probes modelled as pkg/cell polling loops rather than callback
// chains, per Design Note "Async flow". check_isolation_resistance_in_range
// is folded into Run's sample loop and fail_cable_check into fail below.
package cablecheck

import (
	"context"
	"time"

	"github.com/evse-go/evsecore/pkg/cell"
	"github.com/evse-go/evsecore/pkg/erroragg"
	"github.com/evse-go/evsecore/pkg/ports"
	"github.com/evse-go/evsecore/pkg/session"
	"github.com/evse-go/evsecore/pkg/stopwatch"
)

// errSource identifies cable-check-raised errors to erroragg.
const errSource = "CableCheck"

// Config tunes the cable-check sequence. Zero values fall back to the
// spec's defaults.
type Config struct {
	SafeVoltageV              float64       // below this before/after the check; default 60V
	BelowVoltageTimeout        time.Duration // default 10s
	ContactorsCloseTimeout     time.Duration // default 5s
	EVMaxVoltagePollInterval   time.Duration // default 100ms
	EVMaxVoltagePollCount      int           // default 10
	DefaultEVMaxVoltageV       float64       // fallback if EV never reports one; default 500V
	OverrideVoltageV           float64       // config may force a fixed cable-check voltage
	CurrentLimitA              float64       // default 2A
	VoltageReachedToleranceV   float64       // default 10V
	VoltageReachedTimeout      time.Duration // default 10s
	EnableIMDSelfTest          bool
	SelfTestTimeout            time.Duration // default 30s
	WaitSamples                int           // cable_check_wait_number_of_imd_measurements
	InsulationFaultResistanceOhm float64     // default 100000
	WaitBelowVoltageBeforeFinish bool
}

func (c Config) safeVoltageV() float64 {
	if c.SafeVoltageV > 0 {
		return c.SafeVoltageV
	}
	return 60
}

func (c Config) belowVoltageTimeout() time.Duration {
	if c.BelowVoltageTimeout > 0 {
		return c.BelowVoltageTimeout
	}
	return 10 * time.Second
}

func (c Config) contactorsCloseTimeout() time.Duration {
	if c.ContactorsCloseTimeout > 0 {
		return c.ContactorsCloseTimeout
	}
	return 5 * time.Second
}

func (c Config) evMaxVoltagePollInterval() time.Duration {
	if c.EVMaxVoltagePollInterval > 0 {
		return c.EVMaxVoltagePollInterval
	}
	return 100 * time.Millisecond
}

func (c Config) evMaxVoltagePollCount() int {
	if c.EVMaxVoltagePollCount > 0 {
		return c.EVMaxVoltagePollCount
	}
	return 10
}

func (c Config) defaultEVMaxVoltageV() float64 {
	if c.DefaultEVMaxVoltageV > 0 {
		return c.DefaultEVMaxVoltageV
	}
	return 500
}

func (c Config) currentLimitA() float64 {
	if c.CurrentLimitA > 0 {
		return c.CurrentLimitA
	}
	return 2
}

func (c Config) voltageReachedToleranceV() float64 {
	if c.VoltageReachedToleranceV > 0 {
		return c.VoltageReachedToleranceV
	}
	return 10
}

func (c Config) voltageReachedTimeout() time.Duration {
	if c.VoltageReachedTimeout > 0 {
		return c.VoltageReachedTimeout
	}
	return 10 * time.Second
}

func (c Config) selfTestTimeout() time.Duration {
	if c.SelfTestTimeout > 0 {
		return c.SelfTestTimeout
	}
	return 30 * time.Second
}

func (c Config) insulationFaultResistanceOhm() float64 {
	if c.InsulationFaultResistanceOhm > 0 {
		return c.InsulationFaultResistanceOhm
	}
	return 100000
}

// Deps are the Task's external collaborators. ShouldExit and
// ContactorClosed are read-only snapshots of the Charger's own state
// (cable_check_should_exit and the HLC-reported AC contactor in the
// original), since the cable-check task runs outside the Charger's own
// lock.
type Deps struct {
	PowerSupply     ports.PowerSupply
	IMD             ports.IsolationMonitor // nil ⇒ isolation checking is skipped entirely
	HLC             ports.HLC
	Errors          *erroragg.Aggregator
	ShouldExit      func() bool // true once the session has left PrepareCharging
	ContactorClosed func() bool
}

// Task runs one cable-check sequence per invocation of Start.
type Task struct {
	cfg  Config
	deps Deps

	voltage      *cell.Cell[float64]
	isolation    *cell.Cell[ports.IsolationMeasurement]
	selftest     *cell.Cell[bool]
	evMaxVoltage *cell.Cell[float64]
}

// New builds a Task and subscribes it to deps.HLC's start_cable_check
// signal (if HLC is set), launching the sequence in its own goroutine
// each time it fires, mirroring the original's "separate thread" per
// cable check.
func New(cfg Config, deps Deps) *Task {
	t := &Task{
		cfg:          cfg,
		deps:         deps,
		voltage:      cell.New[float64](),
		isolation:    cell.New[ports.IsolationMeasurement](),
		selftest:     cell.New[bool](),
		evMaxVoltage: cell.New[float64](),
	}
	if deps.PowerSupply != nil {
		deps.PowerSupply.SubscribeVoltageCurrent(func(voltageV, _ float64) {
			t.voltage.Set(voltageV)
		})
	}
	if deps.IMD != nil {
		deps.IMD.SubscribeMeasurement(func(m ports.IsolationMeasurement) { t.isolation.Set(m) })
		deps.IMD.SubscribeSelfTestResult(func(ok bool) { t.selftest.Set(ok) })
	}
	if deps.HLC != nil {
		deps.HLC.SubscribeDCEVMaximumLimits(func(info session.EVInfo) {
			if info.MaxVoltageV > 0 {
				t.evMaxVoltage.Set(info.MaxVoltageV)
			}
		})
		deps.HLC.SubscribeStartCableCheck(func() { go t.Run(context.Background()) })
	}
	return t
}

// Run executes one complete cable-check sequence, reporting the outcome
// to HLC.CableCheckFinished. It is safe to call directly (e.g. from
// tests); New already wires it to fire automatically on start_cable_check.
func (t *Task) Run(ctx context.Context) {
	if t.deps.IMD == nil {
		// No IMD connected: skip isolation checking entirely.
		if t.deps.HLC != nil {
			_ = t.deps.HLC.CableCheckFinished(true)
		}
		return
	}

	sw := stopwatch.New("CableCheck")

	if !t.waitBelowVoltage(ctx, t.cfg.safeVoltageV(), t.cfg.belowVoltageTimeout()) {
		t.fail("voltage did not drop below safe threshold before cable check")
		return
	}
	sw.Enter("<60V")

	if !t.waitContactorsClosed(ctx) {
		t.fail("contactors did not confirm closed within timeout")
		return
	}
	sw.Enter("Relay On")

	evMaxVoltage := t.pollEVMaxVoltage()
	sw.Enter("EVInfo")

	caps := session.PowerSupplyCapabilities{}
	if t.deps.PowerSupply != nil {
		caps = t.deps.PowerSupply.Capabilities()
	}
	targetV := computeCableCheckVoltage(evMaxVoltage, caps.MaxExportVoltageV)
	if t.cfg.OverrideVoltageV > 0 {
		targetV = t.cfg.OverrideVoltageV
	}

	if t.deps.PowerSupply != nil {
		if err := t.deps.PowerSupply.SetExportVoltageCurrent(targetV, t.cfg.currentLimitA()); err != nil {
			t.fail("could not set DC power supply voltage and current")
			return
		}
		_ = t.deps.PowerSupply.SetMode(ports.PowerSupplyExport, "CableCheck")
	}

	if !t.waitVoltageReached(ctx, targetV) {
		t.fail("voltage did not rise to target within timeout")
		return
	}
	sw.Enter("VRampUp")

	if t.cfg.EnableIMDSelfTest {
		t.selftest.Clear()
		if t.deps.IMD != nil {
			if err := t.deps.IMD.StartSelfTest(targetV); err != nil {
				t.fail("could not start IMD self test")
				return
			}
		}
		ok, received := t.selftest.WaitFor(t.cfg.selfTestTimeout())
		if t.shouldExit() {
			t.fail("cancelled during IMD self test")
			return
		}
		if !received {
			t.fail("did not get a self test result from IMD within timeout")
			return
		}
		if !ok {
			t.fail("IMD self test failed")
			return
		}
	}
	sw.Enter("Self test")

	if t.deps.IMD != nil {
		_ = t.deps.IMD.Start()
	}
	if t.cfg.WaitSamples > 0 {
		t.isolation.Clear()
		for i := 0; i < t.cfg.WaitSamples; i++ {
			m, ok := t.isolation.WaitFor(5 * time.Second)
			if !ok || t.shouldExit() {
				if t.deps.IMD != nil {
					_ = t.deps.IMD.Stop()
				}
				t.fail("did not receive isolation measurement from IMD within timeout")
				return
			}
			if i == t.cfg.WaitSamples-1 && m.ResistanceOhm < t.cfg.insulationFaultResistanceOhm() {
				if t.deps.IMD != nil {
					_ = t.deps.IMD.Stop()
				}
				if t.deps.Errors != nil {
					t.deps.Errors.Raise(errSource, erroragg.SourceIsolationFault, "Resistance", "", session.SeverityHigh)
				}
				t.fail("isolation resistance too low")
				return
			}
		}
		sw.Enter("Measure")
	}

	if t.cfg.WaitBelowVoltageBeforeFinish {
		t.waitBelowVoltage(ctx, t.cfg.safeVoltageV(), t.cfg.belowVoltageTimeout())
	}

	if t.deps.HLC != nil {
		_ = t.deps.HLC.CableCheckFinished(true)
	}
}

func (t *Task) shouldExit() bool {
	return t.deps.ShouldExit != nil && t.deps.ShouldExit()
}

// fail raises MREC11, informs HLC of the failure, and stops the DC
// supply, per §4.4's "fail at any step".
func (t *Task) fail(reason string) {
	if t.deps.Errors != nil {
		t.deps.Errors.Raise(errSource, erroragg.SourceCableCheckFault, reason, "", session.SeverityHigh)
	}
	if t.deps.PowerSupply != nil {
		_ = t.deps.PowerSupply.SetMode(ports.PowerSupplyOff, "CableCheck")
	}
	if t.deps.HLC != nil {
		_ = t.deps.HLC.CableCheckFinished(false)
	}
}

func (t *Task) waitBelowVoltage(ctx context.Context, thresholdV float64, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if v, ok := t.voltage.Peek(); ok && v < thresholdV {
			return true
		}
		if t.shouldExit() {
			return false
		}
		if time.Now().After(deadline) {
			if v, ok := t.voltage.Peek(); ok && v < thresholdV {
				return true
			}
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (t *Task) waitVoltageReached(ctx context.Context, targetV float64) bool {
	tolerance := t.cfg.voltageReachedToleranceV()
	deadline := time.Now().Add(t.cfg.voltageReachedTimeout())
	for {
		if v, ok := t.voltage.Peek(); ok && absFloat(v-targetV) <= tolerance {
			return true
		}
		if t.shouldExit() || time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (t *Task) waitContactorsClosed(ctx context.Context) bool {
	deadline := time.Now().Add(t.cfg.contactorsCloseTimeout())
	for {
		if t.deps.ContactorClosed == nil || t.deps.ContactorClosed() {
			return true
		}
		if t.shouldExit() || time.Now().After(deadline) {
			return t.deps.ContactorClosed != nil && t.deps.ContactorClosed()
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (t *Task) pollEVMaxVoltage() float64 {
	for i := 0; i < t.cfg.evMaxVoltagePollCount(); i++ {
		if v, ok := t.evMaxVoltage.Peek(); ok && v > 0 {
			return v
		}
		time.Sleep(t.cfg.evMaxVoltagePollInterval())
	}
	if v, ok := t.evMaxVoltage.Peek(); ok && v > 0 {
		return v
	}
	return t.cfg.defaultEVMaxVoltageV()
}

// computeCableCheckVoltage implements IEC 61851-23:2023 formula CC.1,
// grounded on get_cable_check_voltage in the original source.
func computeCableCheckVoltage(evMaxV, evseMaxV float64) float64 {
	cableV := 500.0
	if evMaxV <= 500 {
		if evMaxV+50 < cableV {
			cableV = evMaxV + 50
		}
		if evseMaxV > 0 && evseMaxV < cableV {
			cableV = evseMaxV
		}
	} else {
		cableV = evseMaxV
		if 1.1*evMaxV < cableV {
			cableV = 1.1 * evMaxV
		}
	}
	return cableV
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
