// Package energy implements the Energy Request/Enforce Translator
// (spec.md §4.8): it publishes a periodic energy flow request (import/
// export schedules stamping hardware and power-supply capabilities) and
// applies an energy manager's enforce_limits callback back onto the
// Charger — phase-count switch, AC current limit (folding a watt limit
// into per-phase amps), the §4.11 UK smart-charging random delay, and,
// for DC, a clamped evse_max_current/power pushed to the HLC stack.
//
// The AC/DC limit arithmetic (§4.8's "folded into per-phase amps" and
// the DC current/power clamp into power-supply capabilities) is
// grounded on original_source's
// modules/EVSE/EvseManager/energy_grid/helpers/energy_grid_helpers.cpp
// (apply_AC_limit, prepare_evse_max_limits): the distilled spec.md names
// the behavior, the original gives the exact arithmetic. The §4.11
// random-delay substitution is delegated to pkg/ukdelay. Voltage
// tracking for the DC clamp uses pkg/cell's single-slot mailbox, the
// same Last-Value Cell primitive §2.5 names for exactly this kind of
// "latest known sample from an arbitrary-goroutine callback" need.
package energy

import (
	"context"
	"sync"
	"time"

	"github.com/evse-go/evsecore/pkg/cell"
	"github.com/evse-go/evsecore/pkg/ports"
	"github.com/evse-go/evsecore/pkg/session"
	"github.com/evse-go/evsecore/pkg/ukdelay"
)

// minOnVoltage is the DC "is there a real target voltage yet" floor
// used by prepare_evse_max_limits in the original source.
const minOnVoltage = 10.0

// ChargerTarget is the subset of *charger.Machine the translator drives.
type ChargerTarget interface {
	SetMaxCurrent(amps float64)
	RequestSwitchPhases(threePhase bool)
}

// Config configures a Translator.
type Config struct {
	SessionUUID string
	ChargeMode  session.ChargeMode

	ACNominalVoltageV                    float64
	ACPhaseCount                         int
	SupportsChangingPhasesDuringCharging bool

	// RequestZeroPowerInIdle reduces the published import max current to
	// HardwareCapabilities.MinCurrentImportA (0.1 A when that is unset;
	// non-zero, so resume can still be detected) while AC charging is
	// paused (§4.8). The same reduced limits are published to both root
	// and leaves.
	RequestZeroPowerInIdle bool
	HardwareCapabilities   session.HardwareCapabilities

	ScheduleInterval time.Duration // default 1s

	UKDelayEnabled     bool
	UKDelayMaxDuration time.Duration
	UKDelayMode        ukdelay.TriggerMode
}

func (c Config) scheduleInterval() time.Duration {
	if c.ScheduleInterval <= 0 {
		return time.Second
	}
	return c.ScheduleInterval
}

// Deps are the Translator's external collaborators.
type Deps struct {
	Charger     ChargerTarget
	Manager     ports.EnergyManager
	HLC         ports.HLC // optional; only consulted in DC mode
	PowerSupply ports.PowerSupply // optional; only consulted in DC mode
}

type voltageSample struct {
	ActualV float64
	TargetV float64
}

// Translator is the Energy Request/Enforce Translator.
type Translator struct {
	cfg  Config
	deps Deps

	mu               sync.Mutex
	activePhaseCount int
	paused           bool

	ukDelay  *ukdelay.Delay
	voltages *cell.Cell[voltageSample]
}

// New builds a Translator and subscribes it to deps.Manager's
// enforce_limits callback (if Manager is set).
func New(cfg Config, deps Deps) *Translator {
	t := &Translator{
		cfg:              cfg,
		deps:             deps,
		activePhaseCount: cfg.ACPhaseCount,
		voltages:         cell.New[voltageSample](),
	}
	if cfg.UKDelayEnabled {
		t.ukDelay = ukdelay.New(cfg.UKDelayMaxDuration, cfg.UKDelayMode, t.applyACLimit)
	}
	if deps.Manager != nil {
		deps.Manager.SubscribeEnforceLimits(t.onEnforceLimits)
	}
	if deps.PowerSupply != nil {
		deps.PowerSupply.SubscribeVoltageCurrent(func(actualV, _ float64) {
			sample, _ := t.voltages.Peek()
			sample.ActualV = actualV
			t.voltages.Set(sample)
		})
	}
	if deps.HLC != nil {
		deps.HLC.SubscribeDCEVTargetVoltageCurrent(func(targetV, _ float64) {
			sample, _ := t.voltages.Peek()
			sample.TargetV = targetV
			t.voltages.Set(sample)
		})
	}
	return t
}

// SetPaused informs the translator whether AC charging is currently
// paused, for the request_zero_power_in_idle schedule reduction.
func (t *Translator) SetPaused(paused bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.paused = paused
}

// SetHardwareCapabilities updates the capabilities published in the
// next energy flow request, for the orchestrator's BSP.SubscribeCapabilities
// wiring (the BSP may resolve PP ampacity, and so the real capability
// set, after this Translator is already constructed).
func (t *Translator) SetHardwareCapabilities(caps session.HardwareCapabilities) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cfg.HardwareCapabilities = caps
}

// Run publishes the energy flow request every ScheduleInterval until
// ctx is cancelled, plus once immediately (the spec's "plus on
// session-start" case — callers should also call PublishNow on session
// end for the matching "and session-end" case).
func (t *Translator) Run(ctx context.Context) {
	t.PublishNow()
	ticker := time.NewTicker(t.cfg.scheduleInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.PublishNow()
		}
	}
}

// PublishNow builds and publishes one energy flow request immediately.
func (t *Translator) PublishNow() {
	if t.deps.Manager == nil {
		return
	}
	t.deps.Manager.PublishEnergyFlowRequest(t.buildRequest())
}

func (t *Translator) buildRequest() ports.EnergyFlowRequest {
	t.mu.Lock()
	defer t.mu.Unlock()

	horizon := time.Hour
	start := time.Now().Truncate(time.Second)

	importLimits := session.ScheduleLimits{
		MaxCurrentA: t.cfg.HardwareCapabilities.MaxCurrentImportA,
		MaxPhases:   t.cfg.HardwareCapabilities.MaxPhasesImport,
	}
	if t.cfg.RequestZeroPowerInIdle && t.paused && t.cfg.ChargeMode == session.ModeAC {
		importLimits.MaxCurrentA = t.cfg.HardwareCapabilities.MinCurrentImportA
		if importLimits.MaxCurrentA <= 0 {
			importLimits.MaxCurrentA = 0.1
		}
	}
	exportLimits := session.ScheduleLimits{
		MaxCurrentA: t.cfg.HardwareCapabilities.MaxCurrentExportA,
		MaxPhases:   t.cfg.HardwareCapabilities.MaxPhasesExport,
	}

	if t.cfg.ChargeMode == session.ModeDC && t.deps.PowerSupply != nil {
		caps := t.deps.PowerSupply.Capabilities()
		importLimits.MaxCurrentA = caps.MaxImportCurrentA
		importLimits.MaxPhases = 0
		exportLimits.MaxCurrentA = caps.MaxExportCurrentA
		exportLimits.MaxPhases = 0
	}

	entry := func(limits session.ScheduleLimits) session.EnergyScheduleEntry {
		return session.EnergyScheduleEntry{
			StartsAt:       start,
			Duration:       horizon,
			LimitsToRoot:   limits,
			LimitsToLeaves: limits,
		}
	}

	return ports.EnergyFlowRequest{
		UUID:   t.cfg.SessionUUID,
		Import: []session.EnergyScheduleEntry{entry(importLimits)},
		Export: []session.EnergyScheduleEntry{entry(exportLimits)},
	}
}

// onEnforceLimits is the enforce_limits callback (§4.8): only consumed
// if the UUID matches this session.
func (t *Translator) onEnforceLimits(limits session.EnforcedLimits) {
	if limits.UUID != t.cfg.SessionUUID {
		return
	}

	t.mu.Lock()
	if limits.ACMaxPhaseCount > 0 && limits.ACMaxPhaseCount != t.activePhaseCount {
		if t.cfg.SupportsChangingPhasesDuringCharging && t.deps.Charger != nil {
			t.deps.Charger.RequestSwitchPhases(limits.ACMaxPhaseCount == 3)
		}
		t.activePhaseCount = limits.ACMaxPhaseCount
	}
	phases := t.activePhaseCount
	t.mu.Unlock()

	if t.cfg.ChargeMode == session.ModeAC {
		limit := computeACLimit(limits, t.cfg.ACNominalVoltageV, phases)
		if t.ukDelay != nil {
			limit = t.ukDelay.Submit(limit)
		}
		t.applyACLimit(limit)
		return
	}

	t.applyDCLimit(limits)
}

// applyACLimit takes a final (possibly random-delay-substituted) AC
// current and pushes it to the Charger.
func (t *Translator) applyACLimit(amps float64) {
	if t.deps.Charger != nil {
		t.deps.Charger.SetMaxCurrent(amps)
	}
}

// computeACLimit folds the watt limit into per-phase amps and
// returns the lower of the two, grounded on apply_AC_limit in
// energy_grid_helpers.cpp: "ac_max_current_A" is the floor value, a
// total_power_W limit narrows it further if it implies fewer amps.
func computeACLimit(limits session.EnforcedLimits, nominalVoltageV float64, phases int) float64 {
	limit := limits.ACMaxCurrentA
	if limits.TotalPowerW > 0 && nominalVoltageV > 0 && phases > 0 {
		wattDerived := limits.TotalPowerW / nominalVoltageV / float64(phases)
		if limit == 0 || wattDerived < limit {
			limit = wattDerived
		}
	}
	return limit
}

// applyDCLimit computes the clamped evse_max_current/power and pushes
// them to the HLC stack (prepare_evse_max_limits in
// energy_grid_helpers.cpp).
func (t *Translator) applyDCLimit(limits session.EnforcedLimits) {
	sample, _ := t.voltages.Peek()

	var caps session.PowerSupplyCapabilities
	if t.deps.PowerSupply != nil {
		caps = t.deps.PowerSupply.Capabilities()
	}

	maxCurrentA, maxPowerW := computeDCLimits(limits, caps, sample.ActualV, sample.TargetV)

	if t.deps.HLC != nil {
		_ = t.deps.HLC.UpdateDCLimits(caps.MinExportVoltageV, caps.MaxExportVoltageV, 0, maxCurrentA, maxPowerW)
	}
}

// computeDCLimits mirrors prepare_evse_max_limits: derive a current
// limit from total_power_W and the best available voltage (actual,
// falling back to target), then clamp both current and power into the
// supply's export (and, if bidirectional, import) capability range.
func computeDCLimits(limits session.EnforcedLimits, caps session.PowerSupplyCapabilities, actualV, targetV float64) (maxCurrentA, maxPowerW float64) {
	if targetV > minOnVoltage {
		v := targetV
		if actualV > minOnVoltage {
			v = actualV
		}
		if v > 0 {
			maxCurrentA = limits.TotalPowerW / v
		}
	} else {
		maxCurrentA = caps.MaxExportCurrentA
	}

	if maxCurrentA > caps.MaxExportCurrentA {
		maxCurrentA = caps.MaxExportCurrentA
	}
	if caps.HasImport && maxCurrentA < -caps.MaxImportCurrentA {
		maxCurrentA = -caps.MaxImportCurrentA
	}

	maxPowerW = limits.TotalPowerW
	if maxPowerW > caps.MaxExportPowerW {
		maxPowerW = caps.MaxExportPowerW
	}
	if caps.HasImport && maxPowerW < -caps.MaxImportPowerW {
		maxPowerW = -caps.MaxImportPowerW
	}

	return maxCurrentA, maxPowerW
}
