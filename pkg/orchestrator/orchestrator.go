// Package orchestrator implements the EVSE Orchestrator (spec.md §2 item
// 11): it wires HLC callbacks, power-meter subscriptions, cable-check
// sequencing for DC, the Error Aggregator/Enable-Disable Arbitrator,
// the Energy Request/Enforce Translator, reservation state, the
// Over-Voltage Supervisor, and the Diagnostics Advertiser around one
// Charging Session State Machine, then exposes every long-lived
// goroutine behind a single Run(ctx).
//
// Grounded on the teacher's cmd/mash-controller/main.go wiring style:
// a Config/Deps split, component construction in New, background tasks
// started from one place, and context-cancellation-driven shutdown —
// adapted from a CLI's flag-parsed main() into a reusable constructor so
// both cmd/evse-sim and cmd/evse-shell (and any other host) can embed
// it. Per §5's Concurrency & Resource Model, every goroutine started
// here accepts ctx and exits on cancellation, with the sole exception
// of pkg/cablecheck's task goroutine, which instead polls a
// ShouldExit predicate tied to leaving PrepareCharging — see
// DESIGN.md for why that one component keeps the original source's
// polling idiom instead of a derived context.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/evse-go/evsecore/pkg/cablecheck"
	"github.com/evse-go/evsecore/pkg/charger"
	"github.com/evse-go/evsecore/pkg/cpstate"
	"github.com/evse-go/evsecore/pkg/diagnostics"
	"github.com/evse-go/evsecore/pkg/enabledisable"
	"github.com/evse-go/evsecore/pkg/energy"
	"github.com/evse-go/evsecore/pkg/erroragg"
	evselog "github.com/evse-go/evsecore/pkg/log"
	"github.com/evse-go/evsecore/pkg/overvoltage"
	"github.com/evse-go/evsecore/pkg/ports"
	"github.com/evse-go/evsecore/pkg/reservation"
	"github.com/evse-go/evsecore/pkg/session"
)

// DiagnosticsConfig configures the ambient mDNS advertiser. Enabled
// defaults to false: a host without network discovery requirements
// leaves this zeroed and the advertiser is never constructed.
type DiagnosticsConfig struct {
	Enabled      bool
	DeviceID     string
	VendorName   string
	SerialNumber string
	Port         int
	Interface    string
	TTL          time.Duration
}

// Config bundles every sub-component's own Config alongside the knobs
// the Orchestrator itself needs to decide how to wire them together.
type Config struct {
	ChargeMode    session.ChargeMode
	HLCEnabled    bool
	ConnectorType session.ConnectorType

	Charger    charger.Config
	CPState    cpstate.Config
	Energy     energy.Config
	CableCheck cablecheck.Config

	// IgnoreList is passed through to erroragg.New.
	IgnoreList map[string]map[string]bool

	Diagnostics DiagnosticsConfig
}

// Deps bundles every external collaborator (§6 ports) the Orchestrator
// wires up. Only BSP is required; every other field may be left at its
// zero value when that capability is absent from the installation.
type Deps struct {
	BSP         ports.BSP
	HLC         ports.HLC // required when Config.HLCEnabled
	SLAC        ports.SLAC
	IMD         ports.IsolationMonitor
	PowerSupply ports.PowerSupply // required for DC

	Meters        []ports.BillingMeter
	EnergyManager ports.EnergyManager
	Auth          ports.AuthProvider
	Store         ports.PersistentStore
	Reservation   ports.ReservationSink

	Publisher            session.Publisher
	Logger               evselog.Logger
	SessionLoggerFactory func(sessionUUID string) evselog.Logger
}

// Orchestrator owns one connector's full component graph.
type Orchestrator struct {
	cfg  Config
	deps Deps

	Errors        *erroragg.Aggregator
	EnableDisable *enabledisable.Arbitrator
	Reservation   *reservation.Manager

	CP      *cpstate.Machine
	Charger *charger.Machine
	Energy  *energy.Translator

	cableCheck  *cablecheck.Task
	overvoltage *overvoltage.Supervisor
	diag        *diagnostics.Advertiser

	mu          sync.Mutex
	lastEVMaxV  float64
	slacMatched bool
}

// New builds and wires the full component graph. It does not start any
// goroutine; call Run for that.
func New(cfg Config, deps Deps) *Orchestrator {
	o := &Orchestrator{cfg: cfg, deps: deps}

	o.Errors = erroragg.New(cfg.IgnoreList)
	o.Reservation = reservation.New(deps.Publisher, deps.Reservation)

	o.CP = cpstate.New(deps.BSP, cfg.CPState, deps.Logger, o.onAbstractEvent, o.sessionUUID)
	deps.BSP.Subscribe(o.CP.Notify)

	o.Charger = charger.New(cfg.Charger, charger.Deps{
		CP:                   o.CP,
		BSP:                  deps.BSP,
		HLC:                  hlcOrNil(cfg.HLCEnabled, deps.HLC),
		Meters:               deps.Meters,
		Errors:               o.Errors,
		Store:                deps.Store,
		Publisher:            deps.Publisher,
		Logger:               deps.Logger,
		SessionLoggerFactory: deps.SessionLoggerFactory,
	})
	// The Arbitrator needs Charger.SetEnabled as its resolved-state sink,
	// so it is built after Charger rather than threaded through
	// charger.Deps (whose EnableDisable field is a read-only reference
	// for callers, not something Charger itself dereferences).
	o.EnableDisable = enabledisable.New(o.Charger.SetEnabled)

	o.Energy = energy.New(cfg.Energy, energy.Deps{
		Charger:     o.Charger,
		Manager:     deps.EnergyManager,
		HLC:         hlcOrNil(cfg.HLCEnabled, deps.HLC),
		PowerSupply: deps.PowerSupply,
	})

	deps.BSP.SubscribeCapabilities(func(caps session.HardwareCapabilities) {
		o.Energy.SetHardwareCapabilities(caps)
	})

	if cfg.ChargeMode == session.ModeDC && deps.HLC != nil {
		o.cableCheck = cablecheck.New(cfg.CableCheck, cablecheck.Deps{
			PowerSupply:     deps.PowerSupply,
			IMD:             deps.IMD,
			HLC:             deps.HLC,
			Errors:          o.Errors,
			ShouldExit:      func() bool { return !o.Charger.InPrepareCharging() },
			ContactorClosed: o.Charger.ContactorClosed,
		})
	}

	if deps.HLC != nil {
		deps.HLC.SubscribeDCEVMaximumLimits(o.onEVMaximumLimits)
		deps.HLC.SubscribeCurrentDemand(o.onCurrentDemand)
	}
	if deps.SLAC != nil {
		deps.SLAC.SubscribeState(o.onSLACState)
	}

	o.overvoltage = overvoltage.New()
	if deps.PowerSupply != nil {
		deps.PowerSupply.SubscribeVoltageCurrent(o.onPresentVoltage)
	}

	if cfg.Diagnostics.Enabled {
		o.diag = diagnostics.New(cfg.Diagnostics.Interface, cfg.Diagnostics.TTL)
	}

	return o
}

func hlcOrNil(enabled bool, hlc ports.HLC) ports.HLC {
	if !enabled {
		return nil
	}
	return hlc
}

func (o *Orchestrator) sessionUUID() string {
	// cpstate only uses this for log correlation; the Charger owns the
	// authoritative session UUID and there is no safe way to read it
	// without risking a lock-ordering cycle with cpstate's own mutex, so
	// correlation simply falls back to "" until the Charger starts
	// stamping its own session logger per session.
	return ""
}

// onAbstractEvent is cpstate's emit callback, forwarded straight to the
// Charger (the wiring point §4.1/§4.2 call the "abstract CP event
// stream").
func (o *Orchestrator) onAbstractEvent(ev session.AbstractEvent) {
	o.Charger.HandleAbstractEvent(ev)
	if ev == session.EvCarUnplugged {
		o.Errors.ClearOnPlugOut()
		o.Reservation.CancelOnFault()
	}
}

// onSLACState tracks the latest SLAC match result for Authorize's
// slacMatched argument to Charger.Authorized.
func (o *Orchestrator) onSLACState(matched bool) {
	o.mu.Lock()
	o.slacMatched = matched
	o.mu.Unlock()
}

// onEVMaximumLimits tracks the EV's reported maximum voltage, consumed
// by the Over-Voltage Supervisor when DC current demand starts.
func (o *Orchestrator) onEVMaximumLimits(info session.EVInfo) {
	o.mu.Lock()
	o.lastEVMaxV = info.MaxVoltageV
	o.mu.Unlock()
}

// onCurrentDemand arms or disarms the Over-Voltage Supervisor around a
// DC current-demand phase (§4.6).
func (o *Orchestrator) onCurrentDemand(started bool) {
	if !started {
		o.overvoltage.Stop()
		return
	}
	o.mu.Lock()
	evMaxV := o.lastEVMaxV
	o.mu.Unlock()
	evseMaxExportV := 0.0
	if o.deps.PowerSupply != nil {
		evseMaxExportV = o.deps.PowerSupply.Capabilities().MaxExportVoltageV
	}
	o.overvoltage.Start(evMaxV, evseMaxExportV)
}

// overvoltageSource identifies the Over-Voltage Supervisor as an error
// raiser, distinct from Charger's own errSource (§4.3 "Direct error
// surfaces").
const overvoltageSource = "OverVoltageSupervisor"

// onPresentVoltage checks every DC present-voltage sample against the
// armed Over-Voltage Supervisor, raising DCOvervoltage on a breach
// (§4.6). A stopped supervisor always verdicts OK, so this is safe to
// leave subscribed across AC sessions and idle periods.
func (o *Orchestrator) onPresentVoltage(voltageV, _ float64) {
	switch o.overvoltage.Check(voltageV) {
	case overvoltage.VerdictEmergency:
		o.Errors.Raise(overvoltageSource, erroragg.SourceOvervoltage, "emergency", "", session.SeverityHigh)
	case overvoltage.VerdictError:
		o.Errors.Raise(overvoltageSource, erroragg.SourceOvervoltage, "error", "", session.SeverityMedium)
	default:
		o.Errors.Clear(overvoltageSource, erroragg.SourceOvervoltage)
	}
}

// Authorize runs deps.Auth against token, then feeds the Charger's
// Authorized/AuthorizationFailed edge accordingly. It is a convenience
// wrapper; hosts that resolve authorization themselves may call
// Charger.Authorized/AuthorizationFailed directly instead.
func (o *Orchestrator) Authorize(ctx context.Context, token ports.ProvidedToken) error {
	if o.deps.Auth == nil {
		return nil
	}
	resp, err := o.deps.Auth.Authorize(ctx, token)
	if err != nil {
		o.Charger.AuthorizationFailed()
		return err
	}
	if !resp.Accepted {
		o.Charger.AuthorizationFailed()
		return nil
	}
	o.mu.Lock()
	matched := o.slacMatched
	o.mu.Unlock()
	o.Charger.Authorized(token.AuthType, matched)
	return nil
}

// Run starts every long-lived goroutine and blocks until ctx is
// cancelled, then closes the Charger, then the CP state machine, then
// stops the diagnostics advertiser; goroutines driven by ctx exit on
// their own.
func (o *Orchestrator) Run(ctx context.Context) {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		o.CP.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		o.Charger.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		o.Energy.Run(ctx)
	}()

	if o.diag != nil {
		_ = o.diag.Start(diagnostics.Info{
			DeviceID:      o.cfg.Diagnostics.DeviceID,
			VendorName:    o.cfg.Diagnostics.VendorName,
			SerialNumber:  o.cfg.Diagnostics.SerialNumber,
			ConnectorType: o.cfg.ConnectorType.String(),
			ChargeMode:    o.cfg.ChargeMode.String(),
			Port:          o.cfg.Diagnostics.Port,
		})
	}

	<-ctx.Done()

	o.Charger.Close()
	o.CP.Close()
	if o.diag != nil {
		o.diag.Stop()
	}
	wg.Wait()
}

// CableCheck exposes the DC cable-check task, nil in AC installations,
// for hosts that want to observe it directly (diagnostics, tests).
func (o *Orchestrator) CableCheck() *cablecheck.Task {
	return o.cableCheck
}
