package charger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/evse-go/evsecore/pkg/cpstate"
	"github.com/evse-go/evsecore/pkg/erroragg"
	"github.com/evse-go/evsecore/pkg/ports"
	"github.com/evse-go/evsecore/pkg/session"
)

// fakeBSP is a minimal in-package stand-in for ports.BSP, mirroring
// cpstate's own test fake: the full simulator lives in ports/simtest.
type fakeBSP struct {
	mu sync.Mutex

	pwmDuty    float64
	pwmRunning bool
	allowPower bool
	cpF        int
	cpX1       int
}

func (f *fakeBSP) Subscribe(func(session.BSPEvent))                        {}
func (f *fakeBSP) SubscribeCapabilities(func(session.HardwareCapabilities)) {}

func (f *fakeBSP) SetPWM(duty float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if duty <= 0 || duty >= 1 {
		f.pwmRunning = false
		f.pwmDuty = 0
		return nil
	}
	f.pwmDuty = duty
	f.pwmRunning = true
	return nil
}

func (f *fakeBSP) SetCPStateX1() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cpX1++
	f.pwmRunning = false
	f.pwmDuty = 0
	return nil
}

func (f *fakeBSP) SetCPStateF() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cpF++
	return nil
}

func (f *fakeBSP) AllowPowerOn(on bool, reason session.PowerOnReason) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allowPower = on
	return nil
}

func (f *fakeBSP) ACSwitchThreePhasesWhileCharging(bool) error        { return nil }
func (f *fakeBSP) EvseReplug(context.Context, time.Duration) error    { return nil }
func (f *fakeBSP) ACSetOvercurrentLimitA(float64) error               { return nil }
func (f *fakeBSP) Enable(bool) error                                  { return nil }
func (f *fakeBSP) LockConnector() error                               { return nil }
func (f *fakeBSP) UnlockConnector() error                             { return nil }
func (f *fakeBSP) ReadPPAmpacity() (float64, error)                   { return 0, nil }

func (f *fakeBSP) snapshot() (duty float64, running, allow bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pwmDuty, f.pwmRunning, f.allowPower
}

// fakeMeter is a minimal ports.BillingMeter stand-in.
type fakeMeter struct {
	mu       sync.Mutex
	id       string
	fail     bool
	started  int
	stopped  int
	errsFn   func(session.HardwareError)
}

func (f *fakeMeter) ID() string { return f.id }

func (f *fakeMeter) StartTransaction(ctx context.Context, req ports.StartTransactionRequest) (ports.StartTransactionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
	if f.fail {
		return ports.StartTransactionResult{Status: ports.TransactionUnexpectedError}, nil
	}
	return ports.StartTransactionResult{Status: ports.TransactionOK, StartSignedValue: "start-sig"}, nil
}

func (f *fakeMeter) StopTransaction(ctx context.Context, transactionID string) (ports.StopTransactionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
	return ports.StopTransactionResult{Status: ports.TransactionOK, SignedValue: "stop-sig"}, nil
}

func (f *fakeMeter) SubscribeReadings(fn func(ports.PowerMeterReading)) {}
func (f *fakeMeter) SubscribeErrors(fn func(session.HardwareError))     { f.errsFn = fn }

// fakeStore is a minimal ports.PersistentStore stand-in.
type fakeStore struct {
	mu   sync.Mutex
	kv   map[string]string
}

func newFakeStore() *fakeStore { return &fakeStore{kv: make(map[string]string)} }

func (s *fakeStore) Store(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kv[key] = value
	return nil
}

func (s *fakeStore) Load(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.kv[key]
	return v, ok, nil
}

func (s *fakeStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.kv, key)
	return nil
}

// eventsLog records published SessionEvents in order.
type eventsLog struct {
	mu  sync.Mutex
	evs []session.EventKind
}

func (e *eventsLog) Publish(ev session.SessionEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.evs = append(e.evs, ev.Kind)
}

func (e *eventsLog) snapshot() []session.EventKind {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]session.EventKind, len(e.evs))
	copy(out, e.evs)
	return out
}

func (e *eventsLog) waitFor(t *testing.T, want session.EventKind) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, ev := range e.snapshot() {
			if ev == want {
				return
			}
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for event %v, got %v", want, e.snapshot())
}

// testRig bundles a wired cpstate.Machine + charger.Machine over a
// fakeBSP, both running on background goroutines.
type testRig struct {
	cp   *cpstate.Machine
	ch   *Machine
	bsp  *fakeBSP
	evs  *eventsLog
}

func newTestRig(t *testing.T, cfg Config, meters []ports.BillingMeter, errs *erroragg.Aggregator) *testRig {
	t.Helper()
	bsp := &fakeBSP{}
	evs := &eventsLog{}

	var ch *Machine
	cp := cpstate.New(bsp, cpstate.DefaultConfig(), nil, func(ev session.AbstractEvent) { ch.HandleAbstractEvent(ev) }, nil)

	if errs == nil {
		errs = erroragg.New(nil)
	}
	ch = New(cfg, Deps{
		CP:        cp,
		BSP:       bsp,
		Meters:    meters,
		Errors:    errs,
		Store:     newFakeStore(),
		Publisher: evs,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go cp.Run(ctx)
	go ch.Run(ctx)
	t.Cleanup(func() {
		cancel()
		cp.Close()
		ch.Close()
	})
	return &testRig{cp: cp, ch: ch, bsp: bsp, evs: evs}
}

func waitState(t *testing.T, ch *Machine, want ChargerState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ch.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %v, got %v", want, ch.State())
}

func TestACBasicHappyPath(t *testing.T) {
	cfg := DefaultConfig() // AC, no HLC
	rig := newTestRig(t, cfg, nil, nil)

	rig.cp.Notify(session.BSPEvent{Kind: session.BSPCPState, CP: session.CPStateB})
	rig.evs.waitFor(t, session.EventSessionStarted)
	waitState(t, rig.ch, session.StateWaitingForAuthentication)

	rig.ch.Authorized(session.AuthEIM, false)
	rig.evs.waitFor(t, session.EventPrepareCharging)
	waitState(t, rig.ch, session.StatePrepareCharging)

	rig.ch.SetMaxCurrent(16)
	rig.cp.Notify(session.BSPEvent{Kind: session.BSPCPState, CP: session.CPStateC})

	rig.evs.waitFor(t, session.EventChargingStarted)
	waitState(t, rig.ch, session.StateCharging)

	_, running, allow := rig.bsp.snapshot()
	if !running {
		t.Error("expected PWM running once charging")
	}
	if !allow {
		t.Error("expected power allowed once charging")
	}
}

func TestUnplugDuringSessionReturnsToIdle(t *testing.T) {
	cfg := DefaultConfig()
	rig := newTestRig(t, cfg, nil, nil)

	rig.cp.Notify(session.BSPEvent{Kind: session.BSPCPState, CP: session.CPStateB})
	rig.evs.waitFor(t, session.EventSessionStarted)

	rig.cp.Notify(session.BSPEvent{Kind: session.BSPCPState, CP: session.CPStateA})
	rig.evs.waitFor(t, session.EventSessionFinished)
	waitState(t, rig.ch, session.StateIdle)
}

func TestDeauthorizeOnIdleTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AuthorizationTimeout = 30 * time.Millisecond
	rig := newTestRig(t, cfg, nil, nil)

	rig.cp.Notify(session.BSPEvent{Kind: session.BSPCPState, CP: session.CPStateB})
	rig.evs.waitFor(t, session.EventSessionStarted)
	rig.evs.waitFor(t, session.EventPluginTimeout)
}

func TestPauseByEVEntersChargingPausedEV(t *testing.T) {
	cfg := DefaultConfig()
	rig := newTestRig(t, cfg, nil, nil)

	rig.cp.Notify(session.BSPEvent{Kind: session.BSPCPState, CP: session.CPStateB})
	rig.evs.waitFor(t, session.EventSessionStarted)
	rig.ch.Authorized(session.AuthEIM, false)
	rig.evs.waitFor(t, session.EventPrepareCharging)

	rig.ch.SetMaxCurrent(16)
	rig.cp.Notify(session.BSPEvent{Kind: session.BSPCPState, CP: session.CPStateC})
	rig.evs.waitFor(t, session.EventChargingStarted)

	// EV requests stop-power (C->B): Pause-by-EV.
	rig.cp.Notify(session.BSPEvent{Kind: session.BSPCPState, CP: session.CPStateB})
	rig.evs.waitFor(t, session.EventChargingPausedEV)
	waitState(t, rig.ch, session.StateChargingPausedEV)
}

func TestRequestPauseByEVSE(t *testing.T) {
	cfg := DefaultConfig()
	rig := newTestRig(t, cfg, nil, nil)

	rig.cp.Notify(session.BSPEvent{Kind: session.BSPCPState, CP: session.CPStateB})
	rig.evs.waitFor(t, session.EventSessionStarted)
	rig.ch.Authorized(session.AuthEIM, false)
	rig.evs.waitFor(t, session.EventPrepareCharging)

	rig.ch.SetMaxCurrent(16)
	rig.cp.Notify(session.BSPEvent{Kind: session.BSPCPState, CP: session.CPStateC})
	rig.evs.waitFor(t, session.EventChargingStarted)

	rig.ch.RequestPauseByEVSE()
	rig.evs.waitFor(t, session.EventChargingPausedEVSE)
	waitState(t, rig.ch, session.StateChargingPausedEVSE)

	_, running, allow := rig.bsp.snapshot()
	if running {
		t.Error("expected PWM stopped while paused by EVSE")
	}
	_ = allow
}

func TestStopRequestEndsSession(t *testing.T) {
	cfg := DefaultConfig()
	rig := newTestRig(t, cfg, nil, nil)

	rig.cp.Notify(session.BSPEvent{Kind: session.BSPCPState, CP: session.CPStateB})
	rig.evs.waitFor(t, session.EventSessionStarted)
	rig.ch.Authorized(session.AuthEIM, false)
	rig.evs.waitFor(t, session.EventPrepareCharging)

	rig.ch.SetMaxCurrent(16)
	rig.cp.Notify(session.BSPEvent{Kind: session.BSPCPState, CP: session.CPStateC})
	rig.evs.waitFor(t, session.EventChargingStarted)

	rig.ch.Stop(session.StopReasonLocal)
	rig.evs.waitFor(t, session.EventStoppingCharging)
	waitState(t, rig.ch, session.StateFinished)
}

func TestTransactionLifecycleStartsAndStopsMeter(t *testing.T) {
	cfg := DefaultConfig()
	meter := &fakeMeter{id: "meter-1"}
	rig := newTestRig(t, cfg, []ports.BillingMeter{meter}, nil)

	rig.cp.Notify(session.BSPEvent{Kind: session.BSPCPState, CP: session.CPStateB})
	rig.evs.waitFor(t, session.EventSessionStarted)
	rig.ch.Authorized(session.AuthEIM, false)
	rig.evs.waitFor(t, session.EventPrepareCharging)

	rig.ch.SetMaxCurrent(16)
	rig.cp.Notify(session.BSPEvent{Kind: session.BSPCPState, CP: session.CPStateC})
	rig.evs.waitFor(t, session.EventTransactionStarted)

	rig.ch.Stop(session.StopReasonLocal)
	rig.evs.waitFor(t, session.EventTransactionFinished)

	meter.mu.Lock()
	defer meter.mu.Unlock()
	if meter.started != 1 || meter.stopped != 1 {
		t.Errorf("meter start/stop calls = %d/%d, want 1/1", meter.started, meter.stopped)
	}
}

func TestFailOnPowermeterErrorsRaisesError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailOnPowermeterErrors = true
	meter := &fakeMeter{id: "meter-1", fail: true}
	errs := erroragg.New(nil)

	var gotInoperative bool
	var mu sync.Mutex
	errs.OnInoperative(func(session.HardwareError) {
		mu.Lock()
		gotInoperative = true
		mu.Unlock()
	})

	rig := newTestRig(t, cfg, []ports.BillingMeter{meter}, errs)

	rig.cp.Notify(session.BSPEvent{Kind: session.BSPCPState, CP: session.CPStateB})
	rig.evs.waitFor(t, session.EventSessionStarted)
	rig.ch.Authorized(session.AuthEIM, false)
	rig.evs.waitFor(t, session.EventPrepareCharging)

	rig.ch.SetMaxCurrent(16)
	rig.cp.Notify(session.BSPEvent{Kind: session.BSPCPState, CP: session.CPStateC})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		got := gotInoperative
		mu.Unlock()
		if got {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("expected Inoperative to be raised after meter start failure")
}

func TestPWMDutyForCurrentTable(t *testing.T) {
	cases := []struct {
		amps float64
		want float64
	}{
		{0, 0},
		{6, 6.0 / 0.6 / 100},
		{32, 32.0 / 0.6 / 100},
		{63, (63.0/2.5 + 64) / 100},
		{90, 0.97},
	}
	for _, c := range cases {
		if got := DutyForCurrent(c.amps); got != c.want {
			t.Errorf("DutyForCurrent(%v) = %v, want %v", c.amps, got, c.want)
		}
	}
}
