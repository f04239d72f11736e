// Package simtest provides in-memory implementations of every interface
// in pkg/ports, used by this module's own integration tests and by
// cmd/evse-sim. Each adapter is a small mutex-guarded struct that
// records the latest subscriber callback(s) and exposes Simulate*
// methods a test (or a simulation loop) calls to drive them, in the
// style of the teacher's pkg/examples (EVSE.SimulateEVConnect,
// SimulateCharging, SimulateEVDisconnect): a fake device plus explicit
// methods that play the part of "hardware happened."
package simtest

import (
	"context"
	"sync"
	"time"

	"github.com/evse-go/evsecore/pkg/ports"
	"github.com/evse-go/evsecore/pkg/session"
)

// BSP is an in-memory board-support driver.
type BSP struct {
	mu           sync.Mutex
	subs         []func(session.BSPEvent)
	capSubs      []func(session.HardwareCapabilities)
	caps         session.HardwareCapabilities
	pwmDuty      float64
	cpState      session.RawCPState
	allowedOn    bool
	allowReason  session.PowerOnReason
	locked       bool
	enabled      bool
	threePhase   bool
	overcurrentA float64
}

// NewBSP creates a BSP fake that starts enabled, with CP in state A.
func NewBSP() *BSP {
	return &BSP{enabled: true, cpState: session.CPStateA}
}

func (b *BSP) Subscribe(fn func(session.BSPEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, fn)
}

func (b *BSP) SubscribeCapabilities(fn func(session.HardwareCapabilities)) {
	b.mu.Lock()
	b.capSubs = append(b.capSubs, fn)
	caps := b.caps
	b.mu.Unlock()
	fn(caps)
}

func (b *BSP) SetPWM(duty float64) error            { b.mu.Lock(); b.pwmDuty = duty; b.mu.Unlock(); return nil }
func (b *BSP) SetCPStateX1() error                   { return nil }
func (b *BSP) SetCPStateF() error                    { return nil }
func (b *BSP) AllowPowerOn(on bool, reason session.PowerOnReason) error {
	b.mu.Lock()
	b.allowedOn, b.allowReason = on, reason
	b.mu.Unlock()
	return nil
}
func (b *BSP) ACSwitchThreePhasesWhileCharging(threePhase bool) error {
	b.mu.Lock()
	b.threePhase = threePhase
	b.mu.Unlock()
	return nil
}
func (b *BSP) EvseReplug(ctx context.Context, quiesce time.Duration) error {
	select {
	case <-time.After(quiesce):
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}
func (b *BSP) ACSetOvercurrentLimitA(amps float64) error {
	b.mu.Lock()
	b.overcurrentA = amps
	b.mu.Unlock()
	return nil
}
func (b *BSP) Enable(on bool) error { b.mu.Lock(); b.enabled = on; b.mu.Unlock(); return nil }
func (b *BSP) LockConnector() error { b.mu.Lock(); b.locked = true; b.mu.Unlock(); return nil }
func (b *BSP) UnlockConnector() error { b.mu.Lock(); b.locked = false; b.mu.Unlock(); return nil }
func (b *BSP) ReadPPAmpacity() (float64, error) { return 0, nil }

// SetCapabilities publishes new hardware capabilities to every subscriber.
func (b *BSP) SetCapabilities(caps session.HardwareCapabilities) {
	b.mu.Lock()
	b.caps = caps
	subs := append([]func(session.HardwareCapabilities){}, b.capSubs...)
	b.mu.Unlock()
	for _, fn := range subs {
		fn(caps)
	}
}

// SimulateCPState delivers a raw CP-state transition, as if reported by
// real hardware.
func (b *BSP) SimulateCPState(state session.RawCPState) {
	b.mu.Lock()
	b.cpState = state
	subs := append([]func(session.BSPEvent){}, b.subs...)
	b.mu.Unlock()
	for _, fn := range subs {
		fn(session.BSPEvent{Kind: session.BSPCPState, CP: state})
	}
}

// PWMDuty returns the last PWM duty written, for test assertions.
func (b *BSP) PWMDuty() float64 { b.mu.Lock(); defer b.mu.Unlock(); return b.pwmDuty }

// AllowedOn returns the last AllowPowerOn state, for test assertions.
func (b *BSP) AllowedOn() bool { b.mu.Lock(); defer b.mu.Unlock(); return b.allowedOn }

// HLC is an in-memory ISO 15118 stack fake.
type HLC struct {
	mu sync.Mutex

	requireAuthFn     func(session.AuthKind)
	dlinkFn           func(ports.HLCDLinkState)
	v2gSetupFn        func()
	acContactorFn     func(bool)
	startCableCheckFn func()
	startPreChargeFn  func()
	currentDemandFn   func(bool)
	dcOpenContactorFn func()
	targetVIFn        func(float64, float64)
	maxLimitsFn       func(session.EVInfo)
	evccidFn          func(string)
	departureFn       func(time.Time)

	lastDCLimits   [5]float64
	lastACLimits   [4]float64
	cableCheckOK   *bool
	chargeParams   [2]float64
}

func NewHLC() *HLC { return &HLC{} }

func (h *HLC) Setup(string, bool, bool) error                         { return nil }
func (h *HLC) SessionSetup([]session.AuthKind, bool, bool) error       { return nil }
func (h *HLC) UpdateEnergyTransferModes([]string) error                { return nil }
func (h *HLC) UpdateACLimits(minA, maxA, minV, maxV float64) error {
	h.mu.Lock()
	h.lastACLimits = [4]float64{minA, maxA, minV, maxV}
	h.mu.Unlock()
	return nil
}
func (h *HLC) UpdateDCLimits(minV, maxV, minA, maxA, maxPowerW float64) error {
	h.mu.Lock()
	h.lastDCLimits = [5]float64{minV, maxV, minA, maxA, maxPowerW}
	h.mu.Unlock()
	return nil
}
func (h *HLC) UpdateDCPresentValues(float64, float64) error { return nil }
func (h *HLC) UpdateMeterInfo(float64, float64) error       { return nil }
func (h *HLC) AuthorizationResponse(bool, string) error     { return nil }
func (h *HLC) CableCheckFinished(ok bool) error {
	h.mu.Lock()
	h.cableCheckOK = &ok
	h.mu.Unlock()
	return nil
}
func (h *HLC) SendError(string) error { return nil }
func (h *HLC) StopCharging() error    { return nil }
func (h *HLC) PauseCharging() error   { return nil }
func (h *HLC) NoEnergyPauseCharging(string) error { return nil }
func (h *HLC) ResetError() error                  { return nil }
func (h *HLC) SetChargingParameters(maxA, maxPowerW float64) error {
	h.mu.Lock()
	h.chargeParams = [2]float64{maxA, maxPowerW}
	h.mu.Unlock()
	return nil
}
func (h *HLC) ACContactorClosed(bool) error { return nil }

func (h *HLC) SubscribeRequireAuth(fn func(session.AuthKind))       { h.mu.Lock(); h.requireAuthFn = fn; h.mu.Unlock() }
func (h *HLC) SubscribeDLink(fn func(ports.HLCDLinkState))          { h.mu.Lock(); h.dlinkFn = fn; h.mu.Unlock() }
func (h *HLC) SubscribeV2GSetupFinished(fn func())                  { h.mu.Lock(); h.v2gSetupFn = fn; h.mu.Unlock() }
func (h *HLC) SubscribeACContactor(fn func(bool))                   { h.mu.Lock(); h.acContactorFn = fn; h.mu.Unlock() }
func (h *HLC) SubscribeStartCableCheck(fn func())                   { h.mu.Lock(); h.startCableCheckFn = fn; h.mu.Unlock() }
func (h *HLC) SubscribeStartPreCharge(fn func())                    { h.mu.Lock(); h.startPreChargeFn = fn; h.mu.Unlock() }
func (h *HLC) SubscribeCurrentDemand(fn func(bool))                 { h.mu.Lock(); h.currentDemandFn = fn; h.mu.Unlock() }
func (h *HLC) SubscribeDCOpenContactor(fn func())                   { h.mu.Lock(); h.dcOpenContactorFn = fn; h.mu.Unlock() }
func (h *HLC) SubscribeDCEVTargetVoltageCurrent(fn func(float64, float64)) {
	h.mu.Lock()
	h.targetVIFn = fn
	h.mu.Unlock()
}
func (h *HLC) SubscribeDCEVMaximumLimits(fn func(session.EVInfo)) { h.mu.Lock(); h.maxLimitsFn = fn; h.mu.Unlock() }
func (h *HLC) SubscribeEVCCID(fn func(string))                    { h.mu.Lock(); h.evccidFn = fn; h.mu.Unlock() }
func (h *HLC) SubscribeDepartureTime(fn func(time.Time))          { h.mu.Lock(); h.departureFn = fn; h.mu.Unlock() }

// SimulateRequireAuth invokes the require-auth callback, if subscribed.
func (h *HLC) SimulateRequireAuth(kind session.AuthKind) {
	h.mu.Lock()
	fn := h.requireAuthFn
	h.mu.Unlock()
	if fn != nil {
		fn(kind)
	}
}

// SimulateDLink invokes the data-link-state callback, if subscribed.
func (h *HLC) SimulateDLink(state ports.HLCDLinkState) {
	h.mu.Lock()
	fn := h.dlinkFn
	h.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

// SimulateV2GSetupFinished invokes the V2G-setup-finished callback.
func (h *HLC) SimulateV2GSetupFinished() {
	h.mu.Lock()
	fn := h.v2gSetupFn
	h.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// SimulateACContactor invokes the AC-contactor callback.
func (h *HLC) SimulateACContactor(closed bool) {
	h.mu.Lock()
	fn := h.acContactorFn
	h.mu.Unlock()
	if fn != nil {
		fn(closed)
	}
}

// SimulateStartCableCheck invokes the start-cable-check callback.
func (h *HLC) SimulateStartCableCheck() {
	h.mu.Lock()
	fn := h.startCableCheckFn
	h.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// SimulateCurrentDemand invokes the current-demand callback.
func (h *HLC) SimulateCurrentDemand(started bool) {
	h.mu.Lock()
	fn := h.currentDemandFn
	h.mu.Unlock()
	if fn != nil {
		fn(started)
	}
}

// SimulateDCEVTargetVoltageCurrent invokes the DC target V/I callback.
func (h *HLC) SimulateDCEVTargetVoltageCurrent(voltageV, currentA float64) {
	h.mu.Lock()
	fn := h.targetVIFn
	h.mu.Unlock()
	if fn != nil {
		fn(voltageV, currentA)
	}
}

// SimulateDCEVMaximumLimits invokes the DC EV-maximum-limits callback.
func (h *HLC) SimulateDCEVMaximumLimits(info session.EVInfo) {
	h.mu.Lock()
	fn := h.maxLimitsFn
	h.mu.Unlock()
	if fn != nil {
		fn(info)
	}
}

// CableCheckResult returns the last value reported to CableCheckFinished.
func (h *HLC) CableCheckResult() (ok, reported bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cableCheckOK == nil {
		return false, false
	}
	return *h.cableCheckOK, true
}

// SLAC is an in-memory PLC link bring-up fake.
type SLAC struct {
	mu          sync.Mutex
	stateFn     func(bool)
	errRoutine  func()
	dlinkReady  func()
	bcdEntered  bool
}

func NewSLAC() *SLAC { return &SLAC{} }

func (s *SLAC) EnterBCD() error      { s.mu.Lock(); s.bcdEntered = true; s.mu.Unlock(); return nil }
func (s *SLAC) LeaveBCD() error      { s.mu.Lock(); s.bcdEntered = false; s.mu.Unlock(); return nil }
func (s *SLAC) Reset(bool) error     { return nil }
func (s *SLAC) DLinkError() error    { return nil }
func (s *SLAC) DLinkPause() error    { return nil }
func (s *SLAC) DLinkTerminate() error { return nil }

func (s *SLAC) SubscribeState(fn func(bool))             { s.mu.Lock(); s.stateFn = fn; s.mu.Unlock() }
func (s *SLAC) SubscribeRequestErrorRoutine(fn func())    { s.mu.Lock(); s.errRoutine = fn; s.mu.Unlock() }
func (s *SLAC) SubscribeDLinkReady(fn func())             { s.mu.Lock(); s.dlinkReady = fn; s.mu.Unlock() }

// SimulateMatched reports a SLAC matching result to the subscriber.
func (s *SLAC) SimulateMatched(matched bool) {
	s.mu.Lock()
	fn := s.stateFn
	s.mu.Unlock()
	if fn != nil {
		fn(matched)
	}
}

// IsolationMonitor is an in-memory DC isolation monitor fake.
type IsolationMonitor struct {
	mu          sync.Mutex
	running     bool
	measureFn   func(ports.IsolationMeasurement)
	selfTestFn  func(bool)
	selfTestRuns int
}

func NewIsolationMonitor() *IsolationMonitor { return &IsolationMonitor{} }

func (i *IsolationMonitor) Start() error { i.mu.Lock(); i.running = true; i.mu.Unlock(); return nil }
func (i *IsolationMonitor) Stop() error  { i.mu.Lock(); i.running = false; i.mu.Unlock(); return nil }
func (i *IsolationMonitor) StartSelfTest(float64) error {
	i.mu.Lock()
	i.selfTestRuns++
	i.mu.Unlock()
	return nil
}
func (i *IsolationMonitor) SubscribeMeasurement(fn func(ports.IsolationMeasurement)) {
	i.mu.Lock()
	i.measureFn = fn
	i.mu.Unlock()
}
func (i *IsolationMonitor) SubscribeSelfTestResult(fn func(bool)) {
	i.mu.Lock()
	i.selfTestFn = fn
	i.mu.Unlock()
}

// SimulateMeasurement delivers a resistance/voltage sample.
func (i *IsolationMonitor) SimulateMeasurement(m ports.IsolationMeasurement) {
	i.mu.Lock()
	fn := i.measureFn
	i.mu.Unlock()
	if fn != nil {
		fn(m)
	}
}

// SimulateSelfTestResult delivers a self-test outcome.
func (i *IsolationMonitor) SimulateSelfTestResult(ok bool) {
	i.mu.Lock()
	fn := i.selfTestFn
	i.mu.Unlock()
	if fn != nil {
		fn(ok)
	}
}

// PowerSupply is an in-memory DC power-supply fake.
type PowerSupply struct {
	mu         sync.Mutex
	caps       session.PowerSupplyCapabilities
	mode       ports.PowerSupplyMode
	exportV    float64
	exportA    float64
	voltageFn  func(float64, float64)
}

// NewPowerSupply creates a PowerSupply fake with the given capabilities.
func NewPowerSupply(caps session.PowerSupplyCapabilities) *PowerSupply {
	return &PowerSupply{caps: caps}
}

func (p *PowerSupply) SetMode(mode ports.PowerSupplyMode, _ string) error {
	p.mu.Lock()
	p.mode = mode
	p.mu.Unlock()
	return nil
}
func (p *PowerSupply) SetExportVoltageCurrent(voltageV, currentA float64) error {
	p.mu.Lock()
	p.exportV, p.exportA = voltageV, currentA
	p.mu.Unlock()
	return nil
}
func (p *PowerSupply) SetImportVoltageCurrent(float64, float64) error { return nil }
func (p *PowerSupply) Capabilities() session.PowerSupplyCapabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.caps
}
func (p *PowerSupply) SubscribeVoltageCurrent(fn func(float64, float64)) {
	p.mu.Lock()
	p.voltageFn = fn
	p.mu.Unlock()
}

// Mode returns the last mode set, for test assertions.
func (p *PowerSupply) Mode() ports.PowerSupplyMode { p.mu.Lock(); defer p.mu.Unlock(); return p.mode }

// SimulateVoltageCurrent reports an actual voltage/current sample,
// as if ramping up toward the last SetExportVoltageCurrent target.
func (p *PowerSupply) SimulateVoltageCurrent(voltageV, currentA float64) {
	p.mu.Lock()
	fn := p.voltageFn
	p.mu.Unlock()
	if fn != nil {
		fn(voltageV, currentA)
	}
}

// BillingMeter is an in-memory metrology/billing meter fake.
type BillingMeter struct {
	id string

	mu       sync.Mutex
	errFn    func(session.HardwareError)
	readFn   func(ports.PowerMeterReading)
	txnSeq   int
	failNext bool
}

// NewBillingMeter creates a BillingMeter fake identified by id.
func NewBillingMeter(id string) *BillingMeter { return &BillingMeter{id: id} }

func (m *BillingMeter) ID() string { return m.id }

func (m *BillingMeter) StartTransaction(ctx context.Context, req ports.StartTransactionRequest) (ports.StartTransactionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext {
		m.failNext = false
		return ports.StartTransactionResult{Status: ports.TransactionUnexpectedError}, nil
	}
	m.txnSeq++
	return ports.StartTransactionResult{Status: ports.TransactionOK, StartSignedValue: "start-sig"}, nil
}

func (m *BillingMeter) StopTransaction(ctx context.Context, transactionID string) (ports.StopTransactionResult, error) {
	return ports.StopTransactionResult{Status: ports.TransactionOK, SignedValue: "stop-sig"}, nil
}

func (m *BillingMeter) SubscribeReadings(fn func(ports.PowerMeterReading)) {
	m.mu.Lock()
	m.readFn = fn
	m.mu.Unlock()
}
func (m *BillingMeter) SubscribeErrors(fn func(session.HardwareError)) {
	m.mu.Lock()
	m.errFn = fn
	m.mu.Unlock()
}

// FailNextTransaction makes the next StartTransaction call report a
// TransactionUnexpectedError, for Error Aggregator propagation tests.
func (m *BillingMeter) FailNextTransaction() {
	m.mu.Lock()
	m.failNext = true
	m.mu.Unlock()
}

// SimulateReading delivers a metrology sample.
func (m *BillingMeter) SimulateReading(r ports.PowerMeterReading) {
	m.mu.Lock()
	fn := m.readFn
	m.mu.Unlock()
	if fn != nil {
		fn(r)
	}
}

// SimulateError delivers a driver-reported hardware fault.
func (m *BillingMeter) SimulateError(e session.HardwareError) {
	m.mu.Lock()
	fn := m.errFn
	m.mu.Unlock()
	if fn != nil {
		fn(e)
	}
}

// EnergyManager is an in-memory external optimizer fake.
type EnergyManager struct {
	mu       sync.Mutex
	lastReq  ports.EnergyFlowRequest
	enforceFn func(session.EnforcedLimits)
}

func NewEnergyManager() *EnergyManager { return &EnergyManager{} }

func (e *EnergyManager) PublishEnergyFlowRequest(req ports.EnergyFlowRequest) {
	e.mu.Lock()
	e.lastReq = req
	e.mu.Unlock()
}
func (e *EnergyManager) SubscribeEnforceLimits(fn func(session.EnforcedLimits)) {
	e.mu.Lock()
	e.enforceFn = fn
	e.mu.Unlock()
}

// LastRequest returns the most recently published energy flow request.
func (e *EnergyManager) LastRequest() ports.EnergyFlowRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastReq
}

// EnforceLimits pushes limits down to the subscriber, as if this
// optimizer had decided on a new schedule.
func (e *EnergyManager) EnforceLimits(limits session.EnforcedLimits) {
	e.mu.Lock()
	fn := e.enforceFn
	e.mu.Unlock()
	if fn != nil {
		fn(limits)
	}
}

// AuthProvider is an in-memory authorization fake: SetAccept controls
// what the next Authorize call returns.
type AuthProvider struct {
	mu         sync.Mutex
	accept     bool
	withdrawFn func()
}

// NewAuthProvider creates an AuthProvider that accepts every token by
// default.
func NewAuthProvider() *AuthProvider { return &AuthProvider{accept: true} }

func (a *AuthProvider) Authorize(ctx context.Context, token ports.ProvidedToken) (ports.AuthorizeResponse, error) {
	a.mu.Lock()
	accept := a.accept
	a.mu.Unlock()
	return ports.AuthorizeResponse{Accepted: accept}, nil
}

func (a *AuthProvider) SubscribeWithdraw(fn func()) {
	a.mu.Lock()
	a.withdrawFn = fn
	a.mu.Unlock()
}

// SetAccept controls whether the next Authorize call accepts.
func (a *AuthProvider) SetAccept(accept bool) { a.mu.Lock(); a.accept = accept; a.mu.Unlock() }

// SimulateWithdraw invokes the withdraw callback, if subscribed.
func (a *AuthProvider) SimulateWithdraw() {
	a.mu.Lock()
	fn := a.withdrawFn
	a.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// ReservationSink is an in-memory OCPP reservation-bookkeeping fake.
type ReservationSink struct {
	mu       sync.Mutex
	Reserved []string
	Ended    []string
}

func NewReservationSink() *ReservationSink { return &ReservationSink{} }

func (r *ReservationSink) NotifyReserved(id string) {
	r.mu.Lock()
	r.Reserved = append(r.Reserved, id)
	r.mu.Unlock()
}
func (r *ReservationSink) NotifyReservationEnded(id string) {
	r.mu.Lock()
	r.Ended = append(r.Ended, id)
	r.mu.Unlock()
}

// PersistentStore is an in-memory ports.PersistentStore fake.
type PersistentStore struct {
	mu   sync.Mutex
	data map[string]string
}

func NewPersistentStore() *PersistentStore {
	return &PersistentStore{data: make(map[string]string)}
}

func (s *PersistentStore) Store(ctx context.Context, key, value string) error {
	s.mu.Lock()
	s.data[key] = value
	s.mu.Unlock()
	return nil
}
func (s *PersistentStore) Load(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok, nil
}
func (s *PersistentStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
	return nil
}
