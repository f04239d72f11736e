// Package ports declares the external collaborator contracts named in
// §6: the boundary this CORE talks across but never implements. Per §1
// these are deliberately interface-only — the BSP driver, the ISO 15118
// stack, SLAC, the isolation monitor, the DC power supply, the billing
// meter, the energy manager, authorization, the persistent store, and
// the reservation/OCPP surface are all supplied by the embedding host.
// A fully working in-memory implementation of every interface here
// lives in ports/simtest, used by this module's own tests.
package ports

import (
	"context"
	"time"

	"github.com/evse-go/evsecore/pkg/session"
)

// BSP is the raw board-support driver (§6, "BSP driver").
type BSP interface {
	// Subscribe registers fn to receive every raw BSP event. Delivered
	// on an arbitrary goroutine per §5; fn must not block.
	Subscribe(fn func(session.BSPEvent))

	// SubscribeCapabilities registers fn to receive the hardware's
	// electrical capabilities whenever the BSP detects a change (e.g. PP
	// ampacity resolved).
	SubscribeCapabilities(fn func(session.HardwareCapabilities))

	SetPWM(duty float64) error // duty ∈ (0,1); values outside mean "off"
	SetCPStateX1() error
	SetCPStateF() error
	AllowPowerOn(on bool, reason session.PowerOnReason) error
	ACSwitchThreePhasesWhileCharging(threePhase bool) error
	EvseReplug(ctx context.Context, quiesce time.Duration) error
	ACSetOvercurrentLimitA(amps float64) error
	Enable(on bool) error

	// LockConnector and UnlockConnector drive the physical connector
	// lock actuator (§3 invariant: locked whenever relays closed or in
	// a locking CP state).
	LockConnector() error
	UnlockConnector() error

	// ReadPPAmpacity polls the proximity-pilot resistor ampacity for
	// socket-type connectors; returns 0 while unresolved.
	ReadPPAmpacity() (amps float64, err error)
}

// HLC is the ISO 15118 high-level communication stack (§6, "HLC
// stack"). Its protocol internals are a Non-goal; only the call/
// callback surface this CORE drives is modelled.
type HLC interface {
	Setup(evseID string, saeMode bool, logging bool) error
	SessionSetup(paymentOptions []session.AuthKind, contractInstall, centralValidation bool) error
	UpdateEnergyTransferModes(modes []string) error
	UpdateACLimits(minA, maxA, minVoltageV, maxVoltageV float64) error
	UpdateDCLimits(minV, maxV, minA, maxA, maxPowerW float64) error
	UpdateDCPresentValues(voltageV, currentA float64) error
	UpdateMeterInfo(powerW float64, energyWh float64) error
	AuthorizationResponse(accepted bool, certificateStatus string) error
	CableCheckFinished(ok bool) error
	SendError(kind string) error
	StopCharging() error
	PauseCharging() error
	NoEnergyPauseCharging(mode string) error
	ResetError() error
	SetChargingParameters(evseMaxCurrentA, evseMaxPowerW float64) error
	ACContactorClosed(closed bool) error

	SubscribeRequireAuth(fn func(kind session.AuthKind))
	SubscribeDLink(fn func(state HLCDLinkState))
	SubscribeV2GSetupFinished(fn func())
	SubscribeACContactor(fn func(close bool))
	SubscribeStartCableCheck(fn func())
	SubscribeStartPreCharge(fn func())
	SubscribeCurrentDemand(fn func(started bool))
	SubscribeDCOpenContactor(fn func())
	SubscribeDCEVTargetVoltageCurrent(fn func(voltageV, currentA float64))
	SubscribeDCEVMaximumLimits(fn func(session.EVInfo))
	SubscribeEVCCID(fn func(string))
	SubscribeDepartureTime(fn func(time.Time))
}

// HLCDLinkState is the ISO 15118-3 data-link state reported by HLC.
type HLCDLinkState uint8

const (
	DLinkReady HLCDLinkState = iota
	DLinkPause
	DLinkError
	DLinkTerminate
)

// SLAC is the PLC link bring-up layer (§6, "SLAC layer").
type SLAC interface {
	EnterBCD() error
	LeaveBCD() error
	Reset(fullReset bool) error
	DLinkError() error
	DLinkPause() error
	DLinkTerminate() error

	SubscribeState(fn func(matched bool))
	SubscribeRequestErrorRoutine(fn func())
	SubscribeDLinkReady(fn func())
}

// IsolationMonitor is the DC isolation-monitoring device (§6).
type IsolationMonitor interface {
	Start() error
	Stop() error
	StartSelfTest(voltageV float64) error

	SubscribeMeasurement(fn func(IsolationMeasurement))
	SubscribeSelfTestResult(fn func(ok bool))
}

// IsolationMeasurement is one IMD sample.
type IsolationMeasurement struct {
	ResistanceOhm      float64
	VoltageV           float64
	VoltageToEarthL1eV float64
	VoltageToEarthL2eV float64
}

// PowerSupply is the DC power supply (§6).
type PowerSupply interface {
	SetMode(mode PowerSupplyMode, chargingPhase string) error
	SetExportVoltageCurrent(voltageV, currentA float64) error
	SetImportVoltageCurrent(voltageV, currentA float64) error
	Capabilities() session.PowerSupplyCapabilities

	SubscribeVoltageCurrent(fn func(voltageV, currentA float64))
}

// PowerSupplyMode is the DC supply's operating mode.
type PowerSupplyMode uint8

const (
	PowerSupplyOff PowerSupplyMode = iota
	PowerSupplyExport
	PowerSupplyImport
)

// BillingMeter is a single metrology/billing meter (§6).
type BillingMeter interface {
	ID() string
	StartTransaction(ctx context.Context, req StartTransactionRequest) (StartTransactionResult, error)
	StopTransaction(ctx context.Context, transactionID string) (StopTransactionResult, error)
	SubscribeReadings(fn func(PowerMeterReading))

	// SubscribeErrors registers fn to receive driver-reported hardware
	// faults (communication loss, calibration fault) asynchronously,
	// rather than only ever surfacing as an error return from
	// StartTransaction/StopTransaction (grounded on the AST_DC650 and
	// PowermeterGSH01 EVerest driver modules, which raise these as
	// independent error events rather than failing the current call).
	SubscribeErrors(fn func(session.HardwareError))
}

// StartTransactionRequest mirrors §6's start_transaction payload.
type StartTransactionRequest struct {
	EVSEID         string
	SessionUUID    string
	Identification string
	TariffText     string
}

// TransactionStatus is the billing meter's result status.
type TransactionStatus uint8

const (
	TransactionOK TransactionStatus = iota
	TransactionUnexpectedError
)

// StartTransactionResult is what a meter returns from StartTransaction.
type StartTransactionResult struct {
	Status           TransactionStatus
	Error            error
	StartSignedValue string
}

// StopTransactionResult is what a meter returns from StopTransaction.
type StopTransactionResult struct {
	Status           TransactionStatus
	Error            error
	SignedValue      string
	StartSignedValue string
}

// PowerMeterReading is one metrology sample.
type PowerMeterReading struct {
	CurrentA [3]float64
	PowerW   float64
	EnergyWh float64
	At       time.Time
}

// EnergyManager is the external optimizer (§6).
type EnergyManager interface {
	PublishEnergyFlowRequest(req EnergyFlowRequest)
	SubscribeEnforceLimits(fn func(session.EnforcedLimits))
}

// EnergyFlowRequest is the periodic publication made by the Energy
// Request/Enforce Translator (§4.8).
type EnergyFlowRequest struct {
	UUID    string
	Import  []session.EnergyScheduleEntry
	Export  []session.EnergyScheduleEntry
}

// AuthProvider resolves authorization for a presented token (§6).
type AuthProvider interface {
	Authorize(ctx context.Context, token ProvidedToken) (AuthorizeResponse, error)
	SubscribeWithdraw(fn func())
}

// ProvidedToken mirrors §6's provided_token payload.
type ProvidedToken struct {
	AuthType      session.AuthKind
	IDTokenValue  string
	IDTokenType   string
	ConnectorIDs  []int
	Prevalidated  bool
}

// AuthorizeResponse is the provider's verdict.
type AuthorizeResponse struct {
	Accepted          bool
	CertificateStatus string
}

// PersistentStore is the key-value boundary used for crash-recovery of
// the active transaction UUID (§6).
type PersistentStore interface {
	Store(ctx context.Context, key, value string) error
	Load(ctx context.Context, key string) (value string, ok bool, err error)
	Delete(ctx context.Context, key string) error
}

// ReservationSink is the OCPP-facing reservation bookkeeping surface
// (§1: "reservation bookkeeping surface to OCPP" is an external
// collaborator).
type ReservationSink interface {
	NotifyReserved(id string)
	NotifyReservationEnded(id string)
}
