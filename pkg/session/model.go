package session

import "time"

// HardwareCapabilities describes what the connected BSP/connector can do
// electrically (§3).
type HardwareCapabilities struct {
	MinCurrentImportA float64
	MaxCurrentImportA float64
	MinCurrentExportA float64
	MaxCurrentExportA float64

	MinPhasesImport int
	MaxPhasesImport int
	MinPhasesExport int
	MaxPhasesExport int

	MaxVoltageV float64

	SupportsChangingPhasesDuringCharging bool
	ConnectorType                        ConnectorType
}

// PowerSupplyCapabilities describes the DC power supply (§3).
type PowerSupplyCapabilities struct {
	Bidirectional bool

	MinExportVoltageV float64
	MaxExportVoltageV float64
	MinExportCurrentA float64
	MaxExportCurrentA float64
	MinExportPowerW   float64
	MaxExportPowerW   float64

	HasImport         bool
	MinImportVoltageV float64
	MaxImportVoltageV float64
	MinImportCurrentA float64
	MaxImportCurrentA float64
	MinImportPowerW   float64
	MaxImportPowerW   float64

	ConversionEfficiencyImport float64
	ConversionEfficiencyExport float64
	CurrentRegulationToleranceA float64
	PeakCurrentRippleA          float64
}

// ExternalDerating expresses optional per-direction caps that intersect
// (min-wise) with HardwareCapabilities.
type ExternalDerating struct {
	HasImportCurrentA bool
	ImportCurrentA    float64
	HasExportCurrentA bool
	ExportCurrentA    float64
	HasImportPowerW   bool
	ImportPowerW      float64
	HasExportPowerW   bool
	ExportPowerW      float64
}

// EnforceSource identifies who is contributing an enable/disable or a
// limit entry (§3, Enable/Disable Entry; closed set, extend here only).
type EnforceSource uint8

const (
	SourceLocalAPI EnforceSource = iota
	SourceLocalKeyLock
	SourceOCPP
	SourceEnergyManager
	SourceErrorAggregator
	SourceMREC
	SourceEmergencyStop
	SourceReservation
)

func (s EnforceSource) String() string {
	switch s {
	case SourceLocalAPI:
		return "LocalAPI"
	case SourceLocalKeyLock:
		return "LocalKeyLock"
	case SourceOCPP:
		return "OCPP"
	case SourceEnergyManager:
		return "EnergyManager"
	case SourceErrorAggregator:
		return "ErrorAggregator"
	case SourceMREC:
		return "MREC"
	case SourceEmergencyStop:
		return "EmergencyStop"
	case SourceReservation:
		return "Reservation"
	default:
		return "Unknown"
	}
}

// EnableState is one entry's requested state (§3).
type EnableState uint8

const (
	Unassigned EnableState = iota
	Enable
	Disable
)

func (s EnableState) String() string {
	switch s {
	case Enable:
		return "Enable"
	case Disable:
		return "Disable"
	default:
		return "Unassigned"
	}
}

// EnableDisableEntry is one source's current vote (§3).
type EnableDisableEntry struct {
	Source      EnforceSource
	State       EnableState
	Priority    int // 0 = highest, 10000 = lowest
	ConnectorID int // 0 affects publication only, not charger state
}

// EnforcedLimits is what an energy manager pushes down (§3).
type EnforcedLimits struct {
	UUID             string
	ACMaxCurrentA    float64
	TotalPowerW      float64
	ACMaxPhaseCount  int
	ValidFor         time.Duration
	ReceivedAt       time.Time
}

// EVInfo is what the HLC stack reports about the connected vehicle (§3).
type EVInfo struct {
	PresentVoltageV float64
	PresentCurrentA float64
	TargetVoltageV  float64
	TargetCurrentA  float64
	MaxVoltageV     float64
	MaxCurrentA     float64
	MaxPowerW       float64
	BatterySoC      int // percent, -1 if unknown
	DepartureTime   time.Time
	EVCCID          string
}

// SessionRecord is the durable shape of a session for the log writer and
// the persistent store (§3, ADD).
type SessionRecord struct {
	UUID         string
	StartedAt    time.Time
	FinishedAt   time.Time
	Transactions []TransactionRecord
}

// TransactionRecord is the durable shape of a billed sub-interval (§3, ADD).
type TransactionRecord struct {
	ID                string
	SessionUUID       string
	MeterID           string
	StartSignedValue  string
	StopSignedValue   string
	StartedAt         time.Time
	StoppedAt         time.Time
	Reason            StopReason
}

// HardwareError is the normalized shape every hardware stream is
// translated into before reaching the Error Aggregator (§4.3, ADD).
type HardwareError struct {
	Source   string
	Type     string
	Subtype  string
	VendorID string
	Severity Severity
	RaisedAt time.Time
	Ignored  bool
}

// Severity classifies a HardwareError (§7).
type Severity uint8

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
)

// EnergyScheduleEntry is one slot of a periodic energy request (§4.8).
type EnergyScheduleEntry struct {
	StartsAt       time.Time
	Duration       time.Duration
	LimitsToRoot   ScheduleLimits
	LimitsToLeaves ScheduleLimits
}

// ScheduleLimits is the per-entry {current, power, phases} tuple used by
// both directions of an EnergyScheduleEntry.
type ScheduleLimits struct {
	MaxCurrentA float64
	MaxPowerW   float64
	MaxPhases   int
}
