package session

// ChargerState is the top-level state of the charging session state
// machine (§4.2).
type ChargerState uint8

const (
	StateDisabled ChargerState = iota
	StateIdle
	StateWaitingForAuthentication
	StatePrepareCharging
	StateWaitingForEnergy
	StateCharging
	StateChargingPausedEV
	StateChargingPausedEVSE
	StateStoppingCharging
	StateFinished
	StateTStepEF
	StateTStepX1
	StateSwitchPhases
	StateReplug
)

func (s ChargerState) String() string {
	switch s {
	case StateDisabled:
		return "Disabled"
	case StateIdle:
		return "Idle"
	case StateWaitingForAuthentication:
		return "WaitingForAuthentication"
	case StatePrepareCharging:
		return "PrepareCharging"
	case StateWaitingForEnergy:
		return "WaitingForEnergy"
	case StateCharging:
		return "Charging"
	case StateChargingPausedEV:
		return "ChargingPausedEV"
	case StateChargingPausedEVSE:
		return "ChargingPausedEVSE"
	case StateStoppingCharging:
		return "StoppingCharging"
	case StateFinished:
		return "Finished"
	case StateTStepEF:
		return "T_step_EF"
	case StateTStepX1:
		return "T_step_X1"
	case StateSwitchPhases:
		return "SwitchPhases"
	case StateReplug:
		return "Replug"
	default:
		return "Unknown"
	}
}

// HLCTerminatePause is the session-stop signal HLC may raise.
type HLCTerminatePause uint8

const (
	HLCUnknown HLCTerminatePause = iota
	HLCTerminate
	HLCPause
)

// AuthKind distinguishes the two ISO 15118 authorization paths.
type AuthKind uint8

const (
	AuthEIM AuthKind = iota
	AuthPnC
)

// ConnectorType is a hardware capability flag (§3).
type ConnectorType uint8

const (
	ConnectorCable ConnectorType = iota
	ConnectorSocket
)

func (c ConnectorType) String() string {
	switch c {
	case ConnectorSocket:
		return "Socket"
	default:
		return "Cable"
	}
}

// ChargeMode selects AC or DC operation.
type ChargeMode uint8

const (
	ModeAC ChargeMode = iota
	ModeDC
)

func (m ChargeMode) String() string {
	if m == ModeDC {
		return "DC"
	}
	return "AC"
}

// StopReason explains why a transaction or session ended.
type StopReason uint8

const (
	StopReasonUnknown StopReason = iota
	StopReasonEVDisconnected
	StopReasonLocal
	StopReasonRemote
	StopReasonEmergency
	StopReasonPowerLoss
	StopReasonHLCSessionStop
	StopReasonDeauthorized
)

func (r StopReason) String() string {
	switch r {
	case StopReasonEVDisconnected:
		return "EVDisconnected"
	case StopReasonLocal:
		return "Local"
	case StopReasonRemote:
		return "Remote"
	case StopReasonEmergency:
		return "Emergency"
	case StopReasonPowerLoss:
		return "PowerLoss"
	case StopReasonHLCSessionStop:
		return "HLCSessionStop"
	case StopReasonDeauthorized:
		return "Deauthorized"
	default:
		return "Unknown"
	}
}
