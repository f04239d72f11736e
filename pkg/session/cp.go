// Package session holds the value types shared across the EVSE core:
// the raw and abstract Control Pilot vocabularies, the Charger's state
// enum, and the external SessionEvent surface. Nothing in this package
// owns a mutex or a goroutine; it is pure data.
package session

// RawCPState is the voltage state IEC 61851-1 assigns to the Control
// Pilot line, as reported by the BSP.
type RawCPState uint8

const (
	CPDisabled RawCPState = iota
	CPStateA              // no vehicle present
	CPStateB              // vehicle present, no power request
	CPStateC              // power request, no ventilation required
	CPStateD              // power request, ventilation required
	CPStateE              // short or fault
	CPStateF              // EVSE-forced off
)

func (s RawCPState) String() string {
	switch s {
	case CPDisabled:
		return "Disabled"
	case CPStateA:
		return "A"
	case CPStateB:
		return "B"
	case CPStateC:
		return "C"
	case CPStateD:
		return "D"
	case CPStateE:
		return "E"
	case CPStateF:
		return "F"
	default:
		return "Unknown"
	}
}

// IsBCD reports whether s is one of the power-request states B, C, D.
func (s RawCPState) IsBCD() bool {
	return s == CPStateB || s == CPStateC || s == CPStateD
}

// IsCD reports whether s is one of the power-delivering states C, D.
func (s RawCPState) IsCD() bool {
	return s == CPStateC || s == CPStateD
}

// AbstractEvent is the vocabulary the IEC CP state machine emits
// towards the Charger, derived from raw CP transitions, PWM activity,
// and the allow-power gate.
type AbstractEvent uint8

const (
	EvCarPluggedIn AbstractEvent = iota
	EvCarUnplugged
	EvCarRequestedPower
	EvCarRequestedStopPower
	EvPowerOn
	EvPowerOff
	EvEFtoBCD
	EvBCDtoEF
	EvBCDtoE
	EvEvseReplugStarted
	EvEvseReplugFinished
)

func (e AbstractEvent) String() string {
	switch e {
	case EvCarPluggedIn:
		return "CarPluggedIn"
	case EvCarUnplugged:
		return "CarUnplugged"
	case EvCarRequestedPower:
		return "CarRequestedPower"
	case EvCarRequestedStopPower:
		return "CarRequestedStopPower"
	case EvPowerOn:
		return "PowerOn"
	case EvPowerOff:
		return "PowerOff"
	case EvEFtoBCD:
		return "EFtoBCD"
	case EvBCDtoEF:
		return "BCDtoEF"
	case EvBCDtoE:
		return "BCDtoE"
	case EvEvseReplugStarted:
		return "EvseReplugStarted"
	case EvEvseReplugFinished:
		return "EvseReplugFinished"
	default:
		return "Unknown"
	}
}

// BSPEventKind is the raw vocabulary the BSP driver delivers to the CP
// state machine (§6, BSP port).
type BSPEventKind uint8

const (
	BSPCPState BSPEventKind = iota
	BSPPowerOn
	BSPPowerOff
	BSPReplugStart
	BSPReplugFinish
)

// BSPEvent is a single notification from the BSP driver.
type BSPEvent struct {
	Kind  BSPEventKind
	CP    RawCPState // valid when Kind == BSPCPState
}

// PowerOnReason is passed to BSP.AllowPowerOn to explain why power is
// being requested or withdrawn.
type PowerOnReason uint8

const (
	ReasonPowerOff PowerOnReason = iota
	ReasonFullPowerCharging
	ReasonDCCableCheck
	ReasonDCPreCharge
	ReasonDCCurrentDemand
)

func (r PowerOnReason) String() string {
	switch r {
	case ReasonPowerOff:
		return "PowerOff"
	case ReasonFullPowerCharging:
		return "FullPowerCharging"
	case ReasonDCCableCheck:
		return "DCCableCheck"
	case ReasonDCPreCharge:
		return "DCPreCharge"
	case ReasonDCCurrentDemand:
		return "DCCurrentDemand"
	default:
		return "Unknown"
	}
}
