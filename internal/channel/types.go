// Package channel implements the channel registry: schema-driven
// transformation of raw sensor/CAN input into scaled, filtered, validated
// signals (spec.md §3.2, §4.2).
package channel

import "errors"

// Errors returned by registry operations. None are fatal; callers bump
// the owning channel's error counter and move on (spec.md §4.2, §7).
var (
	ErrAlreadyExists = errors.New("channel: id already registered")
	ErrCapacity      = errors.New("channel: registry at capacity")
	ErrInvalidType   = errors.New("channel: operation not valid for this kind")
	ErrNotFound      = errors.New("channel: id not found")
	ErrDisabled      = errors.New("channel: definition disabled")
	ErrInvalidParam  = errors.New("channel: invalid parameter")
)

// Kind is the closed sum of channel kinds (spec.md §3.2, design note §9:
// "the target should use a closed sum type of the five kinds" — extended
// here to the seven kinds declared below).
type Kind int

const (
	KindAnalogIn Kind = iota
	KindDigitalIn
	KindCanRx
	KindLogic
	KindGpsDerived
	KindLapDerived
	KindSystem
)

func (k Kind) String() string {
	switch k {
	case KindAnalogIn:
		return "AnalogIn"
	case KindDigitalIn:
		return "DigitalIn"
	case KindCanRx:
		return "CanRx"
	case KindLogic:
		return "Logic"
	case KindGpsDerived:
		return "GpsDerived"
	case KindLapDerived:
		return "LapDerived"
	case KindSystem:
		return "System"
	default:
		return "Unknown"
	}
}

// AnalogInputType enumerates spec.md §3.2's AnalogIn input-type variants.
type AnalogInputType int

const (
	AnalogVoltage AnalogInputType = iota
	AnalogVoltageDivider
	AnalogCurrent4_20mA
	AnalogThermistorNTC
	AnalogThermistorPTC
	AnalogResistance
	AnalogCustom
)

// AnalogConfig is the AnalogIn kind-specific configuration record.
type AnalogConfig struct {
	InputType AnalogInputType

	Scale  float64
	Offset float64

	RawMin float64
	RawMax float64

	MinValue float64
	MaxValue float64

	// FilterAlpha is the first-order filter coefficient, alpha in [0,1].
	// Zero disables filtering.
	FilterAlpha float64

	// Thermistor parameters, only meaningful for NTC/PTC.
	Beta       float64
	R25        float64
	PullupOhms float64
	MaxRaw     float64
}

// DigitalInputType enumerates spec.md §3.2's DigitalIn input-type variants.
type DigitalInputType int

const (
	DigitalOnOff DigitalInputType = iota
	DigitalFrequency
	DigitalPulseCount
	DigitalPwmDuty
	DigitalSpeed
)

// DigitalConfig is the DigitalIn kind-specific configuration record.
type DigitalConfig struct {
	InputType DigitalInputType

	Inverted      bool
	DebounceMS    uint32
	PulsesPerUnit float64
	MinFreqHz     float64
	MaxFreqHz     float64
}

// CanDataType enumerates spec.md §3.2's CanRx data-type variants.
type CanDataType int

const (
	CanUnsigned CanDataType = iota
	CanSigned
	CanFloat
	CanBCD
)

// ByteOrder is the DBC-style signal byte order.
type ByteOrder int

const (
	LittleEndian ByteOrder = iota
	BigEndian
)

// CanTimeoutPolicy enumerates spec.md §3.2's CanRx timeout policies.
type CanTimeoutPolicy int

const (
	TimeoutHoldLast CanTimeoutPolicy = iota
	TimeoutUseDefault
	TimeoutSetZero
)

// CanConfig is the CanRx kind-specific configuration record.
type CanConfig struct {
	MessageID  uint32
	Extended   bool
	StartBit   uint32
	BitLength  uint32
	DataType   CanDataType
	ByteOrder  ByteOrder
	Scale      float32
	Offset     float32
	TimeoutMS  uint32
	OnTimeout  CanTimeoutPolicy
	DefaultVal float64
}

// LogicOp is the closed operation set of the math/logic engine
// (spec.md §4.4).
type LogicOp int

const (
	OpAdd LogicOp = iota
	OpSub
	OpMul
	OpDiv
	OpAbs
	OpClamp
	OpSum
	OpAvg
	OpMin
	OpMax
	OpScale
	OpMap

	OpGt
	OpLt
	OpGte
	OpLte
	OpEq
	OpRange

	OpAnd
	OpOr
	OpNot
	OpXor

	OpMovingAvg
	OpLowPass
	OpRateOfChange

	OpConditional
	OpHysteresis
	OpDebounce
	OpDeadband
)

// LogicConfig is the Logic kind-specific configuration record.
type LogicConfig struct {
	Op     LogicOp
	Inputs [4]uint16 // channel ids; NInput says how many are used
	NInput int
	Params [4]float64

	// State is per-instance scalar state for hysteresis / rate-of-change
	// / moving-average / low-pass filters, persisted across ticks.
	State [4]float64
}

// Definition is the schema node describing how one logical quantity is
// produced (spec.md §3.2).
type Definition struct {
	ID       uint16
	Name     string
	Units    string
	Kind     Kind
	Decimals int
	Enabled  bool

	Analog AnalogConfig
	Digit  DigitalConfig
	Can    CanConfig
	Logic  LogicConfig
}

// RuntimeData is the per-channel mutable state the registry owns
// alongside a Definition (spec.md §3.2's "Runtime data per channel").
type RuntimeData struct {
	LastValue  float64
	LastRaw    float64
	UpdateCnt  uint64
	ErrorCnt   uint64
	LastUpdate uint64
}
