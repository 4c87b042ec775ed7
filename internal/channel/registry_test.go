package channel

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndGetDef(t *testing.T) {
	r := NewRegistry()
	def := Definition{ID: 1, Name: "rpm", Kind: KindAnalogIn, Enabled: true}
	require.NoError(t, r.Register(def))

	got, err := r.GetDef(1)
	require.NoError(t, err)
	assert.Equal(t, "rpm", got.Name)

	id, err := r.FindByName("rpm")
	require.NoError(t, err)
	assert.Equal(t, uint16(1), id)
}

func TestRegisterDuplicateID(t *testing.T) {
	r := NewRegistry()
	def := Definition{ID: 1, Name: "rpm", Kind: KindAnalogIn, Enabled: true}
	require.NoError(t, r.Register(def))
	assert.ErrorIs(t, r.Register(def), ErrAlreadyExists)
}

func TestRegisterLogicChannelRequiresRegisteredInputs(t *testing.T) {
	r := NewRegistry()
	def := Definition{
		ID: 1, Name: "sum", Kind: KindLogic, Enabled: true,
		Logic: LogicConfig{Op: OpAdd, Inputs: [4]uint16{99}, NInput: 1},
	}
	assert.ErrorIs(t, r.Register(def), ErrInvalidParam)

	require.NoError(t, r.Register(Definition{ID: 99, Name: "speed", Kind: KindAnalogIn, Enabled: true}))
	assert.NoError(t, r.Register(def))
}

func TestRegisterCapacity(t *testing.T) {
	r := NewRegistry()
	for i := 0; i < capacity; i++ {
		def := Definition{ID: uint16(i), Name: "c" + string(rune('A'+i%26)) + string(rune('a'+i/26)), Kind: KindSystem, Enabled: true}
		require.NoError(t, r.Register(def))
	}
	assert.ErrorIs(t, r.Register(Definition{ID: 9999, Name: "overflow", Kind: KindSystem, Enabled: true}), ErrCapacity)
}

func TestUnregister(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Definition{ID: 1, Name: "rpm", Kind: KindAnalogIn, Enabled: true}))
	require.NoError(t, r.Unregister(1))

	_, err := r.GetDef(1)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, r.Unregister(1), ErrNotFound)
}

func TestUpdateRawAnalogScaleAndClamp(t *testing.T) {
	r := NewRegistry()
	def := Definition{
		ID: 1, Name: "coolant_v", Kind: KindAnalogIn, Enabled: true,
		Analog: AnalogConfig{InputType: AnalogVoltage, Scale: 0.01, Offset: 0, MinValue: 0, MaxValue: 5},
	}
	require.NoError(t, r.Register(def))

	require.NoError(t, r.UpdateRaw(1, 300, 10))
	v, err := r.GetValue(1)
	require.NoError(t, err)
	assert.InDelta(t, 3.0, v, 1e-9)

	// Raw value that scales above MaxValue must clamp, not overflow.
	require.NoError(t, r.UpdateRaw(1, 10000, 20))
	v, err = r.GetValue(1)
	require.NoError(t, err)
	assert.Equal(t, 5.0, v)
}

func TestUpdateRawDisabledChannel(t *testing.T) {
	r := NewRegistry()
	def := Definition{ID: 1, Name: "x", Kind: KindAnalogIn, Enabled: false}
	require.NoError(t, r.Register(def))
	assert.ErrorIs(t, r.UpdateRaw(1, 1, 0), ErrDisabled)
}

func TestUpdateRawWrongKind(t *testing.T) {
	r := NewRegistry()
	def := Definition{ID: 1, Name: "x", Kind: KindCanRx, Enabled: true}
	require.NoError(t, r.Register(def))
	assert.ErrorIs(t, r.UpdateRaw(1, 1, 0), ErrInvalidType)
}

func TestNTCThermistorTemperature(t *testing.T) {
	r := NewRegistry()
	cfg := AnalogConfig{
		InputType:  AnalogThermistorNTC,
		Beta:       3950,
		R25:        10000,
		PullupOhms: 10000,
		MaxRaw:     4096,
	}
	def := Definition{ID: 1, Name: "coolant_temp", Kind: KindAnalogIn, Enabled: true, Analog: cfg}
	require.NoError(t, r.Register(def))

	// raw such that ohms == R25 should read back ~25C.
	raw := uint32(cfg.MaxRaw / 2)
	require.NoError(t, r.UpdateRaw(1, raw, 0))
	v, err := r.GetValue(1)
	require.NoError(t, err)
	assert.InDelta(t, 25.0, v, 0.5)
}

func TestNTCThermistorOutOfRangeIsNaN(t *testing.T) {
	r := NewRegistry()
	cfg := AnalogConfig{InputType: AnalogThermistorNTC, Beta: 3950, R25: 10000, PullupOhms: 10000, MaxRaw: 4096}
	require.NoError(t, r.Register(Definition{ID: 1, Name: "t", Kind: KindAnalogIn, Enabled: true, Analog: cfg}))

	require.NoError(t, r.UpdateRaw(1, 4096, 0))
	v, err := r.GetValue(1)
	require.NoError(t, err)
	assert.True(t, math.IsNaN(v))
}

func TestLowPassFilterSequence(t *testing.T) {
	r := NewRegistry()
	cfg := AnalogConfig{InputType: AnalogVoltage, Scale: 1, FilterAlpha: 0.5, MinValue: -1000, MaxValue: 1000}
	require.NoError(t, r.Register(Definition{ID: 1, Name: "v", Kind: KindAnalogIn, Enabled: true, Analog: cfg}))

	require.NoError(t, r.UpdateRaw(1, 100, 0)) // bootstrap: passes through
	v, _ := r.GetValue(1)
	assert.Equal(t, 100.0, v)

	require.NoError(t, r.UpdateRaw(1, 200, 10)) // 100*0.5 + 200*0.5 = 150
	v, _ = r.GetValue(1)
	assert.Equal(t, 150.0, v)

	require.NoError(t, r.UpdateRaw(1, 200, 20)) // 150*0.5 + 200*0.5 = 175
	v, _ = r.GetValue(1)
	assert.Equal(t, 175.0, v)
}

func TestRegisterSeedsLowPassAndRateOfChangeStateToNaN(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Definition{ID: 1, Name: "lp", Kind: KindLogic, Enabled: true,
		Logic: LogicConfig{Op: OpLowPass, Params: [4]float64{0.5}}}))
	require.NoError(t, r.Register(Definition{ID: 2, Name: "roc", Kind: KindLogic, Enabled: true,
		Logic: LogicConfig{Op: OpRateOfChange}}))
	require.NoError(t, r.Register(Definition{ID: 3, Name: "sum", Kind: KindLogic, Enabled: true,
		Logic: LogicConfig{Op: OpAdd}}))

	lp, err := r.GetDef(1)
	require.NoError(t, err)
	assert.True(t, math.IsNaN(lp.Logic.State[0]), "low-pass state must start NaN so the first Eval bootstraps")

	roc, err := r.GetDef(2)
	require.NoError(t, err)
	assert.True(t, math.IsNaN(roc.Logic.State[0]), "rate-of-change state must start NaN so the first Eval bootstraps")

	sum, err := r.GetDef(3)
	require.NoError(t, err)
	assert.Equal(t, 0.0, sum.Logic.State[0], "ops without bootstrap detection keep the zero value")
}

func TestSetLogicStatePersistsAndRejectsNonLogic(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Definition{ID: 1, Name: "x", Kind: KindAnalogIn, Enabled: true}))
	assert.ErrorIs(t, r.SetLogicState(1, [4]float64{1}), ErrInvalidType)

	require.NoError(t, r.Register(Definition{ID: 2, Name: "y", Kind: KindLogic, Enabled: true}))
	require.NoError(t, r.SetLogicState(2, [4]float64{1, 2, 3, 4}))
	def, err := r.GetDef(2)
	require.NoError(t, err)
	assert.Equal(t, [4]float64{1, 2, 3, 4}, def.Logic.State)
}

func TestDigitalFrequencyTransform(t *testing.T) {
	r := NewRegistry()
	cfg := DigitalConfig{InputType: DigitalFrequency, MinFreqHz: 10, MaxFreqHz: 8000}
	require.NoError(t, r.Register(Definition{ID: 1, Name: "rpm_freq", Kind: KindDigitalIn, Enabled: true, Digit: cfg}))

	// 5000 millihertz == 5Hz, below MinFreqHz, clamps to zero.
	require.NoError(t, r.UpdateRaw(1, 5000, 0))
	v, _ := r.GetValue(1)
	assert.Equal(t, 0.0, v)

	// 9000000 millihertz == 9000Hz, above MaxFreqHz, clamps to MaxFreqHz.
	require.NoError(t, r.UpdateRaw(1, 9000000, 10))
	v, _ = r.GetValue(1)
	assert.Equal(t, 8000.0, v)
}
