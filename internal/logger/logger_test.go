package logger

import (
	"encoding/binary"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rakyury/racedash/internal/channel"
)

type fakeSink struct {
	batches [][]Sample
	rotated int
	failing bool
}

func (s *fakeSink) WriteBatch(samples []Sample) error {
	if s.failing {
		return assert.AnError
	}
	cp := append([]Sample(nil), samples...)
	s.batches = append(s.batches, cp)
	return nil
}

func (s *fakeSink) Rotate() error {
	s.rotated++
	return nil
}

func newTestRegistry(t *testing.T) *channel.Registry {
	t.Helper()
	r := channel.NewRegistry()
	require.NoError(t, r.Register(channel.Definition{ID: 1, Name: "rpm", Kind: channel.KindAnalogIn, Enabled: true}))
	require.NoError(t, r.SetValue(1, 5000))
	return r
}

func TestArmCollectsIntoPreTriggerRingBuffer(t *testing.T) {
	reg := newTestRegistry(t)
	l := New(2, 10, 0, FormatBinary, nil)
	l.Arm()
	assert.Equal(t, StateArmed, l.State())

	l.Sweep(reg, 1000)
	l.Sweep(reg, 1010)
	l.Sweep(reg, 1020)

	assert.Len(t, l.preTrigger, 2, "the pre-trigger ring buffer must stay capped at its configured capacity")
}

func TestTriggerTransitionsArmedToRecordingAndFlushesPreTrigger(t *testing.T) {
	reg := newTestRegistry(t)
	l := New(5, 10, 0, FormatBinary, nil)
	fired := false
	l.SetTrigger(func(reg *channel.Registry, nowMS uint64) bool { return fired })

	l.Arm()
	l.Sweep(reg, 1000)
	assert.Equal(t, StateArmed, l.State())

	fired = true
	l.Sweep(reg, 1010)
	assert.Equal(t, StateRecording, l.State())
	assert.Len(t, l.writeBuf, 2, "recording must start with the accumulated pre-trigger samples")
}

func TestWriteBufferOverflowCountsDroppedSamples(t *testing.T) {
	reg := newTestRegistry(t)
	l := New(0, 1, 0, FormatBinary, nil)
	l.Arm()
	l.SetTrigger(func(reg *channel.Registry, nowMS uint64) bool { return true })

	l.Sweep(reg, 1000) // Armed->Recording with an empty pre-trigger buffer
	l.Sweep(reg, 1010) // writeBuf fills to its capacity of 1
	require.Len(t, l.writeBuf, 1)

	l.Sweep(reg, 1020) // buffer is full: this sample must drop and count
	assert.Equal(t, uint64(1), l.SamplesDropped())
}

func TestPauseAndResume(t *testing.T) {
	reg := newTestRegistry(t)
	l := New(0, 10, 0, FormatBinary, nil)
	l.Arm()
	l.SetTrigger(func(reg *channel.Registry, nowMS uint64) bool { return true })
	l.Sweep(reg, 1000) // Armed->Recording (empty pre-trigger buffer)
	l.Sweep(reg, 1010) // first recorded sample
	require.Equal(t, StateRecording, l.State())
	require.Len(t, l.writeBuf, 1)

	l.Pause()
	assert.Equal(t, StatePaused, l.State())

	l.Sweep(reg, 1020) // paused: no samples collected
	assert.Len(t, l.writeBuf, 1)

	l.Resume()
	assert.Equal(t, StateRecording, l.State())
	l.Sweep(reg, 1030)
	assert.Len(t, l.writeBuf, 2)
}

func TestStopFlushesPendingSamples(t *testing.T) {
	reg := newTestRegistry(t)
	sink := &fakeSink{}
	l := New(0, 10, 0, FormatBinary, sink)
	l.Arm()
	l.SetTrigger(func(reg *channel.Registry, nowMS uint64) bool { return true })
	l.Sweep(reg, 1000) // Armed->Recording, empty pre-trigger buffer
	l.Sweep(reg, 1010) // one recorded sample pending in the write buffer

	require.NoError(t, l.Stop())
	assert.Equal(t, StateStopped, l.State())
	require.Len(t, sink.batches, 1)
	assert.Len(t, sink.batches[0], 1)
}

func TestWhitelistRestrictsCollection(t *testing.T) {
	reg := channel.NewRegistry()
	require.NoError(t, reg.Register(channel.Definition{ID: 1, Name: "rpm", Kind: channel.KindAnalogIn, Enabled: true}))
	require.NoError(t, reg.Register(channel.Definition{ID: 2, Name: "oil_temp", Kind: channel.KindAnalogIn, Enabled: true}))
	require.NoError(t, reg.SetValue(1, 1))
	require.NoError(t, reg.SetValue(2, 2))

	l := New(10, 10, 0, FormatBinary, nil)
	l.SetWhitelist([]string{"rpm"})
	l.Arm()
	l.Sweep(reg, 1000)

	require.Len(t, l.preTrigger, 1)
	assert.Equal(t, "rpm", l.preTrigger[0].ChannelName)
}

func TestChannelRateGatesSamplingFrequency(t *testing.T) {
	reg := newTestRegistry(t)
	l := New(10, 10, 0, FormatBinary, nil)
	l.SetChannelRate("rpm", 10) // 10Hz -> one sample per 100ms
	l.Arm()

	l.Sweep(reg, 1000)
	l.Sweep(reg, 1050) // too soon, gated
	l.Sweep(reg, 1100) // 100ms since last sample: allowed

	assert.Len(t, l.preTrigger, 2)
}

func TestMaybeFlushOnThreshold(t *testing.T) {
	reg := newTestRegistry(t)
	sink := &fakeSink{}
	l := New(0, 2, 0, FormatBinary, sink)
	l.flushThreshold = 1
	l.Arm()
	l.SetTrigger(func(reg *channel.Registry, nowMS uint64) bool { return true })

	l.Sweep(reg, 1000) // Armed->Recording, empty pre-trigger buffer
	l.Sweep(reg, 1010) // writeBuf gains 1 sample, hits the flush threshold
	require.Len(t, sink.batches, 1, "the write buffer must flush once it reaches its threshold")
}

func TestMaybeFlushErrorEntersErrorState(t *testing.T) {
	reg := newTestRegistry(t)
	sink := &fakeSink{failing: true}
	l := New(0, 2, 0, FormatBinary, sink)
	l.flushThreshold = 1
	l.Arm()
	l.SetTrigger(func(reg *channel.Registry, nowMS uint64) bool { return true })

	l.Sweep(reg, 1000) // Armed->Recording, empty pre-trigger buffer
	l.Sweep(reg, 1010) // writeBuf hits threshold, flush fails
	assert.Equal(t, StateError, l.State())
}

func TestRotateNowRequiresSink(t *testing.T) {
	l := New(0, 10, 0, FormatBinary, nil)
	assert.Error(t, l.RotateNow())
}

func TestRotateNowDelegatesToSink(t *testing.T) {
	sink := &fakeSink{}
	l := New(0, 10, 0, FormatBinary, sink)
	require.NoError(t, l.RotateNow())
	assert.Equal(t, 1, sink.rotated)
}

func TestEncodeCSVRoundTripsFields(t *testing.T) {
	samples := []Sample{{TimestampMS: 1000, Sequence: 1, ChannelName: "rpm", Value: 5000.123456, IsDigital: false}}
	out, err := EncodeCSV(samples)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimRight(string(out), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "timestamp_ms,channel,value,is_digital", lines[0])
	assert.Equal(t, "1000,rpm,5000.123456,false", lines[1])
}

func TestEncodeBinaryHeaderHasMagicAndVersion(t *testing.T) {
	h := EncodeBinaryHeader(42, 1)
	require.Len(t, h, binaryHeaderSize)
	assert.Equal(t, binaryMagic, string(h[:4]))
	assert.Equal(t, uint16(1), binary.LittleEndian.Uint16(h[4:6]))
	assert.Equal(t, uint16(binaryHeaderSize), binary.LittleEndian.Uint16(h[8:10]))
	assert.Equal(t, uint64(42), binary.LittleEndian.Uint64(h[14:22]))
}

func TestEncodeBinaryProducesOneRecordPerSample(t *testing.T) {
	samples := []Sample{
		{TimestampMS: 1, Sequence: 1, ChannelName: "a", Value: 1},
		{TimestampMS: 2, Sequence: 2, ChannelName: "b", Value: 2},
	}
	out := EncodeBinary(samples)
	assert.Len(t, out, 2*binaryRecordSize)
	assert.Equal(t, uint64(1), binary.LittleEndian.Uint64(out[0:8]))
	assert.Equal(t, float32(1), math.Float32frombits(binary.LittleEndian.Uint32(out[52:56])))
}
