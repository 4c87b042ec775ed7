package alert

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBus struct {
	numeric map[string]float64
	stale   map[string]bool
}

func newFakeBus() *fakeBus {
	return &fakeBus{numeric: map[string]float64{}, stale: map[string]bool{}}
}

func (f *fakeBus) GetNumeric(name string) (float64, bool) {
	v, ok := f.numeric[name]
	return v, ok
}

func (f *fakeBus) IsStale(name string, nowMS, maxAgeMS uint64) bool {
	return f.stale[name]
}

type fakeSink struct {
	lines []string
}

func (s *fakeSink) Diagnostic(line string) { s.lines = append(s.lines, line) }

func TestMonitorAssertsAndEmitsEdgeOnce(t *testing.T) {
	bus := newFakeBus()
	bus.numeric["oil_pressure"] = 10

	m := New(nil)
	m.Register(Rule{ID: "low_oil", SignalName: "oil_pressure", Comparator: CompLT, Threshold: 20, Message: "low oil pressure"})

	m.Evaluate(bus, 1000)
	assert.True(t, m.Active("low_oil"))
	edges := m.DrainEdges()
	require.Len(t, edges, 1)
	assert.Equal(t, "low_oil", edges[0].RuleID)

	// Still asserted next tick: no new edge.
	m.Evaluate(bus, 1010)
	assert.Empty(t, m.DrainEdges())
}

func TestMonitorDeassertsWithoutLatch(t *testing.T) {
	bus := newFakeBus()
	bus.numeric["oil_pressure"] = 10

	m := New(nil)
	m.Register(Rule{ID: "low_oil", SignalName: "oil_pressure", Comparator: CompLT, Threshold: 20})
	m.Evaluate(bus, 1000)
	assert.True(t, m.Active("low_oil"))

	bus.numeric["oil_pressure"] = 50
	m.Evaluate(bus, 1010)
	assert.False(t, m.Active("low_oil"))
}

func TestMonitorLatchRequiresAcknowledge(t *testing.T) {
	bus := newFakeBus()
	bus.numeric["oil_pressure"] = 10

	m := New(nil)
	m.Register(Rule{ID: "low_oil", SignalName: "oil_pressure", Comparator: CompLT, Threshold: 20, LatchUntilAck: true})
	m.Evaluate(bus, 1000)
	assert.True(t, m.Active("low_oil"))

	bus.numeric["oil_pressure"] = 50
	m.Evaluate(bus, 1010)
	assert.True(t, m.Active("low_oil"), "a latched alert must stay active after the condition clears")

	m.Acknowledge("low_oil")
	assert.False(t, m.Active("low_oil"))
}

func TestMonitorMissingSignalNeverAsserts(t *testing.T) {
	bus := newFakeBus()
	m := New(nil)
	m.Register(Rule{ID: "r", SignalName: "missing", Comparator: CompGT, Threshold: 0})
	m.Evaluate(bus, 1000)
	assert.False(t, m.Active("r"))
}

func TestHealthMonitorDiagnosesOnRisingEdgeOnly(t *testing.T) {
	bus := newFakeBus()
	sink := &fakeSink{}
	hm := NewHealthMonitor(nil, sink)
	hm.Register(Rule{ID: "gps_stale", SignalName: "gps_fix", Comparator: CompStale, StaleMaxAgeMS: 2000})

	bus.stale["gps_fix"] = true
	hm.Evaluate(bus, 1000)
	assert.Len(t, sink.lines, 1)

	// Still stale next tick: must not re-diagnose.
	hm.Evaluate(bus, 1010)
	assert.Len(t, sink.lines, 1)
}

func TestHealthMonitorAcknowledgeAllowsReDiagnosis(t *testing.T) {
	bus := newFakeBus()
	sink := &fakeSink{}
	hm := NewHealthMonitor(nil, sink)
	hm.Register(Rule{ID: "gps_stale", SignalName: "gps_fix", Comparator: CompStale, StaleMaxAgeMS: 2000, LatchUntilAck: true})

	bus.stale["gps_fix"] = true
	hm.Evaluate(bus, 1000)
	require.Len(t, sink.lines, 1)

	hm.Acknowledge("gps_stale")
	hm.Evaluate(bus, 1010)
	assert.Len(t, sink.lines, 2, "acknowledging a latched stale alert must allow re-diagnosis on the next stale tick")
}
