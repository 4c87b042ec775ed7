package telemetry

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotMarshalsExpectedFields(t *testing.T) {
	snap := Snapshot{
		TimestampMS: 1000,
		Numeric:     map[string]float64{"rpm": 5000},
		Digital:     map[string]bool{"flag": true},
	}
	data, err := json.Marshal(snap)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, float64(1000), decoded["timestamp_ms"])
	assert.Equal(t, map[string]any{"rpm": 5000.0}, decoded["numeric"])
	assert.Equal(t, map[string]any{"flag": true}, decoded["digital"])
}

func TestAlertEdgeMarshalsExpectedFields(t *testing.T) {
	edge := AlertEdge{RuleID: "low_oil", Message: "low oil pressure"}
	data, err := json.Marshal(edge)
	require.NoError(t, err)
	assert.JSONEq(t, `{"rule_id":"low_oil","message":"low oil pressure"}`, string(data))
}

func TestNewPublisherStoresConfigAndCallbacks(t *testing.T) {
	cfg := Config{Broker: DefaultBroker, ClientID: DefaultClientID, Topic: DefaultTopic, UpdateInterval: DefaultUpdateInterval}
	called := false
	snapshotFn := func() Snapshot { called = true; return Snapshot{} }
	cmdCalled := false
	cmdHandler := func(payload []byte) error { cmdCalled = true; return nil }

	p := NewPublisher(cfg, snapshotFn, cmdHandler)
	require.NotNil(t, p)

	snap := p.snapshotFn()
	assert.True(t, called)
	assert.Equal(t, Snapshot{}, snap)

	require.NoError(t, p.cmdHandler(nil))
	assert.True(t, cmdCalled)
	assert.Equal(t, cfg, p.config)
}

func TestDefaultUpdateIntervalIsOneSecond(t *testing.T) {
	assert.Equal(t, time.Second, DefaultUpdateInterval)
}
