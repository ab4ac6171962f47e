package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeartbeatReportFromJSON(t *testing.T) {
	payload := []byte(`{
		"node_id": "relay-01",
		"status": "ok",
		"stream_connected": true,
		"fm_transmitting": false,
		"cpu_temp": 55.5,
		"memory_usage": null,
		"uptime_seconds": 3600
	}`)

	r, err := HeartbeatReportFromJSON(payload)
	require.NoError(t, err)

	assert.Equal(t, "relay-01", r.UnitKey())
	require.NotNil(t, r.StreamConnected)
	assert.True(t, *r.StreamConnected)
	require.NotNil(t, r.Transmitting)
	assert.False(t, *r.Transmitting)
	require.NotNil(t, r.CPUTemp)
	assert.Equal(t, 55.5, *r.CPUTemp)
	assert.Nil(t, r.MemoryUsage)
	assert.Nil(t, r.BufferHealth)
	assert.EqualValues(t, 3600, r.UptimeSeconds)
}

func TestNewHeartbeatReport(t *testing.T) {
	r := NewHeartbeatReport("relay-02", ReportStatusOK, Telemetry{CPUUsage: Float(12)})

	assert.NotEmpty(t, r.ID)
	assert.Equal(t, "relay-02", r.UnitKey())
	assert.False(t, r.Timestamp.IsZero())

	data, err := r.ToJSON()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"cpu_usage":12`)
	assert.NotContains(t, string(data), `"cpu_temp"`)
}
