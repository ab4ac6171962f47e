package reporter

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/speedwagon-io/relaywatch/internal/lib/logger/sl"
	"github.com/speedwagon-io/relaywatch/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func probeServer(t *testing.T, status int, body string) *StatusProbe {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return NewStatusProbe(sl.NewDiscardLogger(), srv.URL, time.Second)
}

func TestStatusProbeJSON(t *testing.T) {
	p := probeServer(t, http.StatusOK, `{
		"stream_connected": true,
		"transmitter": {"is_transmitting": "1", "frequency": 88.1},
		"buffer_health": "0.75",
		"audio_level": 12,
		"binary": "fm_transmitter",
		"errors": ["underrun", "clock skew"]
	}`)

	var tel model.Telemetry
	require.NoError(t, p.Sample(context.Background(), &tel))

	require.NotNil(t, tel.StreamConnected)
	assert.True(t, *tel.StreamConnected)
	require.NotNil(t, tel.Transmitting)
	assert.True(t, *tel.Transmitting)
	require.NotNil(t, tel.BufferHealth)
	assert.Equal(t, 0.75, *tel.BufferHealth)
	require.NotNil(t, tel.AudioLevel)
	assert.Equal(t, 12.0, *tel.AudioLevel)
	assert.Equal(t, "fm_transmitter", tel.Binary)
	require.NotNil(t, tel.Errors)
	assert.Equal(t, "underrun; clock skew", *tel.Errors)
	assert.Contains(t, tel.Extra, "transmitter")
}

func TestStatusProbePythonLiterals(t *testing.T) {
	p := probeServer(t, http.StatusOK, `{"stream_connected": False, "fm_transmitting": True, "buffer_health": None, "errors": None}`)

	var tel model.Telemetry
	require.NoError(t, p.Sample(context.Background(), &tel))

	require.NotNil(t, tel.StreamConnected)
	assert.False(t, *tel.StreamConnected)
	require.NotNil(t, tel.Transmitting)
	assert.True(t, *tel.Transmitting)
	assert.Nil(t, tel.BufferHealth)
	assert.Nil(t, tel.Errors)
}

func TestStatusProbeBareBoolean(t *testing.T) {
	p := probeServer(t, http.StatusOK, "False\n")

	var tel model.Telemetry
	require.NoError(t, p.Sample(context.Background(), &tel))
	require.NotNil(t, tel.StreamConnected)
	assert.False(t, *tel.StreamConnected)
	assert.Nil(t, tel.Transmitting)
}

func TestStatusProbeFailures(t *testing.T) {
	var tel model.Telemetry

	p := probeServer(t, http.StatusInternalServerError, "boom")
	assert.Error(t, p.Sample(context.Background(), &tel))

	p = probeServer(t, http.StatusOK, "<html>")
	assert.Error(t, p.Sample(context.Background(), &tel))

	assert.Nil(t, tel.StreamConnected)
}

func TestSystemSampler(t *testing.T) {
	s := NewSystemSampler(sl.NewDiscardLogger(), "/srv/relay")
	s.cpuPercent = func(context.Context) ([]float64, error) { return []float64{37.26}, nil }
	s.memory = func(context.Context) (*mem.VirtualMemoryStat, error) {
		return nil, errors.New("no /proc/meminfo")
	}
	s.temperatures = func(context.Context) ([]host.TemperatureStat, error) {
		return []host.TemperatureStat{
			{SensorKey: "nvme_composite", Temperature: 61},
			{SensorKey: "cpu_thermal", Temperature: 54.04},
		}, errors.New("partial read")
	}
	var diskPath string
	s.diskUsage = func(_ context.Context, path string) (*disk.UsageStat, error) {
		diskPath = path
		return &disk.UsageStat{Path: path, Free: 7 << 29}, nil
	}

	var tel model.Telemetry
	require.NoError(t, s.Sample(context.Background(), &tel))

	require.NotNil(t, tel.CPUUsage)
	assert.Equal(t, 37.3, *tel.CPUUsage)
	assert.Nil(t, tel.MemoryUsage)
	require.NotNil(t, tel.CPUTemp)
	assert.Equal(t, 54.0, *tel.CPUTemp)
	assert.Equal(t, "/srv/relay", diskPath)
	require.NotNil(t, tel.DiskFreeGB)
	assert.Equal(t, 3.5, *tel.DiskFreeGB)

	s.diskUsage = func(context.Context, string) (*disk.UsageStat, error) {
		return nil, errors.New("statfs failed")
	}
	tel = model.Telemetry{}
	require.NoError(t, s.Sample(context.Background(), &tel))
	assert.Nil(t, tel.DiskFreeGB)
}

func TestCPUTemperature(t *testing.T) {
	temp, ok := cpuTemperature([]host.TemperatureStat{{SensorKey: "acpitz", Temperature: 40}, {SensorKey: "nvme", Temperature: 50}})
	assert.True(t, ok)
	assert.Equal(t, 50.0, temp)

	_, ok = cpuTemperature(nil)
	assert.False(t, ok)
}
