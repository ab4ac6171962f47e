package reporter

import (
	"context"
	"log/slog"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/speedwagon-io/relaywatch/internal/lib/logger/sl"
	"github.com/speedwagon-io/relaywatch/internal/model"
)

// Sampler fills its part of the telemetry. An error marks the whole report
// degraded; gauges a sampler cannot read are left nil instead.
type Sampler interface {
	Sample(ctx context.Context, t *model.Telemetry) error
	Name() string
	Close() error
}

const bytesPerGB = 1 << 30

// SystemSampler reads host gauges. Each gauge is read on its own, so a host
// without temperature sensors still reports CPU and memory.
type SystemSampler struct {
	log          *slog.Logger
	diskPath     string
	cpuPercent   func(ctx context.Context) ([]float64, error)
	memory       func(ctx context.Context) (*mem.VirtualMemoryStat, error)
	temperatures func(ctx context.Context) ([]host.TemperatureStat, error)
	diskUsage    func(ctx context.Context, path string) (*disk.UsageStat, error)
}

// NewSystemSampler reports free space of the filesystem holding diskPath.
func NewSystemSampler(log *slog.Logger, diskPath string) *SystemSampler {
	if diskPath == "" {
		diskPath = "/"
	}
	return &SystemSampler{
		log:      log,
		diskPath: diskPath,
		cpuPercent: func(ctx context.Context) ([]float64, error) {
			return cpu.PercentWithContext(ctx, 0, false)
		},
		memory:       mem.VirtualMemoryWithContext,
		temperatures: host.SensorsTemperaturesWithContext,
		diskUsage:    disk.UsageWithContext,
	}
}

func (s *SystemSampler) Name() string {
	return "system"
}

func (s *SystemSampler) Close() error {
	return nil
}

func (s *SystemSampler) Sample(ctx context.Context, t *model.Telemetry) error {
	if percents, err := s.cpuPercent(ctx); err != nil || len(percents) == 0 {
		s.log.Debug("cpu usage unavailable", sl.Err(err))
	} else {
		t.CPUUsage = model.Float(round1(percents[0]))
	}

	if vm, err := s.memory(ctx); err != nil {
		s.log.Debug("memory usage unavailable", sl.Err(err))
	} else {
		t.MemoryUsage = model.Float(round1(vm.UsedPercent))
	}

	// Sensor reads often come back with warnings next to valid values.
	temps, err := s.temperatures(ctx)
	if temp, ok := cpuTemperature(temps); ok {
		t.CPUTemp = model.Float(round1(temp))
	} else {
		s.log.Debug("cpu temperature unavailable", sl.Err(err))
	}

	if usage, err := s.diskUsage(ctx, s.diskPath); err != nil {
		s.log.Debug("disk usage unavailable", slog.String("path", s.diskPath), sl.Err(err))
	} else {
		t.DiskFreeGB = model.Float(round1(float64(usage.Free) / bytesPerGB))
	}

	return nil
}

var cpuSensorHints = []string{"cpu", "coretemp", "k10temp", "package", "soc"}

// cpuTemperature picks the hottest CPU-looking sensor, falling back to the
// hottest sensor overall.
func cpuTemperature(stats []host.TemperatureStat) (float64, bool) {
	var best, hottest float64
	var found, foundAny bool

	for _, st := range stats {
		if st.Temperature <= 0 {
			continue
		}
		if !foundAny || st.Temperature > hottest {
			hottest, foundAny = st.Temperature, true
		}

		key := strings.ToLower(st.SensorKey)
		for _, hint := range cpuSensorHints {
			if strings.Contains(key, hint) {
				if !found || st.Temperature > best {
					best, found = st.Temperature, true
				}
				break
			}
		}
	}

	if found {
		return best, true
	}
	return hottest, foundAny
}

func round1(v float64) float64 {
	return float64(int64(v*10+0.5)) / 10
}
