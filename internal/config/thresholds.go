package config

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Thresholds struct {
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout" json:"heartbeat_timeout"`
	HeartbeatWarning time.Duration `yaml:"heartbeat_warning" json:"heartbeat_warning"`

	CPUTemp      Ceiling `yaml:"cpu_temp" json:"cpu_temp"`
	Memory       Ceiling `yaml:"memory" json:"memory"`
	CPUUsage     Ceiling `yaml:"cpu_usage" json:"cpu_usage"`
	BufferHealth Floor   `yaml:"buffer_health" json:"buffer_health"`
	DiskFree     Floor   `yaml:"disk_free_gb" json:"disk_free_gb"`
}

// Ceiling is breached when a gauge is at or above a level.
type Ceiling struct {
	Warning  float64 `yaml:"warning" json:"warning"`
	Critical float64 `yaml:"critical" json:"critical"`
}

// Floor is breached when a gauge is below a level.
type Floor struct {
	Warning  float64 `yaml:"warning" json:"warning"`
	Critical float64 `yaml:"critical" json:"critical"`
}

var ceilingDefaults = map[string]Ceiling{
	"cpu_temp":  {Warning: 70, Critical: 80},
	"memory":    {Warning: 85, Critical: 95},
	"cpu_usage": {Warning: 90, Critical: 98},
}

// Zero values count as missing and take the documented defaults.
func DefaultThresholds() Thresholds {
	var t Thresholds
	t.applyDefaults()
	return t
}

func (t *Thresholds) applyDefaults() {
	if t.HeartbeatTimeout == 0 {
		t.HeartbeatTimeout = 180 * time.Second
	}
	if t.HeartbeatWarning == 0 {
		t.HeartbeatWarning = 120 * time.Second
	}
	fillCeiling(&t.CPUTemp, ceilingDefaults["cpu_temp"])
	fillCeiling(&t.Memory, ceilingDefaults["memory"])
	fillCeiling(&t.CPUUsage, ceilingDefaults["cpu_usage"])
	if t.BufferHealth.Warning == 0 {
		t.BufferHealth.Warning = 0.5
	}
	if t.BufferHealth.Critical == 0 {
		t.BufferHealth.Critical = 0.25
	}
	if t.DiskFree.Warning == 0 {
		t.DiskFree.Warning = 5
	}
	if t.DiskFree.Critical == 0 {
		t.DiskFree.Critical = 1
	}
}

func fillCeiling(c *Ceiling, def Ceiling) {
	if c.Warning == 0 {
		c.Warning = def.Warning
	}
	if c.Critical == 0 {
		c.Critical = def.Critical
	}
}

func (t Thresholds) Validate() error {
	if t.HeartbeatWarning > t.HeartbeatTimeout {
		return fmt.Errorf("heartbeat_warning %s exceeds heartbeat_timeout %s", t.HeartbeatWarning, t.HeartbeatTimeout)
	}
	for name, c := range map[string]Ceiling{"cpu_temp": t.CPUTemp, "memory": t.Memory, "cpu_usage": t.CPUUsage} {
		if c.Warning > c.Critical {
			return fmt.Errorf("%s warning %.2f exceeds critical %.2f", name, c.Warning, c.Critical)
		}
	}
	for name, f := range map[string]Floor{"buffer_health": t.BufferHealth, "disk_free_gb": t.DiskFree} {
		if f.Critical > f.Warning {
			return fmt.Errorf("%s critical %.2f exceeds warning %.2f", name, f.Critical, f.Warning)
		}
	}
	return nil
}

type thresholdsFile struct {
	Thresholds Thresholds `yaml:"thresholds"`
}

// LoadThresholds reads the thresholds section of a config file. Missing keys
// keep their defaults and unknown keys are ignored.
func LoadThresholds(path string) (Thresholds, error) {
	var f thresholdsFile
	if err := cleanenv.ReadConfig(path, &f); err != nil {
		return Thresholds{}, &LoadError{Kind: "thresholds", Path: path, Err: err}
	}

	f.Thresholds.applyDefaults()
	if err := f.Thresholds.Validate(); err != nil {
		return Thresholds{}, &LoadError{Kind: "thresholds", Path: path, Err: err}
	}

	return f.Thresholds, nil
}

// ThresholdStore hands out immutable snapshots so that one evaluation pass
// never sees a half-applied reload.
type ThresholdStore struct {
	current atomic.Pointer[Thresholds]
}

func NewThresholdStore(t Thresholds) *ThresholdStore {
	t.applyDefaults()
	s := &ThresholdStore{}
	s.current.Store(&t)
	return s
}

func (s *ThresholdStore) Snapshot() Thresholds {
	return *s.current.Load()
}

func (s *ThresholdStore) Reload(path string) (Thresholds, error) {
	t, err := LoadThresholds(path)
	if err != nil {
		return Thresholds{}, err
	}
	s.current.Store(&t)
	return t, nil
}
