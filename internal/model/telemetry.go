package model

// Telemetry is the self-reported state carried by a heartbeat.
// A nil field means the unit did not report it.
type Telemetry struct {
	StreamConnected *bool    `json:"stream_connected,omitempty"`
	Transmitting    *bool    `json:"fm_transmitting,omitempty"`
	CPUTemp         *float64 `json:"cpu_temp,omitempty"`
	CPUUsage        *float64 `json:"cpu_usage,omitempty"`
	MemoryUsage     *float64 `json:"memory_usage,omitempty"`
	BufferHealth    *float64 `json:"buffer_health,omitempty"`
	AudioLevel      *float64 `json:"audio_level,omitempty"`
	DiskFreeGB      *float64 `json:"disk_free_gb,omitempty"`
	UptimeSeconds   int64    `json:"uptime_seconds"`
	Binary          string   `json:"binary,omitempty"`
	Errors          *string  `json:"errors,omitempty"`

	Extra map[string]any `json:"extra,omitempty"`
}

func Float(v float64) *float64 { return &v }

func Bool(v bool) *bool { return &v }

func String(v string) *string { return &v }
