package model

import "time"

type UnitStatus string

const (
	StatusNoData   UnitStatus = "no_data"
	StatusOnline   UnitStatus = "online"
	StatusDegraded UnitStatus = "degraded"
	StatusOffline  UnitStatus = "offline"
	StatusUnknown  UnitStatus = "unknown"
)

func (s UnitStatus) Valid() bool {
	switch s {
	case StatusNoData, StatusOnline, StatusDegraded, StatusOffline, StatusUnknown:
		return true
	}
	return false
}

type Unit struct {
	ID    string `json:"unit_id" yaml:"id"`
	Name  string `json:"name" yaml:"name"`
	Group string `json:"group,omitempty" yaml:"group"`
	Role  string `json:"role,omitempty" yaml:"role"`

	Frequency      *float64 `json:"frequency,omitempty" yaml:"frequency"`
	ExpectedBinary string   `json:"expected_binary,omitempty" yaml:"expected_binary"`

	// Remediation targets. Empty means the matching strategy does not apply.
	Service       string `json:"service,omitempty" yaml:"service"`
	Container     string `json:"container,omitempty" yaml:"container"`
	RestartScript string `json:"restart_script,omitempty" yaml:"restart_script"`

	ManualFix bool `json:"manual_fix" yaml:"manual_fix"`

	Status          UnitStatus `json:"status" yaml:"-"`
	LastHeartbeatAt *time.Time `json:"last_heartbeat_at,omitempty" yaml:"-"`
	CreatedAt       time.Time  `json:"created_at" yaml:"-"`
	UpdatedAt       time.Time  `json:"updated_at" yaml:"-"`
}

func (u *Unit) DisplayName() string {
	if u.Name != "" {
		return u.Name
	}
	return u.ID
}
