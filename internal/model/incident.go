package model

import "time"

type IncidentType string

const (
	IncidentDown      IncidentType = "down"
	IncidentDegraded  IncidentType = "degraded"
	IncidentManualFix IncidentType = "manual_fix"
)

type Incident struct {
	ID          int64        `json:"id"`
	UnitID      string       `json:"unit_id"`
	Type        IncidentType `json:"incident_type"`
	StartedAt   time.Time    `json:"started_at"`
	ResolvedAt  *time.Time   `json:"resolved_at,omitempty"`
	Description string       `json:"description"`
	AutoAction  string       `json:"auto_action,omitempty"`
}

func (i *Incident) Open() bool {
	return i.ResolvedAt == nil
}

type RestartAttempt struct {
	ID           int64     `json:"id"`
	UnitID       string    `json:"unit_id"`
	Method       string    `json:"method"`
	Success      bool      `json:"success"`
	ErrorMessage *string   `json:"error_message,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}
