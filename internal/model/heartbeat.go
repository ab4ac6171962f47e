package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	ReportStatusOK       = "ok"
	ReportStatusDegraded = "degraded"

	SourceHTTP = "http"
	SourceAMQP = "amqp"
)

// Heartbeat is a stored report. Timestamp is the collector receive time, or
// the send time for broker deliveries when that is earlier, and is the only
// clock used for staleness. A zero Timestamp marks a record whose
// stored time could not be parsed.
type Heartbeat struct {
	ID         string    `json:"id"`
	UnitID     string    `json:"unit_id"`
	Timestamp  time.Time `json:"timestamp"`
	SentAt     time.Time `json:"sent_at,omitempty"`
	Status     string    `json:"status"`
	Source     string    `json:"source,omitempty"`
	RemoteAddr string    `json:"remote_addr,omitempty"`
	Telemetry  Telemetry `json:"telemetry"`
}

// HeartbeatReport is the payload a reporter pushes to the collector.
type HeartbeatReport struct {
	ID        string    `json:"id"`
	UnitID    string    `json:"unit_id"`
	NodeID    string    `json:"node_id,omitempty"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Telemetry
}

func NewHeartbeatReport(unitID, status string, telemetry Telemetry) *HeartbeatReport {
	return &HeartbeatReport{
		ID:        uuid.New().String(),
		UnitID:    unitID,
		Status:    status,
		Timestamp: time.Now().UTC(),
		Telemetry: telemetry,
	}
}

// UnitKey returns the reporting unit id, accepting the legacy node_id field.
func (r *HeartbeatReport) UnitKey() string {
	if r.UnitID != "" {
		return r.UnitID
	}
	return r.NodeID
}

func (r *HeartbeatReport) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

func HeartbeatReportFromJSON(data []byte) (*HeartbeatReport, error) {
	var r HeartbeatReport
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}
