package store

import (
	"context"
	"errors"
	"time"

	"github.com/speedwagon-io/relaywatch/internal/model"
)

var ErrNotFound = errors.New("not found")

type UnitStore interface {
	UpsertUnit(ctx context.Context, unit *model.Unit) error
	GetUnit(ctx context.Context, unitID string) (*model.Unit, error)
	// ListUnits returns units in registration order.
	ListUnits(ctx context.Context) ([]*model.Unit, error)
	RemoveUnit(ctx context.Context, unitID string) error
	SetManualFix(ctx context.Context, unitID string, manualFix bool) error
	UpdateUnitStatus(ctx context.Context, unitID string, status model.UnitStatus) error
}

type HeartbeatStore interface {
	RecordHeartbeat(ctx context.Context, hb *model.Heartbeat) error
	// LatestHeartbeat returns nil without error when the unit never reported.
	LatestHeartbeat(ctx context.Context, unitID string) (*model.Heartbeat, error)
	HeartbeatHistory(ctx context.Context, unitID string, limit int) ([]*model.Heartbeat, error)
	PruneHeartbeats(ctx context.Context, olderThan time.Time) (int64, error)
}

type AttemptLog interface {
	RecordRestartAttempt(ctx context.Context, attempt *model.RestartAttempt) error
	// CountRestartAttempts counts attempts strictly after since.
	CountRestartAttempts(ctx context.Context, unitID string, since time.Time) (int, error)
	RecentRestartAttempts(ctx context.Context, unitID string, limit int) ([]*model.RestartAttempt, error)
}

type IncidentStore interface {
	// OpenIncident inserts the incident unless one of the same type is
	// already open for the unit. It reports whether a row was created.
	OpenIncident(ctx context.Context, incident *model.Incident) (bool, error)
	// ResolveIncident closes the open incident of the given type, if any.
	ResolveIncident(ctx context.Context, unitID string, incidentType model.IncidentType, at time.Time) (bool, error)
	OpenIncidents(ctx context.Context) ([]*model.Incident, error)
}

// LeaseStore keeps expiring named locks next to the attempt log, so every
// process writing to the same database sees the same holder.
type LeaseStore interface {
	// AcquireLease takes the lease for holder unless another holder has an
	// unexpired one. Re-acquiring an expired lease replaces its holder.
	AcquireLease(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)
	// ReleaseLease drops the lease only while holder still owns it.
	ReleaseLease(ctx context.Context, key, holder string) error
}

type Store interface {
	UnitStore
	HeartbeatStore
	AttemptLog
	IncidentStore
	LeaseStore
	Ping(ctx context.Context) error
	Close() error
}
