package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/speedwagon-io/relaywatch/internal/model"
)

// PostgresStore lets several collectors share one attempt log and incident table.
type PostgresStore struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, log *slog.Logger, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &PostgresStore{log: log, pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	s.log.Info("postgres store ready")
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS units (
			seq BIGSERIAL PRIMARY KEY,
			unit_id TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL DEFAULT '',
			unit_group TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL DEFAULT '',
			frequency DOUBLE PRECISION,
			expected_binary TEXT NOT NULL DEFAULT '',
			service TEXT NOT NULL DEFAULT '',
			container TEXT NOT NULL DEFAULT '',
			restart_script TEXT NOT NULL DEFAULT '',
			manual_fix BOOLEAN NOT NULL DEFAULT FALSE,
			status TEXT NOT NULL DEFAULT 'no_data',
			last_heartbeat_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);

		CREATE TABLE IF NOT EXISTS heartbeats (
			id BIGSERIAL PRIMARY KEY,
			heartbeat_id TEXT NOT NULL,
			unit_id TEXT NOT NULL,
			received_at TIMESTAMPTZ NOT NULL,
			sent_at TIMESTAMPTZ,
			status TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL DEFAULT '',
			remote_addr TEXT NOT NULL DEFAULT '',
			telemetry JSONB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_heartbeats_unit ON heartbeats(unit_id, id);

		CREATE TABLE IF NOT EXISTS restart_attempts (
			id BIGSERIAL PRIMARY KEY,
			unit_id TEXT NOT NULL,
			method TEXT NOT NULL,
			success BOOLEAN NOT NULL,
			error_message TEXT,
			attempted_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_restart_attempts_unit ON restart_attempts(unit_id, attempted_at);

		CREATE TABLE IF NOT EXISTS incidents (
			id BIGSERIAL PRIMARY KEY,
			unit_id TEXT NOT NULL,
			incident_type TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			resolved_at TIMESTAMPTZ,
			description TEXT NOT NULL DEFAULT '',
			auto_action TEXT NOT NULL DEFAULT ''
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_incidents_open ON incidents(unit_id, incident_type) WHERE resolved_at IS NULL;

		CREATE TABLE IF NOT EXISTS remediation_leases (
			lock_key TEXT PRIMARY KEY,
			holder TEXT NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		);
	`)
	return err
}

func (s *PostgresStore) UpsertUnit(ctx context.Context, unit *model.Unit) error {
	if unit.ID == "" {
		return errors.New("unit id is required")
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO units (unit_id, name, unit_group, role, frequency, expected_binary, service, container, restart_script, manual_fix)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (unit_id) DO UPDATE SET
			name = EXCLUDED.name,
			unit_group = EXCLUDED.unit_group,
			role = EXCLUDED.role,
			frequency = EXCLUDED.frequency,
			expected_binary = EXCLUDED.expected_binary,
			service = EXCLUDED.service,
			container = EXCLUDED.container,
			restart_script = EXCLUDED.restart_script,
			manual_fix = EXCLUDED.manual_fix,
			updated_at = now()
	`, unit.ID, unit.Name, unit.Group, unit.Role, unit.Frequency, unit.ExpectedBinary,
		unit.Service, unit.Container, unit.RestartScript, unit.ManualFix)
	if err != nil {
		return fmt.Errorf("failed to upsert unit %s: %w", unit.ID, err)
	}
	return nil
}

const pgUnitColumns = `unit_id, name, unit_group, role, frequency, expected_binary, service, container, restart_script, manual_fix, status, last_heartbeat_at, created_at, updated_at`

func scanPgUnit(row pgx.Row) (*model.Unit, error) {
	var (
		unit   model.Unit
		status string
	)
	err := row.Scan(&unit.ID, &unit.Name, &unit.Group, &unit.Role, &unit.Frequency, &unit.ExpectedBinary,
		&unit.Service, &unit.Container, &unit.RestartScript, &unit.ManualFix, &status,
		&unit.LastHeartbeatAt, &unit.CreatedAt, &unit.UpdatedAt)
	if err != nil {
		return nil, err
	}
	unit.Status = model.UnitStatus(status)
	return &unit, nil
}

func (s *PostgresStore) GetUnit(ctx context.Context, unitID string) (*model.Unit, error) {
	unit, err := scanPgUnit(s.pool.QueryRow(ctx, "SELECT "+pgUnitColumns+" FROM units WHERE unit_id = $1", unitID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("unit %s: %w", unitID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get unit %s: %w", unitID, err)
	}
	return unit, nil
}

func (s *PostgresStore) ListUnits(ctx context.Context) ([]*model.Unit, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+pgUnitColumns+" FROM units ORDER BY seq ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to query units: %w", err)
	}
	defer rows.Close()

	var units []*model.Unit
	for rows.Next() {
		unit, err := scanPgUnit(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan unit: %w", err)
		}
		units = append(units, unit)
	}
	return units, rows.Err()
}

func (s *PostgresStore) RemoveUnit(ctx context.Context, unitID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, "DELETE FROM units WHERE unit_id = $1", unitID)
	if err != nil {
		return fmt.Errorf("failed to delete unit %s: %w", unitID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("unit %s: %w", unitID, ErrNotFound)
	}

	for _, table := range []string{"heartbeats", "incidents"} {
		if _, err := tx.Exec(ctx, "DELETE FROM "+table+" WHERE unit_id = $1", unitID); err != nil {
			return fmt.Errorf("failed to delete %s of unit %s: %w", table, unitID, err)
		}
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) SetManualFix(ctx context.Context, unitID string, manualFix bool) error {
	return s.updateUnit(ctx, unitID, "manual_fix = $1", manualFix)
}

func (s *PostgresStore) UpdateUnitStatus(ctx context.Context, unitID string, status model.UnitStatus) error {
	return s.updateUnit(ctx, unitID, "status = $1", string(status))
}

func (s *PostgresStore) updateUnit(ctx context.Context, unitID, set string, value any) error {
	tag, err := s.pool.Exec(ctx, "UPDATE units SET "+set+", updated_at = now() WHERE unit_id = $2", value, unitID)
	if err != nil {
		return fmt.Errorf("failed to update unit %s: %w", unitID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("unit %s: %w", unitID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) RecordHeartbeat(ctx context.Context, hb *model.Heartbeat) error {
	telemetry, err := json.Marshal(hb.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to marshal telemetry: %w", err)
	}

	var sentAt *time.Time
	if !hb.SentAt.IsZero() {
		sentAt = &hb.SentAt
	}

	batch := &pgx.Batch{}
	batch.Queue(`
		INSERT INTO heartbeats (heartbeat_id, unit_id, received_at, sent_at, status, source, remote_addr, telemetry)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, hb.ID, hb.UnitID, hb.Timestamp, sentAt, hb.Status, hb.Source, hb.RemoteAddr, telemetry)
	batch.Queue("UPDATE units SET last_heartbeat_at = $1 WHERE unit_id = $2", hb.Timestamp, hb.UnitID)

	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to store heartbeat: %w", err)
	}
	return nil
}

func scanPgHeartbeat(row pgx.Row) (*model.Heartbeat, error) {
	var (
		hb        model.Heartbeat
		sentAt    *time.Time
		telemetry []byte
	)
	if err := row.Scan(&hb.ID, &hb.UnitID, &hb.Timestamp, &sentAt, &hb.Status, &hb.Source, &hb.RemoteAddr, &telemetry); err != nil {
		return nil, err
	}
	if sentAt != nil {
		hb.SentAt = *sentAt
	}
	if err := json.Unmarshal(telemetry, &hb.Telemetry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal telemetry: %w", err)
	}
	return &hb, nil
}

const pgHeartbeatColumns = `heartbeat_id, unit_id, received_at, sent_at, status, source, remote_addr, telemetry`

func (s *PostgresStore) LatestHeartbeat(ctx context.Context, unitID string) (*model.Heartbeat, error) {
	hb, err := scanPgHeartbeat(s.pool.QueryRow(ctx,
		"SELECT "+pgHeartbeatColumns+" FROM heartbeats WHERE unit_id = $1 ORDER BY id DESC LIMIT 1", unitID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest heartbeat of %s: %w", unitID, err)
	}
	return hb, nil
}

func (s *PostgresStore) HeartbeatHistory(ctx context.Context, unitID string, limit int) ([]*model.Heartbeat, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+pgHeartbeatColumns+" FROM heartbeats WHERE unit_id = $1 ORDER BY id DESC LIMIT $2", unitID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query heartbeats: %w", err)
	}
	defer rows.Close()

	var heartbeats []*model.Heartbeat
	for rows.Next() {
		hb, err := scanPgHeartbeat(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan heartbeat: %w", err)
		}
		heartbeats = append(heartbeats, hb)
	}
	return heartbeats, rows.Err()
}

func (s *PostgresStore) PruneHeartbeats(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM heartbeats
		WHERE received_at < $1
		  AND id NOT IN (SELECT MAX(id) FROM heartbeats GROUP BY unit_id)
	`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to prune heartbeats: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) RecordRestartAttempt(ctx context.Context, attempt *model.RestartAttempt) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO restart_attempts (unit_id, method, success, error_message, attempted_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, attempt.UnitID, attempt.Method, attempt.Success, attempt.ErrorMessage, attempt.Timestamp).Scan(&attempt.ID)
	if err != nil {
		return fmt.Errorf("failed to record restart attempt: %w", err)
	}
	return nil
}

func (s *PostgresStore) CountRestartAttempts(ctx context.Context, unitID string, since time.Time) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM restart_attempts WHERE unit_id = $1 AND attempted_at > $2",
		unitID, since,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count restart attempts: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) RecentRestartAttempts(ctx context.Context, unitID string, limit int) ([]*model.RestartAttempt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, unit_id, method, success, error_message, attempted_at
		FROM restart_attempts
		WHERE unit_id = $1
		ORDER BY attempted_at DESC, id DESC
		LIMIT $2
	`, unitID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query restart attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*model.RestartAttempt
	for rows.Next() {
		var a model.RestartAttempt
		if err := rows.Scan(&a.ID, &a.UnitID, &a.Method, &a.Success, &a.ErrorMessage, &a.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan restart attempt: %w", err)
		}
		attempts = append(attempts, &a)
	}
	return attempts, rows.Err()
}

func (s *PostgresStore) OpenIncident(ctx context.Context, incident *model.Incident) (bool, error) {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO incidents (unit_id, incident_type, started_at, description, auto_action)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (unit_id, incident_type) WHERE resolved_at IS NULL DO NOTHING
		RETURNING id
	`, incident.UnitID, string(incident.Type), incident.StartedAt, incident.Description, incident.AutoAction).Scan(&incident.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to open incident: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) ResolveIncident(ctx context.Context, unitID string, incidentType model.IncidentType, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE incidents SET resolved_at = $1
		WHERE unit_id = $2 AND incident_type = $3 AND resolved_at IS NULL
	`, at, unitID, string(incidentType))
	if err != nil {
		return false, fmt.Errorf("failed to resolve incident: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) OpenIncidents(ctx context.Context) ([]*model.Incident, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, unit_id, incident_type, started_at, description, auto_action
		FROM incidents
		WHERE resolved_at IS NULL
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query open incidents: %w", err)
	}
	defer rows.Close()

	var incidents []*model.Incident
	for rows.Next() {
		var (
			inc          model.Incident
			incidentType string
		)
		if err := rows.Scan(&inc.ID, &inc.UnitID, &incidentType, &inc.StartedAt, &inc.Description, &inc.AutoAction); err != nil {
			return nil, fmt.Errorf("failed to scan incident: %w", err)
		}
		inc.Type = model.IncidentType(incidentType)
		incidents = append(incidents, &inc)
	}
	return incidents, rows.Err()
}

// AcquireLease uses the database clock so collectors on different hosts
// agree on expiry.
func (s *PostgresStore) AcquireLease(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO remediation_leases (lock_key, holder, expires_at)
		VALUES ($1, $2, now() + $3 * interval '1 millisecond')
		ON CONFLICT (lock_key) DO UPDATE SET
			holder = EXCLUDED.holder,
			expires_at = EXCLUDED.expires_at
		WHERE remediation_leases.expires_at <= now()
	`, key, holder, ttl.Milliseconds())
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease %s: %w", key, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ReleaseLease(ctx context.Context, key, holder string) error {
	_, err := s.pool.Exec(ctx,
		"DELETE FROM remediation_leases WHERE lock_key = $1 AND holder = $2",
		key, holder,
	)
	if err != nil {
		return fmt.Errorf("failed to release lease %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
