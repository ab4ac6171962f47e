package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/speedwagon-io/relaywatch/internal/lib/logger/sl"
	"github.com/speedwagon-io/relaywatch/internal/model"
)

type SQLiteStore struct {
	log *slog.Logger
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteStore(log *slog.Logger, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &SQLiteStore{
		log: log,
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
		CREATE TABLE IF NOT EXISTS units (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			unit_id TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL DEFAULT '',
			unit_group TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL DEFAULT '',
			frequency REAL,
			expected_binary TEXT NOT NULL DEFAULT '',
			service TEXT NOT NULL DEFAULT '',
			container TEXT NOT NULL DEFAULT '',
			restart_script TEXT NOT NULL DEFAULT '',
			manual_fix INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'no_data',
			last_heartbeat_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS heartbeats (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			heartbeat_id TEXT NOT NULL,
			unit_id TEXT NOT NULL,
			received_at TEXT NOT NULL,
			received_at_ns INTEGER NOT NULL,
			sent_at TEXT,
			status TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL DEFAULT '',
			remote_addr TEXT NOT NULL DEFAULT '',
			telemetry_json TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_heartbeats_unit ON heartbeats(unit_id, id);
		CREATE INDEX IF NOT EXISTS idx_heartbeats_received ON heartbeats(received_at_ns);

		CREATE TABLE IF NOT EXISTS restart_attempts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			unit_id TEXT NOT NULL,
			method TEXT NOT NULL,
			success INTEGER NOT NULL,
			error_message TEXT,
			attempted_at TEXT NOT NULL,
			attempted_at_ns INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_restart_attempts_unit ON restart_attempts(unit_id, attempted_at_ns);

		CREATE TABLE IF NOT EXISTS incidents (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			unit_id TEXT NOT NULL,
			incident_type TEXT NOT NULL,
			started_at TEXT NOT NULL,
			resolved_at TEXT,
			description TEXT NOT NULL DEFAULT '',
			auto_action TEXT NOT NULL DEFAULT ''
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_incidents_open ON incidents(unit_id, incident_type) WHERE resolved_at IS NULL;

		CREATE TABLE IF NOT EXISTS remediation_leases (
			lock_key TEXT PRIMARY KEY,
			holder TEXT NOT NULL,
			expires_at_ns INTEGER NOT NULL
		);
	`
	_, err := s.db.Exec(query)
	return err
}

func (s *SQLiteStore) UpsertUnit(ctx context.Context, unit *model.Unit) error {
	if unit.ID == "" {
		return errors.New("unit id is required")
	}

	now := formatTime(s.now())
	query := `
		INSERT INTO units (unit_id, name, unit_group, role, frequency, expected_binary, service, container, restart_script, manual_fix, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(unit_id) DO UPDATE SET
			name = excluded.name,
			unit_group = excluded.unit_group,
			role = excluded.role,
			frequency = excluded.frequency,
			expected_binary = excluded.expected_binary,
			service = excluded.service,
			container = excluded.container,
			restart_script = excluded.restart_script,
			manual_fix = excluded.manual_fix,
			updated_at = excluded.updated_at
	`

	var frequency sql.NullFloat64
	if unit.Frequency != nil {
		frequency = sql.NullFloat64{Float64: *unit.Frequency, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, query,
		unit.ID,
		unit.Name,
		unit.Group,
		unit.Role,
		frequency,
		unit.ExpectedBinary,
		unit.Service,
		unit.Container,
		unit.RestartScript,
		unit.ManualFix,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert unit %s: %w", unit.ID, err)
	}

	s.log.Debug("unit upserted", slog.String("unit_id", unit.ID))
	return nil
}

const unitColumns = `unit_id, name, unit_group, role, frequency, expected_binary, service, container, restart_script, manual_fix, status, last_heartbeat_at, created_at, updated_at`

func (s *SQLiteStore) GetUnit(ctx context.Context, unitID string) (*model.Unit, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+unitColumns+" FROM units WHERE unit_id = ?", unitID)

	unit, err := s.scanUnit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("unit %s: %w", unitID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get unit %s: %w", unitID, err)
	}
	return unit, nil
}

func (s *SQLiteStore) ListUnits(ctx context.Context) ([]*model.Unit, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+unitColumns+" FROM units ORDER BY seq ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to query units: %w", err)
	}
	defer rows.Close()

	var units []*model.Unit
	for rows.Next() {
		unit, err := s.scanUnit(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan unit: %w", err)
		}
		units = append(units, unit)
	}

	return units, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanUnit(row rowScanner) (*model.Unit, error) {
	var (
		unit                 model.Unit
		frequency            sql.NullFloat64
		status               string
		lastHeartbeat        sql.NullString
		createdAt, updatedAt string
	)

	err := row.Scan(
		&unit.ID,
		&unit.Name,
		&unit.Group,
		&unit.Role,
		&frequency,
		&unit.ExpectedBinary,
		&unit.Service,
		&unit.Container,
		&unit.RestartScript,
		&unit.ManualFix,
		&status,
		&lastHeartbeat,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if frequency.Valid {
		unit.Frequency = &frequency.Float64
	}
	unit.Status = model.UnitStatus(status)
	if lastHeartbeat.Valid {
		if t, err := time.Parse(time.RFC3339Nano, lastHeartbeat.String); err == nil {
			unit.LastHeartbeatAt = &t
		}
	}
	unit.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	unit.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)

	return &unit, nil
}

func (s *SQLiteStore) RemoveUnit(ctx context.Context, unitID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, "DELETE FROM units WHERE unit_id = ?", unitID)
	if err != nil {
		return fmt.Errorf("failed to delete unit %s: %w", unitID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("unit %s: %w", unitID, ErrNotFound)
	}

	// Restart attempts stay as audit history.
	for _, table := range []string{"heartbeats", "incidents"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE unit_id = ?", unitID); err != nil {
			return fmt.Errorf("failed to delete %s of unit %s: %w", table, unitID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.log.Info("unit removed", slog.String("unit_id", unitID))
	return nil
}

func (s *SQLiteStore) SetManualFix(ctx context.Context, unitID string, manualFix bool) error {
	return s.updateUnit(ctx, unitID, "manual_fix = ?", manualFix)
}

func (s *SQLiteStore) UpdateUnitStatus(ctx context.Context, unitID string, status model.UnitStatus) error {
	return s.updateUnit(ctx, unitID, "status = ?", string(status))
}

func (s *SQLiteStore) updateUnit(ctx context.Context, unitID, set string, value any) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE units SET "+set+", updated_at = ? WHERE unit_id = ?",
		value, formatTime(s.now()), unitID,
	)
	if err != nil {
		return fmt.Errorf("failed to update unit %s: %w", unitID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("unit %s: %w", unitID, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) RecordHeartbeat(ctx context.Context, hb *model.Heartbeat) error {
	telemetryJSON, err := json.Marshal(hb.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to marshal telemetry: %w", err)
	}

	var sentAt sql.NullString
	if !hb.SentAt.IsZero() {
		sentAt = sql.NullString{String: formatTime(hb.SentAt), Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO heartbeats (heartbeat_id, unit_id, received_at, received_at_ns, sent_at, status, source, remote_addr, telemetry_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		hb.ID,
		hb.UnitID,
		formatTime(hb.Timestamp),
		hb.Timestamp.UnixNano(),
		sentAt,
		hb.Status,
		hb.Source,
		hb.RemoteAddr,
		string(telemetryJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to store heartbeat: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE units SET last_heartbeat_at = ? WHERE unit_id = ?",
		formatTime(hb.Timestamp), hb.UnitID,
	); err != nil {
		return fmt.Errorf("failed to update last heartbeat: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.log.Debug("heartbeat stored", slog.String("unit_id", hb.UnitID), slog.String("id", hb.ID))
	return nil
}

const heartbeatColumns = `heartbeat_id, unit_id, received_at, sent_at, status, source, remote_addr, telemetry_json`

func (s *SQLiteStore) LatestHeartbeat(ctx context.Context, unitID string) (*model.Heartbeat, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+heartbeatColumns+" FROM heartbeats WHERE unit_id = ? ORDER BY id DESC LIMIT 1",
		unitID,
	)

	hb, err := s.scanHeartbeat(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest heartbeat of %s: %w", unitID, err)
	}
	return hb, nil
}

func (s *SQLiteStore) HeartbeatHistory(ctx context.Context, unitID string, limit int) ([]*model.Heartbeat, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+heartbeatColumns+" FROM heartbeats WHERE unit_id = ? ORDER BY id DESC LIMIT ?",
		unitID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query heartbeats: %w", err)
	}
	defer rows.Close()

	var heartbeats []*model.Heartbeat
	for rows.Next() {
		hb, err := s.scanHeartbeat(rows)
		if err != nil {
			s.log.Error("failed to scan heartbeat", sl.Err(err))
			continue
		}
		heartbeats = append(heartbeats, hb)
	}

	return heartbeats, rows.Err()
}

func (s *SQLiteStore) scanHeartbeat(row rowScanner) (*model.Heartbeat, error) {
	var (
		hb            model.Heartbeat
		receivedAt    string
		sentAt        sql.NullString
		telemetryJSON string
	)

	if err := row.Scan(&hb.ID, &hb.UnitID, &receivedAt, &sentAt, &hb.Status, &hb.Source, &hb.RemoteAddr, &telemetryJSON); err != nil {
		return nil, err
	}

	// An unparseable time is surfaced as zero so the evaluator can flag it.
	if t, err := time.Parse(time.RFC3339Nano, receivedAt); err == nil {
		hb.Timestamp = t
	} else {
		s.log.Warn("failed to parse heartbeat timestamp",
			slog.String("unit_id", hb.UnitID),
			slog.String("value", receivedAt),
		)
	}
	if sentAt.Valid {
		hb.SentAt, _ = time.Parse(time.RFC3339Nano, sentAt.String)
	}

	if err := json.Unmarshal([]byte(telemetryJSON), &hb.Telemetry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal telemetry: %w", err)
	}

	return &hb, nil
}

// PruneHeartbeats deletes old heartbeats but always keeps the latest one of
// each unit, so a long-silent unit stays offline instead of turning no_data.
func (s *SQLiteStore) PruneHeartbeats(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM heartbeats
		WHERE received_at_ns < ?
		  AND id NOT IN (SELECT MAX(id) FROM heartbeats GROUP BY unit_id)
	`, olderThan.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to prune heartbeats: %w", err)
	}

	deleted, _ := result.RowsAffected()
	if deleted > 0 {
		s.log.Info("pruned old heartbeats", slog.Int64("deleted", deleted))
	}
	return deleted, nil
}

func (s *SQLiteStore) RecordRestartAttempt(ctx context.Context, attempt *model.RestartAttempt) error {
	var errMsg sql.NullString
	if attempt.ErrorMessage != nil {
		errMsg = sql.NullString{String: *attempt.ErrorMessage, Valid: true}
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO restart_attempts (unit_id, method, success, error_message, attempted_at, attempted_at_ns)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		attempt.UnitID,
		attempt.Method,
		attempt.Success,
		errMsg,
		formatTime(attempt.Timestamp),
		attempt.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to record restart attempt: %w", err)
	}

	attempt.ID, _ = result.LastInsertId()
	return nil
}

func (s *SQLiteStore) CountRestartAttempts(ctx context.Context, unitID string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM restart_attempts WHERE unit_id = ? AND attempted_at_ns > ?",
		unitID, since.UnixNano(),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count restart attempts: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) RecentRestartAttempts(ctx context.Context, unitID string, limit int) ([]*model.RestartAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, unit_id, method, success, error_message, attempted_at
		FROM restart_attempts
		WHERE unit_id = ?
		ORDER BY attempted_at_ns DESC, id DESC
		LIMIT ?
	`, unitID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query restart attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*model.RestartAttempt
	for rows.Next() {
		var (
			a           model.RestartAttempt
			errMsg      sql.NullString
			attemptedAt string
		)
		if err := rows.Scan(&a.ID, &a.UnitID, &a.Method, &a.Success, &errMsg, &attemptedAt); err != nil {
			return nil, fmt.Errorf("failed to scan restart attempt: %w", err)
		}
		if errMsg.Valid {
			a.ErrorMessage = &errMsg.String
		}
		a.Timestamp, _ = time.Parse(time.RFC3339Nano, attemptedAt)
		attempts = append(attempts, &a)
	}

	return attempts, rows.Err()
}

func (s *SQLiteStore) OpenIncident(ctx context.Context, incident *model.Incident) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO incidents (unit_id, incident_type, started_at, description, auto_action)
		VALUES (?, ?, ?, ?, ?)
	`,
		incident.UnitID,
		string(incident.Type),
		formatTime(incident.StartedAt),
		incident.Description,
		incident.AutoAction,
	)
	if err != nil {
		return false, fmt.Errorf("failed to open incident: %w", err)
	}

	n, _ := result.RowsAffected()
	if n == 0 {
		return false, nil
	}
	incident.ID, _ = result.LastInsertId()
	return true, nil
}

func (s *SQLiteStore) ResolveIncident(ctx context.Context, unitID string, incidentType model.IncidentType, at time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE incidents SET resolved_at = ?
		WHERE unit_id = ? AND incident_type = ? AND resolved_at IS NULL
	`, formatTime(at), unitID, string(incidentType))
	if err != nil {
		return false, fmt.Errorf("failed to resolve incident: %w", err)
	}

	n, _ := result.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) OpenIncidents(ctx context.Context) ([]*model.Incident, error) {
	rows, err := s.db.QueryContext(ctx, `
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
			startedAt    string
		)
		if err := rows.Scan(&inc.ID, &inc.UnitID, &incidentType, &startedAt, &inc.Description, &inc.AutoAction); err != nil {
			return nil, fmt.Errorf("failed to scan incident: %w", err)
		}
		inc.Type = model.IncidentType(incidentType)
		inc.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
		incidents = append(incidents, &inc)
	}

	return incidents, rows.Err()
}

func (s *SQLiteStore) AcquireLease(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	now := s.now()
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO remediation_leases (lock_key, holder, expires_at_ns)
		VALUES (?, ?, ?)
		ON CONFLICT(lock_key) DO UPDATE SET
			holder = excluded.holder,
			expires_at_ns = excluded.expires_at_ns
		WHERE remediation_leases.expires_at_ns <= ?
	`, key, holder, now.Add(ttl).UnixNano(), now.UnixNano())
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease %s: %w", key, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease %s: %w", key, err)
	}
	return n == 1, nil
}

func (s *SQLiteStore) ReleaseLease(ctx context.Context, key, holder string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM remediation_leases WHERE lock_key = ? AND holder = ?",
		key, holder,
	)
	if err != nil {
		return fmt.Errorf("failed to release lease %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
