package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/speedwagon-io/relaywatch/internal/model"
)

// MemoryStore keeps everything in process memory. It backs dry runs and tests.
type MemoryStore struct {
	mu         sync.RWMutex
	seq        int64
	incidentID int64
	units      map[string]*memoryUnit
	heartbeats map[string][]*model.Heartbeat
	attempts   []*model.RestartAttempt
	incidents  []*model.Incident
	leases     map[string]memoryLease
	now        func() time.Time
}

type memoryLease struct {
	holder    string
	expiresAt time.Time
}

type memoryUnit struct {
	seq  int64
	unit model.Unit
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		units:      make(map[string]*memoryUnit),
		heartbeats: make(map[string][]*model.Heartbeat),
		leases:     make(map[string]memoryLease),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) UpsertUnit(_ context.Context, unit *model.Unit) error {
	if unit.ID == "" {
		return errors.New("unit id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if existing, ok := m.units[unit.ID]; ok {
		updated := *unit
		updated.Status = existing.unit.Status
		updated.LastHeartbeatAt = existing.unit.LastHeartbeatAt
		updated.CreatedAt = existing.unit.CreatedAt
		updated.UpdatedAt = now
		existing.unit = updated
		return nil
	}

	m.seq++
	stored := *unit
	stored.Status = model.StatusNoData
	stored.CreatedAt = now
	stored.UpdatedAt = now
	m.units[unit.ID] = &memoryUnit{seq: m.seq, unit: stored}
	return nil
}

func (m *MemoryStore) GetUnit(_ context.Context, unitID string) (*model.Unit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.units[unitID]
	if !ok {
		return nil, fmt.Errorf("unit %s: %w", unitID, ErrNotFound)
	}
	unit := u.unit
	return &unit, nil
}

func (m *MemoryStore) ListUnits(_ context.Context) ([]*model.Unit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := make([]*memoryUnit, 0, len(m.units))
	for _, u := range m.units {
		entries = append(entries, u)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	units := make([]*model.Unit, len(entries))
	for i, e := range entries {
		unit := e.unit
		units[i] = &unit
	}
	return units, nil
}

func (m *MemoryStore) RemoveUnit(_ context.Context, unitID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.units[unitID]; !ok {
		return fmt.Errorf("unit %s: %w", unitID, ErrNotFound)
	}
	delete(m.units, unitID)
	delete(m.heartbeats, unitID)

	kept := m.incidents[:0]
	for _, inc := range m.incidents {
		if inc.UnitID != unitID {
			kept = append(kept, inc)
		}
	}
	m.incidents = kept
	return nil
}

func (m *MemoryStore) SetManualFix(_ context.Context, unitID string, manualFix bool) error {
	return m.update(unitID, func(u *model.Unit) { u.ManualFix = manualFix })
}

func (m *MemoryStore) UpdateUnitStatus(_ context.Context, unitID string, status model.UnitStatus) error {
	return m.update(unitID, func(u *model.Unit) { u.Status = status })
}

func (m *MemoryStore) update(unitID string, fn func(u *model.Unit)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.units[unitID]
	if !ok {
		return fmt.Errorf("unit %s: %w", unitID, ErrNotFound)
	}
	fn(&u.unit)
	u.unit.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) RecordHeartbeat(_ context.Context, hb *model.Heartbeat) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := *hb
	m.heartbeats[hb.UnitID] = append(m.heartbeats[hb.UnitID], &stored)
	if u, ok := m.units[hb.UnitID]; ok {
		ts := hb.Timestamp
		u.unit.LastHeartbeatAt = &ts
	}
	return nil
}

func (m *MemoryStore) LatestHeartbeat(_ context.Context, unitID string) (*model.Heartbeat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.heartbeats[unitID]
	if len(list) == 0 {
		return nil, nil
	}
	hb := *list[len(list)-1]
	return &hb, nil
}

func (m *MemoryStore) HeartbeatHistory(_ context.Context, unitID string, limit int) ([]*model.Heartbeat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.heartbeats[unitID]
	out := make([]*model.Heartbeat, 0, min(limit, len(list)))
	for i := len(list) - 1; i >= 0 && len(out) < limit; i-- {
		hb := *list[i]
		out = append(out, &hb)
	}
	return out, nil
}

func (m *MemoryStore) PruneHeartbeats(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int64
	for unitID, list := range m.heartbeats {
		if len(list) == 0 {
			continue
		}
		last := list[len(list)-1]
		kept := make([]*model.Heartbeat, 0, len(list))
		for _, hb := range list[:len(list)-1] {
			if hb.Timestamp.Before(olderThan) {
				deleted++
				continue
			}
			kept = append(kept, hb)
		}
		m.heartbeats[unitID] = append(kept, last)
	}
	return deleted, nil
}

func (m *MemoryStore) RecordRestartAttempt(_ context.Context, attempt *model.RestartAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	attempt.ID = int64(len(m.attempts) + 1)
	stored := *attempt
	m.attempts = append(m.attempts, &stored)
	return nil
}

func (m *MemoryStore) CountRestartAttempts(_ context.Context, unitID string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, a := range m.attempts {
		if a.UnitID == unitID && a.Timestamp.After(since) {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) RecentRestartAttempts(_ context.Context, unitID string, limit int) ([]*model.RestartAttempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*model.RestartAttempt
	for _, a := range m.attempts {
		if a.UnitID == unitID {
			c := *a
			out = append(out, &c)
		}
	}

	// newest first, same as the SQL stores
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID > out[j].ID
	})

	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) OpenIncident(_ context.Context, incident *model.Incident) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, inc := range m.incidents {
		if inc.UnitID == incident.UnitID && inc.Type == incident.Type && inc.Open() {
			return false, nil
		}
	}

	m.incidentID++
	incident.ID = m.incidentID
	stored := *incident
	stored.ResolvedAt = nil
	m.incidents = append(m.incidents, &stored)
	return true, nil
}

func (m *MemoryStore) ResolveIncident(_ context.Context, unitID string, incidentType model.IncidentType, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, inc := range m.incidents {
		if inc.UnitID == unitID && inc.Type == incidentType && inc.Open() {
			resolved := at
			inc.ResolvedAt = &resolved
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) OpenIncidents(_ context.Context) ([]*model.Incident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*model.Incident
	for _, inc := range m.incidents {
		if inc.Open() {
			c := *inc
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *MemoryStore) AcquireLease(_ context.Context, key, holder string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if l, ok := m.leases[key]; ok && l.expiresAt.After(now) {
		return false, nil
	}
	m.leases[key] = memoryLease{holder: holder, expiresAt: now.Add(ttl)}
	return true, nil
}

func (m *MemoryStore) ReleaseLease(_ context.Context, key, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l, ok := m.leases[key]; ok && l.holder == holder {
		delete(m.leases, key)
	}
	return nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }
