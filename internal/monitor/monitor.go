package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/speedwagon-io/relaywatch/internal/config"
	"github.com/speedwagon-io/relaywatch/internal/fleet"
	"github.com/speedwagon-io/relaywatch/internal/health"
	"github.com/speedwagon-io/relaywatch/internal/lib/logger/sl"
	"github.com/speedwagon-io/relaywatch/internal/metrics"
	"github.com/speedwagon-io/relaywatch/internal/model"
	"github.com/speedwagon-io/relaywatch/internal/notify"
	"github.com/speedwagon-io/relaywatch/internal/remediation"
)

type cycleStore interface {
	ListUnits(ctx context.Context) ([]*model.Unit, error)
	UpdateUnitStatus(ctx context.Context, unitID string, status model.UnitStatus) error
	OpenIncident(ctx context.Context, incident *model.Incident) (bool, error)
	ResolveIncident(ctx context.Context, unitID string, incidentType model.IncidentType, at time.Time) (bool, error)
	OpenIncidents(ctx context.Context) ([]*model.Incident, error)
	PruneHeartbeats(ctx context.Context, olderThan time.Time) (int64, error)
}

// Publisher receives the fleet summary after every cycle.
type Publisher interface {
	Publish(summary *fleet.Summary)
}

type IncidentChange struct {
	UnitID string             `json:"unit_id"`
	Type   model.IncidentType `json:"incident_type"`
}

type CycleResult struct {
	Summary  *fleet.Summary        `json:"summary"`
	Opened   []*model.Incident     `json:"opened,omitempty"`
	Resolved []IncidentChange      `json:"resolved,omitempty"`
	Outcomes []remediation.Outcome `json:"remediation,omitempty"`
	Pruned   int64                 `json:"pruned_heartbeats"`
	Duration time.Duration         `json:"duration"`
}

type Monitor struct {
	log        *slog.Logger
	store      cycleStore
	aggregator *fleet.Aggregator
	thresholds *config.ThresholdStore
	interval   time.Duration

	engine    *remediation.Engine
	autoHeal  bool
	notifier  notify.Notifier
	metrics   *metrics.Metrics
	publisher Publisher
	retention time.Duration
	now       func() time.Time

	// cycles never overlap, whether ticked or triggered by hand
	cycleMu sync.Mutex
	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

type Option func(*Monitor)

// WithEngine enables remediation. autoHeal makes the periodic loop heal;
// manual cycles decide per call.
func WithEngine(e *remediation.Engine, autoHeal bool) Option {
	return func(m *Monitor) {
		m.engine = e
		m.autoHeal = autoHeal
	}
}

func WithNotifier(n notify.Notifier) Option {
	return func(m *Monitor) { m.notifier = n }
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Monitor) { m.metrics = mt }
}

func WithPublisher(p Publisher) Option {
	return func(m *Monitor) { m.publisher = p }
}

// WithRetention prunes heartbeats older than d after each cycle.
func WithRetention(d time.Duration) Option {
	return func(m *Monitor) { m.retention = d }
}

func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

func NewMonitor(
	log *slog.Logger,
	store cycleStore,
	aggregator *fleet.Aggregator,
	thresholds *config.ThresholdStore,
	interval time.Duration,
	opts ...Option,
) *Monitor {
	m := &Monitor{
		log:        log,
		store:      store,
		aggregator: aggregator,
		thresholds: thresholds,
		interval:   interval,
		notifier:   notify.NewLogNotifier(log),
		now:        func() time.Time { return time.Now().UTC() },
		stopCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start runs a cycle immediately and then every interval until ctx is
// cancelled or Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	defer m.wg.Done()

	m.log.Info("starting fleet monitor",
		slog.Duration("interval", m.interval),
		slog.Bool("auto_heal", m.autoHeal && m.engine != nil),
	)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			m.log.Info("context cancelled, stopping monitor")
			return
		case <-m.stopCh:
			m.log.Info("stop signal received, stopping monitor")
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Monitor) Stop() {
	m.stopped.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

func (m *Monitor) tick(ctx context.Context) {
	res, err := m.RunCycle(ctx, m.autoHeal)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.log.Error("monitor cycle failed", sl.Err(err))
		if res == nil {
			return
		}
	}

	m.log.Info("monitor cycle complete",
		slog.Int("units", res.Summary.TotalUnits),
		slog.Int("issues", res.Summary.TotalIssues),
		slog.Int("opened", len(res.Opened)),
		slog.Int("resolved", len(res.Resolved)),
		slog.Int("remediated", len(res.Outcomes)),
		slog.Duration("duration", res.Duration),
	)
}

// RunCycle evaluates the fleet against one thresholds snapshot, persists
// statuses and incidents, and remediates candidates when heal is set.
// A nil result means the fleet could not be read at all; otherwise errors
// of individual steps are joined and returned with the result.
func (m *Monitor) RunCycle(ctx context.Context, heal bool) (*CycleResult, error) {
	m.cycleMu.Lock()
	defer m.cycleMu.Unlock()

	start := time.Now()
	res, err := m.runCycle(ctx, heal)
	elapsed := time.Since(start)

	if res != nil {
		res.Duration = elapsed
	}
	if m.metrics != nil {
		m.metrics.RecordCycle(elapsed.Seconds(), err != nil)
	}
	return res, err
}

func (m *Monitor) runCycle(ctx context.Context, heal bool) (*CycleResult, error) {
	thresholds := m.thresholds.Snapshot()
	now := m.now()

	units, err := m.store.ListUnits(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list units: %w", err)
	}

	summary := m.aggregator.EvaluateUnits(ctx, units, thresholds, now)
	res := &CycleResult{Summary: summary}

	var errs []error
	for i, unit := range units {
		v := summary.Verdicts[i]

		if v.Status != unit.Status {
			if err := m.store.UpdateUnitStatus(ctx, unit.ID, v.Status); err != nil {
				errs = append(errs, fmt.Errorf("failed to update status of %s: %w", unit.ID, err))
			} else {
				m.log.Info("unit status changed",
					slog.String("unit_id", unit.ID),
					slog.String("from", string(unit.Status)),
					slog.String("to", string(v.Status)),
				)
			}
		}

		if err := m.trackIncidents(ctx, unit, v, now, res); err != nil {
			errs = append(errs, err)
		}
	}

	if heal && m.engine != nil {
		targets := make([]remediation.Target, len(units))
		for i, unit := range units {
			targets[i] = remediation.Target{Unit: unit, Verdict: summary.Verdicts[i]}
		}

		outcomes, err := m.engine.Heal(ctx, targets)
		if err != nil {
			errs = append(errs, err)
		}
		res.Outcomes = outcomes

		byID := make(map[string]*model.Unit, len(units))
		for _, unit := range units {
			byID[unit.ID] = unit
		}

		for _, out := range outcomes {
			if m.metrics != nil {
				m.metrics.RecordRemediation(out.Method, out.Attempted, out.Succeeded, string(out.Reason))
			}
			if err := m.notifier.Remediated(ctx, out); err != nil {
				m.log.Warn("failed to notify remediation", slog.String("unit_id", out.UnitID), sl.Err(err))
			}
			if out.ResolvedDown {
				res.Resolved = append(res.Resolved, IncidentChange{UnitID: out.UnitID, Type: model.IncidentDown})
				if err := m.notifier.IncidentResolved(ctx, byID[out.UnitID], model.IncidentDown); err != nil {
					m.log.Warn("failed to notify incident", slog.String("unit_id", out.UnitID), sl.Err(err))
				}
			}
		}
	}

	if m.metrics != nil {
		m.metrics.UpdateFleet(summary.Counts, summary.TotalIssues)
		if open, err := m.store.OpenIncidents(ctx); err != nil {
			m.log.Warn("failed to count open incidents", sl.Err(err))
		} else {
			m.metrics.UpdateOpenIncidents(len(open))
		}
	}

	if m.publisher != nil {
		m.publisher.Publish(summary)
	}

	if m.retention > 0 {
		pruned, err := m.store.PruneHeartbeats(ctx, now.Add(-m.retention))
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to prune heartbeats: %w", err))
		}
		res.Pruned = pruned
	}

	return res, errors.Join(errs...)
}

// trackIncidents opens an incident when a condition first appears and
// resolves it once the unit is seen healthy for that condition. Units that
// could not be evaluated keep their incidents untouched.
func (m *Monitor) trackIncidents(ctx context.Context, unit *model.Unit, v health.Verdict, now time.Time, res *CycleResult) error {
	if v.Status == model.StatusUnknown {
		return nil
	}

	var errs []error
	set := func(incidentType model.IncidentType, active bool, description string) {
		if active {
			incident := &model.Incident{
				UnitID:      unit.ID,
				Type:        incidentType,
				StartedAt:   now,
				Description: description,
				AutoAction:  m.autoAction(incidentType),
			}
			opened, err := m.store.OpenIncident(ctx, incident)
			if err != nil {
				errs = append(errs, fmt.Errorf("failed to open %s incident of %s: %w", incidentType, unit.ID, err))
				return
			}
			if opened {
				res.Opened = append(res.Opened, incident)
				if err := m.notifier.IncidentOpened(ctx, unit, incident); err != nil {
					m.log.Warn("failed to notify incident", slog.String("unit_id", unit.ID), sl.Err(err))
				}
			}
			return
		}

		resolved, err := m.store.ResolveIncident(ctx, unit.ID, incidentType, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to resolve %s incident of %s: %w", incidentType, unit.ID, err))
			return
		}
		if resolved {
			res.Resolved = append(res.Resolved, IncidentChange{UnitID: unit.ID, Type: incidentType})
			if err := m.notifier.IncidentResolved(ctx, unit, incidentType); err != nil {
				m.log.Warn("failed to notify incident", slog.String("unit_id", unit.ID), sl.Err(err))
			}
		}
	}

	set(model.IncidentManualFix, v.ManualFixRequired, manualFixDescription(v))

	switch v.Status {
	case model.StatusOffline:
		set(model.IncidentDegraded, false, "")
		set(model.IncidentDown, true, describe(v))
	case model.StatusDegraded:
		set(model.IncidentDown, false, "")
		set(model.IncidentDegraded, true, describe(v))
	case model.StatusOnline:
		set(model.IncidentDown, false, "")
		set(model.IncidentDegraded, false, "")
	}

	return errors.Join(errs...)
}

func (m *Monitor) autoAction(incidentType model.IncidentType) string {
	if incidentType == model.IncidentManualFix || m.engine == nil || !m.autoHeal {
		return ""
	}
	return "auto-heal"
}

func describe(v health.Verdict) string {
	if len(v.Issues) == 0 {
		return string(v.Status)
	}
	return strings.Join(v.Issues, "; ")
}

func manualFixDescription(v health.Verdict) string {
	for _, issue := range v.Issues {
		if strings.HasPrefix(issue, "runtime binary mismatch") {
			return issue
		}
	}
	return "held for manual intervention"
}
