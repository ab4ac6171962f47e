package remediation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/docker/docker/client"
	"github.com/speedwagon-io/relaywatch/internal/config"
	"github.com/speedwagon-io/relaywatch/internal/health"
	"github.com/speedwagon-io/relaywatch/internal/lib/logger/sl"
	"github.com/speedwagon-io/relaywatch/internal/model"
	"github.com/speedwagon-io/relaywatch/internal/store"
	"golang.org/x/sync/errgroup"
)

type Reason string

const (
	ReasonNone          Reason = ""
	ReasonSelfProtected Reason = "self_protected"
	ReasonManualFix     Reason = "manual_fix_required"
	ReasonRateLimited   Reason = "rate_limited"
)

type Outcome struct {
	UnitID         string `json:"unit_id"`
	UnitName       string `json:"unit_name"`
	Attempted      bool   `json:"attempted"`
	Succeeded      bool   `json:"succeeded"`
	Reason         Reason `json:"reason,omitempty"`
	Method         string `json:"method,omitempty"`
	Message        string `json:"message"`
	RecentAttempts int    `json:"recent_attempts"`
	// ResolvedDown is set when the successful restart closed an open down incident.
	ResolvedDown bool `json:"resolved_down,omitempty"`
}

type Policy struct {
	MaxRestarts     int
	Window          time.Duration
	SelfUnitID      string
	TriggerStatuses []model.UnitStatus
	Workers         int
}

type incidentResolver interface {
	ResolveIncident(ctx context.Context, unitID string, incidentType model.IncidentType, at time.Time) (bool, error)
}

type Engine struct {
	log        *slog.Logger
	attempts   store.AttemptLog
	incidents  incidentResolver
	strategies []Strategy
	locker     Locker
	policy     Policy
	now        func() time.Time
}

type Option func(*Engine)

func WithLocker(l Locker) Option {
	return func(e *Engine) { e.locker = l }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(
	log *slog.Logger,
	attempts store.AttemptLog,
	incidents incidentResolver,
	strategies []Strategy,
	policy Policy,
	opts ...Option,
) (*Engine, error) {
	if len(strategies) == 0 {
		return nil, errors.New("at least one remediation strategy is required")
	}
	if policy.MaxRestarts <= 0 {
		return nil, fmt.Errorf("max restarts must be positive, got %d", policy.MaxRestarts)
	}
	if policy.Window <= 0 {
		return nil, fmt.Errorf("restart window must be positive, got %s", policy.Window)
	}
	if policy.Workers <= 0 {
		policy.Workers = 4
	}

	e := &Engine{
		log:        log,
		attempts:   attempts,
		incidents:  incidents,
		strategies: strategies,
		locker:     NewLocalLocker(),
		policy:     policy,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}

	return e, nil
}

// CanRestart counts attempts newer than now-window. An attempt exactly
// window old no longer counts.
func (e *Engine) CanRestart(ctx context.Context, unitID string) (bool, int, error) {
	since := e.now().Add(-e.policy.Window)

	recent, err := e.attempts.CountRestartAttempts(ctx, unitID, since)
	if err != nil {
		return false, 0, fmt.Errorf("failed to check restart budget of %s: %w", unitID, err)
	}

	return recent < e.policy.MaxRestarts, recent, nil
}

func (e *Engine) Candidate(v health.Verdict) bool {
	return slices.Contains(e.policy.TriggerStatuses, v.Status)
}

// Remediate runs the strategies for one unit under its lock. Policy refusals
// are reported in the outcome; the error is reserved for infrastructure
// failures such as an unwritable attempt log.
func (e *Engine) Remediate(ctx context.Context, unit *model.Unit, verdict health.Verdict) (Outcome, error) {
	out := Outcome{UnitID: unit.ID, UnitName: unit.DisplayName()}

	if unit.ID == e.policy.SelfUnitID {
		out.Reason = ReasonSelfProtected
		out.Message = "refusing to restart the collector's own unit"
		return out, nil
	}

	if verdict.ManualFixRequired || unit.ManualFix {
		out.Reason = ReasonManualFix
		out.Message = "manual fix required, automatic restart skipped"
		return out, nil
	}

	unlock, err := e.locker.Lock(ctx, unit.ID)
	if err != nil {
		return out, fmt.Errorf("failed to lock unit %s: %w", unit.ID, err)
	}
	defer unlock()

	allowed, recent, err := e.CanRestart(ctx, unit.ID)
	if err != nil {
		return out, err
	}
	out.RecentAttempts = recent

	if !allowed {
		out.Reason = ReasonRateLimited
		out.Message = fmt.Sprintf("rate limited: %d/%d restarts in last %s", recent, e.policy.MaxRestarts, e.policy.Window)
		e.log.Warn("restart rate limited",
			slog.String("unit_id", unit.ID),
			slog.Int("recent", recent),
			slog.Int("max", e.policy.MaxRestarts),
		)
		return out, nil
	}

	attemptedAt := e.now()
	out.Attempted = true

	var failures []string
	for _, s := range e.strategies {
		out.Method = s.Name()

		ok, msg := s.Attempt(ctx, unit)
		if ok {
			out.Succeeded = true
			out.Message = msg
			break
		}

		failures = append(failures, s.Name()+": "+msg)
		e.log.Warn("remediation strategy failed",
			slog.String("unit_id", unit.ID),
			slog.String("strategy", s.Name()),
			slog.String("message", msg),
		)
	}

	attempt := &model.RestartAttempt{
		UnitID:    unit.ID,
		Method:    out.Method,
		Success:   out.Succeeded,
		Timestamp: attemptedAt,
	}
	if !out.Succeeded {
		out.Message = strings.Join(failures, "; ")
		attempt.ErrorMessage = &out.Message
	}

	// The audit record must land even when the caller is shutting down.
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := e.attempts.RecordRestartAttempt(recordCtx, attempt); err != nil {
		return out, fmt.Errorf("failed to record restart attempt of %s: %w", unit.ID, err)
	}
	out.RecentAttempts = recent + 1

	if out.Succeeded {
		e.log.Info("unit restarted",
			slog.String("unit_id", unit.ID),
			slog.String("method", out.Method),
		)
		resolved, err := e.incidents.ResolveIncident(recordCtx, unit.ID, model.IncidentDown, e.now())
		if err != nil {
			return out, fmt.Errorf("failed to resolve down incident of %s: %w", unit.ID, err)
		}
		out.ResolvedDown = resolved
	} else {
		e.log.Error("all remediation strategies failed",
			slog.String("unit_id", unit.ID),
			slog.String("message", out.Message),
		)
	}

	return out, nil
}

type Target struct {
	Unit    *model.Unit
	Verdict health.Verdict
}

// Heal remediates every candidate target. Units run in parallel; outcomes
// keep the order of targets. Infrastructure errors are joined.
func (e *Engine) Heal(ctx context.Context, targets []Target) ([]Outcome, error) {
	var candidates []Target
	for _, t := range targets {
		if e.Candidate(t.Verdict) {
			candidates = append(candidates, t)
		}
	}

	outcomes := make([]Outcome, len(candidates))
	errs := make([]error, len(candidates))

	var g errgroup.Group
	g.SetLimit(e.policy.Workers)
	for i, t := range candidates {
		i, t := i, t
		g.Go(func() error {
			outcomes[i], errs[i] = e.Remediate(ctx, t.Unit, t.Verdict)
			if errs[i] != nil {
				e.log.Error("remediation failed", slog.String("unit_id", t.Unit.ID), sl.Err(errs[i]))
			}
			return nil
		})
	}
	_ = g.Wait()

	return outcomes, errors.Join(errs...)
}

// FromConfig builds the engine and its strategy chain from the remediation
// section. The Docker client reads DOCKER_HOST and friends from the
// environment.
func FromConfig(
	log *slog.Logger,
	cfg config.RemediationConfig,
	workers int,
	attempts store.AttemptLog,
	incidents incidentResolver,
	opts ...Option,
) (*Engine, error) {
	triggers, err := cfg.Triggers()
	if err != nil {
		return nil, err
	}

	strategies, err := BuildStrategies(cfg.StrategyList(), cfg.ScriptsDir, func() (ContainerRestarter, error) {
		return client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	})
	if err != nil {
		return nil, err
	}

	// Lease locking is the default whenever the attempt log can hold leases;
	// an explicit WithLocker still wins.
	if leases, ok := attempts.(store.LeaseStore); ok {
		opts = append([]Option{WithLocker(NewLeaseLocker(log, leases, cfg.LockTTL))}, opts...)
	}

	return NewEngine(log, attempts, incidents, strategies, Policy{
		MaxRestarts:     cfg.MaxRestarts,
		Window:          cfg.Window,
		SelfUnitID:      cfg.SelfUnitID,
		TriggerStatuses: triggers,
		Workers:         workers,
	}, opts...)
}
