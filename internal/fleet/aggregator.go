package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/speedwagon-io/relaywatch/internal/config"
	"github.com/speedwagon-io/relaywatch/internal/health"
	"github.com/speedwagon-io/relaywatch/internal/lib/logger/sl"
	"github.com/speedwagon-io/relaywatch/internal/model"
	"golang.org/x/sync/errgroup"
)

type Source interface {
	ListUnits(ctx context.Context) ([]*model.Unit, error)
	GetUnit(ctx context.Context, unitID string) (*model.Unit, error)
	LatestHeartbeat(ctx context.Context, unitID string) (*model.Heartbeat, error)
}

type Summary struct {
	TotalUnits  int                      `json:"total_units"`
	Verdicts    []health.Verdict         `json:"nodes"`
	Issues      []string                 `json:"issues"`
	TotalIssues int                      `json:"total_issues"`
	Counts      map[model.UnitStatus]int `json:"counts"`
	GeneratedAt time.Time                `json:"generated_at"`
}

type Aggregator struct {
	log     *slog.Logger
	source  Source
	workers int
}

func NewAggregator(log *slog.Logger, source Source, workers int) *Aggregator {
	if workers <= 0 {
		workers = 1
	}
	return &Aggregator{log: log, source: source, workers: workers}
}

// Evaluate computes the verdict of every registered unit. Only a failure to
// list the units is returned; per-unit faults become unknown verdicts.
func (a *Aggregator) Evaluate(ctx context.Context, thresholds config.Thresholds, now time.Time) (*Summary, error) {
	units, err := a.source.ListUnits(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list units: %w", err)
	}

	return a.EvaluateUnits(ctx, units, thresholds, now), nil
}

// EvaluateUnits evaluates the given units in parallel. Verdicts[i] belongs
// to units[i].
func (a *Aggregator) EvaluateUnits(ctx context.Context, units []*model.Unit, thresholds config.Thresholds, now time.Time) *Summary {
	verdicts := make([]health.Verdict, len(units))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.workers)
	for i, unit := range units {
		i, unit := i, unit
		g.Go(func() error {
			verdicts[i] = a.evaluateUnit(gctx, unit, thresholds, now)
			return nil
		})
	}
	_ = g.Wait()

	return Summarize(verdicts, now)
}

func (a *Aggregator) Unit(ctx context.Context, unitID string, thresholds config.Thresholds, now time.Time) (health.Verdict, error) {
	unit, err := a.source.GetUnit(ctx, unitID)
	if err != nil {
		return health.Verdict{}, err
	}
	return a.evaluateUnit(ctx, unit, thresholds, now), nil
}

func (a *Aggregator) evaluateUnit(ctx context.Context, unit *model.Unit, thresholds config.Thresholds, now time.Time) (v health.Verdict) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("unit evaluation panicked",
				slog.String("unit_id", unit.ID),
				slog.Any("panic", r),
			)
			v = health.Unknown(unit, fmt.Errorf("panic: %v", r), now)
		}
	}()

	hb, err := a.source.LatestHeartbeat(ctx, unit.ID)
	if err != nil {
		a.log.Error("failed to load latest heartbeat",
			slog.String("unit_id", unit.ID),
			sl.Err(err),
		)
		return health.Unknown(unit, err, now)
	}

	return health.Evaluate(unit, hb, thresholds, now)
}

func Summarize(verdicts []health.Verdict, now time.Time) *Summary {
	s := &Summary{
		TotalUnits:  len(verdicts),
		Verdicts:    verdicts,
		Issues:      []string{},
		Counts:      make(map[model.UnitStatus]int),
		GeneratedAt: now,
	}

	for _, v := range verdicts {
		s.Counts[v.Status]++
		for _, issue := range v.Issues {
			s.Issues = append(s.Issues, v.UnitName+": "+issue)
		}
	}
	s.TotalIssues = len(s.Issues)

	return s
}
