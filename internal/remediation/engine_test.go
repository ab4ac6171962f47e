package remediation

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/speedwagon-io/relaywatch/internal/health"
	"github.com/speedwagon-io/relaywatch/internal/lib/logger/sl"
	"github.com/speedwagon-io/relaywatch/internal/model"
	"github.com/speedwagon-io/relaywatch/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStrategy struct {
	name  string
	ok    bool
	msg   string
	delay time.Duration
	calls atomic.Int32
}

func (f *fakeStrategy) Name() string { return f.name }

func (f *fakeStrategy) Attempt(ctx context.Context, _ *model.Unit) (bool, string) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return false, "cancelled"
		}
	}
	return f.ok, f.msg
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func defaultPolicy() Policy {
	return Policy{
		MaxRestarts:     3,
		Window:          300 * time.Second,
		SelfUnitID:      "fleet-collector",
		TriggerStatuses: []model.UnitStatus{model.StatusOffline, model.StatusDegraded},
	}
}

func newEngine(t *testing.T, s *store.MemoryStore, c *clock, strategies ...Strategy) *Engine {
	t.Helper()
	e, err := NewEngine(sl.NewDiscardLogger(), s, s, strategies, defaultPolicy(), WithClock(c.Now))
	require.NoError(t, err)
	return e
}

func offline(unitID string) health.Verdict {
	return health.Verdict{UnitID: unitID, Status: model.StatusOffline}
}

func TestNewEngineValidation(t *testing.T) {
	s := store.NewMemoryStore()

	_, err := NewEngine(sl.NewDiscardLogger(), s, s, nil, defaultPolicy())
	assert.Error(t, err)

	p := defaultPolicy()
	p.MaxRestarts = 0
	_, err = NewEngine(sl.NewDiscardLogger(), s, s, []Strategy{&fakeStrategy{name: "x"}}, p)
	assert.Error(t, err)
}

func TestRateLimitWindow(t *testing.T) {
	s := store.NewMemoryStore()
	c := &clock{t: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)}
	strategy := &fakeStrategy{name: "script", ok: false, msg: "exit code 1"}
	e := newEngine(t, s, c, strategy)
	unit := &model.Unit{ID: "relay-01"}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		out, err := e.Remediate(ctx, unit, offline(unit.ID))
		require.NoError(t, err)
		assert.True(t, out.Attempted)
		assert.False(t, out.Succeeded)
		c.Advance(10 * time.Second)
	}

	out, err := e.Remediate(ctx, unit, offline(unit.ID))
	require.NoError(t, err)
	assert.False(t, out.Attempted)
	assert.Equal(t, ReasonRateLimited, out.Reason)
	assert.Equal(t, "rate limited: 3/3 restarts in last 5m0s", out.Message)
	assert.EqualValues(t, 3, strategy.calls.Load())

	// The first attempt was made at t0; now is t0+30s. At t0+300s it is
	// exactly window old and drops out of the count.
	c.Advance(270 * time.Second)
	allowed, recent, err := e.CanRestart(ctx, unit.ID)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, 2, recent)

	out, err = e.Remediate(ctx, unit, offline(unit.ID))
	require.NoError(t, err)
	assert.True(t, out.Attempted)

	attempts, err := s.RecentRestartAttempts(ctx, unit.ID, 10)
	require.NoError(t, err)
	assert.Len(t, attempts, 4)
}

func TestWindowBoundaryIncludesOneSecondInside(t *testing.T) {
	s := store.NewMemoryStore()
	c := &clock{t: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)}
	e := newEngine(t, s, c, &fakeStrategy{name: "script"})
	ctx := context.Background()

	for _, age := range []time.Duration{299 * time.Second, 100 * time.Second, time.Second} {
		require.NoError(t, s.RecordRestartAttempt(ctx, &model.RestartAttempt{UnitID: "u", Method: "script", Timestamp: c.Now().Add(-age)}))
	}

	allowed, recent, err := e.CanRestart(ctx, "u")
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, 3, recent)
}

func TestSelfProtection(t *testing.T) {
	s := store.NewMemoryStore()
	strategy := &fakeStrategy{name: "script", ok: true}
	e := newEngine(t, s, &clock{t: time.Now()}, strategy)

	out, err := e.Remediate(context.Background(), &model.Unit{ID: "fleet-collector"}, offline("fleet-collector"))
	require.NoError(t, err)
	assert.False(t, out.Attempted)
	assert.Equal(t, ReasonSelfProtected, out.Reason)
	assert.Zero(t, strategy.calls.Load())

	attempts, err := s.RecentRestartAttempts(context.Background(), "fleet-collector", 10)
	require.NoError(t, err)
	assert.Empty(t, attempts)
}

func TestManualFixRequired(t *testing.T) {
	s := store.NewMemoryStore()
	strategy := &fakeStrategy{name: "script", ok: true}
	e := newEngine(t, s, &clock{t: time.Now()}, strategy)

	v := offline("relay-01")
	v.ManualFixRequired = true

	out, err := e.Remediate(context.Background(), &model.Unit{ID: "relay-01"}, v)
	require.NoError(t, err)
	assert.False(t, out.Attempted)
	assert.Equal(t, ReasonManualFix, out.Reason)
	assert.NotEqual(t, ReasonRateLimited, out.Reason)
	assert.Zero(t, strategy.calls.Load())

	out, err = e.Remediate(context.Background(), &model.Unit{ID: "relay-02", ManualFix: true}, offline("relay-02"))
	require.NoError(t, err)
	assert.Equal(t, ReasonManualFix, out.Reason)
}

func TestStrategyFallback(t *testing.T) {
	ctx := context.Background()

	t.Run("first failure falls through to second success", func(t *testing.T) {
		s := store.NewMemoryStore()
		first := &fakeStrategy{name: "script", msg: "exit code 2: port in use"}
		second := &fakeStrategy{name: "systemd", ok: true, msg: "restarted service relay@01"}
		third := &fakeStrategy{name: "docker", ok: true}
		e := newEngine(t, s, &clock{t: time.Now()}, first, second, third)

		_, err := s.OpenIncident(ctx, &model.Incident{UnitID: "relay-01", Type: model.IncidentDown, StartedAt: time.Now()})
		require.NoError(t, err)

		out, err := e.Remediate(ctx, &model.Unit{ID: "relay-01"}, offline("relay-01"))
		require.NoError(t, err)
		assert.True(t, out.Attempted)
		assert.True(t, out.Succeeded)
		assert.Equal(t, "systemd", out.Method)
		assert.Equal(t, "restarted service relay@01", out.Message)
		assert.True(t, out.ResolvedDown)
		assert.EqualValues(t, 1, first.calls.Load())
		assert.EqualValues(t, 1, second.calls.Load())
		assert.Zero(t, third.calls.Load())

		attempts, err := s.RecentRestartAttempts(ctx, "relay-01", 10)
		require.NoError(t, err)
		require.Len(t, attempts, 1)
		assert.True(t, attempts[0].Success)
		assert.Equal(t, "systemd", attempts[0].Method)

		open, err := s.OpenIncidents(ctx)
		require.NoError(t, err)
		assert.Empty(t, open, "success closes the down incident")
	})

	t.Run("all strategies fail", func(t *testing.T) {
		s := store.NewMemoryStore()
		e := newEngine(t, s, &clock{t: time.Now()},
			&fakeStrategy{name: "script", msg: "exit code 1"},
			&fakeStrategy{name: "systemd", msg: "no service configured"},
		)

		out, err := e.Remediate(ctx, &model.Unit{ID: "relay-01"}, offline("relay-01"))
		require.NoError(t, err)
		assert.True(t, out.Attempted)
		assert.False(t, out.Succeeded)
		assert.Equal(t, "script: exit code 1; systemd: no service configured", out.Message)
		assert.False(t, out.ResolvedDown)

		attempts, err := s.RecentRestartAttempts(ctx, "relay-01", 10)
		require.NoError(t, err)
		require.Len(t, attempts, 1)
		assert.False(t, attempts[0].Success)
		require.NotNil(t, attempts[0].ErrorMessage)
		assert.Contains(t, *attempts[0].ErrorMessage, "exit code 1")
	})
}

func TestSuccessWithoutOpenIncident(t *testing.T) {
	s := store.NewMemoryStore()
	e := newEngine(t, s, &clock{t: time.Now()}, &fakeStrategy{name: "script", ok: true})

	out, err := e.Remediate(context.Background(), &model.Unit{ID: "relay-01"}, offline("relay-01"))
	require.NoError(t, err)
	assert.True(t, out.Succeeded)
	assert.False(t, out.ResolvedDown, "nothing was open to resolve")
}

type brokenLog struct {
	*store.MemoryStore
}

func (b brokenLog) RecordRestartAttempt(context.Context, *model.RestartAttempt) error {
	return errors.New("disk full")
}

func TestRecordFailurePropagates(t *testing.T) {
	s := brokenLog{store.NewMemoryStore()}
	e, err := NewEngine(sl.NewDiscardLogger(), s, s, []Strategy{&fakeStrategy{name: "script", ok: true}}, defaultPolicy())
	require.NoError(t, err)

	out, err := e.Remediate(context.Background(), &model.Unit{ID: "relay-01"}, offline("relay-01"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.True(t, out.Attempted)
	assert.True(t, out.Succeeded)
}

func TestConcurrentRemediationRespectsBudget(t *testing.T) {
	s := store.NewMemoryStore()
	strategy := &fakeStrategy{name: "script", ok: false, msg: "boom", delay: 5 * time.Millisecond}
	e := newEngine(t, s, &clock{t: time.Now()}, strategy)
	unit := &model.Unit{ID: "relay-01"}

	var (
		wg        sync.WaitGroup
		attempted atomic.Int32
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := e.Remediate(context.Background(), unit, offline(unit.ID))
			assert.NoError(t, err)
			if out.Attempted {
				attempted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 3, attempted.Load())
	assert.EqualValues(t, 3, strategy.calls.Load())
}

func TestLeaseLockerSharesBudgetAcrossEngines(t *testing.T) {
	ctx := context.Background()
	log := sl.NewDiscardLogger()
	path := filepath.Join(t.TempDir(), "fleet.db")

	// Two handles on one database stand in for a collector and a fleetctl heal run.
	var stores []*store.SQLiteStore
	for i := 0; i < 2; i++ {
		s, err := store.NewSQLiteStore(log, path)
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		stores = append(stores, s)
	}

	now := time.Now().UTC()
	for i := 1; i <= 2; i++ {
		require.NoError(t, stores[0].RecordRestartAttempt(ctx, &model.RestartAttempt{
			UnitID:    "relay-01",
			Method:    "script",
			Timestamp: now.Add(-time.Duration(i) * time.Minute),
		}))
	}

	strategy := &fakeStrategy{name: "script", msg: "boom", delay: 50 * time.Millisecond}
	var engines []*Engine
	for _, s := range stores {
		e, err := NewEngine(log, s, s, []Strategy{strategy}, defaultPolicy(),
			WithLocker(NewLeaseLocker(log, s, time.Minute)),
		)
		require.NoError(t, err)
		engines = append(engines, e)
	}

	unit := &model.Unit{ID: "relay-01"}
	var (
		wg        sync.WaitGroup
		attempted atomic.Int32
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(e *Engine) {
			defer wg.Done()
			out, err := e.Remediate(ctx, unit, offline(unit.ID))
			assert.NoError(t, err)
			if out.Attempted {
				attempted.Add(1)
			}
		}(engines[i%2])
	}
	wg.Wait()

	assert.EqualValues(t, 1, attempted.Load(), "one slot was left in the window")
	assert.EqualValues(t, 1, strategy.calls.Load())

	count, err := stores[1].CountRestartAttempts(ctx, "relay-01", now.Add(-5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestHeal(t *testing.T) {
	s := store.NewMemoryStore()
	strategy := &fakeStrategy{name: "script", ok: true, msg: "ok"}
	e := newEngine(t, s, &clock{t: time.Now()}, strategy)

	targets := []Target{
		{Unit: &model.Unit{ID: "a"}, Verdict: health.Verdict{UnitID: "a", Status: model.StatusOnline}},
		{Unit: &model.Unit{ID: "b"}, Verdict: health.Verdict{UnitID: "b", Status: model.StatusOffline}},
		{Unit: &model.Unit{ID: "c"}, Verdict: health.Verdict{UnitID: "c", Status: model.StatusNoData}},
		{Unit: &model.Unit{ID: "d"}, Verdict: health.Verdict{UnitID: "d", Status: model.StatusDegraded}},
		{Unit: &model.Unit{ID: "fleet-collector"}, Verdict: health.Verdict{UnitID: "fleet-collector", Status: model.StatusOffline}},
	}

	outcomes, err := e.Heal(context.Background(), targets)
	require.NoError(t, err)
	require.Len(t, outcomes, 3)
	assert.Equal(t, "b", outcomes[0].UnitID)
	assert.True(t, outcomes[0].Succeeded)
	assert.Equal(t, "d", outcomes[1].UnitID)
	assert.Equal(t, ReasonSelfProtected, outcomes[2].Reason)
	assert.EqualValues(t, 2, strategy.calls.Load())
}
