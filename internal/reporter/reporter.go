package reporter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/speedwagon-io/relaywatch/internal/lib/logger/sl"
	"github.com/speedwagon-io/relaywatch/internal/model"
	"github.com/speedwagon-io/relaywatch/internal/sender"
)

// Reporter pushes one heartbeat per interval. Send failures are logged and
// the loop carries on; the collector sees a missed beat only as staleness.
type Reporter struct {
	log           *slog.Logger
	unitID        string
	interval      time.Duration
	sampleTimeout time.Duration
	samplers      []Sampler
	sender        sender.Sender
	startedAt     time.Time
	now           func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewReporter(log *slog.Logger, unitID string, interval time.Duration, s sender.Sender, samplers ...Sampler) *Reporter {
	sampleTimeout := interval / 2
	if sampleTimeout > 10*time.Second {
		sampleTimeout = 10 * time.Second
	}

	return &Reporter{
		log:           log,
		unitID:        unitID,
		interval:      interval,
		sampleTimeout: sampleTimeout,
		samplers:      samplers,
		sender:        s,
		startedAt:     time.Now(),
		now:           time.Now,
	}
}

// Start runs the loop in the background. The first heartbeat goes out
// immediately.
func (r *Reporter) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.done != nil {
		return errors.New("reporter already started")
	}

	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})

	r.log.Info("starting heartbeat reporter",
		slog.String("unit_id", r.unitID),
		slog.Duration("interval", r.interval),
	)

	go r.run(ctx, r.done)
	return nil
}

func (r *Reporter) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.beat(ctx)

	for {
		select {
		case <-ctx.Done():
			r.log.Info("context cancelled, stopping reporter")
			return
		case <-ticker.C:
			r.beat(ctx)
		}
	}
}

// Stop cancels the loop and waits up to timeout for it to exit.
func (r *Reporter) Stop(timeout time.Duration) error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.mu.Unlock()

	if done == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
	case <-time.After(timeout):
		return fmt.Errorf("reporter did not stop within %s", timeout)
	}

	var errs []error
	for _, s := range r.samplers {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", s.Name(), err))
		}
	}
	if err := r.sender.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close sender: %w", err))
	}
	return errors.Join(errs...)
}

func (r *Reporter) beat(ctx context.Context) {
	report := r.Collect(ctx)

	if err := r.sender.Send(ctx, report); err != nil {
		if ctx.Err() != nil {
			return
		}
		r.log.Warn("failed to send heartbeat, will retry next cycle",
			slog.String("unit_id", r.unitID),
			sl.Err(err),
		)
		return
	}

	r.log.Debug("heartbeat sent",
		slog.String("unit_id", r.unitID),
		slog.String("status", report.Status),
	)
}

// Collect builds one report from all samplers.
func (r *Reporter) Collect(ctx context.Context) *model.HeartbeatReport {
	t := model.Telemetry{
		UptimeSeconds: int64(r.now().Sub(r.startedAt).Seconds()),
	}

	var failures []string
	for _, s := range r.samplers {
		sampleCtx, cancel := context.WithTimeout(ctx, r.sampleTimeout)
		err := s.Sample(sampleCtx, &t)
		cancel()

		if err != nil {
			r.log.Warn("failed to sample telemetry",
				slog.String("sampler", s.Name()),
				sl.Err(err),
			)
			failures = append(failures, fmt.Sprintf("%s: %v", s.Name(), err))
		}
	}

	if len(failures) > 0 {
		msg := strings.Join(failures, "; ")
		if t.Errors != nil {
			msg = *t.Errors + "; " + msg
		}
		t.Errors = model.String(msg)
	}

	status := model.ReportStatusOK
	if t.Errors != nil {
		status = model.ReportStatusDegraded
	}

	return model.NewHeartbeatReport(r.unitID, status, t)
}
