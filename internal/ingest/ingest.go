package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/speedwagon-io/relaywatch/internal/metrics"
	"github.com/speedwagon-io/relaywatch/internal/model"
	"github.com/speedwagon-io/relaywatch/internal/store"
)

var (
	ErrInvalidReport = errors.New("invalid heartbeat report")
	ErrUnknownUnit   = errors.New("unknown unit")
)

type Meta struct {
	Source     string
	RemoteAddr string
	// Queued marks deliveries that may have waited in a broker. Their
	// heartbeat time is never later than the reporter's send time.
	Queued bool
}

type heartbeatSink interface {
	GetUnit(ctx context.Context, unitID string) (*model.Unit, error)
	UpsertUnit(ctx context.Context, unit *model.Unit) error
	RecordHeartbeat(ctx context.Context, hb *model.Heartbeat) error
}

type Ingestor struct {
	log          *slog.Logger
	sink         heartbeatSink
	metrics      *metrics.Metrics
	autoRegister bool
	now          func() time.Time
}

func NewIngestor(log *slog.Logger, sink heartbeatSink, m *metrics.Metrics, autoRegister bool) *Ingestor {
	return &Ingestor{
		log:          log,
		sink:         sink,
		metrics:      m,
		autoRegister: autoRegister,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Ingest stores one report. The collector's receive time becomes the
// heartbeat timestamp and the reporter's clock is kept as SentAt. Queued
// deliveries take the earlier of the two so a backlog drained after an
// outage does not make a dead unit look fresh.
func (i *Ingestor) Ingest(ctx context.Context, report *model.HeartbeatReport, meta Meta) (*model.Heartbeat, error) {
	unitID := report.UnitKey()
	if unitID == "" {
		i.reject(meta.Source, "missing_unit")
		return nil, fmt.Errorf("%w: unit_id is required", ErrInvalidReport)
	}

	if err := i.ensureUnit(ctx, unitID, meta.Source); err != nil {
		return nil, err
	}

	status := report.Status
	if status == "" {
		status = model.ReportStatusOK
	}

	id := report.ID
	if id == "" {
		id = uuid.New().String()
	}

	ts := i.now()
	if meta.Queued && !report.Timestamp.IsZero() && report.Timestamp.Before(ts) {
		ts = report.Timestamp.UTC()
	}

	hb := &model.Heartbeat{
		ID:         id,
		UnitID:     unitID,
		Timestamp:  ts,
		SentAt:     report.Timestamp,
		Status:     status,
		Source:     meta.Source,
		RemoteAddr: meta.RemoteAddr,
		Telemetry:  report.Telemetry,
	}

	if err := i.sink.RecordHeartbeat(ctx, hb); err != nil {
		i.reject(meta.Source, "store")
		return nil, fmt.Errorf("failed to record heartbeat of %s: %w", unitID, err)
	}

	if i.metrics != nil {
		i.metrics.RecordHeartbeat(meta.Source)
	}
	i.log.Debug("heartbeat received",
		slog.String("unit_id", unitID),
		slog.String("source", meta.Source),
		slog.String("status", status),
	)

	return hb, nil
}

func (i *Ingestor) ensureUnit(ctx context.Context, unitID, source string) error {
	_, err := i.sink.GetUnit(ctx, unitID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("failed to look up unit %s: %w", unitID, err)
	}

	if !i.autoRegister {
		i.reject(source, "unknown_unit")
		return fmt.Errorf("%w: %s", ErrUnknownUnit, unitID)
	}

	if err := i.sink.UpsertUnit(ctx, &model.Unit{ID: unitID, Name: unitID}); err != nil {
		return fmt.Errorf("failed to register unit %s: %w", unitID, err)
	}
	i.log.Info("unit registered on first heartbeat", slog.String("unit_id", unitID))
	return nil
}

func (i *Ingestor) reject(source, reason string) {
	if i.metrics != nil {
		i.metrics.RecordRejected(source, reason)
	}
}
