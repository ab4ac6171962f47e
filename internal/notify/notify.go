package notify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/speedwagon-io/relaywatch/internal/model"
	"github.com/speedwagon-io/relaywatch/internal/remediation"
)

type Notifier interface {
	IncidentOpened(ctx context.Context, unit *model.Unit, incident *model.Incident) error
	IncidentResolved(ctx context.Context, unit *model.Unit, incidentType model.IncidentType) error
	Remediated(ctx context.Context, outcome remediation.Outcome) error
}

type LogNotifier struct {
	log *slog.Logger
}

func NewLogNotifier(log *slog.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) IncidentOpened(_ context.Context, unit *model.Unit, incident *model.Incident) error {
	n.log.Warn("incident opened",
		slog.String("unit_id", unit.ID),
		slog.String("type", string(incident.Type)),
		slog.String("description", incident.Description),
	)
	return nil
}

func (n *LogNotifier) IncidentResolved(_ context.Context, unit *model.Unit, incidentType model.IncidentType) error {
	n.log.Info("incident resolved",
		slog.String("unit_id", unit.ID),
		slog.String("type", string(incidentType)),
	)
	return nil
}

func (n *LogNotifier) Remediated(_ context.Context, outcome remediation.Outcome) error {
	n.log.Info("remediation outcome",
		slog.String("unit_id", outcome.UnitID),
		slog.Bool("attempted", outcome.Attempted),
		slog.Bool("succeeded", outcome.Succeeded),
		slog.String("reason", string(outcome.Reason)),
		slog.String("method", outcome.Method),
		slog.String("message", outcome.Message),
	)
	return nil
}

// Multi fans out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) IncidentOpened(ctx context.Context, unit *model.Unit, incident *model.Incident) error {
	var errs []error
	for _, n := range m {
		errs = append(errs, n.IncidentOpened(ctx, unit, incident))
	}
	return errors.Join(errs...)
}

func (m Multi) IncidentResolved(ctx context.Context, unit *model.Unit, incidentType model.IncidentType) error {
	var errs []error
	for _, n := range m {
		errs = append(errs, n.IncidentResolved(ctx, unit, incidentType))
	}
	return errors.Join(errs...)
}

func (m Multi) Remediated(ctx context.Context, outcome remediation.Outcome) error {
	var errs []error
	for _, n := range m {
		errs = append(errs, n.Remediated(ctx, outcome))
	}
	return errors.Join(errs...)
}
