package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/speedwagon-io/relaywatch/internal/config"
	"github.com/speedwagon-io/relaywatch/internal/health"
	"github.com/speedwagon-io/relaywatch/internal/lib/logger/sl"
	"github.com/speedwagon-io/relaywatch/internal/metrics"
	"github.com/speedwagon-io/relaywatch/internal/model"
	"github.com/speedwagon-io/relaywatch/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIngest(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	require.NoError(t, s.UpsertUnit(ctx, &model.Unit{ID: "relay-01"}))

	m := metrics.NewMetrics()
	in := NewIngestor(sl.NewDiscardLogger(), s, m, false)
	received := time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)
	in.now = func() time.Time { return received }

	sentAt := received.Add(-2 * time.Hour)
	report := &model.HeartbeatReport{
		NodeID:    "relay-01",
		Timestamp: sentAt,
		Telemetry: model.Telemetry{StreamConnected: model.Bool(true), CPUTemp: model.Float(51)},
	}

	hb, err := in.Ingest(ctx, report, Meta{Source: model.SourceHTTP, RemoteAddr: "10.0.0.7"})
	require.NoError(t, err)
	assert.NotEmpty(t, hb.ID)
	assert.Equal(t, model.ReportStatusOK, hb.Status)
	assert.Equal(t, received, hb.Timestamp, "receive time wins over the reporter clock")
	assert.Equal(t, sentAt, hb.SentAt)

	latest, err := s.LatestHeartbeat(ctx, "relay-01")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "10.0.0.7", latest.RemoteAddr)
	assert.Equal(t, 51.0, *latest.Telemetry.CPUTemp)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HeartbeatsReceived.WithLabelValues("http")))
}

func TestIngestQueuedKeepsSendTime(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	unit := &model.Unit{ID: "relay-01"}
	require.NoError(t, s.UpsertUnit(ctx, unit))

	in := NewIngestor(sl.NewDiscardLogger(), s, nil, false)
	received := time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)
	in.now = func() time.Time { return received }

	sentAt := received.Add(-10 * time.Minute)
	hb, err := in.Ingest(ctx, &model.HeartbeatReport{UnitID: "relay-01", Timestamp: sentAt}, Meta{Source: model.SourceAMQP, Queued: true})
	require.NoError(t, err)
	assert.Equal(t, sentAt, hb.Timestamp, "a backlogged report is as old as when it was sent")

	v := health.Evaluate(unit, hb, config.DefaultThresholds(), received)
	assert.Equal(t, model.StatusOffline, v.Status)

	// a reporter clock running ahead never moves a queued heartbeat into the future
	hb, err = in.Ingest(ctx, &model.HeartbeatReport{UnitID: "relay-01", Timestamp: received.Add(time.Hour)}, Meta{Source: model.SourceAMQP, Queued: true})
	require.NoError(t, err)
	assert.Equal(t, received, hb.Timestamp)

	// without a send time the receive time is all there is
	hb, err = in.Ingest(ctx, &model.HeartbeatReport{UnitID: "relay-01"}, Meta{Source: model.SourceAMQP, Queued: true})
	require.NoError(t, err)
	assert.Equal(t, received, hb.Timestamp)
}

func TestQueueArgsExpireStaleReports(t *testing.T) {
	c := NewAMQPConsumer(sl.NewDiscardLogger(), config.AMQPConfig{MessageTTL: 180 * time.Second}, nil)
	assert.Equal(t, amqp.Table{"x-message-ttl": int64(180000)}, c.queueArgs())

	c = NewAMQPConsumer(sl.NewDiscardLogger(), config.AMQPConfig{}, nil)
	assert.Nil(t, c.queueArgs())
}

func TestIngestRejects(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	m := metrics.NewMetrics()
	in := NewIngestor(sl.NewDiscardLogger(), s, m, false)

	_, err := in.Ingest(ctx, &model.HeartbeatReport{}, Meta{Source: model.SourceHTTP})
	assert.ErrorIs(t, err, ErrInvalidReport)

	_, err = in.Ingest(ctx, &model.HeartbeatReport{UnitID: "ghost"}, Meta{Source: model.SourceHTTP})
	assert.ErrorIs(t, err, ErrUnknownUnit)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.HeartbeatsRejected.WithLabelValues("http", "unknown_unit")))

	hb, err := s.LatestHeartbeat(ctx, "ghost")
	require.NoError(t, err)
	assert.Nil(t, hb)
}

func TestIngestAutoRegister(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	in := NewIngestor(sl.NewDiscardLogger(), s, nil, true)

	_, err := in.Ingest(ctx, &model.HeartbeatReport{UnitID: "relay-new"}, Meta{Source: model.SourceAMQP})
	require.NoError(t, err)

	unit, err := s.GetUnit(ctx, "relay-new")
	require.NoError(t, err)
	assert.Equal(t, "relay-new", unit.Name)
}
