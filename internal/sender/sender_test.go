package sender

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/speedwagon-io/relaywatch/internal/config"
	"github.com/speedwagon-io/relaywatch/internal/lib/logger/sl"
	"github.com/speedwagon-io/relaywatch/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPSenderSend(t *testing.T) {
	var got model.HeartbeatReport
	var auth string
	calls := 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, heartbeatPath, r.URL.Path)
		auth = r.Header.Get("Authorization")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s := NewHTTPSender(sl.NewDiscardLogger(), &config.CollectorTarget{URL: srv.URL + "/", Token: "secret", Timeout: time.Second})
	defer s.Close()

	report := model.NewHeartbeatReport("relay-01", model.ReportStatusOK, model.Telemetry{CPUTemp: model.Float(48.5)})
	require.NoError(t, s.Send(context.Background(), report))

	assert.Equal(t, 1, calls)
	assert.Equal(t, "Bearer secret", auth)
	assert.Equal(t, "relay-01", got.UnitID)
	require.NotNil(t, got.CPUTemp)
	assert.Equal(t, 48.5, *got.CPUTemp)
}

func TestHTTPSenderDoesNotRetry(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "unit not registered", http.StatusNotFound)
	}))
	defer srv.Close()

	s := NewHTTPSender(sl.NewDiscardLogger(), &config.CollectorTarget{URL: srv.URL, Timeout: time.Second})

	err := s.Send(context.Background(), model.NewHeartbeatReport("relay-01", model.ReportStatusOK, model.Telemetry{}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Contains(t, err.Error(), "unit not registered")
	assert.Equal(t, 1, calls)
}

func TestHTTPSenderHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s := NewHTTPSender(sl.NewDiscardLogger(), &config.CollectorTarget{URL: srv.URL, Timeout: time.Second})
	assert.Error(t, s.Health(context.Background()))
}

func TestLogSender(t *testing.T) {
	s := NewLogSender(sl.NewDiscardLogger())
	assert.NoError(t, s.Send(context.Background(), model.NewHeartbeatReport("relay-01", model.ReportStatusOK, model.Telemetry{})))
	assert.NoError(t, s.Health(context.Background()))
}
