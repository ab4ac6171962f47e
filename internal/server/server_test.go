package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/speedwagon-io/relaywatch/internal/config"
	"github.com/speedwagon-io/relaywatch/internal/fleet"
	"github.com/speedwagon-io/relaywatch/internal/ingest"
	"github.com/speedwagon-io/relaywatch/internal/lib/logger/sl"
	"github.com/speedwagon-io/relaywatch/internal/metrics"
	"github.com/speedwagon-io/relaywatch/internal/model"
	"github.com/speedwagon-io/relaywatch/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store  *store.MemoryStore
	hub    *Hub
	server *Server
	http   *httptest.Server
}

func newFixture(t *testing.T, token string) *fixture {
	t.Helper()
	log := sl.NewDiscardLogger()
	s := store.NewMemoryStore()
	require.NoError(t, s.UpsertUnit(context.Background(), &model.Unit{ID: "relay-01", Name: "Relay One"}))

	m := metrics.NewMetrics()
	hub := NewHub(log)
	api := NewAPI(log,
		ingest.NewIngestor(log, s, m, false),
		s,
		fleet.NewAggregator(log, s, 2),
		config.NewThresholdStore(config.DefaultThresholds()),
		hub,
		token,
	)
	srv := NewServer(log, config.HTTPConfig{Address: ":0"}, api, m)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		hub.Close()
		ts.Close()
	})

	return &fixture{store: s, hub: hub, server: srv, http: ts}
}

func (f *fixture) do(t *testing.T, method, path, body string, header ...string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.http.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestHeartbeatEndpoint(t *testing.T) {
	f := newFixture(t, "")

	tests := []struct {
		name       string
		path       string
		body       string
		wantStatus int
	}{
		{"accepted", "/api/v1/heartbeats", `{"unit_id":"relay-01","stream_connected":true,"cpu_temp":52.5}`, http.StatusOK},
		{"legacy path and node_id", "/api/transmitters/heartbeat", `{"node_id":"relay-01","status":"ok"}`, http.StatusOK},
		{"malformed json", "/api/v1/heartbeats", `{"unit_id":`, http.StatusBadRequest},
		{"missing unit id", "/api/v1/heartbeats", `{"status":"ok"}`, http.StatusBadRequest},
		{"unknown unit", "/api/v1/heartbeats", `{"unit_id":"ghost"}`, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := f.do(t, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.wantStatus, resp.StatusCode, body)
		})
	}

	hb, err := f.store.LatestHeartbeat(context.Background(), "relay-01")
	require.NoError(t, err)
	require.NotNil(t, hb)
	assert.Equal(t, "127.0.0.1", hb.RemoteAddr)
}

func TestHeartbeatToken(t *testing.T) {
	f := newFixture(t, "s3cret")
	body := `{"unit_id":"relay-01"}`

	resp, _ := f.do(t, http.MethodPost, "/api/v1/heartbeats", body)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/v1/heartbeats", body, "Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/v1/heartbeats", body, "Authorization", "Bearer s3cret")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// reads stay open
	resp, _ = f.do(t, http.MethodGet, "/api/v1/fleet", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestQueryEndpoints(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()

	resp, body := f.do(t, http.MethodGet, "/api/v1/fleet", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["total_units"])
	assert.Contains(t, body["issues"], "Relay One: no heartbeats received")

	f.do(t, http.MethodPost, "/api/v1/heartbeats", `{"unit_id":"relay-01","stream_connected":false}`)

	resp, body = f.do(t, http.MethodGet, "/api/v1/units/relay-01", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	verdict := body["verdict"].(map[string]any)
	assert.Equal(t, "degraded", verdict["status"])
	assert.Len(t, body["history"], 1)

	resp, _ = f.do(t, http.MethodGet, "/api/v1/units/ghost", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/api/v1/units", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["total"])

	require.NoError(t, f.store.RecordRestartAttempt(ctx, &model.RestartAttempt{UnitID: "relay-01", Method: "script", Success: true, Timestamp: time.Now()}))
	resp, body = f.do(t, http.MethodGet, "/api/v1/units/relay-01/restarts?limit=5", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["attempts"], 1)

	_, err := f.store.OpenIncident(ctx, &model.Incident{UnitID: "relay-01", Type: model.IncidentDown, StartedAt: time.Now()})
	require.NoError(t, err)
	resp, body = f.do(t, http.MethodGet, "/api/v1/incidents", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["total"])
}

type staticChecker struct {
	name   string
	status Status
}

func (c staticChecker) Name() string { return c.name }

func (c staticChecker) Check(context.Context) (Status, string) { return c.status, "" }

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t, "")
	f.server.AddChecker(NewStoreHealthChecker(f.store.Ping))
	f.server.AddChecker(NewConsumerHealthChecker("amqp", func() bool { return false }))

	resp, body := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "degraded", body["status"])

	f.server.AddChecker(NewLockHealthChecker(func(context.Context) error { return errors.New("redis down") }))
	resp, body = f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "unhealthy", body["status"])

	for _, path := range []string{"/ready", "/live"} {
		resp, _ = f.do(t, http.MethodGet, path, "")
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, "")
	f.do(t, http.MethodPost, "/api/v1/heartbeats", `{"unit_id":"relay-01"}`)

	resp, err := http.Get(f.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStream(t *testing.T) {
	f := newFixture(t, "")

	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/api/v1/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	assert.Eventually(t, func() bool { return f.hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	f.hub.Publish(fleet.Summarize(nil, time.Now()))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var summary fleet.Summary
	require.NoError(t, json.Unmarshal(data, &summary))
	assert.Equal(t, 0, summary.TotalUnits)
}
