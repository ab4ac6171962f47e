package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/speedwagon-io/relaywatch/internal/config"
	"github.com/speedwagon-io/relaywatch/internal/fleet"
	"github.com/speedwagon-io/relaywatch/internal/health"
	"github.com/speedwagon-io/relaywatch/internal/ingest"
	"github.com/speedwagon-io/relaywatch/internal/lib/logger/sl"
	"github.com/speedwagon-io/relaywatch/internal/model"
	"github.com/speedwagon-io/relaywatch/internal/store"
)

const maxReportBytes = 64 << 10

type queryStore interface {
	ListUnits(ctx context.Context) ([]*model.Unit, error)
	GetUnit(ctx context.Context, unitID string) (*model.Unit, error)
	HeartbeatHistory(ctx context.Context, unitID string, limit int) ([]*model.Heartbeat, error)
	RecentRestartAttempts(ctx context.Context, unitID string, limit int) ([]*model.RestartAttempt, error)
	OpenIncidents(ctx context.Context) ([]*model.Incident, error)
	Ping(ctx context.Context) error
}

// API serves heartbeat ingestion and the read-only fleet views. Views are
// computed on request from the store, never from cached cycle results.
type API struct {
	log        *slog.Logger
	ingestor   *ingest.Ingestor
	store      queryStore
	aggregator *fleet.Aggregator
	thresholds *config.ThresholdStore
	hub        *Hub
	token      string
	now        func() time.Time
}

func NewAPI(
	log *slog.Logger,
	ingestor *ingest.Ingestor,
	store queryStore,
	aggregator *fleet.Aggregator,
	thresholds *config.ThresholdStore,
	hub *Hub,
	token string,
) *API {
	return &API{
		log:        log,
		ingestor:   ingestor,
		store:      store,
		aggregator: aggregator,
		thresholds: thresholds,
		hub:        hub,
		token:      token,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (a *API) Routes(r chi.Router) {
	r.With(a.requireToken).Post("/api/transmitters/heartbeat", a.handleHeartbeat)

	r.Route("/api/v1", func(r chi.Router) {
		r.With(a.requireToken).Post("/heartbeats", a.handleHeartbeat)

		r.Get("/fleet", a.handleFleet)
		r.Get("/units", a.handleUnits)
		r.Get("/units/{unitID}", a.handleUnit)
		r.Get("/units/{unitID}/restarts", a.handleRestarts)
		r.Get("/incidents", a.handleIncidents)
		if a.hub != nil {
			r.Get("/stream", a.hub.ServeWS)
		}
	})
}

func (a *API) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.token != "" {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(a.token)) != 1 {
				writeError(w, http.StatusUnauthorized, "invalid or missing token")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var report model.HeartbeatReport
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxReportBytes)).Decode(&report); err != nil {
		writeError(w, http.StatusBadRequest, "invalid heartbeat payload: "+err.Error())
		return
	}

	hb, err := a.ingestor.Ingest(r.Context(), &report, ingest.Meta{
		Source:     model.SourceHTTP,
		RemoteAddr: remoteHost(r.RemoteAddr),
	})
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "id": hb.ID})
	case errors.Is(err, ingest.ErrInvalidReport):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ingest.ErrUnknownUnit):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		a.log.Error("failed to ingest heartbeat", slog.String("unit_id", report.UnitKey()), sl.Err(err))
		writeError(w, http.StatusInternalServerError, "failed to store heartbeat")
	}
}

func (a *API) handleFleet(w http.ResponseWriter, r *http.Request) {
	summary, err := a.aggregator.Evaluate(r.Context(), a.thresholds.Snapshot(), a.now())
	if err != nil {
		a.log.Error("failed to evaluate fleet", sl.Err(err))
		writeError(w, http.StatusInternalServerError, "failed to evaluate fleet")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (a *API) handleUnits(w http.ResponseWriter, r *http.Request) {
	units, err := a.store.ListUnits(r.Context())
	if err != nil {
		a.log.Error("failed to list units", sl.Err(err))
		writeError(w, http.StatusInternalServerError, "failed to list units")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"units": units, "total": len(units)})
}

type unitResponse struct {
	Unit    *model.Unit        `json:"unit"`
	Verdict health.Verdict     `json:"verdict"`
	History []*model.Heartbeat `json:"history"`
}

func (a *API) handleUnit(w http.ResponseWriter, r *http.Request) {
	unitID := chi.URLParam(r, "unitID")

	unit, err := a.store.GetUnit(r.Context(), unitID)
	if err != nil {
		a.writeLookupError(w, unitID, err)
		return
	}

	verdict, err := a.aggregator.Unit(r.Context(), unitID, a.thresholds.Snapshot(), a.now())
	if err != nil {
		a.writeLookupError(w, unitID, err)
		return
	}

	history, err := a.store.HeartbeatHistory(r.Context(), unitID, queryLimit(r, 20))
	if err != nil {
		a.log.Error("failed to load heartbeat history", slog.String("unit_id", unitID), sl.Err(err))
		writeError(w, http.StatusInternalServerError, "failed to load heartbeat history")
		return
	}

	writeJSON(w, http.StatusOK, unitResponse{Unit: unit, Verdict: verdict, History: history})
}

// handleRestarts serves the attempt log, which outlives unit removal.
func (a *API) handleRestarts(w http.ResponseWriter, r *http.Request) {
	unitID := chi.URLParam(r, "unitID")

	attempts, err := a.store.RecentRestartAttempts(r.Context(), unitID, queryLimit(r, 20))
	if err != nil {
		a.log.Error("failed to load restart attempts", slog.String("unit_id", unitID), sl.Err(err))
		writeError(w, http.StatusInternalServerError, "failed to load restart attempts")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"unit_id": unitID, "attempts": attempts})
}

func (a *API) handleIncidents(w http.ResponseWriter, r *http.Request) {
	incidents, err := a.store.OpenIncidents(r.Context())
	if err != nil {
		a.log.Error("failed to load incidents", sl.Err(err))
		writeError(w, http.StatusInternalServerError, "failed to load incidents")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"incidents": incidents, "total": len(incidents)})
}

func (a *API) writeLookupError(w http.ResponseWriter, unitID string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unit not found: "+unitID)
		return
	}
	a.log.Error("failed to load unit", slog.String("unit_id", unitID), sl.Err(err))
	writeError(w, http.StatusInternalServerError, "failed to load unit")
}

func queryLimit(r *http.Request, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return def
	}
	return min(n, 500)
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
