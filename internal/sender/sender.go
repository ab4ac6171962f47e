package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/speedwagon-io/relaywatch/internal/config"
	"github.com/speedwagon-io/relaywatch/internal/model"
)

const heartbeatPath = "/api/v1/heartbeats"

type Sender interface {
	Send(ctx context.Context, report *model.HeartbeatReport) error
	Health(ctx context.Context) error
	Close() error
}

// HTTPSender posts one report per request. A failed send is not retried:
// the next interval carries a fresh report.
type HTTPSender struct {
	log     *slog.Logger
	baseURL string
	token   string
	client  *http.Client
}

func NewHTTPSender(log *slog.Logger, cfg *config.CollectorTarget) *HTTPSender {
	return &HTTPSender{
		log:     log,
		baseURL: strings.TrimRight(cfg.URL, "/"),
		token:   cfg.Token,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

func (s *HTTPSender) Send(ctx context.Context, report *model.HeartbeatReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	resp, err := s.do(ctx, http.MethodPost, heartbeatPath, data)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 == 2 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

// Health reports whether the collector answers its liveness probe.
func (s *HTTPSender) Health(ctx context.Context) error {
	resp, err := s.do(ctx, http.MethodGet, "/live", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 500 {
		return fmt.Errorf("collector unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func (s *HTTPSender) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, rd)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

func (s *HTTPSender) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

// LogSender logs reports instead of sending them (for dry runs)
type LogSender struct {
	log *slog.Logger
}

func NewLogSender(log *slog.Logger) *LogSender {
	return &LogSender{log: log}
}

func (s *LogSender) Send(_ context.Context, report *model.HeartbeatReport) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	s.log.Info("SEND",
		slog.String("unit_id", report.UnitKey()),
		slog.String("status", report.Status),
		slog.String("payload", string(data)),
	)

	return nil
}

func (s *LogSender) Health(context.Context) error {
	return nil
}

func (s *LogSender) Close() error {
	return nil
}
