package reporter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/speedwagon-io/relaywatch/internal/lib/logger/sl"
	"github.com/speedwagon-io/relaywatch/internal/model"
)

// StatusProbe polls the status endpoint of the relay process running on the
// same host and maps its loosely typed answer onto the relay telemetry fields.
type StatusProbe struct {
	log    *slog.Logger
	url    string
	client *http.Client
}

func NewStatusProbe(log *slog.Logger, url string, timeout time.Duration) *StatusProbe {
	return &StatusProbe{
		log: log,
		url: url,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

func (p *StatusProbe) Name() string {
	return "relay_status"
}

func (p *StatusProbe) Close() error {
	p.client.CloseIdleConnections()
	return nil
}

func (p *StatusProbe) Sample(ctx context.Context, t *model.Telemetry) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("relay status unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("relay status returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read relay status: %w", err)
	}

	// Older relays answer with a bare "True"/"False" meaning stream up or down.
	bodyStr := string(bytes.TrimSpace(body))
	switch bodyStr {
	case "True", "true":
		t.StreamConnected = model.Bool(true)
		return nil
	case "False", "false":
		t.StreamConnected = model.Bool(false)
		return nil
	}

	// Fix Python-style literals (True/False/None -> true/false/null)
	for _, r := range pythonLiterals {
		bodyStr = strings.ReplaceAll(bodyStr, r[0], r[1])
	}

	var raw map[string]any
	if err := json.Unmarshal([]byte(bodyStr), &raw); err != nil {
		return fmt.Errorf("failed to unmarshal relay status: %w", err)
	}

	p.apply(raw, t)
	return nil
}

var pythonLiterals = [][2]string{
	{":True,", ":true,"}, {":True}", ":true}"}, {": True,", ": true,"}, {": True}", ": true}"},
	{":False,", ":false,"}, {":False}", ":false}"}, {": False,", ": false,"}, {": False}", ": false}"},
	{":None,", ":null,"}, {":None}", ":null}"}, {": None,", ": null,"}, {": None}", ": null}"},
}

func (p *StatusProbe) apply(raw map[string]any, t *model.Telemetry) {
	if v, ok := lookup(raw, "stream_connected", "connected"); ok {
		t.StreamConnected = p.toBool(v)
	}
	if v, ok := lookup(raw, "fm_transmitting", "transmitting", "is_transmitting"); ok {
		t.Transmitting = p.toBool(v)
	}
	if v, ok := lookup(raw, "buffer_health"); ok {
		t.BufferHealth = p.toFloat(v)
	}
	if v, ok := lookup(raw, "audio_level"); ok {
		t.AudioLevel = p.toFloat(v)
	}
	if v, ok := lookup(raw, "binary", "binary_name"); ok && v != nil {
		t.Binary = fmt.Sprintf("%v", v)
	}
	if v, ok := lookup(raw, "errors", "error"); ok {
		t.Errors = toErrorText(v)
	}

	// Nested transmitter status is kept for display.
	if tx, ok := raw["transmitter"].(map[string]any); ok {
		if t.Transmitting == nil {
			if v, ok := tx["is_transmitting"]; ok {
				t.Transmitting = p.toBool(v)
			}
		}
		if t.Extra == nil {
			t.Extra = map[string]any{}
		}
		t.Extra["transmitter"] = tx
	}
}

func lookup(raw map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := raw[k]; ok {
			return v, true
		}
	}
	return nil, false
}

func (p *StatusProbe) toFloat(v any) *float64 {
	switch val := v.(type) {
	case float64:
		return model.Float(val)
	case int:
		return model.Float(float64(val))
	case bool:
		if val {
			return model.Float(1)
		}
		return model.Float(0)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			p.log.Debug("failed to parse float", slog.String("value", val), sl.Err(err))
			return nil
		}
		return model.Float(f)
	default:
		return nil
	}
}

func (p *StatusProbe) toBool(v any) *bool {
	switch val := v.(type) {
	case bool:
		return model.Bool(val)
	case float64:
		return model.Bool(val != 0)
	case int:
		return model.Bool(val != 0)
	case string:
		b, err := strconv.ParseBool(val)
		if err != nil {
			lower := strings.ToLower(val)
			return model.Bool(lower == "on" || lower == "yes")
		}
		return model.Bool(b)
	default:
		return nil
	}
}

// toErrorText flattens an error string or list; empty means no errors.
func toErrorText(v any) *string {
	switch val := v.(type) {
	case string:
		if strings.TrimSpace(val) == "" {
			return nil
		}
		return model.String(val)
	case []any:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			if item != nil {
				parts = append(parts, fmt.Sprintf("%v", item))
			}
		}
		if len(parts) == 0 {
			return nil
		}
		return model.String(strings.Join(parts, "; "))
	case nil:
		return nil
	default:
		return model.String(fmt.Sprintf("%v", val))
	}
}
