package health

import (
	"fmt"
	"slices"
	"time"

	"github.com/speedwagon-io/relaywatch/internal/config"
	"github.com/speedwagon-io/relaywatch/internal/model"
)

type Verdict struct {
	UnitID            string           `json:"unit_id"`
	UnitName          string           `json:"unit_name"`
	Group             string           `json:"group,omitempty"`
	Status            model.UnitStatus `json:"status"`
	Issues            []string         `json:"issues"`
	Heartbeat         *model.Heartbeat `json:"heartbeat,omitempty"`
	HeartbeatAge      *float64         `json:"heartbeat_age_seconds,omitempty"`
	ManualFixRequired bool             `json:"manual_fix_required"`
	EvaluatedAt       time.Time        `json:"evaluated_at"`
}

func (v Verdict) withIssue(issue string) Verdict {
	v.Issues = append(slices.Clip(v.Issues), issue)
	return v
}

func (v Verdict) withStatus(status model.UnitStatus) Verdict {
	v.Status = status
	return v
}

type input struct {
	unit       *model.Unit
	hb         *model.Heartbeat
	thresholds config.Thresholds
	now        time.Time
}

// A check returns the verdict extended by what it observed.
type check func(v Verdict, in input) Verdict

var checks = []check{
	checkFreshness,
	checkStream,
	checkTransmitting,
	checkCPUTemp,
	checkMemory,
	checkCPUUsage,
	checkBufferHealth,
	checkDiskFree,
	checkReportedErrors,
	checkBinary,
}

// Evaluate derives a unit's health from its latest heartbeat. It performs no
// I/O and returns the same verdict for the same inputs.
func Evaluate(unit *model.Unit, hb *model.Heartbeat, thresholds config.Thresholds, now time.Time) Verdict {
	v := Verdict{
		UnitID:            unit.ID,
		UnitName:          unit.DisplayName(),
		Group:             unit.Group,
		Status:            model.StatusOnline,
		Issues:            []string{},
		ManualFixRequired: unit.ManualFix,
		EvaluatedAt:       now,
	}

	if hb == nil {
		return v.withStatus(model.StatusNoData).withIssue("no heartbeats received")
	}

	snapshot := *hb
	v.Heartbeat = &snapshot

	in := input{unit: unit, hb: &snapshot, thresholds: thresholds, now: now}
	for _, c := range checks {
		v = c(v, in)
	}
	return v
}

// Unknown is the verdict for a unit whose evaluation could not complete.
func Unknown(unit *model.Unit, err error, now time.Time) Verdict {
	return Verdict{
		UnitID:            unit.ID,
		UnitName:          unit.DisplayName(),
		Group:             unit.Group,
		Status:            model.StatusUnknown,
		Issues:            []string{fmt.Sprintf("evaluation failed: %v", err)},
		ManualFixRequired: unit.ManualFix,
		EvaluatedAt:       now,
	}
}

func checkFreshness(v Verdict, in input) Verdict {
	if in.hb.Timestamp.IsZero() {
		return v.withIssue("invalid heartbeat timestamp")
	}

	age := in.now.Sub(in.hb.Timestamp)
	seconds := age.Seconds()
	v.HeartbeatAge = &seconds

	switch {
	case age > in.thresholds.HeartbeatTimeout:
		return v.withStatus(model.StatusOffline).withIssue(fmt.Sprintf(
			"no heartbeat for %ds (timeout: %ds)",
			int64(seconds), int64(in.thresholds.HeartbeatTimeout.Seconds()),
		))
	case age > in.thresholds.HeartbeatWarning:
		return v.withStatus(model.StatusDegraded).withIssue(fmt.Sprintf("heartbeat delayed: %ds", int64(seconds)))
	default:
		return v.withStatus(model.StatusOnline)
	}
}

// checkStream only ever lowers online to degraded.
func checkStream(v Verdict, in input) Verdict {
	connected := in.hb.Telemetry.StreamConnected
	if connected == nil || *connected {
		return v
	}

	v = v.withIssue("stream disconnected")
	if v.Status == model.StatusOnline {
		v = v.withStatus(model.StatusDegraded)
	}
	return v
}

func checkTransmitting(v Verdict, in input) Verdict {
	tx := in.hb.Telemetry.Transmitting
	if tx == nil || *tx {
		return v
	}
	return v.withIssue("not transmitting")
}

func checkCPUTemp(v Verdict, in input) Verdict {
	return ceilingIssue(v, in.hb.Telemetry.CPUTemp, in.thresholds.CPUTemp, "cpu temperature", "%.1f°C")
}

func checkMemory(v Verdict, in input) Verdict {
	return ceilingIssue(v, in.hb.Telemetry.MemoryUsage, in.thresholds.Memory, "memory usage", "%.1f%%")
}

func checkCPUUsage(v Verdict, in input) Verdict {
	return ceilingIssue(v, in.hb.Telemetry.CPUUsage, in.thresholds.CPUUsage, "cpu usage", "%.1f%%")
}

func ceilingIssue(v Verdict, gauge *float64, limits config.Ceiling, name, format string) Verdict {
	if gauge == nil {
		return v
	}

	value := fmt.Sprintf(format, *gauge)
	switch {
	case *gauge >= limits.Critical:
		return v.withIssue(fmt.Sprintf("%s critical: %s", name, value))
	case *gauge >= limits.Warning:
		return v.withIssue(fmt.Sprintf("%s high: %s", name, value))
	}
	return v
}

func checkBufferHealth(v Verdict, in input) Verdict {
	return floorIssue(v, in.hb.Telemetry.BufferHealth, in.thresholds.BufferHealth, "buffer health", "%.2f")
}

func checkDiskFree(v Verdict, in input) Verdict {
	return floorIssue(v, in.hb.Telemetry.DiskFreeGB, in.thresholds.DiskFree, "disk space", "%.1fGB free")
}

func floorIssue(v Verdict, gauge *float64, limits config.Floor, name, format string) Verdict {
	if gauge == nil {
		return v
	}

	value := fmt.Sprintf(format, *gauge)
	switch {
	case *gauge < limits.Critical:
		return v.withIssue(fmt.Sprintf("%s critical: %s", name, value))
	case *gauge < limits.Warning:
		return v.withIssue(fmt.Sprintf("%s low: %s", name, value))
	}
	return v
}

func checkReportedErrors(v Verdict, in input) Verdict {
	errs := in.hb.Telemetry.Errors
	if errs == nil || *errs == "" {
		return v
	}
	return v.withIssue("unit reported error: " + *errs)
}

// A unit running the wrong binary cannot be fixed by a restart.
func checkBinary(v Verdict, in input) Verdict {
	expected := in.unit.ExpectedBinary
	actual := in.hb.Telemetry.Binary
	if expected == "" || actual == "" || expected == actual {
		return v
	}

	v = v.withIssue(fmt.Sprintf("runtime binary mismatch: running %s, expected %s", actual, expected))
	v.ManualFixRequired = true
	return v
}
