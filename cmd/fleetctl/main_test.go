package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/speedwagon-io/relaywatch/internal/model"
	"github.com/speedwagon-io/relaywatch/internal/monitor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "collector.yaml")
	content := "store:\n" +
		"  driver: sqlite\n" +
		"  path: " + filepath.Join(dir, "fleet.db") + "\n" +
		"remediation:\n" +
		"  scripts_dir: " + filepath.Join(dir, "units") + "\n" +
		"log:\n" +
		"  level: error\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func execute(t *testing.T, args ...string) []byte {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs(args)
	require.NoError(t, cmd.Execute())
	return out.Bytes()
}

func TestRegistryCommands(t *testing.T) {
	cfg := writeConfig(t)

	var unit model.Unit
	out := execute(t, "--config", cfg, "add-unit", "relay-01", "--name", "Relay 01", "--frequency", "98.1", "--service", "relay@01")
	require.NoError(t, json.Unmarshal(out, &unit))
	assert.Equal(t, "relay-01", unit.ID)
	assert.Equal(t, "Relay 01", unit.Name)
	require.NotNil(t, unit.Frequency)
	assert.Equal(t, 98.1, *unit.Frequency)
	assert.Equal(t, model.StatusNoData, unit.Status)

	out = execute(t, "-c", cfg, "hold", "relay-01")
	require.NoError(t, json.Unmarshal(out, &unit))
	assert.True(t, unit.ManualFix)

	out = execute(t, "-c", cfg, "release", "relay-01")
	require.NoError(t, json.Unmarshal(out, &unit))
	assert.False(t, unit.ManualFix)

	var units []model.Unit
	require.NoError(t, json.Unmarshal(execute(t, "-c", cfg, "units"), &units))
	require.Len(t, units, 1)
	assert.Equal(t, "relay@01", units[0].Service)

	var attempts []model.RestartAttempt
	require.NoError(t, json.Unmarshal(execute(t, "-c", cfg, "restarts", "relay-01", "--limit", "5"), &attempts))
	assert.Empty(t, attempts)

	var removed map[string]string
	require.NoError(t, json.Unmarshal(execute(t, "-c", cfg, "remove-unit", "relay-01"), &removed))
	assert.Equal(t, "relay-01", removed["removed"])

	require.NoError(t, json.Unmarshal(execute(t, "-c", cfg, "units"), &units))
	assert.Empty(t, units)
}

func TestCheckCommand(t *testing.T) {
	cfg := writeConfig(t)
	execute(t, "--config", cfg, "add-unit", "relay-01")

	var res monitor.CycleResult
	require.NoError(t, json.Unmarshal(execute(t, "--config", cfg, "check"), &res))
	require.NotNil(t, res.Summary)
	assert.Equal(t, 1, res.Summary.TotalUnits)
	assert.Equal(t, []string{"relay-01: no heartbeats received"}, res.Summary.Issues)
	assert.Empty(t, res.Outcomes)

	var incidents []model.Incident
	require.NoError(t, json.Unmarshal(execute(t, "--config", cfg, "incidents"), &incidents))
	assert.Empty(t, incidents)
}

func TestCommandErrors(t *testing.T) {
	cfg := writeConfig(t)

	tests := []struct {
		name string
		args []string
	}{
		{name: "missing unit id", args: []string{"--config", cfg, "hold"}},
		{name: "unknown unit", args: []string{"--config", cfg, "hold", "relay-99"}},
		{name: "unknown command", args: []string{"--config", cfg, "reboot"}},
		{name: "missing config", args: []string{"--config", filepath.Join(t.TempDir(), "none.yaml"), "units"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := newRootCmd()
			cmd.SetOut(&bytes.Buffer{})
			cmd.SetErr(&bytes.Buffer{})
			cmd.SetArgs(tt.args)
			assert.Error(t, cmd.Execute())
		})
	}
}
