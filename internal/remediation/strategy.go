package remediation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/docker/docker/api/types/container"
	"github.com/speedwagon-io/relaywatch/internal/config"
	"github.com/speedwagon-io/relaywatch/internal/model"
)

// Strategy is one way of bringing a unit back. Attempt reports success and a
// human-readable message; it must respect ctx.
type Strategy interface {
	Name() string
	Attempt(ctx context.Context, unit *model.Unit) (bool, string)
}

type timedStrategy struct {
	Strategy
	timeout time.Duration
}

// WithTimeout bounds a strategy even if it ignores its context.
func WithTimeout(s Strategy, timeout time.Duration) Strategy {
	return &timedStrategy{Strategy: s, timeout: timeout}
}

func (t *timedStrategy) Attempt(ctx context.Context, unit *model.Unit) (bool, string) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	type result struct {
		ok  bool
		msg string
	}
	done := make(chan result, 1)
	go func() {
		ok, msg := t.Strategy.Attempt(ctx, unit)
		done <- result{ok: ok, msg: msg}
	}()

	select {
	case r := <-done:
		return r.ok, r.msg
	case <-ctx.Done():
		return false, fmt.Sprintf("%s timed out after %s", t.Name(), t.timeout)
	}
}

type ScriptStrategy struct {
	scriptsDir string
}

func NewScriptStrategy(scriptsDir string) *ScriptStrategy {
	return &ScriptStrategy{scriptsDir: scriptsDir}
}

func (s *ScriptStrategy) Name() string {
	return "script"
}

func (s *ScriptStrategy) scriptPath(unit *model.Unit) string {
	if unit.RestartScript != "" {
		return unit.RestartScript
	}
	return filepath.Join(s.scriptsDir, unit.ID, "start.sh")
}

func (s *ScriptStrategy) Attempt(ctx context.Context, unit *model.Unit) (bool, string) {
	path := s.scriptPath(unit)
	if _, err := os.Stat(path); err != nil {
		return false, "restart script not found: " + path
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "bash", path)
	cmd.Dir = filepath.Dir(path)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = 2 * time.Second

	err := cmd.Run()
	if err == nil {
		return true, "started via " + path
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return false, "start.sh timed out"
	}
	return false, commandFailure(err, stdout.String(), stderr.String())
}

type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.WaitDelay = 2 * time.Second
	return cmd.CombinedOutput()
}

// SystemdStrategy restarts the unit's service through systemctl.
type SystemdStrategy struct {
	userScope bool
	run       commandRunner
}

func NewSystemdStrategy(userScope bool) *SystemdStrategy {
	return &SystemdStrategy{userScope: userScope, run: execRunner}
}

func (s *SystemdStrategy) Name() string {
	return "systemd"
}

func (s *SystemdStrategy) args(verb ...string) []string {
	if s.userScope {
		return append([]string{"--user"}, verb...)
	}
	return verb
}

func (s *SystemdStrategy) Attempt(ctx context.Context, unit *model.Unit) (bool, string) {
	if unit.Service == "" {
		return false, "no service configured"
	}

	out, err := s.run(ctx, "systemctl", s.args("restart", unit.Service)...)
	if err != nil {
		return false, commandFailure(err, string(out), "")
	}

	out, err = s.run(ctx, "systemctl", s.args("is-active", unit.Service)...)
	state := strings.TrimSpace(string(out))
	if err != nil || state != "active" {
		return false, fmt.Sprintf("service %s is %s after restart", unit.Service, orUnknown(state))
	}

	return true, "restarted service " + unit.Service
}

// ContainerRestarter is the part of the Docker Engine client the docker
// strategy needs.
type ContainerRestarter interface {
	ContainerRestart(ctx context.Context, containerID string, options container.StopOptions) error
}

type DockerStrategy struct {
	client      ContainerRestarter
	stopTimeout int
}

func NewDockerStrategy(client ContainerRestarter, stopTimeout time.Duration) *DockerStrategy {
	return &DockerStrategy{client: client, stopTimeout: int(stopTimeout.Seconds())}
}

func (s *DockerStrategy) Name() string {
	return "docker"
}

func (s *DockerStrategy) Attempt(ctx context.Context, unit *model.Unit) (bool, string) {
	if unit.Container == "" {
		return false, "no container configured"
	}

	timeout := s.stopTimeout
	if err := s.client.ContainerRestart(ctx, unit.Container, container.StopOptions{Timeout: &timeout}); err != nil {
		return false, "container restart failed: " + err.Error()
	}
	return true, "restarted container " + unit.Container
}

// BuildStrategies builds the configured chain, each bounded by its timeout.
// newDocker is called only when a docker strategy is configured.
func BuildStrategies(cfgs []config.StrategyConfig, scriptsDir string, newDocker func() (ContainerRestarter, error)) ([]Strategy, error) {
	strategies := make([]Strategy, 0, len(cfgs))
	for _, c := range cfgs {
		var s Strategy
		switch c.Type {
		case "script":
			s = NewScriptStrategy(scriptsDir)
		case "systemd":
			s = NewSystemdStrategy(c.UserScope)
		case "docker":
			client, err := newDocker()
			if err != nil {
				return nil, fmt.Errorf("failed to create docker client: %w", err)
			}
			s = NewDockerStrategy(client, c.Timeout/2)
		default:
			return nil, fmt.Errorf("unknown remediation strategy %q", c.Type)
		}
		strategies = append(strategies, WithTimeout(s, c.Timeout))
	}
	return strategies, nil
}

func commandFailure(err error, stdout, stderr string) string {
	output := strings.TrimSpace(stderr)
	if output == "" {
		output = strings.TrimSpace(stdout)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if output == "" {
			return fmt.Sprintf("exit code %d", exitErr.ExitCode())
		}
		return fmt.Sprintf("exit code %d: %s", exitErr.ExitCode(), truncate(output, 500))
	}
	if output != "" {
		return err.Error() + ": " + truncate(output, 500)
	}
	return err.Error()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// cut on a rune boundary so the message stays valid UTF-8
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
