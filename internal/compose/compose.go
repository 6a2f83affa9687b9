// Package compose drives the docker compose project that hosts the relay
// daemon and the lab targets.
package compose

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

var (
	ErrUnavailable   = errors.New("compose_unavailable")
	ErrCommandFailed = errors.New("compose_command_failed")
	ErrStatusTimeout = errors.New("compose_status_timeout")
)

const (
	StateRunning = "running"
	StateStopped = "stopped"

	DefaultStatusTimeout = 8 * time.Second
)

// Runner executes a command in dir and returns its stdout. A non-zero exit
// must surface as an error exposing ExitCode() int, as *exec.ExitError does.
type Runner interface {
	Output(ctx context.Context, dir, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Output(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	return cmd.Output()
}

type Config struct {
	File string
	// Command is the compose entry point, e.g. ["docker", "compose"]. Empty
	// picks the platform default.
	Command       []string
	Project       string
	StatusTimeout time.Duration
}

type Container struct {
	Name   string `json:"name"`
	State  string `json:"state"`
	Status string `json:"status"`
}

type Controller struct {
	cfg    Config
	runner Runner
	logger *slog.Logger
}

type Option func(*Controller)

func WithRunner(r Runner) Option { return func(c *Controller) { c.runner = r } }

func New(cfg Config, logger *slog.Logger, opts ...Option) *Controller {
	if len(cfg.Command) == 0 {
		cfg.Command = DefaultCommand(runtime.GOOS)
	}
	if cfg.StatusTimeout <= 0 {
		cfg.StatusTimeout = DefaultStatusTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{cfg: cfg, runner: execRunner{}, logger: logger}
	for _, o := range opts {
		o(c)
	}
	return c
}

// DefaultCommand is the standalone binary on Windows and the docker CLI
// plugin elsewhere.
func DefaultCommand(goos string) []string {
	if goos == "windows" {
		return []string{"docker-compose"}
	}
	return []string{"docker", "compose"}
}

// Up starts every service detached.
func (c *Controller) Up(ctx context.Context) error {
	return c.lifecycle(ctx, "up", "-d")
}

// Down stops and removes the project's containers.
func (c *Controller) Down(ctx context.Context) error {
	return c.lifecycle(ctx, "down")
}

func (c *Controller) lifecycle(ctx context.Context, args ...string) error {
	start := time.Now()
	c.logger.Info("compose_command_started", slog.String("command", args[0]), slog.String("file", c.cfg.File))
	_, err := c.run(ctx, args...)
	if err != nil {
		c.logger.Error("compose_command_failed", slog.String("command", args[0]), slog.String("error", err.Error()))
		return err
	}
	c.logger.Info("compose_command_finished", slog.String("command", args[0]), slog.Int64("duration_ms", time.Since(start).Milliseconds()))
	return nil
}

// Status lists the project's containers. An exit code of 1 or a "No such
// service" reply means nothing is deployed and yields an empty list.
func (c *Controller) Status(ctx context.Context) ([]Container, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.StatusTimeout)
	defer cancel()

	out, err := c.run(ctx, "ps")
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w: no answer within %s", ErrStatusTimeout, c.cfg.StatusTimeout)
		}
		if exitCode(err) == 1 || bytes.Contains(out, []byte("No such service")) {
			return []Container{}, nil
		}
		return nil, err
	}
	return ParsePS(string(out)), nil
}

// ParsePS reads the table printed by "compose ps". The first line is the
// header. A row whose text mentions "Up" is running.
func ParsePS(out string) []Container {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	containers := []Container{}
	if len(lines) < 2 {
		return containers
	}
	for _, line := range lines[1:] {
		line = strings.TrimRight(line, "\r")
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		state := StateStopped
		if strings.Contains(line, "Up") {
			state = StateRunning
		}
		containers = append(containers, Container{
			Name:   fields[0],
			State:  state,
			Status: strings.TrimSpace(line[strings.Index(line, fields[1]):]),
		})
	}
	return containers
}

func (c *Controller) run(ctx context.Context, args ...string) ([]byte, error) {
	name := c.cfg.Command[0]
	full := append([]string{}, c.cfg.Command[1:]...)
	if c.cfg.File != "" {
		full = append(full, "-f", c.cfg.File)
	}
	if c.cfg.Project != "" {
		full = append(full, "-p", c.cfg.Project)
	}
	full = append(full, args...)

	out, err := c.runner.Output(ctx, c.dir(), name, full...)
	if err == nil {
		return out, nil
	}
	if errors.Is(err, exec.ErrNotFound) {
		return out, fmt.Errorf("%w: %s: %w", ErrUnavailable, name, err)
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) && len(ee.Stderr) > 0 {
		return out, fmt.Errorf("%w: %s exited with code %d: %s: %w", ErrCommandFailed, args[0], ee.ExitCode(), strings.TrimSpace(string(ee.Stderr)), err)
	}
	if code := exitCode(err); code > 0 {
		return out, fmt.Errorf("%w: %s exited with code %d: %w", ErrCommandFailed, args[0], code, err)
	}
	return out, fmt.Errorf("%w: %s: %w", ErrCommandFailed, args[0], err)
}

func (c *Controller) dir() string {
	if c.cfg.File == "" {
		return ""
	}
	return filepath.Dir(c.cfg.File)
}

func exitCode(err error) int {
	var ec interface{ ExitCode() int }
	if errors.As(err, &ec) {
		return ec.ExitCode()
	}
	return -1
}
