package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"

	"github.com/csai/lab-shell/internal/config"
)

var (
	ErrDockerUnavailable = errors.New("docker_unavailable")
	ErrRelayNotReady     = errors.New("relay_not_ready")
)

const composeProjectLabel = "com.docker.compose.project"

// dockerAPI is the slice of the engine client the shell uses.
type dockerAPI interface {
	Ping(ctx context.Context) (types.Ping, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
	Close() error
}

type Availability struct {
	Available bool   `json:"available"`
	Status    int    `json:"status,omitempty"`
	Error     string `json:"error,omitempty"`
}

type ContainerInfo struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Image   string `json:"image"`
	Service string `json:"service,omitempty"`
	State   string `json:"state"`
	Status  string `json:"status"`
}

// Engine answers questions about the container runtime hosting the lab: is
// docker up, is the relay daemon running, is the gateway answering.
type Engine struct {
	cfg    config.Config
	docker dockerAPI
	http   *http.Client
	log    *slog.Logger

	pollInitial time.Duration
	pollMax     time.Duration
}

// New builds an engine from the environment's docker settings. A missing
// daemon is not an error here; probes report it.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return newEngine(cfg, cli, logger), nil
}

func newEngine(cfg config.Config, docker dockerAPI, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:    cfg,
		docker: docker,
		http: &http.Client{
			Timeout: time.Duration(cfg.Gateway.TimeoutSeconds) * time.Second,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		log:         logger,
		pollInitial: 500 * time.Millisecond,
		pollMax:     5 * time.Second,
	}
}

func (e *Engine) Close() error {
	if e.docker == nil {
		return nil
	}
	return e.docker.Close()
}

// DockerAvailable pings the engine.
func (e *Engine) DockerAvailable(ctx context.Context) Availability {
	if e.docker == nil {
		return Availability{Error: ErrDockerUnavailable.Error()}
	}
	if _, err := e.docker.Ping(ctx); err != nil {
		return Availability{Error: err.Error()}
	}
	return Availability{Available: true}
}

// RelayRunning reports whether a running container's name contains the
// configured relay container fragment.
func (e *Engine) RelayRunning(ctx context.Context) (bool, error) {
	if e.docker == nil {
		return false, ErrDockerUnavailable
	}
	fragment := e.cfg.Compose.RelayContainer
	containers, err := e.docker.ContainerList(ctx, container.ListOptions{Filters: filters.NewArgs(filters.Arg("name", fragment))})
	if err != nil {
		return false, fmt.Errorf("list containers: %w", err)
	}
	for _, c := range containers {
		if strings.Contains(firstName(c.Names), fragment) && c.State == "running" {
			return true, nil
		}
	}
	return false, nil
}

// ProjectContainers lists every container of the compose project, running
// or not, ordered by name.
func (e *Engine) ProjectContainers(ctx context.Context) ([]ContainerInfo, error) {
	if e.docker == nil {
		return nil, ErrDockerUnavailable
	}
	opts := container.ListOptions{All: true}
	if p := e.cfg.Compose.Project; p != "" {
		opts.Filters = filters.NewArgs(filters.Arg("label", composeProjectLabel+"="+p))
	}
	containers, err := e.docker.ContainerList(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	out := make([]ContainerInfo, 0, len(containers))
	for _, c := range containers {
		out = append(out, ContainerInfo{
			ID:      shortID(c.ID),
			Name:    firstName(c.Names),
			Image:   c.Image,
			Service: c.Labels["com.docker.compose.service"],
			State:   c.State,
			Status:  c.Status,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// WaitRelayReady polls RelayRunning with exponential backoff until it reports
// true or timeout elapses.
func (e *Engine) WaitRelayReady(ctx context.Context, timeout time.Duration) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.pollInitial
	b.MaxInterval = e.pollMax
	b.MaxElapsedTime = timeout

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		ok, err := e.RelayRunning(ctx)
		if errors.Is(err, ErrDockerUnavailable) {
			return backoff.Permanent(err)
		}
		if err != nil {
			return err
		}
		if !ok {
			return ErrRelayNotReady
		}
		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		e.log.Warn("relay_wait_failed", slog.Int("attempts", attempts), slog.String("error", err.Error()))
		if errors.Is(err, ErrRelayNotReady) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrRelayNotReady, err)
	}
	e.log.Info("relay_ready", slog.Int("attempts", attempts))
	return nil
}

// RelayReachable opens and closes a TCP connection to the relay daemon.
func (e *Engine) RelayReachable(ctx context.Context) Availability {
	var d net.Dialer
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	conn, err := d.DialContext(ctx, "tcp", e.cfg.RelayDaemon.Addr())
	if err != nil {
		return Availability{Error: err.Error()}
	}
	_ = conn.Close()
	return Availability{Available: true}
}

// GatewayAvailable fetches the web gateway URL. Only 200 and 302 count as
// available; redirects are not followed.
func (e *Engine) GatewayAvailable(ctx context.Context) Availability {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.cfg.Gateway.URL, nil)
	if err != nil {
		return Availability{Error: err.Error()}
	}
	resp, err := e.http.Do(req)
	if err != nil {
		return Availability{Error: err.Error()}
	}
	defer resp.Body.Close()
	return Availability{
		Available: resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusFound,
		Status:    resp.StatusCode,
	}
}

func firstName(names []string) string {
	if len(names) == 0 {
		return ""
	}
	return strings.TrimPrefix(names[0], "/")
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
