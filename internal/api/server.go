package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/csai/lab-shell/internal/compose"
	"github.com/csai/lab-shell/internal/config"
	"github.com/csai/lab-shell/internal/metrics"
	"github.com/csai/lab-shell/internal/orchestrator"
	"github.com/csai/lab-shell/internal/registry"
	"github.com/csai/lab-shell/internal/session"
	"github.com/csai/lab-shell/internal/state"
)

type Connections interface {
	Lookup(id string) (registry.TargetProfile, bool)
	ListAll() map[string]registry.TargetProfile
	Len() int
}

type Sessions interface {
	Create(surface session.Surface) *session.Session
	Get(id string) (*session.Session, bool)
	List() []session.Snapshot
	Remove(id string) bool
	CountByState() map[session.State]int
}

type Services interface {
	Up(ctx context.Context) error
	Down(ctx context.Context) error
	Status(ctx context.Context) ([]compose.Container, error)
}

// ContainerLister reads the project's containers straight from the engine.
type ContainerLister interface {
	ProjectContainers(ctx context.Context) ([]orchestrator.ContainerInfo, error)
}

type Probes interface {
	ContainerLister
	DockerAvailable(ctx context.Context) orchestrator.Availability
	RelayRunning(ctx context.Context) (bool, error)
	RelayReachable(ctx context.Context) orchestrator.Availability
	GatewayAvailable(ctx context.Context) orchestrator.Availability
	WaitRelayReady(ctx context.Context, timeout time.Duration) error
}

// History remembers the connection the user opened last.
type History interface {
	LastConnection() (state.LastConnection, bool)
	SetLastConnection(connectionID string) error
}

type Deps struct {
	Connections Connections
	Tokens      session.Encoder
	Sessions    Sessions
	Services    Services
	Probes      Probes
	History     History
}

type Server struct {
	cfg       config.Config
	deps      Deps
	metrics   *metrics.Registry
	logger    *slog.Logger
	startedAt time.Time
}

func New(cfg config.Config, deps Deps, reg *metrics.Registry, logger *slog.Logger) *Server {
	return &Server{cfg: cfg, deps: deps, metrics: reg, logger: logger, startedAt: time.Now().UTC()}
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.HandleFunc(s.cfg.Observability.MetricsPath, s.handleMetrics)

	mux.HandleFunc("/v1/status", s.handleStatus)
	mux.HandleFunc("/v1/docker", s.handleDocker)
	mux.HandleFunc("/v1/gateway", s.handleGateway)
	mux.HandleFunc("/v1/services/", s.handleServices)
	mux.HandleFunc("/v1/connections", s.handleConnections)
	mux.HandleFunc("/v1/connections/", s.handleConnectionByID)
	mux.HandleFunc("/v1/sessions", s.handleSessions)
	mux.HandleFunc("/v1/sessions/", s.handleSessionByID)
	return mux
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed.", nil)
		return
	}
	var resp StatusResponse
	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() error {
		resp.Docker = s.deps.Probes.DockerAvailable(ctx)
		return nil
	})
	g.Go(func() error {
		running, err := s.deps.Probes.RelayRunning(ctx)
		resp.Relay.Running = running
		if err != nil {
			resp.Relay.Error = err.Error()
		}
		return nil
	})
	g.Go(func() error {
		resp.Relay.Reachable = s.deps.Probes.RelayReachable(ctx)
		return nil
	})
	g.Go(func() error {
		resp.Gateway = s.deps.Probes.GatewayAvailable(ctx)
		return nil
	})
	g.Go(func() error {
		resp.Services, _ = s.serviceStatus(ctx)
		return nil
	})
	_ = g.Wait()
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDocker(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed.", nil)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Probes.DockerAvailable(r.Context()))
}

func (s *Server) handleGateway(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed.", nil)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Probes.GatewayAvailable(r.Context()))
}

func (s *Server) handleServices(w http.ResponseWriter, r *http.Request) {
	action := strings.TrimPrefix(r.URL.Path, "/v1/services/")
	switch action {
	case "up":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed.", nil)
			return
		}
		s.handleServicesUp(w, r)
	case "down":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed.", nil)
			return
		}
		err := s.deps.Services.Down(r.Context())
		s.metrics.IncCompose("down", err == nil)
		if err != nil {
			writeJSON(w, http.StatusBadGateway, ServiceActionResponse{Success: false, Message: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, ServiceActionResponse{Success: true, Message: "Services stopped."})
	case "status":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed.", nil)
			return
		}
		resp, code := s.serviceStatus(r.Context())
		writeJSON(w, code, resp)
	case "containers":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed.", nil)
			return
		}
		s.handleProjectContainers(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", "Endpoint not found.", nil)
	}
}

func (s *Server) handleServicesUp(w http.ResponseWriter, r *http.Request) {
	err := s.deps.Services.Up(r.Context())
	s.metrics.IncCompose("up", err == nil)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, ServiceActionResponse{Success: false, Message: err.Error()})
		return
	}
	if wait := r.URL.Query().Get("wait"); wait == "1" || wait == "true" {
		timeout := time.Duration(s.cfg.Compose.ReadyTimeoutSeconds) * time.Second
		if err := s.deps.Probes.WaitRelayReady(r.Context(), timeout); err != nil {
			writeJSON(w, http.StatusGatewayTimeout, ServiceActionResponse{Success: false, Message: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, ServiceActionResponse{Success: true, Message: "Services started and relay ready."})
		return
	}
	writeJSON(w, http.StatusOK, ServiceActionResponse{Success: true, Message: "Services started."})
}

func (s *Server) serviceStatus(ctx context.Context) (ServiceStatusResponse, int) {
	resp, err := CollectServiceStatus(ctx, s.deps.Services, s.deps.Probes)
	s.metrics.IncCompose("status", err == nil)
	switch {
	case errors.Is(err, compose.ErrStatusTimeout):
		return resp, http.StatusGatewayTimeout
	case err != nil:
		return resp, http.StatusBadGateway
	}
	return resp, http.StatusOK
}

// CollectServiceStatus asks compose for the service table and, when the
// engine answers, adds the project's containers as docker reports them.
// lister may be nil.
func CollectServiceStatus(ctx context.Context, svc Services, lister ContainerLister) (ServiceStatusResponse, error) {
	containers, err := svc.Status(ctx)
	if err != nil {
		msg := err.Error()
		if errors.Is(err, compose.ErrStatusTimeout) {
			msg = "timeout"
		}
		return ServiceStatusResponse{Success: false, Message: msg}, err
	}
	resp := ServiceStatusResponse{Success: true, Containers: containers}
	if lister != nil {
		project, err := lister.ProjectContainers(ctx)
		if err != nil {
			resp.ProjectError = err.Error()
		} else {
			resp.Project = project
		}
	}
	return resp, nil
}

func (s *Server) handleProjectContainers(w http.ResponseWriter, r *http.Request) {
	containers, err := s.deps.Probes.ProjectContainers(r.Context())
	switch {
	case errors.Is(err, orchestrator.ErrDockerUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, ProjectContainersResponse{Success: false, Message: err.Error()})
		return
	case err != nil:
		writeJSON(w, http.StatusBadGateway, ProjectContainersResponse{Success: false, Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, ProjectContainersResponse{Success: true, Containers: containers})
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed.", nil)
		return
	}
	all := s.deps.Connections.ListAll()
	payloads := make([]ConnectionPayload, 0, len(all))
	for id, p := range all {
		payloads = append(payloads, toConnectionPayload(id, p))
	}
	sort.Slice(payloads, func(i, j int) bool { return payloads[i].ID < payloads[j].ID })
	writeJSON(w, http.StatusOK, ConnectionListResponse{OK: true, Connections: payloads})
}

func (s *Server) handleConnectionByID(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/v1/connections/"), "/")
	id := parts[0]
	switch {
	case id == "":
		writeError(w, http.StatusNotFound, "not_found", "Connection not found.", nil)
	case len(parts) == 1 && id == "last":
		s.handleLastConnection(w, r)
	case len(parts) == 1:
		s.handleSingleConnection(w, r, id)
	case len(parts) == 2 && parts[1] == "token":
		s.handleToken(w, r, id)
	default:
		writeError(w, http.StatusNotFound, "not_found", "Endpoint not found.", nil)
	}
}

func (s *Server) handleSingleConnection(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed.", nil)
		return
	}
	p, ok := s.deps.Connections.Lookup(id)
	if !ok {
		writeError(w, http.StatusNotFound, "connection_not_found", "Connection configuration not found.", map[string]any{"connection_id": id})
		return
	}
	writeJSON(w, http.StatusOK, toConnectionPayload(id, p))
}

func (s *Server) handleLastConnection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed.", nil)
		return
	}
	last, ok := s.deps.History.LastConnection()
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "No connection opened yet.", nil)
		return
	}
	writeJSON(w, http.StatusOK, LastConnectionResponse{ConnectionID: last.ConnectionID, OpenedAt: last.OpenedAt})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed.", nil)
		return
	}
	p, ok := s.deps.Connections.Lookup(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, TokenResponse{Success: false, Error: "Connection configuration not found."})
		return
	}
	tok, err := s.deps.Tokens.Encode(r.Context(), p)
	if err != nil {
		s.metrics.IncTokenFailure()
		s.logger.Error("token_generation_failed", slog.String("connection_id", id), slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, TokenResponse{Success: false, Error: err.Error()})
		return
	}
	s.metrics.IncTokenIssued()
	writeJSON(w, http.StatusOK, TokenResponse{Success: true, Token: tok})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, SessionListResponse{OK: true, Sessions: s.deps.Sessions.List()})
	case http.MethodPost:
		s.handleCreateSession(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed.", nil)
	}
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "Body must be a JSON object.", nil)
		return
	}
	connID := s.resolveConnectionID(req.ConnectionID, "")
	if connID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "Missing required fields.", map[string]any{"required": []string{"connection_id"}})
		return
	}

	sess := s.deps.Sessions.Create(nil)
	if size := (session.Size{Width: req.Width, Height: req.Height}); size.Valid() {
		sess.Resize(size)
	}
	err := sess.Connect(r.Context(), connID)
	if errors.Is(err, session.ErrConnectionNotFound) {
		s.deps.Sessions.Remove(sess.ID())
		s.writeSessionErr(w, err, nil)
		return
	}
	s.rememberConnection(connID)
	if err != nil {
		snap := sess.Snapshot()
		s.writeSessionErr(w, err, &snap)
		return
	}
	writeJSON(w, http.StatusCreated, SessionResponse{OK: true, Session: sess.Snapshot()})
}

func (s *Server) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/v1/sessions/"), "/")
	id := parts[0]
	if id == "" || len(parts) > 2 {
		writeError(w, http.StatusNotFound, "not_found", "Session not found.", nil)
		return
	}
	sess, ok := s.deps.Sessions.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "Session not found.", nil)
		return
	}
	if len(parts) == 1 {
		s.handleSingleSession(w, r, sess)
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed.", nil)
		return
	}
	switch parts[1] {
	case "connect":
		s.handleConnect(w, r, sess)
	case "retry":
		s.finishAction(w, sess, sess.Retry(r.Context()))
	case "disconnect":
		sess.Disconnect()
		s.finishAction(w, sess, nil)
	case "resize":
		var req ResizeRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "Body must be a JSON object.", nil)
			return
		}
		size := session.Size{Width: req.Width, Height: req.Height}
		if !size.Valid() {
			writeError(w, http.StatusBadRequest, "bad_request", "Width and height must be positive.", nil)
			return
		}
		sess.Resize(size)
		s.finishAction(w, sess, nil)
	default:
		writeError(w, http.StatusNotFound, "not_found", "Endpoint not found.", nil)
	}
}

func (s *Server) handleSingleSession(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, SessionResponse{OK: true, Session: sess.Snapshot()})
	case http.MethodDelete:
		s.deps.Sessions.Remove(sess.ID())
		writeJSON(w, http.StatusOK, DeleteSessionResponse{OK: true, SessionID: sess.ID()})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed.", nil)
	}
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	var req ConnectRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "Body must be a JSON object.", nil)
		return
	}
	connID := s.resolveConnectionID(req.ConnectionID, sess.Snapshot().ConnectionID)
	if connID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "Missing required fields.", map[string]any{"required": []string{"connection_id"}})
		return
	}
	err := sess.Connect(r.Context(), connID)
	if !errors.Is(err, session.ErrConnectionNotFound) {
		s.rememberConnection(connID)
	}
	s.finishAction(w, sess, err)
}

func (s *Server) finishAction(w http.ResponseWriter, sess *session.Session, err error) {
	snap := sess.Snapshot()
	if err != nil {
		s.writeSessionErr(w, err, &snap)
		return
	}
	writeJSON(w, http.StatusOK, SessionResponse{OK: true, Session: snap})
}

// resolveConnectionID falls back to the session's own connection and then
// to the last connection the user opened.
func (s *Server) resolveConnectionID(requested, current string) string {
	if requested != "" {
		return requested
	}
	if current != "" {
		return current
	}
	if last, ok := s.deps.History.LastConnection(); ok {
		return last.ConnectionID
	}
	return ""
}

func (s *Server) rememberConnection(id string) {
	if err := s.deps.History.SetLastConnection(id); err != nil {
		s.logger.Warn("last_connection_save_failed", slog.String("connection_id", id), slog.String("error", err.Error()))
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed.", nil)
		return
	}
	docker := s.deps.Probes.DockerAvailable(r.Context())
	status := "ok"
	code := http.StatusOK
	if !docker.Available {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, HealthResponse{
		Status:      status,
		Version:     s.cfg.Server.Version,
		Uptime:      int64(time.Since(s.startedAt).Seconds()),
		DockerOK:    docker.Available,
		Connections: s.deps.Connections.Len(),
	})
}

// handleReadyz reports ready once the relay daemon container is running.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed.", nil)
		return
	}
	running, err := s.deps.Probes.RelayRunning(r.Context())
	if err != nil || !running {
		writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{Status: "not_ready", Ready: false})
		return
	}
	writeJSON(w, http.StatusOK, ReadyResponse{Status: "ready", Ready: true})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed.", nil)
		return
	}
	byState := map[string]int{}
	for st, n := range s.deps.Sessions.CountByState() {
		byState[st.String()] = n
	}
	s.metrics.SetSessions(byState)
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_, _ = w.Write([]byte(s.metrics.RenderPrometheus()))
}

func (s *Server) writeSessionErr(w http.ResponseWriter, err error, snap *session.Snapshot) {
	var details any
	if snap != nil {
		details = map[string]any{"session": snap}
	}
	var te *session.TransportError
	switch {
	case errors.Is(err, session.ErrConnectionNotFound):
		writeError(w, http.StatusNotFound, "connection_not_found", session.UserMessage(err), details)
	case errors.Is(err, session.ErrTokenGeneration):
		s.metrics.IncTokenFailure()
		writeError(w, http.StatusInternalServerError, "token_generation_failed", session.UserMessage(err), details)
	case errors.Is(err, session.ErrTransportTimeout):
		writeError(w, http.StatusGatewayTimeout, session.ErrTransportTimeout.Error(), session.UserMessage(err), details)
	case errors.As(err, &te):
		writeError(w, http.StatusBadGateway, te.Unwrap().Error(), te.UserMessage(), details)
	default:
		s.logger.Error("session_error", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal_error", "Operation failed.", details)
	}
}

func toConnectionPayload(id string, p registry.TargetProfile) ConnectionPayload {
	return ConnectionPayload{ID: id, Name: p.DisplayName, Protocol: p.Protocol.String(), Params: p.Parameters}
}

// decodeBody accepts an empty body as the zero request.
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, errCode, message string, details any) {
	writeJSON(w, code, ErrorEnvelope{Error: ErrorBody{Code: errCode, Message: message, Details: details}})
}
