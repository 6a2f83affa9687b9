package api

import (
	"time"

	"github.com/csai/lab-shell/internal/compose"
	"github.com/csai/lab-shell/internal/orchestrator"
	"github.com/csai/lab-shell/internal/registry"
	"github.com/csai/lab-shell/internal/session"
)

type ErrorEnvelope struct {
	Error ErrorBody `json:"error"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type ConnectionPayload struct {
	ID       string              `json:"id"`
	Name     string              `json:"name"`
	Protocol string              `json:"protocol"`
	Params   registry.Parameters `json:"params"`
}

type ConnectionListResponse struct {
	OK          bool                `json:"ok"`
	Connections []ConnectionPayload `json:"connections"`
}

type LastConnectionResponse struct {
	ConnectionID string    `json:"connection_id"`
	OpenedAt     time.Time `json:"opened_at"`
}

// TokenResponse mirrors what the viewer page expects when it asks for a
// connection token.
type TokenResponse struct {
	Success bool   `json:"success"`
	Token   string `json:"token,omitempty"`
	Error   string `json:"error,omitempty"`
}

type ServiceActionResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type ServiceStatusResponse struct {
	Success    bool                `json:"success"`
	Containers []compose.Container `json:"containers"`
	Message    string              `json:"message,omitempty"`

	// Project is the engine's view of the same compose project, including
	// stopped containers.
	Project      []orchestrator.ContainerInfo `json:"project,omitempty"`
	ProjectError string                       `json:"project_error,omitempty"`
}

type ProjectContainersResponse struct {
	Success    bool                         `json:"success"`
	Containers []orchestrator.ContainerInfo `json:"containers"`
	Message    string                       `json:"message,omitempty"`
}

type RelayStatus struct {
	Running   bool                      `json:"running"`
	Reachable orchestrator.Availability `json:"reachable"`
	Error     string                    `json:"error,omitempty"`
}

type StatusResponse struct {
	Docker   orchestrator.Availability `json:"docker"`
	Relay    RelayStatus               `json:"relay"`
	Gateway  orchestrator.Availability `json:"gateway"`
	Services ServiceStatusResponse     `json:"services"`
}

type CreateSessionRequest struct {
	ConnectionID string `json:"connection_id"`
	Width        int    `json:"width,omitempty"`
	Height       int    `json:"height,omitempty"`
}

type ConnectRequest struct {
	ConnectionID string `json:"connection_id"`
}

type ResizeRequest struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type SessionResponse struct {
	OK      bool             `json:"ok"`
	Session session.Snapshot `json:"session"`
}

type SessionListResponse struct {
	OK       bool               `json:"ok"`
	Sessions []session.Snapshot `json:"sessions"`
}

type DeleteSessionResponse struct {
	OK        bool   `json:"ok"`
	SessionID string `json:"session_id"`
}

type HealthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Uptime      int64  `json:"uptime_seconds"`
	DockerOK    bool   `json:"docker_ok"`
	Connections int    `json:"connections"`
}

type ReadyResponse struct {
	Status string `json:"status"`
	Ready  bool   `json:"ready"`
}
