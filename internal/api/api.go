// Package api defines the HTTP surface shared by the daemon and the
// spinner CLI: request/response DTOs plus a thin client.
package api

import (
	"encoding/json"
	"time"
)

// SessionInfo is the wire representation of a tracked session.
type SessionInfo struct {
	SessionID      string    `json:"session_id"`
	ProjectPath    string    `json:"project_path"`
	ProjectName    string    `json:"project_name"`
	TranscriptPath string    `json:"transcript_path,omitempty"`
	GitBranch      string    `json:"git_branch,omitempty"`
	Status         string    `json:"status"`
	LastEventType  string    `json:"last_event_type,omitempty"`
	LastTool       string    `json:"last_tool,omitempty"`
	Summary        string    `json:"summary,omitempty"`
	TodoProgress   string    `json:"todo_progress,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// EventInfo is one entry from a session's append-only event log.
type EventInfo struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"session_id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// RegisterRequest asks the daemon to create a placeholder row for a
// project whose real session has not reported in yet.
type RegisterRequest struct {
	ProjectPath string `json:"project_path"`
}

// RegisterResponse returns the placeholder session id.
type RegisterResponse struct {
	SessionID string `json:"session_id"`
}

// StoppedRequest marks every open session under a project as closed.
type StoppedRequest struct {
	ProjectPath string `json:"project_path"`
}

// StoppedResponse reports how many sessions were transitioned.
type StoppedResponse struct {
	Closed []string `json:"closed"`
}

// ToggleResponse carries the status after a closed/idle flip.
type ToggleResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

// StatusResponse is the daemon's self-report.
type StatusResponse struct {
	Version    string `json:"version"`
	Uptime     string `json:"uptime"`
	Sessions   int    `json:"sessions"`
	Observers  int    `json:"observers"`
	Summarizer bool   `json:"summarizer"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error string `json:"error"`
}
