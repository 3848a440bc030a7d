// Package event defines the canonical lifecycle event schema and the
// normalizer that maps heterogeneous producer payloads onto it.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Canonical event types. Producers either send these directly or send a
// hook lifecycle label that the normalizer translates.
const (
	TypeSessionStart = "session_start"
	TypePromptSubmit = "prompt_submit"
	TypeToolStart    = "tool_start"
	TypeToolCall     = "tool_call"
	TypeStop         = "stop"
)

// Event is the canonical form of a single reported lifecycle occurrence.
type Event struct {
	SessionID      string         `json:"session_id"`
	ProjectPath    string         `json:"project_path"`
	EventType      string         `json:"event_type"`
	ToolName       string         `json:"tool_name,omitempty"`
	ToolParams     map[string]any `json:"tool_params,omitempty"`
	TranscriptPath string         `json:"transcript_path,omitempty"`
	GitBranch      string         `json:"git_branch,omitempty"`
	Error          string         `json:"error,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}

// ValidationError reports a payload from which a required canonical field
// could not be determined.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid event: %s %s", e.Field, e.Reason)
}

// payload accepts both the canonical field names and the aliases used by
// hook scripts (which forward the assistant's own hook payload verbatim).
type payload struct {
	SessionID      string         `json:"session_id"`
	ProjectPath    string         `json:"project_path"`
	CWD            string         `json:"cwd"`
	EventType      string         `json:"event_type"`
	HookEventName  string         `json:"hook_event_name"`
	ToolName       string         `json:"tool_name"`
	ToolParams     map[string]any `json:"tool_params"`
	ToolInput      map[string]any `json:"tool_input"`
	TranscriptPath string         `json:"transcript_path"`
	GitBranch      string         `json:"git_branch"`
	Error          string         `json:"error"`
	Timestamp      *time.Time     `json:"timestamp"`
}

// hookEventTypes maps hook lifecycle labels to canonical event types.
var hookEventTypes = map[string]string{
	"SessionStart":     TypeSessionStart,
	"UserPromptSubmit": TypePromptSubmit,
	"PreToolUse":       TypeToolStart,
	"PostToolUse":      TypeToolCall,
	"Stop":             TypeStop,
}

// Normalize parses a raw producer payload into a canonical Event. It
// returns a *ValidationError when session_id, project_path, or event_type
// cannot be determined.
func Normalize(data []byte, now time.Time) (*Event, error) {
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, &ValidationError{Field: "payload", Reason: "is not valid JSON"}
	}

	ev := &Event{
		SessionID:      p.SessionID,
		ProjectPath:    p.ProjectPath,
		EventType:      p.EventType,
		ToolName:       p.ToolName,
		ToolParams:     p.ToolParams,
		TranscriptPath: p.TranscriptPath,
		GitBranch:      p.GitBranch,
		Error:          p.Error,
		Timestamp:      now,
	}
	if ev.ProjectPath == "" {
		ev.ProjectPath = p.CWD
	}
	if ev.ToolParams == nil {
		ev.ToolParams = p.ToolInput
	}
	if p.Timestamp != nil {
		ev.Timestamp = p.Timestamp.UTC()
	}

	if ev.EventType == "" && p.HookEventName != "" {
		if t, ok := hookEventTypes[p.HookEventName]; ok {
			ev.EventType = t
		} else {
			// Unknown hook labels describe a completed tool invocation.
			ev.EventType = TypeToolCall
		}
	}

	switch {
	case ev.SessionID == "":
		return nil, &ValidationError{Field: "session_id", Reason: "is required"}
	case ev.ProjectPath == "":
		return nil, &ValidationError{Field: "project_path", Reason: "is required"}
	case ev.EventType == "":
		return nil, &ValidationError{Field: "event_type", Reason: "is required"}
	}

	return ev, nil
}
