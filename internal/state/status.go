// Package state encodes the session status state machine.
package state

import "github.com/nishu-builder/plate-spinner/internal/event"

// Status represents the lifecycle state of a tracked session.
type Status string

const (
	StatusStarting         Status = "starting"
	StatusRunning          Status = "running"
	StatusIdle             Status = "idle"
	StatusAwaitingInput    Status = "awaiting_input"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusError            Status = "error"
	StatusClosed           Status = "closed"
)

// Tools whose completion signals that the session is waiting on the user.
const (
	ToolAskUserQuestion = "AskUserQuestion"
	ToolExitPlanMode    = "ExitPlanMode"
	ToolTodoWrite       = "TodoWrite"
)

// FromTool maps a completed tool invocation to the resulting status.
// Unrecognized tools mean the session is still working.
func FromTool(toolName string) Status {
	switch toolName {
	case ToolAskUserQuestion:
		return StatusAwaitingInput
	case ToolExitPlanMode:
		return StatusAwaitingApproval
	default:
		return StatusRunning
	}
}

// Derive computes the status resulting from a canonical event. It is total:
// every event type maps to exactly one status. StatusStarting and
// StatusClosed are never derived here; starting is reachable only through
// placeholder registration and closed only through the stopped sweep or a
// manual toggle.
func Derive(ev *event.Event) Status {
	switch ev.EventType {
	case event.TypeStop:
		if ev.Error != "" {
			return StatusError
		}
		return StatusIdle
	case event.TypeSessionStart, event.TypeToolStart:
		return StatusRunning
	default:
		// Completed tool invocation (tool_call, prompt_submit, or anything
		// a future producer invents).
		if ev.EventType == event.TypePromptSubmit {
			return StatusRunning
		}
		return FromTool(ev.ToolName)
	}
}

// NeedsAttention reports whether the session is waiting on a human.
func (s Status) NeedsAttention() bool {
	switch s {
	case StatusAwaitingInput, StatusAwaitingApproval, StatusIdle, StatusError, StatusClosed:
		return true
	}
	return false
}

// Recover returns the status after a health-check recovery: attention
// states whose transcript has moved on, and running sessions that missed
// their stop event, collapse to idle. Everything else is unchanged.
func (s Status) Recover() Status {
	switch s {
	case StatusAwaitingInput, StatusAwaitingApproval, StatusError, StatusRunning:
		return StatusIdle
	}
	return s
}

// Valid reports whether s is one of the seven known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusStarting, StatusRunning, StatusIdle, StatusAwaitingInput,
		StatusAwaitingApproval, StatusError, StatusClosed:
		return true
	}
	return false
}
