package summary

import (
	"github.com/nishu-builder/plate-spinner/internal/event"
	"github.com/nishu-builder/plate-spinner/internal/state"
)

// summarizeEvery is the event-count stride between mid-activity summaries.
const summarizeEvery = 5

// ShouldTrigger reports whether a freshly committed event warrants a new
// background summary. Any status that leaves the session waiting on a
// human gets a fresh summary, since that is when the label is actually
// read. While a session is actively working we refresh on every fifth
// completed tool so the label does not go stale, without calling the
// model on every invocation.
func ShouldTrigger(status state.Status, eventType string, eventCount int64) bool {
	switch status {
	case state.StatusAwaitingInput, state.StatusAwaitingApproval, state.StatusIdle:
		return true
	}
	return eventType == event.TypeToolCall && eventCount > 0 && eventCount%summarizeEvery == 0
}
