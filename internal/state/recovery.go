package state

import "time"

// Health-check recovery tuning. A session in an attention state is
// considered stale once its transcript has advanced past the last reported
// event; a running session is stale after silence long enough that the
// stop hook must have been missed.
const (
	HealthCheckInterval       = 10 * time.Second
	StalenessThreshold        = 2 * time.Second
	RunningStalenessThreshold = 30 * time.Second
	RunningAbsoluteTimeout    = 5 * time.Minute
)

// IsStale reports whether the transcript was written to after the last
// event was recorded, meaning the recorded attention state is outdated.
func IsStale(transcriptMTime, lastEvent time.Time) bool {
	return transcriptMTime.After(lastEvent.Add(StalenessThreshold))
}

// IsRunningStale reports whether a running session's transcript has been
// silent long enough to suspect a missed stop event.
func IsRunningStale(transcriptMTime, now time.Time) bool {
	return now.Sub(transcriptMTime) > RunningStalenessThreshold
}
