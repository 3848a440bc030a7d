package daemon

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"strings"
	"time"

	"github.com/nishu-builder/plate-spinner/internal/hub"
	"github.com/nishu-builder/plate-spinner/internal/logging"
	"github.com/nishu-builder/plate-spinner/internal/state"
)

// Sleep detection: a tick arriving this many intervals late means the
// machine was suspended, and transcript mtimes cannot be trusted until
// sessions have had a moment to resume.
const (
	sleepDetectionMultiplier = 3
	postWakeGracePeriod      = 10 * time.Second
)

// healthLoop periodically sweeps sessions whose recorded status has
// drifted from reality. Hook delivery is best-effort, so a missed stop
// or prompt event would otherwise leave a session stuck in running or
// an attention state forever.
func (d *Daemon) healthLoop() {
	interval := d.config.Daemon.HealthCheckInterval
	if interval <= 0 {
		interval = state.HealthCheckInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastTick time.Time
	var graceUntil time.Time

	for {
		select {
		case <-d.ctx.Done():
			return
		case now := <-ticker.C:
			if !lastTick.IsZero() && now.Sub(lastTick) > interval*sleepDetectionMultiplier {
				logging.Info("detected wake from sleep, deferring staleness checks")
				graceUntil = now.Add(postWakeGracePeriod)
			}
			lastTick = now
			d.checkStale(now, now.Before(graceUntil))
		}
	}
}

// checkStale recovers sessions in two situations: an attention state
// whose transcript kept moving after the status was set (the user
// already responded), and a running session whose transcript went quiet
// because the stop hook never arrived.
func (d *Daemon) checkStale(now time.Time, inGrace bool) {
	sessions, err := d.store.ListSessions()
	if err != nil {
		logging.Warn("health check: list sessions", "error", err)
		return
	}

	for _, s := range sessions {
		if s.TranscriptPath == nil {
			continue
		}
		fi, err := os.Stat(*s.TranscriptPath)
		if err != nil {
			continue
		}
		mtime := fi.ModTime()

		var stale bool
		switch {
		case s.Status == state.StatusRunning:
			if inGrace {
				continue
			}
			lastActivity := mtime
			if s.UpdatedAt.After(lastActivity) {
				lastActivity = s.UpdatedAt
			}
			if !state.IsRunningStale(lastActivity, now) {
				continue
			}
			timedOut := now.Sub(lastActivity) > state.RunningAbsoluteTimeout
			stale = timedOut || transcriptShowsCompletion(*s.TranscriptPath)

		case s.Status.NeedsAttention() && s.Status != state.StatusIdle && s.Status != state.StatusClosed:
			stale = state.IsStale(mtime, s.UpdatedAt)
		}

		if !stale {
			continue
		}

		next := s.Status.Recover()
		if next == s.Status {
			continue
		}
		logging.Info("recovering stale session",
			"session_id", s.SessionID, "from", s.Status, "to", next)
		if err := d.store.SetStatus(s.SessionID, next, now.UTC()); err != nil {
			logging.Warn("health check: set status", "session_id", s.SessionID, "error", err)
			continue
		}
		d.hub.Broadcast(hub.Signal{Type: hub.SignalSessionUpdate, SessionID: s.SessionID})
	}
}

// transcriptShowsCompletion reports whether the transcript's last entry
// indicates the assistant finished its turn. Only the file's tail is
// read; transcripts grow without bound.
func transcriptShowsCompletion(transcriptPath string) bool {
	f, err := os.Open(transcriptPath)
	if err != nil {
		return false
	}
	defer f.Close()

	const tailBytes = 64 * 1024
	if fi, err := f.Stat(); err == nil && fi.Size() > tailBytes {
		if _, err := f.Seek(-tailBytes, io.SeekEnd); err == nil {
			// Skip the partial line the seek landed in.
			r := bufio.NewReader(f)
			r.ReadString('\n')
			return lastLineShowsCompletion(r)
		}
	}
	return lastLineShowsCompletion(bufio.NewReader(f))
}

func lastLineShowsCompletion(r *bufio.Reader) bool {
	var lastLine string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lastLine = line
		}
	}
	if lastLine == "" {
		return false
	}

	var entry struct {
		Type    string `json:"type"`
		Message struct {
			StopReason *string `json:"stop_reason"`
		} `json:"message"`
	}
	if err := json.Unmarshal([]byte(lastLine), &entry); err != nil {
		return false
	}

	switch entry.Type {
	case "summary":
		return true
	case "assistant":
		return entry.Message.StopReason != nil && *entry.Message.StopReason == "end_turn"
	}
	return false
}
