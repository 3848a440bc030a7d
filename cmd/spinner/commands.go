package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/google/uuid"
)

func runSessions() error {
	sessions, err := getClient().Sessions()
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("No tracked sessions.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tPROJECT\tBRANCH\tSTATUS\tTODOS\tSUMMARY")
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			shortID(s.SessionID), s.ProjectName, s.GitBranch,
			s.Status, s.TodoProgress, s.Summary)
	}
	return w.Flush()
}

// runPost forwards a hook payload from stdin. Payloads without a
// session_id get a generated one so ad-hoc producers can still be
// tracked.
func runPost() error {
	payload, err := io.ReadAll(os.Stdin)
	if err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}

	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return fmt.Errorf("payload is not valid JSON: %w", err)
	}
	if _, ok := fields["session_id"]; !ok {
		fields["session_id"] = uuid.NewString()
		if payload, err = json.Marshal(fields); err != nil {
			return err
		}
	}

	return getClient().PostEvent(payload)
}

func runRegister(projectPath string) error {
	path, err := resolveProject(projectPath)
	if err != nil {
		return err
	}

	id, err := getClient().Register(path)
	if err != nil {
		return err
	}
	fmt.Printf("Registered %s\n", id)
	return nil
}

func runStopped(projectPath string) error {
	path, err := resolveProject(projectPath)
	if err != nil {
		return err
	}

	closed, err := getClient().MarkStopped(path)
	if err != nil {
		return err
	}
	if len(closed) == 0 {
		fmt.Println("No open sessions for", path)
		return nil
	}
	for _, id := range closed {
		fmt.Printf("Closed %s\n", shortID(id))
	}
	return nil
}

func runRemove(sessionID string) error {
	if err := getClient().Delete(sessionID); err != nil {
		return err
	}
	fmt.Printf("Removed %s\n", shortID(sessionID))
	return nil
}

func runToggle(sessionID string) error {
	resp, err := getClient().Toggle(sessionID)
	if err != nil {
		return err
	}
	fmt.Printf("%s is now %s\n", shortID(resp.SessionID), resp.Status)
	return nil
}

func runEvents(sessionID string, limit int) error {
	events, err := getClient().Events(sessionID, limit)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Println("No logged events.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tTYPE\tPAYLOAD")
	for _, e := range events {
		fmt.Fprintf(w, "%s\t%s\t%s\n",
			e.CreatedAt.Local().Format("2006-01-02 15:04:05"), e.EventType, e.Payload)
	}
	return w.Flush()
}

func runStatus() error {
	st, err := getClient().Status()
	if err != nil {
		return err
	}
	fmt.Printf("spinnerd %s\n", st.Version)
	fmt.Printf("  uptime:     %s\n", st.Uptime)
	fmt.Printf("  sessions:   %d\n", st.Sessions)
	fmt.Printf("  observers:  %d\n", st.Observers)
	fmt.Printf("  summarizer: %v\n", st.Summarizer)
	return nil
}

func resolveProject(path string) (string, error) {
	if path != "" {
		return path, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("resolve project path: %w", err)
	}
	return cwd, nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
