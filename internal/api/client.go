package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client talks to a running spinnerd over loopback HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the daemon at the given port.
func NewClient(port int) *Client {
	return &Client{
		baseURL: fmt.Sprintf("http://127.0.0.1:%d", port),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Sessions fetches the full session list, most recently active first.
func (c *Client) Sessions() ([]SessionInfo, error) {
	var sessions []SessionInfo
	if err := c.do(http.MethodGet, "/sessions", nil, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// PostEvent submits a raw hook payload. The daemon normalizes it, so the
// CLI passes the body through untouched.
func (c *Client) PostEvent(payload []byte) error {
	req, err := http.NewRequest(http.MethodPost, c.baseURL+"/events", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("daemon unreachable: %w", err)
	}
	defer resp.Body.Close()
	return checkStatus(resp)
}

// Register creates a placeholder for a project being launched.
func (c *Client) Register(projectPath string) (string, error) {
	var out RegisterResponse
	err := c.do(http.MethodPost, "/sessions/register", RegisterRequest{ProjectPath: projectPath}, &out)
	if err != nil {
		return "", err
	}
	return out.SessionID, nil
}

// MarkStopped closes every open session under the project.
func (c *Client) MarkStopped(projectPath string) ([]string, error) {
	var out StoppedResponse
	err := c.do(http.MethodPost, "/sessions/stopped", StoppedRequest{ProjectPath: projectPath}, &out)
	if err != nil {
		return nil, err
	}
	return out.Closed, nil
}

// Delete removes a session and all its history.
func (c *Client) Delete(sessionID string) error {
	return c.do(http.MethodDelete, "/sessions/"+sessionID, nil, nil)
}

// Toggle flips a session between closed and idle.
func (c *Client) Toggle(sessionID string) (*ToggleResponse, error) {
	var out ToggleResponse
	if err := c.do(http.MethodPost, "/sessions/"+sessionID+"/toggle", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Events fetches a session's event log, newest first. A limit of 0
// leaves paging to the daemon's default.
func (c *Client) Events(sessionID string, limit int) ([]EventInfo, error) {
	path := "/sessions/" + sessionID + "/events"
	if limit > 0 {
		path += fmt.Sprintf("?limit=%d", limit)
	}
	var events []EventInfo
	if err := c.do(http.MethodGet, path, nil, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// Status fetches the daemon's self-report.
func (c *Client) Status() (*StatusResponse, error) {
	var out StatusResponse
	if err := c.do(http.MethodGet, "/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("daemon unreachable: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}
	var e ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&e); err == nil && e.Error != "" {
		return fmt.Errorf("daemon: %s", e.Error)
	}
	return fmt.Errorf("daemon: %s", resp.Status)
}
