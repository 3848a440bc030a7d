// Package summary produces one-line session summaries by sending
// transcript excerpts to the Anthropic messages API in the background.
package summary

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"
)

const (
	defaultBaseURL   = "https://api.anthropic.com"
	defaultModel     = "claude-3-5-haiku-latest"
	apiVersion       = "2023-06-01"
	maxMessageChars  = 200
	minMessageChars  = 10
	shortSessionSize = 5
)

// Result carries one summarization outcome. Goal is non-empty only when
// a goal was newly extracted and should be cached for later calls.
type Result struct {
	Goal    string
	Summary string
}

// Summarizer calls the messages API over HTTP. The zero value is not
// usable; construct with New.
type Summarizer struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

// Option adjusts a Summarizer at construction time.
type Option func(*Summarizer)

// WithBaseURL points the summarizer at an alternate API endpoint.
func WithBaseURL(url string) Option {
	return func(s *Summarizer) { s.baseURL = strings.TrimSuffix(url, "/") }
}

// WithModel overrides the default model.
func WithModel(model string) Option {
	return func(s *Summarizer) {
		if model != "" {
			s.model = model
		}
	}
}

// New builds a summarizer. apiKey may be empty, in which case Summarize
// returns an error immediately; callers gate on Enabled config instead.
func New(apiKey string, opts ...Option) *Summarizer {
	s := &Summarizer{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Summarize reads the transcript and produces a short summary. When
// cachedGoal is non-empty only the current activity is requested, and
// the two are joined as "goal: activity". Otherwise, for sessions with
// enough history, the goal is extracted as part of the summary and
// returned for caching.
func (s *Summarizer) Summarize(ctx context.Context, transcriptPath, cachedGoal string) (*Result, error) {
	if s.apiKey == "" {
		return nil, fmt.Errorf("summarize: no API key configured")
	}

	messages, err := extractMessages(transcriptPath)
	if err != nil {
		return nil, fmt.Errorf("summarize: %w", err)
	}
	if len(messages) == 0 {
		return nil, fmt.Errorf("summarize: transcript %s has no usable messages", transcriptPath)
	}

	// Short sessions get a plain summary with no goal caching.
	if len(messages) < shortSessionSize {
		prompt := fmt.Sprintf(
			"What is this conversation about? Reply with ONLY a short phrase (3-8 words).\n\n%s",
			strings.Join(messages, "\n"))
		summary, err := s.callAPI(ctx, prompt, 30)
		if err != nil {
			return nil, err
		}
		return &Result{Summary: summary}, nil
	}

	if cachedGoal != "" {
		last := tail(messages, 5)
		prompt := fmt.Sprintf(
			"Conversation excerpt:\n---\n%s\n---\n\n"+
				"The overall task is %q. Based on the last Assistant message, what is the current activity?\n"+
				"Reply with ONLY a brief phrase (3-8 words).",
			strings.Join(last, "\n"), cachedGoal)
		status, err := s.callAPI(ctx, prompt, 40)
		if err != nil {
			return nil, err
		}
		return &Result{Summary: cachedGoal + ": " + status}, nil
	}

	// First summary for a long session: extract goal and activity in one
	// call, then cache everything before the first colon as the goal.
	var excerpt string
	if len(messages) <= 15 {
		excerpt = strings.Join(messages, "\n")
	} else {
		excerpt = strings.Join(messages[:5], "\n") + "\n...\n" + strings.Join(tail(messages, 10), "\n")
	}
	prompt := fmt.Sprintf(
		"Conversation excerpt:\n---\n%s\n---\n\n"+
			"Summarize as: Goal: current activity\n"+
			"- Goal = overall task (2-4 words)\n"+
			"- Current activity = from the LAST assistant message\n"+
			"Example: Auth system: Running login tests\n"+
			"Reply with ONLY that one line.",
		excerpt)
	summary, err := s.callAPI(ctx, prompt, 60)
	if err != nil {
		return nil, err
	}

	// No colon means the model ignored the format; cache the whole line
	// as the goal so we do not re-extract on every trigger.
	goal := summary
	if i := strings.Index(summary, ":"); i >= 0 {
		goal = strings.TrimSpace(summary[:i])
	}
	return &Result{Goal: goal, Summary: summary}, nil
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type apiRequest struct {
	Model     string       `json:"model"`
	MaxTokens int          `json:"max_tokens"`
	Messages  []apiMessage `json:"messages"`
}

type apiResponse struct {
	Content []struct {
		Text string `json:"text"`
	} `json:"content"`
}

func (s *Summarizer) callAPI(ctx context.Context, prompt string, maxTokens int) (string, error) {
	body, err := json.Marshal(apiRequest{
		Model:     s.model,
		MaxTokens: maxTokens,
		Messages:  []apiMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", fmt.Errorf("summarize: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	req.Header.Set("x-api-key", s.apiKey)
	req.Header.Set("anthropic-version", apiVersion)
	req.Header.Set("content-type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("summarize: call API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("summarize: API returned %s", resp.Status)
	}

	var parsed apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("summarize: decode response: %w", err)
	}
	if len(parsed.Content) == 0 {
		return "", fmt.Errorf("summarize: API returned empty content")
	}
	return strings.TrimSpace(parsed.Content[0].Text), nil
}

// extractMessages condenses a JSONL transcript into short labeled lines.
// User and assistant text is truncated; very short lines (bare
// confirmations) are dropped; tool invocations become "Tool: <name>".
func extractMessages(transcriptPath string) ([]string, error) {
	f, err := os.Open(transcriptPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var messages []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var entry struct {
			Type    string `json:"type"`
			Message struct {
				Content json.RawMessage `json:"content"`
			} `json:"message"`
		}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}

		switch entry.Type {
		case "user":
			var text string
			if err := json.Unmarshal(entry.Message.Content, &text); err == nil {
				if t := truncate(text); t != "" {
					messages = append(messages, "User: "+t)
				}
			}
		case "assistant":
			var blocks []struct {
				Type string `json:"type"`
				Text string `json:"text"`
				Name string `json:"name"`
			}
			if err := json.Unmarshal(entry.Message.Content, &blocks); err == nil {
				for i, block := range blocks {
					if i >= 3 {
						break
					}
					switch block.Type {
					case "text":
						if t := truncate(block.Text); t != "" {
							messages = append(messages, "Assistant: "+t)
						}
					case "tool_use":
						name := block.Name
						if name == "" {
							name = "unknown"
						}
						messages = append(messages, "Tool: "+name)
					}
				}
				continue
			}
			var text string
			if err := json.Unmarshal(entry.Message.Content, &text); err == nil {
				if t := truncate(text); t != "" {
					messages = append(messages, "Assistant: "+t)
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return messages, nil
}

// truncate caps text at maxMessageChars runes and discards lines shorter
// than minMessageChars.
func truncate(text string) string {
	runes := []rune(text)
	if len(runes) > maxMessageChars {
		runes = runes[:maxMessageChars]
	}
	if len(runes) < minMessageChars {
		return ""
	}
	return string(runes)
}

func tail(messages []string, n int) []string {
	if len(messages) <= n {
		return messages
	}
	return messages[len(messages)-n:]
}
