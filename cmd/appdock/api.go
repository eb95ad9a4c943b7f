// Package main provides the appdock CLI, which talks to appdockd over
// its Unix control socket using HTTP. List and show calls are plain
// JSON; task runs stream NDJSON lines until the run finishes.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const defaultSocketPath = "/run/appdock/appdockd.sock"

const maxJSONOutputBytes = 4 << 20

// apiClient is an HTTP client for communicating with appdockd over a
// Unix socket.
type apiClient struct {
	socketPath string
	httpClient *http.Client
	timeout    time.Duration
}

type apiErrorResponse struct {
	Error string `json:"error"`
}

// applicationSummary mirrors one entry of GET /v1/applications.
type applicationSummary struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Extends     string `json:"extends,omitempty"`
}

type applicationsResponse struct {
	Applications []applicationSummary `json:"applications"`
}

// applicationDetail mirrors GET /v1/applications/{id}.
type applicationDetail struct {
	Application json.RawMessage     `json:"application"`
	Hierarchy   []string            `json:"hierarchy"`
	Tasks       map[string][]string `json:"tasks"`
	IconType    string              `json:"iconType,omitempty"`
	HasIcon     bool                `json:"hasIcon"`
	Details     []string            `json:"details,omitempty"`
}

// parameterInfo mirrors one parameter of the parameters response.
type parameterInfo struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	Type    string `json:"type,omitempty"`
	Default any    `json:"default,omitempty"`
	Secure  bool   `json:"secure,omitempty"`
}

type parametersResponse struct {
	Parameters []parameterInfo `json:"parameters"`
	Resolved   []string        `json:"resolved,omitempty"`
	Unresolved []string        `json:"unresolved,omitempty"`
	Details    []string        `json:"details,omitempty"`
}

// runRequest is the body of POST /v1/tasks and /v1/tasks/resume.
type runRequest struct {
	Application string         `json:"application"`
	Task        string         `json:"task,omitempty"`
	Hostname    string         `json:"hostname,omitempty"`
	Inputs      map[string]any `json:"inputs,omitempty"`
}

// runMessage is one streamed engine message.
type runMessage struct {
	Index   int    `json:"index"`
	Command string `json:"command"`
	Target  string `json:"target,omitempty"`
	Level   string `json:"level"`
	Text    string `json:"text"`
	Stderr  string `json:"stderr,omitempty"`
	Fatal   bool   `json:"fatal,omitempty"`
}

// runResult is the terminal line of a streamed run.
type runResult struct {
	Unresolved []string        `json:"unresolved,omitempty"`
	Details    []string        `json:"details,omitempty"`
	Outputs    map[string]any  `json:"outputs,omitempty"`
	Restart    json.RawMessage `json:"restart,omitempty"`
}

// streamLine is one NDJSON line of a run response.
type streamLine struct {
	Message *runMessage `json:"message,omitempty"`
	Result  *runResult  `json:"result,omitempty"`
	Error   string      `json:"error,omitempty"`
}

type statusResponse struct {
	Status       string `json:"status"`
	Applications int    `json:"applications"`
}

func newAPIClient(socketPath string, timeout time.Duration) *apiClient {
	path := socketPath
	if path == "" {
		path = defaultSocketPath
	}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", path)
		},
	}
	return &apiClient{
		socketPath: path,
		httpClient: &http.Client{Transport: transport},
		timeout:    timeout,
	}
}

// doJSON sends a request and decodes the JSON response into dest.
func (c *apiClient) doJSON(ctx context.Context, method, path string, payload, dest any) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var body io.Reader
	if payload != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(payload); err != nil {
			return err
		}
		body = buf
	}
	req, err := http.NewRequestWithContext(ctx, method, "http://unix"+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s via %s: %w", method, path, c.socketPath, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxJSONOutputBytes))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return parseAPIError(resp.StatusCode, data)
	}
	if dest == nil {
		return nil
	}
	return json.Unmarshal(data, dest)
}

// stream posts a run request and feeds each NDJSON line to onLine
// until the stream ends. Task runs are not bounded by the request
// timeout; cancellation comes from ctx.
func (c *apiClient) stream(ctx context.Context, path string, payload any, onLine func(streamLine) error) error {
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(payload); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://unix"+path, buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request POST %s via %s: %w", path, c.socketPath, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxJSONOutputBytes))
		return parseAPIError(resp.StatusCode, data)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxJSONOutputBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var parsed streamLine
		if err := json.Unmarshal([]byte(line), &parsed); err != nil {
			return fmt.Errorf("decode stream line: %w", err)
		}
		if err := onLine(parsed); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func (c *apiClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

func parseAPIError(status int, data []byte) error {
	var parsed apiErrorResponse
	if err := json.Unmarshal(data, &parsed); err == nil && parsed.Error != "" {
		return fmt.Errorf("appdockd: %s", parsed.Error)
	}
	return fmt.Errorf("request failed with status %d", status)
}
