package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"autocoder/pkg/persistence"
	"autocoder/pkg/trigger"
)

// Client talks to a running server. It implements Dispatcher, so callers can
// treat a remote server like the in-process service.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a Client for the server at baseURL.
func NewClient(baseURL, token string) *Client {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Trigger implements Dispatcher.
func (c *Client) Trigger(ctx context.Context, req trigger.Request) (trigger.Dispatch, error) {
	var out trigger.Dispatch
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/projects/%d/runs", req.ProjectID), req, &out)
	return out, err
}

// StopProject implements Dispatcher.
func (c *Client) StopProject(ctx context.Context, projectID int64) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/api/projects/%d/stop", projectID), nil, nil)
}

// StartProject implements Dispatcher.
func (c *Client) StartProject(ctx context.Context, projectID int64) (string, error) {
	var out struct {
		WorkflowID string `json:"workflow_id"`
	}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/projects/%d/start", projectID), nil, &out)
	return out.WorkflowID, err
}

// CancelRun implements Dispatcher.
func (c *Client) CancelRun(ctx context.Context, runID string) error {
	return c.do(ctx, http.MethodPost, "/api/runs/"+url.PathEscape(runID)+"/cancel", nil, nil)
}

// ListProjects lists every registered project.
func (c *Client) ListProjects(ctx context.Context) ([]*persistence.Project, error) {
	var projects []*persistence.Project
	err := c.do(ctx, http.MethodGet, "/api/projects", nil, &projects)
	return projects, err
}

// GetRun fetches one run.
func (c *Client) GetRun(ctx context.Context, runID string) (*persistence.Run, error) {
	var run persistence.Run
	if err := c.do(ctx, http.MethodGet, "/api/runs/"+url.PathEscape(runID), nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRuns lists a project's newest runs.
func (c *Client) ListRuns(ctx context.Context, projectID int64, limit int) ([]*persistence.Run, error) {
	path := fmt.Sprintf("/api/projects/%d/runs", projectID)
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var runs []*persistence.Run
	err := c.do(ctx, http.MethodGet, path, nil, &runs)
	return runs, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", trigger.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e errorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return statusError(resp.StatusCode, e.Error)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// statusError maps a status code back onto the trigger errors.
func statusError(status int, msg string) error {
	if msg == "" {
		msg = http.StatusText(status)
	}
	var sentinel error
	switch status {
	case http.StatusBadRequest:
		sentinel = trigger.ErrValidation
	case http.StatusNotFound:
		sentinel = trigger.ErrNotFound
	case http.StatusConflict:
		sentinel = trigger.ErrAlreadyRunning
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		sentinel = trigger.ErrUnavailable
	default:
		return fmt.Errorf("server returned %d: %s", status, msg)
	}
	// The server message already names the condition.
	return &remoteError{sentinel: sentinel, msg: msg}
}

type remoteError struct {
	sentinel error
	msg      string
}

func (e *remoteError) Error() string { return e.msg }
func (e *remoteError) Unwrap() error { return e.sentinel }
