// Package taskflow is a Go client for the taskflowd administrative API.
package taskflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the taskflowd REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// TaskSubmission represents the payload required to create a new task.
type TaskSubmission struct {
	// ID is optional; the server generates one when empty.
	ID       string `json:"id,omitempty"`
	Type     string `json:"type"`
	SubType  string `json:"sub_type,omitempty"`
	Data     []byte `json:"data,omitempty"`
	Priority int    `json:"priority,omitempty"`
	// RunAfterTime schedules the task; it stays WAITING until then.
	RunAfterTime *time.Time `json:"run_after_time,omitempty"`
}

// SubmitResult is returned by SubmitTask.
type SubmitResult struct {
	ID     string `json:"id"`
	Result string `json:"result"`
}

// AlreadyExists reports whether a task with the same id was already stored.
func (r SubmitResult) AlreadyExists() bool {
	return r.Result == "ALREADY_EXISTS"
}

// Task is the stored task record.
type Task struct {
	ID                   string     `json:"id"`
	Version              int64      `json:"version"`
	Type                 string     `json:"type"`
	SubType              string     `json:"sub_type,omitempty"`
	Status               string     `json:"status"`
	Priority             int        `json:"priority"`
	Data                 []byte     `json:"data,omitempty"`
	NextEventTime        time.Time  `json:"next_event_time"`
	StateTime            time.Time  `json:"state_time"`
	ProcessingClientID   string     `json:"processing_client_id,omitempty"`
	ProcessingStartTime  *time.Time `json:"processing_start_time,omitempty"`
	ProcessingTriesCount int64      `json:"processing_tries_count"`
	TimeCreated          time.Time  `json:"time_created"`
	TimeUpdated          time.Time  `json:"time_updated"`
}

// TaskQuery filters ListTasks. Empty fields match everything.
type TaskQuery struct {
	Type     string
	SubType  string
	Statuses []string
}

// ResumerState describes the resumer on the node serving the request.
type ResumerState struct {
	NodePath string `json:"node_path"`
	Leader   bool   `json:"leader"`
	Paused   bool   `json:"paused"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Message    string `json:"error"`
	// Code is the server side error code, empty for transport level failures.
	Code string `json:"code,omitempty"`
	// Retryable reports whether the server expects the call to succeed later.
	Retryable bool              `json:"retryable,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("taskflow api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the taskflowd API. When httpClient is
// nil, a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SubmitTask creates a new task. A duplicate id is not an error; check
// SubmitResult.AlreadyExists.
func (c *Client) SubmitTask(ctx context.Context, submission TaskSubmission) (SubmitResult, error) {
	var result SubmitResult
	err := c.send(ctx, http.MethodPost, "/api/v1/tasks/", nil, submission, &result)
	if apiErr, ok := err.(*APIError); ok && apiErr.StatusCode == http.StatusConflict {
		return result, nil
	}
	if err != nil {
		return SubmitResult{}, err
	}
	return result, nil
}

// GetTask fetches a task by identifier.
func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	var t Task
	if err := c.send(ctx, http.MethodGet, "/api/v1/tasks/"+url.PathEscape(taskID), nil, nil, &t); err != nil {
		return Task{}, err
	}
	return t, nil
}

// ListTasks returns the tasks matching q.
func (c *Client) ListTasks(ctx context.Context, q TaskQuery) ([]Task, error) {
	values := url.Values{}
	if q.Type != "" {
		values.Set("type", q.Type)
	}
	if q.SubType != "" {
		values.Set("sub_type", q.SubType)
	}
	if len(q.Statuses) > 0 {
		values.Set("status", strings.Join(q.Statuses, ","))
	}
	var tasks []Task
	if err := c.send(ctx, http.MethodGet, "/api/v1/tasks/", values, nil, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// ResumerState returns the leadership and pause state of the serving node.
func (c *Client) ResumerState(ctx context.Context) (ResumerState, error) {
	var state ResumerState
	err := c.send(ctx, http.MethodGet, "/api/v1/resumer/", nil, nil, &state)
	return state, err
}

// PauseResumer stops promotion of due WAITING tasks on the serving node.
func (c *Client) PauseResumer(ctx context.Context) (ResumerState, error) {
	var state ResumerState
	err := c.send(ctx, http.MethodPost, "/api/v1/resumer/pause", nil, nil, &state)
	return state, err
}

// ResumeResumer re-enables promotion of due WAITING tasks.
func (c *Client) ResumeResumer(ctx context.Context) (ResumerState, error) {
	var state ResumerState
	err := c.send(ctx, http.MethodPost, "/api/v1/resumer/resume", nil, nil, &state)
	return state, err
}

func (c *Client) send(ctx context.Context, method, endpoint string, query url.Values, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	if strings.HasSuffix(endpoint, "/") {
		rel.Path += "/"
	}
	u := c.baseURL.ResolveReference(rel)
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		// 409 carries a regular body for duplicate submissions.
		if resp.StatusCode == http.StatusConflict && out != nil {
			_ = json.Unmarshal(data, out)
		}
		return apiErr
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
