package board

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const maxResponseBytes = 8 << 20

// RetryConfig configures exponential backoff for transient board failures.
type RetryConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
	Multiplier      float64
}

// DefaultRetryConfig keeps retries short: a request that cannot get through
// within this window is abandoned and the loop picks it up on the next poll.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		MaxElapsedTime:  30 * time.Second,
		Multiplier:      2.0,
	}
}

// Config configures a board client.
type Config struct {
	BaseURL    string
	Token      string
	Workspace  string
	HTTPClient *http.Client
	Retry      RetryConfig
	Logger     *slog.Logger
}

// Client is a typed HTTP client for the task board API. All mutating calls
// are scoped to the configured workspace; transient failures are retried
// with exponential backoff before being surfaced.
type Client struct {
	baseURL   string
	token     string
	workspace string
	http      *http.Client
	retry     RetryConfig
	log       *slog.Logger
}

// New validates the configuration and returns a client.
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("board base URL is required")
	}
	if strings.TrimSpace(cfg.Workspace) == "" {
		return nil, errors.New("workspace id is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	retry := cfg.Retry
	if retry.InitialInterval == 0 {
		retry = DefaultRetryConfig()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:   base,
		token:     strings.TrimSpace(cfg.Token),
		workspace: strings.TrimSpace(cfg.Workspace),
		http:      httpClient,
		retry:     retry,
		log:       logger.With("component", "board"),
	}, nil
}

// FetchNext returns the highest-priority unassigned task matching the filter,
// or nil when the board has nothing to offer. Ordering (priority, column
// position, creation time) is the server's contract; the client does not
// re-sort.
func (c *Client) FetchNext(ctx context.Context, filter Filter) (*Task, error) {
	q := url.Values{}
	q.Set("workspace", c.workspace)
	q.Set("limit", "1")
	q.Set("unassigned", "true")
	if filter.Status != "" {
		q.Set("status", string(filter.Status))
	}
	if filter.TaskListID != "" {
		q.Set("task_list_id", filter.TaskListID)
	}

	var tasks []Task
	if err := c.do(ctx, http.MethodGet, "/api/tasks?"+q.Encode(), nil, &tasks); err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, nil
	}
	return &tasks[0], nil
}

// Claim atomically assigns the task to worker. The board performs the
// compare-and-set on assigned_to; a lost race comes back as ErrClaimConflict.
func (c *Client) Claim(ctx context.Context, taskID, worker string) (*Task, error) {
	body := struct {
		Worker string `json:"worker"`
	}{Worker: worker}

	var task Task
	err := c.do(ctx, http.MethodPost, "/api/tasks/"+url.PathEscape(taskID)+"/claim", body, &task)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict {
			return nil, fmt.Errorf("claim %s: %w", taskID, ErrClaimConflict)
		}
		return nil, err
	}
	return &task, nil
}

// UpdateStatus sends a partial update. Timestamp stamping (started_at,
// completed_at) happens server-side and is idempotent.
func (c *Client) UpdateStatus(ctx context.Context, taskID string, patch TaskPatch) (*Task, error) {
	var task Task
	if err := c.do(ctx, http.MethodPatch, "/api/tasks/"+url.PathEscape(taskID), patch, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// AddComment attaches a progress or error note to the task.
func (c *Client) AddComment(ctx context.Context, taskID string, comment Comment) error {
	return c.do(ctx, http.MethodPost, "/api/tasks/"+url.PathEscape(taskID)+"/comments", comment, nil)
}

// AddEvent records a structured lifecycle event on the task.
func (c *Client) AddEvent(ctx context.Context, taskID string, event Event) error {
	return c.do(ctx, http.MethodPost, "/api/tasks/"+url.PathEscape(taskID)+"/events", event, nil)
}

// CreateTask files follow-up work on the board.
func (c *Client) CreateTask(ctx context.Context, req CreateTaskRequest) (*Task, error) {
	var task Task
	if err := c.do(ctx, http.MethodPost, "/api/tasks", req, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// ListDependencies returns the task's blocked-by edges.
func (c *Client) ListDependencies(ctx context.Context, taskID string) ([]Dependency, error) {
	var deps []Dependency
	if err := c.do(ctx, http.MethodGet, "/api/tasks/"+url.PathEscape(taskID)+"/dependencies", nil, &deps); err != nil {
		return nil, err
	}
	return deps, nil
}

// AddDependency inserts a blocked-by edge. The board validates acyclicity
// before committing; a rejected edge surfaces as ErrDependencyCycle.
func (c *Client) AddDependency(ctx context.Context, taskID, dependsOnID string) error {
	body := Dependency{TaskID: taskID, DependsOnID: dependsOnID}
	err := c.do(ctx, http.MethodPost, "/api/tasks/"+url.PathEscape(taskID)+"/dependencies", body, nil)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusUnprocessableEntity {
			return fmt.Errorf("dependency %s -> %s: %w", taskID, dependsOnID, ErrDependencyCycle)
		}
		return err
	}
	return nil
}

// Heartbeat reports worker liveness and echoes the board's view of the
// worker, including the suggested next-beat interval.
func (c *Client) Heartbeat(ctx context.Context, req HeartbeatRequest) (*HeartbeatAck, error) {
	var ack HeartbeatAck
	if err := c.do(ctx, http.MethodPost, "/api/workers/heartbeat", req, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

// do performs one API call with backoff retry on transient failures.
// Definitive answers (2xx, 4xx) are never retried.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		err := c.doOnce(ctx, method, path, body, out)
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return backoff.Permanent(err)
		}
		c.log.Warn("transient board failure, will retry", "method", method, "path", path, "err", err)
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.retry.InitialInterval
	policy.MaxInterval = c.retry.MaxInterval
	policy.MaxElapsedTime = c.retry.MaxElapsedTime
	policy.Multiplier = c.retry.Multiplier

	return backoff.Retry(operation, backoff.WithContext(policy, ctx))
}

func (c *Client) doOnce(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read %s %s response: %w", method, path, err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		apiErr := &APIError{Op: method + " " + path, Status: resp.StatusCode, Message: errorMessage(data)}
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%s: %w", apiErr.Error(), ErrNotFound)
		}
		return apiErr
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

// errorMessage pulls a human-readable message out of an error body, falling
// back to the raw text when the body is not the usual {"error": "..."} shape.
func errorMessage(data []byte) string {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &payload); err == nil {
		if payload.Error != "" {
			return payload.Error
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	text := strings.TrimSpace(string(data))
	if len(text) > 200 {
		text = text[:200]
	}
	return text
}
