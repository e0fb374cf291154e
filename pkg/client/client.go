// Package client provides a Go SDK for the fleet orchestrator HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/hania222/warehouse-fleet/pkg/models"
)

// Client calls the fleet orchestrator HTTP API. It is safe for concurrent use.
type Client struct {
	BaseURL    string       // e.g. "http://localhost:5000"
	APIKey     string       // optional; set for X-API-Key / api_key
	HTTPClient *http.Client // optional; nil uses http.DefaultClient
}

// New returns a client for the given base URL (e.g. "http://localhost:5000").
// APIKey is optional; when set, requests use X-API-Key header and optionally api_key query.
func New(baseURL, apiKey string) *Client {
	return &Client{BaseURL: baseURL, APIKey: apiKey}
}

func (c *Client) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(b)
	}
	u := c.BaseURL + path
	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("X-API-Key", c.APIKey)
	}
	return c.client().Do(req)
}

// APIError is returned for non-2xx responses.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api %s %s: %s", e.Method, e.Path, e.Message)
	}
	return fmt.Sprintf("api %s %s: status %d", e.Method, e.Path, e.StatusCode)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errBody struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		return &APIError{Method: method, Path: path, StatusCode: resp.StatusCode, Message: errBody.Error}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Health returns the /health response.
func (c *Client) Health(ctx context.Context) (*models.Health, error) {
	var out models.Health
	err := c.doJSON(ctx, http.MethodGet, "/health", nil, &out)
	return &out, err
}

// Dashboard returns task counts and the fleet.
func (c *Client) Dashboard(ctx context.Context) (*models.Dashboard, error) {
	var out models.Dashboard
	err := c.doJSON(ctx, http.MethodGet, "/dashboard", nil, &out)
	return &out, err
}

// ListTasks returns tasks newest first. limit <= 0 uses the server default.
func (c *Client) ListTasks(ctx context.Context, limit int) ([]models.Task, error) {
	path := "/tasks"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []models.Task
	err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// CreateTask creates a pending task and returns it.
func (c *Client) CreateTask(ctx context.Context, req models.CreateTask) (*models.Task, error) {
	var out models.Task
	err := c.doJSON(ctx, http.MethodPost, "/tasks", req, &out)
	return &out, err
}

// GetTask returns a task by id.
func (c *Client) GetTask(ctx context.Context, taskID int64) (*models.Task, error) {
	var out models.Task
	err := c.doJSON(ctx, http.MethodGet, "/tasks/"+strconv.FormatInt(taskID, 10), nil, &out)
	return &out, err
}

// FailTask abandons a task and frees its robot.
func (c *Client) FailTask(ctx context.Context, taskID int64) (*models.Task, error) {
	var out models.Task
	err := c.doJSON(ctx, http.MethodPost, "/tasks/"+strconv.FormatInt(taskID, 10)+"/fail", nil, &out)
	return &out, err
}

// ListRobots returns every known robot.
func (c *Client) ListRobots(ctx context.Context) ([]models.Robot, error) {
	var out []models.Robot
	err := c.doJSON(ctx, http.MethodGet, "/robots", nil, &out)
	return out, err
}

// GetRobot returns one robot.
func (c *Client) GetRobot(ctx context.Context, robotID int64) (*models.Robot, error) {
	var out models.Robot
	err := c.doJSON(ctx, http.MethodGet, "/robots/"+strconv.FormatInt(robotID, 10), nil, &out)
	return &out, err
}

// ListLogs returns up to limit recent robot events, newest first.
func (c *Client) ListLogs(ctx context.Context, limit int) ([]models.LogEntry, error) {
	path := "/logs"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []models.LogEntry
	err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	return out, err
}
