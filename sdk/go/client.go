package spriteboardsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"spriteboard/internal/signature"
)

// Client is a minimal Spriteboard HTTP client. It speaks the management API
// with a bearer token and can deliver signed sandbox callbacks.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// Manifest represents the API manifest model (partial).
type Manifest struct {
	ID           string `json:"id"`
	ProjectID    string `json:"project_id"`
	Name         string `json:"name"`
	PRDName      string `json:"prd_name,omitempty"`
	Status       string `json:"status"`
	SpriteName   string `json:"sprite_name,omitempty"`
	SpriteURL    string `json:"sprite_url,omitempty"`
	Branch       string `json:"branch,omitempty"`
	PRURL        string `json:"pr_url,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	Progress     *struct {
		Total   int `json:"total"`
		Passing int `json:"passing"`
	} `json:"progress,omitempty"`
}

// Task represents the API task model (partial).
type Task struct {
	ID             string `json:"id"`
	ProjectID      string `json:"project_id"`
	Title          string `json:"title"`
	BoardStatus    string `json:"board_status"`
	ExecutionState string `json:"execution_state"`
	BranchName     string `json:"branch_name,omitempty"`
	PRURL          string `json:"pr_url,omitempty"`
	ErrorMessage   string `json:"error_message,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateManifest opens a manifest on a project.
func (c *Client) CreateManifest(ctx context.Context, projectID, name, prdName string) (Manifest, error) {
	body := map[string]any{"name": name}
	if prdName != "" {
		body["prd_name"] = prdName
	}
	var resp Manifest
	err := c.do(ctx, http.MethodPost, c.apiPath("projects", projectID, "manifests"), body, &resp)
	return resp, err
}

func (c *Client) GetManifest(ctx context.Context, id string) (Manifest, error) {
	var resp Manifest
	err := c.do(ctx, http.MethodGet, c.apiPath("manifests", id), nil, &resp)
	return resp, err
}

// StartManifest runs the task loop with an optional model override.
func (c *Client) StartManifest(ctx context.Context, id, model string) (Manifest, error) {
	var resp Manifest
	err := c.do(ctx, http.MethodPost, c.apiPath("manifests", id, "start"), map[string]any{"model": model}, &resp)
	return resp, err
}

func (c *Client) StopManifest(ctx context.Context, id string) (Manifest, error) {
	var resp Manifest
	err := c.do(ctx, http.MethodPost, c.apiPath("manifests", id, "stop"), nil, &resp)
	return resp, err
}

func (c *Client) DeleteManifest(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, c.apiPath("manifests", id), nil, nil)
}

// CreateTask adds a task to the project board.
func (c *Client) CreateTask(ctx context.Context, projectID, title, description string) (Task, error) {
	body := map[string]any{"title": title, "description": description}
	var resp Task
	err := c.do(ctx, http.MethodPost, c.apiPath("projects", projectID, "tasks"), body, &resp)
	return resp, err
}

// MoveTask changes a task's column; "ritual" starts an agent.
func (c *Client) MoveTask(ctx context.Context, id, boardStatus string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, c.apiPath("tasks", id, "move"), map[string]any{"board_status": boardStatus}, &resp)
	return resp, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, projectID string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := c.apiPath("projects", projectID, "events")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// SendManifestCallback posts a raw callback body for a manifest, signed with its secret.
func (c *Client) SendManifestCallback(ctx context.Context, manifestID, secret string, body []byte) error {
	return c.sendCallback(ctx, "webhooks/manifest/"+url.PathEscape(manifestID), secret, body)
}

// SendInvocationCallback posts a raw callback body for a task's latest session.
func (c *Client) SendInvocationCallback(ctx context.Context, taskID, secret string, body []byte) error {
	return c.sendCallback(ctx, "webhooks/sprite/"+url.PathEscape(taskID), secret, body)
}

func (c *Client) sendCallback(ctx context.Context, endpoint, secret string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base()+"/"+endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(signature.Header, signature.Sign(secret, body))
	return c.send(req, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base()+"/"+strings.TrimLeft(endpoint, "/"), &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) apiPath(parts ...string) string {
	escaped := make([]string, 0, len(parts)+1)
	if bp := strings.Trim(c.BasePath, "/"); bp != "" {
		escaped = append(escaped, bp)
	}
	for _, p := range parts {
		escaped = append(escaped, url.PathEscape(p))
	}
	return strings.Join(escaped, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
