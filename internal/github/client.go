// Package github reads files from GitHub repositories.
package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://api.github.com"
	DefaultTimeout = 10 * time.Second

	maxFileBytes = 5 << 20
)

var (
	// ErrNotFound means the repository, ref, or path does not exist.
	ErrNotFound = errors.New("github: not found")
	// ErrAuth means the token was rejected.
	ErrAuth        = errors.New("github: authentication failed")
	ErrInvalidRepo = errors.New("github: invalid repository")
)

// APIError is a non-2xx response other than 404.
type APIError struct {
	StatusCode int
	Message    string
	URL        string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("github api error %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("github api error %d", e.StatusCode)
}

func (e *APIError) Unwrap() error {
	if e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden {
		return ErrAuth
	}
	return nil
}

// Client fetches raw file contents through the REST contents API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

type Option func(*Client)

func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimSuffix(u, "/") }
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient = &http.Client{Timeout: d}
		}
	}
}

func NewClient(opts ...Option) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FileRef addresses one file at one ref.
type FileRef struct {
	Repo  string // owner/name
	Ref   string
	Path  string
	Token string
}

// GetFile returns raw file bytes. A missing repo, ref, or path yields ErrNotFound.
func (c *Client) GetFile(ctx context.Context, ref FileRef) ([]byte, error) {
	owner, name, err := SplitRepo(ref.Repo)
	if err != nil {
		return nil, err
	}
	p := strings.TrimPrefix(ref.Path, "/")
	if p == "" {
		return nil, fmt.Errorf("github: path required")
	}
	endpoint := fmt.Sprintf("%s/repos/%s/%s/contents/%s", c.baseURL, url.PathEscape(owner), url.PathEscape(name), escapePath(p))
	if ref.Ref != "" {
		endpoint += "?ref=" + url.QueryEscape(ref.Ref)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("github: create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github.raw")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if ref.Token != "" {
		req.Header.Set("Authorization", "Bearer "+ref.Token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("github: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s@%s:%s", ErrNotFound, ref.Repo, ref.Ref, p)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, apiError(resp)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFileBytes))
	if err != nil {
		return nil, fmt.Errorf("github: read body: %w", err)
	}
	return data, nil
}

func apiError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var payload struct {
		Message string `json:"message"`
	}
	msg := strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &payload); err == nil && payload.Message != "" {
		msg = payload.Message
	}
	return &APIError{StatusCode: resp.StatusCode, Message: msg, URL: resp.Request.URL.String()}
}

func escapePath(p string) string {
	parts := strings.Split(p, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}

// SplitRepo accepts "owner/name", "github.com/owner/name", or an https/git URL.
func SplitRepo(repo string) (string, string, error) {
	r := strings.TrimSpace(repo)
	r = strings.TrimSuffix(r, ".git")
	r = strings.TrimSuffix(r, "/")
	for _, p := range []string{"https://", "http://", "git@github.com:", "github.com/"} {
		r = strings.TrimPrefix(r, p)
	}
	r = strings.TrimPrefix(r, "github.com/")
	parts := strings.Split(r, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidRepo, repo)
	}
	return parts[0], parts[1], nil
}

// CloneURL returns the https clone URL for a repo.
func CloneURL(repo string) (string, error) {
	owner, name, err := SplitRepo(repo)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("https://github.com/%s/%s.git", owner, name), nil
}
