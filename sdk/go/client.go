package fieldlinesdk

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
)

// Client is a minimal Fieldline HTTP API client.
type Client struct {
	BaseURL    string
	ProjectID  string
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// ActivitySelection mirrors the API selection tuple.
type ActivitySelection struct {
	System      string `json:"system"`
	Category    string `json:"category"`
	Subcategory string `json:"subcategory"`
	Activity    string `json:"activity"`
}

// Project represents the API project model (partial).
type Project struct {
	ID         string              `json:"id"`
	Name       string              `json:"name"`
	Customer   string              `json:"customer"`
	Status     string              `json:"status"`
	Systems    []string            `json:"systems"`
	Activities []ActivitySelection `json:"activities"`
}

// Task represents the API task model (partial).
type Task struct {
	ID        string   `json:"id"`
	ProjectID string   `json:"project_id"`
	Title     string   `json:"title"`
	Status    string   `json:"status"`
	Priority  string   `json:"priority"`
	Assignees []string `json:"assignees"`
	Linked    *struct {
		System      string `json:"system"`
		Category    string `json:"category"`
		Subcategory string `json:"subcategory"`
	} `json:"linked_activity,omitempty"`
}

// GenerateResult reports one project's task reconciliation.
type GenerateResult struct {
	ProjectID string `json:"project_id"`
	Groups    int    `json:"groups"`
	Created   int    `json:"created"`
	Pruned    int    `json:"pruned"`
}

// SyncResult aggregates a fleet-wide reconciliation.
type SyncResult struct {
	ProcessedProjects int `json:"processed_projects"`
	TasksCreated      int `json:"tasks_created"`
	TasksPruned       int `json:"tasks_pruned"`
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

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedTasks wraps task list responses with cursors.
type PaginatedTasks struct {
	Items      []Task `json:"items"`
	NextCursor string `json:"next_cursor"`
}

// PaginatedEvents wraps event list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// GetProject fetches the client's project.
func (c *Client) GetProject(ctx context.Context) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodGet, c.projectPath(""), nil, &resp)
	return resp, err
}

// ToggleActivity checks or unchecks one activity selection.
func (c *Client) ToggleActivity(ctx context.Context, sel ActivitySelection, checked bool) (Project, error) {
	body := map[string]any{
		"system":      sel.System,
		"category":    sel.Category,
		"subcategory": sel.Subcategory,
		"activity":    sel.Activity,
		"checked":     checked,
	}
	var resp Project
	err := c.do(ctx, http.MethodPost, c.projectPath("activities/toggle"), body, &resp)
	return resp, err
}

// SelectAll replaces a (system, category, subcategory) scope with the given
// activity names.
func (c *Client) SelectAll(ctx context.Context, system, category, subcategory string, activities []string) (Project, error) {
	body := map[string]any{
		"system":      system,
		"category":    category,
		"subcategory": subcategory,
		"activities":  activities,
	}
	var resp Project
	err := c.do(ctx, http.MethodPost, c.projectPath("activities/select-all"), body, &resp)
	return resp, err
}

// UnselectAll clears a scope.
func (c *Client) UnselectAll(ctx context.Context, system, category, subcategory string) (Project, error) {
	body := map[string]any{
		"system":      system,
		"category":    category,
		"subcategory": subcategory,
	}
	var resp Project
	err := c.do(ctx, http.MethodPost, c.projectPath("activities/unselect-all"), body, &resp)
	return resp, err
}

// GenerateTasks reconciles the project's generated tasks with its selections.
func (c *Client) GenerateTasks(ctx context.Context) (GenerateResult, error) {
	var resp GenerateResult
	err := c.do(ctx, http.MethodPost, c.projectPath("tasks/generate"), nil, &resp)
	return resp, err
}

// Sync reconciles every project on the server.
func (c *Client) Sync(ctx context.Context) (SyncResult, error) {
	var resp SyncResult
	err := c.do(ctx, http.MethodPost, "v0/sync", nil, &resp)
	return resp, err
}

// CreateTask creates a manual task.
func (c *Client) CreateTask(ctx context.Context, title string) (Task, error) {
	body := map[string]any{"title": title}
	var resp Task
	err := c.do(ctx, http.MethodPost, c.projectPath("tasks"), body, &resp)
	return resp, err
}

// Tasks returns the first page of tasks.
func (c *Client) Tasks(ctx context.Context, limit int) ([]Task, error) {
	page, err := c.TasksPage(ctx, limit, "")
	return page.Items, err
}

// TasksPage returns a paginated task listing.
func (c *Client) TasksPage(ctx context.Context, limit int, cursor string) (PaginatedTasks, error) {
	endpoint := c.projectPath("tasks")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedTasks
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := c.projectPath("events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// AllEvents returns recent events across every project on the server.
func (c *Client) AllEvents(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.ActorID != "" {
		req.Header.Set("X-Actor-Id", c.ActorID)
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

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	if p == "" {
		return fmt.Sprintf("v0/projects/%s", project)
	}
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
