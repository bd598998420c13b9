package scenelinesdk

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

// Client is a minimal Sceneline HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// Scene represents the API scene model (partial).
type Scene struct {
	ID            string `json:"id"`
	ProjectID     string `json:"project_id"`
	Title         string `json:"title"`
	Script        string `json:"script,omitempty"`
	NarrativeGoal string `json:"narrative_goal,omitempty"`
	EmotionalBeat string `json:"emotional_beat,omitempty"`
	Location      string `json:"location,omitempty"`
	TimeOfDay     string `json:"time_of_day,omitempty"`
	Status        string `json:"status"`
	Version       int64  `json:"version"`
}

// Proposal represents an agent's suggested scene change.
type Proposal struct {
	ID         string         `json:"id"`
	SceneID    string         `json:"scene_id"`
	Role       string         `json:"role"`
	Status     string         `json:"status"`
	Summary    string         `json:"summary"`
	Rationale  string         `json:"rationale,omitempty"`
	Diff       map[string]any `json:"diff"`
	TokensUsed int64          `json:"tokens_used"`
	CostUSD    float64        `json:"cost_usd"`
}

// Job represents a queued pipeline or render job.
type Job struct {
	ID        string `json:"id"`
	SceneID   string `json:"scene_id"`
	Kind      string `json:"kind"`
	State     string `json:"state"`
	Attempt   int    `json:"attempt"`
	LastError string `json:"last_error,omitempty"`
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

// Budget reports cap and spend for the project.
type Budget struct {
	ProjectID       string  `json:"project_id"`
	BudgetCapUSD    float64 `json:"budget_cap_usd"`
	CurrentSpendUSD float64 `json:"current_spend_usd"`
	RemainingUSD    float64 `json:"remaining_usd"`
	Unlimited       bool    `json:"unlimited"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateScene creates a draft scene.
func (c *Client) CreateScene(ctx context.Context, title string) (Scene, error) {
	body := map[string]any{
		"title": title,
	}
	var resp Scene
	err := c.do(ctx, http.MethodPost, c.projectPath("scenes"), body, &resp)
	return resp, err
}

// GetScene fetches a scene by id.
func (c *Client) GetScene(ctx context.Context, id string) (Scene, error) {
	var resp Scene
	endpoint := c.projectPath(fmt.Sprintf("scenes/%s", url.PathEscape(id)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ListScenes returns all scenes in the project.
func (c *Client) ListScenes(ctx context.Context) ([]Scene, error) {
	var resp struct {
		Items []Scene `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, c.projectPath("scenes"), nil, &resp)
	return resp.Items, err
}

// SetSceneStatus moves a scene to the given status.
func (c *Client) SetSceneStatus(ctx context.Context, id, status string) (Scene, error) {
	body := map[string]any{"status": status}
	var resp Scene
	endpoint := c.projectPath(fmt.Sprintf("scenes/%s/status", url.PathEscape(id)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// RunPipeline enqueues the agent pipeline for a scene.
func (c *Client) RunPipeline(ctx context.Context, sceneID string) (Job, error) {
	var resp Job
	endpoint := c.projectPath(fmt.Sprintf("scenes/%s/pipeline", url.PathEscape(sceneID)))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{}, &resp)
	return resp, err
}

// GetJob fetches a job by id.
func (c *Client) GetJob(ctx context.Context, id string) (Job, error) {
	var resp Job
	endpoint := c.apiPath(fmt.Sprintf("jobs/%s", url.PathEscape(id)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// WaitForJob polls a job until it reaches a terminal state or ctx expires.
func (c *Client) WaitForJob(ctx context.Context, id string, interval time.Duration) (Job, error) {
	if interval <= 0 {
		interval = time.Second
	}
	for {
		job, err := c.GetJob(ctx, id)
		if err != nil {
			return job, err
		}
		if job.State == "succeeded" || job.State == "failed" {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// ListProposals returns proposals for a scene, optionally filtered by status.
func (c *Client) ListProposals(ctx context.Context, sceneID, status string) ([]Proposal, error) {
	var resp struct {
		Items []Proposal `json:"items"`
	}
	endpoint := c.projectPath(fmt.Sprintf("scenes/%s/proposals", url.PathEscape(sceneID)))
	if status != "" {
		endpoint = fmt.Sprintf("%s?status=%s", endpoint, url.QueryEscape(status))
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// ApplyProposal applies a pending proposal to its scene.
func (c *Client) ApplyProposal(ctx context.Context, id string) (Proposal, error) {
	var resp Proposal
	endpoint := c.apiPath(fmt.Sprintf("proposals/%s/apply", url.PathEscape(id)))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{}, &resp)
	return resp, err
}

// DismissProposal dismisses a pending proposal.
func (c *Client) DismissProposal(ctx context.Context, id string) (Proposal, error) {
	var resp Proposal
	endpoint := c.apiPath(fmt.Sprintf("proposals/%s/dismiss", url.PathEscape(id)))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{}, &resp)
	return resp, err
}

// Budget returns the project budget status.
func (c *Client) Budget(ctx context.Context) (Budget, error) {
	var resp Budget
	err := c.do(ctx, http.MethodGet, c.projectPath("budget"), nil, &resp)
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
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
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
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) apiPath(p string) string {
	return "v0/" + strings.TrimLeft(p, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
