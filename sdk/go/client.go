package questmaestrosdk

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

// Client is a minimal Questmaestro HTTP API client.
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

// QuestSummary is a quest tracker row.
type QuestSummary struct {
	ID           string `json:"id"`
	Folder       string `json:"folder"`
	Title        string `json:"title"`
	Status       string `json:"status"`
	CreatedAt    string `json:"createdAt"`
	CurrentPhase string `json:"currentPhase,omitempty"`
	TaskProgress string `json:"taskProgress,omitempty"`
}

// Task represents the API task model (partial).
type Task struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Type         string   `json:"type"`
	Status       string   `json:"status"`
	Dependencies []string `json:"dependencies"`
}

// Quest is the quest document (partial) and the storage area holding it.
type Quest struct {
	State string `json:"state"`
	Quest struct {
		ID          string          `json:"id"`
		Folder      string          `json:"folder"`
		Title       string          `json:"title"`
		Status      string          `json:"status"`
		UserRequest string          `json:"userRequest"`
		Tasks       []Task          `json:"tasks"`
		Phases      json.RawMessage `json:"phases"`
	} `json:"quest"`
}

type Phase struct {
	CurrentPhase  string `json:"currentPhase,omitempty"`
	NextPhase     string `json:"nextPhase,omitempty"`
	CanProceed    bool   `json:"canProceed"`
	QuestComplete bool   `json:"questComplete"`
	Freshness     struct {
		IsStale bool   `json:"isStale"`
		AgeDays int    `json:"ageDays"`
		Message string `json:"message,omitempty"`
	} `json:"freshness"`
}

// Verification is the outcome of the quest verification checks.
type Verification struct {
	QuestID string `json:"questId"`
	Folder  string `json:"folder"`
	Success bool   `json:"success"`
	Checks  []struct {
		Name    string `json:"name"`
		Passed  bool   `json:"passed"`
		Details string `json:"details"`
	} `json:"checks"`
}

// Event represents a journal entry.
type Event struct {
	ID          int64          `json:"id"`
	TS          string         `json:"ts"`
	Type        string         `json:"type"`
	QuestFolder string         `json:"quest_folder"`
	EntityID    string         `json:"entity_id"`
	EntityKind  string         `json:"entity_kind"`
	Payload     map[string]any `json:"payload"`
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

// EventFilter narrows an event listing. Zero values match everything.
type EventFilter struct {
	Quest      string
	Type       string
	EntityKind string
	Limit      int
	Cursor     string
}

// Quests lists quests in state (active, completed or abandoned).
func (c *Client) Quests(ctx context.Context, state string) ([]QuestSummary, error) {
	endpoint := "quests"
	if state != "" {
		endpoint += "?state=" + url.QueryEscape(state)
	}
	var resp struct {
		Items []QuestSummary `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Quest fetches a quest by folder, id or folder fragment.
func (c *Client) Quest(ctx context.Context, folder string) (Quest, error) {
	var resp Quest
	err := c.do(ctx, http.MethodGet, "quests/"+url.PathEscape(folder), nil, &resp)
	return resp, err
}

// NextTasks returns the tasks ready to run.
func (c *Client) NextTasks(ctx context.Context, folder string) ([]Task, error) {
	var resp struct {
		Items []Task `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("quests/%s/next-tasks", url.PathEscape(folder)), nil, &resp)
	return resp.Items, err
}

func (c *Client) Phase(ctx context.Context, folder string) (Phase, error) {
	var resp Phase
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("quests/%s/phase", url.PathEscape(folder)), nil, &resp)
	return resp, err
}

// Verify runs the verification checks for the quest with questID.
func (c *Client) Verify(ctx context.Context, questID string) (Verification, error) {
	var resp Verification
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("quests/by-id/%s/verify", url.PathEscape(questID)), nil, &resp)
	return resp, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, f EventFilter) (PaginatedEvents, error) {
	q := url.Values{}
	if f.Quest != "" {
		q.Set("quest", f.Quest)
	}
	if f.Type != "" {
		q.Set("type", f.Type)
	}
	if f.EntityKind != "" {
		q.Set("entity_kind", f.EntityKind)
	}
	if f.Limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", f.Limit))
	}
	if f.Cursor != "" {
		q.Set("cursor", f.Cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
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
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
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

func (c *Client) base() string {
	basePath := strings.Trim(c.BasePath, "/")
	if basePath == "" {
		basePath = "v0"
	}
	return strings.TrimRight(c.BaseURL, "/") + "/" + basePath
}
