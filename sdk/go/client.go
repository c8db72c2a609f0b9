package squadlinesdk

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

// Client is a minimal Squadline HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client. Dispatches block until the backend answers, so the
// default timeout is generous.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   15 * time.Minute,
	}
}

// Result is the outcome of one dispatch.
type Result struct {
	Role         string `json:"role"`
	Status       string `json:"status"`
	Output       string `json:"output"`
	Backend      string `json:"backend"`
	FallbackFrom string `json:"fallback_from"`
	SessionID    string `json:"session_id"`
	Turn         int    `json:"turn"`
	DurationMS   int64  `json:"duration_ms"`
	ExitCode     int    `json:"exit_code"`
	Hint         string `json:"hint"`
	Retried      bool   `json:"retried"`
}

func (r Result) OK() bool { return r.Status == "ok" }

// Assignment is one entry of a parallel dispatch.
type Assignment struct {
	Role       string `json:"role"`
	Task       string `json:"task"`
	TargetFile string `json:"target_file,omitempty"`
}

type CheckResult struct {
	Check      string `json:"check"`
	Status     string `json:"status"`
	Detail     string `json:"detail"`
	DurationMS int64  `json:"duration_ms"`
}

// Verdict is the quality gate outcome.
type Verdict struct {
	Verdict  string        `json:"verdict"`
	Results  []CheckResult `json:"results"`
	Feedback *Result       `json:"feedback"`
}

func (v Verdict) Go() bool { return v.Verdict == "go" }

type Delivery struct {
	Role    string `json:"role"`
	Status  string `json:"status"`
	Backend string `json:"backend"`
	Output  string `json:"output"`
	Error   string `json:"error"`
}

type Role struct {
	Role     string `json:"role"`
	Backend  string `json:"backend"`
	Disabled bool   `json:"disabled"`
}

type Session struct {
	Role       string `json:"role"`
	Backend    string `json:"backend"`
	ID         string `json:"id"`
	Turns      int    `json:"turns"`
	CreatedAt  string `json:"created_at"`
	LastUsedAt string `json:"last_used_at"`
}

// Playbook holds every section of a project's shared document.
type Playbook struct {
	ProjectID string `json:"project_id"`
	Vision    string `json:"vision"`
	Team      string `json:"team"`
	Sprints   string `json:"sprints"`
	Current   string `json:"current"`
	Notes     string `json:"notes"`
}

type Section struct {
	ProjectID string `json:"project_id"`
	Section   string `json:"section"`
	Content   string `json:"content"`
	UpdatedAt string `json:"updated_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	Payload    string `json:"payload_json"`
}

// APIError wraps non-2xx responses. Code is taken from the error envelope
// when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Dispatch sends one task to a role. backend may be empty. Unknown roles and
// unusable backends come back as a Result status, not an error.
func (c *Client) Dispatch(ctx context.Context, role, task, backend, targetFile string) (Result, error) {
	body := map[string]any{
		"role":        role,
		"task":        task,
		"backend":     backend,
		"target_file": targetFile,
	}
	var resp Result
	err := c.do(ctx, http.MethodPost, "v0/dispatch", body, &resp)
	return resp, err
}

// DispatchParallel runs assignments across the backend pool. Results are in
// input order.
func (c *Client) DispatchParallel(ctx context.Context, assignments []Assignment) ([]Result, error) {
	var resp struct {
		Results []Result `json:"results"`
	}
	err := c.do(ctx, http.MethodPost, "v0/dispatch/parallel", map[string]any{"assignments": assignments}, &resp)
	return resp.Results, err
}

// Forward sends fromRole's artifact into toRole's existing session. A target
// without a session answers with status no_active_session, not an error.
func (c *Client) Forward(ctx context.Context, fromRole, toRole, artifact, annotation string) (Result, error) {
	return c.ForwardOn(ctx, fromRole, toRole, "", artifact, annotation)
}

// ForwardOn is Forward pinned to the target's session on backend.
func (c *Client) ForwardOn(ctx context.Context, fromRole, toRole, backend, artifact, annotation string) (Result, error) {
	body := map[string]any{
		"from_role":  fromRole,
		"to_role":    toRole,
		"artifact":   artifact,
		"annotation": annotation,
		"backend":    backend,
	}
	var resp Result
	err := c.do(ctx, http.MethodPost, "v0/feedback", body, &resp)
	return resp, err
}

// Gate runs the named checks, or the configured order when checks is empty.
func (c *Client) Gate(ctx context.Context, checks []string, feedback bool) (Verdict, error) {
	body := map[string]any{"checks": checks, "feedback": feedback}
	var resp Verdict
	err := c.do(ctx, http.MethodPost, "v0/gate", body, &resp)
	return resp, err
}

func (c *Client) Broadcast(ctx context.Context, message, tone string) ([]Delivery, error) {
	var resp struct {
		Deliveries []Delivery `json:"deliveries"`
	}
	err := c.do(ctx, http.MethodPost, "v0/broadcast", map[string]any{"message": message, "tone": tone}, &resp)
	return resp.Deliveries, err
}

func (c *Client) Roles(ctx context.Context) ([]Role, error) {
	var resp []Role
	err := c.do(ctx, http.MethodGet, "v0/roles", nil, &resp)
	return resp, err
}

func (c *Client) Sessions(ctx context.Context) ([]Session, error) {
	var resp []Session
	err := c.do(ctx, http.MethodGet, "v0/sessions", nil, &resp)
	return resp, err
}

// Reset discards a role's session on backend and returns the fresh one.
func (c *Client) Reset(ctx context.Context, role, backend string) (Session, error) {
	var resp Session
	endpoint := fmt.Sprintf("v0/sessions/%s/%s/reset", url.PathEscape(role), url.PathEscape(backend))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) Playbook(ctx context.Context) (Playbook, error) {
	var resp Playbook
	err := c.do(ctx, http.MethodGet, c.projectPath("playbook"), nil, &resp)
	return resp, err
}

// Section returns one playbook section. A never-written section is a 404
// APIError.
func (c *Client) Section(ctx context.Context, section string) (Section, error) {
	var resp Section
	err := c.do(ctx, http.MethodGet, c.projectPath("playbook/"+url.PathEscape(section)), nil, &resp)
	return resp, err
}

func (c *Client) Projects(ctx context.Context) ([]string, error) {
	var resp []string
	err := c.do(ctx, http.MethodGet, "v0/projects", nil, &resp)
	return resp, err
}

// UpdatePlaybook replaces one section's content.
func (c *Client) UpdatePlaybook(ctx context.Context, section, content string) (Section, error) {
	var resp Section
	endpoint := c.projectPath("playbook/" + url.PathEscape(section))
	err := c.do(ctx, http.MethodPut, endpoint, map[string]any{"content": content}, &resp)
	return resp, err
}

// Events returns recent events, newest first. eventType may be empty.
func (c *Client) Events(ctx context.Context, eventType string, limit int) ([]Event, error) {
	q := url.Values{}
	if eventType != "" {
		q.Set("type", eventType)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	endpoint := c.projectPath("events")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Event
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
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
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

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
