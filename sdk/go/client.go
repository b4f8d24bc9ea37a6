package bulklinesdk

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

// Client is a minimal Bulkline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Job represents the API job model.
type Job struct {
	ID              string          `json:"id"`
	Type            string          `json:"type"`
	State           string          `json:"state"`
	Payload         json.RawMessage `json:"payload"`
	Attempts        int             `json:"attempts"`
	MaxAttempts     int             `json:"max_attempts"`
	Progress        int             `json:"progress"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           *string         `json:"error,omitempty"`
	CancelRequested bool            `json:"cancel_requested"`
	CreatedAt       string          `json:"created_at"`
	StartedAt       *string         `json:"started_at,omitempty"`
	CompletedAt     *string         `json:"completed_at,omitempty"`
}

// Account represents the API account model.
type Account struct {
	ID           string `json:"id"`
	Phone        string `json:"phone"`
	DailyLimit   int    `json:"daily_limit"`
	SentToday    int    `json:"sent_today"`
	IsRestricted bool   `json:"is_restricted"`
	CreatedAt    string `json:"created_at"`
}

// Run represents one executed bulk operation.
type Run struct {
	ID           string `json:"id"`
	JobID        string `json:"job_id"`
	AccountID    string `json:"account_id"`
	Kind         string `json:"kind"`
	TotalItems   int    `json:"total_items"`
	SuccessCount int    `json:"success_count"`
	FailedCount  int    `json:"failed_count"`
	StartedAt    string `json:"started_at"`
}

// CancelResult reports the outcome of a cancellation request.
type CancelResult struct {
	Cancelled bool   `json:"cancelled"`
	State     string `json:"state"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// SubmitJob enqueues a job of the given type.
func (c *Client) SubmitJob(ctx context.Context, jobType string, payload any) (Job, error) {
	body := map[string]any{
		"type":    jobType,
		"payload": payload,
	}
	var resp Job
	err := c.do(ctx, http.MethodPost, "v0/jobs", body, &resp)
	return resp, err
}

// GetJob fetches a job by id.
func (c *Client) GetJob(ctx context.Context, id string) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodGet, "v0/jobs/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListJobs returns jobs, newest first. states may be empty.
func (c *Client) ListJobs(ctx context.Context, states []string, start, end int) ([]Job, error) {
	var resp struct {
		Items []Job `json:"items"`
	}
	endpoint := fmt.Sprintf("v0/jobs?start=%d&end=%d", start, end)
	if len(states) > 0 {
		endpoint += "&state=" + url.QueryEscape(strings.Join(states, ","))
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// CancelJob requests cancellation. Active jobs stop at the next safe
// point; waiting jobs cancel immediately.
func (c *Client) CancelJob(ctx context.Context, id string) (CancelResult, error) {
	var resp CancelResult
	err := c.do(ctx, http.MethodPost, "v0/jobs/"+url.PathEscape(id)+"/cancel", nil, &resp)
	return resp, err
}

// WaitForJob polls until the job reaches a terminal state.
func (c *Client) WaitForJob(ctx context.Context, id string, interval time.Duration) (Job, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	for {
		job, err := c.GetJob(ctx, id)
		if err != nil {
			return Job{}, err
		}
		switch job.State {
		case "completed", "failed", "cancelled":
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// AddAccount registers a credentialed account.
func (c *Client) AddAccount(ctx context.Context, phone, session string, dailyLimit int) (Account, error) {
	body := map[string]any{
		"phone":       phone,
		"session":     session,
		"daily_limit": dailyLimit,
	}
	var resp Account
	err := c.do(ctx, http.MethodPost, "v0/accounts", body, &resp)
	return resp, err
}

// ListAccounts returns registered accounts.
func (c *Client) ListAccounts(ctx context.Context) ([]Account, error) {
	var resp []Account
	err := c.do(ctx, http.MethodGet, "v0/accounts", nil, &resp)
	return resp, err
}

// RemoveAccount deletes an account.
func (c *Client) RemoveAccount(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "v0/accounts/"+url.PathEscape(id), nil, nil)
}

// ListRuns returns bulk run audit records.
func (c *Client) ListRuns(ctx context.Context, accountID string, limit int) ([]Run, error) {
	endpoint := fmt.Sprintf("v0/runs?limit=%d", limit)
	if accountID != "" {
		endpoint += "&account_id=" + url.QueryEscape(accountID)
	}
	var resp []Run
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Health checks the API.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "v0/health", nil, nil)
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

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
