package server

import (
	"encoding/json"

	"bulkline/internal/domain"
)

// Request payloads

type SubmitJobRequest struct {
	Type    string          `json:"type" enum:"send-messages,join-communities,add-members,extract-and-add,send-login-codes,confirm-login-codes"`
	Payload json.RawMessage `json:"payload"`
}

type AddAccountRequest struct {
	ID         *string `json:"id,omitempty"`
	Phone      string  `json:"phone"`
	Session    string  `json:"session"`
	APIID      string  `json:"api_id,omitempty"`
	APIHash    string  `json:"api_hash,omitempty"`
	DailyLimit int     `json:"daily_limit,omitempty"`
}

type CreateKeyRequest struct {
	Name string `json:"name,omitempty"`
}

// Response bodies

type JobResponse struct {
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

func jobResponse(j domain.Job) JobResponse {
	resp := JobResponse{
		ID:              j.ID,
		Type:            string(j.Type),
		State:           string(j.State),
		Payload:         json.RawMessage(j.PayloadJSON),
		Attempts:        j.Attempts,
		MaxAttempts:     j.MaxAttempts,
		Progress:        j.Progress,
		Error:           j.Error,
		CancelRequested: j.CancelRequested,
		CreatedAt:       j.CreatedAt,
		StartedAt:       j.StartedAt,
		CompletedAt:     j.CompletedAt,
	}
	if j.ResultJSON != nil && json.Valid([]byte(*j.ResultJSON)) {
		resp.Result = json.RawMessage(*j.ResultJSON)
	}
	return resp
}

func mapJobs(jobs []domain.Job) []JobResponse {
	out := make([]JobResponse, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, jobResponse(j))
	}
	return out
}

type jobList struct {
	Items []JobResponse `json:"items"`
	Total int           `json:"total"`
}

type CancelResponse struct {
	Cancelled bool   `json:"cancelled"`
	State     string `json:"state"`
}

type AccountResponse struct {
	ID             string  `json:"id"`
	Phone          string  `json:"phone"`
	APIID          string  `json:"api_id,omitempty"`
	DailyLimit     int     `json:"daily_limit"`
	SentToday      int     `json:"sent_today"`
	IsRestricted   bool    `json:"is_restricted"`
	LastActivityAt *string `json:"last_activity_at,omitempty"`
	CreatedAt      string  `json:"created_at"`
}

func accountResponse(a domain.Account) AccountResponse {
	return AccountResponse{
		ID:             a.ID,
		Phone:          maskPhone(a.Phone),
		APIID:          a.APIID,
		DailyLimit:     a.DailyLimit,
		SentToday:      a.SentToday,
		IsRestricted:   a.IsRestricted,
		LastActivityAt: a.LastActivityAt,
		CreatedAt:      a.CreatedAt,
	}
}

func mapAccounts(items []domain.Account) []AccountResponse {
	out := make([]AccountResponse, 0, len(items))
	for _, a := range items {
		out = append(out, accountResponse(a))
	}
	return out
}

// maskPhone keeps the last four digits to keep responses identifying
// without echoing the full number back.
func maskPhone(phone string) string {
	if len(phone) <= 4 {
		return phone
	}
	masked := []byte(phone)
	for i := 0; i < len(masked)-4; i++ {
		if masked[i] >= '0' && masked[i] <= '9' {
			masked[i] = '*'
		}
	}
	return string(masked)
}

type RunResponse struct {
	ID           string  `json:"id"`
	JobID        string  `json:"job_id"`
	AccountID    string  `json:"account_id"`
	Kind         string  `json:"kind"`
	TotalItems   int     `json:"total_items"`
	SuccessCount int     `json:"success_count"`
	FailedCount  int     `json:"failed_count"`
	StartedAt    string  `json:"started_at"`
	CompletedAt  *string `json:"completed_at,omitempty"`
}

func runResponse(r domain.BulkRun) RunResponse {
	return RunResponse{
		ID:           r.ID,
		JobID:        r.JobID,
		AccountID:    r.AccountID,
		Kind:         r.Kind,
		TotalItems:   r.TotalItems,
		SuccessCount: r.SuccessCount,
		FailedCount:  r.FailedCount,
		StartedAt:    r.StartedAt,
		CompletedAt:  r.CompletedAt,
	}
}

type KeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at"`
	// Key is only present on creation; it is never stored in clear.
	Key string `json:"key,omitempty"`
}

func keyResponse(k domain.APIKey) KeyResponse {
	return KeyResponse{
		ID:        k.ID,
		ActorID:   k.ActorID,
		Name:      k.Name,
		CreatedAt: k.CreatedAt,
	}
}

type AccountSafetyResponse struct {
	AccountID     string `json:"account_id"`
	Successes     int    `json:"successes"`
	Failures      int    `json:"failures"`
	CooldownUntil string `json:"cooldown_until,omitempty"`
}

type StatusResponse struct {
	Jobs     map[string]int          `json:"jobs"`
	Accounts []AccountSafetyResponse `json:"accounts"`
}
