package domain

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Job payloads are type-tagged: the job type selects which struct the
// payload JSON decodes into. Validation happens at enqueue time so a
// malformed payload fails fast instead of burning retry attempts.

type SendMessagesPayload struct {
	AccountID       string   `json:"account_id"`
	UserIDs         []string `json:"user_ids"`
	MessageTemplate string   `json:"message_template"`
	DelayMs         int64    `json:"delay_ms,omitempty"`
	AutoRepeat      bool     `json:"auto_repeat,omitempty"`
}

func (p SendMessagesPayload) Validate() error {
	if p.AccountID == "" {
		return errors.New("account_id is required")
	}
	if len(p.UserIDs) == 0 {
		return errors.New("user_ids must not be empty")
	}
	if p.MessageTemplate == "" {
		return errors.New("message_template is required")
	}
	return nil
}

type JoinCommunitiesPayload struct {
	AccountID  string   `json:"account_id"`
	GroupLinks []string `json:"group_links"`
	DelayMs    int64    `json:"delay_ms,omitempty"`
}

func (p JoinCommunitiesPayload) Validate() error {
	if p.AccountID == "" {
		return errors.New("account_id is required")
	}
	if len(p.GroupLinks) == 0 {
		return errors.New("group_links must not be empty")
	}
	return nil
}

type AddMembersPayload struct {
	AccountID string   `json:"account_id"`
	GroupID   string   `json:"group_id"`
	UserIDs   []string `json:"user_ids"`
	DelayMs   int64    `json:"delay_ms,omitempty"`
}

func (p AddMembersPayload) Validate() error {
	if p.AccountID == "" {
		return errors.New("account_id is required")
	}
	if p.GroupID == "" {
		return errors.New("group_id is required")
	}
	if len(p.UserIDs) == 0 {
		return errors.New("user_ids must not be empty")
	}
	return nil
}

// ExtractMode selects which members the extraction phase keeps.
type ExtractMode string

const (
	ExtractAll     ExtractMode = "all"
	ExtractEngaged ExtractMode = "engaged"
	ExtractAdmins  ExtractMode = "admins"
)

// DedupeKey selects the field used to collapse duplicate extracted items.
type DedupeKey string

const (
	DedupeByRemoteID DedupeKey = "remoteId"
	DedupeByUsername DedupeKey = "username"
)

type ExtractAndAddPayload struct {
	AccountID       string      `json:"account_id"`
	Source          string      `json:"source"`
	Target          string      `json:"target"`
	ExtractMode     ExtractMode `json:"extract_mode,omitempty" enum:"all,engaged,admins"`
	DaysActive      int         `json:"days_active,omitempty"`
	ExcludeBots     bool        `json:"exclude_bots,omitempty"`
	RequireUsername bool        `json:"require_username,omitempty"`
	Limit           int         `json:"limit,omitempty"`
	DedupeBy        DedupeKey   `json:"dedupe_by,omitempty" enum:"remoteId,username"`
	DelayMs         int64       `json:"delay_ms,omitempty"`
}

func (p ExtractAndAddPayload) Validate() error {
	if p.AccountID == "" {
		return errors.New("account_id is required")
	}
	if p.Source == "" {
		return errors.New("source is required")
	}
	if p.Target == "" {
		return errors.New("target is required")
	}
	switch p.ExtractMode {
	case "", ExtractAll, ExtractEngaged, ExtractAdmins:
	default:
		return fmt.Errorf("unknown extract_mode %q", p.ExtractMode)
	}
	switch p.DedupeBy {
	case "", DedupeByRemoteID, DedupeByUsername:
	default:
		return fmt.Errorf("unknown dedupe_by %q", p.DedupeBy)
	}
	if p.Limit < 0 {
		return errors.New("limit must be non-negative")
	}
	return nil
}

// LoginCodeItem is one onboarding entry for login-code jobs.
type LoginCodeItem struct {
	PhoneNumber string `json:"phone_number"`
	Code        string `json:"code,omitempty"`
	Password    string `json:"password,omitempty"`
}

type LoginCodesPayload struct {
	AccountID string          `json:"account_id,omitempty"`
	Items     []LoginCodeItem `json:"items"`
	DelayMs   int64           `json:"delay_ms,omitempty"`
}

func (p LoginCodesPayload) Validate() error {
	if len(p.Items) == 0 {
		return errors.New("items must not be empty")
	}
	for i, it := range p.Items {
		if it.PhoneNumber == "" {
			return fmt.Errorf("items[%d]: phone_number is required", i)
		}
	}
	return nil
}

// ValidatePayload decodes and validates raw payload JSON for a job type.
func ValidatePayload(t JobType, raw []byte) error {
	if !ValidJobType(t) {
		return fmt.Errorf("unknown job type %q", t)
	}
	decode := func(v interface{ Validate() error }) error {
		if err := json.Unmarshal(raw, v); err != nil {
			return fmt.Errorf("payload: %w", err)
		}
		return v.Validate()
	}
	switch t {
	case JobSendMessages:
		return decode(&SendMessagesPayload{})
	case JobJoinCommunities:
		return decode(&JoinCommunitiesPayload{})
	case JobAddMembers:
		return decode(&AddMembersPayload{})
	case JobExtractAndAdd:
		return decode(&ExtractAndAddPayload{})
	case JobSendLoginCodes, JobConfirmLoginCodes:
		return decode(&LoginCodesPayload{})
	}
	return nil
}

// JobResult is the terminal success payload for bulk jobs.
type JobResult struct {
	ExtractedCount int  `json:"extracted_count,omitempty"`
	SuccessCount   int  `json:"success_count"`
	FailedCount    int  `json:"failed_count"`
	AutoRepeat     bool `json:"auto_repeat,omitempty"`
}
