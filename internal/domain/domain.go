package domain

// JobType identifies which handler executes a job.
type JobType string

const (
	JobSendMessages      JobType = "send-messages"
	JobJoinCommunities   JobType = "join-communities"
	JobAddMembers        JobType = "add-members"
	JobExtractAndAdd     JobType = "extract-and-add"
	JobSendLoginCodes    JobType = "send-login-codes"
	JobConfirmLoginCodes JobType = "confirm-login-codes"
)

// ValidJobType reports whether t names a known job type.
func ValidJobType(t JobType) bool {
	switch t {
	case JobSendMessages, JobJoinCommunities, JobAddMembers,
		JobExtractAndAdd, JobSendLoginCodes, JobConfirmLoginCodes:
		return true
	}
	return false
}

// JobState is the lifecycle state of a queued job.
// Transitions are monotonic: waiting -> active -> {completed|failed|cancelled}.
type JobState string

const (
	StateWaiting   JobState = "waiting"
	StateActive    JobState = "active"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateCancelled JobState = "cancelled"
)

// Terminal reports whether a job state is final.
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Job is one durable unit of bulk work.
type Job struct {
	ID              string   `json:"id"`
	Type            JobType  `json:"type" enum:"send-messages,join-communities,add-members,extract-and-add,send-login-codes,confirm-login-codes"`
	PayloadJSON     string   `json:"payload_json"`
	State           JobState `json:"state" enum:"waiting,active,completed,failed,cancelled"`
	Attempts        int      `json:"attempts"`
	MaxAttempts     int      `json:"max_attempts"`
	Progress        int      `json:"progress"`
	ResultJSON      *string  `json:"result_json,omitempty"`
	Error           *string  `json:"error,omitempty"`
	CancelRequested bool     `json:"cancel_requested"`
	LeaseOwner      *string  `json:"lease_owner,omitempty"`
	LeaseExpiresAt  *string  `json:"lease_expires_at,omitempty" format:"date-time"`
	NextAttemptAt   string   `json:"next_attempt_at" format:"date-time"`
	CreatedAt       string   `json:"created_at" format:"date-time"`
	StartedAt       *string  `json:"started_at,omitempty" format:"date-time"`
	CompletedAt     *string  `json:"completed_at,omitempty" format:"date-time"`
}

// Account is a credentialed identity used against the remote protocol.
// SessionCipher holds the encrypted session credential; it is decrypted
// only immediately before a remote client is dialed.
type Account struct {
	ID             string  `json:"id"`
	Phone          string  `json:"phone"`
	SessionCipher  string  `json:"-"`
	APIID          string  `json:"api_id,omitempty"`
	APIHash        string  `json:"-"`
	DailyLimit     int     `json:"daily_limit"`
	SentToday      int     `json:"sent_today"`
	IsRestricted   bool    `json:"is_restricted"`
	LastActivityAt *string `json:"last_activity_at,omitempty" format:"date-time"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
}

// ExtractedItem is one member discovered during extraction. Transient,
// scoped to a single job execution.
type ExtractedItem struct {
	RemoteID  string `json:"remote_id"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	IsBot     bool   `json:"is_bot"`
	IsPremium bool   `json:"is_premium,omitempty"`
	IsAdmin   bool   `json:"is_admin,omitempty"`
	HasPhoto  bool   `json:"has_photo,omitempty"`
	LastSeen  *int64 `json:"last_seen,omitempty"`
}

// ErrorKind classifies a raw remote error message.
type ErrorKind string

const (
	ErrKindNone        ErrorKind = ""
	ErrKindFlood       ErrorKind = "flood"
	ErrKindRestriction ErrorKind = "restriction"
	ErrKindSpam        ErrorKind = "spam"
	ErrKindBan         ErrorKind = "ban"
	ErrKindNetwork     ErrorKind = "network"
	ErrKindOther       ErrorKind = "other"
)

// Retryable reports whether the kind is a transient condition.
func (k ErrorKind) Retryable() bool {
	return k == ErrKindFlood || k == ErrKindNetwork
}

// AccountFatal reports whether the kind should stop further use of the
// account within the current job.
func (k ErrorKind) AccountFatal() bool {
	return k == ErrKindBan || k == ErrKindRestriction
}

// OperationResult is the outcome of one mutation call. Ephemeral; it is
// aggregated into the safety gate's rolling counters, never persisted.
type OperationResult struct {
	Success   bool
	ErrorKind ErrorKind
	ErrorText string
	WaitMs    int64
}

// SafetyDecision is the output of a safety-gate admission check.
type SafetyDecision struct {
	Allowed bool
	Reason  string
	WaitMs  int64
}

// BulkRun is the audit record for one executed bulk operation.
type BulkRun struct {
	ID           string  `json:"id"`
	JobID        string  `json:"job_id"`
	AccountID    string  `json:"account_id"`
	Kind         string  `json:"kind"`
	TotalItems   int     `json:"total_items"`
	SuccessCount int     `json:"success_count"`
	FailedCount  int     `json:"failed_count"`
	StartedAt    string  `json:"started_at" format:"date-time"`
	CompletedAt  *string `json:"completed_at,omitempty" format:"date-time"`
}

// ActivityEntry is one row of the append-only activity log.
type ActivityEntry struct {
	ID        int64  `json:"id"`
	TS        string `json:"ts" format:"date-time"`
	JobID     string `json:"job_id,omitempty"`
	AccountID string `json:"account_id,omitempty"`
	Kind      string `json:"kind"`
	Target    string `json:"target,omitempty"`
	OK        bool   `json:"ok"`
	ErrorKind string `json:"error_kind,omitempty"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
