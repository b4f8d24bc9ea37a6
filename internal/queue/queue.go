package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"bulkline/internal/domain"
	"bulkline/internal/repo"
)

var (
	// ErrEmpty is returned by Claim when no job is eligible.
	ErrEmpty = errors.New("queue empty")
)

// Queue is a durable at-least-once work queue over the jobs table.
// A claimed job holds a lease; progress updates extend it, and expired
// leases make the job visible again (crashed workers lose the claim,
// the next attempt may reprocess items already applied).
type Queue struct {
	DB          *sql.DB
	MaxAttempts int
	BackoffBase time.Duration
	Now         func() time.Time
}

func New(db *sql.DB) *Queue {
	return &Queue{
		DB:          db,
		MaxAttempts: 3,
		BackoffBase: 5 * time.Second,
		Now:         time.Now,
	}
}

func (q *Queue) now() time.Time {
	if q.Now != nil {
		return q.Now()
	}
	return time.Now()
}

func ts(t time.Time) string { return t.UTC().Format(time.RFC3339) }

// Enqueue validates the payload against the job type and persists a new
// waiting job. Malformed payloads are rejected here, never retried.
func (q *Queue) Enqueue(ctx context.Context, jobType domain.JobType, payload []byte) (domain.Job, error) {
	if err := domain.ValidatePayload(jobType, payload); err != nil {
		return domain.Job{}, err
	}
	if !json.Valid(payload) {
		return domain.Job{}, errors.New("payload is not valid JSON")
	}
	now := ts(q.now())
	j := domain.Job{
		ID:            uuid.New().String(),
		Type:          jobType,
		PayloadJSON:   string(payload),
		State:         domain.StateWaiting,
		MaxAttempts:   q.MaxAttempts,
		NextAttemptAt: now,
		CreatedAt:     now,
	}
	_, err := q.DB.ExecContext(ctx,
		`INSERT INTO jobs(id, type, payload_json, state, attempts, max_attempts, progress, next_attempt_at, created_at)
		 VALUES (?,?,?,?,0,?,0,?,?)`,
		j.ID, string(j.Type), j.PayloadJSON, string(j.State), j.MaxAttempts, j.NextAttemptAt, j.CreatedAt)
	if err != nil {
		return domain.Job{}, fmt.Errorf("enqueue: %w", err)
	}
	return j, nil
}

const jobColumns = `id, type, payload_json, state, attempts, max_attempts, progress,
	result_json, error, cancel_requested, lease_owner, lease_expires_at,
	next_attempt_at, created_at, started_at, completed_at`

func scanJob(row interface{ Scan(...any) error }) (domain.Job, error) {
	var j domain.Job
	var result, errText, leaseOwner, leaseExp, startedAt, completedAt sql.NullString
	var cancel int
	err := row.Scan(&j.ID, (*string)(&j.Type), &j.PayloadJSON, (*string)(&j.State),
		&j.Attempts, &j.MaxAttempts, &j.Progress,
		&result, &errText, &cancel, &leaseOwner, &leaseExp,
		&j.NextAttemptAt, &j.CreatedAt, &startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return j, repo.ErrNotFound
	}
	if err != nil {
		return j, err
	}
	j.CancelRequested = cancel != 0
	if result.Valid {
		j.ResultJSON = &result.String
	}
	if errText.Valid {
		j.Error = &errText.String
	}
	if leaseOwner.Valid {
		j.LeaseOwner = &leaseOwner.String
	}
	if leaseExp.Valid {
		j.LeaseExpiresAt = &leaseExp.String
	}
	if startedAt.Valid {
		j.StartedAt = &startedAt.String
	}
	if completedAt.Valid {
		j.CompletedAt = &completedAt.String
	}
	return j, nil
}

func (q *Queue) Get(ctx context.Context, id string) (domain.Job, error) {
	return scanJob(q.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id))
}

// List returns jobs filtered by state, newest first, over the half-open
// offset range [start, end). An empty states slice matches everything.
// The (state, created_at) index keeps this off full-table scans.
func (q *Queue) List(ctx context.Context, states []domain.JobState, start, end int) ([]domain.Job, error) {
	if start < 0 {
		start = 0
	}
	limit := -1
	if end > start {
		limit = end - start
	}
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var args []any
	if len(states) > 0 {
		placeholders := make([]string, len(states))
		for i, s := range states {
			placeholders[i] = "?"
			args = append(args, string(s))
		}
		query += ` WHERE state IN (` + strings.Join(placeholders, ",") + `)`
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, start)
	rows, err := q.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

// Claim atomically leases the oldest eligible waiting job to owner.
// Delivery is at-least-once: a lease that expires without completion
// makes the job claimable again via RecoverStale.
func (q *Queue) Claim(ctx context.Context, owner string, lease time.Duration) (domain.Job, error) {
	if lease <= 0 {
		lease = 2 * time.Minute
	}
	now := q.now()
	tx, err := q.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()

	j, err := scanJob(tx.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE state=? AND next_attempt_at<=?
		 ORDER BY created_at ASC LIMIT 1`,
		string(domain.StateWaiting), ts(now)))
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Job{}, ErrEmpty
	}
	if err != nil {
		return domain.Job{}, err
	}

	expires := ts(now.Add(lease))
	started := ts(now)
	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET state=?, attempts=attempts+1, lease_owner=?, lease_expires_at=?,
		        started_at=COALESCE(started_at,?), error=NULL
		 WHERE id=? AND state=?`,
		string(domain.StateActive), owner, expires, started, j.ID, string(domain.StateWaiting))
	if err != nil {
		return domain.Job{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Job{}, ErrEmpty
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, err
	}
	j.State = domain.StateActive
	j.Attempts++
	j.LeaseOwner = &owner
	j.LeaseExpiresAt = &expires
	if j.StartedAt == nil {
		j.StartedAt = &started
	}
	return j, nil
}

// UpdateProgress records handler progress and doubles as the lease
// heartbeat. Progress is clamped non-decreasing within an attempt.
func (q *Queue) UpdateProgress(ctx context.Context, id string, percent int, lease time.Duration) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	expires := ts(q.now().Add(lease))
	res, err := q.DB.ExecContext(ctx,
		`UPDATE jobs SET progress=MAX(progress,?), lease_expires_at=? WHERE id=? AND state=?`,
		percent, expires, id, string(domain.StateActive))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return repo.ErrNotFound
	}
	return nil
}

// Complete marks a job done with a terminal result.
func (q *Queue) Complete(ctx context.Context, id string, resultJSON string) error {
	now := ts(q.now())
	res, err := q.DB.ExecContext(ctx,
		`UPDATE jobs SET state=?, progress=100, result_json=?, completed_at=?, lease_owner=NULL, lease_expires_at=NULL
		 WHERE id=? AND state=?`,
		string(domain.StateCompleted), resultJSON, now, id, string(domain.StateActive))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return repo.ErrNotFound
	}
	return nil
}

// Fail records a handler failure. Retryable failures below the attempt
// limit go back to waiting with exponential backoff; everything else is
// terminal with the last error recorded verbatim.
func (q *Queue) Fail(ctx context.Context, id string, cause string, retryable bool) error {
	tx, err := q.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	j, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id))
	if err != nil {
		return err
	}
	if j.State != domain.StateActive {
		return fmt.Errorf("job %s is %s, not active", id, j.State)
	}
	now := q.now()
	if retryable && j.Attempts < j.MaxAttempts {
		backoff := q.BackoffBase * (1 << (j.Attempts - 1))
		_, err = tx.ExecContext(ctx,
			`UPDATE jobs SET state=?, error=?, next_attempt_at=?, lease_owner=NULL, lease_expires_at=NULL WHERE id=?`,
			string(domain.StateWaiting), cause, ts(now.Add(backoff)), id)
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE jobs SET state=?, error=?, completed_at=?, lease_owner=NULL, lease_expires_at=NULL WHERE id=?`,
			string(domain.StateFailed), cause, ts(now), id)
	}
	if err != nil {
		return err
	}
	return tx.Commit()
}

// CancelResult reports the outcome of a cancellation request.
type CancelResult struct {
	Found     bool
	Cancelled bool
}

// Cancel is cooperative: waiting jobs transition immediately, active jobs
// only get the flag set and must observe it at a safe point.
func (q *Queue) Cancel(ctx context.Context, id string) (CancelResult, error) {
	tx, err := q.DB.BeginTx(ctx, nil)
	if err != nil {
		return CancelResult{}, err
	}
	defer tx.Rollback()
	j, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id))
	if errors.Is(err, repo.ErrNotFound) {
		return CancelResult{}, nil
	}
	if err != nil {
		return CancelResult{}, err
	}
	if j.State.Terminal() {
		return CancelResult{Found: true}, nil
	}
	if j.State == domain.StateWaiting {
		_, err = tx.ExecContext(ctx,
			`UPDATE jobs SET state=?, cancel_requested=1, completed_at=? WHERE id=?`,
			string(domain.StateCancelled), ts(q.now()), id)
		if err != nil {
			return CancelResult{}, err
		}
		if err := tx.Commit(); err != nil {
			return CancelResult{}, err
		}
		return CancelResult{Found: true, Cancelled: true}, nil
	}
	// active: advisory flag only
	_, err = tx.ExecContext(ctx, `UPDATE jobs SET cancel_requested=1 WHERE id=?`, id)
	if err != nil {
		return CancelResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return CancelResult{}, err
	}
	return CancelResult{Found: true}, nil
}

// IsCancelRequested is polled by handlers between batches and items.
func (q *Queue) IsCancelRequested(ctx context.Context, id string) (bool, error) {
	var flag int
	err := q.DB.QueryRowContext(ctx, `SELECT cancel_requested FROM jobs WHERE id=?`, id).Scan(&flag)
	if err == sql.ErrNoRows {
		return false, repo.ErrNotFound
	}
	if err != nil {
		return false, err
	}
	return flag != 0, nil
}

// MarkCancelled finalizes an active job whose handler observed the cancel
// flag, preserving the partial result accumulated so far.
func (q *Queue) MarkCancelled(ctx context.Context, id string, resultJSON string) error {
	res, err := q.DB.ExecContext(ctx,
		`UPDATE jobs SET state=?, result_json=?, completed_at=?, lease_owner=NULL, lease_expires_at=NULL
		 WHERE id=? AND state=?`,
		string(domain.StateCancelled), resultJSON, ts(q.now()), id, string(domain.StateActive))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return repo.ErrNotFound
	}
	return nil
}

// RecoverStale re-queues active jobs whose lease expired without a
// heartbeat; jobs out of attempts fail instead. Returns work reclaimed.
func (q *Queue) RecoverStale(ctx context.Context) (int64, error) {
	now := ts(q.now())
	res, err := q.DB.ExecContext(ctx,
		`UPDATE jobs SET state=?, lease_owner=NULL, lease_expires_at=NULL, next_attempt_at=?, error='lease expired'
		 WHERE state=? AND lease_expires_at IS NOT NULL AND lease_expires_at<? AND attempts<max_attempts`,
		string(domain.StateWaiting), now, string(domain.StateActive), now)
	if err != nil {
		return 0, err
	}
	reclaimed, _ := res.RowsAffected()
	_, err = q.DB.ExecContext(ctx,
		`UPDATE jobs SET state=?, completed_at=?, lease_owner=NULL, lease_expires_at=NULL, error='lease expired; attempts exhausted'
		 WHERE state=? AND lease_expires_at IS NOT NULL AND lease_expires_at<? AND attempts>=max_attempts`,
		string(domain.StateFailed), now, string(domain.StateActive), now)
	if err != nil {
		return reclaimed, err
	}
	return reclaimed, nil
}

// CountByState returns job totals grouped by state.
func (q *Queue) CountByState(ctx context.Context) (map[domain.JobState]int, error) {
	rows, err := q.DB.QueryContext(ctx, `SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[domain.JobState]int{}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[domain.JobState(state)] = n
	}
	return counts, rows.Err()
}
