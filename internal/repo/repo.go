package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"bulkline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const accountColumns = `id, phone, session_cipher, COALESCE(api_id,''), COALESCE(api_hash,''), daily_limit, sent_today, is_restricted, last_activity_at, created_at`

func scanAccount(row interface{ Scan(...any) error }) (domain.Account, error) {
	var a domain.Account
	var restricted int
	var lastActivity sql.NullString
	err := row.Scan(&a.ID, &a.Phone, &a.SessionCipher, &a.APIID, &a.APIHash,
		&a.DailyLimit, &a.SentToday, &restricted, &lastActivity, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.IsRestricted = restricted != 0
	if lastActivity.Valid {
		a.LastActivityAt = &lastActivity.String
	}
	return a, nil
}

func (r Repo) InsertAccount(ctx context.Context, a domain.Account) error {
	if a.ID == "" {
		return errors.New("id required")
	}
	if a.Phone == "" {
		return errors.New("phone required")
	}
	if a.CreatedAt == "" {
		a.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO accounts(id, phone, session_cipher, api_id, api_hash, daily_limit, sent_today, is_restricted, created_at)
		 VALUES (?,?,?,?,?,?,?,?,?)`,
		a.ID, a.Phone, a.SessionCipher, nullable(a.APIID), nullable(a.APIHash),
		a.DailyLimit, a.SentToday, boolInt(a.IsRestricted), a.CreatedAt)
	return err
}

func (r Repo) GetAccount(ctx context.Context, id string) (domain.Account, error) {
	return scanAccount(r.DB.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id=?`, id))
}

func (r Repo) ListAccounts(ctx context.Context) ([]domain.Account, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM accounts ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) DeleteAccount(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM accounts WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchAccount bumps activity bookkeeping after a completed operation.
func (r Repo) TouchAccount(ctx context.Context, id string, sentDelta int, restricted bool) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := r.DB.ExecContext(ctx,
		`UPDATE accounts SET sent_today=sent_today+?, is_restricted=?, last_activity_at=? WHERE id=?`,
		sentDelta, boolInt(restricted), now, id)
	return err
}

// ResetDailyCounters zeroes sent_today for all accounts. Intended for an
// operator cron at the daily boundary; never called by the execution core.
func (r Repo) ResetDailyCounters(ctx context.Context) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE accounts SET sent_today=0`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r Repo) InsertRun(ctx context.Context, run domain.BulkRun) error {
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO runs(id, job_id, account_id, kind, total_items, success_count, failed_count, started_at, completed_at)
		 VALUES (?,?,?,?,?,?,?,?,?)`,
		run.ID, run.JobID, run.AccountID, run.Kind,
		run.TotalItems, run.SuccessCount, run.FailedCount,
		run.StartedAt, nullablePtr(run.CompletedAt))
	return err
}

func (r Repo) ListRuns(ctx context.Context, accountID string, limit int) ([]domain.BulkRun, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, job_id, account_id, kind, total_items, success_count, failed_count, started_at, completed_at FROM runs`
	var args []any
	if accountID != "" {
		query += ` WHERE account_id=?`
		args = append(args, accountID)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.BulkRun
	for rows.Next() {
		var run domain.BulkRun
		var completed sql.NullString
		if err := rows.Scan(&run.ID, &run.JobID, &run.AccountID, &run.Kind,
			&run.TotalItems, &run.SuccessCount, &run.FailedCount,
			&run.StartedAt, &completed); err != nil {
			return nil, err
		}
		if completed.Valid {
			run.CompletedAt = &completed.String
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

// ActivityAfter returns up to limit activity entries with id greater than
// cursor, oldest first. Used by the webhook dispatcher.
func (r Repo) ActivityAfter(ctx context.Context, limit int, cursor int64) ([]domain.ActivityEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id, ts, COALESCE(job_id,''), COALESCE(account_id,''), kind, COALESCE(target,''), ok, COALESCE(error_kind,'')
		 FROM activity WHERE id > ? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ActivityEntry
	for rows.Next() {
		var e domain.ActivityEntry
		var ok int
		if err := rows.Scan(&e.ID, &e.TS, &e.JobID, &e.AccountID, &e.Kind, &e.Target, &ok, &e.ErrorKind); err != nil {
			return nil, err
		}
		e.OK = ok != 0
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestActivityID returns the highest activity id, or 0 when empty.
func (r Repo) LatestActivityID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM activity`).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id.Int64, nil
}

// --- helpers ---

func nullable(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullablePtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
