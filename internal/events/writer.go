package events

import (
	"context"
	"database/sql"
	"time"

	"bulkline/internal/domain"
)

// Writer appends rows to the activity log. One entry per completed remote
// operation plus job lifecycle markers; the webhook dispatcher tails it.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

func (w Writer) Append(ctx context.Context, e domain.ActivityEntry) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if e.TS == "" {
		e.TS = now().UTC().Format(time.RFC3339)
	}
	_, err := w.DB.ExecContext(ctx,
		`INSERT INTO activity(ts, job_id, account_id, kind, target, ok, error_kind) VALUES (?,?,?,?,?,?,?)`,
		e.TS, nullable(e.JobID), nullable(e.AccountID), e.Kind, nullable(e.Target), boolInt(e.OK), nullable(e.ErrorKind))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
