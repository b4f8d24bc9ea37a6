package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"bulkline/internal/config"
	"bulkline/internal/domain"
	"bulkline/internal/events"
	"bulkline/internal/extract"
	"bulkline/internal/mutate"
	"bulkline/internal/queue"
	"bulkline/internal/remote"
	"bulkline/internal/repo"
	"bulkline/internal/safety"
)

// ErrCancelled signals that a handler observed the job's cancel flag and
// stopped at a safe point. The partial result accompanies it.
var ErrCancelled = errors.New("job cancelled")

// FatalError marks a handler failure that must not be retried
// (malformed payload, extraction abort, unknown job type).
type FatalError struct {
	Err error
}

func (e FatalError) Error() string { return e.Err.Error() }
func (e FatalError) Unwrap() error { return e.Err }

func fatal(format string, args ...any) error {
	return FatalError{Err: fmt.Errorf(format, args...)}
}

// IsFatal reports whether err carries a non-retryable handler failure.
func IsFatal(err error) bool {
	var fe FatalError
	return errors.As(err, &fe)
}

// Engine executes claimed jobs. It composes the extraction and mutation
// engines behind per-job-type handlers; the worker pool dispatches into
// Handle and acknowledges the outcome back to the queue.
type Engine struct {
	DB        *sql.DB
	Queue     *queue.Queue
	Repo      repo.Repo
	Events    events.Writer
	Pool      *remote.Pool
	Gate      *safety.Gate
	Extractor *extract.Extractor
	Mutator   *mutate.Mutator
	Config    *config.Config
	Lease     time.Duration
	Now       func() time.Time
	// Sleep is the cooperative inter-item wait; tests substitute a recorder.
	Sleep func(ctx context.Context, d time.Duration) error
	// Jitter returns a random duration in [0, max]; tests pin it to zero.
	Jitter func(max time.Duration) time.Duration
}

func New(db *sql.DB, cfg *config.Config, q *queue.Queue, pool *remote.Pool) *Engine {
	gate := safety.NewGate(
		cfg.Safety.WindowSize,
		cfg.Safety.FailureThreshold,
		time.Duration(cfg.Safety.DefaultCooldownSeconds)*time.Second,
	)
	return &Engine{
		DB:        db,
		Queue:     q,
		Repo:      repo.Repo{DB: db},
		Events:    events.Writer{DB: db},
		Pool:      pool,
		Gate:      gate,
		Extractor: extract.New(cfg.Extraction.PageSize, time.Duration(cfg.Extraction.PageDelayMs)*time.Millisecond),
		Mutator:   mutate.New(gate),
		Config:    cfg,
		Lease:     time.Duration(cfg.Workers.LeaseSeconds) * time.Second,
		Now:       time.Now,
		Sleep:     sleepCtx,
		Jitter:    randJitter,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func randJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max) + 1))
}

// Handle executes one claimed job and returns its result JSON. A
// returned ErrCancelled carries the partial result; FatalError bypasses
// the queue's retry policy.
func (e *Engine) Handle(ctx context.Context, job domain.Job) (string, error) {
	switch job.Type {
	case domain.JobExtractAndAdd:
		return e.handleExtractAndAdd(ctx, job)
	case domain.JobSendMessages:
		return e.handleSendMessages(ctx, job)
	case domain.JobJoinCommunities:
		return e.handleJoinCommunities(ctx, job)
	case domain.JobAddMembers:
		return e.handleAddMembers(ctx, job)
	case domain.JobSendLoginCodes:
		return e.handleLoginCodes(ctx, job, false)
	case domain.JobConfirmLoginCodes:
		return e.handleLoginCodes(ctx, job, true)
	default:
		return "", fatal("unknown job type %q", job.Type)
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) error {
	if e.Sleep != nil {
		return e.Sleep(ctx, d)
	}
	return sleepCtx(ctx, d)
}

func (e *Engine) jitter() time.Duration {
	max := time.Duration(e.Config.Mutation.JitterMs) * time.Millisecond
	if e.Jitter != nil {
		return e.Jitter(max)
	}
	return randJitter(max)
}

// progress reports percent and extends the claim lease; failures here are
// non-fatal, the handler keeps going and the lease is extended on the
// next update.
func (e *Engine) progress(ctx context.Context, jobID string, percent int) {
	_ = e.Queue.UpdateProgress(ctx, jobID, percent, e.Lease)
}

func (e *Engine) cancelled(ctx context.Context, jobID string) bool {
	flag, err := e.Queue.IsCancelRequested(ctx, jobID)
	if err != nil {
		return false
	}
	return flag
}

// delayFor computes the pause before the next mutation item: the larger
// of the configured delay and the gate/server-suggested wait, plus
// random jitter so the cadence does not look mechanical.
func (e *Engine) delayFor(configured time.Duration, res domain.OperationResult) time.Duration {
	d := configured
	if suggested := time.Duration(res.WaitMs) * time.Millisecond; suggested > d {
		d = suggested
	}
	return d + e.jitter()
}

func (e *Engine) configuredDelay(payloadMs int64) time.Duration {
	if payloadMs > 0 {
		return time.Duration(payloadMs) * time.Millisecond
	}
	return time.Duration(e.Config.Mutation.DelayMs) * time.Millisecond
}

// mutationLoop drives the per-item phase shared by every bulk handler.
// Items run strictly sequentially; the per-account order and rate budget
// both depend on that.
type mutationLoop struct {
	jobID        string
	accountID    string
	kind         string
	delay        time.Duration
	progressFrom int
	progressTo   int
}

// runItems applies do(i) over total items, mapping completion onto the
// [progressFrom, progressTo] band. It stops early on cancellation or on
// an account-fatal error; counts accumulated so far are always returned.
func (e *Engine) runItems(ctx context.Context, loop mutationLoop, total int, do func(i int) (domain.OperationResult, string)) (success, failed int, stopErr error) {
	span := loop.progressTo - loop.progressFrom
	for i := 0; i < total; i++ {
		if e.cancelled(ctx, loop.jobID) {
			return success, failed, ErrCancelled
		}
		res, target := do(i)
		if res.Success {
			success++
		} else {
			failed++
		}
		_ = e.Events.Append(ctx, domain.ActivityEntry{
			JobID:     loop.jobID,
			AccountID: loop.accountID,
			Kind:      loop.kind,
			Target:    target,
			OK:        res.Success,
			ErrorKind: string(res.ErrorKind),
		})
		e.progress(ctx, loop.jobID, loop.progressFrom+span*(i+1)/total)

		if res.ErrorKind.AccountFatal() {
			_ = e.Repo.TouchAccount(ctx, loop.accountID, success, true)
			return success, failed, nil
		}
		if i < total-1 {
			if err := e.sleep(ctx, e.delayFor(loop.delay, res)); err != nil {
				return success, failed, err
			}
		}
	}
	_ = e.Repo.TouchAccount(ctx, loop.accountID, success, false)
	return success, failed, nil
}

func (e *Engine) writeRun(ctx context.Context, jobID, accountID, kind string, total, success, failed int, startedAt time.Time) {
	completed := e.now().UTC().Format(time.RFC3339)
	_ = e.Repo.InsertRun(ctx, domain.BulkRun{
		ID:           newRunID(),
		JobID:        jobID,
		AccountID:    accountID,
		Kind:         kind,
		TotalItems:   total,
		SuccessCount: success,
		FailedCount:  failed,
		StartedAt:    startedAt.UTC().Format(time.RFC3339),
		CompletedAt:  &completed,
	})
}

func marshalResult(r domain.JobResult) string {
	b, _ := json.Marshal(r)
	return string(b)
}
