package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"bulkline/internal/config"
	"bulkline/internal/db"
	"bulkline/internal/domain"
	"bulkline/internal/engine"
	"bulkline/internal/migrate"
	"bulkline/internal/queue"
	"bulkline/internal/remote"
	"bulkline/internal/repo"
)

// okClient succeeds at every mutation; extraction is unused here.
type okClient struct{}

func (okClient) ListMembers(ctx context.Context, sourceID string, offset, pageSize int) (remote.MemberPage, error) {
	return remote.MemberPage{}, nil
}
func (okClient) InviteMember(ctx context.Context, targetID, remoteUserID string) error { return nil }
func (okClient) SendMessage(ctx context.Context, targetID, text string) (string, error) {
	return "msg-1", nil
}
func (okClient) JoinCommunity(ctx context.Context, link string) error        { return nil }
func (okClient) SendLoginCode(ctx context.Context, phoneNumber string) error { return nil }
func (okClient) ConfirmLoginCode(ctx context.Context, phoneNumber, code, password string) error {
	return nil
}
func (okClient) Close() error { return nil }

func newPool(t *testing.T, dialErr error) (*Pool, *queue.Queue) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	cfg := config.Default()
	cfg.Workers.PoolSize = 1
	cfg.Workers.PollIntervalMs = 5
	cfg.Mutation.DelayMs = 1
	cfg.Mutation.JitterMs = 0

	dialer := remote.DialerFunc(func(ctx context.Context, creds remote.Credentials) (remote.Client, error) {
		if dialErr != nil {
			return nil, dialErr
		}
		return okClient{}, nil
	})
	box, err := repo.NewCredentialBox(nil)
	if err != nil {
		t.Fatalf("credential box: %v", err)
	}
	r := repo.Repo{DB: conn}
	if err := r.InsertAccount(context.Background(), domain.Account{
		ID: "acct", Phone: "+15550001111", SessionCipher: "blob",
	}); err != nil {
		t.Fatalf("insert account: %v", err)
	}

	q := queue.New(conn)
	eng := engine.New(conn, cfg, q, remote.NewPool(dialer, r, box))
	eng.Sleep = func(ctx context.Context, d time.Duration) error { return nil }
	eng.Jitter = func(time.Duration) time.Duration { return 0 }
	return New(q, eng, cfg), q
}

func enqueueAndClaim(t *testing.T, q *queue.Queue) domain.Job {
	t.Helper()
	ctx := context.Background()
	payload := []byte(`{"account_id":"acct","user_ids":["u1"],"message_template":"hi"}`)
	if _, err := q.Enqueue(ctx, domain.JobSendMessages, payload); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job, err := q.Claim(ctx, "w1", time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	return job
}

func TestProcessCompletesSuccessfulJob(t *testing.T) {
	p, q := newPool(t, nil)
	ctx := context.Background()
	job := enqueueAndClaim(t, q)

	p.process(ctx, "w1", job)

	got, err := q.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != domain.StateCompleted {
		t.Fatalf("state = %s, want completed", got.State)
	}
	if got.ResultJSON == nil || *got.ResultJSON == "" {
		t.Fatal("completed job should carry a result")
	}
}

func TestProcessRequeuesRetryableFailure(t *testing.T) {
	p, q := newPool(t, errors.New("connection refused"))
	ctx := context.Background()
	job := enqueueAndClaim(t, q)

	p.process(ctx, "w1", job)

	got, err := q.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != domain.StateWaiting {
		t.Fatalf("state = %s, want waiting for retry", got.State)
	}
	if got.Error == nil || *got.Error == "" {
		t.Fatal("failed attempt should record the error")
	}
}

func TestProcessFailsFatalErrorTerminally(t *testing.T) {
	p, q := newPool(t, nil)
	ctx := context.Background()
	job := enqueueAndClaim(t, q)
	// Corrupt the in-memory copy so the handler rejects it outright.
	job.Type = "make-coffee"

	p.process(ctx, "w1", job)

	got, err := q.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != domain.StateFailed {
		t.Fatalf("state = %s, want failed without retry", got.State)
	}
}

func TestProcessSettlesCancelledJob(t *testing.T) {
	p, q := newPool(t, nil)
	ctx := context.Background()
	job := enqueueAndClaim(t, q)
	if _, err := q.Cancel(ctx, job.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	p.process(ctx, "w1", job)

	got, err := q.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != domain.StateCancelled {
		t.Fatalf("state = %s, want cancelled", got.State)
	}
}

func TestRunDrainsQueue(t *testing.T) {
	p, q := newPool(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	payload := []byte(`{"account_id":"acct","user_ids":["u1"],"message_template":"hi"}`)
	job, err := q.Enqueue(ctx, domain.JobSendMessages, payload)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for {
		got, err := q.Get(context.Background(), job.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.State == domain.StateCompleted {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("job stuck in state %s", got.State)
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop after cancel")
	}
}

func TestDispatchLimiterSlidingWindow(t *testing.T) {
	l := newDispatchLimiter(2)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	if !l.allow(base) || !l.allow(base) {
		t.Fatal("first two dispatches should pass")
	}
	if l.allow(base) {
		t.Fatal("third dispatch inside the window should be denied")
	}
	if l.allow(base.Add(500 * time.Millisecond)) {
		t.Fatal("window has not rolled yet")
	}
	if !l.allow(base.Add(1100 * time.Millisecond)) {
		t.Fatal("dispatch should pass once the window rolls")
	}
}

func TestDispatchLimiterZeroDisables(t *testing.T) {
	l := newDispatchLimiter(0)
	now := time.Now()
	for i := 0; i < 1000; i++ {
		if !l.allow(now) {
			t.Fatal("disabled limiter must always allow")
		}
	}
}
