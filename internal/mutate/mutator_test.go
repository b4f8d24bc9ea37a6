package mutate_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"bulkline/internal/domain"
	"bulkline/internal/mutate"
	"bulkline/internal/remote"
	"bulkline/internal/safety"
)

// callClient counts remote calls and fails them with a fixed error.
type callClient struct {
	calls int
	err   error
}

func (c *callClient) ListMembers(ctx context.Context, sourceID string, offset, pageSize int) (remote.MemberPage, error) {
	return remote.MemberPage{}, errors.New("not used")
}

func (c *callClient) InviteMember(ctx context.Context, targetID, remoteUserID string) error {
	c.calls++
	return c.err
}

func (c *callClient) SendMessage(ctx context.Context, targetID, text string) (string, error) {
	c.calls++
	return "msg-1", c.err
}

func (c *callClient) JoinCommunity(ctx context.Context, link string) error {
	c.calls++
	return c.err
}

func (c *callClient) SendLoginCode(ctx context.Context, phoneNumber string) error {
	c.calls++
	return c.err
}

func (c *callClient) ConfirmLoginCode(ctx context.Context, phoneNumber, code, password string) error {
	c.calls++
	return c.err
}

func (c *callClient) Close() error { return nil }

func newMutator(now time.Time) *mutate.Mutator {
	gate := safety.NewGate(4, 0.75, time.Minute)
	gate.Now = func() time.Time { return now }
	return mutate.New(gate)
}

func TestSendMessageSuccessRecordsOutcome(t *testing.T) {
	m := newMutator(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	client := &callClient{}

	res := m.SendMessage(context.Background(), client, "acct", "target", "hello")
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if client.calls != 1 {
		t.Fatalf("calls = %d, want 1", client.calls)
	}

	succ, fail, _ := m.Gate.Snapshot("acct")
	if succ != 1 || fail != 0 {
		t.Fatalf("snapshot = %d/%d, want 1 success", succ, fail)
	}
}

func TestFailureIsClassifiedAndRecorded(t *testing.T) {
	m := newMutator(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	client := &callClient{err: errors.New("USER_PRIVACY_RESTRICTED")}

	res := m.Invite(context.Background(), client, "acct", "target", domain.ExtractedItem{RemoteID: "u1"})
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.ErrorKind != domain.ErrKindRestriction {
		t.Fatalf("kind = %q, want restriction", res.ErrorKind)
	}
	if res.ErrorText != "USER_PRIVACY_RESTRICTED" {
		t.Fatalf("error text = %q", res.ErrorText)
	}

	_, fail, _ := m.Gate.Snapshot("acct")
	if fail != 1 {
		t.Fatalf("failures = %d, want 1", fail)
	}
}

func TestFloodFailureCarriesSuggestedWait(t *testing.T) {
	m := newMutator(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	client := &callClient{err: errors.New("FLOOD_WAIT_30")}

	res := m.SendMessage(context.Background(), client, "acct", "target", "hello")
	if res.Success || res.ErrorKind != domain.ErrKindFlood {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.WaitMs != 30000 {
		t.Fatalf("wait = %dms, want 30000", res.WaitMs)
	}
}

func TestGateDenialSkipsRemoteCall(t *testing.T) {
	m := newMutator(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	// A flood failure puts the account into cooldown.
	m.SendMessage(context.Background(), &callClient{err: errors.New("FLOOD_WAIT_30")}, "acct", "target", "x")

	client := &callClient{}
	res := m.Join(context.Background(), client, "acct", "https://example.com/join")
	if res.Success {
		t.Fatal("expected denial")
	}
	if client.calls != 0 {
		t.Fatalf("remote called %d times during cooldown", client.calls)
	}
	if res.WaitMs != 30000 {
		t.Fatalf("wait = %dms, want 30000", res.WaitMs)
	}
	if res.ErrorKind != domain.ErrKindNone || res.ErrorText != "" {
		t.Fatalf("denial should not carry an error, got %+v", res)
	}
}

func TestAccountsGatedIndependently(t *testing.T) {
	m := newMutator(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	m.SendMessage(context.Background(), &callClient{err: errors.New("FLOOD_WAIT_30")}, "hot", "target", "x")

	client := &callClient{}
	res := m.SendMessage(context.Background(), client, "cold", "target", "x")
	if !res.Success || client.calls != 1 {
		t.Fatalf("unrelated account blocked: %+v, calls=%d", res, client.calls)
	}
}
