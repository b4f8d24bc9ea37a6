package safety_test

import (
	"strings"
	"testing"
	"time"

	"bulkline/internal/domain"
	"bulkline/internal/safety"
)

func newGate(window int, threshold float64, cooldown time.Duration) (*safety.Gate, *time.Time) {
	g := safety.NewGate(window, threshold, cooldown)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	g.Now = func() time.Time { return now }
	return g, &now
}

func TestCheckAllowsFreshAccount(t *testing.T) {
	g, _ := newGate(4, 0.5, time.Minute)
	d := g.Check("acc-1", safety.OpMessage)
	if !d.Allowed {
		t.Fatalf("fresh account denied: %+v", d)
	}
}

func TestFloodStartsCooldownWithSuggestedWait(t *testing.T) {
	g, now := newGate(4, 0.5, time.Minute)

	g.Record("acc-1", safety.OpMessage, false, domain.ErrKindFlood, 30*time.Second)

	d := g.Check("acc-1", safety.OpMessage)
	if d.Allowed {
		t.Fatal("expected denial during cooldown")
	}
	if d.WaitMs != 30_000 {
		t.Fatalf("WaitMs = %d, want 30000", d.WaitMs)
	}
	if !strings.Contains(d.Reason, "cooldown") {
		t.Fatalf("reason = %q", d.Reason)
	}

	// halfway through the wait shrinks
	*now = now.Add(10 * time.Second)
	d = g.Check("acc-1", safety.OpMessage)
	if d.Allowed || d.WaitMs != 20_000 {
		t.Fatalf("mid-cooldown: %+v", d)
	}

	// past the cooldown the account is admitted again
	*now = now.Add(21 * time.Second)
	if d := g.Check("acc-1", safety.OpMessage); !d.Allowed {
		t.Fatalf("post-cooldown denied: %+v", d)
	}
}

func TestFloodWithoutSuggestedWaitUsesDefault(t *testing.T) {
	g, _ := newGate(4, 0.5, time.Minute)
	g.Record("acc-1", safety.OpInvite, false, domain.ErrKindFlood, 0)
	d := g.Check("acc-1", safety.OpInvite)
	if d.Allowed || d.WaitMs != 60_000 {
		t.Fatalf("default cooldown: %+v", d)
	}
}

func TestCooldownOnlyExtends(t *testing.T) {
	g, _ := newGate(4, 0.5, time.Minute)
	g.Record("acc-1", safety.OpMessage, false, domain.ErrKindFlood, 50*time.Second)
	// a shorter subsequent wait must not cut the existing cooldown
	g.Record("acc-1", safety.OpMessage, false, domain.ErrKindFlood, 5*time.Second)
	d := g.Check("acc-1", safety.OpMessage)
	if d.Allowed || d.WaitMs != 50_000 {
		t.Fatalf("cooldown shrank: %+v", d)
	}
}

func TestFailureRateTripsOnlyOnFullWindow(t *testing.T) {
	g, _ := newGate(4, 0.5, time.Minute)

	// three failures, window not yet full: still admitted
	for i := 0; i < 3; i++ {
		g.Record("acc-1", safety.OpMessage, false, domain.ErrKindOther, 0)
	}
	if d := g.Check("acc-1", safety.OpMessage); !d.Allowed {
		t.Fatalf("partial window denied: %+v", d)
	}

	// fourth outcome fills the window at 75% failures
	g.Record("acc-1", safety.OpMessage, true, domain.ErrKindNone, 0)
	d := g.Check("acc-1", safety.OpMessage)
	if d.Allowed {
		t.Fatal("expected denial at 75% failure rate")
	}
	if d.WaitMs != 60_000 {
		t.Fatalf("WaitMs = %d, want default cooldown", d.WaitMs)
	}

	// successes push the old failures out of the rolling window
	for i := 0; i < 3; i++ {
		g.Record("acc-1", safety.OpMessage, true, domain.ErrKindNone, 0)
	}
	if d := g.Check("acc-1", safety.OpMessage); !d.Allowed {
		t.Fatalf("recovered window still denied: %+v", d)
	}
}

func TestFailureRateDenialExpiresWithTheWindow(t *testing.T) {
	g, now := newGate(4, 0.5, time.Minute)

	for i := 0; i < 4; i++ {
		g.Record("acc-1", safety.OpMessage, false, domain.ErrKindOther, 0)
	}
	d := g.Check("acc-1", safety.OpMessage)
	if d.Allowed || d.WaitMs != 60_000 {
		t.Fatalf("tripped window: %+v", d)
	}

	// Halfway through the advertised wait the failures are still live.
	*now = now.Add(30 * time.Second)
	if d := g.Check("acc-1", safety.OpMessage); d.Allowed {
		t.Fatal("denial lifted too early")
	}

	// Once the wait has passed the recorded failures age out and the
	// account is admitted again without any new outcomes.
	*now = now.Add(31 * time.Second)
	if d := g.Check("acc-1", safety.OpMessage); !d.Allowed {
		t.Fatalf("account still denied after the advertised wait: %+v", d)
	}

	succ, fail, _ := g.Snapshot("acc-1")
	if succ != 0 || fail != 0 {
		t.Fatalf("aged outcomes still counted: %d/%d", succ, fail)
	}
}

func TestAccountsAreIsolated(t *testing.T) {
	g, _ := newGate(2, 0.5, time.Minute)
	g.Record("bad", safety.OpMessage, false, domain.ErrKindOther, 0)
	g.Record("bad", safety.OpMessage, false, domain.ErrKindOther, 0)

	if d := g.Check("bad", safety.OpMessage); d.Allowed {
		t.Fatal("bad account admitted")
	}
	if d := g.Check("good", safety.OpMessage); !d.Allowed {
		t.Fatalf("unrelated account denied: %+v", d)
	}
}

func TestSnapshotCounts(t *testing.T) {
	g, _ := newGate(10, 0.5, time.Minute)
	g.Record("acc-1", safety.OpMessage, true, domain.ErrKindNone, 0)
	g.Record("acc-1", safety.OpMessage, true, domain.ErrKindNone, 0)
	g.Record("acc-1", safety.OpMessage, false, domain.ErrKindSpam, 0)

	succ, fail, until := g.Snapshot("acc-1")
	if succ != 2 || fail != 1 {
		t.Fatalf("snapshot = %d/%d", succ, fail)
	}
	if !until.IsZero() {
		t.Fatalf("unexpected cooldown: %v", until)
	}
}
