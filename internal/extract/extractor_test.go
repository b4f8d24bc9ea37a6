package extract_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"bulkline/internal/domain"
	"bulkline/internal/extract"
	"bulkline/internal/remote"
)

// pagedClient serves a fixed member list in pages and counts calls.
// Errors can be injected per ListMembers call index (0-based).
type pagedClient struct {
	members  []domain.ExtractedItem
	failOn   map[int]bool
	failAll  bool
	calls    int
	pageSize int
}

func (c *pagedClient) ListMembers(ctx context.Context, sourceID string, offset, pageSize int) (remote.MemberPage, error) {
	call := c.calls
	c.calls++
	c.pageSize = pageSize
	if c.failAll || c.failOn[call] {
		return remote.MemberPage{}, fmt.Errorf("server error on call %d", call)
	}
	end := offset + pageSize
	if end > len(c.members) {
		end = len(c.members)
	}
	if offset > len(c.members) {
		offset = len(c.members)
	}
	return remote.MemberPage{
		Items:      c.members[offset:end],
		NextOffset: end,
		HasMore:    end < len(c.members),
	}, nil
}

func (c *pagedClient) InviteMember(ctx context.Context, targetID, remoteUserID string) error {
	return nil
}
func (c *pagedClient) SendMessage(ctx context.Context, targetID, text string) (string, error) {
	return "", nil
}
func (c *pagedClient) JoinCommunity(ctx context.Context, link string) error            { return nil }
func (c *pagedClient) SendLoginCode(ctx context.Context, phone string) error           { return nil }
func (c *pagedClient) ConfirmLoginCode(ctx context.Context, phone, code, pw string) error { return nil }
func (c *pagedClient) Close() error                                                    { return nil }

func members(n int) []domain.ExtractedItem {
	out := make([]domain.ExtractedItem, n)
	for i := range out {
		out[i] = domain.ExtractedItem{RemoteID: fmt.Sprintf("u%d", i)}
	}
	return out
}

func newExtractor() (*extract.Extractor, *[]time.Duration) {
	e := extract.New(100, time.Second)
	var sleeps []time.Duration
	e.Sleep = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}
	e.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return e, &sleeps
}

func TestRunStopsAtLimitWithoutTrailingDelay(t *testing.T) {
	e, sleeps := newExtractor()
	client := &pagedClient{members: members(1000)}

	var batches []int
	total, err := e.Run(context.Background(), client, "src", extract.Options{Limit: 250}, func(items []domain.ExtractedItem) error {
		batches = append(batches, len(items))
		return nil
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if total != 250 {
		t.Fatalf("total = %d, want 250", total)
	}
	if len(batches) != 3 || batches[0] != 100 || batches[1] != 100 || batches[2] != 50 {
		t.Fatalf("batches = %v, want [100 100 50]", batches)
	}
	if client.calls != 3 {
		t.Fatalf("calls = %d, want 3", client.calls)
	}
	// inter-page delays only between fetched pages, none after the last
	if len(*sleeps) != 2 {
		t.Fatalf("sleeps = %v, want two page delays", *sleeps)
	}
}

func TestRunExhaustsSourceWhenUnderLimit(t *testing.T) {
	e, _ := newExtractor()
	client := &pagedClient{members: members(130)}

	total, err := e.Run(context.Background(), client, "src", extract.Options{Limit: 500}, func([]domain.ExtractedItem) error {
		return nil
	})
	if err != nil || total != 130 {
		t.Fatalf("total = %d err = %v, want 130", total, err)
	}
}

func TestRunRetriesWithExponentialBackoff(t *testing.T) {
	e, sleeps := newExtractor()
	client := &pagedClient{
		members: members(50),
		failOn:  map[int]bool{0: true, 1: true},
	}

	total, err := e.Run(context.Background(), client, "src", extract.Options{}, func([]domain.ExtractedItem) error {
		return nil
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if total != 50 {
		t.Fatalf("total = %d, want 50", total)
	}
	// two failures: 2s then 4s before the third call succeeds
	if len(*sleeps) < 2 || (*sleeps)[0] != 2*time.Second || (*sleeps)[1] != 4*time.Second {
		t.Fatalf("backoff sleeps = %v", *sleeps)
	}
}

func TestRunAbortsAfterThreeConsecutiveFailures(t *testing.T) {
	e, _ := newExtractor()
	client := &pagedClient{failAll: true}

	_, err := e.Run(context.Background(), client, "src", extract.Options{}, func([]domain.ExtractedItem) error {
		return nil
	})
	if !errors.Is(err, extract.ErrFatal) {
		t.Fatalf("err = %v, want ErrFatal", err)
	}
	if client.calls != 3 {
		t.Fatalf("calls = %d, want 3", client.calls)
	}
}

func TestRunFailureCounterResetsOnSuccess(t *testing.T) {
	e, _ := newExtractor()
	// failures are spread out, never three in a row
	client := &pagedClient{
		members: members(250),
		failOn:  map[int]bool{0: true, 1: true, 3: true, 4: true},
	}

	total, err := e.Run(context.Background(), client, "src", extract.Options{}, func([]domain.ExtractedItem) error {
		return nil
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if total != 250 {
		t.Fatalf("total = %d, want 250", total)
	}
}

func TestRunCancellationBetweenPages(t *testing.T) {
	e, _ := newExtractor()
	client := &pagedClient{members: members(500)}

	pages := 0
	cancelled := false
	total, err := e.Run(context.Background(), client, "src", extract.Options{
		Cancelled: func() bool { return cancelled },
	}, func(items []domain.ExtractedItem) error {
		pages++
		if pages == 2 {
			cancelled = true
		}
		return nil
	})
	if !errors.Is(err, extract.ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	if total != 200 {
		t.Fatalf("total = %d, want the two pages delivered before cancel", total)
	}
}

func TestFiltersApplyBeforeBatch(t *testing.T) {
	e, _ := newExtractor()
	lastWeek := time.Date(2023, 12, 28, 0, 0, 0, 0, time.UTC).Unix()
	lastYear := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC).Unix()
	client := &pagedClient{members: []domain.ExtractedItem{
		{RemoteID: "bot", IsBot: true, Username: "bot", LastSeen: &lastWeek},
		{RemoteID: "anon", LastSeen: &lastWeek},
		{RemoteID: "stale", Username: "stale", LastSeen: &lastYear},
		{RemoteID: "never", Username: "never"},
		{RemoteID: "keep", Username: "keep", LastSeen: &lastWeek},
	}}

	var got []string
	total, err := e.Run(context.Background(), client, "src", extract.Options{
		Mode:            domain.ExtractEngaged,
		ExcludeBots:     true,
		RequireUsername: true,
	}, func(items []domain.ExtractedItem) error {
		for _, it := range items {
			got = append(got, it.RemoteID)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if total != 1 || len(got) != 1 || got[0] != "keep" {
		t.Fatalf("got %v, want [keep]", got)
	}
}

func TestAdminsMode(t *testing.T) {
	e, _ := newExtractor()
	client := &pagedClient{members: []domain.ExtractedItem{
		{RemoteID: "u1"},
		{RemoteID: "a1", IsAdmin: true},
		{RemoteID: "u2"},
		{RemoteID: "a2", IsAdmin: true},
	}}

	var got []string
	_, err := e.Run(context.Background(), client, "src", extract.Options{Mode: domain.ExtractAdmins}, func(items []domain.ExtractedItem) error {
		for _, it := range items {
			got = append(got, it.RemoteID)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(got) != 2 || got[0] != "a1" || got[1] != "a2" {
		t.Fatalf("admins = %v", got)
	}
}

func TestBatchErrorStopsExtraction(t *testing.T) {
	e, _ := newExtractor()
	client := &pagedClient{members: members(300)}

	sink := errors.New("sink full")
	_, err := e.Run(context.Background(), client, "src", extract.Options{}, func([]domain.ExtractedItem) error {
		return sink
	})
	if !errors.Is(err, sink) {
		t.Fatalf("err = %v, want sink error", err)
	}
	if client.calls != 1 {
		t.Fatalf("calls = %d, want 1", client.calls)
	}
}
