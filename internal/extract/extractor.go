package extract

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bulkline/internal/domain"
	"bulkline/internal/remote"
)

// ErrFatal marks extraction aborted after repeated page failures, as
// opposed to running out of items or hitting the limit (both normal).
var ErrFatal = errors.New("extraction failed")

// ErrCancelled is returned when the cancellation probe fires between pages.
var ErrCancelled = errors.New("extraction cancelled")

const maxConsecutiveErrors = 3

// Options narrows which members are extracted. Filters are evaluated
// before the batch callback, so consumers never see rejected items.
type Options struct {
	Mode            domain.ExtractMode
	ActivityDays    int
	RequireUsername bool
	RequirePhoto    bool
	PremiumOnly     bool
	ExcludeBots     bool
	// Limit caps the number of items yielded; zero means unlimited.
	Limit int
	// Cancelled is probed between pages; nil means never cancelled.
	Cancelled func() bool
}

// BatchFunc receives one filtered page at a time, bounding memory even
// for million-member communities.
type BatchFunc func(items []domain.ExtractedItem) error

// Extractor streams a community's member list page by page.
type Extractor struct {
	PageSize  int
	PageDelay time.Duration
	Now       func() time.Time
	// Sleep is the cooperative wait between pages and before retries.
	Sleep func(ctx context.Context, d time.Duration) error
}

func New(pageSize int, pageDelay time.Duration) *Extractor {
	if pageSize <= 0 {
		pageSize = 100
	}
	return &Extractor{
		PageSize:  pageSize,
		PageDelay: pageDelay,
		Now:       time.Now,
		Sleep:     sleepCtx,
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

func (e *Extractor) sleep(ctx context.Context, d time.Duration) error {
	if e.Sleep != nil {
		return e.Sleep(ctx, d)
	}
	return sleepCtx(ctx, d)
}

// Run paginates sourceID's member list, applies the filters, and invokes
// onBatch once per page. It returns the number of items yielded. A page
// fetch failure is retried after 2^consecutiveErrors seconds; three
// consecutive failures abort with ErrFatal.
func (e *Extractor) Run(ctx context.Context, client remote.Client, sourceID string, opts Options, onBatch BatchFunc) (int, error) {
	offset := 0
	total := 0
	consecutiveErrors := 0

	for {
		if opts.Cancelled != nil && opts.Cancelled() {
			return total, ErrCancelled
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}

		page, err := client.ListMembers(ctx, sourceID, offset, e.PageSize)
		if err != nil {
			consecutiveErrors++
			if consecutiveErrors >= maxConsecutiveErrors {
				return total, fmt.Errorf("%w: page at offset %d: %v", ErrFatal, offset, err)
			}
			backoff := time.Duration(1<<consecutiveErrors) * time.Second
			if serr := e.sleep(ctx, backoff); serr != nil {
				return total, serr
			}
			continue
		}
		consecutiveErrors = 0

		batch := filterItems(page.Items, opts, e.now())
		if opts.Limit > 0 && total+len(batch) > opts.Limit {
			batch = batch[:opts.Limit-total]
		}
		if len(batch) > 0 {
			if err := onBatch(batch); err != nil {
				return total, err
			}
			total += len(batch)
		}
		if opts.Limit > 0 && total >= opts.Limit {
			return total, nil
		}
		if !page.HasMore {
			return total, nil
		}
		offset = page.NextOffset

		if err := e.sleep(ctx, e.PageDelay); err != nil {
			return total, err
		}
	}
}

func (e *Extractor) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func filterItems(items []domain.ExtractedItem, opts Options, now time.Time) []domain.ExtractedItem {
	out := make([]domain.ExtractedItem, 0, len(items))
	activityCutoff := int64(0)
	days := opts.ActivityDays
	if opts.Mode == domain.ExtractEngaged && days == 0 {
		days = 30
	}
	if days > 0 {
		activityCutoff = now.Add(-time.Duration(days) * 24 * time.Hour).Unix()
	}
	for _, it := range items {
		if opts.ExcludeBots && it.IsBot {
			continue
		}
		if opts.RequireUsername && it.Username == "" {
			continue
		}
		if opts.RequirePhoto && !it.HasPhoto {
			continue
		}
		if opts.PremiumOnly && !it.IsPremium {
			continue
		}
		if opts.Mode == domain.ExtractAdmins && !it.IsAdmin {
			continue
		}
		if activityCutoff > 0 {
			if it.LastSeen == nil || *it.LastSeen < activityCutoff {
				continue
			}
		}
		out = append(out, it)
	}
	return out
}
