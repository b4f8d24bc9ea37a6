package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"bulkline/internal/domain"
	"bulkline/internal/extract"
)

// extractProgressBand is the share of overall progress mapped to the
// extraction phase; mutation owns the rest.
const extractProgressBand = 20

// handleExtractAndAdd drives the composite pipeline: stream the source
// community's members, dedupe, then add each survivor to the target.
func (e *Engine) handleExtractAndAdd(ctx context.Context, job domain.Job) (string, error) {
	var p domain.ExtractAndAddPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil {
		return "", fatal("extract-and-add payload: %v", err)
	}
	if err := p.Validate(); err != nil {
		return "", fatal("extract-and-add payload: %v", err)
	}

	client, err := e.Pool.Get(ctx, p.AccountID)
	if err != nil {
		return "", err
	}
	startedAt := e.now()

	opts := extract.Options{
		Mode:            p.ExtractMode,
		ActivityDays:    p.DaysActive,
		RequireUsername: p.RequireUsername,
		ExcludeBots:     p.ExcludeBots,
		Limit:           p.Limit,
		Cancelled:       func() bool { return e.cancelled(ctx, job.ID) },
	}

	limitBase := p.Limit
	if limitBase < 1 {
		limitBase = 1
	}
	var items []domain.ExtractedItem
	extracted, extractErr := e.Extractor.Run(ctx, client, p.Source, opts, func(batch []domain.ExtractedItem) error {
		items = append(items, batch...)
		pct := extractProgressBand * len(items) / limitBase
		if pct > extractProgressBand {
			pct = extractProgressBand
		}
		e.progress(ctx, job.ID, pct)
		return nil
	})

	result := domain.JobResult{ExtractedCount: extracted}
	switch {
	case errors.Is(extractErr, extract.ErrCancelled):
		e.writeRun(ctx, job.ID, p.AccountID, string(domain.JobExtractAndAdd), extracted, 0, 0, startedAt)
		return marshalResult(result), ErrCancelled
	case errors.Is(extractErr, extract.ErrFatal):
		return "", fatal("extraction aborted: %v", extractErr)
	case extractErr != nil:
		return "", fmt.Errorf("extraction: %w", extractErr)
	}
	e.progress(ctx, job.ID, extractProgressBand)

	candidates := dedupe(items, p.DedupeBy)
	loop := mutationLoop{
		jobID:        job.ID,
		accountID:    p.AccountID,
		kind:         "member.invite",
		delay:        e.configuredDelay(p.DelayMs),
		progressFrom: extractProgressBand,
		progressTo:   100,
	}
	success, failed, stopErr := e.runItems(ctx, loop, len(candidates), func(i int) (domain.OperationResult, string) {
		item := candidates[i]
		return e.Mutator.Invite(ctx, client, p.AccountID, p.Target, item), item.RemoteID
	})
	result.SuccessCount = success
	result.FailedCount = failed
	e.writeRun(ctx, job.ID, p.AccountID, string(domain.JobExtractAndAdd), extracted, success, failed, startedAt)

	if stopErr != nil {
		if errors.Is(stopErr, ErrCancelled) {
			return marshalResult(result), ErrCancelled
		}
		return marshalResult(result), stopErr
	}
	e.progress(ctx, job.ID, 100)
	return marshalResult(result), nil
}

// dedupe collapses items sharing the configured key, preserving the
// extraction order of each first occurrence. Items missing the key
// entirely are kept: extraction filters, not dedup, decide eligibility.
func dedupe(items []domain.ExtractedItem, key domain.DedupeKey) []domain.ExtractedItem {
	seen := make(map[string]struct{}, len(items))
	out := make([]domain.ExtractedItem, 0, len(items))
	for _, it := range items {
		k := it.RemoteID
		if key == domain.DedupeByUsername {
			k = it.Username
		}
		if k != "" {
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
		}
		out = append(out, it)
	}
	return out
}
