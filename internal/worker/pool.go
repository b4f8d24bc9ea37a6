package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"bulkline/internal/config"
	"bulkline/internal/domain"
	"bulkline/internal/engine"
	"bulkline/internal/queue"
)

// Pool runs a fixed number of workers that claim jobs from the queue
// and execute them through the engine. A global dispatch limiter caps
// how many claims the whole pool makes per second.
type Pool struct {
	Queue        *queue.Queue
	Engine       *engine.Engine
	Size         int
	Lease        time.Duration
	PollInterval time.Duration
	Limiter      *dispatchLimiter
	Now          func() time.Time
}

func New(q *queue.Queue, eng *engine.Engine, cfg *config.Config) *Pool {
	return &Pool{
		Queue:        q,
		Engine:       eng,
		Size:         cfg.Workers.PoolSize,
		Lease:        time.Duration(cfg.Workers.LeaseSeconds) * time.Second,
		PollInterval: time.Duration(cfg.Workers.PollIntervalMs) * time.Millisecond,
		Limiter:      newDispatchLimiter(cfg.Workers.DispatchPerSecond),
	}
}

func (p *Pool) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// Run starts the workers and the stale-lease sweeper and blocks until
// ctx is cancelled.
func (p *Pool) Run(ctx context.Context) {
	log.Printf("worker pool started, size=%d lease=%s poll=%s", p.Size, p.Lease, p.PollInterval)

	var wg sync.WaitGroup
	for i := 0; i < p.Size; i++ {
		owner := fmt.Sprintf("worker-%d-%s", i, uuid.NewString()[:8])
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.workerLoop(ctx, owner)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.sweepLoop(ctx)
	}()
	wg.Wait()
	log.Println("worker pool stopped")
}

func (p *Pool) workerLoop(ctx context.Context, owner string) {
	for {
		if ctx.Err() != nil {
			return
		}
		if !p.Limiter.allow(p.now()) {
			if !sleepCtx(ctx, p.PollInterval) {
				return
			}
			continue
		}
		job, err := p.Queue.Claim(ctx, owner, p.Lease)
		if err != nil {
			if !errors.Is(err, queue.ErrEmpty) && ctx.Err() == nil {
				log.Printf("%s: claim failed: %v", owner, err)
			}
			if !sleepCtx(ctx, p.PollInterval) {
				return
			}
			continue
		}
		p.process(ctx, owner, job)
	}
}

// process runs one claimed job and settles its final state. Handler
// errors other than cancellation go back through Fail, which applies
// the retry policy unless the error is marked fatal.
func (p *Pool) process(ctx context.Context, owner string, job domain.Job) {
	log.Printf("%s: job %s (%s) attempt %d", owner, job.ID, job.Type, job.Attempts)
	jobID := job.ID

	result, err := p.Engine.Handle(ctx, job)
	switch {
	case err == nil:
		if cerr := p.Queue.Complete(ctx, jobID, result); cerr != nil {
			log.Printf("%s: job %s: complete failed: %v", owner, jobID, cerr)
		}
	case errors.Is(err, engine.ErrCancelled):
		if cerr := p.Queue.MarkCancelled(ctx, jobID, result); cerr != nil {
			log.Printf("%s: job %s: cancel settle failed: %v", owner, jobID, cerr)
		}
	default:
		retryable := !engine.IsFatal(err)
		log.Printf("%s: job %s failed (retryable=%t): %v", owner, jobID, retryable, err)
		if ferr := p.Queue.Fail(ctx, jobID, err.Error(), retryable); ferr != nil {
			log.Printf("%s: job %s: fail settle failed: %v", owner, jobID, ferr)
		}
	}
}

func (p *Pool) sweepLoop(ctx context.Context) {
	interval := p.Lease / 2
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.Queue.RecoverStale(ctx)
			if err != nil {
				log.Printf("lease sweep failed: %v", err)
			} else if n > 0 {
				log.Printf("lease sweep recovered %d job(s)", n)
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
