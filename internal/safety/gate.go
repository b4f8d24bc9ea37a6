package safety

import (
	"fmt"
	"sync"
	"time"

	"bulkline/internal/domain"
)

// Operation names the kind of remote mutation being gated.
type Operation string

const (
	OpMessage Operation = "message"
	OpInvite  Operation = "invite"
	OpJoin    Operation = "join"
	OpLogin   Operation = "login"
)

type outcome struct {
	success bool
	kind    domain.ErrorKind
	at      time.Time
}

// accountState holds the rolling window and cooldown for one account.
// Each account has its own lock: two jobs sharing an account serialize
// here so they cannot both read "allowed" and jointly bust the budget.
type accountState struct {
	mu            sync.Mutex
	window        []outcome
	cooldownUntil time.Time
}

// Gate is the per-account admission control every mutation passes
// through. It is the single choke point between the execution core and
// the remote platform's abuse countermeasures.
type Gate struct {
	WindowSize       int
	FailureThreshold float64
	DefaultCooldown  time.Duration
	Now              func() time.Time

	mu       sync.Mutex
	accounts map[string]*accountState
}

func NewGate(windowSize int, failureThreshold float64, defaultCooldown time.Duration) *Gate {
	if windowSize <= 0 {
		windowSize = 20
	}
	if failureThreshold <= 0 || failureThreshold > 1 {
		failureThreshold = 0.5
	}
	if defaultCooldown <= 0 {
		defaultCooldown = 5 * time.Minute
	}
	return &Gate{
		WindowSize:       windowSize,
		FailureThreshold: failureThreshold,
		DefaultCooldown:  defaultCooldown,
		Now:              time.Now,
		accounts:         make(map[string]*accountState),
	}
}

func (g *Gate) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

func (g *Gate) state(accountID string) *accountState {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.accounts[accountID]
	if !ok {
		s = &accountState{}
		g.accounts[accountID] = s
	}
	return s
}

// dropAged removes outcomes recorded at or before cutoff. Outcomes age
// out of the window so a failure-rate denial resolves itself once the
// advertised wait has passed.
func (s *accountState) dropAged(cutoff time.Time) {
	i := 0
	for i < len(s.window) && !s.window[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		s.window = append(s.window[:0], s.window[i:]...)
	}
}

// Check decides whether the account may perform one more operation.
// Decisions are computed fresh from the rolling counters; nothing is
// persisted.
func (g *Gate) Check(accountID string, op Operation) domain.SafetyDecision {
	s := g.state(accountID)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := g.now()
	s.dropAged(now.Add(-g.DefaultCooldown))
	if now.Before(s.cooldownUntil) {
		wait := s.cooldownUntil.Sub(now)
		return domain.SafetyDecision{
			Allowed: false,
			Reason:  "cooldown active",
			WaitMs:  wait.Milliseconds(),
		}
	}
	if len(s.window) >= g.WindowSize {
		failures := 0
		for _, o := range s.window {
			if !o.success {
				failures++
			}
		}
		rate := float64(failures) / float64(len(s.window))
		if rate >= g.FailureThreshold {
			return domain.SafetyDecision{
				Allowed: false,
				Reason:  fmt.Sprintf("failure rate %.0f%% over last %d operations", rate*100, len(s.window)),
				WaitMs:  g.DefaultCooldown.Milliseconds(),
			}
		}
	}
	return domain.SafetyDecision{Allowed: true}
}

// Record feeds one operation outcome into the rolling window. Flood
// results set or extend the cooldown, preferring the server-suggested
// wait when one was parsed from the error.
func (g *Gate) Record(accountID string, op Operation, success bool, kind domain.ErrorKind, suggestedWait time.Duration) {
	s := g.state(accountID)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := g.now()
	s.dropAged(now.Add(-g.DefaultCooldown))
	s.window = append(s.window, outcome{success: success, kind: kind, at: now})
	if len(s.window) > g.WindowSize {
		s.window = s.window[len(s.window)-g.WindowSize:]
	}
	if kind == domain.ErrKindFlood {
		cooldown := g.DefaultCooldown
		if suggestedWait > 0 {
			cooldown = suggestedWait
		}
		until := now.Add(cooldown)
		if until.After(s.cooldownUntil) {
			s.cooldownUntil = until
		}
	}
}

// Snapshot returns success/failure counts over the current window.
// Operator-facing; the gate itself only needs the ratio.
func (g *Gate) Snapshot(accountID string) (successes, failures int, cooldownUntil time.Time) {
	s := g.state(accountID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropAged(g.now().Add(-g.DefaultCooldown))
	for _, o := range s.window {
		if o.success {
			successes++
		} else {
			failures++
		}
	}
	return successes, failures, s.cooldownUntil
}
