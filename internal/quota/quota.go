// Package quota bounds the rate of outbound calls per independent
// scope and enforces a lockout policy on repeated authentication
// failures.
package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nhle/mail-classifier/internal/model"
)

// Scope identifies an independent rate-limited call path.
type Scope string

const (
	ScopeMailbox  Scope = "mailbox"
	ScopeClassify Scope = "classify"
)

// RateLimitedError reports that a scope's local quota was exceeded.
type RateLimitedError struct {
	Scope Scope
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded for scope %q", e.Scope)
}

// LockoutError reports that a principal is locked out from
// authenticating. Remaining tells the caller how long to wait.
type LockoutError struct {
	Principal string
	Remaining time.Duration
}

func (e *LockoutError) Error() string {
	return fmt.Sprintf(
		"too many failed authentication attempts; try again in %d seconds",
		int(e.Remaining.Seconds()),
	)
}

// Guard owns one rate limiter per scope plus the per-principal
// authentication attempt limiter. Safe for concurrent use.
type Guard struct {
	limiters map[Scope]*rate.Limiter

	mu             sync.Mutex
	failedAttempts map[string][]time.Time
	lockoutUntil   map[string]time.Time

	window      time.Duration
	maxFailures int
	lockoutCap  time.Duration

	now func() time.Time
}

// NewGuard builds a Guard from quota configuration.
func NewGuard(cfg model.QuotaConfig) *Guard {
	return &Guard{
		limiters: map[Scope]*rate.Limiter{
			ScopeMailbox:  rate.NewLimiter(rate.Limit(cfg.MailboxPerSec), cfg.MailboxBurst),
			ScopeClassify: rate.NewLimiter(rate.Limit(cfg.ClassifyPerSec), cfg.ClassifyBurst),
		},
		failedAttempts: make(map[string][]time.Time),
		lockoutUntil:   make(map[string]time.Time),
		window:         time.Duration(cfg.AuthWindowMin) * time.Minute,
		maxFailures:    cfg.AuthMaxFailures,
		lockoutCap:     time.Duration(cfg.LockoutCapMin) * time.Minute,
		now:            time.Now,
	}
}

// Acquire takes one token from the scope's limiter without blocking.
func (g *Guard) Acquire(scope Scope) error {
	l, ok := g.limiters[scope]
	if !ok {
		return fmt.Errorf("unknown quota scope %q", scope)
	}
	if !l.Allow() {
		return &RateLimitedError{Scope: scope}
	}
	return nil
}

// Wait blocks until the scope's limiter grants a token or ctx is done.
func (g *Guard) Wait(ctx context.Context, scope Scope) error {
	l, ok := g.limiters[scope]
	if !ok {
		return fmt.Errorf("unknown quota scope %q", scope)
	}
	if err := l.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for %s quota: %w", scope, err)
	}
	return nil
}

// CheckAuth reports whether the principal may attempt authentication.
// A locked-out principal gets a LockoutError carrying the remaining
// lockout duration; no remote call should be made.
func (g *Guard) CheckAuth(principal string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()

	if until, ok := g.lockoutUntil[principal]; ok && now.Before(until) {
		return &LockoutError{Principal: principal, Remaining: until.Sub(now)}
	}

	g.pruneLocked(principal, now)

	if len(g.failedAttempts[principal]) >= g.maxFailures {
		lockout := g.lockoutFor(len(g.failedAttempts[principal]))
		g.lockoutUntil[principal] = now.Add(lockout)
		return &LockoutError{Principal: principal, Remaining: lockout}
	}

	return nil
}

// RecordFailure registers one failed authentication attempt for the
// principal within the sliding window.
func (g *Guard) RecordFailure(principal string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.pruneLocked(principal, now)
	g.failedAttempts[principal] = append(g.failedAttempts[principal], now)
}

// RecordSuccess clears the failure history and any lockout for the
// principal.
func (g *Guard) RecordSuccess(principal string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.failedAttempts, principal)
	delete(g.lockoutUntil, principal)
}

// Failures returns the number of in-window failures for the principal.
func (g *Guard) Failures(principal string) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.pruneLocked(principal, g.now())
	return len(g.failedAttempts[principal])
}

// lockoutFor computes the lockout duration for the given failure count:
// 2^(n-maxFailures+1) minutes, doubling per subsequent failure, capped.
func (g *Guard) lockoutFor(failures int) time.Duration {
	exp := failures - g.maxFailures + 1
	if exp < 1 {
		exp = 1
	}
	d := time.Duration(1<<uint(exp)) * time.Minute
	if d > g.lockoutCap {
		d = g.lockoutCap
	}
	return d
}

// pruneLocked drops failure records older than the sliding window.
// Caller holds g.mu.
func (g *Guard) pruneLocked(principal string, now time.Time) {
	cutoff := now.Add(-g.window)
	attempts := g.failedAttempts[principal]
	kept := attempts[:0]
	for _, t := range attempts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) == 0 {
		delete(g.failedAttempts, principal)
		return
	}
	g.failedAttempts[principal] = kept
}
