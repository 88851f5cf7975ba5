package quota

import (
	"errors"
	"testing"
	"time"

	"github.com/nhle/mail-classifier/internal/model"
)

func testConfig() model.QuotaConfig {
	return model.QuotaConfig{
		MailboxPerSec:   100,
		MailboxBurst:    100,
		ClassifyPerSec:  100,
		ClassifyBurst:   100,
		AuthWindowMin:   15,
		AuthMaxFailures: 5,
		LockoutCapMin:   64,
	}
}

// newTestGuard returns a guard with a controllable clock.
func newTestGuard(t *testing.T) (*Guard, *time.Time) {
	t.Helper()

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	g := NewGuard(testConfig())
	g.now = func() time.Time { return now }
	return g, &now
}

func TestLockoutAfterMaxFailures(t *testing.T) {
	g, _ := newTestGuard(t)

	for i := 0; i < 4; i++ {
		if err := g.CheckAuth("alice"); err != nil {
			t.Fatalf("attempt %d unexpectedly blocked: %v", i+1, err)
		}
		g.RecordFailure("alice")
	}

	if err := g.CheckAuth("alice"); err != nil {
		t.Fatalf("fifth attempt should be allowed: %v", err)
	}
	g.RecordFailure("alice")

	err := g.CheckAuth("alice")
	var lockErr *LockoutError
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected LockoutError after 5 failures, got %v", err)
	}
	if lockErr.Remaining != 2*time.Minute {
		t.Errorf("first lockout = %s, want 2m", lockErr.Remaining)
	}
}

func TestLockoutDoublesPerExtraFailure(t *testing.T) {
	tests := []struct {
		failures int
		want     time.Duration
	}{
		{5, 2 * time.Minute},
		{6, 4 * time.Minute},
		{7, 8 * time.Minute},
		{8, 16 * time.Minute},
		{9, 32 * time.Minute},
		{10, 64 * time.Minute},
		{11, 64 * time.Minute}, // capped
	}

	g, _ := newTestGuard(t)
	for _, tt := range tests {
		if got := g.lockoutFor(tt.failures); got != tt.want {
			t.Errorf("lockoutFor(%d) = %s, want %s", tt.failures, got, tt.want)
		}
	}
}

func TestLockoutExpires(t *testing.T) {
	g, now := newTestGuard(t)

	for i := 0; i < 5; i++ {
		g.RecordFailure("alice")
	}
	if err := g.CheckAuth("alice"); err == nil {
		t.Fatal("expected lockout")
	}

	// Past the lockout and outside the failure window.
	*now = now.Add(20 * time.Minute)
	if err := g.CheckAuth("alice"); err != nil {
		t.Fatalf("lockout should have expired: %v", err)
	}
}

func TestSuccessClearsFailures(t *testing.T) {
	g, _ := newTestGuard(t)

	for i := 0; i < 4; i++ {
		g.RecordFailure("alice")
	}
	g.RecordSuccess("alice")

	if got := g.Failures("alice"); got != 0 {
		t.Errorf("Failures after success = %d, want 0", got)
	}

	// A fresh failure starts a new count, not a continuation.
	g.RecordFailure("alice")
	if err := g.CheckAuth("alice"); err != nil {
		t.Fatalf("single failure after success should not lock out: %v", err)
	}
}

func TestFailureWindowSlides(t *testing.T) {
	g, now := newTestGuard(t)

	for i := 0; i < 4; i++ {
		g.RecordFailure("alice")
	}

	// The old failures age out of the 15 minute window.
	*now = now.Add(16 * time.Minute)
	g.RecordFailure("alice")

	if got := g.Failures("alice"); got != 1 {
		t.Errorf("in-window failures = %d, want 1", got)
	}
	if err := g.CheckAuth("alice"); err != nil {
		t.Fatalf("should not be locked out: %v", err)
	}
}

func TestPrincipalsAreIndependent(t *testing.T) {
	g, _ := newTestGuard(t)

	for i := 0; i < 5; i++ {
		g.RecordFailure("alice")
	}

	if err := g.CheckAuth("alice"); err == nil {
		t.Fatal("alice should be locked out")
	}
	if err := g.CheckAuth("bob"); err != nil {
		t.Fatalf("bob should be unaffected: %v", err)
	}
}

func TestScopesAreIndependent(t *testing.T) {
	cfg := testConfig()
	cfg.MailboxPerSec = 1
	cfg.MailboxBurst = 1
	g := NewGuard(cfg)

	if err := g.Acquire(ScopeMailbox); err != nil {
		t.Fatalf("first mailbox acquire: %v", err)
	}

	err := g.Acquire(ScopeMailbox)
	var rlErr *RateLimitedError
	if !errors.As(err, &rlErr) {
		t.Fatalf("expected RateLimitedError, got %v", err)
	}

	// The classify scope has its own budget.
	if err := g.Acquire(ScopeClassify); err != nil {
		t.Fatalf("classify scope should be unaffected: %v", err)
	}
}

func TestUnknownScope(t *testing.T) {
	g, _ := newTestGuard(t)
	if err := g.Acquire(Scope("bogus")); err == nil {
		t.Error("expected error for unknown scope")
	}
}
