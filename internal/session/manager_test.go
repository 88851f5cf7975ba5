package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nhle/mail-classifier/internal/mailbox"
	"github.com/nhle/mail-classifier/internal/model"
	"github.com/nhle/mail-classifier/internal/quota"
)

type fakeConn struct {
	mu      sync.Mutex
	noopErr error
	noops   int
	logouts int
}

func (c *fakeConn) Noop(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.noops++
	return c.noopErr
}

func (c *fakeConn) ListFolders(_ context.Context) ([]model.Folder, error) { return nil, nil }
func (c *fakeConn) SelectFolder(_ context.Context, name string) (*mailbox.FolderStatus, error) {
	return &mailbox.FolderStatus{Name: name}, nil
}
func (c *fakeConn) FetchPage(_ context.Context, _ string, _ int) (*mailbox.Page, error) {
	return &mailbox.Page{}, nil
}
func (c *fakeConn) FetchItemLabels(_ context.Context, _ string) ([]string, error) {
	return nil, nil
}
func (c *fakeConn) MutateLabel(_ context.Context, _, _ string, _ bool) error { return nil }
func (c *fakeConn) Logout(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logouts++
	return nil
}

// fakeTransport replays a scripted sequence of per-call errors; a nil
// entry (or an exhausted script) yields a fresh connection.
type fakeTransport struct {
	mu    sync.Mutex
	errs  []error
	calls int
	conns []*fakeConn
}

func (t *fakeTransport) Authenticate(
	_ context.Context,
	principal, _ string,
) (mailbox.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.calls++
	if len(t.errs) > 0 {
		err := t.errs[0]
		t.errs = t.errs[1:]
		if err != nil {
			return nil, err
		}
	}

	c := &fakeConn{}
	t.conns = append(t.conns, c)
	return c, nil
}

func testSessionConfig() model.SessionConfig {
	return model.SessionConfig{
		MaxPerPrincipal:  5,
		SweepIntervalSec: 300,
		StaleTimeoutMin:  25,
		MaxRetries:       5,
		BackoffBaseSec:   2,
		BackoffCapSec:    15,
	}
}

// newTestManager wires a manager with a stepping clock and recorded
// (never slept) backoff delays.
func newTestManager(
	t *testing.T,
	transport mailbox.Transport,
	cfg model.SessionConfig,
) (*Manager, *[]time.Duration) {
	t.Helper()

	guard := quota.NewGuard(model.QuotaConfig{
		MailboxPerSec: 1000, MailboxBurst: 1000,
		ClassifyPerSec: 1000, ClassifyBurst: 1000,
		AuthWindowMin: 15, AuthMaxFailures: 5, LockoutCapMin: 64,
	})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := NewManager(transport, guard, nil, cfg, logger)

	var sleeps []time.Duration
	m.sleep = func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}

	clk := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time {
		clk = clk.Add(time.Second)
		return clk
	}

	return m, &sleeps
}

func connErr() error {
	return &mailbox.ConnError{Addr: "imap.example.com:993", Message: "connection reset"}
}

func TestAuthenticateSuccess(t *testing.T) {
	transport := &fakeTransport{}
	m, sleeps := newTestManager(t, transport, testSessionConfig())

	sess, err := m.Authenticate(context.Background(), "alice@example.com", "secret")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	if sess.State != model.SessionConnected {
		t.Errorf("state = %s, want connected", sess.State)
	}
	if sess.RetryCount != 0 {
		t.Errorf("retry count = %d, want 0", sess.RetryCount)
	}
	if transport.calls != 1 {
		t.Errorf("transport called %d times, want 1", transport.calls)
	}
	if len(*sleeps) != 0 {
		t.Errorf("backoff slept %d times on clean connect", len(*sleeps))
	}

	if _, err := m.Conn(sess.ID); err != nil {
		t.Errorf("Conn: %v", err)
	}
}

func TestAuthFailureNotRetried(t *testing.T) {
	transport := &fakeTransport{errs: []error{
		&mailbox.AuthError{Principal: "alice@example.com", Message: "invalid credentials"},
	}}
	m, sleeps := newTestManager(t, transport, testSessionConfig())

	_, err := m.Authenticate(context.Background(), "alice@example.com", "wrong")
	if !mailbox.IsAuthError(err) {
		t.Fatalf("expected AuthError, got %v", err)
	}

	if transport.calls != 1 {
		t.Errorf("auth failure retried: %d transport calls", transport.calls)
	}
	if len(*sleeps) != 0 {
		t.Errorf("backoff applied to auth failure")
	}
	if got := m.guard.Failures("alice@example.com"); got != 1 {
		t.Errorf("recorded failures = %d, want 1", got)
	}
}

func TestTransientFailuresRetriedWithBackoff(t *testing.T) {
	transport := &fakeTransport{errs: []error{connErr(), connErr(), nil}}
	m, sleeps := newTestManager(t, transport, testSessionConfig())

	sess, err := m.Authenticate(context.Background(), "alice@example.com", "secret")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	if transport.calls != 3 {
		t.Fatalf("transport called %d times, want 3", transport.calls)
	}
	if sess.RetryCount != 2 {
		t.Errorf("retry count = %d, want 2", sess.RetryCount)
	}

	// Base 2s doubling per attempt, each within its ±25% jitter band.
	wantBands := []struct{ lo, hi time.Duration }{
		{1500 * time.Millisecond, 2500 * time.Millisecond},
		{3 * time.Second, 5 * time.Second},
	}
	if len(*sleeps) != len(wantBands) {
		t.Fatalf("slept %d times, want %d", len(*sleeps), len(wantBands))
	}
	for i, band := range wantBands {
		if d := (*sleeps)[i]; d < band.lo || d > band.hi {
			t.Errorf("delay %d = %s, want within [%s, %s]", i, d, band.lo, band.hi)
		}
	}

	// Transient failures never count against the auth limiter.
	if got := m.guard.Failures("alice@example.com"); got != 0 {
		t.Errorf("transient failures recorded as auth failures: %d", got)
	}
}

func TestRetriesExhausted(t *testing.T) {
	transport := &fakeTransport{errs: []error{
		connErr(), connErr(), connErr(), connErr(), connErr(),
	}}
	m, sleeps := newTestManager(t, transport, testSessionConfig())

	_, err := m.Authenticate(context.Background(), "alice@example.com", "secret")
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if !mailbox.IsConnError(err) {
		t.Errorf("expected wrapped ConnError, got %v", err)
	}
	if transport.calls != 5 {
		t.Errorf("transport called %d times, want 5", transport.calls)
	}
	// No sleep after the final attempt.
	if len(*sleeps) != 4 {
		t.Errorf("slept %d times, want 4", len(*sleeps))
	}
}

func TestBackoffCapped(t *testing.T) {
	base := 2 * time.Second
	cap := 15 * time.Second

	for attempt := 0; attempt < 10; attempt++ {
		d := backoff(attempt, base, cap)
		if max := cap + cap/4; d > max {
			t.Errorf("backoff(%d) = %s exceeds cap band %s", attempt, d, max)
		}
		if d <= 0 {
			t.Errorf("backoff(%d) = %s, want positive", attempt, d)
		}
	}
}

func TestLockedOutPrincipalNeverDials(t *testing.T) {
	transport := &fakeTransport{}
	m, _ := newTestManager(t, transport, testSessionConfig())

	for i := 0; i < 5; i++ {
		m.guard.RecordFailure("alice@example.com")
	}

	_, err := m.Authenticate(context.Background(), "alice@example.com", "secret")
	var lockErr *quota.LockoutError
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected LockoutError, got %v", err)
	}
	if transport.calls != 0 {
		t.Errorf("locked-out principal reached the transport %d times", transport.calls)
	}
}

func TestEvictionIsLeastRecentlyActive(t *testing.T) {
	cfg := testSessionConfig()
	cfg.MaxPerPrincipal = 2

	transport := &fakeTransport{}
	m, _ := newTestManager(t, transport, cfg)
	ctx := context.Background()

	first, err := m.Authenticate(ctx, "alice@example.com", "secret")
	if err != nil {
		t.Fatalf("first Authenticate: %v", err)
	}
	second, err := m.Authenticate(ctx, "alice@example.com", "secret")
	if err != nil {
		t.Fatalf("second Authenticate: %v", err)
	}

	// Touch the first session so the second becomes least recently
	// active.
	if _, err := m.Conn(first.ID); err != nil {
		t.Fatalf("touching first session: %v", err)
	}

	third, err := m.Authenticate(ctx, "alice@example.com", "secret")
	if err != nil {
		t.Fatalf("third Authenticate: %v", err)
	}

	if _, err := m.Conn(second.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("second session should be evicted, got %v", err)
	}
	if _, err := m.Conn(first.ID); err != nil {
		t.Errorf("first session should survive: %v", err)
	}
	if _, err := m.Conn(third.ID); err != nil {
		t.Errorf("third session should be live: %v", err)
	}

	// The evicted connection was logged out.
	if transport.conns[1].logouts != 1 {
		t.Errorf("evicted conn logouts = %d, want 1", transport.conns[1].logouts)
	}
}

func TestEvictionIsPerPrincipal(t *testing.T) {
	cfg := testSessionConfig()
	cfg.MaxPerPrincipal = 1

	transport := &fakeTransport{}
	m, _ := newTestManager(t, transport, cfg)
	ctx := context.Background()

	alice, err := m.Authenticate(ctx, "alice@example.com", "secret")
	if err != nil {
		t.Fatalf("alice Authenticate: %v", err)
	}
	if _, err := m.Authenticate(ctx, "bob@example.com", "secret"); err != nil {
		t.Fatalf("bob Authenticate: %v", err)
	}

	// Bob's session must not evict Alice's.
	if _, err := m.Conn(alice.ID); err != nil {
		t.Errorf("alice's session evicted by bob's: %v", err)
	}
}

func TestKeepaliveFailureThreshold(t *testing.T) {
	transport := &fakeTransport{}
	m, _ := newTestManager(t, transport, testSessionConfig())
	ctx := context.Background()

	sess, err := m.Authenticate(ctx, "alice@example.com", "secret")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	// Break the connection: the first two failures keep the session
	// connected.
	transport.conns[0].noopErr = connErr()
	for i := 0; i < keepaliveFailureLimit-1; i++ {
		if err := m.Keepalive(ctx, sess.ID); err == nil {
			t.Fatalf("keepalive %d should fail", i+1)
		}
		if sess.State != model.SessionConnected {
			t.Fatalf("state after failure %d = %s, want connected", i+1, sess.State)
		}
	}

	// The third consecutive failure triggers reconnect, which succeeds
	// against the healthy fake transport.
	if err := m.Keepalive(ctx, sess.ID); err != nil {
		t.Fatalf("keepalive with reconnect: %v", err)
	}
	if sess.State != model.SessionConnected {
		t.Errorf("state after reconnect = %s, want connected", sess.State)
	}
	if transport.calls != 2 {
		t.Errorf("transport calls = %d, want 2 (initial + reconnect)", transport.calls)
	}

	// A successful probe resets the failure count.
	if err := m.Keepalive(ctx, sess.ID); err != nil {
		t.Errorf("keepalive on fresh conn: %v", err)
	}
}

func TestKeepaliveReconnectExhausted(t *testing.T) {
	cfg := testSessionConfig()
	cfg.MaxRetries = 2

	transport := &fakeTransport{}
	m, _ := newTestManager(t, transport, cfg)
	ctx := context.Background()

	sess, err := m.Authenticate(ctx, "alice@example.com", "secret")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	transport.conns[0].noopErr = connErr()
	transport.errs = []error{connErr(), connErr()}

	for i := 0; i < keepaliveFailureLimit; i++ {
		err = m.Keepalive(ctx, sess.ID)
	}
	if err == nil {
		t.Fatal("expected reconnect failure")
	}
	if sess.State != model.SessionError {
		t.Errorf("state = %s, want error after failed reconnect", sess.State)
	}
	if m.IsAlive(ctx, sess.ID) {
		t.Error("errored session reported alive")
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	transport := &fakeTransport{}
	m, _ := newTestManager(t, transport, testSessionConfig())
	ctx := context.Background()

	sess, err := m.Authenticate(ctx, "alice@example.com", "secret")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	if err := m.Disconnect(ctx, sess.ID); err != nil {
		t.Fatalf("first Disconnect: %v", err)
	}
	if err := m.Disconnect(ctx, sess.ID); err != nil {
		t.Fatalf("second Disconnect: %v", err)
	}
	if err := m.Disconnect(ctx, "never-existed"); err != nil {
		t.Fatalf("Disconnect of unknown id: %v", err)
	}

	if transport.conns[0].logouts != 1 {
		t.Errorf("logouts = %d, want 1", transport.conns[0].logouts)
	}
	if _, err := m.Conn(sess.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("disconnected session still resolvable: %v", err)
	}
}

func TestSweepRemovesStaleSessions(t *testing.T) {
	transport := &fakeTransport{}
	m, _ := newTestManager(t, transport, testSessionConfig())
	ctx := context.Background()

	stale, err := m.Authenticate(ctx, "alice@example.com", "secret")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	// Age the session past the stale threshold, then create a fresh one.
	m.mu.Lock()
	stale.LastActivity = stale.LastActivity.Add(-30 * time.Minute)
	m.mu.Unlock()

	fresh, err := m.Authenticate(ctx, "alice@example.com", "secret")
	if err != nil {
		t.Fatalf("second Authenticate: %v", err)
	}

	m.sweep(ctx)

	if _, err := m.Conn(stale.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("stale session survived sweep: %v", err)
	}
	if _, err := m.Conn(fresh.ID); err != nil {
		t.Errorf("fresh session swept: %v", err)
	}
	if transport.conns[0].logouts != 1 {
		t.Errorf("stale conn logouts = %d, want 1", transport.conns[0].logouts)
	}
}

func TestIsAliveProbes(t *testing.T) {
	transport := &fakeTransport{}
	m, _ := newTestManager(t, transport, testSessionConfig())
	ctx := context.Background()

	sess, err := m.Authenticate(ctx, "alice@example.com", "secret")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	if !m.IsAlive(ctx, sess.ID) {
		t.Error("healthy session reported dead")
	}

	transport.conns[0].noopErr = connErr()
	if m.IsAlive(ctx, sess.ID) {
		t.Error("broken session reported alive")
	}
	if sess.State != model.SessionError {
		t.Errorf("state after failed probe = %s, want error", sess.State)
	}

	if m.IsAlive(ctx, "unknown") {
		t.Error("unknown session reported alive")
	}
}
