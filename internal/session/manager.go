// Package session owns the authenticated mailbox sessions: their state
// machine, keepalive and reconnect policy, per-principal eviction, and
// the background staleness sweep.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nhle/mail-classifier/internal/mailbox"
	"github.com/nhle/mail-classifier/internal/model"
	"github.com/nhle/mail-classifier/internal/quota"
)

// ErrSessionNotFound is returned for operations on unknown session ids.
var ErrSessionNotFound = errors.New("session not found")

// keepaliveFailureLimit is how many consecutive keepalive failures move
// a session from CONNECTED to ERROR.
const keepaliveFailureLimit = 3

// Session is one live authenticated handle to the remote service,
// owned exclusively by the Manager.
type Session struct {
	ID           string
	Principal    string
	State        model.SessionState
	CreatedAt    time.Time
	LastActivity time.Time
	RetryCount   int

	conn              mailbox.Conn
	secret            string // retained for reconnect
	keepaliveFailures int
}

// Record returns the persistable view of the session.
func (s *Session) Record() model.SessionRecord {
	return model.SessionRecord{
		ID:           s.ID,
		Principal:    s.Principal,
		State:        s.State,
		RetryCount:   s.RetryCount,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.LastActivity,
	}
}

// Recorder mirrors session lifecycle changes into persistent storage
// so sessions can be listed after the fact. All calls are best-effort.
type Recorder interface {
	UpsertSession(ctx context.Context, rec model.SessionRecord) error
	DeleteSession(ctx context.Context, id string) error
}

// Manager owns the session map and its lifecycle. The single mutex
// guards only map mutation; it is never held across a network call.
type Manager struct {
	transport mailbox.Transport
	guard     *quota.Guard
	recorder  Recorder // may be nil
	logger    *slog.Logger
	cfg       model.SessionConfig

	mu       sync.Mutex
	sessions map[string]*Session

	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool

	// Injectable for tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewManager creates a session manager. The transport decides the auth
// mechanism; the guard enforces the auth-attempt lockout policy.
// recorder and logger may be nil.
func NewManager(
	transport mailbox.Transport,
	guard *quota.Guard,
	recorder Recorder,
	cfg model.SessionConfig,
	logger *slog.Logger,
) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		transport: transport,
		guard:     guard,
		recorder:  recorder,
		logger:    logger,
		cfg:       cfg,
		sessions:  make(map[string]*Session),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Authenticate logs a principal in and registers the resulting session.
// Bad credentials fail immediately and count against the auth-attempt
// limiter; transient failures are retried with capped, jittered
// exponential backoff. If the principal already holds the maximum
// number of sessions, the least-recently-active one is evicted first.
func (m *Manager) Authenticate(
	ctx context.Context,
	principal, secret string,
) (*Session, error) {
	if err := m.guard.CheckAuth(principal); err != nil {
		return nil, err
	}

	conn, attempts, err := m.connect(ctx, principal, secret)
	if err != nil {
		if mailbox.IsAuthError(err) {
			m.guard.RecordFailure(principal)
		}
		return nil, err
	}
	m.guard.RecordSuccess(principal)

	now := m.now()
	sess := &Session{
		ID:           uuid.New().String(),
		Principal:    principal,
		State:        model.SessionConnected,
		CreatedAt:    now,
		LastActivity: now,
		RetryCount:   attempts,
		conn:         conn,
		secret:       secret,
	}

	evicted := m.register(sess)
	for _, old := range evicted {
		m.logger.Warn("session cap reached, evicting least-recently-active session",
			"principal", principal, "evicted", old.ID)
		m.closeSession(ctx, old)
	}

	m.record(ctx, sess)
	m.logger.Info("session established", "session", sess.ID, "principal", principal)
	return sess, nil
}

// connect dials and authenticates with retry policy: auth errors are
// never retried, transient errors back off exponentially up to the
// configured attempt limit. Returns the number of retries consumed.
func (m *Manager) connect(
	ctx context.Context,
	principal, secret string,
) (mailbox.Conn, int, error) {
	base := time.Duration(m.cfg.BackoffBaseSec) * time.Second
	cap := time.Duration(m.cfg.BackoffCapSec) * time.Second

	var lastErr error
	for attempt := 0; attempt < m.cfg.MaxRetries; attempt++ {
		conn, err := m.transport.Authenticate(ctx, principal, secret)
		if err == nil {
			return conn, attempt, nil
		}
		if mailbox.IsAuthError(err) {
			return nil, attempt, err
		}

		lastErr = err
		if attempt < m.cfg.MaxRetries-1 {
			delay := backoff(attempt, base, cap)
			m.logger.Warn("connection attempt failed, retrying",
				"principal", principal, "attempt", attempt+1, "delay", delay, "error", err)
			if err := m.sleep(ctx, delay); err != nil {
				return nil, attempt, err
			}
		}
	}

	return nil, m.cfg.MaxRetries, fmt.Errorf(
		"connecting after %d attempts: %w", m.cfg.MaxRetries, lastErr,
	)
}

// register inserts the session, evicting least-recently-active
// sessions of the same principal beyond the cap. Only map mutation
// happens under the lock; the evicted sessions are returned for the
// caller to close.
func (m *Manager) register(sess *Session) []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	var evicted []*Session
	for {
		var owned []*Session
		for _, s := range m.sessions {
			if s.Principal == sess.Principal {
				owned = append(owned, s)
			}
		}
		if len(owned) < m.cfg.MaxPerPrincipal {
			break
		}

		oldest := owned[0]
		for _, s := range owned[1:] {
			if s.LastActivity.Before(oldest.LastActivity) {
				oldest = s
			}
		}
		delete(m.sessions, oldest.ID)
		evicted = append(evicted, oldest)
	}

	m.sessions[sess.ID] = sess
	return evicted
}

// Keepalive probes the session's connection. Consecutive failures
// beyond the limit move the session to ERROR and trigger reconnect
// attempts under the standard backoff policy.
func (m *Manager) Keepalive(ctx context.Context, id string) error {
	sess, err := m.get(id)
	if err != nil {
		return err
	}

	if err := sess.conn.Noop(ctx); err == nil {
		m.mu.Lock()
		sess.keepaliveFailures = 0
		sess.LastActivity = m.now()
		m.mu.Unlock()
		return nil
	} else {
		m.mu.Lock()
		sess.keepaliveFailures++
		failures := sess.keepaliveFailures
		if failures >= keepaliveFailureLimit {
			sess.State = model.SessionError
		}
		m.mu.Unlock()

		m.logger.Warn("keepalive failed",
			"session", id, "consecutive_failures", failures, "error", err)

		if failures < keepaliveFailureLimit {
			return err
		}
	}

	// Three consecutive failures: give up on the connection and
	// re-establish it.
	return m.reconnect(ctx, sess)
}

// reconnect re-authenticates an ERROR session in place. While attempts
// remain the session cycles ERROR -> CONNECTING; when they run out it
// stays ERROR and the failure is surfaced.
func (m *Manager) reconnect(ctx context.Context, sess *Session) error {
	m.mu.Lock()
	sess.State = model.SessionConnecting
	m.mu.Unlock()

	conn, attempts, err := m.connect(ctx, sess.Principal, sess.secret)

	m.mu.Lock()
	defer m.mu.Unlock()
	sess.RetryCount = attempts
	if err != nil {
		sess.State = model.SessionError
		return fmt.Errorf("reconnecting session %s: %w", sess.ID, err)
	}

	sess.conn = conn
	sess.State = model.SessionConnected
	sess.keepaliveFailures = 0
	sess.LastActivity = m.now()
	return nil
}

// IsAlive reports whether the session exists, is CONNECTED, and
// responds to a probe. A failed probe moves the session to ERROR.
func (m *Manager) IsAlive(ctx context.Context, id string) bool {
	sess, err := m.get(id)
	if err != nil {
		return false
	}

	m.mu.Lock()
	state := sess.State
	m.mu.Unlock()
	if state != model.SessionConnected {
		return false
	}

	if err := sess.conn.Noop(ctx); err != nil {
		m.mu.Lock()
		sess.State = model.SessionError
		m.mu.Unlock()
		return false
	}

	m.mu.Lock()
	sess.LastActivity = m.now()
	m.mu.Unlock()
	return true
}

// Disconnect logs the session out and removes it. Idempotent: a
// missing session is not an error, and the session is removed from the
// active set even when the remote logout fails.
func (m *Manager) Disconnect(ctx context.Context, id string) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}

	m.closeSession(ctx, sess)
	return nil
}

// Conn returns the live connection for a CONNECTED session and marks
// it active.
func (m *Manager) Conn(id string) (mailbox.Conn, error) {
	sess, err := m.get(id)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if sess.State != model.SessionConnected {
		return nil, fmt.Errorf("session %s is %s", id, sess.State)
	}
	sess.LastActivity = m.now()
	return sess.conn, nil
}

// Sessions returns a snapshot of all live sessions.
func (m *Manager) Sessions() []model.SessionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	records := make([]model.SessionRecord, 0, len(m.sessions))
	for _, s := range m.sessions {
		records = append(records, s.Record())
	}
	return records
}

// Start launches the background sweep that disconnects sessions idle
// beyond the stale threshold. Sweep failures are logged and never stop
// the loop.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	go m.sweepLoop()
}

func (m *Manager) sweepLoop() {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.cfg.SweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweep(context.Background())
		}
	}
}

// sweep disconnects all sessions idle beyond the stale threshold.
// Cleanup is best-effort: a failed logout still removes the session.
func (m *Manager) sweep(ctx context.Context) {
	cutoff := m.now().Add(-m.cfg.StaleTimeout())

	m.mu.Lock()
	var stale []*Session
	for id, s := range m.sessions {
		if s.LastActivity.Before(cutoff) {
			stale = append(stale, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range stale {
		m.logger.Info("sweeping stale session",
			"session", s.ID, "principal", s.Principal, "idle_since", s.LastActivity)
		m.closeSession(ctx, s)
	}

	if len(stale) > 0 {
		m.logger.Info("sweep complete", "cleaned", len(stale))
	}
}

// Close stops the sweep loop and disconnects every session with a
// best-effort grace period. Sessions that do not close in time are
// abandoned; local resources are released regardless.
func (m *Manager) Close(grace time.Duration) {
	m.mu.Lock()
	wasRunning := m.running
	if m.running {
		m.running = false
		close(m.stopCh)
	}
	sessions := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		sessions = append(sessions, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, s := range sessions {
			m.closeSession(ctx, s)
		}
	}()

	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("shutdown grace period elapsed, abandoning remote logout",
			"sessions", len(sessions))
	}

	if wasRunning {
		select {
		case <-m.doneCh:
		case <-time.After(grace):
		}
	}
}

// closeSession logs out best-effort and records the final state. The
// session is already out of the map when this is called.
func (m *Manager) closeSession(ctx context.Context, sess *Session) {
	if err := sess.conn.Logout(ctx); err != nil {
		m.logger.Warn("remote logout failed", "session", sess.ID, "error", err)
	}

	m.mu.Lock()
	sess.State = model.SessionDisconnected
	m.mu.Unlock()

	m.record(ctx, sess)
}

// record mirrors the session into persistent storage, best-effort.
func (m *Manager) record(ctx context.Context, sess *Session) {
	if m.recorder == nil {
		return
	}

	m.mu.Lock()
	rec := sess.Record()
	m.mu.Unlock()

	if err := m.recorder.UpsertSession(ctx, rec); err != nil {
		m.logger.Warn("recording session state failed", "session", sess.ID, "error", err)
	}
}

// get looks up a session by id.
func (m *Manager) get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrSessionNotFound)
	}
	return sess, nil
}
