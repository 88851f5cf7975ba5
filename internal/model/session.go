package model

import "time"

// SessionState is the connection state of an authenticated session.
//
// Transitions: CONNECTING -> CONNECTED on login, CONNECTED ->
// DISCONNECTED on logout or sweep, CONNECTED -> ERROR on connection
// loss, ERROR -> CONNECTING while reconnect attempts remain.
type SessionState string

const (
	SessionConnecting   SessionState = "connecting"
	SessionConnected    SessionState = "connected"
	SessionDisconnected SessionState = "disconnected"
	SessionError        SessionState = "error"
)

// SessionRecord is the persisted view of a session, mirrored into the
// store so past and present sessions can be listed from the CLI.
type SessionRecord struct {
	ID           string
	Principal    string
	State        SessionState
	RetryCount   int
	CreatedAt    time.Time
	LastActivity time.Time
}
