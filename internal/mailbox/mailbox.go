// Package mailbox defines the remote mail protocol boundary: the
// connection interface the rest of the system programs against, the
// auth transports that produce connections, and the error kinds that
// drive retry policy.
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nhle/mail-classifier/internal/model"
)

// AuthError indicates the remote service rejected the credentials.
// Never retried; counts against the auth-attempt limiter.
type AuthError struct {
	Principal string
	Message   string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed for %s: %s", e.Principal, e.Message)
}

// IsAuthError reports whether err (or any error in its chain) is an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// ConnError indicates a transient network failure (timeout, reset,
// DNS). Subject to capped exponential backoff retry.
type ConnError struct {
	Addr    string
	Message string
}

func (e *ConnError) Error() string {
	return fmt.Sprintf("connection error (%s): %s", e.Addr, e.Message)
}

// IsConnError reports whether err (or any error in its chain) is a ConnError.
func IsConnError(err error) bool {
	var connErr *ConnError
	return errors.As(err, &connErr)
}

// Item is one remote mail item prepared for classification.
type Item struct {
	ID      string // IMAP UID rendered as a string
	Subject string
	From    string
	Date    time.Time
	Labels  []string
	Text    string // extracted plain-text body
}

// Page is one bounded page of remote items plus the cursor for the
// next page.
type Page struct {
	Items      []Item
	NextCursor string
	HasMore    bool
}

// FolderStatus reports the state of a selected folder.
type FolderStatus struct {
	Name        string
	NumMessages uint32
	UIDValidity uint32
}

// Conn is one live authenticated handle to the remote mailbox. A Conn
// serves one logical stream of operations at a time; the protocol does
// not allow concurrent use of the same handle.
type Conn interface {
	// Noop probes the connection (keepalive).
	Noop(ctx context.Context) error

	// ListFolders returns all folders in the account.
	ListFolders(ctx context.Context) ([]model.Folder, error)

	// SelectFolder opens a folder for subsequent fetches.
	SelectFolder(ctx context.Context, name string) (*FolderStatus, error)

	// FetchPage returns up to size items after the cursor position in
	// the selected folder.
	FetchPage(ctx context.Context, cursor string, size int) (*Page, error)

	// FetchItemLabels returns the authoritative label set for one item
	// in the selected folder.
	FetchItemLabels(ctx context.Context, itemID string) ([]string, error)

	// MutateLabel adds or removes a label on one item in the selected
	// folder.
	MutateLabel(ctx context.Context, itemID, label string, add bool) error

	// Logout ends the remote session. Idempotent.
	Logout(ctx context.Context) error
}

// Transport authenticates a principal and yields a live connection.
// One implementation per credential kind (password, OAuth token),
// selected at construction time.
type Transport interface {
	Authenticate(ctx context.Context, principal, secret string) (Conn, error)
}

// Cursor is the decoded form of the opaque page token: the folder
// generation (UIDVALIDITY) and the last UID already committed.
type Cursor struct {
	UIDValidity uint32
	LastUID     uint32
}

// ParseCursor decodes an opaque page token. An empty token means the
// start of the folder.
func ParseCursor(token string) (Cursor, error) {
	if token == "" {
		return Cursor{}, nil
	}
	parts := strings.SplitN(token, ":", 2)
	if len(parts) != 2 {
		return Cursor{}, fmt.Errorf("malformed cursor %q", token)
	}
	validity, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return Cursor{}, fmt.Errorf("malformed cursor %q: %w", token, err)
	}
	last, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return Cursor{}, fmt.Errorf("malformed cursor %q: %w", token, err)
	}
	return Cursor{UIDValidity: uint32(validity), LastUID: uint32(last)}, nil
}

// String encodes the cursor as an opaque token.
func (c Cursor) String() string {
	return fmt.Sprintf("%d:%d", c.UIDValidity, c.LastUID)
}
