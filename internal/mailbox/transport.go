package mailbox

import (
	"context"
	"fmt"

	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"
)

// PasswordTransport authenticates with LOGIN using a password or
// app-password.
type PasswordTransport struct {
	server string
	port   int
}

// NewPasswordTransport creates a password-based auth transport for the
// given IMAP endpoint.
func NewPasswordTransport(server string, port int) *PasswordTransport {
	return &PasswordTransport{server: server, port: port}
}

// Authenticate dials the endpoint over TLS and logs in. A rejected
// login yields an AuthError; a failed dial yields a ConnError.
func (t *PasswordTransport) Authenticate(
	_ context.Context,
	principal, secret string,
) (Conn, error) {
	addr := fmt.Sprintf("%s:%d", t.server, t.port)

	client, err := imapclient.DialTLS(addr, nil)
	if err != nil {
		return nil, &ConnError{Addr: addr, Message: fmt.Sprintf("dialing: %v", err)}
	}

	if err := client.Login(principal, secret).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, &AuthError{
			Principal: principal,
			Message:   err.Error(),
		}
	}

	return &imapConn{client: client, addr: addr}, nil
}

// OAuthTransport authenticates with SASL OAUTHBEARER using an
// OAuth-issued access token as the secret.
type OAuthTransport struct {
	server string
	port   int
}

// NewOAuthTransport creates an OAuth-based auth transport for the
// given IMAP endpoint.
func NewOAuthTransport(server string, port int) *OAuthTransport {
	return &OAuthTransport{server: server, port: port}
}

// Authenticate dials the endpoint over TLS and presents the bearer
// token. A rejected token yields an AuthError; a failed dial yields a
// ConnError.
func (t *OAuthTransport) Authenticate(
	_ context.Context,
	principal, secret string,
) (Conn, error) {
	addr := fmt.Sprintf("%s:%d", t.server, t.port)

	client, err := imapclient.DialTLS(addr, nil)
	if err != nil {
		return nil, &ConnError{Addr: addr, Message: fmt.Sprintf("dialing: %v", err)}
	}

	saslClient := sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
		Username: principal,
		Token:    secret,
		Host:     t.server,
		Port:     t.port,
	})

	if err := client.Authenticate(saslClient); err != nil {
		_ = client.Logout().Wait()
		return nil, &AuthError{
			Principal: principal,
			Message:   err.Error(),
		}
	}

	return &imapConn{client: client, addr: addr}, nil
}
