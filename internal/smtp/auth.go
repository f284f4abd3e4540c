package smtp

import (
	"context"
	"encoding/base64"
	"errors"
	"regexp"
	"strings"

	"github.com/infodancer/smtpd/internal/mailstore"
)

// authPattern matches AUTH commands: AUTH PLAIN [initial-response]
var authPattern = regexp.MustCompile(`(?i)^AUTH\s+(\w+)(?:\s+(.+))?$`)

// AUTHCommand implements the AUTH command for SMTP authentication.
type AUTHCommand struct {
	store *mailstore.Store
}

func (c *AUTHCommand) Pattern() *regexp.Regexp {
	return authPattern
}

func (c *AUTHCommand) Execute(ctx context.Context, session *SMTPSession, matches []string) (SMTPResult, error) {
	mechanism := strings.ToUpper(matches[1])
	initialResponse := ""
	if len(matches) > 2 {
		initialResponse = matches[2]
	}

	// Security check 1: Already authenticated?
	if session.IsAuthenticated() {
		return SMTPResult{
			Code:    503,
			Message: "5.5.1 Bad sequence of commands",
		}, nil
	}

	// Security check 2: Must have greeted first
	if session.State() < StateGreeted {
		return SMTPResult{
			Code:    503,
			Message: "5.5.1 Bad sequence of commands",
		}, nil
	}

	// Security check 3: PLAIN/LOGIN require TLS (except localhost)
	if (mechanism == "PLAIN" || mechanism == "LOGIN") && !session.IsTLSActive() {
		clientIP := session.ConnInfo().ClientIP
		if !isLocalhost(clientIP) {
			return SMTPResult{
				Code:    538,
				Message: "5.7.11 Encryption required for requested authentication mechanism",
			}, nil
		}
	}

	switch mechanism {
	case "PLAIN":
		return c.handlePlain(ctx, session, initialResponse)
	case "LOGIN":
		// LOGIN requires multi-turn support - not implemented yet
		return SMTPResult{
			Code:    504,
			Message: "5.5.4 Unrecognized authentication type",
		}, nil
	default:
		return SMTPResult{
			Code:    504,
			Message: "5.5.4 Unrecognized authentication type",
		}, nil
	}
}

// decodePlain parses RFC 4616 AUTH PLAIN's base64 payload into a
// username/password pair, accepting both the bare and authzid-prefixed
// forms. Leading whitespace on the initial response is trimmed before
// decoding, matching the leniency real MTAs extend to clients.
func decodePlain(initialResponse string) (username, password string, ok bool) {
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimLeft(initialResponse, " "))
	if err != nil {
		return "", "", false
	}

	parts := strings.Split(string(decoded), "\x00")
	switch len(parts) {
	case 3:
		// authzid\0username\0password - authzid is ignored.
		username, password = parts[1], parts[2]
	case 2:
		username, password = parts[0], parts[1]
	default:
		return "", "", false
	}
	return username, password, username != "" && password != ""
}

// handlePlain implements AUTH PLAIN mechanism (RFC 4616), verifying
// credentials against the configured MailStore.
func (c *AUTHCommand) handlePlain(ctx context.Context, session *SMTPSession, initialResponse string) (SMTPResult, error) {
	if initialResponse == "" {
		// Client didn't provide initial response - not supported yet
		// Would need to send 334 and read continuation, which requires
		// handler support for multi-turn commands.
		return SMTPResult{
			Code:    535,
			Message: "5.7.8 Authentication credentials invalid",
		}, nil
	}

	username, password, ok := decodePlain(initialResponse)
	if !ok {
		return SMTPResult{
			Code:    501,
			Message: "5.5.2 Cannot decode AUTH PLAIN response",
		}, nil
	}

	if c.store == nil {
		return SMTPResult{
			Code:    454,
			Message: "4.7.0 Temporary authentication failure",
		}, nil
	}

	err := c.store.Login(ctx, username, password)
	if err != nil {
		// Both "no such user" and "bad credentials" map to the same
		// response, avoiding username enumeration.
		if errors.Is(err, mailstore.ErrNoSuchUser) || errors.Is(err, mailstore.ErrBadCredentials) {
			return SMTPResult{
				Code:    535,
				Message: "5.7.8 Authentication credentials invalid",
			}, nil
		}
		return SMTPResult{
			Code:    454,
			Message: "4.7.0 Temporary authentication failure",
		}, nil
	}

	session.SetAuthenticated(username, "PLAIN")
	return SMTPResult{
		Code:    235,
		Message: "2.7.0 Authentication successful",
	}, nil
}
