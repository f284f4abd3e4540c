package smtp

import (
	"context"
	"errors"
	"regexp"

	"github.com/infodancer/smtpd/internal/mailstore"
)

// registerPattern matches the non-standard REGISTER <base64> extension.
var registerPattern = regexp.MustCompile(`(?i)^REGISTER\s+(\S+)\s*$`)

// RegisterCommand implements the non-standard REGISTER extension used
// for user sign-up: decode, check user_exists, sign_up.
type RegisterCommand struct {
	store *mailstore.Store
}

func (c *RegisterCommand) Pattern() *regexp.Regexp {
	return registerPattern
}

func (c *RegisterCommand) Execute(ctx context.Context, session *SMTPSession, matches []string) (SMTPResult, error) {
	if session.State() < StateGreeted {
		return SMTPResult{Code: 503, Message: "5.5.1 Bad sequence of commands"}, nil
	}

	username, password, ok := decodePlain(matches[1])
	if !ok {
		return SMTPResult{Code: 501, Message: "5.5.2 Cannot decode REGISTER payload"}, nil
	}

	if c.store == nil {
		return SMTPResult{Code: 454, Message: "4.7.0 Registration unavailable"}, nil
	}

	exists, err := c.store.UserExists(ctx, username)
	if err != nil {
		return SMTPResult{Code: 451, Message: "4.3.0 Temporary failure checking registration"}, nil
	}
	if exists {
		return SMTPResult{Code: 550, Message: "5.1.1 User already registered"}, nil
	}

	if err := c.store.SignUp(ctx, username, password); err != nil {
		if errors.Is(err, mailstore.ErrUserExists) {
			return SMTPResult{Code: 550, Message: "5.1.1 User already registered"}, nil
		}
		return SMTPResult{Code: 451, Message: "4.3.0 Temporary failure during registration"}, nil
	}

	return SMTPResult{Code: 250, Message: "User registered successfully"}, nil
}

// vrfyPattern matches VRFY <name>.
var vrfyPattern = regexp.MustCompile(`(?i)^VRFY\s+(.+)$`)

// VRFYCommand implements VRFY: confirm whether a local user exists.
type VRFYCommand struct {
	store *mailstore.Store
}

func (c *VRFYCommand) Pattern() *regexp.Regexp {
	return vrfyPattern
}

func (c *VRFYCommand) Execute(ctx context.Context, session *SMTPSession, matches []string) (SMTPResult, error) {
	name := matches[1]
	if c.store == nil {
		return SMTPResult{Code: 550, Message: "5.1.1 User unknown"}, nil
	}
	exists, err := c.store.UserExists(ctx, name)
	if err != nil {
		return SMTPResult{Code: 451, Message: "4.3.0 Temporary failure during lookup"}, nil
	}
	if !exists {
		return SMTPResult{Code: 550, Message: "5.1.1 User unknown"}, nil
	}
	return SMTPResult{Code: 250, Message: name + " <" + name + ">"}, nil
}

// expnPattern matches EXPN <list>.
var expnPattern = regexp.MustCompile(`(?i)^EXPN\s+(.+)$`)

// EXPNCommand implements EXPN: there is no mailing-list expansion in
// this core, so a list "exists" only when it is itself a registered
// user (degenerate single-member expansion).
type EXPNCommand struct {
	store *mailstore.Store
}

func (c *EXPNCommand) Pattern() *regexp.Regexp {
	return expnPattern
}

func (c *EXPNCommand) Execute(ctx context.Context, session *SMTPSession, matches []string) (SMTPResult, error) {
	name := matches[1]
	if c.store == nil {
		return SMTPResult{Code: 550, Message: "5.1.1 List unknown"}, nil
	}
	exists, err := c.store.UserExists(ctx, name)
	if err != nil {
		return SMTPResult{Code: 451, Message: "4.3.0 Temporary failure during lookup"}, nil
	}
	if !exists {
		return SMTPResult{Code: 550, Message: "5.1.1 List unknown"}, nil
	}
	return SMTPResult{Code: 250, Message: name + " <" + name + ">"}, nil
}

// helpPattern matches HELP, with or without an argument.
var helpPattern = regexp.MustCompile(`(?i)^HELP(?:\s.*)?$`)

// HELPCommand implements HELP: reply with the supported command list.
type HELPCommand struct{}

func (c *HELPCommand) Pattern() *regexp.Regexp {
	return helpPattern
}

func (c *HELPCommand) Execute(ctx context.Context, session *SMTPSession, matches []string) (SMTPResult, error) {
	return SMTPResult{
		Code: 214,
		Lines: []string{
			"Commands supported:",
			"EHLO HELO STARTTLS AUTH REGISTER MAIL RCPT DATA",
			"RSET NOOP QUIT HELP VRFY EXPN",
		},
	}, nil
}
