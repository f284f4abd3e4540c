package mailstore

import "errors"

// Result errors returned by Store operations. These replace the
// exception-for-control-flow pattern of the source this core is
// modelled on (original_source's IMailDB throws MailException on every
// failure path) with a typed result enumeration, per the design notes.
var (
	ErrUserExists     = errors.New("mailstore: user already exists")
	ErrHashFailure    = errors.New("mailstore: password hashing failed")
	ErrNoSuchUser     = errors.New("mailstore: no such user")
	ErrBadCredentials = errors.New("mailstore: bad credentials")
	ErrWriteFailure   = errors.New("mailstore: write failed")
	ErrAcquireTimeout = errors.New("mailstore: connection pool acquire timed out")
	ErrQueueFull      = errors.New("mailstore: write-behind queue full")
	ErrNotLoggedIn    = errors.New("mailstore: no authenticated identity for this lease")
)
