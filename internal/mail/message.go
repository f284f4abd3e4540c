package mail

import "errors"

// ErrNoSender is returned by Build when no MAIL FROM has been set.
var ErrNoSender = errors.New("mail: message has no sender")

// ErrNoRecipients is returned by Build when no RCPT TO has been accumulated.
var ErrNoRecipients = errors.New("mail: message has no recipients")

// Message is accumulated across MAIL FROM / RCPT TO / DATA and built
// once at end-of-DATA. A zero-value Message is the state at session
// start and after RSET or a successful end-of-DATA.
type Message struct {
	From        Address
	To          []Address
	Cc          []Address
	Bcc         []Address
	Subject     string
	Body        string
	Attachments []Attachment
}

// Builder accumulates a Message across the MAIL FROM / RCPT TO / DATA
// sequence of one SMTP transaction.
type Builder struct {
	msg Message
	set bool // whether From has been set
}

// SetFrom records the envelope sender.
func (b *Builder) SetFrom(from Address) {
	b.msg.From = from
	b.set = true
}

// AddRecipient appends a RCPT TO recipient.
func (b *Builder) AddRecipient(to Address) {
	b.msg.To = append(b.msg.To, to)
}

// SetBody records the DATA body and subject extracted from its headers.
func (b *Builder) SetBody(subject, body string) {
	b.msg.Subject = subject
	b.msg.Body = body
}

// AddAttachment appends an attachment parsed out of the DATA body.
func (b *Builder) AddAttachment(a Attachment) {
	b.msg.Attachments = append(b.msg.Attachments, a)
}

// Reset discards all accumulated state, as happens on RSET or after a
// successful end-of-DATA.
func (b *Builder) Reset() {
	*b = Builder{}
}

// HasRecipients reports whether at least one RCPT TO has been accumulated.
func (b *Builder) HasRecipients() bool {
	return len(b.msg.To) > 0
}

// Build validates and returns the accumulated Message. The builder is
// not reset by Build; callers reset explicitly after persist/relay.
func (b *Builder) Build() (Message, error) {
	if !b.set || b.msg.From.address == "" {
		return Message{}, ErrNoSender
	}
	if len(b.msg.To) == 0 {
		return Message{}, ErrNoRecipients
	}
	return b.msg, nil
}
