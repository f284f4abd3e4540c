package mail

import "errors"

// MaxAttachmentSize is the per-attachment payload limit (5 MiB).
const MaxAttachmentSize = 5 * 1024 * 1024

// ErrAttachmentTooLarge is returned when a payload exceeds MaxAttachmentSize.
var ErrAttachmentTooLarge = errors.New("mail: attachment exceeds maximum size")

// Attachment is a single MIME part carried alongside a message body.
// Payload is raw bytes in memory; base64 encoding is only a wire
// concern, handled at the session boundary.
type Attachment struct {
	ContentType string
	Filename    string
	Payload     []byte
}

// NewAttachment validates the payload size before constructing an Attachment.
func NewAttachment(contentType, filename string, payload []byte) (Attachment, error) {
	if len(payload) > MaxAttachmentSize {
		return Attachment{}, ErrAttachmentTooLarge
	}
	return Attachment{ContentType: contentType, Filename: filename, Payload: payload}, nil
}
