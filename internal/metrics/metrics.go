// Package metrics provides interfaces and implementations for collecting
// SMTP server metrics. This package defines the Collector interface for
// recording metrics and the Server interface for exposing them.
package metrics

import "context"

// Collector defines the interface for recording SMTP server metrics.
type Collector interface {
	// Connection metrics
	ConnectionOpened()
	ConnectionClosed()
	TLSConnectionEstablished()

	// Message metrics
	MessageReceived(recipientDomain string, sizeBytes int64)
	MessageRejected(recipientDomain string, reason string)

	// Authentication metrics
	AuthAttempt(authDomain string, success bool)

	// Command metrics
	CommandProcessed(command string)

	// Delivery metrics
	DeliveryCompleted(recipientDomain string, result string)

	// Anti-spam metrics
	SPFCheckCompleted(senderDomain string, result string)
	DKIMCheckCompleted(senderDomain string, result string)
	DMARCCheckCompleted(senderDomain string, result string)
	RBLHit(listName string)

	// RspamdCheckCompleted records the outcome of an external spam check
	// (e.g. rspamd) for a sender domain, with its raw score.
	RspamdCheckCompleted(senderDomain string, result string, score float64)
}

// Server defines the interface for a metrics HTTP server.
type Server interface {
	// Start begins serving metrics. It blocks until the context is canceled
	// or an error occurs.
	Start(ctx context.Context) error

	// Shutdown gracefully stops the metrics server.
	Shutdown(ctx context.Context) error
}
