package mxrelay

import "errors"

// Aggregate outcomes of Forward, per spec §4.3. ErrAllFailed and
// ErrPartialFailure are returned alongside a *Result so the caller can
// inspect per-recipient detail; a nil error means every recipient was
// delivered.
var (
	ErrAllFailed      = errors.New("mxrelay: delivery failed for all recipients")
	ErrPartialFailure = errors.New("mxrelay: delivery failed for some recipients")
)
