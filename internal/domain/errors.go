package domain

import "errors"

var (
	// ErrPublishUnavailable means the channel did not accept an event. The
	// event is lost; callers log and carry on.
	ErrPublishUnavailable = errors.New("channel unavailable")
	// ErrProcessing wraps store failures inside the processor. The delivery
	// stays unacknowledged and is redelivered.
	ErrProcessing = errors.New("processing failure")
	// ErrReconciliationNotFound reports a deletion for an experiment that has
	// no completed document. It is informational only.
	ErrReconciliationNotFound = errors.New("no completed document to reconcile")
	// ErrMalformedEvent marks payloads redelivery cannot fix.
	ErrMalformedEvent = errors.New("malformed event")
)
