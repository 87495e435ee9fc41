package notify

import "errors"

// Sentinel errors returned by the notify service and its senders. Callers
// should use errors.Is for comparison.
var (
	// ErrSendFailed is returned when a notice could not be delivered through
	// one or more channels (email, webhook). Non-fatal for callers — the
	// daemon's write-back of the registrar status already happened and does
	// not depend on notification delivery (spec.md §4.J DoPoll).
	ErrSendFailed = errors.New("notify: send failed")

	// ErrConfigNotFound is returned when a required configuration key is
	// missing from the settings table (e.g. SMTP not configured yet).
	ErrConfigNotFound = errors.New("notify: configuration not found")

	// ErrInvalidConfig is returned when settings exist but contain invalid or
	// incomplete values (e.g. SMTP host present but port missing).
	ErrInvalidConfig = errors.New("notify: invalid configuration")
)
