package notification

import "errors"

var (
	// ErrSendFailed wraps any channel delivery failure so callers can test
	// with errors.Is regardless of the underlying transport error.
	ErrSendFailed = errors.New("notification send failed")

	// ErrNotConfigured is returned by Deliver on a channel whose
	// configuration is incomplete. Configured channels never return it.
	ErrNotConfigured = errors.New("notification channel not configured")
)
