package live

import "errors"

var (
	// ErrSessionClosed is returned by sends after the channel was closed.
	ErrSessionClosed = errors.New("live: session closed")

	// ErrSessionErrored wraps the transport error that ended a session.
	ErrSessionErrored = errors.New("live: session errored")

	// ErrRateLimited marks a transport error caused by the service asking the
	// client to slow down (HTTP 429, RESOURCE_EXHAUSTED, close code 1013).
	ErrRateLimited = errors.New("live: rate limited")

	// ErrSessionDegraded is returned when rate-limit retries are exhausted.
	// The session stays open; the failed request is dropped.
	ErrSessionDegraded = errors.New("live: session degraded")
)
