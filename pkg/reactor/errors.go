package reactor

import "errors"

var (
	// ErrStopped is returned when a post is attempted on a stopped reactor.
	ErrStopped = errors.New("reactor: stopped")

	// ErrNotStarted is returned by Call before Start.
	ErrNotStarted = errors.New("reactor: not started")
)
