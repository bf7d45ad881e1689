package worker

import (
	"context"
	"time"
)

// Keep-alive defaults.
const (
	DefaultKeepAliveDelay    = 2 * time.Second
	DefaultKeepAliveInterval = 60 * time.Second
)

// keepAlive sends a hello after KeepAliveDelay and then every
// KeepAliveInterval.
func (w *Worker) keepAlive(ctx context.Context) error {
	if w.opts.KeepAliveInterval <= 0 {
		return nil
	}

	timer := time.NewTimer(w.opts.KeepAliveDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return ctx.Err()
	}
	w.Hello()

	ticker := time.NewTicker(w.opts.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.Hello()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
