package session

import (
	"context"
	"log"

	"github.com/webosbrew/dev-manager-desktop/internal/errdefs"
	"github.com/webosbrew/dev-manager-desktop/internal/logging"
)

// DefaultRetryAttempts bounds how often an operation is tried when it keeps
// failing with a transient error.
const DefaultRetryAttempts = 3

// retry runs fn until it succeeds, fails with a non-transient error, the
// context ends or attempts are used up. Each attempt leases a fresh
// connection, so a dead one is replaced rather than retried.
func retry[T any](ctx context.Context, attempts int, op, dev string, fn func() (T, error)) (T, error) {
	if attempts <= 0 {
		attempts = DefaultRetryAttempts
	}
	for attempt := 1; ; attempt++ {
		v, err := fn()
		if err == nil || !errdefs.IsTransient(err) || attempt >= attempts || ctx.Err() != nil {
			return v, err
		}
		log.Printf("[session-mgr] %s on %s: transient failure (attempt %d/%d): %v",
			op, logging.Sanitize(dev), attempt, attempts, err)
	}
}
