// Adapted from gomind's core.LoggingMiddleware: there the wrapped unit
// was an http.Handler logging method/path/status/duration with
// dev-mode-vs-prod-mode verbosity; here the wrapped unit is a per-Kind
// message handler, logging kind/duration/outcome with the same
// dev-mode-verbose / prod-mode-errors-and-slow-only filtering.
package ipc

import (
	"context"
	"time"

	"github.com/itsneelabh/bridge/core"
)

// HandlerFunc processes one decoded Envelope's body.
type HandlerFunc func(ctx context.Context, env Envelope) error

// LoggingMiddleware wraps next so every dispatch through it logs kind,
// duration, and outcome. In dev mode every message is logged at Debug;
// otherwise only errors and messages slower than slowThreshold are
// logged, matching the verbosity policy of the teacher's HTTP
// middleware.
func LoggingMiddleware(logger core.Logger, devMode bool, slowThreshold time.Duration) func(HandlerFunc) HandlerFunc {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, env Envelope) error {
			start := time.Now()
			err := next(ctx, env)
			duration := time.Since(start)

			fields := map[string]interface{}{
				"kind":        string(env.Kind),
				"seq":         env.Seq,
				"duration_ms": duration.Milliseconds(),
			}

			if err != nil {
				fields["error"] = err.Error()
				logger.ErrorWithContext(ctx, "ipc message handling failed", fields)
				return err
			}

			if devMode {
				logger.DebugWithContext(ctx, "ipc message handled", fields)
			} else if duration >= slowThreshold {
				logger.WarnWithContext(ctx, "slow ipc message", fields)
			}
			return nil
		}
	}
}
