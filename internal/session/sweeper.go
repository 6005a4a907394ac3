package session

import (
	"context"
	"log/slog"
	"time"
)

// Sweep calls CleanupExpired every interval until ctx is done. Failures
// are logged and the next tick tries again.
func Sweep(ctx context.Context, store Store, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.CleanupExpired(ctx)
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn("session cleanup failed", slog.String("error", err.Error()))
				}

				continue
			}

			if n > 0 {
				logger.Debug("expired sessions removed", slog.Int("count", n))
			}
		}
	}
}
