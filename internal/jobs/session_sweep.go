package jobs

import (
	"context"
	"log"
	"time"

	"vantrack/boarding/internal/boarding"
	"vantrack/boarding/internal/config"
)

// StartSessionSweep expires lapsed open sessions on a fixed interval so
// monitors receive session_ended for windows nobody ended explicitly.
// Lazy expiry on reads keeps the system correct if the sweep is off.
func StartSessionSweep(ctx context.Context, cfg config.Config, tracker *boarding.Tracker) {
	if !cfg.SessionSweepEnabled {
		return
	}
	interval := cfg.SessionSweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	timeout := cfg.SessionSweepTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				tickCtx, cancel := context.WithTimeout(ctx, timeout)
				expired, err := tracker.ExpireLapsed(tickCtx)
				cancel()
				if err != nil {
					log.Printf("session sweep error: %v", err)
					continue
				}
				if expired > 0 {
					log.Printf("session sweep expired %d sessions", expired)
				}
			}
		}
	}()
}
