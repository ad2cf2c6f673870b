package engine

import (
	"context"
	"time"

	"github.com/TD-Producoes/revshare-sub005/internal/logging"
	"github.com/TD-Producoes/revshare-sub005/internal/tasks"
)

// Sweeper flips lapsed records of one kind to expired.
type Sweeper interface {
	ExpireStale(ctx context.Context) (int, error)
}

// Task names of the expiry janitor.
const (
	TaskExpireIntents = "expire-intents"
	TaskExpirePlans   = "expire-plans"
	TaskExpireClaims  = "expire-claims"
)

// SweepTask wraps s as a background task. Expiry is applied lazily on every
// read, the sweep only keeps stored statuses accurate for listings.
func SweepTask(subject string, s Sweeper) tasks.TaskFunc {
	return func(ctx context.Context, logger logging.InternalLogger) error {
		n, err := s.ExpireStale(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			logger.Info("expired %d stale %s", n, subject)
		}
		return nil
	}
}

// RegisterJanitor registers the sweeps with m. A non-positive interval makes them trigger-only.
func RegisterJanitor(m *tasks.Manager, interval time.Duration, intents, plans, claims Sweeper) {
	if interval < 0 {
		interval = 0
	}
	m.Register(TaskExpireIntents, interval, SweepTask("intents", intents))
	m.Register(TaskExpirePlans, interval, SweepTask("plans", plans))
	if claims != nil {
		m.Register(TaskExpireClaims, interval, SweepTask("claims", claims))
	}
}
