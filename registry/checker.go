package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// ErrCheckerStarted is returned when Start is called twice.
var ErrCheckerStarted = errors.New("health checker already started")

// Checker runs CheckAll on a cron schedule. The registry records each
// probe result; callers query IsAvailable/GetModule between runs. A
// timed-out or failed probe is never retried early — freshness comes
// only from the next scheduled run.
type Checker struct {
	registry *Registry
	schedule string
	logger   *slog.Logger
	cron     *cron.Cron
	entry    cron.EntryID
}

// NewChecker creates a periodic checker. schedule accepts the cron spec
// formats of robfig/cron, including descriptors like "@every 30s".
func NewChecker(registry *Registry, schedule string, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{
		registry: registry,
		schedule: schedule,
		logger:   logger,
	}
}

// Start begins periodic checking. The first run happens after one
// schedule interval, not immediately; run CheckAll by hand for a
// startup baseline.
func (c *Checker) Start(ctx context.Context) error {
	if c.cron != nil {
		return ErrCheckerStarted
	}

	c.cron = cron.New()
	entry, err := c.cron.AddFunc(c.schedule, func() {
		results := c.registry.CheckAll(ctx)
		healthy := 0
		for _, status := range results {
			if status == StatusHealthy {
				healthy++
			}
		}
		c.logger.Debug("Periodic health check completed",
			"modules", len(results), "healthy", healthy)
	})
	if err != nil {
		c.cron = nil
		return fmt.Errorf("invalid check schedule %q: %w", c.schedule, err)
	}
	c.entry = entry
	c.cron.Start()
	c.logger.Info("Periodic health checker started", "schedule", c.schedule)
	return nil
}

// Stop halts periodic checking and waits for an in-flight run to
// finish.
func (c *Checker) Stop() {
	if c.cron == nil {
		return
	}
	<-c.cron.Stop().Done()
	c.cron = nil
	c.logger.Info("Periodic health checker stopped")
}
