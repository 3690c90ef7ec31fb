package query

import (
	"context"

	"github.com/Adithya-Monish-Kumar-K/govscout/internal/events"
	"github.com/Adithya-Monish-Kumar-K/govscout/pkg/kafka"
)

// InvalidationHandler drops cached results whenever a harvest event reports
// committed records. Query nodes that do not run the scheduler subscribe it
// to the harvest events topic.
func InvalidationHandler(c *Cache) kafka.MessageHandler {
	return func(ctx context.Context, _ []byte, value []byte) error {
		e, err := events.Decode(value)
		if err != nil {
			return err
		}
		if e.Records == 0 {
			return nil
		}
		c.logger.Debug("harvest event received", "run_id", e.RunID, "phase", e.Phase, "records", e.Records)
		return c.Invalidate(ctx)
	}
}
