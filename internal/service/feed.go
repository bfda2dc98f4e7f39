package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/icunnyngham/sherpa/internal/domain"
)

// ResultPublisher receives every result the feed drains.
type ResultPublisher interface {
	PublishResult(rec domain.ResultRecord) error
}

// RunResultFeed drains new results every interval and publishes them. It
// consumes the controller's seen set, so results it publishes are not
// returned by later GetNewResults calls. It returns nil when ctx is done and
// the liveness error once the database has exited.
func (c *Controller) RunResultFeed(ctx context.Context, interval time.Duration, pub ResultPublisher) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := c.sweepNewResults(ctx, pub); domain.IsLiveness(err) {
				return err
			}
		}
	}
}

func (c *Controller) sweepNewResults(ctx context.Context, pub ResultPublisher) (int, error) {
	sweepCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	results, err := c.GetNewResults(sweepCtx)
	if err != nil {
		c.logger.Warn("result feed sweep failed", zap.Error(err))
		return 0, err
	}

	for _, r := range results {
		if err := pub.PublishResult(r); err != nil {
			c.logger.Warn("failed to publish result",
				zap.String("result_id", r.ID),
				zap.Int64("trial_id", int64(r.TrialID)),
				zap.Error(err))
		}
	}
	return len(results), nil
}
