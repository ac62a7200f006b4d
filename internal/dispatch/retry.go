package dispatch

import (
	"context"

	"github.com/sirupsen/logrus"
)

// retryOnce runs op and, if it fails, runs it exactly once more.
func (c *Cycle) retryOnce(ctx context.Context, log logrus.FieldLogger, name string, op func(context.Context) error) error {
	err := op(ctx)
	if err == nil {
		return nil
	}
	c.metrics.PersistenceRetry(name)
	log.WithError(err).WithField("op", name).Debug("persistence failed, retrying once")
	return op(ctx)
}
