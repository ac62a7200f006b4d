// Package analytics keeps time-bucketed delivery outcome counters in Redis.
package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/lost-nd-xxx/update-bell-app-sub000/internal/domain"
	"github.com/lost-nd-xxx/update-bell-app-sub000/internal/logging"
)

const (
	DefaultWindow    = time.Minute
	DefaultRetention = 7 * 24 * time.Hour
)

type Config struct {
	// Prefix is prepended to every key.
	Prefix string
	// Window is the bucket width: 1m, 5m or 1h.
	Window time.Duration
	// Retention is the TTL of each bucket.
	Retention time.Duration
}

// RedisSink counts delivery outcomes per bucket, both globally and per
// recipient. Writes are best effort: failures are logged and dropped.
type RedisSink struct {
	client redis.UniversalClient
	config Config
	log    logrus.FieldLogger
}

func NewRedisSink(client redis.UniversalClient, config Config) *RedisSink {
	if config.Window <= 0 {
		config.Window = DefaultWindow
	}
	if config.Retention <= 0 {
		config.Retention = DefaultRetention
	}
	return &RedisSink{
		client: client,
		config: config,
		log:    logging.Component(logrus.StandardLogger(), "analytics"),
	}
}

func (s *RedisSink) WithLogger(l logrus.FieldLogger) *RedisSink {
	s.log = logging.Component(l, "analytics")
	return s
}

// Record increments the outcome counters for the bucket containing at.
func (s *RedisSink) Record(ctx context.Context, recipientID string, outcome domain.Outcome, at time.Time) {
	if err := s.write(ctx, recipientID, outcome, at); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"recipient": recipientID,
			"outcome":   string(outcome),
		}).Warn("analytics write failed")
	}
}

func (s *RedisSink) write(ctx context.Context, recipientID string, outcome domain.Outcome, at time.Time) error {
	bucket := truncateToBucket(at, s.config.Window)
	keys := []string{
		s.totalKey(outcome, bucket),
		s.recipientKey(recipientID, outcome, bucket),
	}

	pipe := s.client.Pipeline()
	for _, key := range keys {
		pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, s.config.Retention)
	}

	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}

	return nil
}

// Count returns the global counter for outcome in the bucket containing at.
func (s *RedisSink) Count(ctx context.Context, outcome domain.Outcome, at time.Time) (int64, error) {
	n, err := s.client.Get(ctx, s.totalKey(outcome, truncateToBucket(at, s.config.Window))).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

func (s *RedisSink) totalKey(outcome domain.Outcome, bucket string) string {
	return fmt.Sprintf("%sanalytics:%s:%s", s.config.Prefix, outcome, bucket)
}

func (s *RedisSink) recipientKey(recipientID string, outcome domain.Outcome, bucket string) string {
	return fmt.Sprintf("%sanalytics:r:%s:%s:%s", s.config.Prefix, recipientID, outcome, bucket)
}

func truncateToBucket(t time.Time, window time.Duration) string {
	t = t.UTC()
	switch window {
	case time.Minute:
		return t.Format("200601021504")
	case 5 * time.Minute:
		minute := (t.Minute() / 5) * 5
		return t.Format("2006010215") + fmt.Sprintf("%02d", minute)
	case time.Hour:
		return t.Format("2006010215")
	default:
		return t.Format("200601021504")
	}
}
