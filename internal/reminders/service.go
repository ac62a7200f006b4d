// Package reminders implements the reminder lifecycle that keeps records and
// pending trigger entries consistent: every live record has exactly one entry
// and paused records have none.
package reminders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/lost-nd-xxx/update-bell-app-sub000/internal/domain"
	"github.com/lost-nd-xxx/update-bell-app-sub000/internal/logging"
)

type Store interface {
	Get(ctx context.Context, key string) (domain.Reminder, error)
	Set(ctx context.Context, r domain.Reminder) error
	Delete(ctx context.Context, key string) error
}

type Index interface {
	Upsert(ctx context.Context, key string, at time.Time) error
	Remove(ctx context.Context, key string) error
}

type Resolver interface {
	Advance(rule domain.Rule, loc *time.Location, ref, now time.Time) (time.Time, error)
}

type Service struct {
	store    Store
	index    Index
	resolver Resolver
	clock    func() time.Time
	log      logrus.FieldLogger
}

func NewService(store Store, index Index, resolver Resolver) *Service {
	return &Service{
		store:    store,
		index:    index,
		resolver: resolver,
		clock:    time.Now,
		log:      logging.Component(logrus.StandardLogger(), "reminders"),
	}
}

func (s *Service) WithLogger(l logrus.FieldLogger) *Service {
	s.log = logging.Component(l, "reminders")
	return s
}

// WithClock sets the time source. Used in tests.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// Create stores a new reminder and schedules it. A missing key is generated.
// Rules that are invalid or have no future occurrence are rejected and
// nothing is stored.
func (s *Service) Create(ctx context.Context, r domain.Reminder) (domain.Reminder, error) {
	if r.Key == "" {
		r.Key = uuid.NewString()
	} else {
		// An undecodable record under the key may be replaced.
		_, err := s.store.Get(ctx, r.Key)
		switch {
		case err == nil:
			return domain.Reminder{}, fmt.Errorf("reminder %s: %w", r.Key, domain.ErrExists)
		case !errors.Is(err, domain.ErrNotFound) && !errors.Is(err, domain.ErrMalformed):
			return domain.Reminder{}, fmt.Errorf("check existing reminder: %w", err)
		}
	}
	now := s.clock().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now
	r.LastTriggeredAt = nil

	ref := now
	if r.BaseDate != nil {
		ref = *r.BaseDate
	}
	return s.schedule(ctx, r, ref, now)
}

// UpdateRule replaces the rule and timezone of an existing reminder and
// re-anchors its schedule to now.
func (s *Service) UpdateRule(ctx context.Context, key string, rule domain.Rule, timezone string) (domain.Reminder, error) {
	r, err := s.store.Get(ctx, key)
	if err != nil {
		return domain.Reminder{}, err
	}
	now := s.clock().UTC()
	r.Rule = rule
	r.Timezone = timezone
	r.UpdatedAt = now
	return s.schedule(ctx, r, now, now)
}

// Pause keeps the record and removes its pending entry.
func (s *Service) Pause(ctx context.Context, key string) (domain.Reminder, error) {
	r, err := s.store.Get(ctx, key)
	if err != nil {
		return domain.Reminder{}, err
	}
	r.Paused = true
	r.NextTriggerAt = nil
	r.UpdatedAt = s.clock().UTC()

	// A crash between the two writes leaves a paused record with an entry.
	// The reconciler removes it; if it comes due first, the cycle deletes
	// the reminder.
	if err := s.store.Set(ctx, r); err != nil {
		return domain.Reminder{}, fmt.Errorf("persist paused reminder: %w", err)
	}
	if err := s.index.Remove(ctx, key); err != nil {
		return domain.Reminder{}, fmt.Errorf("remove pending entry: %w", err)
	}
	s.log.WithField("reminder", key).Info("paused")
	return r, nil
}

// Resume clears the pause flag and schedules from now.
func (s *Service) Resume(ctx context.Context, key string) (domain.Reminder, error) {
	r, err := s.store.Get(ctx, key)
	if err != nil {
		return domain.Reminder{}, err
	}
	now := s.clock().UTC()
	r.Paused = false
	r.UpdatedAt = now
	return s.schedule(ctx, r, now, now)
}

// Delete removes the record and then its entry. Deleting an unknown key is
// not an error.
func (s *Service) Delete(ctx context.Context, key string) error {
	if err := s.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete reminder: %w", err)
	}
	if err := s.index.Remove(ctx, key); err != nil {
		return fmt.Errorf("remove pending entry: %w", err)
	}
	s.log.WithField("reminder", key).Info("deleted")
	return nil
}

// schedule validates r, resolves its next trigger after now starting from ref,
// and persists the record before its entry.
func (s *Service) schedule(ctx context.Context, r domain.Reminder, ref, now time.Time) (domain.Reminder, error) {
	if err := r.Validate(); err != nil {
		return domain.Reminder{}, err
	}

	if r.Paused {
		r.NextTriggerAt = nil
		if err := s.store.Set(ctx, r); err != nil {
			return domain.Reminder{}, fmt.Errorf("persist reminder: %w", err)
		}
		if err := s.index.Remove(ctx, r.Key); err != nil {
			return domain.Reminder{}, fmt.Errorf("remove pending entry: %w", err)
		}
		return r, nil
	}

	loc, err := r.Location()
	if err != nil {
		return domain.Reminder{}, err
	}
	next, err := s.resolver.Advance(r.Rule, loc, ref, now)
	if err != nil {
		return domain.Reminder{}, err
	}
	r.BaseDate = &next
	r.NextTriggerAt = &next

	if err := s.store.Set(ctx, r); err != nil {
		return domain.Reminder{}, fmt.Errorf("persist reminder: %w", err)
	}
	if err := s.index.Upsert(ctx, r.Key, next); err != nil {
		return domain.Reminder{}, fmt.Errorf("upsert pending entry: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"reminder": r.Key,
		"next":     next.Format(time.RFC3339),
	}).Debug("scheduled")
	return r, nil
}
