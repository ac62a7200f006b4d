package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lost-nd-xxx/update-bell-app-sub000/internal/domain"
)

//go:embed schema.sql
var schema string

// Store implements the reminder store and pending trigger index using
// PostgreSQL. Every statement runs under its own timeout.
type Store struct {
	db        *sql.DB
	opTimeout time.Duration
}

// New creates a new PostgreSQL store. A zero opTimeout disables the
// per-statement deadline.
func New(db *sql.DB, opTimeout time.Duration) *Store {
	return &Store{db: db, opTimeout: opTimeout}
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.db.PingContext(ctx)
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.opTimeout)
}

// Get loads one reminder.
func (s *Store) Get(ctx context.Context, key string) (domain.Reminder, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var raw []byte
	err := s.db.QueryRowContext(ctx, queryGetReminder, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Reminder{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Reminder{}, err
	}
	var r domain.Reminder
	if err := json.Unmarshal(raw, &r); err != nil {
		return domain.Reminder{}, fmt.Errorf("%w: %s: %v", domain.ErrMalformed, key, err)
	}
	return r, nil
}

func (s *Store) Set(ctx context.Context, r domain.Reminder) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode reminder %s: %w", r.Key, err)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err = s.db.ExecContext(ctx, queryUpsertReminder, r.Key, r.RecipientID, raw, r.Paused)
	return err
}

func (s *Store) Delete(ctx context.Context, key string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, queryDeleteReminder, key)
	return err
}

// List returns up to limit reminders with keys after afterKey, in key order.
// Rows that fail to decode are reported in Page.Undecodable.
func (s *Store) List(ctx context.Context, afterKey string, limit int) (domain.Page, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryListReminders, afterKey, limit)
	if err != nil {
		return domain.Page{}, err
	}
	defer rows.Close()

	var page domain.Page
	for rows.Next() {
		var key string
		var raw []byte
		if err := rows.Scan(&key, &raw); err != nil {
			return domain.Page{}, err
		}
		page.LastKey = key
		var r domain.Reminder
		if err := json.Unmarshal(raw, &r); err != nil {
			page.Undecodable = append(page.Undecodable, key)
			continue
		}
		page.Reminders = append(page.Reminders, r)
	}

	if err := rows.Err(); err != nil {
		return domain.Page{}, err
	}
	return page, nil
}

func (s *Store) Upsert(ctx context.Context, key string, at time.Time) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, queryUpsertTrigger, key, at.UTC())
	return err
}

// Due returns keys whose trigger instant is at or before cutoff, ordered by
// instant and then key.
func (s *Store) Due(ctx context.Context, cutoff time.Time) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryDueTriggers, cutoff.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

func (s *Store) Remove(ctx context.Context, key string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, queryDeleteTrigger, key)
	return err
}

// Lookup returns the trigger instant stored for key.
func (s *Store) Lookup(ctx context.Context, key string) (time.Time, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var at time.Time
	err := s.db.QueryRowContext(ctx, queryLookupTrigger, key).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return at.UTC(), true, nil
}

// Registry returns the recipient registry backed by the same database.
func (s *Store) Registry() *Registry {
	return &Registry{s: s}
}

type Registry struct {
	s *Store
}

func (g *Registry) Get(ctx context.Context, recipientID string) ([]domain.Endpoint, error) {
	ctx, cancel := g.s.withTimeout(ctx)
	defer cancel()

	var raw []byte
	err := g.s.db.QueryRowContext(ctx, queryGetEndpoints, recipientID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var eps []domain.Endpoint
	if err := json.Unmarshal(raw, &eps); err != nil {
		return nil, fmt.Errorf("%w: recipient %s: %v", domain.ErrMalformed, recipientID, err)
	}
	return eps, nil
}

func (g *Registry) Set(ctx context.Context, recipientID string, endpoints []domain.Endpoint) error {
	raw, err := json.Marshal(endpoints)
	if err != nil {
		return fmt.Errorf("encode endpoints %s: %w", recipientID, err)
	}
	ctx, cancel := g.s.withTimeout(ctx)
	defer cancel()
	_, err = g.s.db.ExecContext(ctx, queryUpsertEndpoints, recipientID, raw)
	return err
}

func (g *Registry) Delete(ctx context.Context, recipientID string) error {
	ctx, cancel := g.s.withTimeout(ctx)
	defer cancel()
	_, err := g.s.db.ExecContext(ctx, queryDeleteEndpoints, recipientID)
	return err
}
