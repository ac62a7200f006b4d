// Package memory provides in-process implementations of the reminder store,
// pending trigger index and recipient registry. It backs tests and local
// development; nothing survives a restart.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/lost-nd-xxx/update-bell-app-sub000/internal/domain"
)

// Store keeps reminder records as encoded JSON so callers never share
// mutable state with the store.
type Store struct {
	mu      sync.RWMutex
	records map[string][]byte
}

func NewStore() *Store {
	return &Store{records: make(map[string][]byte)}
}

func (s *Store) Get(ctx context.Context, key string) (domain.Reminder, error) {
	s.mu.RLock()
	raw, ok := s.records[key]
	s.mu.RUnlock()
	if !ok {
		return domain.Reminder{}, domain.ErrNotFound
	}
	var r domain.Reminder
	if err := json.Unmarshal(raw, &r); err != nil {
		return domain.Reminder{}, domain.ErrMalformed
	}
	return r, nil
}

func (s *Store) Set(ctx context.Context, r domain.Reminder) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.records[r.Key] = raw
	s.mu.Unlock()
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.records, key)
	s.mu.Unlock()
	return nil
}

// List returns up to limit records with keys strictly greater than afterKey,
// in key order. Undecodable records are reported in Page.Undecodable.
func (s *Store) List(ctx context.Context, afterKey string, limit int) (domain.Page, error) {
	s.mu.RLock()
	keys := make([]string, 0, len(s.records))
	for k := range s.records {
		if k > afterKey {
			keys = append(keys, k)
		}
	}
	s.mu.RUnlock()

	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}

	var page domain.Page
	for _, k := range keys {
		page.LastKey = k
		r, err := s.Get(ctx, k)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			page.Undecodable = append(page.Undecodable, k)
			continue
		}
		page.Reminders = append(page.Reminders, r)
	}
	return page, nil
}

// PutRaw stores an undecodable value under key. Test helper.
func (s *Store) PutRaw(key string, raw []byte) {
	s.mu.Lock()
	s.records[key] = raw
	s.mu.Unlock()
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

type entry struct {
	at  time.Time
	key string
}

func (e entry) less(o entry) bool {
	if e.at.Equal(o.at) {
		return e.key < o.key
	}
	return e.at.Before(o.at)
}

// Index is a pending trigger index ordered by (instant, key).
type Index struct {
	mu      sync.RWMutex
	byKey   map[string]time.Time
	ordered []entry
}

func NewIndex() *Index {
	return &Index{byKey: make(map[string]time.Time)}
}

func (x *Index) Upsert(ctx context.Context, key string, at time.Time) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if prev, ok := x.byKey[key]; ok {
		x.removeLocked(entry{at: prev, key: key})
	}
	e := entry{at: at, key: key}
	i := sort.Search(len(x.ordered), func(i int) bool { return !x.ordered[i].less(e) })
	x.ordered = append(x.ordered, entry{})
	copy(x.ordered[i+1:], x.ordered[i:])
	x.ordered[i] = e
	x.byKey[key] = at
	return nil
}

func (x *Index) Due(ctx context.Context, cutoff time.Time) ([]string, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	var keys []string
	for _, e := range x.ordered {
		if e.at.After(cutoff) {
			break
		}
		keys = append(keys, e.key)
	}
	return keys, nil
}

func (x *Index) Remove(ctx context.Context, key string) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if prev, ok := x.byKey[key]; ok {
		x.removeLocked(entry{at: prev, key: key})
		delete(x.byKey, key)
	}
	return nil
}

// Lookup returns the trigger instant stored for key.
func (x *Index) Lookup(ctx context.Context, key string) (time.Time, bool, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	at, ok := x.byKey[key]
	return at, ok, nil
}

// Len returns the number of pending entries.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.ordered)
}

func (x *Index) removeLocked(e entry) {
	i := sort.Search(len(x.ordered), func(i int) bool { return !x.ordered[i].less(e) })
	if i < len(x.ordered) && x.ordered[i].key == e.key {
		x.ordered = append(x.ordered[:i], x.ordered[i+1:]...)
	}
}

// Registry maps recipients to their delivery endpoints.
type Registry struct {
	mu        sync.RWMutex
	endpoints map[string][]domain.Endpoint
}

func NewRegistry() *Registry {
	return &Registry{endpoints: make(map[string][]domain.Endpoint)}
}

func (g *Registry) Get(ctx context.Context, recipientID string) ([]domain.Endpoint, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	eps := g.endpoints[recipientID]
	out := make([]domain.Endpoint, len(eps))
	copy(out, eps)
	return out, nil
}

func (g *Registry) Set(ctx context.Context, recipientID string, endpoints []domain.Endpoint) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	cp := make([]domain.Endpoint, len(endpoints))
	copy(cp, endpoints)
	g.endpoints[recipientID] = cp
	return nil
}

func (g *Registry) Delete(ctx context.Context, recipientID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.endpoints, recipientID)
	return nil
}

// Has reports whether the recipient has a registration.
func (g *Registry) Has(recipientID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.endpoints[recipientID]
	return ok
}
