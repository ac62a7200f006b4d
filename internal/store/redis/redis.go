// Package redis stores reminders, the pending trigger index and the recipient
// registry in Redis.
//
// Layout, relative to the configured key prefix:
//
//	reminder:{key}    JSON reminder record
//	reminders         sorted set of record keys, all at score 0 (keyset paging)
//	pending           sorted set of reminder keys scored by trigger unix millis
//	recipient:{id}    JSON array of endpoints
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lost-nd-xxx/update-bell-app-sub000/internal/domain"
)

// Backend implements the reminder store, trigger index and recipient registry
// on a single Redis client.
type Backend struct {
	client redis.UniversalClient
	prefix string
}

func New(client redis.UniversalClient, prefix string) *Backend {
	return &Backend{client: client, prefix: prefix}
}

func (b *Backend) recordKey(key string) string  { return b.prefix + "reminder:" + key }
func (b *Backend) recordsKey() string           { return b.prefix + "reminders" }
func (b *Backend) pendingKey() string           { return b.prefix + "pending" }
func (b *Backend) recipientKey(id string) string { return b.prefix + "recipient:" + id }

// Ping checks connectivity.
func (b *Backend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Get loads one reminder.
func (b *Backend) Get(ctx context.Context, key string) (domain.Reminder, error) {
	raw, err := b.client.Get(ctx, b.recordKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Reminder{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Reminder{}, fmt.Errorf("redis get %s: %w", key, err)
	}
	var r domain.Reminder
	if err := json.Unmarshal(raw, &r); err != nil {
		return domain.Reminder{}, fmt.Errorf("%w: %s: %v", domain.ErrMalformed, key, err)
	}
	return r, nil
}

func (b *Backend) Set(ctx context.Context, r domain.Reminder) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode reminder %s: %w", r.Key, err)
	}
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, b.recordKey(r.Key), raw, 0)
		pipe.ZAdd(ctx, b.recordsKey(), redis.Z{Score: 0, Member: r.Key})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis set %s: %w", r.Key, err)
	}
	return nil
}

func (b *Backend) Delete(ctx context.Context, key string) error {
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, b.recordKey(key))
		pipe.ZRem(ctx, b.recordsKey(), key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete %s: %w", key, err)
	}
	return nil
}

// List returns up to limit reminders with keys after afterKey in key order.
// Records that fail to decode are reported in Page.Undecodable; records
// deleted since the key range was read are left out.
func (b *Backend) List(ctx context.Context, afterKey string, limit int) (domain.Page, error) {
	min := "-"
	if afterKey != "" {
		min = "(" + afterKey
	}
	keys, err := b.client.ZRangeByLex(ctx, b.recordsKey(), &redis.ZRangeBy{
		Min:   min,
		Max:   "+",
		Count: int64(limit),
	}).Result()
	if err != nil {
		return domain.Page{}, fmt.Errorf("redis list: %w", err)
	}
	if len(keys) == 0 {
		return domain.Page{}, nil
	}

	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = b.recordKey(k)
	}
	vals, err := b.client.MGet(ctx, full...).Result()
	if err != nil {
		return domain.Page{}, fmt.Errorf("redis mget: %w", err)
	}

	page := domain.Page{LastKey: keys[len(keys)-1]}
	for i, v := range vals {
		if v == nil {
			continue
		}
		var r domain.Reminder
		s, ok := v.(string)
		if !ok || json.Unmarshal([]byte(s), &r) != nil {
			page.Undecodable = append(page.Undecodable, keys[i])
			continue
		}
		page.Reminders = append(page.Reminders, r)
	}
	return page, nil
}

// Upsert records or replaces the trigger instant for key.
func (b *Backend) Upsert(ctx context.Context, key string, at time.Time) error {
	err := b.client.ZAdd(ctx, b.pendingKey(), redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: key,
	}).Err()
	if err != nil {
		return fmt.Errorf("redis zadd %s: %w", key, err)
	}
	return nil
}

// Due returns keys whose trigger instant is at or before cutoff, ordered by
// instant and then key.
func (b *Backend) Due(ctx context.Context, cutoff time.Time) ([]string, error) {
	keys, err := b.client.ZRangeByScore(ctx, b.pendingKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", cutoff.UnixMilli()),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrangebyscore: %w", err)
	}
	return keys, nil
}

func (b *Backend) Remove(ctx context.Context, key string) error {
	if err := b.client.ZRem(ctx, b.pendingKey(), key).Err(); err != nil {
		return fmt.Errorf("redis zrem %s: %w", key, err)
	}
	return nil
}

// Lookup returns the trigger instant stored for key.
func (b *Backend) Lookup(ctx context.Context, key string) (time.Time, bool, error) {
	score, err := b.client.ZScore(ctx, b.pendingKey(), key).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("redis zscore %s: %w", key, err)
	}
	return time.UnixMilli(int64(score)).UTC(), true, nil
}

// Registry returns a view of the backend that satisfies the recipient registry
// contract. Get and Set collide with the reminder store methods otherwise.
func (b *Backend) Registry() *Registry {
	return &Registry{b: b}
}

type Registry struct {
	b *Backend
}

func (g *Registry) Get(ctx context.Context, recipientID string) ([]domain.Endpoint, error) {
	raw, err := g.b.client.Get(ctx, g.b.recipientKey(recipientID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get recipient %s: %w", recipientID, err)
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
	if err := g.b.client.Set(ctx, g.b.recipientKey(recipientID), raw, 0).Err(); err != nil {
		return fmt.Errorf("redis set recipient %s: %w", recipientID, err)
	}
	return nil
}

func (g *Registry) Delete(ctx context.Context, recipientID string) error {
	if err := g.b.client.Del(ctx, g.b.recipientKey(recipientID)).Err(); err != nil {
		return fmt.Errorf("redis del recipient %s: %w", recipientID, err)
	}
	return nil
}
