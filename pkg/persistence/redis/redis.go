// Package redis provides a Redis persistence implementation. Records are JSON strings;
// compare-and-swap uses WATCH/MULTI optimistic transactions and timers live in a sorted
// set scored by fire time.
//
// Key layout:
//
//	<prefix>run:<id>              => run JSON
//	<prefix>idx:fn:<function>     => ZSET of run ids scored by creation time
//	<prefix>step:<run>:<key>      => step record JSON
//	<prefix>idx:steps:<run>       => ZSET of step keys scored by creation time
//	<prefix>timer:<id>            => timer JSON
//	<prefix>idx:timers            => ZSET of timer ids scored by fire time (ms)
//	<prefix>idx:timers:<run>      => SET of the run's timer ids
//	<prefix>admission:<function>  => admission gate state JSON
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/dukex/durable/pkg/persistence"
)

// DefaultPrefix namespaces every key.
const DefaultPrefix = "durable:"

// Persistence implements persistence.Persistence on Redis.
type Persistence struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

// NewPersistence connects to the Redis server described by url (redis://...).
func NewPersistence(ctx context.Context, logger *slog.Logger, url string) (*Persistence, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	err = client.Ping(ctx).Err()
	if err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return NewWithClient(client, DefaultPrefix, logger), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, prefix string, logger *slog.Logger) *Persistence {
	if prefix == "" {
		prefix = DefaultPrefix
	}

	return &Persistence{client: client, prefix: prefix, logger: logger.With("module", "redis")}
}

func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.client.Ping(ctx).Err()
	if err != nil {
		return fmt.Errorf("failed to ping redis: %w", err)
	}

	return nil
}

func (p *Persistence) Close(_ context.Context) error {
	return p.client.Close()
}

func (p *Persistence) keyRun(id string) string        { return p.prefix + "run:" + id }
func (p *Persistence) keyFunction(fn string) string   { return p.prefix + "idx:fn:" + fn }
func (p *Persistence) keyStep(run, key string) string { return p.prefix + "step:" + run + ":" + key }
func (p *Persistence) keySteps(run string) string     { return p.prefix + "idx:steps:" + run }
func (p *Persistence) keyTimer(id string) string      { return p.prefix + "timer:" + id }
func (p *Persistence) keyTimers() string              { return p.prefix + "idx:timers" }
func (p *Persistence) keyRunTimers(run string) string { return p.prefix + "idx:timers:" + run }
func (p *Persistence) keyAdmission(fn string) string  { return p.prefix + "admission:" + fn }

// getJSON loads key into out and reports whether it existed.
func getJSON(ctx context.Context, c redis.Cmdable, key string, out any) (bool, error) {
	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	err = json.Unmarshal(data, out)
	if err != nil {
		return false, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}

	return true, nil
}

// watch runs fn in an optimistic transaction on keys, mapping a lost race onto
// ErrVersionConflict.
func (p *Persistence) watch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	err := p.client.Watch(ctx, fn, keys...)
	if errors.Is(err, redis.TxFailedErr) {
		return persistence.ErrVersionConflict
	}

	return err
}

var _ persistence.Persistence = (*Persistence)(nil)
