package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dukex/durable/pkg/models"
	"github.com/dukex/durable/pkg/persistence"
)

const duePageSize = 100

func (p *Persistence) SaveTimer(ctx context.Context, timer *models.TimerEntry) error {
	t := *timer
	t.ClaimedUntil = time.Time{}

	data, err := json.Marshal(&t)
	if err != nil {
		return fmt.Errorf("failed to marshal timer: %w", err)
	}

	_, err = p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, p.keyTimer(t.ID), data, 0)
		pipe.ZAdd(ctx, p.keyTimers(), redis.Z{Score: float64(t.FireAt.UnixMilli()), Member: t.ID})
		pipe.SAdd(ctx, p.keyRunTimers(t.RunID), t.ID)

		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save timer %s: %w", t.ID, err)
	}

	return nil
}

func (p *Persistence) DueTimers(ctx context.Context, now time.Time, limit int) ([]*models.TimerEntry, error) {
	if limit <= 0 {
		limit = duePageSize
	}

	due := make([]*models.TimerEntry, 0, limit)
	maxScore := strconv.FormatInt(now.UnixMilli(), 10)

	for offset := int64(0); len(due) < limit; offset += duePageSize {
		ids, err := p.client.ZRangeByScore(ctx, p.keyTimers(), &redis.ZRangeBy{
			Min:    "-inf",
			Max:    maxScore,
			Offset: offset,
			Count:  duePageSize,
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to query due timers: %w", err)
		}

		for _, id := range ids {
			var t models.TimerEntry

			found, err := getJSON(ctx, p.client, p.keyTimer(id), &t)
			if err != nil {
				return nil, err
			}

			if found && t.Due(now) {
				due = append(due, &t)
			}
		}

		if len(ids) < duePageSize {
			break
		}
	}

	sortTimers(due)

	if len(due) > limit {
		due = due[:limit]
	}

	return due, nil
}

func (p *Persistence) ClaimTimer(ctx context.Context, id string, now, until time.Time) (*models.TimerEntry, error) {
	key := p.keyTimer(id)

	var claimed models.TimerEntry

	err := p.watch(ctx, func(tx *redis.Tx) error {
		found, err := getJSON(ctx, tx, key, &claimed)
		if err != nil {
			return err
		}

		if !found {
			return persistence.ErrTimerNotFound
		}

		if now.Before(claimed.ClaimedUntil) {
			return persistence.ErrTimerClaimed
		}

		claimed.ClaimedUntil = until

		data, err := json.Marshal(&claimed)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)

			return nil
		})

		return err
	}, key)
	if errors.Is(err, persistence.ErrVersionConflict) {
		return nil, persistence.ErrTimerClaimed
	}

	if err != nil {
		return nil, err
	}

	return &claimed, nil
}

func (p *Persistence) CompleteTimer(ctx context.Context, timer *models.TimerEntry) error {
	key := p.keyTimer(timer.ID)

	err := p.watch(ctx, func(tx *redis.Tx) error {
		var current models.TimerEntry

		found, err := getJSON(ctx, tx, key, &current)
		if err != nil || !found {
			return err
		}

		if !current.ClaimedUntil.Equal(timer.ClaimedUntil) {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			p.removeTimer(ctx, pipe, &current)

			return nil
		})

		return err
	}, key)
	if errors.Is(err, persistence.ErrVersionConflict) {
		// re-saved concurrently, keep it
		return nil
	}

	return err
}

func (p *Persistence) removeTimer(ctx context.Context, pipe redis.Pipeliner, t *models.TimerEntry) {
	pipe.Del(ctx, p.keyTimer(t.ID))
	pipe.ZRem(ctx, p.keyTimers(), t.ID)
	pipe.SRem(ctx, p.keyRunTimers(t.RunID), t.ID)
}

func (p *Persistence) DeleteTimer(ctx context.Context, id string) error {
	var t models.TimerEntry

	found, err := getJSON(ctx, p.client, p.keyTimer(id), &t)
	if err != nil || !found {
		return err
	}

	_, err = p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		p.removeTimer(ctx, pipe, &t)

		return nil
	})

	return err
}

func (p *Persistence) DeleteTimersByRun(ctx context.Context, runID string) error {
	ids, err := p.client.SMembers(ctx, p.keyRunTimers(runID)).Result()
	if err != nil {
		return fmt.Errorf("failed to list timers of run %s: %w", runID, err)
	}

	_, err = p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			pipe.Del(ctx, p.keyTimer(id))
			pipe.ZRem(ctx, p.keyTimers(), id)
		}

		pipe.Del(ctx, p.keyRunTimers(runID))

		return nil
	})

	return err
}

func (p *Persistence) TimersByRun(ctx context.Context, runID string) ([]*models.TimerEntry, error) {
	ids, err := p.client.SMembers(ctx, p.keyRunTimers(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list timers of run %s: %w", runID, err)
	}

	timers := make([]*models.TimerEntry, 0, len(ids))

	for _, id := range ids {
		var t models.TimerEntry

		found, err := getJSON(ctx, p.client, p.keyTimer(id), &t)
		if err != nil {
			return nil, err
		}

		if found {
			timers = append(timers, &t)
		}
	}

	sortTimers(timers)

	return timers, nil
}

func sortTimers(timers []*models.TimerEntry) {
	sort.Slice(timers, func(i, j int) bool {
		if timers[i].FireAt.Equal(timers[j].FireAt) {
			return timers[i].ID < timers[j].ID
		}

		return timers[i].FireAt.Before(timers[j].FireAt)
	})
}
