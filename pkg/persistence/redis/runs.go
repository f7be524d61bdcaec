package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/dukex/durable/pkg/models"
	"github.com/dukex/durable/pkg/persistence"
)

func (p *Persistence) CreateRun(ctx context.Context, run *models.Run) error {
	run.Version = 1

	data, err := json.Marshal(run)
	if err != nil {
		run.Version = 0

		return fmt.Errorf("failed to marshal run: %w", err)
	}

	created, err := p.client.SetNX(ctx, p.keyRun(run.ID), data, 0).Result()
	if err != nil {
		run.Version = 0

		return persistence.NewRunError("CreateRun", run.ID, err)
	}

	if !created {
		run.Version = 0

		return persistence.NewRunError("CreateRun", run.ID, persistence.ErrRunAlreadyExists)
	}

	err = p.client.ZAdd(ctx, p.keyFunction(run.FunctionID), redis.Z{
		Score:  float64(run.CreatedAt.UnixMilli()),
		Member: run.ID,
	}).Err()
	if err != nil {
		p.logger.WarnContext(ctx, "Failed to index run", "run_id", run.ID, "error", err)
	}

	return nil
}

func (p *Persistence) RunByID(ctx context.Context, id string) (*models.Run, error) {
	var run models.Run

	found, err := getJSON(ctx, p.client, p.keyRun(id), &run)
	if err != nil {
		return nil, persistence.NewRunError("RunByID", id, err)
	}

	if !found {
		return nil, persistence.NewRunError("RunByID", id, persistence.ErrRunNotFound)
	}

	return &run, nil
}

func (p *Persistence) UpdateRun(ctx context.Context, run *models.Run, expectedVersion int64) error {
	key := p.keyRun(run.ID)

	next := run.Clone()
	next.Version = expectedVersion + 1

	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}

	err = p.watch(ctx, func(tx *redis.Tx) error {
		var current models.Run

		found, err := getJSON(ctx, tx, key, &current)
		if err != nil {
			return err
		}

		if !found {
			return persistence.ErrRunNotFound
		}

		if current.Version != expectedVersion {
			return persistence.ErrVersionConflict
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)

			return nil
		})

		return err
	}, key)
	if err != nil {
		return persistence.NewRunError("UpdateRun", run.ID, err)
	}

	run.Version = next.Version

	return nil
}

func (p *Persistence) RunsByFunction(ctx context.Context, functionID string, limit int) ([]*models.Run, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}

	ids, err := p.client.ZRevRange(ctx, p.keyFunction(functionID), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	runs := make([]*models.Run, 0, len(ids))

	for _, id := range ids {
		run, err := p.RunByID(ctx, id)
		if persistence.IsRunNotFound(err) {
			continue
		}

		if err != nil {
			return nil, err
		}

		runs = append(runs, run)
	}

	return runs, nil
}
