package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/dukex/durable/pkg/models"
	"github.com/dukex/durable/pkg/persistence"
)

func (p *Persistence) StepByKey(ctx context.Context, runID, key string) (*models.StepRecord, error) {
	var rec models.StepRecord

	found, err := getJSON(ctx, p.client, p.keyStep(runID, key), &rec)
	if err != nil {
		return nil, persistence.NewStepError("StepByKey", runID, key, err)
	}

	if !found {
		return nil, persistence.NewStepError("StepByKey", runID, key, persistence.ErrStepNotFound)
	}

	return &rec, nil
}

func (p *Persistence) SaveStep(ctx context.Context, rec *models.StepRecord, expectedVersion int64) error {
	key := p.keyStep(rec.RunID, rec.Key)

	next := rec.Clone()
	next.Version = expectedVersion + 1

	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to marshal step: %w", err)
	}

	err = p.watch(ctx, func(tx *redis.Tx) error {
		var current models.StepRecord

		found, err := getJSON(ctx, tx, key, &current)
		if err != nil {
			return err
		}

		var version int64
		if found {
			version = current.Version
		}

		if version != expectedVersion {
			return persistence.ErrVersionConflict
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)

			if !found {
				pipe.ZAdd(ctx, p.keySteps(rec.RunID), redis.Z{
					Score:  float64(rec.CreatedAt.UnixMilli()),
					Member: rec.Key,
				})
			}

			return nil
		})

		return err
	}, key)
	if err != nil {
		return persistence.NewStepError("SaveStep", rec.RunID, rec.Key, err)
	}

	rec.Version = next.Version

	return nil
}

func (p *Persistence) StepsByRun(ctx context.Context, runID string) ([]*models.StepRecord, error) {
	keys, err := p.client.ZRange(ctx, p.keySteps(runID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}

	records := make([]*models.StepRecord, 0, len(keys))

	for _, key := range keys {
		rec, err := p.StepByKey(ctx, runID, key)
		if persistence.IsStepNotFound(err) {
			continue
		}

		if err != nil {
			return nil, err
		}

		records = append(records, rec)
	}

	return records, nil
}
