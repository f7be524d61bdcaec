package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/dukex/durable/pkg/models"
	"github.com/dukex/durable/pkg/persistence"
)

func (p *Persistence) AdmissionState(ctx context.Context, functionID string) (*models.AdmissionState, error) {
	state := models.NewAdmissionState(functionID)

	_, err := getJSON(ctx, p.client, p.keyAdmission(functionID), state)
	if err != nil {
		return nil, persistence.NewAdmissionError("AdmissionState", functionID, err)
	}

	state.Init()

	return state, nil
}

func (p *Persistence) SaveAdmissionState(ctx context.Context, state *models.AdmissionState, expectedVersion int64) error {
	key := p.keyAdmission(state.FunctionID)

	next := state.Clone()
	next.Version = expectedVersion + 1

	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to marshal admission state: %w", err)
	}

	err = p.watch(ctx, func(tx *redis.Tx) error {
		var current models.AdmissionState

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

			return nil
		})

		return err
	}, key)
	if err != nil {
		return persistence.NewAdmissionError("SaveAdmissionState", state.FunctionID, err)
	}

	state.Version = next.Version

	return nil
}
