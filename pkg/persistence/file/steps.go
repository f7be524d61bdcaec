package file

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sort"

	"github.com/dukex/durable/pkg/models"
	"github.com/dukex/durable/pkg/persistence"
)

func (fp *Persistence) stepDir(runID string) string {
	return filepath.Join(fp.root, stepsDir, encodeID(runID))
}

func (fp *Persistence) stepPath(runID, key string) string {
	return filepath.Join(fp.stepDir(runID), fileName(key))
}

func (fp *Persistence) StepByKey(_ context.Context, runID, key string) (*models.StepRecord, error) {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	var rec models.StepRecord

	found, err := fp.readJSON(fp.stepPath(runID, key), &rec)
	if err != nil {
		return nil, persistence.NewStepError("StepByKey", runID, key, err)
	}

	if !found {
		return nil, persistence.NewStepError("StepByKey", runID, key, persistence.ErrStepNotFound)
	}

	return &rec, nil
}

func (fp *Persistence) SaveStep(_ context.Context, rec *models.StepRecord, expectedVersion int64) error {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	path := fp.stepPath(rec.RunID, rec.Key)

	var current models.StepRecord

	found, err := fp.readJSON(path, &current)
	if err != nil {
		return persistence.NewStepError("SaveStep", rec.RunID, rec.Key, err)
	}

	var version int64
	if found {
		version = current.Version
	}

	if version != expectedVersion {
		return persistence.NewStepError("SaveStep", rec.RunID, rec.Key, persistence.ErrVersionConflict)
	}

	rec.Version = expectedVersion + 1

	err = fp.writeJSON(path, rec)
	if err != nil {
		rec.Version = expectedVersion

		return persistence.NewStepError("SaveStep", rec.RunID, rec.Key, err)
	}

	return nil
}

func (fp *Persistence) StepsByRun(_ context.Context, runID string) ([]*models.StepRecord, error) {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	records := make([]*models.StepRecord, 0)

	err := fp.readAll(fp.stepDir(runID), func(data []byte) error {
		var rec models.StepRecord

		err := json.Unmarshal(data, &rec)
		if err == nil {
			records = append(records, &rec)
		}

		return err
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].Key < records[j].Key
		}

		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})

	return records, nil
}
