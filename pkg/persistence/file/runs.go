package file

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sort"

	"github.com/dukex/durable/pkg/models"
	"github.com/dukex/durable/pkg/persistence"
)

func (fp *Persistence) runPath(id string) string {
	return filepath.Join(fp.root, runsDir, fileName(id))
}

func (fp *Persistence) CreateRun(_ context.Context, run *models.Run) error {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	var existing models.Run

	found, err := fp.readJSON(fp.runPath(run.ID), &existing)
	if err != nil {
		return persistence.NewRunError("CreateRun", run.ID, err)
	}

	if found {
		return persistence.NewRunError("CreateRun", run.ID, persistence.ErrRunAlreadyExists)
	}

	run.Version = 1

	err = fp.writeJSON(fp.runPath(run.ID), run)
	if err != nil {
		run.Version = 0

		return persistence.NewRunError("CreateRun", run.ID, err)
	}

	return nil
}

func (fp *Persistence) RunByID(_ context.Context, id string) (*models.Run, error) {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	var run models.Run

	found, err := fp.readJSON(fp.runPath(id), &run)
	if err != nil {
		return nil, persistence.NewRunError("RunByID", id, err)
	}

	if !found {
		return nil, persistence.NewRunError("RunByID", id, persistence.ErrRunNotFound)
	}

	return &run, nil
}

func (fp *Persistence) UpdateRun(_ context.Context, run *models.Run, expectedVersion int64) error {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	var current models.Run

	found, err := fp.readJSON(fp.runPath(run.ID), &current)
	if err != nil {
		return persistence.NewRunError("UpdateRun", run.ID, err)
	}

	if !found {
		return persistence.NewRunError("UpdateRun", run.ID, persistence.ErrRunNotFound)
	}

	if current.Version != expectedVersion {
		return persistence.NewRunError("UpdateRun", run.ID, persistence.ErrVersionConflict)
	}

	run.Version = expectedVersion + 1

	err = fp.writeJSON(fp.runPath(run.ID), run)
	if err != nil {
		run.Version = expectedVersion

		return persistence.NewRunError("UpdateRun", run.ID, err)
	}

	return nil
}

func (fp *Persistence) RunsByFunction(_ context.Context, functionID string, limit int) ([]*models.Run, error) {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	runs := make([]*models.Run, 0)

	err := fp.readAll(filepath.Join(fp.root, runsDir), func(data []byte) error {
		var run models.Run

		err := json.Unmarshal(data, &run)
		if err == nil && run.FunctionID == functionID {
			runs = append(runs, &run)
		}

		return err
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].ID < runs[j].ID
		}

		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})

	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}

	return runs, nil
}
