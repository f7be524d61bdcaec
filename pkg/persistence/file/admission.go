package file

import (
	"context"
	"path/filepath"

	"github.com/dukex/durable/pkg/models"
	"github.com/dukex/durable/pkg/persistence"
)

func (fp *Persistence) admissionPath(functionID string) string {
	return filepath.Join(fp.root, admissionDir, fileName(functionID))
}

func (fp *Persistence) AdmissionState(_ context.Context, functionID string) (*models.AdmissionState, error) {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	state := models.NewAdmissionState(functionID)

	_, err := fp.readJSON(fp.admissionPath(functionID), state)
	if err != nil {
		return nil, persistence.NewAdmissionError("AdmissionState", functionID, err)
	}

	state.Init()

	return state, nil
}

func (fp *Persistence) SaveAdmissionState(_ context.Context, state *models.AdmissionState, expectedVersion int64) error {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	path := fp.admissionPath(state.FunctionID)

	var current models.AdmissionState

	found, err := fp.readJSON(path, &current)
	if err != nil {
		return persistence.NewAdmissionError("SaveAdmissionState", state.FunctionID, err)
	}

	var version int64
	if found {
		version = current.Version
	}

	if version != expectedVersion {
		return persistence.NewAdmissionError("SaveAdmissionState", state.FunctionID, persistence.ErrVersionConflict)
	}

	state.Version = expectedVersion + 1

	err = fp.writeJSON(path, state)
	if err != nil {
		state.Version = expectedVersion

		return persistence.NewAdmissionError("SaveAdmissionState", state.FunctionID, err)
	}

	return nil
}
